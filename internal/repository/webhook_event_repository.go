// internal/repository/webhook_event_repository.go
package repository

import (
	"context"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"github.com/needlink/escrow-backend/internal/models"
)

// WebhookEventRepository journals inbound processor events. Insert returns
// ErrDuplicateKey for a redelivery of an already-seen (provider, event_id)
// pair.
type WebhookEventRepository interface {
	Insert(ctx context.Context, event *models.WebhookEvent) error
	GetByProviderEventID(ctx context.Context, provider, eventID string) (*models.WebhookEvent, error)
	MarkProcessed(ctx context.Context, id uuid.UUID, at time.Time) error
	MarkFailed(ctx context.Context, id uuid.UUID, processError string) error
}

type GormWebhookEventRepository struct {
	db *gorm.DB
}

func NewWebhookEventRepository(db *gorm.DB) *GormWebhookEventRepository {
	return &GormWebhookEventRepository{db: db}
}

func (r *GormWebhookEventRepository) Insert(ctx context.Context, event *models.WebhookEvent) error {
	return translateError(r.db.WithContext(ctx).Create(event).Error)
}

func (r *GormWebhookEventRepository) GetByProviderEventID(ctx context.Context, provider, eventID string) (*models.WebhookEvent, error) {
	var event models.WebhookEvent
	result := r.db.WithContext(ctx).
		Where("provider = ? AND event_id = ?", provider, eventID).
		Limit(1).Find(&event)
	if result.Error != nil {
		return nil, result.Error
	}
	if result.RowsAffected == 0 {
		return nil, nil
	}
	return &event, nil
}

func (r *GormWebhookEventRepository) MarkProcessed(ctx context.Context, id uuid.UUID, at time.Time) error {
	return r.db.WithContext(ctx).Model(&models.WebhookEvent{}).
		Where("id = ?", id).
		Updates(map[string]interface{}{"processed_at": at, "process_error": ""}).Error
}

func (r *GormWebhookEventRepository) MarkFailed(ctx context.Context, id uuid.UUID, processError string) error {
	if len(processError) > 250 {
		processError = processError[:250]
	}
	return r.db.WithContext(ctx).Model(&models.WebhookEvent{}).
		Where("id = ?", id).
		Updates(map[string]interface{}{"process_error": processError}).Error
}
