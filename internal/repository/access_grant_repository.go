// internal/repository/access_grant_repository.go
package repository

import (
	"context"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"github.com/needlink/escrow-backend/internal/models"
)

// AccessGrantRepository stores PII unlock grants. The unique index on
// payment_record_id makes grant creation idempotent under duplicate webhook
// deliveries.
type AccessGrantRepository interface {
	Create(ctx context.Context, grant *models.PiiAccessGrant) error
	GetByPaymentRecordID(ctx context.Context, paymentRecordID uuid.UUID) (*models.PiiAccessGrant, error)
}

type GormAccessGrantRepository struct {
	db *gorm.DB
}

func NewAccessGrantRepository(db *gorm.DB) *GormAccessGrantRepository {
	return &GormAccessGrantRepository{db: db}
}

func (r *GormAccessGrantRepository) Create(ctx context.Context, grant *models.PiiAccessGrant) error {
	return translateError(r.db.WithContext(ctx).Create(grant).Error)
}

func (r *GormAccessGrantRepository) GetByPaymentRecordID(ctx context.Context, paymentRecordID uuid.UUID) (*models.PiiAccessGrant, error) {
	var grant models.PiiAccessGrant
	result := r.db.WithContext(ctx).Where("payment_record_id = ?", paymentRecordID).Limit(1).Find(&grant)
	if result.Error != nil {
		return nil, result.Error
	}
	if result.RowsAffected == 0 {
		return nil, nil
	}
	return &grant, nil
}
