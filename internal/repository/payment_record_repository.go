// internal/repository/payment_record_repository.go
package repository

import (
	"context"
	"encoding/json"
	"errors"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"github.com/needlink/escrow-backend/internal/models"
)

type PaymentRecordFilter struct {
	VendorID   *uuid.UUID
	ClientID   *uuid.UUID
	ProposalID *uuid.UUID
	Type       models.PaymentType
	Status     models.PaymentStatus
	Page       int
	Limit      int
}

// PaymentRecordRepository is the durable store for ledger entries. Status
// mutations go through UpdateStatusIf, a single compare-and-swap UPDATE, so
// concurrent writers cannot double-apply a transition.
type PaymentRecordRepository interface {
	Create(ctx context.Context, record *models.PaymentRecord) error
	GetByID(ctx context.Context, id uuid.UUID) (*models.PaymentRecord, error)
	GetByPaymentIntentID(ctx context.Context, intentID string) (*models.PaymentRecord, error)
	GetByCheckoutSessionID(ctx context.Context, sessionID string) (*models.PaymentRecord, error)
	GetByRefundRequestID(ctx context.Context, requestID uuid.UUID) (*models.PaymentRecord, error)
	// UpdateStatusIf transitions the record to next only if its current
	// status is expected, merging metadataPatch into existing metadata.
	// Returns false when the guard did not match (stale or missing record).
	UpdateStatusIf(ctx context.Context, id uuid.UUID, expected, next models.PaymentStatus, metadataPatch map[string]interface{}) (bool, error)
	SumByVendor(ctx context.Context, vendorID uuid.UUID, paymentType models.PaymentType, status models.PaymentStatus) (int64, error)
	List(ctx context.Context, filter PaymentRecordFilter) ([]models.PaymentRecord, int64, error)
}

type GormPaymentRecordRepository struct {
	db *gorm.DB
}

func NewPaymentRecordRepository(db *gorm.DB) *GormPaymentRecordRepository {
	return &GormPaymentRecordRepository{db: db}
}

func (r *GormPaymentRecordRepository) Create(ctx context.Context, record *models.PaymentRecord) error {
	return translateError(r.db.WithContext(ctx).Create(record).Error)
}

func (r *GormPaymentRecordRepository) GetByID(ctx context.Context, id uuid.UUID) (*models.PaymentRecord, error) {
	var record models.PaymentRecord
	if err := r.db.WithContext(ctx).First(&record, "id = ?", id).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		return nil, err
	}
	return &record, nil
}

func (r *GormPaymentRecordRepository) GetByPaymentIntentID(ctx context.Context, intentID string) (*models.PaymentRecord, error) {
	return r.getByColumn(ctx, "payment_intent_id", intentID)
}

func (r *GormPaymentRecordRepository) GetByCheckoutSessionID(ctx context.Context, sessionID string) (*models.PaymentRecord, error) {
	return r.getByColumn(ctx, "checkout_session_id", sessionID)
}

func (r *GormPaymentRecordRepository) GetByRefundRequestID(ctx context.Context, requestID uuid.UUID) (*models.PaymentRecord, error) {
	return r.getByColumn(ctx, "refund_request_id", requestID.String())
}

func (r *GormPaymentRecordRepository) getByColumn(ctx context.Context, column, value string) (*models.PaymentRecord, error) {
	if value == "" {
		return nil, nil
	}
	var record models.PaymentRecord
	result := r.db.WithContext(ctx).Where(column+" = ?", value).Limit(1).Find(&record)
	if result.Error != nil {
		return nil, result.Error
	}
	if result.RowsAffected == 0 {
		return nil, nil
	}
	return &record, nil
}

func (r *GormPaymentRecordRepository) UpdateStatusIf(ctx context.Context, id uuid.UUID, expected, next models.PaymentStatus, metadataPatch map[string]interface{}) (bool, error) {
	updates := map[string]interface{}{"status": next}
	if len(metadataPatch) > 0 {
		patch, err := json.Marshal(metadataPatch)
		if err != nil {
			return false, err
		}
		updates["metadata"] = gorm.Expr("COALESCE(metadata, '{}'::jsonb) || ?::jsonb", string(patch))
	}

	result := r.db.WithContext(ctx).Model(&models.PaymentRecord{}).
		Where("id = ? AND status = ?", id, expected).
		Updates(updates)
	if result.Error != nil {
		return false, result.Error
	}
	return result.RowsAffected > 0, nil
}

func (r *GormPaymentRecordRepository) SumByVendor(ctx context.Context, vendorID uuid.UUID, paymentType models.PaymentType, status models.PaymentStatus) (int64, error) {
	var total int64
	err := r.db.WithContext(ctx).Model(&models.PaymentRecord{}).
		Where("vendor_id = ? AND type = ? AND status = ?", vendorID, paymentType, status).
		Select("COALESCE(SUM(amount), 0)").
		Scan(&total).Error
	return total, err
}

func (r *GormPaymentRecordRepository) List(ctx context.Context, filter PaymentRecordFilter) ([]models.PaymentRecord, int64, error) {
	query := r.db.WithContext(ctx).Model(&models.PaymentRecord{})

	if filter.VendorID != nil {
		query = query.Where("vendor_id = ?", *filter.VendorID)
	}
	if filter.ClientID != nil {
		query = query.Where("client_id = ?", *filter.ClientID)
	}
	if filter.ProposalID != nil {
		query = query.Where("proposal_id = ?", *filter.ProposalID)
	}
	if filter.Type != "" {
		query = query.Where("type = ?", filter.Type)
	}
	if filter.Status != "" {
		query = query.Where("status = ?", filter.Status)
	}

	var total int64
	if err := query.Count(&total).Error; err != nil {
		return nil, 0, err
	}

	query = applyPagination(query, filter.Page, filter.Limit)

	var records []models.PaymentRecord
	if err := query.Order("created_at DESC").Find(&records).Error; err != nil {
		return nil, 0, err
	}
	return records, total, nil
}

func applyPagination(query *gorm.DB, page, limit int) *gorm.DB {
	if page < 1 {
		page = 1
	}
	if limit < 1 || limit > 100 {
		limit = 20
	}
	return query.Offset((page - 1) * limit).Limit(limit)
}
