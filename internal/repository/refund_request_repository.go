// internal/repository/refund_request_repository.go
package repository

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"github.com/needlink/escrow-backend/internal/models"
)

type RefundRequestFilter struct {
	PaymentRecordID *uuid.UUID
	RequestedBy     *uuid.UUID
	Status          models.RefundStatus
	Page            int
	Limit           int
}

// RefundRequestRepository stores refund requests. Every transition method is
// a guarded single UPDATE that returns false when the request was no longer
// in the expected state, which is how concurrent approvals lose cleanly.
type RefundRequestRepository interface {
	Create(ctx context.Context, request *models.RefundRequest) error
	GetByID(ctx context.Context, id uuid.UUID) (*models.RefundRequest, error)
	GetByExternalRefundID(ctx context.Context, externalRefundID string) (*models.RefundRequest, error)
	// Claim stamps approved_by/approved_at on a pending, unclaimed request.
	// Exactly one concurrent caller wins.
	Claim(ctx context.Context, id, approvedBy uuid.UUID, at time.Time) (bool, error)
	// Complete finalizes a pending request after the processor confirmed the
	// refund. Idempotent: a second call finds nothing pending and returns false.
	Complete(ctx context.Context, id uuid.UUID, externalRefundID string, at time.Time) (bool, error)
	// Fail marks a pending request failed, merging failure details into metadata.
	Fail(ctx context.Context, id uuid.UUID, metadataPatch map[string]interface{}) (bool, error)
	// Reject marks a pending, unclaimed request rejected, recording who and
	// why. A claimed request cannot be rejected: its approval may have a
	// gateway call in flight.
	Reject(ctx context.Context, id, rejectedBy uuid.UUID, reason string, at time.Time) (bool, error)
	// RejectAbandoned rejects a request whose claim predates claimedBefore
	// and was never finalized, as after an approver process died before the
	// gateway call.
	RejectAbandoned(ctx context.Context, id, rejectedBy uuid.UUID, reason string, claimedBefore, at time.Time) (bool, error)
	List(ctx context.Context, filter RefundRequestFilter) ([]models.RefundRequest, int64, error)
}

type GormRefundRequestRepository struct {
	db *gorm.DB
}

func NewRefundRequestRepository(db *gorm.DB) *GormRefundRequestRepository {
	return &GormRefundRequestRepository{db: db}
}

func (r *GormRefundRequestRepository) Create(ctx context.Context, request *models.RefundRequest) error {
	return translateError(r.db.WithContext(ctx).Create(request).Error)
}

func (r *GormRefundRequestRepository) GetByID(ctx context.Context, id uuid.UUID) (*models.RefundRequest, error) {
	var request models.RefundRequest
	if err := r.db.WithContext(ctx).First(&request, "id = ?", id).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		return nil, err
	}
	return &request, nil
}

func (r *GormRefundRequestRepository) GetByExternalRefundID(ctx context.Context, externalRefundID string) (*models.RefundRequest, error) {
	if externalRefundID == "" {
		return nil, nil
	}
	var request models.RefundRequest
	result := r.db.WithContext(ctx).Where("external_refund_id = ?", externalRefundID).Limit(1).Find(&request)
	if result.Error != nil {
		return nil, result.Error
	}
	if result.RowsAffected == 0 {
		return nil, nil
	}
	return &request, nil
}

func (r *GormRefundRequestRepository) Claim(ctx context.Context, id, approvedBy uuid.UUID, at time.Time) (bool, error) {
	result := r.db.WithContext(ctx).Model(&models.RefundRequest{}).
		Where("id = ? AND status = ? AND approved_by IS NULL", id, models.RefundStatusPending).
		Updates(map[string]interface{}{
			"approved_by": approvedBy,
			"approved_at": at,
		})
	if result.Error != nil {
		return false, result.Error
	}
	return result.RowsAffected > 0, nil
}

func (r *GormRefundRequestRepository) Complete(ctx context.Context, id uuid.UUID, externalRefundID string, at time.Time) (bool, error) {
	result := r.db.WithContext(ctx).Model(&models.RefundRequest{}).
		Where("id = ? AND status = ?", id, models.RefundStatusPending).
		Updates(map[string]interface{}{
			"status":             models.RefundStatusCompleted,
			"external_refund_id": externalRefundID,
			"processed_at":       at,
		})
	if result.Error != nil {
		return false, result.Error
	}
	return result.RowsAffected > 0, nil
}

func (r *GormRefundRequestRepository) Fail(ctx context.Context, id uuid.UUID, metadataPatch map[string]interface{}) (bool, error) {
	updates := map[string]interface{}{"status": models.RefundStatusFailed}
	if len(metadataPatch) > 0 {
		patch, err := json.Marshal(metadataPatch)
		if err != nil {
			return false, err
		}
		updates["metadata"] = gorm.Expr("COALESCE(metadata, '{}'::jsonb) || ?::jsonb", string(patch))
	}

	result := r.db.WithContext(ctx).Model(&models.RefundRequest{}).
		Where("id = ? AND status = ?", id, models.RefundStatusPending).
		Updates(updates)
	if result.Error != nil {
		return false, result.Error
	}
	return result.RowsAffected > 0, nil
}

func (r *GormRefundRequestRepository) Reject(ctx context.Context, id, rejectedBy uuid.UUID, reason string, at time.Time) (bool, error) {
	result := r.db.WithContext(ctx).Model(&models.RefundRequest{}).
		Where("id = ? AND status = ? AND approved_by IS NULL", id, models.RefundStatusPending).
		Updates(map[string]interface{}{
			"status":           models.RefundStatusRejected,
			"approved_by":      rejectedBy,
			"approved_at":      at,
			"rejection_reason": reason,
		})
	if result.Error != nil {
		return false, result.Error
	}
	return result.RowsAffected > 0, nil
}

func (r *GormRefundRequestRepository) RejectAbandoned(ctx context.Context, id, rejectedBy uuid.UUID, reason string, claimedBefore, at time.Time) (bool, error) {
	result := r.db.WithContext(ctx).Model(&models.RefundRequest{}).
		Where("id = ? AND status = ? AND approved_by IS NOT NULL AND approved_at <= ?", id, models.RefundStatusPending, claimedBefore).
		Updates(map[string]interface{}{
			"status":           models.RefundStatusRejected,
			"approved_by":      rejectedBy,
			"approved_at":      at,
			"rejection_reason": reason,
		})
	if result.Error != nil {
		return false, result.Error
	}
	return result.RowsAffected > 0, nil
}

func (r *GormRefundRequestRepository) List(ctx context.Context, filter RefundRequestFilter) ([]models.RefundRequest, int64, error) {
	query := r.db.WithContext(ctx).Model(&models.RefundRequest{})

	if filter.PaymentRecordID != nil {
		query = query.Where("payment_record_id = ?", *filter.PaymentRecordID)
	}
	if filter.RequestedBy != nil {
		query = query.Where("requested_by = ?", *filter.RequestedBy)
	}
	if filter.Status != "" {
		query = query.Where("status = ?", filter.Status)
	}

	var total int64
	if err := query.Count(&total).Error; err != nil {
		return nil, 0, err
	}

	query = applyPagination(query, filter.Page, filter.Limit)

	var requests []models.RefundRequest
	if err := query.Order("created_at DESC").Find(&requests).Error; err != nil {
		return nil, 0, err
	}
	return requests, total, nil
}
