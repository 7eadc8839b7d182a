// internal/services/payment_service.go
package services

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/needlink/escrow-backend/internal/config"
	"github.com/needlink/escrow-backend/internal/models"
	"github.com/needlink/escrow-backend/internal/repository"
)

// PaymentService owns the payment-record ledger: creation, status
// transitions, and balance aggregation. Records are only ever created here
// and are never hard-deleted.
type PaymentService struct {
	records  repository.PaymentRecordRepository
	audit    repository.AuditLogRepository
	currency string
}

type CreatePaymentRecordInput struct {
	Type     models.PaymentType
	Amount   int64
	Currency string
	VendorID uuid.UUID

	ProposalID *uuid.UUID
	NeedID     *uuid.UUID
	ClientID   *uuid.UUID

	PaymentIntentID   *string
	CheckoutSessionID *string
	RefundRequestID   *uuid.UUID

	Metadata map[string]interface{}
}

func NewPaymentService(records repository.PaymentRecordRepository, audit repository.AuditLogRepository, cfg *config.Config) *PaymentService {
	currency := "usd"
	if cfg != nil && cfg.Payment.Currency != "" {
		currency = cfg.Payment.Currency
	}
	return &PaymentService{
		records:  records,
		audit:    audit,
		currency: currency,
	}
}

// CreatePaymentRecord inserts a new pending ledger entry. Creation is
// idempotent on the external correlation ids: a record that already carries
// the same payment intent id, checkout session id, or refund request id is
// returned as-is, and no second audit entry is written.
func (s *PaymentService) CreatePaymentRecord(ctx context.Context, actorID *uuid.UUID, in CreatePaymentRecordInput) (*models.PaymentRecord, error) {
	if !in.Type.Valid() {
		return nil, fmt.Errorf("%w: unknown payment type %q", ErrValidation, in.Type)
	}
	if in.Amount <= 0 {
		return nil, fmt.Errorf("%w: amount must be positive", ErrValidation)
	}
	if in.VendorID == uuid.Nil {
		return nil, fmt.Errorf("%w: vendor id is required", ErrValidation)
	}

	if existing, err := s.findByCorrelation(ctx, in); err != nil {
		return nil, err
	} else if existing != nil {
		return existing, nil
	}

	currency := in.Currency
	if currency == "" {
		currency = s.currency
	}

	record := &models.PaymentRecord{
		Type:              in.Type,
		Status:            models.PaymentStatusPending,
		Amount:            in.Amount,
		Currency:          currency,
		VendorID:          in.VendorID,
		ProposalID:        in.ProposalID,
		NeedID:            in.NeedID,
		ClientID:          in.ClientID,
		PaymentIntentID:   in.PaymentIntentID,
		CheckoutSessionID: in.CheckoutSessionID,
		RefundRequestID:   in.RefundRequestID,
		Metadata:          models.JSONB(in.Metadata),
	}

	if err := s.records.Create(ctx, record); err != nil {
		if errors.Is(err, repository.ErrDuplicateKey) {
			// Lost a creation race on a correlation id; the winner's row is
			// the record.
			existing, lookupErr := s.findByCorrelation(ctx, in)
			if lookupErr != nil {
				return nil, lookupErr
			}
			if existing != nil {
				return existing, nil
			}
		}
		return nil, err
	}

	s.appendAudit(ctx, &models.AuditLog{
		ActorID:      actorID,
		Action:       models.AuditPaymentRecordCreated,
		ResourceType: "payment_record",
		ResourceID:   &record.ID,
		NewValues: models.JSONB{
			"type":      string(record.Type),
			"status":    string(record.Status),
			"amount":    record.Amount,
			"currency":  record.Currency,
			"vendor_id": record.VendorID.String(),
		},
	})

	return record, nil
}

func (s *PaymentService) findByCorrelation(ctx context.Context, in CreatePaymentRecordInput) (*models.PaymentRecord, error) {
	if in.PaymentIntentID != nil && *in.PaymentIntentID != "" {
		if record, err := s.records.GetByPaymentIntentID(ctx, *in.PaymentIntentID); err != nil || record != nil {
			return record, err
		}
	}
	if in.CheckoutSessionID != nil && *in.CheckoutSessionID != "" {
		if record, err := s.records.GetByCheckoutSessionID(ctx, *in.CheckoutSessionID); err != nil || record != nil {
			return record, err
		}
	}
	if in.RefundRequestID != nil {
		if record, err := s.records.GetByRefundRequestID(ctx, *in.RefundRequestID); err != nil || record != nil {
			return record, err
		}
	}
	return nil, nil
}

// UpdatePaymentStatus applies one edge of the status DAG as a single
// compare-and-swap write. Of two concurrent callers attempting the same
// transition exactly one succeeds; the other gets ErrInvalidTransition.
// metadataPatch is merged into the record's metadata, never replacing it.
func (s *PaymentService) UpdatePaymentStatus(ctx context.Context, actorID *uuid.UUID, id uuid.UUID, next models.PaymentStatus, metadataPatch map[string]interface{}) error {
	expected, ok := models.RequiredCurrentStatus(next)
	if !ok {
		return fmt.Errorf("%w: no transition leads to status %q", ErrValidation, next)
	}

	swapped, err := s.records.UpdateStatusIf(ctx, id, expected, next, metadataPatch)
	if err != nil {
		return err
	}
	if !swapped {
		record, err := s.records.GetByID(ctx, id)
		if err != nil {
			return err
		}
		if record == nil {
			return fmt.Errorf("%w: payment record %s", ErrNotFound, id)
		}
		return fmt.Errorf("%w: payment record %s is %s, wanted %s", ErrInvalidTransition, id, record.Status, expected)
	}

	s.appendAudit(ctx, &models.AuditLog{
		ActorID:      actorID,
		Action:       models.AuditPaymentStatusUpdated,
		ResourceType: "payment_record",
		ResourceID:   &id,
		OldValues:    models.JSONB{"status": string(expected)},
		NewValues:    models.JSONB{"status": string(next), "metadata_patch": metadataPatch},
	})

	return nil
}

// GetVendorBalance folds the vendor's ledger at read time. An empty ledger
// yields an all-zero balance.
func (s *PaymentService) GetVendorBalance(ctx context.Context, vendorID uuid.UUID) (*models.VendorBalance, error) {
	deposited, err := s.records.SumByVendor(ctx, vendorID, models.PaymentTypeDeposit, models.PaymentStatusCompleted)
	if err != nil {
		return nil, err
	}
	// A refunded deposit stays in the deposited total; the refund-typed row
	// carries the subtraction.
	refundedDeposits, err := s.records.SumByVendor(ctx, vendorID, models.PaymentTypeDeposit, models.PaymentStatusRefunded)
	if err != nil {
		return nil, err
	}
	deposited += refundedDeposits

	earned, err := s.records.SumByVendor(ctx, vendorID, models.PaymentTypeCommission, models.PaymentStatusCompleted)
	if err != nil {
		return nil, err
	}
	pendingSettlements, err := s.records.SumByVendor(ctx, vendorID, models.PaymentTypeCommission, models.PaymentStatusPending)
	if err != nil {
		return nil, err
	}
	refunded, err := s.records.SumByVendor(ctx, vendorID, models.PaymentTypeRefund, models.PaymentStatusCompleted)
	if err != nil {
		return nil, err
	}

	return &models.VendorBalance{
		VendorID:           vendorID,
		Currency:           s.currency,
		TotalDeposited:     deposited,
		TotalEarned:        earned,
		TotalRefunded:      refunded,
		AvailableBalance:   deposited - refunded,
		PendingSettlements: pendingSettlements,
	}, nil
}

func (s *PaymentService) GetPaymentRecord(ctx context.Context, id uuid.UUID) (*models.PaymentRecord, error) {
	record, err := s.records.GetByID(ctx, id)
	if err != nil {
		return nil, err
	}
	if record == nil {
		return nil, fmt.Errorf("%w: payment record %s", ErrNotFound, id)
	}
	return record, nil
}

func (s *PaymentService) ListPaymentRecords(ctx context.Context, filter repository.PaymentRecordFilter) ([]models.PaymentRecord, int64, error) {
	return s.records.List(ctx, filter)
}

// The ledger mutation is already durable when the audit write happens, so an
// audit failure is logged rather than unwinding the call.
func (s *PaymentService) appendAudit(ctx context.Context, entry *models.AuditLog) {
	if err := s.audit.Append(ctx, entry); err != nil {
		logrus.WithError(err).WithField("action", entry.Action).Error("Failed to append audit entry")
	}
}
