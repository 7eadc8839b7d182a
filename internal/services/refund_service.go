// internal/services/refund_service.go
package services

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/needlink/escrow-backend/internal/models"
	"github.com/needlink/escrow-backend/internal/repository"
)

// RefundGateway is the processor's synchronous refund API. It can fail and
// returns an opaque external refund id on success.
type RefundGateway interface {
	CreateRefund(ctx context.Context, paymentIntentID string, amount int64, metadata map[string]string) (string, error)
}

// RefundService is the refund state machine: request -> approve/reject ->
// process. Refunds are never triggered automatically; ApproveAndProcessRefund
// is the only path that moves money back and always carries a human approver.
type RefundService struct {
	requests repository.RefundRequestRepository
	records  repository.PaymentRecordRepository
	audit    repository.AuditLogRepository
	gateway  RefundGateway
	payments *PaymentService
	notifier Notifier
}

type CreateRefundRequestInput struct {
	PaymentRecordID uuid.UUID
	RequestedBy     uuid.UUID
	Reason          models.RefundReason
	Amount          int64
	Notes           string
}

type RefundResult struct {
	Request          *models.RefundRequest `json:"request"`
	ExternalRefundID string                `json:"external_refund_id"`
}

func NewRefundService(
	requests repository.RefundRequestRepository,
	records repository.PaymentRecordRepository,
	audit repository.AuditLogRepository,
	gateway RefundGateway,
	payments *PaymentService,
	notifier Notifier,
) *RefundService {
	return &RefundService{
		requests: requests,
		records:  records,
		audit:    audit,
		gateway:  gateway,
		payments: payments,
		notifier: notifier,
	}
}

// CreateRefundRequest records the intent to return a deposit. It performs no
// external API calls: execution is deliberately a separate, human-approved
// step.
func (s *RefundService) CreateRefundRequest(ctx context.Context, in CreateRefundRequestInput) (*models.RefundRequest, error) {
	if !in.Reason.Valid() {
		return nil, fmt.Errorf("%w: unknown refund reason %q", ErrValidation, in.Reason)
	}
	if in.Amount <= 0 {
		return nil, fmt.Errorf("%w: refund amount must be positive", ErrValidation)
	}
	if in.RequestedBy == uuid.Nil {
		return nil, fmt.Errorf("%w: requester id is required", ErrValidation)
	}

	record, err := s.records.GetByID(ctx, in.PaymentRecordID)
	if err != nil {
		return nil, err
	}
	if record == nil {
		return nil, fmt.Errorf("%w: payment record %s", ErrNotFound, in.PaymentRecordID)
	}
	if record.Status != models.PaymentStatusCompleted {
		return nil, fmt.Errorf("%w: only completed payments are refundable, record is %s", ErrValidation, record.Status)
	}
	if in.Amount > record.Amount {
		return nil, fmt.Errorf("%w: refund amount %d exceeds payment amount %d", ErrValidation, in.Amount, record.Amount)
	}

	request := &models.RefundRequest{
		PaymentRecordID: in.PaymentRecordID,
		RequestedBy:     in.RequestedBy,
		Reason:          in.Reason,
		Amount:          in.Amount,
		Notes:           in.Notes,
		Status:          models.RefundStatusPending,
	}
	if err := s.requests.Create(ctx, request); err != nil {
		return nil, err
	}

	s.appendAudit(ctx, &models.AuditLog{
		ActorID:      &in.RequestedBy,
		Action:       models.AuditRefundRequested,
		ResourceType: "refund_request",
		ResourceID:   &request.ID,
		NewValues: models.JSONB{
			"payment_record_id": in.PaymentRecordID.String(),
			"amount":            in.Amount,
			"reason":            string(in.Reason),
			"notes":             in.Notes,
		},
	})

	return request, nil
}

// ApproveAndProcessRefund claims a pending request for the given approver,
// calls the processor, and finalizes. The claim is a single conditional
// update, so of two simultaneous approvals exactly one reaches the gateway.
// The gateway call happens with no lock held; the request id travels in the
// gateway metadata so the processor's refund events can finalize the request
// if this process dies between the gateway call and the local commit.
func (s *RefundService) ApproveAndProcessRefund(ctx context.Context, requestID, approvedBy uuid.UUID, notes string) (*RefundResult, error) {
	if approvedBy == uuid.Nil {
		return nil, fmt.Errorf("%w: approver id is required", ErrValidation)
	}

	request, err := s.requests.GetByID(ctx, requestID)
	if err != nil {
		return nil, err
	}
	if request == nil {
		return nil, fmt.Errorf("%w: refund request %s", ErrNotFound, requestID)
	}
	if request.Status.Terminal() {
		return nil, fmt.Errorf("%w: refund request %s is already %s", ErrInvalidTransition, requestID, request.Status)
	}

	record, err := s.records.GetByID(ctx, request.PaymentRecordID)
	if err != nil {
		return nil, err
	}
	if record == nil {
		return nil, fmt.Errorf("%w: payment record %s", ErrNotFound, request.PaymentRecordID)
	}
	if record.PaymentIntentID == nil || *record.PaymentIntentID == "" {
		return nil, fmt.Errorf("%w: payment record %s has no processor correlation id", ErrValidation, record.ID)
	}

	now := time.Now()
	claimed, err := s.requests.Claim(ctx, requestID, approvedBy, now)
	if err != nil {
		return nil, err
	}
	if !claimed {
		return nil, fmt.Errorf("%w: refund request %s was already acted on", ErrInvalidTransition, requestID)
	}

	metadata := map[string]string{
		"refund_request_id": requestID.String(),
		"payment_record_id": record.ID.String(),
	}
	if notes != "" {
		metadata["approval_notes"] = notes
	}

	externalRefundID, gatewayErr := s.gateway.CreateRefund(ctx, *record.PaymentIntentID, request.Amount, metadata)
	if gatewayErr != nil {
		// Money never moved: the request terminates failed, the payment
		// record stays completed.
		if _, failErr := s.requests.Fail(ctx, requestID, map[string]interface{}{
			"failure_reason": gatewayErr.Error(),
			"failed_at":      time.Now().UTC().Format(time.RFC3339),
		}); failErr != nil {
			logrus.WithError(failErr).WithField("refund_request_id", requestID).Error("Failed to mark refund request failed")
		}

		s.appendAudit(ctx, &models.AuditLog{
			ActorID:      &approvedBy,
			Action:       models.AuditRefundFailed,
			ResourceType: "refund_request",
			ResourceID:   &requestID,
			NewValues: models.JSONB{
				"error":             gatewayErr.Error(),
				"payment_record_id": record.ID.String(),
				"amount":            request.Amount,
			},
		})
		s.notifyDecision(ctx, requestID, string(models.RefundStatusFailed))

		return nil, fmt.Errorf("%w: %v", ErrExternalService, gatewayErr)
	}

	if err := s.finalizeCompleted(ctx, request, record, externalRefundID, &approvedBy); err != nil {
		return nil, err
	}

	finalized, err := s.requests.GetByID(ctx, requestID)
	if err != nil {
		return nil, err
	}
	return &RefundResult{Request: finalized, ExternalRefundID: externalRefundID}, nil
}

// claimAbandonedAfter is how long a claimed-but-unfinalized request must sit
// before RejectAbandonedRequest may terminate it. Long enough for any
// in-flight gateway call or its refund webhook to land first.
const claimAbandonedAfter = 15 * time.Minute

// RejectRefundRequest terminates a pending, unclaimed request without any
// gateway call. A claimed request is refused: its approval may have a gateway
// call in flight, and rejecting underneath it would fork the ledger from the
// processor.
func (s *RefundService) RejectRefundRequest(ctx context.Context, requestID, rejectedBy uuid.UUID, rejectionReason string) error {
	if rejectedBy == uuid.Nil {
		return fmt.Errorf("%w: rejecter id is required", ErrValidation)
	}
	if rejectionReason == "" {
		return fmt.Errorf("%w: rejection reason is required", ErrValidation)
	}

	rejected, err := s.requests.Reject(ctx, requestID, rejectedBy, rejectionReason, time.Now())
	if err != nil {
		return err
	}
	if !rejected {
		request, err := s.requests.GetByID(ctx, requestID)
		if err != nil {
			return err
		}
		if request == nil {
			return fmt.Errorf("%w: refund request %s", ErrNotFound, requestID)
		}
		if request.Status == models.RefundStatusPending {
			return fmt.Errorf("%w: refund request %s has an approval in flight", ErrInvalidTransition, requestID)
		}
		return fmt.Errorf("%w: refund request %s is already %s", ErrInvalidTransition, requestID, request.Status)
	}

	s.appendAudit(ctx, &models.AuditLog{
		ActorID:      &rejectedBy,
		Action:       models.AuditRefundRejected,
		ResourceType: "refund_request",
		ResourceID:   &requestID,
		NewValues:    models.JSONB{"rejection_reason": rejectionReason},
	})
	s.notifyDecision(ctx, requestID, string(models.RefundStatusRejected))

	return nil
}

// RejectAbandonedRequest is the operator escape hatch for a request whose
// approver claimed it and then died before the gateway call. It only acts on
// claims older than claimAbandonedAfter; a fresher claim may still finalize
// through the gateway or the refund webhook.
func (s *RefundService) RejectAbandonedRequest(ctx context.Context, requestID, rejectedBy uuid.UUID, rejectionReason string) error {
	if rejectedBy == uuid.Nil {
		return fmt.Errorf("%w: rejecter id is required", ErrValidation)
	}
	if rejectionReason == "" {
		return fmt.Errorf("%w: rejection reason is required", ErrValidation)
	}

	cutoff := time.Now().Add(-claimAbandonedAfter)
	rejected, err := s.requests.RejectAbandoned(ctx, requestID, rejectedBy, rejectionReason, cutoff, time.Now())
	if err != nil {
		return err
	}
	if !rejected {
		request, err := s.requests.GetByID(ctx, requestID)
		if err != nil {
			return err
		}
		if request == nil {
			return fmt.Errorf("%w: refund request %s", ErrNotFound, requestID)
		}
		if request.Status == models.RefundStatusPending {
			return fmt.Errorf("%w: refund request %s has no abandoned claim", ErrInvalidTransition, requestID)
		}
		return fmt.Errorf("%w: refund request %s is already %s", ErrInvalidTransition, requestID, request.Status)
	}

	s.appendAudit(ctx, &models.AuditLog{
		ActorID:      &rejectedBy,
		Action:       models.AuditRefundRejected,
		ResourceType: "refund_request",
		ResourceID:   &requestID,
		NewValues: models.JSONB{
			"rejection_reason": rejectionReason,
			"abandoned_claim":  true,
		},
	})
	s.notifyDecision(ctx, requestID, string(models.RefundStatusRejected))

	return nil
}

// ReconcileProcessorRefund applies the processor's authoritative view of a
// refund to the local request. This is the webhook-driven twin of
// ApproveAndProcessRefund's finalization: both converge on the same terminal
// state, and a write to an already-terminal request is a no-op. Returns false
// when no local request matches the event.
func (s *RefundService) ReconcileProcessorRefund(ctx context.Context, externalRefundID, refundRequestID, processorStatus string) (bool, error) {
	request, err := s.locateRequest(ctx, externalRefundID, refundRequestID)
	if err != nil {
		return false, err
	}
	if request == nil {
		return false, nil
	}
	if request.Status.Terminal() {
		return true, nil
	}

	switch processorStatus {
	case "succeeded":
		record, err := s.records.GetByID(ctx, request.PaymentRecordID)
		if err != nil {
			return true, err
		}
		if record == nil {
			return true, fmt.Errorf("%w: payment record %s", ErrNotFound, request.PaymentRecordID)
		}
		return true, s.finalizeCompleted(ctx, request, record, externalRefundID, nil)

	case "failed", "canceled":
		if _, err := s.requests.Fail(ctx, request.ID, map[string]interface{}{
			"failure_reason":     "processor reported refund " + processorStatus,
			"external_refund_id": externalRefundID,
		}); err != nil {
			return true, err
		}
		s.appendAudit(ctx, &models.AuditLog{
			Action:       models.AuditRefundFailed,
			ResourceType: "refund_request",
			ResourceID:   &request.ID,
			NewValues: models.JSONB{
				"external_refund_id": externalRefundID,
				"processor_status":   processorStatus,
			},
		})
		return true, nil

	default:
		// Intermediate processor states carry no local transition.
		return true, nil
	}
}

func (s *RefundService) locateRequest(ctx context.Context, externalRefundID, refundRequestID string) (*models.RefundRequest, error) {
	if refundRequestID != "" {
		if id, err := uuid.Parse(refundRequestID); err == nil {
			if request, err := s.requests.GetByID(ctx, id); err != nil || request != nil {
				return request, err
			}
		}
	}
	return s.requests.GetByExternalRefundID(ctx, externalRefundID)
}

// finalizeCompleted commits the success outcome: request -> completed with
// the external refund id, originating record -> refunded, and a new
// refund-typed ledger row keyed uniquely by the request id. Every step is
// idempotent, so the synchronous path and the webhook path can both run it.
func (s *RefundService) finalizeCompleted(ctx context.Context, request *models.RefundRequest, record *models.PaymentRecord, externalRefundID string, actorID *uuid.UUID) error {
	now := time.Now()

	completed, err := s.requests.Complete(ctx, request.ID, externalRefundID, now)
	if err != nil {
		return err
	}

	if err := s.payments.UpdatePaymentStatus(ctx, actorID, record.ID, models.PaymentStatusRefunded, map[string]interface{}{
		"external_refund_id": externalRefundID,
		"refund_request_id":  request.ID.String(),
	}); err != nil && !isExpectedRace(err) {
		return err
	}

	requestID := request.ID
	refundRow, err := s.payments.CreatePaymentRecord(ctx, actorID, CreatePaymentRecordInput{
		Type:            models.PaymentTypeRefund,
		Amount:          request.Amount,
		Currency:        record.Currency,
		VendorID:        record.VendorID,
		ProposalID:      record.ProposalID,
		NeedID:          record.NeedID,
		ClientID:        record.ClientID,
		RefundRequestID: &requestID,
		Metadata: map[string]interface{}{
			"external_refund_id": externalRefundID,
			"original_record_id": record.ID.String(),
		},
	})
	if err != nil {
		return err
	}
	if refundRow.Status == models.PaymentStatusPending {
		if err := s.payments.UpdatePaymentStatus(ctx, actorID, refundRow.ID, models.PaymentStatusCompleted, nil); err != nil && !isExpectedRace(err) {
			return err
		}
	}

	if completed {
		s.appendAudit(ctx, &models.AuditLog{
			ActorID:      actorID,
			Action:       models.AuditRefundProcessed,
			ResourceType: "refund_request",
			ResourceID:   &requestID,
			NewValues: models.JSONB{
				"external_refund_id": externalRefundID,
				"payment_record_id":  record.ID.String(),
				"refund_record_id":   refundRow.ID.String(),
				"amount":             request.Amount,
			},
		})
		s.notifyDecision(ctx, requestID, string(models.RefundStatusCompleted))
	}

	return nil
}

// isExpectedRace filters transition failures caused by the other finalization
// path having already applied the same write.
func isExpectedRace(err error) bool {
	return errors.Is(err, ErrInvalidTransition)
}

func (s *RefundService) ListRefundRequests(ctx context.Context, filter repository.RefundRequestFilter) ([]models.RefundRequest, int64, error) {
	return s.requests.List(ctx, filter)
}

func (s *RefundService) GetRefundRequest(ctx context.Context, id uuid.UUID) (*models.RefundRequest, error) {
	request, err := s.requests.GetByID(ctx, id)
	if err != nil {
		return nil, err
	}
	if request == nil {
		return nil, fmt.Errorf("%w: refund request %s", ErrNotFound, id)
	}
	return request, nil
}

func (s *RefundService) notifyDecision(ctx context.Context, requestID uuid.UUID, decision string) {
	if s.notifier == nil {
		return
	}
	request, err := s.requests.GetByID(ctx, requestID)
	if err != nil || request == nil {
		return
	}
	s.notifier.NotifyRefundDecision(ctx, request, decision)
}

func (s *RefundService) appendAudit(ctx context.Context, entry *models.AuditLog) {
	if err := s.audit.Append(ctx, entry); err != nil {
		logrus.WithError(err).WithField("action", entry.Action).Error("Failed to append audit entry")
	}
}
