// internal/services/webhook_service.go
package services

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
	"github.com/stripe/stripe-go/v74"

	"github.com/needlink/escrow-backend/internal/models"
	"github.com/needlink/escrow-backend/internal/repository"
	"github.com/needlink/escrow-backend/internal/utils"
)

// EventSignatureVerifier authenticates an inbound webhook payload. A
// verification failure must produce no side effects.
type EventSignatureVerifier interface {
	Verify(payload []byte, signatureHeader string) (stripe.Event, error)
}

// WebhookService turns asynchronous, possibly duplicated, possibly
// out-of-order processor events into ledger mutations. Dedup is a journal row
// with a unique (provider, event id); every applied mutation is a conditional
// write, so a redelivered event converges on the same end state.
type WebhookService struct {
	provider string
	verifier EventSignatureVerifier
	events   repository.WebhookEventRepository
	grants   repository.AccessGrantRepository
	records  repository.PaymentRecordRepository
	audit    repository.AuditLogRepository
	payments *PaymentService
	refunds  *RefundService
}

func NewWebhookService(
	verifier EventSignatureVerifier,
	events repository.WebhookEventRepository,
	grants repository.AccessGrantRepository,
	records repository.PaymentRecordRepository,
	audit repository.AuditLogRepository,
	payments *PaymentService,
	refunds *RefundService,
) *WebhookService {
	return &WebhookService{
		provider: "stripe",
		verifier: verifier,
		events:   events,
		grants:   grants,
		records:  records,
		audit:    audit,
		payments: payments,
		refunds:  refunds,
	}
}

// HandleWebhook verifies, parses, and applies one inbound delivery. A
// returned error means the caller should signal failure so the processor
// redelivers; ErrSignatureVerification means reject with a client error.
func (s *WebhookService) HandleWebhook(ctx context.Context, payload []byte, signatureHeader string) error {
	stripeEvent, err := s.verifier.Verify(payload, signatureHeader)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrSignatureVerification, err)
	}

	event, ok, err := ParseStripeEvent(stripeEvent)
	if err != nil {
		return err
	}
	if !ok {
		// Forward compatible: new processor event types are acknowledged
		// untouched.
		logrus.WithFields(logrus.Fields{
			"event_id":   stripeEvent.ID,
			"event_type": stripeEvent.Type,
		}).Info("Ignoring unhandled webhook event type")
		return nil
	}

	var rawPayload models.JSONB
	if err := json.Unmarshal(stripeEvent.Data.Raw, &rawPayload); err != nil {
		rawPayload = models.JSONB{"raw": string(stripeEvent.Data.Raw)}
	}

	return s.ProcessEvent(ctx, event, rawPayload)
}

// ProcessEvent journals and dispatches one parsed event. Redelivery of an
// already-processed event id is acknowledged as a no-op; redelivery of an
// event whose previous application failed is applied again.
func (s *WebhookService) ProcessEvent(ctx context.Context, event Event, rawPayload models.JSONB) error {
	journal := &models.WebhookEvent{
		Provider:  s.provider,
		EventID:   event.ID,
		EventType: string(event.Kind),
		Payload:   rawPayload,
	}

	if err := s.events.Insert(ctx, journal); err != nil {
		if !errors.Is(err, repository.ErrDuplicateKey) {
			return err
		}
		existing, lookupErr := s.events.GetByProviderEventID(ctx, s.provider, event.ID)
		if lookupErr != nil {
			return lookupErr
		}
		if existing != nil && existing.ProcessedAt != nil {
			logrus.WithFields(logrus.Fields{
				"event_id":   event.ID,
				"event_type": event.Kind,
			}).Info("Webhook event deduplicated")
			return nil
		}
		if existing != nil {
			journal = existing
		}
	}

	if err := s.apply(ctx, event); err != nil {
		if markErr := s.events.MarkFailed(ctx, journal.ID, err.Error()); markErr != nil {
			logrus.WithError(markErr).Error("Failed to record webhook processing error")
		}
		logrus.WithFields(logrus.Fields{
			"event_id":   event.ID,
			"event_type": event.Kind,
		}).WithError(err).Error("Webhook event apply failed")
		return err
	}

	return s.events.MarkProcessed(ctx, journal.ID, time.Now())
}

func (s *WebhookService) apply(ctx context.Context, event Event) error {
	switch event.Kind {
	case EventCheckoutCompleted:
		return s.applyCheckoutCompleted(ctx, event.CheckoutCompleted)
	case EventCheckoutExpired:
		return s.applyCheckoutExpired(ctx, event.CheckoutExpired)
	case EventDisputeCreated:
		return s.applyDisputeCreated(ctx, event.DisputeCreated)
	case EventPaymentFailed:
		return s.applyPaymentFailed(ctx, event.PaymentFailed)
	case EventRefundCreated, EventRefundUpdated:
		return s.applyRefundEvent(ctx, event.ID, event.Refund)
	}
	return fmt.Errorf("unhandled event kind %q", event.Kind)
}

// applyCheckoutCompleted settles a deposit purchase: idempotently create and
// complete the ledger record keyed by the session id, then grant the client
// access to the vendor's contact details.
func (s *WebhookService) applyCheckoutCompleted(ctx context.Context, data *CheckoutCompletedData) error {
	if data.PurchaseType != PurchaseTypePiiUnlockDeposit {
		logrus.WithFields(logrus.Fields{
			"session_id":    data.SessionID,
			"purchase_type": data.PurchaseType,
		}).Info("Checkout completed for non-deposit purchase, nothing to settle")
		return nil
	}

	vendorID, err := uuid.Parse(data.VendorID)
	if err != nil {
		return fmt.Errorf("checkout session %s: invalid vendor_id: %w", data.SessionID, err)
	}
	proposalID, err := uuid.Parse(data.ProposalID)
	if err != nil {
		return fmt.Errorf("checkout session %s: invalid proposal_id: %w", data.SessionID, err)
	}
	needID, err := uuid.Parse(data.NeedID)
	if err != nil {
		return fmt.Errorf("checkout session %s: invalid need_id: %w", data.SessionID, err)
	}
	clientID, err := uuid.Parse(data.ClientID)
	if err != nil {
		return fmt.Errorf("checkout session %s: invalid client_id: %w", data.SessionID, err)
	}

	sessionID := data.SessionID
	input := CreatePaymentRecordInput{
		Type:              models.PaymentTypeDeposit,
		Amount:            data.DepositAmount,
		Currency:          data.Currency,
		VendorID:          vendorID,
		ProposalID:        &proposalID,
		NeedID:            &needID,
		ClientID:          &clientID,
		CheckoutSessionID: &sessionID,
		Metadata: map[string]interface{}{
			"purchase_type":  data.PurchaseType,
			"estimate_price": data.EstimatePrice,
		},
	}
	if data.PaymentIntentID != "" {
		intentID := data.PaymentIntentID
		input.PaymentIntentID = &intentID
	}

	record, err := s.payments.CreatePaymentRecord(ctx, nil, input)
	if err != nil {
		return err
	}

	if record.Status == models.PaymentStatusPending {
		if err := s.payments.UpdatePaymentStatus(ctx, nil, record.ID, models.PaymentStatusCompleted, nil); err != nil && !isExpectedRace(err) {
			return err
		}
	}

	accessCode, err := utils.GenerateVerificationCode()
	if err != nil {
		return err
	}
	grant := &models.PiiAccessGrant{
		ProposalID:      proposalID,
		NeedID:          needID,
		VendorID:        vendorID,
		ClientID:        clientID,
		PaymentRecordID: record.ID,
		AccessCode:      accessCode,
	}
	if err := s.grants.Create(ctx, grant); err != nil && !errors.Is(err, repository.ErrDuplicateKey) {
		return err
	}

	s.appendAudit(ctx, &models.AuditLog{
		Action:       models.AuditCheckoutCompleted,
		ResourceType: "payment_record",
		ResourceID:   &record.ID,
		NewValues: models.JSONB{
			"checkout_session_id": data.SessionID,
			"payment_intent_id":   data.PaymentIntentID,
			"proposal_id":         data.ProposalID,
			"need_id":             data.NeedID,
			"vendor_id":           data.VendorID,
			"client_id":           data.ClientID,
			"deposit_amount":      data.DepositAmount,
			"estimate_price":      data.EstimatePrice,
		},
	})

	return nil
}

// applyCheckoutExpired is audit-only: no record was ever completed.
func (s *WebhookService) applyCheckoutExpired(ctx context.Context, data *CheckoutExpiredData) error {
	s.appendAudit(ctx, &models.AuditLog{
		Action:       models.AuditCheckoutExpired,
		ResourceType: "checkout_session",
		NewValues: models.JSONB{
			"checkout_session_id": data.SessionID,
			"purchase_type":       data.PurchaseType,
		},
	})
	return nil
}

// applyDisputeCreated surfaces the dispute for manual handling. It never
// transitions a payment and never triggers a refund.
func (s *WebhookService) applyDisputeCreated(ctx context.Context, data *DisputeCreatedData) error {
	s.appendAudit(ctx, &models.AuditLog{
		Action:       models.AuditDisputeCreated,
		ResourceType: "dispute",
		NewValues: models.JSONB{
			"dispute_id":        data.DisputeID,
			"payment_intent_id": data.PaymentIntentID,
			"amount":            data.Amount,
			"reason":            data.Reason,
		},
	})
	return nil
}

func (s *WebhookService) applyPaymentFailed(ctx context.Context, data *PaymentFailedData) error {
	record, err := s.records.GetByPaymentIntentID(ctx, data.PaymentIntentID)
	if err != nil {
		return err
	}
	if record == nil {
		logrus.WithField("payment_intent_id", data.PaymentIntentID).Warn("Payment failed event for unknown payment intent")
		s.appendAudit(ctx, &models.AuditLog{
			Action:       models.AuditOrphanEvent,
			ResourceType: "webhook_event",
			NewValues: models.JSONB{
				"event_kind":        string(EventPaymentFailed),
				"payment_intent_id": data.PaymentIntentID,
				"failure_reason":    data.FailureReason,
			},
		})
		return nil
	}

	err = s.payments.UpdatePaymentStatus(ctx, nil, record.ID, models.PaymentStatusFailed, map[string]interface{}{
		"failure_reason": data.FailureReason,
	})
	if err != nil && !isExpectedRace(err) {
		return err
	}
	return nil
}

func (s *WebhookService) applyRefundEvent(ctx context.Context, eventID string, data *RefundEventData) error {
	found, err := s.refunds.ReconcileProcessorRefund(ctx, data.ExternalRefundID, data.RefundRequestID, data.Status)
	if err != nil {
		return err
	}
	if !found {
		logrus.WithFields(logrus.Fields{
			"event_id":           eventID,
			"external_refund_id": data.ExternalRefundID,
		}).Warn("Refund event with no matching refund request")
		s.appendAudit(ctx, &models.AuditLog{
			Action:       models.AuditOrphanEvent,
			ResourceType: "webhook_event",
			NewValues: models.JSONB{
				"event_kind":         "refund",
				"external_refund_id": data.ExternalRefundID,
				"payment_intent_id":  data.PaymentIntentID,
				"processor_status":   data.Status,
			},
		})
	}
	return nil
}

func (s *WebhookService) appendAudit(ctx context.Context, entry *models.AuditLog) {
	if err := s.audit.Append(ctx, entry); err != nil {
		logrus.WithError(err).WithField("action", entry.Action).Error("Failed to append audit entry")
	}
}
