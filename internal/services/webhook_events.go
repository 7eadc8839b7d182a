// internal/services/webhook_events.go
package services

import (
	"encoding/json"
	"fmt"
	"strconv"

	"github.com/stripe/stripe-go/v74"
)

// PurchaseTypePiiUnlockDeposit marks a checkout session as a deposit that
// unlocks a vendor's contact details for the paying client.
const PurchaseTypePiiUnlockDeposit = "pii_unlock_deposit"

type EventKind string

const (
	EventCheckoutCompleted EventKind = "checkout_completed"
	EventCheckoutExpired   EventKind = "checkout_expired"
	EventDisputeCreated    EventKind = "dispute_created"
	EventPaymentFailed     EventKind = "payment_failed"
	EventRefundCreated     EventKind = "refund_created"
	EventRefundUpdated     EventKind = "refund_updated"
)

// Event is the closed set of processor events this core reacts to. Exactly
// one payload pointer is non-nil, matching Kind. New kinds are added here and
// in the reconciler's dispatch, making them a compile-time-visible change
// rather than a silently ignored default branch.
type Event struct {
	ID   string
	Kind EventKind

	CheckoutCompleted *CheckoutCompletedData
	CheckoutExpired   *CheckoutExpiredData
	DisputeCreated    *DisputeCreatedData
	PaymentFailed     *PaymentFailedData
	Refund            *RefundEventData
}

type CheckoutCompletedData struct {
	SessionID       string
	PaymentIntentID string
	PurchaseType    string
	ProposalID      string
	VendorID        string
	NeedID          string
	ClientID        string
	DepositAmount   int64
	EstimatePrice   int64
	Currency        string
}

type CheckoutExpiredData struct {
	SessionID    string
	PurchaseType string
}

type DisputeCreatedData struct {
	DisputeID       string
	PaymentIntentID string
	Amount          int64
	Reason          string
}

type PaymentFailedData struct {
	PaymentIntentID string
	FailureReason   string
}

type RefundEventData struct {
	ExternalRefundID string
	PaymentIntentID  string
	RefundRequestID  string
	Status           string
	Amount           int64
}

// ParseStripeEvent translates a verified Stripe event into the internal
// tagged variant. ok is false for event types this core does not handle;
// those are acknowledged upstream without any mutation.
func ParseStripeEvent(event stripe.Event) (Event, bool, error) {
	out := Event{ID: event.ID}

	switch event.Type {
	case "checkout.session.completed", "checkout.session.expired":
		var session stripe.CheckoutSession
		if err := json.Unmarshal(event.Data.Raw, &session); err != nil {
			return Event{}, false, fmt.Errorf("parse checkout session: %w", err)
		}
		if event.Type == "checkout.session.expired" {
			out.Kind = EventCheckoutExpired
			out.CheckoutExpired = &CheckoutExpiredData{
				SessionID:    session.ID,
				PurchaseType: session.Metadata["type"],
			}
			return out, true, nil
		}

		data := &CheckoutCompletedData{
			SessionID:    session.ID,
			PurchaseType: session.Metadata["type"],
			ProposalID:   session.Metadata["proposal_id"],
			VendorID:     session.Metadata["vendor_id"],
			NeedID:       session.Metadata["need_id"],
			ClientID:     session.Metadata["client_id"],
			Currency:     string(session.Currency),
		}
		if session.PaymentIntent != nil {
			data.PaymentIntentID = session.PaymentIntent.ID
		}
		data.DepositAmount = metadataAmount(session.Metadata, "deposit_amount", session.AmountTotal)
		data.EstimatePrice = metadataAmount(session.Metadata, "estimate_price", 0)

		out.Kind = EventCheckoutCompleted
		out.CheckoutCompleted = data
		return out, true, nil

	case "charge.dispute.created":
		var dispute stripe.Dispute
		if err := json.Unmarshal(event.Data.Raw, &dispute); err != nil {
			return Event{}, false, fmt.Errorf("parse dispute: %w", err)
		}
		data := &DisputeCreatedData{
			DisputeID: dispute.ID,
			Amount:    dispute.Amount,
			Reason:    string(dispute.Reason),
		}
		if dispute.PaymentIntent != nil {
			data.PaymentIntentID = dispute.PaymentIntent.ID
		}
		out.Kind = EventDisputeCreated
		out.DisputeCreated = data
		return out, true, nil

	case "payment_intent.payment_failed":
		var intent stripe.PaymentIntent
		if err := json.Unmarshal(event.Data.Raw, &intent); err != nil {
			return Event{}, false, fmt.Errorf("parse payment intent: %w", err)
		}
		data := &PaymentFailedData{PaymentIntentID: intent.ID}
		if intent.LastPaymentError != nil {
			data.FailureReason = intent.LastPaymentError.Msg
		}
		out.Kind = EventPaymentFailed
		out.PaymentFailed = data
		return out, true, nil

	case "refund.created", "refund.updated":
		var refund stripe.Refund
		if err := json.Unmarshal(event.Data.Raw, &refund); err != nil {
			return Event{}, false, fmt.Errorf("parse refund: %w", err)
		}
		data := &RefundEventData{
			ExternalRefundID: refund.ID,
			Status:           string(refund.Status),
			Amount:           refund.Amount,
			RefundRequestID:  refund.Metadata["refund_request_id"],
		}
		if refund.PaymentIntent != nil {
			data.PaymentIntentID = refund.PaymentIntent.ID
		}
		if event.Type == "refund.created" {
			out.Kind = EventRefundCreated
		} else {
			out.Kind = EventRefundUpdated
		}
		out.Refund = data
		return out, true, nil
	}

	return Event{}, false, nil
}

func metadataAmount(metadata map[string]string, key string, fallback int64) int64 {
	if raw, ok := metadata[key]; ok {
		if amount, err := strconv.ParseInt(raw, 10, 64); err == nil {
			return amount
		}
	}
	return fallback
}
