// internal/services/webhook_service_test.go
package services

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/suite"
	"github.com/stripe/stripe-go/v74"

	"github.com/needlink/escrow-backend/internal/models"
	"github.com/needlink/escrow-backend/internal/repository"
)

type fakeVerifier struct {
	event stripe.Event
	err   error
}

func (f *fakeVerifier) Verify(payload []byte, signatureHeader string) (stripe.Event, error) {
	if f.err != nil {
		return stripe.Event{}, f.err
	}
	return f.event, nil
}

type WebhookServiceTestSuite struct {
	suite.Suite
	ctx      context.Context
	records  *repository.MemoryPaymentRecordRepository
	requests *repository.MemoryRefundRequestRepository
	audit    *repository.MemoryAuditLogRepository
	grants   *repository.MemoryAccessGrantRepository
	events   *repository.MemoryWebhookEventRepository
	verifier *fakeVerifier
	gateway  *fakeRefundGateway
	payments *PaymentService
	refunds  *RefundService
	service  *WebhookService
}

func (suite *WebhookServiceTestSuite) SetupTest() {
	suite.ctx = context.Background()
	suite.records = repository.NewMemoryPaymentRecordRepository()
	suite.requests = repository.NewMemoryRefundRequestRepository()
	suite.audit = repository.NewMemoryAuditLogRepository()
	suite.grants = repository.NewMemoryAccessGrantRepository()
	suite.events = repository.NewMemoryWebhookEventRepository()
	suite.verifier = &fakeVerifier{}
	suite.gateway = &fakeRefundGateway{}
	suite.payments = NewPaymentService(suite.records, suite.audit, nil)
	suite.refunds = NewRefundService(suite.requests, suite.records, suite.audit, suite.gateway, suite.payments, nil)
	suite.service = NewWebhookService(suite.verifier, suite.events, suite.grants, suite.records, suite.audit, suite.payments, suite.refunds)
}

func (suite *WebhookServiceTestSuite) checkoutCompletedEvent(eventID string) Event {
	return Event{
		ID:   eventID,
		Kind: EventCheckoutCompleted,
		CheckoutCompleted: &CheckoutCompletedData{
			SessionID:       "cs_" + eventID,
			PaymentIntentID: "pi_" + eventID,
			PurchaseType:    PurchaseTypePiiUnlockDeposit,
			ProposalID:      uuid.NewString(),
			VendorID:        uuid.NewString(),
			NeedID:          uuid.NewString(),
			ClientID:        uuid.NewString(),
			DepositAmount:   1500,
			EstimatePrice:   15000,
			Currency:        "usd",
		},
	}
}

func (suite *WebhookServiceTestSuite) TestCheckoutCompletedSettlesDeposit() {
	event := suite.checkoutCompletedEvent("evt_1")

	err := suite.service.ProcessEvent(suite.ctx, event, nil)
	assert.NoError(suite.T(), err)

	record, err := suite.records.GetByCheckoutSessionID(suite.ctx, "cs_evt_1")
	assert.NoError(suite.T(), err)
	assert.NotNil(suite.T(), record)
	assert.Equal(suite.T(), models.PaymentTypeDeposit, record.Type)
	assert.Equal(suite.T(), models.PaymentStatusCompleted, record.Status)
	assert.Equal(suite.T(), int64(1500), record.Amount)

	grant, err := suite.grants.GetByPaymentRecordID(suite.ctx, record.ID)
	assert.NoError(suite.T(), err)
	assert.NotNil(suite.T(), grant)
	assert.Len(suite.T(), grant.AccessCode, 32)
	assert.Equal(suite.T(), record.VendorID, grant.VendorID)

	journal, err := suite.events.GetByProviderEventID(suite.ctx, "stripe", "evt_1")
	assert.NoError(suite.T(), err)
	assert.NotNil(suite.T(), journal.ProcessedAt)

	balance, err := suite.payments.GetVendorBalance(suite.ctx, record.VendorID)
	assert.NoError(suite.T(), err)
	assert.Equal(suite.T(), int64(1500), balance.AvailableBalance)
}

func (suite *WebhookServiceTestSuite) TestDuplicateDeliveryCreditsOnce() {
	event := suite.checkoutCompletedEvent("evt_1")

	assert.NoError(suite.T(), suite.service.ProcessEvent(suite.ctx, event, nil))
	assert.NoError(suite.T(), suite.service.ProcessEvent(suite.ctx, event, nil))

	record, err := suite.records.GetByCheckoutSessionID(suite.ctx, "cs_evt_1")
	assert.NoError(suite.T(), err)

	vendorID := record.VendorID
	_, total, err := suite.records.List(suite.ctx, repository.PaymentRecordFilter{VendorID: &vendorID})
	assert.NoError(suite.T(), err)
	assert.Equal(suite.T(), int64(1), total)

	balance, err := suite.payments.GetVendorBalance(suite.ctx, vendorID)
	assert.NoError(suite.T(), err)
	assert.Equal(suite.T(), int64(1500), balance.AvailableBalance)
}

func (suite *WebhookServiceTestSuite) TestMalformedEventFailsForRedelivery() {
	event := suite.checkoutCompletedEvent("evt_bad")
	event.CheckoutCompleted.VendorID = "not-a-uuid"

	err := suite.service.ProcessEvent(suite.ctx, event, nil)
	assert.Error(suite.T(), err)

	journal, lookupErr := suite.events.GetByProviderEventID(suite.ctx, "stripe", "evt_bad")
	assert.NoError(suite.T(), lookupErr)
	assert.Nil(suite.T(), journal.ProcessedAt)
	assert.NotEmpty(suite.T(), journal.ProcessError)
}

func (suite *WebhookServiceTestSuite) TestNonDepositCheckoutIgnored() {
	event := suite.checkoutCompletedEvent("evt_sub")
	event.CheckoutCompleted.PurchaseType = "subscription"

	err := suite.service.ProcessEvent(suite.ctx, event, nil)
	assert.NoError(suite.T(), err)

	record, err := suite.records.GetByCheckoutSessionID(suite.ctx, "cs_evt_sub")
	assert.NoError(suite.T(), err)
	assert.Nil(suite.T(), record)
}

func (suite *WebhookServiceTestSuite) TestCheckoutExpiredAuditOnly() {
	event := Event{
		ID:   "evt_exp",
		Kind: EventCheckoutExpired,
		CheckoutExpired: &CheckoutExpiredData{
			SessionID:    "cs_exp",
			PurchaseType: PurchaseTypePiiUnlockDeposit,
		},
	}

	err := suite.service.ProcessEvent(suite.ctx, event, nil)
	assert.NoError(suite.T(), err)

	_, total, err := suite.audit.List(suite.ctx, repository.AuditLogFilter{Action: models.AuditCheckoutExpired})
	assert.NoError(suite.T(), err)
	assert.Equal(suite.T(), int64(1), total)
}

func (suite *WebhookServiceTestSuite) TestDisputeNeverMovesMoney() {
	settled := suite.checkoutCompletedEvent("evt_1")
	suite.Require().NoError(suite.service.ProcessEvent(suite.ctx, settled, nil))

	event := Event{
		ID:   "evt_dispute",
		Kind: EventDisputeCreated,
		DisputeCreated: &DisputeCreatedData{
			DisputeID:       "dp_1",
			PaymentIntentID: "pi_evt_1",
			Amount:          1500,
			Reason:          "fraudulent",
		},
	}
	assert.NoError(suite.T(), suite.service.ProcessEvent(suite.ctx, event, nil))

	record, err := suite.records.GetByPaymentIntentID(suite.ctx, "pi_evt_1")
	assert.NoError(suite.T(), err)
	assert.Equal(suite.T(), models.PaymentStatusCompleted, record.Status)

	_, total, err := suite.audit.List(suite.ctx, repository.AuditLogFilter{Action: models.AuditDisputeCreated})
	assert.NoError(suite.T(), err)
	assert.Equal(suite.T(), int64(1), total)
}

func (suite *WebhookServiceTestSuite) TestPaymentFailedMarksRecord() {
	intentID := "pi_fail"
	record, err := suite.payments.CreatePaymentRecord(suite.ctx, nil, CreatePaymentRecordInput{
		Type:            models.PaymentTypeDeposit,
		Amount:          1000,
		VendorID:        uuid.New(),
		PaymentIntentID: &intentID,
	})
	suite.Require().NoError(err)

	event := Event{
		ID:   "evt_fail",
		Kind: EventPaymentFailed,
		PaymentFailed: &PaymentFailedData{
			PaymentIntentID: intentID,
			FailureReason:   "card_declined",
		},
	}
	assert.NoError(suite.T(), suite.service.ProcessEvent(suite.ctx, event, nil))

	failed, err := suite.payments.GetPaymentRecord(suite.ctx, record.ID)
	assert.NoError(suite.T(), err)
	assert.Equal(suite.T(), models.PaymentStatusFailed, failed.Status)
	assert.Equal(suite.T(), "card_declined", failed.Metadata["failure_reason"])
}

func (suite *WebhookServiceTestSuite) TestPaymentFailedOrphanAcked() {
	event := Event{
		ID:   "evt_orphan",
		Kind: EventPaymentFailed,
		PaymentFailed: &PaymentFailedData{
			PaymentIntentID: "pi_unknown",
			FailureReason:   "card_declined",
		},
	}
	assert.NoError(suite.T(), suite.service.ProcessEvent(suite.ctx, event, nil))

	_, total, err := suite.audit.List(suite.ctx, repository.AuditLogFilter{Action: models.AuditOrphanEvent})
	assert.NoError(suite.T(), err)
	assert.Equal(suite.T(), int64(1), total)

	journal, err := suite.events.GetByProviderEventID(suite.ctx, "stripe", "evt_orphan")
	assert.NoError(suite.T(), err)
	assert.NotNil(suite.T(), journal.ProcessedAt)
}

func (suite *WebhookServiceTestSuite) TestRefundEventFinalizesRequest() {
	settled := suite.checkoutCompletedEvent("evt_1")
	suite.Require().NoError(suite.service.ProcessEvent(suite.ctx, settled, nil))
	record, err := suite.records.GetByCheckoutSessionID(suite.ctx, "cs_evt_1")
	suite.Require().NoError(err)

	request, err := suite.refunds.CreateRefundRequest(suite.ctx, CreateRefundRequestInput{
		PaymentRecordID: record.ID,
		RequestedBy:     uuid.New(),
		Reason:          models.RefundReasonDealCancelled,
		Amount:          1500,
	})
	suite.Require().NoError(err)

	event := Event{
		ID:   "evt_refund",
		Kind: EventRefundCreated,
		Refund: &RefundEventData{
			ExternalRefundID: "re_1",
			PaymentIntentID:  "pi_evt_1",
			RefundRequestID:  request.ID.String(),
			Status:           "succeeded",
			Amount:           1500,
		},
	}
	assert.NoError(suite.T(), suite.service.ProcessEvent(suite.ctx, event, nil))

	finalized, err := suite.refunds.GetRefundRequest(suite.ctx, request.ID)
	assert.NoError(suite.T(), err)
	assert.Equal(suite.T(), models.RefundStatusCompleted, finalized.Status)

	refunded, err := suite.payments.GetPaymentRecord(suite.ctx, record.ID)
	assert.NoError(suite.T(), err)
	assert.Equal(suite.T(), models.PaymentStatusRefunded, refunded.Status)
}

func (suite *WebhookServiceTestSuite) TestRefundEventWithNoMatchIsOrphan() {
	event := Event{
		ID:   "evt_refund_orphan",
		Kind: EventRefundUpdated,
		Refund: &RefundEventData{
			ExternalRefundID: "re_unknown",
			Status:           "succeeded",
		},
	}
	assert.NoError(suite.T(), suite.service.ProcessEvent(suite.ctx, event, nil))

	_, total, err := suite.audit.List(suite.ctx, repository.AuditLogFilter{Action: models.AuditOrphanEvent})
	assert.NoError(suite.T(), err)
	assert.Equal(suite.T(), int64(1), total)
}

func (suite *WebhookServiceTestSuite) TestHandleWebhookBadSignature() {
	suite.verifier.err = errors.New("signature mismatch")

	err := suite.service.HandleWebhook(suite.ctx, []byte(`{}`), "t=1,v1=bad")
	assert.ErrorIs(suite.T(), err, ErrSignatureVerification)

	// A rejected delivery leaves no trace.
	_, total, err := suite.audit.List(suite.ctx, repository.AuditLogFilter{})
	assert.NoError(suite.T(), err)
	assert.Equal(suite.T(), int64(0), total)
}

func (suite *WebhookServiceTestSuite) TestHandleWebhookUnknownTypeAcked() {
	suite.verifier.event = stripe.Event{
		ID:   "evt_unknown",
		Type: "customer.created",
		Data: &stripe.EventData{Raw: json.RawMessage(`{}`)},
	}

	err := suite.service.HandleWebhook(suite.ctx, []byte(`{}`), "t=1,v1=good")
	assert.NoError(suite.T(), err)

	journal, err := suite.events.GetByProviderEventID(suite.ctx, "stripe", "evt_unknown")
	assert.NoError(suite.T(), err)
	assert.Nil(suite.T(), journal)
}

func (suite *WebhookServiceTestSuite) TestHandleWebhookEndToEnd() {
	vendorID := uuid.NewString()
	sessionJSON := fmt.Sprintf(`{
		"id": "cs_live_1",
		"currency": "usd",
		"amount_total": 2500,
		"payment_intent": "pi_live_1",
		"metadata": {
			"type": "pii_unlock_deposit",
			"proposal_id": %q,
			"vendor_id": %q,
			"need_id": %q,
			"client_id": %q,
			"deposit_amount": "2500",
			"estimate_price": "25000"
		}
	}`, uuid.NewString(), vendorID, uuid.NewString(), uuid.NewString())

	suite.verifier.event = stripe.Event{
		ID:   "evt_live_1",
		Type: "checkout.session.completed",
		Data: &stripe.EventData{Raw: json.RawMessage(sessionJSON)},
	}

	err := suite.service.HandleWebhook(suite.ctx, []byte(sessionJSON), "t=1,v1=good")
	assert.NoError(suite.T(), err)

	record, err := suite.records.GetByCheckoutSessionID(suite.ctx, "cs_live_1")
	assert.NoError(suite.T(), err)
	assert.NotNil(suite.T(), record)
	assert.Equal(suite.T(), models.PaymentStatusCompleted, record.Status)
	assert.Equal(suite.T(), int64(2500), record.Amount)
	assert.Equal(suite.T(), vendorID, record.VendorID.String())
	assert.Equal(suite.T(), "pi_live_1", *record.PaymentIntentID)
}

func TestWebhookServiceSuite(t *testing.T) {
	suite.Run(t, new(WebhookServiceTestSuite))
}
