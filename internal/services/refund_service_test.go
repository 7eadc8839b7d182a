// internal/services/refund_service_test.go
package services

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/suite"

	"github.com/needlink/escrow-backend/internal/models"
	"github.com/needlink/escrow-backend/internal/repository"
)

type fakeRefundGateway struct {
	mtx          sync.Mutex
	calls        int
	failWith     error
	lastMetadata map[string]string

	// beforeReturn runs mid-call, while the refund is in flight at the
	// processor.
	beforeReturn func()
}

func (g *fakeRefundGateway) CreateRefund(ctx context.Context, paymentIntentID string, amount int64, metadata map[string]string) (string, error) {
	g.mtx.Lock()
	g.calls++
	g.lastMetadata = metadata
	failWith := g.failWith
	hook := g.beforeReturn
	calls := g.calls
	g.mtx.Unlock()

	if hook != nil {
		hook()
	}
	if failWith != nil {
		return "", failWith
	}
	return fmt.Sprintf("re_test_%d", calls), nil
}

func (g *fakeRefundGateway) callCount() int {
	g.mtx.Lock()
	defer g.mtx.Unlock()
	return g.calls
}

type recordingNotifier struct {
	mtx       sync.Mutex
	decisions []string
}

func (n *recordingNotifier) NotifyRefundDecision(ctx context.Context, request *models.RefundRequest, decision string) {
	n.mtx.Lock()
	defer n.mtx.Unlock()
	n.decisions = append(n.decisions, decision)
}

type RefundServiceTestSuite struct {
	suite.Suite
	ctx      context.Context
	records  *repository.MemoryPaymentRecordRepository
	requests *repository.MemoryRefundRequestRepository
	audit    *repository.MemoryAuditLogRepository
	gateway  *fakeRefundGateway
	notifier *recordingNotifier
	payments *PaymentService
	service  *RefundService
}

func (suite *RefundServiceTestSuite) SetupTest() {
	suite.ctx = context.Background()
	suite.records = repository.NewMemoryPaymentRecordRepository()
	suite.requests = repository.NewMemoryRefundRequestRepository()
	suite.audit = repository.NewMemoryAuditLogRepository()
	suite.gateway = &fakeRefundGateway{}
	suite.notifier = &recordingNotifier{}
	suite.payments = NewPaymentService(suite.records, suite.audit, nil)
	suite.service = NewRefundService(suite.requests, suite.records, suite.audit, suite.gateway, suite.payments, suite.notifier)
}

// completedDeposit creates a deposit ledger row and settles it.
func (suite *RefundServiceTestSuite) completedDeposit(amount int64) *models.PaymentRecord {
	intentID := "pi_" + uuid.NewString()
	record, err := suite.payments.CreatePaymentRecord(suite.ctx, nil, CreatePaymentRecordInput{
		Type:            models.PaymentTypeDeposit,
		Amount:          amount,
		VendorID:        uuid.New(),
		PaymentIntentID: &intentID,
	})
	suite.Require().NoError(err)
	suite.Require().NoError(suite.payments.UpdatePaymentStatus(suite.ctx, nil, record.ID, models.PaymentStatusCompleted, nil))

	record, err = suite.payments.GetPaymentRecord(suite.ctx, record.ID)
	suite.Require().NoError(err)
	return record
}

func (suite *RefundServiceTestSuite) pendingRequest(record *models.PaymentRecord, amount int64) *models.RefundRequest {
	request, err := suite.service.CreateRefundRequest(suite.ctx, CreateRefundRequestInput{
		PaymentRecordID: record.ID,
		RequestedBy:     uuid.New(),
		Reason:          models.RefundReasonVendorUnresponsive,
		Amount:          amount,
	})
	suite.Require().NoError(err)
	return request
}

func (suite *RefundServiceTestSuite) TestCreateRefundRequestMakesNoGatewayCall() {
	record := suite.completedDeposit(1000)
	request := suite.pendingRequest(record, 1000)

	assert.Equal(suite.T(), models.RefundStatusPending, request.Status)
	assert.Equal(suite.T(), 0, suite.gateway.callCount())

	_, total, err := suite.audit.List(suite.ctx, repository.AuditLogFilter{Action: models.AuditRefundRequested})
	assert.NoError(suite.T(), err)
	assert.Equal(suite.T(), int64(1), total)
}

func (suite *RefundServiceTestSuite) TestCreateRefundRequestValidation() {
	record := suite.completedDeposit(1000)

	_, err := suite.service.CreateRefundRequest(suite.ctx, CreateRefundRequestInput{
		PaymentRecordID: record.ID,
		RequestedBy:     uuid.New(),
		Reason:          "buyer_remorse",
		Amount:          100,
	})
	assert.ErrorIs(suite.T(), err, ErrValidation)

	// Exceeding the original payment is rejected.
	_, err = suite.service.CreateRefundRequest(suite.ctx, CreateRefundRequestInput{
		PaymentRecordID: record.ID,
		RequestedBy:     uuid.New(),
		Reason:          models.RefundReasonOther,
		Amount:          1001,
	})
	assert.ErrorIs(suite.T(), err, ErrValidation)

	_, err = suite.service.CreateRefundRequest(suite.ctx, CreateRefundRequestInput{
		PaymentRecordID: uuid.New(),
		RequestedBy:     uuid.New(),
		Reason:          models.RefundReasonOther,
		Amount:          100,
	})
	assert.ErrorIs(suite.T(), err, ErrNotFound)
}

func (suite *RefundServiceTestSuite) TestCreateRefundRequestRequiresCompletedPayment() {
	record, err := suite.payments.CreatePaymentRecord(suite.ctx, nil, CreatePaymentRecordInput{
		Type:     models.PaymentTypeDeposit,
		Amount:   1000,
		VendorID: uuid.New(),
	})
	suite.Require().NoError(err)

	_, err = suite.service.CreateRefundRequest(suite.ctx, CreateRefundRequestInput{
		PaymentRecordID: record.ID,
		RequestedBy:     uuid.New(),
		Reason:          models.RefundReasonOther,
		Amount:          1000,
	})
	assert.ErrorIs(suite.T(), err, ErrValidation)
}

func (suite *RefundServiceTestSuite) TestApproveAndProcessRefund() {
	record := suite.completedDeposit(1000)
	request := suite.pendingRequest(record, 400)
	approver := uuid.New()

	result, err := suite.service.ApproveAndProcessRefund(suite.ctx, request.ID, approver, "client confirmed")
	assert.NoError(suite.T(), err)
	assert.Equal(suite.T(), "re_test_1", result.ExternalRefundID)
	assert.Equal(suite.T(), models.RefundStatusCompleted, result.Request.Status)
	assert.Equal(suite.T(), approver, *result.Request.ApprovedBy)

	// The request id travels to the processor for crash recovery.
	assert.Equal(suite.T(), request.ID.String(), suite.gateway.lastMetadata["refund_request_id"])

	refunded, err := suite.payments.GetPaymentRecord(suite.ctx, record.ID)
	assert.NoError(suite.T(), err)
	assert.Equal(suite.T(), models.PaymentStatusRefunded, refunded.Status)

	// A refund-typed ledger row exists once, keyed by the request.
	refundRow, err := suite.records.GetByRefundRequestID(suite.ctx, request.ID)
	assert.NoError(suite.T(), err)
	assert.NotNil(suite.T(), refundRow)
	assert.Equal(suite.T(), models.PaymentTypeRefund, refundRow.Type)
	assert.Equal(suite.T(), models.PaymentStatusCompleted, refundRow.Status)
	assert.Equal(suite.T(), int64(400), refundRow.Amount)

	balance, err := suite.payments.GetVendorBalance(suite.ctx, record.VendorID)
	assert.NoError(suite.T(), err)
	assert.Equal(suite.T(), int64(600), balance.AvailableBalance)

	assert.Contains(suite.T(), suite.notifier.decisions, string(models.RefundStatusCompleted))
}

func (suite *RefundServiceTestSuite) TestApproveGatewayFailure() {
	record := suite.completedDeposit(1000)
	request := suite.pendingRequest(record, 400)
	suite.gateway.failWith = errors.New("stripe is down")

	_, err := suite.service.ApproveAndProcessRefund(suite.ctx, request.ID, uuid.New(), "")
	assert.ErrorIs(suite.T(), err, ErrExternalService)

	failed, err := suite.service.GetRefundRequest(suite.ctx, request.ID)
	assert.NoError(suite.T(), err)
	assert.Equal(suite.T(), models.RefundStatusFailed, failed.Status)

	// Money never moved, so the payment record is untouched.
	untouched, err := suite.payments.GetPaymentRecord(suite.ctx, record.ID)
	assert.NoError(suite.T(), err)
	assert.Equal(suite.T(), models.PaymentStatusCompleted, untouched.Status)

	_, total, err := suite.audit.List(suite.ctx, repository.AuditLogFilter{Action: models.AuditRefundFailed})
	assert.NoError(suite.T(), err)
	assert.Equal(suite.T(), int64(1), total)
}

func (suite *RefundServiceTestSuite) TestConcurrentApprovalSingleGatewayCall() {
	record := suite.completedDeposit(1000)
	request := suite.pendingRequest(record, 1000)

	var wg sync.WaitGroup
	results := make([]error, 2)
	for i := 0; i < 2; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, results[i] = suite.service.ApproveAndProcessRefund(suite.ctx, request.ID, uuid.New(), "")
		}(i)
	}
	wg.Wait()

	var failures int
	for _, err := range results {
		if err != nil {
			assert.ErrorIs(suite.T(), err, ErrInvalidTransition)
			failures++
		}
	}
	assert.Equal(suite.T(), 1, failures)
	assert.Equal(suite.T(), 1, suite.gateway.callCount())
}

func (suite *RefundServiceTestSuite) TestRejectRefundRequest() {
	record := suite.completedDeposit(1000)
	request := suite.pendingRequest(record, 1000)
	rejecter := uuid.New()

	err := suite.service.RejectRefundRequest(suite.ctx, request.ID, rejecter, "deposit already consumed")
	assert.NoError(suite.T(), err)

	rejected, err := suite.service.GetRefundRequest(suite.ctx, request.ID)
	assert.NoError(suite.T(), err)
	assert.Equal(suite.T(), models.RefundStatusRejected, rejected.Status)
	assert.Equal(suite.T(), "deposit already consumed", rejected.RejectionReason)

	// A rejected request can no longer be approved.
	_, err = suite.service.ApproveAndProcessRefund(suite.ctx, request.ID, uuid.New(), "")
	assert.ErrorIs(suite.T(), err, ErrInvalidTransition)
	assert.Equal(suite.T(), 0, suite.gateway.callCount())
}

func (suite *RefundServiceTestSuite) TestRejectDuringInFlightApprovalRefused() {
	record := suite.completedDeposit(1000)
	request := suite.pendingRequest(record, 400)

	// The rejection lands while the gateway call is in flight. It must lose:
	// the claim blocks it, and the approval finalizes normally.
	var rejectErr error
	suite.gateway.beforeReturn = func() {
		rejectErr = suite.service.RejectRefundRequest(suite.ctx, request.ID, uuid.New(), "changed my mind")
	}

	result, err := suite.service.ApproveAndProcessRefund(suite.ctx, request.ID, uuid.New(), "")
	assert.NoError(suite.T(), err)
	assert.ErrorIs(suite.T(), rejectErr, ErrInvalidTransition)
	assert.Equal(suite.T(), models.RefundStatusCompleted, result.Request.Status)

	// Request, payment record, and refund row all agree on the outcome.
	refunded, err := suite.payments.GetPaymentRecord(suite.ctx, record.ID)
	assert.NoError(suite.T(), err)
	assert.Equal(suite.T(), models.PaymentStatusRefunded, refunded.Status)

	refundRow, err := suite.records.GetByRefundRequestID(suite.ctx, request.ID)
	assert.NoError(suite.T(), err)
	assert.NotNil(suite.T(), refundRow)
}

func (suite *RefundServiceTestSuite) TestRejectAbandonedClaim() {
	record := suite.completedDeposit(1000)
	request := suite.pendingRequest(record, 400)
	rejecter := uuid.New()

	// An unclaimed pending request is not abandoned.
	err := suite.service.RejectAbandonedRequest(suite.ctx, request.ID, rejecter, "stale")
	assert.ErrorIs(suite.T(), err, ErrInvalidTransition)

	// A fresh claim may still finalize through the gateway or the webhook.
	claimed, err := suite.requests.Claim(suite.ctx, request.ID, uuid.New(), time.Now())
	suite.Require().NoError(err)
	suite.Require().True(claimed)
	err = suite.service.RejectAbandonedRequest(suite.ctx, request.ID, rejecter, "stale")
	assert.ErrorIs(suite.T(), err, ErrInvalidTransition)

	// An old claim that never finalized can be cleared by an operator.
	stale := suite.pendingRequest(suite.completedDeposit(500), 500)
	claimed, err = suite.requests.Claim(suite.ctx, stale.ID, uuid.New(), time.Now().Add(-time.Hour))
	suite.Require().NoError(err)
	suite.Require().True(claimed)

	err = suite.service.RejectAbandonedRequest(suite.ctx, stale.ID, rejecter, "approver never came back")
	assert.NoError(suite.T(), err)

	rejected, err := suite.service.GetRefundRequest(suite.ctx, stale.ID)
	assert.NoError(suite.T(), err)
	assert.Equal(suite.T(), models.RefundStatusRejected, rejected.Status)
	assert.Equal(suite.T(), 0, suite.gateway.callCount())
}

func (suite *RefundServiceTestSuite) TestRejectRequiresReason() {
	record := suite.completedDeposit(1000)
	request := suite.pendingRequest(record, 1000)

	err := suite.service.RejectRefundRequest(suite.ctx, request.ID, uuid.New(), "")
	assert.ErrorIs(suite.T(), err, ErrValidation)
}

func (suite *RefundServiceTestSuite) TestReconcileProcessorRefundSucceeded() {
	record := suite.completedDeposit(1000)
	request := suite.pendingRequest(record, 400)

	// The processor reports success for a request this process never
	// finalized, as after a crash between the gateway call and the commit.
	found, err := suite.service.ReconcileProcessorRefund(suite.ctx, "re_ext_1", request.ID.String(), "succeeded")
	assert.NoError(suite.T(), err)
	assert.True(suite.T(), found)

	finalized, err := suite.service.GetRefundRequest(suite.ctx, request.ID)
	assert.NoError(suite.T(), err)
	assert.Equal(suite.T(), models.RefundStatusCompleted, finalized.Status)
	assert.Equal(suite.T(), "re_ext_1", *finalized.ExternalRefundID)

	refunded, err := suite.payments.GetPaymentRecord(suite.ctx, record.ID)
	assert.NoError(suite.T(), err)
	assert.Equal(suite.T(), models.PaymentStatusRefunded, refunded.Status)

	refundRow, err := suite.records.GetByRefundRequestID(suite.ctx, request.ID)
	assert.NoError(suite.T(), err)
	assert.NotNil(suite.T(), refundRow)
}

func (suite *RefundServiceTestSuite) TestReconcileProcessorRefundFailed() {
	record := suite.completedDeposit(1000)
	request := suite.pendingRequest(record, 400)

	found, err := suite.service.ReconcileProcessorRefund(suite.ctx, "re_ext_1", request.ID.String(), "failed")
	assert.NoError(suite.T(), err)
	assert.True(suite.T(), found)

	failed, err := suite.service.GetRefundRequest(suite.ctx, request.ID)
	assert.NoError(suite.T(), err)
	assert.Equal(suite.T(), models.RefundStatusFailed, failed.Status)

	untouched, err := suite.payments.GetPaymentRecord(suite.ctx, record.ID)
	assert.NoError(suite.T(), err)
	assert.Equal(suite.T(), models.PaymentStatusCompleted, untouched.Status)
}

func (suite *RefundServiceTestSuite) TestReconcileTerminalRequestIsNoOp() {
	record := suite.completedDeposit(1000)
	request := suite.pendingRequest(record, 400)

	_, err := suite.service.ApproveAndProcessRefund(suite.ctx, request.ID, uuid.New(), "")
	suite.Require().NoError(err)

	// The processor's refund.updated redelivery changes nothing.
	found, err := suite.service.ReconcileProcessorRefund(suite.ctx, "re_test_1", request.ID.String(), "succeeded")
	assert.NoError(suite.T(), err)
	assert.True(suite.T(), found)

	_, total, err := suite.audit.List(suite.ctx, repository.AuditLogFilter{Action: models.AuditRefundProcessed})
	assert.NoError(suite.T(), err)
	assert.Equal(suite.T(), int64(1), total)
}

func (suite *RefundServiceTestSuite) TestReconcileUnknownRefund() {
	found, err := suite.service.ReconcileProcessorRefund(suite.ctx, "re_unknown", "", "succeeded")
	assert.NoError(suite.T(), err)
	assert.False(suite.T(), found)
}

func TestRefundServiceSuite(t *testing.T) {
	suite.Run(t, new(RefundServiceTestSuite))
}
