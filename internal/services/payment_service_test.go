// internal/services/payment_service_test.go
package services

import (
	"context"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/suite"

	"github.com/needlink/escrow-backend/internal/models"
	"github.com/needlink/escrow-backend/internal/repository"
)

type PaymentServiceTestSuite struct {
	suite.Suite
	ctx     context.Context
	records *repository.MemoryPaymentRecordRepository
	audit   *repository.MemoryAuditLogRepository
	service *PaymentService
}

func (suite *PaymentServiceTestSuite) SetupTest() {
	suite.ctx = context.Background()
	suite.records = repository.NewMemoryPaymentRecordRepository()
	suite.audit = repository.NewMemoryAuditLogRepository()
	suite.service = NewPaymentService(suite.records, suite.audit, nil)
}

func (suite *PaymentServiceTestSuite) depositInput(amount int64, vendorID uuid.UUID, intentID string) CreatePaymentRecordInput {
	in := CreatePaymentRecordInput{
		Type:     models.PaymentTypeDeposit,
		Amount:   amount,
		VendorID: vendorID,
	}
	if intentID != "" {
		in.PaymentIntentID = &intentID
	}
	return in
}

func (suite *PaymentServiceTestSuite) TestCreatePaymentRecord() {
	vendorID := uuid.New()

	record, err := suite.service.CreatePaymentRecord(suite.ctx, nil, suite.depositInput(1000, vendorID, "pi_1"))
	assert.NoError(suite.T(), err)
	assert.Equal(suite.T(), models.PaymentStatusPending, record.Status)
	assert.Equal(suite.T(), int64(1000), record.Amount)
	assert.Equal(suite.T(), "usd", record.Currency)

	entries, total, err := suite.audit.List(suite.ctx, repository.AuditLogFilter{Action: models.AuditPaymentRecordCreated})
	assert.NoError(suite.T(), err)
	assert.Equal(suite.T(), int64(1), total)
	assert.Equal(suite.T(), "payment_record", entries[0].ResourceType)
}

func (suite *PaymentServiceTestSuite) TestCreatePaymentRecordIdempotentOnIntentID() {
	vendorID := uuid.New()

	first, err := suite.service.CreatePaymentRecord(suite.ctx, nil, suite.depositInput(1000, vendorID, "pi_1"))
	assert.NoError(suite.T(), err)

	second, err := suite.service.CreatePaymentRecord(suite.ctx, nil, suite.depositInput(1000, vendorID, "pi_1"))
	assert.NoError(suite.T(), err)
	assert.Equal(suite.T(), first.ID, second.ID)

	_, total, err := suite.records.List(suite.ctx, repository.PaymentRecordFilter{VendorID: &vendorID})
	assert.NoError(suite.T(), err)
	assert.Equal(suite.T(), int64(1), total)

	// Only the creation that actually inserted is audited.
	_, auditTotal, err := suite.audit.List(suite.ctx, repository.AuditLogFilter{Action: models.AuditPaymentRecordCreated})
	assert.NoError(suite.T(), err)
	assert.Equal(suite.T(), int64(1), auditTotal)
}

func (suite *PaymentServiceTestSuite) TestCreatePaymentRecordValidation() {
	vendorID := uuid.New()

	_, err := suite.service.CreatePaymentRecord(suite.ctx, nil, CreatePaymentRecordInput{
		Type: "subscription", Amount: 100, VendorID: vendorID,
	})
	assert.ErrorIs(suite.T(), err, ErrValidation)

	_, err = suite.service.CreatePaymentRecord(suite.ctx, nil, suite.depositInput(0, vendorID, ""))
	assert.ErrorIs(suite.T(), err, ErrValidation)

	_, err = suite.service.CreatePaymentRecord(suite.ctx, nil, suite.depositInput(100, uuid.Nil, ""))
	assert.ErrorIs(suite.T(), err, ErrValidation)
}

func (suite *PaymentServiceTestSuite) TestUpdatePaymentStatusTransitions() {
	record, err := suite.service.CreatePaymentRecord(suite.ctx, nil, suite.depositInput(1000, uuid.New(), "pi_1"))
	assert.NoError(suite.T(), err)

	err = suite.service.UpdatePaymentStatus(suite.ctx, nil, record.ID, models.PaymentStatusCompleted, nil)
	assert.NoError(suite.T(), err)

	// The same transition cannot apply twice.
	err = suite.service.UpdatePaymentStatus(suite.ctx, nil, record.ID, models.PaymentStatusCompleted, nil)
	assert.ErrorIs(suite.T(), err, ErrInvalidTransition)

	// A completed record cannot fail.
	err = suite.service.UpdatePaymentStatus(suite.ctx, nil, record.ID, models.PaymentStatusFailed, nil)
	assert.ErrorIs(suite.T(), err, ErrInvalidTransition)

	err = suite.service.UpdatePaymentStatus(suite.ctx, nil, record.ID, models.PaymentStatusRefunded, nil)
	assert.NoError(suite.T(), err)

	// Nothing re-enters pending, and there is no transition into it.
	err = suite.service.UpdatePaymentStatus(suite.ctx, nil, record.ID, models.PaymentStatusPending, nil)
	assert.ErrorIs(suite.T(), err, ErrValidation)
}

func (suite *PaymentServiceTestSuite) TestUpdatePaymentStatusNotFound() {
	err := suite.service.UpdatePaymentStatus(suite.ctx, nil, uuid.New(), models.PaymentStatusCompleted, nil)
	assert.ErrorIs(suite.T(), err, ErrNotFound)
}

func (suite *PaymentServiceTestSuite) TestUpdatePaymentStatusMergesMetadata() {
	record, err := suite.service.CreatePaymentRecord(suite.ctx, nil, CreatePaymentRecordInput{
		Type:     models.PaymentTypeDeposit,
		Amount:   500,
		VendorID: uuid.New(),
		Metadata: map[string]interface{}{"purchase_type": "pii_unlock_deposit"},
	})
	assert.NoError(suite.T(), err)

	err = suite.service.UpdatePaymentStatus(suite.ctx, nil, record.ID, models.PaymentStatusCompleted, map[string]interface{}{
		"settled_by": "webhook",
	})
	assert.NoError(suite.T(), err)

	updated, err := suite.service.GetPaymentRecord(suite.ctx, record.ID)
	assert.NoError(suite.T(), err)
	assert.Equal(suite.T(), "pii_unlock_deposit", updated.Metadata["purchase_type"])
	assert.Equal(suite.T(), "webhook", updated.Metadata["settled_by"])
}

func (suite *PaymentServiceTestSuite) TestVendorBalanceEmptyLedger() {
	balance, err := suite.service.GetVendorBalance(suite.ctx, uuid.New())
	assert.NoError(suite.T(), err)
	assert.Equal(suite.T(), int64(0), balance.TotalDeposited)
	assert.Equal(suite.T(), int64(0), balance.AvailableBalance)
	assert.Equal(suite.T(), int64(0), balance.PendingSettlements)
}

func (suite *PaymentServiceTestSuite) TestVendorBalanceAggregation() {
	vendorID := uuid.New()

	complete := func(in CreatePaymentRecordInput) *models.PaymentRecord {
		record, err := suite.service.CreatePaymentRecord(suite.ctx, nil, in)
		assert.NoError(suite.T(), err)
		assert.NoError(suite.T(), suite.service.UpdatePaymentStatus(suite.ctx, nil, record.ID, models.PaymentStatusCompleted, nil))
		return record
	}

	complete(suite.depositInput(1000, vendorID, "pi_1"))
	complete(CreatePaymentRecordInput{Type: models.PaymentTypeCommission, Amount: 250, VendorID: vendorID})
	complete(CreatePaymentRecordInput{Type: models.PaymentTypeRefund, Amount: 400, VendorID: vendorID})

	// A pending commission counts as a pending settlement only.
	_, err := suite.service.CreatePaymentRecord(suite.ctx, nil, CreatePaymentRecordInput{
		Type: models.PaymentTypeCommission, Amount: 100, VendorID: vendorID,
	})
	assert.NoError(suite.T(), err)

	balance, err := suite.service.GetVendorBalance(suite.ctx, vendorID)
	assert.NoError(suite.T(), err)
	assert.Equal(suite.T(), int64(1000), balance.TotalDeposited)
	assert.Equal(suite.T(), int64(250), balance.TotalEarned)
	assert.Equal(suite.T(), int64(400), balance.TotalRefunded)
	assert.Equal(suite.T(), int64(600), balance.AvailableBalance)
	assert.Equal(suite.T(), int64(100), balance.PendingSettlements)
}

func (suite *PaymentServiceTestSuite) TestVendorBalanceAfterDepositRefunded() {
	vendorID := uuid.New()

	record, err := suite.service.CreatePaymentRecord(suite.ctx, nil, suite.depositInput(1000, vendorID, "pi_1"))
	assert.NoError(suite.T(), err)
	assert.NoError(suite.T(), suite.service.UpdatePaymentStatus(suite.ctx, nil, record.ID, models.PaymentStatusCompleted, nil))

	// A partial refund flips the deposit to refunded and adds a refund row.
	assert.NoError(suite.T(), suite.service.UpdatePaymentStatus(suite.ctx, nil, record.ID, models.PaymentStatusRefunded, nil))
	refundRow, err := suite.service.CreatePaymentRecord(suite.ctx, nil, CreatePaymentRecordInput{
		Type: models.PaymentTypeRefund, Amount: 400, VendorID: vendorID,
	})
	assert.NoError(suite.T(), err)
	assert.NoError(suite.T(), suite.service.UpdatePaymentStatus(suite.ctx, nil, refundRow.ID, models.PaymentStatusCompleted, nil))

	// The refunded deposit still counts as deposited; only the refund row
	// subtracts.
	balance, err := suite.service.GetVendorBalance(suite.ctx, vendorID)
	assert.NoError(suite.T(), err)
	assert.Equal(suite.T(), int64(1000), balance.TotalDeposited)
	assert.Equal(suite.T(), int64(400), balance.TotalRefunded)
	assert.Equal(suite.T(), int64(600), balance.AvailableBalance)
}

func TestPaymentServiceSuite(t *testing.T) {
	suite.Run(t, new(PaymentServiceTestSuite))
}
