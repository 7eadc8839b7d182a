// internal/models/common.go
package models

import (
	"database/sql/driver"
	"encoding/json"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"
)

// Base model with common fields
type BaseModel struct {
	ID        uuid.UUID      `json:"id" gorm:"type:uuid;primary_key;default:gen_random_uuid()"`
	CreatedAt time.Time      `json:"created_at"`
	UpdatedAt time.Time      `json:"updated_at"`
	DeletedAt gorm.DeletedAt `json:"deleted_at,omitempty" gorm:"index"`
}

// JSONB type for PostgreSQL
type JSONB map[string]interface{}

func (j JSONB) Value() (driver.Value, error) {
	if j == nil {
		return nil, nil
	}
	return json.Marshal(j)
}

func (j *JSONB) Scan(value interface{}) error {
	if value == nil {
		*j = nil
		return nil
	}

	bytes, ok := value.([]byte)
	if !ok {
		return nil
	}

	return json.Unmarshal(bytes, j)
}

// Merge returns a copy of j with every key from patch applied on top.
// Keys not present in patch are preserved.
func (j JSONB) Merge(patch map[string]interface{}) JSONB {
	if len(patch) == 0 {
		return j
	}
	merged := make(JSONB, len(j)+len(patch))
	for k, v := range j {
		merged[k] = v
	}
	for k, v := range patch {
		merged[k] = v
	}
	return merged
}

// Enums
type PaymentType string

const (
	PaymentTypeDeposit    PaymentType = "deposit"
	PaymentTypeCommission PaymentType = "commission"
	PaymentTypeRefund     PaymentType = "refund"
)

func (t PaymentType) Valid() bool {
	switch t {
	case PaymentTypeDeposit, PaymentTypeCommission, PaymentTypeRefund:
		return true
	}
	return false
}

type PaymentStatus string

const (
	PaymentStatusPending   PaymentStatus = "pending"
	PaymentStatusCompleted PaymentStatus = "completed"
	PaymentStatusFailed    PaymentStatus = "failed"
	PaymentStatusRefunded  PaymentStatus = "refunded"
)

func (s PaymentStatus) Valid() bool {
	switch s {
	case PaymentStatusPending, PaymentStatusCompleted, PaymentStatusFailed, PaymentStatusRefunded:
		return true
	}
	return false
}

// paymentTransitions is the status DAG: pending -> completed, pending -> failed,
// completed -> refunded. Nothing re-enters pending.
var paymentTransitions = map[PaymentStatus]PaymentStatus{
	PaymentStatusCompleted: PaymentStatusPending,
	PaymentStatusFailed:    PaymentStatusPending,
	PaymentStatusRefunded:  PaymentStatusCompleted,
}

// RequiredCurrentStatus returns the only status a record may be in for the
// given target status to be a legal transition.
func RequiredCurrentStatus(target PaymentStatus) (PaymentStatus, bool) {
	from, ok := paymentTransitions[target]
	return from, ok
}

type RefundStatus string

const (
	RefundStatusPending   RefundStatus = "pending"
	RefundStatusCompleted RefundStatus = "completed"
	RefundStatusRejected  RefundStatus = "rejected"
	RefundStatusFailed    RefundStatus = "failed"
)

// Terminal reports whether the refund request can no longer change state.
func (s RefundStatus) Terminal() bool {
	return s != RefundStatusPending
}

type RefundReason string

const (
	RefundReasonVendorUnresponsive RefundReason = "vendor_unresponsive"
	RefundReasonPiiInvalid         RefundReason = "pii_invalid"
	RefundReasonDealCancelled      RefundReason = "deal_cancelled"
	RefundReasonDuplicateCharge    RefundReason = "duplicate_charge"
	RefundReasonOther              RefundReason = "other"
)

func (r RefundReason) Valid() bool {
	switch r {
	case RefundReasonVendorUnresponsive, RefundReasonPiiInvalid,
		RefundReasonDealCancelled, RefundReasonDuplicateCharge, RefundReasonOther:
		return true
	}
	return false
}

// Audit actions written by the ledger core. Every balance-affecting mutation
// maps to exactly one of these.
const (
	AuditPaymentRecordCreated = "PAYMENT_RECORD_CREATED"
	AuditPaymentStatusUpdated = "PAYMENT_STATUS_UPDATED"
	AuditRefundRequested      = "REFUND_REQUESTED"
	AuditRefundProcessed      = "REFUND_PROCESSED"
	AuditRefundFailed         = "REFUND_FAILED"
	AuditRefundRejected       = "REFUND_REJECTED"
	AuditCheckoutCompleted    = "CHECKOUT_COMPLETED"
	AuditCheckoutExpired      = "CHECKOUT_EXPIRED"
	AuditDisputeCreated       = "DISPUTE_CREATED"
	AuditOrphanEvent          = "ORPHAN_EVENT"
	AuditLogArchived          = "AUDIT_LOG_ARCHIVED"
)
