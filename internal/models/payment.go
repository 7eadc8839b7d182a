// internal/models/payment.go
package models

import (
	"time"

	"github.com/google/uuid"
)

// PaymentRecord is one ledger entry: money entering escrow (deposit), money
// earned by the platform (commission), or money leaving (refund). Records are
// never hard-deleted; refunds are a status change plus a new refund-typed row.
type PaymentRecord struct {
	BaseModel
	Type     PaymentType   `json:"type" gorm:"type:varchar(20);not null;index"`
	Status   PaymentStatus `json:"status" gorm:"type:varchar(20);default:'pending';index"`
	Amount   int64         `json:"amount" gorm:"not null"` // minor currency units
	Currency string        `json:"currency" gorm:"size:3;not null"`

	VendorID   uuid.UUID  `json:"vendor_id" gorm:"type:uuid;not null;index"`
	ProposalID *uuid.UUID `json:"proposal_id,omitempty" gorm:"type:uuid;index"`
	NeedID     *uuid.UUID `json:"need_id,omitempty" gorm:"type:uuid;index"`
	ClientID   *uuid.UUID `json:"client_id,omitempty" gorm:"type:uuid;index"`

	// Correlation ids from the payment processor. Unique when present so
	// duplicate webhook deliveries cannot insert a second row.
	PaymentIntentID   *string `json:"payment_intent_id,omitempty" gorm:"size:255;uniqueIndex"`
	CheckoutSessionID *string `json:"checkout_session_id,omitempty" gorm:"size:255;uniqueIndex"`

	// For refund-typed records: the originating request. Unique so the
	// refund ledger row is created at most once per request.
	RefundRequestID *uuid.UUID `json:"refund_request_id,omitempty" gorm:"type:uuid;uniqueIndex"`

	Metadata JSONB `json:"metadata,omitempty" gorm:"type:jsonb"`
}

// RefundRequest is a ledger-side intent to return a deposit. It is created
// without touching the processor and moves money only through an explicit
// admin approval. pending is the only non-terminal status.
type RefundRequest struct {
	BaseModel
	PaymentRecordID uuid.UUID    `json:"payment_record_id" gorm:"type:uuid;not null;index"`
	RequestedBy     uuid.UUID    `json:"requested_by" gorm:"type:uuid;not null;index"`
	Reason          RefundReason `json:"reason" gorm:"type:varchar(30);not null"`
	Amount          int64        `json:"amount" gorm:"not null"`
	Notes           string       `json:"notes,omitempty" gorm:"type:text"`
	Status          RefundStatus `json:"status" gorm:"type:varchar(20);default:'pending';index"`

	ApprovedBy      *uuid.UUID `json:"approved_by,omitempty" gorm:"type:uuid"`
	ApprovedAt      *time.Time `json:"approved_at,omitempty"`
	RejectionReason string     `json:"rejection_reason,omitempty" gorm:"type:text"`

	ExternalRefundID *string    `json:"external_refund_id,omitempty" gorm:"size:255;uniqueIndex"`
	ProcessedAt      *time.Time `json:"processed_at,omitempty"`

	Metadata JSONB `json:"metadata,omitempty" gorm:"type:jsonb"`

	// Relationships
	PaymentRecord *PaymentRecord `json:"payment_record,omitempty" gorm:"foreignKey:PaymentRecordID"`
}

// VendorBalance is derived at read time by folding over a vendor's payment
// records. It is never persisted.
type VendorBalance struct {
	VendorID           uuid.UUID `json:"vendor_id"`
	Currency           string    `json:"currency"`
	TotalDeposited     int64     `json:"total_deposited"`
	TotalEarned        int64     `json:"total_earned"`
	TotalRefunded      int64     `json:"total_refunded"`
	AvailableBalance   int64     `json:"available_balance"`
	PendingSettlements int64     `json:"pending_settlements"`
}

// PiiAccessGrant unlocks a vendor's contact details for the client who paid
// the deposit on a proposal. At most one grant per payment record.
type PiiAccessGrant struct {
	BaseModel
	ProposalID      uuid.UUID `json:"proposal_id" gorm:"type:uuid;not null;index"`
	NeedID          uuid.UUID `json:"need_id" gorm:"type:uuid;not null;index"`
	VendorID        uuid.UUID `json:"vendor_id" gorm:"type:uuid;not null;index"`
	ClientID        uuid.UUID `json:"client_id" gorm:"type:uuid;not null;index"`
	PaymentRecordID uuid.UUID `json:"payment_record_id" gorm:"type:uuid;not null;uniqueIndex"`
	AccessCode      string    `json:"access_code" gorm:"size:32;uniqueIndex"`
}

// WebhookEvent journals every inbound processor event. The unique
// (provider, event_id) pair is the dedup primitive: a redelivered event that
// was already processed is acknowledged without reapplying anything.
type WebhookEvent struct {
	BaseModel
	Provider     string     `json:"provider" gorm:"size:32;not null;uniqueIndex:ux_webhook_events_provider_event,priority:1"`
	EventID      string     `json:"event_id" gorm:"size:255;not null;uniqueIndex:ux_webhook_events_provider_event,priority:2"`
	EventType    string     `json:"event_type" gorm:"size:64;not null;index"`
	Payload      JSONB      `json:"payload,omitempty" gorm:"type:jsonb"`
	ProcessedAt  *time.Time `json:"processed_at,omitempty"`
	ProcessError string     `json:"process_error,omitempty" gorm:"size:255"`
}
