// internal/repository/memory.go
//
// In-memory implementations of the repository interfaces. They mirror the
// conditional-update semantics of the Postgres implementations and back the
// service-level tests.
package repository

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/needlink/escrow-backend/internal/models"
)

type MemoryPaymentRecordRepository struct {
	mtx     sync.Mutex
	records map[uuid.UUID]*models.PaymentRecord
}

func NewMemoryPaymentRecordRepository() *MemoryPaymentRecordRepository {
	return &MemoryPaymentRecordRepository{records: make(map[uuid.UUID]*models.PaymentRecord)}
}

func (r *MemoryPaymentRecordRepository) Create(ctx context.Context, record *models.PaymentRecord) error {
	r.mtx.Lock()
	defer r.mtx.Unlock()

	for _, existing := range r.records {
		if stringPtrEqual(existing.PaymentIntentID, record.PaymentIntentID) ||
			stringPtrEqual(existing.CheckoutSessionID, record.CheckoutSessionID) ||
			uuidPtrEqual(existing.RefundRequestID, record.RefundRequestID) {
			return ErrDuplicateKey
		}
	}

	if record.ID == uuid.Nil {
		record.ID = uuid.New()
	}
	now := time.Now()
	record.CreatedAt = now
	record.UpdatedAt = now

	clone := *record
	r.records[record.ID] = &clone
	return nil
}

func (r *MemoryPaymentRecordRepository) GetByID(ctx context.Context, id uuid.UUID) (*models.PaymentRecord, error) {
	r.mtx.Lock()
	defer r.mtx.Unlock()

	record, ok := r.records[id]
	if !ok {
		return nil, nil
	}
	clone := *record
	return &clone, nil
}

func (r *MemoryPaymentRecordRepository) GetByPaymentIntentID(ctx context.Context, intentID string) (*models.PaymentRecord, error) {
	return r.find(func(rec *models.PaymentRecord) bool {
		return rec.PaymentIntentID != nil && *rec.PaymentIntentID == intentID && intentID != ""
	})
}

func (r *MemoryPaymentRecordRepository) GetByCheckoutSessionID(ctx context.Context, sessionID string) (*models.PaymentRecord, error) {
	return r.find(func(rec *models.PaymentRecord) bool {
		return rec.CheckoutSessionID != nil && *rec.CheckoutSessionID == sessionID && sessionID != ""
	})
}

func (r *MemoryPaymentRecordRepository) GetByRefundRequestID(ctx context.Context, requestID uuid.UUID) (*models.PaymentRecord, error) {
	return r.find(func(rec *models.PaymentRecord) bool {
		return rec.RefundRequestID != nil && *rec.RefundRequestID == requestID
	})
}

func (r *MemoryPaymentRecordRepository) find(match func(*models.PaymentRecord) bool) (*models.PaymentRecord, error) {
	r.mtx.Lock()
	defer r.mtx.Unlock()

	for _, record := range r.records {
		if match(record) {
			clone := *record
			return &clone, nil
		}
	}
	return nil, nil
}

func (r *MemoryPaymentRecordRepository) UpdateStatusIf(ctx context.Context, id uuid.UUID, expected, next models.PaymentStatus, metadataPatch map[string]interface{}) (bool, error) {
	r.mtx.Lock()
	defer r.mtx.Unlock()

	record, ok := r.records[id]
	if !ok || record.Status != expected {
		return false, nil
	}
	record.Status = next
	record.Metadata = record.Metadata.Merge(metadataPatch)
	record.UpdatedAt = time.Now()
	return true, nil
}

func (r *MemoryPaymentRecordRepository) SumByVendor(ctx context.Context, vendorID uuid.UUID, paymentType models.PaymentType, status models.PaymentStatus) (int64, error) {
	r.mtx.Lock()
	defer r.mtx.Unlock()

	var total int64
	for _, record := range r.records {
		if record.VendorID == vendorID && record.Type == paymentType && record.Status == status {
			total += record.Amount
		}
	}
	return total, nil
}

func (r *MemoryPaymentRecordRepository) List(ctx context.Context, filter PaymentRecordFilter) ([]models.PaymentRecord, int64, error) {
	r.mtx.Lock()
	defer r.mtx.Unlock()

	var records []models.PaymentRecord
	for _, record := range r.records {
		if filter.VendorID != nil && record.VendorID != *filter.VendorID {
			continue
		}
		if filter.ClientID != nil && !uuidPtrEqual(record.ClientID, filter.ClientID) {
			continue
		}
		if filter.ProposalID != nil && !uuidPtrEqual(record.ProposalID, filter.ProposalID) {
			continue
		}
		if filter.Type != "" && record.Type != filter.Type {
			continue
		}
		if filter.Status != "" && record.Status != filter.Status {
			continue
		}
		records = append(records, *record)
	}
	sort.Slice(records, func(i, j int) bool {
		return records[i].CreatedAt.After(records[j].CreatedAt)
	})
	return records, int64(len(records)), nil
}

type MemoryRefundRequestRepository struct {
	mtx      sync.Mutex
	requests map[uuid.UUID]*models.RefundRequest
}

func NewMemoryRefundRequestRepository() *MemoryRefundRequestRepository {
	return &MemoryRefundRequestRepository{requests: make(map[uuid.UUID]*models.RefundRequest)}
}

func (r *MemoryRefundRequestRepository) Create(ctx context.Context, request *models.RefundRequest) error {
	r.mtx.Lock()
	defer r.mtx.Unlock()

	if request.ID == uuid.Nil {
		request.ID = uuid.New()
	}
	now := time.Now()
	request.CreatedAt = now
	request.UpdatedAt = now

	clone := *request
	r.requests[request.ID] = &clone
	return nil
}

func (r *MemoryRefundRequestRepository) GetByID(ctx context.Context, id uuid.UUID) (*models.RefundRequest, error) {
	r.mtx.Lock()
	defer r.mtx.Unlock()

	request, ok := r.requests[id]
	if !ok {
		return nil, nil
	}
	clone := *request
	return &clone, nil
}

func (r *MemoryRefundRequestRepository) GetByExternalRefundID(ctx context.Context, externalRefundID string) (*models.RefundRequest, error) {
	r.mtx.Lock()
	defer r.mtx.Unlock()

	if externalRefundID == "" {
		return nil, nil
	}
	for _, request := range r.requests {
		if request.ExternalRefundID != nil && *request.ExternalRefundID == externalRefundID {
			clone := *request
			return &clone, nil
		}
	}
	return nil, nil
}

func (r *MemoryRefundRequestRepository) Claim(ctx context.Context, id, approvedBy uuid.UUID, at time.Time) (bool, error) {
	r.mtx.Lock()
	defer r.mtx.Unlock()

	request, ok := r.requests[id]
	if !ok || request.Status != models.RefundStatusPending || request.ApprovedBy != nil {
		return false, nil
	}
	approver := approvedBy
	stamped := at
	request.ApprovedBy = &approver
	request.ApprovedAt = &stamped
	request.UpdatedAt = time.Now()
	return true, nil
}

func (r *MemoryRefundRequestRepository) Complete(ctx context.Context, id uuid.UUID, externalRefundID string, at time.Time) (bool, error) {
	r.mtx.Lock()
	defer r.mtx.Unlock()

	request, ok := r.requests[id]
	if !ok || request.Status != models.RefundStatusPending {
		return false, nil
	}
	ref := externalRefundID
	processed := at
	request.Status = models.RefundStatusCompleted
	request.ExternalRefundID = &ref
	request.ProcessedAt = &processed
	request.UpdatedAt = time.Now()
	return true, nil
}

func (r *MemoryRefundRequestRepository) Fail(ctx context.Context, id uuid.UUID, metadataPatch map[string]interface{}) (bool, error) {
	r.mtx.Lock()
	defer r.mtx.Unlock()

	request, ok := r.requests[id]
	if !ok || request.Status != models.RefundStatusPending {
		return false, nil
	}
	request.Status = models.RefundStatusFailed
	request.Metadata = request.Metadata.Merge(metadataPatch)
	request.UpdatedAt = time.Now()
	return true, nil
}

func (r *MemoryRefundRequestRepository) Reject(ctx context.Context, id, rejectedBy uuid.UUID, reason string, at time.Time) (bool, error) {
	r.mtx.Lock()
	defer r.mtx.Unlock()

	request, ok := r.requests[id]
	if !ok || request.Status != models.RefundStatusPending || request.ApprovedBy != nil {
		return false, nil
	}
	rejecter := rejectedBy
	stamped := at
	request.Status = models.RefundStatusRejected
	request.ApprovedBy = &rejecter
	request.ApprovedAt = &stamped
	request.RejectionReason = reason
	request.UpdatedAt = time.Now()
	return true, nil
}

func (r *MemoryRefundRequestRepository) RejectAbandoned(ctx context.Context, id, rejectedBy uuid.UUID, reason string, claimedBefore, at time.Time) (bool, error) {
	r.mtx.Lock()
	defer r.mtx.Unlock()

	request, ok := r.requests[id]
	if !ok || request.Status != models.RefundStatusPending {
		return false, nil
	}
	if request.ApprovedBy == nil || request.ApprovedAt == nil || request.ApprovedAt.After(claimedBefore) {
		return false, nil
	}
	rejecter := rejectedBy
	stamped := at
	request.Status = models.RefundStatusRejected
	request.ApprovedBy = &rejecter
	request.ApprovedAt = &stamped
	request.RejectionReason = reason
	request.UpdatedAt = time.Now()
	return true, nil
}

func (r *MemoryRefundRequestRepository) List(ctx context.Context, filter RefundRequestFilter) ([]models.RefundRequest, int64, error) {
	r.mtx.Lock()
	defer r.mtx.Unlock()

	var requests []models.RefundRequest
	for _, request := range r.requests {
		if filter.PaymentRecordID != nil && request.PaymentRecordID != *filter.PaymentRecordID {
			continue
		}
		if filter.RequestedBy != nil && request.RequestedBy != *filter.RequestedBy {
			continue
		}
		if filter.Status != "" && request.Status != filter.Status {
			continue
		}
		requests = append(requests, *request)
	}
	sort.Slice(requests, func(i, j int) bool {
		return requests[i].CreatedAt.After(requests[j].CreatedAt)
	})
	return requests, int64(len(requests)), nil
}

type MemoryAuditLogRepository struct {
	mtx     sync.Mutex
	entries []models.AuditLog
}

func NewMemoryAuditLogRepository() *MemoryAuditLogRepository {
	return &MemoryAuditLogRepository{}
}

func (r *MemoryAuditLogRepository) Append(ctx context.Context, entry *models.AuditLog) error {
	r.mtx.Lock()
	defer r.mtx.Unlock()

	if entry.ID == uuid.Nil {
		entry.ID = uuid.New()
	}
	entry.CreatedAt = time.Now()
	r.entries = append(r.entries, *entry)
	return nil
}

func (r *MemoryAuditLogRepository) ListRange(ctx context.Context, from, to time.Time) ([]models.AuditLog, error) {
	r.mtx.Lock()
	defer r.mtx.Unlock()

	var entries []models.AuditLog
	for _, entry := range r.entries {
		if entry.CreatedAt.Before(from) || entry.CreatedAt.After(to) {
			continue
		}
		entries = append(entries, entry)
	}
	return entries, nil
}

func (r *MemoryAuditLogRepository) List(ctx context.Context, filter AuditLogFilter) ([]models.AuditLog, int64, error) {
	r.mtx.Lock()
	defer r.mtx.Unlock()

	var entries []models.AuditLog
	for _, entry := range r.entries {
		if filter.Action != "" && entry.Action != filter.Action {
			continue
		}
		if filter.ResourceType != "" && entry.ResourceType != filter.ResourceType {
			continue
		}
		if filter.ResourceID != nil && !uuidPtrEqual(entry.ResourceID, filter.ResourceID) {
			continue
		}
		if filter.ActorID != nil && !uuidPtrEqual(entry.ActorID, filter.ActorID) {
			continue
		}
		entries = append(entries, entry)
	}
	return entries, int64(len(entries)), nil
}

type MemoryAccessGrantRepository struct {
	mtx    sync.Mutex
	grants map[uuid.UUID]*models.PiiAccessGrant // keyed by payment record id
}

func NewMemoryAccessGrantRepository() *MemoryAccessGrantRepository {
	return &MemoryAccessGrantRepository{grants: make(map[uuid.UUID]*models.PiiAccessGrant)}
}

func (r *MemoryAccessGrantRepository) Create(ctx context.Context, grant *models.PiiAccessGrant) error {
	r.mtx.Lock()
	defer r.mtx.Unlock()

	if _, exists := r.grants[grant.PaymentRecordID]; exists {
		return ErrDuplicateKey
	}
	if grant.ID == uuid.Nil {
		grant.ID = uuid.New()
	}
	grant.CreatedAt = time.Now()
	clone := *grant
	r.grants[grant.PaymentRecordID] = &clone
	return nil
}

func (r *MemoryAccessGrantRepository) GetByPaymentRecordID(ctx context.Context, paymentRecordID uuid.UUID) (*models.PiiAccessGrant, error) {
	r.mtx.Lock()
	defer r.mtx.Unlock()

	grant, ok := r.grants[paymentRecordID]
	if !ok {
		return nil, nil
	}
	clone := *grant
	return &clone, nil
}

type MemoryWebhookEventRepository struct {
	mtx    sync.Mutex
	events map[string]*models.WebhookEvent // keyed by provider + event id
	byID   map[uuid.UUID]*models.WebhookEvent
}

func NewMemoryWebhookEventRepository() *MemoryWebhookEventRepository {
	return &MemoryWebhookEventRepository{
		events: make(map[string]*models.WebhookEvent),
		byID:   make(map[uuid.UUID]*models.WebhookEvent),
	}
}

func (r *MemoryWebhookEventRepository) Insert(ctx context.Context, event *models.WebhookEvent) error {
	r.mtx.Lock()
	defer r.mtx.Unlock()

	key := event.Provider + "/" + event.EventID
	if _, exists := r.events[key]; exists {
		return ErrDuplicateKey
	}
	if event.ID == uuid.Nil {
		event.ID = uuid.New()
	}
	event.CreatedAt = time.Now()
	clone := *event
	r.events[key] = &clone
	r.byID[event.ID] = &clone
	return nil
}

func (r *MemoryWebhookEventRepository) GetByProviderEventID(ctx context.Context, provider, eventID string) (*models.WebhookEvent, error) {
	r.mtx.Lock()
	defer r.mtx.Unlock()

	event, ok := r.events[provider+"/"+eventID]
	if !ok {
		return nil, nil
	}
	clone := *event
	return &clone, nil
}

func (r *MemoryWebhookEventRepository) MarkProcessed(ctx context.Context, id uuid.UUID, at time.Time) error {
	r.mtx.Lock()
	defer r.mtx.Unlock()

	if event, ok := r.byID[id]; ok {
		processed := at
		event.ProcessedAt = &processed
		event.ProcessError = ""
	}
	return nil
}

func (r *MemoryWebhookEventRepository) MarkFailed(ctx context.Context, id uuid.UUID, processError string) error {
	r.mtx.Lock()
	defer r.mtx.Unlock()

	if event, ok := r.byID[id]; ok {
		event.ProcessError = processError
	}
	return nil
}

func stringPtrEqual(a, b *string) bool {
	return a != nil && b != nil && *a == *b
}

func uuidPtrEqual(a, b *uuid.UUID) bool {
	return a != nil && b != nil && *a == *b
}
