// internal/handlers/payment.go
package handlers

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"

	"github.com/needlink/escrow-backend/internal/models"
	"github.com/needlink/escrow-backend/internal/repository"
	"github.com/needlink/escrow-backend/internal/services"
	"github.com/needlink/escrow-backend/internal/utils"
)

type PaymentHandler struct {
	paymentService *services.PaymentService
	grants         repository.AccessGrantRepository
}

func NewPaymentHandler(paymentService *services.PaymentService, grants repository.AccessGrantRepository) *PaymentHandler {
	return &PaymentHandler{
		paymentService: paymentService,
		grants:         grants,
	}
}

type createPaymentRecordRequest struct {
	Type              string                 `json:"type" binding:"required"`
	Amount            int64                  `json:"amount" binding:"required,gt=0"`
	Currency          string                 `json:"currency" validate:"omitempty,currency_code"`
	VendorID          string                 `json:"vendor_id" binding:"required,uuid"`
	ProposalID        *string                `json:"proposal_id" binding:"omitempty,uuid"`
	NeedID            *string                `json:"need_id" binding:"omitempty,uuid"`
	ClientID          *string                `json:"client_id" binding:"omitempty,uuid"`
	PaymentIntentID   *string                `json:"payment_intent_id"`
	CheckoutSessionID *string                `json:"checkout_session_id"`
	Metadata          map[string]interface{} `json:"metadata"`
}

// POST /payments
func (h *PaymentHandler) CreatePaymentRecord(c *gin.Context) {
	actorID, ok := actorFromContext(c)
	if !ok {
		utils.UnauthorizedResponse(c, "")
		return
	}

	var req createPaymentRecordRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		utils.BadRequestResponse(c, "", err.Error())
		return
	}

	if validationErrors := utils.GetValidationErrors(utils.ValidateStruct(&req)); len(validationErrors) > 0 {
		utils.ValidationErrorResponse(c, validationErrors)
		return
	}

	vendorID, err := uuid.Parse(req.VendorID)
	if err != nil {
		utils.BadRequestResponse(c, "Invalid vendor ID", nil)
		return
	}

	in := services.CreatePaymentRecordInput{
		Type:              models.PaymentType(req.Type),
		Amount:            req.Amount,
		Currency:          req.Currency,
		VendorID:          vendorID,
		PaymentIntentID:   req.PaymentIntentID,
		CheckoutSessionID: req.CheckoutSessionID,
		Metadata:          req.Metadata,
	}
	if in.ProposalID, err = parseOptionalUUID(req.ProposalID); err != nil {
		utils.BadRequestResponse(c, "Invalid proposal ID", nil)
		return
	}
	if in.NeedID, err = parseOptionalUUID(req.NeedID); err != nil {
		utils.BadRequestResponse(c, "Invalid need ID", nil)
		return
	}
	if in.ClientID, err = parseOptionalUUID(req.ClientID); err != nil {
		utils.BadRequestResponse(c, "Invalid client ID", nil)
		return
	}

	record, err := h.paymentService.CreatePaymentRecord(c.Request.Context(), actorID, in)
	if err != nil {
		respondServiceError(c, err)
		return
	}

	utils.CreatedResponse(c, record)
}

type updatePaymentStatusRequest struct {
	Status   string                 `json:"status" binding:"required"`
	Metadata map[string]interface{} `json:"metadata"`
}

// PATCH /payments/:id/status
func (h *PaymentHandler) UpdatePaymentStatus(c *gin.Context) {
	actorID, ok := actorFromContext(c)
	if !ok {
		utils.UnauthorizedResponse(c, "")
		return
	}

	recordID, err := uuid.Parse(c.Param("id"))
	if err != nil {
		utils.BadRequestResponse(c, "Invalid payment record ID", nil)
		return
	}

	var req updatePaymentStatusRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		utils.BadRequestResponse(c, "", err.Error())
		return
	}

	next := models.PaymentStatus(req.Status)
	if !next.Valid() {
		utils.BadRequestResponse(c, "Unknown payment status", nil)
		return
	}

	if err := h.paymentService.UpdatePaymentStatus(c.Request.Context(), actorID, recordID, next, req.Metadata); err != nil {
		respondServiceError(c, err)
		return
	}

	utils.SuccessResponse(c, gin.H{"id": recordID, "status": next})
}

// GET /payments/:id
func (h *PaymentHandler) GetPaymentRecord(c *gin.Context) {
	recordID, err := uuid.Parse(c.Param("id"))
	if err != nil {
		utils.BadRequestResponse(c, "Invalid payment record ID", nil)
		return
	}

	record, err := h.paymentService.GetPaymentRecord(c.Request.Context(), recordID)
	if err != nil {
		respondServiceError(c, err)
		return
	}

	utils.SuccessResponse(c, record)
}

// GET /payments
func (h *PaymentHandler) ListPaymentRecords(c *gin.Context) {
	params := utils.GetPaginationParams(c)

	filter := repository.PaymentRecordFilter{
		Type:   models.PaymentType(c.Query("type")),
		Status: models.PaymentStatus(c.Query("status")),
		Page:   params.Page,
		Limit:  params.Limit,
	}

	var err error
	if filter.VendorID, err = parseOptionalUUID(queryPtr(c, "vendor_id")); err != nil {
		utils.BadRequestResponse(c, "Invalid vendor ID", nil)
		return
	}
	if filter.ClientID, err = parseOptionalUUID(queryPtr(c, "client_id")); err != nil {
		utils.BadRequestResponse(c, "Invalid client ID", nil)
		return
	}
	if filter.ProposalID, err = parseOptionalUUID(queryPtr(c, "proposal_id")); err != nil {
		utils.BadRequestResponse(c, "Invalid proposal ID", nil)
		return
	}

	records, total, err := h.paymentService.ListPaymentRecords(c.Request.Context(), filter)
	if err != nil {
		utils.InternalErrorResponse(c, err.Error())
		return
	}

	result := utils.CreatePaginationResult(records, total, params)
	utils.PaginatedResponse(c, result)
}

// GET /vendors/:id/balance
func (h *PaymentHandler) GetVendorBalance(c *gin.Context) {
	vendorID, err := uuid.Parse(c.Param("id"))
	if err != nil {
		utils.BadRequestResponse(c, "Invalid vendor ID", nil)
		return
	}

	balance, err := h.paymentService.GetVendorBalance(c.Request.Context(), vendorID)
	if err != nil {
		utils.InternalErrorResponse(c, err.Error())
		return
	}

	utils.SuccessResponse(c, balance)
}

// GET /payments/:id/access-grant
func (h *PaymentHandler) GetAccessGrant(c *gin.Context) {
	recordID, err := uuid.Parse(c.Param("id"))
	if err != nil {
		utils.BadRequestResponse(c, "Invalid payment record ID", nil)
		return
	}

	grant, err := h.grants.GetByPaymentRecordID(c.Request.Context(), recordID)
	if err != nil {
		utils.InternalErrorResponse(c, err.Error())
		return
	}
	if grant == nil {
		utils.NotFoundResponse(c, "Access grant")
		return
	}

	utils.SuccessResponse(c, grant)
}

func actorFromContext(c *gin.Context) (*uuid.UUID, bool) {
	userIDStr, exists := utils.GetUserIDFromContext(c)
	if !exists {
		return nil, false
	}
	userID, err := uuid.Parse(userIDStr)
	if err != nil {
		return nil, false
	}
	return &userID, true
}

func parseOptionalUUID(s *string) (*uuid.UUID, error) {
	if s == nil || *s == "" {
		return nil, nil
	}
	id, err := uuid.Parse(*s)
	if err != nil {
		return nil, err
	}
	return &id, nil
}

func queryPtr(c *gin.Context, key string) *string {
	if value := c.Query(key); value != "" {
		return &value
	}
	return nil
}

// respondServiceError maps the service error taxonomy onto HTTP statuses.
func respondServiceError(c *gin.Context, err error) {
	switch {
	case errors.Is(err, services.ErrValidation):
		utils.BadRequestResponse(c, err.Error(), nil)
	case errors.Is(err, services.ErrNotFound):
		utils.NotFoundResponse(c, "Resource")
	case errors.Is(err, services.ErrInvalidTransition):
		utils.ConflictResponse(c, err.Error())
	case errors.Is(err, services.ErrExternalService):
		utils.ErrorResponse(c, http.StatusBadGateway, "EXTERNAL_SERVICE", err.Error(), nil)
	default:
		utils.InternalErrorResponse(c, err.Error())
	}
}
