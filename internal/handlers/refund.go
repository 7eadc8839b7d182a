// internal/handlers/refund.go
package handlers

import (
	"github.com/gin-gonic/gin"
	"github.com/google/uuid"

	"github.com/needlink/escrow-backend/internal/models"
	"github.com/needlink/escrow-backend/internal/repository"
	"github.com/needlink/escrow-backend/internal/services"
	"github.com/needlink/escrow-backend/internal/utils"
)

type RefundHandler struct {
	refundService *services.RefundService
}

func NewRefundHandler(refundService *services.RefundService) *RefundHandler {
	return &RefundHandler{
		refundService: refundService,
	}
}

type createRefundRequestRequest struct {
	PaymentRecordID string `json:"payment_record_id" binding:"required,uuid"`
	Reason          string `json:"reason" binding:"required"`
	Amount          int64  `json:"amount" binding:"required,gt=0"`
	Notes           string `json:"notes"`
}

// POST /refunds
func (h *RefundHandler) CreateRefundRequest(c *gin.Context) {
	actorID, ok := actorFromContext(c)
	if !ok {
		utils.UnauthorizedResponse(c, "")
		return
	}

	var req createRefundRequestRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		utils.BadRequestResponse(c, "", err.Error())
		return
	}

	paymentRecordID, err := uuid.Parse(req.PaymentRecordID)
	if err != nil {
		utils.BadRequestResponse(c, "Invalid payment record ID", nil)
		return
	}

	request, err := h.refundService.CreateRefundRequest(c.Request.Context(), services.CreateRefundRequestInput{
		PaymentRecordID: paymentRecordID,
		RequestedBy:     *actorID,
		Reason:          models.RefundReason(req.Reason),
		Amount:          req.Amount,
		Notes:           req.Notes,
	})
	if err != nil {
		respondServiceError(c, err)
		return
	}

	utils.CreatedResponse(c, request)
}

type approveRefundRequest struct {
	Notes string `json:"notes"`
}

// POST /admin/refunds/:id/approve
func (h *RefundHandler) ApproveRefund(c *gin.Context) {
	actorID, ok := actorFromContext(c)
	if !ok {
		utils.UnauthorizedResponse(c, "")
		return
	}

	requestID, err := uuid.Parse(c.Param("id"))
	if err != nil {
		utils.BadRequestResponse(c, "Invalid refund request ID", nil)
		return
	}

	// The body is optional; approval works without notes.
	var req approveRefundRequest
	if c.Request.ContentLength > 0 {
		if err := c.ShouldBindJSON(&req); err != nil {
			utils.BadRequestResponse(c, "", err.Error())
			return
		}
	}

	result, err := h.refundService.ApproveAndProcessRefund(c.Request.Context(), requestID, *actorID, req.Notes)
	if err != nil {
		respondServiceError(c, err)
		return
	}

	utils.SuccessResponse(c, result)
}

type rejectRefundRequest struct {
	Reason string `json:"reason" binding:"required"`
}

// POST /admin/refunds/:id/reject
func (h *RefundHandler) RejectRefund(c *gin.Context) {
	actorID, ok := actorFromContext(c)
	if !ok {
		utils.UnauthorizedResponse(c, "")
		return
	}

	requestID, err := uuid.Parse(c.Param("id"))
	if err != nil {
		utils.BadRequestResponse(c, "Invalid refund request ID", nil)
		return
	}

	var req rejectRefundRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		utils.BadRequestResponse(c, "", err.Error())
		return
	}

	if err := h.refundService.RejectRefundRequest(c.Request.Context(), requestID, *actorID, req.Reason); err != nil {
		respondServiceError(c, err)
		return
	}

	utils.SuccessResponse(c, gin.H{
		"id":     requestID,
		"status": models.RefundStatusRejected,
	})
}

// POST /admin/refunds/:id/reject-abandoned
//
// Terminates a request whose approver claimed it and then died before the
// gateway call. Plain rejection refuses claimed requests, so stuck claims
// need this explicit path.
func (h *RefundHandler) RejectAbandonedRefund(c *gin.Context) {
	actorID, ok := actorFromContext(c)
	if !ok {
		utils.UnauthorizedResponse(c, "")
		return
	}

	requestID, err := uuid.Parse(c.Param("id"))
	if err != nil {
		utils.BadRequestResponse(c, "Invalid refund request ID", nil)
		return
	}

	var req rejectRefundRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		utils.BadRequestResponse(c, "", err.Error())
		return
	}

	if err := h.refundService.RejectAbandonedRequest(c.Request.Context(), requestID, *actorID, req.Reason); err != nil {
		respondServiceError(c, err)
		return
	}

	utils.SuccessResponse(c, gin.H{
		"id":     requestID,
		"status": models.RefundStatusRejected,
	})
}

// GET /refunds/:id
func (h *RefundHandler) GetRefundRequest(c *gin.Context) {
	requestID, err := uuid.Parse(c.Param("id"))
	if err != nil {
		utils.BadRequestResponse(c, "Invalid refund request ID", nil)
		return
	}

	request, err := h.refundService.GetRefundRequest(c.Request.Context(), requestID)
	if err != nil {
		respondServiceError(c, err)
		return
	}

	utils.SuccessResponse(c, request)
}

// GET /refunds
func (h *RefundHandler) ListRefundRequests(c *gin.Context) {
	params := utils.GetPaginationParams(c)

	filter := repository.RefundRequestFilter{
		Status: models.RefundStatus(c.Query("status")),
		Page:   params.Page,
		Limit:  params.Limit,
	}

	var err error
	if filter.PaymentRecordID, err = parseOptionalUUID(queryPtr(c, "payment_record_id")); err != nil {
		utils.BadRequestResponse(c, "Invalid payment record ID", nil)
		return
	}
	if filter.RequestedBy, err = parseOptionalUUID(queryPtr(c, "requested_by")); err != nil {
		utils.BadRequestResponse(c, "Invalid requester ID", nil)
		return
	}

	requests, total, err := h.refundService.ListRefundRequests(c.Request.Context(), filter)
	if err != nil {
		utils.InternalErrorResponse(c, err.Error())
		return
	}

	result := utils.CreatePaginationResult(requests, total, params)
	utils.PaginatedResponse(c, result)
}
