// internal/handlers/admin.go
package handlers

import (
	"time"

	"github.com/gin-gonic/gin"

	"github.com/needlink/escrow-backend/internal/repository"
	"github.com/needlink/escrow-backend/internal/services"
	"github.com/needlink/escrow-backend/internal/utils"
)

type AdminHandler struct {
	auditRepo      repository.AuditLogRepository
	archiveService *services.ArchiveService
}

func NewAdminHandler(auditRepo repository.AuditLogRepository, archiveService *services.ArchiveService) *AdminHandler {
	return &AdminHandler{
		auditRepo:      auditRepo,
		archiveService: archiveService,
	}
}

// GET /admin/audit-logs
func (h *AdminHandler) ListAuditLogs(c *gin.Context) {
	params := utils.GetPaginationParams(c)

	filter := repository.AuditLogFilter{
		Action:       c.Query("action"),
		ResourceType: c.Query("resource_type"),
		Page:         params.Page,
		Limit:        params.Limit,
	}

	var err error
	if filter.ActorID, err = parseOptionalUUID(queryPtr(c, "actor_id")); err != nil {
		utils.BadRequestResponse(c, "Invalid actor ID", nil)
		return
	}
	if filter.ResourceID, err = parseOptionalUUID(queryPtr(c, "resource_id")); err != nil {
		utils.BadRequestResponse(c, "Invalid resource ID", nil)
		return
	}
	if filter.From, err = parseOptionalTime(c.Query("from")); err != nil {
		utils.BadRequestResponse(c, "Invalid from timestamp", nil)
		return
	}
	if filter.To, err = parseOptionalTime(c.Query("to")); err != nil {
		utils.BadRequestResponse(c, "Invalid to timestamp", nil)
		return
	}

	entries, total, err := h.auditRepo.List(c.Request.Context(), filter)
	if err != nil {
		utils.InternalErrorResponse(c, err.Error())
		return
	}

	result := utils.CreatePaginationResult(entries, total, params)
	utils.PaginatedResponse(c, result)
}

type archiveAuditLogsRequest struct {
	From time.Time `json:"from" binding:"required"`
	To   time.Time `json:"to" binding:"required"`
}

// POST /admin/audit-logs/archive
func (h *AdminHandler) ArchiveAuditLogs(c *gin.Context) {
	actorID, ok := actorFromContext(c)
	if !ok {
		utils.UnauthorizedResponse(c, "")
		return
	}

	var req archiveAuditLogsRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		utils.BadRequestResponse(c, "", err.Error())
		return
	}

	result, err := h.archiveService.ArchiveAuditLogs(c.Request.Context(), actorID, req.From, req.To)
	if err != nil {
		respondServiceError(c, err)
		return
	}

	utils.SuccessResponse(c, result)
}

func parseOptionalTime(s string) (*time.Time, error) {
	if s == "" {
		return nil, nil
	}
	t, err := time.Parse(time.RFC3339, s)
	if err != nil {
		return nil, err
	}
	return &t, nil
}
