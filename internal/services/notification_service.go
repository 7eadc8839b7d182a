// internal/services/notification_service.go
package services

import (
	"context"

	"github.com/sirupsen/logrus"
	"gorm.io/gorm"

	"github.com/needlink/escrow-backend/internal/models"
)

// Notifier is told about refund decisions. Delivery (email, push) is an
// external collaborator; this core only records that a decision happened.
type Notifier interface {
	NotifyRefundDecision(ctx context.Context, request *models.RefundRequest, decision string)
}

type NotificationService struct {
	db *gorm.DB
}

func NewNotificationService(db *gorm.DB) *NotificationService {
	return &NotificationService{db: db}
}

func (s *NotificationService) NotifyRefundDecision(ctx context.Context, request *models.RefundRequest, decision string) {
	notification := &models.AdminNotification{
		Type:                "refund_decision",
		Title:               "Refund request " + decision,
		Message:             "Refund request " + request.ID.String() + " is now " + decision,
		Priority:            "medium",
		RelatedResourceType: "refund_request",
		RelatedResourceID:   &request.ID,
	}
	if err := s.db.WithContext(ctx).Create(notification).Error; err != nil {
		logrus.WithError(err).WithField("refund_request_id", request.ID).Error("Failed to create refund notification")
		return
	}

	logrus.WithFields(logrus.Fields{
		"refund_request_id": request.ID,
		"requested_by":      request.RequestedBy,
		"decision":          decision,
	}).Info("Refund decision recorded")
}
