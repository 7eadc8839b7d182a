// internal/handlers/webhook.go
package handlers

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/sirupsen/logrus"

	"github.com/needlink/escrow-backend/internal/services"
	"github.com/needlink/escrow-backend/internal/utils"
)

type WebhookHandler struct {
	webhookService *services.WebhookService
}

func NewWebhookHandler(webhookService *services.WebhookService) *WebhookHandler {
	return &WebhookHandler{
		webhookService: webhookService,
	}
}

// POST /webhooks/stripe
//
// A 4xx tells Stripe the delivery is permanently bad; a 5xx makes it retry
// with backoff, which is what we want when applying the event failed.
func (h *WebhookHandler) HandleStripeWebhook(c *gin.Context) {
	payload, err := c.GetRawData()
	if err != nil {
		utils.BadRequestResponse(c, "Failed to read request body", nil)
		return
	}

	signature := c.GetHeader("Stripe-Signature")

	if err := h.webhookService.HandleWebhook(c.Request.Context(), payload, signature); err != nil {
		if errors.Is(err, services.ErrSignatureVerification) {
			utils.BadRequestResponse(c, "Invalid webhook signature", nil)
			return
		}

		logrus.WithError(err).Error("Webhook processing failed")
		utils.InternalErrorResponse(c, "Webhook processing failed")
		return
	}

	c.JSON(http.StatusOK, gin.H{"received": true})
}
