// internal/router/router.go
package router

import (
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/sirupsen/logrus"
	"gorm.io/gorm"

	"github.com/needlink/escrow-backend/internal/config"
	"github.com/needlink/escrow-backend/internal/handlers"
	"github.com/needlink/escrow-backend/internal/middleware"
	"github.com/needlink/escrow-backend/internal/repository"
	"github.com/needlink/escrow-backend/internal/services"
	"github.com/needlink/escrow-backend/internal/utils"
)

func Initialize(db *gorm.DB, cfg *config.Config) *gin.Engine {
	// Initialize repositories
	recordRepo := repository.NewPaymentRecordRepository(db)
	requestRepo := repository.NewRefundRequestRepository(db)
	auditRepo := repository.NewAuditLogRepository(db)
	grantRepo := repository.NewAccessGrantRepository(db)
	eventRepo := repository.NewWebhookEventRepository(db)

	// Initialize services
	notificationService := services.NewNotificationService(db)
	paymentService := services.NewPaymentService(recordRepo, auditRepo, cfg)
	refundGateway := services.NewStripeRefundGateway(cfg)
	refundService := services.NewRefundService(requestRepo, recordRepo, auditRepo, refundGateway, paymentService, notificationService)
	verifier := services.NewStripeSignatureVerifier(cfg)
	webhookService := services.NewWebhookService(verifier, eventRepo, grantRepo, recordRepo, auditRepo, paymentService, refundService)
	archiveService, err := services.NewArchiveService(auditRepo, cfg)
	if err != nil {
		logrus.WithError(err).Fatal("Failed to initialize audit archive service")
	}

	// Initialize handlers
	paymentHandler := handlers.NewPaymentHandler(paymentService, grantRepo)
	refundHandler := handlers.NewRefundHandler(refundService)
	webhookHandler := handlers.NewWebhookHandler(webhookService)
	adminHandler := handlers.NewAdminHandler(auditRepo, archiveService)

	// Set JWT secret
	utils.SetJWTSecret(cfg.JWT.SecretKey)

	// Initialize Gin router
	r := gin.New()

	// Global middleware
	r.Use(gin.Recovery())
	r.Use(middleware.RequestLogger())
	r.Use(middleware.CORS())
	r.Use(middleware.GeneralRateLimit())

	// Health check
	r.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{
			"status":  "healthy",
			"version": "1.0.0",
		})
	})

	// Webhook routes. The processor signs the raw body, so no auth middleware
	// runs here.
	webhooks := r.Group("/webhooks")
	webhooks.Use(middleware.WebhookRateLimit())
	{
		webhooks.POST("/stripe", webhookHandler.HandleStripeWebhook)
	}

	// API v1 routes
	v1 := r.Group("/v1")
	{
		// Payment routes
		payments := v1.Group("/payments")
		payments.Use(middleware.AuthRequired())
		{
			payments.POST("", paymentHandler.CreatePaymentRecord)
			payments.GET("", paymentHandler.ListPaymentRecords)
			payments.GET("/:id", paymentHandler.GetPaymentRecord)
			payments.GET("/:id/access-grant", paymentHandler.GetAccessGrant)
			payments.PATCH("/:id/status", middleware.AdminRequired(), paymentHandler.UpdatePaymentStatus)
		}

		// Vendor routes
		vendors := v1.Group("/vendors")
		vendors.Use(middleware.AuthRequired())
		{
			vendors.GET("/:id/balance", paymentHandler.GetVendorBalance)
		}

		// Refund routes
		refunds := v1.Group("/refunds")
		refunds.Use(middleware.AuthRequired())
		{
			refunds.POST("", middleware.RefundRateLimit(), refundHandler.CreateRefundRequest)
			refunds.GET("", refundHandler.ListRefundRequests)
			refunds.GET("/:id", refundHandler.GetRefundRequest)
		}

		// Admin routes
		admin := v1.Group("/admin")
		admin.Use(middleware.AuthRequired(), middleware.AdminRequired())
		{
			adminRefunds := admin.Group("/refunds")
			adminRefunds.Use(middleware.RefundRateLimit())
			{
				adminRefunds.POST("/:id/approve", refundHandler.ApproveRefund)
				adminRefunds.POST("/:id/reject", refundHandler.RejectRefund)
				adminRefunds.POST("/:id/reject-abandoned", refundHandler.RejectAbandonedRefund)
			}

			adminAudit := admin.Group("/audit-logs")
			{
				adminAudit.GET("", adminHandler.ListAuditLogs)
				adminAudit.POST("/archive", adminHandler.ArchiveAuditLogs)
			}
		}
	}

	return r
}
