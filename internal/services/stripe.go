// internal/services/stripe.go
package services

import (
	"context"

	"github.com/stripe/stripe-go/v74"
	"github.com/stripe/stripe-go/v74/refund"
	"github.com/stripe/stripe-go/v74/webhook"

	"github.com/needlink/escrow-backend/internal/config"
)

// StripeRefundGateway is the production RefundGateway.
type StripeRefundGateway struct{}

func NewStripeRefundGateway(cfg *config.Config) *StripeRefundGateway {
	// Initialize Stripe
	stripe.Key = cfg.Payment.StripeSecretKey
	return &StripeRefundGateway{}
}

func (g *StripeRefundGateway) CreateRefund(ctx context.Context, paymentIntentID string, amount int64, metadata map[string]string) (string, error) {
	params := &stripe.RefundParams{
		PaymentIntent: stripe.String(paymentIntentID),
		Amount:        stripe.Int64(amount),
		Reason:        stripe.String("requested_by_customer"),
	}
	params.Context = ctx
	for k, v := range metadata {
		params.AddMetadata(k, v)
	}

	ref, err := refund.New(params)
	if err != nil {
		return "", err
	}
	return ref.ID, nil
}

// StripeSignatureVerifier is the production EventSignatureVerifier, backed by
// Stripe's own signed-webhook scheme.
type StripeSignatureVerifier struct {
	webhookSecret string
}

func NewStripeSignatureVerifier(cfg *config.Config) *StripeSignatureVerifier {
	return &StripeSignatureVerifier{webhookSecret: cfg.Payment.StripeWebhookSecret}
}

func (v *StripeSignatureVerifier) Verify(payload []byte, signatureHeader string) (stripe.Event, error) {
	return webhook.ConstructEvent(payload, signatureHeader, v.webhookSecret)
}
