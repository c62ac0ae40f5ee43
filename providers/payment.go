package providers

import (
	"context"

	"fulfillment-service/models"

	"github.com/shopspring/decimal"
)

// PaymentGateway is the outbound and webhook surface of the payment processor.
type PaymentGateway interface {
	CreatePaymentIntent(ctx context.Context, amount decimal.Decimal, currency string, metadata map[string]string) (*models.PaymentIntent, error)
	GetPaymentIntent(ctx context.Context, intentID string) (*models.PaymentIntent, error)
	// CreateRefund refunds amount of the intent's charge.
	CreateRefund(ctx context.Context, intentID string, amount decimal.Decimal, reason string) (*models.Refund, error)
	// ParseWebhook verifies the signature header and decodes the event.
	ParseWebhook(payload []byte, signature string) (*models.PaymentWebhookEvent, error)
}
