package providers

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"fulfillment-service/models"

	"github.com/shopspring/decimal"
	"github.com/stripe/stripe-go/v80"
	"github.com/stripe/stripe-go/v80/client"
	"github.com/stripe/stripe-go/v80/webhook"
)

// StripeGateway implements PaymentGateway with a per-instance Stripe client
// rather than the package-level key.
type StripeGateway struct {
	sc            *client.API
	webhookSecret string
}

func NewStripeGateway(secretKey, webhookSecret string) *StripeGateway {
	return &StripeGateway{
		sc:            client.New(secretKey, nil),
		webhookSecret: webhookSecret,
	}
}

// toMinorUnits converts a two-decimal amount into cents.
func toMinorUnits(amount decimal.Decimal) int64 {
	return amount.Shift(2).Round(0).IntPart()
}

func fromMinorUnits(v int64) decimal.Decimal {
	return decimal.New(v, -2)
}

func (g *StripeGateway) CreatePaymentIntent(ctx context.Context, amount decimal.Decimal, currency string, metadata map[string]string) (*models.PaymentIntent, error) {
	params := &stripe.PaymentIntentParams{
		Amount:   stripe.Int64(toMinorUnits(amount)),
		Currency: stripe.String(strings.ToLower(currency)),
		AutomaticPaymentMethods: &stripe.PaymentIntentAutomaticPaymentMethodsParams{
			Enabled: stripe.Bool(true),
		},
	}
	params.Context = ctx
	for k, v := range metadata {
		params.AddMetadata(k, v)
	}

	pi, err := g.sc.PaymentIntents.New(params)
	if err != nil {
		return nil, fmt.Errorf("stripe create payment intent: %w", err)
	}
	return toPaymentIntent(pi), nil
}

func (g *StripeGateway) GetPaymentIntent(ctx context.Context, intentID string) (*models.PaymentIntent, error) {
	params := &stripe.PaymentIntentParams{}
	params.Context = ctx

	pi, err := g.sc.PaymentIntents.Get(intentID, params)
	if err != nil {
		return nil, fmt.Errorf("stripe get payment intent: %w", err)
	}
	return toPaymentIntent(pi), nil
}

func (g *StripeGateway) CreateRefund(ctx context.Context, intentID string, amount decimal.Decimal, reason string) (*models.Refund, error) {
	params := &stripe.RefundParams{
		PaymentIntent: stripe.String(intentID),
		Amount:        stripe.Int64(toMinorUnits(amount)),
	}
	params.Context = ctx
	// Stripe only accepts enumerated reasons; free text travels as metadata.
	if reason != "" {
		params.AddMetadata("reason", reason)
	}

	r, err := g.sc.Refunds.New(params)
	if err != nil {
		return nil, fmt.Errorf("stripe create refund: %w", err)
	}
	return &models.Refund{
		ID:     r.ID,
		Amount: fromMinorUnits(r.Amount),
		Status: string(r.Status),
	}, nil
}

func (g *StripeGateway) ParseWebhook(payload []byte, signature string) (*models.PaymentWebhookEvent, error) {
	event, err := webhook.ConstructEventWithOptions(payload, signature, g.webhookSecret,
		webhook.ConstructEventOptions{IgnoreAPIVersionMismatch: true})
	if err != nil {
		return nil, fmt.Errorf("verify stripe webhook: %w", err)
	}

	out := &models.PaymentWebhookEvent{
		ID:   event.ID,
		Type: string(event.Type),
		Raw:  payload,
	}
	if event.Data == nil {
		return out, nil
	}

	switch event.Type {
	case stripe.EventTypePaymentIntentSucceeded, stripe.EventTypePaymentIntentPaymentFailed:
		var pi stripe.PaymentIntent
		if err := json.Unmarshal(event.Data.Raw, &pi); err != nil {
			return nil, fmt.Errorf("decode payment intent: %w", err)
		}
		out.Intent = toPaymentIntent(&pi)
	case stripe.EventTypeChargeDisputeCreated:
		var d stripe.Dispute
		if err := json.Unmarshal(event.Data.Raw, &d); err != nil {
			return nil, fmt.Errorf("decode dispute: %w", err)
		}
		dispute := &models.Dispute{
			ID:       d.ID,
			Amount:   fromMinorUnits(d.Amount),
			Currency: string(d.Currency),
			Reason:   string(d.Reason),
			Status:   string(d.Status),
		}
		if d.Charge != nil {
			dispute.ChargeID = d.Charge.ID
		}
		if d.PaymentIntent != nil {
			dispute.PaymentIntentID = d.PaymentIntent.ID
		}
		out.Dispute = dispute
	}
	return out, nil
}

func toPaymentIntent(pi *stripe.PaymentIntent) *models.PaymentIntent {
	out := &models.PaymentIntent{
		ID:           pi.ID,
		ClientSecret: pi.ClientSecret,
		Status:       string(pi.Status),
		Amount:       fromMinorUnits(pi.Amount),
		Currency:     string(pi.Currency),
		Metadata:     pi.Metadata,
	}
	if pi.LastPaymentError != nil {
		out.FailureMessage = pi.LastPaymentError.Msg
	}
	return out
}
