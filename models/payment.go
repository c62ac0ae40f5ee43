package models

import (
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"gorm.io/gorm"
)

// Payment is the local record of a provider payment intent. There is at most
// one per order.
type Payment struct {
	ID              uuid.UUID       `gorm:"type:uuid;primaryKey" json:"id"`
	OrderID         uuid.UUID       `gorm:"type:uuid;uniqueIndex;not null" json:"order_id"`
	UserID          *uuid.UUID      `gorm:"type:uuid;index" json:"user_id,omitempty"`
	PaymentIntentID string          `gorm:"type:varchar(255);uniqueIndex;not null" json:"payment_intent_id"`
	Amount          decimal.Decimal `gorm:"type:numeric(12,2);not null" json:"amount"`
	RefundedAmount  decimal.Decimal `gorm:"type:numeric(12,2);not null" json:"refunded_amount"`
	Currency        string          `gorm:"type:varchar(10);not null" json:"currency"`
	Status          PaymentStatus   `gorm:"type:varchar(20);not null;index" json:"status"`
	FailureReason   *string         `gorm:"type:text" json:"failure_reason,omitempty"`
	ProviderPayload *string         `gorm:"type:jsonb" json:"-"`
	SucceededAt     *time.Time      `json:"succeeded_at,omitempty"`
	FailedAt        *time.Time      `json:"failed_at,omitempty"`
	RefundedAt      *time.Time      `json:"refunded_at,omitempty"`
	CreatedAt       time.Time       `gorm:"autoCreateTime" json:"created_at"`
	UpdatedAt       time.Time       `gorm:"autoUpdateTime" json:"updated_at"`
}

func (p *Payment) BeforeCreate(tx *gorm.DB) error {
	if p.ID == uuid.Nil {
		p.ID = uuid.New()
	}
	return nil
}

// PaymentIntent is the provider-neutral view of a payment intent.
type PaymentIntent struct {
	ID             string
	ClientSecret   string
	Status         string
	Amount         decimal.Decimal
	Currency       string
	FailureMessage string
	Metadata       map[string]string
}

// Succeeded reports whether the provider considers the charge successful.
func (pi *PaymentIntent) Succeeded() bool { return pi.Status == "succeeded" }

// Refund is the provider-neutral view of a refund.
type Refund struct {
	ID     string
	Amount decimal.Decimal
	Status string
}

// Dispute is the provider-neutral view of a chargeback.
type Dispute struct {
	ID              string
	PaymentIntentID string
	ChargeID        string
	Amount          decimal.Decimal
	Currency        string
	Reason          string
	Status          string
}

// PaymentWebhookEvent is a verified, decoded payment provider webhook.
type PaymentWebhookEvent struct {
	ID      string
	Type    string
	Intent  *PaymentIntent
	Dispute *Dispute
	Raw     []byte
}

// Payment webhook event types handled by the service.
const (
	PaymentEventIntentSucceeded = "payment_intent.succeeded"
	PaymentEventIntentFailed    = "payment_intent.payment_failed"
	PaymentEventDisputeCreated  = "charge.dispute.created"
)

// PaymentIntentResult is returned to the client after creating an intent.
type PaymentIntentResult struct {
	PaymentID       uuid.UUID       `json:"payment_id"`
	PaymentIntentID string          `json:"payment_intent_id"`
	ClientSecret    string          `json:"client_secret"`
	Amount          decimal.Decimal `json:"amount"`
	Currency        string          `json:"currency"`
	Status          PaymentStatus   `json:"status"`
}
