package models

import (
	"time"

	"github.com/shopspring/decimal"
)

// Domain event types published to SNS.
const (
	EventOrderCreated       = "order_created"
	EventOrderStatusChanged = "order_status_changed"
	EventPaymentSucceeded   = "payment_succeeded"
	EventPaymentFailed      = "payment_failed"
	EventPaymentRefunded    = "payment_refunded"
	EventShipmentCreated    = "shipment_created"
	EventShipmentUpdated    = "shipment_updated"
)

type OrderEvent struct {
	EventType   string          `json:"event_type"`
	OrderID     string          `json:"order_id"`
	OrderNumber string          `json:"order_number"`
	UserID      string          `json:"user_id,omitempty"`
	Status      OrderStatus     `json:"status"`
	TotalAmount decimal.Decimal `json:"total_amount"`
	Timestamp   time.Time       `json:"timestamp"`
}

type PaymentEvent struct {
	EventType       string          `json:"event_type"`
	OrderID         string          `json:"order_id"`
	UserID          string          `json:"user_id,omitempty"`
	PaymentID       string          `json:"payment_id"`
	PaymentIntentID string          `json:"payment_intent_id"`
	Amount          decimal.Decimal `json:"amount"`
	Currency        string          `json:"currency"`
	Status          PaymentStatus   `json:"status"`
	Reason          string          `json:"reason,omitempty"`
	Timestamp       time.Time       `json:"timestamp"`
}

type ShipmentCreatedEvent struct {
	EventType      string    `json:"event_type"`
	OrderID        string    `json:"order_id"`
	UserID         string    `json:"user_id,omitempty"`
	ShipmentID     string    `json:"shipment_id"`
	TrackingNumber string    `json:"tracking_number,omitempty"`
	Carrier        string    `json:"carrier,omitempty"`
	LabelURL       string    `json:"label_url,omitempty"`
	Timestamp      time.Time `json:"timestamp"`
}

type ShipmentUpdatedEvent struct {
	EventType      string         `json:"event_type"`
	OrderID        string         `json:"order_id"`
	TrackingNumber string         `json:"tracking_number,omitempty"`
	Status         ShipmentStatus `json:"status"`
	Source         string         `json:"source"`
	Timestamp      time.Time      `json:"timestamp"`
}
