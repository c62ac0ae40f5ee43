package models

import (
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"gorm.io/gorm"
)

// ShipmentStatus is the carrier-level state of an order's shipment.
type ShipmentStatus string

const (
	ShipmentStatusPending        ShipmentStatus = "PENDING"
	ShipmentStatusPreparing      ShipmentStatus = "PREPARING"
	ShipmentStatusShipped        ShipmentStatus = "SHIPPED"
	ShipmentStatusInTransit      ShipmentStatus = "IN_TRANSIT"
	ShipmentStatusOutForDelivery ShipmentStatus = "OUT_FOR_DELIVERY"
	ShipmentStatusDelivered      ShipmentStatus = "DELIVERED"
	ShipmentStatusException      ShipmentStatus = "EXCEPTION"
	ShipmentStatusReturned       ShipmentStatus = "RETURNED"
)

var shipmentStatuses = map[ShipmentStatus]bool{
	ShipmentStatusPending:        true,
	ShipmentStatusPreparing:      true,
	ShipmentStatusShipped:        true,
	ShipmentStatusInTransit:      true,
	ShipmentStatusOutForDelivery: true,
	ShipmentStatusDelivered:      true,
	ShipmentStatusException:      true,
	ShipmentStatusReturned:       true,
}

func (s ShipmentStatus) Valid() bool { return shipmentStatuses[s] }

// IsFinal reports whether the carrier will not report further progress.
func (s ShipmentStatus) IsFinal() bool {
	return s == ShipmentStatusDelivered || s == ShipmentStatusReturned
}

// OrderStatusFor maps a carrier status to the order status it implies, or ""
// when the order status is left untouched.
func (s ShipmentStatus) OrderStatusFor() OrderStatus {
	switch s {
	case ShipmentStatusShipped, ShipmentStatusInTransit:
		return OrderStatusShipped
	case ShipmentStatusDelivered:
		return OrderStatusDelivered
	default:
		return ""
	}
}

// Shipping transaction states reported by the carrier API.
const (
	TransactionStatusQueued  = "QUEUED"
	TransactionStatusWaiting = "WAITING"
	TransactionStatusSuccess = "SUCCESS"
	TransactionStatusError   = "ERROR"
)

// Shipment event sources.
const (
	ShipmentSourceSync    = "SYNC"
	ShipmentSourceWebhook = "WEBHOOK"
	ShipmentSourceAdmin   = "ADMIN"
)

// Shipping webhook event names.
const (
	ShippingEventTransactionCreated = "transaction_created"
	ShippingEventTransactionUpdated = "transaction_updated"
	ShippingEventTrackUpdated       = "track_updated"
)

// ShipmentEvent is an append-only history row for an order's shipment.
type ShipmentEvent struct {
	ID             uuid.UUID  `gorm:"type:uuid;primaryKey" json:"id"`
	OrderID        *uuid.UUID `gorm:"type:uuid;index" json:"order_id,omitempty"`
	Source         string     `gorm:"type:varchar(16);not null" json:"source"`
	Event          string     `gorm:"type:varchar(64);not null" json:"event"`
	Status         string     `gorm:"type:varchar(32)" json:"status,omitempty"`
	Reference      string     `gorm:"type:varchar(255);index" json:"reference,omitempty"`
	TrackingNumber *string    `gorm:"type:varchar(255)" json:"tracking_number,omitempty"`
	Payload        *string    `gorm:"type:jsonb" json:"payload,omitempty"`
	CreatedAt      time.Time  `gorm:"autoCreateTime" json:"created_at"`
}

func (e *ShipmentEvent) BeforeCreate(tx *gorm.DB) error {
	if e.ID == uuid.Nil {
		e.ID = uuid.New()
	}
	return nil
}

// Parcel describes the package dimensions used for rate quotes.
type Parcel struct {
	Length       float64 `json:"length"`
	Width        float64 `json:"width"`
	Height       float64 `json:"height"`
	DistanceUnit string  `json:"distance_unit"`
	Weight       float64 `json:"weight"`
	MassUnit     string  `json:"mass_unit"`
}

// DefaultParcel is used when the caller does not describe the package.
func DefaultParcel() Parcel {
	return Parcel{Length: 10, Width: 8, Height: 4, DistanceUnit: "in", Weight: 2, MassUnit: "lb"}
}

// ShippingRate is a quoted carrier option.
type ShippingRate struct {
	RateID        string          `json:"rate_id"`
	Provider      string          `json:"provider"`
	ServiceLevel  string          `json:"service_level"`
	Amount        decimal.Decimal `json:"amount"`
	Currency      string          `json:"currency"`
	EstimatedDays int             `json:"estimated_days"`
}

// ShippingTransaction is a purchased (or in-flight) label.
type ShippingTransaction struct {
	ObjectID       string
	Status         string
	RateID         string
	TrackingNumber string
	TrackingURL    string
	LabelURL       string
	ETA            *time.Time
	Messages       []string
}

// Resolved reports whether the carrier finished processing the transaction.
func (t *ShippingTransaction) Resolved() bool {
	return t.Status == TransactionStatusSuccess || t.Status == TransactionStatusError
}

// TrackingStatus is the live carrier tracking state.
type TrackingStatus struct {
	TrackingNumber string     `json:"tracking_number"`
	Carrier        string     `json:"carrier"`
	Status         string     `json:"status"`
	SubStatus      string     `json:"sub_status,omitempty"`
	Location       string     `json:"location,omitempty"`
	ETA            *time.Time `json:"eta,omitempty"`
	UpdatedAt      time.Time  `json:"updated_at"`
}

// ShippingWebhook is a decoded shipping provider callback.
type ShippingWebhook struct {
	Event          string
	ObjectID       string
	Status         string
	RateID         string
	TrackingNumber string
	TrackingURL    string
	LabelURL       string
	Metadata       string
	Carrier        string
	TrackingStatus string
	TrackingDetail string
	ETA            *time.Time
	Raw            []byte
}

// ShipmentResult is returned after a label purchase.
type ShipmentResult struct {
	OrderID           uuid.UUID           `json:"order_id"`
	ShipmentID        string              `json:"shipment_id"`
	RateID            string              `json:"rate_id"`
	TransactionStatus string              `json:"transaction_status"`
	TrackingNumber    string              `json:"tracking_number,omitempty"`
	TrackingURL       string              `json:"tracking_url,omitempty"`
	LabelURL          string              `json:"label_url,omitempty"`
	Carrier           string              `json:"carrier,omitempty"`
	Service           string              `json:"service,omitempty"`
	Cost              decimal.NullDecimal `json:"cost"`
	// TrackingPending is set when the carrier had not finished the label yet;
	// a later webhook completes the tracking fields.
	TrackingPending bool `json:"tracking_pending"`
}

// TrackingResult is the stored shipment state of an order plus live data.
type TrackingResult struct {
	OrderID             uuid.UUID       `json:"order_id"`
	OrderNumber         string          `json:"order_number"`
	TrackingNumber      string          `json:"tracking_number"`
	TrackingURL         string          `json:"tracking_url,omitempty"`
	Carrier             string          `json:"carrier,omitempty"`
	Service             string          `json:"service,omitempty"`
	Status              ShipmentStatus  `json:"status,omitempty"`
	EstimatedDeliveryAt *time.Time      `json:"estimated_delivery_at,omitempty"`
	DeliveredAt         *time.Time      `json:"delivered_at,omitempty"`
	Live                *TrackingStatus `json:"live,omitempty"`
}

// ShipmentDetails is an order's shipment state with its event history.
type ShipmentDetails struct {
	Order  *Order          `json:"order"`
	Events []ShipmentEvent `json:"events"`
}
