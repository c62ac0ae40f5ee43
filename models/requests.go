package models

import "github.com/shopspring/decimal"

// CheckoutItem is a guest-submitted line. Prices are never taken from the client.
type CheckoutItem struct {
	ProductID string `json:"product_id"`
	Quantity  int    `json:"quantity"`
}

type CreateOrderRequest struct {
	Items           []CheckoutItem `json:"items"`
	GuestEmail      string         `json:"guest_email"`
	ShippingAddress Address        `json:"shipping_address"`
	Notes           string         `json:"notes"`
}

type UpdateOrderStatusRequest struct {
	Status OrderStatus `json:"status" binding:"required"`
	Note   string      `json:"note"`
}

type CreateIntentRequest struct {
	OrderID  string           `json:"order_id" binding:"required,uuid"`
	Amount   *decimal.Decimal `json:"amount"`
	Currency string           `json:"currency"`
}

type ConfirmPaymentRequest struct {
	PaymentIntentID string `json:"payment_intent_id" binding:"required"`
	OrderID         string `json:"order_id" binding:"required,uuid"`
}

type RefundRequest struct {
	Amount *decimal.Decimal `json:"amount"`
	Reason string           `json:"reason"`
}

type ShippingRatesRequest struct {
	OrderID string   `json:"order_id" binding:"omitempty,uuid"`
	Address *Address `json:"address"`
	Parcel  *Parcel  `json:"parcel"`
}

type CreateShipmentRequest struct {
	OrderID string   `json:"order_id" binding:"required,uuid"`
	RateID  string   `json:"rate_id"`
	Address *Address `json:"address"`
	Parcel  *Parcel  `json:"parcel"`
}

type UpdateShipmentStatusRequest struct {
	Status ShipmentStatus `json:"status" binding:"required"`
}
