package models

import (
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"
)

type NotificationType string

const (
	NotificationTypeOrder    NotificationType = "ORDER"
	NotificationTypePayment  NotificationType = "PAYMENT"
	NotificationTypeShipment NotificationType = "SHIPMENT"
)

// Notification is an in-app message for a user.
type Notification struct {
	ID        uuid.UUID        `gorm:"type:uuid;primaryKey" json:"id"`
	UserID    uuid.UUID        `gorm:"type:uuid;index;not null" json:"user_id"`
	OrderID   *uuid.UUID       `gorm:"type:uuid;index" json:"order_id,omitempty"`
	Type      NotificationType `gorm:"type:varchar(20);not null" json:"type"`
	Title     string           `gorm:"type:varchar(255);not null" json:"title"`
	Message   string           `gorm:"type:text;not null" json:"message"`
	Read      bool             `gorm:"not null" json:"read"`
	CreatedAt time.Time        `gorm:"autoCreateTime" json:"created_at"`
}

func (n *Notification) BeforeCreate(tx *gorm.DB) error {
	if n.ID == uuid.Nil {
		n.ID = uuid.New()
	}
	return nil
}

// AuditLog records events that need a human to look at them.
type AuditLog struct {
	ID        uuid.UUID `gorm:"type:uuid;primaryKey" json:"id"`
	Entity    string    `gorm:"type:varchar(32);not null;index:idx_audit_entity" json:"entity"`
	EntityID  string    `gorm:"type:varchar(255);not null;index:idx_audit_entity" json:"entity_id"`
	Action    string    `gorm:"type:varchar(64);not null" json:"action"`
	Actor     string    `gorm:"type:varchar(255)" json:"actor"`
	Payload   *string   `gorm:"type:jsonb" json:"payload,omitempty"`
	CreatedAt time.Time `gorm:"autoCreateTime" json:"created_at"`
}

func (a *AuditLog) BeforeCreate(tx *gorm.DB) error {
	if a.ID == uuid.Nil {
		a.ID = uuid.New()
	}
	return nil
}

// Email event types understood by the notification service.
const (
	EmailOrderCreated     = "order_created"
	EmailOrderShipped     = "order_shipped"
	EmailOrderDelivered   = "order_delivered"
	EmailPaymentFailed    = "payment_failed"
	EmailPaymentRefunded  = "payment_refunded"
	EmailPaymentSucceeded = "payment_succeeded"
)

// EmailRequest is the message enqueued for the notification service.
type EmailRequest struct {
	EventType string                 `json:"event_type"`
	UserID    string                 `json:"user_id,omitempty"`
	Recipient string                 `json:"recipient,omitempty"`
	Data      map[string]interface{} `json:"data"`
}
