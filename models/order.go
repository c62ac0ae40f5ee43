package models

import (
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"gorm.io/gorm"
)

// OrderStatus is the lifecycle state of an order.
type OrderStatus string

const (
	OrderStatusPending    OrderStatus = "PENDING"
	OrderStatusConfirmed  OrderStatus = "CONFIRMED"
	OrderStatusProcessing OrderStatus = "PROCESSING"
	OrderStatusShipped    OrderStatus = "SHIPPED"
	OrderStatusDelivered  OrderStatus = "DELIVERED"
	OrderStatusCancelled  OrderStatus = "CANCELLED"
	OrderStatusRefunded   OrderStatus = "REFUNDED"
)

var orderStatuses = map[OrderStatus]bool{
	OrderStatusPending:    true,
	OrderStatusConfirmed:  true,
	OrderStatusProcessing: true,
	OrderStatusShipped:    true,
	OrderStatusDelivered:  true,
	OrderStatusCancelled:  true,
	OrderStatusRefunded:   true,
}

// Valid reports whether s is a known order status.
func (s OrderStatus) Valid() bool { return orderStatuses[s] }

// IsTerminal reports whether no automatic transition may leave s.
func (s OrderStatus) IsTerminal() bool {
	return s == OrderStatusCancelled || s == OrderStatusRefunded
}

// TransitionSources lists the statuses an automatic transition into target
// may start from. Status only ever moves forward; terminal states are never left.
func TransitionSources(target OrderStatus) []OrderStatus {
	switch target {
	case OrderStatusConfirmed:
		return []OrderStatus{OrderStatusPending}
	case OrderStatusProcessing:
		return []OrderStatus{OrderStatusConfirmed, OrderStatusProcessing}
	case OrderStatusShipped:
		return []OrderStatus{OrderStatusConfirmed, OrderStatusProcessing}
	case OrderStatusDelivered:
		return []OrderStatus{OrderStatusPending, OrderStatusConfirmed, OrderStatusProcessing, OrderStatusShipped}
	default:
		return nil
	}
}

// PaymentStatus is shared by Order.PaymentStatus and Payment.Status.
type PaymentStatus string

const (
	PaymentStatusPending           PaymentStatus = "PENDING"
	PaymentStatusCompleted         PaymentStatus = "COMPLETED"
	PaymentStatusFailed            PaymentStatus = "FAILED"
	PaymentStatusRefunded          PaymentStatus = "REFUNDED"
	PaymentStatusPartiallyRefunded PaymentStatus = "PARTIALLY_REFUNDED"
)

// Address is a shipping destination. It is embedded into orders with the
// shipping_ column prefix.
type Address struct {
	FirstName string `gorm:"type:varchar(100)" json:"first_name"`
	LastName  string `gorm:"type:varchar(100)" json:"last_name"`
	Street    string `gorm:"type:varchar(255)" json:"street"`
	City      string `gorm:"type:varchar(100)" json:"city"`
	State     string `gorm:"type:varchar(100)" json:"state"`
	Zip       string `gorm:"type:varchar(20)" json:"zip"`
	Country   string `gorm:"type:varchar(2)" json:"country"` // ISO 3166-1 alpha-2
	Phone     string `gorm:"type:varchar(30)" json:"phone,omitempty"`
}

// FullName joins first and last name.
func (a Address) FullName() string {
	return strings.TrimSpace(a.FirstName + " " + a.LastName)
}

// MissingFields returns the json names of required fields that are blank.
func (a Address) MissingFields() []string {
	var missing []string
	check := func(name, v string) {
		if strings.TrimSpace(v) == "" {
			missing = append(missing, name)
		}
	}
	check("first_name", a.FirstName)
	check("last_name", a.LastName)
	check("street", a.Street)
	check("city", a.City)
	check("state", a.State)
	check("zip", a.Zip)
	check("country", a.Country)
	return missing
}

// Order is the durable order record. Shipment tracking state lives on the
// order itself; history is kept in shipment_events.
type Order struct {
	ID             uuid.UUID  `gorm:"type:uuid;primaryKey" json:"id"`
	OrderNumber    string     `gorm:"type:varchar(40);uniqueIndex;not null" json:"order_number"`
	UserID         *uuid.UUID `gorm:"type:uuid;index" json:"user_id,omitempty"`
	GuestEmail     *string    `gorm:"type:varchar(255)" json:"guest_email,omitempty"`
	IdempotencyKey *string    `gorm:"type:varchar(128);uniqueIndex" json:"-"`

	TotalAmount    decimal.Decimal `gorm:"type:numeric(12,2);not null" json:"total_amount"`
	ShippingAmount decimal.Decimal `gorm:"type:numeric(12,2);not null" json:"shipping_amount"`
	TaxAmount      decimal.Decimal `gorm:"type:numeric(12,2);not null" json:"tax_amount"`

	Status        OrderStatus   `gorm:"type:varchar(20);not null;index" json:"status"`
	PaymentStatus PaymentStatus `gorm:"type:varchar(20);not null" json:"payment_status"`
	PaymentID     *string       `gorm:"type:varchar(255)" json:"payment_id,omitempty"`

	ShipmentID          *string             `gorm:"type:varchar(255);index" json:"shipment_id,omitempty"`
	ShippingRateID      *string             `gorm:"type:varchar(255);index" json:"shipping_rate_id,omitempty"`
	TrackingNumber      *string             `gorm:"type:varchar(255);index" json:"tracking_number,omitempty"`
	TrackingURL         *string             `gorm:"type:varchar(1024)" json:"tracking_url,omitempty"`
	ShippingLabelURL    *string             `gorm:"type:varchar(1024)" json:"shipping_label_url,omitempty"`
	ShippingLabelKey    *string             `gorm:"type:varchar(255)" json:"-"`
	ShippingCarrier     *string             `gorm:"type:varchar(64)" json:"shipping_carrier,omitempty"`
	ShippingService     *string             `gorm:"type:varchar(128)" json:"shipping_service,omitempty"`
	ShippingCost        decimal.NullDecimal `gorm:"type:numeric(12,2)" json:"shipping_cost"`
	ShipmentStatus      *ShipmentStatus     `gorm:"type:varchar(20)" json:"shipment_status,omitempty"`
	EstimatedDeliveryAt *time.Time          `json:"estimated_delivery_at,omitempty"`
	DeliveredAt         *time.Time          `json:"delivered_at,omitempty"`

	ShippingAddress Address `gorm:"embedded;embeddedPrefix:shipping_" json:"shipping_address"`
	Notes           *string `gorm:"type:text" json:"notes,omitempty"`

	// Subtotal is derived from the loaded items; it is not stored.
	Subtotal decimal.Decimal `gorm:"-" json:"subtotal"`

	Items     []OrderItem `gorm:"foreignKey:OrderID;constraint:OnDelete:CASCADE" json:"items"`
	CreatedAt time.Time   `gorm:"autoCreateTime" json:"created_at"`
	UpdatedAt time.Time   `gorm:"autoUpdateTime" json:"updated_at"`
}

func (o *Order) BeforeCreate(tx *gorm.DB) error {
	if o.ID == uuid.Nil {
		o.ID = uuid.New()
	}
	return nil
}

func (o *Order) AfterFind(tx *gorm.DB) error {
	if len(o.Items) > 0 {
		o.Subtotal = o.ItemsSubtotal()
	}
	return nil
}

// ItemsSubtotal sums price times quantity over the line items.
func (o *Order) ItemsSubtotal() decimal.Decimal {
	sum := decimal.Zero
	for _, item := range o.Items {
		sum = sum.Add(item.LineTotal())
	}
	return sum
}

// IsGuest reports whether the order has no owning user.
func (o *Order) IsGuest() bool { return o.UserID == nil }

// ContactEmail is the guest email, or empty for user-owned orders.
func (o *Order) ContactEmail() string {
	if o.GuestEmail == nil {
		return ""
	}
	return *o.GuestEmail
}

// OrderItem is a line item. Price is the unit price captured at checkout.
type OrderItem struct {
	ID          uuid.UUID       `gorm:"type:uuid;primaryKey" json:"id"`
	OrderID     uuid.UUID       `gorm:"type:uuid;index;not null" json:"order_id"`
	ProductID   uuid.UUID       `gorm:"type:uuid;index;not null" json:"product_id"`
	ProductName string          `gorm:"type:varchar(255)" json:"product_name"`
	Quantity    int             `gorm:"not null" json:"quantity"`
	Price       decimal.Decimal `gorm:"type:numeric(12,2);not null" json:"price"`
	CreatedAt   time.Time       `gorm:"autoCreateTime" json:"created_at"`
}

func (i *OrderItem) BeforeCreate(tx *gorm.DB) error {
	if i.ID == uuid.Nil {
		i.ID = uuid.New()
	}
	return nil
}

func (i OrderItem) LineTotal() decimal.Decimal {
	return i.Price.Mul(decimal.NewFromInt(int64(i.Quantity)))
}

// OrderResponse is a paginated list of orders.
type OrderResponse struct {
	Orders []Order `json:"orders"`
	Meta   Meta    `json:"meta"`
}

type Meta struct {
	Page        int   `json:"page"`
	Limit       int   `json:"limit"`
	TotalOrders int64 `json:"total_orders"`
	TotalPages  int   `json:"total_pages"`
	HasMore     bool  `json:"has_more"`
}
