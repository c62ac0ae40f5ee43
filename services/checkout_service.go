package services

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/mail"
	"strings"
	"time"

	apperrors "fulfillment-service/common/errors"
	"fulfillment-service/models"
	aws_pkg "fulfillment-service/pkg/aws"
	"fulfillment-service/repository"

	"github.com/google/uuid"
	"github.com/samber/lo"
	"go.uber.org/zap"
)

const (
	orderNumberAttempts = 3
	// MaxLineQuantity bounds the units of one product in a single order.
	MaxLineQuantity = 1000
)

// CheckoutInput is a validated checkout request.
type CheckoutInput struct {
	UserID         *uuid.UUID
	IdempotencyKey string
	Request        models.CreateOrderRequest
}

// CheckoutService turns a cart or a guest item list into an order.
type CheckoutService struct {
	orders   repository.OrderRepository
	catalog  repository.CatalogRepository
	carts    repository.CartRepository
	pricing  Pricing
	notifier *Notifier
	logger   *zap.Logger
	now      func() time.Time
}

func NewCheckoutService(
	orders repository.OrderRepository,
	catalog repository.CatalogRepository,
	carts repository.CartRepository,
	pricing Pricing,
	notifier *Notifier,
	logger *zap.Logger,
) *CheckoutService {
	return &CheckoutService{
		orders:   orders,
		catalog:  catalog,
		carts:    carts,
		pricing:  pricing,
		notifier: notifier,
		logger:   logger,
		now:      time.Now,
	}
}

type checkoutLine struct {
	ProductID uuid.UUID
	Quantity  int
}

// PlaceOrder creates the order. replayed is true when the idempotency key
// matched an existing order, which is returned unchanged.
func (s *CheckoutService) PlaceOrder(ctx context.Context, in CheckoutInput) (order *models.Order, replayed bool, err error) {
	if in.IdempotencyKey != "" {
		existing, err := s.orders.FindByIdempotencyKey(ctx, in.IdempotencyKey)
		switch {
		case err == nil:
			return s.replay(existing, in)
		case !errors.Is(err, repository.ErrNotFound):
			return nil, false, fmt.Errorf("lookup idempotency key: %w", err)
		}
	}

	if missing := in.Request.ShippingAddress.MissingFields(); len(missing) > 0 {
		return nil, false, apperrors.BadRequest("Missing shipping address fields: " + strings.Join(missing, ", ")).
			WithReason("INVALID_ADDRESS")
	}

	var guestEmail *string
	if in.UserID == nil {
		email := strings.TrimSpace(in.Request.GuestEmail)
		if email == "" {
			return nil, false, apperrors.BadRequest("Guest email is required").WithReason("GUEST_EMAIL_REQUIRED")
		}
		if _, err := mail.ParseAddress(email); err != nil {
			return nil, false, apperrors.BadRequest("Guest email is invalid").WithReason("INVALID_GUEST_EMAIL")
		}
		guestEmail = &email
	}

	lines, err := s.resolveLines(ctx, in)
	if err != nil {
		return nil, false, err
	}

	items, err := s.priceLines(ctx, lines)
	if err != nil {
		if appErr, ok := apperrors.As(err); ok {
			s.notifier.Count(aws_pkg.MetricCheckoutRejected, map[string]string{"Reason": appErr.Reason})
		}
		return nil, false, err
	}

	order = &models.Order{
		UserID:          in.UserID,
		GuestEmail:      guestEmail,
		Status:          models.OrderStatusPending,
		PaymentStatus:   models.PaymentStatusPending,
		ShippingAddress: in.Request.ShippingAddress,
		Items:           items,
	}
	if in.IdempotencyKey != "" {
		key := in.IdempotencyKey
		order.IdempotencyKey = &key
	}
	if notes := strings.TrimSpace(in.Request.Notes); notes != "" {
		order.Notes = &notes
	}

	totals := s.pricing.Totals(order.ItemsSubtotal())
	order.Subtotal = totals.Subtotal
	order.ShippingAmount = totals.Shipping
	order.TaxAmount = totals.Tax
	order.TotalAmount = totals.Total

	if err := s.persist(ctx, order); err != nil {
		if errors.Is(err, repository.ErrDuplicateIdempotencyKey) {
			existing, findErr := s.orders.FindByIdempotencyKey(ctx, in.IdempotencyKey)
			if findErr != nil {
				return nil, false, fmt.Errorf("lookup idempotency key: %w", findErr)
			}
			return s.replay(existing, in)
		}
		return nil, false, err
	}

	s.logger.Info("Order created",
		zap.String("order_id", order.ID.String()),
		zap.String("order_number", order.OrderNumber),
		zap.Bool("guest", order.IsGuest()),
		zap.String("total", order.TotalAmount.StringFixed(2)),
	)
	s.notifier.OrderCreated(order)
	return order, false, nil
}

func (s *CheckoutService) replay(existing *models.Order, in CheckoutInput) (*models.Order, bool, error) {
	sameOwner := (existing.UserID == nil && in.UserID == nil) ||
		(existing.UserID != nil && in.UserID != nil && *existing.UserID == *in.UserID)
	if !sameOwner {
		return nil, false, apperrors.Conflict("Idempotency key already used").WithReason("IDEMPOTENCY_KEY_REUSED")
	}
	return existing, true, nil
}

// resolveLines reads the persisted cart for users and filters the submitted
// items for guests, merging repeated products.
func (s *CheckoutService) resolveLines(ctx context.Context, in CheckoutInput) ([]checkoutLine, error) {
	var lines []checkoutLine

	if in.UserID != nil {
		cart, err := s.carts.FindByUserID(ctx, *in.UserID)
		if err != nil {
			return nil, fmt.Errorf("load cart: %w", err)
		}
		if len(cart) == 0 {
			return nil, apperrors.BadRequest("Cart is empty").WithReason("EMPTY_CART")
		}
		lines = lo.FilterMap(cart, func(item models.CartItem, _ int) (checkoutLine, bool) {
			return checkoutLine{ProductID: item.ProductID, Quantity: item.Quantity}, item.Quantity > 0
		})
	} else {
		if len(in.Request.Items) == 0 {
			return nil, apperrors.BadRequest("Cart is empty").WithReason("EMPTY_CART")
		}
		lines = lo.FilterMap(in.Request.Items, func(item models.CheckoutItem, _ int) (checkoutLine, bool) {
			id, err := uuid.Parse(strings.TrimSpace(item.ProductID))
			if err != nil || item.Quantity <= 0 {
				return checkoutLine{}, false
			}
			return checkoutLine{ProductID: id, Quantity: item.Quantity}, true
		})
		if dropped := len(in.Request.Items) - len(lines); dropped > 0 {
			s.logger.Warn("Dropped invalid guest cart items", zap.Int("dropped", dropped))
		}
	}

	if len(lines) == 0 {
		return nil, apperrors.BadRequest("No valid items in cart").WithReason("INVALID_CART_ITEMS")
	}

	qty := make(map[uuid.UUID]int, len(lines))
	for _, l := range lines {
		if l.Quantity > MaxLineQuantity-qty[l.ProductID] {
			return nil, apperrors.BadRequest(fmt.Sprintf("Quantity for product %s exceeds %d", l.ProductID, MaxLineQuantity)).
				WithReason("INVALID_QUANTITY")
		}
		qty[l.ProductID] += l.Quantity
	}
	ids := lo.Uniq(lo.Map(lines, func(l checkoutLine, _ int) uuid.UUID { return l.ProductID }))
	return lo.Map(ids, func(id uuid.UUID, _ int) checkoutLine {
		return checkoutLine{ProductID: id, Quantity: qty[id]}
	}), nil
}

// priceLines snapshots the current catalog price for each line and rejects
// inactive products and quantities above stock.
func (s *CheckoutService) priceLines(ctx context.Context, lines []checkoutLine) ([]models.OrderItem, error) {
	ids := lo.Map(lines, func(l checkoutLine, _ int) uuid.UUID { return l.ProductID })
	products, err := s.catalog.FindByIDs(ctx, ids)
	if err != nil {
		return nil, fmt.Errorf("load products: %w", err)
	}
	byID := lo.KeyBy(products, func(p models.Product) uuid.UUID { return p.ID })

	items := make([]models.OrderItem, 0, len(lines))
	for _, l := range lines {
		p, ok := byID[l.ProductID]
		if !ok || !p.IsActive {
			name := l.ProductID.String()
			if ok {
				name = p.Name
			}
			return nil, apperrors.BadRequest(fmt.Sprintf("Product %s is not available", name)).
				WithReason("PRODUCT_UNAVAILABLE")
		}
		if l.Quantity > p.Stock {
			return nil, apperrors.BadRequest(fmt.Sprintf("Insufficient stock for %s: only %d available", p.Name, p.Stock)).
				WithReason("INSUFFICIENT_STOCK")
		}
		items = append(items, models.OrderItem{
			ProductID:   p.ID,
			ProductName: p.Name,
			Quantity:    l.Quantity,
			Price:       p.Price,
		})
	}
	return items, nil
}

// persist runs the checkout transaction, regenerating the order number when
// it collides.
func (s *CheckoutService) persist(ctx context.Context, order *models.Order) error {
	var clearCart *uuid.UUID
	if order.UserID != nil {
		clearCart = order.UserID
	}

	for attempt := 1; attempt <= orderNumberAttempts; attempt++ {
		number, err := NewOrderNumber(s.now())
		if err != nil {
			return err
		}
		order.OrderNumber = number

		err = s.orders.PlaceOrder(ctx, order, clearCart)
		if err == nil {
			return nil
		}

		var stockErr *repository.StockError
		switch {
		case errors.Is(err, repository.ErrInvalidQuantity):
			return apperrors.New(http.StatusBadRequest, "Order quantities must be positive", err).WithReason("INVALID_QUANTITY")
		case errors.Is(err, repository.ErrDuplicateOrderNumber):
			s.logger.Warn("Order number collision, retrying",
				zap.String("order_number", number),
				zap.Int("attempt", attempt),
			)
			continue
		case errors.As(err, &stockErr):
			reason := "INSUFFICIENT_STOCK"
			if stockErr.Inactive {
				reason = "PRODUCT_UNAVAILABLE"
			}
			return apperrors.New(http.StatusBadRequest, stockMessage(stockErr), err).WithReason(reason)
		default:
			return err
		}
	}
	return fmt.Errorf("could not allocate a unique order number after %d attempts", orderNumberAttempts)
}

func stockMessage(e *repository.StockError) string {
	if e.Inactive {
		return fmt.Sprintf("Product %s is not available", e.ProductName)
	}
	return fmt.Sprintf("Insufficient stock for %s: only %d available", e.ProductName, e.Available)
}
