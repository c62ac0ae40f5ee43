package services_test

import (
	"context"
	"math"
	"net/http"
	"sync"
	"testing"

	apperrors "fulfillment-service/common/errors"
	"fulfillment-service/models"
	aws_pkg "fulfillment-service/pkg/aws"
	"fulfillment-service/repository"
	"fulfillment-service/services"

	"github.com/brianvoe/gofakeit/v7"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

type checkoutHarness struct {
	orders  *fakeOrderRepo
	catalog *fakeCatalog
	carts   *fakeCarts
	effects *sideEffects
	svc     *services.CheckoutService
}

func newCheckoutHarness(products ...models.Product) *checkoutHarness {
	h := &checkoutHarness{
		orders:  newFakeOrderRepo(),
		catalog: &fakeCatalog{products: map[uuid.UUID]models.Product{}},
		carts:   &fakeCarts{items: map[uuid.UUID][]models.CartItem{}},
		effects: newSideEffects(),
	}
	for _, p := range products {
		h.catalog.products[p.ID] = p
	}
	h.orders.catalog = h.catalog
	h.svc = services.NewCheckoutService(h.orders, h.catalog, h.carts, services.DefaultPricing(), h.effects.notifier, zap.NewNop())
	return h
}

func fakeProduct(price string, stock int) models.Product {
	return models.Product{
		ID:       uuid.New(),
		Name:     gofakeit.ProductName(),
		SKU:      gofakeit.UUID(),
		Price:    decimal.RequireFromString(price),
		Stock:    stock,
		IsActive: true,
	}
}

func fakeAddress() models.Address {
	return models.Address{
		FirstName: gofakeit.FirstName(),
		LastName:  gofakeit.LastName(),
		Street:    gofakeit.Street(),
		City:      gofakeit.City(),
		State:     gofakeit.StateAbr(),
		Zip:       gofakeit.Zip(),
		Country:   "US",
	}
}

func guestInput(items ...models.CheckoutItem) services.CheckoutInput {
	return services.CheckoutInput{Request: models.CreateOrderRequest{
		Items:           items,
		GuestEmail:      gofakeit.Email(),
		ShippingAddress: fakeAddress(),
	}}
}

func line(p models.Product, qty int) models.CheckoutItem {
	return models.CheckoutItem{ProductID: p.ID.String(), Quantity: qty}
}

func reason(t *testing.T, err error) string {
	t.Helper()
	appErr, ok := apperrors.As(err)
	require.True(t, ok, "expected application error, got %v", err)
	return appErr.Reason
}

func TestPlaceOrder_GuestRequiresEmail(t *testing.T) {
	p := fakeProduct("10.00", 5)
	h := newCheckoutHarness(p)
	in := guestInput(line(p, 1))
	in.Request.GuestEmail = ""

	_, _, err := h.svc.PlaceOrder(context.Background(), in)

	assert.Equal(t, "GUEST_EMAIL_REQUIRED", reason(t, err))
	assert.Equal(t, 0, h.orders.placed)
}

func TestPlaceOrder_GuestInvalidEmail(t *testing.T) {
	p := fakeProduct("10.00", 5)
	h := newCheckoutHarness(p)
	in := guestInput(line(p, 1))
	in.Request.GuestEmail = "not-an-email"

	_, _, err := h.svc.PlaceOrder(context.Background(), in)

	assert.Equal(t, "INVALID_GUEST_EMAIL", reason(t, err))
}

func TestPlaceOrder_GuestTotalsAndMergedLines(t *testing.T) {
	p := fakeProduct("12.50", 5)
	h := newCheckoutHarness(p)
	in := guestInput(line(p, 1), line(p, 1), models.CheckoutItem{ProductID: "", Quantity: 3})

	order, replayed, err := h.svc.PlaceOrder(context.Background(), in)

	require.NoError(t, err)
	assert.False(t, replayed)
	require.Len(t, order.Items, 1)
	assert.Equal(t, 2, order.Items[0].Quantity)
	assert.True(t, order.Items[0].Price.Equal(p.Price))
	assert.Equal(t, "25.00", order.Subtotal.StringFixed(2))
	assert.Equal(t, "5.99", order.ShippingAmount.StringFixed(2))
	assert.Equal(t, "2.00", order.TaxAmount.StringFixed(2))
	assert.Equal(t, "32.99", order.TotalAmount.StringFixed(2))
	assert.Equal(t, models.OrderStatusPending, order.Status)
	assert.Nil(t, order.UserID)
	assert.Regexp(t, `^ORD-\d{8}-\d{6}-[0-9A-Z]{6}$`, order.OrderNumber)

	require.Len(t, h.effects.email.sent, 1)
	assert.Equal(t, in.Request.GuestEmail, h.effects.email.sent[0].Recipient)
	assert.Empty(t, h.effects.notifications.items)
	assert.Equal(t, 1, h.effects.runner.ran("email:"))
}

func TestPlaceOrder_UserCartFreeShipping(t *testing.T) {
	a, b := fakeProduct("40.00", 10), fakeProduct("15.25", 10)
	h := newCheckoutHarness(a, b)
	userID := uuid.New()
	h.carts.items[userID] = []models.CartItem{
		{UserID: userID, ProductID: a.ID, Quantity: 1},
		{UserID: userID, ProductID: b.ID, Quantity: 2},
	}

	order, _, err := h.svc.PlaceOrder(context.Background(), services.CheckoutInput{
		UserID:  &userID,
		Request: models.CreateOrderRequest{ShippingAddress: fakeAddress()},
	})

	require.NoError(t, err)
	assert.Equal(t, "70.50", order.Subtotal.StringFixed(2))
	assert.True(t, order.ShippingAmount.IsZero())
	assert.Equal(t, "5.64", order.TaxAmount.StringFixed(2))
	assert.Equal(t, "76.14", order.TotalAmount.StringFixed(2))
	assert.Len(t, h.effects.notifications.ofType(models.NotificationTypeOrder), 1)
}

func TestPlaceOrder_EmptyCart(t *testing.T) {
	h := newCheckoutHarness()
	userID := uuid.New()

	_, _, err := h.svc.PlaceOrder(context.Background(), services.CheckoutInput{
		UserID:  &userID,
		Request: models.CreateOrderRequest{ShippingAddress: fakeAddress()},
	})

	assert.Equal(t, "EMPTY_CART", reason(t, err))
}

func TestPlaceOrder_AllGuestItemsInvalid(t *testing.T) {
	h := newCheckoutHarness()
	in := guestInput(models.CheckoutItem{ProductID: "  ", Quantity: 1}, models.CheckoutItem{ProductID: uuid.NewString(), Quantity: 0})

	_, _, err := h.svc.PlaceOrder(context.Background(), in)

	assert.Equal(t, "INVALID_CART_ITEMS", reason(t, err))
}

func TestPlaceOrder_InsufficientStockNamesProduct(t *testing.T) {
	p := fakeProduct("10.00", 2)
	h := newCheckoutHarness(p)

	_, _, err := h.svc.PlaceOrder(context.Background(), guestInput(line(p, 3)))

	appErr, ok := apperrors.As(err)
	require.True(t, ok)
	assert.Equal(t, http.StatusBadRequest, appErr.Code)
	assert.Equal(t, "INSUFFICIENT_STOCK", appErr.Reason)
	assert.Contains(t, appErr.Message, p.Name)
	assert.Contains(t, appErr.Message, "only 2 available")
	assert.Equal(t, 0, h.orders.placed)
	assert.Equal(t, 1, h.effects.metrics.count(aws_pkg.MetricCheckoutRejected))
}

func TestPlaceOrder_InactiveProduct(t *testing.T) {
	p := fakeProduct("10.00", 5)
	p.IsActive = false
	h := newCheckoutHarness(p)

	_, _, err := h.svc.PlaceOrder(context.Background(), guestInput(line(p, 1)))

	assert.Equal(t, "PRODUCT_UNAVAILABLE", reason(t, err))
}

func TestPlaceOrder_StockLostInsideTransaction(t *testing.T) {
	p := fakeProduct("10.00", 5)
	h := newCheckoutHarness(p)
	h.orders.placeErrs = []error{&repository.StockError{ProductID: p.ID, ProductName: p.Name, Available: 0, Requested: 1}}

	_, _, err := h.svc.PlaceOrder(context.Background(), guestInput(line(p, 1)))

	appErr, ok := apperrors.As(err)
	require.True(t, ok)
	assert.Equal(t, "INSUFFICIENT_STOCK", appErr.Reason)
	assert.Contains(t, appErr.Message, "only 0 available")
	assert.Empty(t, h.effects.email.sent)
}

func TestPlaceOrder_RetriesOrderNumberCollision(t *testing.T) {
	p := fakeProduct("10.00", 5)
	h := newCheckoutHarness(p)
	h.orders.placeErrs = []error{repository.ErrDuplicateOrderNumber, repository.ErrDuplicateOrderNumber}

	order, _, err := h.svc.PlaceOrder(context.Background(), guestInput(line(p, 1)))

	require.NoError(t, err)
	assert.NotEmpty(t, order.OrderNumber)
	assert.Equal(t, 1, h.orders.placed)
}

func TestPlaceOrder_GivesUpAfterRepeatedCollisions(t *testing.T) {
	p := fakeProduct("10.00", 5)
	h := newCheckoutHarness(p)
	h.orders.placeErrs = []error{repository.ErrDuplicateOrderNumber, repository.ErrDuplicateOrderNumber, repository.ErrDuplicateOrderNumber}

	_, _, err := h.svc.PlaceOrder(context.Background(), guestInput(line(p, 1)))

	require.Error(t, err)
	assert.Equal(t, 0, h.orders.placed)
}

func TestPlaceOrder_IdempotencyKeyReplays(t *testing.T) {
	p := fakeProduct("10.00", 5)
	h := newCheckoutHarness(p)
	userID := uuid.New()
	h.carts.items[userID] = []models.CartItem{{UserID: userID, ProductID: p.ID, Quantity: 1}}
	in := services.CheckoutInput{
		UserID:         &userID,
		IdempotencyKey: "key-1",
		Request:        models.CreateOrderRequest{ShippingAddress: fakeAddress()},
	}

	first, _, err := h.svc.PlaceOrder(context.Background(), in)
	require.NoError(t, err)
	second, replayed, err := h.svc.PlaceOrder(context.Background(), in)
	require.NoError(t, err)

	assert.True(t, replayed)
	assert.Equal(t, first.ID, second.ID)
	assert.Equal(t, 1, h.orders.placed)

	other := uuid.New()
	in.UserID = &other
	_, _, err = h.svc.PlaceOrder(context.Background(), in)
	assert.Equal(t, "IDEMPOTENCY_KEY_REUSED", reason(t, err))
}

func TestPlaceOrder_MergedQuantityCannotOverflow(t *testing.T) {
	p := fakeProduct("10.00", 5)
	h := newCheckoutHarness(p)

	_, _, err := h.svc.PlaceOrder(context.Background(), guestInput(line(p, math.MaxInt), line(p, math.MaxInt)))

	assert.Equal(t, "INVALID_QUANTITY", reason(t, err))
	assert.Equal(t, 0, h.orders.placed)
	assert.Equal(t, 5, h.catalog.stock(p.ID))
}

func TestPlaceOrder_MergedQuantityCapped(t *testing.T) {
	p := fakeProduct("1.00", 5000)
	h := newCheckoutHarness(p)

	_, _, err := h.svc.PlaceOrder(context.Background(), guestInput(line(p, services.MaxLineQuantity), line(p, 1)))
	assert.Equal(t, "INVALID_QUANTITY", reason(t, err))

	order, _, err := h.svc.PlaceOrder(context.Background(), guestInput(line(p, services.MaxLineQuantity-1), line(p, 1)))
	require.NoError(t, err)
	assert.Equal(t, services.MaxLineQuantity, order.Items[0].Quantity)
}

func TestPlaceOrder_ConcurrentCheckoutsNeverOversell(t *testing.T) {
	const stock, extra = 5, 4
	p := fakeProduct("10.00", stock)
	h := newCheckoutHarness(p)

	inputs := make([]services.CheckoutInput, stock+extra)
	for i := range inputs {
		inputs[i] = guestInput(line(p, 1))
	}

	var (
		wg      sync.WaitGroup
		mu      sync.Mutex
		ok      int
		reasons []string
	)
	for _, in := range inputs {
		wg.Add(1)
		go func(in services.CheckoutInput) {
			defer wg.Done()
			_, _, err := h.svc.PlaceOrder(context.Background(), in)
			mu.Lock()
			defer mu.Unlock()
			if err == nil {
				ok++
				return
			}
			if appErr, isApp := apperrors.As(err); isApp {
				reasons = append(reasons, appErr.Reason)
			} else {
				reasons = append(reasons, err.Error())
			}
		}(in)
	}
	wg.Wait()

	assert.Equal(t, stock, ok)
	require.Len(t, reasons, extra)
	for _, r := range reasons {
		assert.Equal(t, "INSUFFICIENT_STOCK", r)
	}
	assert.Equal(t, 0, h.catalog.stock(p.ID))
	assert.Equal(t, stock, h.orders.placed)
}
