package services_test

import (
	"context"
	"fmt"
	"slices"
	"strings"
	"sync"
	"time"

	"fulfillment-service/models"
	"fulfillment-service/repository"
	"fulfillment-service/services"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
	"gorm.io/gorm/clause"
)

// ---- background runner ----

// syncRunner runs side effects inline so tests can assert on them.
type syncRunner struct {
	mu    sync.Mutex
	names []string
	errs  []error
}

func (r *syncRunner) Go(name string, task func(ctx context.Context) error) {
	err := task(context.Background())
	r.mu.Lock()
	defer r.mu.Unlock()
	r.names = append(r.names, name)
	if err != nil {
		r.errs = append(r.errs, err)
	}
}

func (r *syncRunner) ran(prefix string) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	n := 0
	for _, name := range r.names {
		if strings.HasPrefix(name, prefix) {
			n++
		}
	}
	return n
}

// ---- order repository ----

// fakeOrderRepo keeps orders in memory and evaluates the conditional update
// expressions the way Postgres would.
type fakeOrderRepo struct {
	mu        sync.Mutex
	orders    map[uuid.UUID]*models.Order
	catalog   *fakeCatalog
	placeErrs []error
	placed    int
	fills     int

	statusWrites int
}

func newFakeOrderRepo(orders ...*models.Order) *fakeOrderRepo {
	r := &fakeOrderRepo{orders: map[uuid.UUID]*models.Order{}}
	for _, o := range orders {
		r.orders[o.ID] = o
	}
	return r
}

func (r *fakeOrderRepo) get(id uuid.UUID) *models.Order {
	r.mu.Lock()
	defer r.mu.Unlock()
	cp := *r.orders[id]
	return &cp
}

func (r *fakeOrderRepo) PlaceOrder(_ context.Context, order *models.Order, _ *uuid.UUID) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if len(r.placeErrs) > 0 {
		err := r.placeErrs[0]
		r.placeErrs = r.placeErrs[1:]
		if err != nil {
			return err
		}
	}
	for _, item := range order.Items {
		if item.Quantity <= 0 {
			return repository.ErrInvalidQuantity
		}
	}
	if r.catalog != nil {
		if err := r.catalog.reserve(order.Items); err != nil {
			return err
		}
	}
	if order.ID == uuid.Nil {
		order.ID = uuid.New()
	}
	for i := range order.Items {
		order.Items[i].OrderID = order.ID
	}
	cp := *order
	r.orders[order.ID] = &cp
	r.placed++
	return nil
}

func (r *fakeOrderRepo) FindByID(_ context.Context, id uuid.UUID) (*models.Order, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	o, ok := r.orders[id]
	if !ok {
		return nil, repository.ErrNotFound
	}
	cp := *o
	return &cp, nil
}

func (r *fakeOrderRepo) FindByIdempotencyKey(_ context.Context, key string) (*models.Order, error) {
	return r.first(func(o *models.Order) bool { return o.IdempotencyKey != nil && *o.IdempotencyKey == key })
}

func (r *fakeOrderRepo) FindByUserID(_ context.Context, userID uuid.UUID, _, _ int) ([]models.Order, int64, error) {
	out := r.all(func(o *models.Order) bool { return o.UserID != nil && *o.UserID == userID })
	return out, int64(len(out)), nil
}

func (r *fakeOrderRepo) FindAll(_ context.Context, status models.OrderStatus, _, _ int) ([]models.Order, int64, error) {
	out := r.all(func(o *models.Order) bool { return status == "" || o.Status == status })
	return out, int64(len(out)), nil
}

func (r *fakeOrderRepo) FindByTrackingNumber(_ context.Context, tn string) ([]models.Order, error) {
	return r.all(func(o *models.Order) bool { return o.TrackingNumber != nil && *o.TrackingNumber == tn }), nil
}

func (r *fakeOrderRepo) FindByShipmentAndTracking(_ context.Context, shipmentID, tn string) (*models.Order, error) {
	return r.first(func(o *models.Order) bool {
		return o.ShipmentID != nil && *o.ShipmentID == shipmentID && o.TrackingNumber != nil && *o.TrackingNumber == tn
	})
}

func (r *fakeOrderRepo) FindByShipmentReference(_ context.Context, objectID, rateID string, orderID *uuid.UUID) (*models.Order, error) {
	if o, err := r.first(func(o *models.Order) bool { return o.ShipmentID != nil && *o.ShipmentID == objectID }); err == nil {
		return o, nil
	}
	return r.first(func(o *models.Order) bool {
		if rateID != "" {
			if (o.ShipmentID != nil && *o.ShipmentID == rateID) || (o.ShippingRateID != nil && *o.ShippingRateID == rateID) {
				return true
			}
		}
		return orderID != nil && o.ID == *orderID
	})
}

func (r *fakeOrderRepo) TransitionStatus(_ context.Context, id uuid.UUID, status models.OrderStatus) (bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	o, ok := r.orders[id]
	if !ok || !slices.Contains(models.TransitionSources(status), o.Status) {
		return false, nil
	}
	o.Status = status
	return true, nil
}

func (r *fakeOrderRepo) SetStatus(_ context.Context, id uuid.UUID, status models.OrderStatus) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	o, ok := r.orders[id]
	if !ok {
		return repository.ErrNotFound
	}
	o.Status = status
	return nil
}

func (r *fakeOrderRepo) ApplyShipment(_ context.Context, id uuid.UUID, fields map[string]interface{}) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	o, ok := r.orders[id]
	if !ok {
		return repository.ErrNotFound
	}
	updates := map[string]interface{}{"status": repository.AdvanceToProcessing()}
	for k, v := range fields {
		updates[k] = v
	}
	applyUpdates(o, updates)
	return nil
}

func (r *fakeOrderRepo) FillShipmentFields(_ context.Context, key repository.ShipmentKey, fills, sets map[string]interface{}) (int64, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	updates := map[string]interface{}{}
	for col, v := range fills {
		updates[col] = repository.KeepExisting(col, v)
	}
	for col, v := range sets {
		updates[col] = v
	}
	var n int64
	for _, o := range r.orders {
		if matchesKey(o, key) {
			applyUpdates(o, updates)
			n++
		}
	}
	if n > 0 {
		r.fills++
	}
	return n, nil
}

func (r *fakeOrderRepo) UpdateFields(_ context.Context, id uuid.UUID, fields map[string]interface{}) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	o, ok := r.orders[id]
	if !ok {
		return repository.ErrNotFound
	}
	applyUpdates(o, fields)
	return nil
}

func (r *fakeOrderRepo) SetShipmentStatus(_ context.Context, id uuid.UUID, status models.ShipmentStatus, fields map[string]interface{}, force bool) (bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	o, ok := r.orders[id]
	if !ok {
		if force {
			return false, repository.ErrNotFound
		}
		return false, nil
	}
	if !force && o.ShipmentStatus != nil && (*o.ShipmentStatus == status || o.ShipmentStatus.IsFinal()) {
		return false, nil
	}
	updates := map[string]interface{}{"shipment_status": status}
	for k, v := range fields {
		updates[k] = v
	}
	applyUpdates(o, updates)
	r.statusWrites++
	return true, nil
}

func (r *fakeOrderRepo) first(match func(*models.Order) bool) (*models.Order, error) {
	out := r.all(match)
	if len(out) == 0 {
		return nil, repository.ErrNotFound
	}
	return &out[0], nil
}

func (r *fakeOrderRepo) all(match func(*models.Order) bool) []models.Order {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []models.Order
	for _, o := range r.orders {
		if match(o) {
			out = append(out, *o)
		}
	}
	return out
}

func matchesKey(o *models.Order, key repository.ShipmentKey) bool {
	switch key.Column {
	case "id":
		return o.ID == key.Value.(uuid.UUID)
	case "shipment_id":
		return o.ShipmentID != nil && *o.ShipmentID == key.Value.(string)
	case "tracking_number":
		return o.TrackingNumber != nil && *o.TrackingNumber == key.Value.(string)
	}
	return false
}

func applyUpdates(o *models.Order, updates map[string]interface{}) {
	for col, v := range updates {
		if expr, ok := v.(clause.Expr); ok {
			v, ok = evalExpr(o, col, expr)
			if !ok {
				continue
			}
		}
		setColumn(o, col, v)
	}
}

func evalExpr(o *models.Order, col string, expr clause.Expr) (interface{}, bool) {
	switch {
	case strings.HasPrefix(expr.SQL, "COALESCE"):
		if columnSet(o, col) {
			return nil, false
		}
		return expr.Vars[0], true
	case strings.HasPrefix(expr.SQL, "CASE WHEN status IN"):
		if slices.Contains(expr.Vars[0].([]models.OrderStatus), o.Status) {
			return expr.Vars[1], true
		}
		return nil, false
	case strings.HasPrefix(expr.SQL, "CASE WHEN shipment_id IS NULL"):
		if o.ShipmentID == nil || *o.ShipmentID == expr.Vars[0].(string) {
			return expr.Vars[1], true
		}
		return nil, false
	}
	panic("unexpected expression " + expr.SQL)
}

func setColumn(o *models.Order, col string, v interface{}) {
	str := func(dst **string) {
		s := fmt.Sprint(v)
		*dst = &s
	}
	switch col {
	case "status":
		o.Status = v.(models.OrderStatus)
	case "shipment_status":
		s := v.(models.ShipmentStatus)
		o.ShipmentStatus = &s
	case "shipment_id":
		str(&o.ShipmentID)
	case "shipping_rate_id":
		str(&o.ShippingRateID)
	case "tracking_number":
		str(&o.TrackingNumber)
	case "tracking_url":
		str(&o.TrackingURL)
	case "shipping_label_url":
		str(&o.ShippingLabelURL)
	case "shipping_label_key":
		str(&o.ShippingLabelKey)
	case "shipping_carrier":
		str(&o.ShippingCarrier)
	case "shipping_service":
		str(&o.ShippingService)
	case "shipping_cost":
		o.ShippingCost = v.(decimal.NullDecimal)
	case "estimated_delivery_at":
		t := v.(time.Time)
		o.EstimatedDeliveryAt = &t
	case "delivered_at":
		t := v.(time.Time)
		o.DeliveredAt = &t
	default:
		panic("unexpected column " + col)
	}
}

func columnSet(o *models.Order, col string) bool {
	switch col {
	case "shipment_status":
		return o.ShipmentStatus != nil
	case "shipment_id":
		return o.ShipmentID != nil
	case "shipping_rate_id":
		return o.ShippingRateID != nil
	case "tracking_number":
		return o.TrackingNumber != nil
	case "tracking_url":
		return o.TrackingURL != nil
	case "shipping_label_url":
		return o.ShippingLabelURL != nil
	}
	panic("unexpected fill column " + col)
}

// ---- small stores ----

type fakeCatalog struct {
	mu       sync.Mutex
	products map[uuid.UUID]models.Product
}

// reserve decrements stock for every item or for none, like the guarded
// UPDATE inside the order transaction.
func (c *fakeCatalog) reserve(items []models.OrderItem) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, item := range items {
		p, ok := c.products[item.ProductID]
		if !ok || !p.IsActive || p.Stock < item.Quantity {
			return &repository.StockError{
				ProductID:   item.ProductID,
				ProductName: p.Name,
				Available:   p.Stock,
				Requested:   item.Quantity,
				Inactive:    ok && !p.IsActive,
			}
		}
	}
	for _, item := range items {
		p := c.products[item.ProductID]
		p.Stock -= item.Quantity
		p.Sales += item.Quantity
		c.products[item.ProductID] = p
	}
	return nil
}

func (c *fakeCatalog) stock(id uuid.UUID) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.products[id].Stock
}

func (c *fakeCatalog) FindByIDs(_ context.Context, ids []uuid.UUID) ([]models.Product, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	var out []models.Product
	for _, id := range ids {
		if p, ok := c.products[id]; ok {
			out = append(out, p)
		}
	}
	return out, nil
}

type fakeCarts struct {
	items map[uuid.UUID][]models.CartItem
}

func (c *fakeCarts) FindByUserID(_ context.Context, userID uuid.UUID) ([]models.CartItem, error) {
	return c.items[userID], nil
}

type fakeEvents struct {
	mu     sync.Mutex
	events []models.ShipmentEvent
}

func (e *fakeEvents) Create(_ context.Context, event *models.ShipmentEvent) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.events = append(e.events, *event)
	return nil
}

func (e *fakeEvents) FindByOrderID(_ context.Context, orderID uuid.UUID) ([]models.ShipmentEvent, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	var out []models.ShipmentEvent
	for _, ev := range e.events {
		if ev.OrderID != nil && *ev.OrderID == orderID {
			out = append(out, ev)
		}
	}
	return out, nil
}

type fakeNotifications struct {
	mu    sync.Mutex
	items []models.Notification
}

func (n *fakeNotifications) Create(_ context.Context, note *models.Notification) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.items = append(n.items, *note)
	return nil
}

func (n *fakeNotifications) ofType(typ models.NotificationType) []models.Notification {
	n.mu.Lock()
	defer n.mu.Unlock()
	var out []models.Notification
	for _, item := range n.items {
		if item.Type == typ {
			out = append(out, item)
		}
	}
	return out
}

type fakeAudits struct {
	mu      sync.Mutex
	entries []models.AuditLog
}

func (a *fakeAudits) Create(_ context.Context, entry *models.AuditLog) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.entries = append(a.entries, *entry)
	return nil
}

type fakeEmail struct {
	mu   sync.Mutex
	sent []models.EmailRequest
}

func (e *fakeEmail) Send(_ context.Context, req models.EmailRequest) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.sent = append(e.sent, req)
	return nil
}

type fakeMetrics struct {
	mu     sync.Mutex
	counts map[string]int
}

func (m *fakeMetrics) RecordCount(_ context.Context, name string, _ map[string]string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.counts == nil {
		m.counts = map[string]int{}
	}
	m.counts[name]++
	return nil
}

func (m *fakeMetrics) count(name string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.counts[name]
}

// ---- notifier harness ----

type sideEffects struct {
	runner        *syncRunner
	notifications *fakeNotifications
	email         *fakeEmail
	metrics       *fakeMetrics
	notifier      *services.Notifier
}

func newSideEffects() *sideEffects {
	s := &sideEffects{
		runner:        &syncRunner{},
		notifications: &fakeNotifications{},
		email:         &fakeEmail{},
		metrics:       &fakeMetrics{},
	}
	s.notifier = services.NewNotifier(s.runner, s.notifications, s.email, nil, "", s.metrics, zap.NewNop())
	return s
}

// ---- fixtures ----

func paidOrder(userID *uuid.UUID) *models.Order {
	return &models.Order{
		ID:            uuid.New(),
		OrderNumber:   "ORD-20250101-120000-ABC123",
		UserID:        userID,
		Status:        models.OrderStatusConfirmed,
		PaymentStatus: models.PaymentStatusCompleted,
		TotalAmount:   decimal.RequireFromString("25.00"),
		ShippingAddress: models.Address{
			FirstName: "Ada", LastName: "Lovelace", Street: "1 Main St",
			City: "Austin", State: "TX", Zip: "73301", Country: "US",
		},
	}
}

func strPtr(s string) *string { return &s }
