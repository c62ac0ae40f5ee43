package services_test

import (
	"context"
	"errors"
	"net/http"
	"sync"
	"testing"

	apperrors "fulfillment-service/common/errors"
	"fulfillment-service/models"
	aws_pkg "fulfillment-service/pkg/aws"
	"fulfillment-service/repository"
	"fulfillment-service/services"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

// ---- mock payment repository ----

// fakePaymentRepo mirrors the conditional updates of the gorm repository.
type fakePaymentRepo struct {
	mu       sync.Mutex
	orders   *fakeOrderRepo
	payments map[string]*models.Payment
}

func newFakePaymentRepo(orders *fakeOrderRepo) *fakePaymentRepo {
	return &fakePaymentRepo{orders: orders, payments: map[string]*models.Payment{}}
}

func (r *fakePaymentRepo) Create(_ context.Context, p *models.Payment) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, existing := range r.payments {
		if existing.OrderID == p.OrderID {
			return repository.ErrPaymentExists
		}
	}
	if p.ID == uuid.Nil {
		p.ID = uuid.New()
	}
	cp := *p
	r.payments[p.PaymentIntentID] = &cp
	return nil
}

func (r *fakePaymentRepo) FindByOrderID(_ context.Context, orderID uuid.UUID) (*models.Payment, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, p := range r.payments {
		if p.OrderID == orderID {
			cp := *p
			return &cp, nil
		}
	}
	return nil, repository.ErrNotFound
}

func (r *fakePaymentRepo) FindByIntentID(_ context.Context, intentID string) (*models.Payment, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	p, ok := r.payments[intentID]
	if !ok {
		return nil, repository.ErrNotFound
	}
	cp := *p
	return &cp, nil
}

func (r *fakePaymentRepo) Complete(ctx context.Context, intentID string, payload *string) (*models.Payment, bool, error) {
	r.mu.Lock()
	p, ok := r.payments[intentID]
	if !ok {
		r.mu.Unlock()
		return nil, false, repository.ErrNotFound
	}
	if p.Status != models.PaymentStatusPending && p.Status != models.PaymentStatusFailed {
		cp := *p
		r.mu.Unlock()
		return &cp, false, nil
	}
	p.Status = models.PaymentStatusCompleted
	p.ProviderPayload = payload
	cp := *p
	r.mu.Unlock()

	r.orders.mu.Lock()
	o := r.orders.orders[p.OrderID]
	o.PaymentStatus = models.PaymentStatusCompleted
	o.PaymentID = &cp.PaymentIntentID
	r.orders.mu.Unlock()
	if _, err := r.orders.TransitionStatus(ctx, p.OrderID, models.OrderStatusConfirmed); err != nil {
		return nil, false, err
	}
	return &cp, true, nil
}

func (r *fakePaymentRepo) MarkFailed(_ context.Context, intentID, reason string, payload *string) (bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	p, ok := r.payments[intentID]
	if !ok {
		return false, repository.ErrNotFound
	}
	if p.Status != models.PaymentStatusPending {
		return false, nil
	}
	p.Status = models.PaymentStatusFailed
	p.FailureReason = &reason
	p.ProviderPayload = payload
	return true, nil
}

func (r *fakePaymentRepo) ApplyRefund(_ context.Context, paymentID, orderID uuid.UUID, status models.PaymentStatus, refunded decimal.Decimal) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, p := range r.payments {
		if p.ID != paymentID {
			continue
		}
		if p.Status != models.PaymentStatusCompleted {
			return repository.ErrPaymentNotRefundable
		}
		p.Status = status
		p.RefundedAmount = refunded
		r.orders.mu.Lock()
		o := r.orders.orders[orderID]
		o.Status = models.OrderStatusRefunded
		o.PaymentStatus = status
		r.orders.mu.Unlock()
		return nil
	}
	return repository.ErrNotFound
}

// ---- mock gateway ----

type fakeGateway struct {
	intent      *models.PaymentIntent
	intentErr   error
	refundErr   error
	refunded    []decimal.Decimal
	event       *models.PaymentWebhookEvent
	parseErr    error
	createCalls int
}

func (g *fakeGateway) CreatePaymentIntent(_ context.Context, amount decimal.Decimal, currency string, _ map[string]string) (*models.PaymentIntent, error) {
	g.createCalls++
	if g.intentErr != nil {
		return nil, g.intentErr
	}
	return &models.PaymentIntent{ID: "pi_1", ClientSecret: "pi_1_secret", Status: "requires_payment_method", Amount: amount, Currency: currency}, nil
}

func (g *fakeGateway) GetPaymentIntent(_ context.Context, _ string) (*models.PaymentIntent, error) {
	return g.intent, g.intentErr
}

func (g *fakeGateway) CreateRefund(_ context.Context, _ string, amount decimal.Decimal, _ string) (*models.Refund, error) {
	if g.refundErr != nil {
		return nil, g.refundErr
	}
	g.refunded = append(g.refunded, amount)
	return &models.Refund{ID: "re_1", Amount: amount, Status: "succeeded"}, nil
}

func (g *fakeGateway) ParseWebhook(_ []byte, _ string) (*models.PaymentWebhookEvent, error) {
	return g.event, g.parseErr
}

// ---- mock dedup ----

type fakeDedup struct {
	claimed  map[string]bool
	claimErr error
	released int
}

func (d *fakeDedup) Claim(_ context.Context, source, id string) (bool, error) {
	if d.claimErr != nil {
		return false, d.claimErr
	}
	if d.claimed == nil {
		d.claimed = map[string]bool{}
	}
	key := source + ":" + id
	if d.claimed[key] {
		return false, nil
	}
	d.claimed[key] = true
	return true, nil
}

func (d *fakeDedup) Release(_ context.Context, source, id string) error {
	delete(d.claimed, source+":"+id)
	d.released++
	return nil
}

// ---- helper ----

type paymentHarness struct {
	orders   *fakeOrderRepo
	payments *fakePaymentRepo
	audits   *fakeAudits
	gateway  *fakeGateway
	dedup    *fakeDedup
	effects  *sideEffects
	svc      *services.PaymentService
}

func newPaymentHarness(gateway *fakeGateway, orders ...*models.Order) *paymentHarness {
	h := &paymentHarness{
		orders:  newFakeOrderRepo(orders...),
		audits:  &fakeAudits{},
		gateway: gateway,
		dedup:   &fakeDedup{},
		effects: newSideEffects(),
	}
	h.payments = newFakePaymentRepo(h.orders)
	h.svc = services.NewPaymentService(h.orders, h.payments, h.audits, gateway, h.dedup, h.effects.notifier, "USD", zap.NewNop())
	return h
}

func pendingOrder(userID *uuid.UUID) *models.Order {
	o := paidOrder(userID)
	o.Status = models.OrderStatusPending
	o.PaymentStatus = models.PaymentStatusPending
	return o
}

func seedPayment(t *testing.T, h *paymentHarness, order *models.Order, status models.PaymentStatus) {
	t.Helper()
	require.NoError(t, h.payments.Create(context.Background(), &models.Payment{
		OrderID:         order.ID,
		UserID:          order.UserID,
		PaymentIntentID: "pi_1",
		Amount:          order.TotalAmount,
		Currency:        "usd",
		Status:          status,
	}))
}

func succeededEvent(id string) *models.PaymentWebhookEvent {
	return &models.PaymentWebhookEvent{
		ID:     id,
		Type:   models.PaymentEventIntentSucceeded,
		Intent: &models.PaymentIntent{ID: "pi_1", Status: "succeeded"},
		Raw:    []byte(`{"id":"` + id + `"}`),
	}
}

// ---- tests ----

func TestCreateIntent_Success(t *testing.T) {
	userID := uuid.New()
	order := pendingOrder(&userID)
	h := newPaymentHarness(&fakeGateway{}, order)

	res, err := h.svc.CreateIntent(context.Background(), services.Caller{UserID: &userID}, models.CreateIntentRequest{OrderID: order.ID.String()})

	require.NoError(t, err)
	assert.Equal(t, "pi_1_secret", res.ClientSecret)
	assert.Equal(t, "usd", res.Currency)
	assert.True(t, res.Amount.Equal(order.TotalAmount))
}

func TestCreateIntent_Currency(t *testing.T) {
	tests := map[string]struct {
		currency string
		want     string
		reason   string
	}{
		"default":        {currency: "", want: "usd"},
		"normalized":     {currency: " EUR", want: "eur"},
		"unknown":        {currency: "dollars", reason: "INVALID_CURRENCY"},
		"not iso format": {currency: "US", reason: "INVALID_CURRENCY"},
	}
	for name, tt := range tests {
		t.Run(name, func(t *testing.T) {
			order := pendingOrder(nil)
			gateway := &fakeGateway{}
			h := newPaymentHarness(gateway, order)

			res, err := h.svc.CreateIntent(context.Background(), services.Caller{}, models.CreateIntentRequest{OrderID: order.ID.String(), Currency: tt.currency})

			if tt.reason != "" {
				appErr, ok := apperrors.As(err)
				require.True(t, ok)
				assert.Equal(t, tt.reason, appErr.Reason)
				assert.Equal(t, 0, gateway.createCalls)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, res.Currency)
		})
	}
}

func TestCreateIntent_SecondCallConflicts(t *testing.T) {
	order := pendingOrder(nil)
	h := newPaymentHarness(&fakeGateway{}, order)
	seedPayment(t, h, order, models.PaymentStatusPending)

	_, err := h.svc.CreateIntent(context.Background(), services.Caller{}, models.CreateIntentRequest{OrderID: order.ID.String()})

	assert.Equal(t, http.StatusConflict, statusCode(t, err))
	assert.Equal(t, 0, h.gateway.createCalls)
	existing, _ := h.payments.FindByIntentID(context.Background(), "pi_1")
	assert.Equal(t, models.PaymentStatusPending, existing.Status)
}

func TestCreateIntent_AmountMismatch(t *testing.T) {
	order := pendingOrder(nil)
	h := newPaymentHarness(&fakeGateway{}, order)
	wrong := decimal.RequireFromString("1.00")

	_, err := h.svc.CreateIntent(context.Background(), services.Caller{}, models.CreateIntentRequest{OrderID: order.ID.String(), Amount: &wrong})

	appErr, ok := apperrors.As(err)
	require.True(t, ok)
	assert.Equal(t, "AMOUNT_MISMATCH", appErr.Reason)
}

func TestCreateIntent_OtherUsersOrderIsHidden(t *testing.T) {
	owner, other := uuid.New(), uuid.New()
	order := pendingOrder(&owner)
	h := newPaymentHarness(&fakeGateway{}, order)

	_, err := h.svc.CreateIntent(context.Background(), services.Caller{UserID: &other}, models.CreateIntentRequest{OrderID: order.ID.String()})

	assert.Equal(t, http.StatusNotFound, statusCode(t, err))
}

func TestConfirm_ThenWebhookNotifiesOnce(t *testing.T) {
	userID := uuid.New()
	order := pendingOrder(&userID)
	h := newPaymentHarness(&fakeGateway{
		intent: &models.PaymentIntent{ID: "pi_1", Status: "succeeded"},
		event:  succeededEvent("evt_1"),
	}, order)
	seedPayment(t, h, order, models.PaymentStatusPending)

	payment, err := h.svc.Confirm(context.Background(), services.Caller{UserID: &userID},
		models.ConfirmPaymentRequest{PaymentIntentID: "pi_1", OrderID: order.ID.String()})
	require.NoError(t, err)
	assert.Equal(t, models.PaymentStatusCompleted, payment.Status)

	require.NoError(t, h.svc.HandleWebhook(context.Background(), []byte("{}"), "sig"))

	stored := h.orders.get(order.ID)
	assert.Equal(t, models.OrderStatusConfirmed, stored.Status)
	assert.Equal(t, models.PaymentStatusCompleted, stored.PaymentStatus)
	assert.Len(t, h.effects.notifications.ofType(models.NotificationTypePayment), 1)
}

func TestConfirm_FailedIntent(t *testing.T) {
	order := pendingOrder(nil)
	h := newPaymentHarness(&fakeGateway{
		intent: &models.PaymentIntent{ID: "pi_1", Status: "requires_payment_method", FailureMessage: "Your card was declined."},
	}, order)
	seedPayment(t, h, order, models.PaymentStatusPending)

	_, err := h.svc.Confirm(context.Background(), services.Caller{},
		models.ConfirmPaymentRequest{PaymentIntentID: "pi_1", OrderID: order.ID.String()})

	appErr, ok := apperrors.As(err)
	require.True(t, ok)
	assert.Equal(t, http.StatusBadRequest, appErr.Code)
	assert.Equal(t, "Payment failed", appErr.Message)
	assert.Equal(t, "Your card was declined.", appErr.Detail)

	p, _ := h.payments.FindByIntentID(context.Background(), "pi_1")
	assert.Equal(t, models.PaymentStatusFailed, p.Status)
	assert.Equal(t, models.OrderStatusPending, h.orders.get(order.ID).Status)
}

func TestHandleWebhook_DuplicateEventSkipped(t *testing.T) {
	order := pendingOrder(nil)
	h := newPaymentHarness(&fakeGateway{event: succeededEvent("evt_1")}, order)
	seedPayment(t, h, order, models.PaymentStatusPending)

	require.NoError(t, h.svc.HandleWebhook(context.Background(), []byte("{}"), "sig"))
	require.NoError(t, h.svc.HandleWebhook(context.Background(), []byte("{}"), "sig"))

	assert.Equal(t, models.OrderStatusConfirmed, h.orders.get(order.ID).Status)
	assert.Equal(t, 1, h.effects.metrics.count(aws_pkg.MetricPaymentSucceeded))
}

func TestHandleWebhook_DedupOutageStillProcesses(t *testing.T) {
	order := pendingOrder(nil)
	h := newPaymentHarness(&fakeGateway{event: succeededEvent("evt_1")}, order)
	h.dedup.claimErr = errors.New("redis: connection refused")
	seedPayment(t, h, order, models.PaymentStatusPending)

	require.NoError(t, h.svc.HandleWebhook(context.Background(), []byte("{}"), "sig"))

	assert.Equal(t, models.OrderStatusConfirmed, h.orders.get(order.ID).Status)
}

func TestHandleWebhook_BadSignature(t *testing.T) {
	h := newPaymentHarness(&fakeGateway{parseErr: errors.New("signature mismatch")})

	err := h.svc.HandleWebhook(context.Background(), []byte("{}"), "bad")

	assert.Equal(t, http.StatusBadRequest, statusCode(t, err))
}

func TestHandleWebhook_UnknownIntentIsIgnored(t *testing.T) {
	h := newPaymentHarness(&fakeGateway{event: succeededEvent("evt_9")})

	assert.NoError(t, h.svc.HandleWebhook(context.Background(), []byte("{}"), "sig"))
}

func TestHandleWebhook_DisputeWritesAuditLog(t *testing.T) {
	h := newPaymentHarness(&fakeGateway{event: &models.PaymentWebhookEvent{
		ID:      "evt_d",
		Type:    models.PaymentEventDisputeCreated,
		Dispute: &models.Dispute{ID: "dp_1", ChargeID: "ch_1", PaymentIntentID: "pi_1", Reason: "fraudulent"},
	}})

	require.NoError(t, h.svc.HandleWebhook(context.Background(), []byte("{}"), "sig"))

	require.Len(t, h.audits.entries, 1)
	assert.Equal(t, "dispute_created", h.audits.entries[0].Action)
	assert.Equal(t, "pi_1", h.audits.entries[0].EntityID)
}

func TestRefund(t *testing.T) {
	tests := []struct {
		name          string
		amount        string
		paymentStatus models.PaymentStatus
	}{
		{name: "full refund", amount: "25.00", paymentStatus: models.PaymentStatusRefunded},
		{name: "partial refund", amount: "10.00", paymentStatus: models.PaymentStatusPartiallyRefunded},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			order := paidOrder(nil)
			h := newPaymentHarness(&fakeGateway{}, order)
			seedPayment(t, h, order, models.PaymentStatusCompleted)
			amount := decimal.RequireFromString(tt.amount)

			payment, err := h.svc.Refund(context.Background(), adminCaller, order.ID, models.RefundRequest{Amount: &amount})

			require.NoError(t, err)
			assert.Equal(t, tt.paymentStatus, payment.Status)
			assert.Equal(t, models.OrderStatusRefunded, h.orders.get(order.ID).Status)
			require.Len(t, h.gateway.refunded, 1)
			assert.True(t, h.gateway.refunded[0].Equal(amount))
		})
	}
}

func TestRefund_RequiresCompletedPayment(t *testing.T) {
	order := pendingOrder(nil)
	h := newPaymentHarness(&fakeGateway{}, order)
	seedPayment(t, h, order, models.PaymentStatusPending)

	_, err := h.svc.Refund(context.Background(), adminCaller, order.ID, models.RefundRequest{})

	appErr, ok := apperrors.As(err)
	require.True(t, ok)
	assert.Equal(t, "NOT_REFUNDABLE", appErr.Reason)
	assert.Empty(t, h.gateway.refunded)
}

func TestRefund_RejectsExcessAmount(t *testing.T) {
	order := paidOrder(nil)
	h := newPaymentHarness(&fakeGateway{}, order)
	seedPayment(t, h, order, models.PaymentStatusCompleted)
	tooMuch := decimal.RequireFromString("30.00")

	_, err := h.svc.Refund(context.Background(), adminCaller, order.ID, models.RefundRequest{Amount: &tooMuch})

	assert.Equal(t, http.StatusBadRequest, statusCode(t, err))
}
