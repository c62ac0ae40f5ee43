package services

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"

	apperrors "fulfillment-service/common/errors"
	"fulfillment-service/models"
	"fulfillment-service/providers"
	"fulfillment-service/repository"

	"github.com/google/uuid"
	"github.com/samber/lo"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
	"golang.org/x/text/currency"
)

const stripeEventSource = "stripe"

// PaymentService coordinates payment intents, confirmation, webhooks and
// refunds. The confirm call and the succeeded webhook race; whichever lands
// first performs the transition and the other is a no-op.
type PaymentService struct {
	orders   repository.OrderRepository
	payments repository.PaymentRepository
	audits   repository.AuditRepository
	gateway  providers.PaymentGateway
	dedup    repository.EventDeduplicator
	notifier *Notifier
	currency string
	logger   *zap.Logger
}

func NewPaymentService(
	orders repository.OrderRepository,
	payments repository.PaymentRepository,
	audits repository.AuditRepository,
	gateway providers.PaymentGateway,
	dedup repository.EventDeduplicator,
	notifier *Notifier,
	defaultCurrency string,
	logger *zap.Logger,
) *PaymentService {
	if dedup == nil {
		dedup = repository.NoopEventDeduplicator{}
	}
	code, err := NormalizeCurrency(defaultCurrency)
	if err != nil {
		code = "usd"
	}
	return &PaymentService{
		orders:   orders,
		payments: payments,
		audits:   audits,
		gateway:  gateway,
		dedup:    dedup,
		notifier: notifier,
		currency: code,
		logger:   logger,
	}
}

func (s *PaymentService) CreateIntent(ctx context.Context, caller Caller, req models.CreateIntentRequest) (*models.PaymentIntentResult, error) {
	orderID, err := uuid.Parse(req.OrderID)
	if err != nil {
		return nil, apperrors.BadRequest("Invalid order id")
	}
	order, err := loadOrder(ctx, s.orders, caller, orderID)
	if err != nil {
		return nil, err
	}

	existing, err := s.payments.FindByOrderID(ctx, orderID)
	if err == nil && existing != nil {
		return nil, apperrors.Conflict("Payment already exists for this order").WithReason("PAYMENT_EXISTS")
	}
	if err != nil && !errors.Is(err, repository.ErrNotFound) {
		return nil, fmt.Errorf("lookup payment: %w", err)
	}

	if order.Status != models.OrderStatusPending {
		return nil, apperrors.BadRequest("Order is not awaiting payment").WithReason("ORDER_NOT_PENDING")
	}
	if req.Amount != nil && !req.Amount.Equal(order.TotalAmount) {
		return nil, apperrors.BadRequest("Amount does not match order total").WithReason("AMOUNT_MISMATCH")
	}
	code := s.currency
	if req.Currency != "" {
		if code, err = NormalizeCurrency(req.Currency); err != nil {
			return nil, apperrors.BadRequest(fmt.Sprintf("Unsupported currency %q", req.Currency)).WithReason("INVALID_CURRENCY")
		}
	}

	intent, err := s.gateway.CreatePaymentIntent(ctx, order.TotalAmount, code, map[string]string{
		"order_id":     order.ID.String(),
		"order_number": order.OrderNumber,
	})
	if err != nil {
		s.logger.Error("CreatePaymentIntent failed", zap.String("order_id", order.ID.String()), zap.Error(err))
		return nil, apperrors.Upstream("Payment provider unavailable", err)
	}

	payment := &models.Payment{
		OrderID:         order.ID,
		UserID:          order.UserID,
		PaymentIntentID: intent.ID,
		Amount:          order.TotalAmount,
		RefundedAmount:  decimal.Zero,
		Currency:        code,
		Status:          models.PaymentStatusPending,
	}
	if err := s.payments.Create(ctx, payment); err != nil {
		if errors.Is(err, repository.ErrPaymentExists) {
			s.logger.Warn("Concurrent intent creation, provider intent left unused",
				zap.String("order_id", order.ID.String()),
				zap.String("payment_intent_id", intent.ID),
			)
			return nil, apperrors.Conflict("Payment already exists for this order").WithReason("PAYMENT_EXISTS")
		}
		return nil, fmt.Errorf("create payment: %w", err)
	}

	s.logger.Info("Payment intent created",
		zap.String("order_id", order.ID.String()),
		zap.String("payment_intent_id", intent.ID),
	)
	return &models.PaymentIntentResult{
		PaymentID:       payment.ID,
		PaymentIntentID: intent.ID,
		ClientSecret:    intent.ClientSecret,
		Amount:          payment.Amount,
		Currency:        code,
		Status:          payment.Status,
	}, nil
}

// Confirm re-reads the intent from the provider and applies its outcome.
func (s *PaymentService) Confirm(ctx context.Context, caller Caller, req models.ConfirmPaymentRequest) (*models.Payment, error) {
	orderID, err := uuid.Parse(req.OrderID)
	if err != nil {
		return nil, apperrors.BadRequest("Invalid order id")
	}
	order, err := loadOrder(ctx, s.orders, caller, orderID)
	if err != nil {
		return nil, err
	}

	payment, err := s.payments.FindByIntentID(ctx, req.PaymentIntentID)
	if errors.Is(err, repository.ErrNotFound) {
		return nil, apperrors.NotFound("Payment not found")
	}
	if err != nil {
		return nil, fmt.Errorf("lookup payment: %w", err)
	}
	if payment.OrderID != order.ID {
		return nil, apperrors.BadRequest("Payment intent does not belong to this order")
	}

	intent, err := s.gateway.GetPaymentIntent(ctx, req.PaymentIntentID)
	if err != nil {
		s.logger.Error("GetPaymentIntent failed", zap.String("payment_intent_id", req.PaymentIntentID), zap.Error(err))
		return nil, apperrors.Upstream("Payment provider unavailable", err)
	}

	if !intent.Succeeded() {
		reason := intent.FailureMessage
		if reason == "" {
			reason = "payment intent status: " + intent.Status
		}
		if err := s.failPayment(ctx, order, intent.ID, reason, nil); err != nil {
			return nil, err
		}
		failure := apperrors.New(http.StatusBadRequest, "Payment failed", nil).WithReason("PAYMENT_FAILED")
		failure.Detail = reason
		return nil, failure
	}

	completed, err := s.completePayment(ctx, intent.ID, nil)
	if err != nil {
		return nil, err
	}
	return completed, nil
}

// completePayment applies a succeeded intent. Only the call that performs the
// transition emits side effects.
func (s *PaymentService) completePayment(ctx context.Context, intentID string, payload *string) (*models.Payment, error) {
	payment, transitioned, err := s.payments.Complete(ctx, intentID, payload)
	if errors.Is(err, repository.ErrNotFound) {
		return nil, apperrors.NotFound("Payment not found")
	}
	if err != nil {
		return nil, fmt.Errorf("complete payment: %w", err)
	}
	if !transitioned {
		s.logger.Debug("Payment already settled", zap.String("payment_intent_id", intentID), zap.String("status", string(payment.Status)))
		return payment, nil
	}

	s.logger.Info("Payment completed",
		zap.String("order_id", payment.OrderID.String()),
		zap.String("payment_intent_id", intentID),
	)
	if order, err := s.orders.FindByID(ctx, payment.OrderID); err == nil {
		s.notifier.PaymentSucceeded(order, payment)
	} else {
		s.logger.Warn("Could not load order for payment notification", zap.String("order_id", payment.OrderID.String()), zap.Error(err))
	}
	return payment, nil
}

func (s *PaymentService) failPayment(ctx context.Context, order *models.Order, intentID, reason string, payload *string) error {
	changed, err := s.payments.MarkFailed(ctx, intentID, reason, payload)
	if errors.Is(err, repository.ErrNotFound) {
		return apperrors.NotFound("Payment not found")
	}
	if err != nil {
		return fmt.Errorf("mark payment failed: %w", err)
	}
	if !changed {
		return nil
	}

	s.logger.Warn("Payment failed", zap.String("payment_intent_id", intentID), zap.String("reason", reason))
	if order == nil {
		return nil
	}
	payment, err := s.payments.FindByIntentID(ctx, intentID)
	if err != nil {
		s.logger.Warn("Could not reload failed payment", zap.String("payment_intent_id", intentID), zap.Error(err))
		return nil
	}
	s.notifier.PaymentFailed(order, payment, reason)
	return nil
}

// HandleWebhook verifies and applies a payment provider event. A returned
// error asks the provider to redeliver.
func (s *PaymentService) HandleWebhook(ctx context.Context, payload []byte, signature string) error {
	event, err := s.gateway.ParseWebhook(payload, signature)
	if err != nil {
		s.logger.Warn("Rejected payment webhook", zap.Error(err))
		return apperrors.BadRequest("Invalid webhook signature")
	}

	claimed, err := s.dedup.Claim(ctx, stripeEventSource, event.ID)
	if err != nil {
		// Dedup store outages fall back to the conditional updates.
		s.logger.Warn("Webhook dedup unavailable", zap.String("event_id", event.ID), zap.Error(err))
		claimed = true
	}
	if !claimed {
		s.logger.Debug("Duplicate payment webhook", zap.String("event_id", event.ID), zap.String("type", event.Type))
		return nil
	}

	if err := s.applyEvent(ctx, event); err != nil {
		if relErr := s.dedup.Release(ctx, stripeEventSource, event.ID); relErr != nil {
			s.logger.Warn("Failed to release webhook claim", zap.String("event_id", event.ID), zap.Error(relErr))
		}
		s.logger.Error("Payment webhook failed", zap.String("event_id", event.ID), zap.String("type", event.Type), zap.Error(err))
		return err
	}
	return nil
}

func (s *PaymentService) applyEvent(ctx context.Context, event *models.PaymentWebhookEvent) error {
	raw := lo.ToPtr(string(event.Raw))

	switch event.Type {
	case models.PaymentEventIntentSucceeded:
		if event.Intent == nil {
			return nil
		}
		_, err := s.completePayment(ctx, event.Intent.ID, raw)
		if isNotFound(err) {
			s.logger.Warn("Webhook for unknown payment intent", zap.String("payment_intent_id", event.Intent.ID))
			return nil
		}
		return err

	case models.PaymentEventIntentFailed:
		if event.Intent == nil {
			return nil
		}
		payment, err := s.payments.FindByIntentID(ctx, event.Intent.ID)
		if errors.Is(err, repository.ErrNotFound) {
			s.logger.Warn("Webhook for unknown payment intent", zap.String("payment_intent_id", event.Intent.ID))
			return nil
		}
		if err != nil {
			return fmt.Errorf("lookup payment: %w", err)
		}
		order, err := s.orders.FindByID(ctx, payment.OrderID)
		if err != nil {
			s.logger.Warn("Could not load order for failed payment", zap.String("order_id", payment.OrderID.String()), zap.Error(err))
			order = nil
		}
		reason := event.Intent.FailureMessage
		if reason == "" {
			reason = "payment failed"
		}
		return s.failPayment(ctx, order, event.Intent.ID, reason, raw)

	case models.PaymentEventDisputeCreated:
		if event.Dispute == nil {
			return nil
		}
		entityID := event.Dispute.PaymentIntentID
		if entityID == "" {
			entityID = event.Dispute.ChargeID
		}
		s.logger.Warn("Payment disputed",
			zap.String("dispute_id", event.Dispute.ID),
			zap.String("payment_intent_id", event.Dispute.PaymentIntentID),
			zap.String("reason", event.Dispute.Reason),
		)
		return s.audits.Create(ctx, &models.AuditLog{
			Entity:   "payment",
			EntityID: entityID,
			Action:   "dispute_created",
			Actor:    stripeEventSource,
			Payload:  raw,
		})

	default:
		s.logger.Debug("Ignoring payment webhook", zap.String("type", event.Type))
		return nil
	}
}

// Refund refunds a completed payment in full or in part. Any refund moves the
// order to REFUNDED.
func (s *PaymentService) Refund(ctx context.Context, caller Caller, orderID uuid.UUID, req models.RefundRequest) (*models.Payment, error) {
	if !caller.IsAdmin {
		return nil, apperrors.Forbidden("Admin access required")
	}
	order, err := loadOrder(ctx, s.orders, caller, orderID)
	if err != nil {
		return nil, err
	}
	payment, err := s.payments.FindByOrderID(ctx, orderID)
	if errors.Is(err, repository.ErrNotFound) {
		return nil, apperrors.NotFound("No payment found for this order")
	}
	if err != nil {
		return nil, fmt.Errorf("lookup payment: %w", err)
	}
	if payment.Status != models.PaymentStatusCompleted {
		return nil, apperrors.BadRequest("Only completed payments can be refunded").WithReason("NOT_REFUNDABLE")
	}

	amount := payment.Amount
	if req.Amount != nil {
		if !req.Amount.IsPositive() || req.Amount.GreaterThan(payment.Amount) {
			return nil, apperrors.BadRequest("Refund amount must be positive and not exceed the amount paid")
		}
		amount = req.Amount.Round(2)
	}

	refund, err := s.gateway.CreateRefund(ctx, payment.PaymentIntentID, amount, req.Reason)
	if err != nil {
		s.logger.Error("CreateRefund failed", zap.String("order_id", orderID.String()), zap.Error(err))
		return nil, apperrors.Upstream("Refund failed", err)
	}

	status := models.PaymentStatusPartiallyRefunded
	if amount.Equal(order.TotalAmount) {
		status = models.PaymentStatusRefunded
	}
	if err := s.payments.ApplyRefund(ctx, payment.ID, orderID, status, amount); err != nil {
		if errors.Is(err, repository.ErrPaymentNotRefundable) {
			s.logger.Error("Refund issued but payment changed concurrently",
				zap.String("order_id", orderID.String()),
				zap.String("refund_id", refund.ID),
			)
			return nil, apperrors.Conflict("Payment was modified concurrently")
		}
		return nil, fmt.Errorf("record refund: %w", err)
	}
	payment.Status = status
	payment.RefundedAmount = amount
	order.Status = models.OrderStatusRefunded
	order.PaymentStatus = status

	s.logger.Info("Payment refunded",
		zap.String("order_id", orderID.String()),
		zap.String("refund_id", refund.ID),
		zap.String("amount", amount.StringFixed(2)),
		zap.String("status", string(status)),
	)
	s.notifier.PaymentRefunded(order, payment, amount)
	return payment, nil
}

// NormalizeCurrency returns the lower-case ISO 4217 code the payment provider
// expects.
func NormalizeCurrency(code string) (string, error) {
	unit, err := currency.ParseISO(strings.ToUpper(strings.TrimSpace(code)))
	if err != nil {
		return "", err
	}
	return strings.ToLower(unit.String()), nil
}

func isNotFound(err error) bool {
	appErr, ok := apperrors.As(err)
	return ok && appErr.Code == http.StatusNotFound
}
