package services

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"fulfillment-service/models"
	aws_pkg "fulfillment-service/pkg/aws"
	"fulfillment-service/repository"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

// EmailSender hands a templated email to the notification service.
type EmailSender interface {
	Send(ctx context.Context, req models.EmailRequest) error
}

// QueueEmailSender enqueues email requests on SQS.
type QueueEmailSender struct {
	queue aws_pkg.MessageSender
}

func NewQueueEmailSender(queue aws_pkg.MessageSender) *QueueEmailSender {
	return &QueueEmailSender{queue: queue}
}

func (s *QueueEmailSender) Send(ctx context.Context, req models.EmailRequest) error {
	body, err := json.Marshal(req)
	if err != nil {
		return fmt.Errorf("marshal email request: %w", err)
	}
	return s.queue.SendMessage(ctx, string(body))
}

// LogEmailSender only logs; used when no email queue is configured.
type LogEmailSender struct {
	logger *zap.Logger
}

func NewLogEmailSender(logger *zap.Logger) *LogEmailSender {
	return &LogEmailSender{logger: logger}
}

func (s *LogEmailSender) Send(_ context.Context, req models.EmailRequest) error {
	s.logger.Info("Email not sent, no queue configured",
		zap.String("event_type", req.EventType),
		zap.String("recipient", req.Recipient),
		zap.String("user_id", req.UserID),
	)
	return nil
}

// Notifier fans out the best-effort side effects of a state change: in-app
// notification, email, domain event and metrics. Every method returns
// immediately.
type Notifier struct {
	runner        BackgroundRunner
	notifications repository.NotificationRepository
	email         EmailSender
	events        aws_pkg.SNSPublisher
	topicArn      string
	metrics       Metrics
	logger        *zap.Logger
}

func NewNotifier(
	runner BackgroundRunner,
	notifications repository.NotificationRepository,
	email EmailSender,
	events aws_pkg.SNSPublisher,
	topicArn string,
	metrics Metrics,
	logger *zap.Logger,
) *Notifier {
	return &Notifier{
		runner:        runner,
		notifications: notifications,
		email:         email,
		events:        events,
		topicArn:      topicArn,
		metrics:       metrics,
		logger:        logger,
	}
}

// Go runs task on the background runner.
func (n *Notifier) Go(name string, task func(ctx context.Context) error) {
	n.runner.Go(name, task)
}

func (n *Notifier) Count(metric string, dimensions map[string]string) {
	if n.metrics == nil {
		return
	}
	n.runner.Go("metric:"+metric, func(ctx context.Context) error {
		return n.metrics.RecordCount(ctx, metric, dimensions)
	})
}

// notify stores an in-app notification for the order owner. Guests have no
// inbox.
func (n *Notifier) notify(order *models.Order, typ models.NotificationType, title, message string) {
	if order.UserID == nil || n.notifications == nil {
		return
	}
	orderID := order.ID
	note := &models.Notification{
		UserID:  *order.UserID,
		OrderID: &orderID,
		Type:    typ,
		Title:   title,
		Message: message,
	}
	n.runner.Go("notification", func(ctx context.Context) error {
		return n.notifications.Create(ctx, note)
	})
}

func (n *Notifier) sendEmail(order *models.Order, eventType string, data map[string]interface{}) {
	if n.email == nil {
		return
	}
	req := models.EmailRequest{
		EventType: eventType,
		Recipient: order.ContactEmail(),
		Data:      data,
	}
	if order.UserID != nil {
		req.UserID = order.UserID.String()
	}
	if req.Recipient == "" && req.UserID == "" {
		return
	}
	n.runner.Go("email:"+eventType, func(ctx context.Context) error {
		return n.email.Send(ctx, req)
	})
}

func (n *Notifier) publish(eventType string, payload interface{}) {
	if n.events == nil || n.topicArn == "" {
		return
	}
	n.runner.Go("event:"+eventType, func(ctx context.Context) error {
		b, err := json.Marshal(payload)
		if err != nil {
			return fmt.Errorf("marshal %s event: %w", eventType, err)
		}
		return n.events.Publish(ctx, n.topicArn, b, eventType)
	})
}

func userIDString(id *uuid.UUID) string {
	if id == nil {
		return ""
	}
	return id.String()
}

func (n *Notifier) OrderCreated(order *models.Order) {
	n.sendEmail(order, models.EmailOrderCreated, map[string]interface{}{
		"order_id":     order.ID.String(),
		"order_number": order.OrderNumber,
		"total_amount": order.TotalAmount.StringFixed(2),
		"item_count":   len(order.Items),
	})
	n.notify(order, models.NotificationTypeOrder, "Order placed",
		fmt.Sprintf("Your order %s has been placed.", order.OrderNumber))
	n.publish(models.EventOrderCreated, models.OrderEvent{
		EventType:   models.EventOrderCreated,
		OrderID:     order.ID.String(),
		OrderNumber: order.OrderNumber,
		UserID:      userIDString(order.UserID),
		Status:      order.Status,
		TotalAmount: order.TotalAmount,
		Timestamp:   time.Now().UTC(),
	})
	n.Count(aws_pkg.MetricOrdersCreated, map[string]string{"Guest": fmt.Sprint(order.IsGuest())})
}

func (n *Notifier) OrderStatusChanged(order *models.Order) {
	n.notify(order, models.NotificationTypeOrder, "Order updated",
		fmt.Sprintf("Your order %s is now %s.", order.OrderNumber, order.Status))
	n.publish(models.EventOrderStatusChanged, models.OrderEvent{
		EventType:   models.EventOrderStatusChanged,
		OrderID:     order.ID.String(),
		OrderNumber: order.OrderNumber,
		UserID:      userIDString(order.UserID),
		Status:      order.Status,
		TotalAmount: order.TotalAmount,
		Timestamp:   time.Now().UTC(),
	})
}

func paymentEvent(eventType string, order *models.Order, p *models.Payment, amount decimal.Decimal, reason string) models.PaymentEvent {
	return models.PaymentEvent{
		EventType:       eventType,
		OrderID:         p.OrderID.String(),
		UserID:          userIDString(order.UserID),
		PaymentID:       p.ID.String(),
		PaymentIntentID: p.PaymentIntentID,
		Amount:          amount,
		Currency:        p.Currency,
		Status:          p.Status,
		Reason:          reason,
		Timestamp:       time.Now().UTC(),
	}
}

func (n *Notifier) PaymentSucceeded(order *models.Order, p *models.Payment) {
	n.notify(order, models.NotificationTypePayment, "Payment received",
		fmt.Sprintf("Payment for order %s was successful.", order.OrderNumber))
	n.sendEmail(order, models.EmailPaymentSucceeded, map[string]interface{}{
		"order_number": order.OrderNumber,
		"amount":       p.Amount.StringFixed(2),
		"currency":     p.Currency,
	})
	n.publish(models.EventPaymentSucceeded, paymentEvent(models.EventPaymentSucceeded, order, p, p.Amount, ""))
	n.Count(aws_pkg.MetricPaymentSucceeded, nil)
}

func (n *Notifier) PaymentFailed(order *models.Order, p *models.Payment, reason string) {
	n.notify(order, models.NotificationTypePayment, "Payment failed",
		fmt.Sprintf("Payment for order %s failed. Please try again.", order.OrderNumber))
	n.sendEmail(order, models.EmailPaymentFailed, map[string]interface{}{
		"order_number": order.OrderNumber,
		"reason":       reason,
	})
	n.publish(models.EventPaymentFailed, paymentEvent(models.EventPaymentFailed, order, p, p.Amount, reason))
	n.Count(aws_pkg.MetricPaymentFailed, nil)
}

func (n *Notifier) PaymentRefunded(order *models.Order, p *models.Payment, amount decimal.Decimal) {
	n.notify(order, models.NotificationTypePayment, "Refund issued",
		fmt.Sprintf("A refund of %s %s for order %s has been issued.", amount.StringFixed(2), p.Currency, order.OrderNumber))
	n.sendEmail(order, models.EmailPaymentRefunded, map[string]interface{}{
		"order_number": order.OrderNumber,
		"amount":       amount.StringFixed(2),
		"currency":     p.Currency,
	})
	n.publish(models.EventPaymentRefunded, paymentEvent(models.EventPaymentRefunded, order, p, amount, ""))
	n.Count(aws_pkg.MetricPaymentRefunded, map[string]string{"Status": string(p.Status)})
}

func (n *Notifier) ShipmentCreated(order *models.Order, res *models.ShipmentResult) {
	n.publish(models.EventShipmentCreated, models.ShipmentCreatedEvent{
		EventType:      models.EventShipmentCreated,
		OrderID:        order.ID.String(),
		UserID:         userIDString(order.UserID),
		ShipmentID:     res.ShipmentID,
		TrackingNumber: res.TrackingNumber,
		Carrier:        res.Carrier,
		LabelURL:       res.LabelURL,
		Timestamp:      time.Now().UTC(),
	})
	n.Count(aws_pkg.MetricShipmentsCreated, map[string]string{"Carrier": res.Carrier})
	if res.TrackingPending {
		n.Count(aws_pkg.MetricShipmentQueued, nil)
	}
}

// ShipmentStatusMessage is the user-facing sentence for a carrier status.
func ShipmentStatusMessage(status models.ShipmentStatus, orderNumber string) string {
	switch status {
	case models.ShipmentStatusShipped:
		return fmt.Sprintf("Order %s is shipped and on its way.", orderNumber)
	case models.ShipmentStatusInTransit:
		return fmt.Sprintf("Order %s is currently in transit.", orderNumber)
	case models.ShipmentStatusOutForDelivery:
		return fmt.Sprintf("Order %s is out for delivery, arriving today.", orderNumber)
	case models.ShipmentStatusDelivered:
		return fmt.Sprintf("Order %s was delivered successfully.", orderNumber)
	case models.ShipmentStatusException:
		return fmt.Sprintf("Order %s has an issue with delivery, contact support.", orderNumber)
	default:
		return fmt.Sprintf("Order %s shipment status updated.", orderNumber)
	}
}

func (n *Notifier) ShipmentUpdated(order *models.Order, status models.ShipmentStatus, source string) {
	n.notify(order, models.NotificationTypeShipment, "Shipment update", ShipmentStatusMessage(status, order.OrderNumber))

	data := map[string]interface{}{
		"order_number":    order.OrderNumber,
		"tracking_number": derefString(order.TrackingNumber),
		"tracking_url":    derefString(order.TrackingURL),
		"carrier":         derefString(order.ShippingCarrier),
	}
	switch status {
	case models.ShipmentStatusShipped:
		n.sendEmail(order, models.EmailOrderShipped, data)
	case models.ShipmentStatusDelivered:
		n.sendEmail(order, models.EmailOrderDelivered, data)
	}

	n.publish(models.EventShipmentUpdated, models.ShipmentUpdatedEvent{
		EventType:      models.EventShipmentUpdated,
		OrderID:        order.ID.String(),
		TrackingNumber: derefString(order.TrackingNumber),
		Status:         status,
		Source:         source,
		Timestamp:      time.Now().UTC(),
	})
}

func derefString(s *string) string {
	if s == nil {
		return ""
	}
	return *s
}
