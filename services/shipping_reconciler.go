package services

import (
	"context"
	"errors"
	"fmt"
	"strings"

	apperrors "fulfillment-service/common/errors"
	"fulfillment-service/models"
	aws_pkg "fulfillment-service/pkg/aws"
	"fulfillment-service/providers"
	"fulfillment-service/repository"

	"github.com/google/uuid"
	"github.com/samber/lo"
	"go.uber.org/zap"
)

const orderMetadataPrefix = "order:"

// ShippingReconciler applies shipping provider webhooks to orders. Events may
// arrive duplicated, out of order, or before the synchronous label purchase
// has written the order; every write fills only missing fields so a late
// event never replaces fresher data.
type ShippingReconciler struct {
	orders    repository.OrderRepository
	provider  providers.ShippingProvider
	shipments *ShipmentService
	notifier  *Notifier
	logger    *zap.Logger
}

func NewShippingReconciler(
	orders repository.OrderRepository,
	provider providers.ShippingProvider,
	shipments *ShipmentService,
	notifier *Notifier,
	logger *zap.Logger,
) *ShippingReconciler {
	return &ShippingReconciler{
		orders:    orders,
		provider:  provider,
		shipments: shipments,
		notifier:  notifier,
		logger:    logger,
	}
}

// HandleWebhook decodes and reconciles a callback body. A returned error
// other than a bad request asks the provider to redeliver.
func (r *ShippingReconciler) HandleWebhook(ctx context.Context, body []byte) error {
	hook, err := r.provider.ParseWebhook(body)
	if err != nil {
		r.logger.Warn("Rejected shipping webhook", zap.Error(err))
		return apperrors.BadRequest("Invalid webhook payload")
	}
	return r.Reconcile(ctx, hook)
}

func (r *ShippingReconciler) Reconcile(ctx context.Context, hook *models.ShippingWebhook) error {
	switch hook.Event {
	case models.ShippingEventTransactionCreated:
		return r.transactionCreated(ctx, hook)
	case models.ShippingEventTransactionUpdated:
		return r.transactionUpdated(ctx, hook)
	case models.ShippingEventTrackUpdated:
		return r.trackUpdated(ctx, hook)
	default:
		r.logger.Debug("Ignoring shipping webhook", zap.String("event", hook.Event))
		return nil
	}
}

func (r *ShippingReconciler) transactionCreated(ctx context.Context, hook *models.ShippingWebhook) error {
	if hook.ObjectID == "" {
		r.logger.Debug("Shipping webhook without object id dropped", zap.String("event", hook.Event))
		return nil
	}

	if hook.TrackingNumber != "" {
		_, err := r.orders.FindByShipmentAndTracking(ctx, hook.ObjectID, hook.TrackingNumber)
		if err == nil {
			r.logger.Debug("Transaction already applied",
				zap.String("shipment_id", hook.ObjectID),
				zap.String("tracking_number", hook.TrackingNumber),
			)
			return nil
		}
		if !errors.Is(err, repository.ErrNotFound) {
			return fmt.Errorf("match applied transaction: %w", err)
		}
	}

	order, err := r.orders.FindByShipmentReference(ctx, hook.ObjectID, hook.RateID, metadataOrderID(hook.Metadata))
	if errors.Is(err, repository.ErrNotFound) {
		r.logger.Debug("No order for shipping transaction",
			zap.String("shipment_id", hook.ObjectID),
			zap.String("rate_id", hook.RateID),
		)
		r.notifier.Count(aws_pkg.MetricWebhookUnmatched, map[string]string{"Event": hook.Event})
		return nil
	}
	if err != nil {
		return fmt.Errorf("match shipping transaction: %w", err)
	}

	raw := lo.ToPtr(string(hook.Raw))
	if hook.Status == models.TransactionStatusError {
		r.logger.Warn("Carrier reported failed transaction",
			zap.String("order_id", order.ID.String()),
			zap.String("shipment_id", hook.ObjectID),
		)
		r.shipments.recordEvent(ctx, &models.ShipmentEvent{
			OrderID:   &order.ID,
			Source:    models.ShipmentSourceWebhook,
			Event:     hook.Event,
			Status:    hook.Status,
			Reference: hook.ObjectID,
			Payload:   raw,
		})
		return nil
	}

	carrier := hook.Carrier
	if carrier == "" {
		carrier = derefString(order.ShippingCarrier)
	}
	fills := trackingFills(hook, carrier)
	if hook.RateID != "" {
		fills["shipping_rate_id"] = hook.RateID
	}
	sets := map[string]interface{}{
		"shipment_id":     repository.AdoptShipmentID(hook.ObjectID, hook.RateID),
		"status":          repository.AdvanceToProcessing(),
		"shipment_status": repository.KeepExisting("shipment_status", models.ShipmentStatusPreparing),
	}
	if _, err := r.orders.FillShipmentFields(ctx, repository.ByOrderID(order.ID), fills, sets); err != nil {
		return fmt.Errorf("apply shipping transaction: %w", err)
	}

	if order.TrackingNumber != nil && hook.TrackingNumber != "" && *order.TrackingNumber != hook.TrackingNumber {
		r.logger.Warn("Tracking number conflict, keeping stored value",
			zap.String("order_id", order.ID.String()),
			zap.String("stored", *order.TrackingNumber),
			zap.String("reported", hook.TrackingNumber),
		)
	}

	r.shipments.recordEvent(ctx, &models.ShipmentEvent{
		OrderID:        &order.ID,
		Source:         models.ShipmentSourceWebhook,
		Event:          hook.Event,
		Status:         hook.Status,
		Reference:      hook.ObjectID,
		TrackingNumber: nonEmpty(hook.TrackingNumber),
		Payload:        raw,
	})
	r.logger.Info("Shipping transaction reconciled",
		zap.String("order_id", order.ID.String()),
		zap.String("shipment_id", hook.ObjectID),
	)
	r.notifier.Count(aws_pkg.MetricWebhookReconciled, map[string]string{"Event": hook.Event})
	return nil
}

func (r *ShippingReconciler) transactionUpdated(ctx context.Context, hook *models.ShippingWebhook) error {
	if hook.ObjectID == "" {
		return nil
	}
	fills := trackingFills(hook, hook.Carrier)
	if len(fills) == 0 {
		return nil
	}
	n, err := r.orders.FillShipmentFields(ctx, repository.ByShipmentID(hook.ObjectID), fills, nil)
	if err != nil {
		return fmt.Errorf("apply transaction update: %w", err)
	}
	if n == 0 {
		r.logger.Debug("No order for transaction update", zap.String("shipment_id", hook.ObjectID))
		return nil
	}
	r.shipments.recordEvent(ctx, &models.ShipmentEvent{
		Source:         models.ShipmentSourceWebhook,
		Event:          hook.Event,
		Status:         hook.Status,
		Reference:      hook.ObjectID,
		TrackingNumber: nonEmpty(hook.TrackingNumber),
		Payload:        lo.ToPtr(string(hook.Raw)),
	})
	r.notifier.Count(aws_pkg.MetricWebhookReconciled, map[string]string{"Event": hook.Event})
	return nil
}

// trackUpdated applies a carrier tracking change to every order sharing the
// tracking number.
func (r *ShippingReconciler) trackUpdated(ctx context.Context, hook *models.ShippingWebhook) error {
	if hook.TrackingNumber == "" {
		return nil
	}
	if hook.ETA != nil {
		sets := map[string]interface{}{"estimated_delivery_at": *hook.ETA}
		if _, err := r.orders.FillShipmentFields(ctx, repository.ByTrackingNumber(hook.TrackingNumber), nil, sets); err != nil {
			return fmt.Errorf("apply delivery estimate: %w", err)
		}
	}

	status := MapCarrierStatus(hook.TrackingStatus, hook.TrackingDetail)
	if status == "" {
		r.logger.Debug("Unmapped carrier status",
			zap.String("tracking_number", hook.TrackingNumber),
			zap.String("status", hook.TrackingStatus),
		)
		return nil
	}

	orders, err := r.orders.FindByTrackingNumber(ctx, hook.TrackingNumber)
	if err != nil {
		return fmt.Errorf("find by tracking number: %w", err)
	}
	if len(orders) == 0 {
		r.logger.Debug("No order for tracking update", zap.String("tracking_number", hook.TrackingNumber))
		r.notifier.Count(aws_pkg.MetricWebhookUnmatched, map[string]string{"Event": hook.Event})
		return nil
	}

	raw := lo.ToPtr(string(hook.Raw))
	var errs []error
	for i := range orders {
		if _, err := r.shipments.applyStatus(ctx, &orders[i], status, models.ShipmentSourceWebhook, raw); err != nil {
			errs = append(errs, fmt.Errorf("order %s: %w", orders[i].ID, err))
		}
	}
	if err := errors.Join(errs...); err != nil {
		return err
	}
	r.notifier.Count(aws_pkg.MetricWebhookReconciled, map[string]string{"Event": hook.Event})
	return nil
}

// trackingFills lists the tracking columns the event carries.
func trackingFills(hook *models.ShippingWebhook, carrier string) map[string]interface{} {
	fills := map[string]interface{}{}
	if hook.TrackingNumber != "" {
		fills["tracking_number"] = hook.TrackingNumber
	}
	if url := TrackingURL(hook.TrackingURL, carrier, hook.TrackingNumber); url != "" {
		fills["tracking_url"] = url
	}
	if hook.LabelURL != "" {
		fills["shipping_label_url"] = hook.LabelURL
	}
	return fills
}

// metadataOrderID reads the order id the label purchase stored in the
// transaction metadata.
func metadataOrderID(metadata string) *uuid.UUID {
	rest, ok := strings.CutPrefix(strings.TrimSpace(metadata), orderMetadataPrefix)
	if !ok {
		return nil
	}
	id, err := uuid.Parse(rest)
	if err != nil {
		return nil
	}
	return &id
}
