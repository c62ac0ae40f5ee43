package services

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	apperrors "fulfillment-service/common/errors"
	"fulfillment-service/models"
	aws_pkg "fulfillment-service/pkg/aws"
	"fulfillment-service/providers"
	"fulfillment-service/repository"

	"github.com/google/uuid"
	"github.com/samber/lo"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

// ShipmentConfig holds the shipping settings of the warehouse.
type ShipmentConfig struct {
	Origin models.Address
	// QueuedPoll re-fetches a transaction the carrier has not finished yet.
	QueuedPoll     Poller
	LabelURLExpiry time.Duration
}

// ShipmentService buys labels and applies carrier status changes to orders.
type ShipmentService struct {
	orders   repository.OrderRepository
	events   repository.ShipmentEventRepository
	provider providers.ShippingProvider
	labels   aws_pkg.ObjectStore
	notifier *Notifier
	config   ShipmentConfig
	logger   *zap.Logger
	now      func() time.Time
}

// NewShipmentService creates a ShipmentService. labels may be nil, in which
// case purchased labels are not archived.
func NewShipmentService(
	orders repository.OrderRepository,
	events repository.ShipmentEventRepository,
	provider providers.ShippingProvider,
	labels aws_pkg.ObjectStore,
	notifier *Notifier,
	config ShipmentConfig,
	logger *zap.Logger,
) *ShipmentService {
	if config.LabelURLExpiry <= 0 {
		config.LabelURLExpiry = 15 * time.Minute
	}
	return &ShipmentService{
		orders:   orders,
		events:   events,
		provider: provider,
		labels:   labels,
		notifier: notifier,
		config:   config,
		logger:   logger,
		now:      time.Now,
	}
}

// GetRates quotes the configured origin to the request address, or to the
// order's shipping address. Rates come back cheapest first.
func (s *ShipmentService) GetRates(ctx context.Context, req models.ShippingRatesRequest) ([]models.ShippingRate, error) {
	var dest models.Address
	switch {
	case req.Address != nil:
		dest = *req.Address
	case req.OrderID != "":
		orderID, err := uuid.Parse(req.OrderID)
		if err != nil {
			return nil, apperrors.BadRequest("Invalid order id")
		}
		order, err := s.orders.FindByID(ctx, orderID)
		if errors.Is(err, repository.ErrNotFound) {
			return nil, apperrors.NotFound("Order not found")
		}
		if err != nil {
			return nil, fmt.Errorf("load order: %w", err)
		}
		dest = order.ShippingAddress
	default:
		return nil, apperrors.BadRequest("order_id or address is required")
	}
	if missing := dest.MissingFields(); len(missing) > 0 {
		return nil, apperrors.BadRequest("Missing address fields: " + strings.Join(missing, ", ")).WithReason("INVALID_ADDRESS")
	}

	parcel := models.DefaultParcel()
	if req.Parcel != nil {
		parcel = *req.Parcel
	}

	rates, err := s.provider.GetRates(ctx, s.config.Origin, dest, parcel)
	if err != nil {
		s.logger.Error("GetRates failed", zap.Error(err))
		return nil, apperrors.Upstream("Failed to retrieve shipping rates", err)
	}
	if len(rates) == 0 {
		return nil, apperrors.NotFound("No shipping rates available for this address")
	}
	sort.SliceStable(rates, func(i, j int) bool { return rates[i].Amount.LessThan(rates[j].Amount) })
	return rates, nil
}

// CreateShipment buys a label for a paid order. The order is written only
// after the carrier accepted the purchase; when the carrier is still
// processing after the bounded re-fetch, the tracking fields are left for the
// webhook and the result reports TrackingPending.
func (s *ShipmentService) CreateShipment(ctx context.Context, caller Caller, req models.CreateShipmentRequest) (*models.ShipmentResult, error) {
	if !caller.IsAdmin {
		return nil, apperrors.Forbidden("Admin access required")
	}
	orderID, err := uuid.Parse(req.OrderID)
	if err != nil {
		return nil, apperrors.BadRequest("Invalid order id")
	}
	order, err := loadOrder(ctx, s.orders, caller, orderID)
	if err != nil {
		return nil, err
	}
	if order.Status != models.OrderStatusConfirmed && order.Status != models.OrderStatusProcessing {
		return nil, apperrors.BadRequest(fmt.Sprintf("Order is %s, only paid orders can ship", order.Status)).
			WithReason("ORDER_NOT_READY")
	}

	dest := order.ShippingAddress
	if req.Address != nil {
		dest = *req.Address
	}
	if missing := dest.MissingFields(); len(missing) > 0 {
		return nil, apperrors.BadRequest("Missing address fields: " + strings.Join(missing, ", ")).WithReason("INVALID_ADDRESS")
	}

	if _, err := s.provider.CreateAddress(ctx, dest); err != nil {
		if errors.Is(err, providers.ErrAddressInvalid) {
			e := apperrors.BadRequest("Shipping address could not be validated").WithReason("INVALID_ADDRESS")
			e.Detail = err.Error()
			return nil, e
		}
		s.logger.Error("CreateAddress failed", zap.String("order_id", orderID.String()), zap.Error(err))
		return nil, apperrors.Upstream("Failed to create shipment", err)
	}

	var rate *models.ShippingRate
	rateID := req.RateID
	if rateID == "" {
		parcel := models.DefaultParcel()
		if req.Parcel != nil {
			parcel = *req.Parcel
		}
		rates, err := s.provider.GetRates(ctx, s.config.Origin, dest, parcel)
		if err != nil {
			s.logger.Error("GetRates failed", zap.String("order_id", orderID.String()), zap.Error(err))
			return nil, apperrors.Upstream("Failed to create shipment", err)
		}
		if len(rates) == 0 {
			return nil, apperrors.BadRequest("No shipping rates available for this address")
		}
		cheapest := lo.MinBy(rates, func(a, b models.ShippingRate) bool { return a.Amount.LessThan(b.Amount) })
		rate = &cheapest
		rateID = cheapest.RateID
	}

	tx, err := s.purchase(ctx, orderID, rateID)
	if err != nil {
		return nil, err
	}

	if rate == nil {
		rate, err = s.provider.GetRate(ctx, rateID)
		if err != nil {
			s.logger.Warn("Could not load purchased rate", zap.String("rate_id", rateID), zap.Error(err))
			rate = nil
		}
	}

	result := &models.ShipmentResult{
		OrderID:           orderID,
		ShipmentID:        tx.ObjectID,
		RateID:            rateID,
		TransactionStatus: tx.Status,
		TrackingNumber:    tx.TrackingNumber,
		LabelURL:          tx.LabelURL,
		TrackingPending:   tx.Status != models.TransactionStatusSuccess,
	}
	if rate != nil {
		result.Carrier = rate.Provider
		result.Service = rate.ServiceLevel
		result.Cost = decimal.NewNullDecimal(rate.Amount)
	}
	result.TrackingURL = TrackingURL(tx.TrackingURL, result.Carrier, tx.TrackingNumber)

	fields := map[string]interface{}{
		"shipping_rate_id": rateID,
		"shipment_id":      tx.ObjectID,
		"shipment_status":  repository.KeepExisting("shipment_status", models.ShipmentStatusPreparing),
	}
	setIf := func(col, v string) {
		if v != "" {
			fields[col] = v
		}
	}
	setIf("tracking_number", result.TrackingNumber)
	setIf("tracking_url", result.TrackingURL)
	setIf("shipping_label_url", result.LabelURL)
	setIf("shipping_carrier", result.Carrier)
	setIf("shipping_service", result.Service)
	if result.Cost.Valid {
		fields["shipping_cost"] = result.Cost
	}
	if tx.ETA != nil {
		fields["estimated_delivery_at"] = *tx.ETA
	}

	if err := s.orders.ApplyShipment(ctx, orderID, fields); err != nil {
		s.logger.Error("Label purchased but order update failed",
			zap.String("order_id", orderID.String()),
			zap.String("shipment_id", tx.ObjectID),
			zap.Error(err),
		)
		return nil, fmt.Errorf("apply shipment: %w", err)
	}

	s.recordEvent(ctx, &models.ShipmentEvent{
		OrderID:        &orderID,
		Source:         models.ShipmentSourceSync,
		Event:          "label_purchased",
		Status:         tx.Status,
		Reference:      tx.ObjectID,
		TrackingNumber: nonEmpty(tx.TrackingNumber),
	})

	s.logger.Info("Shipment created",
		zap.String("order_id", orderID.String()),
		zap.String("shipment_id", tx.ObjectID),
		zap.String("tracking_number", tx.TrackingNumber),
		zap.Bool("tracking_pending", result.TrackingPending),
	)
	s.notifier.ShipmentCreated(order, result)

	if s.labels != nil && tx.LabelURL != "" {
		s.archiveLabel(orderID, tx.ObjectID, tx.LabelURL)
	}
	return result, nil
}

// purchase buys the label and re-fetches a queued transaction a bounded
// number of times. A cancelled or expired ctx fails the purchase.
func (s *ShipmentService) purchase(ctx context.Context, orderID uuid.UUID, rateID string) (*models.ShippingTransaction, error) {
	tx, err := s.provider.CreateTransaction(ctx, rateID, "order:"+orderID.String())
	if err != nil {
		s.logger.Error("CreateTransaction failed",
			zap.String("order_id", orderID.String()),
			zap.String("rate_id", rateID),
			zap.Error(err),
		)
		return nil, apperrors.Upstream("Failed to create shipment", err)
	}

	if !tx.Resolved() {
		_, err := s.config.QueuedPoll.Poll(ctx, func(ctx context.Context) (bool, error) {
			latest, err := s.provider.GetTransaction(ctx, tx.ObjectID)
			if err != nil {
				if ctx.Err() != nil {
					return false, ctx.Err()
				}
				s.logger.Warn("Re-fetching queued transaction failed", zap.String("transaction_id", tx.ObjectID), zap.Error(err))
				return false, nil
			}
			tx = latest
			return tx.Resolved(), nil
		})
		if err != nil {
			s.logger.Error("Label purchase interrupted", zap.String("order_id", orderID.String()), zap.Error(err))
			return nil, apperrors.Upstream("Failed to create shipment", err)
		}
	}

	if tx.Status == models.TransactionStatusError {
		msg := strings.Join(tx.Messages, "; ")
		if msg == "" {
			msg = "transaction failed"
		}
		s.logger.Error("Carrier rejected label purchase",
			zap.String("order_id", orderID.String()),
			zap.String("transaction_id", tx.ObjectID),
			zap.String("messages", msg),
		)
		return nil, apperrors.Upstream("Failed to create shipment", errors.New(msg))
	}
	return tx, nil
}

// archiveLabel copies the carrier label into the label bucket so it outlives
// the provider's link.
func (s *ShipmentService) archiveLabel(orderID uuid.UUID, transactionID, labelURL string) {
	s.notifier.Go("archive-label", func(ctx context.Context) error {
		body, contentType, err := s.provider.DownloadLabel(ctx, labelURL)
		if err != nil {
			return err
		}
		key := fmt.Sprintf("labels/%s/%s.pdf", orderID, transactionID)
		if err := s.labels.PutObject(ctx, key, contentType, body); err != nil {
			return err
		}
		return s.orders.UpdateFields(ctx, orderID, map[string]interface{}{"shipping_label_key": key})
	})
}

// UpdateShipmentStatus is the admin status override for a shipment.
func (s *ShipmentService) UpdateShipmentStatus(ctx context.Context, caller Caller, orderID uuid.UUID, status models.ShipmentStatus) (*models.Order, error) {
	if !caller.IsAdmin {
		return nil, apperrors.Forbidden("Admin access required")
	}
	if !status.Valid() {
		return nil, apperrors.BadRequest(fmt.Sprintf("Invalid shipment status %q", status))
	}
	order, err := loadOrder(ctx, s.orders, caller, orderID)
	if err != nil {
		return nil, err
	}
	if _, err := s.applyStatus(ctx, order, status, models.ShipmentSourceAdmin, nil); err != nil {
		return nil, err
	}
	return order, nil
}

// applyStatus records a carrier status on order and moves the order status
// forward when the carrier status implies it. Non-admin sources skip repeats
// and anything after a final status. It reports whether the status was applied.
func (s *ShipmentService) applyStatus(ctx context.Context, order *models.Order, status models.ShipmentStatus, source string, payload *string) (bool, error) {
	fields := map[string]interface{}{}
	var deliveredAt time.Time
	if status == models.ShipmentStatusDelivered {
		deliveredAt = s.now().UTC()
		fields["delivered_at"] = deliveredAt
	}

	// The stored status is checked in the UPDATE itself so concurrent
	// deliveries of the same carrier event apply once.
	changed, err := s.orders.SetShipmentStatus(ctx, order.ID, status, fields, source == models.ShipmentSourceAdmin)
	if err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			return false, apperrors.NotFound("Order not found")
		}
		return false, fmt.Errorf("update shipment status: %w", err)
	}
	if !changed {
		current := "none"
		if order.ShipmentStatus != nil {
			current = string(*order.ShipmentStatus)
		}
		s.logger.Debug("Shipment status unchanged",
			zap.String("order_id", order.ID.String()),
			zap.String("current", current),
			zap.String("reported", string(status)),
		)
		return false, nil
	}
	order.ShipmentStatus = &status
	if !deliveredAt.IsZero() {
		order.DeliveredAt = &deliveredAt
	}

	if target := status.OrderStatusFor(); target != "" {
		moved, err := s.orders.TransitionStatus(ctx, order.ID, target)
		if err != nil {
			return false, fmt.Errorf("transition order to %s: %w", target, err)
		}
		if moved {
			order.Status = target
		}
	}

	s.recordEvent(ctx, &models.ShipmentEvent{
		OrderID:        &order.ID,
		Source:         source,
		Event:          "status_updated",
		Status:         string(status),
		TrackingNumber: order.TrackingNumber,
		Payload:        payload,
	})

	s.logger.Info("Shipment status updated",
		zap.String("order_id", order.ID.String()),
		zap.String("status", string(status)),
		zap.String("order_status", string(order.Status)),
		zap.String("source", source),
	)
	s.notifier.ShipmentUpdated(order, status, source)
	return true, nil
}

// TrackShipment returns the stored tracking state for a tracking number and,
// when the carrier is known, the live carrier status.
func (s *ShipmentService) TrackShipment(ctx context.Context, caller Caller, trackingNumber string) (*models.TrackingResult, error) {
	orders, err := s.orders.FindByTrackingNumber(ctx, trackingNumber)
	if err != nil {
		return nil, fmt.Errorf("find by tracking number: %w", err)
	}
	visible := lo.Filter(orders, func(o models.Order, _ int) bool { return caller.CanAccess(&o) })
	if len(visible) == 0 {
		return nil, apperrors.NotFound("Tracking number not found")
	}
	order := visible[0]

	result := &models.TrackingResult{
		OrderID:             order.ID,
		OrderNumber:         order.OrderNumber,
		TrackingNumber:      trackingNumber,
		TrackingURL:         derefString(order.TrackingURL),
		Carrier:             derefString(order.ShippingCarrier),
		Service:             derefString(order.ShippingService),
		EstimatedDeliveryAt: order.EstimatedDeliveryAt,
		DeliveredAt:         order.DeliveredAt,
	}
	if order.ShipmentStatus != nil {
		result.Status = *order.ShipmentStatus
	}

	if result.Carrier != "" {
		live, err := s.provider.TrackShipment(ctx, strings.ToLower(result.Carrier), trackingNumber)
		if err != nil {
			s.logger.Warn("Live tracking unavailable", zap.String("tracking_number", trackingNumber), zap.Error(err))
		} else {
			result.Live = live
		}
	}
	return result, nil
}

// GetShipment returns the order's shipment state and its event history. An
// archived label is served through a short-lived link.
func (s *ShipmentService) GetShipment(ctx context.Context, caller Caller, orderID uuid.UUID) (*models.ShipmentDetails, error) {
	order, err := loadOrder(ctx, s.orders, caller, orderID)
	if err != nil {
		return nil, err
	}
	events, err := s.events.FindByOrderID(ctx, orderID)
	if err != nil {
		return nil, fmt.Errorf("load shipment events: %w", err)
	}
	if events == nil {
		events = []models.ShipmentEvent{}
	}

	if s.labels != nil && order.ShippingLabelKey != nil {
		url, err := s.labels.PresignGet(ctx, *order.ShippingLabelKey, s.config.LabelURLExpiry)
		if err != nil {
			s.logger.Warn("Could not presign label", zap.String("order_id", orderID.String()), zap.Error(err))
		} else {
			order.ShippingLabelURL = &url
		}
	}
	return &models.ShipmentDetails{Order: order, Events: events}, nil
}

func (s *ShipmentService) recordEvent(ctx context.Context, event *models.ShipmentEvent) {
	if err := s.events.Create(ctx, event); err != nil {
		s.logger.Error("Failed to record shipment event",
			zap.String("event", event.Event),
			zap.String("reference", event.Reference),
			zap.Error(err),
		)
	}
}

func nonEmpty(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}
