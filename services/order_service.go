package services

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	apperrors "fulfillment-service/common/errors"
	"fulfillment-service/models"
	"fulfillment-service/repository"

	"github.com/google/uuid"
	"github.com/samber/lo"
	"go.uber.org/zap"
)

// OrderService serves order reads and the admin status override.
type OrderService struct {
	orders   repository.OrderRepository
	audits   repository.AuditRepository
	notifier *Notifier
	logger   *zap.Logger
}

func NewOrderService(orders repository.OrderRepository, audits repository.AuditRepository, notifier *Notifier, logger *zap.Logger) *OrderService {
	return &OrderService{orders: orders, audits: audits, notifier: notifier, logger: logger}
}

// loadOrder fetches an order the caller may see. Orders of other users are
// reported as not found.
func loadOrder(ctx context.Context, orders repository.OrderRepository, caller Caller, id uuid.UUID) (*models.Order, error) {
	order, err := orders.FindByID(ctx, id)
	if errors.Is(err, repository.ErrNotFound) {
		return nil, apperrors.NotFound("Order not found")
	}
	if err != nil {
		return nil, fmt.Errorf("load order %s: %w", id, err)
	}
	if !caller.CanAccess(order) {
		return nil, apperrors.NotFound("Order not found")
	}
	return order, nil
}

func (s *OrderService) GetOrder(ctx context.Context, caller Caller, id uuid.UUID) (*models.Order, error) {
	return loadOrder(ctx, s.orders, caller, id)
}

func (s *OrderService) ListUserOrders(ctx context.Context, userID uuid.UUID, page, limit int) (*models.OrderResponse, error) {
	orders, total, err := s.orders.FindByUserID(ctx, userID, page, limit)
	if err != nil {
		return nil, fmt.Errorf("list user orders: %w", err)
	}
	return pageOf(orders, total, page, limit), nil
}

func (s *OrderService) ListOrders(ctx context.Context, status models.OrderStatus, page, limit int) (*models.OrderResponse, error) {
	if status != "" && !status.Valid() {
		return nil, apperrors.BadRequest("Invalid status filter")
	}
	orders, total, err := s.orders.FindAll(ctx, status, page, limit)
	if err != nil {
		return nil, fmt.Errorf("list orders: %w", err)
	}
	return pageOf(orders, total, page, limit), nil
}

func pageOf(orders []models.Order, total int64, page, limit int) *models.OrderResponse {
	if orders == nil {
		orders = []models.Order{}
	}
	totalPages := calculateTotalPages(total, limit)
	return &models.OrderResponse{
		Orders: orders,
		Meta: models.Meta{
			Page:        page,
			Limit:       limit,
			TotalOrders: total,
			TotalPages:  totalPages,
			HasMore:     page < totalPages,
		},
	}
}

func calculateTotalPages(total int64, limit int) int {
	if limit <= 0 {
		return 0
	}
	return int((total + int64(limit) - 1) / int64(limit))
}

// UpdateStatus is the manual override. It writes the status unconditionally
// and records who did it.
func (s *OrderService) UpdateStatus(ctx context.Context, caller Caller, id uuid.UUID, req models.UpdateOrderStatusRequest) (*models.Order, error) {
	if !caller.IsAdmin {
		return nil, apperrors.Forbidden("Admin access required")
	}
	if !req.Status.Valid() {
		return nil, apperrors.BadRequest(fmt.Sprintf("Invalid order status %q", req.Status))
	}

	order, err := loadOrder(ctx, s.orders, caller, id)
	if err != nil {
		return nil, err
	}
	previous := order.Status

	if err := s.orders.SetStatus(ctx, id, req.Status); err != nil {
		return nil, fmt.Errorf("set order status: %w", err)
	}
	order.Status = req.Status

	payload, _ := json.Marshal(map[string]interface{}{
		"from": previous,
		"to":   req.Status,
		"note": req.Note,
	})
	entry := &models.AuditLog{
		Entity:   "order",
		EntityID: id.String(),
		Action:   "status_override",
		Actor:    caller.Actor(),
		Payload:  lo.ToPtr(string(payload)),
	}
	if err := s.audits.Create(ctx, entry); err != nil {
		s.logger.Error("Failed to write audit log", zap.String("order_id", id.String()), zap.Error(err))
	}

	s.logger.Info("Order status overridden",
		zap.String("order_id", id.String()),
		zap.String("from", string(previous)),
		zap.String("to", string(req.Status)),
		zap.String("actor", caller.Actor()),
	)
	s.notifier.OrderStatusChanged(order)
	return order, nil
}
