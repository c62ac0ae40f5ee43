package controllers

import (
	"context"
	"net/http"
	"strings"

	"fulfillment-service/middleware"
	"fulfillment-service/models"
	"fulfillment-service/services"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
)

type Checkout interface {
	PlaceOrder(ctx context.Context, in services.CheckoutInput) (*models.Order, bool, error)
}

type OrderService interface {
	GetOrder(ctx context.Context, caller services.Caller, id uuid.UUID) (*models.Order, error)
	ListUserOrders(ctx context.Context, userID uuid.UUID, page, limit int) (*models.OrderResponse, error)
	ListOrders(ctx context.Context, status models.OrderStatus, page, limit int) (*models.OrderResponse, error)
	UpdateStatus(ctx context.Context, caller services.Caller, id uuid.UUID, req models.UpdateOrderStatusRequest) (*models.Order, error)
}

type OrderController struct {
	checkout Checkout
	orders   OrderService
}

func NewOrderController(checkout Checkout, orders OrderService) *OrderController {
	return &OrderController{checkout: checkout, orders: orders}
}

// CreateOrder handles POST /orders for guests and signed-in users. A repeated
// Idempotency-Key returns the stored order with 200.
func (oc *OrderController) CreateOrder(c *gin.Context) {
	var req models.CreateOrderRequest
	if !bindJSON(c, &req) {
		return
	}

	order, replayed, err := oc.checkout.PlaceOrder(c.Request.Context(), services.CheckoutInput{
		UserID:         middleware.GetUserID(c),
		IdempotencyKey: strings.TrimSpace(c.GetHeader("Idempotency-Key")),
		Request:        req,
	})
	if err != nil {
		_ = c.Error(err)
		return
	}

	status := http.StatusCreated
	if replayed {
		status = http.StatusOK
	}
	c.JSON(status, gin.H{"order": order})
}

// GetMyOrders returns paginated orders for the authenticated user
func (oc *OrderController) GetMyOrders(c *gin.Context) {
	userID := middleware.GetUserID(c)
	if userID == nil {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "Unauthorized"})
		return
	}
	page, limit := parsePaginationParams(c)

	result, err := oc.orders.ListUserOrders(c.Request.Context(), *userID, page, limit)
	if err != nil {
		_ = c.Error(err)
		return
	}
	c.JSON(http.StatusOK, result)
}

// GetAllOrders returns paginated orders for all users (admin only)
func (oc *OrderController) GetAllOrders(c *gin.Context) {
	page, limit := parsePaginationParams(c)
	status := models.OrderStatus(strings.ToUpper(strings.TrimSpace(c.Query("status"))))

	result, err := oc.orders.ListOrders(c.Request.Context(), status, page, limit)
	if err != nil {
		_ = c.Error(err)
		return
	}
	c.JSON(http.StatusOK, result)
}

func (oc *OrderController) GetOrderByID(c *gin.Context) {
	id, ok := parseUUIDParam(c, "id")
	if !ok {
		return
	}

	order, err := oc.orders.GetOrder(c.Request.Context(), callerFrom(c), id)
	if err != nil {
		_ = c.Error(err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"order": order})
}

// UpdateOrderStatus handles PUT /orders/:id/status
func (oc *OrderController) UpdateOrderStatus(c *gin.Context) {
	id, ok := parseUUIDParam(c, "id")
	if !ok {
		return
	}
	var req models.UpdateOrderStatusRequest
	if !bindJSON(c, &req) {
		return
	}
	req.Status = models.OrderStatus(strings.ToUpper(string(req.Status)))

	order, err := oc.orders.UpdateStatus(c.Request.Context(), callerFrom(c), id, req)
	if err != nil {
		_ = c.Error(err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"order": order})
}
