package controllers

import (
	"context"
	"net/http"

	"fulfillment-service/models"
	"fulfillment-service/services"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
)

type PaymentService interface {
	CreateIntent(ctx context.Context, caller services.Caller, req models.CreateIntentRequest) (*models.PaymentIntentResult, error)
	Confirm(ctx context.Context, caller services.Caller, req models.ConfirmPaymentRequest) (*models.Payment, error)
	Refund(ctx context.Context, caller services.Caller, orderID uuid.UUID, req models.RefundRequest) (*models.Payment, error)
	HandleWebhook(ctx context.Context, payload []byte, signature string) error
}

type PaymentController struct {
	payments PaymentService
}

func NewPaymentController(payments PaymentService) *PaymentController {
	return &PaymentController{payments: payments}
}

// CreateIntent handles POST /payment/create-intent
func (pc *PaymentController) CreateIntent(c *gin.Context) {
	var req models.CreateIntentRequest
	if !bindJSON(c, &req) {
		return
	}

	res, err := pc.payments.CreateIntent(c.Request.Context(), callerFrom(c), req)
	if err != nil {
		_ = c.Error(err)
		return
	}
	c.JSON(http.StatusCreated, res)
}

// ConfirmPayment handles POST /payment/confirm
func (pc *PaymentController) ConfirmPayment(c *gin.Context) {
	var req models.ConfirmPaymentRequest
	if !bindJSON(c, &req) {
		return
	}

	payment, err := pc.payments.Confirm(c.Request.Context(), callerFrom(c), req)
	if err != nil {
		_ = c.Error(err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"payment": payment})
}

// Refund handles POST /payment/refund/:orderId. An empty body refunds the
// remaining captured amount.
func (pc *PaymentController) Refund(c *gin.Context) {
	orderID, ok := parseUUIDParam(c, "orderId")
	if !ok {
		return
	}
	var req models.RefundRequest
	if c.Request.ContentLength != 0 && !bindJSON(c, &req) {
		return
	}

	payment, err := pc.payments.Refund(c.Request.Context(), callerFrom(c), orderID, req)
	if err != nil {
		_ = c.Error(err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"payment": payment})
}
