package controllers

import (
	"context"
	"crypto/subtle"
	"io"
	"net/http"
	"strings"

	"fulfillment-service/models"
	"fulfillment-service/services"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
)

type ShipmentService interface {
	GetRates(ctx context.Context, req models.ShippingRatesRequest) ([]models.ShippingRate, error)
	CreateShipment(ctx context.Context, caller services.Caller, req models.CreateShipmentRequest) (*models.ShipmentResult, error)
	UpdateShipmentStatus(ctx context.Context, caller services.Caller, orderID uuid.UUID, status models.ShipmentStatus) (*models.Order, error)
	TrackShipment(ctx context.Context, caller services.Caller, trackingNumber string) (*models.TrackingResult, error)
	GetShipment(ctx context.Context, caller services.Caller, orderID uuid.UUID) (*models.ShipmentDetails, error)
}

type ShippingWebhookHandler interface {
	HandleWebhook(ctx context.Context, body []byte) error
}

// ShipmentController handles HTTP requests for shipping operations.
type ShipmentController struct {
	shipments    ShipmentService
	webhooks     ShippingWebhookHandler
	webhookToken string
}

// NewShipmentController wires the shipment endpoints. When webhookToken is
// set, webhook calls must carry it as the token query parameter.
func NewShipmentController(shipments ShipmentService, webhooks ShippingWebhookHandler, webhookToken string) *ShipmentController {
	return &ShipmentController{shipments: shipments, webhooks: webhooks, webhookToken: webhookToken}
}

// GetRates handles POST /shipment/rates
func (sc *ShipmentController) GetRates(c *gin.Context) {
	var req models.ShippingRatesRequest
	if !bindJSON(c, &req) {
		return
	}

	rates, err := sc.shipments.GetRates(c.Request.Context(), req)
	if err != nil {
		_ = c.Error(err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"rates": rates})
}

// CreateShipment handles POST /shipment/create
func (sc *ShipmentController) CreateShipment(c *gin.Context) {
	var req models.CreateShipmentRequest
	if !bindJSON(c, &req) {
		return
	}

	res, err := sc.shipments.CreateShipment(c.Request.Context(), callerFrom(c), req)
	if err != nil {
		_ = c.Error(err)
		return
	}
	c.JSON(http.StatusCreated, gin.H{"shipment": res})
}

// UpdateShipmentStatus handles PUT /shipment/:id/status
func (sc *ShipmentController) UpdateShipmentStatus(c *gin.Context) {
	orderID, ok := parseUUIDParam(c, "id")
	if !ok {
		return
	}
	var req models.UpdateShipmentStatusRequest
	if !bindJSON(c, &req) {
		return
	}

	order, err := sc.shipments.UpdateShipmentStatus(c.Request.Context(), callerFrom(c), orderID,
		models.ShipmentStatus(strings.ToUpper(string(req.Status))))
	if err != nil {
		_ = c.Error(err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"order": order})
}

// TrackShipment handles GET /shipment/track/:trackingNumber
func (sc *ShipmentController) TrackShipment(c *gin.Context) {
	tn := strings.TrimSpace(c.Param("trackingNumber"))
	if tn == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Tracking number is required"})
		return
	}

	res, err := sc.shipments.TrackShipment(c.Request.Context(), callerFrom(c), tn)
	if err != nil {
		_ = c.Error(err)
		return
	}
	c.JSON(http.StatusOK, res)
}

// GetShipment handles GET /shipment/:id
func (sc *ShipmentController) GetShipment(c *gin.Context) {
	orderID, ok := parseUUIDParam(c, "id")
	if !ok {
		return
	}

	res, err := sc.shipments.GetShipment(c.Request.Context(), callerFrom(c), orderID)
	if err != nil {
		_ = c.Error(err)
		return
	}
	c.JSON(http.StatusOK, res)
}

// ShippoWebhook handles POST /shipment/webhook. Unmatched events are still
// acknowledged so the provider stops retrying them.
func (sc *ShipmentController) ShippoWebhook(c *gin.Context) {
	if sc.webhookToken != "" &&
		subtle.ConstantTimeCompare([]byte(c.Query("token")), []byte(sc.webhookToken)) != 1 {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "Unauthorized"})
		return
	}

	body, err := io.ReadAll(http.MaxBytesReader(c.Writer, c.Request.Body, maxWebhookBody))
	if err != nil {
		c.JSON(http.StatusRequestEntityTooLarge, gin.H{"error": "Webhook body too large"})
		return
	}

	if err := sc.webhooks.HandleWebhook(c.Request.Context(), body); err != nil {
		_ = c.Error(err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "received"})
}
