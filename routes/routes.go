package routes

import (
	"net/http"

	commonmw "fulfillment-service/common/middleware"
	"fulfillment-service/controllers"
	"fulfillment-service/middleware"

	"github.com/gin-gonic/gin"
)

// Limits throttles the unauthenticated write endpoints. A nil limiter
// disables throttling for its group.
type Limits struct {
	Checkout *commonmw.RateLimiter
	Webhooks *commonmw.RateLimiter
}

func throttle(l *commonmw.RateLimiter) gin.HandlerFunc {
	if l == nil {
		return func(c *gin.Context) { c.Next() }
	}
	return commonmw.RateLimitMiddleware(l)
}

func RegisterHealthRoutes(r *gin.Engine, service string) {
	r.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "healthy", "service": service})
	})
}

// RegisterOrderRoutes sets up checkout and order reads. Checkout accepts
// guests.
func RegisterOrderRoutes(r *gin.Engine, auth *middleware.Authenticator, oc *controllers.OrderController, limits Limits) {
	orders := r.Group("/orders")
	orders.POST("", throttle(limits.Checkout), auth.OptionalAuth(), oc.CreateOrder)

	authed := orders.Group("", auth.RequireAuth())
	authed.GET("/my-orders", oc.GetMyOrders)
	authed.GET("/:id", oc.GetOrderByID)

	admin := orders.Group("", auth.RequireAuth(), middleware.RequireAdmin())
	admin.GET("", oc.GetAllOrders)
	admin.PUT("/:id/status", oc.UpdateOrderStatus)
}

// RegisterPaymentRoutes sets up payment endpoints. Guests pay for their own
// orders, so intent creation and confirmation only need optional auth.
func RegisterPaymentRoutes(r *gin.Engine, auth *middleware.Authenticator, pc *controllers.PaymentController, limits Limits) {
	payment := r.Group("/payment")

	// Raw body, signature verified by the service.
	payment.POST("/webhook", throttle(limits.Webhooks), pc.StripeWebhook)

	payment.POST("/create-intent", auth.OptionalAuth(), pc.CreateIntent)
	payment.POST("/confirm", auth.OptionalAuth(), pc.ConfirmPayment)
	payment.POST("/refund/:orderId", auth.RequireAuth(), middleware.RequireAdmin(), pc.Refund)
}

func RegisterShipmentRoutes(r *gin.Engine, auth *middleware.Authenticator, sc *controllers.ShipmentController, limits Limits) {
	shipment := r.Group("/shipment")

	shipment.POST("/webhook", throttle(limits.Webhooks), sc.ShippoWebhook)

	authed := shipment.Group("", auth.RequireAuth())
	authed.GET("/track/:trackingNumber", sc.TrackShipment)
	authed.GET("/:id", sc.GetShipment)

	admin := shipment.Group("", auth.RequireAuth(), middleware.RequireAdmin())
	admin.POST("/rates", sc.GetRates)
	admin.POST("/create", sc.CreateShipment)
	admin.PUT("/:id/status", sc.UpdateShipmentStatus)
}
