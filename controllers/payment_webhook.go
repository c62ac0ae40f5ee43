package controllers

import (
	"io"
	"net/http"

	"github.com/gin-gonic/gin"
)

// StripeWebhook receives Stripe events. The signature covers the exact bytes,
// so the body is read raw and never bound.
func (pc *PaymentController) StripeWebhook(c *gin.Context) {
	payload, err := io.ReadAll(http.MaxBytesReader(c.Writer, c.Request.Body, maxWebhookBody))
	if err != nil {
		c.JSON(http.StatusRequestEntityTooLarge, gin.H{"error": "Webhook body too large"})
		return
	}

	if err := pc.payments.HandleWebhook(c.Request.Context(), payload, c.GetHeader("Stripe-Signature")); err != nil {
		_ = c.Error(err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "received"})
}
