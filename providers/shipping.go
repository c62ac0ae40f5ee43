package providers

import (
	"context"
	"errors"
	"fmt"

	"fulfillment-service/models"
)

// ShippingProvider defines the interface all carrier integrations must implement.
type ShippingProvider interface {
	// CreateAddress registers and validates an address with the carrier API.
	// It returns ErrAddressInvalid when the carrier rejects it.
	CreateAddress(ctx context.Context, addr models.Address) (string, error)

	// GetRates creates a shipment quote and returns the available options.
	GetRates(ctx context.Context, from, to models.Address, parcel models.Parcel) ([]models.ShippingRate, error)

	GetRate(ctx context.Context, rateID string) (*models.ShippingRate, error)

	// CreateTransaction purchases a label for rateID. The returned
	// transaction may still be QUEUED.
	CreateTransaction(ctx context.Context, rateID, metadata string) (*models.ShippingTransaction, error)

	GetTransaction(ctx context.Context, transactionID string) (*models.ShippingTransaction, error)

	// TrackShipment returns the current tracking status for a given tracking number.
	TrackShipment(ctx context.Context, carrier, trackingNumber string) (*models.TrackingStatus, error)

	// ParseWebhook decodes a callback body.
	ParseWebhook(body []byte) (*models.ShippingWebhook, error)

	// DownloadLabel fetches a purchased label file.
	DownloadLabel(ctx context.Context, labelURL string) ([]byte, string, error)
}

var ErrAddressInvalid = errors.New("address is not deliverable")

// APIError is a non-2xx response from a provider API.
type APIError struct {
	Provider   string
	StatusCode int
	Body       string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("%s API error (status %d): %s", e.Provider, e.StatusCode, e.Body)
}
