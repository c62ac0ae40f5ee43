package providers_test

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"

	"fulfillment-service/models"
	"fulfillment-service/providers"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newShippoServer(t *testing.T, handler http.HandlerFunc) *providers.ShippoProvider {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)
	return providers.NewShippoProvider("shippo_test_key", srv.URL)
}

var testAddress = models.Address{
	FirstName: "Jane", LastName: "Doe", Street: "456 Elm St",
	City: "New York", State: "NY", Zip: "10001", Country: "US",
}

func TestShippoGetRates(t *testing.T) {
	p := newShippoServer(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/shipments/", r.URL.Path)
		assert.Equal(t, "ShippoToken shippo_test_key", r.Header.Get("Authorization"))

		var body map[string]interface{}
		require.NoError(t, json.NewDecoder(r.Body).Decode(&body))
		to := body["address_to"].(map[string]interface{})
		assert.Equal(t, "Jane Doe", to["name"])
		parcel := body["parcels"].([]interface{})[0].(map[string]interface{})
		assert.Equal(t, "10", parcel["length"])

		_, _ = io.WriteString(w, `{"object_id":"shp_1","rates":[
			{"object_id":"rate_1","provider":"USPS","servicelevel":{"name":"Priority"},"amount":"7.58","currency":"USD","estimated_days":2}
		]}`)
	})

	rates, err := p.GetRates(context.Background(), testAddress, testAddress, models.DefaultParcel())
	require.NoError(t, err)
	require.Len(t, rates, 1)
	assert.Equal(t, "rate_1", rates[0].RateID)
	assert.True(t, decimal.RequireFromString("7.58").Equal(rates[0].Amount))
}

func TestShippoCreateAddress_Invalid(t *testing.T) {
	p := newShippoServer(t, func(w http.ResponseWriter, r *http.Request) {
		_, _ = io.WriteString(w, `{"object_id":"adr_1","validation_results":{"is_valid":false,"messages":[{"text":"Street not found"}]}}`)
	})

	_, err := p.CreateAddress(context.Background(), testAddress)
	assert.True(t, errors.Is(err, providers.ErrAddressInvalid))
	assert.Contains(t, err.Error(), "Street not found")
}

func TestShippoCreateTransaction_Queued(t *testing.T) {
	p := newShippoServer(t, func(w http.ResponseWriter, r *http.Request) {
		var body map[string]interface{}
		require.NoError(t, json.NewDecoder(r.Body).Decode(&body))
		assert.Equal(t, "rate_1", body["rate"])
		assert.Equal(t, "order:abc", body["metadata"])
		_, _ = io.WriteString(w, `{"object_id":"tx_1","status":"QUEUED","rate":"rate_1"}`)
	})

	tx, err := p.CreateTransaction(context.Background(), "rate_1", "order:abc")
	require.NoError(t, err)
	assert.Equal(t, "tx_1", tx.ObjectID)
	assert.Equal(t, models.TransactionStatusQueued, tx.Status)
	assert.False(t, tx.Resolved())
}

func TestShippoAPIError(t *testing.T) {
	p := newShippoServer(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusUnprocessableEntity)
		_, _ = io.WriteString(w, `{"detail":"bad rate"}`)
	})

	_, err := p.GetTransaction(context.Background(), "tx_1")
	var apiErr *providers.APIError
	require.True(t, errors.As(err, &apiErr))
	assert.Equal(t, http.StatusUnprocessableEntity, apiErr.StatusCode)
}

func TestShippoParseWebhook(t *testing.T) {
	p := providers.NewShippoProvider("k", "")

	tests := []struct {
		name   string
		body   string
		assert func(t *testing.T, hook *models.ShippingWebhook)
	}{
		{
			name: "transaction created with rate id",
			body: `{"event":"transaction_created","data":{"object_id":"tx_1","status":"SUCCESS","rate":"rate_1",
				"tracking_number":"TRK1","tracking_url_provider":"https://track/1","label_url":"https://label/1","metadata":"order:abc"}}`,
			assert: func(t *testing.T, hook *models.ShippingWebhook) {
				assert.Equal(t, models.ShippingEventTransactionCreated, hook.Event)
				assert.Equal(t, "rate_1", hook.RateID)
				assert.Equal(t, "TRK1", hook.TrackingNumber)
				assert.Equal(t, "https://track/1", hook.TrackingURL)
			},
		},
		{
			name: "expanded rate object",
			body: `{"event":"transaction_updated","data":{"object_id":"tx_1","rate":{"object_id":"rate_2"}}}`,
			assert: func(t *testing.T, hook *models.ShippingWebhook) {
				assert.Equal(t, "rate_2", hook.RateID)
			},
		},
		{
			name: "track updated with substatus object",
			body: `{"event":"track_updated","data":{"carrier":"usps","tracking_number":"TRK1","eta":"2024-05-02T12:00:00Z",
				"tracking_status":{"status":"TRANSIT","substatus":{"code":"out_for_delivery","text":"Out for delivery"}}}}`,
			assert: func(t *testing.T, hook *models.ShippingWebhook) {
				assert.Equal(t, "TRANSIT", hook.TrackingStatus)
				assert.Equal(t, "out_for_delivery", hook.TrackingDetail)
				require.NotNil(t, hook.ETA)
				assert.Equal(t, 2, hook.ETA.Day())
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			hook, err := p.ParseWebhook([]byte(tt.body))
			require.NoError(t, err)
			tt.assert(t, hook)
		})
	}
}

func TestShippoParseWebhook_MissingEvent(t *testing.T) {
	p := providers.NewShippoProvider("k", "")
	_, err := p.ParseWebhook([]byte(`{"data":{}}`))
	assert.Error(t, err)
}
