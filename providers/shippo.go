package providers

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"fulfillment-service/models"

	"github.com/shopspring/decimal"
)

const (
	DefaultShippoBaseURL = "https://api.goshippo.com"
	maxLabelBytes        = 10 << 20
)

// ShippoProvider implements ShippingProvider using the Shippo API.
type ShippoProvider struct {
	apiKey     string
	baseURL    string
	httpClient *http.Client
}

// NewShippoProvider creates a new ShippoProvider. An empty baseURL selects
// the public API.
func NewShippoProvider(apiKey, baseURL string) *ShippoProvider {
	if baseURL == "" {
		baseURL = DefaultShippoBaseURL
	}
	return &ShippoProvider{
		apiKey:  apiKey,
		baseURL: strings.TrimRight(baseURL, "/"),
		httpClient: &http.Client{
			Timeout: 15 * time.Second,
		},
	}
}

// ---- Shippo API request/response structs ----

type shippoAddress struct {
	Name     string `json:"name"`
	Street1  string `json:"street1"`
	City     string `json:"city"`
	State    string `json:"state"`
	Zip      string `json:"zip"`
	Country  string `json:"country"`
	Phone    string `json:"phone,omitempty"`
	Validate bool   `json:"validate,omitempty"`
}

type shippoAddressResponse struct {
	ObjectID          string `json:"object_id"`
	ValidationResults struct {
		IsValid  *bool `json:"is_valid"`
		Messages []struct {
			Text string `json:"text"`
		} `json:"messages"`
	} `json:"validation_results"`
}

type shippoParcel struct {
	Length       string `json:"length"`
	Width        string `json:"width"`
	Height       string `json:"height"`
	DistanceUnit string `json:"distance_unit"`
	Weight       string `json:"weight"`
	MassUnit     string `json:"mass_unit"`
}

type shippoShipmentRequest struct {
	AddressFrom shippoAddress  `json:"address_from"`
	AddressTo   shippoAddress  `json:"address_to"`
	Parcels     []shippoParcel `json:"parcels"`
	Async       bool           `json:"async"`
}

type shippoRate struct {
	ObjectID     string `json:"object_id"`
	Provider     string `json:"provider"`
	ServiceLevel struct {
		Name  string `json:"name"`
		Token string `json:"token"`
	} `json:"servicelevel"`
	Amount        string `json:"amount"`
	Currency      string `json:"currency"`
	EstimatedDays int    `json:"estimated_days"`
}

type shippoShipmentResponse struct {
	ObjectID string       `json:"object_id"`
	Rates    []shippoRate `json:"rates"`
}

type shippoTransactionRequest struct {
	Rate          string `json:"rate"`
	Async         bool   `json:"async"`
	LabelFileType string `json:"label_file_type"`
	Metadata      string `json:"metadata,omitempty"`
}

type shippoMessage struct {
	Text string `json:"text"`
}

type shippoTransactionResponse struct {
	ObjectID            string          `json:"object_id"`
	Status              string          `json:"status"`
	Rate                shippoRef       `json:"rate"`
	TrackingNumber      string          `json:"tracking_number"`
	TrackingURLProvider string          `json:"tracking_url_provider"`
	LabelURL            string          `json:"label_url"`
	ETA                 string          `json:"eta"`
	Messages            []shippoMessage `json:"messages"`
}

type shippoLocation struct {
	City    string `json:"city"`
	State   string `json:"state"`
	Country string `json:"country"`
}

type shippoTrackingStatus struct {
	Status        string          `json:"status"`
	Substatus     shippoSubstatus `json:"substatus"`
	StatusDetails string          `json:"status_details"`
	StatusDate    string          `json:"status_date"`
	Location      *shippoLocation `json:"location"`
}

type shippoTrackResponse struct {
	TrackingNumber string                `json:"tracking_number"`
	Carrier        string                `json:"carrier"`
	ETA            string                `json:"eta"`
	TrackingStatus *shippoTrackingStatus `json:"tracking_status"`
}

// shippoWebhookData is the union of the transaction and track objects Shippo
// posts in the data field.
type shippoWebhookData struct {
	ObjectID            string                `json:"object_id"`
	Status              string                `json:"status"`
	Rate                shippoRef             `json:"rate"`
	TrackingNumber      string                `json:"tracking_number"`
	TrackingURLProvider string                `json:"tracking_url_provider"`
	LabelURL            string                `json:"label_url"`
	Metadata            string                `json:"metadata"`
	Carrier             string                `json:"carrier"`
	ETA                 string                `json:"eta"`
	TrackingStatus      *shippoTrackingStatus `json:"tracking_status"`
}

type shippoWebhookEnvelope struct {
	Event string            `json:"event"`
	Data  shippoWebhookData `json:"data"`
}

// shippoRef accepts either an object id string or an expanded object.
type shippoRef string

func (r *shippoRef) UnmarshalJSON(b []byte) error {
	if string(b) == "null" {
		return nil
	}
	var s string
	if err := json.Unmarshal(b, &s); err == nil {
		*r = shippoRef(s)
		return nil
	}
	var obj struct {
		ObjectID string `json:"object_id"`
	}
	if err := json.Unmarshal(b, &obj); err != nil {
		return err
	}
	*r = shippoRef(obj.ObjectID)
	return nil
}

// shippoSubstatus accepts the legacy string form and the {code, text} object.
type shippoSubstatus string

func (s *shippoSubstatus) UnmarshalJSON(b []byte) error {
	if string(b) == "null" {
		return nil
	}
	var str string
	if err := json.Unmarshal(b, &str); err == nil {
		*s = shippoSubstatus(str)
		return nil
	}
	var obj struct {
		Code string `json:"code"`
	}
	if err := json.Unmarshal(b, &obj); err != nil {
		return err
	}
	*s = shippoSubstatus(obj.Code)
	return nil
}

// ---- ShippingProvider implementation ----

func (s *ShippoProvider) CreateAddress(ctx context.Context, addr models.Address) (string, error) {
	req := toShippoAddress(addr)
	req.Validate = true

	var resp shippoAddressResponse
	if err := s.doRequest(ctx, http.MethodPost, "/addresses/", req, &resp); err != nil {
		return "", fmt.Errorf("shippo CreateAddress: %w", err)
	}

	if v := resp.ValidationResults.IsValid; v != nil && !*v {
		msgs := make([]string, 0, len(resp.ValidationResults.Messages))
		for _, m := range resp.ValidationResults.Messages {
			msgs = append(msgs, m.Text)
		}
		if len(msgs) == 0 {
			return "", ErrAddressInvalid
		}
		return "", fmt.Errorf("%w: %s", ErrAddressInvalid, strings.Join(msgs, "; "))
	}
	return resp.ObjectID, nil
}

// GetRates creates a Shippo shipment and returns available rates.
func (s *ShippoProvider) GetRates(ctx context.Context, from, to models.Address, parcel models.Parcel) ([]models.ShippingRate, error) {
	reqBody := shippoShipmentRequest{
		AddressFrom: toShippoAddress(from),
		AddressTo:   toShippoAddress(to),
		Parcels:     []shippoParcel{toShippoParcel(parcel)},
		Async:       false,
	}

	var resp shippoShipmentResponse
	if err := s.doRequest(ctx, http.MethodPost, "/shipments/", reqBody, &resp); err != nil {
		return nil, fmt.Errorf("shippo GetRates: %w", err)
	}

	rates := make([]models.ShippingRate, 0, len(resp.Rates))
	for _, r := range resp.Rates {
		rate, err := r.toModel()
		if err != nil {
			return nil, fmt.Errorf("shippo GetRates: %w", err)
		}
		rates = append(rates, rate)
	}
	return rates, nil
}

func (s *ShippoProvider) GetRate(ctx context.Context, rateID string) (*models.ShippingRate, error) {
	var resp shippoRate
	if err := s.doRequest(ctx, http.MethodGet, "/rates/"+rateID, nil, &resp); err != nil {
		return nil, fmt.Errorf("shippo GetRate: %w", err)
	}
	rate, err := resp.toModel()
	if err != nil {
		return nil, fmt.Errorf("shippo GetRate: %w", err)
	}
	return &rate, nil
}

// CreateTransaction purchases the selected Shippo rate.
func (s *ShippoProvider) CreateTransaction(ctx context.Context, rateID, metadata string) (*models.ShippingTransaction, error) {
	txReq := shippoTransactionRequest{
		Rate:          rateID,
		Async:         false,
		LabelFileType: "PDF",
		Metadata:      metadata,
	}

	var resp shippoTransactionResponse
	if err := s.doRequest(ctx, http.MethodPost, "/transactions/", txReq, &resp); err != nil {
		return nil, fmt.Errorf("shippo CreateTransaction: %w", err)
	}
	tx := resp.toModel()
	if tx.RateID == "" {
		tx.RateID = rateID
	}
	return tx, nil
}

func (s *ShippoProvider) GetTransaction(ctx context.Context, transactionID string) (*models.ShippingTransaction, error) {
	var resp shippoTransactionResponse
	if err := s.doRequest(ctx, http.MethodGet, "/transactions/"+transactionID, nil, &resp); err != nil {
		return nil, fmt.Errorf("shippo GetTransaction: %w", err)
	}
	return resp.toModel(), nil
}

// TrackShipment retrieves the current tracking status from Shippo.
func (s *ShippoProvider) TrackShipment(ctx context.Context, carrier, trackingNumber string) (*models.TrackingStatus, error) {
	path := fmt.Sprintf("/tracks/%s/%s", carrier, trackingNumber)

	var resp shippoTrackResponse
	if err := s.doRequest(ctx, http.MethodGet, path, nil, &resp); err != nil {
		return nil, fmt.Errorf("shippo TrackShipment: %w", err)
	}

	status := &models.TrackingStatus{
		TrackingNumber: resp.TrackingNumber,
		Carrier:        resp.Carrier,
		ETA:            parseTime(resp.ETA),
		UpdatedAt:      time.Now().UTC(),
	}
	if ts := resp.TrackingStatus; ts != nil {
		status.Status = ts.Status
		status.SubStatus = string(ts.Substatus)
		if t := parseTime(ts.StatusDate); t != nil {
			status.UpdatedAt = *t
		}
		if l := ts.Location; l != nil && l.City != "" {
			status.Location = fmt.Sprintf("%s, %s, %s", l.City, l.State, l.Country)
		}
	}
	return status, nil
}

func (s *ShippoProvider) ParseWebhook(body []byte) (*models.ShippingWebhook, error) {
	var env shippoWebhookEnvelope
	if err := json.Unmarshal(body, &env); err != nil {
		return nil, fmt.Errorf("decode shippo webhook: %w", err)
	}
	if env.Event == "" {
		return nil, fmt.Errorf("decode shippo webhook: missing event")
	}

	d := env.Data
	hook := &models.ShippingWebhook{
		Event:          env.Event,
		ObjectID:       d.ObjectID,
		Status:         d.Status,
		RateID:         string(d.Rate),
		TrackingNumber: d.TrackingNumber,
		TrackingURL:    d.TrackingURLProvider,
		LabelURL:       d.LabelURL,
		Metadata:       d.Metadata,
		Carrier:        d.Carrier,
		ETA:            parseTime(d.ETA),
		Raw:            body,
	}
	if ts := d.TrackingStatus; ts != nil {
		hook.TrackingStatus = ts.Status
		hook.TrackingDetail = string(ts.Substatus)
	}
	return hook, nil
}

func (s *ShippoProvider) DownloadLabel(ctx context.Context, labelURL string) ([]byte, string, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, labelURL, nil)
	if err != nil {
		return nil, "", fmt.Errorf("create request: %w", err)
	}
	resp, err := s.httpClient.Do(req)
	if err != nil {
		return nil, "", fmt.Errorf("download label: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, "", &APIError{Provider: "shippo", StatusCode: resp.StatusCode, Body: "label download failed"}
	}
	body, err := io.ReadAll(io.LimitReader(resp.Body, maxLabelBytes))
	if err != nil {
		return nil, "", fmt.Errorf("read label: %w", err)
	}
	contentType := resp.Header.Get("Content-Type")
	if contentType == "" {
		contentType = "application/pdf"
	}
	return body, contentType, nil
}

// ---- HTTP helper ----

func (s *ShippoProvider) doRequest(ctx context.Context, method, path string, body interface{}, out interface{}) error {
	var reqBody io.Reader
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("marshal request: %w", err)
		}
		reqBody = bytes.NewReader(b)
	}

	req, err := http.NewRequestWithContext(ctx, method, s.baseURL+path, reqBody)
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Authorization", "ShippoToken "+s.apiKey)
	req.Header.Set("Content-Type", "application/json")

	resp, err := s.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("http do: %w", err)
	}
	defer resp.Body.Close()

	respBytes, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("read response: %w", err)
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return &APIError{Provider: "shippo", StatusCode: resp.StatusCode, Body: string(respBytes)}
	}

	if out != nil {
		if err := json.Unmarshal(respBytes, out); err != nil {
			return fmt.Errorf("decode response: %w", err)
		}
	}
	return nil
}

// ---- Conversion helpers ----

func toShippoAddress(a models.Address) shippoAddress {
	return shippoAddress{
		Name:    a.FullName(),
		Street1: a.Street,
		City:    a.City,
		State:   a.State,
		Zip:     a.Zip,
		Country: a.Country,
		Phone:   a.Phone,
	}
}

func toShippoParcel(p models.Parcel) shippoParcel {
	f := func(v float64) string { return strconv.FormatFloat(v, 'f', -1, 64) }
	return shippoParcel{
		Length:       f(p.Length),
		Width:        f(p.Width),
		Height:       f(p.Height),
		DistanceUnit: p.DistanceUnit,
		Weight:       f(p.Weight),
		MassUnit:     p.MassUnit,
	}
}

func (r shippoRate) toModel() (models.ShippingRate, error) {
	amount, err := decimal.NewFromString(r.Amount)
	if err != nil {
		return models.ShippingRate{}, fmt.Errorf("rate %s amount %q: %w", r.ObjectID, r.Amount, err)
	}
	return models.ShippingRate{
		RateID:        r.ObjectID,
		Provider:      r.Provider,
		ServiceLevel:  r.ServiceLevel.Name,
		Amount:        amount,
		Currency:      r.Currency,
		EstimatedDays: r.EstimatedDays,
	}, nil
}

func (r shippoTransactionResponse) toModel() *models.ShippingTransaction {
	msgs := make([]string, 0, len(r.Messages))
	for _, m := range r.Messages {
		if m.Text != "" {
			msgs = append(msgs, m.Text)
		}
	}
	return &models.ShippingTransaction{
		ObjectID:       r.ObjectID,
		Status:         r.Status,
		RateID:         string(r.Rate),
		TrackingNumber: r.TrackingNumber,
		TrackingURL:    r.TrackingURLProvider,
		LabelURL:       r.LabelURL,
		ETA:            parseTime(r.ETA),
		Messages:       msgs,
	}
}

func parseTime(v string) *time.Time {
	if v == "" {
		return nil
	}
	t, err := time.Parse(time.RFC3339, v)
	if err != nil {
		return nil
	}
	t = t.UTC()
	return &t
}
