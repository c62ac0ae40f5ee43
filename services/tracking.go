package services

import (
	"fmt"
	"net/url"
	"strings"

	"fulfillment-service/models"
)

// Checked in order: "usps" contains "ups".
var carrierTrackingURLs = []struct {
	carrier  string
	template string
}{
	{"usps", "https://tools.usps.com/go/TrackConfirmAction?tLabels=%s"},
	{"fedex", "https://www.fedex.com/fedextrack/?trknbr=%s"},
	{"ups", "https://www.ups.com/track?tracknum=%s"},
}

const genericTrackingURL = "https://www.17track.net/en/track?nums=%s"

// TrackingURL prefers the provider URL, then a carrier template, then a
// generic tracker. It returns "" when there is no tracking number.
func TrackingURL(providerURL, carrier, trackingNumber string) string {
	if providerURL != "" {
		return providerURL
	}
	if trackingNumber == "" {
		return ""
	}
	tn := url.QueryEscape(trackingNumber)
	c := strings.ToLower(carrier)
	for _, t := range carrierTrackingURLs {
		if strings.Contains(c, t.carrier) {
			return fmt.Sprintf(t.template, tn)
		}
	}
	return fmt.Sprintf(genericTrackingURL, tn)
}

// MapCarrierStatus translates a provider tracking status into a shipment
// status. Unknown statuses map to "".
func MapCarrierStatus(status, substatus string) models.ShipmentStatus {
	switch strings.ToUpper(status) {
	case "PRE_TRANSIT":
		return models.ShipmentStatusPreparing
	case "TRANSIT":
		if strings.EqualFold(substatus, "out_for_delivery") {
			return models.ShipmentStatusOutForDelivery
		}
		return models.ShipmentStatusInTransit
	case "DELIVERED":
		return models.ShipmentStatusDelivered
	case "RETURNED":
		return models.ShipmentStatusReturned
	case "FAILURE":
		return models.ShipmentStatusException
	default:
		return ""
	}
}
