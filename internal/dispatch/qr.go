package dispatch

import (
	"fmt"

	"github.com/skip2/go-qrcode"

	"github.com/kb9ops/dispatch-gateway/internal/radio"
)

// SituationQR renders a QR code encoding an incident's GPS coordinates
// as a Google Maps URL, for the operator dashboard's dispatch card
// (internal/web). Never sent over the radio link itself — scanning a
// QR code over a packet-radio text channel makes no sense, this is
// strictly a browser-side convenience for a responder who wants to
// open the location on a phone. Returns an error if gps is invalid.
func SituationQR(gps radio.Position, size int) ([]byte, error) {
	if !gps.Valid {
		return nil, fmt.Errorf("dispatch: no GPS fix to encode")
	}
	if size <= 0 {
		size = 256
	}
	url := fmt.Sprintf("https://maps.google.com/?q=%.5f,%.5f", gps.Latitude, gps.Longitude)
	return qrcode.Encode(url, qrcode.Medium, size)
}
