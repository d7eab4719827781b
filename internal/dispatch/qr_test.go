package dispatch

import (
	"testing"

	"github.com/kb9ops/dispatch-gateway/internal/radio"
)

func TestSituationQR_EncodesValidFix(t *testing.T) {
	png, err := SituationQR(radio.Position{Latitude: 47.6062, Longitude: -122.3321, Valid: true}, 0)
	if err != nil {
		t.Fatalf("SituationQR: %v", err)
	}
	if len(png) == 0 {
		t.Error("got empty PNG, want encoded QR image bytes")
	}
}

func TestSituationQR_RejectsInvalidFix(t *testing.T) {
	if _, err := SituationQR(radio.Position{}, 256); err == nil {
		t.Error("expected an error for a GPS-less node")
	}
}
