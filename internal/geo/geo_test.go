package geo

import (
	"errors"
	"math"
	"testing"
	"time"

	"airguard/go-detection-server/internal/model"
)

func TestDistance(t *testing.T) {
	// Berlin, two fixes 0.0001 degrees apart on both axes.
	d := Distance(52.5200, 13.4050, 52.5201, 13.4051)
	if d < 10 || d > 16 {
		t.Fatalf("Distance() = %.2f m, want ~13 m", d)
	}

	if d := Distance(52.52, 13.405, 52.52, 13.405); d != 0 {
		t.Fatalf("Distance(same point) = %v, want 0", d)
	}

	// One degree of latitude is ~111.2 km.
	if d := Distance(0, 0, 1, 0); math.Abs(d-111_195) > 100 {
		t.Fatalf("Distance(1 deg lat) = %.0f", d)
	}
}

func TestAroundContainsRadius(t *testing.T) {
	box := Around(52.52, 13.405, 50)
	north := 52.52 + 49.0/111_195
	if north > box.MaxLat || north < box.MinLat {
		t.Fatalf("box %+v misses point 49 m north", box)
	}
	if box.MinLon >= 13.405 || box.MaxLon <= 13.405 {
		t.Fatalf("box %+v does not span the center longitude", box)
	}

	polar := Around(89.99999999, 0, 50)
	if polar.MinLon != -180 || polar.MaxLon != 180 {
		t.Fatalf("polar box should span every longitude, got %+v", polar)
	}

	dateline := Around(0, 179.99999, 100)
	if dateline.MinLon != -180 || dateline.MaxLon != 180 {
		t.Fatalf("antimeridian box should span every longitude, got %+v", dateline)
	}
}

func TestNearestTieBreak(t *testing.T) {
	now := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)
	candidates := []model.Location{
		{ID: 1, Latitude: 0.0001, Longitude: 0, LastSeen: now.Add(-time.Hour)},
		{ID: 2, Latitude: -0.0001, Longitude: 0, LastSeen: now},
		{ID: 3, Latitude: 0.01, Longitude: 0, LastSeen: now},
	}

	got, _, ok := Nearest(candidates, 0, 0, 30)
	if !ok {
		t.Fatal("Nearest() found nothing")
	}
	if got.ID != 2 {
		t.Fatalf("Nearest() = %d, want 2 (equidistant, most recently seen)", got.ID)
	}

	got, _, ok = Nearest(candidates, 0.00002, 0, 30)
	if !ok || got.ID != 1 {
		t.Fatalf("Nearest() = %d, %v; want 1", got.ID, ok)
	}

	if _, _, ok := Nearest(candidates, 1, 1, 30); ok {
		t.Fatal("Nearest() matched a far away point")
	}
}

func TestValidateFix(t *testing.T) {
	neg := -1.0
	bad := []model.Fix{
		{Latitude: 91, Longitude: 0},
		{Latitude: 0, Longitude: -181},
		{Latitude: math.NaN(), Longitude: 0},
		{Latitude: 0, Longitude: 0, Accuracy: &neg},
	}
	for _, fix := range bad {
		if err := ValidateFix(fix); !errors.Is(err, model.ErrValidation) {
			t.Fatalf("ValidateFix(%+v) = %v, want validation error", fix, err)
		}
	}
	if err := ValidateFix(model.Fix{Latitude: 52.52, Longitude: 13.405}); err != nil {
		t.Fatalf("ValidateFix(valid) = %v", err)
	}
}
