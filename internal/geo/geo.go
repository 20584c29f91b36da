// Package geo holds the distance math used to deduplicate GPS fixes into
// locations.
package geo

import (
	"math"

	"airguard/go-detection-server/internal/model"
)

const earthRadiusMeters = 6_371_008.8

// Distance returns the great-circle distance in meters between two points.
func Distance(lat1, lon1, lat2, lon2 float64) float64 {
	phi1 := lat1 * math.Pi / 180
	phi2 := lat2 * math.Pi / 180
	dPhi := (lat2 - lat1) * math.Pi / 180
	dLambda := (lon2 - lon1) * math.Pi / 180

	a := math.Sin(dPhi/2)*math.Sin(dPhi/2) +
		math.Cos(phi1)*math.Cos(phi2)*math.Sin(dLambda/2)*math.Sin(dLambda/2)
	return 2 * earthRadiusMeters * math.Asin(math.Min(1, math.Sqrt(a)))
}

// Box is a latitude/longitude rectangle in degrees.
type Box struct {
	MinLat, MaxLat float64
	MinLon, MaxLon float64
}

// Around returns a box that contains every point within radius meters of
// (lat, lon). It is a prefilter only; candidates still need Distance.
func Around(lat, lon, radius float64) Box {
	dLat := radius / earthRadiusMeters * 180 / math.Pi
	box := Box{
		MinLat: math.Max(-90, lat-dLat),
		MaxLat: math.Min(90, lat+dLat),
		MinLon: -180,
		MaxLon: 180,
	}

	cos := math.Cos(lat * math.Pi / 180)
	if cos < 1e-6 {
		return box
	}
	dLon := dLat / cos
	if lon-dLon < -180 || lon+dLon > 180 {
		// crosses the antimeridian
		return box
	}
	box.MinLon = lon - dLon
	box.MaxLon = lon + dLon
	return box
}

// Nearest picks the location closest to (lat, lon) within radius meters. On an
// exact distance tie the most recently seen location wins.
func Nearest(candidates []model.Location, lat, lon, radius float64) (model.Location, float64, bool) {
	var (
		best     model.Location
		bestDist float64
		found    bool
	)

	for _, loc := range candidates {
		d := Distance(lat, lon, loc.Latitude, loc.Longitude)
		if d > radius {
			continue
		}
		if !found || d < bestDist || (d == bestDist && loc.LastSeen.After(best.LastSeen)) {
			best, bestDist, found = loc, d, true
		}
	}

	return best, bestDist, found
}

// ValidateFix rejects coordinates outside WGS84 ranges.
func ValidateFix(fix model.Fix) error {
	switch {
	case math.IsNaN(fix.Latitude) || fix.Latitude < -90 || fix.Latitude > 90:
		return model.Invalid("latitude", "must be within [-90, 90], got %v", fix.Latitude)
	case math.IsNaN(fix.Longitude) || fix.Longitude < -180 || fix.Longitude > 180:
		return model.Invalid("longitude", "must be within [-180, 180], got %v", fix.Longitude)
	case fix.Accuracy != nil && (math.IsNaN(*fix.Accuracy) || *fix.Accuracy < 0):
		return model.Invalid("accuracy", "must be non-negative")
	case fix.Altitude != nil && math.IsNaN(*fix.Altitude):
		return model.Invalid("altitude", "must be a number")
	}
	return nil
}
