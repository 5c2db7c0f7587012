package geo

import "math"

const earthRadiusMeters = 6371000.0

// DefaultAssumedSpeedMPS is used for ETA estimates when the runner's
// reported speed is missing or below the minimal-motion threshold.
const DefaultAssumedSpeedMPS = 5.5

// minMotionSpeedMPS separates real movement from GPS jitter.
const minMotionSpeedMPS = 1.0

// GeoPoint describes geographic coordinates (WGS84).
type GeoPoint struct {
	Lon float64 `json:"lon"`
	Lat float64 `json:"lat"`
}

// DistanceTo returns the great-circle distance to other in meters.
func (p GeoPoint) DistanceTo(other GeoPoint) float64 {
	lat1 := toRadians(p.Lat)
	lat2 := toRadians(other.Lat)
	dLat := lat2 - lat1
	dLon := toRadians(other.Lon - p.Lon)
	a := math.Sin(dLat/2)*math.Sin(dLat/2) + math.Cos(lat1)*math.Cos(lat2)*math.Sin(dLon/2)*math.Sin(dLon/2)
	c := 2 * math.Atan2(math.Sqrt(a), math.Sqrt(1-a))
	return earthRadiusMeters * c
}

func toRadians(v float64) float64 {
	return v * math.Pi / 180
}

// EstimateETASeconds returns a straight-line ETA in seconds. The reported
// speed is used only when it indicates real movement, otherwise
// assumedSpeedMPS (or the package default) applies. The result is never
// below one second so UI timers stay sane.
func EstimateETASeconds(distanceMeters, speedMPS, assumedSpeedMPS float64) int {
	if distanceMeters < 0 {
		distanceMeters = 0
	}
	speed := speedMPS
	if speed <= minMotionSpeedMPS {
		speed = assumedSpeedMPS
	}
	if speed <= 0 {
		speed = DefaultAssumedSpeedMPS
	}
	eta := int(math.Round(distanceMeters / speed))
	if eta < 1 {
		return 1
	}
	return eta
}
