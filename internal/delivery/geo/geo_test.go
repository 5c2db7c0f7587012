package geo

import (
	"math"
	"testing"
)

func TestDistanceToZeroForSamePoint(t *testing.T) {
	p := GeoPoint{Lon: 76.9286, Lat: 43.2567}
	if d := p.DistanceTo(p); d != 0 {
		t.Errorf("distance to self = %f, want 0", d)
	}
}

func TestDistanceToSymmetric(t *testing.T) {
	a := GeoPoint{Lon: 76.9286, Lat: 43.2567}
	b := GeoPoint{Lon: 76.8512, Lat: 43.2220}
	if d1, d2 := a.DistanceTo(b), b.DistanceTo(a); math.Abs(d1-d2) > 1e-6 {
		t.Errorf("distance not symmetric: %f vs %f", d1, d2)
	}
}

func TestDistanceToKnownValue(t *testing.T) {
	// Almaty centre to the airport, roughly 12.5 km
	a := GeoPoint{Lon: 76.9454, Lat: 43.2389}
	b := GeoPoint{Lon: 77.0114, Lat: 43.3521}
	d := a.DistanceTo(b)
	if d < 12000 || d > 14000 {
		t.Errorf("distance = %f m, want ~12.5 km", d)
	}
}

func TestEstimateETAUsesReportedSpeed(t *testing.T) {
	if got := EstimateETASeconds(1000, 10, 5.5); got != 100 {
		t.Errorf("eta = %d, want 100", got)
	}
}

func TestEstimateETAFallsBackToAssumedSpeed(t *testing.T) {
	// speeds at or below walking-noise level are ignored
	if got := EstimateETASeconds(1100, 0.5, 5.5); got != 200 {
		t.Errorf("eta = %d, want 200", got)
	}
	if got := EstimateETASeconds(1100, 0, 5.5); got != 200 {
		t.Errorf("eta with zero speed = %d, want 200", got)
	}
}

func TestEstimateETANeverBelowOneSecond(t *testing.T) {
	if got := EstimateETASeconds(0.5, 10, 5.5); got < 1 {
		t.Errorf("eta = %d, want at least 1", got)
	}
}
