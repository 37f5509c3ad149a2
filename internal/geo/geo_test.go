package geo

import (
	"math"
	"testing"
)

func almostEqual(a, b, epsilon float64) bool {
	return math.Abs(a-b) <= epsilon
}

func TestHaversineZeroDistance(t *testing.T) {
	d := Haversine(44.39, -79.70, 44.39, -79.70)
	if d != 0 {
		t.Errorf("expected 0 distance for identical points, got %f", d)
	}
}

func TestHaversineKnownDistance(t *testing.T) {
	// One degree of latitude is approximately 111.2 km.
	d := Haversine(0, 0, 1, 0)
	if !almostEqual(d, 111195, 500) {
		t.Errorf("expected ~111195m for 1 degree of latitude, got %f", d)
	}
}

func TestPointToSegmentClampsToEndpoints(t *testing.T) {
	a := Point{Lat: 44.39, Lon: -79.70}
	b := Point{Lat: 44.39, Lon: -79.69}

	// A point far beyond b's end of the segment should clamp to b.
	p := Point{Lat: 44.39, Lon: -79.60}
	got := PointToSegment(p, a, b)
	want := Haversine(p.Lat, p.Lon, b.Lat, b.Lon)
	if !almostEqual(got, want, 1) {
		t.Errorf("expected clamp to endpoint b distance %f, got %f", want, got)
	}
}

func TestPointToSegmentOnSegment(t *testing.T) {
	a := Point{Lat: 44.39, Lon: -79.70}
	b := Point{Lat: 44.39, Lon: -79.68}
	mid := Point{Lat: 44.39, Lon: -79.69}

	d := PointToSegment(mid, a, b)
	if d > 1 {
		t.Errorf("expected near-zero distance for point on segment, got %f", d)
	}
}

func TestPointToPolylineEmpty(t *testing.T) {
	d := PointToPolyline(Point{Lat: 1, Lon: 1}, nil)
	if !math.IsInf(d, 1) {
		t.Errorf("expected +Inf for empty polyline, got %f", d)
	}
}

func TestPointToPolylineSinglePoint(t *testing.T) {
	only := Point{Lat: 44.39, Lon: -79.70}
	p := Point{Lat: 44.40, Lon: -79.70}
	got := PointToPolyline(p, []Point{only})
	want := Haversine(p.Lat, p.Lon, only.Lat, only.Lon)
	if got != want {
		t.Errorf("expected haversine to the single point, got %f want %f", got, want)
	}
}

func TestPointToPolylineMinimumOverSegments(t *testing.T) {
	polyline := []Point{
		{Lat: 44.39, Lon: -79.70},
		{Lat: 44.39, Lon: -79.69},
		{Lat: 44.39, Lon: -79.68},
	}
	p := Point{Lat: 44.3905, Lon: -79.695} // roughly 55m north of the first segment
	d := PointToPolyline(p, polyline)
	if d < 40 || d > 75 {
		t.Errorf("expected dead-band distance (~55m), got %f", d)
	}
}

func TestFindClosestShapePointEmpty(t *testing.T) {
	_, ok := FindClosestShapePoint(Point{}, nil)
	if ok {
		t.Errorf("expected ok=false for empty polyline")
	}
}

func TestFindClosestShapePointSinglePoint(t *testing.T) {
	only := Point{Lat: 44.39, Lon: -79.70}
	result, ok := FindClosestShapePoint(Point{Lat: 44.40, Lon: -79.70}, []Point{only})
	if !ok {
		t.Fatalf("expected ok=true")
	}
	if result.SegmentIndex != 0 {
		t.Errorf("expected segment index 0, got %d", result.SegmentIndex)
	}
	if result.ProjectedPoint != only {
		t.Errorf("expected projected point to equal the only polyline point")
	}
}

func TestFindClosestShapePointSegmentIndex(t *testing.T) {
	polyline := []Point{
		{Lat: 44.39, Lon: -79.70},
		{Lat: 44.39, Lon: -79.69},
		{Lat: 44.39, Lon: -79.68},
	}
	// Closest to the second segment (index 1).
	p := Point{Lat: 44.3901, Lon: -79.685}
	result, ok := FindClosestShapePoint(p, polyline)
	if !ok {
		t.Fatalf("expected ok=true")
	}
	if result.SegmentIndex != 1 {
		t.Errorf("expected segment index 1, got %d", result.SegmentIndex)
	}
}

func TestOffRouteDistanceMatchesScenario(t *testing.T) {
	polyline := []Point{
		{Lat: 44.39, Lon: -79.70},
		{Lat: 44.39, Lon: -79.69},
		{Lat: 44.39, Lon: -79.68},
	}
	// 0.005 degrees north is approximately 555m.
	off := Point{Lat: 44.395, Lon: -79.695}
	d := PointToPolyline(off, polyline)
	if d < 500 || d > 610 {
		t.Errorf("expected off-route distance ~555m, got %f", d)
	}
}
