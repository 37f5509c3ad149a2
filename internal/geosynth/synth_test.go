package geosynth

import (
	"testing"

	"github.com/transitops/detourd/internal/detector"
	"github.com/transitops/detourd/internal/geo"
)

func straightShape() []geo.Point {
	pts := make([]geo.Point, 0, 10)
	for i := 0; i < 10; i++ {
		pts = append(pts, geo.Point{Lat: 44.39, Lon: -79.70 + float64(i)*0.001})
	}
	return pts
}

func evidenceRun(vehicleID string, startSec, step int64, n int) []detector.EvidencePoint {
	pts := make([]detector.EvidencePoint, 0, n)
	for i := 0; i < n; i++ {
		pts = append(pts, detector.EvidencePoint{
			VehicleID:    vehicleID,
			Coordinate:   geo.Point{Lat: 44.395, Lon: -79.697 + float64(i)*0.0005},
			TimestampSec: startSec + int64(i)*step,
		})
	}
	return pts
}

func TestBuildRejectsEmptyEvidence(t *testing.T) {
	snap := detector.DetourSnapshot{RouteID: "R1"}
	_, ok := Build("R1", snap, straightShape(), DefaultConfig(), 1000)
	if ok {
		t.Errorf("expected Build to reject a snapshot with no evidence")
	}
}

func TestBuildProducesEntryAndExitFromZone(t *testing.T) {
	shape := straightShape()
	snap := detector.DetourSnapshot{
		RouteID: "R1",
		Zone:    detector.DetourZone{MinSegmentIndex: 2, MaxSegmentIndex: 4},
		Evidence: []detector.EvidencePoint{
			{VehicleID: "V1", Coordinate: geo.Point{Lat: 44.395, Lon: -79.697}, TimestampSec: 10},
			{VehicleID: "V1", Coordinate: geo.Point{Lat: 44.395, Lon: -79.696}, TimestampSec: 20},
		},
	}

	geom, ok := Build("R1", snap, shape, DefaultConfig(), 5000)
	if !ok {
		t.Fatalf("expected Build to succeed")
	}
	if geom.EntryPoint != shape[2] {
		t.Errorf("expected entry point at zone min segment, got %+v", geom.EntryPoint)
	}
	if geom.ExitPoint != shape[4] {
		t.Errorf("expected exit point at zone max segment, got %+v", geom.ExitPoint)
	}
	if geom.Confidence != ConfidenceLow {
		t.Errorf("expected LOW confidence with 2 evidence points spanning 10s, got %s", geom.Confidence)
	}
	if len(geom.InferredDetourPolyline) < 2 {
		t.Errorf("expected a non-trivial inferred polyline, got %d points", len(geom.InferredDetourPolyline))
	}
	if len(geom.SkippedSegmentPolyline) != 3 {
		t.Errorf("expected the skipped baseline segment to span 3 points (index 2-4), got %d", len(geom.SkippedSegmentPolyline))
	}
}

func TestBuildMediumConfidenceWithEnoughDurationAndPoints(t *testing.T) {
	shape := straightShape()
	snap := detector.DetourSnapshot{
		RouteID:  "R1",
		Zone:     detector.DetourZone{MinSegmentIndex: 1, MaxSegmentIndex: 6},
		Evidence: evidenceRun("V1", 0, 40, 5), // spans 160s, 5 points, 1 vehicle
	}

	geom, ok := Build("R1", snap, shape, DefaultConfig(), 5000)
	if !ok {
		t.Fatalf("expected Build to succeed")
	}
	if geom.Confidence != ConfidenceMedium {
		t.Errorf("expected MEDIUM confidence, got %s", geom.Confidence)
	}
}

func TestBuildHighConfidenceWithLongDurationAndMultipleVehicles(t *testing.T) {
	shape := straightShape()
	evidence := evidenceRun("V1", 0, 35, 9) // spans 280s across 9 points
	evidence = append(evidence, detector.EvidencePoint{
		VehicleID:    "V2",
		Coordinate:   geo.Point{Lat: 44.395, Lon: -79.696},
		TimestampSec: 310,
	}) // 10th point, pushes duration to 310s and brings in a 2nd vehicle

	snap := detector.DetourSnapshot{
		RouteID:  "R1",
		Zone:     detector.DetourZone{MinSegmentIndex: 1, MaxSegmentIndex: 6},
		Evidence: evidence,
	}

	geom, ok := Build("R1", snap, shape, DefaultConfig(), 5000)
	if !ok {
		t.Fatalf("expected Build to succeed")
	}
	if geom.Confidence != ConfidenceHigh {
		t.Errorf("expected HIGH confidence with 10 points, 310s duration, and 2 vehicles, got %s", geom.Confidence)
	}
}

func TestBuildRejectsInvalidZone(t *testing.T) {
	snap := detector.DetourSnapshot{
		RouteID:  "R1",
		Zone:     detector.DetourZone{MinSegmentIndex: -1, MaxSegmentIndex: -1},
		Evidence: []detector.EvidencePoint{{VehicleID: "V1", TimestampSec: 1}},
	}
	_, ok := Build("R1", snap, straightShape(), DefaultConfig(), 1000)
	if ok {
		t.Errorf("expected Build to reject an unset zone")
	}
}
