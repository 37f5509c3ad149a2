// Package geosynth builds a detour's displayable polyline from the
// evidence a route's detector has accumulated: it finds where the
// vehicle left the baseline shape and where it rejoined, slices out
// the skipped baseline segment, and stitches the off-route evidence
// in its place, simplified to a reasonable point count.
package geosynth

import (
	"sort"
	"time"

	"github.com/transitops/detourd/internal/detector"
	"github.com/transitops/detourd/internal/geo"
)

// Config holds the tunables for geometry synthesis, including the
// duration/point-count/vehicle-count thresholds for each confidence
// tier.
type Config struct {
	SimplifyToleranceMeters float64

	HighConfidenceMinDuration   time.Duration
	HighConfidenceMinPoints     int
	HighConfidenceMinVehicles   int
	MediumConfidenceMinDuration time.Duration
	MediumConfidenceMinPoints   int
}

// DefaultConfig mirrors the synthesizer's documented defaults.
func DefaultConfig() Config {
	return Config{
		SimplifyToleranceMeters:     15,
		HighConfidenceMinDuration:   5 * time.Minute,
		HighConfidenceMinPoints:     10,
		HighConfidenceMinVehicles:   2,
		MediumConfidenceMinDuration: 2 * time.Minute,
		MediumConfidenceMinPoints:   5,
	}
}

// Confidence is a coarse quality signal for a synthesized geometry,
// derived from how much evidence backs it.
type Confidence string

const (
	ConfidenceLow    Confidence = "LOW"
	ConfidenceMedium Confidence = "MEDIUM"
	ConfidenceHigh   Confidence = "HIGH"
)

// Geometry is the synthesized detour polyline plus the metadata an
// operator or map client needs to render and trust it.
//
// InferredDetourPolyline is the stitched, simplified path the vehicle
// actually followed. SkippedSegmentPolyline is the baseline segment
// it was supposed to follow instead, kept distinct so a map client can
// render both: the detour as taken and the route as scheduled.
type Geometry struct {
	RouteID                string
	InferredDetourPolyline []geo.Point
	SkippedSegmentPolyline []geo.Point
	EntryPoint             geo.Point
	ExitPoint              geo.Point
	Confidence             Confidence
	DetectedAtSec          int64
	BuiltAtMs              int64
}

// Build synthesizes a detour's geometry from its zone and evidence
// against the route's baseline shape. It returns ok=false when there
// isn't enough information yet (no shape, no evidence, or a zone whose
// entry and exit indices do not span at least one shape segment) to
// produce a meaningful polyline.
func Build(routeID string, snapshot detector.DetourSnapshot, shape []geo.Point, cfg Config, builtAtMs int64) (Geometry, bool) {
	if len(shape) == 0 || len(snapshot.Evidence) == 0 {
		return Geometry{}, false
	}

	zone := snapshot.Zone
	if zone.MinSegmentIndex < 0 || zone.MaxSegmentIndex < 0 || zone.MinSegmentIndex > zone.MaxSegmentIndex {
		return Geometry{}, false
	}

	entryIdx := zone.MinSegmentIndex
	exitIdx := zone.MaxSegmentIndex
	if exitIdx > len(shape)-1 {
		exitIdx = len(shape) - 1
	}
	if entryIdx >= exitIdx {
		return Geometry{}, false
	}

	entry := shape[entryIdx]
	exit := shape[exitIdx]

	evidence := make([]detector.EvidencePoint, len(snapshot.Evidence))
	copy(evidence, snapshot.Evidence)
	sort.Slice(evidence, func(i, j int) bool {
		return evidence[i].TimestampSec < evidence[j].TimestampSec
	})

	inferred := make([]geo.Point, 0, len(evidence)+2)
	inferred = append(inferred, entry)
	for _, ev := range evidence {
		inferred = append(inferred, ev.Coordinate)
	}
	inferred = append(inferred, exit)
	simplified := geo.Simplify(inferred, cfg.SimplifyToleranceMeters)

	skipped := make([]geo.Point, exitIdx-entryIdx+1)
	copy(skipped, shape[entryIdx:exitIdx+1])

	confidence := classifyConfidence(evidence, cfg)

	return Geometry{
		RouteID:                routeID,
		InferredDetourPolyline: simplified,
		SkippedSegmentPolyline: skipped,
		EntryPoint:             entry,
		ExitPoint:              exit,
		Confidence:             confidence,
		DetectedAtSec:          snapshot.DetectedAtSec,
		BuiltAtMs:              builtAtMs,
	}, true
}

// classifyConfidence tiers a geometry by how much independent
// evidence backs it: HIGH requires a long-running detour seen by
// multiple vehicles, MEDIUM a shorter one with enough points, and
// everything else falls back to LOW.
func classifyConfidence(evidence []detector.EvidencePoint, cfg Config) Confidence {
	durationSec := evidence[len(evidence)-1].TimestampSec - evidence[0].TimestampSec
	vehicles := make(map[string]struct{}, len(evidence))
	for _, ev := range evidence {
		vehicles[ev.VehicleID] = struct{}{}
	}

	switch {
	case durationSec >= int64(cfg.HighConfidenceMinDuration/time.Second) &&
		len(evidence) >= cfg.HighConfidenceMinPoints &&
		len(vehicles) >= cfg.HighConfidenceMinVehicles:
		return ConfidenceHigh
	case durationSec >= int64(cfg.MediumConfidenceMinDuration/time.Second) &&
		len(evidence) >= cfg.MediumConfidenceMinPoints:
		return ConfidenceMedium
	default:
		return ConfidenceLow
	}
}
