// Package detector maintains the per-vehicle hysteresis state and the
// per-route detour state machine: it consumes vehicle fixes and
// baseline shape geometry and produces, on every tick, a snapshot of
// each route's current detour status.
package detector

import (
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/transitops/detourd/internal/geo"
	"github.com/transitops/detourd/internal/transit"
)

// clearZoneDistanceMultiplier is how far past the on-route clear
// threshold a vehicle may still sit while projecting into a detour's
// zone core and count as clearing evidence.
const clearZoneDistanceMultiplier = 3

// Config holds the tunables that govern classification and clearing.
// All fields have defaults applied by config.Load; a zero Config is
// not meaningful.
type Config struct {
	OffRouteThresholdMeters     float64
	OnRouteClearThresholdMeters float64
	ClearConsecutiveOnRoute     int
	ClearGrace                  time.Duration
	NoVehicleTimeout            time.Duration
	EvidenceWindow              time.Duration
	ConsecutiveReadingsRequired int
	StaleVehicleTimeout         time.Duration
	MinVehiclesForDetour        int
}

// DefaultConfig mirrors the detector's documented defaults.
func DefaultConfig() Config {
	return Config{
		OffRouteThresholdMeters:     75,
		OnRouteClearThresholdMeters: 40,
		ClearConsecutiveOnRoute:     6,
		ClearGrace:                  10 * time.Minute,
		NoVehicleTimeout:            30 * time.Minute,
		EvidenceWindow:              15 * time.Minute,
		ConsecutiveReadingsRequired: 3,
		StaleVehicleTimeout:         5 * time.Minute,
		MinVehiclesForDetour:        1,
	}
}

// DetourState is the lifecycle state of a route's detour.
type DetourState string

const (
	StateClear        DetourState = "CLEAR"
	StateActive       DetourState = "ACTIVE"
	StateClearPending DetourState = "CLEAR_PENDING"
)

// EvidencePoint is one off-route fix kept as supporting evidence for
// a route's active detour.
type EvidencePoint struct {
	VehicleID      string
	Coordinate     geo.Point
	TimestampSec   int64
	DistanceMeters float64
}

// EvidenceWindow holds the evidence points still within the
// configured window, oldest first.
type EvidenceWindow struct {
	Points []EvidencePoint
}

// add appends a point and prunes points older than the window,
// relative to now.
func (w *EvidenceWindow) add(p EvidencePoint, now int64, window time.Duration) {
	w.Points = append(w.Points, p)
	w.prune(now, window)
}

func (w *EvidenceWindow) prune(now int64, window time.Duration) {
	cutoff := now - int64(window/time.Second)
	i := 0
	for _, p := range w.Points {
		if p.TimestampSec >= cutoff {
			w.Points[i] = p
			i++
		}
	}
	w.Points = w.Points[:i]
}

// DetourZone is the shrink-based core range of a detour: the segment
// index bounds within the route's shape that the detour's evidence
// currently spans, plus a shrunken "core" sub-range that gates
// on-route clearing evidence. It shrinks as stale evidence ages out,
// rather than only ever growing.
type DetourZone struct {
	ShapeID         string
	MinSegmentIndex int
	MaxSegmentIndex int
	CoreStartIndex  int
	CoreEndIndex    int
}

// Detour is the per-route detour record tracked while a route is
// ACTIVE or CLEAR_PENDING.
type Detour struct {
	RouteID            string
	State              DetourState
	DetectedAtSec      int64
	LastEvidenceAtSec  int64
	ClearPendingAtSec  int64
	Zone               DetourZone
	Evidence           EvidenceWindow
	VehiclesOffRoute   map[string]struct{}
	TriggerVehicleID   string
	ConsecutiveOnRoute int

	shape   []geo.Point
	shapeID string
}

// VehicleState is the hysteresis state the detector keeps per
// vehicle: its last classification and when it last moved, so a
// single noisy fix can't flip a route's detour state on its own.
type VehicleState struct {
	VehicleID           string
	RouteID             string
	LastFixSec          int64
	OffRoute            bool
	ConsecutiveOffRoute int
}

// DetourSnapshot is the read-only view of a route's detour status
// produced on each tick, the unit the publisher diffs against its
// previously published state.
type DetourSnapshot struct {
	RouteID          string
	State            DetourState
	DetectedAtSec    int64
	Zone             DetourZone
	Evidence         []EvidencePoint
	VehicleCount     int
	TriggerVehicleID string
}

// Detector holds the live per-vehicle and per-route state across
// ticks. Zero value is not usable; use New.
type Detector struct {
	mu sync.RWMutex

	cfg Config

	vehicles map[string]*VehicleState
	routes   map[string]*Detour
}

// New creates a Detector with the given tunables.
func New(cfg Config) *Detector {
	return &Detector{
		cfg:      cfg,
		vehicles: make(map[string]*VehicleState),
		routes:   make(map[string]*Detour),
	}
}

// resolveShape finds the polyline (and its shape id) a fix should be
// compared against, preferring the fix's own route id and falling
// back to the shape mapped from its trip id. A fix without a route id
// is never resolved, since the trip mapping carries no route.
func resolveShape(fix transit.VehicleFix, data transit.StaticData) (routeID, shapeID string, polyline []geo.Point, ok bool) {
	if fix.RouteID != nil {
		if sid, ok2 := data.RouteShapeMapping[*fix.RouteID]; ok2 {
			if pts, ok3 := data.Shapes[sid]; ok3 {
				return *fix.RouteID, sid, pts, true
			}
		}
	}
	if fix.TripID != nil {
		if sid, ok2 := data.TripShapeMapping[*fix.TripID]; ok2 {
			if pts, ok3 := data.Shapes[sid]; ok3 {
				if fix.RouteID != nil {
					return *fix.RouteID, sid, pts, true
				}
			}
		}
	}
	return "", "", nil, false
}

// ProcessVehicles runs one detection tick: it classifies every fix as
// on- or off-route, updates per-vehicle hysteresis, advances each
// touched route's detour state machine, prunes vehicles that have
// gone silent, and ticks any route in CLEAR_PENDING or stalled for
// lack of off-route vehicles. It returns a snapshot of every route
// with a non-CLEAR detour, keyed by route id.
func (d *Detector) ProcessVehicles(fixes []transit.VehicleFix, data transit.StaticData, nowSec int64) map[string]DetourSnapshot {
	d.mu.Lock()
	defer d.mu.Unlock()

	for _, fix := range fixes {
		routeID, shapeID, polyline, ok := resolveShape(fix, data)
		if !ok || routeID == "" {
			continue
		}
		d.classifyFix(fix, routeID, shapeID, polyline, nowSec)
	}

	d.pruneStaleVehicles(nowSec)
	d.pruneEvidenceAndShrinkZones(nowSec)
	d.tickNoVehicleTimeout(nowSec)
	d.tickClearPending(nowSec)

	return d.snapshotLocked()
}

// classifyFix updates one vehicle's hysteresis state from a single
// fix and, if warranted, mutates the owning route's detour state. A
// fix only counts toward add-to-detour evidence once its vehicle has
// reported ConsecutiveReadingsRequired strictly-consecutive off-route
// fixes, so a single noisy reading can't seed a detour.
func (d *Detector) classifyFix(fix transit.VehicleFix, routeID, shapeID string, polyline []geo.Point, nowSec int64) {
	dist := geo.PointToPolyline(fix.Coordinate, polyline)

	vs, ok := d.vehicles[fix.VehicleID]
	if !ok {
		vs = &VehicleState{VehicleID: fix.VehicleID}
		d.vehicles[fix.VehicleID] = vs
	}
	vs.RouteID = routeID
	vs.LastFixSec = nowSec

	offRoute := dist > d.cfg.OffRouteThresholdMeters
	onRoute := dist <= d.cfg.OnRouteClearThresholdMeters

	switch {
	case offRoute:
		vs.OffRoute = true
		vs.ConsecutiveOffRoute++
		if vs.ConsecutiveOffRoute >= d.cfg.ConsecutiveReadingsRequired {
			d.addEvidence(routeID, shapeID, fix, polyline, dist, nowSec)
		}
	case onRoute:
		vs.ConsecutiveOffRoute = 0
		vs.OffRoute = false
		d.registerOnRoute(routeID, fix, polyline, nowSec)
	default:
		// Between the clear and detection thresholds: neither
		// confirms nor clears. Leave hysteresis counters untouched.
	}
}

// addEvidence records an off-route fix against the route's detour,
// seeding a new ACTIVE detour if none exists yet, reviving one out of
// CLEAR_PENDING, and widening the zone to cover the new point.
func (d *Detector) addEvidence(routeID, shapeID string, fix transit.VehicleFix, polyline []geo.Point, dist float64, nowSec int64) {
	det, ok := d.routes[routeID]
	if !ok {
		det = &Detour{
			RouteID:          routeID,
			State:            StateActive,
			DetectedAtSec:    nowSec,
			VehiclesOffRoute: make(map[string]struct{}),
		}
		d.routes[routeID] = det
	}
	if det.VehiclesOffRoute == nil {
		det.VehiclesOffRoute = make(map[string]struct{})
	}
	// Real evidence replaces any placeholder ids SeedActiveDetour
	// restored.
	for id := range det.VehiclesOffRoute {
		if strings.HasPrefix(id, "restored-") {
			delete(det.VehiclesOffRoute, id)
		}
	}
	if det.State == StateClearPending {
		det.State = StateActive
		det.ClearPendingAtSec = 0
		det.ConsecutiveOnRoute = 0
	}

	point := EvidencePoint{
		VehicleID:      fix.VehicleID,
		Coordinate:     fix.Coordinate,
		TimestampSec:   nowSec,
		DistanceMeters: dist,
	}
	det.Evidence.add(point, nowSec, d.cfg.EvidenceWindow)
	det.LastEvidenceAtSec = nowSec
	det.ConsecutiveOnRoute = 0
	det.TriggerVehicleID = fix.VehicleID
	det.VehiclesOffRoute[fix.VehicleID] = struct{}{}
	det.shape = polyline
	det.shapeID = shapeID

	recomputeZone(det)
}

// recomputeZone rebuilds a detour's zone from its current evidence
// window, so the zone shrinks as stale evidence ages out instead of
// only ever growing. The core sub-range shrinks in from both ends by
// max(1, floor(span*0.25)) segments, and is what gates whether an
// on-route fix counts as clearing evidence.
func recomputeZone(det *Detour) {
	if len(det.shape) == 0 || len(det.Evidence.Points) == 0 {
		return
	}
	zone := DetourZone{MinSegmentIndex: -1, MaxSegmentIndex: -1}
	for _, ev := range det.Evidence.Points {
		closest, ok := geo.FindClosestShapePoint(ev.Coordinate, det.shape)
		if !ok {
			continue
		}
		if zone.MinSegmentIndex == -1 || closest.SegmentIndex < zone.MinSegmentIndex {
			zone.MinSegmentIndex = closest.SegmentIndex
		}
		if closest.SegmentIndex > zone.MaxSegmentIndex {
			zone.MaxSegmentIndex = closest.SegmentIndex
		}
	}
	if zone.MinSegmentIndex == -1 {
		return
	}

	zone.ShapeID = det.shapeID
	span := zone.MaxSegmentIndex - zone.MinSegmentIndex
	shrink := span / 4
	if shrink < 1 {
		shrink = 1
	}
	coreStart := zone.MinSegmentIndex + shrink
	coreEnd := zone.MaxSegmentIndex - shrink
	if coreStart > coreEnd {
		coreStart = zone.MinSegmentIndex
		coreEnd = zone.MaxSegmentIndex
	}
	zone.CoreStartIndex = coreStart
	zone.CoreEndIndex = coreEnd

	det.Zone = zone
}

// registerOnRoute advances an ACTIVE detour's on-route counter, but
// only when the fix is genuine clearing evidence: it must come from a
// vehicle the detour already counts as off-route, it must project
// onto the detour's own shape within the zone's shrunken core range,
// and it must sit within clearZoneDistanceMultiplier times the
// on-route clear threshold of that projection. Clearing is blocked
// entirely until a zone exists. Once the counter reaches
// ClearConsecutiveOnRoute, the clearing vehicle is removed from the
// detour's off-route set and an ACTIVE detour moves to CLEAR_PENDING.
func (d *Detector) registerOnRoute(routeID string, fix transit.VehicleFix, polyline []geo.Point, nowSec int64) {
	det, ok := d.routes[routeID]
	if !ok || det.State == StateClear {
		return
	}
	if det.Zone.ShapeID == "" {
		return
	}
	if _, offRoute := det.VehiclesOffRoute[fix.VehicleID]; !offRoute {
		return
	}

	closest, ok := geo.FindClosestShapePoint(fix.Coordinate, polyline)
	if !ok {
		return
	}
	if closest.SegmentIndex < det.Zone.CoreStartIndex || closest.SegmentIndex > det.Zone.CoreEndIndex {
		return
	}
	if closest.DistanceMeters > clearZoneDistanceMultiplier*d.cfg.OnRouteClearThresholdMeters {
		return
	}

	det.ConsecutiveOnRoute++
	if det.ConsecutiveOnRoute < d.cfg.ClearConsecutiveOnRoute {
		return
	}
	delete(det.VehiclesOffRoute, fix.VehicleID)
	if det.State == StateActive {
		det.State = StateClearPending
		det.ClearPendingAtSec = nowSec
	}
}

// tickNoVehicleTimeout moves an ACTIVE detour to CLEAR_PENDING once
// it has fewer than MinVehiclesForDetour vehicles still counted as
// off-route and no new off-route evidence has arrived for
// NoVehicleTimeout, so a detour whose vehicles simply stop reporting
// (rather than driving back on-route) still eventually clears.
func (d *Detector) tickNoVehicleTimeout(nowSec int64) {
	timeout := int64(d.cfg.NoVehicleTimeout / time.Second)
	for _, det := range d.routes {
		if det.State != StateActive {
			continue
		}
		if len(det.VehiclesOffRoute) >= d.cfg.MinVehiclesForDetour {
			continue
		}
		if nowSec-det.LastEvidenceAtSec >= timeout {
			det.State = StateClearPending
			det.ClearPendingAtSec = nowSec
		}
	}
}

// tickClearPending finalizes any detour that has sat in CLEAR_PENDING
// for at least one further tick (strict now > clearPendingAt, so the
// CLEAR_PENDING state is always observable in at least one snapshot
// before removal) once the detour itself is at least ClearGrace old,
// measured from when it was first detected.
func (d *Detector) tickClearPending(nowSec int64) {
	graceSec := int64(d.cfg.ClearGrace / time.Second)
	for routeID, det := range d.routes {
		if det.State != StateClearPending {
			continue
		}
		if nowSec > det.ClearPendingAtSec && nowSec-det.DetectedAtSec >= graceSec {
			delete(d.routes, routeID)
		}
	}
}

// pruneStaleVehicles drops per-vehicle hysteresis state for vehicles
// that haven't reported a fix within StaleVehicleTimeout, and removes
// them from any detour's off-route set: a vehicle that's gone silent
// no longer counts as live evidence that the detour is still active.
// It does not touch route-level detour state directly; that's
// tickNoVehicleTimeout's job.
func (d *Detector) pruneStaleVehicles(nowSec int64) {
	timeout := int64(d.cfg.StaleVehicleTimeout / time.Second)
	for id, vs := range d.vehicles {
		if nowSec-vs.LastFixSec >= timeout {
			if det, ok := d.routes[vs.RouteID]; ok {
				delete(det.VehiclesOffRoute, id)
			}
			delete(d.vehicles, id)
		}
	}
}

// pruneEvidenceAndShrinkZones ages evidence out of every route's
// evidence window and shrinks the zone to match what remains.
func (d *Detector) pruneEvidenceAndShrinkZones(nowSec int64) {
	for _, det := range d.routes {
		det.Evidence.prune(nowSec, d.cfg.EvidenceWindow)
		recomputeZone(det)
	}
}

func (d *Detector) snapshotLocked() map[string]DetourSnapshot {
	out := make(map[string]DetourSnapshot, len(d.routes))
	for routeID, det := range d.routes {
		evidence := make([]EvidencePoint, len(det.Evidence.Points))
		copy(evidence, det.Evidence.Points)
		out[routeID] = DetourSnapshot{
			RouteID:          routeID,
			State:            det.State,
			DetectedAtSec:    det.DetectedAtSec,
			Zone:             det.Zone,
			Evidence:         evidence,
			VehicleCount:     len(det.VehiclesOffRoute),
			TriggerVehicleID: det.TriggerVehicleID,
		}
	}
	return out
}

// Snapshot returns the current detour snapshots without running a
// tick, for operator queries between ticks.
func (d *Detector) Snapshot() map[string]DetourSnapshot {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return d.snapshotLocked()
}

// Reset clears all per-vehicle hysteresis state without touching
// active detours, used when the worker detects the baseline shape
// data has advanced: stale classifications against the old geometry
// must not carry over, but an in-progress detour should not vanish
// just because the shapes were refreshed.
func (d *Detector) Reset() {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.vehicles = make(map[string]*VehicleState)
}

// SeedActiveDetour restores a detour that the durable store already
// had active before this process started, so a restart doesn't lose
// a route's in-memory detector state even though its evidence window
// and per-vehicle hysteresis can't be recovered. vehicleCount seeds a
// set of placeholder vehicle ids purely so the restored snapshot's
// VehicleCount matches the persisted one; the route's first new
// off-route evidence removes them. A no-op if the route is already
// tracked (ProcessVehicles ran before hydration reached it).
func (d *Detector) SeedActiveDetour(routeID string, state DetourState, detectedAtSec int64, zone DetourZone, vehicleCount int) {
	d.mu.Lock()
	defer d.mu.Unlock()

	if _, exists := d.routes[routeID]; exists {
		return
	}
	if state != StateActive && state != StateClearPending {
		return
	}

	det := &Detour{
		RouteID:           routeID,
		State:             state,
		DetectedAtSec:     detectedAtSec,
		LastEvidenceAtSec: detectedAtSec,
		Zone:              zone,
		VehiclesOffRoute:  make(map[string]struct{}),
	}
	if state == StateClearPending {
		det.ClearPendingAtSec = detectedAtSec
	}
	for i := 0; i < vehicleCount; i++ {
		det.VehiclesOffRoute[fmt.Sprintf("restored-%d", i)] = struct{}{}
	}
	d.routes[routeID] = det
}
