package publish

import (
	"context"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/transitops/detourd/internal/detector"
	"github.com/transitops/detourd/internal/geosynth"
	"github.com/transitops/detourd/internal/obs"
)

// Config holds the publisher's write-amplification controls.
type Config struct {
	GeometryWriteThrottle        time.Duration
	LastSeenThrottle             time.Duration
	GeometryPointChangeThreshold int
	HistoryEnabled               bool
	HistoryRetention             time.Duration
	HistoryPruneInterval         time.Duration
}

// DefaultConfig mirrors the publisher's documented defaults.
func DefaultConfig() Config {
	return Config{
		GeometryWriteThrottle:        120 * time.Second,
		LastSeenThrottle:             15 * time.Second,
		GeometryPointChangeThreshold: 5,
		HistoryEnabled:               true,
		HistoryRetention:             30 * 24 * time.Hour,
		HistoryPruneInterval:         time.Hour,
	}
}

// Publisher diffs each tick's detector/geosynth output against the
// last snapshot it wrote, so a route whose geometry hasn't materially
// changed isn't rewritten every tick, and derives history events from
// state, confidence, vehicle-count, and trigger-vehicle transitions.
type Publisher struct {
	store   Store
	cfg     Config
	metrics *obs.Metrics

	mu          sync.Mutex
	lastSeen    map[string]PublishedSnapshot
	lastPruneAt time.Time
}

// New wires a Publisher to a Store. Hydrate should be called once at
// startup to seed lastSeen from whatever the store already holds, so
// a restart doesn't replay DETOUR_DETECTED events for routes that
// were already active. metrics may be nil, in which case history
// events aren't instrumented (as in tests).
func New(store Store, cfg Config, metrics *obs.Metrics) *Publisher {
	return &Publisher{
		store:    store,
		cfg:      cfg,
		metrics:  metrics,
		lastSeen: make(map[string]PublishedSnapshot),
	}
}

// Hydrate loads the current active detours from the store into
// lastSeen, so PublishDetours can correctly diff against state that
// predates this process.
func (p *Publisher) Hydrate(ctx context.Context) error {
	snaps, err := p.store.ListActiveDetours(ctx)
	if err != nil {
		return err
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	for _, snap := range snaps {
		p.lastSeen[snap.RouteID] = snap
	}
	return nil
}

// GeometryResult bundles a route's current detector snapshot with its
// synthesized geometry, the unit PublishDetours diffs per route.
type GeometryResult struct {
	RouteID  string
	Snapshot detector.DetourSnapshot
	Geometry geosynth.Geometry
}

// PublishDetours writes the current tick's detour geometries to the
// store, throttled per route, and clears any previously active route
// absent from current. Between full geometry rewrites, a route still
// gets a lighter lastSeenAt touch once LastSeenThrottle has elapsed,
// so an operator querying the store can tell a detour is still being
// observed even while its geometry is unchanged. It returns the
// number of routes it wrote a full geometry update for (not counting
// lastSeenAt-only touches or throttled no-ops).
func (p *Publisher) PublishDetours(ctx context.Context, current []GeometryResult, now time.Time) (int, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	currentByRoute := make(map[string]GeometryResult, len(current))
	for _, r := range current {
		currentByRoute[r.RouteID] = r
	}

	written := 0
	for routeID, result := range currentByRoute {
		prev, hadPrev := p.lastSeen[routeID]

		rewrite := !hadPrev || p.shouldRewrite(prev, result, now)
		touchOnly := !rewrite && (!hadPrev || now.Sub(prev.LastSeenAt) >= p.cfg.LastSeenThrottle)
		if !rewrite && !touchOnly {
			continue
		}

		snap := PublishedSnapshot{
			RouteID:                routeID,
			State:                  result.Snapshot.State,
			DetectedAt:             time.Unix(result.Snapshot.DetectedAtSec, 0).UTC(),
			Zone:                   result.Snapshot.Zone,
			Polyline:               result.Geometry.InferredDetourPolyline,
			SkippedSegmentPolyline: result.Geometry.SkippedSegmentPolyline,
			EntryPoint:             result.Geometry.EntryPoint,
			ExitPoint:              result.Geometry.ExitPoint,
			Confidence:             result.Geometry.Confidence,
			EvidenceCount:          len(result.Snapshot.Evidence),
			VehicleCount:           result.Snapshot.VehicleCount,
			TriggerVehicleID:       result.Snapshot.TriggerVehicleID,
			LastSeenAt:             now,
			LastPublishedAt:        now,
		}
		if !rewrite {
			snap.LastPublishedAt = prev.LastPublishedAt
		}

		if err := p.store.UpsertActiveDetour(ctx, snap); err != nil {
			return written, err
		}

		if rewrite {
			written++
			if p.cfg.HistoryEnabled {
				if !hadPrev {
					p.emitDetected(ctx, snap, now)
				} else {
					p.emitUpdated(ctx, prev, snap, now)
				}
			}
		}

		p.lastSeen[routeID] = snap
	}

	for routeID, prev := range p.lastSeen {
		if _, stillActive := currentByRoute[routeID]; stillActive {
			continue
		}
		if err := p.store.DeleteActiveDetour(ctx, routeID); err != nil {
			return written, err
		}
		if p.cfg.HistoryEnabled {
			p.emitCleared(ctx, prev, now)
		}
		delete(p.lastSeen, routeID)
	}

	return written, nil
}

// shouldRewrite decides whether a route's geometry has changed enough
// to warrant a fresh write, subject to the throttle interval: a
// state, confidence, vehicle-count, or trigger-vehicle transition
// always writes immediately, as does a swing in evidence point count
// of at least GeometryPointChangeThreshold, regardless of throttle,
// since those are the changes an operator cares about most.
func (p *Publisher) shouldRewrite(prev PublishedSnapshot, result GeometryResult, now time.Time) bool {
	if prev.State != result.Snapshot.State {
		return true
	}
	if prev.Confidence != result.Geometry.Confidence {
		return true
	}
	if prev.VehicleCount != result.Snapshot.VehicleCount {
		return true
	}
	if prev.TriggerVehicleID != result.Snapshot.TriggerVehicleID {
		return true
	}
	if abs(len(result.Snapshot.Evidence)-prev.EvidenceCount) >= p.cfg.GeometryPointChangeThreshold {
		return true
	}
	return now.Sub(prev.LastPublishedAt) >= p.cfg.GeometryWriteThrottle
}

func abs(n int) int {
	if n < 0 {
		return -n
	}
	return n
}

// diffFields names the published fields that changed between two
// snapshots of the same route, for DETOUR_UPDATED's changedFields.
func diffFields(prev, snap PublishedSnapshot) []string {
	var changed []string
	if prev.State != snap.State {
		changed = append(changed, "state")
	}
	if prev.Confidence != snap.Confidence {
		changed = append(changed, "confidence")
	}
	if prev.VehicleCount != snap.VehicleCount {
		changed = append(changed, "vehicleCount")
	}
	if prev.TriggerVehicleID != snap.TriggerVehicleID {
		changed = append(changed, "triggerVehicleId")
	}
	if prev.EvidenceCount != snap.EvidenceCount {
		changed = append(changed, "evidencePointCount")
	}
	return changed
}

func (p *Publisher) emitDetected(ctx context.Context, snap PublishedSnapshot, now time.Time) {
	ev := HistoryEvent{
		ID:               historyID(now, snap.RouteID, EventDetourDetected),
		RouteID:          snap.RouteID,
		EventType:        EventDetourDetected,
		OccurredAt:       now,
		TriggerVehicleID: snap.TriggerVehicleID,
		Confidence:       snap.Confidence,
		EvidenceCount:    snap.EvidenceCount,
		VehicleCount:     snap.VehicleCount,
	}
	p.writeHistoryEvent(ctx, ev)
}

func (p *Publisher) emitUpdated(ctx context.Context, prev, snap PublishedSnapshot, now time.Time) {
	changed := diffFields(prev, snap)
	if len(changed) == 0 {
		return
	}
	ev := HistoryEvent{
		ID:                   historyID(now, snap.RouteID, EventDetourUpdated),
		RouteID:              snap.RouteID,
		EventType:            EventDetourUpdated,
		OccurredAt:           now,
		TriggerVehicleID:     snap.TriggerVehicleID,
		PreviousConfidence:   prev.Confidence,
		PreviousEvidence:     prev.EvidenceCount,
		PreviousVehicleCount: prev.VehicleCount,
		ChangedFields:        changed,
		Confidence:           snap.Confidence,
		EvidenceCount:        snap.EvidenceCount,
		VehicleCount:         snap.VehicleCount,
	}
	p.writeHistoryEvent(ctx, ev)
}

func (p *Publisher) emitCleared(ctx context.Context, prev PublishedSnapshot, now time.Time) {
	ev := HistoryEvent{
		ID:                   historyID(now, prev.RouteID, EventDetourCleared),
		RouteID:              prev.RouteID,
		EventType:            EventDetourCleared,
		OccurredAt:           now,
		TriggerVehicleID:     prev.TriggerVehicleID,
		PreviousVehicleCount: prev.VehicleCount,
		Confidence:           prev.Confidence,
		EvidenceCount:        prev.EvidenceCount,
		DurationMs:           now.Sub(prev.DetectedAt).Milliseconds(),
	}
	p.writeHistoryEvent(ctx, ev)
}

// writeHistoryEvent is the single chokepoint every history write
// funnels through, so the events-emitted-by-kind metric stays
// accurate regardless of which caller produced the event.
func (p *Publisher) writeHistoryEvent(ctx context.Context, ev HistoryEvent) {
	if err := p.store.AppendHistoryEvent(ctx, ev); err != nil {
		log.Printf("publish: failed to append history event for route %s: %v", ev.RouteID, err)
		return
	}
	if p.metrics != nil {
		p.metrics.HistoryEventsTotal.WithLabelValues(string(ev.EventType)).Inc()
	}
}

// PruneHistory deletes history documents older than the configured
// retention window, in bounded batches so one tick can't be pinned by
// a large backlog. It's itself throttled by HistoryPruneInterval so a
// worker ticking every few seconds doesn't issue a bulk delete on
// every single tick.
func (p *Publisher) PruneHistory(ctx context.Context, now time.Time) (int, error) {
	if !p.cfg.HistoryEnabled {
		return 0, nil
	}

	p.mu.Lock()
	if !p.lastPruneAt.IsZero() && now.Sub(p.lastPruneAt) < p.cfg.HistoryPruneInterval {
		p.mu.Unlock()
		return 0, nil
	}
	p.lastPruneAt = now
	p.mu.Unlock()

	cutoff := now.Add(-p.cfg.HistoryRetention)
	return p.store.PruneHistoryBefore(ctx, cutoff, 200, 10)
}

func historyID(now time.Time, routeID string, kind HistoryEventType) string {
	return fmt.Sprintf("%d-%s-%s-%s", now.UnixMilli(), routeID, kind, uuid.NewString()[:6])
}
