package publish

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/transitops/detourd/internal/detector"
	"github.com/transitops/detourd/internal/geo"
	"github.com/transitops/detourd/internal/geosynth"
)

func sampleResult(routeID string, confidence geosynth.Confidence) GeometryResult {
	return GeometryResult{
		RouteID: routeID,
		Snapshot: detector.DetourSnapshot{
			RouteID:          routeID,
			State:            detector.StateActive,
			DetectedAtSec:    1000,
			Evidence:         []detector.EvidencePoint{{VehicleID: "V1"}},
			VehicleCount:     1,
			TriggerVehicleID: "V1",
		},
		Geometry: geosynth.Geometry{
			RouteID:                routeID,
			InferredDetourPolyline: []geo.Point{{Lat: 1, Lon: 1}, {Lat: 2, Lon: 2}},
			Confidence:             confidence,
		},
	}
}

func TestPublishDetoursWritesNewDetourAndDetectedEvent(t *testing.T) {
	store := NewFakeStore()
	pub := New(store, DefaultConfig(), nil)

	now := time.Unix(2000, 0)
	written, err := pub.PublishDetours(context.Background(), []GeometryResult{sampleResult("R1", geosynth.ConfidenceLow)}, now)
	require.NoError(t, err)
	assert.Equal(t, 1, written)

	snap, ok, err := store.GetActiveDetour(context.Background(), "R1")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, detector.StateActive, snap.State)
	assert.Equal(t, 1, snap.VehicleCount)
	assert.Equal(t, "V1", snap.TriggerVehicleID)

	events := store.History()
	require.Len(t, events, 1)
	assert.Equal(t, EventDetourDetected, events[0].EventType)
}

func TestPublishDetoursThrottlesUnchangedGeometry(t *testing.T) {
	store := NewFakeStore()
	pub := New(store, DefaultConfig(), nil)

	base := time.Unix(2000, 0)
	_, err := pub.PublishDetours(context.Background(), []GeometryResult{sampleResult("R1", geosynth.ConfidenceLow)}, base)
	require.NoError(t, err)

	soon := base.Add(5 * time.Second)
	written, err := pub.PublishDetours(context.Background(), []GeometryResult{sampleResult("R1", geosynth.ConfidenceLow)}, soon)
	require.NoError(t, err)
	assert.Equal(t, 0, written, "expected throttle to suppress the rewrite")
}

func TestPublishDetoursWritesImmediatelyOnConfidenceChange(t *testing.T) {
	store := NewFakeStore()
	pub := New(store, DefaultConfig(), nil)

	base := time.Unix(2000, 0)
	_, err := pub.PublishDetours(context.Background(), []GeometryResult{sampleResult("R1", geosynth.ConfidenceLow)}, base)
	require.NoError(t, err)

	soon := base.Add(time.Second)
	written, err := pub.PublishDetours(context.Background(), []GeometryResult{sampleResult("R1", geosynth.ConfidenceHigh)}, soon)
	require.NoError(t, err)
	assert.Equal(t, 1, written, "expected a confidence transition to bypass the throttle")

	events := store.History()
	require.Len(t, events, 2)
	assert.Equal(t, EventDetourUpdated, events[1].EventType)
	assert.Contains(t, events[1].ChangedFields, "confidence")
}

func TestPublishDetoursWritesImmediatelyOnVehicleCountChange(t *testing.T) {
	store := NewFakeStore()
	pub := New(store, DefaultConfig(), nil)

	base := time.Unix(2000, 0)
	_, err := pub.PublishDetours(context.Background(), []GeometryResult{sampleResult("R1", geosynth.ConfidenceLow)}, base)
	require.NoError(t, err)

	result := sampleResult("R1", geosynth.ConfidenceLow)
	result.Snapshot.VehicleCount = 2

	soon := base.Add(time.Second)
	written, err := pub.PublishDetours(context.Background(), []GeometryResult{result}, soon)
	require.NoError(t, err)
	assert.Equal(t, 1, written, "expected a vehicle-count change to bypass the throttle")

	snap, ok, err := store.GetActiveDetour(context.Background(), "R1")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, 2, snap.VehicleCount)
}

func TestPublishDetoursTouchesLastSeenWithoutRewrite(t *testing.T) {
	store := NewFakeStore()
	cfg := DefaultConfig()
	cfg.LastSeenThrottle = 5 * time.Second
	cfg.GeometryWriteThrottle = time.Hour
	pub := New(store, cfg, nil)

	base := time.Unix(2000, 0)
	_, err := pub.PublishDetours(context.Background(), []GeometryResult{sampleResult("R1", geosynth.ConfidenceLow)}, base)
	require.NoError(t, err)

	// Geometry is unchanged and the rewrite throttle hasn't elapsed,
	// but the lastSeen throttle has: the store should still be touched
	// (so an operator can see the route is still live) without that
	// counting as a geometry rewrite.
	later := base.Add(10 * time.Second)
	written, err := pub.PublishDetours(context.Background(), []GeometryResult{sampleResult("R1", geosynth.ConfidenceLow)}, later)
	require.NoError(t, err)
	assert.Equal(t, 0, written)

	snap, ok, err := store.GetActiveDetour(context.Background(), "R1")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, later.Unix(), snap.LastSeenAt.Unix())
	assert.Equal(t, base.Unix(), snap.LastPublishedAt.Unix(), "lastPublishedAt should not move on a lastSeen-only touch")
}

func TestPublishDetoursClearsAndRecordsHistoryWhenRouteDisappears(t *testing.T) {
	store := NewFakeStore()
	pub := New(store, DefaultConfig(), nil)

	base := time.Unix(2000, 0)
	_, err := pub.PublishDetours(context.Background(), []GeometryResult{sampleResult("R1", geosynth.ConfidenceLow)}, base)
	require.NoError(t, err)

	written, err := pub.PublishDetours(context.Background(), nil, base.Add(time.Minute))
	require.NoError(t, err)
	assert.Equal(t, 0, written)

	_, ok, err := store.GetActiveDetour(context.Background(), "R1")
	require.NoError(t, err)
	assert.False(t, ok, "expected the active detour to be deleted")

	events := store.History()
	require.Len(t, events, 2)
	assert.Equal(t, EventDetourCleared, events[1].EventType)
	assert.Equal(t, int64(1060000), events[1].DurationMs, "duration is measured from the snapshot's detectedAt, not the publish time")
}

func TestHydrateSeedsLastSeenFromStore(t *testing.T) {
	store := NewFakeStore()
	require.NoError(t, store.UpsertActiveDetour(context.Background(), PublishedSnapshot{
		RouteID:          "R1",
		State:            detector.StateActive,
		Confidence:       geosynth.ConfidenceLow,
		EvidenceCount:    1,
		VehicleCount:     1,
		TriggerVehicleID: "V1",
		LastSeenAt:       time.Unix(1000, 0),
		LastPublishedAt:  time.Unix(1000, 0),
	}))

	pub := New(store, DefaultConfig(), nil)
	require.NoError(t, pub.Hydrate(context.Background()))

	// A rewrite/touch attempt immediately after hydration should be
	// throttled on both axes, since the hydrated snapshot's timestamps
	// are recent enough.
	now := time.Unix(1005, 0)
	written, err := pub.PublishDetours(context.Background(), []GeometryResult{sampleResult("R1", geosynth.ConfidenceLow)}, now)
	require.NoError(t, err)
	assert.Equal(t, 0, written)
}

func TestPruneHistoryRemovesEventsPastRetention(t *testing.T) {
	store := NewFakeStore()
	pub := New(store, DefaultConfig(), nil)

	old := time.Unix(0, 0)
	for i := 0; i < 5; i++ {
		require.NoError(t, store.AppendHistoryEvent(context.Background(), HistoryEvent{
			ID:         historyID(old, "R1", EventDetourCleared),
			RouteID:    "R1",
			OccurredAt: old,
		}))
	}

	removed, err := pub.PruneHistory(context.Background(), time.Now())
	require.NoError(t, err)
	assert.Equal(t, 5, removed)
	assert.Empty(t, store.History())
}

func TestPruneHistoryThrottledByInterval(t *testing.T) {
	store := NewFakeStore()
	cfg := DefaultConfig()
	cfg.HistoryPruneInterval = time.Hour
	pub := New(store, cfg, nil)

	old := time.Unix(0, 0)
	require.NoError(t, store.AppendHistoryEvent(context.Background(), HistoryEvent{
		ID:         historyID(old, "R1", EventDetourCleared),
		RouteID:    "R1",
		OccurredAt: old,
	}))

	base := time.Unix(10000000, 0)
	removed, err := pub.PruneHistory(context.Background(), base)
	require.NoError(t, err)
	assert.Equal(t, 1, removed)

	require.NoError(t, store.AppendHistoryEvent(context.Background(), HistoryEvent{
		ID:         historyID(old, "R2", EventDetourCleared),
		RouteID:    "R2",
		OccurredAt: old,
	}))

	soon := base.Add(time.Minute)
	removed, err = pub.PruneHistory(context.Background(), soon)
	require.NoError(t, err)
	assert.Equal(t, 0, removed, "expected the prune interval to suppress a second run so soon after the first")
}
