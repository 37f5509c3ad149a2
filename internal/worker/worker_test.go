package worker

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/transitops/detourd/internal/detector"
	"github.com/transitops/detourd/internal/geo"
	"github.com/transitops/detourd/internal/geosynth"
	"github.com/transitops/detourd/internal/publish"
	"github.com/transitops/detourd/internal/transit"
)

type fakeFetcher struct {
	fixes []transit.VehicleFix
	err   error
}

func (f *fakeFetcher) FetchVehicles(ctx context.Context) ([]transit.VehicleFix, error) {
	return f.fixes, f.err
}

type fakeStaticSource struct {
	data transit.StaticData
	err  error
}

func (f *fakeStaticSource) GetStaticData(ctx context.Context) (transit.StaticData, error) {
	return f.data, f.err
}

func straightShape() []geo.Point {
	pts := make([]geo.Point, 0, 10)
	for i := 0; i < 10; i++ {
		pts = append(pts, geo.Point{Lat: 44.39, Lon: -79.70 + float64(i)*0.002})
	}
	return pts
}

func staticData() transit.StaticData {
	return transit.StaticData{
		Shapes:            map[string][]geo.Point{"S1": straightShape()},
		RouteShapeMapping: transit.RouteShapeMapping{"R1": "S1"},
		TripShapeMapping:  transit.TripShapeMapping{},
	}
}

func offRouteFix(vehicleID string) transit.VehicleFix {
	route := "R1"
	return transit.VehicleFix{
		VehicleID:    vehicleID,
		RouteID:      &route,
		Coordinate:   geo.Point{Lat: 44.395, Lon: -79.695},
		TimestampSec: time.Now().Unix(),
	}
}

func newTestWorker(fetcher transit.VehicleFetcher, source transit.StaticDataSource, store publish.Store) *Worker {
	det := detector.New(detector.DefaultConfig())
	pub := publish.New(store, publish.DefaultConfig(), nil)
	return New(DefaultConfig(), detector.DefaultConfig(), geosynth.DefaultConfig(), det, pub, fetcher, source, nil)
}

func TestRunOnceDetectsAndPublishesDetour(t *testing.T) {
	fetcher := &fakeFetcher{fixes: []transit.VehicleFix{offRouteFix("V1")}}
	source := &fakeStaticSource{data: staticData()}
	store := publish.NewFakeStore()

	w := newTestWorker(fetcher, source, store)
	// A detour only seeds after ConsecutiveReadingsRequired off-route
	// ticks from the same vehicle.
	for i := 0; i < detector.DefaultConfig().ConsecutiveReadingsRequired; i++ {
		require.NoError(t, w.runOnce(context.Background()))
	}

	active, err := store.ListActiveDetours(context.Background())
	require.NoError(t, err)
	assert.Len(t, active, 1)
	assert.Equal(t, "R1", active[0].RouteID)
}

func TestTickTracksSuccessAndFailureCounters(t *testing.T) {
	fetcher := &fakeFetcher{fixes: nil}
	source := &fakeStaticSource{data: staticData()}
	store := publish.NewFakeStore()

	w := newTestWorker(fetcher, source, store)
	w.tick(context.Background())

	status := w.Status()
	assert.Equal(t, int64(1), status.TickCount)
	assert.Equal(t, 0, status.ConsecutiveFailureCount)

	fetcher.err = assertError{}
	w.tick(context.Background())
	status = w.Status()
	assert.Equal(t, int64(1), status.TickCount, "failed tick should not increment tickCount")
	assert.Equal(t, 1, status.ConsecutiveFailureCount)
}

type assertError struct{}

func (assertError) Error() string { return "forced failure" }

func TestTickSkipsReentryWhileInProgress(t *testing.T) {
	fetcher := &fakeFetcher{fixes: nil}
	source := &fakeStaticSource{data: staticData()}
	store := publish.NewFakeStore()

	w := newTestWorker(fetcher, source, store)
	w.tickInProgress = true
	w.tick(context.Background())

	status := w.Status()
	assert.Equal(t, int64(0), status.TickCount, "expected the re-entrant tick to be skipped")
}

func TestRecordTransitionsCapturesNewDetour(t *testing.T) {
	fetcher := &fakeFetcher{fixes: []transit.VehicleFix{offRouteFix("V1")}}
	source := &fakeStaticSource{data: staticData()}
	store := publish.NewFakeStore()

	w := newTestWorker(fetcher, source, store)
	for i := 0; i < detector.DefaultConfig().ConsecutiveReadingsRequired; i++ {
		require.NoError(t, w.runOnce(context.Background()))
	}

	status := w.Status()
	require.NotEmpty(t, status.RecentTransitions)
	assert.Equal(t, "R1", status.RecentTransitions[0].RouteID)
	assert.Equal(t, detector.StateActive, status.RecentTransitions[0].State)
}
