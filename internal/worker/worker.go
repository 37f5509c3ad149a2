// Package worker runs the detector/synthesizer/publisher pipeline on
// a fixed interval, the way the teacher's main.go drives its GTFS
// pollers off two tickers: it fetches vehicles and static data, runs
// one detection tick, synthesizes geometry for every active route,
// and publishes the result, tracking enough counters for an operator
// to tell whether the pipeline is healthy.
package worker

import (
	"container/ring"
	"context"
	"log"
	"sync"
	"time"

	"github.com/transitops/detourd/internal/detector"
	"github.com/transitops/detourd/internal/geosynth"
	"github.com/transitops/detourd/internal/obs"
	"github.com/transitops/detourd/internal/publish"
	"github.com/transitops/detourd/internal/transit"
)

const transitionHistorySize = 20

// Config holds the worker's scheduling tunables.
type Config struct {
	TickInterval time.Duration
}

// DefaultConfig mirrors the worker's documented defaults.
func DefaultConfig() Config {
	return Config{TickInterval: 30 * time.Second}
}

// TransitionEvent is a compact record of a route's state change,
// kept in a bounded ring buffer for the operator API's recent-events
// view.
type TransitionEvent struct {
	RouteID string
	State   detector.DetourState
	AtSec   int64
}

// Status is the worker's exported health snapshot.
type Status struct {
	TickCount               int64
	LastSuccessfulTick       time.Time
	ConsecutiveFailureCount int
	TickFailures            int64
	PublishFailures         int64
	RecentTransitions       []TransitionEvent
}

// Worker owns the fixed-interval pipeline run.
type Worker struct {
	cfg          Config
	detectorCfg  detector.Config
	geosynthCfg  geosynth.Config
	det          *detector.Detector
	publisher    *publish.Publisher
	vehicles     transit.VehicleFetcher
	staticSource transit.StaticDataSource
	metrics      *obs.Metrics

	mu                  sync.Mutex
	tickInProgress      bool
	tickCount           int64
	lastSuccessTick     time.Time
	consecutiveFailures int
	tickFailures        int64
	publishFailures     int64
	transitions         *ring.Ring

	lastStaticRefresh time.Time
	lastStates        map[string]detector.DetourState
}

// New builds a Worker wired to its pipeline collaborators. metrics may
// be nil, in which case the worker runs without Prometheus
// instrumentation (as in tests).
func New(
	cfg Config,
	detectorCfg detector.Config,
	geosynthCfg geosynth.Config,
	det *detector.Detector,
	pub *publish.Publisher,
	vehicles transit.VehicleFetcher,
	staticSource transit.StaticDataSource,
	metrics *obs.Metrics,
) *Worker {
	return &Worker{
		cfg:          cfg,
		detectorCfg:  detectorCfg,
		geosynthCfg:  geosynthCfg,
		det:          det,
		publisher:    pub,
		vehicles:     vehicles,
		staticSource: staticSource,
		metrics:      metrics,
		transitions:  ring.New(transitionHistorySize),
		lastStates:   make(map[string]detector.DetourState),
	}
}

// Run blocks, ticking the pipeline on cfg.TickInterval until ctx is
// canceled. Callers typically invoke this from a goroutine tracked by
// a sync.WaitGroup, mirroring the teacher's ticker/shutdown shape.
func (w *Worker) Run(ctx context.Context) {
	ticker := time.NewTicker(w.cfg.TickInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			w.tick(ctx)
		}
	}
}

// tick guards against re-entry: if a previous tick is still running
// when the next one fires (a slow fetch or a stalled publish), the
// new tick is skipped rather than overlapping with it.
func (w *Worker) tick(ctx context.Context) {
	w.mu.Lock()
	if w.tickInProgress {
		w.mu.Unlock()
		log.Printf("worker: tick skipped, previous tick still in progress")
		return
	}
	w.tickInProgress = true
	w.mu.Unlock()

	defer func() {
		w.mu.Lock()
		w.tickInProgress = false
		w.mu.Unlock()
	}()

	if err := w.runOnce(ctx); err != nil {
		w.mu.Lock()
		w.consecutiveFailures++
		w.tickFailures++
		failures := w.consecutiveFailures
		w.mu.Unlock()
		if w.metrics != nil {
			w.metrics.TickFailureTotal.Inc()
			w.metrics.ConsecutiveFailures.Set(float64(failures))
		}
		log.Printf("worker: tick failed: %v", err)
		return
	}

	w.mu.Lock()
	w.tickCount++
	w.lastSuccessTick = time.Now()
	w.consecutiveFailures = 0
	w.mu.Unlock()
	if w.metrics != nil {
		w.metrics.TickTotal.Inc()
		w.metrics.ConsecutiveFailures.Set(0)
	}
}

func (w *Worker) runOnce(ctx context.Context) error {
	data, err := w.staticSource.GetStaticData(ctx)
	if err != nil {
		return err
	}
	if !data.LastRefresh.IsZero() && data.LastRefresh.After(w.lastStaticRefresh) {
		log.Printf("worker: baseline shapes refreshed at %s, resetting vehicle hysteresis", data.LastRefresh)
		w.det.Reset()
		w.lastStaticRefresh = data.LastRefresh
	}

	fixes, err := w.vehicles.FetchVehicles(ctx)
	if err != nil {
		return err
	}

	now := time.Now()
	snapshots := w.det.ProcessVehicles(fixes, data, now.Unix())

	w.recordTransitions(snapshots, now.Unix())

	results := make([]publish.GeometryResult, 0, len(snapshots))
	for routeID, snap := range snapshots {
		// Every detour is published; geometry is attached only when the
		// route's shape is known and Build can synthesize one.
		result := publish.GeometryResult{RouteID: routeID, Snapshot: snap}
		if shape, ok := data.Shapes[data.RouteShapeMapping[routeID]]; ok {
			if geom, ok := geosynth.Build(routeID, snap, shape, w.geosynthCfg, now.UnixMilli()); ok {
				if w.metrics != nil {
					w.metrics.GeometryConfidenceTotal.WithLabelValues(string(geom.Confidence)).Inc()
				}
				result.Geometry = geom
			}
		}
		results = append(results, result)
	}

	if _, err := w.publisher.PublishDetours(ctx, results, now); err != nil {
		w.mu.Lock()
		w.publishFailures++
		w.mu.Unlock()
		if w.metrics != nil {
			w.metrics.PublishFailureTotal.Inc()
		}
		return err
	}

	if _, err := w.publisher.PruneHistory(ctx, now); err != nil {
		log.Printf("worker: history prune failed: %v", err)
	}

	return nil
}

func (w *Worker) recordTransitions(snapshots map[string]detector.DetourSnapshot, nowSec int64) {
	w.mu.Lock()
	defer w.mu.Unlock()

	current := make(map[string]detector.DetourState, len(snapshots))
	for routeID, snap := range snapshots {
		current[routeID] = snap.State
		if prev, ok := w.lastStates[routeID]; !ok || prev != snap.State {
			w.transitions.Value = TransitionEvent{RouteID: routeID, State: snap.State, AtSec: nowSec}
			w.transitions = w.transitions.Next()
		}
	}
	for routeID := range w.lastStates {
		if _, stillPresent := current[routeID]; !stillPresent {
			w.transitions.Value = TransitionEvent{RouteID: routeID, State: detector.StateClear, AtSec: nowSec}
			w.transitions = w.transitions.Next()
		}
	}
	w.lastStates = current
}

// Status returns a snapshot of the worker's health counters.
func (w *Worker) Status() Status {
	w.mu.Lock()
	defer w.mu.Unlock()

	var recent []TransitionEvent
	w.transitions.Do(func(v interface{}) {
		if v == nil {
			return
		}
		recent = append(recent, v.(TransitionEvent))
	})

	return Status{
		TickCount:               w.tickCount,
		LastSuccessfulTick:      w.lastSuccessTick,
		ConsecutiveFailureCount: w.consecutiveFailures,
		TickFailures:            w.tickFailures,
		PublishFailures:         w.publishFailures,
		RecentTransitions:       recent,
	}
}
