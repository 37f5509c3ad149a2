package main

import (
	"context"
	"log"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"

	"github.com/transitops/detourd/internal/api"
	"github.com/transitops/detourd/internal/baseline"
	"github.com/transitops/detourd/internal/config"
	"github.com/transitops/detourd/internal/detector"
	"github.com/transitops/detourd/internal/geosynth"
	"github.com/transitops/detourd/internal/obs"
	"github.com/transitops/detourd/internal/publish"
	"github.com/transitops/detourd/internal/realtimefeed"
	"github.com/transitops/detourd/internal/worker"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("Failed to load configuration: %v", err)
	}

	connectCtx, connectCancel := context.WithTimeout(context.Background(), 15*time.Second)
	mongoClient, err := mongo.Connect(connectCtx, options.Client().ApplyURI(cfg.Mongo.URI))
	connectCancel()
	if err != nil {
		log.Fatalf("Failed to connect to MongoDB at %s: %v", cfg.Mongo.String(), err)
	}

	metrics := obs.New()

	store := publish.NewMongoStore(mongoClient.Database(cfg.Mongo.Database))
	publisher := publish.New(store, publish.Config{
		GeometryWriteThrottle:        cfg.Publish.GeometryWriteThrottle,
		LastSeenThrottle:             cfg.Publish.LastSeenThrottle,
		GeometryPointChangeThreshold: cfg.Publish.GeometryPointChangeThreshold,
		HistoryEnabled:               cfg.Publish.HistoryEnabled,
		HistoryRetention:             time.Duration(cfg.Publish.HistoryRetentionDays) * 24 * time.Hour,
		HistoryPruneInterval:         cfg.Publish.HistoryPruneInterval,
	}, metrics)

	hydrateCtx, hydrateCancel := context.WithTimeout(context.Background(), 15*time.Second)
	if err := publisher.Hydrate(hydrateCtx); err != nil {
		log.Printf("Failed to hydrate publisher from existing active detours: %v", err)
	}
	hydrateCancel()

	detectorCfg := detector.Config{
		OffRouteThresholdMeters:     cfg.Detector.OffRouteThresholdMeters,
		OnRouteClearThresholdMeters: cfg.Detector.OnRouteClearThresholdMeters,
		ClearConsecutiveOnRoute:     cfg.Detector.ClearConsecutiveOnRoute,
		ClearGrace:                  cfg.Detector.ClearGrace,
		NoVehicleTimeout:            cfg.Detector.NoVehicleTimeout,
		EvidenceWindow:              cfg.Detector.EvidenceWindow,
		ConsecutiveReadingsRequired: cfg.Detector.ConsecutiveReadingsRequired,
		StaleVehicleTimeout:         cfg.Detector.StaleVehicleTimeout,
		MinVehiclesForDetour:        cfg.Detector.MinVehiclesForDetour,
	}
	det := detector.New(detectorCfg)

	seedCtx, seedCancel := context.WithTimeout(context.Background(), 15*time.Second)
	if activeDetours, err := store.ListActiveDetours(seedCtx); err != nil {
		log.Printf("Failed to load active detours for detector hydration: %v", err)
	} else {
		for _, snap := range activeDetours {
			det.SeedActiveDetour(snap.RouteID, snap.State, snap.DetectedAt.Unix(), snap.Zone, snap.VehicleCount)
		}
	}
	seedCancel()

	geosynthCfg := geosynth.Config{
		SimplifyToleranceMeters:     cfg.Synth.SimplifyToleranceMeters,
		HighConfidenceMinDuration:   cfg.Synth.HighConfidenceMinDuration,
		HighConfidenceMinPoints:     cfg.Synth.HighConfidenceMinPoints,
		HighConfidenceMinVehicles:   cfg.Synth.HighConfidenceMinVehicles,
		MediumConfidenceMinDuration: cfg.Synth.MediumConfidenceMinDuration,
		MediumConfidenceMinPoints:   cfg.Synth.MediumConfidenceMinPoints,
	}

	baselineSource := baseline.NewPolledSource(baseline.NewSource(cfg.Baseline.GTFSURL))
	if cfg.Baseline.GTFSURL == "" {
		log.Println("DETOUR_BASELINE_GTFS_URL not set; starting with empty baseline shape data")
	} else {
		loadCtx, loadCancel := context.WithTimeout(context.Background(), 60*time.Second)
		if err := baselineSource.LoadInitial(loadCtx); err != nil {
			log.Fatalf("Failed to load initial GTFS baseline data: %v", err)
		}
		loadCancel()
	}

	vehicleFetcher := realtimefeed.NewHTTPVehicleFetcher(cfg.Realtime.VehiclePositionsURL, cfg.Realtime.RequestTimeout)

	pipeline := worker.New(
		worker.Config{TickInterval: cfg.Worker.TickInterval},
		detectorCfg,
		geosynthCfg,
		det,
		publisher,
		vehicleFetcher,
		baselineSource,
		metrics,
	)

	apiServer := api.NewServer(det, pipeline)
	httpServer := &http.Server{
		Addr:    cfg.API.Addr,
		Handler: apiServer.Router(),
	}
	metricsServer := &http.Server{
		Addr:    cfg.Metrics.Addr,
		Handler: metrics.Handler(),
	}

	runCtx, stopRunning := context.WithCancel(context.Background())

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)

	var wg sync.WaitGroup

	if cfg.Worker.Enabled {
		wg.Add(1)
		go func() {
			defer wg.Done()
			pipeline.Run(runCtx)
		}()
	} else {
		log.Println("Worker disabled by configuration; detours will not be recomputed")
	}

	if cfg.Baseline.GTFSURL != "" {
		wg.Add(1)
		go func() {
			defer wg.Done()
			baselineSource.Run(runCtx, cfg.Baseline.RefreshEvery)
		}()
	}

	wg.Add(1)
	go func() {
		defer wg.Done()
		reportActiveDetourGauge(runCtx, det, metrics)
	}()

	wg.Add(1)
	go func() {
		defer wg.Done()
		log.Printf("API server listening on %s", cfg.API.Addr)
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("API server error: %v", err)
		}
	}()

	wg.Add(1)
	go func() {
		defer wg.Done()
		log.Printf("Metrics server listening on %s", cfg.Metrics.Addr)
		if err := metricsServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("Metrics server error: %v", err)
		}
	}()

	<-quit
	log.Println("Shutting down detourd...")
	stopRunning()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCancel()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		log.Printf("API server forced to shutdown: %v", err)
	}
	if err := metricsServer.Shutdown(shutdownCtx); err != nil {
		log.Printf("Metrics server forced to shutdown: %v", err)
	}
	if err := mongoClient.Disconnect(shutdownCtx); err != nil {
		log.Printf("MongoDB disconnect failed: %v", err)
	}

	wg.Wait()
	log.Println("detourd exited properly")
}

// reportActiveDetourGauge keeps the detourd_active_detours gauge in
// sync with the detector's live state. Unlike the tick/publish/
// confidence counters, which the worker increments at the moment
// they happen, "how many routes are in each state right now" is a
// point-in-time read of the detector, so it's polled instead.
func reportActiveDetourGauge(ctx context.Context, det *detector.Detector, metrics *obs.Metrics) {
	ticker := time.NewTicker(10 * time.Second)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			counts := map[detector.DetourState]int{}
			for _, snap := range det.Snapshot() {
				counts[snap.State]++
			}
			metrics.ActiveDetours.WithLabelValues(string(detector.StateActive)).Set(float64(counts[detector.StateActive]))
			metrics.ActiveDetours.WithLabelValues(string(detector.StateClearPending)).Set(float64(counts[detector.StateClearPending]))
		}
	}
}
