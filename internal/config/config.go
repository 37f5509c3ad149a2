// Package config loads detourd's configuration from environment
// variables, the way shivamshaw23/Hintro's config package does: viper
// defaults plus an optional .env file, typed accessors into a single
// Config struct.
package config

import (
	"fmt"
	"time"

	"github.com/spf13/viper"
)

// Config holds all configuration for the detour engine.
type Config struct {
	Detector DetectorConfig
	Synth    SynthConfig
	Publish  PublishConfig
	Worker   WorkerConfig
	Mongo    MongoConfig
	Metrics  MetricsConfig
	API      APIConfig
	Baseline BaselineConfig
	Realtime RealtimeConfig
}

// DetectorConfig mirrors the detector's classification and clearing
// tunables.
type DetectorConfig struct {
	OffRouteThresholdMeters     float64       `mapstructure:"DETOUR_OFF_ROUTE_THRESHOLD_METERS"`
	OnRouteClearThresholdMeters float64       `mapstructure:"DETOUR_ON_ROUTE_CLEAR_THRESHOLD_METERS"`
	ClearConsecutiveOnRoute     int           `mapstructure:"DETOUR_CLEAR_CONSECUTIVE_ON_ROUTE"`
	ClearGrace                  time.Duration `mapstructure:"DETOUR_CLEAR_GRACE_MS"`
	NoVehicleTimeout            time.Duration `mapstructure:"DETOUR_NO_VEHICLE_TIMEOUT_MS"`
	EvidenceWindow              time.Duration `mapstructure:"DETOUR_EVIDENCE_WINDOW_MS"`
	ConsecutiveReadingsRequired int           `mapstructure:"DETOUR_CONSECUTIVE_READINGS_REQUIRED"`
	StaleVehicleTimeout         time.Duration `mapstructure:"DETOUR_STALE_VEHICLE_TIMEOUT_MS"`
	MinVehiclesForDetour        int           `mapstructure:"DETOUR_MIN_VEHICLES_FOR_DETOUR"`
}

// SynthConfig mirrors the geometry synthesizer's tunables.
type SynthConfig struct {
	SimplifyToleranceMeters     float64       `mapstructure:"DETOUR_SIMPLIFY_TOLERANCE_METERS"`
	HighConfidenceMinDuration   time.Duration `mapstructure:"DETOUR_HIGH_CONFIDENCE_MIN_DURATION_MS"`
	HighConfidenceMinPoints     int           `mapstructure:"DETOUR_HIGH_CONFIDENCE_MIN_POINTS"`
	HighConfidenceMinVehicles   int           `mapstructure:"DETOUR_HIGH_CONFIDENCE_MIN_VEHICLES"`
	MediumConfidenceMinDuration time.Duration `mapstructure:"DETOUR_MEDIUM_CONFIDENCE_MIN_DURATION_MS"`
	MediumConfidenceMinPoints   int           `mapstructure:"DETOUR_MEDIUM_CONFIDENCE_MIN_POINTS"`
}

// PublishConfig mirrors the publisher's write-amplification controls.
type PublishConfig struct {
	GeometryWriteThrottle       time.Duration `mapstructure:"DETOUR_GEOMETRY_WRITE_THROTTLE_MS"`
	LastSeenThrottle            time.Duration `mapstructure:"DETOUR_LAST_SEEN_THROTTLE_MS"`
	GeometryPointChangeThreshold int          `mapstructure:"DETOUR_GEOMETRY_POINT_CHANGE_THRESHOLD"`
	HistoryEnabled              bool          `mapstructure:"DETOUR_HISTORY_ENABLED"`
	HistoryRetentionDays        int           `mapstructure:"DETOUR_HISTORY_RETENTION_DAYS"`
	HistoryPruneInterval        time.Duration `mapstructure:"DETOUR_HISTORY_PRUNE_INTERVAL_MS"`
}

// WorkerConfig mirrors the scheduler's tunables.
type WorkerConfig struct {
	Enabled      bool          `mapstructure:"DETOUR_WORKER_ENABLED"`
	TickInterval time.Duration `mapstructure:"DETOUR_TICK_INTERVAL"`
}

// MongoConfig holds the durable store's connection settings.
type MongoConfig struct {
	URI      string `mapstructure:"MONGO_URI"`
	Database string `mapstructure:"MONGO_DATABASE"`
}

// MetricsConfig holds the Prometheus exporter's bind address.
type MetricsConfig struct {
	Addr string `mapstructure:"DETOUR_METRICS_ADDR"`
}

// APIConfig holds the operator HTTP surface's bind address.
type APIConfig struct {
	Addr string `mapstructure:"DETOUR_API_ADDR"`
}

// BaselineConfig holds the GTFS static feed location.
type BaselineConfig struct {
	GTFSURL      string        `mapstructure:"DETOUR_BASELINE_GTFS_URL"`
	RefreshEvery time.Duration `mapstructure:"DETOUR_BASELINE_REFRESH_INTERVAL"`
}

// RealtimeConfig holds the GTFS-realtime vehicle positions feed
// location.
type RealtimeConfig struct {
	VehiclePositionsURL string        `mapstructure:"DETOUR_VEHICLE_POSITIONS_URL"`
	RequestTimeout      time.Duration `mapstructure:"DETOUR_VEHICLE_FETCH_TIMEOUT"`
}

// String returns the Mongo connection's effective address, for logging.
func (m *MongoConfig) String() string {
	return fmt.Sprintf("%s/%s", m.URI, m.Database)
}

// Load reads configuration from environment variables and an optional
// .env file.
func Load() (*Config, error) {
	viper.SetConfigName(".env")
	viper.SetConfigType("env")
	viper.AddConfigPath(".")
	viper.AutomaticEnv()

	viper.SetDefault("DETOUR_OFF_ROUTE_THRESHOLD_METERS", 75.0)
	viper.SetDefault("DETOUR_ON_ROUTE_CLEAR_THRESHOLD_METERS", 40.0)
	viper.SetDefault("DETOUR_CLEAR_CONSECUTIVE_ON_ROUTE", 6)
	viper.SetDefault("DETOUR_CLEAR_GRACE_MS", "10m")
	viper.SetDefault("DETOUR_NO_VEHICLE_TIMEOUT_MS", "30m")
	viper.SetDefault("DETOUR_EVIDENCE_WINDOW_MS", "15m")
	viper.SetDefault("DETOUR_CONSECUTIVE_READINGS_REQUIRED", 3)
	viper.SetDefault("DETOUR_STALE_VEHICLE_TIMEOUT_MS", "5m")
	viper.SetDefault("DETOUR_MIN_VEHICLES_FOR_DETOUR", 1)

	viper.SetDefault("DETOUR_SIMPLIFY_TOLERANCE_METERS", 15.0)
	viper.SetDefault("DETOUR_HIGH_CONFIDENCE_MIN_DURATION_MS", "5m")
	viper.SetDefault("DETOUR_HIGH_CONFIDENCE_MIN_POINTS", 10)
	viper.SetDefault("DETOUR_HIGH_CONFIDENCE_MIN_VEHICLES", 2)
	viper.SetDefault("DETOUR_MEDIUM_CONFIDENCE_MIN_DURATION_MS", "2m")
	viper.SetDefault("DETOUR_MEDIUM_CONFIDENCE_MIN_POINTS", 5)

	viper.SetDefault("DETOUR_GEOMETRY_WRITE_THROTTLE_MS", "120s")
	viper.SetDefault("DETOUR_LAST_SEEN_THROTTLE_MS", "15s")
	viper.SetDefault("DETOUR_GEOMETRY_POINT_CHANGE_THRESHOLD", 5)
	viper.SetDefault("DETOUR_HISTORY_ENABLED", true)
	viper.SetDefault("DETOUR_HISTORY_RETENTION_DAYS", 30)
	viper.SetDefault("DETOUR_HISTORY_PRUNE_INTERVAL_MS", "1h")

	viper.SetDefault("DETOUR_WORKER_ENABLED", true)
	viper.SetDefault("DETOUR_TICK_INTERVAL", "30s")

	viper.SetDefault("MONGO_URI", "mongodb://localhost:27017")
	viper.SetDefault("MONGO_DATABASE", "detourd")

	viper.SetDefault("DETOUR_METRICS_ADDR", ":9102")
	viper.SetDefault("DETOUR_API_ADDR", ":8090")

	viper.SetDefault("DETOUR_BASELINE_GTFS_URL", "")
	viper.SetDefault("DETOUR_BASELINE_REFRESH_INTERVAL", "1h")

	viper.SetDefault("DETOUR_VEHICLE_POSITIONS_URL", "")
	viper.SetDefault("DETOUR_VEHICLE_FETCH_TIMEOUT", "10s")

	// Try to read a .env file. Missing in most deployments; env vars
	// injected by the runtime are used instead.
	_ = viper.ReadInConfig()

	cfg := &Config{
		Detector: DetectorConfig{
			OffRouteThresholdMeters:     viper.GetFloat64("DETOUR_OFF_ROUTE_THRESHOLD_METERS"),
			OnRouteClearThresholdMeters: viper.GetFloat64("DETOUR_ON_ROUTE_CLEAR_THRESHOLD_METERS"),
			ClearConsecutiveOnRoute:     viper.GetInt("DETOUR_CLEAR_CONSECUTIVE_ON_ROUTE"),
			ClearGrace:                  viper.GetDuration("DETOUR_CLEAR_GRACE_MS"),
			NoVehicleTimeout:            viper.GetDuration("DETOUR_NO_VEHICLE_TIMEOUT_MS"),
			EvidenceWindow:              viper.GetDuration("DETOUR_EVIDENCE_WINDOW_MS"),
			ConsecutiveReadingsRequired: viper.GetInt("DETOUR_CONSECUTIVE_READINGS_REQUIRED"),
			StaleVehicleTimeout:         viper.GetDuration("DETOUR_STALE_VEHICLE_TIMEOUT_MS"),
			MinVehiclesForDetour:        viper.GetInt("DETOUR_MIN_VEHICLES_FOR_DETOUR"),
		},
		Synth: SynthConfig{
			SimplifyToleranceMeters:     viper.GetFloat64("DETOUR_SIMPLIFY_TOLERANCE_METERS"),
			HighConfidenceMinDuration:   viper.GetDuration("DETOUR_HIGH_CONFIDENCE_MIN_DURATION_MS"),
			HighConfidenceMinPoints:     viper.GetInt("DETOUR_HIGH_CONFIDENCE_MIN_POINTS"),
			HighConfidenceMinVehicles:   viper.GetInt("DETOUR_HIGH_CONFIDENCE_MIN_VEHICLES"),
			MediumConfidenceMinDuration: viper.GetDuration("DETOUR_MEDIUM_CONFIDENCE_MIN_DURATION_MS"),
			MediumConfidenceMinPoints:   viper.GetInt("DETOUR_MEDIUM_CONFIDENCE_MIN_POINTS"),
		},
		Publish: PublishConfig{
			GeometryWriteThrottle:        viper.GetDuration("DETOUR_GEOMETRY_WRITE_THROTTLE_MS"),
			LastSeenThrottle:             viper.GetDuration("DETOUR_LAST_SEEN_THROTTLE_MS"),
			GeometryPointChangeThreshold: viper.GetInt("DETOUR_GEOMETRY_POINT_CHANGE_THRESHOLD"),
			HistoryEnabled:               viper.GetBool("DETOUR_HISTORY_ENABLED"),
			HistoryRetentionDays:         viper.GetInt("DETOUR_HISTORY_RETENTION_DAYS"),
			HistoryPruneInterval:         viper.GetDuration("DETOUR_HISTORY_PRUNE_INTERVAL_MS"),
		},
		Worker: WorkerConfig{
			Enabled:      viper.GetBool("DETOUR_WORKER_ENABLED"),
			TickInterval: viper.GetDuration("DETOUR_TICK_INTERVAL"),
		},
		Mongo: MongoConfig{
			URI:      viper.GetString("MONGO_URI"),
			Database: viper.GetString("MONGO_DATABASE"),
		},
		Metrics: MetricsConfig{
			Addr: viper.GetString("DETOUR_METRICS_ADDR"),
		},
		API: APIConfig{
			Addr: viper.GetString("DETOUR_API_ADDR"),
		},
		Baseline: BaselineConfig{
			GTFSURL:      viper.GetString("DETOUR_BASELINE_GTFS_URL"),
			RefreshEvery: viper.GetDuration("DETOUR_BASELINE_REFRESH_INTERVAL"),
		},
		Realtime: RealtimeConfig{
			VehiclePositionsURL: viper.GetString("DETOUR_VEHICLE_POSITIONS_URL"),
			RequestTimeout:      viper.GetDuration("DETOUR_VEHICLE_FETCH_TIMEOUT"),
		},
	}

	return cfg, nil
}
