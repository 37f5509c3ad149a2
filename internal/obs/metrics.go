// Package obs exposes the engine's health counters as Prometheus
// metrics, served on its own listener the way main.go runs the
// operator API on a separate port from the detection pipeline.
package obs

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds every counter/gauge the pipeline reports against.
type Metrics struct {
	registry *prometheus.Registry

	TickTotal               prometheus.Counter
	TickFailureTotal        prometheus.Counter
	ConsecutiveFailures     prometheus.Gauge
	ActiveDetours           *prometheus.GaugeVec
	PublishFailureTotal     prometheus.Counter
	HistoryEventsTotal      *prometheus.CounterVec
	GeometryConfidenceTotal *prometheus.CounterVec
}

// New registers every metric against its own Prometheus registry, so
// multiple Metrics instances (as in tests) never collide on the
// global default registry.
func New() *Metrics {
	reg := prometheus.NewRegistry()
	factory := promauto.With(reg)

	m := &Metrics{
		TickTotal: factory.NewCounter(prometheus.CounterOpts{
			Name: "detourd_tick_total",
			Help: "Number of worker ticks that completed successfully.",
		}),
		TickFailureTotal: factory.NewCounter(prometheus.CounterOpts{
			Name: "detourd_tick_failure_total",
			Help: "Number of worker ticks that failed.",
		}),
		ConsecutiveFailures: factory.NewGauge(prometheus.GaugeOpts{
			Name: "detourd_consecutive_failures",
			Help: "Current run of consecutive failed ticks.",
		}),
		ActiveDetours: factory.NewGaugeVec(prometheus.GaugeOpts{
			Name: "detourd_active_detours",
			Help: "Number of routes currently in each detour state.",
		}, []string{"state"}),
		PublishFailureTotal: factory.NewCounter(prometheus.CounterOpts{
			Name: "detourd_publish_failure_total",
			Help: "Number of failed publish attempts to the durable store.",
		}),
		HistoryEventsTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "detourd_history_events_total",
			Help: "Number of history events emitted, by kind.",
		}, []string{"kind"}),
		GeometryConfidenceTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "detourd_geometry_confidence_total",
			Help: "Number of synthesized geometries, by confidence tier.",
		}, []string{"confidence"}),
	}

	m.registry = reg
	return m
}

func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}
