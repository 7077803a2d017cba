package server

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

type metricsRegistry struct {
	registry       *prometheus.Registry
	runsTotal      *prometheus.CounterVec
	requestSeconds *prometheus.HistogramVec
}

// newMetricsRegistry wires a private registry; activeWatches is sampled live
// from the event watcher.
func newMetricsRegistry(activeWatches func() int64) *metricsRegistry {
	runs := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "flarebridge_workflow_runs_total",
		Help: "Workflow runs by kind and final status",
	}, []string{"kind", "status"})

	durations := prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "flarebridge_request_duration_seconds",
		Help:    "End-to-end HTTP request durations",
		Buckets: prometheus.ExponentialBuckets(0.1, 3, 8),
	}, []string{"route"})

	watches := prometheus.NewGaugeFunc(prometheus.GaugeOpts{
		Name: "flarebridge_active_event_watches",
		Help: "Event watches currently holding a log subscription",
	}, func() float64 {
		if activeWatches == nil {
			return 0
		}
		return float64(activeWatches())
	})

	r := prometheus.NewRegistry()
	r.MustRegister(runs, durations, watches)

	return &metricsRegistry{
		registry:       r,
		runsTotal:      runs,
		requestSeconds: durations,
	}
}

func (m *metricsRegistry) handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

func (m *metricsRegistry) incRun(kind, status string) {
	m.runsTotal.WithLabelValues(kind, status).Inc()
}

func (m *metricsRegistry) observeRequest(route string, seconds float64) {
	m.requestSeconds.WithLabelValues(route).Observe(seconds)
}
