// Package metrics exposes the engine's Prometheus instrumentation.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	dto "github.com/prometheus/client_model/go"
)

// Metrics bundles every collector on its own registry so tests never collide
// with the global default.
type Metrics struct {
	registry *prometheus.Registry

	CycleDuration    *prometheus.HistogramVec
	CycleLastSuccess *prometheus.GaugeVec
	PagesFetched     *prometheus.CounterVec
	UpstreamErrors   *prometheus.CounterVec
	EntriesScored    *prometheus.CounterVec
	EntriesFiltered  *prometheus.CounterVec
	EntriesPersisted *prometheus.CounterVec
	PublishFailures  prometheus.Counter
}

// New builds a metrics set on a fresh registry.
func New() *Metrics {
	m := &Metrics{registry: prometheus.NewRegistry()}

	m.CycleDuration = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "sigmapilot",
		Name:      "cycle_duration_seconds",
		Help:      "Wall time of one refresh cycle per period.",
		Buckets:   []float64{1, 5, 15, 30, 60, 120, 300, 600},
	}, []string{"period"})

	m.CycleLastSuccess = prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: "sigmapilot",
		Name:      "cycle_last_success_timestamp_seconds",
		Help:      "Unix time of the last successful cycle per period.",
	}, []string{"period"})

	m.PagesFetched = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "sigmapilot",
		Name:      "leaderboard_pages_fetched_total",
		Help:      "Leaderboard pages retrieved per period.",
	}, []string{"period"})

	m.UpstreamErrors = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "sigmapilot",
		Name:      "upstream_errors_total",
		Help:      "Upstream request failures by endpoint and error kind.",
	}, []string{"endpoint", "kind"})

	m.EntriesScored = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "sigmapilot",
		Name:      "entries_scored_total",
		Help:      "Leaderboard entries that passed the hard filters.",
	}, []string{"period"})

	m.EntriesFiltered = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "sigmapilot",
		Name:      "entries_filtered_total",
		Help:      "Leaderboard entries rejected by a hard filter.",
	}, []string{"period", "reason"})

	m.EntriesPersisted = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "sigmapilot",
		Name:      "entries_persisted_total",
		Help:      "Ranked entries written per period.",
	}, []string{"period"})

	m.PublishFailures = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "sigmapilot",
		Name:      "publish_failures_total",
		Help:      "Candidate events that could not be published.",
	})

	m.registry.MustRegister(
		m.CycleDuration,
		m.CycleLastSuccess,
		m.PagesFetched,
		m.UpstreamErrors,
		m.EntriesScored,
		m.EntriesFiltered,
		m.EntriesPersisted,
		m.PublishFailures,
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	return m
}

// Handler serves the registry in the Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// Gather exposes the raw metric families, used by tests and self-checks.
func (m *Metrics) Gather() ([]*dto.MetricFamily, error) {
	return m.registry.Gather()
}
