// Package metrics exposes run progress as Prometheus metrics.
package metrics

import (
	"net/http"
	"time"

	"github.com/numberforty/cc-codex-crawler/internal/model"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"
)

// Namespace prefixes every metric name
const Namespace = "ccfetch"

// Fetch attempt outcomes
const (
	OutcomeSuccess   = "success"
	OutcomeRetry     = "retry"
	OutcomeFailed    = "failed"
	OutcomeSkipped   = "skipped"
	OutcomeCancelled = "cancelled"
)

// Collector records one run. Each collector owns its registry so several
// runs in one process (tests, mostly) never collide.
type Collector struct {
	registry *prometheus.Registry

	sourcesTotal     *prometheus.CounterVec
	recordsEvaluated prometheus.Counter
	decisionsTotal   *prometheus.CounterVec
	artifactsTotal   prometheus.Counter
	bytesWritten     prometheus.Counter
	fetchAttempts    *prometheus.CounterVec
	fetchDuration    prometheus.Histogram
	fetchesInFlight  prometheus.Gauge

	logger *zap.Logger
}

// NewCollector registers the run metrics on a fresh registry
func NewCollector(logger *zap.Logger) *Collector {
	if logger == nil {
		logger = zap.NewNop()
	}

	reg := prometheus.NewRegistry()
	factory := promauto.With(reg)

	c := &Collector{
		registry: reg,
		logger:   logger.With(zap.String("component", "metrics")),
	}

	c.sourcesTotal = factory.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: Namespace,
			Name:      "sources_total",
			Help:      "Sources that reached a state",
		},
		[]string{"state"},
	)

	c.recordsEvaluated = factory.NewCounter(
		prometheus.CounterOpts{
			Namespace: Namespace,
			Name:      "records_evaluated_total",
			Help:      "Records evaluated against the rule set",
		},
	)

	c.decisionsTotal = factory.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: Namespace,
			Name:      "decisions_total",
			Help:      "Selection decisions by deciding group",
		},
		[]string{"group", "included"},
	)

	c.artifactsTotal = factory.NewCounter(
		prometheus.CounterOpts{
			Namespace: Namespace,
			Name:      "artifacts_accepted_total",
			Help:      "Artifacts accepted and written",
		},
	)

	c.bytesWritten = factory.NewCounter(
		prometheus.CounterOpts{
			Namespace: Namespace,
			Name:      "artifact_bytes_total",
			Help:      "Payload bytes written",
		},
	)

	c.fetchAttempts = factory.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: Namespace,
			Name:      "fetch_attempts_total",
			Help:      "Range fetch attempts by outcome",
		},
		[]string{"outcome"},
	)

	c.fetchDuration = factory.NewHistogram(
		prometheus.HistogramOpts{
			Namespace: Namespace,
			Name:      "fetch_duration_seconds",
			Help:      "Time to retrieve one payload, retries included",
			Buckets:   []float64{0.05, 0.1, 0.25, 0.5, 1, 2, 5, 10, 30, 60},
		},
	)

	c.fetchesInFlight = factory.NewGauge(
		prometheus.GaugeOpts{
			Namespace: Namespace,
			Name:      "fetches_in_flight",
			Help:      "Retrievals currently holding a fetch slot",
		},
	)

	return c
}

// Registry returns the registry the metrics live on
func (c *Collector) Registry() *prometheus.Registry {
	return c.registry
}

// Handler serves the registry in the Prometheus text format
func (c *Collector) Handler() http.Handler {
	return promhttp.HandlerFor(c.registry, promhttp.HandlerOpts{})
}

// SourceState counts a source entering a state
func (c *Collector) SourceState(state model.SourceState) {
	c.sourcesTotal.WithLabelValues(string(state)).Inc()
}

// RecordEvaluated counts one selection decision
func (c *Collector) RecordEvaluated(group string, included bool) {
	if group == "" {
		group = "none"
	}
	inc := "false"
	if included {
		inc = "true"
	}
	c.recordsEvaluated.Inc()
	c.decisionsTotal.WithLabelValues(group, inc).Inc()
}

// ArtifactAccepted counts one written artifact of size bytes
func (c *Collector) ArtifactAccepted(size int) {
	c.artifactsTotal.Inc()
	c.bytesWritten.Add(float64(size))
}

// FetchAttempt counts one fetch attempt
func (c *Collector) FetchAttempt(outcome string) {
	c.fetchAttempts.WithLabelValues(outcome).Inc()
}

// ObserveFetch records the duration of one retrieval
func (c *Collector) ObserveFetch(d time.Duration) {
	c.fetchDuration.Observe(d.Seconds())
}

// SetInFlight sets the number of retrievals holding a slot
func (c *Collector) SetInFlight(n int) {
	c.fetchesInFlight.Set(float64(n))
}
