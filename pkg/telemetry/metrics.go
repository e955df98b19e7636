package telemetry

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds the Prometheus collectors for the rail pipeline.
type Metrics struct {
	// Request metrics
	requestsTotal   *prometheus.CounterVec
	requestDuration *prometheus.HistogramVec

	// Stage metrics
	stageLatency *prometheus.HistogramVec
	violations   *prometheus.CounterVec

	// Streaming metrics
	chunksEmitted prometheus.Counter
	sourceRetries prometheus.Counter

	registry *prometheus.Registry
}

// NewMetrics creates a metrics instance backed by its own registry.
func NewMetrics() *Metrics {
	registry := prometheus.NewRegistry()

	m := &Metrics{
		requestsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "railguard_requests_total",
				Help: "Total pipeline runs by terminal state",
			},
			[]string{"state"},
		),
		requestDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "railguard_request_duration_seconds",
				Help:    "End-to-end pipeline run duration",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"state"},
		),
		stageLatency: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "railguard_stage_duration_seconds",
				Help:    "Stage evaluation duration by stage kind",
				Buckets: []float64{.001, .005, .01, .05, .1, .25, .5, 1, 2.5},
			},
			[]string{"stage"},
		),
		violations: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "railguard_violations_total",
				Help: "Policy violations by rule and severity",
			},
			[]string{"rule", "severity"},
		),
		chunksEmitted: prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "railguard_chunks_emitted_total",
				Help: "Chunks delivered to callers",
			},
		),
		sourceRetries: prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "railguard_source_retries_total",
				Help: "Generation source retry attempts",
			},
		),
		registry: registry,
	}

	registry.MustRegister(
		m.requestsTotal,
		m.requestDuration,
		m.stageLatency,
		m.violations,
		m.chunksEmitted,
		m.sourceRetries,
	)

	return m
}

// RecordRun records a completed pipeline run with its terminal state.
func (m *Metrics) RecordRun(state string, duration time.Duration) {
	if m == nil {
		return
	}
	m.requestsTotal.WithLabelValues(state).Inc()
	m.requestDuration.WithLabelValues(state).Observe(duration.Seconds())
}

// RecordStage records a stage evaluation duration.
func (m *Metrics) RecordStage(stage string, duration time.Duration) {
	if m == nil {
		return
	}
	m.stageLatency.WithLabelValues(stage).Observe(duration.Seconds())
}

// RecordViolation records a policy violation.
func (m *Metrics) RecordViolation(rule, severity string) {
	if m == nil {
		return
	}
	m.violations.WithLabelValues(rule, severity).Inc()
}

// RecordChunk records a delivered chunk.
func (m *Metrics) RecordChunk() {
	if m == nil {
		return
	}
	m.chunksEmitted.Inc()
}

// RecordSourceRetry records a generation source retry.
func (m *Metrics) RecordSourceRetry() {
	if m == nil {
		return
	}
	m.sourceRetries.Inc()
}

// Handler returns an HTTP handler exposing the metrics registry.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}
