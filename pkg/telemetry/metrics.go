// Package telemetry exposes the gateway's Prometheus metrics.
//
// Metric names are a public interface consumed by dashboards and alerts;
// renaming one is a breaking change.
package telemetry

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds the gateway's metric instruments. A single instance is
// created at startup and shared by the components that record into it.
type Metrics struct {
	registry *prometheus.Registry

	toolCalls            *prometheus.CounterVec
	toolDuration         *prometheus.HistogramVec
	sandboxDuration      *prometheus.HistogramVec
	sandboxRunning       prometheus.Gauge
	sandboxQueries       *prometheus.CounterVec
	sandboxQueryDuration *prometheus.HistogramVec
	authAttempts         *prometheus.CounterVec
	activeSessions       prometheus.Gauge
	storageUploads       *prometheus.CounterVec
	storageUploadBytes   *prometheus.CounterVec
}

// NewMetrics creates and registers the gateway metrics on a fresh registry.
func NewMetrics() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),

		toolCalls: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "mcp_tool_calls_total",
			Help: "Total MCP tool calls by tool name and status.",
		}, []string{"tool", "status"}),

		toolDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "mcp_tool_duration_seconds",
			Help:    "MCP tool call duration in seconds.",
			Buckets: []float64{0.1, 0.5, 1, 2.5, 5, 10, 30, 60, 120, 300},
		}, []string{"tool"}),

		sandboxDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "mcp_sandbox_duration_seconds",
			Help:    "Sandbox execution duration in seconds by backend.",
			Buckets: []float64{0.5, 1, 2.5, 5, 10, 30, 60, 120, 300},
		}, []string{"backend"}),

		sandboxRunning: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "mcp_sandbox_containers_running",
			Help: "Number of sandbox containers currently running.",
		}),

		sandboxQueries: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "mcp_sandbox_queries_total",
			Help: "Total downstream queries reported by sandboxed code.",
		}, []string{"target", "status"}),

		sandboxQueryDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "mcp_sandbox_query_duration_seconds",
			Help:    "Downstream query duration reported by sandboxed code.",
			Buckets: []float64{0.05, 0.1, 0.5, 1, 2.5, 5, 10, 30},
		}, []string{"target"}),

		authAttempts: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "mcp_auth_attempts_total",
			Help: "Total authentication attempts by outcome.",
		}, []string{"outcome"}),

		activeSessions: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "mcp_active_sessions",
			Help: "Number of active authenticated sessions.",
		}),

		storageUploads: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "mcp_storage_uploads_total",
			Help: "Total object storage uploads by status.",
		}, []string{"status"}),

		storageUploadBytes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "mcp_storage_upload_bytes_total",
			Help: "Total bytes uploaded to object storage.",
		}, []string{"status"}),
	}

	m.registry.MustRegister(
		m.toolCalls,
		m.toolDuration,
		m.sandboxDuration,
		m.sandboxRunning,
		m.sandboxQueries,
		m.sandboxQueryDuration,
		m.authAttempts,
		m.activeSessions,
		m.storageUploads,
		m.storageUploadBytes,
	)

	return m
}

// Handler returns the HTTP handler serving the /metrics endpoint.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// RecordToolCall records one tool invocation.
func (m *Metrics) RecordToolCall(tool, status string, durationSeconds float64) {
	if m == nil {
		return
	}
	m.toolCalls.WithLabelValues(tool, status).Inc()
	m.toolDuration.WithLabelValues(tool).Observe(durationSeconds)
}

// RecordSandboxExecution records one sandbox run.
func (m *Metrics) RecordSandboxExecution(backend string, durationSeconds float64) {
	if m == nil {
		return
	}
	m.sandboxDuration.WithLabelValues(backend).Observe(durationSeconds)
}

// SandboxStarted increments the running-container gauge.
func (m *Metrics) SandboxStarted() {
	if m == nil {
		return
	}
	m.sandboxRunning.Inc()
}

// SandboxFinished decrements the running-container gauge.
func (m *Metrics) SandboxFinished() {
	if m == nil {
		return
	}
	m.sandboxRunning.Dec()
}

// RecordSandboxQuery records one downstream query reported by sandboxed code
// through the metrics blob.
func (m *Metrics) RecordSandboxQuery(target, status string, durationSeconds float64) {
	if m == nil {
		return
	}
	m.sandboxQueries.WithLabelValues(target, status).Inc()
	m.sandboxQueryDuration.WithLabelValues(target).Observe(durationSeconds)
}

// RecordAuthAttempt records one authentication attempt outcome.
func (m *Metrics) RecordAuthAttempt(outcome string) {
	if m == nil {
		return
	}
	m.authAttempts.WithLabelValues(outcome).Inc()
}

// SetActiveSessions updates the live-session gauge.
func (m *Metrics) SetActiveSessions(n int) {
	if m == nil {
		return
	}
	m.activeSessions.Set(float64(n))
}

// RecordStorageUpload records one object storage upload reported by sandboxed
// code.
func (m *Metrics) RecordStorageUpload(status string, bytes float64) {
	if m == nil {
		return
	}
	m.storageUploads.WithLabelValues(status).Inc()
	m.storageUploadBytes.WithLabelValues(status).Add(bytes)
}
