// Package metrics exposes Prometheus collectors for sessions, operations and
// saves. A nil *Metrics is valid and records nothing.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "csvedit"

// Metrics holds all Prometheus metrics for the server
type Metrics struct {
	registry *prometheus.Registry

	// Session metrics
	SessionsActive prometheus.Gauge
	SessionsTotal  prometheus.Counter
	SessionsClosed *prometheus.CounterVec

	// History metrics
	OperationsTotal   *prometheus.CounterVec
	HistoryMovesTotal *prometheus.CounterVec

	// Auto-save metrics
	SavesTotal       *prometheus.CounterVec
	SaveSkippedTotal prometheus.Counter

	// Tool metrics
	ToolCallsTotal   *prometheus.CounterVec
	ToolCallDuration *prometheus.HistogramVec
}

// New creates and registers all metrics on a private registry.
func New() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),

		SessionsActive: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "sessions_active",
			Help:      "Number of currently open sessions",
		}),
		SessionsTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "sessions_created_total",
			Help:      "Total number of sessions created",
		}),
		SessionsClosed: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "sessions_closed_total",
			Help:      "Total number of sessions closed, by reason",
		}, []string{"reason"}),

		OperationsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "operations_total",
			Help:      "Dataset operations applied, by kind and status",
		}, []string{"kind", "status"}),
		HistoryMovesTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "history_moves_total",
			Help:      "Undo, redo and restore calls, by direction and status",
		}, []string{"direction", "status"}),

		SavesTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "saves_total",
			Help:      "Dataset saves, by strategy and status",
		}, []string{"strategy", "status"}),
		SaveSkippedTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "periodic_saves_skipped_total",
			Help:      "Periodic saves skipped because the session was busy",
		}),

		ToolCallsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "tool_calls_total",
			Help:      "MCP tool calls, by tool and error kind",
		}, []string{"tool", "error_kind"}),
		ToolCallDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "tool_call_duration_seconds",
			Help:      "Duration of MCP tool calls in seconds",
			Buckets:   prometheus.DefBuckets,
		}, []string{"tool"}),
	}

	m.registry.MustRegister(
		m.SessionsActive,
		m.SessionsTotal,
		m.SessionsClosed,
		m.OperationsTotal,
		m.HistoryMovesTotal,
		m.SavesTotal,
		m.SaveSkippedTotal,
		m.ToolCallsTotal,
		m.ToolCallDuration,
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	return m
}

func status(err error) string {
	if err != nil {
		return "error"
	}
	return "ok"
}

// SessionOpened counts a new session.
func (m *Metrics) SessionOpened() {
	if m == nil {
		return
	}
	m.SessionsTotal.Inc()
	m.SessionsActive.Inc()
}

// SessionClosed counts a removed session. reason is closed, expired or evicted.
func (m *Metrics) SessionClosed(reason string) {
	if m == nil {
		return
	}
	m.SessionsActive.Dec()
	m.SessionsClosed.WithLabelValues(reason).Inc()
}

// Operation counts one applied or rejected dataset operation.
func (m *Metrics) Operation(kind string, err error) {
	if m == nil {
		return
	}
	m.OperationsTotal.WithLabelValues(kind, status(err)).Inc()
}

// HistoryMove counts an undo, redo or restore.
func (m *Metrics) HistoryMove(direction string, err error) {
	if m == nil {
		return
	}
	m.HistoryMovesTotal.WithLabelValues(direction, status(err)).Inc()
}

// Save counts one save attempt.
func (m *Metrics) Save(strategy string, err error) {
	if m == nil {
		return
	}
	m.SavesTotal.WithLabelValues(strategy, status(err)).Inc()
}

// SaveSkipped counts a periodic save skipped on a busy session.
func (m *Metrics) SaveSkipped() {
	if m == nil {
		return
	}
	m.SaveSkippedTotal.Inc()
}

// ToolCall records a tool call. errorKind is empty on success.
func (m *Metrics) ToolCall(tool, errorKind string, d time.Duration) {
	if m == nil {
		return
	}
	if errorKind == "" {
		errorKind = "none"
	}
	m.ToolCallsTotal.WithLabelValues(tool, errorKind).Inc()
	m.ToolCallDuration.WithLabelValues(tool).Observe(d.Seconds())
}

// Handler returns an HTTP handler for the metrics endpoint
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{
		EnableOpenMetrics: true,
	})
}

// Registry returns the Prometheus registry
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}
