package monitoring

import (
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const namespace = "desk"

// Metrics holds all Prometheus metrics. Each instance owns its registry so
// tests can build as many as they like without duplicate registration panics.
// A nil *Metrics is valid and records nothing.
type Metrics struct {
	Registry *prometheus.Registry

	// Diagnostics HTTP metrics
	RequestsTotal   *prometheus.CounterVec
	RequestDuration *prometheus.HistogramVec

	// Backend client metrics
	BackendCalls    *prometheus.CounterVec
	BackendDuration *prometheus.HistogramVec

	// Session metrics
	SessionTransitions *prometheus.CounterVec
	EventsApplied      *prometheus.CounterVec
	EventsDiscarded    *prometheus.CounterVec
	ReconcileTicks     *prometheus.CounterVec
	StreamConnections  prometheus.Gauge

	// Channel metrics
	ChannelCalls *prometheus.CounterVec

	// Vault metrics
	VaultOps *prometheus.CounterVec

	// Supervisor metrics
	OutputLines  *prometheus.CounterVec
	DroppedLines prometheus.Counter
	BackendExits *prometheus.CounterVec
	BackendAlive prometheus.Gauge

	// System metrics
	Uptime    prometheus.GaugeFunc
	startTime time.Time

	snapshot MetricsSnapshot
	mu       sync.RWMutex
}

// MetricsSnapshot holds current metric values for the JSON diagnostics view
type MetricsSnapshot struct {
	Transitions     int64 `json:"transitions"`
	EventsApplied   int64 `json:"events_applied"`
	EventsDiscarded int64 `json:"events_discarded"`
	ReconcileErrors int64 `json:"reconcile_errors"`
	DroppedLines    int64 `json:"dropped_lines"`
	BackendErrors   int64 `json:"backend_errors"`
}

// NewMetrics creates a new metrics collector with its own registry
func NewMetrics() *Metrics {
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	factory := promauto.With(reg)

	m := &Metrics{
		Registry:  reg,
		startTime: time.Now(),

		RequestsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "http_requests_total",
				Help:      "Total number of diagnostics HTTP requests",
			},
			[]string{"method", "path", "status"},
		),
		RequestDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "http_request_duration_seconds",
				Help:      "Diagnostics HTTP request duration in seconds",
				Buckets:   []float64{.001, .005, .01, .025, .05, .1, .25, .5, 1},
			},
			[]string{"method", "path"},
		),

		BackendCalls: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "backend_calls_total",
				Help:      "Total number of agent backend HTTP calls",
			},
			[]string{"op", "status"},
		),
		BackendDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "backend_call_duration_seconds",
				Help:      "Agent backend call duration in seconds",
				Buckets:   []float64{.005, .01, .025, .05, .1, .25, .5, 1, 2.5, 5, 10},
			},
			[]string{"op"},
		),

		SessionTransitions: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "session_transitions_total",
				Help:      "Session status transitions",
			},
			[]string{"from", "to"},
		),
		EventsApplied: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "session_events_applied_total",
				Help:      "Backend events applied to the session",
			},
			[]string{"type"},
		),
		EventsDiscarded: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "session_events_discarded_total",
				Help:      "Backend events discarded before application",
			},
			[]string{"reason"},
		),
		ReconcileTicks: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "session_reconcile_ticks_total",
				Help:      "Reconciliation poll ticks by result",
			},
			[]string{"result"},
		),
		StreamConnections: factory.NewGauge(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "session_stream_connections",
				Help:      "Open backend event stream connections",
			},
		),

		ChannelCalls: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "channel_calls_total",
				Help:      "Command channel calls by category and result",
			},
			[]string{"category", "result"},
		),

		VaultOps: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "vault_operations_total",
				Help:      "Credential vault operations by result",
			},
			[]string{"op", "result"},
		),

		OutputLines: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "supervisor_output_lines_total",
				Help:      "Backend subprocess output lines by level",
			},
			[]string{"level"},
		),
		DroppedLines: factory.NewCounter(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "supervisor_dropped_lines_total",
				Help:      "Output lines dropped because the queue was full",
			},
		),
		BackendExits: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "supervisor_backend_exits_total",
				Help:      "Backend subprocess exits by cause",
			},
			[]string{"cause"},
		),
		BackendAlive: factory.NewGauge(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "supervisor_backend_alive",
				Help:      "1 while the backend subprocess is running",
			},
		),
	}

	m.Uptime = factory.NewGaugeFunc(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "uptime_seconds",
			Help:      "Process uptime in seconds",
		},
		func() float64 { return time.Since(m.startTime).Seconds() },
	)

	return m
}

// RecordHTTPRequest records a diagnostics HTTP request
func (m *Metrics) RecordHTTPRequest(method, path, status string, duration time.Duration) {
	if m == nil {
		return
	}
	m.RequestsTotal.WithLabelValues(method, path, status).Inc()
	m.RequestDuration.WithLabelValues(method, path).Observe(duration.Seconds())
}

// RecordBackendCall records one agent backend call
func (m *Metrics) RecordBackendCall(op, status string, duration time.Duration) {
	if m == nil {
		return
	}
	m.BackendCalls.WithLabelValues(op, status).Inc()
	m.BackendDuration.WithLabelValues(op).Observe(duration.Seconds())
	if status != "ok" {
		m.mu.Lock()
		m.snapshot.BackendErrors++
		m.mu.Unlock()
	}
}

// RecordTransition records a session status change
func (m *Metrics) RecordTransition(from, to string) {
	if m == nil {
		return
	}
	m.SessionTransitions.WithLabelValues(from, to).Inc()
	m.mu.Lock()
	m.snapshot.Transitions++
	m.mu.Unlock()
}

// RecordEventApplied records a backend event applied to the session
func (m *Metrics) RecordEventApplied(eventType string) {
	if m == nil {
		return
	}
	m.EventsApplied.WithLabelValues(eventType).Inc()
	m.mu.Lock()
	m.snapshot.EventsApplied++
	m.mu.Unlock()
}

// RecordEventDiscarded records a dropped event (duplicate, stale session)
func (m *Metrics) RecordEventDiscarded(reason string) {
	if m == nil {
		return
	}
	m.EventsDiscarded.WithLabelValues(reason).Inc()
	m.mu.Lock()
	m.snapshot.EventsDiscarded++
	m.mu.Unlock()
}

// RecordReconcile records a poll tick result: changed, unchanged, error, skipped
func (m *Metrics) RecordReconcile(result string) {
	if m == nil {
		return
	}
	m.ReconcileTicks.WithLabelValues(result).Inc()
	if result == "error" {
		m.mu.Lock()
		m.snapshot.ReconcileErrors++
		m.mu.Unlock()
	}
}

// IncStreamConnections increments open stream connections
func (m *Metrics) IncStreamConnections() {
	if m == nil {
		return
	}
	m.StreamConnections.Inc()
}

// DecStreamConnections decrements open stream connections
func (m *Metrics) DecStreamConnections() {
	if m == nil {
		return
	}
	m.StreamConnections.Dec()
}

// RecordChannelCall records a command channel call
func (m *Metrics) RecordChannelCall(category, result string) {
	if m == nil {
		return
	}
	m.ChannelCalls.WithLabelValues(category, result).Inc()
}

// RecordVaultOp records a vault operation
func (m *Metrics) RecordVaultOp(op string, ok bool) {
	if m == nil {
		return
	}
	result := "ok"
	if !ok {
		result = "error"
	}
	m.VaultOps.WithLabelValues(op, result).Inc()
}

// RecordOutputLine records one classified subprocess output line
func (m *Metrics) RecordOutputLine(level string) {
	if m == nil {
		return
	}
	m.OutputLines.WithLabelValues(level).Inc()
}

// IncDroppedLines records a line dropped from a full output queue
func (m *Metrics) IncDroppedLines() {
	if m == nil {
		return
	}
	m.DroppedLines.Inc()
	m.mu.Lock()
	m.snapshot.DroppedLines++
	m.mu.Unlock()
}

// RecordBackendExit records a subprocess exit: requested or crashed
func (m *Metrics) RecordBackendExit(cause string) {
	if m == nil {
		return
	}
	m.BackendExits.WithLabelValues(cause).Inc()
	m.BackendAlive.Set(0)
}

// SetBackendAlive marks the subprocess as running
func (m *Metrics) SetBackendAlive() {
	if m == nil {
		return
	}
	m.BackendAlive.Set(1)
}
