package monitoring

import (
	"net/http"
	"sync/atomic"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds all Prometheus metrics for the engine. Every method is safe
// to call on a nil *Metrics, so components can run without instrumentation.
type Metrics struct {
	registry *prometheus.Registry

	// Pane metrics
	PanesActive  prometheus.Gauge
	PanesSpawned *prometheus.CounterVec
	PaneExits    *prometheus.CounterVec
	OutputBytes  prometheus.Counter
	InputBytes   prometheus.Counter

	// Session metrics
	SessionsActive prometheus.Gauge

	// Security metrics
	SecurityDenials *prometheus.CounterVec

	// Backend metrics
	BackendCalls    *prometheus.CounterVec
	BackendDuration *prometheus.HistogramVec
	BackendRetries  *prometheus.CounterVec

	// Protocol metrics
	Requests        *prometheus.CounterVec
	RequestDuration *prometheus.HistogramVec

	// Event fan-out metrics
	Subscribers  prometheus.Gauge
	EventsLagged prometheus.Counter

	// HTTP gateway metrics
	HTTPRequests *prometheus.CounterVec
	HTTPDuration *prometheus.HistogramVec

	startTime time.Time
	snapshot  counters
}

// counters mirrors the gauges and counters the metrics response reports.
type counters struct {
	panesActive    atomic.Int64
	panesSpawned   atomic.Int64
	panesExited    atomic.Int64
	sessionsActive atomic.Int64
	denials        atomic.Int64
	outputBytes    atomic.Int64
	inputBytes     atomic.Int64
	subscribers    atomic.Int64
	lagged         atomic.Int64
	requests       atomic.Int64
	requestErrors  atomic.Int64
	backendRetries atomic.Int64
}

// Snapshot holds current metric values for the protocol metrics response
type Snapshot struct {
	PanesActive    int64   `json:"panes_active"`
	PanesSpawned   int64   `json:"panes_spawned"`
	PanesExited    int64   `json:"panes_exited"`
	SessionsActive int64   `json:"sessions_active"`
	Denials        int64   `json:"security_denials"`
	OutputBytes    int64   `json:"output_bytes"`
	InputBytes     int64   `json:"input_bytes"`
	Subscribers    int64   `json:"subscribers"`
	LaggedEvents   int64   `json:"lagged_events"`
	Requests       int64   `json:"requests"`
	RequestErrors  int64   `json:"request_errors"`
	BackendRetries int64   `json:"backend_retries"`
	UptimeSeconds  float64 `json:"uptime_seconds"`
}

// NewMetrics creates a metrics collector registered on its own registry.
func NewMetrics() *Metrics {
	return NewMetricsWithRegistry(prometheus.NewRegistry())
}

// NewMetricsWithRegistry creates a metrics collector registered on reg.
func NewMetricsWithRegistry(reg *prometheus.Registry) *Metrics {
	factory := promauto.With(reg)

	m := &Metrics{
		registry:  reg,
		startTime: time.Now(),

		PanesActive: factory.NewGauge(prometheus.GaugeOpts{
			Name: "orchflow_panes_active",
			Help: "Number of live panes",
		}),
		PanesSpawned: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "orchflow_panes_spawned_total",
			Help: "Total number of panes spawned",
		}, []string{"backend", "kind"}),
		PaneExits: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "orchflow_pane_exits_total",
			Help: "Total number of panes reaching a terminal state",
		}, []string{"state"}),
		OutputBytes: factory.NewCounter(prometheus.CounterOpts{
			Name: "orchflow_output_bytes_total",
			Help: "Bytes read from pane processes",
		}),
		InputBytes: factory.NewCounter(prometheus.CounterOpts{
			Name: "orchflow_input_bytes_total",
			Help: "Bytes written to pane processes",
		}),

		SessionsActive: factory.NewGauge(prometheus.GaugeOpts{
			Name: "orchflow_sessions_active",
			Help: "Number of live sessions",
		}),

		SecurityDenials: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "orchflow_security_denials_total",
			Help: "Operations denied by security policy",
		}, []string{"check"}),

		BackendCalls: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "orchflow_backend_calls_total",
			Help: "Total number of mux backend calls",
		}, []string{"op", "status"}),
		BackendDuration: factory.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "orchflow_backend_duration_seconds",
			Help:    "Mux backend call duration in seconds",
			Buckets: []float64{.0005, .001, .005, .01, .025, .05, .1, .25, .5, 1, 2.5},
		}, []string{"op"}),
		BackendRetries: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "orchflow_backend_retries_total",
			Help: "Backend calls retried after BackendUnavailable",
		}, []string{"op"}),

		Requests: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "orchflow_requests_total",
			Help: "Protocol requests handled",
		}, []string{"transport", "type", "status"}),
		RequestDuration: factory.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "orchflow_request_duration_seconds",
			Help:    "Protocol request duration in seconds",
			Buckets: []float64{.001, .005, .01, .025, .05, .1, .25, .5, 1, 2.5, 5, 10, 30},
		}, []string{"type"}),

		Subscribers: factory.NewGauge(prometheus.GaugeOpts{
			Name: "orchflow_subscribers",
			Help: "Number of open event subscriptions",
		}),
		EventsLagged: factory.NewCounter(prometheus.CounterOpts{
			Name: "orchflow_events_lagged_total",
			Help: "Events dropped for subscribers that fell behind",
		}),

		HTTPRequests: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "orchflow_http_requests_total",
			Help: "Total number of HTTP gateway requests",
		}, []string{"method", "path", "status"}),
		HTTPDuration: factory.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "orchflow_http_request_duration_seconds",
			Help:    "HTTP gateway request duration in seconds",
			Buckets: []float64{.001, .005, .01, .025, .05, .1, .25, .5, 1, 2.5, 5, 10},
		}, []string{"method", "path"}),
	}

	factory.NewGaugeFunc(prometheus.GaugeOpts{
		Name: "orchflow_uptime_seconds",
		Help: "Engine uptime in seconds",
	}, func() float64 {
		return time.Since(m.startTime).Seconds()
	})

	return m
}

// Handler returns the Prometheus exposition handler for this registry
func (m *Metrics) Handler() http.Handler {
	if m == nil {
		return promhttp.Handler()
	}
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// Snapshot returns the current values for the metrics response
func (m *Metrics) Snapshot() Snapshot {
	if m == nil {
		return Snapshot{}
	}
	s := &m.snapshot
	return Snapshot{
		PanesActive:    s.panesActive.Load(),
		PanesSpawned:   s.panesSpawned.Load(),
		PanesExited:    s.panesExited.Load(),
		SessionsActive: s.sessionsActive.Load(),
		Denials:        s.denials.Load(),
		OutputBytes:    s.outputBytes.Load(),
		InputBytes:     s.inputBytes.Load(),
		Subscribers:    s.subscribers.Load(),
		LaggedEvents:   s.lagged.Load(),
		Requests:       s.requests.Load(),
		RequestErrors:  s.requestErrors.Load(),
		BackendRetries: s.backendRetries.Load(),
		UptimeSeconds:  time.Since(m.startTime).Seconds(),
	}
}

// PaneSpawned records a new live pane
func (m *Metrics) PaneSpawned(backend, kind string) {
	if m == nil {
		return
	}
	m.PanesSpawned.WithLabelValues(backend, kind).Inc()
	m.PanesActive.Inc()
	m.snapshot.panesSpawned.Add(1)
	m.snapshot.panesActive.Add(1)
}

// PaneExited records a pane reaching a terminal state
func (m *Metrics) PaneExited(state string) {
	if m == nil {
		return
	}
	m.PaneExits.WithLabelValues(state).Inc()
	m.PanesActive.Dec()
	m.snapshot.panesExited.Add(1)
	m.snapshot.panesActive.Add(-1)
}

// SetSessionsActive sets the number of live sessions
func (m *Metrics) SetSessionsActive(count int) {
	if m == nil {
		return
	}
	m.SessionsActive.Set(float64(count))
	m.snapshot.sessionsActive.Store(int64(count))
}

// AddOutput records bytes read from a pane
func (m *Metrics) AddOutput(n int) {
	if m == nil {
		return
	}
	m.OutputBytes.Add(float64(n))
	m.snapshot.outputBytes.Add(int64(n))
}

// AddInput records bytes written to a pane
func (m *Metrics) AddInput(n int) {
	if m == nil {
		return
	}
	m.InputBytes.Add(float64(n))
	m.snapshot.inputBytes.Add(int64(n))
}

// SecurityDenied records a policy denial at the given check
func (m *Metrics) SecurityDenied(check string) {
	if m == nil {
		return
	}
	m.SecurityDenials.WithLabelValues(check).Inc()
	m.snapshot.denials.Add(1)
}

// RecordBackendCall records one backend call
func (m *Metrics) RecordBackendCall(op, status string, duration time.Duration) {
	if m == nil {
		return
	}
	m.BackendCalls.WithLabelValues(op, status).Inc()
	m.BackendDuration.WithLabelValues(op).Observe(duration.Seconds())
}

// BackendRetry records a retried backend call
func (m *Metrics) BackendRetry(op string) {
	if m == nil {
		return
	}
	m.BackendRetries.WithLabelValues(op).Inc()
	m.snapshot.backendRetries.Add(1)
}

// RecordRequest records a protocol request
func (m *Metrics) RecordRequest(transport, reqType, status string, duration time.Duration) {
	if m == nil {
		return
	}
	m.Requests.WithLabelValues(transport, reqType, status).Inc()
	m.RequestDuration.WithLabelValues(reqType).Observe(duration.Seconds())
	m.snapshot.requests.Add(1)
	if status != "ok" {
		m.snapshot.requestErrors.Add(1)
	}
}

// SubscriberOpened increments open subscriptions
func (m *Metrics) SubscriberOpened() {
	if m == nil {
		return
	}
	m.Subscribers.Inc()
	m.snapshot.subscribers.Add(1)
}

// SubscriberClosed decrements open subscriptions
func (m *Metrics) SubscriberClosed() {
	if m == nil {
		return
	}
	m.Subscribers.Dec()
	m.snapshot.subscribers.Add(-1)
}

// EventLagged records an event dropped for a slow subscriber
func (m *Metrics) EventLagged() {
	if m == nil {
		return
	}
	m.EventsLagged.Inc()
	m.snapshot.lagged.Add(1)
}

// RecordHTTPRequest records an HTTP gateway request
func (m *Metrics) RecordHTTPRequest(method, path, status string, duration time.Duration) {
	if m == nil {
		return
	}
	m.HTTPRequests.WithLabelValues(method, path, status).Inc()
	m.HTTPDuration.WithLabelValues(method, path).Observe(duration.Seconds())
}
