package monitoring

import (
	"net/http"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Request outcomes
const (
	OutcomeDelivered   = "delivered"
	OutcomeCancelled   = "cancelled"
	OutcomeInvalid     = "invalid_uri"
	OutcomeNoHandler   = "no_handler"
	OutcomeFailure     = "handler_failure"
	OutcomeUnavailable = "unavailable"
	OutcomeTimeout     = "timeout"
	OutcomeMismatch    = "context_mismatch"
)

// Navigation decisions and page load events
const (
	NavigationAllowed = "allowed"
	NavigationDenied  = "denied"

	LoadStarted  = "started"
	LoadFinished = "finished"
)

// Handler kinds
const (
	KindImmediate = "immediate"
	KindDeferred  = "deferred"
)

// Metrics holds all Prometheus metrics. A nil *Metrics is valid and records
// nothing, so components can run without a collector.
type Metrics struct {
	registry *prometheus.Registry

	// Dispatch metrics
	RequestsTotal   *prometheus.CounterVec
	RequestDuration *prometheus.HistogramVec
	PendingRequests prometheus.Gauge

	// Surface metrics
	SurfacesLive prometheus.Gauge
	Navigations  *prometheus.CounterVec
	PageLoads    *prometheus.CounterVec

	// Bridge metrics
	BridgeMessages *prometheus.CounterVec

	// Delivery metrics
	StaleDeliveries *prometheus.CounterVec
	LoopQueueDepth  prometheus.Gauge

	// Debug server metrics
	HTTPRequests *prometheus.CounterVec
	HTTPDuration *prometheus.HistogramVec

	startTime time.Time

	// Snapshot for JSON API - track current values
	snapshot MetricsSnapshot
	mu       sync.RWMutex
}

// MetricsSnapshot holds current metric values for the stats endpoint
type MetricsSnapshot struct {
	TotalRequests   int64   `json:"total_requests"`
	FailedRequests  int64   `json:"failed_requests"`
	Cancelled       int64   `json:"cancelled"`
	BridgeDelivered int64   `json:"bridge_delivered"`
	BridgeDropped   int64   `json:"bridge_dropped"`
	TotalDuration   float64 `json:"total_duration_seconds"`
	UptimeSeconds   float64 `json:"uptime_seconds"`
}

// NewMetrics creates a metrics collector backed by its own registry
func NewMetrics() *Metrics {
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	factory := promauto.With(reg)

	m := &Metrics{
		registry:  reg,
		startTime: time.Now(),

		RequestsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "webhost_requests_total",
				Help: "Custom-scheme requests by terminal outcome",
			},
			[]string{"scheme", "outcome"},
		),
		RequestDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "webhost_request_duration_seconds",
				Help:    "Time from dispatch to terminal outcome",
				Buckets: []float64{.0005, .001, .005, .01, .025, .05, .1, .25, .5, 1, 2.5, 5, 10, 30},
			},
			[]string{"scheme", "kind"},
		),
		PendingRequests: factory.NewGauge(
			prometheus.GaugeOpts{
				Name: "webhost_pending_requests",
				Help: "Deferred requests not yet terminal",
			},
		),
		SurfacesLive: factory.NewGauge(
			prometheus.GaugeOpts{
				Name: "webhost_surfaces_live",
				Help: "Live surfaces",
			},
		),
		Navigations: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "webhost_navigations_total",
				Help: "Navigation and new-window requests by decision",
			},
			[]string{"target", "decision"},
		),
		PageLoads: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "webhost_page_loads_total",
				Help: "Page load events",
			},
			[]string{"event"},
		),
		BridgeMessages: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "webhost_bridge_messages_total",
				Help: "Script messages by result",
			},
			[]string{"result"},
		),
		StaleDeliveries: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "webhost_stale_deliveries_total",
				Help: "Responses or messages discarded for retired surfaces",
			},
			[]string{"kind"},
		),
		LoopQueueDepth: factory.NewGauge(
			prometheus.GaugeOpts{
				Name: "webhost_loop_queue_depth",
				Help: "Tasks waiting on the run loop",
			},
		),
		HTTPRequests: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "webhost_debug_http_requests_total",
				Help: "Debug server HTTP requests",
			},
			[]string{"method", "path", "status"},
		),
		HTTPDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "webhost_debug_http_request_duration_seconds",
				Help:    "Debug server HTTP request duration in seconds",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"method", "path"},
		),
	}

	factory.NewGaugeFunc(
		prometheus.GaugeOpts{
			Name: "webhost_uptime_seconds",
			Help: "Host uptime in seconds",
		},
		func() float64 { return time.Since(m.startTime).Seconds() },
	)

	return m
}

// Registry returns the registry metrics are registered on
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

// Handler returns the Prometheus exposition handler for this registry
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{Registry: m.registry})
}

// RecordRequest records a request reaching its terminal outcome
func (m *Metrics) RecordRequest(scheme, kind, outcome string, duration time.Duration) {
	if m == nil {
		return
	}
	m.RequestsTotal.WithLabelValues(scheme, outcome).Inc()
	m.RequestDuration.WithLabelValues(scheme, kind).Observe(duration.Seconds())

	m.mu.Lock()
	m.snapshot.TotalRequests++
	m.snapshot.TotalDuration += duration.Seconds()
	switch outcome {
	case OutcomeDelivered:
	case OutcomeCancelled:
		m.snapshot.Cancelled++
	default:
		m.snapshot.FailedRequests++
	}
	m.mu.Unlock()
}

// SetPending sets the number of non-terminal deferred requests
func (m *Metrics) SetPending(n int) {
	if m == nil {
		return
	}
	m.PendingRequests.Set(float64(n))
}

// SetSurfacesLive sets the number of live surfaces
func (m *Metrics) SetSurfacesLive(n int) {
	if m == nil {
		return
	}
	m.SurfacesLive.Set(float64(n))
}

// RecordNavigation records a navigation decision. target is "page" or
// "new_window".
func (m *Metrics) RecordNavigation(target, decision string) {
	if m == nil {
		return
	}
	m.Navigations.WithLabelValues(target, decision).Inc()
}

// RecordPageLoad records a page load event
func (m *Metrics) RecordPageLoad(event string) {
	if m == nil {
		return
	}
	m.PageLoads.WithLabelValues(event).Inc()
}

// RecordBridgeMessage records a script message result ("delivered",
// "malformed", "stale", "rate_limited", "panic")
func (m *Metrics) RecordBridgeMessage(result string) {
	if m == nil {
		return
	}
	m.BridgeMessages.WithLabelValues(result).Inc()

	m.mu.Lock()
	if result == "delivered" {
		m.snapshot.BridgeDelivered++
	} else {
		m.snapshot.BridgeDropped++
	}
	m.mu.Unlock()
}

// RecordStale records a discarded delivery ("response", "message")
func (m *Metrics) RecordStale(kind string) {
	if m == nil {
		return
	}
	m.StaleDeliveries.WithLabelValues(kind).Inc()
}

// SetLoopQueueDepth sets the run loop backlog
func (m *Metrics) SetLoopQueueDepth(n int) {
	if m == nil {
		return
	}
	m.LoopQueueDepth.Set(float64(n))
}

// RecordHTTPRequest records a debug server request
func (m *Metrics) RecordHTTPRequest(method, path, status string, duration time.Duration) {
	if m == nil {
		return
	}
	m.HTTPRequests.WithLabelValues(method, path, status).Inc()
	m.HTTPDuration.WithLabelValues(method, path).Observe(duration.Seconds())
}

// Snapshot returns current values for the stats endpoint
func (m *Metrics) Snapshot() MetricsSnapshot {
	if m == nil {
		return MetricsSnapshot{}
	}
	m.mu.RLock()
	s := m.snapshot
	m.mu.RUnlock()
	s.UptimeSeconds = time.Since(m.startTime).Seconds()
	return s
}
