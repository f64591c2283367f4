package telemetry

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics provides Prometheus metrics for boardwalk and boardwalkd. All
// methods are safe to call on a disabled instance.
type Metrics struct {
	config MetricsConfig

	// Server metrics
	httpRequests    *prometheus.CounterVec
	httpDuration    *prometheus.HistogramVec
	workspaceEvents *prometheus.CounterVec
	mutexRequests   *prometheus.CounterVec
	forcedUnlocks   *prometheus.CounterVec
	broadcasts      *prometheus.CounterVec
	workspaces      prometheus.Gauge

	// Worker metrics
	hostAttempts *prometheus.CounterVec
	hostDuration *prometheus.HistogramVec
	catchWaits   prometheus.Counter

	registry *prometheus.Registry
}

// NewMetrics creates a new metrics collector with its own registry.
func NewMetrics(cfg MetricsConfig) (*Metrics, error) {
	if !cfg.Enabled {
		return &Metrics{config: cfg}, nil
	}

	namespace := cfg.Namespace
	buckets := cfg.DefaultHistogramBuckets
	if len(buckets) == 0 {
		buckets = prometheus.DefBuckets
	}

	registry := prometheus.NewRegistry()

	m := &Metrics{
		config:   cfg,
		registry: registry,

		httpRequests: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "http_requests_total",
				Help:      "Total number of HTTP requests served",
			},
			[]string{"method", "route", "status"},
		),
		httpDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "http_request_duration_seconds",
				Help:      "Duration of HTTP requests in seconds",
				Buckets:   prometheus.DefBuckets,
			},
			[]string{"method", "route"},
		),
		workspaceEvents: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "workspace_events_total",
				Help:      "Workspace events received, by severity",
			},
			[]string{"severity"},
		),
		mutexRequests: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "workspace_mutex_requests_total",
				Help:      "Workspace mutex acquisition attempts, by result",
			},
			[]string{"result"},
		),
		forcedUnlocks: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "workspace_forced_unlocks_total",
				Help:      "Forced workspace unlocks from the UI, by result",
			},
			[]string{"result"},
		),
		broadcasts: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "broadcasts_total",
				Help:      "Broadcast notifications delivered, by result",
			},
			[]string{"result"},
		),
		workspaces: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "workspaces",
				Help:      "Number of workspaces known to the server",
			},
		),

		hostAttempts: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "host_attempts_total",
				Help:      "Host workflow attempts, by outcome",
			},
			[]string{"workspace", "result"},
		),
		hostDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "host_duration_seconds",
				Help:      "Duration of one host workflow attempt in seconds",
				Buckets:   buckets,
			},
			[]string{"workspace"},
		),
		catchWaits: prometheus.NewCounter(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "catch_waits_total",
				Help:      "Times the worker blocked on a caught workspace",
			},
		),
	}

	collectors := []prometheus.Collector{
		m.httpRequests, m.httpDuration, m.workspaceEvents, m.mutexRequests,
		m.forcedUnlocks, m.broadcasts, m.workspaces,
		m.hostAttempts, m.hostDuration, m.catchWaits,
	}
	for _, c := range collectors {
		if err := registry.Register(c); err != nil {
			return nil, err
		}
	}

	return m, nil
}

// RecordHTTPRequest records one served request.
func (m *Metrics) RecordHTTPRequest(method, route, status string, duration time.Duration) {
	if m.httpRequests == nil {
		return
	}
	m.httpRequests.WithLabelValues(method, route, status).Inc()
	m.httpDuration.WithLabelValues(method, route).Observe(duration.Seconds())
}

// RecordWorkspaceEvent counts an event appended to a workspace.
func (m *Metrics) RecordWorkspaceEvent(severity string) {
	if m.workspaceEvents == nil {
		return
	}
	m.workspaceEvents.WithLabelValues(severity).Inc()
}

// RecordMutexRequest counts a mutex acquisition, result is "acquired" or
// "conflict".
func (m *Metrics) RecordMutexRequest(result string) {
	if m.mutexRequests == nil {
		return
	}
	m.mutexRequests.WithLabelValues(result).Inc()
}

// RecordForcedUnlock counts a forced unlock, result is "unlocked" or
// "refused".
func (m *Metrics) RecordForcedUnlock(result string) {
	if m.forcedUnlocks == nil {
		return
	}
	m.forcedUnlocks.WithLabelValues(result).Inc()
}

// RecordBroadcast counts a notifier delivery.
func (m *Metrics) RecordBroadcast(result string) {
	if m.broadcasts == nil {
		return
	}
	m.broadcasts.WithLabelValues(result).Inc()
}

// SetWorkspaces sets the number of known workspaces.
func (m *Metrics) SetWorkspaces(count int) {
	if m.workspaces == nil {
		return
	}
	m.workspaces.Set(float64(count))
}

// RecordHostAttempt records the outcome and duration of one host attempt.
func (m *Metrics) RecordHostAttempt(workspace, result string, duration time.Duration) {
	if m.hostAttempts == nil {
		return
	}
	m.hostAttempts.WithLabelValues(workspace, result).Inc()
	m.hostDuration.WithLabelValues(workspace).Observe(duration.Seconds())
}

// RecordCatchWait counts a blocking wait on a caught workspace.
func (m *Metrics) RecordCatchWait() {
	if m.catchWaits == nil {
		return
	}
	m.catchWaits.Inc()
}

// Registry exposes the underlying registry, mostly for tests.
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

// Handler returns an HTTP handler for the metrics endpoint.
func (m *Metrics) Handler() http.Handler {
	if m.registry == nil {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{
		EnableOpenMetrics: true,
	})
}
