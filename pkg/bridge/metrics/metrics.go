// Package metrics holds the Prometheus collectors for live sessions and
// tool dispatch. A nil *Metrics is valid and records nothing.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

type Metrics struct {
	registry           *prometheus.Registry
	Sessions           *prometheus.CounterVec
	ActiveSessions     prometheus.Gauge
	SessionDuration    *prometheus.HistogramVec
	Dispatches         *prometheus.CounterVec
	DispatchDuration   *prometheus.HistogramVec
	OrphanResults      prometheus.Counter
	ProtocolViolations *prometheus.CounterVec
	MediaChunks        *prometheus.CounterVec
	AuditDropped       prometheus.Counter
}

func New() *Metrics {
	reg := prometheus.NewRegistry()

	sessions := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "vai_home_sessions_total",
		Help: "Live sessions by terminal state",
	}, []string{"state"})

	active := prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "vai_home_active_sessions",
		Help: "Live sessions currently active",
	})

	sessionDur := prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "vai_home_session_duration_seconds",
		Help:    "Live session duration in seconds",
		Buckets: []float64{1, 5, 15, 30, 60, 120, 300, 600, 1800},
	}, []string{"state"})

	dispatches := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "vai_home_tool_dispatches_total",
		Help: "Tool dispatches by route and outcome",
	}, []string{"route", "outcome"})

	dispatchDur := prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "vai_home_tool_dispatch_duration_seconds",
		Help:    "Tool dispatch latency in seconds",
		Buckets: prometheus.DefBuckets,
	}, []string{"route"})

	orphans := prometheus.NewCounter(prometheus.CounterOpts{
		Name: "vai_home_orphan_tool_results_total",
		Help: "Tool results discarded because the call was no longer pending",
	})

	violations := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "vai_home_protocol_violations_total",
		Help: "Inbound messages rejected by the codec",
	}, []string{"code"})

	media := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "vai_home_media_chunks_total",
		Help: "Media chunks sent to the AI backend by kind",
	}, []string{"kind"})

	auditDropped := prometheus.NewCounter(prometheus.CounterOpts{
		Name: "vai_home_audit_entries_dropped_total",
		Help: "Audit entries not delivered on the audit channel because it was full",
	})

	reg.MustRegister(sessions, active, sessionDur, dispatches, dispatchDur, orphans, violations, media, auditDropped)

	return &Metrics{
		registry:           reg,
		Sessions:           sessions,
		ActiveSessions:     active,
		SessionDuration:    sessionDur,
		Dispatches:         dispatches,
		DispatchDuration:   dispatchDur,
		OrphanResults:      orphans,
		ProtocolViolations: violations,
		MediaChunks:        media,
		AuditDropped:       auditDropped,
	}
}

// Registry returns the underlying Prometheus registry.
func (m *Metrics) Registry() *prometheus.Registry {
	if m == nil {
		return nil
	}
	return m.registry
}

// Handler serves the registry in the Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	if m == nil {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

func (m *Metrics) SessionStarted() {
	if m == nil {
		return
	}
	m.ActiveSessions.Inc()
}

// SessionEnded records a session that reached a terminal state. wasActive
// reports whether SessionStarted was called for it.
func (m *Metrics) SessionEnded(state string, wasActive bool, duration time.Duration) {
	if m == nil {
		return
	}
	if state == "" {
		state = "unknown"
	}
	if wasActive {
		m.ActiveSessions.Dec()
	}
	m.Sessions.WithLabelValues(state).Inc()
	m.SessionDuration.WithLabelValues(state).Observe(duration.Seconds())
}

func (m *Metrics) RecordDispatch(route, outcome string, duration time.Duration) {
	if m == nil {
		return
	}
	if route == "" {
		route = "unknown"
	}
	if outcome == "" {
		outcome = "unknown"
	}
	m.Dispatches.WithLabelValues(route, outcome).Inc()
	m.DispatchDuration.WithLabelValues(route).Observe(duration.Seconds())
}

func (m *Metrics) RecordOrphanResult() {
	if m == nil {
		return
	}
	m.OrphanResults.Inc()
}

func (m *Metrics) RecordProtocolViolation(code string) {
	if m == nil {
		return
	}
	if code == "" {
		code = "unknown"
	}
	m.ProtocolViolations.WithLabelValues(code).Inc()
}

func (m *Metrics) RecordMediaChunk(kind string) {
	if m == nil {
		return
	}
	m.MediaChunks.WithLabelValues(kind).Inc()
}

func (m *Metrics) RecordAuditDrop() {
	if m == nil {
		return
	}
	m.AuditDropped.Inc()
}
