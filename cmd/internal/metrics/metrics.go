// Package metrics exposes linkd's Prometheus collectors.
package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"linkd/cmd/internal/command"
)

const namespace = "linkd"

// Metrics owns a private registry. The zero value is not usable; a nil
// *Metrics is a valid no-op sink.
type Metrics struct {
	reg *prometheus.Registry

	commands      *prometheus.CounterVec
	outboxDropped prometheus.Counter
	sessions      *prometheus.GaugeVec
	reconnects    prometheus.Counter
	terminations  *prometheus.CounterVec
	codesIssued   *prometheus.CounterVec
	codeFailures  *prometheus.CounterVec
	httpRequests  *prometheus.CounterVec
	httpDuration  *prometheus.HistogramVec
}

// New registers every collector, plus the Go and process collectors, on a
// fresh registry.
func New() *Metrics {
	m := &Metrics{
		reg: prometheus.NewRegistry(),
		commands: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "command",
			Name:      "dispatch_total",
			Help:      "Inbound messages routed, by command and outcome.",
		}, []string{"command", "outcome"}),
		outboxDropped: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "command",
			Name:      "outbox_dropped_total",
			Help:      "Outbound jobs dropped because a session outbox was full.",
		}),
		sessions: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "session",
			Name:      "state",
			Help:      "Sessions per connection state.",
		}, []string{"state"}),
		reconnects: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "session",
			Name:      "reconnects_scheduled_total",
			Help:      "Reconnect attempts scheduled after a transient close.",
		}),
		terminations: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "session",
			Name:      "terminated_total",
			Help:      "Sessions that reached the terminated state, by cause.",
		}, []string{"cause"}),
		codesIssued: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "pairing",
			Name:      "codes_total",
			Help:      "Linking codes recorded, by kind.",
		}, []string{"kind"}),
		codeFailures: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "pairing",
			Name:      "failures_total",
			Help:      "Pairing code issuance failures, by reason.",
		}, []string{"reason"}),
		httpRequests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "http",
			Name:      "requests_total",
			Help:      "Total admin HTTP requests.",
		}, []string{"method", "route", "status"}),
		httpDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "http",
			Name:      "request_duration_seconds",
			Help:      "Admin HTTP request duration in seconds.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"method", "route", "status"}),
	}
	m.reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		m.commands, m.outboxDropped,
		m.sessions, m.reconnects, m.terminations,
		m.codesIssued, m.codeFailures,
		m.httpRequests, m.httpDuration,
	)
	return m
}

// Handler serves the registry in the Prometheus text format.
func (m *Metrics) Handler() http.Handler {
	if m == nil {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(m.reg, promhttp.HandlerOpts{Registry: m.reg})
}

// Registry returns the underlying registry.
func (m *Metrics) Registry() *prometheus.Registry {
	if m == nil {
		return nil
	}
	return m.reg
}

// CommandDispatched implements command.Observer.
func (m *Metrics) CommandDispatched(_ string, cmd string, outcome command.Outcome) {
	if m == nil {
		return
	}
	m.commands.WithLabelValues(cmd, string(outcome)).Inc()
}

// OutboxDropped implements command.Observer.
func (m *Metrics) OutboxDropped(string) {
	if m == nil {
		return
	}
	m.outboxDropped.Inc()
}

// SessionTransition moves one session from one state gauge to another. An
// empty from only increments; an empty to only decrements.
func (m *Metrics) SessionTransition(from, to string) {
	if m == nil || from == to {
		return
	}
	if from != "" {
		m.sessions.WithLabelValues(from).Dec()
	}
	if to != "" {
		m.sessions.WithLabelValues(to).Inc()
	}
}

func (m *Metrics) ReconnectScheduled() {
	if m == nil {
		return
	}
	m.reconnects.Inc()
}

func (m *Metrics) SessionTerminated(cause string) {
	if m == nil {
		return
	}
	m.terminations.WithLabelValues(cause).Inc()
}

func (m *Metrics) CodeRecorded(kind string) {
	if m == nil {
		return
	}
	m.codesIssued.WithLabelValues(kind).Inc()
}

func (m *Metrics) CodeFailed(reason string) {
	if m == nil {
		return
	}
	m.codeFailures.WithLabelValues(reason).Inc()
}

// RecordHTTPRequest records one admin API request. route is the mux
// pattern, never the raw path.
func (m *Metrics) RecordHTTPRequest(method, route string, status int, d time.Duration) {
	if m == nil {
		return
	}
	s := strconv.Itoa(status)
	m.httpRequests.WithLabelValues(method, route, s).Inc()
	m.httpDuration.WithLabelValues(method, route, s).Observe(d.Seconds())
}

var _ command.Observer = (*Metrics)(nil)
