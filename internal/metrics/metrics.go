// Package metrics exposes Prometheus collectors for parley.
package metrics

import (
	"context"
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/soyeahso/parley/internal/domain"
	"github.com/soyeahso/parley/internal/hooks"
)

const namespace = "parley"

// Metrics holds parley's collectors on a private registry.
type Metrics struct {
	reg *prometheus.Registry

	Messages        *prometheus.CounterVec
	Reactions       *prometheus.CounterVec
	CallTransitions *prometheus.CounterVec
	EmitFailures    *prometheus.CounterVec
	Requests        *prometheus.CounterVec
	HTTPDuration    *prometheus.HistogramVec
	Presence        *prometheus.CounterVec
}

// New creates the collectors and registers them, along with the Go runtime
// and process collectors.
func New() *Metrics {
	m := &Metrics{
		reg: prometheus.NewRegistry(),
		Messages: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "messages_total",
			Help:      "Messages stored, by message type.",
		}, []string{"type"}),
		Reactions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "reactions_total",
			Help:      "Reaction updates, by operation.",
		}, []string{"op"}),
		CallTransitions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "call_transitions_total",
			Help:      "Persisted call session transitions, by status and end reason.",
		}, []string{"status", "reason"}),
		EmitFailures: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "emit_failures_total",
			Help:      "Events that could not be queued to a connection.",
		}, []string{"event"}),
		Requests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "ws_requests_total",
			Help:      "WebSocket requests handled, by method and result code.",
		}, []string{"method", "code"}),
		HTTPDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "http_request_duration_seconds",
			Help:      "REST request latency.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"route", "status"}),
		Presence: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "presence_changes_total",
			Help:      "Users going online or offline.",
		}, []string{"state"}),
	}

	m.reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		m.Messages, m.Reactions, m.CallTransitions, m.EmitFailures,
		m.Requests, m.HTTPDuration, m.Presence,
	)
	return m
}

// Registry returns the underlying registry.
func (m *Metrics) Registry() *prometheus.Registry {
	return m.reg
}

// Handler serves the registry in the Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.reg, promhttp.HandlerOpts{Registry: m.reg})
}

// GaugeFunc registers a gauge whose value is read from fn at scrape time.
func (m *Metrics) GaugeFunc(name, help string, fn func() float64) {
	m.reg.MustRegister(prometheus.NewGaugeFunc(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      name,
		Help:      help,
	}, fn))
}

// EmitFailed counts an event that failed to reach a connection.
func (m *Metrics) EmitFailed(event string, _ error) {
	m.EmitFailures.WithLabelValues(event).Inc()
}

// Subscribe counts lifecycle events published on the hook manager.
func (m *Metrics) Subscribe(h *hooks.Manager) {
	h.On(hooks.EventMessageCreated, "metrics", func(_ context.Context, p hooks.Payload) error {
		typ := "unknown"
		if msg, ok := p.Subject.(domain.Message); ok {
			typ = string(msg.Type)
		}
		m.Messages.WithLabelValues(typ).Inc()
		return nil
	})
	h.On(hooks.EventReactionUpdated, "metrics", func(_ context.Context, p hooks.Payload) error {
		m.Reactions.WithLabelValues(p.Str("op")).Inc()
		return nil
	})
	h.On(hooks.EventCallStatus, "metrics", func(_ context.Context, p hooks.Payload) error {
		if s, ok := p.Subject.(domain.CallSession); ok {
			m.CallTransitions.WithLabelValues(string(s.Status), string(s.EndReason)).Inc()
		}
		return nil
	})
	h.On(hooks.EventUserOnline, "metrics", func(_ context.Context, _ hooks.Payload) error {
		m.Presence.WithLabelValues("online").Inc()
		return nil
	})
	h.On(hooks.EventUserOffline, "metrics", func(_ context.Context, _ hooks.Payload) error {
		m.Presence.WithLabelValues("offline").Inc()
		return nil
	})
}
