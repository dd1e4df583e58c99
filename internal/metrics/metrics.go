// Package metrics holds the Prometheus instruments of the chatbot.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Namespace prefixes every metric name.
const Namespace = "persona"

// Metrics groups the instruments. Each instance owns its registry so
// tests and multiple servers in one process do not collide.
type Metrics struct {
	registry *prometheus.Registry

	Turns         *prometheus.CounterVec
	ToolCalls     *prometheus.CounterVec
	CacheLookups  *prometheus.CounterVec
	EngineCalls   *prometheus.CounterVec
	TurnDuration  prometheus.Histogram
	Notifications *prometheus.CounterVec
}

// New creates the instruments on a fresh registry, along with the Go
// runtime and process collectors.
func New() *Metrics {
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	f := promauto.With(reg)

	return &Metrics{
		registry: reg,
		Turns: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: Namespace,
			Name:      "turns_total",
			Help:      "Conversation turns by outcome.",
		}, []string{"outcome"}),
		ToolCalls: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: Namespace,
			Name:      "tool_calls_total",
			Help:      "Tool invocations by tool and outcome.",
		}, []string{"tool", "outcome"}),
		CacheLookups: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: Namespace,
			Name:      "cache_lookups_total",
			Help:      "Answer cache lookups by result (hit, miss, error).",
		}, []string{"result"}),
		EngineCalls: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: Namespace,
			Name:      "engine_calls_total",
			Help:      "Reasoning engine rounds by outcome.",
		}, []string{"outcome"}),
		TurnDuration: f.NewHistogram(prometheus.HistogramOpts{
			Namespace: Namespace,
			Name:      "turn_duration_seconds",
			Help:      "Wall time of a conversation turn.",
			Buckets:   []float64{0.25, 0.5, 1, 2, 4, 8, 15, 30, 60, 120},
		}),
		Notifications: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: Namespace,
			Name:      "notifications_total",
			Help:      "Owner notifications by channel and outcome.",
		}, []string{"channel", "outcome"}),
	}
}

// Turn records a finished turn.
func (m *Metrics) Turn(outcome string, elapsed time.Duration) {
	m.Turns.WithLabelValues(outcome).Inc()
	m.TurnDuration.Observe(elapsed.Seconds())
}

// ToolCall records one tool invocation.
func (m *Metrics) ToolCall(tool, outcome string) {
	m.ToolCalls.WithLabelValues(tool, outcome).Inc()
}

// CacheLookup records a lookup result.
func (m *Metrics) CacheLookup(result string) {
	m.CacheLookups.WithLabelValues(result).Inc()
}

// EngineCall records one engine round.
func (m *Metrics) EngineCall(outcome string) {
	m.EngineCalls.WithLabelValues(outcome).Inc()
}

// Delivery records a notification delivery attempt outcome.
func (m *Metrics) Delivery(channel, outcome string) {
	m.Notifications.WithLabelValues(channel, outcome).Inc()
}

// Registry exposes the underlying registry.
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

// Handler serves the registry in the Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}
