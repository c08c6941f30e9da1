// Package metrics provides Prometheus metrics for the chat client.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds all Prometheus metrics for the client. A nil *Metrics is valid
// and records nothing, so components can be built without a collector.
type Metrics struct {
	MessagesSent      *prometheus.CounterVec
	SendDuration      prometheus.Histogram
	FetchesTotal      *prometheus.CounterVec
	StaleDiscarded    *prometheus.CounterVec
	DuplicatesDropped *prometheus.CounterVec
	ReconnectAttempts prometheus.Counter
	ChannelState      *prometheus.GaugeVec
	ErrorsTotal       *prometheus.CounterVec

	registry *prometheus.Registry
}

// ChannelStates lists every value the channel_state gauge is labelled with.
var ChannelStates = []string{"idle", "connecting", "connected", "degraded", "failed", "auth_required", "closed"}

// New creates and registers all metrics.
func New() *Metrics {
	reg := prometheus.NewRegistry()

	m := &Metrics{
		MessagesSent: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "chat_messages_sent_total",
				Help: "Outgoing messages by outcome (confirmed, failed, rejected).",
			},
			[]string{"outcome"},
		),
		SendDuration: prometheus.NewHistogram(
			prometheus.HistogramOpts{
				Name:    "chat_send_duration_seconds",
				Help:    "Time from optimistic insert to server reconciliation.",
				Buckets: prometheus.DefBuckets,
			},
		),
		FetchesTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "chat_fetches_total",
				Help: "REST fetches by kind (contacts, history, poll) and outcome.",
			},
			[]string{"kind", "outcome"},
		),
		StaleDiscarded: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "chat_stale_responses_discarded_total",
				Help: "Responses dropped because the partner selection changed in flight.",
			},
			[]string{"kind"},
		),
		DuplicatesDropped: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "chat_duplicate_messages_dropped_total",
				Help: "Messages ignored because their confirmed id was already in the transcript.",
			},
			[]string{"source"},
		),
		ReconnectAttempts: prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "chat_channel_reconnect_attempts_total",
				Help: "Failed channel dial attempts that were retried.",
			},
		),
		ChannelState: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "chat_channel_state",
				Help: "1 for the current channel state, 0 for the others.",
			},
			[]string{"state"},
		),
		ErrorsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "chat_errors_total",
				Help: "Errors surfaced to the user by kind.",
			},
			[]string{"kind"},
		),
		registry: reg,
	}

	reg.MustRegister(m.MessagesSent)
	reg.MustRegister(m.SendDuration)
	reg.MustRegister(m.FetchesTotal)
	reg.MustRegister(m.StaleDiscarded)
	reg.MustRegister(m.DuplicatesDropped)
	reg.MustRegister(m.ReconnectAttempts)
	reg.MustRegister(m.ChannelState)
	reg.MustRegister(m.ErrorsTotal)

	return m
}

// Handler returns an http.Handler for the /metrics endpoint.
func (m *Metrics) Handler() http.Handler {
	if m == nil {
		return promhttp.HandlerFor(prometheus.NewRegistry(), promhttp.HandlerOpts{})
	}
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// RecordSend counts a finished send and its latency.
func (m *Metrics) RecordSend(outcome string, seconds float64) {
	if m == nil {
		return
	}
	m.MessagesSent.WithLabelValues(outcome).Inc()
	if seconds > 0 {
		m.SendDuration.Observe(seconds)
	}
}

// RecordFetch counts a REST fetch.
func (m *Metrics) RecordFetch(kind, outcome string) {
	if m == nil {
		return
	}
	m.FetchesTotal.WithLabelValues(kind, outcome).Inc()
}

// RecordStale counts a discarded late response.
func (m *Metrics) RecordStale(kind string) {
	if m == nil {
		return
	}
	m.StaleDiscarded.WithLabelValues(kind).Inc()
}

// RecordDuplicate counts a message dropped by the idempotent merge.
func (m *Metrics) RecordDuplicate(source string) {
	if m == nil {
		return
	}
	m.DuplicatesDropped.WithLabelValues(source).Inc()
}

// RecordReconnectAttempt counts a retried dial.
func (m *Metrics) RecordReconnectAttempt() {
	if m == nil {
		return
	}
	m.ReconnectAttempts.Inc()
}

// RecordError counts a surfaced error.
func (m *Metrics) RecordError(kind string) {
	if m == nil {
		return
	}
	m.ErrorsTotal.WithLabelValues(kind).Inc()
}

// SetChannelState flips the state gauge to state.
func (m *Metrics) SetChannelState(state string) {
	if m == nil {
		return
	}
	for _, s := range ChannelStates {
		v := 0.0
		if s == state {
			v = 1
		}
		m.ChannelState.WithLabelValues(s).Set(v)
	}
}
