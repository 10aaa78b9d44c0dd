package observability

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics collects counters for the push connection, call signaling, and
// the polling fallback. All metrics register with the supplied registerer
// and are served from the /metrics endpoint.
type Metrics struct {
	// ConnectAttempts counts dial attempts by outcome.
	// Labels: outcome (success|failure)
	ConnectAttempts *prometheus.CounterVec

	// Reconnects counts scheduled reconnect attempts.
	Reconnects prometheus.Counter

	// GiveUps counts times the reconnect schedule was exhausted.
	GiveUps prometheus.Counter

	// EventsDispatched counts server-pushed events by name.
	// Labels: event
	EventsDispatched *prometheus.CounterVec

	// Connected is 1 while the push connection is live.
	Connected prometheus.Gauge

	// CallOutcomes counts terminal call states.
	// Labels: direction (outgoing|incoming), outcome (ended|rejected|cancelled|failed)
	CallOutcomes *prometheus.CounterVec

	// SignalingRequests counts signaling REST calls by operation and status.
	// Labels: operation (start|accept|reject|end|token), status (success|error)
	SignalingRequests *prometheus.CounterVec

	// PollTicks counts polling fallback ticks by outcome.
	// Labels: outcome (success|failure)
	PollTicks *prometheus.CounterVec

	// PollAlerts counts user-visible new-item alerts from the fallback.
	PollAlerts prometheus.Counter
}

// NewMetrics creates and registers all metrics with reg. Pass
// prometheus.DefaultRegisterer outside of tests.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)
	return &Metrics{
		ConnectAttempts: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "parley_connect_attempts_total",
				Help: "Push connection dial attempts by outcome",
			},
			[]string{"outcome"},
		),
		Reconnects: factory.NewCounter(
			prometheus.CounterOpts{
				Name: "parley_reconnects_total",
				Help: "Scheduled reconnect attempts",
			},
		),
		GiveUps: factory.NewCounter(
			prometheus.CounterOpts{
				Name: "parley_reconnect_give_ups_total",
				Help: "Times the reconnect schedule was exhausted",
			},
		),
		EventsDispatched: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "parley_events_dispatched_total",
				Help: "Server-pushed events dispatched to handlers",
			},
			[]string{"event"},
		),
		Connected: factory.NewGauge(
			prometheus.GaugeOpts{
				Name: "parley_connected",
				Help: "Whether the push connection is currently live",
			},
		),
		CallOutcomes: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "parley_call_outcomes_total",
				Help: "Terminal call session states by direction",
			},
			[]string{"direction", "outcome"},
		),
		SignalingRequests: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "parley_signaling_requests_total",
				Help: "Call signaling REST requests by operation and status",
			},
			[]string{"operation", "status"},
		),
		PollTicks: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "parley_poll_ticks_total",
				Help: "Polling fallback ticks by outcome",
			},
			[]string{"outcome"},
		),
		PollAlerts: factory.NewCounter(
			prometheus.CounterOpts{
				Name: "parley_poll_alerts_total",
				Help: "User-visible new-item alerts produced by the polling fallback",
			},
		),
	}
}
