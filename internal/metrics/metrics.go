// Package metrics provides Prometheus instrumentation for the escrow client.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// EventsPublished counts events published to relays by result.
	EventsPublished = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "escrow",
			Name:      "relay_events_published_total",
			Help:      "Total events published to relays by result.",
		},
		[]string{"result"},
	)

	// EventsReceived counts direct-message events accepted from relays.
	EventsReceived = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: "escrow",
			Name:      "relay_events_received_total",
			Help:      "Total direct-message events accepted from relays.",
		},
	)

	// ReceiveTimeouts counts receive waits that expired without a match.
	ReceiveTimeouts = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: "escrow",
			Name:      "relay_receive_timeouts_total",
			Help:      "Total receive waits that expired without a matching message.",
		},
	)

	// PhaseTransitions counts protocol phase transitions by phase and result.
	PhaseTransitions = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "escrow",
			Name:      "phase_transitions_total",
			Help:      "Total protocol phase transitions by phase and result.",
		},
		[]string{"phase", "result"},
	)

	// ReceiveDuration observes how long receive waits block.
	ReceiveDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Namespace: "escrow",
			Name:      "relay_receive_duration_seconds",
			Help:      "Time spent waiting for a matching relay message.",
			Buckets:   prometheus.DefBuckets,
		},
	)

	// TradesMatched counts contract pairs matched by the coordinator.
	TradesMatched = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: "escrow",
			Name:      "coordinator_trades_matched_total",
			Help:      "Total contract pairs matched into an escrow.",
		},
	)

	// SubmissionsRejected counts contract submissions the coordinator dropped.
	SubmissionsRejected = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "escrow",
			Name:      "coordinator_submissions_rejected_total",
			Help:      "Total contract submissions rejected by reason.",
		},
		[]string{"reason"},
	)

	// ConnectedRelays tracks currently connected relays.
	ConnectedRelays = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: "escrow",
			Name:      "connected_relays",
			Help:      "Number of currently connected relays.",
		},
	)
)

func init() {
	prometheus.MustRegister(
		EventsPublished,
		EventsReceived,
		ReceiveTimeouts,
		PhaseTransitions,
		TradesMatched,
		SubmissionsRejected,
		ReceiveDuration,
		ConnectedRelays,
	)
}

// Handler returns the HTTP handler serving the metrics endpoint.
func Handler() http.Handler {
	return promhttp.Handler()
}
