// Package metrics exposes Prometheus instrumentation for the
// reconciliation engine.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	IntentsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "keysync_intents_total",
			Help: "Change intents processed, by kind and outcome status",
		},
		[]string{"kind", "status"},
	)

	SyncPassesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "keysync_sync_passes_total",
			Help: "Full-sync passes, by trigger",
		},
		[]string{"trigger"},
	)

	SyncResourceOutcomes = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "keysync_sync_resource_outcomes_total",
			Help: "Per-resource full-sync outcomes, by status",
		},
		[]string{"status"},
	)

	BackendCallsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "keysync_backend_calls_total",
			Help: "Identity backend mutations issued, by operation",
		},
		[]string{"op"},
	)

	SequenceGapsTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "keysync_sequence_gaps_total",
			Help: "Sequence gaps detected on the event stream",
		},
	)

	DuplicateEventsTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "keysync_duplicate_events_total",
			Help: "Duplicate events acknowledged without producing an intent",
		},
	)

	StreamReconnectsTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "keysync_stream_reconnects_total",
			Help: "Event stream reconnect attempts",
		},
	)

	QueueDepth = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "keysync_queue_depth",
			Help: "Pending intents per resource queue",
		},
		[]string{"resource"},
	)
)

func Register() {
	prometheus.MustRegister(
		IntentsTotal,
		SyncPassesTotal,
		SyncResourceOutcomes,
		BackendCallsTotal,
		SequenceGapsTotal,
		DuplicateEventsTotal,
		StreamReconnectsTotal,
		QueueDepth,
	)
}

// Handler returns the exposition endpoint handler.
func Handler() http.Handler {
	return promhttp.Handler()
}
