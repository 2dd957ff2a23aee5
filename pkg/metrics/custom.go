package metrics

import "github.com/prometheus/client_golang/prometheus"

var (
	ItemsLostTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "feedpipe",
			Name:      "items_lost_total",
			Help:      "Items dropped because a downstream pipe stayed full or the stage was torn down.",
		},
		[]string{"stage", "reason"}, // reason: capacity/cancel_flush/filtered
	)

	ItemsForwardedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "feedpipe",
			Name:      "items_forwarded_total",
			Help:      "Items enqueued into a downstream pipe.",
		},
		[]string{"stage"},
	)

	SequenceAnomaliesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "feedpipe",
			Name:      "sequence_anomalies_total",
			Help:      "Sequence gaps and regressions observed per feed key.",
		},
		[]string{"key", "kind"}, // kind: gap/regression
	)

	ReconnectsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "feedpipe",
			Name:      "reconnects_total",
			Help:      "Transport reconnects performed by the reconnecting adapter.",
		},
		[]string{"key", "reason"}, // reason: closed/error
	)

	HeartbeatsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "feedpipe",
			Name:      "heartbeats_total",
			Help:      "Heartbeat frames sent on idle streams.",
		},
		[]string{"key"},
	)

	StreamState = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: "feedpipe",
			Name:      "stream_state",
			Help:      "Stream state per feed key (0 closed, 1 opened, 2 subscribed, 3 unsubscribed).",
		},
		[]string{"key"},
	)

	SinkPublishTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "feedpipe",
			Name:      "sink_publish_total",
			Help:      "Events published to a downstream broker, by outcome.",
		},
		[]string{"broker", "result"}, // result: ok/error/rejected
	)
)

// MustRegister registers every collector on the default registry. Call once
// from main; unregistered collectors still count, which keeps tests simple.
func MustRegister() {
	prometheus.MustRegister(
		ItemsLostTotal,
		ItemsForwardedTotal,
		SequenceAnomaliesTotal,
		ReconnectsTotal,
		HeartbeatsTotal,
		StreamState,
		SinkPublishTotal,
	)
}
