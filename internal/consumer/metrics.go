package consumer

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	messagesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "tracker",
		Subsystem: "consumer",
		Name:      "messages_total",
		Help:      "Messages processed, by stream and outcome status.",
	}, []string{"stream", "status"})

	deadLetteredTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "tracker",
		Subsystem: "consumer",
		Name:      "dead_lettered_total",
		Help:      "Messages moved to the dead-letter stream.",
	}, []string{"stream"})

	replaysTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "tracker",
		Subsystem: "consumer",
		Name:      "replays_total",
		Help:      "Replay executions of deferred messages.",
	}, []string{"stream"})

	pendingReplays = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: "tracker",
		Subsystem: "consumer",
		Name:      "pending_replays",
		Help:      "Messages currently waiting for a replay slot.",
	}, []string{"stream"})

	reclaimedTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "tracker",
		Subsystem: "consumer",
		Name:      "reclaimed_total",
		Help:      "Pending messages claimed from dead consumers.",
	}, []string{"stream"})
)
