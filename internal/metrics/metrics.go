package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	Events = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "funnel_events_total",
			Help: "Inbound events by kind and result",
		},
		[]string{"kind", "result"},
	)

	EventLatency = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "funnel_event_duration_seconds",
			Help:    "Time to process one inbound event",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"kind"},
	)

	Transitions = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "funnel_transitions_total",
			Help: "Step transitions applied",
		},
	)

	StateConflicts = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "funnel_state_conflicts_total",
			Help: "Optimistic state writes that lost a race",
		},
	)

	Malformed = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "funnel_malformed_total",
			Help: "Advances aborted by the transition budget",
		},
		[]string{"funnel_id"},
	)

	Actions = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "funnel_actions_total",
			Help: "Step actions by type and status",
		},
		[]string{"type", "status"},
	)

	BroadcastSends = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "broadcast_sends_total",
			Help: "Broadcast sends by outcome",
		},
		[]string{"status"},
	)

	Jobs = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "funnel_jobs_total",
			Help: "Deferred jobs by kind and outcome",
		},
		[]string{"kind", "result"},
	)
)
