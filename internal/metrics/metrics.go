package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	CyclesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "tracker_cycles_total",
			Help: "Poll cycles per source by outcome (changed, unchanged, failed)",
		},
		[]string{"source", "outcome"},
	)

	CycleDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "tracker_cycle_duration_seconds",
			Help:    "Duration of a poll cycle including fetch",
			Buckets: prometheus.ExponentialBuckets(0.05, 2, 10),
		},
		[]string{"source"},
	)

	NotificationsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "tracker_notifications_total",
			Help: "Notification deliveries by decision kind and result",
		},
		[]string{"source", "kind", "result"},
	)

	TrackedRank = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "tracker_rank_in_target_priority",
			Help: "Last committed rank of the tracked applicant, 0 when not found",
		},
		[]string{"source"},
	)
)
