package app

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	approvalOutcomesCounter = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "approval",
			Name:      "approve_outcomes_total",
			Help:      "Approve calls by outcome.",
		},
		[]string{"outcome"}, // e.g. "approved", "idempotent", "conflict", "transmission_failed", ...
	)

	rejectOutcomesCounter = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "approval",
			Name:      "reject_outcomes_total",
			Help:      "Reject calls by outcome.",
		},
		[]string{"outcome"},
	)

	channelSendDurationHist = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "approval",
			Name:      "channel_send_duration_seconds",
			Help:      "Duration of channel adapter send calls.",
			Buckets:   prometheus.DefBuckets,
		},
		[]string{"adapter", "result"},
	)

	deliveredButUnpersistedCounter = promauto.NewCounter(
		prometheus.CounterOpts{
			Namespace: "approval",
			Name:      "delivered_but_unpersisted_total",
			Help:      "Messages delivered by the channel whose delivery marker could not be saved.",
		},
	)

	eventsPublishFailedCounter = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "approval",
			Name:      "event_publish_failures_total",
			Help:      "Decision events that could not be published.",
		},
		[]string{"subject"},
	)
)
