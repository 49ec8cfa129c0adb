package core

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	connectAttemptsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "chat_channel_connect_attempts_total",
			Help: "Total number of real-time channel dial attempts",
		},
		[]string{"result"},
	)

	eventsReceivedTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "chat_channel_events_received_total",
			Help: "Total number of events received on the real-time channel",
		},
		[]string{"type"},
	)

	eventsSentTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "chat_channel_events_sent_total",
			Help: "Total number of events queued on the real-time channel",
		},
		[]string{"type"},
	)

	mergesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "chat_store_merges_total",
			Help: "Total number of conversation store merges by outcome",
		},
		[]string{"outcome"},
	)
)
