package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	ChannelsActive = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "mesh_channels_active",
		Help: "Number of channels currently registered.",
	})
	SessionsActive = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "mesh_sessions_active",
		Help: "Number of live sessions across all channels.",
	})
	SendsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "mesh_sends_total",
		Help: "Total events accepted by send, by event type and storage tier.",
	}, []string{"type", "tier"})
	ReceiveDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "mesh_receive_duration_seconds",
		Help:    "Duration of receive calls including long-poll waits.",
		Buckets: []float64{.005, .05, .5, 1, 5, 10, 20, 40, 60},
	})
	LongPollOutcomes = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "mesh_long_poll_outcomes_total",
		Help: "Long-poll receive outcomes: delivered, empty, cancelled.",
	}, []string{"outcome"})
	SessionsReaped = promauto.NewCounter(prometheus.CounterOpts{
		Name: "mesh_sessions_reaped_total",
		Help: "Total sessions removed by the idle reaper.",
	})
	EphemeralsSwept = promauto.NewCounter(prometheus.CounterOpts{
		Name: "mesh_ephemerals_swept_total",
		Help: "Total ephemeral cache entries removed by the TTL sweep.",
	})
	DurableEventsPruned = promauto.NewCounter(prometheus.CounterOpts{
		Name: "mesh_durable_events_pruned_total",
		Help: "Total durable events removed by retention pruning.",
	})
	SendErrors = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "mesh_send_errors_total",
		Help: "Send failures by error kind.",
	}, []string{"kind"})
)
