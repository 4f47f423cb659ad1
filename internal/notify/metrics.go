package notify

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	channelSendTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "crmnotify_channel_send_total",
			Help: "Total channel send attempts by channel and status.",
		},
		[]string{"channel", "status"},
	)
	channelSendDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "crmnotify_channel_send_duration_seconds",
			Help:    "Duration of channel sends.",
			Buckets: []float64{0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10},
		},
		[]string{"channel", "status"},
	)
)
