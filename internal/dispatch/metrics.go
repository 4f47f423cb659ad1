package dispatch

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	runsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "crmnotify_dispatch_runs_total",
			Help: "Dispatch runs by outcome.",
		},
		[]string{"outcome"},
	)
	runDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "crmnotify_dispatch_run_duration_seconds",
			Help:    "Duration of dispatch runs.",
			Buckets: prometheus.DefBuckets,
		},
	)
	eventsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "crmnotify_dispatch_events_total",
			Help: "Reminder-level events by reminder type, level and outcome.",
		},
		[]string{"type", "level", "outcome"},
	)
)
