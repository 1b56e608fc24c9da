package scheduler

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	liveWorkers = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "pbt_scheduler_live_workers",
		Help: "Worker loops still running per backend",
	}, []string{"backend"})

	queueDepth = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "pbt_scheduler_queue_depth",
		Help: "Pending generation requests per request class",
	}, []string{"class"})

	completionsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "pbt_scheduler_completions_total",
		Help: "Completion calls that succeeded per backend",
	}, []string{"backend"})

	callFailuresTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "pbt_scheduler_call_failures_total",
		Help: "Completion calls that failed per backend",
	}, []string{"backend"})

	callSeconds = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "pbt_scheduler_call_seconds",
		Help:    "Completion call latency per backend",
		Buckets: prometheus.ExponentialBuckets(0.5, 2, 10),
	}, []string{"backend"})
)
