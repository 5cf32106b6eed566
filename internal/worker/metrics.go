package worker

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	cycles = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "megatest",
		Subsystem: "worker",
		Name:      "cycles_total",
		Help:      "Worker cycles, by outcome.",
	}, []string{"outcome"})

	sessionOpenFailures = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "megatest",
		Subsystem: "worker",
		Name:      "session_open_failures_total",
		Help:      "Remote browser sessions that failed to open.",
	})

	jobDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Namespace: "megatest",
		Subsystem: "worker",
		Name:      "job_duration_seconds",
		Help:      "Wall time of successful device jobs.",
		Buckets:   prometheus.ExponentialBuckets(1, 2, 10),
	})
)
