package scheduler

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	testsScheduled = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "megatest",
		Subsystem: "scheduler",
		Name:      "tests_total",
		Help:      "Tests accepted for scheduling.",
	})

	jobsEnqueued = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "megatest",
		Subsystem: "scheduler",
		Name:      "jobs_enqueued_total",
		Help:      "Device jobs placed on the queue.",
	})
)
