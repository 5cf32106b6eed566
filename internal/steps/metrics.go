package steps

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	stepsExecuted = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "megatest",
		Subsystem: "steps",
		Name:      "executed_total",
		Help:      "Steps executed, by kind.",
	}, []string{"kind"})

	capturesStored = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "megatest",
		Subsystem: "steps",
		Name:      "captures_total",
		Help:      "Capture steps, by outcome.",
	}, []string{"outcome"})
)
