package workflow

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	activeExecutions = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "analyst_workflow_active_executions",
		Help: "Executions currently running a stage.",
	})

	transitionsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "analyst_workflow_transitions_total",
		Help: "Stage transitions by source and destination stage.",
	}, []string{"from", "to"})

	suspensionsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "analyst_workflow_suspensions_total",
		Help: "Suspensions raised, by stage.",
	}, []string{"stage"})

	stageDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "analyst_workflow_stage_duration_seconds",
		Help:    "Wall-clock duration of stage executions.",
		Buckets: prometheus.ExponentialBuckets(0.05, 2, 12),
	}, []string{"stage"})
)
