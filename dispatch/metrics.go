package dispatch

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	workersStarted = promauto.NewCounter(prometheus.CounterOpts{
		Name: "analyst_dispatch_workers_started_total",
		Help: "Worker invocations started across all dispatch batches.",
	})

	rejections = promauto.NewCounter(prometheus.CounterOpts{
		Name: "analyst_dispatch_rejections_total",
		Help: "Task results rejected by a reviewer or failed worker.",
	})

	forcedAccepts = promauto.NewCounter(prometheus.CounterOpts{
		Name: "analyst_dispatch_forced_accepts_total",
		Help: "Tasks force-accepted after exhausting the retry bound.",
	})
)
