package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// Transitions counts runs entering a status
	Transitions = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "maintenance",
		Name:      "run_transitions_total",
		Help:      "Runs entering a status.",
	}, []string{"task", "status"})

	// Ticks counts processed items
	Ticks = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "maintenance",
		Name:      "ticks_total",
		Help:      "Items processed by runs.",
	}, []string{"task"})

	// Executing is the number of runs held by an executor
	Executing = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: "maintenance",
		Name:      "executing_runs",
		Help:      "Runs currently held by an executor.",
	}, []string{"task"})

	// Enqueued counts queue submissions
	Enqueued = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "maintenance",
		Name:      "queue_submissions_total",
		Help:      "Work items submitted to the queue.",
	}, []string{"driver", "result"})
)
