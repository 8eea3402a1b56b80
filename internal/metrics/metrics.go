// Package metrics exposes the server's Prometheus collectors. Repeated
// storage errors and scheduling activity are observable here without
// touching the engine.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	TasksAdded = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "stq",
		Name:      "tasks_added_total",
		Help:      "Number of tasks accepted by the server.",
	})

	TasksDeleted = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "stq",
		Name:      "tasks_deleted_total",
		Help:      "Number of tasks deleted.",
	})

	TasksExhausted = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "stq",
		Name:      "tasks_exhausted_total",
		Help:      "Number of tasks moved to Done after running out of attempts.",
	})

	AttemptsStarted = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "stq",
		Name:      "attempts_started_total",
		Help:      "Number of attempts handed to runners.",
	})

	AttemptsCompleted = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "stq",
		Name:      "attempts_completed_total",
		Help:      "Number of attempts reported completed.",
	})

	AttemptsFailed = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "stq",
		Name:      "attempts_failed_total",
		Help:      "Number of attempts reported failed.",
	})

	EmptyPolls = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "stq",
		Name:      "empty_polls_total",
		Help:      "Number of runner polls that found no work.",
	})

	StorageErrors = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "stq",
		Name:      "storage_errors_total",
		Help:      "Number of operations that failed at the store.",
	})
)
