// Package metrics exposes the service's Prometheus collectors. Collectors
// register against the default registry; the /metrics route serves them via
// promhttp.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// TasksCreated counts created tasks by type.
	TasksCreated = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "tate",
		Subsystem: "tasks",
		Name:      "created_total",
		Help:      "Number of tasks created, by task type.",
	}, []string{"type"})

	// TaskTransitions counts accepted status transitions by target status.
	TaskTransitions = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "tate",
		Subsystem: "tasks",
		Name:      "transitions_total",
		Help:      "Number of accepted task status transitions, by target status.",
	}, []string{"status"})

	// TaskDurationSeconds observes wall-clock task durations at terminal
	// transition, by task type.
	TaskDurationSeconds = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "tate",
		Subsystem: "tasks",
		Name:      "duration_seconds",
		Help:      "Task execution duration from start to terminal state.",
		Buckets:   prometheus.ExponentialBuckets(1, 2, 12),
	}, []string{"type"})

	// ExecutionAttempts counts supervisor execution attempts by outcome
	// (success, retry, failure).
	ExecutionAttempts = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "tate",
		Subsystem: "supervisor",
		Name:      "attempts_total",
		Help:      "Number of execution attempts, by outcome.",
	}, []string{"outcome"})

	// QueueDepth tracks the number of tasks waiting in the supervisor queue.
	QueueDepth = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: "tate",
		Subsystem: "supervisor",
		Name:      "queue_depth",
		Help:      "Tasks currently buffered in the execution queue.",
	})

	// HubSubscribers tracks the number of live subscriber connections.
	HubSubscribers = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: "tate",
		Subsystem: "hub",
		Name:      "subscribers",
		Help:      "Live subscriber connections across all tasks.",
	})

	// HubDeliveries counts events delivered to subscribers.
	HubDeliveries = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "tate",
		Subsystem: "hub",
		Name:      "deliveries_total",
		Help:      "Task change events delivered to subscribers.",
	})

	// HubDeliveriesDropped counts deliveries that failed and caused the
	// subscriber to be pruned.
	HubDeliveriesDropped = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "tate",
		Subsystem: "hub",
		Name:      "deliveries_dropped_total",
		Help:      "Task change deliveries dropped due to dead connections.",
	})

	// RateLimited counts requests rejected by the rate limiter, by route.
	RateLimited = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "tate",
		Subsystem: "http",
		Name:      "rate_limited_total",
		Help:      "Requests rejected with 429, by route pattern.",
	}, []string{"route"})
)

// Handler returns the HTTP handler serving the default registry.
func Handler() http.Handler {
	return promhttp.Handler()
}
