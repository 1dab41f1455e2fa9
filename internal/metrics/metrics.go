// Package metrics provides Prometheus instrumentation for the task queue,
// the resilience helpers and the alert engine. Collectors are package-level
// and attached to a registry through Register; Handler serves the scrape
// endpoint.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// TasksSubmitted counts submitted tasks by type and outcome (ok, error).
	TasksSubmitted = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "modelhub_tasks_submitted_total",
			Help: "Total tasks submitted to the queue",
		},
		[]string{"task_type", "outcome"},
	)

	// TasksProcessed counts processed tasks by type and terminal status.
	TasksProcessed = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "modelhub_tasks_processed_total",
			Help: "Total tasks processed by workers",
		},
		[]string{"task_type", "status"},
	)

	// TaskDuration observes handler execution time in seconds by task type.
	TaskDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "modelhub_task_duration_seconds",
			Help:    "Task handler execution time in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"task_type"},
	)

	// WorkersActive tracks running worker loops.
	WorkersActive = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "modelhub_task_workers_active",
			Help: "Number of running task worker loops",
		},
	)

	// BreakerState exposes the current state per breaker (0 closed, 1 half-open, 2 open).
	BreakerState = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "modelhub_circuit_breaker_state",
			Help: "Circuit breaker state (0=closed, 1=half_open, 2=open)",
		},
		[]string{"breaker"},
	)

	// BreakerTransitions counts state transitions per breaker.
	BreakerTransitions = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "modelhub_circuit_breaker_transitions_total",
			Help: "Total circuit breaker state transitions",
		},
		[]string{"breaker", "from", "to"},
	)

	// BreakerRejections counts calls failed fast while a breaker was open.
	BreakerRejections = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "modelhub_circuit_breaker_rejections_total",
			Help: "Total calls rejected by an open circuit breaker",
		},
		[]string{"breaker"},
	)

	// RetryAttempts counts retries (attempts after the first) per policy.
	RetryAttempts = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "modelhub_retry_attempts_total",
			Help: "Total retry attempts after an initial failure",
		},
		[]string{"policy"},
	)

	// MetricSamples counts ingested metric samples by metric name.
	MetricSamples = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "modelhub_metric_samples_total",
			Help: "Total metric samples ingested by the alert engine",
		},
		[]string{"metric"},
	)

	// AlertEvents counts alert events by rule and action (fired, resolved).
	AlertEvents = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "modelhub_alert_events_total",
			Help: "Total alert events fired or resolved",
		},
		[]string{"rule", "level", "action"},
	)

	// AlertsActive tracks currently open alerts.
	AlertsActive = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "modelhub_alerts_active",
			Help: "Number of alert events currently open",
		},
	)
)

// Register attaches all collectors to reg. Collectors already registered on
// reg are ignored so Register may be called more than once.
func Register(reg prometheus.Registerer) error {
	for _, collector := range []prometheus.Collector{
		TasksSubmitted,
		TasksProcessed,
		TaskDuration,
		WorkersActive,
		BreakerState,
		BreakerTransitions,
		BreakerRejections,
		RetryAttempts,
		MetricSamples,
		AlertEvents,
		AlertsActive,
	} {
		if err := reg.Register(collector); err != nil {
			if _, ok := err.(prometheus.AlreadyRegisteredError); ok {
				continue
			}
			return err
		}
	}
	return nil
}

// Handler returns an http.Handler serving the default registry.
func Handler() http.Handler {
	return promhttp.Handler()
}

// ObserveTask records one processed task.
func ObserveTask(taskType, status string, duration time.Duration) {
	TasksProcessed.WithLabelValues(taskType, status).Inc()
	TaskDuration.WithLabelValues(taskType).Observe(duration.Seconds())
}

// BreakerStateValue maps a breaker state name onto the gauge value.
func BreakerStateValue(state string) float64 {
	switch state {
	case "open":
		return 2
	case "half_open":
		return 1
	default:
		return 0
	}
}
