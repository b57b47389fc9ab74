// Package metrics holds the Prometheus collectors shared across the service.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const namespace = "leaveratings"

var (
	// WebhookEventsTotal counts Stripe webhook deliveries by event type and result.
	WebhookEventsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "billing",
		Name:      "webhook_events_total",
		Help:      "Stripe webhook deliveries by event type and result.",
	}, []string{"event_type", "result"})

	// WebhookDuration tracks webhook processing latency.
	WebhookDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: namespace,
		Subsystem: "billing",
		Name:      "webhook_duration_seconds",
		Help:      "Stripe webhook processing duration in seconds.",
		Buckets:   prometheus.DefBuckets,
	}, []string{"event_type"})

	// GateDecisions counts entitlement gate outcomes.
	GateDecisions = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "usage",
		Name:      "gate_decisions_total",
		Help:      "Entitlement gate decisions (allowed, unlimited, denied, bypass, fail_open).",
	}, []string{"decision"})

	// RecorderFailures counts failed steps of the background action recorder.
	RecorderFailures = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "usage",
		Name:      "recorder_failures_total",
		Help:      "Failed action recorder steps by step name.",
	}, []string{"step"})

	// TaskResults counts background task completions.
	TaskResults = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "tasks",
		Name:      "results_total",
		Help:      "Background task results by task name and outcome.",
	}, []string{"task", "outcome"})

	// TasksInFlight tracks running background tasks.
	TasksInFlight = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace,
		Subsystem: "tasks",
		Name:      "in_flight",
		Help:      "Background tasks currently running.",
	})

	// JobEvents counts durable job lifecycle events.
	JobEvents = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "jobs",
		Name:      "events_total",
		Help:      "Durable job lifecycle events by job type and event.",
	}, []string{"job_type", "event"})

	// JobDuration tracks durable job handler latency.
	JobDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: namespace,
		Subsystem: "jobs",
		Name:      "duration_seconds",
		Help:      "Durable job handler duration in seconds.",
		Buckets:   prometheus.DefBuckets,
	}, []string{"job_type"})

	// HTTPRequests counts HTTP requests by route pattern and status.
	HTTPRequests = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "http",
		Name:      "requests_total",
		Help:      "HTTP requests by method, route and status.",
	}, []string{"method", "route", "status"})

	// HTTPDuration tracks HTTP request latency.
	HTTPDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: namespace,
		Subsystem: "http",
		Name:      "request_duration_seconds",
		Help:      "HTTP request duration in seconds.",
		Buckets:   prometheus.DefBuckets,
	}, []string{"method", "route"})

	// ReviewsGenerated counts review generation attempts by outcome.
	ReviewsGenerated = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "reviews",
		Name:      "generated_total",
		Help:      "Review generation attempts by outcome (generated, empty, limit_reached).",
	}, []string{"outcome"})
)
