// Package metrics holds the prometheus collectors of the dispatcher
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// Dispatch outcomes partitioned by result (sent, retry, failed, canceled, deferred)
	DispatchOutcomes = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "dispatcher_dispatch_outcomes_total",
			Help: "Number of target dispatch attempts by outcome",
		},
		[]string{"outcome"},
	)

	// Provider calls partitioned by operation and error kind ("ok" on success)
	ProviderRequests = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "dispatcher_provider_requests_total",
			Help: "Number of provider API calls by operation and result",
		},
		[]string{"operation", "result"},
	)

	ProviderLatency = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "dispatcher_provider_request_duration_seconds",
			Help:    "Provider API call latencies in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"operation"},
	)

	// Sender selections by strategy; "none" when no sender was eligible
	SenderSelections = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "dispatcher_sender_selections_total",
			Help: "Number of sender pool selections by strategy and result",
		},
		[]string{"strategy", "result"},
	)

	SenderCooldowns = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "dispatcher_sender_cooldowns_total",
			Help: "Number of sender cooldowns by reason",
		},
		[]string{"reason"},
	)

	TasksProcessed = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "dispatcher_tasks_processed_total",
			Help: "Number of queue tasks handled by kind and result",
		},
		[]string{"kind", "result"},
	)

	TaskDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "dispatcher_task_duration_seconds",
			Help:    "Queue task handler durations in seconds",
			Buckets: []float64{0.05, 0.1, 0.5, 1, 2.5, 5, 10, 30, 60, 120, 240, 300},
		},
		[]string{"kind"},
	)

	TasksInFlight = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "dispatcher_tasks_inflight",
			Help: "Number of queue tasks currently being handled",
		},
	)

	QueueDepth = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "dispatcher_queue_depth",
			Help: "Number of tasks ready or in processing",
		},
	)

	JanitorResets = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "dispatcher_janitor_resets_total",
			Help: "Number of stuck targets returned to queued by the janitor",
		},
	)

	WebhookEvents = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "dispatcher_webhook_events_total",
			Help: "Number of provider webhooks by event type and result",
		},
		[]string{"event", "result"},
	)
)
