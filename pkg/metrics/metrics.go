package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	BuildInfo = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "netsim_orchestrator_build_info",
			Help: "Build information of the netsim orchestrator",
		},
		[]string{"version", "commit", "date"},
	)

	EventsPublishedTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "netsim_orchestrator_events_published_total",
			Help: "Total number of outbox events published to the broker",
		},
		[]string{"queue", "status"},
	)

	PublishCompensationsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "netsim_orchestrator_publish_compensations_total",
			Help: "Total number of events returned to unpublished after a failed publish",
		},
		[]string{"queue"},
	)

	ProducerBatchDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "netsim_orchestrator_producer_batch_duration_seconds",
			Help:    "Duration of one producer drain cycle",
			Buckets: prometheus.ExponentialBuckets(0.01, 2, 12), // 10ms to ~41s
		},
		[]string{"producer"},
	)

	BackpressureDelay = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "netsim_orchestrator_backpressure_delay_seconds",
			Help: "Delay the backpressure gate last imposed per queue",
		},
		[]string{"queue"},
	)

	QueueDepth = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "netsim_orchestrator_queue_depth",
			Help: "Ready message count last observed per queue",
		},
		[]string{"queue"},
	)

	QueueConsumers = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "netsim_orchestrator_queue_consumers",
			Help: "Consumer count last observed per queue",
		},
		[]string{"queue"},
	)

	MessagesConsumedTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "netsim_orchestrator_messages_consumed_total",
			Help: "Total number of messages consumed",
		},
		[]string{"queue", "status"},
	)

	MessageHandleDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "netsim_orchestrator_message_handle_duration_seconds",
			Help:    "Duration of message handler invocations",
			Buckets: prometheus.ExponentialBuckets(0.01, 2, 14), // 10ms to ~163s
		},
		[]string{"queue"},
	)

	MessageRetriesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "netsim_orchestrator_message_retries_total",
			Help: "Total number of messages republished for retry",
		},
		[]string{"queue"},
	)

	MessagesDeadLetteredTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "netsim_orchestrator_messages_dead_lettered_total",
			Help: "Total number of messages routed to a dead-letter queue",
		},
		[]string{"queue", "reason"},
	)

	ConcurrencyConflictsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "netsim_orchestrator_concurrency_conflicts_total",
			Help: "Total number of optimistic concurrency conflicts on simulation updates",
		},
		[]string{"operation"},
	)

	SimulationsCompletedTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "netsim_orchestrator_simulations_completed_total",
			Help: "Total number of simulations that reached a terminal status",
		},
		[]string{"status"},
	)

	HTTPRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "netsim_orchestrator_http_request_duration_seconds",
			Help:    "Duration of HTTP requests",
			Buckets: prometheus.ExponentialBuckets(0.001, 2, 12), // 1ms to ~4.1s
		},
		[]string{"route", "method", "status"},
	)
)
