package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// HTTP metrics
	HTTPRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "emberwatch_http_requests_total",
			Help: "Total number of HTTP requests",
		},
		[]string{"method", "endpoint", "status"},
	)

	HTTPRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "emberwatch_http_request_duration_seconds",
			Help:    "HTTP request latency in seconds",
			Buckets: []float64{.001, .005, .01, .025, .05, .1, .25, .5, 1, 2.5, 5, 10},
		},
		[]string{"method", "endpoint", "status"},
	)

	// Ingest metrics
	ReadingsIngestedTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "emberwatch_readings_ingested_total",
			Help: "Total number of readings received by an ingestion boundary",
		},
		[]string{"source", "status"}, // source: http, kafka; status: accepted, rejected
	)

	// Evaluation metrics
	ReadingsEvaluatedTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "emberwatch_readings_evaluated_total",
			Help: "Total number of readings run through alert evaluation",
		},
	)

	EvaluationDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "emberwatch_evaluation_duration_seconds",
			Help:    "Time spent evaluating one reading, excluding notification fan-out",
			Buckets: []float64{.0005, .001, .005, .01, .025, .05, .1, .25, .5, 1},
		},
	)

	AnomalySkippedTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "emberwatch_anomaly_skipped_total",
			Help: "Readings whose anomaly branch did not produce an event",
		},
		[]string{"reason"}, // missing_data, no_rule, storage_error, safe
	)

	ClassifierAssessmentsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "emberwatch_classifier_assessments_total",
			Help: "Risk assessments by path and resulting status",
		},
		[]string{"path", "status"}, // path: model, fallback
	)

	ClassifierReloadsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "emberwatch_classifier_reloads_total",
			Help: "Model file reload attempts",
		},
		[]string{"status"},
	)

	AlertEventsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "emberwatch_alert_events_total",
			Help: "Alert events produced, by source",
		},
		[]string{"source"}, // anomaly, threshold
	)

	AlertEventPersistFailures = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "emberwatch_alert_event_persist_failures_total",
			Help: "Alert events that could not be written to storage",
		},
	)

	StorageErrorsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "emberwatch_storage_errors_total",
			Help: "Storage lookups that failed during evaluation",
		},
		[]string{"operation"},
	)

	// Notification metrics
	GateDecisionsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "emberwatch_gate_decisions_total",
			Help: "Notification gate decisions",
		},
		[]string{"decision"}, // admitted, suppressed, skipped
	)

	DispatchOutcomesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "emberwatch_dispatch_outcomes_total",
			Help: "Per-recipient delivery outcomes",
		},
		[]string{"channel", "status"}, // status: sent, failed
	)

	DispatchInFlight = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "emberwatch_dispatch_in_flight",
			Help: "Notification fan-outs currently running",
		},
	)

	// Worker metrics
	WorkerQueueSize = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "emberwatch_worker_queue_size",
			Help: "Current size of the alert envelope queue",
		},
	)

	WorkerQueueCapacity = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "emberwatch_worker_queue_capacity",
			Help: "Capacity of the alert envelope queue",
		},
	)

	WorkerProcessedTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "emberwatch_worker_processed_total",
			Help: "Total number of alert envelopes published by workers",
		},
	)

	WorkerFailedTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "emberwatch_worker_failed_total",
			Help: "Total number of alert envelopes that failed to publish",
		},
	)

	WorkerDroppedTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "emberwatch_worker_dropped_total",
			Help: "Alert envelopes dropped because the queue was full",
		},
	)

	WorkerBatchPublishDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "emberwatch_worker_batch_publish_duration_seconds",
			Help:    "Time taken to publish a batch to Kafka",
			Buckets: []float64{.01, .025, .05, .1, .25, .5, 1, 2.5, 5},
		},
	)

	// Kafka metrics
	KafkaPublishTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "emberwatch_kafka_publish_total",
			Help: "Total number of messages published to Kafka",
		},
		[]string{"status"}, // status: success, failed
	)

	KafkaPublishDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "emberwatch_kafka_publish_duration_seconds",
			Help:    "Time taken to publish to Kafka",
			Buckets: []float64{.01, .025, .05, .1, .25, .5, 1, 2.5, 5},
		},
	)

	KafkaPublishRetries = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "emberwatch_kafka_publish_retries_total",
			Help: "Total number of Kafka publish retries",
		},
	)

	KafkaBytesWritten = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "emberwatch_kafka_bytes_written_total",
			Help: "Total bytes of alert envelopes written to Kafka",
		},
	)

	KafkaMessagesConsumed = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "emberwatch_kafka_messages_consumed_total",
			Help: "Reading messages consumed from Kafka",
		},
		[]string{"status"}, // ok, invalid, failed
	)

	// Panic recovery
	PanicsRecovered = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "emberwatch_panics_recovered_total",
			Help: "Total number of panics recovered",
		},
		[]string{"component"},
	)
)
