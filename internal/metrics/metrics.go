// Trustgate - Behavioral Trust Scoring and Anomaly Flagging
// Copyright 2026 K. Rellis (krellis)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/krellis/trustgate

package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Prometheus instrumentation for the trust pipeline:
// - Event ingestion and deduplication
// - Pattern detector runs and anomaly candidates
// - Score recomputation
// - Flag transitions and hysteresis holds
// - Notification delivery, retries, and the DLQ
// - Database query performance (DuckDB)

var (
	// Ingestion Metrics
	EventsIngested = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "events_ingested_total",
			Help: "Total number of activity events accepted for processing",
		},
		[]string{"event_type"},
	)

	EventsDeduplicated = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "events_deduplicated_total",
			Help: "Total number of events dropped as duplicate retries",
		},
	)

	EventsRejected = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "events_rejected_total",
			Help: "Total number of events rejected at ingress",
		},
		[]string{"reason"}, // "validation", "auth", "rate_limit"
	)

	IngestDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "ingest_pipeline_duration_seconds",
			Help:    "End-to-end duration of the per-event pipeline (store, detect, score, flag)",
			Buckets: prometheus.DefBuckets,
		},
	)

	// Detector Metrics
	DetectorRuns = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "detector_runs_total",
			Help: "Total number of detector invocations",
		},
		[]string{"pattern", "result"}, // result: "clean", "anomaly", "error"
	)

	DetectorDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "detector_duration_seconds",
			Help:    "Duration of individual detector runs in seconds",
			Buckets: []float64{0.0005, 0.001, 0.005, 0.01, 0.05, 0.1, 0.5, 1},
		},
		[]string{"pattern"},
	)

	AnomaliesDetected = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "anomalies_detected_total",
			Help: "Total number of anomaly candidates recorded",
		},
		[]string{"pattern", "severity"},
	)

	AnomaliesResolved = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "anomalies_resolved_total",
			Help: "Total number of anomaly candidates resolved",
		},
		[]string{"pattern", "resolved_by"}, // resolved_by: "operator", "expiry"
	)

	AnomaliesActive = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "anomalies_active",
			Help: "Current number of unresolved anomaly candidates",
		},
	)

	// Scoring Metrics
	ScoreRecomputations = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "score_recomputations_total",
			Help: "Total number of trust score recomputations",
		},
		[]string{"trigger"}, // "event", "resolution", "decay", "manual"
	)

	ScoreRecomputeDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "score_recompute_duration_seconds",
			Help:    "Duration of single-user score recomputation in seconds",
			Buckets: []float64{0.0005, 0.001, 0.005, 0.01, 0.05, 0.1, 0.5, 1},
		},
	)

	ScoreDistribution = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "trust_score_distribution",
			Help:    "Distribution of trust scores at recompute time",
			Buckets: []float64{10, 20, 30, 40, 50, 60, 70, 80, 90, 100},
		},
	)

	// Flag Metrics
	FlagTransitions = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "flag_transitions_total",
			Help: "Total number of flag color transitions",
		},
		[]string{"from", "to"},
	)

	FlagHysteresisHolds = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "flag_hysteresis_holds_total",
			Help: "Total number of flag improvements deferred by the cooldown",
		},
	)

	UsersByFlag = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "users_by_flag",
			Help: "Current number of users per flag color",
		},
		[]string{"color"},
	)

	// Delivery Metrics
	DeliveriesAttempted = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "deliveries_attempted_total",
			Help: "Total number of notification delivery attempts",
		},
		[]string{"endpoint", "kind"},
	)

	DeliveriesSucceeded = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "deliveries_succeeded_total",
			Help: "Total number of successful notification deliveries",
		},
		[]string{"endpoint", "kind"},
	)

	DeliveriesRetried = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "deliveries_retried_total",
			Help: "Total number of delivery retries scheduled",
		},
		[]string{"endpoint"},
	)

	DeliveryDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "delivery_duration_seconds",
			Help:    "Duration of outbound delivery attempts in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"endpoint"},
	)

	DeliveryQueueDepth = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "delivery_queue_depth",
			Help: "Current number of pending deliveries (including scheduled retries)",
		},
	)

	// Dead Letter Queue Metrics
	DLQEntriesTotal = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "dlq_entries",
			Help: "Current number of entries in the Dead Letter Queue",
		},
		[]string{"kind"}, // "ingress", "delivery"
	)

	DLQMessagesAdded = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "dlq_messages_added_total",
			Help: "Total number of messages added to the DLQ",
		},
		[]string{"kind"},
	)

	DLQMessagesRedriven = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "dlq_messages_redriven_total",
			Help: "Total number of DLQ messages re-queued by an operator",
		},
	)

	// Circuit Breaker Metrics
	CircuitBreakerState = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "circuit_breaker_state",
			Help: "Circuit breaker state (0=closed, 1=half-open, 2=open)",
		},
		[]string{"name"},
	)

	CircuitBreakerRequests = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "circuit_breaker_requests_total",
			Help: "Total number of requests through circuit breaker",
		},
		[]string{"name", "result"}, // result: "success", "failure", "rejected"
	)

	// Database Metrics
	DBQueryDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "duckdb_query_duration_seconds",
			Help:    "Duration of DuckDB queries in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"operation", "table"},
	)

	DBQueryErrors = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "duckdb_query_errors_total",
			Help: "Total number of DuckDB query errors",
		},
		[]string{"operation", "table"},
	)

	// Cache Metrics
	CacheHits = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "cache_hits_total",
			Help: "Total number of cache hits",
		},
		[]string{"cache_type"}, // "flag", "score", "dedup"
	)

	CacheMisses = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "cache_misses_total",
			Help: "Total number of cache misses",
		},
		[]string{"cache_type"},
	)

	CacheSize = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "cache_entries",
			Help: "Current number of cached entries",
		},
		[]string{"cache_type"},
	)

	// API Endpoint Metrics
	APIRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "api_requests_total",
			Help: "Total number of API requests",
		},
		[]string{"method", "endpoint", "status_code"},
	)

	APIRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "api_request_duration_seconds",
			Help:    "API request duration in seconds",
			Buckets: []float64{0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10},
		},
		[]string{"method", "endpoint"},
	)

	APIRateLimitHits = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "api_rate_limit_hits_total",
			Help: "Total number of rate limit rejections",
		},
		[]string{"endpoint"},
	)

	// WebSocket Metrics
	WSConnections = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "websocket_connections",
			Help: "Current number of active WebSocket connections",
		},
	)

	WSMessagesSent = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "websocket_messages_sent_total",
			Help: "Total number of WebSocket messages sent",
		},
	)

	// Scheduler Metrics
	JobRuns = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "scheduled_job_runs_total",
			Help: "Total number of scheduled job executions",
		},
		[]string{"job", "result"}, // result: "success", "error"
	)

	JobDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "scheduled_job_duration_seconds",
			Help:    "Duration of scheduled job executions in seconds",
			Buckets: []float64{0.1, 0.5, 1, 5, 10, 30, 60, 300},
		},
		[]string{"job"},
	)

	JobLastSuccess = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "scheduled_job_last_success_timestamp",
			Help: "Unix timestamp of the last successful run per job",
		},
		[]string{"job"},
	)

	// System Metrics
	AppInfo = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "app_info",
			Help: "Application version and build information",
		},
		[]string{"version", "go_version"},
	)
)

// RecordDBQuery records a database query metric.
func RecordDBQuery(operation, table string, duration time.Duration, err error) {
	DBQueryDuration.WithLabelValues(operation, table).Observe(duration.Seconds())
	if err != nil {
		DBQueryErrors.WithLabelValues(operation, table).Inc()
	}
}

// RecordAPIRequest records an API request metric.
func RecordAPIRequest(method, endpoint, statusCode string, duration time.Duration) {
	APIRequestsTotal.WithLabelValues(method, endpoint, statusCode).Inc()
	APIRequestDuration.WithLabelValues(method, endpoint).Observe(duration.Seconds())
}

// RecordDetectorRun records one detector invocation.
func RecordDetectorRun(pattern, result string, duration time.Duration) {
	DetectorRuns.WithLabelValues(pattern, result).Inc()
	DetectorDuration.WithLabelValues(pattern).Observe(duration.Seconds())
}

// RecordJobRun records one scheduled job execution.
func RecordJobRun(job string, duration time.Duration, err error) {
	result := "success"
	if err != nil {
		result = "error"
	} else {
		JobLastSuccess.WithLabelValues(job).Set(float64(time.Now().Unix()))
	}
	JobRuns.WithLabelValues(job, result).Inc()
	JobDuration.WithLabelValues(job).Observe(duration.Seconds())
}
