// Kestrel - Real-Time Feature Aggregation and Recommendation Serving
// Copyright 2026 Kestrel Labs
// SPDX-License-Identifier: Apache-2.0
// https://github.com/kestrellabs/kestrel

package metrics

import (
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Prometheus instrumentation for the aggregation and serving pipeline:
// - Event ingestion and fold outcomes
// - Feature store cache efficiency and write conflicts
// - Retrieval, fallback, and circuit breaker behavior
// - API endpoint latency and throughput

var (
	// Event Pipeline Metrics
	EventsProcessed = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "kestrel_events_processed_total",
			Help: "Total events consumed from the stream by outcome",
		},
		[]string{"outcome", "event_type"}, // outcome: "applied", "duplicate", "rejected"
	)

	EventProcessingDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "kestrel_event_processing_duration_seconds",
			Help:    "Duration of a single event fold including the durable commit",
			Buckets: prometheus.DefBuckets,
		},
	)

	EventsPoisoned = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "kestrel_events_poisoned_total",
			Help: "Events routed to the poison queue after exhausting retries",
		},
	)

	StreamPublished = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "kestrel_stream_published_total",
			Help: "Events published to the stream by partition topic",
		},
		[]string{"topic"},
	)

	// Feature Store Metrics
	FeatureCacheHits = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "kestrel_feature_cache_hits_total",
			Help: "Feature reads served from the cache tier",
		},
	)

	FeatureCacheMisses = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "kestrel_feature_cache_misses_total",
			Help: "Feature reads that fell through to the durable table",
		},
	)

	StoreConflicts = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "kestrel_store_version_conflicts_total",
			Help: "Concurrent-write conflicts resolved by re-read and retry",
		},
	)

	StoreOperationDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "kestrel_store_operation_duration_seconds",
			Help:    "Duration of durable store operations",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"operation"}, // "get", "update", "scan"
	)

	// Serving Metrics
	RecommendationsServed = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "kestrel_recommendations_served_total",
			Help: "Recommendation responses by result source",
		},
		[]string{"source"}, // "cache", "primary", "fallback"
	)

	ResponseCacheHits = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "kestrel_response_cache_hits_total",
			Help: "Recommendation requests answered from the response cache",
		},
	)

	ResponseCacheMisses = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "kestrel_response_cache_misses_total",
			Help: "Recommendation requests that required retrieval",
		},
	)

	FallbackTriggered = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "kestrel_fallback_triggered_total",
			Help: "Fallback retrievals by trigger reason",
		},
		[]string{"reason"}, // "no_embedding", "breaker_open", "retrieval_failed"
	)

	BreakerTransitions = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "kestrel_breaker_transitions_total",
			Help: "Circuit breaker state transitions",
		},
		[]string{"from", "to"},
	)

	RetrievalDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "kestrel_retrieval_duration_seconds",
			Help:    "Duration of candidate retrieval by path",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"path"}, // "primary", "fallback"
	)

	// API Metrics
	APIRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "kestrel_api_request_duration_seconds",
			Help:    "Duration of HTTP API requests in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"method", "endpoint", "status"},
	)

	APIRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "kestrel_api_requests_total",
			Help: "Total HTTP API requests",
		},
		[]string{"method", "endpoint", "status"},
	)

	APIRateLimited = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "kestrel_api_rate_limited_total",
			Help: "Requests rejected by the per-client rate limiter",
		},
	)
)

// RecordEventOutcome tracks the result of folding one event into feature state.
func RecordEventOutcome(outcome, eventType string, duration time.Duration) {
	EventsProcessed.WithLabelValues(outcome, eventType).Inc()
	EventProcessingDuration.Observe(duration.Seconds())
}

// RecordFeatureCacheHit tracks a feature read served from the cache tier.
func RecordFeatureCacheHit() {
	FeatureCacheHits.Inc()
}

// RecordFeatureCacheMiss tracks a feature read that hit the durable table.
func RecordFeatureCacheMiss() {
	FeatureCacheMisses.Inc()
}

// RecordStoreConflict tracks a version conflict resolved by retrying.
func RecordStoreConflict() {
	StoreConflicts.Inc()
}

// RecordStoreOperation tracks the latency of a durable store operation.
func RecordStoreOperation(operation string, duration time.Duration) {
	StoreOperationDuration.WithLabelValues(operation).Observe(duration.Seconds())
}

// RecordRecommendation tracks a served response and where it came from.
func RecordRecommendation(source string) {
	RecommendationsServed.WithLabelValues(source).Inc()
}

// RecordFallback tracks a fallback retrieval and why it fired.
func RecordFallback(reason string) {
	FallbackTriggered.WithLabelValues(reason).Inc()
}

// RecordBreakerTransition tracks a circuit breaker state change.
func RecordBreakerTransition(from, to string) {
	BreakerTransitions.WithLabelValues(from, to).Inc()
}

// RecordRetrieval tracks retrieval latency for the given path.
func RecordRetrieval(path string, duration time.Duration) {
	RetrievalDuration.WithLabelValues(path).Observe(duration.Seconds())
}

// RecordAPIRequest tracks method, endpoint, status code, and latency of a request.
func RecordAPIRequest(method, endpoint string, status int, duration time.Duration) {
	code := strconv.Itoa(status)
	APIRequestDuration.WithLabelValues(method, endpoint, code).Observe(duration.Seconds())
	APIRequestsTotal.WithLabelValues(method, endpoint, code).Inc()
}
