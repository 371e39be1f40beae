// Package metrics provides Prometheus metrics for the gateway: request
// outcomes, failover activity, stream timing, reservation pressure, and
// token/cost accounting.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const namespace = "llmgate"

// LatencyBuckets covers the spread from cache-hot sync responses to long
// streaming completions (in seconds).
var LatencyBuckets = []float64{
	0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 20, 30, 60, 120, 300, 600,
}

var (
	// RequestsTotal counts finished gateway requests.
	RequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "requests_total",
			Help:      "Total gateway requests by model, provider, and final status",
		},
		[]string{"model", "provider", "status"},
	)

	// RequestLatency tracks end-to-end request latency.
	RequestLatency = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "request_latency_seconds",
			Help:      "End-to-end request latency in seconds",
			Buckets:   LatencyBuckets,
		},
		[]string{"model", "provider"},
	)

	// TimeToFirstByte tracks upstream TTFB for streaming requests.
	TimeToFirstByte = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "time_to_first_byte_seconds",
			Help:      "Upstream time to first byte for streaming requests",
			Buckets:   []float64{0.1, 0.25, 0.5, 1, 2, 5, 10, 20, 30},
		},
		[]string{"model", "provider"},
	)

	// CandidateAttempts counts dispatch attempts per candidate outcome.
	CandidateAttempts = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "candidate_attempts_total",
			Help:      "Upstream dispatch attempts by provider and outcome",
		},
		[]string{"provider", "outcome"}, // outcome: success, retry, failover, client_error
	)

	// Failovers counts candidate switches by the error type that caused them.
	Failovers = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "failovers_total",
			Help:      "Candidate failovers by provider and error type",
		},
		[]string{"provider", "error_type"},
	)

	// StreamAborts counts streams terminated by the pipeline watchdogs.
	StreamAborts = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "stream_aborts_total",
			Help:      "Streams aborted by the pipeline, by reason",
		},
		[]string{"provider", "reason"}, // reason: data_timeout, empty_stream, connection_lost, client_disconnect
	)

	// ReservationOutcomes counts key-concurrency admission decisions.
	ReservationOutcomes = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "reservation_outcomes_total",
			Help:      "Key reservation admissions by decision",
		},
		[]string{"decision"}, // decision: admitted, rejected, degraded
	)

	// ReservationRatio exposes the learned safe-concurrency ratio per key.
	ReservationRatio = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "reservation_ratio",
			Help:      "Current adaptive reservation ratio per API key",
		},
		[]string{"key_id"},
	)

	// AffinityLookups counts cache-affinity scheduling decisions.
	AffinityLookups = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "affinity_lookups_total",
			Help:      "Cache-affinity lookups by result",
		},
		[]string{"result"}, // result: hit, miss, invalidated
	)

	// Tokens counts billed tokens by direction.
	Tokens = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "tokens_total",
			Help:      "Token usage by model, provider, and type",
		},
		[]string{"model", "provider", "type"}, // type: input, output, cache_read, cache_creation
	)

	// SpendUSD accumulates computed cost.
	SpendUSD = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "spend_usd_total",
			Help:      "Accumulated cost in USD by model, provider, and kind",
		},
		[]string{"model", "provider", "kind"}, // kind: surface, actual
	)
)
