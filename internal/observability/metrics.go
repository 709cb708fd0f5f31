// Package observability provides Prometheus metrics and HTTP middleware
// for monitoring the gateway.
package observability

import "github.com/prometheus/client_golang/prometheus"

// LLMBuckets defines histogram buckets suited for LLM inference latencies,
// ranging from 100ms to 120s.
var LLMBuckets = []float64{0.1, 0.5, 1, 2, 5, 10, 30, 60, 120}

var (
	// RequestsTotal counts client requests by dialect, status class, and model.
	RequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "chatbridge_requests_total",
			Help: "Client requests",
		},
		[]string{"dialect", "status", "model"},
	)

	// RequestDuration records client request duration in seconds.
	RequestDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "chatbridge_request_duration_seconds",
			Help:    "Request duration",
			Buckets: LLMBuckets,
		},
		[]string{"dialect", "model"},
	)

	// StreamingConnections tracks in-flight streaming responses.
	StreamingConnections = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "chatbridge_streaming_connections_active",
			Help: "Active streaming connections",
		},
	)

	// UpstreamAttemptsTotal counts upstream call attempts by outcome
	// (ok, retry, rejected, exhausted).
	UpstreamAttemptsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "chatbridge_upstream_attempts_total",
			Help: "Upstream call attempts",
		},
		[]string{"backend", "outcome"},
	)

	// UpstreamLatency records the time to upstream response headers.
	UpstreamLatency = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "chatbridge_upstream_latency_seconds",
			Help:    "Upstream latency",
			Buckets: LLMBuckets,
		},
		[]string{"backend"},
	)

	// CredentialRefreshesTotal counts credential acquisitions by outcome.
	CredentialRefreshesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "chatbridge_credential_refreshes_total",
			Help: "Credential refreshes",
		},
		[]string{"backend", "outcome"},
	)

	// SkippedChunksTotal counts malformed upstream payloads dropped.
	SkippedChunksTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "chatbridge_skipped_chunks_total",
			Help: "Malformed upstream chunks skipped",
		},
		[]string{"backend"},
	)

	// OutputTokensTotal counts estimated output tokens relayed to clients.
	OutputTokensTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "chatbridge_output_tokens_total",
			Help: "Estimated output tokens",
		},
		[]string{"backend", "model"},
	)
)

func init() {
	prometheus.MustRegister(
		RequestsTotal,
		RequestDuration,
		StreamingConnections,
		UpstreamAttemptsTotal,
		UpstreamLatency,
		CredentialRefreshesTotal,
		SkippedChunksTotal,
		OutputTokensTotal,
	)
}
