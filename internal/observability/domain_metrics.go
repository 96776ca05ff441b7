package observability

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

var (
	pipelineRequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "heartql_pipeline_requests_total",
			Help: "Total number of pipeline runs by outcome (ok or error kind).",
		},
		[]string{"outcome"},
	)
	pipelineLatencyMs = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "heartql_pipeline_latency_ms",
			Help:    "End-to-end pipeline latency in milliseconds by outcome.",
			Buckets: []float64{50, 100, 250, 500, 1000, 2000, 5000, 10000, 20000, 40000},
		},
		[]string{"outcome"},
	)
	pipelineStageLatencyMs = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "heartql_pipeline_stage_latency_ms",
			Help:    "Latency of individual pipeline stages in milliseconds.",
			Buckets: []float64{1, 5, 10, 25, 50, 100, 250, 500, 1000, 2500, 5000, 10000, 30000},
		},
		[]string{"stage"},
	)
	modelTokensTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "heartql_model_tokens_total",
			Help: "Total tokens reported by the model provider.",
		},
		[]string{"provider"},
	)
	queryRowsReturned = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "heartql_query_rows_returned",
			Help:    "Rows returned per executed statement.",
			Buckets: []float64{0, 1, 5, 10, 50, 100, 500, 1000},
		},
	)
	rateLimitedTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "heartql_rate_limited_total",
			Help: "Total number of requests rejected by the rate limiter.",
		},
	)
)

func init() {
	prometheus.MustRegister(
		pipelineRequestsTotal,
		pipelineLatencyMs,
		pipelineStageLatencyMs,
		modelTokensTotal,
		queryRowsReturned,
		rateLimitedTotal,
	)
}

func ObservePipelineOutcome(outcome string, elapsed time.Duration) {
	pipelineRequestsTotal.WithLabelValues(outcome).Inc()
	pipelineLatencyMs.WithLabelValues(outcome).Observe(float64(elapsed.Milliseconds()))
}

func ObservePipelineStage(stage string, elapsed time.Duration) {
	pipelineStageLatencyMs.WithLabelValues(stage).Observe(float64(elapsed.Milliseconds()))
}

func AddModelTokens(provider string, tokens int) {
	if tokens <= 0 {
		return
	}
	modelTokensTotal.WithLabelValues(provider).Add(float64(tokens))
}

func ObserveRowsReturned(rows int) {
	if rows < 0 {
		rows = 0
	}
	queryRowsReturned.Observe(float64(rows))
}

func IncrementRateLimited() {
	rateLimitedTotal.Inc()
}
