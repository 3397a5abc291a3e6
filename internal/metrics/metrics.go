package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/Kocoro-lab/Shannon/go/querypipe/internal/pipeline"
)

var (
	// Pipeline metrics
	PipelineRuns = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "querypipe_pipeline_runs_total",
			Help: "Total number of pipeline runs by resulting health",
		},
		[]string{"health"},
	)

	PipelineDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "querypipe_pipeline_duration_seconds",
			Help:    "Pipeline run duration in seconds",
			Buckets: []float64{0.1, 0.25, 0.5, 1, 2, 5, 10, 30},
		},
		[]string{"health"},
	)

	PipelineConfidence = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "querypipe_pipeline_confidence",
			Help:    "Final confidence of pipeline results",
			Buckets: []float64{0, 0.1, 0.2, 0.3, 0.4, 0.5, 0.6, 0.7, 0.8, 0.9, 1},
		},
	)

	PipelinesInFlight = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "querypipe_pipelines_in_flight",
			Help: "Number of pipeline runs currently executing",
		},
	)

	// Stage metrics
	StageOutcomes = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "querypipe_stage_outcomes_total",
			Help: "Terminal stage statuses",
		},
		[]string{"stage", "status"},
	)

	// Agent metrics
	AgentAttempts = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "querypipe_agent_attempts_total",
			Help: "Agent attempts by outcome and error kind",
		},
		[]string{"agent", "outcome", "error_kind"},
	)

	AgentLatency = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "querypipe_agent_latency_ms",
			Help:    "Agent attempt latency in milliseconds",
			Buckets: []float64{10, 50, 100, 250, 500, 1000, 2000, 5000, 10000},
		},
		[]string{"agent"},
	)

	FallbackAttempts = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "querypipe_fallback_attempts_total",
			Help: "Fallback strategy attempts by result",
		},
		[]string{"stage", "strategy", "result"},
	)

	// Cache metrics
	CacheHits = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "querypipe_cache_hits_total",
			Help: "Total number of cache hits",
		},
		[]string{"cache", "layer"},
	)

	CacheMisses = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "querypipe_cache_misses_total",
			Help: "Total number of cache misses",
		},
		[]string{"cache"},
	)

	CacheEvictions = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "querypipe_cache_evictions_total",
			Help: "Total number of entries evicted from local caches",
		},
		[]string{"cache"},
	)

	// Outbound rate limiting
	RateLimitWaitSeconds = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "querypipe_rate_limit_wait_seconds",
			Help:    "Time spent waiting for the client-side rate limiter",
			Buckets: []float64{0.001, 0.01, 0.05, 0.1, 0.5, 1, 5},
		},
		[]string{"agent"},
	)

	// Streaming metrics
	StreamSubscribers = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "querypipe_stream_subscribers",
			Help: "Number of active progress stream subscribers",
		},
	)

	StreamEventsDropped = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "querypipe_stream_events_dropped_total",
			Help: "Progress events dropped because a subscriber was slow or a sink failed",
		},
		[]string{"sink"},
	)

	// HTTP API metrics
	HTTPRequests = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "querypipe_http_requests_total",
			Help: "Total number of API requests",
		},
		[]string{"route", "code"},
	)

	ConfigReloads = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "querypipe_config_reloads_total",
			Help: "Configuration reload attempts by result",
		},
		[]string{"result"},
	)
)

// RecordDiagnostic exports one stage diagnostics entry.
func RecordDiagnostic(d pipeline.Diagnostic) {
	switch d.Outcome {
	case pipeline.OutcomeSuccess, pipeline.OutcomeRetry, pipeline.OutcomeFailed:
		if d.Agent == "" {
			return
		}
		AgentAttempts.WithLabelValues(d.Agent, string(d.Outcome), string(d.ErrorKind)).Inc()
		AgentLatency.WithLabelValues(d.Agent).Observe(float64(d.LatencyMs))
	case pipeline.OutcomeFallback:
		FallbackAttempts.WithLabelValues(d.Stage, d.Strategy, "served").Inc()
	case pipeline.OutcomeFallbackFailed:
		FallbackAttempts.WithLabelValues(d.Stage, d.Strategy, "failed").Inc()
	}
}

// RecordRun exports the summary of a finished run.
func RecordRun(res pipeline.PipelineResult) {
	health := string(res.PipelineHealth)
	PipelineRuns.WithLabelValues(health).Inc()
	PipelineDuration.WithLabelValues(health).Observe(float64(res.TotalExecutionTimeMs) / 1000)
	PipelineConfidence.Observe(res.Confidence)
	for _, st := range res.Stages {
		StageOutcomes.WithLabelValues(st.Name, string(st.Status)).Inc()
	}
}
