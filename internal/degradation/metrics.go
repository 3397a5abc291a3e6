package degradation

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/Kocoro-lab/Shannon/go/querypipe/internal/pipeline"
)

var (
	// degradationEventsTotal tracks degraded runs by level and the stage role that degraded
	degradationEventsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "querypipe_degradation_events_total",
			Help: "Total number of degraded stages by run level and stage role",
		},
		[]string{"level", "role"},
	)

	// lastDegradationLevel tracks the level of the most recent run
	lastDegradationLevel = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "querypipe_degradation_level",
			Help: "Degradation level of the most recent run (0=none, 1=minor, 2=moderate, 3=severe)",
		},
	)

	// fallbackStrategyExecuted tracks which fallback strategies produced stage output
	fallbackStrategyExecuted = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "querypipe_fallback_strategy_total",
			Help: "Total number of stages served by a fallback strategy",
		},
		[]string{"stage", "strategy"},
	)

	// partialResultsReturned tracks answers returned despite degraded stages
	partialResultsReturned = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "querypipe_partial_results_total",
			Help: "Total number of answers returned with degraded stages instead of complete failure",
		},
		[]string{"health"},
	)
)

// RecordOutcome exports the degradation view of a finished run.
func RecordOutcome(res pipeline.PipelineResult) {
	level := LevelFor(res.PipelineHealth)
	lastDegradationLevel.Set(float64(level))

	for _, st := range res.Stages {
		switch st.Status {
		case pipeline.StageDegraded:
			fallbackStrategyExecuted.WithLabelValues(st.Name, st.Result.FallbackStrategy).Inc()
			degradationEventsTotal.WithLabelValues(level.String(), string(st.Role)).Inc()
		case pipeline.StageFailed:
			degradationEventsTotal.WithLabelValues(level.String(), string(st.Role)).Inc()
		}
	}

	if res.PipelineHealth == pipeline.HealthPartialFailure || res.PipelineHealth == pipeline.HealthFallbackUsed {
		partialResultsReturned.WithLabelValues(string(res.PipelineHealth)).Inc()
	}
}
