package server

import (
	"go.uber.org/zap"

	"github.com/Kocoro-lab/Shannon/go/querypipe/internal/degradation"
	"github.com/Kocoro-lab/Shannon/go/querypipe/internal/metrics"
	"github.com/Kocoro-lab/Shannon/go/querypipe/internal/pipeline"
)

// Observer turns pipeline diagnostics and results into log lines and metrics.
type Observer struct {
	logger *zap.Logger
}

func NewObserver(logger *zap.Logger) *Observer {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Observer{logger: logger}
}

func (o *Observer) OnDiagnostic(traceID string, d pipeline.Diagnostic) {
	metrics.RecordDiagnostic(d)

	fields := []zap.Field{
		zap.String("trace_id", traceID),
		zap.String("stage", d.Stage),
		zap.String("outcome", string(d.Outcome)),
		zap.Int64("latency_ms", d.LatencyMs),
	}
	if d.Agent != "" {
		fields = append(fields, zap.String("agent", d.Agent), zap.Int("attempt", d.Attempt))
	}
	if d.Strategy != "" {
		fields = append(fields, zap.String("strategy", d.Strategy))
	}
	if d.ErrorKind != "" {
		fields = append(fields, zap.String("error_kind", string(d.ErrorKind)), zap.String("message", d.Message))
	}

	switch d.Outcome {
	case pipeline.OutcomeSuccess, pipeline.OutcomeRetry:
		o.logger.Debug("Agent attempt", fields...)
	case pipeline.OutcomeFallback:
		o.logger.Info("Stage served by fallback", fields...)
	default:
		o.logger.Warn("Stage degraded", fields...)
	}
}

func (o *Observer) OnResult(traceID string, r pipeline.PipelineResult) {
	metrics.RecordRun(r)
	degradation.RecordOutcome(r)

	fields := []zap.Field{
		zap.String("trace_id", traceID),
		zap.String("health", string(r.PipelineHealth)),
		zap.Float64("confidence", r.Confidence),
		zap.Int64("duration_ms", r.TotalExecutionTimeMs),
		zap.Int("sources", len(r.Sources)),
	}
	if r.PipelineHealth == pipeline.HealthCompleteFailure {
		o.logger.Warn("Pipeline failed", append(fields, zap.Strings("advisories", r.Advisories))...)
		return
	}
	o.logger.Info("Pipeline completed", fields...)
}
