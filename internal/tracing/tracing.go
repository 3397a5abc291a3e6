package tracing

import (
	"context"
	"fmt"
	"net/http"
	"sync"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracegrpc"
	"go.opentelemetry.io/otel/sdk/resource"
	"go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.27.0"
	oteltrace "go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
)

const defaultServiceName = "querypipe"

var (
	mu     sync.RWMutex
	tracer oteltrace.Tracer = otel.Tracer(defaultServiceName)
)

// Config holds tracing configuration
type Config struct {
	Enabled      bool   `mapstructure:"enabled"`
	ServiceName  string `mapstructure:"service_name"`
	OTLPEndpoint string `mapstructure:"otlp_endpoint"`
}

// Initialize sets up OTLP tracing. The returned function flushes and stops the
// provider; it is a no-op when tracing is disabled.
func Initialize(cfg Config, logger *zap.Logger) (func(context.Context) error, error) {
	if cfg.ServiceName == "" {
		cfg.ServiceName = defaultServiceName
	}
	setTracer(otel.Tracer(cfg.ServiceName))

	noop := func(context.Context) error { return nil }
	if !cfg.Enabled {
		logger.Info("Tracing disabled")
		return noop, nil
	}
	if cfg.OTLPEndpoint == "" {
		cfg.OTLPEndpoint = "localhost:4317"
	}

	exporter, err := otlptracegrpc.New(
		context.Background(),
		otlptracegrpc.WithEndpoint(cfg.OTLPEndpoint),
		otlptracegrpc.WithInsecure(),
	)
	if err != nil {
		return noop, fmt.Errorf("failed to create OTLP exporter: %w", err)
	}

	res, err := resource.New(context.Background(),
		resource.WithAttributes(
			semconv.ServiceName(cfg.ServiceName),
			semconv.ServiceVersion("1.0.0"),
		),
	)
	if err != nil {
		return noop, fmt.Errorf("failed to create resource: %w", err)
	}

	tp := trace.NewTracerProvider(
		trace.WithBatcher(exporter),
		trace.WithResource(res),
	)
	otel.SetTracerProvider(tp)
	setTracer(otel.Tracer(cfg.ServiceName))

	logger.Info("Tracing initialized", zap.String("endpoint", cfg.OTLPEndpoint))
	return tp.Shutdown, nil
}

func setTracer(t oteltrace.Tracer) {
	mu.Lock()
	tracer = t
	mu.Unlock()
}

func current() oteltrace.Tracer {
	mu.RLock()
	defer mu.RUnlock()
	return tracer
}

// StartSpan creates a new span with the given name
func StartSpan(ctx context.Context, spanName string, attrs ...attribute.KeyValue) (context.Context, oteltrace.Span) {
	return current().Start(ctx, spanName, oteltrace.WithAttributes(attrs...))
}

// StartRunSpan opens the root span of a pipeline run.
func StartRunSpan(ctx context.Context, traceID string) (context.Context, oteltrace.Span) {
	return StartSpan(ctx, "pipeline.run", attribute.String("querypipe.trace_id", traceID))
}

// StartStageSpan opens a span for one stage.
func StartStageSpan(ctx context.Context, traceID, stage string) (context.Context, oteltrace.Span) {
	return StartSpan(ctx, "pipeline.stage "+stage,
		attribute.String("querypipe.trace_id", traceID),
		attribute.String("querypipe.stage", stage),
	)
}

// StartAgentSpan opens a span for one agent attempt.
func StartAgentSpan(ctx context.Context, traceID, stage, agent string, attempt int) (context.Context, oteltrace.Span) {
	return StartSpan(ctx, "pipeline.agent "+agent,
		attribute.String("querypipe.trace_id", traceID),
		attribute.String("querypipe.stage", stage),
		attribute.String("querypipe.agent", agent),
		attribute.Int("querypipe.attempt", attempt),
	)
}

// EndSpan records the failure message, if any, and ends span.
func EndSpan(span oteltrace.Span, failure string) {
	if failure != "" {
		span.SetStatus(codes.Error, failure)
	}
	span.End()
}

// W3CTraceparent generates a W3C traceparent header value
func W3CTraceparent(ctx context.Context) string {
	span := oteltrace.SpanFromContext(ctx)
	if !span.SpanContext().IsValid() {
		return ""
	}

	sc := span.SpanContext()
	return fmt.Sprintf("00-%s-%s-%02x",
		sc.TraceID().String(),
		sc.SpanID().String(),
		sc.TraceFlags(),
	)
}

// InjectTraceparent adds W3C traceparent header to HTTP request
func InjectTraceparent(ctx context.Context, req *http.Request) {
	if traceparent := W3CTraceparent(ctx); traceparent != "" {
		req.Header.Set("traceparent", traceparent)
	}
}
