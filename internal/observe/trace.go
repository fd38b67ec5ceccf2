package observe

import (
	"context"
	"log/slog"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

// tracerName is the instrumentation scope of every relay span.
const tracerName = "github.com/MrWong99/voicerelay"

// Span attribute keys shared by the relay's spans.
const (
	AttrSessionID = attribute.Key("session.id")
	AttrProvider  = attribute.Key("provider.name")
	AttrStage     = attribute.Key("turn.stage")
)

// Tracer returns the relay tracer from the global provider.
func Tracer() trace.Tracer {
	return otel.Tracer(tracerName)
}

// StartSpan starts a span named name. The caller ends it.
func StartSpan(ctx context.Context, name string, opts ...trace.SpanStartOption) (context.Context, trace.Span) {
	return Tracer().Start(ctx, name, opts...)
}

// StartStage starts a child span for one provider call of a turn (stage is
// "llm" or "tts") and tags it with the backend name.
func StartStage(ctx context.Context, stage, provider string) (context.Context, trace.Span) {
	return StartSpan(ctx, "turn."+stage,
		trace.WithSpanKind(trace.SpanKindClient),
		trace.WithAttributes(AttrStage.String(stage), AttrProvider.String(provider)),
	)
}

// EndSpan records err on span, if any, and ends it.
func EndSpan(span trace.Span, err error) {
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	span.End()
}

// CorrelationID returns the trace ID of the span in ctx, or "" without one.
// It is sent to HTTP clients as X-Correlation-ID.
func CorrelationID(ctx context.Context) string {
	sc := trace.SpanContextFromContext(ctx)
	if sc.HasTraceID() {
		return sc.TraceID().String()
	}
	return ""
}

// WithTrace returns log with trace_id and span_id of the span in ctx. Without
// an active span log is returned as is.
func WithTrace(ctx context.Context, log *slog.Logger) *slog.Logger {
	if log == nil {
		log = slog.Default()
	}
	sc := trace.SpanContextFromContext(ctx)
	if !sc.HasTraceID() {
		return log
	}
	return log.With(
		slog.String("trace_id", sc.TraceID().String()),
		slog.String("span_id", sc.SpanID().String()),
	)
}
