package observe

import (
	"context"
	"log/slog"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/tan-res-space/rag-interface/pkg/apperr"
)

// tracerName is the instrumentation scope name for the service tracer.
const tracerName = "github.com/tan-res-space/rag-interface"

// Span attribute keys shared by the use-case spans.
const (
	SpeakerIDKey     = attribute.Key("speaker_id")
	SessionIDKey     = attribute.Key("session_id")
	ErrorCategoryKey = attribute.Key("error.category")
)

// Tracer returns the package-level [trace.Tracer]. It uses the globally
// registered [trace.TracerProvider].
func Tracer() trace.Tracer {
	return otel.Tracer(tracerName)
}

// StartSpan starts a new span and returns the updated context and span. The
// caller must end it, usually through [EndSpan].
func StartSpan(ctx context.Context, name string, opts ...trace.SpanStartOption) (context.Context, trace.Span) {
	return Tracer().Start(ctx, name, opts...)
}

// EndSpan records err on span and ends it. Every error is tagged with its
// [apperr.Category]; only internal failures mark the span as errored, since
// rejected input, missing entities and lost races are answered to the caller.
func EndSpan(span trace.Span, err error) {
	if err != nil {
		category := apperr.Category(err)
		span.SetAttributes(ErrorCategoryKey.String(category))
		span.RecordError(err)
		if category == apperr.CategoryInternal {
			span.SetStatus(codes.Error, err.Error())
		}
	}
	span.End()
}

// CorrelationID extracts the trace ID from the OTel span context in ctx.
// Returns the empty string when no active span with a valid trace ID exists.
func CorrelationID(ctx context.Context) string {
	sc := trace.SpanContextFromContext(ctx)
	if sc.HasTraceID() {
		return sc.TraceID().String()
	}
	return ""
}

// Logger returns an [slog.Logger] enriched with trace_id and span_id from
// the OTel span context in ctx. When no active span is present, the returned
// logger is the default slog logger without extra attributes.
func Logger(ctx context.Context) *slog.Logger {
	l := slog.Default()
	sc := trace.SpanContextFromContext(ctx)
	if sc.HasTraceID() {
		l = l.With(
			slog.String("trace_id", sc.TraceID().String()),
			slog.String("span_id", sc.SpanID().String()),
		)
	}
	return l
}
