package observe

import (
	"context"
	"log/slog"
	"strconv"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

// tracerName is the instrumentation scope name for the engine tracer.
const tracerName = "github.com/MrWong99/mrcpengine"

// Span attribute keys of MRCP request spans.
const (
	AttrChannelID       = attribute.Key("mrcp.channel_id")
	AttrRequestID       = attribute.Key("mrcp.request_id")
	AttrMethod          = attribute.Key("mrcp.method")
	AttrStatus          = attribute.Key("mrcp.status")
	AttrCompletionCause = attribute.Key("mrcp.completion_cause")

	// AttrEndedBy names what ended a span other than its own terminal
	// message: "stop" or "close".
	AttrEndedBy = attribute.Key("mrcp.ended_by")
)

// Tracer returns the engine tracer from the global provider.
func Tracer() trace.Tracer {
	return otel.Tracer(tracerName)
}

// StartSpan starts a span with the engine tracer. The caller ends it.
func StartSpan(ctx context.Context, name string, opts ...trace.SpanStartOption) (context.Context, trace.Span) {
	return Tracer().Start(ctx, name, opts...)
}

// StartRequestSpan starts the span of one MRCP request, named
// "mrcp <METHOD>". It stays open until the request's terminal response or
// event; see [EndRequestSpan].
func StartRequestSpan(ctx context.Context, channelID string, requestID uint32, method string) (context.Context, trace.Span) {
	return StartSpan(ctx, "mrcp "+method,
		trace.WithSpanKind(trace.SpanKindServer),
		trace.WithAttributes(
			AttrChannelID.String(channelID),
			AttrRequestID.Int64(int64(requestID)),
			AttrMethod.String(method),
		),
	)
}

// EndRequestSpan records the terminal status and completion cause of a
// request and ends its span. A status outside 2xx marks the span as an
// error. Events pass status 0, which is not recorded; an empty cause is
// omitted.
func EndRequestSpan(span trace.Span, status int, cause string) {
	if status != 0 {
		span.SetAttributes(AttrStatus.Int(status))
		if status < 200 || status > 299 {
			span.SetStatus(codes.Error, "mrcp status "+strconv.Itoa(status))
		}
	}
	if cause != "" {
		span.SetAttributes(AttrCompletionCause.String(cause))
	}
	span.End()
}

// CorrelationID returns the trace ID of the span in ctx, or "" without one.
func CorrelationID(ctx context.Context) string {
	sc := trace.SpanContextFromContext(ctx)
	if sc.HasTraceID() {
		return sc.TraceID().String()
	}
	return ""
}

// LoggerFrom returns base with trace_id and span_id of the span in ctx.
// Without a span, base is returned as is. Engines use it with the context of
// the request they are handling so that channel attributes and trace ids end
// up on the same line.
func LoggerFrom(ctx context.Context, base *slog.Logger) *slog.Logger {
	sc := trace.SpanContextFromContext(ctx)
	if !sc.HasTraceID() {
		return base
	}
	return base.With(
		slog.String("trace_id", sc.TraceID().String()),
		slog.String("span_id", sc.SpanID().String()),
	)
}
