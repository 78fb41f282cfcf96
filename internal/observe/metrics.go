// Package observe provides application-wide observability primitives for the
// engine server: OpenTelemetry metrics, distributed tracing, structured
// logging, and HTTP middleware that ties them together.
//
// Metrics are recorded through the OpenTelemetry Metrics API. A Prometheus
// exporter bridge is available via [InitProvider] so that metrics can still be
// scraped via the standard /metrics endpoint. A package-level default
// [Metrics] instance ([DefaultMetrics]) is provided for convenience; tests
// should use [NewMetrics] with a custom [metric.MeterProvider] to avoid
// cross-test pollution.
package observe

import (
	"context"
	"sync"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// meterName is the instrumentation scope name used for all engine metrics.
const meterName = "github.com/MrWong99/mrcpengine"

// Metrics holds all OpenTelemetry metric instruments for the application.
// All fields are safe for concurrent use; the underlying OTel types handle
// their own synchronisation.
type Metrics struct {
	// --- Latency histograms ---

	// DecodeDuration tracks how long a decoder hypothesis query takes. Use
	// with attributes:
	//   attribute.String("engine", ...), attribute.String("phase", "partial"|"final")
	DecodeDuration metric.Float64Histogram

	// RecognitionDuration tracks the time from RECOGNIZE to its completion.
	// Use with attributes:
	//   attribute.String("engine", ...), attribute.String("cause", ...)
	RecognitionDuration metric.Float64Histogram

	// --- Counters ---

	// Requests counts requests accepted by engine channels. Use with attributes:
	//   attribute.String("engine", ...), attribute.String("method", ...)
	Requests metric.Int64Counter

	// Responses counts responses sent by engine channels. Use with attributes:
	//   attribute.String("engine", ...), attribute.String("method", ...), attribute.String("status", ...)
	Responses metric.Int64Counter

	// Events counts events sent by engine channels. Use with attributes:
	//   attribute.String("engine", ...), attribute.String("event", ...)
	Events metric.Int64Counter

	// Completions counts finished recognitions. Use with attributes:
	//   attribute.String("engine", ...), attribute.String("cause", ...)
	Completions metric.Int64Counter

	// PartialResults counts partial hypotheses that changed the stored
	// result. Use with attribute:
	//   attribute.String("engine", ...)
	PartialResults metric.Int64Counter

	// GrammarOperations counts grammar store changes. Use with attributes:
	//   attribute.String("engine", ...), attribute.String("op", ...), attribute.String("status", ...)
	GrammarOperations metric.Int64Counter

	// --- Error counters ---

	// DroppedFrames counts audio frames a channel could not queue. Use with
	// attribute:
	//   attribute.String("engine", ...)
	DroppedFrames metric.Int64Counter

	// DecoderErrors counts decoder failures. Use with attributes:
	//   attribute.String("engine", ...), attribute.String("op", ...)
	DecoderErrors metric.Int64Counter

	// --- Gauges ---

	// ActiveChannels tracks the number of open engine channels.
	ActiveChannels metric.Int64UpDownCounter

	// ActiveRecognitions tracks the number of recognitions in progress.
	ActiveRecognitions metric.Int64UpDownCounter

	// BridgeConnections tracks the number of open WebSocket bridge
	// connections.
	BridgeConnections metric.Int64UpDownCounter

	// --- HTTP middleware ---

	// HTTPRequestDuration tracks HTTP request processing time, or the
	// lifetime of an upgraded websocket connection. Recorded by [Middleware]
	// with attributes method, route, status_class and upgraded.
	HTTPRequestDuration metric.Float64Histogram
}

// latencyBuckets defines histogram bucket boundaries (in seconds) for decoder
// latencies.
var latencyBuckets = []float64{
	0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5,
}

// recognitionBuckets defines histogram bucket boundaries (in seconds) for
// whole recognitions, which are bounded by the recognition timeout.
var recognitionBuckets = []float64{
	0.25, 0.5, 1, 2, 3, 5, 7.5, 10, 15, 30,
}

// NewMetrics creates a fully initialised [Metrics] struct using the given
// [metric.MeterProvider]. Returns an error if any instrument creation fails.
func NewMetrics(mp metric.MeterProvider) (*Metrics, error) {
	m := mp.Meter(meterName)
	var err error
	met := &Metrics{}

	// Histograms.
	if met.DecodeDuration, err = m.Float64Histogram("mrcpengine.decode.duration",
		metric.WithDescription("Latency of decoder hypothesis queries."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(latencyBuckets...),
	); err != nil {
		return nil, err
	}
	if met.RecognitionDuration, err = m.Float64Histogram("mrcpengine.recognition.duration",
		metric.WithDescription("Time from RECOGNIZE to its completion."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(recognitionBuckets...),
	); err != nil {
		return nil, err
	}

	// Counters.
	if met.Requests, err = m.Int64Counter("mrcpengine.requests",
		metric.WithDescription("Total requests accepted by engine and method."),
	); err != nil {
		return nil, err
	}
	if met.Responses, err = m.Int64Counter("mrcpengine.responses",
		metric.WithDescription("Total responses sent by engine, method, and status."),
	); err != nil {
		return nil, err
	}
	if met.Events, err = m.Int64Counter("mrcpengine.events",
		metric.WithDescription("Total events sent by engine and event name."),
	); err != nil {
		return nil, err
	}
	if met.Completions, err = m.Int64Counter("mrcpengine.completions",
		metric.WithDescription("Total finished recognitions by engine and completion cause."),
	); err != nil {
		return nil, err
	}
	if met.PartialResults, err = m.Int64Counter("mrcpengine.partial_results",
		metric.WithDescription("Total partial hypotheses that changed the stored result."),
	); err != nil {
		return nil, err
	}
	if met.GrammarOperations, err = m.Int64Counter("mrcpengine.grammar.operations",
		metric.WithDescription("Total grammar store operations by engine, operation, and status."),
	); err != nil {
		return nil, err
	}

	// Error counters.
	if met.DroppedFrames, err = m.Int64Counter("mrcpengine.frames.dropped",
		metric.WithDescription("Total audio frames dropped because a channel queue was full."),
	); err != nil {
		return nil, err
	}
	if met.DecoderErrors, err = m.Int64Counter("mrcpengine.decoder.errors",
		metric.WithDescription("Total decoder errors by engine and operation."),
	); err != nil {
		return nil, err
	}

	// Gauges (UpDownCounters).
	if met.ActiveChannels, err = m.Int64UpDownCounter("mrcpengine.active_channels",
		metric.WithDescription("Number of open engine channels."),
	); err != nil {
		return nil, err
	}
	if met.ActiveRecognitions, err = m.Int64UpDownCounter("mrcpengine.active_recognitions",
		metric.WithDescription("Number of recognitions in progress."),
	); err != nil {
		return nil, err
	}
	if met.BridgeConnections, err = m.Int64UpDownCounter("mrcpengine.bridge.connections",
		metric.WithDescription("Number of open WebSocket bridge connections."),
	); err != nil {
		return nil, err
	}

	// HTTP middleware histogram.
	if met.HTTPRequestDuration, err = m.Float64Histogram("mrcpengine.http.request.duration",
		metric.WithDescription("HTTP request latency by method and route."),
		metric.WithUnit("s"),
	); err != nil {
		return nil, err
	}

	return met, nil
}

// defaultMetrics is the lazily-initialised package-level Metrics instance.
var (
	defaultMetrics     *Metrics
	defaultMetricsOnce sync.Once
)

// DefaultMetrics returns the package-level [Metrics] instance, creating it on
// first call using [otel.GetMeterProvider]. Subsequent calls return the same
// pointer. Panics if instrument creation fails (should not happen with the
// global provider).
func DefaultMetrics() *Metrics {
	defaultMetricsOnce.Do(func() {
		var err error
		defaultMetrics, err = NewMetrics(otel.GetMeterProvider())
		if err != nil {
			panic("observe: failed to create default metrics: " + err.Error())
		}
	})
	return defaultMetrics
}

// Attr is a convenience alias for [attribute.String] to reduce verbosity at
// call sites.
func Attr(key, value string) attribute.KeyValue {
	return attribute.String(key, value)
}

// RecordRequest records an accepted request.
func (m *Metrics) RecordRequest(ctx context.Context, engine, method string) {
	m.Requests.Add(ctx, 1,
		metric.WithAttributes(
			attribute.String("engine", engine),
			attribute.String("method", method),
		),
	)
}

// RecordResponse records a sent response with its status code.
func (m *Metrics) RecordResponse(ctx context.Context, engine, method string, status int) {
	m.Responses.Add(ctx, 1,
		metric.WithAttributes(
			attribute.String("engine", engine),
			attribute.String("method", method),
			attribute.Int("status", status),
		),
	)
}

// RecordEvent records a sent event.
func (m *Metrics) RecordEvent(ctx context.Context, engine, event string) {
	m.Events.Add(ctx, 1,
		metric.WithAttributes(
			attribute.String("engine", engine),
			attribute.String("event", event),
		),
	)
}

// RecordCompletion records a finished recognition and its duration in
// seconds.
func (m *Metrics) RecordCompletion(ctx context.Context, engine, cause string, seconds float64) {
	attrs := metric.WithAttributes(
		attribute.String("engine", engine),
		attribute.String("cause", cause),
	)
	m.Completions.Add(ctx, 1, attrs)
	m.RecognitionDuration.Record(ctx, seconds, attrs)
}

// RecordPartialResult records a changed partial hypothesis.
func (m *Metrics) RecordPartialResult(ctx context.Context, engine string) {
	m.PartialResults.Add(ctx, 1,
		metric.WithAttributes(attribute.String("engine", engine)),
	)
}

// RecordGrammar records a grammar store operation ("define", "undefine",
// "clear") and its outcome ("ok", "error").
func (m *Metrics) RecordGrammar(ctx context.Context, engine, op, status string) {
	m.GrammarOperations.Add(ctx, 1,
		metric.WithAttributes(
			attribute.String("engine", engine),
			attribute.String("op", op),
			attribute.String("status", status),
		),
	)
}

// RecordDroppedFrame records one frame dropped on a full channel queue.
func (m *Metrics) RecordDroppedFrame(ctx context.Context, engine string) {
	m.DroppedFrames.Add(ctx, 1,
		metric.WithAttributes(attribute.String("engine", engine)),
	)
}

// RecordDecoderError records a decoder failure during op ("create", "load",
// "start", "process", "hypothesis").
func (m *Metrics) RecordDecoderError(ctx context.Context, engine, op string) {
	m.DecoderErrors.Add(ctx, 1,
		metric.WithAttributes(
			attribute.String("engine", engine),
			attribute.String("op", op),
		),
	)
}
