package observe

import (
	"context"
	"errors"
	"fmt"
	"slices"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	promexporter "go.opentelemetry.io/otel/exporters/prometheus"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.26.0"
)

// DefaultServiceName is reported when ProviderConfig.ServiceName is empty.
const DefaultServiceName = "mrcpengine"

// Resource attribute keys describing the hosted engines.
const (
	AttrEngines   = attribute.Key("mrcp.engines")
	AttrResources = attribute.Key("mrcp.resources")
)

// ProviderConfig configures the process-wide telemetry providers.
type ProviderConfig struct {
	ServiceName    string
	ServiceVersion string

	// Engines are the configured engine names and Resources the MRCP
	// resources they serve. Both end up as resource attributes on every
	// metric series and span.
	Engines   []string
	Resources []string

	// TraceExporter receives finished spans in batches. Without one, spans
	// are still created (so trace ids reach the logs) but go nowhere.
	TraceExporter sdktrace.SpanExporter
}

// NewResource builds the telemetry resource for cfg. Engine and resource
// lists are sorted and deduplicated.
func NewResource(cfg ProviderConfig) (*resource.Resource, error) {
	name := cfg.ServiceName
	if name == "" {
		name = DefaultServiceName
	}
	attrs := []attribute.KeyValue{semconv.ServiceName(name)}
	if cfg.ServiceVersion != "" {
		attrs = append(attrs, semconv.ServiceVersion(cfg.ServiceVersion))
	}
	if engines := sortedSet(cfg.Engines); len(engines) > 0 {
		attrs = append(attrs, AttrEngines.StringSlice(engines))
	}
	if resources := sortedSet(cfg.Resources); len(resources) > 0 {
		attrs = append(attrs, AttrResources.StringSlice(resources))
	}
	// Schemaless, so the SDK default resource decides the schema URL.
	res, err := resource.Merge(resource.Default(), resource.NewSchemaless(attrs...))
	if err != nil {
		return nil, fmt.Errorf("observe: resource: %w", err)
	}
	return res, nil
}

// InitProvider installs the global meter and tracer providers. Metrics are
// exported through the Prometheus default registry, which /metrics serves.
// The returned function flushes and stops both providers.
func InitProvider(_ context.Context, cfg ProviderConfig) (shutdown func(context.Context) error, err error) {
	res, err := NewResource(cfg)
	if err != nil {
		return nil, err
	}

	exp, err := promexporter.New()
	if err != nil {
		return nil, fmt.Errorf("observe: prometheus exporter: %w", err)
	}
	mp := sdkmetric.NewMeterProvider(sdkmetric.WithResource(res), sdkmetric.WithReader(exp))

	tpOpts := []sdktrace.TracerProviderOption{sdktrace.WithResource(res)}
	if cfg.TraceExporter != nil {
		tpOpts = append(tpOpts, sdktrace.WithBatcher(cfg.TraceExporter))
	}
	tp := sdktrace.NewTracerProvider(tpOpts...)

	otel.SetMeterProvider(mp)
	otel.SetTracerProvider(tp)

	return func(ctx context.Context) error {
		return errors.Join(tp.Shutdown(ctx), mp.Shutdown(ctx))
	}, nil
}

func sortedSet(in []string) []string {
	out := slices.Clone(in)
	out = slices.DeleteFunc(out, func(s string) bool { return s == "" })
	slices.Sort(out)
	return slices.Compact(out)
}
