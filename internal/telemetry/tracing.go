package telemetry

import (
	"context"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/trace"
)

// InstrumentationName is the OTel instrumentation scope name for every span
// this module produces.
const InstrumentationName = "github.com/lokutor-ai/exhibit-guide"

// NewTracerProvider builds a TracerProvider tagged with serviceName. exporter
// may be nil, in which case spans are created but never exported — useful
// for local runs where no collector is configured; operators wire a real
// sdktrace.SpanExporter (OTLP, Jaeger, etc.) in cmd/exhibitd when one is
// available.
func NewTracerProvider(ctx context.Context, serviceName string, exporter sdktrace.SpanExporter) (*sdktrace.TracerProvider, error) {
	res, err := resource.Merge(
		resource.Default(),
		resource.NewSchemaless(attribute.String("service.name", serviceName)),
	)
	if err != nil {
		return nil, err
	}

	opts := []sdktrace.TracerProviderOption{sdktrace.WithResource(res)}
	if exporter != nil {
		opts = append(opts, sdktrace.WithBatcher(exporter))
	}
	return sdktrace.NewTracerProvider(opts...), nil
}

// Tracer returns the exhibit guide's named tracer from tp. If tp is nil, the
// global (noop by default) provider is used.
func Tracer(tp trace.TracerProvider) trace.Tracer {
	if tp == nil {
		tp = otel.GetTracerProvider()
	}
	return tp.Tracer(InstrumentationName)
}

// StartRequestSpan starts a span for one Ask request, tagging it with the
// identifiers the Event Store already keys its own timeline by so traces and
// event-store timings can be cross-referenced by request_id.
func StartRequestSpan(ctx context.Context, tracer trace.Tracer, clientID, requestID, kind string) (context.Context, trace.Span) {
	return tracer.Start(ctx, "ask",
		trace.WithAttributes(
			attribute.String("client_id", clientID),
			attribute.String("request_id", requestID),
			attribute.String("kind", kind),
		),
	)
}
