package telemetry

import (
	"context"
	"errors"
	"net/http"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracegrpc"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/sdk/resource"
	"go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.26.0"
	oteltrace "go.opentelemetry.io/otel/trace"
)

const ServiceVersion = "0.1.0"

type Settings struct {
	ServiceName string
	// TracingEnabled turns the OTLP trace exporter on. Metrics are always
	// served from /metrics.
	TracingEnabled bool
	OTLPEndpoint   string
}

// Providers holds what a process needs from telemetry after startup.
type Providers struct {
	MetricsHandler http.Handler
	shutdowns      []func(context.Context) error
}

func (p *Providers) Shutdown(ctx context.Context) error {
	var errs []error
	for _, fn := range p.shutdowns {
		errs = append(errs, fn(ctx))
	}
	return errors.Join(errs...)
}

// Setup installs the global meter provider, runtime metrics and, when
// enabled, the tracer provider.
func Setup(ctx context.Context, s Settings) (*Providers, error) {
	p := &Providers{}

	metricsHandler, shutdownMeter, err := InitMeterProvider(s.ServiceName, ServiceVersion)
	if err != nil {
		return nil, err
	}
	p.MetricsHandler = metricsHandler
	p.shutdowns = append(p.shutdowns, shutdownMeter)

	otel.SetTextMapPropagator(propagation.NewCompositeTextMapPropagator(
		propagation.TraceContext{},
		propagation.Baggage{},
	))

	if s.TracingEnabled {
		shutdownTracer, err := InitTracerProvider(ctx, s.ServiceName, ServiceVersion, s.OTLPEndpoint)
		if err != nil {
			_ = p.Shutdown(ctx)
			return nil, err
		}
		p.shutdowns = append(p.shutdowns, shutdownTracer)
	}

	return p, nil
}

func newResource(serviceName, serviceVersion string) *resource.Resource {
	return resource.NewWithAttributes(
		semconv.SchemaURL,
		semconv.ServiceName(serviceName),
		semconv.ServiceVersion(serviceVersion),
	)
}

func InitTracerProvider(ctx context.Context, serviceName, serviceVersion, endpoint string) (func(context.Context) error, error) {
	exporter, err := otlptracegrpc.New(ctx,
		otlptracegrpc.WithEndpoint(endpoint),
		otlptracegrpc.WithInsecure(),
	)
	if err != nil {
		return nil, err
	}

	tp := trace.NewTracerProvider(
		trace.WithBatcher(exporter),
		trace.WithResource(newResource(serviceName, serviceVersion)),
	)

	otel.SetTracerProvider(tp)

	return tp.Shutdown, nil
}

// WithHTTPRoute sets http.route on the current span from the matched
// ServeMux pattern. otelhttp wraps the mux, so it cannot see the route.
func WithHTTPRoute(h http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if r.Pattern != "" {
			span := oteltrace.SpanFromContext(r.Context())
			span.SetAttributes(semconv.HTTPRoute(r.Pattern))
		}
		h(w, r)
	}
}
