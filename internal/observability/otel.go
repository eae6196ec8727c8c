// Package observability wires OpenTelemetry tracing for the API and worker
// processes. Spans are exported over OTLP/gRPC; when tracing is disabled the
// global no-op provider stays in place and instrumented code pays nothing.
package observability

import (
	"context"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracegrpc"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.26.0"

	"google.golang.org/grpc/credentials"

	"github.com/tbourn/portal-integrator/internal/config"
)

// ComponentKey tags every span with the process role ("api" or "worker").
const ComponentKey = attribute.Key("integrator.component")

// Process identifies the emitting process in the trace resource.
type Process struct {
	Version   string
	Component string // api|worker
	Instance  string // worker id or hostname; optional
}

// Test seams.
var (
	newOTLPClient = otlptracegrpc.NewClient

	newOTLPExporterFn = func(ctx context.Context, client otlptrace.Client) (*otlptrace.Exporter, error) {
		return otlptrace.New(ctx, client)
	}

	newServiceResourceFn = func(ctx context.Context, serviceName string, p Process) (*resource.Resource, error) {
		attrs := []attribute.KeyValue{
			semconv.ServiceName(serviceName),
			semconv.ServiceVersion(p.Version),
		}
		if p.Component != "" {
			attrs = append(attrs, ComponentKey.String(p.Component))
		}
		if p.Instance != "" {
			attrs = append(attrs, semconv.ServiceInstanceID(p.Instance))
		}
		return resource.New(ctx, resource.WithAttributes(attrs...))
	}
)

// SetupOTel installs the global tracer provider and W3C propagators and
// returns the provider's shutdown function, which flushes pending spans.
// Globals are left untouched when any step fails.
func SetupOTel(ctx context.Context, cfg config.OTELConfig, p Process) (func(context.Context) error, error) {
	if !cfg.Enabled {
		return func(context.Context) error { return nil }, nil
	}

	opts := []otlptracegrpc.Option{otlptracegrpc.WithEndpoint(cfg.Endpoint)}
	if cfg.Insecure {
		opts = append(opts, otlptracegrpc.WithInsecure())
	} else {
		opts = append(opts, otlptracegrpc.WithTLSCredentials(credentials.NewClientTLSFromCert(nil, "")))
	}

	exp, err := newOTLPExporterFn(ctx, newOTLPClient(opts...))
	if err != nil {
		return nil, err
	}
	res, err := newServiceResourceFn(ctx, cfg.ServiceName, p)
	if err != nil {
		_ = exp.Shutdown(ctx)
		return nil, err
	}

	tp := sdktrace.NewTracerProvider(
		sdktrace.WithBatcher(exp),
		sdktrace.WithSampler(sdktrace.ParentBased(sdktrace.TraceIDRatioBased(cfg.SampleRatio))),
		sdktrace.WithResource(res),
	)
	otel.SetTracerProvider(tp)
	otel.SetTextMapPropagator(propagation.NewCompositeTextMapPropagator(
		propagation.TraceContext{}, propagation.Baggage{},
	))
	return tp.Shutdown, nil
}
