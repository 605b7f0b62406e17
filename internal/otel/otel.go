// Package otel wires OpenTelemetry tracing and metrics for the learning loop.
// When disabled every instrument is a no-op.
package otel

import (
	"context"
	"errors"
	"fmt"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracehttp"
	"go.opentelemetry.io/otel/exporters/stdout/stdouttrace"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/metric/noop"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.24.0"
	"go.opentelemetry.io/otel/trace"

	"github.com/basket/goadapt/internal/config"
)

const (
	TracerName = "goadapt"
	MeterName  = "goadapt"
	Version    = "v0.1.0"
)

// Exporter names accepted in otel.exporter.
const (
	ExporterOTLPHTTP = "otlp-http"
	ExporterStdout   = "stdout"
	ExporterNone     = "none"
)

// Provider holds the tracer and meter every component is handed, plus the
// shutdown hooks of whatever SDK providers back them.
type Provider struct {
	Tracer trace.Tracer
	Meter  metric.Meter

	tracing   bool
	metrics   bool
	shutdowns []func(context.Context) error
}

// TracingEnabled reports whether spans are recorded.
func (p *Provider) TracingEnabled() bool { return p.tracing }

// MetricsEnabled reports whether instruments feed an SDK meter provider.
func (p *Provider) MetricsEnabled() bool { return p.metrics }

// Init builds the provider for cfg. Tracing and metrics are enabled together
// by cfg.Enabled; cfg.MetricsEnabled drops back to a no-op meter. The
// returned Provider must be shut down on exit.
func Init(ctx context.Context, cfg config.OTelConfig) (*Provider, error) {
	p := &Provider{
		Tracer: NoopTracer(),
		Meter:  noop.NewMeterProvider().Meter(MeterName),
	}
	if !cfg.Enabled {
		return p, nil
	}

	res, err := newResource(ctx, cfg.ServiceName)
	if err != nil {
		return nil, err
	}

	tp, err := newTracerProvider(ctx, cfg, res)
	if err != nil {
		return nil, err
	}
	otel.SetTracerProvider(tp)
	p.Tracer = tp.Tracer(TracerName, trace.WithInstrumentationVersion(Version))
	p.tracing = true
	p.shutdowns = append(p.shutdowns, tp.Shutdown)

	if cfg.MetricsEnabled {
		mp := sdkmetric.NewMeterProvider(sdkmetric.WithResource(res))
		otel.SetMeterProvider(mp)
		p.Meter = mp.Meter(MeterName, metric.WithInstrumentationVersion(Version))
		p.metrics = true
		p.shutdowns = append(p.shutdowns, mp.Shutdown)
	}
	return p, nil
}

// Shutdown flushes every SDK provider, newest first, and joins their errors.
func (p *Provider) Shutdown(ctx context.Context) error {
	var errs []error
	for i := len(p.shutdowns) - 1; i >= 0; i-- {
		if err := p.shutdowns[i](ctx); err != nil {
			errs = append(errs, err)
		}
	}
	p.shutdowns = nil
	return errors.Join(errs...)
}

func newResource(ctx context.Context, serviceName string) (*resource.Resource, error) {
	if serviceName == "" {
		serviceName = "goadapt"
	}
	res, err := resource.New(ctx,
		resource.WithAttributes(
			semconv.ServiceName(serviceName),
			semconv.ServiceVersion(Version),
			attribute.String("goadapt.component", "learning-loop"),
		),
	)
	if err != nil {
		return nil, fmt.Errorf("create resource: %w", err)
	}
	return res, nil
}

// newTracerProvider builds the SDK tracer provider. The none exporter keeps
// real span contexts (so trace ids propagate) but ships nothing.
func newTracerProvider(ctx context.Context, cfg config.OTelConfig, res *resource.Resource) (*sdktrace.TracerProvider, error) {
	rate := cfg.SampleRate
	if rate <= 0 || rate > 1 {
		rate = 1
	}
	opts := []sdktrace.TracerProviderOption{
		sdktrace.WithResource(res),
		sdktrace.WithSampler(sdktrace.ParentBased(sdktrace.TraceIDRatioBased(rate))),
	}

	switch cfg.Exporter {
	case ExporterOTLPHTTP, "":
		endpoint := cfg.Endpoint
		if endpoint == "" {
			endpoint = "localhost:4318"
		}
		httpOpts := []otlptracehttp.Option{otlptracehttp.WithEndpoint(endpoint)}
		if cfg.Insecure {
			httpOpts = append(httpOpts, otlptracehttp.WithInsecure())
		}
		if len(cfg.Headers) > 0 {
			httpOpts = append(httpOpts, otlptracehttp.WithHeaders(cfg.Headers))
		}
		exp, err := otlptracehttp.New(ctx, httpOpts...)
		if err != nil {
			return nil, fmt.Errorf("create otlp-http exporter: %w", err)
		}
		opts = append(opts, sdktrace.WithBatcher(exp))
	case ExporterStdout:
		exp, err := stdouttrace.New(stdouttrace.WithPrettyPrint())
		if err != nil {
			return nil, fmt.Errorf("create stdout exporter: %w", err)
		}
		opts = append(opts, sdktrace.WithBatcher(exp))
	case ExporterNone:
	default:
		return nil, fmt.Errorf("unknown exporter: %s (supported: %s, %s, %s)",
			cfg.Exporter, ExporterOTLPHTTP, ExporterStdout, ExporterNone)
	}
	return sdktrace.NewTracerProvider(opts...), nil
}
