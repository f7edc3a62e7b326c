// Package otel provides OpenTelemetry setup and tracing utilities for the application.
package otel

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/push"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/exporters/otlp/otlpmetric/otlpmetrichttp"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracehttp"
	promexporter "go.opentelemetry.io/otel/exporters/prometheus"
	"go.opentelemetry.io/otel/exporters/stdout/stdoutmetric"
	"go.opentelemetry.io/otel/exporters/stdout/stdouttrace"
	"go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/resource"
	"go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.40.0"

	"github.com/terrpan/slabrunner/internal/buildinfo"
)

// Config holds OpenTelemetry configuration.
type Config struct {
	// Enabled controls whether OTLP push (traces + metrics) is active.
	Enabled bool

	// Endpoint is the OTLP HTTP endpoint (e.g. "localhost:4318").
	// If empty, falls back to OTEL_EXPORTER_OTLP_ENDPOINT env var.
	Endpoint string

	// Insecure enables plain HTTP (no TLS) for OTLP export.
	Insecure bool

	// StdOut also prints traces and metrics to stdout (for debugging).
	StdOut bool

	// Prometheus enables a Prometheus metric reader registered into a
	// dedicated registry (see SDK.Registry).  Serving /metrics is left
	// to the caller.
	Prometheus bool

	// PushgatewayURL, when set, makes Shutdown push the registry's final
	// values to a Prometheus Pushgateway.  Implies Prometheus.
	PushgatewayURL string

	// PushJob is the Pushgateway job name.
	PushJob string

	// PushGrouping adds grouping labels to the pushed metrics.
	PushGrouping map[string]string
}

// SDK owns the installed providers.
type SDK struct {
	cfg           Config
	registry      *prometheus.Registry
	shutdownFuncs []func(context.Context) error
}

// Registry returns the registry the Prometheus reader writes into, or
// nil when the reader is disabled.
func (s *SDK) Registry() *prometheus.Registry { return s.registry }

// Push sends the current metric values to the configured Pushgateway.
// It is a no-op without a Pushgateway URL.
func (s *SDK) Push(ctx context.Context) error {
	if s.cfg.PushgatewayURL == "" || s.registry == nil {
		return nil
	}
	job := s.cfg.PushJob
	if job == "" {
		job = "slabrunner"
	}
	p := push.New(s.cfg.PushgatewayURL, job).Gatherer(s.registry)
	for k, v := range s.cfg.PushGrouping {
		p = p.Grouping(k, v)
	}
	if err := p.PushContext(ctx); err != nil {
		return fmt.Errorf("pushing metrics to %s: %w", s.cfg.PushgatewayURL, err)
	}
	return nil
}

// Shutdown pushes the final metric values (if configured) and then
// flushes and stops every provider.  It is safe to call more than once.
func (s *SDK) Shutdown(ctx context.Context) error {
	err := s.Push(ctx)
	for _, fn := range s.shutdownFuncs {
		err = errors.Join(err, fn(ctx))
	}
	s.shutdownFuncs = nil
	s.cfg.PushgatewayURL = ""
	return err
}

// SetupOTelSDK configures the OpenTelemetry SDK with the given service name
// and returns the SDK handle. Call this once at application startup.
//
// The function sets up providers based on what is enabled:
//   - cfg.Enabled: OTLP push for traces and metrics
//   - cfg.Prometheus or cfg.PushgatewayURL: Prometheus metric reader
//   - Both can be active simultaneously
//
// Shutdown should be called with defer to ensure proper cleanup of
// exporters and providers.
func SetupOTelSDK(ctx context.Context, serviceName string, cfg Config) (*SDK, error) {
	if cfg.PushgatewayURL != "" {
		cfg.Prometheus = true
	}
	sdk := &SDK{cfg: cfg}

	// Helper to handle errors during setup.
	fail := func(inErr error) (*SDK, error) {
		sdk.cfg.PushgatewayURL = ""
		return nil, errors.Join(inErr, sdk.Shutdown(ctx))
	}

	// Create resource with service name and version.
	res, err := resource.Merge(
		resource.Default(),
		resource.NewWithAttributes(
			semconv.SchemaURL,
			semconv.ServiceName(serviceName),
			semconv.ServiceVersion(buildinfo.Version),
		),
	)
	if err != nil {
		return fail(err)
	}

	// Setup trace provider (only when OTLP push is enabled).
	if cfg.Enabled {
		tracerProvider, tErr := newTraceProvider(ctx, res, cfg)
		if tErr != nil {
			return fail(tErr)
		}
		sdk.shutdownFuncs = append(sdk.shutdownFuncs, tracerProvider.Shutdown)
		otel.SetTracerProvider(tracerProvider)
	}

	// Setup meter provider (needed for OTLP push, Prometheus, or both).
	if cfg.Enabled || cfg.Prometheus {
		if cfg.Prometheus {
			sdk.registry = prometheus.NewRegistry()
		}
		meterProvider, mErr := newMeterProvider(ctx, res, cfg, sdk.registry)
		if mErr != nil {
			return fail(mErr)
		}
		sdk.shutdownFuncs = append(sdk.shutdownFuncs, meterProvider.Shutdown)
		otel.SetMeterProvider(meterProvider)
	}

	return sdk, nil
}

// newTraceProvider creates a TracerProvider with OTLP HTTP exporter.
func newTraceProvider(ctx context.Context, res *resource.Resource, cfg Config) (*trace.TracerProvider, error) {
	var exporters []trace.SpanExporter

	// OTLP HTTP trace exporter.
	opts := []otlptracehttp.Option{}
	if cfg.Endpoint != "" {
		opts = append(opts, otlptracehttp.WithEndpoint(cfg.Endpoint))
	}
	if cfg.Insecure {
		opts = append(opts, otlptracehttp.WithInsecure())
	}

	traceExporter, err := otlptracehttp.New(ctx, opts...)
	if err != nil {
		return nil, err
	}
	exporters = append(exporters, traceExporter)

	// Optional stdout trace exporter for debugging.
	if cfg.StdOut {
		stdoutExporter, err := stdouttrace.New(stdouttrace.WithPrettyPrint())
		if err != nil {
			return nil, err
		}
		exporters = append(exporters, stdoutExporter)
	}

	// Build tracer provider with all exporters.
	providerOpts := []trace.TracerProviderOption{
		trace.WithResource(res),
	}
	for _, exp := range exporters {
		providerOpts = append(providerOpts, trace.WithBatcher(exp,
			trace.WithBatchTimeout(time.Second)))
	}

	return trace.NewTracerProvider(providerOpts...), nil
}

// newMeterProvider creates a MeterProvider with the configured readers.
//
// Readers are added based on configuration:
//   - OTLP metric reader: when cfg.Enabled is true
//   - Stdout metric reader: when cfg.StdOut is true
//   - Prometheus reader: when reg is non-nil
func newMeterProvider(ctx context.Context, res *resource.Resource, cfg Config, reg *prometheus.Registry) (*metric.MeterProvider, error) {
	var readers []metric.Reader

	// OTLP HTTP metric reader (only when OTLP push is enabled).
	if cfg.Enabled {
		opts := []otlpmetrichttp.Option{}
		if cfg.Endpoint != "" {
			opts = append(opts, otlpmetrichttp.WithEndpoint(cfg.Endpoint))
		}
		if cfg.Insecure {
			opts = append(opts, otlpmetrichttp.WithInsecure())
		}

		metricExporter, err := otlpmetrichttp.New(ctx, opts...)
		if err != nil {
			return nil, err
		}
		readers = append(readers, metric.NewPeriodicReader(metricExporter,
			metric.WithInterval(10*time.Second)))
	}

	// Optional stdout metric reader for debugging.
	if cfg.StdOut {
		stdoutExporter, err := stdoutmetric.New()
		if err != nil {
			return nil, err
		}
		readers = append(readers, metric.NewPeriodicReader(stdoutExporter,
			metric.WithInterval(10*time.Second)))
	}

	// Prometheus metric reader (scraped via /metrics or pushed at exit).
	if reg != nil {
		promExp, err := promexporter.New(promexporter.WithRegisterer(reg))
		if err != nil {
			return nil, fmt.Errorf("creating prometheus exporter: %w", err)
		}
		readers = append(readers, promExp)
	}

	// Build meter provider with all readers.
	providerOpts := []metric.Option{
		metric.WithResource(res),
	}
	for _, reader := range readers {
		providerOpts = append(providerOpts, metric.WithReader(reader))
	}

	return metric.NewMeterProvider(providerOpts...), nil
}
