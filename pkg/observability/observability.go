// Package observability wires OpenTelemetry tracing and RED metrics for the
// bandit runtime: serve rate, serve errors, serve latency, and in-flight
// serves, exported over OTLP gRPC.
package observability

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/otlp/otlpmetric/otlpmetricgrpc"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracegrpc"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/propagation"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.26.0"
	"go.opentelemetry.io/otel/trace"
)

// Config configures the telemetry providers.
type Config struct {
	ServiceName    string
	ServiceVersion string
	Environment    string
	OTLPEndpoint   string // gRPC, e.g. "localhost:4317"
	SampleRate     float64
	BatchTimeout   time.Duration
	Enabled        bool
	Insecure       bool
}

// DefaultConfig returns development defaults. A disabled provider is a
// no-op, so the serve path never needs a nil check.
func DefaultConfig() *Config {
	return &Config{
		ServiceName:    "banditd",
		ServiceVersion: "1.0.0",
		Environment:    "development",
		OTLPEndpoint:   "localhost:4317",
		SampleRate:     1.0,
		BatchTimeout:   5 * time.Second,
		Enabled:        false,
		Insecure:       true,
	}
}

// Provider owns the trace and metric providers plus the serve-path
// instruments. It implements serve.Metrics.
type Provider struct {
	config         *Config
	tracerProvider *sdktrace.TracerProvider
	meterProvider  *sdkmetric.MeterProvider
	tracer         trace.Tracer
	logger         *slog.Logger

	serveCounter metric.Int64Counter
	errorCounter metric.Int64Counter
	latencyHist  metric.Float64Histogram
	activeServes metric.Int64UpDownCounter
}

// New builds the provider and registers it globally. With Enabled false it
// returns a provider whose recording methods do nothing.
func New(ctx context.Context, config *Config) (*Provider, error) {
	if config == nil {
		config = DefaultConfig()
	}
	p := &Provider{
		config: config,
		logger: slog.Default().With("component", "observability"),
	}
	if !config.Enabled {
		p.logger.InfoContext(ctx, "telemetry disabled")
		return p, nil
	}

	res, err := resource.Merge(
		resource.Default(),
		resource.NewWithAttributes(
			semconv.SchemaURL,
			semconv.ServiceName(config.ServiceName),
			semconv.ServiceVersion(config.ServiceVersion),
			semconv.DeploymentEnvironment(config.Environment),
		),
	)
	if err != nil {
		return nil, fmt.Errorf("build resource: %w", err)
	}
	if err := p.initTraces(ctx, res); err != nil {
		return nil, fmt.Errorf("init traces: %w", err)
	}
	if err := p.initMetrics(ctx, res); err != nil {
		return nil, fmt.Errorf("init metrics: %w", err)
	}
	p.tracer = otel.Tracer("cineamate.bandit",
		trace.WithInstrumentationVersion(config.ServiceVersion))
	if err := p.initInstruments(); err != nil {
		return nil, fmt.Errorf("init instruments: %w", err)
	}

	p.logger.InfoContext(ctx, "telemetry initialized",
		"service", config.ServiceName,
		"endpoint", config.OTLPEndpoint,
		"sample_rate", config.SampleRate)
	return p, nil
}

func (p *Provider) initTraces(ctx context.Context, res *resource.Resource) error {
	opts := []otlptracegrpc.Option{otlptracegrpc.WithEndpoint(p.config.OTLPEndpoint)}
	if p.config.Insecure {
		opts = append(opts, otlptracegrpc.WithInsecure())
	}
	exporter, err := otlptracegrpc.New(ctx, opts...)
	if err != nil {
		return err
	}

	sampler := sdktrace.AlwaysSample()
	switch {
	case p.config.SampleRate <= 0:
		sampler = sdktrace.NeverSample()
	case p.config.SampleRate < 1:
		sampler = sdktrace.TraceIDRatioBased(p.config.SampleRate)
	}

	p.tracerProvider = sdktrace.NewTracerProvider(
		sdktrace.WithResource(res),
		sdktrace.WithBatcher(exporter, sdktrace.WithBatchTimeout(p.config.BatchTimeout)),
		sdktrace.WithSampler(sampler),
	)
	otel.SetTracerProvider(p.tracerProvider)
	otel.SetTextMapPropagator(propagation.NewCompositeTextMapPropagator(
		propagation.TraceContext{},
		propagation.Baggage{},
	))
	return nil
}

func (p *Provider) initMetrics(ctx context.Context, res *resource.Resource) error {
	opts := []otlpmetricgrpc.Option{otlpmetricgrpc.WithEndpoint(p.config.OTLPEndpoint)}
	if p.config.Insecure {
		opts = append(opts, otlpmetricgrpc.WithInsecure())
	}
	exporter, err := otlpmetricgrpc.New(ctx, opts...)
	if err != nil {
		return err
	}
	p.meterProvider = sdkmetric.NewMeterProvider(
		sdkmetric.WithResource(res),
		sdkmetric.WithReader(sdkmetric.NewPeriodicReader(exporter,
			sdkmetric.WithInterval(15*time.Second))),
	)
	otel.SetMeterProvider(p.meterProvider)
	return nil
}

func (p *Provider) initInstruments() error {
	meter := otel.Meter("cineamate.bandit",
		metric.WithInstrumentationVersion(p.config.ServiceVersion))
	var err error
	p.serveCounter, err = meter.Int64Counter("bandit.serves.total",
		metric.WithDescription("Recommendation serves processed"),
		metric.WithUnit("{serve}"))
	if err != nil {
		return err
	}
	p.errorCounter, err = meter.Int64Counter("bandit.serve_errors.total",
		metric.WithDescription("Serves that fell back or failed"),
		metric.WithUnit("{serve}"))
	if err != nil {
		return err
	}
	// Buckets bracket the 50ms policy and 120ms end-to-end deadlines.
	p.latencyHist, err = meter.Float64Histogram("bandit.serve.duration",
		metric.WithDescription("End-to-end serve latency in milliseconds"),
		metric.WithUnit("ms"),
		metric.WithExplicitBucketBoundaries(1, 5, 10, 25, 50, 75, 100, 120, 150, 250, 500, 1000))
	if err != nil {
		return err
	}
	p.activeServes, err = meter.Int64UpDownCounter("bandit.serves.active",
		metric.WithDescription("Serves currently in flight"),
		metric.WithUnit("{serve}"))
	return err
}

// RecordServe implements serve.Metrics: one count, one latency sample, and
// an error count when the serve degraded.
func (p *Provider) RecordServe(ctx context.Context, experimentID, policyID string, latency time.Duration, failed bool) {
	if p.serveCounter == nil {
		return
	}
	attrs := metric.WithAttributes(
		attribute.String("experiment.id", experimentID),
		attribute.String("policy.id", policyID),
	)
	p.serveCounter.Add(ctx, 1, attrs)
	p.latencyHist.Record(ctx, float64(latency)/float64(time.Millisecond), attrs)
	if failed {
		p.errorCounter.Add(ctx, 1, attrs)
	}
}

// TrackServe brackets one in-flight serve: it opens a span, bumps the
// active gauge, and returns the closer.
func (p *Provider) TrackServe(ctx context.Context, experimentID string) (context.Context, func()) {
	if p.activeServes == nil {
		return ctx, func() {}
	}
	attrs := metric.WithAttributes(attribute.String("experiment.id", experimentID))
	ctx, span := p.tracer.Start(ctx, "bandit.serve",
		trace.WithSpanKind(trace.SpanKindServer),
		trace.WithAttributes(attribute.String("experiment.id", experimentID)))
	p.activeServes.Add(ctx, 1, attrs)
	return ctx, func() {
		p.activeServes.Add(ctx, -1, attrs)
		span.End()
	}
}

// Shutdown flushes and stops both providers.
func (p *Provider) Shutdown(ctx context.Context) error {
	if p.tracerProvider != nil {
		if err := p.tracerProvider.Shutdown(ctx); err != nil {
			p.logger.ErrorContext(ctx, "trace provider shutdown failed", "error", err)
		}
	}
	if p.meterProvider != nil {
		if err := p.meterProvider.Shutdown(ctx); err != nil {
			p.logger.ErrorContext(ctx, "meter provider shutdown failed", "error", err)
		}
	}
	return nil
}
