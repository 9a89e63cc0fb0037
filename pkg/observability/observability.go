// Package observability provides OpenTelemetry tracing and metrics for
// the pipeline, the doc-freshness SLO tracker, and the fault injection
// registry used by chaos tests.
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

// Event result attribute values.
const (
	ResultOK        = "ok"
	ResultDuplicate = "duplicate"
	ResultError     = "error"
	ResultDLQ       = "dlq"
)

// Config configures the OpenTelemetry providers.
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

// DefaultConfig returns development defaults.
func DefaultConfig() *Config {
	return &Config{
		ServiceName:    "gitguard",
		ServiceVersion: "1.0.0",
		Environment:    "development",
		OTLPEndpoint:   "localhost:4317",
		SampleRate:     1.0,
		BatchTimeout:   5 * time.Second,
		Enabled:        true,
		Insecure:       true,
	}
}

// Provider manages the trace and metric providers plus the pipeline's
// instruments. A disabled provider is safe to use; every record call
// becomes a no-op.
type Provider struct {
	config         *Config
	tracerProvider *sdktrace.TracerProvider
	meterProvider  *sdkmetric.MeterProvider
	tracer         trace.Tracer
	meter          metric.Meter
	logger         *slog.Logger

	eventsTotal     metric.Int64Counter
	activitySeconds metric.Float64Histogram
	docFreshSeconds metric.Float64Histogram
	graphAPISeconds metric.Float64Histogram
	chaosTotal      metric.Int64Counter
	chaosSuccess    metric.Int64Counter
}

// New creates a provider and installs it globally.
func New(ctx context.Context, config *Config) (*Provider, error) {
	if config == nil {
		config = DefaultConfig()
	}

	p := &Provider{
		config: config,
		logger: slog.Default().With("component", "observability"),
	}

	if !config.Enabled {
		p.logger.InfoContext(ctx, "observability disabled")
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
		return nil, fmt.Errorf("failed to create resource: %w", err)
	}

	if err := p.initTraceProvider(ctx, res); err != nil {
		return nil, fmt.Errorf("failed to init trace provider: %w", err)
	}
	if err := p.initMetricProvider(ctx, res); err != nil {
		return nil, fmt.Errorf("failed to init metric provider: %w", err)
	}

	p.tracer = otel.Tracer("gitguard",
		trace.WithInstrumentationVersion(config.ServiceVersion),
	)
	p.meter = otel.Meter("gitguard",
		metric.WithInstrumentationVersion(config.ServiceVersion),
	)

	if err := p.initInstruments(); err != nil {
		return nil, fmt.Errorf("failed to init instruments: %w", err)
	}

	p.logger.InfoContext(ctx, "observability initialized",
		"service", config.ServiceName,
		"environment", config.Environment,
		"endpoint", config.OTLPEndpoint,
		"sample_rate", config.SampleRate,
	)
	return p, nil
}

func (p *Provider) initTraceProvider(ctx context.Context, res *resource.Resource) error {
	opts := []otlptracegrpc.Option{
		otlptracegrpc.WithEndpoint(p.config.OTLPEndpoint),
	}
	if p.config.Insecure {
		opts = append(opts, otlptracegrpc.WithInsecure())
	}

	exporter, err := otlptracegrpc.New(ctx, opts...)
	if err != nil {
		return fmt.Errorf("failed to create trace exporter: %w", err)
	}

	var sampler sdktrace.Sampler
	switch {
	case p.config.SampleRate >= 1.0:
		sampler = sdktrace.AlwaysSample()
	case p.config.SampleRate <= 0.0:
		sampler = sdktrace.NeverSample()
	default:
		sampler = sdktrace.TraceIDRatioBased(p.config.SampleRate)
	}

	p.tracerProvider = sdktrace.NewTracerProvider(
		sdktrace.WithResource(res),
		sdktrace.WithBatcher(exporter,
			sdktrace.WithBatchTimeout(p.config.BatchTimeout),
		),
		sdktrace.WithSampler(sampler),
	)

	otel.SetTracerProvider(p.tracerProvider)
	otel.SetTextMapPropagator(propagation.NewCompositeTextMapPropagator(
		propagation.TraceContext{},
		propagation.Baggage{},
	))
	return nil
}

func (p *Provider) initMetricProvider(ctx context.Context, res *resource.Resource) error {
	opts := []otlpmetricgrpc.Option{
		otlpmetricgrpc.WithEndpoint(p.config.OTLPEndpoint),
	}
	if p.config.Insecure {
		opts = append(opts, otlpmetricgrpc.WithInsecure())
	}

	exporter, err := otlpmetricgrpc.New(ctx, opts...)
	if err != nil {
		return fmt.Errorf("failed to create metric exporter: %w", err)
	}

	p.meterProvider = sdkmetric.NewMeterProvider(
		sdkmetric.WithResource(res),
		sdkmetric.WithReader(sdkmetric.NewPeriodicReader(exporter,
			sdkmetric.WithInterval(15*time.Second),
		)),
	)
	otel.SetMeterProvider(p.meterProvider)
	return nil
}

func (p *Provider) initInstruments() error {
	var err error

	p.eventsTotal, err = p.meter.Int64Counter("events_total",
		metric.WithDescription("Webhook events by terminal result"),
		metric.WithUnit("{event}"),
	)
	if err != nil {
		return err
	}

	p.activitySeconds, err = p.meter.Float64Histogram("activity_seconds",
		metric.WithDescription("Workflow activity duration in seconds"),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(0.005, 0.01, 0.05, 0.1, 0.5, 1, 5, 15, 30, 60, 120),
	)
	if err != nil {
		return err
	}

	p.docFreshSeconds, err = p.meter.Float64Histogram("doc_fresh_seconds",
		metric.WithDescription("Event receipt to portal publish latency in seconds"),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(1, 5, 15, 30, 60, 120, 180, 300, 600),
	)
	if err != nil {
		return err
	}

	p.graphAPISeconds, err = p.meter.Float64Histogram("graph_api_response_seconds",
		metric.WithDescription("Graph API response time in seconds"),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(0.001, 0.005, 0.01, 0.05, 0.1, 0.5, 1, 2.5),
	)
	if err != nil {
		return err
	}

	p.chaosTotal, err = p.meter.Int64Counter("chaos_drill_total",
		metric.WithDescription("Injected faults by fault point"),
		metric.WithUnit("{fault}"),
	)
	if err != nil {
		return err
	}

	p.chaosSuccess, err = p.meter.Int64Counter("chaos_drill_success_total",
		metric.WithDescription("Drills where the pipeline recovered after an injected fault"),
		metric.WithUnit("{fault}"),
	)
	return err
}

// Shutdown flushes and stops the providers.
func (p *Provider) Shutdown(ctx context.Context) error {
	if p.tracerProvider != nil {
		if err := p.tracerProvider.Shutdown(ctx); err != nil {
			p.logger.ErrorContext(ctx, "failed to shutdown trace provider", "error", err)
		}
	}
	if p.meterProvider != nil {
		if err := p.meterProvider.Shutdown(ctx); err != nil {
			p.logger.ErrorContext(ctx, "failed to shutdown metric provider", "error", err)
		}
	}
	return nil
}

// Tracer returns the configured tracer.
func (p *Provider) Tracer() trace.Tracer {
	if p.tracer == nil {
		return otel.Tracer("gitguard")
	}
	return p.tracer
}

// StartSpan starts a span.
func (p *Provider) StartSpan(ctx context.Context, name string, opts ...trace.SpanStartOption) (context.Context, trace.Span) {
	return p.Tracer().Start(ctx, name, opts...)
}

// RecordEvent counts one event reaching a terminal result.
func (p *Provider) RecordEvent(ctx context.Context, result string) {
	if p.eventsTotal != nil {
		p.eventsTotal.Add(ctx, 1, metric.WithAttributes(attribute.String("result", result)))
	}
}

// RecordActivity records one workflow activity execution.
func (p *Provider) RecordActivity(ctx context.Context, activity string, d time.Duration, err error) {
	if p.activitySeconds != nil {
		p.activitySeconds.Record(ctx, d.Seconds(), metric.WithAttributes(
			attribute.String("name", activity),
			attribute.Bool("error", err != nil),
		))
	}
}

// RecordFreshness records event-to-portal latency.
func (p *Provider) RecordFreshness(ctx context.Context, d time.Duration) {
	if p.docFreshSeconds != nil {
		p.docFreshSeconds.Record(ctx, d.Seconds())
	}
}

// RecordGraphAPI records one graph API response.
func (p *Provider) RecordGraphAPI(ctx context.Context, endpoint string, status int, d time.Duration) {
	if p.graphAPISeconds != nil {
		p.graphAPISeconds.Record(ctx, d.Seconds(), metric.WithAttributes(
			attribute.String("endpoint", endpoint),
			attribute.Int("status", status),
		))
	}
}

// RecordChaos counts one injected fault.
func (p *Provider) RecordChaos(ctx context.Context, point string) {
	if p.chaosTotal != nil {
		p.chaosTotal.Add(ctx, 1, metric.WithAttributes(attribute.String("point", point)))
	}
}

// RecordChaosSuccess counts one drill where the pipeline converged after
// the injected fault.
func (p *Provider) RecordChaosSuccess(ctx context.Context, point string) {
	if p.chaosSuccess != nil {
		p.chaosSuccess.Add(ctx, 1, metric.WithAttributes(attribute.String("point", point)))
	}
}

// RegisterPendingGauge exposes stream consumer lag as an observable
// gauge labeled by the consumer group; read is called at collection
// time per subject.
func (p *Provider) RegisterPendingGauge(consumer string, read func(ctx context.Context) map[string]int64) error {
	if p.meter == nil {
		return nil
	}
	gauge, err := p.meter.Int64ObservableGauge("stream_consumer_pending",
		metric.WithDescription("Delivered but unacknowledged messages per subject"),
		metric.WithUnit("{message}"),
	)
	if err != nil {
		return err
	}
	_, err = p.meter.RegisterCallback(func(ctx context.Context, o metric.Observer) error {
		for subject, n := range read(ctx) {
			o.ObserveInt64(gauge, n, metric.WithAttributes(
				attribute.String("consumer", consumer),
				attribute.String("subject", subject),
			))
		}
		return nil
	}, gauge)
	return err
}
