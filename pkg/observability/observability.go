// Package observability exports governance telemetry over OpenTelemetry:
// evaluation counters by verdict, rejection reasons, escalations, ledger
// appends, reroute iterations, drift events, and evaluation latency.
// Traces and metrics ship over OTLP gRPC.
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

// Config configures the OpenTelemetry providers.
type Config struct {
	ServiceName    string
	ServiceVersion string
	Environment    string
	OTLPEndpoint   string
	SampleRate     float64
	BatchTimeout   time.Duration
	Enabled        bool
	Insecure       bool
}

// DefaultConfig returns development defaults.
func DefaultConfig() *Config {
	return &Config{
		ServiceName:    "gap-kernel",
		ServiceVersion: "0.1.0",
		Environment:    "development",
		OTLPEndpoint:   "localhost:4317",
		SampleRate:     1.0,
		BatchTimeout:   5 * time.Second,
		Enabled:        true,
	}
}

// Provider manages trace and metric providers and implements the
// kernel's Metrics interface. A disabled provider is a safe no-op.
type Provider struct {
	config         *Config
	tracerProvider *sdktrace.TracerProvider
	meterProvider  *sdkmetric.MeterProvider
	tracer         trace.Tracer
	meter          metric.Meter
	logger         *slog.Logger

	evaluations   metric.Int64Counter
	rejections    metric.Int64Counter
	escalations   metric.Int64Counter
	ledgerAppends metric.Int64Counter
	reroutes      metric.Int64Counter
	drifts        metric.Int64Counter
	evalDuration  metric.Float64Histogram
}

// New creates an observability provider.
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
			attribute.String("gap.component", "kernel"),
		),
	)
	if err != nil {
		return nil, fmt.Errorf("create resource: %w", err)
	}

	if err := p.initTraceProvider(ctx, res); err != nil {
		return nil, fmt.Errorf("init trace provider: %w", err)
	}
	if err := p.initMetricProvider(ctx, res); err != nil {
		return nil, fmt.Errorf("init metric provider: %w", err)
	}

	p.tracer = otel.Tracer("gap.kernel",
		trace.WithInstrumentationVersion(config.ServiceVersion))
	p.meter = otel.Meter("gap.kernel",
		metric.WithInstrumentationVersion(config.ServiceVersion))

	if err := p.initInstruments(); err != nil {
		return nil, fmt.Errorf("init instruments: %w", err)
	}

	p.logger.InfoContext(ctx, "observability initialized",
		"service", config.ServiceName,
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
		return fmt.Errorf("create trace exporter: %w", err)
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
		return fmt.Errorf("create metric exporter: %w", err)
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

	p.evaluations, err = p.meter.Int64Counter("gap.evaluations.total",
		metric.WithDescription("Authorization evaluations by verdict"),
		metric.WithUnit("{evaluation}"),
	)
	if err != nil {
		return err
	}

	p.rejections, err = p.meter.Int64Counter("gap.rejections.total",
		metric.WithDescription("Rejections by reason code"),
		metric.WithUnit("{rejection}"),
	)
	if err != nil {
		return err
	}

	p.escalations, err = p.meter.Int64Counter("gap.escalations.total",
		metric.WithDescription("Escalations to human decision-makers"),
		metric.WithUnit("{escalation}"),
	)
	if err != nil {
		return err
	}

	p.ledgerAppends, err = p.meter.Int64Counter("gap.ledger.appends.total",
		metric.WithDescription("Decision records appended to the lineage chain"),
		metric.WithUnit("{record}"),
	)
	if err != nil {
		return err
	}

	p.reroutes, err = p.meter.Int64Counter("gap.reroute.iterations.total",
		metric.WithDescription("Reroute loop iterations across all actions"),
		metric.WithUnit("{iteration}"),
	)
	if err != nil {
		return err
	}

	p.drifts, err = p.meter.Int64Counter("gap.drift.events.total",
		metric.WithDescription("Drift events detected by the reconciler"),
		metric.WithUnit("{event}"),
	)
	if err != nil {
		return err
	}

	p.evalDuration, err = p.meter.Float64Histogram("gap.evaluation.duration",
		metric.WithDescription("Evaluation duration in seconds"),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1.0, 2.5),
	)
	return err
}

// Evaluation implements the kernel metrics sink.
func (p *Provider) Evaluation(verdict string) {
	if p.evaluations != nil {
		p.evaluations.Add(context.Background(), 1,
			metric.WithAttributes(attribute.String("verdict", verdict)))
	}
}

// Rejection implements the kernel metrics sink.
func (p *Provider) Rejection(reasonCode string) {
	if p.rejections != nil {
		p.rejections.Add(context.Background(), 1,
			metric.WithAttributes(attribute.String("reason_code", reasonCode)))
	}
}

// Escalation implements the kernel metrics sink.
func (p *Provider) Escalation() {
	if p.escalations != nil {
		p.escalations.Add(context.Background(), 1)
	}
}

// LedgerAppend implements the kernel metrics sink.
func (p *Provider) LedgerAppend() {
	if p.ledgerAppends != nil {
		p.ledgerAppends.Add(context.Background(), 1)
	}
}

// RerouteIteration counts one reroute loop attempt.
func (p *Provider) RerouteIteration(actionType string) {
	if p.reroutes != nil {
		p.reroutes.Add(context.Background(), 1,
			metric.WithAttributes(attribute.String("action_type", actionType)))
	}
}

// DriftDetected counts one reconciler drift event.
func (p *Provider) DriftDetected(entityID string, severity int) {
	if p.drifts != nil {
		p.drifts.Add(context.Background(), 1,
			metric.WithAttributes(
				attribute.String("entity_id", entityID),
				attribute.Int("severity", severity),
			))
	}
}

// EvaluationDuration records how long one evaluation took.
func (p *Provider) EvaluationDuration(d time.Duration, verdict string) {
	if p.evalDuration != nil {
		p.evalDuration.Record(context.Background(), d.Seconds(),
			metric.WithAttributes(attribute.String("verdict", verdict)))
	}
}

// Tracer returns the configured tracer.
func (p *Provider) Tracer() trace.Tracer {
	if p.tracer == nil {
		return otel.Tracer("gap.kernel")
	}
	return p.tracer
}

// StartSpan starts a span on the provider's tracer.
func (p *Provider) StartSpan(ctx context.Context, name string, opts ...trace.SpanStartOption) (context.Context, trace.Span) {
	return p.Tracer().Start(ctx, name, opts...)
}

// Shutdown flushes and stops the providers.
func (p *Provider) Shutdown(ctx context.Context) error {
	if p.tracerProvider != nil {
		if err := p.tracerProvider.Shutdown(ctx); err != nil {
			p.logger.ErrorContext(ctx, "trace provider shutdown failed", "error", err)
		}
	}
	if p.meterProvider != nil {
		if err := p.meterProvider.Shutdown(ctx); err != nil {
			p.logger.ErrorContext(ctx, "metric provider shutdown failed", "error", err)
		}
	}
	return nil
}
