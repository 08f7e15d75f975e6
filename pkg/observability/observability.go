// Package observability provides OpenTelemetry tracing and metrics
// for the coordination core: transaction counters, negotiation round
// histograms and RED-style request metrics, exported over OTLP gRPC.
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

	"github.com/solaceprotocol/acp-core/pkg/protocol"
)

const instrumentationName = "solaceprotocol.acp-core"

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

// DefaultConfig returns defaults with telemetry disabled; operators
// opt in by setting an endpoint.
func DefaultConfig() *Config {
	return &Config{
		ServiceName:    "acp-core",
		ServiceVersion: protocol.Version,
		Environment:    "development",
		OTLPEndpoint:   "localhost:4317",
		SampleRate:     1.0,
		BatchTimeout:   5 * time.Second,
		Enabled:        false,
		Insecure:       false,
	}
}

// Provider manages the trace and metric pipelines.
type Provider struct {
	config         *Config
	tracerProvider *sdktrace.TracerProvider
	meterProvider  *sdkmetric.MeterProvider
	tracer         trace.Tracer
	meter          metric.Meter
	logger         *slog.Logger

	txStarted   metric.Int64Counter
	txCompleted metric.Int64Counter
	txFailed    metric.Int64Counter
	rounds      metric.Int64Histogram
	errors      metric.Int64Counter
	duration    metric.Float64Histogram
}

// New creates an observability provider. With Enabled false it is a
// cheap no-op.
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
		return nil, fmt.Errorf("create resource: %w", err)
	}

	if err := p.initTraceProvider(ctx, res); err != nil {
		return nil, fmt.Errorf("init trace provider: %w", err)
	}
	if err := p.initMetricProvider(ctx, res); err != nil {
		return nil, fmt.Errorf("init metric provider: %w", err)
	}

	p.tracer = otel.Tracer(instrumentationName,
		trace.WithInstrumentationVersion(config.ServiceVersion))
	p.meter = otel.Meter(instrumentationName,
		metric.WithInstrumentationVersion(config.ServiceVersion))

	if err := p.initMetrics(); err != nil {
		return nil, fmt.Errorf("init metrics: %w", err)
	}

	p.logger.InfoContext(ctx, "observability initialized",
		"service", config.ServiceName, "endpoint", config.OTLPEndpoint)
	return p, nil
}

func (p *Provider) initTraceProvider(ctx context.Context, res *resource.Resource) error {
	opts := []otlptracegrpc.Option{otlptracegrpc.WithEndpoint(p.config.OTLPEndpoint)}
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

func (p *Provider) initMetricProvider(ctx context.Context, res *resource.Resource) error {
	opts := []otlpmetricgrpc.Option{otlpmetricgrpc.WithEndpoint(p.config.OTLPEndpoint)}
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
			sdkmetric.WithInterval(15*time.Second))),
	)
	otel.SetMeterProvider(p.meterProvider)
	return nil
}

func (p *Provider) initMetrics() error {
	var err error

	p.txStarted, err = p.meter.Int64Counter("acp.transactions.started",
		metric.WithDescription("Transactions opened by requesters"),
		metric.WithUnit("{transaction}"))
	if err != nil {
		return err
	}
	p.txCompleted, err = p.meter.Int64Counter("acp.transactions.completed",
		metric.WithDescription("Transactions that reached the Completed phase"),
		metric.WithUnit("{transaction}"))
	if err != nil {
		return err
	}
	p.txFailed, err = p.meter.Int64Counter("acp.transactions.failed",
		metric.WithDescription("Transactions that failed, expired or were cancelled"),
		metric.WithUnit("{transaction}"))
	if err != nil {
		return err
	}
	p.rounds, err = p.meter.Int64Histogram("acp.negotiation.rounds",
		metric.WithDescription("Rounds needed to conclude a negotiation"),
		metric.WithUnit("{round}"),
		metric.WithExplicitBucketBoundaries(1, 2, 3, 4, 5, 6, 8, 10))
	if err != nil {
		return err
	}
	p.errors, err = p.meter.Int64Counter("acp.errors.total",
		metric.WithDescription("Operations that returned an error"),
		metric.WithUnit("{error}"))
	if err != nil {
		return err
	}
	p.duration, err = p.meter.Float64Histogram("acp.operation.duration",
		metric.WithDescription("Operation duration in seconds"),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1.0, 2.5))
	if err != nil {
		return err
	}
	return nil
}

// Shutdown flushes and stops the pipelines.
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

// Tracer returns the configured tracer.
func (p *Provider) Tracer() trace.Tracer {
	if p.tracer == nil {
		return otel.Tracer(instrumentationName)
	}
	return p.tracer
}

// StartSpan starts a span on the provider's tracer.
func (p *Provider) StartSpan(ctx context.Context, name string, opts ...trace.SpanStartOption) (context.Context, trace.Span) {
	return p.Tracer().Start(ctx, name, opts...)
}

// RecordTransactionStarted counts a new transaction.
func (p *Provider) RecordTransactionStarted(ctx context.Context, attrs ...attribute.KeyValue) {
	if p.txStarted != nil {
		p.txStarted.Add(ctx, 1, metric.WithAttributes(attrs...))
	}
}

// RecordPhaseChange counts terminal outcomes and ignores intermediate
// transitions.
func (p *Provider) RecordPhaseChange(ctx context.Context, to protocol.Phase) {
	switch to {
	case protocol.PhaseCompleted:
		if p.txCompleted != nil {
			p.txCompleted.Add(ctx, 1)
		}
	case protocol.PhaseFailed, protocol.PhaseCancelled, protocol.PhaseExpired:
		if p.txFailed != nil {
			p.txFailed.Add(ctx, 1, metric.WithAttributes(
				attribute.String("phase", to.String())))
		}
	}
}

// RecordNegotiationRounds records how many rounds a negotiation took.
func (p *Provider) RecordNegotiationRounds(ctx context.Context, rounds int) {
	if p.rounds != nil {
		p.rounds.Record(ctx, int64(rounds))
	}
}

// RecordError counts an operation error.
func (p *Provider) RecordError(ctx context.Context, err error, attrs ...attribute.KeyValue) {
	if p.errors != nil {
		all := append(attrs, attribute.String("error.type", fmt.Sprintf("%T", err)))
		p.errors.Add(ctx, 1, metric.WithAttributes(all...))
	}
}

// RecordDuration records an operation's latency.
func (p *Provider) RecordDuration(ctx context.Context, d time.Duration, attrs ...attribute.KeyValue) {
	if p.duration != nil {
		p.duration.Record(ctx, d.Seconds(), metric.WithAttributes(attrs...))
	}
}
