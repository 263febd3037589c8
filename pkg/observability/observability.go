// Package observability provides OpenTelemetry tracing and RED metrics for
// the registry. Telemetry is off unless enabled in configuration; a disabled
// Provider hands out no-op instruments from the global otel providers.
package observability

import (
	"context"
	"errors"
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

const instrumentationName = "github.com/Mindburn-Labs/echocrypt"

// Config configures the OpenTelemetry providers.
type Config struct {
	ServiceName    string
	ServiceVersion string
	Environment    string
	OTLPEndpoint   string // e.g. "localhost:4317"
	SampleRate     float64
	BatchTimeout   time.Duration
	ExportInterval time.Duration
	Enabled        bool
	Insecure       bool

	// ErrorClass labels failed operations in metrics. Without it the
	// label is "error".
	ErrorClass func(error) string
}

// DefaultConfig returns development defaults with telemetry disabled.
func DefaultConfig() *Config {
	return &Config{
		ServiceName:    "echocrypt",
		ServiceVersion: "0.1.0",
		Environment:    "development",
		OTLPEndpoint:   "localhost:4317",
		SampleRate:     1.0,
		BatchTimeout:   5 * time.Second,
		ExportInterval: 15 * time.Second,
	}
}

// instruments are the counters behind TrackOperation and
// RecordRegistration. All fields are nil while telemetry is disabled.
type instruments struct {
	operations    metric.Int64Counter
	failures      metric.Int64Counter
	duration      metric.Float64Histogram
	inFlight      metric.Int64UpDownCounter
	registrations metric.Int64Counter
}

// Provider owns the trace and metric pipelines of one process.
type Provider struct {
	config *Config
	logger *slog.Logger

	tracerProvider *sdktrace.TracerProvider
	meterProvider  *sdkmetric.MeterProvider
	tracer         trace.Tracer
	meter          metric.Meter
	inst           instruments
}

// New creates a provider. With Enabled=false no exporter is dialed.
func New(ctx context.Context, config *Config) (*Provider, error) {
	if config == nil {
		config = DefaultConfig()
	}
	p := &Provider{
		config: config,
		logger: slog.Default().With("component", "observability"),
	}
	if !config.Enabled {
		p.logger.DebugContext(ctx, "telemetry disabled")
		return p, nil
	}

	res, err := resource.Merge(resource.Default(), resource.NewWithAttributes(
		semconv.SchemaURL,
		semconv.ServiceName(config.ServiceName),
		semconv.ServiceVersion(config.ServiceVersion),
		semconv.DeploymentEnvironment(config.Environment),
	))
	if err != nil {
		return nil, fmt.Errorf("observability: resource: %w", err)
	}

	if p.tracerProvider, err = newTracerProvider(ctx, config, res); err != nil {
		return nil, err
	}
	if p.meterProvider, err = newMeterProvider(ctx, config, res); err != nil {
		_ = p.tracerProvider.Shutdown(ctx)
		return nil, err
	}
	otel.SetTracerProvider(p.tracerProvider)
	otel.SetMeterProvider(p.meterProvider)
	otel.SetTextMapPropagator(propagation.NewCompositeTextMapPropagator(
		propagation.TraceContext{},
		propagation.Baggage{},
	))

	p.tracer = p.tracerProvider.Tracer(instrumentationName, trace.WithInstrumentationVersion(config.ServiceVersion))
	p.meter = p.meterProvider.Meter(instrumentationName, metric.WithInstrumentationVersion(config.ServiceVersion))
	if p.inst, err = newInstruments(p.meter); err != nil {
		_ = p.Shutdown(ctx)
		return nil, fmt.Errorf("observability: instruments: %w", err)
	}

	p.logger.InfoContext(ctx, "telemetry enabled",
		"service", config.ServiceName,
		"environment", config.Environment,
		"endpoint", config.OTLPEndpoint,
		"sample_rate", config.SampleRate,
	)
	return p, nil
}

func newTracerProvider(ctx context.Context, config *Config, res *resource.Resource) (*sdktrace.TracerProvider, error) {
	opts := []otlptracegrpc.Option{otlptracegrpc.WithEndpoint(config.OTLPEndpoint)}
	if config.Insecure {
		opts = append(opts, otlptracegrpc.WithInsecure())
	}
	exporter, err := otlptracegrpc.New(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("observability: trace exporter: %w", err)
	}

	sampler := sdktrace.TraceIDRatioBased(config.SampleRate)
	switch {
	case config.SampleRate >= 1:
		sampler = sdktrace.AlwaysSample()
	case config.SampleRate <= 0:
		sampler = sdktrace.NeverSample()
	}

	return sdktrace.NewTracerProvider(
		sdktrace.WithResource(res),
		sdktrace.WithBatcher(exporter, sdktrace.WithBatchTimeout(config.BatchTimeout)),
		sdktrace.WithSampler(sdktrace.ParentBased(sampler)),
	), nil
}

func newMeterProvider(ctx context.Context, config *Config, res *resource.Resource) (*sdkmetric.MeterProvider, error) {
	opts := []otlpmetricgrpc.Option{otlpmetricgrpc.WithEndpoint(config.OTLPEndpoint)}
	if config.Insecure {
		opts = append(opts, otlpmetricgrpc.WithInsecure())
	}
	exporter, err := otlpmetricgrpc.New(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("observability: metric exporter: %w", err)
	}

	interval := config.ExportInterval
	if interval <= 0 {
		interval = 15 * time.Second
	}
	return sdkmetric.NewMeterProvider(
		sdkmetric.WithResource(res),
		sdkmetric.WithReader(sdkmetric.NewPeriodicReader(exporter, sdkmetric.WithInterval(interval))),
	), nil
}

func newInstruments(m metric.Meter) (instruments, error) {
	var (
		inst instruments
		errs []error
		err  error
	)

	inst.operations, err = m.Int64Counter("echocrypt.operations",
		metric.WithDescription("Registry operations started"),
		metric.WithUnit("{operation}"))
	errs = append(errs, err)

	inst.failures, err = m.Int64Counter("echocrypt.operation.failures",
		metric.WithDescription("Registry operations that returned an error, by error class"),
		metric.WithUnit("{operation}"))
	errs = append(errs, err)

	// Register can spend most of its time waiting for confirmations.
	inst.duration, err = m.Float64Histogram("echocrypt.operation.duration",
		metric.WithDescription("Registry operation latency"),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(0.005, 0.025, 0.1, 0.5, 1, 2.5, 5, 10, 30, 60, 120, 300))
	errs = append(errs, err)

	inst.inFlight, err = m.Int64UpDownCounter("echocrypt.operations.in_flight",
		metric.WithDescription("Registry operations currently running"),
		metric.WithUnit("{operation}"))
	errs = append(errs, err)

	inst.registrations, err = m.Int64Counter("echocrypt.registrations",
		metric.WithDescription("Finished Register calls by outcome"),
		metric.WithUnit("{registration}"))
	errs = append(errs, err)

	return inst, errors.Join(errs...)
}

// Shutdown flushes and stops the providers.
func (p *Provider) Shutdown(ctx context.Context) error {
	var errs []error
	if p.tracerProvider != nil {
		errs = append(errs, p.tracerProvider.Shutdown(ctx))
	}
	if p.meterProvider != nil {
		errs = append(errs, p.meterProvider.Shutdown(ctx))
	}
	if err := errors.Join(errs...); err != nil {
		p.logger.WarnContext(ctx, "telemetry shutdown incomplete", "error", err)
		return err
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

// Meter returns the configured meter.
func (p *Provider) Meter() metric.Meter {
	if p.meter == nil {
		return otel.Meter(instrumentationName)
	}
	return p.meter
}

// RecordRegistration counts a finished Register call by outcome
// ("registered", "reused", "pending", "failed", ...).
func (p *Provider) RecordRegistration(ctx context.Context, outcome string) {
	if p.inst.registrations != nil {
		p.inst.registrations.Add(ctx, 1, metric.WithAttributes(attribute.String("outcome", outcome)))
	}
}

// errorClass labels err for the failure counter.
func (p *Provider) errorClass(err error) string {
	if p.config.ErrorClass != nil {
		return p.config.ErrorClass(err)
	}
	return "error"
}

// TrackOperation starts a span and RED bookkeeping for one operation.
// attrs go on the span only; metrics are labelled by operation name so
// that fingerprints never become metric dimensions. The returned function
// must be called with the operation's error.
func (p *Provider) TrackOperation(ctx context.Context, name string, attrs ...attribute.KeyValue) (context.Context, func(error)) {
	start := time.Now()
	ctx, span := p.Tracer().Start(ctx, name,
		trace.WithSpanKind(trace.SpanKindInternal),
		trace.WithAttributes(attrs...),
	)

	op := metric.WithAttributes(attribute.String("operation", name))
	if p.inst.operations != nil {
		p.inst.operations.Add(ctx, 1, op)
		p.inst.inFlight.Add(ctx, 1, op)
	}

	return ctx, func(err error) {
		defer span.End()
		if err != nil {
			span.RecordError(err)
		}
		if p.inst.operations == nil {
			return
		}
		p.inst.inFlight.Add(ctx, -1, op)
		p.inst.duration.Record(ctx, time.Since(start).Seconds(), op)
		if err != nil {
			p.inst.failures.Add(ctx, 1, metric.WithAttributes(
				attribute.String("operation", name),
				attribute.String("error.class", p.errorClass(err)),
			))
		}
	}
}
