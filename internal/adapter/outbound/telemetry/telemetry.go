// Package telemetry sets up OpenTelemetry trace and metric providers for the
// governor process.
//
// The only exporter is stdout, which writes spans and periodic metric snapshots
// as JSON to the configured writer. With exporter "none" the providers are
// no-ops and recording costs nothing.
package telemetry

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/stdout/stdoutmetric"
	"go.opentelemetry.io/otel/exporters/stdout/stdouttrace"
	"go.opentelemetry.io/otel/metric"
	metricnoop "go.opentelemetry.io/otel/metric/noop"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/trace"
	tracenoop "go.opentelemetry.io/otel/trace/noop"
)

// Exporter names.
const (
	ExporterNone   = "none"
	ExporterStdout = "stdout"
)

const instrumentationName = "github.com/Sentinel-Gate/governor"

// Config selects the exporter.
type Config struct {
	Exporter       string
	ServiceVersion string
	MetricInterval time.Duration
	// Writer receives stdout exports. Defaults to io.Discard.
	Writer io.Writer
}

// Provider owns the trace and meter providers and the ledger instruments.
type Provider struct {
	tracerProvider trace.TracerProvider
	meterProvider  metric.MeterProvider
	shutdowns      []func(context.Context) error

	appends        metric.Int64Counter
	appendDuration metric.Float64Histogram
	logger         *slog.Logger
}

// New builds a Provider for cfg.
func New(ctx context.Context, cfg Config, logger *slog.Logger) (*Provider, error) {
	p := &Provider{logger: logger}

	switch cfg.Exporter {
	case "", ExporterNone:
		p.tracerProvider = tracenoop.NewTracerProvider()
		p.meterProvider = metricnoop.NewMeterProvider()
	case ExporterStdout:
		if err := p.initStdout(ctx, cfg); err != nil {
			return nil, err
		}
	default:
		return nil, fmt.Errorf("unknown telemetry exporter %q", cfg.Exporter)
	}

	if err := p.initInstruments(); err != nil {
		_ = p.Shutdown(ctx)
		return nil, err
	}
	return p, nil
}

func (p *Provider) initStdout(ctx context.Context, cfg Config) error {
	w := cfg.Writer
	if w == nil {
		w = io.Discard
	}
	interval := cfg.MetricInterval
	if interval <= 0 {
		interval = 30 * time.Second
	}

	res := resource.NewSchemaless(
		attribute.String("service.name", "governor"),
		attribute.String("service.version", cfg.ServiceVersion),
	)

	spanExporter, err := stdouttrace.New(stdouttrace.WithWriter(w))
	if err != nil {
		return fmt.Errorf("create trace exporter: %w", err)
	}
	tp := sdktrace.NewTracerProvider(
		sdktrace.WithResource(res),
		sdktrace.WithBatcher(spanExporter),
	)

	metricExporter, err := stdoutmetric.New(stdoutmetric.WithWriter(w))
	if err != nil {
		_ = tp.Shutdown(ctx)
		return fmt.Errorf("create metric exporter: %w", err)
	}
	mp := sdkmetric.NewMeterProvider(
		sdkmetric.WithResource(res),
		sdkmetric.WithReader(sdkmetric.NewPeriodicReader(metricExporter,
			sdkmetric.WithInterval(interval),
		)),
	)

	p.tracerProvider = tp
	p.meterProvider = mp
	// Metrics last so spans recorded during shutdown are still counted.
	p.shutdowns = append(p.shutdowns, tp.Shutdown, mp.Shutdown)

	p.logger.InfoContext(ctx, "telemetry initialized",
		"exporter", cfg.Exporter,
		"metric_interval", interval,
	)
	return nil
}

func (p *Provider) initInstruments() error {
	meter := p.meterProvider.Meter(instrumentationName)

	var err error
	p.appends, err = meter.Int64Counter("governor.ledger.appends",
		metric.WithDescription("Ledger append attempts by outcome"),
		metric.WithUnit("{append}"),
	)
	if err != nil {
		return fmt.Errorf("create append counter: %w", err)
	}

	p.appendDuration, err = meter.Float64Histogram("governor.ledger.append.duration",
		metric.WithDescription("Ledger append latency in seconds"),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(0.0005, 0.001, 0.005, 0.01, 0.05, 0.1, 0.5, 1, 5),
	)
	if err != nil {
		return fmt.Errorf("create append histogram: %w", err)
	}
	return nil
}

// TracerProvider returns the provider handed to the orchestrator.
func (p *Provider) TracerProvider() trace.TracerProvider { return p.tracerProvider }

// RecordLedgerAppend records one append attempt.
func (p *Provider) RecordLedgerAppend(d time.Duration, err error) {
	status := "ok"
	switch {
	case errors.Is(err, context.DeadlineExceeded):
		status = "timeout"
	case err != nil:
		status = "error"
	}
	attrs := metric.WithAttributes(attribute.String("status", status))
	ctx := context.Background()
	p.appends.Add(ctx, 1, attrs)
	p.appendDuration.Record(ctx, d.Seconds(), attrs)
}

// Shutdown flushes pending exports. Safe to call on a no-op provider.
func (p *Provider) Shutdown(ctx context.Context) error {
	var errs []error
	for _, fn := range p.shutdowns {
		if err := fn(ctx); err != nil {
			errs = append(errs, err)
		}
	}
	p.shutdowns = nil
	return errors.Join(errs...)
}
