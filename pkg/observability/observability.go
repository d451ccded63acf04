// Package observability exports the engine's accumulator snapshots and
// cache counters as OpenTelemetry metrics over OTLP. Metrics only; the
// engine carries no tracing of its own.
package observability

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/exporters/otlp/otlpmetric/otlpmetricgrpc"
	"go.opentelemetry.io/otel/metric"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/resource"
	semconv "go.opentelemetry.io/otel/semconv/v1.26.0"

	"github.com/castellan-io/castellan/pkg/cache"
	"github.com/castellan-io/castellan/pkg/metrics"
)

// Config configures the OTLP metric export.
type Config struct {
	ServiceName    string
	ServiceVersion string
	OTLPEndpoint   string // e.g. "localhost:4317"
	ExportInterval time.Duration
	Enabled        bool
	Insecure       bool
}

// DefaultConfig returns development-friendly defaults.
func DefaultConfig() *Config {
	return &Config{
		ServiceName:    "castellan",
		ServiceVersion: "0.1.0",
		OTLPEndpoint:   "localhost:4317",
		ExportInterval: 15 * time.Second,
		Enabled:        true,
		Insecure:       true,
	}
}

// Sources are the engine internals the provider scrapes.
type Sources struct {
	Decision   *metrics.Accumulator
	Validation *metrics.Accumulator
	// CacheStats returns the tier-1 counters. Optional.
	CacheStats func() cache.Stats
}

// Provider owns the meter provider lifecycle.
type Provider struct {
	config        *Config
	meterProvider *sdkmetric.MeterProvider
	logger        *slog.Logger
}

// New builds the provider and registers the observable instruments.
func New(ctx context.Context, config *Config, sources Sources) (*Provider, error) {
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
		),
	)
	if err != nil {
		return nil, fmt.Errorf("observability: resource: %w", err)
	}

	exporterOpts := []otlpmetricgrpc.Option{
		otlpmetricgrpc.WithEndpoint(config.OTLPEndpoint),
	}
	if config.Insecure {
		exporterOpts = append(exporterOpts, otlpmetricgrpc.WithInsecure())
	}
	exporter, err := otlpmetricgrpc.New(ctx, exporterOpts...)
	if err != nil {
		return nil, fmt.Errorf("observability: otlp exporter: %w", err)
	}

	p.meterProvider = sdkmetric.NewMeterProvider(
		sdkmetric.WithResource(res),
		sdkmetric.WithReader(sdkmetric.NewPeriodicReader(exporter,
			sdkmetric.WithInterval(config.ExportInterval))),
	)
	otel.SetMeterProvider(p.meterProvider)

	if err := p.register(sources); err != nil {
		return nil, err
	}
	p.logger.InfoContext(ctx, "observability initialized", "endpoint", config.OTLPEndpoint)
	return p, nil
}

func (p *Provider) register(sources Sources) error {
	meter := otel.Meter("castellan.engine",
		metric.WithInstrumentationVersion(p.config.ServiceVersion))

	if sources.Decision != nil {
		if err := registerAccumulator(meter, "castellan.decision", sources.Decision); err != nil {
			return err
		}
	}
	if sources.Validation != nil {
		if err := registerAccumulator(meter, "castellan.validation", sources.Validation); err != nil {
			return err
		}
	}
	if sources.CacheStats != nil {
		if err := registerCache(meter, sources.CacheStats); err != nil {
			return err
		}
	}
	return nil
}

func registerAccumulator(meter metric.Meter, prefix string, acc *metrics.Accumulator) error {
	calls, err := meter.Int64ObservableCounter(prefix + ".calls_total")
	if err != nil {
		return fmt.Errorf("observability: %s calls instrument: %w", prefix, err)
	}
	errorsCtr, err := meter.Int64ObservableCounter(prefix + ".errors_total")
	if err != nil {
		return fmt.Errorf("observability: %s errors instrument: %w", prefix, err)
	}
	avgLatency, err := meter.Float64ObservableGauge(prefix+".latency_avg_ms",
		metric.WithUnit("ms"))
	if err != nil {
		return fmt.Errorf("observability: %s latency instrument: %w", prefix, err)
	}
	maxLatency, err := meter.Float64ObservableGauge(prefix+".latency_max_ms",
		metric.WithUnit("ms"))
	if err != nil {
		return fmt.Errorf("observability: %s max latency instrument: %w", prefix, err)
	}
	violations, err := meter.Int64ObservableCounter(prefix + ".threshold_violations_total")
	if err != nil {
		return fmt.Errorf("observability: %s violations instrument: %w", prefix, err)
	}

	_, err = meter.RegisterCallback(func(_ context.Context, o metric.Observer) error {
		s := acc.Snapshot()
		o.ObserveInt64(calls, s.TotalCalls)
		o.ObserveInt64(errorsCtr, s.ErrorCount)
		o.ObserveFloat64(avgLatency, s.AverageLatencyMs)
		o.ObserveFloat64(maxLatency, s.MaxLatencyMs)
		o.ObserveInt64(violations, s.ThresholdViolations)
		return nil
	}, calls, errorsCtr, avgLatency, maxLatency, violations)
	if err != nil {
		return fmt.Errorf("observability: %s callback: %w", prefix, err)
	}
	return nil
}

func registerCache(meter metric.Meter, stats func() cache.Stats) error {
	hits, err := meter.Int64ObservableCounter("castellan.cache.hits_total")
	if err != nil {
		return fmt.Errorf("observability: cache hits instrument: %w", err)
	}
	misses, err := meter.Int64ObservableCounter("castellan.cache.misses_total")
	if err != nil {
		return fmt.Errorf("observability: cache misses instrument: %w", err)
	}
	evictions, err := meter.Int64ObservableCounter("castellan.cache.evictions_total")
	if err != nil {
		return fmt.Errorf("observability: cache evictions instrument: %w", err)
	}
	hitRate, err := meter.Float64ObservableGauge("castellan.cache.hit_rate")
	if err != nil {
		return fmt.Errorf("observability: cache hit rate instrument: %w", err)
	}

	_, err = meter.RegisterCallback(func(_ context.Context, o metric.Observer) error {
		s := stats()
		o.ObserveInt64(hits, s.Hits)
		o.ObserveInt64(misses, s.Misses)
		o.ObserveInt64(evictions, s.Evictions)
		o.ObserveFloat64(hitRate, s.HitRate())
		return nil
	}, hits, misses, evictions, hitRate)
	if err != nil {
		return fmt.Errorf("observability: cache callback: %w", err)
	}
	return nil
}

// Shutdown flushes and stops the meter provider.
func (p *Provider) Shutdown(ctx context.Context) error {
	if p.meterProvider == nil {
		return nil
	}
	if err := p.meterProvider.Shutdown(ctx); err != nil {
		return fmt.Errorf("observability: shutdown: %w", err)
	}
	return nil
}
