// ABOUTME: OpenTelemetry provider implementation with metric and trace provider setup
// ABOUTME: Handles provider lifecycle, resource attributes, instrument caching and sampling

package telemetry

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sync"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	sdkresource "go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	oteltrace "go.opentelemetry.io/otel/trace"
)

const instrumentationName = "github.com/KevoDB/clocksim"

// TelemetryProvider implements the Telemetry interface using OpenTelemetry SDK.
type TelemetryProvider struct {
	config         Config
	meterProvider  *sdkmetric.MeterProvider
	tracerProvider *sdktrace.TracerProvider
	meter          metric.Meter
	tracer         oteltrace.Tracer
	resource       *sdkresource.Resource
	metricsServer  *http.Server

	mu         sync.Mutex
	counters   map[string]metric.Int64Counter
	histograms map[string]metric.Float64Histogram
}

// New creates a new TelemetryProvider with the given configuration.
// A disabled configuration yields the no-op implementation.
func New(cfg Config) (Telemetry, error) {
	if !cfg.Enabled {
		return NewNoop(), nil
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid telemetry config: %w", err)
	}

	res := sdkresource.NewSchemaless(
		attribute.String("service.name", cfg.ServiceName),
		attribute.String("service.version", cfg.ServiceVersion),
		attribute.String("service.instance.id", uuid.NewString()),
	)

	readers, server, err := createMetricReaders(cfg)
	if err != nil {
		return nil, err
	}

	spanExporters, err := createTraceExporters(cfg)
	if err != nil {
		if server != nil {
			server.Close()
		}
		return nil, err
	}

	metricOpts := []sdkmetric.Option{sdkmetric.WithResource(res)}
	for _, r := range readers {
		metricOpts = append(metricOpts, sdkmetric.WithReader(r))
	}
	meterProvider := sdkmetric.NewMeterProvider(metricOpts...)

	traceOpts := []sdktrace.TracerProviderOption{
		sdktrace.WithResource(res),
		sdktrace.WithSampler(sdktrace.ParentBased(sdktrace.TraceIDRatioBased(cfg.SampleRate))),
	}
	for _, exp := range spanExporters {
		traceOpts = append(traceOpts, sdktrace.WithBatcher(exp,
			sdktrace.WithBatchTimeout(cfg.BatchTimeout),
			sdktrace.WithExportTimeout(cfg.ExportTimeout),
			sdktrace.WithMaxQueueSize(cfg.MaxQueueSize),
			sdktrace.WithMaxExportBatchSize(cfg.MaxExportBatchSize),
		))
	}
	tracerProvider := sdktrace.NewTracerProvider(traceOpts...)

	return &TelemetryProvider{
		config:         cfg,
		meterProvider:  meterProvider,
		tracerProvider: tracerProvider,
		meter:          meterProvider.Meter(instrumentationName),
		tracer:         tracerProvider.Tracer(instrumentationName),
		resource:       res,
		metricsServer:  server,
		counters:       make(map[string]metric.Int64Counter),
		histograms:     make(map[string]metric.Float64Histogram),
	}, nil
}

// RecordHistogram records value in the named histogram, creating it on first use.
func (p *TelemetryProvider) RecordHistogram(ctx context.Context, name string, value float64, attrs ...attribute.KeyValue) {
	p.mu.Lock()
	h, ok := p.histograms[name]
	if !ok {
		var err error
		if h, err = p.meter.Float64Histogram(name); err != nil {
			p.mu.Unlock()
			return
		}
		p.histograms[name] = h
	}
	p.mu.Unlock()

	h.Record(ctx, value, metric.WithAttributes(attrs...))
}

// RecordCounter adds value to the named counter, creating it on first use.
func (p *TelemetryProvider) RecordCounter(ctx context.Context, name string, value int64, attrs ...attribute.KeyValue) {
	p.mu.Lock()
	c, ok := p.counters[name]
	if !ok {
		var err error
		if c, err = p.meter.Int64Counter(name); err != nil {
			p.mu.Unlock()
			return
		}
		p.counters[name] = c
	}
	p.mu.Unlock()

	c.Add(ctx, value, metric.WithAttributes(attrs...))
}

// StartSpan starts a span from the provider's tracer.
func (p *TelemetryProvider) StartSpan(ctx context.Context, name string, attrs ...attribute.KeyValue) (context.Context, oteltrace.Span) {
	return p.tracer.Start(ctx, name, oteltrace.WithAttributes(attrs...))
}

// Shutdown flushes and stops both providers and the metrics endpoint.
func (p *TelemetryProvider) Shutdown(ctx context.Context) error {
	var errs []error
	if err := p.tracerProvider.Shutdown(ctx); err != nil {
		errs = append(errs, fmt.Errorf("tracer provider shutdown: %w", err))
	}
	if err := p.meterProvider.Shutdown(ctx); err != nil {
		errs = append(errs, fmt.Errorf("meter provider shutdown: %w", err))
	}
	if p.metricsServer != nil {
		if err := p.metricsServer.Shutdown(ctx); err != nil {
			errs = append(errs, fmt.Errorf("metrics server shutdown: %w", err))
		}
	}
	return errors.Join(errs...)
}
