// ABOUTME: OpenTelemetry exporter factory for metric readers and span exporters (Prometheus, OTLP, stdout)
// ABOUTME: Prometheus metrics are served over HTTP through promhttp on the configured port

package telemetry

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracegrpc"
	otelprom "go.opentelemetry.io/otel/exporters/prometheus"
	"go.opentelemetry.io/otel/exporters/stdout/stdoutmetric"
	"go.opentelemetry.io/otel/exporters/stdout/stdouttrace"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
)

// createMetricReaders creates one reader per configured metric exporter.
// OTLP carries traces only here.
func createMetricReaders(cfg Config) ([]sdkmetric.Reader, *http.Server, error) {
	var (
		readers []sdkmetric.Reader
		server  *http.Server
	)

	for _, exporterName := range cfg.Exporters {
		switch exporterName {
		case ExporterPrometheus:
			reader, srv, err := createPrometheusReader(cfg)
			if err != nil {
				return nil, nil, fmt.Errorf("failed to create prometheus exporter: %w", err)
			}
			readers = append(readers, reader)
			server = srv

		case ExporterStdout:
			exporter, err := stdoutmetric.New(stdoutmetric.WithWriter(cfg.output()))
			if err != nil {
				return nil, nil, fmt.Errorf("failed to create stdout metric exporter: %w", err)
			}
			readers = append(readers, sdkmetric.NewPeriodicReader(exporter,
				sdkmetric.WithInterval(cfg.BatchTimeout),
				sdkmetric.WithTimeout(cfg.ExportTimeout)))
		}
	}

	return readers, server, nil
}

// createPrometheusReader registers the OpenTelemetry bridge in its own
// registry and serves it on /metrics
func createPrometheusReader(cfg Config) (sdkmetric.Reader, *http.Server, error) {
	registry := prometheus.NewRegistry()
	reader, err := otelprom.New(otelprom.WithRegisterer(registry))
	if err != nil {
		return nil, nil, err
	}

	lis, err := net.Listen("tcp", fmt.Sprintf(":%d", cfg.PrometheusPort))
	if err != nil {
		return nil, nil, fmt.Errorf("failed to listen for metrics: %w", err)
	}

	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(registry, promhttp.HandlerOpts{}))
	server := &http.Server{
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}
	go func() {
		if err := server.Serve(lis); err != nil && !errors.Is(err, http.ErrServerClosed) {
			fmt.Fprintf(cfg.output(), "metrics server stopped: %v\n", err)
		}
	}()

	return reader, server, nil
}

// createTraceExporters creates span exporters based on configuration.
func createTraceExporters(cfg Config) ([]sdktrace.SpanExporter, error) {
	var exporters []sdktrace.SpanExporter

	for _, exporterName := range cfg.Exporters {
		switch exporterName {
		case ExporterOTLP:
			exporter, err := otlptracegrpc.New(
				context.Background(),
				otlptracegrpc.WithEndpoint(cfg.OTLPEndpoint),
				otlptracegrpc.WithInsecure(),
				otlptracegrpc.WithTimeout(cfg.ExportTimeout),
			)
			if err != nil {
				return nil, fmt.Errorf("failed to create OTLP trace exporter: %w", err)
			}
			exporters = append(exporters, exporter)

		case ExporterStdout:
			exporter, err := stdouttrace.New(stdouttrace.WithWriter(cfg.output()))
			if err != nil {
				return nil, fmt.Errorf("failed to create stdout trace exporter: %w", err)
			}
			exporters = append(exporters, exporter)
		}
	}

	return exporters, nil
}
