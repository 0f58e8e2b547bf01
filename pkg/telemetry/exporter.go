// ABOUTME: Builds metric readers and span exporters for the configured destinations
// ABOUTME: stdout and prometheus feed the meter provider; stdout and otlp feed the tracer provider

package telemetry

import (
	"context"
	"fmt"
	"io"
	"os"

	"github.com/prometheus/client_golang/prometheus"
	otelprom "go.opentelemetry.io/otel/exporters/prometheus"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracegrpc"
	"go.opentelemetry.io/otel/exporters/stdout/stdoutmetric"
	"go.opentelemetry.io/otel/exporters/stdout/stdouttrace"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
)

func (c *Config) output() io.Writer {
	if c.Output != nil {
		return c.Output
	}
	return os.Stdout
}

// createMetricReaders returns one reader per metric-capable exporter. When
// prometheus is configured the returned registry holds its collectors.
func createMetricReaders(cfg Config) ([]sdkmetric.Reader, *prometheus.Registry, error) {
	var (
		readers  []sdkmetric.Reader
		registry *prometheus.Registry
	)

	for _, name := range cfg.Exporters {
		switch name {
		case ExporterStdout:
			exp, err := stdoutmetric.New(
				stdoutmetric.WithWriter(cfg.output()),
				stdoutmetric.WithPrettyPrint(),
			)
			if err != nil {
				return nil, nil, fmt.Errorf("failed to create stdout metric exporter: %w", err)
			}
			readers = append(readers, sdkmetric.NewPeriodicReader(exp,
				sdkmetric.WithInterval(cfg.BatchTimeout),
				sdkmetric.WithTimeout(cfg.ExportTimeout),
			))

		case ExporterPrometheus:
			registry = prometheus.NewRegistry()
			exp, err := otelprom.New(otelprom.WithRegisterer(registry))
			if err != nil {
				return nil, nil, fmt.Errorf("failed to create prometheus exporter: %w", err)
			}
			readers = append(readers, exp)
		}
	}

	return readers, registry, nil
}

// createSpanExporters returns one exporter per trace-capable destination.
func createSpanExporters(ctx context.Context, cfg Config) ([]sdktrace.SpanExporter, error) {
	var exporters []sdktrace.SpanExporter

	for _, name := range cfg.Exporters {
		switch name {
		case ExporterStdout:
			exp, err := stdouttrace.New(
				stdouttrace.WithWriter(cfg.output()),
				stdouttrace.WithPrettyPrint(),
			)
			if err != nil {
				return nil, fmt.Errorf("failed to create stdout trace exporter: %w", err)
			}
			exporters = append(exporters, exp)

		case ExporterOTLP:
			exp, err := otlptracegrpc.New(ctx,
				otlptracegrpc.WithEndpoint(cfg.OTLPEndpoint),
				otlptracegrpc.WithInsecure(),
				otlptracegrpc.WithTimeout(cfg.ExportTimeout),
			)
			if err != nil {
				return nil, fmt.Errorf("failed to create OTLP trace exporter: %w", err)
			}
			exporters = append(exporters, exp)
		}
	}

	return exporters, nil
}
