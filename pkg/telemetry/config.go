// ABOUTME: Telemetry configuration: exporters, sampling, batching and PERSIST_TELEMETRY_* environment overrides
// ABOUTME: Embedded in the service config and validated only when telemetry is enabled

package telemetry

import (
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"
	"time"
)

// Exporter names accepted in Config.Exporters.
const (
	ExporterStdout     = "stdout"
	ExporterPrometheus = "prometheus"
	ExporterOTLP       = "otlp"
)

// Config holds all configuration for telemetry providers and exporters.
type Config struct {
	ServiceName    string `json:"service_name"`
	ServiceVersion string `json:"service_version"`
	Enabled        bool   `json:"enabled"`

	// Exporters lists any of stdout, prometheus and otlp
	Exporters []string `json:"exporters"`

	// SampleRate is the fraction of root traces kept (0.0 to 1.0)
	SampleRate float64 `json:"sample_rate"`

	PrometheusPort int    `json:"prometheus_port"`
	OTLPEndpoint   string `json:"otlp_endpoint"`

	ExportTimeout      time.Duration `json:"export_timeout"`
	BatchTimeout       time.Duration `json:"batch_timeout"`
	MaxQueueSize       int           `json:"max_queue_size"`
	MaxExportBatchSize int           `json:"max_export_batch_size"`

	// Output receives stdout exporter data; nil means os.Stdout
	Output io.Writer `json:"-"`
}

// DefaultConfig returns a disabled configuration with usable values for
// every field, so enabling it is a one-field change.
func DefaultConfig() Config {
	return Config{
		ServiceName:        "persist",
		ServiceVersion:     "development",
		Enabled:            false,
		Exporters:          []string{ExporterStdout},
		SampleRate:         1.0,
		PrometheusPort:     9464,
		OTLPEndpoint:       "localhost:4317",
		ExportTimeout:      30 * time.Second,
		BatchTimeout:       5 * time.Second,
		MaxQueueSize:       2048,
		MaxExportBatchSize: 512,
	}
}

// LoadFromEnv overrides fields from PERSIST_TELEMETRY_* variables. Values that
// fail to parse are ignored.
func (c *Config) LoadFromEnv() {
	if val := os.Getenv("PERSIST_TELEMETRY_SERVICE_NAME"); val != "" {
		c.ServiceName = val
	}
	if val := os.Getenv("PERSIST_TELEMETRY_SERVICE_VERSION"); val != "" {
		c.ServiceVersion = val
	}
	if val := os.Getenv("PERSIST_TELEMETRY_ENABLED"); val != "" {
		if enabled, err := strconv.ParseBool(val); err == nil {
			c.Enabled = enabled
		}
	}
	if val := os.Getenv("PERSIST_TELEMETRY_EXPORTERS"); val != "" {
		c.Exporters = c.Exporters[:0]
		for _, name := range strings.Split(val, ",") {
			if name = strings.TrimSpace(name); name != "" {
				c.Exporters = append(c.Exporters, name)
			}
		}
	}
	if val := os.Getenv("PERSIST_TELEMETRY_SAMPLE_RATE"); val != "" {
		if rate, err := strconv.ParseFloat(val, 64); err == nil {
			c.SampleRate = rate
		}
	}
	if val := os.Getenv("PERSIST_TELEMETRY_PROMETHEUS_PORT"); val != "" {
		if port, err := strconv.Atoi(val); err == nil {
			c.PrometheusPort = port
		}
	}
	if val := os.Getenv("PERSIST_TELEMETRY_OTLP_ENDPOINT"); val != "" {
		c.OTLPEndpoint = val
	}
	if val := os.Getenv("PERSIST_TELEMETRY_EXPORT_TIMEOUT"); val != "" {
		if timeout, err := time.ParseDuration(val); err == nil {
			c.ExportTimeout = timeout
		}
	}
	if val := os.Getenv("PERSIST_TELEMETRY_BATCH_TIMEOUT"); val != "" {
		if timeout, err := time.ParseDuration(val); err == nil {
			c.BatchTimeout = timeout
		}
	}
}

// Validate checks the configuration for invalid values and returns an error if found.
func (c *Config) Validate() error {
	if c.ServiceName == "" {
		return fmt.Errorf("service_name cannot be empty")
	}
	if c.ServiceVersion == "" {
		return fmt.Errorf("service_version cannot be empty")
	}
	if c.SampleRate < 0.0 || c.SampleRate > 1.0 {
		return fmt.Errorf("sample_rate must be between 0.0 and 1.0, got %f", c.SampleRate)
	}
	if c.HasExporter(ExporterPrometheus) && (c.PrometheusPort < 1 || c.PrometheusPort > 65535) {
		return fmt.Errorf("prometheus_port must be between 1 and 65535, got %d", c.PrometheusPort)
	}
	if c.HasExporter(ExporterOTLP) && c.OTLPEndpoint == "" {
		return fmt.Errorf("otlp_endpoint cannot be empty when the otlp exporter is enabled")
	}
	if c.ExportTimeout <= 0 {
		return fmt.Errorf("export_timeout must be positive, got %s", c.ExportTimeout)
	}
	if c.BatchTimeout <= 0 {
		return fmt.Errorf("batch_timeout must be positive, got %s", c.BatchTimeout)
	}
	if c.MaxQueueSize <= 0 {
		return fmt.Errorf("max_queue_size must be positive, got %d", c.MaxQueueSize)
	}
	if c.MaxExportBatchSize <= 0 || c.MaxExportBatchSize > c.MaxQueueSize {
		return fmt.Errorf("max_export_batch_size must be in (0, max_queue_size], got %d", c.MaxExportBatchSize)
	}

	for _, exporter := range c.Exporters {
		switch exporter {
		case ExporterStdout, ExporterPrometheus, ExporterOTLP:
		default:
			return fmt.Errorf("invalid exporter: %s, valid options are: stdout, prometheus, otlp", exporter)
		}
	}

	return nil
}

// HasExporter returns true if the specified exporter is configured.
func (c *Config) HasExporter(name string) bool {
	for _, exporter := range c.Exporters {
		if exporter == name {
			return true
		}
	}
	return false
}
