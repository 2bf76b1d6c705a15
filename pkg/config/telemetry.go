package config

import (
	"github.com/openfroyo/rpmtools/pkg/telemetry"
)

// TelemetrySettings builds the telemetry configuration for a process
// named service.
func (c *Config) TelemetrySettings(service, version string) *telemetry.Config {
	tc := telemetry.DefaultConfig()
	tc.ServiceName = service
	tc.ServiceVersion = version
	tc.Environment = "production"

	tc.Logging.Level = c.Telemetry.LogLevel
	tc.Logging.Format = c.Telemetry.LogFormat

	tc.Tracing.Enabled = c.Telemetry.TraceExporter != "none"
	tc.Tracing.Exporter = c.Telemetry.TraceExporter
	tc.Tracing.Endpoint = c.Telemetry.TraceEndpoint

	tc.Metrics.TextfilePath = c.Telemetry.MetricsTextfile
	return tc
}
