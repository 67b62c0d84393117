package config

import "time"

// Config is the root configuration structure for the portless daemon.
// It is read from config.yaml inside the portless home folder.
type Config struct {
	// Daemon contains listener, timeout and routing configuration.
	Daemon DaemonConfig `yaml:"daemon"`

	// State selects where the list of added projects is persisted.
	State StateConfig `yaml:"state"`

	// Certificates contains settings shared by every project's certificate
	// manager (renewal cadence and retry ceilings).
	Certificates CertificatesConfig `yaml:"certificates"`

	// Telemetry contains configuration for observability including logging,
	// metrics, and distributed tracing.
	Telemetry TelemetryConfig `yaml:"telemetry"`
}

// DaemonConfig contains configuration for the proxy listeners.
type DaemonConfig struct {
	// Port is the first port the plain listener tries to bind. The TLS
	// listener always runs on Port+1.
	// Default: 5678
	Port int `yaml:"port"`

	// Host is the hostname of the daemon itself. Requests whose Host header
	// ends in :<port> are served by the control surface. "localhost" makes
	// the daemon listen on every interface.
	// Default: "localhost"
	Host string `yaml:"host"`

	// UpstreamProxy is used by the generated PAC file for traffic that is not
	// bound to a portless domain. Empty means DIRECT.
	// Example: "proxy.corp:3128"
	UpstreamProxy string `yaml:"upstream_proxy"`

	// PortSearchLimit is how many ports after Port are tried when Port is busy.
	// Default: 100
	PortSearchLimit int `yaml:"port_search_limit"`

	// ReadHeaderTimeout bounds the time to read request headers.
	// Default: 30s
	ReadHeaderTimeout time.Duration `yaml:"read_header_timeout"`

	// IdleTimeout is the keep-alive idle timeout.
	// Default: 120s
	IdleTimeout time.Duration `yaml:"idle_timeout"`

	// ShutdownTimeout is the maximum duration to wait for graceful shutdown.
	// Default: 15s
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`

	// WatchProjects restarts a running app when its project file changes.
	// Default: true
	WatchProjects bool `yaml:"watch_projects"`
}

// StateConfig contains configuration for the persisted project list.
type StateConfig struct {
	// Backend is the storage backend.
	// Options: "sqlite", "memory"
	// Default: "sqlite"
	Backend string `yaml:"backend"`

	// SQLitePath is the database file. Relative paths are resolved against
	// the portless home folder.
	// Default: "state.db"
	SQLitePath string `yaml:"sqlite_path"`

	// BusyTimeout is how long SQLite waits on a locked database.
	// Default: 5s
	BusyTimeout time.Duration `yaml:"busy_timeout"`
}

// CertificatesConfig contains daemon-wide certificate settings.
type CertificatesConfig struct {
	// RenewSchedule is the cron expression of the renewal check.
	// Default: "0 */12 * * *"
	RenewSchedule string `yaml:"renew_schedule"`

	// RenewBefore marks a certificate as due when it expires within this window.
	// Default: 720h
	RenewBefore time.Duration `yaml:"renew_before"`

	// AccountTimeout caps the retry loop that waits for the ACME account.
	// Default: 2m
	AccountTimeout time.Duration `yaml:"account_timeout"`
}

// TelemetryConfig contains configuration for observability.
type TelemetryConfig struct {
	// Logging contains logging configuration.
	Logging LoggingConfig `yaml:"logging"`

	// Metrics contains metrics collection configuration.
	Metrics MetricsConfig `yaml:"metrics"`

	// Tracing contains distributed tracing configuration.
	Tracing TracingConfig `yaml:"tracing"`
}

// LoggingConfig contains logging configuration.
type LoggingConfig struct {
	// Level is the minimum log level to emit.
	// Options: "debug", "info", "warn", "error"
	// Default: "info"
	Level string `yaml:"level"`

	// Format controls the log output format.
	// Options: "json", "text", "console"
	// Default: "text"
	Format string `yaml:"format"`

	// AddSource includes file and line number in log entries.
	// Default: false
	AddSource bool `yaml:"add_source"`

	// Output is "stdout", "stderr" or a file path.
	// Default: "stderr"
	Output string `yaml:"output"`
}

// MetricsConfig contains metrics collection configuration.
type MetricsConfig struct {
	// Enabled controls whether metrics collection is active.
	// Default: true
	Enabled bool `yaml:"enabled"`

	// Path is the HTTP path for the Prometheus endpoint on the control host.
	// Default: "/metrics"
	Path string `yaml:"path"`

	// Namespace is the metric name prefix.
	// Default: "portless"
	Namespace string `yaml:"namespace"`
}

// TracingConfig contains distributed tracing configuration.
type TracingConfig struct {
	// Enabled controls whether distributed tracing is active.
	// Default: false
	Enabled bool `yaml:"enabled"`

	// Endpoint is the OTLP gRPC collector endpoint.
	// Default: "localhost:4317"
	Endpoint string `yaml:"endpoint"`

	// Insecure disables TLS for the collector connection.
	// Default: true
	Insecure bool `yaml:"insecure"`

	// SampleRatio is the fraction of traces to sample (0.0 to 1.0).
	// Default: 1.0
	SampleRatio float64 `yaml:"sample_ratio"`

	// ServiceName is the service name in traces.
	// Default: "portless"
	ServiceName string `yaml:"service_name"`
}
