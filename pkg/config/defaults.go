package config

import "time"

// Default values for configuration fields.
const (
	// Daemon defaults
	DefaultDaemonPort        = 5678
	DefaultDaemonHost        = "localhost"
	DefaultPortSearchLimit   = 100
	DefaultReadHeaderTimeout = 30 * time.Second
	DefaultIdleTimeout       = 120 * time.Second
	DefaultShutdownTimeout   = 15 * time.Second
	DefaultWatchProjects     = true

	// State defaults
	DefaultStateBackend     = "sqlite"
	DefaultStateSQLitePath  = "state.db"
	DefaultStateBusyTimeout = 5 * time.Second

	// Certificate defaults
	DefaultRenewSchedule  = "0 */12 * * *"
	DefaultRenewBefore    = 30 * 24 * time.Hour
	DefaultAccountTimeout = 2 * time.Minute

	// Telemetry defaults
	DefaultLoggingLevel        = "info"
	DefaultLoggingFormat       = "text"
	DefaultLoggingOutput       = "stderr"
	DefaultMetricsEnabled      = true
	DefaultPrometheusPath      = "/metrics"
	DefaultMetricsNamespace    = "portless"
	DefaultTracingEnabled      = false
	DefaultTracingEndpoint     = "localhost:4317"
	DefaultTracingInsecure     = true
	DefaultTracingSamplingRate = 1.0
	DefaultTracingServiceName  = "portless"

	// Project defaults
	DefaultCertsConfigDir = ".portless/certs"
	DefaultTunnelRegion   = "us"
	DefaultTunnelAPIURL   = "http://127.0.0.1:4040"
	DefaultTunnelBinary   = "ngrok"
)

// Default returns a configuration with every field set to its default.
// YAML is decoded on top of it so that booleans defaulting to true keep
// their value when the file omits them.
func Default() *Config {
	cfg := &Config{
		Daemon: DaemonConfig{
			WatchProjects: DefaultWatchProjects,
		},
		Telemetry: TelemetryConfig{
			Metrics: MetricsConfig{
				Enabled: DefaultMetricsEnabled,
			},
			Tracing: TracingConfig{
				Enabled:  DefaultTracingEnabled,
				Insecure: DefaultTracingInsecure,
			},
		},
	}
	ApplyDefaults(cfg)
	return cfg
}

// ApplyDefaults applies default values to a Config struct.
// It sets defaults for any fields that have zero values.
// This function is idempotent and safe to call multiple times.
func ApplyDefaults(cfg *Config) {
	// Daemon defaults
	if cfg.Daemon.Port == 0 {
		cfg.Daemon.Port = DefaultDaemonPort
	}
	if cfg.Daemon.Host == "" {
		cfg.Daemon.Host = DefaultDaemonHost
	}
	if cfg.Daemon.PortSearchLimit == 0 {
		cfg.Daemon.PortSearchLimit = DefaultPortSearchLimit
	}
	if cfg.Daemon.ReadHeaderTimeout == 0 {
		cfg.Daemon.ReadHeaderTimeout = DefaultReadHeaderTimeout
	}
	if cfg.Daemon.IdleTimeout == 0 {
		cfg.Daemon.IdleTimeout = DefaultIdleTimeout
	}
	if cfg.Daemon.ShutdownTimeout == 0 {
		cfg.Daemon.ShutdownTimeout = DefaultShutdownTimeout
	}

	// State defaults
	if cfg.State.Backend == "" {
		cfg.State.Backend = DefaultStateBackend
	}
	if cfg.State.SQLitePath == "" {
		cfg.State.SQLitePath = DefaultStateSQLitePath
	}
	if cfg.State.BusyTimeout == 0 {
		cfg.State.BusyTimeout = DefaultStateBusyTimeout
	}

	// Certificate defaults
	if cfg.Certificates.RenewSchedule == "" {
		cfg.Certificates.RenewSchedule = DefaultRenewSchedule
	}
	if cfg.Certificates.RenewBefore == 0 {
		cfg.Certificates.RenewBefore = DefaultRenewBefore
	}
	if cfg.Certificates.AccountTimeout == 0 {
		cfg.Certificates.AccountTimeout = DefaultAccountTimeout
	}

	// Telemetry defaults
	if cfg.Telemetry.Logging.Level == "" {
		cfg.Telemetry.Logging.Level = DefaultLoggingLevel
	}
	if cfg.Telemetry.Logging.Format == "" {
		cfg.Telemetry.Logging.Format = DefaultLoggingFormat
	}
	if cfg.Telemetry.Logging.Output == "" {
		cfg.Telemetry.Logging.Output = DefaultLoggingOutput
	}
	if cfg.Telemetry.Metrics.Path == "" {
		cfg.Telemetry.Metrics.Path = DefaultPrometheusPath
	}
	if cfg.Telemetry.Metrics.Namespace == "" {
		cfg.Telemetry.Metrics.Namespace = DefaultMetricsNamespace
	}
	if cfg.Telemetry.Tracing.Endpoint == "" {
		cfg.Telemetry.Tracing.Endpoint = DefaultTracingEndpoint
	}
	if cfg.Telemetry.Tracing.SampleRatio == 0 {
		cfg.Telemetry.Tracing.SampleRatio = DefaultTracingSamplingRate
	}
	if cfg.Telemetry.Tracing.ServiceName == "" {
		cfg.Telemetry.Tracing.ServiceName = DefaultTracingServiceName
	}
}

// ApplyProjectDefaults fills the optional fields of a project config.
func ApplyProjectDefaults(p *Project) {
	if p.Certificates != nil && p.Certificates.ConfigDir == "" {
		p.Certificates.ConfigDir = DefaultCertsConfigDir
	}

	if p.Tunnel != nil {
		if p.Tunnel.Region == "" {
			p.Tunnel.Region = DefaultTunnelRegion
		}
		if p.Tunnel.APIURL == "" {
			p.Tunnel.APIURL = DefaultTunnelAPIURL
		}
		if p.Tunnel.Binary == "" {
			p.Tunnel.Binary = DefaultTunnelBinary
		}
	}
}
