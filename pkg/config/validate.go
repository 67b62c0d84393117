package config

import (
	"fmt"
	"net"
	"net/url"
	"strings"

	"github.com/robfig/cron/v3"
)

// FieldError represents a validation error for a specific configuration field.
type FieldError struct {
	// Field is the dotted path to the configuration field (e.g., "daemon.port").
	Field string

	// Message is a human-readable error message.
	Message string
}

// Error returns the error message for this field error.
func (e FieldError) Error() string {
	return fmt.Sprintf("%s: %s", e.Field, e.Message)
}

// ValidationError represents one or more validation errors in a configuration.
// It implements the error interface and provides access to all field errors.
type ValidationError struct {
	// Errors contains all validation errors found in the configuration.
	Errors []FieldError
}

// Error returns a formatted string containing all validation errors.
func (e ValidationError) Error() string {
	if len(e.Errors) == 0 {
		return "configuration validation failed"
	}
	if len(e.Errors) == 1 {
		return fmt.Sprintf("configuration validation failed: %s", e.Errors[0].Error())
	}

	var sb strings.Builder
	sb.WriteString(fmt.Sprintf("configuration validation failed with %d errors:\n", len(e.Errors)))
	for _, err := range e.Errors {
		sb.WriteString(fmt.Sprintf("  - %s\n", err.Error()))
	}
	return sb.String()
}

// Validate validates the entire configuration and returns a ValidationError
// if any validation rules fail. It returns nil if the configuration is valid.
// All validation errors are collected and returned together.
func Validate(cfg *Config) error {
	var errs []FieldError

	errs = append(errs, validateDaemon(&cfg.Daemon)...)
	errs = append(errs, validateState(&cfg.State)...)
	errs = append(errs, validateCertificates(&cfg.Certificates)...)
	errs = append(errs, validateTelemetry(&cfg.Telemetry)...)

	if len(errs) > 0 {
		return ValidationError{Errors: errs}
	}

	return nil
}

func validateDaemon(cfg *DaemonConfig) []FieldError {
	var errs []FieldError

	// The TLS listener needs port+1 as well.
	if cfg.Port < 1 || cfg.Port > 65534 {
		errs = append(errs, FieldError{
			Field:   "daemon.port",
			Message: fmt.Sprintf("port %d out of range: must be between 1 and 65534", cfg.Port),
		})
	}
	if cfg.Host == "" {
		errs = append(errs, FieldError{
			Field:   "daemon.host",
			Message: "host is required",
		})
	}
	if cfg.UpstreamProxy != "" {
		if _, _, err := net.SplitHostPort(cfg.UpstreamProxy); err != nil {
			errs = append(errs, FieldError{
				Field:   "daemon.upstream_proxy",
				Message: fmt.Sprintf("upstream proxy must be host:port: %v", err),
			})
		}
	}
	if cfg.PortSearchLimit < 0 {
		errs = append(errs, FieldError{
			Field:   "daemon.port_search_limit",
			Message: "port search limit must be non-negative",
		})
	}
	if cfg.ReadHeaderTimeout < 0 {
		errs = append(errs, FieldError{
			Field:   "daemon.read_header_timeout",
			Message: "read header timeout must be positive",
		})
	}
	if cfg.IdleTimeout < 0 {
		errs = append(errs, FieldError{
			Field:   "daemon.idle_timeout",
			Message: "idle timeout must be positive",
		})
	}
	if cfg.ShutdownTimeout < 0 {
		errs = append(errs, FieldError{
			Field:   "daemon.shutdown_timeout",
			Message: "shutdown timeout must be positive",
		})
	}

	return errs
}

func validateState(cfg *StateConfig) []FieldError {
	var errs []FieldError

	switch cfg.Backend {
	case "sqlite":
		if cfg.SQLitePath == "" {
			errs = append(errs, FieldError{
				Field:   "state.sqlite_path",
				Message: "sqlite path is required when backend is 'sqlite'",
			})
		}
	case "memory":
	default:
		errs = append(errs, FieldError{
			Field:   "state.backend",
			Message: fmt.Sprintf("invalid backend %q: must be 'sqlite' or 'memory'", cfg.Backend),
		})
	}
	if cfg.BusyTimeout < 0 {
		errs = append(errs, FieldError{
			Field:   "state.busy_timeout",
			Message: "busy timeout must be positive",
		})
	}

	return errs
}

func validateCertificates(cfg *CertificatesConfig) []FieldError {
	var errs []FieldError

	if _, err := cron.ParseStandard(cfg.RenewSchedule); err != nil {
		errs = append(errs, FieldError{
			Field:   "certificates.renew_schedule",
			Message: fmt.Sprintf("invalid cron expression %q: %v", cfg.RenewSchedule, err),
		})
	}
	if cfg.RenewBefore <= 0 {
		errs = append(errs, FieldError{
			Field:   "certificates.renew_before",
			Message: "renew window must be positive",
		})
	}
	if cfg.AccountTimeout <= 0 {
		errs = append(errs, FieldError{
			Field:   "certificates.account_timeout",
			Message: "account timeout must be positive",
		})
	}

	return errs
}

func validateTelemetry(cfg *TelemetryConfig) []FieldError {
	var errs []FieldError

	// Validate logging level
	validLevels := map[string]bool{"debug": true, "info": true, "warn": true, "error": true}
	if cfg.Logging.Level == "" {
		errs = append(errs, FieldError{
			Field:   "telemetry.logging.level",
			Message: "logging level is required",
		})
	} else if !validLevels[cfg.Logging.Level] {
		errs = append(errs, FieldError{
			Field:   "telemetry.logging.level",
			Message: fmt.Sprintf("invalid logging level %q: must be 'debug', 'info', 'warn', or 'error'", cfg.Logging.Level),
		})
	}

	// Validate logging format
	validFormats := map[string]bool{"json": true, "text": true, "console": true}
	if cfg.Logging.Format == "" {
		errs = append(errs, FieldError{
			Field:   "telemetry.logging.format",
			Message: "logging format is required",
		})
	} else if !validFormats[cfg.Logging.Format] {
		errs = append(errs, FieldError{
			Field:   "telemetry.logging.format",
			Message: fmt.Sprintf("invalid logging format %q: must be 'json', 'text' or 'console'", cfg.Logging.Format),
		})
	}

	if cfg.Metrics.Enabled && !strings.HasPrefix(cfg.Metrics.Path, "/") {
		errs = append(errs, FieldError{
			Field:   "telemetry.metrics.path",
			Message: "metrics path must start with '/' when metrics are enabled",
		})
	}

	// Validate tracing configuration
	if cfg.Tracing.Enabled && cfg.Tracing.Endpoint == "" {
		errs = append(errs, FieldError{
			Field:   "telemetry.tracing.endpoint",
			Message: "tracing endpoint is required when tracing is enabled",
		})
	}
	if cfg.Tracing.SampleRatio < 0 || cfg.Tracing.SampleRatio > 1.0 {
		errs = append(errs, FieldError{
			Field:   "telemetry.tracing.sample_ratio",
			Message: "sample ratio must be between 0.0 and 1.0",
		})
	}

	return errs
}

// ValidateProject validates a project config and returns a ValidationError
// listing every problem found.
func ValidateProject(p *Project) error {
	var errs []FieldError

	if p.ProjectName == "" {
		errs = append(errs, FieldError{
			Field:   "project_name",
			Message: "project name is required",
		})
	}

	seen := make(map[string]string)
	for i, d := range p.Domains {
		prefix := fmt.Sprintf("domains[%d]", i)

		if d.Target == "" {
			errs = append(errs, FieldError{
				Field:   prefix + ".target",
				Message: "target is required",
			})
		} else if strings.Contains(d.Target, "://") {
			errs = append(errs, FieldError{
				Field:   prefix + ".target",
				Message: fmt.Sprintf("target %q must be host[:port] without a scheme", d.Target),
			})
		}
		if d.Public == "" && d.Local == "" {
			errs = append(errs, FieldError{
				Field:   prefix,
				Message: "at least one of public or local is required",
			})
		}

		for _, named := range [][2]string{{"public", d.Public}, {"local", d.Local}} {
			field, domain := named[0], named[1]
			if domain == "" {
				continue
			}
			if strings.Contains(domain, "://") || strings.ContainsAny(domain, "/ ") {
				errs = append(errs, FieldError{
					Field:   prefix + "." + field,
					Message: fmt.Sprintf("%q must be a bare domain name", domain),
				})
				continue
			}
			if other, dup := seen[domain]; dup {
				errs = append(errs, FieldError{
					Field:   prefix + "." + field,
					Message: fmt.Sprintf("domain %q is already declared by %s", domain, other),
				})
				continue
			}
			seen[domain] = prefix + "." + field
		}
	}

	if p.TargetProxy != "" {
		u, err := url.Parse(p.TargetProxy)
		if err != nil || u.Host == "" {
			errs = append(errs, FieldError{
				Field:   "target_proxy",
				Message: fmt.Sprintf("invalid proxy URL %q", p.TargetProxy),
			})
		} else if u.Scheme != "http" && u.Scheme != "https" && u.Scheme != "socks5" {
			errs = append(errs, FieldError{
				Field:   "target_proxy",
				Message: fmt.Sprintf("unsupported proxy scheme %q: must be 'http', 'https' or 'socks5'", u.Scheme),
			})
		}
	}

	if p.Certificates != nil {
		if p.Certificates.Email == "" {
			errs = append(errs, FieldError{
				Field:   "certificates.email",
				Message: "email is required when certificates are enabled",
			})
		}
		if len(p.PublicDomains()) == 0 {
			errs = append(errs, FieldError{
				Field:   "certificates",
				Message: "certificates need at least one public domain",
			})
		}
		if p.Certificates.DirectoryURL != "" {
			if u, err := url.Parse(p.Certificates.DirectoryURL); err != nil || u.Scheme != "https" {
				errs = append(errs, FieldError{
					Field:   "certificates.directory_url",
					Message: "directory URL must be an https URL",
				})
			}
		}
	}

	if p.Tunnel != nil {
		if u, err := url.Parse(p.Tunnel.APIURL); err != nil || u.Host == "" {
			errs = append(errs, FieldError{
				Field:   "tunnel.api_url",
				Message: fmt.Sprintf("invalid agent API URL %q", p.Tunnel.APIURL),
			})
		}
	}

	if len(errs) > 0 {
		return ValidationError{Errors: errs}
	}
	return nil
}
