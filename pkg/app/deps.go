package app

import (
	"context"
	"errors"
	"log/slog"
	"sync"

	"portless-dev/portless/pkg/certs"
	"portless-dev/portless/pkg/config"
	"portless-dev/portless/pkg/proxy"
	"portless-dev/portless/pkg/telemetry/metrics"
	"portless-dev/portless/pkg/telemetry/tracing"
	"portless-dev/portless/pkg/tlsutil"
	"portless-dev/portless/pkg/tunnel"
)

// CertificateFactory creates the certificate manager of a project.
type CertificateFactory func(p *config.Project) (certs.Provider, error)

// TunnelFactory returns the tunnel provider a project uses.
type TunnelFactory func(p *config.Project) (tunnel.Provider, error)

// Dependencies are the collaborators shared by every app of the daemon.
type Dependencies struct {
	// Proxies is the daemon's reverse proxy registry. Required.
	Proxies *proxy.Registry

	// DaemonAddr is the host:port tunnels forward to.
	DaemonAddr string

	// Certificates creates certificate managers. Nil disables certificates.
	Certificates CertificateFactory

	// Tunnels returns tunnel providers. Nil disables tunnels.
	Tunnels TunnelFactory

	// Scheduler renews the certificates of running apps. Optional.
	Scheduler *certs.Scheduler

	// TLS serves issued certificates on the daemon's TLS listener. Optional.
	TLS *tlsutil.Store

	Logger  *slog.Logger
	Metrics *metrics.Collector
	Tracer  *tracing.Tracer
}

// NewCertificateFactory returns a factory building certs.Manager instances
// from the project's certificates section and the daemon's defaults.
func NewCertificateFactory(defaults config.CertificatesConfig, logger *slog.Logger, collector *metrics.Collector) CertificateFactory {
	if logger == nil {
		logger = slog.Default()
	}
	return func(p *config.Project) (certs.Provider, error) {
		c := p.Certificates
		return certs.NewManager(certs.Options{
			ConfigDir:      config.ResolvePath(p.Root, c.ConfigDir),
			Email:          c.Email,
			Staging:        c.Staging,
			DirectoryURL:   c.DirectoryURL,
			RenewBefore:    defaults.RenewBefore,
			AccountTimeout: defaults.AccountTimeout,
			Logger:         logger.With("app", p.ProjectName),
			Metrics:        collector,
		})
	}
}

// NgrokPool shares one ngrok provider per agent API URL, so apps using the
// same agent close only their own tunnels.
type NgrokPool struct {
	logger *slog.Logger

	mu        sync.Mutex
	providers map[string]*tunnel.Ngrok
}

// NewNgrokPool creates an empty pool.
func NewNgrokPool(logger *slog.Logger) *NgrokPool {
	if logger == nil {
		logger = slog.Default()
	}
	return &NgrokPool{logger: logger, providers: make(map[string]*tunnel.Ngrok)}
}

// Provider implements TunnelFactory.
func (p *NgrokPool) Provider(project *config.Project) (tunnel.Provider, error) {
	t := project.Tunnel
	if t == nil {
		return nil, errors.New("project has no tunnel configuration")
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	if n, ok := p.providers[t.APIURL]; ok {
		return n, nil
	}
	n := tunnel.NewNgrok(tunnel.NgrokOptions{
		APIURL:    t.APIURL,
		Binary:    t.Binary,
		AuthToken: t.AuthToken,
		Region:    t.Region,
		Logger:    p.logger,
	})
	p.providers[t.APIURL] = n
	return n, nil
}

// DisconnectAll closes every portless tunnel of every agent in the pool.
func (p *NgrokPool) DisconnectAll(ctx context.Context) error {
	p.mu.Lock()
	providers := make([]*tunnel.Ngrok, 0, len(p.providers))
	for _, n := range p.providers {
		providers = append(providers, n)
	}
	p.mu.Unlock()

	var errs []error
	for _, n := range providers {
		if err := n.DisconnectAll(ctx); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
