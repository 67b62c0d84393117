package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"path/filepath"
	"sync"

	"portless-dev/portless/pkg/certs"
	"portless-dev/portless/pkg/config"
	"portless-dev/portless/pkg/proxy"
	"portless-dev/portless/pkg/proxy/rewrite"
	"portless-dev/portless/pkg/telemetry/tracing"
	"portless-dev/portless/pkg/tunnel"
)

// Info describes an app for listings.
type Info struct {
	Cwd         string                `json:"cwd"`
	ProjectName string                `json:"project_name,omitempty"`
	Root        string                `json:"root,omitempty"`
	ConfigFile  string                `json:"config_file,omitempty"`
	State       State                 `json:"state"`
	Domains     []config.DomainConfig `json:"domains,omitempty"`
	Tunnels     []tunnel.Record       `json:"tunnels,omitempty"`
	Certificate *CertificateStatus    `json:"certificate,omitempty"`
}

// CertificateStatus is the certificate state of an app.
type CertificateStatus struct {
	Subject       string `json:"subject"`
	NeedsRenewing bool   `json:"needs_renewing"`
	CertFile      string `json:"cert_file"`
}

// Controller runs one project. Lifecycle operations are serialized; a stop
// completes its teardown before a following start begins.
type Controller struct {
	cwd    string
	deps   Dependencies
	logger *slog.Logger

	// opMu serializes Start, Stop and certificate events. It is held across
	// provider I/O, so readers never take it.
	opMu sync.Mutex
	// gen changes on every start so callbacks of an earlier run are ignored.
	gen      uint64
	certs    certs.Provider
	handlers []*proxy.Handler

	// mu guards the fields below for readers. Writers also hold opMu.
	mu       sync.RWMutex
	state    State
	project  *config.Project
	certInfo *certs.Info
	subject  string
	tunnels  *tunnel.Orchestrator
}

// NewController creates a stopped controller for the project found from cwd.
func NewController(cwd string, deps Dependencies) *Controller {
	if deps.Logger == nil {
		deps.Logger = slog.Default()
	}
	cwd = filepath.Clean(cwd)
	return &Controller{
		cwd:    cwd,
		deps:   deps,
		logger: deps.Logger.With("component", "app", "cwd", cwd),
	}
}

// Cwd returns the working directory the app was added from.
func (c *Controller) Cwd() string { return c.cwd }

// State returns the current lifecycle state.
func (c *Controller) State() State {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.state
}

// Project returns the loaded project config, nil before the first start.
func (c *Controller) Project() *config.Project {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.project
}

// Info returns a snapshot of the app. It does not wait for a start or stop
// in progress.
func (c *Controller) Info() Info {
	c.mu.RLock()
	defer c.mu.RUnlock()

	info := Info{Cwd: c.cwd, State: c.state}
	if c.project != nil {
		info.ProjectName = c.project.ProjectName
		info.Root = c.project.Root
		info.ConfigFile = c.project.File
		info.Domains = append([]config.DomainConfig(nil), c.project.Domains...)
	}
	if c.tunnels != nil {
		info.Tunnels = c.tunnels.Records()
	}
	if c.certInfo != nil {
		info.Certificate = &CertificateStatus{
			Subject:       c.subject,
			NeedsRenewing: c.certInfo.NeedsRenewing,
			CertFile:      c.certInfo.CertFile,
		}
	}
	return info
}

// Start brings the app to Running. Only a failure to load the project
// config is returned; certificate, proxy and tunnel problems are logged and
// the app runs with what could be set up.
func (c *Controller) Start(ctx context.Context) (err error) {
	c.opMu.Lock()
	defer c.opMu.Unlock()

	if st := c.State(); st != StateStopped {
		return &StateError{Cwd: c.cwd, Op: "start", State: st}
	}
	c.setState(StateStarting)
	c.gen++

	ctx, span := c.deps.Tracer.Start(ctx, "app.start", tracing.AttrCwd.String(c.cwd))
	defer func() { tracing.End(span, err) }()

	project, err := config.LoadProject(c.cwd)
	if err != nil {
		c.setState(StateStopped)
		return err
	}
	c.mu.Lock()
	c.project = project
	c.mu.Unlock()
	span.SetAttributes(tracing.AttrApp.String(project.ProjectName))

	logger := c.logger.With("app", project.ProjectName)
	publics := project.PublicDomains()

	c.acquireCertificate(ctx, logger, publics)
	c.registerProxies(logger)
	c.openTunnels(ctx, logger, publics)

	c.setState(StateRunning)
	logger.Info("app started",
		"root", project.Root,
		"domains", len(project.Domains),
		"handlers", len(c.handlers),
	)
	return nil
}

func (c *Controller) setState(st State) {
	c.mu.Lock()
	c.state = st
	c.mu.Unlock()
}

func (c *Controller) acquireCertificate(ctx context.Context, logger *slog.Logger, publics []string) {
	c.certs = nil
	c.mu.Lock()
	c.certInfo, c.subject = nil, ""
	c.mu.Unlock()
	if c.project.Certificates == nil || c.deps.Certificates == nil {
		return
	}
	if len(publics) == 0 {
		logger.Warn("certificates configured but no public domain defined")
		return
	}

	provider, err := c.deps.Certificates(c.project)
	if err != nil {
		logger.Error("certificate manager unavailable", "error", err)
		return
	}

	subject := publics[0]
	// Acquire may start issuance that finishes before Start returns, so the
	// subscriber must already be in place.
	c.subscribe(logger, provider, subject, publics)

	info, err := provider.Acquire(ctx, certs.Request{Subject: subject, AltNames: publics[1:]})
	if err != nil {
		logger.Error("certificate acquisition failed", "subject", subject, "error", err)
		provider.Destroy(subject)
		provider.Close()
		return
	}

	c.certs = provider
	c.mu.Lock()
	c.certInfo, c.subject = info, subject
	c.mu.Unlock()
	if c.deps.Scheduler != nil {
		c.deps.Scheduler.Add(c.project.ProjectName, provider)
	}
	if !info.NeedsRenewing && c.deps.TLS != nil {
		if err := c.deps.TLS.Add(publics, info.CertFile, info.KeyFile); err != nil {
			logger.Warn("certificate not served on the TLS listener", "error", err)
		}
	}
	logger.Info("certificate acquired", "subject", subject, "needs_renewing", info.NeedsRenewing)
}

func (c *Controller) registerProxies(logger *slog.Logger) {
	c.handlers = nil
	rules := rewrite.NewRules(c.project.Domains)

	for _, target := range c.project.Targets() {
		h, err := c.deps.Proxies.Register(target, proxy.HandlerOptions{
			Owner:       c.project.ProjectName,
			Rules:       rules,
			TargetProxy: c.project.TargetProxy,
		})
		if err != nil {
			logger.Error("proxy not registered", "target", target, "error", err)
			continue
		}
		if c.certInfo != nil {
			h.SetKeyAuthorization(c.certInfo.CredentialID)
		}
		c.handlers = append(c.handlers, h)

		for _, d := range c.project.DomainsFor(target) {
			c.bind(logger, h, d.Public, rewrite.Public)
			c.bind(logger, h, d.Local, rewrite.Local)
		}
	}
}

func (c *Controller) bind(logger *slog.Logger, h *proxy.Handler, domain string, kind rewrite.Kind) {
	if domain == "" {
		return
	}
	if err := c.deps.Proxies.Bind(domain, kind, h); err != nil {
		logger.Error("domain not bound", "domain", domain, "kind", kind, "error", err)
	}
}

func (c *Controller) openTunnels(ctx context.Context, logger *slog.Logger, publics []string) {
	c.mu.Lock()
	c.tunnels = nil
	c.mu.Unlock()
	if c.project.Tunnel == nil || c.deps.Tunnels == nil || len(publics) == 0 {
		return
	}

	provider, err := c.deps.Tunnels(c.project)
	if err != nil {
		logger.Error("tunnel provider unavailable", "error", err)
		return
	}

	opts := tunnel.Options{
		App:       c.project.ProjectName,
		AuthToken: c.project.Tunnel.AuthToken,
		Region:    c.project.Tunnel.Region,
		Provider:  provider,
		Marker:    c.deps.Proxies,
		Logger:    c.deps.Logger.With("component", "tunnel"),
		Metrics:   c.deps.Metrics,
		Tracer:    c.deps.Tracer,
	}
	if c.certInfo != nil {
		opts.CertFile = c.certInfo.CertFile
		opts.KeyFile = c.certInfo.KeyFile
		opts.DisableTLS = c.certInfo.NeedsRenewing
	}
	tunnels := tunnel.New(opts)
	c.mu.Lock()
	c.tunnels = tunnels
	c.mu.Unlock()

	for _, domain := range publics {
		// Failures are logged by the orchestrator and retried on restart.
		_, _ = tunnels.Open(ctx, tunnel.Spec{PublicDomain: domain, TargetDomain: c.deps.DaemonAddr})
	}
}

// subscribe restarts this run's tunnels and reloads the TLS listener's
// certificate whenever the site's certificate is issued or renewed. An
// event during start waits for it to finish.
func (c *Controller) subscribe(logger *slog.Logger, provider certs.Provider, subject string, publics []string) {
	gen := c.gen
	provider.OnIssued(subject, func(ev certs.Event) {
		// Run outside the certificate manager so its Close never waits on us.
		go c.certificateIssued(gen, logger, publics, ev)
	})
}

func (c *Controller) certificateIssued(gen uint64, logger *slog.Logger, publics []string, ev certs.Event) {
	c.opMu.Lock()
	defer c.opMu.Unlock()

	if c.gen != gen || c.State() != StateRunning {
		return
	}
	logger.Info("certificate event", "subject", ev.Subject, "kind", ev.Kind, "not_after", ev.NotAfter)

	c.mu.Lock()
	if c.certInfo != nil {
		c.certInfo.NeedsRenewing = false
	}
	c.mu.Unlock()
	if c.deps.TLS != nil {
		if err := c.deps.TLS.Add(publics, ev.CertFile, ev.KeyFile); err != nil {
			logger.Warn("certificate not served on the TLS listener", "error", err)
		}
	}
	if c.tunnels != nil {
		if err := c.tunnels.Restart(context.Background()); err != nil {
			logger.Error("tunnel restart incomplete", "error", err)
		}
	}
}

// Stop tears the app down: certificate site first, then tunnels, then
// proxy handlers, so no external traffic reaches a handler being removed.
// Stopping a stopped app is a no-op.
func (c *Controller) Stop(ctx context.Context) (err error) {
	c.opMu.Lock()
	defer c.opMu.Unlock()

	switch st := c.State(); st {
	case StateStopped:
		return nil
	case StateRunning:
	default:
		return &StateError{Cwd: c.cwd, Op: "stop", State: st}
	}
	c.setState(StateStopping)

	name := ""
	if c.project != nil {
		name = c.project.ProjectName
	}
	ctx, span := c.deps.Tracer.Start(ctx, "app.stop",
		tracing.AttrCwd.String(c.cwd),
		tracing.AttrApp.String(name),
	)
	defer func() { tracing.End(span, err) }()

	var errs []error

	if c.certs != nil {
		c.certs.Destroy(c.subject)
		if c.deps.Scheduler != nil {
			c.deps.Scheduler.Remove(c.certs)
		}
		c.certs.Close()
		if c.deps.TLS != nil {
			c.deps.TLS.Remove(c.project.PublicDomains()...)
		}
		c.certs = nil
	}

	if c.tunnels != nil {
		if err := c.tunnels.Stop(ctx); err != nil {
			errs = append(errs, fmt.Errorf("failed to stop tunnels: %w", err))
		}
	}

	for _, h := range c.handlers {
		c.deps.Proxies.Unregister(h)
	}
	c.handlers = nil

	c.mu.Lock()
	c.tunnels = nil
	c.certInfo = nil
	c.state = StateStopped
	c.mu.Unlock()
	c.logger.Info("app stopped", "app", name)
	return errors.Join(errs...)
}

// Restart stops the app and starts it again from the same working
// directory, picking up project config changes.
func (c *Controller) Restart(ctx context.Context) (err error) {
	ctx, span := c.deps.Tracer.Start(ctx, "app.restart", tracing.AttrCwd.String(c.cwd))
	defer func() { tracing.End(span, err) }()

	if err := c.Stop(ctx); err != nil {
		c.logger.Warn("stop before restart incomplete", "error", err)
	}
	return c.Start(ctx)
}
