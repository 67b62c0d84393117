package tunnel

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"sync/atomic"

	"portless-dev/portless/pkg/telemetry/metrics"
	"portless-dev/portless/pkg/telemetry/tracing"
	"portless-dev/portless/pkg/tlsutil"
)

// Spec is what a tunnel is opened for.
type Spec struct {
	PublicDomain string `json:"public_domain"`

	// TargetDomain is the local address the provider forwards to, the
	// daemon's own host:port.
	TargetDomain string `json:"target_domain"`
}

// Record is one tunnel of an app.
type Record struct {
	Spec
	UseTLS bool   `json:"use_tls"`
	URL    string `json:"url,omitempty"`
}

// HTTPSMarker is told which public domains are reached over TLS because
// their tunnel terminates it.
type HTTPSMarker interface {
	SetForceHTTPS(domain string, on bool)
}

// Options configures an Orchestrator.
type Options struct {
	// App names the owning app in logs and metrics.
	App string

	AuthToken string
	Region    string

	// CertFile and KeyFile are the project's certificate. A valid pair
	// enables TLS tunnels.
	CertFile string
	KeyFile  string

	// DisableTLS forces HTTP tunnels, used while the certificate is being
	// renewed. A restart clears it.
	DisableTLS bool

	Provider Provider
	Marker   HTTPSMarker

	Logger  *slog.Logger
	Metrics *metrics.Collector
	Tracer  *tracing.Tracer
}

// Orchestrator opens, restarts and stops the tunnels of one app.
type Orchestrator struct {
	opts   Options
	logger *slog.Logger

	mu      sync.Mutex
	records []*Record

	restarting atomic.Bool
	disableTLS atomic.Bool
}

// New creates an orchestrator with no tunnels.
func New(opts Options) *Orchestrator {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	o := &Orchestrator{
		opts:   opts,
		logger: logger.With("app", opts.App),
	}
	o.disableTLS.Store(opts.DisableTLS)
	return o
}

// Open records spec and opens its tunnel. The tunnel uses TLS when the
// project certificate is valid on disk. A failed tunnel stays recorded so
// that a restart retries it.
func (o *Orchestrator) Open(ctx context.Context, spec Spec) (*Record, error) {
	rec := &Record{Spec: spec, UseTLS: o.useTLS()}

	o.mu.Lock()
	o.records = append(o.records, rec)
	o.mu.Unlock()

	err := o.connect(ctx, rec)
	o.updateGauge()
	if err != nil {
		return nil, err
	}

	o.mu.Lock()
	out := *rec
	o.mu.Unlock()
	return &out, nil
}

func (o *Orchestrator) useTLS() bool {
	if o.disableTLS.Load() || o.opts.CertFile == "" {
		return false
	}
	return tlsutil.ValidateKeyPairFiles(o.opts.CertFile, o.opts.KeyFile) == nil
}

func (o *Orchestrator) connect(ctx context.Context, rec *Record) error {
	opts := ConnectOptions{
		AuthToken:      o.opts.AuthToken,
		Region:         o.opts.Region,
		Protocol:       ProtocolHTTP,
		LocalAddress:   rec.TargetDomain,
		PublicHostname: rec.PublicDomain,
	}
	if rec.UseTLS {
		opts.Protocol = ProtocolTLS
		opts.CertFile = o.opts.CertFile
		opts.KeyFile = o.opts.KeyFile
	}

	url, err := o.opts.Provider.Connect(ctx, opts)
	o.opts.Metrics.RecordTunnelOperation("open", err)
	if err != nil {
		perr := &ProviderError{PublicDomain: rec.PublicDomain, Op: "open", Err: err}
		o.logger.Error("opening tunnel failed",
			"public_domain", rec.PublicDomain,
			"target", rec.TargetDomain,
			"error", err,
		)
		return perr
	}

	o.mu.Lock()
	rec.URL = url
	o.mu.Unlock()

	if o.opts.Marker != nil {
		o.opts.Marker.SetForceHTTPS(rec.PublicDomain, rec.UseTLS)
	}

	o.logger.Info("tunnel opened",
		"url", url,
		"public_domain", rec.PublicDomain,
		"target", rec.TargetDomain,
		"tls", rec.UseTLS,
	)
	return nil
}

// Restart closes every tunnel of the app and reopens them in their original
// order, re-evaluating TLS. A restart requested while one is running is a
// no-op. A tunnel that fails to reopen does not stop the others.
func (o *Orchestrator) Restart(ctx context.Context) (err error) {
	if !o.restarting.CompareAndSwap(false, true) {
		o.logger.Debug("tunnel restart already in progress")
		return nil
	}
	defer o.restarting.Store(false)

	ctx, span := o.opts.Tracer.Start(ctx, "tunnel.restart", tracing.AttrApp.String(o.opts.App))
	defer func() { tracing.End(span, err) }()

	o.logger.Info("restarting tunnels with the current certificate")
	o.disableTLS.Store(false)

	specs := o.snapshot()
	stopErr := o.Stop(ctx)

	errs := []error{stopErr}
	for _, spec := range specs {
		if _, err := o.Open(ctx, spec); err != nil {
			errs = append(errs, err)
		}
	}

	err = errors.Join(errs...)
	o.opts.Metrics.RecordTunnelOperation("restart", err)
	return err
}

// Stop closes every tunnel of this app and clears the list. Tunnels of
// other apps sharing the provider stay open.
func (o *Orchestrator) Stop(ctx context.Context) error {
	o.mu.Lock()
	records := o.records
	o.records = nil
	o.mu.Unlock()

	var errs []error
	for _, rec := range records {
		if o.opts.Marker != nil {
			o.opts.Marker.SetForceHTTPS(rec.PublicDomain, false)
		}
		if rec.URL == "" {
			continue
		}

		err := o.opts.Provider.Disconnect(ctx, rec.URL)
		o.opts.Metrics.RecordTunnelOperation("close", err)
		if err != nil {
			errs = append(errs, &ProviderError{PublicDomain: rec.PublicDomain, Op: "close", Err: err})
			continue
		}
		o.logger.Info("tunnel closed", "url", rec.URL, "public_domain", rec.PublicDomain)
	}

	o.updateGauge()
	return errors.Join(errs...)
}

// Records returns a copy of the app's tunnels in opening order.
func (o *Orchestrator) Records() []Record {
	o.mu.Lock()
	defer o.mu.Unlock()
	out := make([]Record, len(o.records))
	for i, rec := range o.records {
		out[i] = *rec
	}
	return out
}

func (o *Orchestrator) snapshot() []Spec {
	o.mu.Lock()
	defer o.mu.Unlock()
	specs := make([]Spec, len(o.records))
	for i, rec := range o.records {
		specs[i] = rec.Spec
	}
	return specs
}

func (o *Orchestrator) updateGauge() {
	o.mu.Lock()
	open := 0
	for _, rec := range o.records {
		if rec.URL != "" {
			open++
		}
	}
	o.mu.Unlock()
	o.opts.Metrics.SetTunnelsOpen(o.opts.App, open)
}
