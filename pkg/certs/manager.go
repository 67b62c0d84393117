package certs

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"portless-dev/portless/pkg/telemetry/metrics"
	"portless-dev/portless/pkg/tlsutil"

	"golang.org/x/crypto/acme"
)

// EventKind distinguishes a first issuance from a renewal.
type EventKind string

const (
	EventIssued  EventKind = "issued"
	EventRenewed EventKind = "renewed"
)

// Event is delivered to subscribers after a certificate was written.
type Event struct {
	Subject  string
	Kind     EventKind
	CertFile string
	KeyFile  string
	NotAfter time.Time
}

// Subscriber is called after a certificate for its subject was issued or renewed.
type Subscriber func(Event)

// Request names a site: the subject and its alternative names.
type Request struct {
	Subject  string
	AltNames []string
}

// Info is the result of Acquire.
type Info struct {
	// CredentialID is the account key thumbprint, the suffix of HTTP-01
	// key authorizations.
	CredentialID string

	// NeedsRenewing is true when the certificate is missing or expires
	// within the renewal window. Issuance is then already running.
	NeedsRenewing bool

	CertFile string
	KeyFile  string
}

// Provider is what the app lifecycle needs from a certificate manager.
type Provider interface {
	Acquire(ctx context.Context, req Request) (*Info, error)
	OnIssued(subject string, fn Subscriber)
	Destroy(subject string)
	RenewDue(ctx context.Context) (int, error)
	Close()
}

// Options configures a Manager.
type Options struct {
	ConfigDir    string
	Email        string
	Staging      bool
	DirectoryURL string

	// RenewBefore marks certificates expiring within it as due.
	RenewBefore time.Duration

	// AccountTimeout bounds waiting for the ACME account.
	AccountTimeout time.Duration

	// Issuer overrides the ACME issuer.
	Issuer Issuer

	Logger  *slog.Logger
	Metrics *metrics.Collector
}

type site struct {
	subject     string
	names       []string
	subscribers []Subscriber
	issuing     bool
}

// Manager manages the certificates of one project.
type Manager struct {
	opts       Options
	thumbprint string
	issuer     Issuer
	logger     *slog.Logger
	metrics    *metrics.Collector

	mu    sync.Mutex
	sites map[string]*site

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewManager loads or creates the account key and returns a manager.
func NewManager(opts Options) (*Manager, error) {
	if opts.ConfigDir == "" {
		return nil, fmt.Errorf("certificate config dir is required")
	}
	if opts.Email == "" {
		return nil, fmt.Errorf("certificate email is required")
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	if opts.AccountTimeout == 0 {
		opts.AccountTimeout = 2 * time.Minute
	}

	dirURL := DirectoryURL(opts.DirectoryURL, opts.Staging)
	key, err := loadOrCreateAccountKey(AccountKeyPath(opts.ConfigDir, dirURL, opts.Email))
	if err != nil {
		return nil, &CertificateError{Op: "account key", Err: err}
	}
	thumbprint, err := acme.JWKThumbprint(key.Public())
	if err != nil {
		return nil, &CertificateError{Op: "account key", Err: err}
	}

	issuer := opts.Issuer
	if issuer == nil {
		issuer = NewACMEIssuer(key, dirURL, opts.Email, opts.AccountTimeout, opts.Logger)
	}

	ctx, cancel := context.WithCancel(context.Background())
	return &Manager{
		opts:       opts,
		thumbprint: thumbprint,
		issuer:     issuer,
		logger:     opts.Logger,
		metrics:    opts.Metrics,
		sites:      make(map[string]*site),
		ctx:        ctx,
		cancel:     cancel,
	}, nil
}

// Thumbprint returns the account key thumbprint.
func (m *Manager) Thumbprint() string { return m.thumbprint }

// Acquire registers the site and reports the state of its certificate.
// A missing or due certificate is issued in the background; subscribers
// learn about it through OnIssued.
func (m *Manager) Acquire(ctx context.Context, req Request) (*Info, error) {
	if req.Subject == "" {
		return nil, fmt.Errorf("certificate subject is required")
	}

	names := append([]string{req.Subject}, req.AltNames...)

	m.mu.Lock()
	s, ok := m.sites[req.Subject]
	if !ok {
		s = &site{subject: req.Subject}
		m.sites[req.Subject] = s
	}
	s.names = names
	m.mu.Unlock()

	certFile, keyFile := CertPaths(m.opts.ConfigDir, m.opts.Staging, req.Subject)
	info := &Info{
		CredentialID: m.thumbprint,
		CertFile:     certFile,
		KeyFile:      keyFile,
	}

	if _, due := m.due(req.Subject); due {
		info.NeedsRenewing = true
		m.wg.Add(1)
		go func() {
			defer m.wg.Done()
			if err := m.issue(m.ctx, s); err != nil {
				m.logger.Error("certificate issuance failed", "subject", s.subject, "error", err)
			}
		}()
	}

	return info, nil
}

// OnIssued adds fn to the subscribers of subject. Earlier subscribers stay.
func (m *Manager) OnIssued(subject string, fn Subscriber) {
	m.mu.Lock()
	defer m.mu.Unlock()

	s, ok := m.sites[subject]
	if !ok {
		s = &site{subject: subject, names: []string{subject}}
		m.sites[subject] = s
	}
	s.subscribers = append(s.subscribers, fn)
}

// Destroy releases subject and its subscribers. Files stay on disk so a
// later Acquire can reuse them.
func (m *Manager) Destroy(subject string) {
	m.mu.Lock()
	delete(m.sites, subject)
	m.mu.Unlock()
}

// Sites returns the managed subjects.
func (m *Manager) Sites() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]string, 0, len(m.sites))
	for subject := range m.sites {
		out = append(out, subject)
	}
	return out
}

// RenewDue issues every managed certificate that is missing or due and
// returns how many were written.
func (m *Manager) RenewDue(ctx context.Context) (int, error) {
	m.mu.Lock()
	sites := make([]*site, 0, len(m.sites))
	for _, s := range m.sites {
		sites = append(sites, s)
	}
	m.mu.Unlock()

	var (
		renewed int
		errs    []error
	)
	for _, s := range sites {
		if _, due := m.due(s.subject); !due {
			continue
		}
		if err := m.issue(ctx, s); err != nil {
			errs = append(errs, err)
			continue
		}
		renewed++
	}
	return renewed, errors.Join(errs...)
}

// Close stops background issuance and waits for it to return.
func (m *Manager) Close() {
	m.cancel()
	m.wg.Wait()
}

// due reports whether subject has a certificate and whether it must be
// (re)issued.
func (m *Manager) due(subject string) (exists, due bool) {
	certFile, _ := CertPaths(m.opts.ConfigDir, m.opts.Staging, subject)
	leaf, err := tlsutil.ParseCertificateFile(certFile)
	if err != nil {
		return false, true
	}
	m.metrics.SetCertificateExpiry(subject, leaf.NotAfter)
	return true, tlsutil.ExpiresWithin(leaf, m.opts.RenewBefore)
}

// issue obtains and writes a certificate for s, then calls its subscribers.
// A site that is already being issued is skipped.
func (m *Manager) issue(ctx context.Context, s *site) error {
	m.mu.Lock()
	if s.issuing {
		m.mu.Unlock()
		return nil
	}
	s.issuing = true
	names := append([]string(nil), s.names...)
	m.mu.Unlock()

	ev, err := m.obtain(ctx, s.subject, names)

	m.mu.Lock()
	s.issuing = false
	current := m.sites[s.subject] == s
	subscribers := append([]Subscriber(nil), s.subscribers...)
	m.mu.Unlock()

	if err != nil {
		return err
	}
	if !current {
		m.logger.Debug("site released during issuance, dropping event", "subject", s.subject)
		return nil
	}
	for _, fn := range subscribers {
		fn(ev)
	}
	return nil
}

func (m *Manager) obtain(ctx context.Context, subject string, names []string) (Event, error) {
	exists, _ := m.due(subject)
	kind := EventIssued
	if exists {
		kind = EventRenewed
	}

	m.logger.Info("requesting certificate", "subject", subject, "names", names, "kind", kind)

	certPEM, keyPEM, err := m.issuer.Issue(ctx, names)
	if err != nil {
		m.metrics.RecordCertificateEvent("failed")
		var certErr *CertificateError
		if errors.As(err, &certErr) {
			if certErr.Subject == "" {
				certErr.Subject = subject
			}
			return Event{}, certErr
		}
		return Event{}, &CertificateError{Subject: subject, Op: "issuance", Err: err}
	}

	certFile, keyFile := CertPaths(m.opts.ConfigDir, m.opts.Staging, subject)
	if err := tlsutil.WriteKeyPair(certFile, keyFile, certPEM, keyPEM); err != nil {
		m.metrics.RecordCertificateEvent("failed")
		return Event{}, &CertificateError{Subject: subject, Op: "storage", Err: err}
	}

	ev := Event{Subject: subject, Kind: kind, CertFile: certFile, KeyFile: keyFile}
	if leaf, err := tlsutil.ParseCertificateFile(certFile); err == nil {
		ev.NotAfter = leaf.NotAfter
		m.metrics.SetCertificateExpiry(subject, leaf.NotAfter)
	}
	m.metrics.RecordCertificateEvent(string(kind))

	m.logger.Info("certificate written",
		"subject", subject,
		"kind", kind,
		"expires_at", ev.NotAfter.Format(time.RFC3339),
	)
	return ev, nil
}
