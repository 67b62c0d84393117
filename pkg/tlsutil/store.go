package tlsutil

import (
	"context"
	"crypto/tls"
	"crypto/x509"
	"fmt"
	"log/slog"
	"os"
	"strings"
	"sync"
	"time"
)

// pair is one certificate loaded from disk, with the modification times
// it was loaded at.
type pair struct {
	certFile string
	keyFile  string

	cert     *tls.Certificate
	certTime time.Time
	keyTime  time.Time
}

func loadPair(certFile, keyFile string) (*pair, error) {
	certInfo, err := os.Stat(certFile)
	if err != nil {
		return nil, err
	}
	keyInfo, err := os.Stat(keyFile)
	if err != nil {
		return nil, err
	}

	cert, err := tls.LoadX509KeyPair(certFile, keyFile)
	if err != nil {
		return nil, err
	}
	if err := ValidateCertificate(&cert); err != nil {
		return nil, err
	}
	if leaf, err := x509.ParseCertificate(cert.Certificate[0]); err == nil {
		cert.Leaf = leaf
	}

	return &pair{
		certFile: certFile,
		keyFile:  keyFile,
		cert:     &cert,
		certTime: certInfo.ModTime(),
		keyTime:  keyInfo.ModTime(),
	}, nil
}

func (p *pair) changed() bool {
	certInfo, err := os.Stat(p.certFile)
	if err != nil {
		return false
	}
	keyInfo, err := os.Stat(p.keyFile)
	if err != nil {
		return false
	}
	return certInfo.ModTime().After(p.certTime) || keyInfo.ModTime().After(p.keyTime)
}

// Store selects a certificate by SNI server name for the daemon's TLS
// listener. Pairs are reloaded when their files change on disk, so renewed
// certificates are served without restarting the listener. Names without a
// pair get the fallback certificate.
type Store struct {
	logger *slog.Logger

	mu       sync.RWMutex
	names    map[string]*pair
	fallback *pair
}

// NewStore creates an empty store.
func NewStore(logger *slog.Logger) *Store {
	if logger == nil {
		logger = slog.Default()
	}
	return &Store{
		logger: logger,
		names:  make(map[string]*pair),
	}
}

// SetFallback loads the certificate served when no name matches.
func (s *Store) SetFallback(certFile, keyFile string) error {
	p, err := loadPair(certFile, keyFile)
	if err != nil {
		return fmt.Errorf("failed to load fallback certificate: %w", err)
	}

	s.mu.Lock()
	s.fallback = p
	s.mu.Unlock()
	return nil
}

// Add serves the pair at certFile and keyFile for every name in names.
// Wildcard names like "*.example.com" match one label.
func (s *Store) Add(names []string, certFile, keyFile string) error {
	p, err := loadPair(certFile, keyFile)
	if err != nil {
		return fmt.Errorf("failed to load certificate %q: %w", certFile, err)
	}

	s.mu.Lock()
	for _, name := range names {
		s.names[strings.ToLower(name)] = p
	}
	s.mu.Unlock()

	s.logInfo(p, "certificate loaded")
	return nil
}

// Remove stops serving a certificate for names.
func (s *Store) Remove(names ...string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, name := range names {
		delete(s.names, strings.ToLower(name))
	}
}

// Names returns the server names that have a certificate.
func (s *Store) Names() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]string, 0, len(s.names))
	for name := range s.names {
		out = append(out, name)
	}
	return out
}

// GetCertificate implements tls.Config.GetCertificate.
func (s *Store) GetCertificate(hello *tls.ClientHelloInfo) (*tls.Certificate, error) {
	name := strings.TrimSuffix(strings.ToLower(hello.ServerName), ".")

	s.mu.RLock()
	defer s.mu.RUnlock()

	if p, ok := s.names[name]; ok {
		return p.cert, nil
	}
	if i := strings.IndexByte(name, '.'); i > 0 {
		if p, ok := s.names["*"+name[i:]]; ok {
			return p.cert, nil
		}
	}
	if s.fallback != nil {
		return s.fallback.cert, nil
	}
	return nil, fmt.Errorf("no certificate for %q", hello.ServerName)
}

// TLSConfig returns a server configuration backed by the store. Only
// HTTP/1.1 is offered so that WebSocket upgrades work on the TLS listener.
func (s *Store) TLSConfig() *tls.Config {
	return &tls.Config{
		MinVersion:     tls.VersionTLS12,
		GetCertificate: s.GetCertificate,
		NextProtos:     []string{"http/1.1"},
	}
}

// Start reloads changed pairs every interval until ctx is done.
func (s *Store) Start(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			s.Refresh()
		case <-ctx.Done():
			return
		}
	}
}

// Refresh reloads every pair whose files changed since they were loaded.
// A pair that fails to reload keeps serving the previous certificate.
func (s *Store) Refresh() {
	s.mu.RLock()
	seen := make(map[*pair]bool)
	var stale []*pair
	for _, p := range s.names {
		if !seen[p] && p.changed() {
			stale = append(stale, p)
		}
		seen[p] = true
	}
	if s.fallback != nil && !seen[s.fallback] && s.fallback.changed() {
		stale = append(stale, s.fallback)
	}
	s.mu.RUnlock()

	for _, old := range stale {
		fresh, err := loadPair(old.certFile, old.keyFile)
		if err != nil {
			s.logger.Error("failed to reload certificate",
				"error", err,
				"cert_file", old.certFile,
				"key_file", old.keyFile,
			)
			continue
		}

		s.mu.Lock()
		for name, p := range s.names {
			if p == old {
				s.names[name] = fresh
			}
		}
		if s.fallback == old {
			s.fallback = fresh
		}
		s.mu.Unlock()

		s.logInfo(fresh, "certificate reloaded")
	}
}

func (s *Store) logInfo(p *pair, msg string) {
	leaf := p.cert.Leaf
	if leaf == nil {
		return
	}

	daysUntilExpiry := int(time.Until(leaf.NotAfter).Hours() / 24)
	if daysUntilExpiry < 30 {
		s.logger.Warn("certificate expiring soon",
			"subject", leaf.Subject.CommonName,
			"expires_in_days", daysUntilExpiry,
			"expires_at", leaf.NotAfter.Format(time.RFC3339),
		)
		return
	}
	s.logger.Info(msg,
		"subject", leaf.Subject.CommonName,
		"issuer", leaf.Issuer.CommonName,
		"expires_in_days", daysUntilExpiry,
		"cert_file", p.certFile,
	)
}
