package certs

import (
	"context"
	"errors"
	"net"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"portless-dev/portless/pkg/config"
	"portless-dev/portless/pkg/telemetry/logging"
	"portless-dev/portless/pkg/telemetry/metrics"
	"portless-dev/portless/pkg/tlsutil"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
)

// fakeIssuer signs self-signed certificates valid for validity.
type fakeIssuer struct {
	validity time.Duration
	err      error

	mu    sync.Mutex
	calls [][]string
}

func (f *fakeIssuer) Issue(_ context.Context, names []string) ([]byte, []byte, error) {
	f.mu.Lock()
	f.calls = append(f.calls, names)
	f.mu.Unlock()
	if f.err != nil {
		return nil, nil, f.err
	}
	return tlsutil.GenerateSelfSigned(names, f.validity)
}

func (f *fakeIssuer) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.calls)
}

func newTestManager(t *testing.T, issuer Issuer, collector *metrics.Collector) *Manager {
	t.Helper()
	m, err := NewManager(Options{
		ConfigDir:   t.TempDir(),
		Email:       "dev@example.com",
		Staging:     true,
		RenewBefore: 24 * time.Hour,
		Issuer:      issuer,
		Logger:      logging.Discard(),
		Metrics:     collector,
	})
	if err != nil {
		t.Fatalf("NewManager() error = %v", err)
	}
	t.Cleanup(m.Close)
	return m
}

func waitEvent(t *testing.T, ch <-chan Event) Event {
	t.Helper()
	select {
	case ev := <-ch:
		return ev
	case <-time.After(10 * time.Second):
		t.Fatal("no certificate event")
		return Event{}
	}
}

func TestPaths(t *testing.T) {
	got := AccountKeyPath("/certs", LetsEncryptStagingURL, "dev@example.com")
	want := filepath.Join("/certs", "accounts", "acme-staging-v02.api.letsencrypt.org", "dev@example.com.pem")
	if got != want {
		t.Errorf("AccountKeyPath() = %q, want %q", got, want)
	}

	cert, key := CertPaths("/certs", false, "app.example.com")
	if cert != filepath.Join("/certs", "live", "app.example.com", "cert.pem") ||
		key != filepath.Join("/certs", "live", "app.example.com", "privkey.pem") {
		t.Errorf("CertPaths() = %q, %q", cert, key)
	}
	if cert, _ := CertPaths("/certs", true, "*.example.com"); !strings.Contains(cert, filepath.Join("staging", "_.example.com")) {
		t.Errorf("staging wildcard path = %q", cert)
	}

	if DirectoryURL("", false) == DirectoryURL("", true) {
		t.Error("staging and production directories are the same")
	}
	if DirectoryURL("https://pebble:14000/dir", true) != "https://pebble:14000/dir" {
		t.Error("override ignored")
	}
}

func TestNewManager_AccountKeyPersisted(t *testing.T) {
	dir := t.TempDir()
	opts := Options{ConfigDir: dir, Email: "dev@example.com", Issuer: &fakeIssuer{}, Logger: logging.Discard()}

	first, err := NewManager(opts)
	if err != nil {
		t.Fatal(err)
	}
	first.Close()
	second, err := NewManager(opts)
	if err != nil {
		t.Fatal(err)
	}
	second.Close()

	if first.Thumbprint() == "" || first.Thumbprint() != second.Thumbprint() {
		t.Errorf("thumbprints differ: %q vs %q", first.Thumbprint(), second.Thumbprint())
	}

	if _, err := NewManager(Options{ConfigDir: dir}); err == nil {
		t.Error("expected error without email")
	}
}

func TestManager_AcquireIssuesInBackground(t *testing.T) {
	issuer := &fakeIssuer{validity: 90 * 24 * time.Hour}
	m := newTestManager(t, issuer, nil)

	events := make(chan Event, 4)
	m.OnIssued("app.example.com", func(ev Event) { events <- ev })

	info, err := m.Acquire(context.Background(), Request{Subject: "app.example.com", AltNames: []string{"api.example.com"}})
	if err != nil {
		t.Fatal(err)
	}
	if !info.NeedsRenewing {
		t.Error("missing certificate should need renewing")
	}
	if info.CredentialID != m.Thumbprint() {
		t.Errorf("CredentialID = %q, want the account thumbprint", info.CredentialID)
	}

	ev := waitEvent(t, events)
	if ev.Kind != EventIssued || ev.Subject != "app.example.com" {
		t.Errorf("event = %+v", ev)
	}
	if err := tlsutil.ValidateKeyPairFiles(info.CertFile, info.KeyFile); err != nil {
		t.Errorf("issued pair invalid: %v", err)
	}
	if names := issuer.calls[0]; len(names) != 2 || names[0] != "app.example.com" {
		t.Errorf("issuer names = %v", names)
	}

	info, err = m.Acquire(context.Background(), Request{Subject: "app.example.com"})
	if err != nil {
		t.Fatal(err)
	}
	if info.NeedsRenewing {
		t.Error("fresh certificate reported as needing renewal")
	}
}

func TestManager_SubscribersAreAdditive(t *testing.T) {
	m := newTestManager(t, &fakeIssuer{validity: 90 * 24 * time.Hour}, nil)

	var (
		mu    sync.Mutex
		calls []string
		done  = make(chan struct{}, 2)
	)
	for _, name := range []string{"first", "second"} {
		name := name
		m.OnIssued("app.example.com", func(Event) {
			mu.Lock()
			calls = append(calls, name)
			mu.Unlock()
			done <- struct{}{}
		})
	}

	if _, err := m.Acquire(context.Background(), Request{Subject: "app.example.com"}); err != nil {
		t.Fatal(err)
	}
	for i := 0; i < 2; i++ {
		select {
		case <-done:
		case <-time.After(10 * time.Second):
			t.Fatal("subscriber not called")
		}
	}

	mu.Lock()
	defer mu.Unlock()
	if strings.Join(calls, ",") != "first,second" {
		t.Errorf("calls = %v", calls)
	}
}

func TestManager_RenewDue(t *testing.T) {
	reg := prometheus.NewRegistry()
	collector := metrics.NewCollector(&config.MetricsConfig{Enabled: true, Namespace: "test"}, reg)

	// Twelve-hour certificates are always inside the one-day renewal window.
	issuer := &fakeIssuer{validity: 12 * time.Hour}
	m := newTestManager(t, issuer, collector)

	events := make(chan Event, 4)
	m.OnIssued("app.example.com", func(ev Event) { events <- ev })

	if _, err := m.Acquire(context.Background(), Request{Subject: "app.example.com"}); err != nil {
		t.Fatal(err)
	}
	waitEvent(t, events)

	n, err := m.RenewDue(context.Background())
	if err != nil || n != 1 {
		t.Fatalf("RenewDue() = %d, %v", n, err)
	}
	if ev := waitEvent(t, events); ev.Kind != EventRenewed {
		t.Errorf("kind = %s, want renewed", ev.Kind)
	}

	const want = `
# HELP test_certificates_events_total Total number of certificate events (issued, renewed, failed)
# TYPE test_certificates_events_total counter
test_certificates_events_total{event="issued"} 1
test_certificates_events_total{event="renewed"} 1
`
	if err := testutil.GatherAndCompare(reg, strings.NewReader(want), "test_certificates_events_total"); err != nil {
		t.Error(err)
	}
}

func TestManager_Destroy(t *testing.T) {
	issuer := &fakeIssuer{validity: 12 * time.Hour}
	m := newTestManager(t, issuer, nil)

	called := make(chan Event, 1)
	m.OnIssued("app.example.com", func(ev Event) { called <- ev })
	m.Destroy("app.example.com")

	if len(m.Sites()) != 0 {
		t.Errorf("sites after Destroy = %v", m.Sites())
	}
	if n, err := m.RenewDue(context.Background()); n != 0 || err != nil {
		t.Errorf("RenewDue() after Destroy = %d, %v", n, err)
	}

	// Acquiring again starts a new site without the old subscriber.
	if _, err := m.Acquire(context.Background(), Request{Subject: "app.example.com"}); err != nil {
		t.Fatal(err)
	}
	m.Close()
	select {
	case <-called:
		t.Error("destroyed subscriber was called")
	default:
	}
	if issuer.count() != 1 {
		t.Errorf("issuer calls = %d, want 1", issuer.count())
	}
}

func TestManager_IssueFailure(t *testing.T) {
	m := newTestManager(t, &fakeIssuer{err: errors.New("rate limited")}, nil)
	m.OnIssued("app.example.com", func(Event) { t.Error("subscriber called on failure") })

	_, err := m.RenewDue(context.Background())
	var certErr *CertificateError
	if !errors.As(err, &certErr) {
		t.Fatalf("error = %v, want CertificateError", err)
	}
	if certErr.Subject != "app.example.com" || !strings.Contains(err.Error(), "rate limited") {
		t.Errorf("unexpected error: %v", err)
	}
}

func TestACMEIssuer_AccountTimeout(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}
	addr := ln.Addr().String()
	ln.Close()

	key, err := loadOrCreateAccountKey(filepath.Join(t.TempDir(), "account.pem"))
	if err != nil {
		t.Fatal(err)
	}
	issuer := NewACMEIssuer(key, "http://"+addr+"/directory", "dev@example.com", 300*time.Millisecond, logging.Discard())

	start := time.Now()
	_, _, err = issuer.Issue(context.Background(), []string{"app.example.com"})
	var certErr *CertificateError
	if !errors.As(err, &certErr) || certErr.Op != "account registration" {
		t.Fatalf("error = %v, want account registration CertificateError", err)
	}
	if elapsed := time.Since(start); elapsed > 10*time.Second {
		t.Errorf("retry was not bounded: %v", elapsed)
	}
}

type countingRenewer struct {
	mu sync.Mutex
	n  int
}

func (c *countingRenewer) RenewDue(context.Context) (int, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.n++
	return 1, nil
}

func TestScheduler(t *testing.T) {
	tests := []struct {
		name        string
		schedule    string
		wantRunning bool
		wantError   bool
	}{
		{"twice a day", "0 */12 * * *", true, false},
		{"hourly", "0 * * * *", true, false},
		{"empty schedule", "", false, false},
		{"invalid schedule", "invalid cron", false, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s := NewScheduler(tt.schedule, logging.Discard())
			ctx, cancel := context.WithCancel(context.Background())
			defer cancel()

			err := s.Start(ctx)
			if (err != nil) != tt.wantError {
				t.Fatalf("Start() error = %v, wantError %v", err, tt.wantError)
			}
			if s.IsRunning() != tt.wantRunning {
				t.Errorf("IsRunning() = %v, want %v", s.IsRunning(), tt.wantRunning)
			}
			if tt.wantRunning {
				next := s.NextRun()
				if next == nil || !next.After(time.Now()) {
					t.Errorf("NextRun() = %v", next)
				}
				s.Stop()
				if s.IsRunning() {
					t.Error("still running after Stop")
				}
			}
		})
	}
}

func TestScheduler_RunNow(t *testing.T) {
	s := NewScheduler("0 */12 * * *", logging.Discard())
	a, b := &countingRenewer{}, &countingRenewer{}
	s.Add("a", a)
	s.Add("b", b)

	if n := s.RunNow(context.Background()); n != 2 {
		t.Errorf("RunNow() = %d, want 2", n)
	}

	s.Remove(b)
	s.RunNow(context.Background())
	if a.n != 2 || b.n != 1 {
		t.Errorf("renewer calls = %d/%d, want 2/1", a.n, b.n)
	}
}
