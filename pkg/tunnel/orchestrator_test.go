package tunnel

import (
	"context"
	"errors"
	"fmt"
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

// fakeProvider hands out sequential URLs and records every call.
type fakeProvider struct {
	mu          sync.Mutex
	seq         int
	open        map[string]ConnectOptions
	connects    []ConnectOptions
	disconnects []string
	failFor     map[string]bool

	// blockDisconnect, when set, is received from before each disconnect.
	blockDisconnect chan struct{}
	inDisconnect    chan struct{}
}

func newFakeProvider() *fakeProvider {
	return &fakeProvider{open: make(map[string]ConnectOptions), failFor: make(map[string]bool)}
}

func (f *fakeProvider) Connect(_ context.Context, opts ConnectOptions) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.connects = append(f.connects, opts)
	if f.failFor[opts.PublicHostname] {
		return "", errors.New("hostname is reserved by another account")
	}
	f.seq++
	url := fmt.Sprintf("https://%s#%d", opts.PublicHostname, f.seq)
	f.open[url] = opts
	return url, nil
}

func (f *fakeProvider) Disconnect(_ context.Context, url string) error {
	if f.inDisconnect != nil {
		select {
		case f.inDisconnect <- struct{}{}:
		default:
		}
	}
	if f.blockDisconnect != nil {
		<-f.blockDisconnect
	}

	f.mu.Lock()
	defer f.mu.Unlock()
	f.disconnects = append(f.disconnects, url)
	if _, ok := f.open[url]; !ok {
		return errors.New("unknown tunnel")
	}
	delete(f.open, url)
	return nil
}

func (f *fakeProvider) DisconnectAll(context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.open = make(map[string]ConnectOptions)
	return nil
}

func (f *fakeProvider) openHosts() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []string
	for _, opts := range f.open {
		out = append(out, opts.PublicHostname)
	}
	return out
}

type fakeMarker struct {
	mu     sync.Mutex
	forced map[string]bool
}

func (m *fakeMarker) SetForceHTTPS(domain string, on bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.forced == nil {
		m.forced = make(map[string]bool)
	}
	m.forced[domain] = on
}

func (m *fakeMarker) get(domain string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.forced[domain]
}

func writeCert(t *testing.T) (string, string) {
	t.Helper()
	certPEM, keyPEM, err := tlsutil.GenerateSelfSigned([]string{"app.example.com"}, time.Hour)
	if err != nil {
		t.Fatal(err)
	}
	dir := t.TempDir()
	certFile, keyFile := filepath.Join(dir, "cert.pem"), filepath.Join(dir, "privkey.pem")
	if err := tlsutil.WriteKeyPair(certFile, keyFile, certPEM, keyPEM); err != nil {
		t.Fatal(err)
	}
	return certFile, keyFile
}

func newOrchestrator(app string, p Provider, opts Options) *Orchestrator {
	opts.App = app
	opts.Provider = p
	if opts.Logger == nil {
		opts.Logger = logging.Discard()
	}
	return New(opts)
}

func urls(records []Record) []string {
	out := make([]string, len(records))
	for i, r := range records {
		out[i] = r.PublicDomain
	}
	return out
}

func TestOrchestrator_OpenChoosesProtocol(t *testing.T) {
	certFile, keyFile := writeCert(t)

	tests := []struct {
		name       string
		certFile   string
		disableTLS bool
		want       Protocol
	}{
		{"valid certificate", certFile, false, ProtocolTLS},
		{"no certificate", filepath.Join(t.TempDir(), "missing.pem"), false, ProtocolHTTP},
		{"renewal pending", certFile, true, ProtocolHTTP},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			p := newFakeProvider()
			marker := &fakeMarker{}
			o := newOrchestrator("shop", p, Options{
				CertFile:   tt.certFile,
				KeyFile:    keyFile,
				DisableTLS: tt.disableTLS,
				Marker:     marker,
			})

			rec, err := o.Open(context.Background(), Spec{PublicDomain: "app.example.com", TargetDomain: "localhost:5678"})
			if err != nil {
				t.Fatal(err)
			}
			if got := p.connects[0].Protocol; got != tt.want {
				t.Errorf("protocol = %s, want %s", got, tt.want)
			}
			if rec.UseTLS != (tt.want == ProtocolTLS) {
				t.Errorf("UseTLS = %v", rec.UseTLS)
			}
			if marker.get("app.example.com") != rec.UseTLS {
				t.Error("force-HTTPS does not follow the tunnel mode")
			}
			if p.connects[0].LocalAddress != "localhost:5678" {
				t.Errorf("LocalAddress = %q", p.connects[0].LocalAddress)
			}
			if tt.want == ProtocolTLS && p.connects[0].CertFile != certFile {
				t.Error("TLS tunnel without certificate files")
			}
		})
	}
}

func TestOrchestrator_OpenFailure(t *testing.T) {
	reg := prometheus.NewRegistry()
	collector := metrics.NewCollector(&config.MetricsConfig{Enabled: true, Namespace: "test"}, reg)

	p := newFakeProvider()
	p.failFor["taken.example.com"] = true
	o := newOrchestrator("shop", p, Options{Metrics: collector})

	_, err := o.Open(context.Background(), Spec{PublicDomain: "taken.example.com", TargetDomain: "localhost:5678"})
	var perr *ProviderError
	if !errors.As(err, &perr) || perr.PublicDomain != "taken.example.com" || perr.Op != "open" {
		t.Fatalf("error = %v, want ProviderError", err)
	}
	if _, err := o.Open(context.Background(), Spec{PublicDomain: "app.example.com", TargetDomain: "localhost:5678"}); err != nil {
		t.Fatal(err)
	}

	// The failed spec is kept so a restart retries it.
	if got := strings.Join(urls(o.Records()), ","); got != "taken.example.com,app.example.com" {
		t.Errorf("records = %s", got)
	}

	const want = `
# HELP test_tunnel_open Number of open tunnels per app
# TYPE test_tunnel_open gauge
test_tunnel_open{app="shop"} 1
# HELP test_tunnel_operations_total Total number of tunnel operations by result
# TYPE test_tunnel_operations_total counter
test_tunnel_operations_total{operation="open",result="error"} 1
test_tunnel_operations_total{operation="open",result="success"} 1
`
	if err := testutil.GatherAndCompare(reg, strings.NewReader(want), "test_tunnel_open", "test_tunnel_operations_total"); err != nil {
		t.Error(err)
	}
}

func TestOrchestrator_RestartKeepsOrder(t *testing.T) {
	p := newFakeProvider()
	p.failFor["b.example.com"] = true
	o := newOrchestrator("shop", p, Options{})

	for _, d := range []string{"a.example.com", "b.example.com", "c.example.com"} {
		_, _ = o.Open(context.Background(), Spec{PublicDomain: d, TargetDomain: "localhost:5678"})
	}
	before := o.Records()

	err := o.Restart(context.Background())
	var perr *ProviderError
	if !errors.As(err, &perr) || perr.PublicDomain != "b.example.com" {
		t.Fatalf("Restart() error = %v, want the b.example.com failure", err)
	}

	after := o.Records()
	if strings.Join(urls(after), ",") != strings.Join(urls(before), ",") {
		t.Errorf("order changed: %v -> %v", urls(before), urls(after))
	}
	if after[2].URL == "" || after[2].URL == before[2].URL {
		t.Errorf("c.example.com not reopened after b failed: %+v", after[2])
	}
	if len(p.disconnects) != 2 {
		t.Errorf("disconnects = %v, want the two open tunnels", p.disconnects)
	}
}

func TestOrchestrator_RestartReentrancy(t *testing.T) {
	p := newFakeProvider()
	o := newOrchestrator("shop", p, Options{})
	for _, d := range []string{"a.example.com", "b.example.com"} {
		if _, err := o.Open(context.Background(), Spec{PublicDomain: d, TargetDomain: "localhost:5678"}); err != nil {
			t.Fatal(err)
		}
	}
	before := urls(o.Records())

	p.blockDisconnect = make(chan struct{})
	p.inDisconnect = make(chan struct{}, 1)

	done := make(chan error, 1)
	go func() { done <- o.Restart(context.Background()) }()

	select {
	case <-p.inDisconnect:
	case <-time.After(5 * time.Second):
		t.Fatal("first restart never reached the provider")
	}

	// The first restart is in flight; this one must return at once.
	if err := o.Restart(context.Background()); err != nil {
		t.Errorf("concurrent Restart() error = %v", err)
	}

	close(p.blockDisconnect)
	if err := <-done; err != nil {
		t.Fatalf("Restart() error = %v", err)
	}

	p.mu.Lock()
	connects, disconnects := len(p.connects), len(p.disconnects)
	p.mu.Unlock()
	if connects != 4 || disconnects != 2 {
		t.Errorf("connects/disconnects = %d/%d, want one cycle (4/2)", connects, disconnects)
	}
	if after := urls(o.Records()); strings.Join(after, ",") != strings.Join(before, ",") {
		t.Errorf("tunnel set changed: %v -> %v", before, after)
	}
}

func TestOrchestrator_RestartReenablesTLS(t *testing.T) {
	certFile, keyFile := writeCert(t)
	p := newFakeProvider()
	o := newOrchestrator("shop", p, Options{CertFile: certFile, KeyFile: keyFile, DisableTLS: true})

	rec, err := o.Open(context.Background(), Spec{PublicDomain: "app.example.com", TargetDomain: "localhost:5678"})
	if err != nil || rec.UseTLS {
		t.Fatalf("Open() = %+v, %v, want an HTTP tunnel while renewing", rec, err)
	}

	if err := o.Restart(context.Background()); err != nil {
		t.Fatal(err)
	}
	if recs := o.Records(); len(recs) != 1 || !recs[0].UseTLS {
		t.Errorf("after restart records = %+v, want TLS", recs)
	}
}

func TestOrchestrator_StopIsolation(t *testing.T) {
	p := newFakeProvider()
	a := newOrchestrator("a", p, Options{})
	b := newOrchestrator("b", p, Options{})

	_, _ = a.Open(context.Background(), Spec{PublicDomain: "a.example.com", TargetDomain: "localhost:5678"})
	_, _ = b.Open(context.Background(), Spec{PublicDomain: "b.example.com", TargetDomain: "localhost:5678"})

	if err := a.Stop(context.Background()); err != nil {
		t.Fatal(err)
	}

	if len(a.Records()) != 0 {
		t.Error("a still has tunnels")
	}
	if open := p.openHosts(); len(open) != 1 || open[0] != "b.example.com" {
		t.Errorf("open tunnels = %v, want only b", open)
	}
	if len(b.Records()) != 1 {
		t.Error("b lost its tunnel record")
	}
}
