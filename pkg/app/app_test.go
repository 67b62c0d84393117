package app

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"portless-dev/portless/pkg/certs"
	"portless-dev/portless/pkg/config"
	"portless-dev/portless/pkg/proxy"
	"portless-dev/portless/pkg/state"
	"portless-dev/portless/pkg/telemetry/logging"
	"portless-dev/portless/pkg/telemetry/metrics"
	"portless-dev/portless/pkg/tlsutil"
	"portless-dev/portless/pkg/tunnel"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
)

// journal records collaborator calls across fakes, in order.
type journal struct {
	mu      sync.Mutex
	entries []string
}

func (j *journal) add(format string, args ...any) {
	j.mu.Lock()
	defer j.mu.Unlock()
	j.entries = append(j.entries, fmt.Sprintf(format, args...))
}

func (j *journal) list() []string {
	j.mu.Lock()
	defer j.mu.Unlock()
	return append([]string(nil), j.entries...)
}

type fakeCerts struct {
	j             *journal
	needsRenewing bool

	mu          sync.Mutex
	subscribers []certs.Subscriber
}

func (f *fakeCerts) Acquire(_ context.Context, req certs.Request) (*certs.Info, error) {
	f.j.add("certs.acquire %s", req.Subject)
	return &certs.Info{
		CredentialID:  "thumbprint",
		NeedsRenewing: f.needsRenewing,
		CertFile:      "/certs/cert.pem",
		KeyFile:       "/certs/privkey.pem",
	}, nil
}

func (f *fakeCerts) OnIssued(_ string, fn certs.Subscriber) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.subscribers = append(f.subscribers, fn)
}

func (f *fakeCerts) fire(ev certs.Event) {
	f.mu.Lock()
	subs := append([]certs.Subscriber(nil), f.subscribers...)
	f.mu.Unlock()
	for _, fn := range subs {
		fn(ev)
	}
}

func (f *fakeCerts) Destroy(subject string) { f.j.add("certs.destroy %s", subject) }
func (f *fakeCerts) RenewDue(context.Context) (int, error) { return 0, nil }
func (f *fakeCerts) Close() { f.j.add("certs.close") }

type fakeTunnels struct {
	j       *journal
	proxies *proxy.Registry

	// gate, when set, holds every Connect until it is closed. entered
	// receives a value each time a Connect starts waiting.
	gate    chan struct{}
	entered chan struct{}

	mu       sync.Mutex
	seq      int
	open     map[string]string
	connects []tunnel.ConnectOptions
}

func (f *fakeTunnels) Connect(_ context.Context, opts tunnel.ConnectOptions) (string, error) {
	if f.gate != nil {
		if f.entered != nil {
			select {
			case f.entered <- struct{}{}:
			default:
			}
		}
		<-f.gate
	}

	f.mu.Lock()
	defer f.mu.Unlock()
	f.seq++
	url := fmt.Sprintf("https://%s#%d", opts.PublicHostname, f.seq)
	f.open[url] = opts.PublicHostname
	f.connects = append(f.connects, opts)
	f.j.add("tunnel.connect %s", opts.PublicHostname)
	return url, nil
}

func (f *fakeTunnels) Disconnect(_ context.Context, url string) error {
	f.mu.Lock()
	host := f.open[url]
	delete(f.open, url)
	f.mu.Unlock()

	_, resolvable := f.proxies.Resolve(host)
	f.j.add("tunnel.disconnect %s resolvable=%v", host, resolvable)
	return nil
}

func (f *fakeTunnels) DisconnectAll(context.Context) error { return nil }

func (f *fakeTunnels) connectCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.connects)
}

func (f *fakeTunnels) connectOptions() []tunnel.ConnectOptions {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]tunnel.ConnectOptions(nil), f.connects...)
}

func (f *fakeTunnels) openHosts() map[string]bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make(map[string]bool)
	for _, host := range f.open {
		out[host] = true
	}
	return out
}

type fixture struct {
	j       *journal
	proxies *proxy.Registry
	certs   *fakeCerts
	tunnels *fakeTunnels
	deps    Dependencies
}

func newFixture(t *testing.T, collector *metrics.Collector) *fixture {
	t.Helper()
	j := &journal{}
	proxies := proxy.NewRegistry(logging.Discard(), nil)
	f := &fixture{
		j:       j,
		proxies: proxies,
		certs:   &fakeCerts{j: j, needsRenewing: true},
		tunnels: &fakeTunnels{j: j, proxies: proxies, open: make(map[string]string)},
	}
	f.deps = Dependencies{
		Proxies:      proxies,
		DaemonAddr:   "localhost:5678",
		Certificates: func(*config.Project) (certs.Provider, error) { return f.certs, nil },
		Tunnels:      func(*config.Project) (tunnel.Provider, error) { return f.tunnels, nil },
		Logger:       logging.Discard(),
		Metrics:      collector,
	}
	return f
}

const shopConfig = `
project_name: shop
domains:
  - id: web
    public: app.example.com
    local: app.local
    target: localhost:3000
  - local: api.local
    target: localhost:4000
certificates:
  email: dev@example.com
tunnel:
  auth_token: secret
`

func writeProject(t *testing.T, dir, content string) string {
	t.Helper()
	if dir == "" {
		dir = t.TempDir()
	}
	if err := os.WriteFile(filepath.Join(dir, "portless.yaml"), []byte(content), 0o644); err != nil {
		t.Fatal(err)
	}
	return dir
}

func eventually(t *testing.T, cond func() bool, msg string) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatal(msg)
		}
		time.Sleep(10 * time.Millisecond)
	}
}

func TestController_StartStop(t *testing.T) {
	f := newFixture(t, nil)
	c := NewController(writeProject(t, "", shopConfig), f.deps)

	if err := c.Start(context.Background()); err != nil {
		t.Fatalf("Start() error = %v", err)
	}
	if c.State() != StateRunning {
		t.Fatalf("state = %s, want running", c.State())
	}

	for _, domain := range []string{"app.example.com", "app.local", "api.local"} {
		if _, ok := f.proxies.Resolve(domain); !ok {
			t.Errorf("%s does not resolve", domain)
		}
	}
	h, _ := f.proxies.Resolve("app.example.com")
	if h.KeyAuthorization() != "thumbprint" || h.Owner() != "shop" {
		t.Errorf("handler key auth = %q, owner = %q", h.KeyAuthorization(), h.Owner())
	}

	if n := f.tunnels.connectCount(); n != 1 {
		t.Fatalf("tunnel connects = %d, want one per public domain", n)
	}
	opts := f.tunnels.connects[0]
	if opts.Protocol != tunnel.ProtocolHTTP || opts.LocalAddress != "localhost:5678" || opts.AuthToken != "secret" {
		t.Errorf("connect options = %+v, want HTTP to the daemon while renewing", opts)
	}

	info := c.Info()
	if info.ProjectName != "shop" || len(info.Tunnels) != 1 || info.Certificate == nil || !info.Certificate.NeedsRenewing {
		t.Errorf("Info() = %+v", info)
	}

	if err := c.Stop(context.Background()); err != nil {
		t.Fatalf("Stop() error = %v", err)
	}
	if c.State() != StateStopped {
		t.Errorf("state = %s, want stopped", c.State())
	}
	if _, ok := f.proxies.Resolve("app.example.com"); ok {
		t.Error("domain still resolves after Stop")
	}
	if len(f.proxies.Routes()) != 0 {
		t.Errorf("routes left: %v", f.proxies.Routes())
	}

	want := []string{
		"certs.acquire app.example.com",
		"tunnel.connect app.example.com",
		"certs.destroy app.example.com",
		"certs.close",
		"tunnel.disconnect app.example.com resolvable=true",
	}
	if got := f.j.list(); strings.Join(got, "\n") != strings.Join(want, "\n") {
		t.Errorf("calls:\n%s\nwant:\n%s", strings.Join(got, "\n"), strings.Join(want, "\n"))
	}

	if err := c.Stop(context.Background()); err != nil {
		t.Errorf("second Stop() error = %v", err)
	}
}

func TestController_StartTwice(t *testing.T) {
	f := newFixture(t, nil)
	c := NewController(writeProject(t, "", shopConfig), f.deps)
	if err := c.Start(context.Background()); err != nil {
		t.Fatal(err)
	}
	defer c.Stop(context.Background())

	var stateErr *StateError
	if err := c.Start(context.Background()); !errors.As(err, &stateErr) || stateErr.State != StateRunning {
		t.Errorf("second Start() error = %v, want StateError", err)
	}
}

func TestController_MissingConfig(t *testing.T) {
	f := newFixture(t, nil)
	c := NewController(t.TempDir(), f.deps)

	err := c.Start(context.Background())
	if !errors.Is(err, config.ErrProjectConfigNotFound) {
		t.Fatalf("Start() error = %v, want ErrProjectConfigNotFound", err)
	}
	if c.State() != StateStopped {
		t.Errorf("state = %s, want stopped", c.State())
	}
}

func TestController_CertificateFailureIsNotFatal(t *testing.T) {
	f := newFixture(t, nil)
	f.deps.Certificates = func(*config.Project) (certs.Provider, error) {
		return nil, errors.New("account key unreadable")
	}
	c := NewController(writeProject(t, "", shopConfig), f.deps)

	if err := c.Start(context.Background()); err != nil {
		t.Fatalf("Start() error = %v", err)
	}
	defer c.Stop(context.Background())

	if _, ok := f.proxies.Resolve("app.local"); !ok {
		t.Error("local domain not bound")
	}
	if f.tunnels.connectCount() != 1 {
		t.Error("tunnel not opened without certificates")
	}
	if c.Info().Certificate != nil {
		t.Error("certificate status reported without a manager")
	}
}

func TestController_CertificateEventRestartsTunnels(t *testing.T) {
	f := newFixture(t, nil)
	c := NewController(writeProject(t, "", shopConfig), f.deps)
	if err := c.Start(context.Background()); err != nil {
		t.Fatal(err)
	}

	f.certs.fire(certs.Event{Subject: "app.example.com", Kind: certs.EventIssued})
	eventually(t, func() bool { return f.tunnels.connectCount() == 2 }, "tunnels not restarted after issuance")
	eventually(t, func() bool {
		info := c.Info()
		return info.Certificate != nil && !info.Certificate.NeedsRenewing
	}, "certificate still reported as renewing")

	if err := c.Stop(context.Background()); err != nil {
		t.Fatal(err)
	}

	// Events of a stopped run are ignored.
	f.certs.fire(certs.Event{Subject: "app.example.com", Kind: certs.EventRenewed})
	time.Sleep(100 * time.Millisecond)
	if n := f.tunnels.connectCount(); n != 2 {
		t.Errorf("connects = %d after stop, want 2", n)
	}
}

// instantIssuer signs a self-signed certificate without any network round trip.
type instantIssuer struct{}

func (instantIssuer) Issue(_ context.Context, names []string) ([]byte, []byte, error) {
	return tlsutil.GenerateSelfSigned(names, 90*24*time.Hour)
}

func TestController_CertificateIssuedDuringStart(t *testing.T) {
	f := newFixture(t, nil)
	f.tunnels.gate = make(chan struct{})
	f.tunnels.entered = make(chan struct{}, 1)

	certDir := t.TempDir()
	manager, err := certs.NewManager(certs.Options{
		ConfigDir:   certDir,
		Email:       "dev@example.com",
		RenewBefore: 24 * time.Hour,
		Issuer:      instantIssuer{},
		Logger:      logging.Discard(),
	})
	if err != nil {
		t.Fatal(err)
	}
	f.deps.Certificates = func(*config.Project) (certs.Provider, error) { return manager, nil }

	c := NewController(writeProject(t, "", shopConfig), f.deps)
	started := make(chan error, 1)
	go func() { started <- c.Start(context.Background()) }()

	// Issuance completes while the first tunnel is still being opened.
	<-f.tunnels.entered
	certFile, keyFile := certs.CertPaths(certDir, false, "app.example.com")
	eventually(t, func() bool {
		return tlsutil.ValidateKeyPairFiles(certFile, keyFile) == nil
	}, "certificate not written")
	close(f.tunnels.gate)

	if err := <-started; err != nil {
		t.Fatalf("Start() error = %v", err)
	}
	defer c.Stop(context.Background())

	eventually(t, func() bool { return f.tunnels.connectCount() == 2 }, "tunnels not restarted after issuance during start")
	connects := f.tunnels.connectOptions()
	if connects[0].Protocol != tunnel.ProtocolHTTP {
		t.Errorf("first connect protocol = %s, want HTTP while issuing", connects[0].Protocol)
	}
	if connects[1].Protocol != tunnel.ProtocolTLS || connects[1].CertFile != certFile {
		t.Errorf("restarted connect = %+v, want TLS with the issued certificate", connects[1])
	}
	eventually(t, func() bool {
		info := c.Info()
		return info.Certificate != nil && !info.Certificate.NeedsRenewing
	}, "certificate still reported as renewing")
}

func TestRegistry_ListDuringSlowStart(t *testing.T) {
	f := newFixture(t, nil)
	f.tunnels.gate = make(chan struct{})
	f.tunnels.entered = make(chan struct{}, 1)
	r := NewRegistry(f.deps, nil)

	dir := writeProject(t, "", shopConfig)
	added := make(chan error, 1)
	go func() {
		_, err := r.Add(context.Background(), dir)
		added <- err
	}()
	<-f.tunnels.entered

	listed := make(chan []Info, 1)
	go func() { listed <- r.List() }()

	select {
	case infos := <-listed:
		if len(infos) != 1 || infos[0].State != StateStarting || infos[0].ProjectName != "shop" {
			t.Errorf("List() = %+v, want one starting app", infos)
		}
	case <-time.After(time.Second):
		t.Error("List() blocked by an app waiting on its tunnel provider")
	}

	close(f.tunnels.gate)
	if err := <-added; err != nil {
		t.Fatalf("Add() error = %v", err)
	}
	if infos := r.List(); len(infos) != 1 || infos[0].State != StateRunning {
		t.Errorf("List() after start = %+v", infos)
	}
	if err := r.StopAll(context.Background()); err != nil {
		t.Fatal(err)
	}
}

func TestController_RestartReloadsConfig(t *testing.T) {
	f := newFixture(t, nil)
	dir := writeProject(t, "", shopConfig)
	c := NewController(dir, f.deps)
	if err := c.Start(context.Background()); err != nil {
		t.Fatal(err)
	}
	defer c.Stop(context.Background())

	writeProject(t, dir, `
project_name: shop
domains:
  - local: shop.local
    target: localhost:3000
`)
	if err := c.Restart(context.Background()); err != nil {
		t.Fatalf("Restart() error = %v", err)
	}

	if _, ok := f.proxies.Resolve("shop.local"); !ok {
		t.Error("new domain not bound after restart")
	}
	if _, ok := f.proxies.Resolve("app.local"); ok {
		t.Error("old domain still bound after restart")
	}
}

func TestRegistry_AddRemove(t *testing.T) {
	reg := prometheus.NewRegistry()
	collector := metrics.NewCollector(&config.MetricsConfig{Enabled: true, Namespace: "test"}, reg)
	f := newFixture(t, collector)
	store := state.NewMemoryBackend()
	r := NewRegistry(f.deps, store)
	ctx := context.Background()

	shop := writeProject(t, "", shopConfig)
	blog := writeProject(t, "", `
project_name: blog
domains:
  - public: blog.example.com
    target: localhost:5000
tunnel: {}
`)

	for _, dir := range []string{shop, blog} {
		if _, err := r.Add(ctx, dir); err != nil {
			t.Fatalf("Add(%s) error = %v", dir, err)
		}
	}
	if _, err := r.Add(ctx, shop); !errors.Is(err, ErrAppExists) {
		t.Errorf("duplicate Add() error = %v, want ErrAppExists", err)
	}
	if _, err := r.Add(ctx, t.TempDir()); !errors.Is(err, config.ErrProjectConfigNotFound) {
		t.Errorf("Add() without config error = %v", err)
	}

	list := r.List()
	if len(list) != 2 || list[0].ProjectName != "shop" || list[1].ProjectName != "blog" {
		t.Fatalf("List() = %+v", list)
	}

	if err := testutil.GatherAndCompare(reg, strings.NewReader(`
# HELP test_apps_running Number of apps currently registered with the daemon
# TYPE test_apps_running gauge
test_apps_running 2
`), "test_apps_running"); err != nil {
		t.Error(err)
	}

	// Removing shop leaves blog's bindings and tunnel alone.
	if err := r.Remove(ctx, shop); err != nil {
		t.Fatal(err)
	}
	if _, ok := f.proxies.Resolve("blog.example.com"); !ok {
		t.Error("blog binding removed with shop")
	}
	if open := f.tunnels.openHosts(); len(open) != 1 || !open["blog.example.com"] {
		t.Errorf("open tunnels = %v, want only blog", open)
	}
	if err := r.Remove(ctx, shop); !errors.Is(err, ErrAppNotFound) {
		t.Errorf("second Remove() error = %v, want ErrAppNotFound", err)
	}

	persisted, _ := store.List(ctx)
	if len(persisted) != 1 || persisted[0].Root != blog || persisted[0].Name != "blog" {
		t.Errorf("persisted = %+v", persisted)
	}
}

func TestRegistry_StopAllAndRestore(t *testing.T) {
	f := newFixture(t, nil)
	store := state.NewMemoryBackend()
	ctx := context.Background()

	first := NewRegistry(f.deps, store)
	shop := writeProject(t, "", shopConfig)
	gone := writeProject(t, "", "project_name: gone\ndomains:\n  - local: gone.local\n    target: localhost:6000\n")
	for _, dir := range []string{shop, gone} {
		if _, err := first.Add(ctx, dir); err != nil {
			t.Fatal(err)
		}
	}

	if err := first.StopAll(ctx); err != nil {
		t.Fatalf("StopAll() error = %v", err)
	}
	if len(first.List()) != 0 || len(f.proxies.Routes()) != 0 {
		t.Error("apps still running after StopAll")
	}

	if err := os.Remove(filepath.Join(gone, "portless.yaml")); err != nil {
		t.Fatal(err)
	}

	second := NewRegistry(f.deps, store)
	n, err := second.Restore(ctx)
	if err != nil {
		t.Fatalf("Restore() error = %v", err)
	}
	if n != 1 {
		t.Errorf("restored = %d, want 1", n)
	}
	if _, ok := second.Get(shop); !ok {
		t.Error("shop not restored")
	}
	defer second.StopAll(ctx)

	if err := second.Restart(ctx, shop); err != nil {
		t.Errorf("Restart() error = %v", err)
	}
	if err := second.Restart(ctx, gone); !errors.Is(err, ErrAppNotFound) {
		t.Errorf("Restart(unknown) error = %v", err)
	}
}
