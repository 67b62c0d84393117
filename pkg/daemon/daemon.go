package daemon

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"portless-dev/portless/pkg/app"
	"portless-dev/portless/pkg/certs"
	"portless-dev/portless/pkg/config"
	"portless-dev/portless/pkg/proxy"
	"portless-dev/portless/pkg/proxy/middleware"
	"portless-dev/portless/pkg/splice"
	"portless-dev/portless/pkg/state"
	"portless-dev/portless/pkg/telemetry/health"
	"portless-dev/portless/pkg/telemetry/logging"
	"portless-dev/portless/pkg/telemetry/metrics"
	"portless-dev/portless/pkg/telemetry/tracing"
	"portless-dev/portless/pkg/tlsutil"
	"portless-dev/portless/pkg/watch"

	"golang.org/x/sync/errgroup"
)

const (
	// DaemonCertFile and DaemonKeyFile hold the self-signed certificate of
	// the TLS listener, in the portless home folder.
	DaemonCertFile = "cert.pem"
	DaemonKeyFile  = "key.pem"

	certReloadInterval = time.Minute
)

// Options configures a Daemon.
type Options struct {
	// Config is the global configuration. Required.
	Config *config.Config

	// Home is the portless home folder holding state, certificates and
	// the port file. Required.
	Home string

	Version   string
	Commit    string
	BuildTime string

	Logger  *slog.Logger
	Metrics *metrics.Collector
	Tracer  *tracing.Tracer

	// Store overrides the state backend selected by Config.State.
	Store state.Store

	// Certificates and Tunnels override the collaborators of apps.
	Certificates app.CertificateFactory
	Tunnels      app.TunnelFactory
}

// Daemon is the portless daemon.
type Daemon struct {
	opts   Options
	cfg    *config.Config
	logger *slog.Logger

	proxies   *proxy.Registry
	apps      *app.Registry
	store     state.Store
	tlsStore  *tlsutil.Store
	scheduler *certs.Scheduler
	ngrok     *app.NgrokPool
	health    *health.Checker
	watcher   *watch.Watcher

	splicer  *splice.Splicer
	handler  http.Handler
	control  http.Handler
	port     atomic.Int64
	serving  atomic.Bool
	stopCh   chan struct{}
	stopOnce sync.Once
}

// New builds a daemon. Nothing listens until Run.
func New(opts Options) (*Daemon, error) {
	if opts.Config == nil {
		return nil, errors.New("config is required")
	}
	if opts.Home == "" {
		return nil, errors.New("home folder is required")
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	if opts.Tracer == nil {
		opts.Tracer = tracing.Noop()
	}

	d := &Daemon{
		opts:   opts,
		cfg:    opts.Config,
		logger: logging.Component(opts.Logger, "daemon"),
		stopCh: make(chan struct{}),
	}

	d.store = opts.Store
	if d.store == nil {
		store, err := state.Open(d.cfg.State, opts.Home)
		if err != nil {
			return nil, fmt.Errorf("failed to open state store: %w", err)
		}
		d.store = store
	}

	d.proxies = proxy.NewRegistry(logging.Component(opts.Logger, "proxy"), opts.Metrics)
	d.tlsStore = tlsutil.NewStore(logging.Component(opts.Logger, "tls"))
	d.scheduler = certs.NewScheduler(d.cfg.Certificates.RenewSchedule, logging.Component(opts.Logger, "certs"))
	d.ngrok = app.NewNgrokPool(logging.Component(opts.Logger, "tunnel"))

	certFactory := opts.Certificates
	if certFactory == nil {
		certFactory = app.NewCertificateFactory(d.cfg.Certificates, logging.Component(opts.Logger, "certs"), opts.Metrics)
	}
	tunnelFactory := opts.Tunnels
	if tunnelFactory == nil {
		tunnelFactory = d.ngrok.Provider
	}

	d.apps = app.NewRegistry(app.Dependencies{
		Proxies:      d.proxies,
		DaemonAddr:   "", // set once the port is known
		Certificates: certFactory,
		Tunnels:      tunnelFactory,
		Scheduler:    d.scheduler,
		TLS:          d.tlsStore,
		Logger:       opts.Logger,
		Metrics:      opts.Metrics,
		Tracer:       opts.Tracer,
	}, d.store)

	d.health = health.New(5 * time.Second)
	d.health.Register("state", d.store.Ping)
	d.health.Register("listeners", func(context.Context) error {
		if !d.serving.Load() {
			return errors.New("listeners are not serving")
		}
		return nil
	})

	return d, nil
}

// Port returns the plain listener's port, 0 before Run bound it.
func (d *Daemon) Port() int { return int(d.port.Load()) }

// Apps returns the app registry.
func (d *Daemon) Apps() *app.Registry { return d.apps }

// Proxies returns the reverse proxy registry.
func (d *Daemon) Proxies() *proxy.Registry { return d.proxies }

// Handler returns the handler served on both listeners.
func (d *Daemon) Handler() http.Handler { return d.handler }

// RequestStop makes Run shut down. It is safe to call more than once.
func (d *Daemon) RequestStop() {
	d.stopOnce.Do(func() { close(d.stopCh) })
}

func (d *Daemon) daemonAddr() string {
	host := d.cfg.Daemon.Host
	if host == "" {
		host = "localhost"
	}
	return net.JoinHostPort(host, strconv.Itoa(d.Port()))
}

// Run binds the listeners, restores persisted apps, announces the port and
// serves until ctx is done or a stop is requested. Apps are stopped and
// tunnels closed before it returns.
func (d *Daemon) Run(ctx context.Context) error {
	plain, secure, err := listenPair(listenHost(d.cfg.Daemon.Host), d.cfg.Daemon.Port, d.cfg.Daemon.PortSearchLimit)
	if err != nil {
		return err
	}
	port := listenerPort(plain)
	d.port.Store(int64(port))
	if port != d.cfg.Daemon.Port {
		d.logger.Warn("configured port busy, using another", "configured", d.cfg.Daemon.Port, "port", port)
	}

	if err := d.setupTLS(); err != nil {
		plain.Close()
		secure.Close()
		return err
	}

	d.apps.SetDaemonAddr(d.daemonAddr())
	d.buildHandler(dialAddr(secure))

	if d.cfg.Daemon.WatchProjects {
		w, err := watch.New(0, logging.Component(d.opts.Logger, "watch"), d.projectChanged)
		if err != nil {
			d.logger.Warn("project watcher unavailable", "error", err)
		} else {
			d.watcher = w
		}
	}

	httpServer := d.newServer(nil)
	tlsServer := d.newServer(d.tlsStore.TLSConfig())

	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	g, gctx := errgroup.WithContext(runCtx)

	g.Go(func() error { return serve(httpServer, plain, false) })
	g.Go(func() error { return serve(tlsServer, secure, true) })
	g.Go(func() error { return d.scheduler.Run(gctx) })
	g.Go(func() error {
		d.tlsStore.Start(gctx, certReloadInterval)
		return nil
	})
	if d.watcher != nil {
		g.Go(func() error { return d.watcher.Run(gctx) })
	}
	d.serving.Store(true)

	d.logger.Info("daemon listening",
		"http", plain.Addr().String(),
		"https", secure.Addr().String(),
		"control", d.daemonAddr(),
	)

	if _, err := d.apps.Restore(ctx); err != nil {
		d.logger.Error("restoring apps failed", "error", err)
	}
	d.syncWatches()

	if err := announcePort(d.opts.Home, port); err != nil {
		d.logger.Error("failed to write port file", "error", err)
	}

	select {
	case <-gctx.Done():
	case <-d.stopCh:
	}

	d.shutdown(httpServer, tlsServer)
	cancel()
	return g.Wait()
}

func (d *Daemon) setupTLS() error {
	certFile := filepath.Join(d.opts.Home, DaemonCertFile)
	keyFile := filepath.Join(d.opts.Home, DaemonKeyFile)

	created, err := tlsutil.EnsureSelfSigned(certFile, keyFile, []string{"portless", "localhost", "127.0.0.1"})
	if err != nil {
		return fmt.Errorf("failed to prepare daemon certificate: %w", err)
	}
	if created {
		d.logger.Info("self-signed daemon certificate generated", "cert", certFile)
	}
	return d.tlsStore.SetFallback(certFile, keyFile)
}

func (d *Daemon) newServer(tlsConfig *tls.Config) *http.Server {
	return &http.Server{
		Handler:           d.handler,
		TLSConfig:         tlsConfig,
		ReadHeaderTimeout: d.cfg.Daemon.ReadHeaderTimeout,
		IdleTimeout:       d.cfg.Daemon.IdleTimeout,
		ErrorLog:          slog.NewLogLogger(d.logger.Handler(), slog.LevelDebug),
	}
}

func serve(srv *http.Server, ln net.Listener, useTLS bool) error {
	var err error
	if useTLS {
		err = srv.ServeTLS(ln, "", "")
	} else {
		err = srv.Serve(ln)
	}
	if err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("server error: %w", err)
	}
	return nil
}

// shutdown stops apps first so tunnels close while the listeners still
// answer, then drains the listeners and open splices.
func (d *Daemon) shutdown(servers ...*http.Server) {
	d.logger.Info("initiating graceful shutdown", "timeout", d.cfg.Daemon.ShutdownTimeout.String())

	ctx, cancel := context.WithTimeout(context.Background(), d.cfg.Daemon.ShutdownTimeout)
	defer cancel()

	if err := d.apps.StopAll(ctx); err != nil {
		d.logger.Error("stopping apps failed", "error", err)
	}
	if err := d.ngrok.DisconnectAll(ctx); err != nil {
		d.logger.Warn("closing tunnels failed", "error", err)
	}

	d.serving.Store(false)
	for _, srv := range servers {
		if err := srv.Shutdown(ctx); err != nil {
			d.logger.Error("error during server shutdown", "error", err)
		}
	}
	if err := d.splicer.Wait(ctx); err != nil {
		d.logger.Warn("CONNECT tunnels still open at shutdown", "error", err)
	}

	d.scheduler.Stop()
	if d.watcher != nil {
		_ = d.watcher.Close()
	}
	if err := d.store.Close(); err != nil {
		d.logger.Error("closing state store failed", "error", err)
	}
	d.logger.Info("daemon stopped")
}

// buildHandler assembles the handler of both listeners. CONNECT requests
// are spliced to tlsAddr.
func (d *Daemon) buildHandler(tlsAddr string) {
	d.splicer = splice.New(tlsAddr, logging.Component(d.opts.Logger, "splice"), d.opts.Metrics)
	d.control = d.controlHandler()
	d.handler = middleware.Chain(http.HandlerFunc(d.route),
		middleware.Recovery(d.logger),
		middleware.Logging(logging.Component(d.opts.Logger, "proxy")),
		middleware.RequestID,
		middleware.ForwardedProto,
	)
}

func (d *Daemon) route(w http.ResponseWriter, r *http.Request) {
	if splice.Matches(r) {
		d.splicer.ServeHTTP(w, r)
		return
	}
	if d.isControlHost(r.Host) {
		d.control.ServeHTTP(w, r)
		return
	}
	if h, ok := d.proxies.Resolve(r.Host); ok {
		h.ServeHTTP(w, r)
		return
	}

	id := proxy.WriteHostNotFound(w, r.Host)
	d.logger.WarnContext(r.Context(), "vhost not found", "host", r.Host, "diagnostic_id", id)
}

// isControlHost reports whether host addresses the daemon itself, on
// either listener.
func (d *Daemon) isControlHost(host string) bool {
	port := d.Port()
	return strings.HasSuffix(host, ":"+strconv.Itoa(port)) ||
		strings.HasSuffix(host, ":"+strconv.Itoa(port+1))
}

// syncWatches makes the watcher follow exactly the config files of the
// current apps.
func (d *Daemon) syncWatches() {
	if d.watcher == nil {
		return
	}

	want := make(map[string]bool)
	for _, info := range d.apps.List() {
		if info.ConfigFile != "" {
			want[info.ConfigFile] = true
		}
	}
	for _, file := range d.watcher.Files() {
		if !want[file] {
			d.watcher.Remove(file)
		}
	}
	for file := range want {
		if err := d.watcher.Add(file); err != nil {
			d.logger.Warn("cannot watch project config", "path", file, "error", err)
		}
	}
}

func (d *Daemon) projectChanged(file string) {
	c, ok := d.apps.GetByFile(file)
	if !ok {
		return
	}
	d.logger.Info("restarting app after config change", "cwd", c.Cwd(), "path", file)
	if err := d.apps.Restart(context.Background(), c.Cwd()); err != nil {
		d.logger.Error("restart after config change failed", "cwd", c.Cwd(), "error", err)
	}
	d.syncWatches()
}
