package proxy

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"net"
	"net/http"
	"net/http/httputil"
	"net/url"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"portless-dev/portless/pkg/proxy/middleware"
	"portless-dev/portless/pkg/proxy/rewrite"
	"portless-dev/portless/pkg/telemetry/metrics"
)

// ACMEChallengePath is the HTTP-01 challenge prefix answered by handlers
// that carry a key authorization.
const ACMEChallengePath = "/.well-known/acme-challenge/"

// Binding associates one incoming domain with a handler.
type Binding struct {
	Domain string       `json:"domain"`
	Kind   rewrite.Kind `json:"kind"`
}

// HandlerOptions configures a handler created by Registry.Register.
type HandlerOptions struct {
	// Owner names the app the handler belongs to.
	Owner string

	// Rules are the project's replacers. Nil disables rewriting.
	Rules *rewrite.Rules

	// TargetProxy is an optional http, https or socks5 URL used to reach
	// the target.
	TargetProxy string

	Logger  *slog.Logger
	Metrics *metrics.Collector
}

// Handler forwards requests for one target domain.
type Handler struct {
	target  string
	owner   string
	logger  *slog.Logger
	metrics *metrics.Collector

	keyAuth atomic.Pointer[string]

	mu       sync.RWMutex
	bindings []Binding

	proxy *httputil.ReverseProxy
	next  http.Handler
}

func newHandler(target string, opts HandlerOptions, secure func(*http.Request) bool) (*Handler, error) {
	transport, err := newTransport(opts.TargetProxy)
	if err != nil {
		return nil, err
	}

	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}

	h := &Handler{
		target:  target,
		owner:   opts.Owner,
		logger:  logger.With("target", target),
		metrics: opts.Metrics,
	}

	targetURL := &url.URL{Scheme: "http", Host: target}
	h.proxy = &httputil.ReverseProxy{
		Rewrite: func(pr *httputil.ProxyRequest) {
			pr.SetURL(targetURL)
			pr.SetXForwarded()
			if proto := pr.In.Header.Get("X-Forwarded-Proto"); proto != "" {
				pr.Out.Header.Set("X-Forwarded-Proto", proto)
			}
			pr.Out.Header.Set("X-Forwarded-Port", forwardedPort(pr.In))
		},
		Transport:     transport,
		FlushInterval: 50 * time.Millisecond,
		ErrorHandler:  h.handleError,
		ErrorLog:      slog.NewLogLogger(h.logger.Handler(), slog.LevelWarn),
	}

	h.next = rewrite.Middleware(rewrite.Options{
		Rules:   opts.Rules,
		Kind:    h.kind,
		Secure:  secure,
		Metrics: opts.Metrics,
		Logger:  h.logger,
	})(h.proxy)

	return h, nil
}

// Target returns the backend domain this handler forwards to.
func (h *Handler) Target() string { return h.target }

// Owner returns the app that owns this handler.
func (h *Handler) Owner() string { return h.owner }

// Bindings returns a copy of the incoming domains bound to this handler.
func (h *Handler) Bindings() []Binding {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return append([]Binding(nil), h.bindings...)
}

// SetKeyAuthorization sets the suffix answered on ACME HTTP-01 challenges,
// usually the account key thumbprint. An empty value disables answering.
func (h *Handler) SetKeyAuthorization(id string) {
	if id == "" {
		h.keyAuth.Store(nil)
		return
	}
	h.keyAuth.Store(&id)
}

// KeyAuthorization returns the current challenge suffix.
func (h *Handler) KeyAuthorization() string {
	if p := h.keyAuth.Load(); p != nil {
		return *p
	}
	return ""
}

func (h *Handler) kind(host string) (rewrite.Kind, bool) {
	host = normalizeHost(host)

	h.mu.RLock()
	defer h.mu.RUnlock()
	for _, b := range h.bindings {
		if b.Domain == host {
			return b.Kind, true
		}
	}
	return "", false
}

func (h *Handler) addBinding(b Binding) {
	h.mu.Lock()
	defer h.mu.Unlock()
	for _, existing := range h.bindings {
		if existing.Domain == b.Domain {
			return
		}
	}
	h.bindings = append(h.bindings, b)
}

func (h *Handler) clearBindings() []Binding {
	h.mu.Lock()
	defer h.mu.Unlock()
	out := h.bindings
	h.bindings = nil
	return out
}

// ServeHTTP answers ACME challenges and forwards everything else to the target.
func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	start := time.Now()
	host := normalizeHost(r.Host)

	if h.serveChallenge(w, r) {
		return
	}

	h.logger.DebugContext(r.Context(), "proxying request",
		"host", host,
		"method", r.Method,
		"path", r.URL.Path,
	)

	rw := middleware.NewResponseWriter(w)
	h.next.ServeHTTP(rw, r)
	h.metrics.RecordRequest(host, rw.Status(), time.Since(start))
}

func (h *Handler) serveChallenge(w http.ResponseWriter, r *http.Request) bool {
	keyAuth := h.KeyAuthorization()
	if keyAuth == "" || !strings.HasPrefix(r.URL.Path, ACMEChallengePath) {
		return false
	}

	token := strings.TrimPrefix(r.URL.Path, ACMEChallengePath)
	if token == "" || strings.Contains(token, "/") {
		return false
	}

	h.logger.InfoContext(r.Context(), "answering ACME challenge",
		"host", r.Host,
		"token", token,
	)
	w.Header().Set("Content-Type", "text/plain")
	_, _ = io.WriteString(w, token+"."+keyAuth)
	return true
}

func (h *Handler) handleError(w http.ResponseWriter, r *http.Request, err error) {
	if errors.Is(err, context.Canceled) && r.Context().Err() != nil {
		h.logger.DebugContext(r.Context(), "client went away", "host", r.Host, "path", r.URL.Path)
		return
	}

	host := normalizeHost(r.Host)
	be := &BackendUnreachableError{
		Host:   host,
		Target: h.target,
		Kind:   classifyUpstreamError(err),
		Cause:  err,
	}
	h.metrics.RecordUpstreamError(host, be.Kind)

	// The page names the real target, so keep it away from the replacers.
	w.Header().Set(rewrite.SkipHeader, "1")
	id := WritePage(w, http.StatusBadGateway, PageView{
		Title:   "Proxy error",
		Summary: be.Summary(),
		Host:    host,
		Detail:  err.Error(),
		Suggestions: []string{
			"check that the dev server for " + h.target + " is running",
			"portless refresh",
		},
	})

	h.logger.ErrorContext(r.Context(), "proxying request failed",
		"host", host,
		"path", r.URL.Path,
		"kind", be.Kind,
		"diagnostic_id", id,
		"error", be,
	)
}

// forwardedPort is the port the client connected to, from the inbound Host
// or the scheme default.
func forwardedPort(r *http.Request) string {
	if _, port, err := net.SplitHostPort(r.Host); err == nil && port != "" {
		return port
	}
	if r.TLS != nil || rewrite.ForwardedSecure(r) {
		return "443"
	}
	return "80"
}

// normalizeHost lowercases host and drops a trailing dot.
func normalizeHost(host string) string {
	return strings.TrimSuffix(strings.ToLower(strings.TrimSpace(host)), ".")
}
