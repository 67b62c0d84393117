package proxy

import (
	"fmt"
	"log/slog"
	"net/http"
	"sort"
	"sync"

	"portless-dev/portless/pkg/proxy/rewrite"
	"portless-dev/portless/pkg/telemetry/metrics"
)

// Route describes one bound incoming domain, for listings.
type Route struct {
	Domain string       `json:"domain"`
	Kind   rewrite.Kind `json:"kind"`
	Target string       `json:"target"`
	Owner  string       `json:"owner,omitempty"`
	Secure bool         `json:"secure"`
}

// Registry maps targets to handlers and incoming domains to the handler
// that serves them. All methods are safe for concurrent use. A domain that
// resolves always resolves to a handler that is still registered.
type Registry struct {
	mu         sync.RWMutex
	handlers   map[string]*Handler
	domains    map[string]*Handler
	forceHTTPS map[string]bool

	logger  *slog.Logger
	metrics *metrics.Collector
}

// NewRegistry creates an empty registry.
func NewRegistry(logger *slog.Logger, collector *metrics.Collector) *Registry {
	if logger == nil {
		logger = slog.Default()
	}
	return &Registry{
		handlers:   make(map[string]*Handler),
		domains:    make(map[string]*Handler),
		forceHTTPS: make(map[string]bool),
		logger:     logger,
		metrics:    collector,
	}
}

// Register creates the handler for target. It fails with
// *DuplicateTargetError when target already has a handler.
func (r *Registry) Register(target string, opts HandlerOptions) (*Handler, error) {
	target = normalizeHost(target)
	if target == "" {
		return nil, fmt.Errorf("target domain is required")
	}
	if opts.Logger == nil {
		opts.Logger = r.logger
	}
	if opts.Metrics == nil {
		opts.Metrics = r.metrics
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if existing, ok := r.handlers[target]; ok {
		return nil, &DuplicateTargetError{Target: target, Owner: existing.owner}
	}

	h, err := newHandler(target, opts, r.IsSecure)
	if err != nil {
		return nil, err
	}
	r.handlers[target] = h
	return h, nil
}

// Bind routes domain to h. Binding a domain to the handler that already
// serves it is a no-op; binding it to another handler fails with
// *DomainConflictError and leaves the existing binding untouched.
func (r *Registry) Bind(domain string, kind rewrite.Kind, h *Handler) error {
	domain = normalizeHost(domain)
	if domain == "" {
		return fmt.Errorf("domain is required")
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if r.handlers[h.target] != h {
		return fmt.Errorf("handler for %q is not registered", h.target)
	}

	if existing, ok := r.domains[domain]; ok {
		if existing == h {
			return nil
		}
		return &DomainConflictError{Domain: domain, Target: existing.target, Owner: existing.owner}
	}

	r.domains[domain] = h
	h.addBinding(Binding{Domain: domain, Kind: kind})

	r.logger.Info("domain bound",
		"domain", domain,
		"kind", kind,
		"target", h.target,
		"app", h.owner,
	)
	return nil
}

// Unregister removes h and all of its bindings in one step. Bindings and
// handlers of other owners are never touched.
func (r *Registry) Unregister(h *Handler) {
	if h == nil {
		return
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if r.handlers[h.target] == h {
		delete(r.handlers, h.target)
	}
	for _, b := range h.clearBindings() {
		if r.domains[b.Domain] == h {
			delete(r.domains, b.Domain)
			delete(r.forceHTTPS, b.Domain)
		}
	}

	r.logger.Info("proxy unregistered", "target", h.target, "app", h.owner)
}

// Resolve returns the handler bound to host.
func (r *Registry) Resolve(host string) (*Handler, bool) {
	host = normalizeHost(host)

	r.mu.RLock()
	defer r.mu.RUnlock()
	h, ok := r.domains[host]
	return h, ok
}

// Lookup returns the handler registered for target.
func (r *Registry) Lookup(target string) (*Handler, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	h, ok := r.handlers[normalizeHost(target)]
	return h, ok
}

// SetForceHTTPS marks domain as served over TLS by something in front of
// the daemon, typically a tunnel provider that terminates TLS.
func (r *Registry) SetForceHTTPS(domain string, on bool) {
	domain = normalizeHost(domain)

	r.mu.Lock()
	defer r.mu.Unlock()
	if on {
		r.forceHTTPS[domain] = true
		return
	}
	delete(r.forceHTTPS, domain)
}

// IsSecure reports whether the client side of req is encrypted: it came
// through the TLS listener, a proxy said so in X-Forwarded-Proto, or its
// host is forced to HTTPS.
func (r *Registry) IsSecure(req *http.Request) bool {
	if req.TLS != nil || rewrite.ForwardedSecure(req) {
		return true
	}

	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.forceHTTPS[normalizeHost(req.Host)]
}

// Domains returns every bound incoming domain, sorted.
func (r *Registry) Domains() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]string, 0, len(r.domains))
	for d := range r.domains {
		out = append(out, d)
	}
	sort.Strings(out)
	return out
}

// Routes returns every binding with its target, sorted by domain.
func (r *Registry) Routes() []Route {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]Route, 0, len(r.domains))
	for d, h := range r.domains {
		kind, _ := h.kind(d)
		out = append(out, Route{
			Domain: d,
			Kind:   kind,
			Target: h.target,
			Owner:  h.owner,
			Secure: r.forceHTTPS[d],
		})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Domain < out[j].Domain })
	return out
}
