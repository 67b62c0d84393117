package metrics

import (
	"fmt"
	"sync"
	"time"

	"portless-dev/portless/pkg/config"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
)

// Collector owns every Prometheus metric of the daemon. A nil *Collector is
// valid and records nothing, so components can be built without metrics.
type Collector struct {
	config   *config.MetricsConfig
	registry *prometheus.Registry

	proxyMetrics  *ProxyMetrics
	spliceMetrics *SpliceMetrics
	tunnelMetrics *TunnelMetrics
	certMetrics   *CertMetrics

	appsRunning prometheus.Gauge

	// Host labels come from client Host headers; unknown hosts fold into "other".
	hostLimiter *CardinalityLimiter
}

// NewCollector creates a new metrics collector with the specified configuration
// and Prometheus registry. If registry is nil, a fresh registry with the Go
// and process collectors is created.
func NewCollector(cfg *config.MetricsConfig, registry *prometheus.Registry) *Collector {
	if registry == nil {
		registry = prometheus.NewRegistry()
		registry.MustRegister(
			collectors.NewGoCollector(),
			collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		)
	}

	if cfg.Namespace == "" {
		cfg.Namespace = config.DefaultMetricsNamespace
	}

	c := &Collector{
		config:      cfg,
		registry:    registry,
		hostLimiter: NewCardinalityLimiter(1000),
	}

	c.proxyMetrics = NewProxyMetrics(cfg, registry)
	c.spliceMetrics = NewSpliceMetrics(cfg, registry)
	c.tunnelMetrics = NewTunnelMetrics(cfg, registry)
	c.certMetrics = NewCertMetrics(cfg, registry)

	c.appsRunning = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: cfg.Namespace,
		Name:      "apps_running",
		Help:      "Number of apps currently registered with the daemon",
	})
	registry.MustRegister(c.appsRunning)

	return c
}

func (c *Collector) enabled() bool {
	return c != nil && c.config.Enabled
}

// host returns domain, or "other" once the label budget is exhausted.
func (c *Collector) host(domain string) string {
	if domain == "" {
		return "unknown"
	}
	if !c.hostLimiter.Allow(domain) {
		return "other"
	}
	return domain
}

// RecordRequest records a request routed to a bound domain.
//
// Parameters:
//   - domain: the incoming domain the request was resolved by
//   - status: HTTP status written to the client
//   - duration: time until the response was fully written
func (c *Collector) RecordRequest(domain string, status int, duration time.Duration) {
	if !c.enabled() {
		return
	}
	c.proxyMetrics.RecordRequest(c.host(domain), statusClass(status), duration)
}

// RecordUpstreamError records a failed attempt to reach a target.
// kind is one of "refused", "dns", "timeout", "other".
func (c *Collector) RecordUpstreamError(domain, kind string) {
	if !c.enabled() {
		return
	}
	c.proxyMetrics.upstreamErrors.WithLabelValues(c.host(domain), kind).Inc()
}

// RecordRewrite records a body passed through a replace function.
// direction is "outbound" (responses) or "inbound" (handshakes).
func (c *Collector) RecordRewrite(direction string, before, after int) {
	if !c.enabled() {
		return
	}
	c.proxyMetrics.rewrites.WithLabelValues(direction).Inc()
	c.proxyMetrics.rewrittenBytes.WithLabelValues(direction).Add(float64(after))
	if before != after {
		c.proxyMetrics.resized.WithLabelValues(direction).Inc()
	}
}

// SpliceStarted marks a CONNECT splice as active.
func (c *Collector) SpliceStarted() {
	if !c.enabled() {
		return
	}
	c.spliceMetrics.active.Inc()
	c.spliceMetrics.total.Inc()
}

// SpliceFinished marks a CONNECT splice as closed and adds the bytes it moved.
func (c *Collector) SpliceFinished(upstream, downstream int64) {
	if !c.enabled() {
		return
	}
	c.spliceMetrics.active.Dec()
	c.spliceMetrics.bytes.WithLabelValues("upstream").Add(float64(upstream))
	c.spliceMetrics.bytes.WithLabelValues("downstream").Add(float64(downstream))
}

// RecordTunnelOperation records an open, close or restart attempt.
func (c *Collector) RecordTunnelOperation(op string, err error) {
	if !c.enabled() {
		return
	}
	c.tunnelMetrics.RecordOperation(op, err)
}

// SetTunnelsOpen sets the number of open tunnels for an app.
func (c *Collector) SetTunnelsOpen(app string, n int) {
	if !c.enabled() {
		return
	}
	c.tunnelMetrics.open.WithLabelValues(app).Set(float64(n))
}

// RecordCertificateEvent records a certificate lifecycle event.
// event is one of "issued", "renewed", "failed".
func (c *Collector) RecordCertificateEvent(event string) {
	if !c.enabled() {
		return
	}
	c.certMetrics.events.WithLabelValues(event).Inc()
}

// SetCertificateExpiry records the expiry time of subject's certificate.
func (c *Collector) SetCertificateExpiry(subject string, notAfter time.Time) {
	if !c.enabled() {
		return
	}
	c.certMetrics.expiry.WithLabelValues(subject).Set(float64(notAfter.Unix()))
}

// SetAppsRunning sets the number of registered apps.
func (c *Collector) SetAppsRunning(n int) {
	if !c.enabled() {
		return
	}
	c.appsRunning.Set(float64(n))
}

// Registry returns the Prometheus registry used by this collector.
func (c *Collector) Registry() *prometheus.Registry {
	return c.registry
}

func statusClass(status int) string {
	if status < 100 || status > 599 {
		return "unknown"
	}
	return fmt.Sprintf("%dxx", status/100)
}

// CardinalityLimiter prevents metric cardinality explosion by limiting
// the number of unique label values.
type CardinalityLimiter struct {
	maxCardinality int
	current        map[string]struct{}
	mu             sync.RWMutex
}

// NewCardinalityLimiter creates a new cardinality limiter with the specified
// maximum cardinality.
func NewCardinalityLimiter(maxCardinality int) *CardinalityLimiter {
	return &CardinalityLimiter{
		maxCardinality: maxCardinality,
		current:        make(map[string]struct{}),
	}
}

// Allow reports whether labelSet is already tracked or still fits the limit.
func (cl *CardinalityLimiter) Allow(labelSet string) bool {
	cl.mu.RLock()
	_, exists := cl.current[labelSet]
	cl.mu.RUnlock()
	if exists {
		return true
	}

	cl.mu.Lock()
	defer cl.mu.Unlock()

	if _, exists := cl.current[labelSet]; exists {
		return true
	}
	if len(cl.current) >= cl.maxCardinality {
		return false
	}
	cl.current[labelSet] = struct{}{}
	return true
}

// Count returns the current cardinality.
func (cl *CardinalityLimiter) Count() int {
	cl.mu.RLock()
	defer cl.mu.RUnlock()
	return len(cl.current)
}
