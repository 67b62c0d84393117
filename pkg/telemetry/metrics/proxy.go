package metrics

import (
	"time"

	"portless-dev/portless/pkg/config"

	"github.com/prometheus/client_golang/prometheus"
)

// ProxyMetrics tracks routed HTTP traffic.
//
// Metrics:
//   - portless_proxy_requests_total: requests by domain and status class
//   - portless_proxy_request_duration_seconds: latency histogram by domain
//   - portless_proxy_upstream_errors_total: target failures by domain and kind
//   - portless_proxy_rewrites_total / rewritten_bytes_total / resized_total
type ProxyMetrics struct {
	requestsTotal   *prometheus.CounterVec
	requestDuration *prometheus.HistogramVec
	upstreamErrors  *prometheus.CounterVec
	rewrites        *prometheus.CounterVec
	rewrittenBytes  *prometheus.CounterVec
	resized         *prometheus.CounterVec
}

// NewProxyMetrics creates and registers proxy metrics with the provided registry.
func NewProxyMetrics(cfg *config.MetricsConfig, registry *prometheus.Registry) *ProxyMetrics {
	pm := &ProxyMetrics{
		requestsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: cfg.Namespace,
				Subsystem: "proxy",
				Name:      "requests_total",
				Help:      "Total number of requests routed to a target",
			},
			[]string{"domain", "status_class"},
		),
		requestDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: cfg.Namespace,
				Subsystem: "proxy",
				Name:      "request_duration_seconds",
				Help:      "Duration of routed requests in seconds",
				Buckets:   []float64{0.005, 0.01, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10},
			},
			[]string{"domain"},
		),
		upstreamErrors: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: cfg.Namespace,
				Subsystem: "proxy",
				Name:      "upstream_errors_total",
				Help:      "Total number of failed attempts to reach a target",
			},
			[]string{"domain", "kind"},
		),
		rewrites: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: cfg.Namespace,
				Subsystem: "proxy",
				Name:      "rewrites_total",
				Help:      "Total number of bodies passed through domain rewriting",
			},
			[]string{"direction"},
		),
		rewrittenBytes: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: cfg.Namespace,
				Subsystem: "proxy",
				Name:      "rewritten_bytes_total",
				Help:      "Total bytes written after domain rewriting",
			},
			[]string{"direction"},
		),
		resized: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: cfg.Namespace,
				Subsystem: "proxy",
				Name:      "rewrites_resized_total",
				Help:      "Total number of rewritten bodies whose length changed",
			},
			[]string{"direction"},
		),
	}

	registry.MustRegister(
		pm.requestsTotal,
		pm.requestDuration,
		pm.upstreamErrors,
		pm.rewrites,
		pm.rewrittenBytes,
		pm.resized,
	)

	return pm
}

// RecordRequest records one completed request.
func (pm *ProxyMetrics) RecordRequest(domain, class string, duration time.Duration) {
	pm.requestsTotal.WithLabelValues(domain, class).Inc()
	pm.requestDuration.WithLabelValues(domain).Observe(duration.Seconds())
}

// SpliceMetrics tracks raw CONNECT splices.
type SpliceMetrics struct {
	active prometheus.Gauge
	total  prometheus.Counter
	bytes  *prometheus.CounterVec
}

// NewSpliceMetrics creates and registers splice metrics.
func NewSpliceMetrics(cfg *config.MetricsConfig, registry *prometheus.Registry) *SpliceMetrics {
	sm := &SpliceMetrics{
		active: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: cfg.Namespace,
			Subsystem: "splice",
			Name:      "active",
			Help:      "Number of CONNECT splices currently piping",
		}),
		total: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: cfg.Namespace,
			Subsystem: "splice",
			Name:      "connections_total",
			Help:      "Total number of CONNECT splices established",
		}),
		bytes: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: cfg.Namespace,
				Subsystem: "splice",
				Name:      "bytes_total",
				Help:      "Total bytes moved through CONNECT splices",
			},
			[]string{"direction"},
		),
	}

	registry.MustRegister(sm.active, sm.total, sm.bytes)
	return sm
}
