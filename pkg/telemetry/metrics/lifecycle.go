package metrics

import (
	"portless-dev/portless/pkg/config"

	"github.com/prometheus/client_golang/prometheus"
)

// TunnelMetrics tracks tunnel operations and open tunnels per app.
type TunnelMetrics struct {
	operations *prometheus.CounterVec
	open       *prometheus.GaugeVec
}

// NewTunnelMetrics creates and registers tunnel metrics.
func NewTunnelMetrics(cfg *config.MetricsConfig, registry *prometheus.Registry) *TunnelMetrics {
	tm := &TunnelMetrics{
		operations: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: cfg.Namespace,
				Subsystem: "tunnel",
				Name:      "operations_total",
				Help:      "Total number of tunnel operations by result",
			},
			[]string{"operation", "result"},
		),
		open: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: cfg.Namespace,
				Subsystem: "tunnel",
				Name:      "open",
				Help:      "Number of open tunnels per app",
			},
			[]string{"app"},
		),
	}

	registry.MustRegister(tm.operations, tm.open)
	return tm
}

// RecordOperation records one tunnel operation.
func (tm *TunnelMetrics) RecordOperation(op string, err error) {
	result := "success"
	if err != nil {
		result = "error"
	}
	tm.operations.WithLabelValues(op, result).Inc()
}

// CertMetrics tracks certificate issuance.
type CertMetrics struct {
	events *prometheus.CounterVec
	expiry *prometheus.GaugeVec
}

// NewCertMetrics creates and registers certificate metrics.
func NewCertMetrics(cfg *config.MetricsConfig, registry *prometheus.Registry) *CertMetrics {
	cm := &CertMetrics{
		events: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: cfg.Namespace,
				Subsystem: "certificates",
				Name:      "events_total",
				Help:      "Total number of certificate events (issued, renewed, failed)",
			},
			[]string{"event"},
		),
		expiry: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: cfg.Namespace,
				Subsystem: "certificates",
				Name:      "expiry_timestamp_seconds",
				Help:      "Expiry of the current certificate per subject",
			},
			[]string{"subject"},
		),
	}

	registry.MustRegister(cm.events, cm.expiry)
	return cm
}
