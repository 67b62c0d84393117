// Package metrics provides Prometheus metrics collection for the daemon.
//
// # Metrics Categories
//
//   - Proxy: routed requests, latency, upstream failures, rewritten bodies
//   - Splice: active CONNECT splices and bytes moved
//   - Tunnel: open/close/restart results and open tunnels per app
//   - Certificates: issuance events and expiry per subject
//   - Apps: number of registered apps
//
// # Usage
//
//	collector := metrics.NewCollector(&cfg.Telemetry.Metrics, nil)
//	collector.RecordRequest("shop.local", http.StatusOK, elapsed)
//	mux.Handle("/metrics", collector.Handler())
//
// All recording methods are no-ops on a nil *Collector and when metrics are
// disabled in configuration.
package metrics
