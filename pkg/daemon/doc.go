// Package daemon runs the portless daemon: a plain HTTP listener on the
// configured port and a TLS listener on the next one, both serving the same
// handler.
//
// Requests are routed in this order:
//
//  1. CONNECT host:443 is spliced to the TLS listener.
//  2. A Host ending in the daemon's own port goes to the control surface
//     (status, PAC file, app API, health, metrics).
//  3. Any other Host is resolved through the proxy registry; an unknown
//     host gets the "host not found" page.
//
// After the listeners are up the daemon restores the persisted apps and
// announces its port in port.json.
package daemon
