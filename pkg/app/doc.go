// Package app runs the projects added to the daemon.
//
// A Controller drives one project through its lifecycle:
//
//	Stopped --Start--> Starting --> Running --Stop--> Stopping --> Stopped
//
// Start loads the project config, acquires certificate material, registers
// one proxy handler per backend target, binds the public and local domains,
// opens the public tunnels and subscribes to certificate events so that a
// renewal restarts this app's tunnels. Stop releases the certificate site,
// closes the tunnels and unregisters the handlers, in that order.
//
// A Registry is the daemon's table of controllers keyed by working
// directory. It persists the project list through a state.Store so apps
// are restored when the daemon starts again.
package app
