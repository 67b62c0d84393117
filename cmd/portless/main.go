// Portless runs local development apps under stable domain names.
//
// A single daemon reverse-proxies every registered domain to its backend,
// rewrites links between public and local names, and can expose public
// domains through tunnels with ACME certificates.
//
// Usage:
//
//	# Start the daemon in the background
//	portless start
//
//	# Register the project of the current directory
//	portless add
//
//	# Show running apps
//	portless list
//
//	# Follow the daemon log
//	portless logs --follow
//
//	# Stop every app and the daemon
//	portless stop
package main

func main() {
	Execute()
}
