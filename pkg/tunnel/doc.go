// Package tunnel exposes apps under their public domains through outbound
// tunnels.
//
// An Orchestrator owns the tunnels of one app. Open chooses a TLS tunnel
// when the project's certificate is valid on disk (the agent terminates
// TLS with it) and an HTTP tunnel otherwise. Restart, triggered after a
// certificate is issued or renewed, reopens every tunnel so the new
// certificate is used. Only one restart per app runs at a time.
//
// Ngrok is the Provider backed by the ngrok agent's local API. Tunnels are
// closed one by one, so stopping one app never affects another app's
// tunnels on the same agent.
package tunnel
