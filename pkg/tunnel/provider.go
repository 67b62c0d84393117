package tunnel

import (
	"context"
	"fmt"
)

// Protocol is the kind of tunnel a provider opens.
type Protocol string

const (
	// ProtocolTLS tunnels terminate TLS at the provider agent with the
	// project's own certificate and forward plain traffic.
	ProtocolTLS Protocol = "tls"

	// ProtocolHTTP tunnels use the provider's certificate.
	ProtocolHTTP Protocol = "http"
)

// ConnectOptions describes one tunnel to open.
type ConnectOptions struct {
	AuthToken      string
	Region         string
	Protocol       Protocol
	LocalAddress   string
	PublicHostname string

	// CertFile and KeyFile are set for ProtocolTLS.
	CertFile string
	KeyFile  string
}

// Provider opens and closes public tunnels.
type Provider interface {
	// Connect opens a tunnel and returns its public URL.
	Connect(ctx context.Context, opts ConnectOptions) (string, error)

	// Disconnect closes the tunnel with the given public URL.
	Disconnect(ctx context.Context, url string) error

	// DisconnectAll closes every tunnel this provider opened.
	DisconnectAll(ctx context.Context) error
}

// ProviderError reports a failed tunnel operation.
type ProviderError struct {
	PublicDomain string
	Op           string
	Err          error
}

func (e *ProviderError) Error() string {
	return fmt.Sprintf("tunnel %s for %s failed: %v", e.Op, e.PublicDomain, e.Err)
}

func (e *ProviderError) Unwrap() error {
	return e.Err
}
