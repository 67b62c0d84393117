package proxy

import (
	"errors"
	"fmt"
	"net"
	"os"
	"strings"
)

// DomainConflictError is returned when an incoming domain is already bound
// to another handler. The existing binding stays in place.
type DomainConflictError struct {
	// Domain is the incoming domain both handlers claim.
	Domain string

	// Target is the target of the handler that owns the domain.
	Target string

	// Owner is the app that owns that handler, if known.
	Owner string
}

// Error implements the error interface.
func (e *DomainConflictError) Error() string {
	if e.Owner != "" {
		return fmt.Sprintf("domain %q is already mapped to %q (app %q)", e.Domain, e.Target, e.Owner)
	}
	return fmt.Sprintf("domain %q is already mapped to %q", e.Domain, e.Target)
}

// DuplicateTargetError is returned when a handler for the target already exists.
type DuplicateTargetError struct {
	Target string
	Owner  string
}

// Error implements the error interface.
func (e *DuplicateTargetError) Error() string {
	if e.Owner != "" {
		return fmt.Sprintf("a proxy targeting %q is already defined by app %q", e.Target, e.Owner)
	}
	return fmt.Sprintf("a proxy targeting %q is already defined", e.Target)
}

// BackendUnreachableError wraps a failure to reach a target.
type BackendUnreachableError struct {
	// Host is the incoming domain of the request.
	Host string

	// Target is the backend the request was forwarded to.
	Target string

	// Kind classifies the failure: "refused", "dns", "timeout" or "other".
	Kind string

	Cause error
}

// Error implements the error interface.
func (e *BackendUnreachableError) Error() string {
	return fmt.Sprintf("target %q unreachable for %q (%s): %v", e.Target, e.Host, e.Kind, e.Cause)
}

// Unwrap returns the underlying error for error chain support.
func (e *BackendUnreachableError) Unwrap() error {
	return e.Cause
}

// Summary is a one-line, human readable description for error pages.
func (e *BackendUnreachableError) Summary() string {
	switch e.Kind {
	case "refused":
		return fmt.Sprintf("Nothing is listening on %s", e.Target)
	case "dns":
		return fmt.Sprintf("Can't find host %s", hostOnly(e.Target))
	case "timeout":
		return fmt.Sprintf("%s took too long to answer", e.Target)
	default:
		return fmt.Sprintf("%s could not be reached", e.Target)
	}
}

// classifyUpstreamError maps a transport error to a short failure kind.
func classifyUpstreamError(err error) string {
	var dnsErr *net.DNSError
	if errors.As(err, &dnsErr) {
		return "dns"
	}
	if errors.Is(err, os.ErrDeadlineExceeded) {
		return "timeout"
	}
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return "timeout"
	}

	msg := strings.ToLower(err.Error())
	switch {
	case strings.Contains(msg, "connection refused"):
		return "refused"
	case strings.Contains(msg, "no such host"):
		return "dns"
	case strings.Contains(msg, "i/o timeout") || strings.Contains(msg, "context deadline exceeded"):
		return "timeout"
	default:
		return "other"
	}
}

func hostOnly(hostport string) string {
	if h, _, err := net.SplitHostPort(hostport); err == nil {
		return h
	}
	return hostport
}
