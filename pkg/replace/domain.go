package replace

import (
	"net"
	"strings"
)

// ParentDomain returns the domain one level above host, the scope cookies are
// usually set on. The scheme and port are dropped; IP addresses and single
// label hosts are returned as is.
//
//	ParentDomain("https://app.example.com:443") // "example.com"
//	ParentDomain("localhost:3000")              // "localhost"
func ParentDomain(host string) string {
	if i := strings.Index(host, "://"); i >= 0 {
		host = host[i+3:]
	}
	if i := strings.IndexAny(host, "/?#"); i >= 0 {
		host = host[:i]
	}
	if h, _, err := net.SplitHostPort(host); err == nil {
		host = h
	}

	if net.ParseIP(host) != nil {
		return host
	}

	if i := strings.IndexByte(host, '.'); i >= 0 && i < len(host)-1 {
		return host[i+1:]
	}
	return host
}

// CookieDomain is the Set-Cookie form of ParentDomain, with a leading dot.
func CookieDomain(host string) string {
	return "." + ParentDomain(host)
}
