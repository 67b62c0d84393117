// Package splice hands CONNECT tunnels for port 443 to the daemon's own TLS
// listener.
//
// Clients that use the daemon as an HTTP proxy (through the PAC file) open
// "CONNECT host:443" for HTTPS sites. The daemon answers 200, then copies raw
// bytes in both directions between the client and the internal TLS listener
// on port+1, which terminates TLS and routes by SNI and Host as usual.
package splice

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"net"
	"net/http"
	"regexp"
	"sync"
	"time"

	"portless-dev/portless/pkg/telemetry/metrics"
)

// EstablishedResponse is written to the client once the tunnel is up.
const EstablishedResponse = "HTTP/1.1 200 Connection Established\r\nProxy-agent: Portless\r\n\r\n"

var targetPattern = regexp.MustCompile(`([\w.:_-]+):(\d+)`)

// Matches reports whether r is a CONNECT request for port 443. Other ports
// and malformed targets are left to normal routing.
func Matches(r *http.Request) bool {
	if r.Method != http.MethodConnect {
		return false
	}
	target := r.RequestURI
	if target == "" {
		target = r.Host
	}
	m := targetPattern.FindStringSubmatch(target)
	return m != nil && m[2] == "443"
}

// Splicer pipes CONNECT tunnels to an internal address.
type Splicer struct {
	addr        string
	dialTimeout time.Duration
	logger      *slog.Logger
	metrics     *metrics.Collector

	wg sync.WaitGroup
}

// New creates a Splicer that forwards to addr, usually "127.0.0.1:<port+1>".
func New(addr string, logger *slog.Logger, collector *metrics.Collector) *Splicer {
	if logger == nil {
		logger = slog.Default()
	}
	return &Splicer{
		addr:        addr,
		dialTimeout: 5 * time.Second,
		logger:      logger,
		metrics:     collector,
	}
}

// Addr returns the internal address tunnels are piped to.
func (s *Splicer) Addr() string { return s.addr }

// ServeHTTP takes over the client connection of a CONNECT request. Bytes the
// client sent after the request head are forwarded before piping starts.
func (s *Splicer) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	hj, ok := w.(http.Hijacker)
	if !ok {
		http.Error(w, "connection cannot be taken over", http.StatusInternalServerError)
		return
	}

	dialer := &net.Dialer{Timeout: s.dialTimeout}
	upstream, err := dialer.DialContext(r.Context(), "tcp", s.addr)
	if err != nil {
		s.logger.ErrorContext(r.Context(), "dialing TLS listener failed",
			"target", r.RequestURI,
			"addr", s.addr,
			"error", err,
		)
		http.Error(w, "tls listener unavailable", http.StatusBadGateway)
		return
	}

	client, brw, err := hj.Hijack()
	if err != nil {
		upstream.Close()
		s.logger.ErrorContext(r.Context(), "hijacking CONNECT failed", "error", err)
		return
	}

	if _, err := io.WriteString(client, EstablishedResponse); err != nil {
		client.Close()
		upstream.Close()
		return
	}

	if n := brw.Reader.Buffered(); n > 0 {
		head, _ := brw.Reader.Peek(n)
		if _, err := upstream.Write(head); err != nil {
			client.Close()
			upstream.Close()
			return
		}
	}

	s.logger.DebugContext(r.Context(), "splicing CONNECT tunnel",
		"target", r.RequestURI,
		"remote_addr", r.RemoteAddr,
	)

	s.metrics.SpliceStarted()
	s.wg.Add(1)
	defer s.wg.Done()

	up, down, err := Pipe(client, upstream)
	s.metrics.SpliceFinished(up, down)
	if err != nil {
		s.logger.Debug("CONNECT tunnel closed with error", "target", r.RequestURI, "error", err)
	}
}

// Wait blocks until all active tunnels are closed or ctx is done.
func (s *Splicer) Wait(ctx context.Context) error {
	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Pipe copies between a and b until either side ends, then closes both.
// It returns the bytes copied from a to b and from b to a, and the first
// error that is not a normal close.
func Pipe(a, b net.Conn) (int64, int64, error) {
	type result struct {
		n   int64
		err error
		aTo bool
	}
	results := make(chan result, 2)

	go func() {
		n, err := io.Copy(b, a)
		results <- result{n: n, err: err, aTo: true}
	}()
	go func() {
		n, err := io.Copy(a, b)
		results <- result{n: n, err: err}
	}()

	var (
		aToB, bToA int64
		firstErr   error
	)
	for i := 0; i < 2; i++ {
		res := <-results
		if i == 0 {
			a.Close()
			b.Close()
		}
		if res.aTo {
			aToB = res.n
		} else {
			bToA = res.n
		}
		if firstErr == nil && !isClosed(res.err) {
			firstErr = res.err
		}
	}
	return aToB, bToA, firstErr
}

func isClosed(err error) bool {
	return err == nil || errors.Is(err, net.ErrClosed) || errors.Is(err, io.EOF)
}
