// Package middleware holds the HTTP middleware every daemon request passes
// through: panic recovery, request IDs, access logging and the
// X-Forwarded-Proto marker for the TLS listener.
//
// The wrapped writer keeps http.Hijacker and http.Flusher reachable so that
// WebSocket upgrades, CONNECT splices and streamed responses work behind the
// chain.
package middleware

import (
	"bufio"
	"errors"
	"net"
	"net/http"
)

// ResponseWriter wraps http.ResponseWriter to capture status code and size.
// It keeps http.Hijacker and http.Flusher reachable.
type ResponseWriter struct {
	http.ResponseWriter
	statusCode int
	written    bool
	hijacked   bool
	bytes      int64
}

// NewResponseWriter wraps w. The status reads 200 until a header is written.
func NewResponseWriter(w http.ResponseWriter) *ResponseWriter {
	return &ResponseWriter{
		ResponseWriter: w,
		statusCode:     http.StatusOK,
	}
}

// WriteHeader captures the status code before writing. Informational codes
// (100 Continue, 103 Early Hints) do not count as the final status.
func (rw *ResponseWriter) WriteHeader(code int) {
	if rw.written {
		return
	}
	if code >= 200 || code == http.StatusSwitchingProtocols {
		rw.statusCode = code
		rw.written = true
	}
	rw.ResponseWriter.WriteHeader(code)
}

func (rw *ResponseWriter) Write(b []byte) (int, error) {
	if !rw.written {
		rw.WriteHeader(http.StatusOK)
	}
	n, err := rw.ResponseWriter.Write(b)
	rw.bytes += int64(n)
	return n, err
}

// Flush forwards to the underlying writer when it supports flushing.
func (rw *ResponseWriter) Flush() {
	if f, ok := rw.ResponseWriter.(http.Flusher); ok {
		if !rw.written {
			rw.WriteHeader(http.StatusOK)
		}
		f.Flush()
	}
}

// Hijack hands the connection over, recording the response as 101.
func (rw *ResponseWriter) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	h, ok := rw.ResponseWriter.(http.Hijacker)
	if !ok {
		return nil, nil, errors.New("middleware: underlying ResponseWriter does not support hijacking")
	}
	conn, brw, err := h.Hijack()
	if err == nil {
		rw.hijacked = true
		if !rw.written {
			rw.statusCode = http.StatusSwitchingProtocols
			rw.written = true
		}
	}
	return conn, brw, err
}

// Unwrap lets http.ResponseController reach the underlying writer.
func (rw *ResponseWriter) Unwrap() http.ResponseWriter {
	return rw.ResponseWriter
}

// StatusRecorder is implemented by writers that know the status they wrote.
type StatusRecorder interface {
	Status() int
}

// Status returns the captured status code.
func (rw *ResponseWriter) Status() int {
	return rw.statusCode
}

// Chain applies middlewares so that the first one listed runs outermost.
func Chain(h http.Handler, middlewares ...func(http.Handler) http.Handler) http.Handler {
	for i := len(middlewares) - 1; i >= 0; i-- {
		h = middlewares[i](h)
	}
	return h
}
