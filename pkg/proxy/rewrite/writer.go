package rewrite

import (
	"bytes"
	"mime"
	"net/http"
	"strconv"
	"strings"
)

// bodyWriter rewrites headers when the response header is written and, for
// rewritable bodies, holds the whole body back until finish so that a domain
// split across two writes is still matched.
//
// There is no Unwrap, so http.ResponseController cannot flush past it.
type bodyWriter struct {
	w             http.ResponseWriter
	replace       func(string) string
	replaceCookie func(string) string
	head          bool

	status      int
	wroteHeader bool
	buffering   bool
	buf         bytes.Buffer

	// set by finish
	before, after int
}

func newBodyWriter(w http.ResponseWriter, r *http.Request, replace, replaceCookie func(string) string) *bodyWriter {
	return &bodyWriter{
		w:             w,
		replace:       replace,
		replaceCookie: replaceCookie,
		head:          r.Method == http.MethodHead,
	}
}

func (bw *bodyWriter) Header() http.Header {
	return bw.w.Header()
}

func (bw *bodyWriter) WriteHeader(code int) {
	if bw.wroteHeader {
		return
	}
	if code >= 100 && code < 200 && code != http.StatusSwitchingProtocols {
		bw.w.WriteHeader(code)
		return
	}
	bw.wroteHeader = true
	bw.status = code

	h := bw.w.Header()
	if h.Get(SkipHeader) != "" {
		h.Del(SkipHeader)
		bw.w.WriteHeader(code)
		return
	}
	if origin := h.Get("Access-Control-Allow-Origin"); origin != "" {
		h.Set("Access-Control-Allow-Origin", bw.replace(origin))
	}
	if cookies := h.Values("Set-Cookie"); len(cookies) > 0 {
		h.Del("Set-Cookie")
		for _, c := range cookies {
			h.Add("Set-Cookie", bw.replaceCookie(c))
		}
	}

	bw.buffering = bufferable(code, h, bw.head)
	if !bw.buffering {
		bw.w.WriteHeader(code)
		return
	}
	h.Del("Content-Length")
}

func (bw *bodyWriter) Write(p []byte) (int, error) {
	if !bw.wroteHeader {
		bw.WriteHeader(http.StatusOK)
	}
	if bw.buffering {
		return bw.buf.Write(p)
	}
	return bw.w.Write(p)
}

// Flush is a no-op while buffering.
func (bw *bodyWriter) Flush() {
	if bw.buffering {
		return
	}
	if f, ok := bw.w.(http.Flusher); ok {
		f.Flush()
	}
}

// finish writes the rewritten body. It reports whether a body was rewritten.
func (bw *bodyWriter) finish() (bool, error) {
	if !bw.buffering {
		return false, nil
	}

	bw.before = bw.buf.Len()
	out := bw.replace(bw.buf.String())
	bw.after = len(out)

	bw.w.Header().Set("Content-Length", strconv.Itoa(len(out)))
	bw.w.WriteHeader(bw.status)
	_, err := bw.w.Write([]byte(out))
	return true, err
}

// bufferable reports whether a response body can be read as text in full.
// Encoded bodies and event streams go through untouched.
func bufferable(code int, h http.Header, head bool) bool {
	if head || code == http.StatusSwitchingProtocols || code == http.StatusNoContent || code == http.StatusNotModified {
		return false
	}
	if enc := strings.TrimSpace(h.Get("Content-Encoding")); enc != "" && !strings.EqualFold(enc, "identity") {
		return false
	}
	if ct := h.Get("Content-Type"); ct != "" {
		if mt, _, err := mime.ParseMediaType(ct); err == nil && mt == "text/event-stream" {
			return false
		}
	}
	return true
}
