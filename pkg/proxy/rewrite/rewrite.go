package rewrite

import (
	"log/slog"
	"net/http"
	"regexp"
	"strings"

	"portless-dev/portless/pkg/replace"
	"portless-dev/portless/pkg/telemetry/metrics"
)

// SkipHeader on a response turns rewriting off for it. The header itself is
// removed before the response is sent.
const SkipHeader = "X-Portless-Skip-Rewrite"

// assetPattern matches paths of binary assets whose bodies are never rewritten.
var assetPattern = regexp.MustCompile(`\.(png|jpe?g|gif|webp|svg|mp4|webm|ogg|mp3|wav|flac|aac|woff2?|eot|ttf|otf)`)

// IsStaticAsset reports whether path points at an image, media file or font.
func IsStaticAsset(path string) bool {
	return assetPattern.MatchString(path)
}

// Options configures the rewrite middleware of one proxy handler.
type Options struct {
	Rules *Rules

	// Kind returns the kind of an incoming domain bound to the handler.
	Kind func(host string) (Kind, bool)

	// Secure reports whether the client connection is TLS, directly or
	// through a tunnel.
	Secure func(r *http.Request) bool

	Metrics *metrics.Collector
	Logger  *slog.Logger
}

// Middleware rewrites responses for regular requests and Host/Origin for
// WebSocket handshakes. Requests on hosts that are not bound, and requests
// for static assets, pass through unchanged.
func Middleware(opts Options) func(http.Handler) http.Handler {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	secure := opts.Secure
	if secure == nil {
		secure = func(r *http.Request) bool {
			return ForwardedSecure(r)
		}
	}

	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			kind, ok := resolveKind(opts, r)
			if !ok {
				next.ServeHTTP(w, r)
				return
			}

			if IsUpgrade(r) {
				r = r.Clone(r.Context())
				rewriteHandshake(r, opts.Rules.Inbound.For(kind), secure(r), opts.Metrics)
				next.ServeHTTP(w, r)
				return
			}

			host := r.Host
			isSecure := secure(r)
			replaceFn := opts.Rules.Outbound.For(kind).Func(host, isSecure)
			cookieFn := opts.Rules.Cookie.For(kind).Func(host, isSecure)

			// Let the transport negotiate compression so it hands us plain text.
			r.Header.Del("Accept-Encoding")

			bw := newBodyWriter(w, r, replaceFn, cookieFn)
			next.ServeHTTP(bw, r)

			rewritten, err := bw.finish()
			if err != nil {
				logger.DebugContext(r.Context(), "writing rewritten body failed",
					"host", host,
					"error", err,
				)
			}
			if rewritten {
				opts.Metrics.RecordRewrite("outbound", bw.before, bw.after)
			}
		})
	}
}

func resolveKind(opts Options, r *http.Request) (Kind, bool) {
	if opts.Rules == nil || opts.Kind == nil {
		return "", false
	}
	if IsStaticAsset(r.URL.Path) {
		return "", false
	}
	return opts.Kind(r.Host)
}

// rewriteHandshake maps Host and every Origin value to the target domain.
func rewriteHandshake(r *http.Request, rep *replace.Replacer, secure bool, collector *metrics.Collector) {
	fn := rep.Func(r.Host, secure)

	before := len(r.Host)
	r.Host = fn(r.Host)
	after := len(r.Host)

	if origins := r.Header.Values("Origin"); len(origins) > 0 {
		r.Header.Del("Origin")
		for _, o := range origins {
			rewritten := fn(o)
			before += len(o)
			after += len(rewritten)
			r.Header.Add("Origin", rewritten)
		}
	}

	collector.RecordRewrite("inbound", before, after)
}

// IsUpgrade reports whether r asks for a protocol switch such as WebSocket.
func IsUpgrade(r *http.Request) bool {
	if r.Header.Get("Upgrade") == "" {
		return false
	}
	for _, v := range r.Header.Values("Connection") {
		for _, token := range strings.Split(v, ",") {
			if strings.EqualFold(strings.TrimSpace(token), "upgrade") {
				return true
			}
		}
	}
	return false
}

// ForwardedSecure reports whether X-Forwarded-Proto names a TLS scheme.
func ForwardedSecure(r *http.Request) bool {
	switch strings.ToLower(r.Header.Get("X-Forwarded-Proto")) {
	case "https", "wss":
		return true
	}
	return false
}
