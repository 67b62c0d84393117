// Package proxy routes requests for bound domains to development servers.
//
// A Handler forwards to one target domain through httputil.ReverseProxy with
// the Host rewritten to the target, X-Forwarded-* headers set, and response
// rewriting from package rewrite in front of it. The Registry owns every
// handler and maps each incoming public or local domain to exactly one of
// them:
//
//	reg := proxy.NewRegistry(logger, collector)
//	h, err := reg.Register("localhost:3000", proxy.HandlerOptions{Owner: "shop", Rules: rules})
//	if err != nil {
//	    return err // *DuplicateTargetError
//	}
//	if err := reg.Bind("shop.local", rewrite.Local, h); err != nil {
//	    return err // *DomainConflictError
//	}
//
//	if h, ok := reg.Resolve(r.Host); ok {
//	    h.ServeHTTP(w, r)
//	}
//
// Failures to reach a target are rendered as an HTML page with status 502 and
// a diagnostic ID that also appears in the log.
package proxy
