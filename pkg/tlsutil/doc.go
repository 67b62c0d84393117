// Package tlsutil holds the TLS plumbing of the daemon's TLS listener.
//
// The listener on port+1 picks certificates by SNI from a Store. Issued
// certificates are added per name as they land on disk and are reloaded
// when renewed; every other name gets a self-signed "portless"
// certificate that the daemon generates on first run:
//
//	if _, err := tlsutil.EnsureSelfSigned(certFile, keyFile, []string{"portless", "localhost"}); err != nil {
//		return err
//	}
//	store := tlsutil.NewStore(logger)
//	if err := store.SetFallback(certFile, keyFile); err != nil {
//		return err
//	}
//	go store.Start(ctx, time.Minute)
//	ln = tls.NewListener(ln, store.TLSConfig())
package tlsutil
