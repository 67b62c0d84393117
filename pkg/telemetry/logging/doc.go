// Package logging builds the daemon's *slog.Logger.
//
// The logger is a plain log/slog logger with two handler layers on top of the
// JSON or text handler:
//   - request_id and app are copied from the context into every record
//     logged through the *Context methods
//   - values of secret attributes (auth_token, password, ...) are masked
//
// # Usage
//
//	logger, closer, err := logging.New(logging.Config{
//	    Level:  "info",
//	    Format: "text",
//	    Output: "/home/me/.portless/daemon.log",
//	})
//	defer closer.Close()
//
//	log := logging.Component(logger, "tunnel")
//	log.InfoContext(ctx, "tunnel opened", "url", url)
package logging
