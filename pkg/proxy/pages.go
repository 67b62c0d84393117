package proxy

import (
	"html/template"
	"net/http"
	"time"

	"github.com/google/uuid"
)

// PageView is the data rendered into an error page.
type PageView struct {
	Title        string
	Summary      string
	Host         string
	Detail       string
	DiagnosticID string
	Timestamp    string
	Suggestions  []string
}

// WritePage renders an HTML error page with a fresh diagnostic ID and
// returns that ID so callers can log it next to the failure.
func WritePage(w http.ResponseWriter, status int, view PageView) string {
	if view.DiagnosticID == "" {
		view.DiagnosticID = uuid.NewString()
	}
	if view.Timestamp == "" {
		view.Timestamp = time.Now().UTC().Format(time.RFC3339)
	}

	h := w.Header()
	h.Del("Content-Length")
	h.Set("Content-Type", "text/html; charset=utf-8")
	h.Set("Cache-Control", "no-store")
	h.Set("X-Content-Type-Options", "nosniff")
	w.WriteHeader(status)
	_ = pageTemplate.Execute(w, view)
	return view.DiagnosticID
}

// WriteHostNotFound answers a request whose Host is not bound to any app.
func WriteHostNotFound(w http.ResponseWriter, host string) string {
	return WritePage(w, http.StatusInternalServerError, PageView{
		Title:   "Host not found",
		Summary: "No running app serves this domain",
		Host:    host,
		Suggestions: []string{
			"portless list",
			"portless add (in the project folder)",
		},
	})
}

// WriteNotFound answers an unknown path on the daemon's own host.
func WriteNotFound(w http.ResponseWriter, r *http.Request) string {
	return WritePage(w, http.StatusNotFound, PageView{
		Title:   "Not found",
		Summary: "The daemon has no page at this address",
		Host:    r.Host,
		Detail:  r.Method + " " + r.URL.Path,
	})
}

var pageTemplate = template.Must(template.New("page").Parse(`<!DOCTYPE html>
<html lang="en">
  <head>
    <meta charset="utf-8" />
    <meta name="viewport" content="width=device-width, initial-scale=1" />
    <title>portless: {{.Title}}</title>
    <style>
      :root {
        --bg: #f4f5f7;
        --panel: #ffffff;
        --ink: #1b1e24;
        --muted: #5f6673;
        --accent: #3b5bdb;
        --danger: #c92a2a;
        --border: #d9dde3;
      }
      * { box-sizing: border-box; }
      body {
        margin: 0;
        font-family: ui-sans-serif, system-ui, -apple-system, Segoe UI, sans-serif;
        color: var(--ink);
        background: var(--bg);
      }
      .wrap { max-width: 820px; margin: 40px auto; padding: 0 18px; }
      .panel {
        background: var(--panel);
        border: 1px solid var(--border);
        border-radius: 12px;
        padding: 22px;
      }
      h1 { margin: 0 0 10px; font-size: 1.4rem; }
      .meta { color: var(--muted); margin: 4px 0 14px; }
      .summary { color: var(--accent); font-weight: 600; }
      .error {
        color: var(--danger);
        font-family: ui-monospace, SFMono-Regular, Menlo, monospace;
        font-size: 0.9rem;
        white-space: pre-wrap;
        background: #fff5f5;
        border: 1px solid #ffc9c9;
        border-radius: 8px;
        padding: 10px;
      }
      code {
        font-family: ui-monospace, SFMono-Regular, Menlo, monospace;
        background: #f1f3f5;
        border-radius: 4px;
        padding: 1px 5px;
      }
    </style>
  </head>
  <body>
    <main class="wrap">
      <section class="panel">
        <h1>{{.Title}}</h1>
        <p class="summary">{{.Summary}}</p>
        {{if .Host}}<p class="meta">Host: <code>{{.Host}}</code></p>{{end}}
        <p class="meta">Diagnostic ID: <code>{{.DiagnosticID}}</code> at <code>{{.Timestamp}}</code></p>
        {{if .Detail}}<p class="error">{{.Detail}}</p>{{end}}
        {{if .Suggestions}}
        <h2>Try</h2>
        <ul>
          {{range .Suggestions}}<li><code>{{.}}</code></li>{{end}}
        </ul>
        {{end}}
      </section>
    </main>
  </body>
</html>`))
