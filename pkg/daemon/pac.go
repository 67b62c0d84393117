package daemon

import (
	"net/http"
	"strings"
	"text/template"
)

var pacTemplate = template.Must(template.New("pac").Parse(`function FindProxyForURL(url, host) {
{{- range .Domains}}
  if (host === "{{.}}") return "PROXY {{$.Daemon}}";
{{- end}}
  return "{{.Fallback}}";
}
`))

type pacView struct {
	Domains  []string
	Daemon   string
	Fallback string
}

// renderPAC writes a proxy auto-config script sending every bound domain
// to the daemon and everything else DIRECT or to upstream.
func renderPAC(w http.ResponseWriter, domains []string, daemonAddr, upstream string) {
	view := pacView{Domains: domains, Daemon: daemonAddr, Fallback: "DIRECT"}
	if upstream = strings.TrimSpace(upstream); upstream != "" {
		view.Fallback = "PROXY " + upstream + "; DIRECT"
	}

	w.Header().Set("Content-Type", "application/x-ns-proxy-autoconfig")
	w.Header().Set("Cache-Control", "no-store")
	w.WriteHeader(http.StatusOK)
	_ = pacTemplate.Execute(w, view)
}
