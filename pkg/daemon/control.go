package daemon

import (
	"encoding/json"
	"errors"
	"net/http"

	"portless-dev/portless/pkg/app"
	"portless-dev/portless/pkg/proxy"
	"portless-dev/portless/pkg/telemetry/health"
)

// appRequest is the body of the app endpoints.
type appRequest struct {
	Cwd string `json:"cwd"`
}

// apiResponse is the envelope of every control API answer.
type apiResponse struct {
	Success bool   `json:"success,omitempty"`
	Data    any    `json:"data,omitempty"`
	Error   string `json:"error,omitempty"`
}

func (d *Daemon) controlHandler() http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("GET /.well-known/status", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{"status": "live"})
	})
	mux.HandleFunc("GET /proxy.pac", func(w http.ResponseWriter, r *http.Request) {
		renderPAC(w, d.proxies.Domains(), d.daemonAddr(), d.cfg.Daemon.UpstreamProxy)
	})

	mux.HandleFunc("GET /api/apps", d.handleListApps)
	mux.HandleFunc("POST /api/apps", d.handleAddApp)
	mux.HandleFunc("DELETE /api/apps", d.handleRemoveApp)
	mux.HandleFunc("POST /api/apps/restart", d.handleRestartApp)
	mux.HandleFunc("GET /api/routes", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, apiResponse{Success: true, Data: d.proxies.Routes()})
	})
	mux.HandleFunc("POST /api/stop", d.handleStop)

	mux.Handle("/health", d.health.LivenessHandler())
	mux.Handle("/ready", d.health.ReadinessHandler())
	mux.Handle("/version", health.VersionHandler(d.opts.Version, d.opts.Commit, d.opts.BuildTime))
	if d.cfg.Telemetry.Metrics.Enabled {
		mux.Handle(d.cfg.Telemetry.Metrics.Path, d.opts.Metrics.Handler())
	}

	mux.HandleFunc("/", func(w http.ResponseWriter, r *http.Request) {
		proxy.WriteNotFound(w, r)
	})
	return mux
}

func (d *Daemon) handleListApps(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, apiResponse{Success: true, Data: d.apps.List()})
}

func (d *Daemon) handleAddApp(w http.ResponseWriter, r *http.Request) {
	req, ok := decodeAppRequest(w, r)
	if !ok {
		return
	}

	c, err := d.apps.Add(r.Context(), req.Cwd)
	if err != nil {
		d.logger.Error("adding app failed", "cwd", req.Cwd, "error", err)
		writeAppError(w, err)
		return
	}
	d.syncWatches()

	writeJSON(w, http.StatusOK, apiResponse{Success: true, Data: c.Info()})
}

func (d *Daemon) handleRemoveApp(w http.ResponseWriter, r *http.Request) {
	req, ok := decodeAppRequest(w, r)
	if !ok {
		return
	}

	if err := d.apps.Remove(r.Context(), req.Cwd); err != nil {
		d.logger.Error("removing app failed", "cwd", req.Cwd, "error", err)
		writeAppError(w, err)
		return
	}
	d.syncWatches()

	writeJSON(w, http.StatusOK, apiResponse{Success: true})
}

func (d *Daemon) handleRestartApp(w http.ResponseWriter, r *http.Request) {
	req, ok := decodeAppRequest(w, r)
	if !ok {
		return
	}

	if err := d.apps.Restart(r.Context(), req.Cwd); err != nil {
		d.logger.Error("restarting app failed", "cwd", req.Cwd, "error", err)
		writeAppError(w, err)
		return
	}
	d.syncWatches()

	writeJSON(w, http.StatusOK, apiResponse{Success: true})
}

func (d *Daemon) handleStop(w http.ResponseWriter, r *http.Request) {
	d.logger.Info("stop requested through the control API")
	if err := d.apps.StopAll(r.Context()); err != nil {
		d.logger.Error("stopping apps failed", "error", err)
	}
	writeJSON(w, http.StatusOK, apiResponse{Success: true})
	d.RequestStop()
}

func decodeAppRequest(w http.ResponseWriter, r *http.Request) (appRequest, bool) {
	var req appRequest
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, 64<<10)).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, apiResponse{Error: "invalid request body: " + err.Error()})
		return req, false
	}
	if req.Cwd == "" {
		writeJSON(w, http.StatusBadRequest, apiResponse{Error: "cwd is required"})
		return req, false
	}
	return req, true
}

func writeAppError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, app.ErrAppNotFound):
		writeJSON(w, http.StatusNotFound, apiResponse{Error: app.ErrAppNotFound.Error()})
	case errors.Is(err, app.ErrAppExists):
		writeJSON(w, http.StatusInternalServerError, apiResponse{Error: app.ErrAppExists.Error()})
	default:
		writeJSON(w, http.StatusInternalServerError, apiResponse{Error: err.Error()})
	}
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}
