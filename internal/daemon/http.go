package daemon

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"slices"
	"strconv"

	"github.com/yairfalse/podsync/internal/filter"
	"github.com/yairfalse/podsync/synchronizer"
	"github.com/yairfalse/podsync/types"
)

// Handler returns the daemon's HTTP API.
func (d *Daemon) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.Handle("GET /metrics", d.telemetry.MetricsHandler())
	mux.HandleFunc("GET /health", d.handleHealth)
	mux.HandleFunc("GET /-/healthy", d.handleHealth)
	mux.HandleFunc("GET /-/ready", d.handleReady)
	mux.HandleFunc("GET /inventory", d.handleInventory)
	mux.HandleFunc("POST /probe/{scope}", d.handleProbe)
	mux.HandleFunc("POST /refresh/{scope}/{kind}", d.handleRefresh)
	return d.instrument(mux)
}

type statusRecorder struct {
	http.ResponseWriter
	code int
}

func (r *statusRecorder) WriteHeader(code int) {
	r.code = code
	r.ResponseWriter.WriteHeader(code)
}

func (d *Daemon) instrument(next *http.ServeMux) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		rec := &statusRecorder{ResponseWriter: w, code: http.StatusOK}
		next.ServeHTTP(rec, r)

		route := r.Pattern
		if route == "" {
			route = "unmatched"
		}
		d.metrics.RecordHTTPRequest(r.Context(), route, rec.code)
	})
}

func (d *Daemon) handleHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, d.Health())
}

// handleReady reports ready once every enabled scope has either loaded or
// been found unavailable.
func (d *Daemon) handleReady(w http.ResponseWriter, _ *http.Request) {
	v := d.sync.View()
	code := http.StatusOK
	if !v.Settled() {
		code = http.StatusServiceUnavailable
	}
	writeJSON(w, code, map[string]any{
		"ready":    code == http.StatusOK,
		"complete": v.Complete(),
	})
}

// handleInventory serves the inventory. Query parameters: scope, running,
// filter.
func (d *Daemon) handleInventory(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	opts := filter.Options{Text: q.Get("filter")}

	if s := q.Get("scope"); s != "" {
		scope, err := types.ParseScope(s)
		if err != nil {
			writeError(w, http.StatusBadRequest, err)
			return
		}
		opts.Scopes = []types.Scope{scope}
	}
	if s := q.Get("running"); s != "" {
		running, err := strconv.ParseBool(s)
		if err != nil {
			writeError(w, http.StatusBadRequest, err)
			return
		}
		opts.RunningOnly = running
	}

	writeJSON(w, http.StatusOK, BuildInventory(d.sync.View(), filter.New(opts)))
}

// handleProbe re-probes a scope on operator request. The probe outlives a
// disconnecting client: abandoning a full load halfway would drop the scope.
func (d *Daemon) handleProbe(w http.ResponseWriter, r *http.Request) {
	scope, err := types.ParseScope(r.PathValue("scope"))
	if err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}

	err = d.Probe(context.WithoutCancel(r.Context()), scope, TriggerOperator)
	resp := map[string]any{
		"scope": scope.String(),
		"state": d.sync.State(scope).String(),
	}

	code := http.StatusOK
	switch {
	case err == nil:
	case errors.Is(err, synchronizer.ErrScopeDisabled):
		code = http.StatusConflict
	case errors.Is(err, synchronizer.ErrNotStarted), errors.Is(err, synchronizer.ErrStopped):
		code = http.StatusServiceUnavailable
	default:
		code = http.StatusBadGateway
	}
	if err != nil {
		resp["error"] = err.Error()
	}
	writeJSON(w, code, resp)
}

// handleRefresh reloads one kind of entity in a scope without re-probing it.
func (d *Daemon) handleRefresh(w http.ResponseWriter, r *http.Request) {
	scope, err := types.ParseScope(r.PathValue("scope"))
	if err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	kind := types.Kind(r.PathValue("kind"))
	if !slices.Contains(types.EntityKinds(), kind) {
		writeError(w, http.StatusBadRequest, fmt.Errorf("unknown kind %q", kind))
		return
	}

	switch err := d.Refresh(scope, kind); {
	case err == nil:
		writeJSON(w, http.StatusAccepted, map[string]string{
			"scope": scope.String(),
			"kind":  string(kind),
		})
	case errors.Is(err, synchronizer.ErrScopeDisabled):
		writeError(w, http.StatusConflict, err)
	default:
		writeError(w, http.StatusServiceUnavailable, err)
	}
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, code int, err error) {
	writeJSON(w, code, map[string]string{"error": err.Error()})
}
