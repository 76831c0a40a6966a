package main

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/glindberg2000/superagent/internal/domain"
	"github.com/glindberg2000/superagent/internal/usecase/supervisor"
)

// controlHandler adapts the Supervisor's in-process API to a small JSON
// surface. The supervisor API is the contract; this transport is a thin
// veneer and other operator surfaces drive the same methods.
func controlHandler(sup *supervisor.Supervisor, log *slog.Logger) http.Handler {
	c := &control{sup: sup, log: log}
	mux := http.NewServeMux()
	mux.HandleFunc("GET /v1/specs", c.specs)
	mux.HandleFunc("GET /v1/instances", c.instances)
	mux.HandleFunc("POST /v1/agents/{id}/deploy", c.deploy)
	mux.HandleFunc("POST /v1/agents/{id}/stop", c.stop)
	mux.HandleFunc("POST /v1/agents/{id}/restart", c.restart)
	mux.HandleFunc("GET /v1/agents/{id}/status", c.status)
	mux.HandleFunc("GET /v1/agents/{id}/logs", c.logs)
	mux.HandleFunc("POST /v1/reconcile", c.reconcile)
	return mux
}

type control struct {
	sup *supervisor.Supervisor
	log *slog.Logger
}

func (c *control) writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(v)
}

func (c *control) writeError(w http.ResponseWriter, err error) {
	status := http.StatusInternalServerError
	switch {
	case errors.Is(err, domain.ErrNotFound):
		status = http.StatusNotFound
	case errors.Is(err, domain.ErrDuplicate):
		status = http.StatusConflict
	case errors.Is(err, domain.ErrConfig):
		status = http.StatusBadRequest
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(map[string]string{
		"error_kind": string(domain.ErrorCodeOf(err)),
		"message":    err.Error(),
	})
}

func (c *control) specs(w http.ResponseWriter, _ *http.Request) {
	c.writeJSON(w, map[string]any{"specs": c.sup.ListSpecs()})
}

func (c *control) instances(w http.ResponseWriter, _ *http.Request) {
	c.writeJSON(w, map[string]any{"instances": c.sup.ListInstances()})
}

func (c *control) deploy(w http.ResponseWriter, r *http.Request) {
	if err := c.sup.Deploy(r.Context(), r.PathValue("id")); err != nil {
		c.writeError(w, err)
		return
	}
	c.writeJSON(w, map[string]string{"status": "deploying"})
}

func (c *control) stop(w http.ResponseWriter, r *http.Request) {
	grace := time.Duration(0)
	if v := r.URL.Query().Get("grace"); v != "" {
		if secs, err := strconv.Atoi(v); err == nil {
			grace = time.Duration(secs) * time.Second
		}
	}
	if err := c.sup.Stop(r.Context(), r.PathValue("id"), grace); err != nil {
		c.writeError(w, err)
		return
	}
	c.writeJSON(w, map[string]string{"status": "stopped"})
}

func (c *control) restart(w http.ResponseWriter, r *http.Request) {
	if err := c.sup.Restart(r.Context(), r.PathValue("id")); err != nil {
		c.writeError(w, err)
		return
	}
	c.writeJSON(w, map[string]string{"status": "restarting"})
}

func (c *control) status(w http.ResponseWriter, r *http.Request) {
	st, err := c.sup.Status(r.PathValue("id"))
	if err != nil {
		c.writeError(w, err)
		return
	}
	c.writeJSON(w, st)
}

func (c *control) logs(w http.ResponseWriter, r *http.Request) {
	tail := 100
	if v := r.URL.Query().Get("tail"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			tail = n
		}
	}
	out, err := c.sup.Logs(r.Context(), r.PathValue("id"), tail)
	if err != nil {
		c.writeError(w, err)
		return
	}
	c.writeJSON(w, map[string]string{"logs": out})
}

func (c *control) reconcile(w http.ResponseWriter, r *http.Request) {
	if err := c.sup.Reconcile(r.Context()); err != nil {
		c.writeError(w, err)
		return
	}
	c.writeJSON(w, map[string]string{"status": "reconciled"})
}
