package handler

import (
	"context"
	"net/http"
	"sort"
	"time"

	"github.com/capitalize-ai/session-service/internal/store"
)

const readyTimeout = 2 * time.Second

// HealthHandler handles health check endpoints.
type HealthHandler struct {
	checks map[string]store.Pinger
}

// NewHealthHandler creates a new health handler. Readiness pings every
// named dependency in checks.
func NewHealthHandler(checks map[string]store.Pinger) *HealthHandler {
	return &HealthHandler{checks: checks}
}

// Health handles GET / and GET /health. It never touches dependencies.
func (h *HealthHandler) Health(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{
		"status": "ok",
	})
}

// Ready handles GET /ready
func (h *HealthHandler) Ready(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), readyTimeout)
	defer cancel()

	names := make([]string, 0, len(h.checks))
	for name := range h.checks {
		names = append(names, name)
	}
	sort.Strings(names)

	for _, name := range names {
		if err := h.checks[name].Ping(ctx); err != nil {
			writeJSON(w, http.StatusServiceUnavailable, map[string]string{
				"status": "not ready",
				"reason": name + ": " + err.Error(),
			})
			return
		}
	}

	writeJSON(w, http.StatusOK, map[string]string{
		"status": "ready",
	})
}
