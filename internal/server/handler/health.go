package handler

import (
	"log/slog"
	"net/http"
	"time"

	"github.com/alanyoungcy/tradedesk/internal/livestore"
)

// HealthHandler serves the health-check endpoint.
type HealthHandler struct {
	store  *livestore.Store
	logger *slog.Logger
}

// NewHealthHandler creates a HealthHandler. store may be nil, in which case
// only liveness is reported.
func NewHealthHandler(store *livestore.Store, logger *slog.Logger) *HealthHandler {
	return &HealthHandler{store: store, logger: logHandler(logger, "health")}
}

// HealthCheck responds with liveness plus the last upstream probe result.
// The status code is always 200; this process is up even when the backend
// is not.
// GET /api/health
func (h *HealthHandler) HealthCheck(w http.ResponseWriter, r *http.Request) {
	resp := map[string]any{
		"status":    "ok",
		"timestamp": time.Now().UTC().Format(time.RFC3339),
	}
	if h.store != nil {
		st := h.store.GetState()
		resp["upstream"] = st.Health
		resp["connection"] = st.Status.Badge
	}
	writeJSON(w, http.StatusOK, resp)
}
