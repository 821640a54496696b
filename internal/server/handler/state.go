package handler

import (
	"log/slog"
	"net/http"

	"github.com/alanyoungcy/tradedesk/internal/livestore"
)

// Retrier restarts a connection that has parked after exhausting its retries.
type Retrier interface {
	RetryConnection()
}

// StateHandler serves store snapshots and connection controls.
type StateHandler struct {
	store   *livestore.Store
	retrier Retrier
	logger  *slog.Logger
}

// NewStateHandler creates a StateHandler. retrier is nil when this process
// does not hold the stream connection.
func NewStateHandler(store *livestore.Store, retrier Retrier, logger *slog.Logger) *StateHandler {
	return &StateHandler{store: store, retrier: retrier, logger: logHandler(logger, "state")}
}

// GetState returns the full store snapshot.
// GET /api/state
func (h *StateHandler) GetState(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, h.store.GetState())
}

// GetConnection returns the stream connection status.
// GET /api/connection
func (h *StateHandler) GetConnection(w http.ResponseWriter, r *http.Request) {
	st := h.store.GetState()
	writeJSON(w, http.StatusOK, map[string]any{
		"connected": st.Connected,
		"status":    st.Status,
	})
}

// RetryConnection resets the retry budget and reconnects.
// POST /api/connection/retry
func (h *StateHandler) RetryConnection(w http.ResponseWriter, r *http.Request) {
	if h.retrier == nil {
		writeError(w, http.StatusConflict, "no stream connection in this mode")
		return
	}
	h.retrier.RetryConnection()
	h.logger.InfoContext(r.Context(), "manual reconnect requested")
	writeJSON(w, http.StatusAccepted, map[string]string{"status": "reconnecting"})
}
