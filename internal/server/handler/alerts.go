package handler

import (
	"log/slog"
	"net/http"

	"github.com/alanyoungcy/tradedesk/internal/domain"
	"github.com/alanyoungcy/tradedesk/internal/livestore"
)

// AlertHandler serves alert history, from the journal when one is configured
// and from the store otherwise.
type AlertHandler struct {
	store   *livestore.Store
	journal domain.AlertJournal
	logger  *slog.Logger
}

// NewAlertHandler creates an AlertHandler. journal may be nil.
func NewAlertHandler(store *livestore.Store, journal domain.AlertJournal, logger *slog.Logger) *AlertHandler {
	return &AlertHandler{store: store, journal: journal, logger: logHandler(logger, "alerts")}
}

type alertsResponse struct {
	Alerts []domain.Alert `json:"alerts"`
	Source string         `json:"source"`
}

// ListAlerts returns alerts newest first.
// GET /api/alerts?limit=50&offset=0&since=...
func (h *AlertHandler) ListAlerts(w http.ResponseWriter, r *http.Request) {
	opts := parseListOpts(r)

	if h.journal != nil {
		alerts, err := h.journal.Recent(r.Context(), opts)
		if err == nil {
			if alerts == nil {
				alerts = []domain.Alert{}
			}
			writeJSON(w, http.StatusOK, alertsResponse{Alerts: alerts, Source: "journal"})
			return
		}
		h.logger.WarnContext(r.Context(), "alert journal unavailable, serving memory",
			slog.String("error", err.Error()),
		)
	}

	// The store keeps alerts oldest first.
	all := h.store.GetState().Alerts
	alerts := []domain.Alert{}
	for i := len(all) - 1 - opts.Offset; i >= 0 && len(alerts) < opts.Limit; i-- {
		alerts = append(alerts, all[i])
	}
	writeJSON(w, http.StatusOK, alertsResponse{Alerts: alerts, Source: "memory"})
}
