package handler

import (
	"net/http"
)

// Streamer reports the active market data subscription.
type Streamer interface {
	Streaming() (bool, []string)
}

// ClientCounter reports how many dashboards are attached.
type ClientCounter interface {
	Clients() int
}

// StatusHandler serves the running mode and stream wiring for the dashboard.
type StatusHandler struct {
	Mode      string
	Transport string
	streamer  Streamer
	clients   ClientCounter
}

// NewStatusHandler creates a StatusHandler. streamer and clients may be nil.
func NewStatusHandler(mode, transport string, streamer Streamer, clients ClientCounter) *StatusHandler {
	return &StatusHandler{Mode: mode, Transport: transport, streamer: streamer, clients: clients}
}

// GetStatus responds with the mode, transport, subscription and client count.
// GET /api/status
func (h *StatusHandler) GetStatus(w http.ResponseWriter, r *http.Request) {
	resp := map[string]any{
		"mode":      h.Mode,
		"transport": h.Transport,
		"streaming": false,
		"symbols":   []string{},
		"clients":   0,
	}
	if h.streamer != nil {
		on, symbols := h.streamer.Streaming()
		resp["streaming"] = on
		if symbols != nil {
			resp["symbols"] = symbols
		}
	}
	if h.clients != nil {
		resp["clients"] = h.clients.Clients()
	}
	writeJSON(w, http.StatusOK, resp)
}
