package handler

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"

	"github.com/alanyoungcy/tradedesk/internal/domain"
)

// StreamController drives the market data subscription.
type StreamController interface {
	StartStreaming(ctx context.Context, symbols []string) (json.RawMessage, error)
	StopStreaming(ctx context.Context) (json.RawMessage, error)
	SymbolSnapshot(ctx context.Context, symbol string) (domain.Quote, error)
}

// StreamHandler serves the stream controls.
type StreamHandler struct {
	ctl    StreamController
	logger *slog.Logger
}

// NewStreamHandler creates a StreamHandler backed by ctl.
func NewStreamHandler(ctl StreamController, logger *slog.Logger) *StreamHandler {
	return &StreamHandler{ctl: ctl, logger: logHandler(logger, "stream")}
}

type startStreamRequest struct {
	Symbols []string `json:"symbols"`
}

// Start subscribes the stream to the posted symbols.
// POST /api/stream/start {"symbols": ["SPY"]}
func (h *StreamHandler) Start(w http.ResponseWriter, r *http.Request) {
	var req startStreamRequest
	if err := decodeBody(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body: "+err.Error())
		return
	}
	if len(req.Symbols) == 0 {
		writeError(w, http.StatusBadRequest, "symbols are required")
		return
	}

	body, err := h.ctl.StartStreaming(r.Context(), req.Symbols)
	if err != nil {
		h.logger.ErrorContext(r.Context(), "start streaming failed", slog.String("error", err.Error()))
		writeError(w, statusFor(err), err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"status": "streaming", "backend": rawOrNull(body)})
}

// Stop drops the subscription.
// POST /api/stream/stop
func (h *StreamHandler) Stop(w http.ResponseWriter, r *http.Request) {
	body, err := h.ctl.StopStreaming(r.Context())
	if err != nil {
		h.logger.ErrorContext(r.Context(), "stop streaming failed", slog.String("error", err.Error()))
		writeError(w, statusFor(err), err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"status": "stopped", "backend": rawOrNull(body)})
}

// Quote fetches one symbol's snapshot and merges it into the store.
// GET /api/quotes/{symbol}
func (h *StreamHandler) Quote(w http.ResponseWriter, r *http.Request) {
	q, err := h.ctl.SymbolSnapshot(r.Context(), r.PathValue("symbol"))
	if err != nil {
		writeError(w, statusFor(err), err.Error())
		return
	}
	writeJSON(w, http.StatusOK, q)
}

func rawOrNull(body json.RawMessage) json.RawMessage {
	if len(body) == 0 || !json.Valid(body) {
		return json.RawMessage("null")
	}
	return body
}
