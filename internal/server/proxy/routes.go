package proxy

import (
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/alanyoungcy/tradedesk/internal/domain"
	"github.com/alanyoungcy/tradedesk/internal/upstream"
)

const maxBody = 1 << 20

// Health reports whether the backend answers its health endpoint.
// GET /api/proxy/health
func (h *Handler) Health(w http.ResponseWriter, r *http.Request) {
	ts := h.now().UTC().Format(time.RFC3339)

	body, err := h.backend.Health(r.Context())
	if err != nil {
		writeJSON(w, http.StatusServiceUnavailable, map[string]any{
			"status":    "unhealthy",
			"error":     err.Error(),
			"timestamp": ts,
		})
		return
	}

	var backend any = body
	if len(body) == 0 || !json.Valid(body) {
		backend = strings.TrimSpace(string(body))
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"status":    "healthy",
		"backend":   backend,
		"timestamp": ts,
	})
}

// StartStream asks the backend to stream the posted symbols.
// POST /api/proxy/market/stream/start {"symbols": [...]}
func (h *Handler) StartStream(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Symbols []string `json:"symbols"`
	}
	if err := decodeBody(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body: "+err.Error())
		return
	}
	body, err := h.backend.StartStream(r.Context(), req.Symbols)
	h.relay(w, r, "stream start", body, err)
}

// StopStream asks the backend to stop streaming.
// POST /api/proxy/market/stream/stop
func (h *Handler) StopStream(w http.ResponseWriter, r *http.Request) {
	body, err := h.backend.StopStream(r.Context())
	h.relay(w, r, "stream stop", body, err)
}

// Snapshot returns the backend's current quote for one symbol.
// GET /api/proxy/market/stream/snapshot?symbol=SPY
func (h *Handler) Snapshot(w http.ResponseWriter, r *http.Request) {
	symbol := strings.ToUpper(strings.TrimSpace(r.URL.Query().Get("symbol")))
	if symbol == "" {
		writeError(w, http.StatusBadRequest, "symbol query parameter required")
		return
	}
	body, err := h.backend.SymbolSnapshot(r.Context(), symbol)
	h.relay(w, r, "snapshot", body, err)
}

// Orders returns the broker order history.
// GET /api/proxy/broker/tradier/orders
func (h *Handler) Orders(w http.ResponseWriter, r *http.Request) {
	body, err := h.backend.Orders(r.Context())
	h.relay(w, r, "orders", body, err)
}

// SubmitOrder validates an order ticket and forwards it to the broker.
// POST /api/proxy/broker/tradier/order
func (h *Handler) SubmitOrder(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	var req domain.OrderRequest
	if err := decodeBody(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body: "+err.Error())
		return
	}

	norm, err := upstream.NormalizeOrder(req)
	if err != nil {
		h.record(r, domain.AuditOrderRejected, req, map[string]any{"error": err.Error()})
		writeError(w, http.StatusUnprocessableEntity, err.Error())
		return
	}

	if h.locks != nil {
		unlock, err := h.locks.Acquire(ctx, "order:"+norm.ClientOrderID, h.lockTTL)
		switch {
		case errors.Is(err, domain.ErrLockHeld):
			writeError(w, http.StatusConflict, "order "+norm.ClientOrderID+" is already being submitted")
			return
		case err != nil:
			// Lock backend down: submit unguarded.
			h.logger.WarnContext(ctx, "order lock unavailable", slog.String("error", err.Error()))
		default:
			defer unlock()
		}
	}

	norm, body, err := h.backend.SubmitOrder(ctx, norm)
	if err != nil {
		event := domain.AuditOrderFailed
		if errors.Is(err, domain.ErrInvalidOrder) {
			event = domain.AuditOrderRejected
		}
		h.record(r, event, norm, map[string]any{"error": err.Error()})
		h.relay(w, r, "submit order", nil, err)
		return
	}

	var result domain.OrderResult
	_ = json.Unmarshal(body, &result)
	h.record(r, domain.AuditOrderSubmitted, norm, map[string]any{
		"order_id": result.OrderID,
		"status":   result.Status,
	})
	h.logger.InfoContext(ctx, "order submitted",
		slog.String("client_order_id", norm.ClientOrderID),
		slog.String("symbol", norm.Symbol),
		slog.String("side", string(norm.Side)),
		slog.Float64("quantity", norm.Quantity),
		slog.Bool("preview", norm.Preview),
	)
	h.relay(w, r, "submit order", body, nil)
}

func (h *Handler) record(r *http.Request, event string, req domain.OrderRequest, extra map[string]any) {
	if h.audit == nil {
		return
	}
	detail := map[string]any{
		"client_order_id": req.ClientOrderID,
		"symbol":          req.Symbol,
		"side":            req.Side,
		"quantity":        req.Quantity,
		"order_type":      req.OrderType,
		"preview":         req.Preview,
	}
	for k, v := range extra {
		detail[k] = v
	}
	if err := h.audit.Log(r.Context(), event, detail); err != nil {
		h.logger.WarnContext(r.Context(), "audit log failed",
			slog.String("event", event),
			slog.String("error", err.Error()),
		)
	}
}

// decodeBody decodes a JSON body. An empty body leaves v untouched.
func decodeBody(r *http.Request, v any) error {
	err := json.NewDecoder(io.LimitReader(r.Body, maxBody)).Decode(v)
	if errors.Is(err, io.EOF) {
		return nil
	}
	return err
}
