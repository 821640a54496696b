// Package proxy exposes the trading backend on the dashboard's own origin.
// Browsers never talk to the backend directly; every call goes through here
// and picks up the server-side API key on the way.
package proxy

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/http/httputil"
	"net/url"
	"strings"
	"time"

	"github.com/alanyoungcy/tradedesk/internal/domain"
	"github.com/alanyoungcy/tradedesk/internal/upstream"
)

// Backend is the subset of the upstream client used by the typed routes.
type Backend interface {
	Health(ctx context.Context) (json.RawMessage, error)
	SymbolSnapshot(ctx context.Context, symbol string) (json.RawMessage, error)
	StartStream(ctx context.Context, symbols []string) (json.RawMessage, error)
	StopStream(ctx context.Context) (json.RawMessage, error)
	Orders(ctx context.Context) (json.RawMessage, error)
	SubmitOrder(ctx context.Context, req domain.OrderRequest) (domain.OrderRequest, json.RawMessage, error)
}

// Config configures the proxy.
type Config struct {
	BaseURL string
	APIKey  string
	Timeout time.Duration
	// OrderLockTTL bounds how long a client_order_id is held while its
	// submission is in flight. Zero means 30s.
	OrderLockTTL time.Duration
}

// Handler serves /api/proxy and its typed sub-routes.
type Handler struct {
	base    *url.URL
	apiKey  string
	backend Backend
	audit   domain.AuditStore
	locks   domain.LockManager
	lockTTL time.Duration
	rp      *httputil.ReverseProxy
	logger  *slog.Logger
	now     func() time.Time
}

// Option customises a Handler.
type Option func(*Handler)

// WithAudit records order submissions in store.
func WithAudit(store domain.AuditStore) Option {
	return func(h *Handler) { h.audit = store }
}

// WithLocks rejects a second submission of the same client_order_id while the
// first is in flight.
func WithLocks(locks domain.LockManager) Option {
	return func(h *Handler) { h.locks = locks }
}

// New creates a proxy handler for the backend at cfg.BaseURL.
func New(cfg Config, backend Backend, logger *slog.Logger, opts ...Option) (*Handler, error) {
	base, err := url.Parse(strings.TrimRight(cfg.BaseURL, "/"))
	if err != nil || (base.Scheme != "http" && base.Scheme != "https") || base.Host == "" {
		return nil, fmt.Errorf("proxy: invalid base url %q", cfg.BaseURL)
	}
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 30 * time.Second
	}
	if cfg.OrderLockTTL <= 0 {
		cfg.OrderLockTTL = 30 * time.Second
	}

	h := &Handler{
		base:    base,
		apiKey:  cfg.APIKey,
		backend: backend,
		lockTTL: cfg.OrderLockTTL,
		logger:  logger.With(slog.String("component", "proxy")),
		now:     time.Now,
	}
	for _, opt := range opts {
		opt(h)
	}

	h.rp = &httputil.ReverseProxy{
		Rewrite:      h.rewrite,
		Transport:    &http.Transport{Proxy: http.ProxyFromEnvironment, ResponseHeaderTimeout: cfg.Timeout},
		ErrorHandler: h.proxyError,
	}
	return h, nil
}

// Register mounts the proxy routes on mux.
func (h *Handler) Register(mux *http.ServeMux) {
	mux.HandleFunc("/api/proxy", h.Forward)
	mux.HandleFunc("GET /api/proxy/health", h.Health)
	mux.HandleFunc("POST /api/proxy/market/stream/start", h.StartStream)
	mux.HandleFunc("POST /api/proxy/market/stream/stop", h.StopStream)
	mux.HandleFunc("GET /api/proxy/market/stream/snapshot", h.Snapshot)
	mux.HandleFunc("GET /api/proxy/broker/tradier/orders", h.Orders)
	mux.HandleFunc("POST /api/proxy/broker/tradier/order", h.SubmitOrder)
}

// Forward relays a request to {base}{path}. The backend's status code and
// body are passed through untouched.
// GET|POST|PUT|DELETE /api/proxy?path=/x
func (h *Handler) Forward(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodGet, http.MethodPost, http.MethodPut, http.MethodDelete:
	default:
		w.Header().Set("Allow", "GET, POST, PUT, DELETE")
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}
	if _, err := h.target(r.URL.Query()); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	h.rp.ServeHTTP(w, r)
}

// target resolves the path parameter against the backend root. Any other
// query parameters are carried over.
func (h *Handler) target(q url.Values) (*url.URL, error) {
	raw := q.Get("path")
	if raw == "" {
		return nil, errors.New("path parameter required")
	}
	ref, err := url.Parse(raw)
	if err != nil || ref.Scheme != "" || ref.Host != "" || !strings.HasPrefix(ref.Path, "/") || strings.HasPrefix(raw, "//") {
		return nil, fmt.Errorf("invalid path %q", raw)
	}
	for _, seg := range strings.Split(ref.Path, "/") {
		if seg == ".." || seg == "." {
			return nil, fmt.Errorf("invalid path %q", raw)
		}
	}

	u := *h.base
	u.Path = h.base.Path + ref.Path
	u.RawPath = ""

	merged := ref.Query()
	for k, vs := range q {
		if k == "path" {
			continue
		}
		for _, v := range vs {
			merged.Add(k, v)
		}
	}
	u.RawQuery = merged.Encode()
	return &u, nil
}

func (h *Handler) rewrite(pr *httputil.ProxyRequest) {
	u, err := h.target(pr.In.URL.Query())
	if err != nil {
		// Forward validates first; this only guards direct use of rp.
		u = h.base
	}
	pr.Out.URL = u
	pr.Out.Host = u.Host

	pr.Out.Header.Del("Authorization")
	pr.Out.Header.Del("Cookie")
	pr.Out.Header.Del("X-Api-Key")
	if h.apiKey != "" {
		pr.Out.Header.Set("x-api-key", h.apiKey)
	}
	if pr.Out.Header.Get("Content-Type") == "" && pr.In.ContentLength != 0 {
		pr.Out.Header.Set("Content-Type", "application/json")
	}
}

func (h *Handler) proxyError(w http.ResponseWriter, r *http.Request, err error) {
	h.logger.WarnContext(r.Context(), "upstream unreachable",
		slog.String("path", r.URL.Query().Get("path")),
		slog.String("error", err.Error()),
	)
	writeError(w, http.StatusBadGateway, "upstream unavailable")
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	data, err := json.Marshal(v)
	if err != nil {
		http.Error(w, `{"error":"internal server error"}`, http.StatusInternalServerError)
		return
	}
	writeRaw(w, status, data)
}

func writeRaw(w http.ResponseWriter, status int, body []byte) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	w.Write(body)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}

// relay writes a typed-route result: the backend body on success, the
// backend's own status and body on a non-2xx answer, 502 otherwise.
func (h *Handler) relay(w http.ResponseWriter, r *http.Request, op string, body json.RawMessage, err error) {
	if err == nil {
		if len(body) == 0 {
			body = json.RawMessage(`{}`)
		}
		writeRaw(w, http.StatusOK, body)
		return
	}

	var se *upstream.StatusError
	if errors.As(err, &se) {
		if json.Valid([]byte(se.Body)) {
			writeRaw(w, se.Code, []byte(se.Body))
		} else {
			writeError(w, se.Code, se.Body)
		}
		return
	}

	h.logger.WarnContext(r.Context(), "upstream call failed",
		slog.String("op", op),
		slog.String("error", err.Error()),
	)
	writeError(w, http.StatusBadGateway, "upstream unavailable")
}
