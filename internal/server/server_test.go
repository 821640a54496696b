package server

import (
	"context"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/alanyoungcy/tradedesk/internal/domain"
	"github.com/alanyoungcy/tradedesk/internal/livestore"
	"github.com/alanyoungcy/tradedesk/internal/server/handler"
	"github.com/alanyoungcy/tradedesk/internal/server/proxy"
	"github.com/alanyoungcy/tradedesk/internal/upstream"
)

type denyAll struct{}

func (denyAll) Allow(context.Context, string, int, time.Duration) (domain.RateDecision, error) {
	return domain.RateDecision{}, nil
}

func testServer(t *testing.T, cfg Config) http.Handler {
	t.Helper()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))

	backend := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = io.WriteString(w, `{"ok":true}`)
	}))
	t.Cleanup(backend.Close)

	px, err := proxy.New(proxy.Config{BaseURL: backend.URL},
		upstream.NewClient(backend.URL, "", time.Second), logger)
	require.NoError(t, err)

	store := livestore.New()
	srv := NewServer(cfg, Handlers{
		Health: handler.NewHealthHandler(store, logger),
		State:  handler.NewStateHandler(store, nil, logger),
		Proxy:  px,
	}, nil, denyAll{}, logger)
	return srv.Handler()
}

func get(h http.Handler, target string, header ...string) int {
	req := httptest.NewRequest(http.MethodGet, target, nil)
	for i := 0; i+1 < len(header); i += 2 {
		req.Header.Set(header[i], header[i+1])
	}
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec.Code
}

func TestServer_RoutesAndAuth(t *testing.T) {
	h := testServer(t, Config{APIKey: "k"})

	assert.Equal(t, http.StatusOK, get(h, "/api/health"))
	assert.Equal(t, http.StatusUnauthorized, get(h, "/api/state"))
	assert.Equal(t, http.StatusOK, get(h, "/api/state", "X-API-Key", "k"))
	assert.Equal(t, http.StatusOK, get(h, "/api/proxy/health", "X-API-Key", "k"))
	assert.Equal(t, http.StatusOK, get(h, "/api/proxy?path=/anything", "X-API-Key", "k"))
	assert.Equal(t, http.StatusNotFound, get(h, "/api/stream/start", "X-API-Key", "k"))
}

func TestServer_ProxyRateLimited(t *testing.T) {
	h := testServer(t, Config{RateLimit: 1, RateWindow: time.Minute})

	assert.Equal(t, http.StatusTooManyRequests, get(h, "/api/proxy/health"))
	assert.Equal(t, http.StatusOK, get(h, "/api/state"), "local api is not limited")
}
