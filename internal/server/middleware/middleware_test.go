package middleware

import (
	"bytes"
	"context"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/alanyoungcy/tradedesk/internal/domain"
)

var okHandler = http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
	_, _ = io.WriteString(w, "ok")
})

func do(h http.Handler, req *http.Request) *httptest.ResponseRecorder {
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

func TestAuth(t *testing.T) {
	h := Auth("secret", "/api/health")(okHandler)

	tests := []struct {
		name   string
		req    func() *http.Request
		status int
	}{
		{"missing", func() *http.Request { return httptest.NewRequest(http.MethodGet, "/api/state", nil) }, http.StatusUnauthorized},
		{"bearer", func() *http.Request {
			r := httptest.NewRequest(http.MethodGet, "/api/state", nil)
			r.Header.Set("Authorization", "Bearer secret")
			return r
		}, http.StatusOK},
		{"api key", func() *http.Request {
			r := httptest.NewRequest(http.MethodGet, "/api/state", nil)
			r.Header.Set("X-API-Key", "secret")
			return r
		}, http.StatusOK},
		{"wrong", func() *http.Request {
			r := httptest.NewRequest(http.MethodGet, "/api/state", nil)
			r.Header.Set("X-API-Key", "nope")
			return r
		}, http.StatusUnauthorized},
		{"public", func() *http.Request { return httptest.NewRequest(http.MethodGet, "/api/health", nil) }, http.StatusOK},
		{"ws token", func() *http.Request { return httptest.NewRequest(http.MethodGet, "/ws?token=secret", nil) }, http.StatusOK},
		{"token elsewhere", func() *http.Request { return httptest.NewRequest(http.MethodGet, "/api/state?token=secret", nil) }, http.StatusUnauthorized},
		{"preflight", func() *http.Request { return httptest.NewRequest(http.MethodOptions, "/api/state", nil) }, http.StatusOK},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.status, do(h, tt.req()).Code)
		})
	}

	assert.Equal(t, http.StatusOK, do(Auth("")(okHandler), httptest.NewRequest(http.MethodGet, "/api/state", nil)).Code)
}

func TestCORS(t *testing.T) {
	h := CORS([]string{"https://desk.example/"})(okHandler)

	r := httptest.NewRequest(http.MethodGet, "/api/state", nil)
	r.Header.Set("Origin", "https://desk.example")
	rec := do(h, r)
	assert.Equal(t, "https://desk.example", rec.Header().Get("Access-Control-Allow-Origin"))
	assert.Equal(t, "ok", rec.Body.String())

	r = httptest.NewRequest(http.MethodOptions, "/api/state", nil)
	r.Header.Set("Origin", "https://desk.example")
	r.Header.Set("Access-Control-Request-Method", "POST")
	assert.Equal(t, http.StatusNoContent, do(h, r).Code)

	r = httptest.NewRequest(http.MethodOptions, "/api/state", nil)
	r.Header.Set("Origin", "https://evil.example")
	r.Header.Set("Access-Control-Request-Method", "POST")
	rec = do(h, r)
	assert.Equal(t, http.StatusForbidden, rec.Code)
	assert.Empty(t, rec.Header().Get("Access-Control-Allow-Origin"))

	r = httptest.NewRequest(http.MethodGet, "/api/state", nil)
	r.Header.Set("Origin", "https://anything.example")
	assert.Equal(t, "https://anything.example",
		do(CORS([]string{"*"})(okHandler), r).Header().Get("Access-Control-Allow-Origin"))
}

func TestLogging(t *testing.T) {
	var buf bytes.Buffer
	logger := slog.New(slog.NewJSONHandler(&buf, &slog.HandlerOptions{Level: slog.LevelInfo}))
	h := Logging(logger, "/api/health")(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusTeapot)
		_, _ = io.WriteString(w, "short")
	}))

	do(h, httptest.NewRequest(http.MethodGet, "/api/state?x=1", nil))
	assert.Contains(t, buf.String(), `"status":418`)
	assert.Contains(t, buf.String(), `"bytes":5`)
	assert.Contains(t, buf.String(), `"query":"x=1"`)

	buf.Reset()
	do(h, httptest.NewRequest(http.MethodGet, "/api/health", nil))
	assert.Empty(t, buf.String())
}

type fakeLimiter struct {
	allow bool
	retry time.Duration
	err   error
	keys  []string
}

func (f *fakeLimiter) Allow(_ context.Context, key string, limit int, _ time.Duration) (domain.RateDecision, error) {
	f.keys = append(f.keys, key)
	if f.err != nil {
		return domain.RateDecision{}, f.err
	}
	d := domain.RateDecision{Allowed: f.allow, RetryAfter: f.retry}
	if f.allow {
		d.Remaining = limit - len(f.keys)
	}
	return d, nil
}

func TestRateLimit(t *testing.T) {
	limiter := &fakeLimiter{allow: true}
	h := RateLimit(limiter, "proxy", 10, 30*time.Second, true, nil)(okHandler)

	r := httptest.NewRequest(http.MethodGet, "/api/proxy", nil)
	r.Header.Set("X-Forwarded-For", "203.0.113.9, 10.0.0.1")
	rec := do(h, r)
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "10", rec.Header().Get("X-RateLimit-Limit"))
	assert.Equal(t, "9", rec.Header().Get("X-RateLimit-Remaining"))
	require.Len(t, limiter.keys, 1)
	assert.Equal(t, "proxy:203.0.113.9", limiter.keys[0])

	limiter.allow = false
	rec = do(h, httptest.NewRequest(http.MethodGet, "/api/proxy", nil))
	assert.Equal(t, http.StatusTooManyRequests, rec.Code)
	assert.Equal(t, "30", rec.Header().Get("Retry-After"))
	assert.Equal(t, "0", rec.Header().Get("X-RateLimit-Remaining"))
	assert.Equal(t, "proxy:192.0.2.1", limiter.keys[1])

	limiter.retry = 1500 * time.Millisecond
	assert.Equal(t, "2", do(h, httptest.NewRequest(http.MethodGet, "/api/proxy", nil)).Header().Get("Retry-After"))

	limiter.err = errors.New("redis down")
	assert.Equal(t, http.StatusOK, do(h, httptest.NewRequest(http.MethodGet, "/api/proxy", nil)).Code)
}

func TestRateLimit_IgnoresForwardingHeadersByDefault(t *testing.T) {
	limiter := &fakeLimiter{allow: true}
	h := RateLimit(limiter, "proxy", 10, time.Minute, false, nil)(okHandler)

	for _, ip := range []string{"203.0.113.1", "203.0.113.2"} {
		r := httptest.NewRequest(http.MethodGet, "/api/proxy", nil)
		r.Header.Set("X-Forwarded-For", ip)
		r.Header.Set("X-Real-IP", ip)
		do(h, r)
	}
	assert.Equal(t, []string{"proxy:192.0.2.1", "proxy:192.0.2.1"}, limiter.keys)
}
