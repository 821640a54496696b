package app

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

	"github.com/alanyoungcy/tradedesk/internal/cache/memory"
	"github.com/alanyoungcy/tradedesk/internal/config"
	"github.com/alanyoungcy/tradedesk/internal/livestore"
	"github.com/alanyoungcy/tradedesk/internal/stream"
)

func testConfig(t *testing.T, mode string) *config.Config {
	t.Helper()
	backend := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_, _ = io.WriteString(w, `{"status":"ok"}`)
	}))
	t.Cleanup(backend.Close)

	cfg := config.Defaults()
	cfg.Mode = mode
	cfg.Upstream.BaseURL = backend.URL
	cfg.Server.Port = 0
	return &cfg
}

func quietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func TestParseLevel(t *testing.T) {
	assert.Equal(t, slog.LevelDebug, ParseLevel("debug"))
	assert.Equal(t, slog.LevelWarn, ParseLevel(" WARN "))
	assert.Equal(t, slog.LevelWarn, ParseLevel("warning"))
	assert.Equal(t, slog.LevelError, ParseLevel("error"))
	assert.Equal(t, slog.LevelInfo, ParseLevel("verbose"))
}

func TestNeedsS3(t *testing.T) {
	cfg := config.Defaults()
	assert.False(t, needsS3(&cfg))
	cfg.Recorder.Enabled = true
	assert.True(t, needsS3(&cfg))
}

func TestWire_Defaults(t *testing.T) {
	cfg := testConfig(t, "full")

	deps, cleanup, err := Wire(context.Background(), cfg, quietLogger())
	require.NoError(t, err)
	defer cleanup()

	assert.NotNil(t, deps.Upstream)
	assert.NotNil(t, deps.SignalBus)
	assert.False(t, deps.SharedBus)
	assert.Nil(t, deps.AuditStore)
	assert.Nil(t, deps.PriceCache)
	assert.Nil(t, deps.BlobWriter)
	assert.False(t, deps.Notifier.Enabled())
}

func TestRun_UnknownMode(t *testing.T) {
	a := New(testConfig(t, "trade"), quietLogger())
	defer a.Close()

	err := a.Run(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), `unsupported mode "trade"`)
}

func TestRun_ProxyModeStopsOnCancel(t *testing.T) {
	a := New(testConfig(t, "proxy"), quietLogger())
	defer a.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 200*time.Millisecond)
	defer cancel()

	err := a.Run(ctx)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestFollowBus_SkipsMalformedFrames(t *testing.T) {
	a := New(testConfig(t, "proxy"), quietLogger())
	bus := memory.NewBus()
	store := livestore.New()
	d := stream.NewDispatcher(store, stream.DispatcherConfig{}, quietLogger())

	ctx, cancel := context.WithCancel(context.Background())
	errCh := make(chan error, 1)
	go func() { errCh <- a.followBus(ctx, bus, d) }()

	require.Eventually(t, func() bool {
		_ = bus.Publish(ctx, stream.BusChannel, []byte("not json"))
		_ = bus.Publish(ctx, stream.BusChannel, []byte(`{"type":"price","symbol":"SPY","last":446.5}`))
		return store.GetState().Prices["SPY"] == 446.5
	}, 2*time.Second, 10*time.Millisecond)

	cancel()
	select {
	case err := <-errCh:
		assert.ErrorIs(t, err, context.Canceled)
	case <-time.After(2 * time.Second):
		t.Fatal("followBus did not stop")
	}
}
