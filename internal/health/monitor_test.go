package health

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/alanyoungcy/tradedesk/internal/backoff"
	"github.com/alanyoungcy/tradedesk/internal/livestore"
)

func quiet() *slog.Logger { return slog.New(slog.NewTextHandler(io.Discard, nil)) }

func TestMonitor_RecoversAfterEarlyRechecks(t *testing.T) {
	var calls atomic.Int32
	probe := func(context.Context) error {
		if calls.Add(1) <= 2 {
			return errors.New("connection refused")
		}
		return nil
	}
	store := livestore.New()
	m := NewMonitor(probe, store, Config{
		Interval: time.Hour,
		Timeout:  time.Second,
		Retry:    backoff.New(5*time.Millisecond, 20*time.Millisecond, 5),
	}, quiet())

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- m.Run(ctx) }()

	require.Eventually(t, func() bool { return store.GetState().Health.Healthy }, 2*time.Second, time.Millisecond)
	assert.Equal(t, int32(3), calls.Load())

	st := m.Status()
	assert.Zero(t, st.RetryCount)
	assert.Empty(t, st.LastError)
	assert.False(t, st.LastCheck.IsZero())

	cancel()
	assert.ErrorIs(t, <-done, context.Canceled)
}

func TestMonitor_StopsEarlyRechecksAtCap(t *testing.T) {
	var calls atomic.Int32
	probe := func(context.Context) error {
		calls.Add(1)
		return errors.New("down")
	}
	m := NewMonitor(probe, nil, Config{
		Interval: time.Hour,
		Timeout:  time.Second,
		Retry:    backoff.New(time.Millisecond, 2*time.Millisecond, 2),
	}, quiet())

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go m.Run(ctx)

	require.Eventually(t, func() bool { return calls.Load() == 3 }, 2*time.Second, time.Millisecond)
	time.Sleep(30 * time.Millisecond)
	assert.Equal(t, int32(3), calls.Load())
	assert.Equal(t, 3, m.Status().RetryCount)
	assert.Equal(t, "down", m.Status().LastError)
}

func TestMonitor_TimeoutIsFailure(t *testing.T) {
	probe := func(ctx context.Context) error {
		<-ctx.Done()
		return ctx.Err()
	}
	store := livestore.New()
	m := NewMonitor(probe, store, Config{Timeout: 10 * time.Millisecond}, quiet())

	st := m.Check(context.Background())
	assert.False(t, st.Healthy)
	assert.Equal(t, 1, st.RetryCount)
	assert.Contains(t, st.LastError, "deadline exceeded")
	assert.Equal(t, st, store.GetState().Health)
}

func TestNewMonitor_Defaults(t *testing.T) {
	m := NewMonitor(func(context.Context) error { return nil }, nil, Config{}, nil)
	assert.Equal(t, DefaultConfig(), m.cfg)
	assert.Equal(t, time.Second, m.cfg.Retry.NextDelay(0))
	assert.Equal(t, 30*time.Second, m.cfg.Retry.NextDelay(10))
}
