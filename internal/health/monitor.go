// Package health periodically probes the trading backend and publishes its
// reachability into the store.
package health

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/alanyoungcy/tradedesk/internal/backoff"
	"github.com/alanyoungcy/tradedesk/internal/domain"
	"github.com/alanyoungcy/tradedesk/internal/livestore"
)

// ProbeFunc performs one health check. A nil error means healthy.
type ProbeFunc func(ctx context.Context) error

// Config controls the check cadence.
type Config struct {
	Interval time.Duration
	Timeout  time.Duration
	Retry    backoff.Policy
}

// DefaultConfig checks every 30s with a 5s timeout, and re-checks early after
// a failure at 1s, 2s, 4s ... capped at 30s, at most 5 times.
func DefaultConfig() Config {
	return Config{
		Interval: 30 * time.Second,
		Timeout:  5 * time.Second,
		Retry:    backoff.New(time.Second, 30*time.Second, 5),
	}
}

// Monitor runs the health checks.
type Monitor struct {
	probe  ProbeFunc
	store  *livestore.Store
	cfg    Config
	logger *slog.Logger
	now    func() time.Time

	mu      sync.Mutex
	status  domain.HealthStatus
	checked bool
}

// NewMonitor creates a monitor. store may be nil.
func NewMonitor(probe ProbeFunc, store *livestore.Store, cfg Config, logger *slog.Logger) *Monitor {
	def := DefaultConfig()
	if cfg.Interval <= 0 {
		cfg.Interval = def.Interval
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = def.Timeout
	}
	if cfg.Retry.Base <= 0 {
		cfg.Retry = def.Retry
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Monitor{
		probe:  probe,
		store:  store,
		cfg:    cfg,
		logger: logger.With(slog.String("component", "health")),
		now:    time.Now,
	}
}

// Run checks immediately and then on every interval until ctx is done. After
// a failed check it also schedules an early re-check per the retry policy.
func (m *Monitor) Run(ctx context.Context) error {
	ticker := time.NewTicker(m.cfg.Interval)
	defer ticker.Stop()

	var (
		retryTimer *time.Timer
		retry      <-chan time.Time
	)
	defer func() {
		if retryTimer != nil {
			retryTimer.Stop()
		}
	}()

	check := func() {
		st := m.Check(ctx)
		if retryTimer != nil {
			retryTimer.Stop()
			retry = nil
		}
		if st.Healthy || ctx.Err() != nil {
			return
		}
		n := st.RetryCount - 1
		if m.cfg.Retry.Exhausted(n) {
			return
		}
		delay := m.cfg.Retry.NextDelay(n)
		m.logger.DebugContext(ctx, "scheduling early re-check",
			slog.Int("retry_count", st.RetryCount),
			slog.Duration("delay", delay),
		)
		retryTimer = time.NewTimer(delay)
		retry = retryTimer.C
	}

	check()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			check()
		case <-retry:
			retry = nil
			check()
		}
	}
}

// Check performs one probe bounded by the configured timeout, records the
// result and returns it.
func (m *Monitor) Check(ctx context.Context) domain.HealthStatus {
	cctx, cancel := context.WithTimeout(ctx, m.cfg.Timeout)
	err := m.probe(cctx)
	cancel()

	m.mu.Lock()
	prev, first := m.status, !m.checked
	m.checked = true
	m.status.LastCheck = m.now()
	if err == nil {
		m.status.Healthy = true
		m.status.RetryCount = 0
		m.status.LastError = ""
	} else {
		m.status.Healthy = false
		m.status.RetryCount++
		m.status.LastError = err.Error()
	}
	st := m.status
	m.mu.Unlock()

	if m.store != nil {
		m.store.SetState(livestore.Patch{Health: &st})
	}

	switch {
	case st.Healthy && (first || !prev.Healthy):
		m.logger.InfoContext(ctx, "backend healthy")
	case !st.Healthy && (first || prev.Healthy):
		m.logger.WarnContext(ctx, "backend unhealthy", slog.String("error", st.LastError))
	case !st.Healthy:
		m.logger.DebugContext(ctx, "backend still unhealthy",
			slog.Int("retry_count", st.RetryCount),
			slog.String("error", st.LastError),
		)
	}
	return st
}

// Status returns the last recorded result.
func (m *Monitor) Status() domain.HealthStatus {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.status
}
