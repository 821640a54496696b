package stream

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/alanyoungcy/tradedesk/internal/backoff"
	"github.com/alanyoungcy/tradedesk/internal/domain"
)

const waitFor = 2 * time.Second

// --- fakes ---

type fakeSession struct {
	frames chan []byte
	errs   chan error
	done   chan struct{}
	once   sync.Once

	mu     sync.Mutex
	writes [][]byte
}

func newFakeSession() *fakeSession {
	return &fakeSession{
		frames: make(chan []byte, 16),
		errs:   make(chan error, 1),
		done:   make(chan struct{}),
	}
}

func (s *fakeSession) Read() ([]byte, error) {
	select {
	case f := <-s.frames:
		return f, nil
	case err := <-s.errs:
		return nil, err
	case <-s.done:
		return nil, io.EOF
	}
}

func (s *fakeSession) Write(data []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.writes = append(s.writes, append([]byte(nil), data...))
	return nil
}

func (s *fakeSession) Close() error {
	s.once.Do(func() { close(s.done) })
	return nil
}

func (s *fakeSession) written() [][]byte {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([][]byte(nil), s.writes...)
}

type fakeTransport struct {
	mu        sync.Mutex
	dials     int
	failFirst int  // the first failFirst dials fail
	failAll   bool // every dial fails
	gate      chan struct{}
	sessions  []*fakeSession
}

func (t *fakeTransport) Name() string { return "fake" }

func (t *fakeTransport) Dial(ctx context.Context) (Session, error) {
	t.mu.Lock()
	t.dials++
	n := t.dials
	gate := t.gate
	t.mu.Unlock()

	if gate != nil {
		select {
		case <-gate:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}

	t.mu.Lock()
	defer t.mu.Unlock()
	if t.failAll || n <= t.failFirst {
		return nil, errors.New("connection refused")
	}
	s := newFakeSession()
	t.sessions = append(t.sessions, s)
	return s, nil
}

func (t *fakeTransport) dialCount() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.dials
}

func (t *fakeTransport) session(i int) *fakeSession {
	t.mu.Lock()
	defer t.mu.Unlock()
	if i >= len(t.sessions) {
		return nil
	}
	return t.sessions[i]
}

type manualTimer struct {
	s       *manualScheduler
	d       time.Duration
	f       func()
	stopped bool
	fired   bool
}

func (t *manualTimer) Stop() bool {
	t.s.mu.Lock()
	defer t.s.mu.Unlock()
	active := !t.stopped && !t.fired
	t.stopped = true
	return active
}

type manualScheduler struct {
	mu     sync.Mutex
	timers []*manualTimer
}

func (s *manualScheduler) AfterFunc(d time.Duration, f func()) Timer {
	s.mu.Lock()
	defer s.mu.Unlock()
	t := &manualTimer{s: s, d: d, f: f}
	s.timers = append(s.timers, t)
	return t
}

func (s *manualScheduler) pending() []*manualTimer {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []*manualTimer
	for _, t := range s.timers {
		if !t.stopped && !t.fired {
			out = append(out, t)
		}
	}
	return out
}

func (s *manualScheduler) scheduled() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.timers)
}

func (s *manualScheduler) fire(t *manualTimer) {
	s.mu.Lock()
	t.fired = true
	s.mu.Unlock()
	t.f()
}

func quietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func newTestConn(tr Transport, h Handlers, p backoff.Policy) (*Conn, *manualScheduler) {
	sched := &manualScheduler{}
	c := NewConn(tr, h, Options{Policy: p, Scheduler: sched, Logger: quietLogger()})
	return c, sched
}

func waitState(t *testing.T, c *Conn, want domain.ConnectionState) {
	t.Helper()
	require.Eventually(t, func() bool { return c.State() == want }, waitFor, time.Millisecond,
		"state never became %s (is %s)", want, c.State())
}

func waitPending(t *testing.T, s *manualScheduler) *manualTimer {
	t.Helper()
	var got *manualTimer
	require.Eventually(t, func() bool {
		p := s.pending()
		if len(p) == 1 {
			got = p[0]
			return true
		}
		return false
	}, waitFor, time.Millisecond)
	return got
}

// --- tests ---

func TestConn_ConnectIsNoOpWhileConnecting(t *testing.T) {
	tr := &fakeTransport{gate: make(chan struct{})}
	c, _ := newTestConn(tr, Handlers{}, backoff.New(time.Second, 10*time.Second, 0))
	defer c.Disconnect()

	c.Connect()
	c.Connect()
	assert.Equal(t, domain.StateConnecting, c.State())

	close(tr.gate)
	waitState(t, c, domain.StateOpen)

	c.Connect()
	assert.Equal(t, 1, tr.dialCount())
}

func TestConn_DeliversDecodedMessages(t *testing.T) {
	tr := &fakeTransport{}
	msgs := make(chan domain.Message, 4)
	c, _ := newTestConn(tr, Handlers{
		OnMessage: func(m domain.Message) { msgs <- m },
	}, backoff.New(time.Second, 10*time.Second, 0))
	defer c.Disconnect()

	c.Connect()
	waitState(t, c, domain.StateOpen)

	s := tr.session(0)
	s.frames <- []byte("not json")
	s.frames <- []byte(`{"type":"price","symbol":"SPY","last":446.50}`)

	select {
	case m := <-msgs:
		assert.Equal(t, domain.PriceMessage{Symbol: "SPY", Last: 446.50}, m)
	case <-time.After(waitFor):
		t.Fatal("no message delivered")
	}
	assert.Empty(t, msgs)
}

func TestConn_ReconnectBackoffAndCap(t *testing.T) {
	tr := &fakeTransport{failAll: true}
	var mu sync.Mutex
	var errs, disconnects int
	c, sched := newTestConn(tr, Handlers{
		OnError:      func(error) { mu.Lock(); errs++; mu.Unlock() },
		OnDisconnect: func() { mu.Lock(); disconnects++; mu.Unlock() },
	}, backoff.New(time.Second, 10*time.Second, 3))

	c.Connect()

	wantDelays := []time.Duration{time.Second, 2 * time.Second, 4 * time.Second}
	for i, want := range wantDelays {
		tm := waitPending(t, sched)
		assert.Equal(t, want, tm.d, "retry %d", i+1)
		assert.Equal(t, i+1, c.Status().Attempts)
		sched.fire(tm)
	}

	// The fourth dial fails and the budget is spent.
	require.Eventually(t, func() bool { return c.Status().Exhausted }, waitFor, time.Millisecond)
	assert.Empty(t, sched.pending())
	assert.Equal(t, 3, sched.scheduled())
	assert.Equal(t, 4, tr.dialCount())
	st := c.Status()
	assert.Equal(t, domain.StateClosed, st.State)
	assert.Equal(t, "connection refused", st.LastError)

	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return errs == 4 && disconnects == 4
	}, waitFor, time.Millisecond)

	// Only a manual retry leaves the parked state.
	tr.mu.Lock()
	tr.failAll = false
	tr.mu.Unlock()
	c.RetryConnection()
	waitState(t, c, domain.StateOpen)
	assert.Equal(t, 5, tr.dialCount())
	assert.Equal(t, 0, c.Status().Attempts)
	c.Disconnect()
}

func TestConn_DisconnectCancelsPendingReconnect(t *testing.T) {
	tr := &fakeTransport{failAll: true}
	c, sched := newTestConn(tr, Handlers{}, backoff.New(time.Second, 10*time.Second, 0))

	c.Connect()
	tm := waitPending(t, sched)

	c.Disconnect()
	assert.True(t, tm.stopped)

	// A timer that slipped past Stop must still do nothing.
	sched.fire(tm)
	assert.Equal(t, 1, tr.dialCount())
	assert.Equal(t, domain.StateClosed, c.State())

	c.Disconnect()
	assert.Equal(t, domain.StateClosed, c.State())
}

func TestConn_ExplicitDisconnectDoesNotReconnect(t *testing.T) {
	tr := &fakeTransport{}
	disconnected := make(chan struct{}, 4)
	c, sched := newTestConn(tr, Handlers{
		OnDisconnect: func() { disconnected <- struct{}{} },
	}, backoff.New(time.Second, 10*time.Second, 0))

	c.Connect()
	waitState(t, c, domain.StateOpen)
	c.Disconnect()

	select {
	case <-disconnected:
	case <-time.After(waitFor):
		t.Fatal("OnDisconnect not called")
	}
	// Give the read goroutine time to observe the closed session.
	time.Sleep(20 * time.Millisecond)
	assert.Zero(t, sched.scheduled())
	assert.Len(t, disconnected, 0)
}

func TestConn_ResetsAttemptsOnOpen(t *testing.T) {
	tr := &fakeTransport{failFirst: 2}
	connected := make(chan struct{}, 1)
	c, sched := newTestConn(tr, Handlers{
		OnConnect: func() { connected <- struct{}{} },
	}, backoff.New(time.Second, 30*time.Second, 5))
	defer c.Disconnect()

	c.Connect()
	sched.fire(waitPending(t, sched))
	tm := waitPending(t, sched)
	assert.Equal(t, 2*time.Second, tm.d)
	assert.Equal(t, 2, c.Status().Attempts)
	sched.fire(tm)

	select {
	case <-connected:
	case <-time.After(waitFor):
		t.Fatal("never connected")
	}
	st := c.Status()
	assert.Equal(t, domain.StateOpen, st.State)
	assert.Equal(t, "connected", st.Badge)
	assert.Zero(t, st.Attempts)
	assert.Empty(t, st.LastError)

	// A later drop starts again from the base delay.
	tr.session(0).Close()
	tm = waitPending(t, sched)
	assert.Equal(t, time.Second, tm.d)
}

func TestConn_ErrorThenCloseSchedulesOnce(t *testing.T) {
	tr := &fakeTransport{}
	var mu sync.Mutex
	var errs []error
	c, sched := newTestConn(tr, Handlers{
		OnError: func(err error) { mu.Lock(); errs = append(errs, err); mu.Unlock() },
	}, backoff.New(time.Second, 10*time.Second, 0))
	defer c.Disconnect()

	c.Connect()
	waitState(t, c, domain.StateOpen)

	s := tr.session(0)
	s.errs <- errors.New("connection reset by peer")
	waitPending(t, sched)
	s.Close()

	time.Sleep(20 * time.Millisecond)
	assert.Equal(t, 1, sched.scheduled())
	mu.Lock()
	require.Len(t, errs, 1)
	assert.EqualError(t, errs[0], "connection reset by peer")
	mu.Unlock()
	assert.Equal(t, domain.StateClosed, c.State())
}

func (s *fakeSession) isClosed() bool {
	select {
	case <-s.done:
		return true
	default:
		return false
	}
}

// A retry racing a transport error must never strand the failed session.
func TestConn_RetryDuringErrorClosesFailedSession(t *testing.T) {
	for i := 0; i < 50; i++ {
		tr := &fakeTransport{}
		c, _ := newTestConn(tr, Handlers{}, backoff.New(time.Second, 10*time.Second, 0))

		c.Connect()
		waitState(t, c, domain.StateOpen)
		s := tr.session(0)

		done := make(chan struct{})
		go func() {
			defer close(done)
			for j := 0; j < 200; j++ {
				c.RetryConnection()
			}
		}()
		s.errs <- errors.New("connection reset by peer")
		<-done

		require.Eventually(t, s.isClosed, waitFor, time.Millisecond, "failed session left open")
		c.Disconnect()
		require.Eventually(t, func() bool {
			tr.mu.Lock()
			defer tr.mu.Unlock()
			for _, sess := range tr.sessions {
				if !sess.isClosed() {
					return false
				}
			}
			return true
		}, waitFor, time.Millisecond, "session leaked after disconnect")
	}
}

func TestConn_SendMessage(t *testing.T) {
	tr := &fakeTransport{}
	c, _ := newTestConn(tr, Handlers{}, backoff.New(time.Second, 10*time.Second, 0))

	assert.False(t, c.SendMessage(domain.ControlMessage{Action: domain.ActionUnsubscribeAll}))

	c.Connect()
	waitState(t, c, domain.StateOpen)
	assert.True(t, c.SendMessage(domain.ControlMessage{Action: domain.ActionSubscribe, Symbols: []string{"SPY"}}))
	assert.False(t, c.SendMessage(func() {}))

	writes := tr.session(0).written()
	require.Len(t, writes, 1)
	assert.JSONEq(t, `{"action":"subscribe","symbols":["SPY"]}`, string(writes[0]))

	c.Disconnect()
	assert.False(t, c.SendMessage(map[string]string{"action": "ping"}))
}

func TestConn_CallbacksMayReenter(t *testing.T) {
	tr := &fakeTransport{}
	var c *Conn
	sent := make(chan bool, 1)
	c, _ = newTestConn(tr, Handlers{
		OnConnect: func() {
			sent <- c.SendMessage(domain.ControlMessage{Action: domain.ActionSubscribe, Symbols: []string{"QQQ"}})
		},
	}, backoff.New(time.Second, 10*time.Second, 0))
	defer c.Disconnect()

	c.Connect()
	select {
	case ok := <-sent:
		assert.True(t, ok)
	case <-time.After(waitFor):
		t.Fatal("OnConnect not called")
	}
}

func TestConn_StatusCallbackSequence(t *testing.T) {
	tr := &fakeTransport{}
	var mu sync.Mutex
	var states []domain.ConnectionState
	c, _ := newTestConn(tr, Handlers{
		OnStatus: func(st domain.ConnectionStatus) {
			mu.Lock()
			states = append(states, st.State)
			mu.Unlock()
		},
	}, backoff.New(time.Second, 10*time.Second, 0))

	c.Connect()
	waitState(t, c, domain.StateOpen)
	c.Disconnect()

	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(states) == 3
	}, waitFor, time.Millisecond)
	mu.Lock()
	assert.Equal(t, []domain.ConnectionState{domain.StateConnecting, domain.StateOpen, domain.StateClosed}, states)
	mu.Unlock()
}
