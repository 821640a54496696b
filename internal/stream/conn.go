package stream

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"sync"
	"time"

	"github.com/alanyoungcy/tradedesk/internal/backoff"
	"github.com/alanyoungcy/tradedesk/internal/domain"
)

// defaultDialTimeout bounds a single handshake.
const defaultDialTimeout = 10 * time.Second

// Handlers are the lifecycle callbacks of a Conn. Any of them may be nil.
// Callbacks for one Conn never run concurrently and never run while the
// Conn's lock is held, so they may call back into the Conn. OnFrame sees every
// raw frame, including ones that fail to decode.
type Handlers struct {
	OnConnect    func()
	OnDisconnect func()
	OnMessage    func(domain.Message)
	OnFrame      func([]byte)
	OnError      func(error)
	OnStatus     func(domain.ConnectionStatus)
}

// Options configures a Conn.
type Options struct {
	Policy      backoff.Policy
	Scheduler   Scheduler
	DialTimeout time.Duration
	Logger      *slog.Logger
}

// attempt is one physical transport connection. The close path runs at most
// once per attempt, which is what keeps an error followed by a close from
// scheduling two reconnects.
type attempt struct {
	id      uint64
	cancel  context.CancelFunc
	session Session
	closed  bool
}

// Conn is the connection state machine for one logical stream. It owns at
// most one transport session at a time and reconnects on close per its
// backoff policy.
type Conn struct {
	transport Transport
	handlers  Handlers
	policy    backoff.Policy
	sched     Scheduler
	dialTO    time.Duration
	logger    *slog.Logger

	mu       sync.Mutex
	state    domain.ConnectionState
	attempts int
	nextID   uint64
	current  *attempt
	timer    Timer
	timerID  uint64
	lastErr  string

	calls callQueue
}

// NewConn creates an idle Conn. Nothing is dialled until Connect.
func NewConn(transport Transport, handlers Handlers, opts Options) *Conn {
	if opts.Scheduler == nil {
		opts.Scheduler = SystemScheduler
	}
	if opts.DialTimeout <= 0 {
		opts.DialTimeout = defaultDialTimeout
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	return &Conn{
		transport: transport,
		handlers:  handlers,
		policy:    opts.Policy,
		sched:     opts.Scheduler,
		dialTO:    opts.DialTimeout,
		logger:    opts.Logger.With(slog.String("component", "stream"), slog.String("transport", transport.Name())),
		state:     domain.StateIdle,
	}
}

// Connect opens the transport unless a session is already open or being
// opened. It never blocks; the handshake runs in the background.
func (c *Conn) Connect() {
	c.mu.Lock()
	c.connectLocked()
	c.mu.Unlock()
	c.calls.drain()
}

func (c *Conn) connectLocked() {
	if c.state == domain.StateOpen || c.state == domain.StateConnecting {
		return
	}
	c.stopTimerLocked()

	c.nextID++
	ctx, cancel := context.WithTimeout(context.Background(), c.dialTO)
	a := &attempt{id: c.nextID, cancel: cancel}
	c.current = a
	c.setStateLocked(domain.StateConnecting)

	c.logger.Debug("connecting", slog.Uint64("attempt_id", a.id), slog.Int("attempts", c.attempts))
	go c.run(ctx, a)
}

// Disconnect cancels any pending reconnect, closes the session and parks the
// Conn in closed. Calling it again is a no-op.
func (c *Conn) Disconnect() {
	c.mu.Lock()
	c.stopTimerLocked()

	a := c.current
	c.current = nil
	wasOpen := c.state == domain.StateOpen
	if c.state != domain.StateClosed {
		c.setStateLocked(domain.StateClosed)
	}
	if wasOpen {
		c.calls.push(c.handlers.OnDisconnect)
	}
	c.mu.Unlock()

	if a != nil {
		a.cancel()
		if a.session != nil {
			_ = a.session.Close()
		}
		c.logger.Info("disconnected")
	}
	c.calls.drain()
}

// RetryConnection clears the attempt counter and connects. It is the way out
// of the parked state once the retry budget is spent.
func (c *Conn) RetryConnection() {
	c.mu.Lock()
	c.attempts = 0
	c.connectLocked()
	c.mu.Unlock()
	c.calls.drain()
}

// SendMessage JSON-encodes v and writes it when the session is open. It
// reports false instead of queueing when it is not.
func (c *Conn) SendMessage(v any) bool {
	c.mu.Lock()
	var sess Session
	if c.state == domain.StateOpen && c.current != nil {
		sess = c.current.session
	}
	c.mu.Unlock()

	if sess == nil {
		c.logger.Warn("not connected, message not sent")
		return false
	}

	data, ok := v.([]byte)
	if !ok {
		var err error
		data, err = json.Marshal(v)
		if err != nil {
			c.logger.Warn("message not sent", slog.String("error", err.Error()))
			return false
		}
	}

	if err := sess.Write(data); err != nil {
		c.logger.Warn("message not sent", slog.String("error", err.Error()))
		return false
	}
	return true
}

// Status returns the current connection status.
func (c *Conn) Status() domain.ConnectionStatus {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.statusLocked()
}

// State returns the current lifecycle state.
func (c *Conn) State() domain.ConnectionState {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

func (c *Conn) statusLocked() domain.ConnectionStatus {
	return domain.ConnectionStatus{
		State:       c.state,
		Badge:       c.state.Badge(),
		Attempts:    c.attempts,
		MaxAttempts: c.policy.MaxAttempts,
		Exhausted:   c.state == domain.StateClosed && c.current == nil && c.timer == nil && c.policy.Exhausted(c.attempts),
		LastError:   c.lastErr,
	}
}

func (c *Conn) setStateLocked(s domain.ConnectionState) {
	c.state = s
	if c.handlers.OnStatus != nil {
		st := c.statusLocked()
		c.calls.push(func() { c.handlers.OnStatus(st) })
	}
}

func (c *Conn) stopTimerLocked() {
	if c.timer != nil {
		c.timer.Stop()
		c.timer = nil
	}
	c.timerID++
}

// run dials, then reads until the session ends. Every callback for one
// attempt originates here.
func (c *Conn) run(ctx context.Context, a *attempt) {
	sess, err := c.transport.Dial(ctx)
	a.cancel()

	c.mu.Lock()
	if c.current != a {
		// Torn down or superseded while dialling.
		c.mu.Unlock()
		if sess != nil {
			_ = sess.Close()
		}
		return
	}
	if err != nil {
		c.mu.Unlock()
		c.fail(a, err)
		return
	}
	a.session = sess
	c.attempts = 0
	c.lastErr = ""
	c.setStateLocked(domain.StateOpen)
	c.calls.push(c.handlers.OnConnect)
	c.mu.Unlock()

	c.logger.Info("connected")
	c.calls.drain()

	for {
		data, err := sess.Read()
		if err != nil {
			if errors.Is(err, io.EOF) {
				c.closed(a)
			} else {
				c.fail(a, err)
			}
			return
		}

		if !c.isCurrent(a) {
			return
		}
		if c.handlers.OnFrame != nil {
			c.calls.push(func() { c.handlers.OnFrame(data) })
		}
		msg := Decode(data)
		if msg == nil {
			c.logger.Debug("dropping malformed frame", slog.Int("bytes", len(data)))
		} else if c.handlers.OnMessage != nil {
			c.calls.push(func() { c.handlers.OnMessage(msg) })
		}
		c.calls.drain()
	}
}

func (c *Conn) isCurrent(a *attempt) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.current == a
}

// fail reports a transport error and then runs the close path, mirroring the
// error-then-close pair a browser socket raises for one failure.
func (c *Conn) fail(a *attempt, err error) {
	c.mu.Lock()
	if c.current != a || a.closed {
		c.mu.Unlock()
		return
	}
	c.lastErr = err.Error()
	c.setStateLocked(domain.StateError)
	if c.handlers.OnError != nil {
		c.calls.push(func() { c.handlers.OnError(err) })
	}
	// Close under the same lock: Connect must never observe StateError.
	res := c.closeLocked(a)
	c.mu.Unlock()

	c.logger.Warn("transport error", slog.String("error", err.Error()))
	c.finishClose(res)
}

// closed runs the close path for a session that ended without an error.
func (c *Conn) closed(a *attempt) {
	c.mu.Lock()
	if c.current != a || a.closed {
		c.mu.Unlock()
		return
	}
	res := c.closeLocked(a)
	c.mu.Unlock()
	c.finishClose(res)
}

type closeResult struct {
	session   Session
	delay     time.Duration
	scheduled bool
	attempts  int
}

// closeLocked retires a and is the only place a reconnect is scheduled.
// c.mu must be held and a must be current.
func (c *Conn) closeLocked(a *attempt) closeResult {
	a.closed = true
	c.current = nil
	res := closeResult{session: a.session}

	if !c.policy.Exhausted(c.attempts) {
		res.delay = c.policy.NextDelay(c.attempts)
		c.attempts++
		c.stopTimerLocked()
		id := c.timerID
		c.timer = c.sched.AfterFunc(res.delay, func() { c.reconnect(id) })
		res.scheduled = true
	}
	c.setStateLocked(domain.StateClosed)
	c.calls.push(c.handlers.OnDisconnect)
	res.attempts = c.attempts
	return res
}

func (c *Conn) finishClose(res closeResult) {
	if res.session != nil {
		_ = res.session.Close()
	}
	if res.scheduled {
		c.logger.Info("reconnecting",
			slog.Int("attempt", res.attempts),
			slog.Int("max_attempts", c.policy.MaxAttempts),
			slog.Duration("delay", res.delay),
		)
	} else {
		c.logger.Warn("retry budget exhausted, waiting for manual retry",
			slog.Int("attempts", res.attempts),
		)
	}
	c.calls.drain()
}

func (c *Conn) reconnect(id uint64) {
	c.mu.Lock()
	if c.timerID != id || c.timer == nil {
		c.mu.Unlock()
		return
	}
	c.timer = nil
	c.connectLocked()
	c.mu.Unlock()
	c.calls.drain()
}
