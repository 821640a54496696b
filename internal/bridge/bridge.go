// Package bridge connects the backend's HTTP snapshot endpoints to the live
// stream: it primes the store before the stream connects, and drives the
// market data subscription.
package bridge

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"maps"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/alanyoungcy/tradedesk/internal/domain"
	"github.com/alanyoungcy/tradedesk/internal/livestore"
	"github.com/alanyoungcy/tradedesk/internal/stream"
	"github.com/alanyoungcy/tradedesk/internal/upstream"
)

// Backend is the subset of the upstream client the bridge uses.
type Backend interface {
	StreamState(ctx context.Context) (upstream.StreamState, error)
	StartStream(ctx context.Context, symbols []string) (json.RawMessage, error)
	StopStream(ctx context.Context) (json.RawMessage, error)
	SymbolSnapshot(ctx context.Context, symbol string) (json.RawMessage, error)
}

// Conn is the stream connection the bridge controls.
type Conn interface {
	Connect()
	Disconnect()
	SendMessage(v any) bool
}

// Bridge owns the boot sequence and the set of streamed symbols.
type Bridge struct {
	store   *livestore.Store
	backend Backend
	logger  *slog.Logger
	now     func() time.Time

	mu        sync.Mutex
	conn      Conn
	symbols   []string
	streaming bool
}

// New returns a bridge. Attach a connection before calling Start.
func New(store *livestore.Store, backend Backend, logger *slog.Logger) *Bridge {
	if logger == nil {
		logger = slog.Default()
	}
	return &Bridge{
		store:   store,
		backend: backend,
		logger:  logger.With(slog.String("component", "bridge")),
		now:     time.Now,
	}
}

// Attach sets the connection driven by Start, Stop and the stream controls.
func (b *Bridge) Attach(conn Conn) {
	b.mu.Lock()
	b.conn = conn
	b.mu.Unlock()
}

// Handlers wraps h so the bridge re-sends its subscription after every
// (re)connect.
func (b *Bridge) Handlers(h stream.Handlers) stream.Handlers {
	next := h.OnConnect
	h.OnConnect = func() {
		if next != nil {
			next()
		}
		b.resubscribe()
	}
	return h
}

// Prime loads the stream-state snapshot into the store. Failures are logged
// and otherwise ignored; the stream fills the store once it connects.
func (b *Bridge) Prime(ctx context.Context) {
	st, err := b.backend.StreamState(ctx)
	if err != nil {
		b.logger.WarnContext(ctx, "snapshot failed, continuing without it", slog.String("error", err.Error()))
		return
	}

	p := livestore.Patch{
		Positions: nonNil(st.Positions),
		Orders:    nonNil(st.Orders),
		Risk:      livestore.Ref(st.Risk),
	}
	if st.Prices != nil {
		p.Prices = st.Prices
	}
	b.store.SetState(p)

	b.logger.InfoContext(ctx, "store primed",
		slog.Int("positions", len(p.Positions)),
		slog.Int("orders", len(p.Orders)),
		slog.Int("prices", len(st.Prices)),
	)
}

// Start primes the store and then connects the stream.
func (b *Bridge) Start(ctx context.Context) {
	b.Prime(ctx)
	if conn := b.attached(); conn != nil {
		conn.Connect()
	}
}

// Stop disconnects the stream.
func (b *Bridge) Stop() {
	if conn := b.attached(); conn != nil {
		conn.Disconnect()
	}
}

// StartStreaming asks the backend to stream symbols and subscribes the open
// connection to them. The symbols are re-sent after every reconnect.
func (b *Bridge) StartStreaming(ctx context.Context, symbols []string) (json.RawMessage, error) {
	symbols = cleanSymbols(symbols)
	if len(symbols) == 0 {
		return nil, fmt.Errorf("bridge: start streaming: no symbols")
	}

	body, err := b.backend.StartStream(ctx, symbols)
	if err != nil {
		return nil, fmt.Errorf("bridge: start streaming: %w", err)
	}

	b.mu.Lock()
	b.symbols = symbols
	b.streaming = true
	conn := b.conn
	b.mu.Unlock()

	if conn != nil {
		conn.SendMessage(domain.ControlMessage{Action: domain.ActionSubscribe, Symbols: symbols})
	}
	b.logger.InfoContext(ctx, "streaming started", slog.Any("symbols", symbols))
	return body, nil
}

// StopStreaming asks the backend to stop and drops the subscription. The
// local subscription is cleared even when the backend call fails.
func (b *Bridge) StopStreaming(ctx context.Context) (json.RawMessage, error) {
	body, err := b.backend.StopStream(ctx)

	b.mu.Lock()
	b.symbols = nil
	b.streaming = false
	conn := b.conn
	b.mu.Unlock()

	if conn != nil {
		conn.SendMessage(domain.ControlMessage{Action: domain.ActionUnsubscribeAll})
	}
	if err != nil {
		return nil, fmt.Errorf("bridge: stop streaming: %w", err)
	}
	b.logger.InfoContext(ctx, "streaming stopped")
	return body, nil
}

// Streaming reports whether a subscription is active and its symbols.
func (b *Bridge) Streaming() (bool, []string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.streaming, slices.Clone(b.symbols)
}

// SymbolSnapshot fetches one quote and merges it into the store. The quote is
// marked realtime only when the backend says so.
func (b *Bridge) SymbolSnapshot(ctx context.Context, symbol string) (domain.Quote, error) {
	symbol = strings.ToUpper(strings.TrimSpace(symbol))
	if symbol == "" {
		return domain.Quote{}, fmt.Errorf("bridge: snapshot: symbol is required")
	}

	body, err := b.backend.SymbolSnapshot(ctx, symbol)
	if err != nil {
		return domain.Quote{}, fmt.Errorf("bridge: snapshot: %w", err)
	}
	q, err := stream.DecodeQuote(body, false)
	if err != nil {
		return domain.Quote{}, fmt.Errorf("bridge: snapshot: %w", err)
	}
	if q.Symbol == "" {
		q.Symbol = symbol
	}
	q.ReceivedAt = b.now()

	b.store.Update(func(st livestore.State) livestore.Patch {
		quotes := make(map[string]domain.Quote, len(st.Quotes)+1)
		maps.Copy(quotes, st.Quotes)
		quotes[symbol] = q
		return livestore.Patch{Quotes: quotes}
	})
	return q, nil
}

func (b *Bridge) resubscribe() {
	b.mu.Lock()
	symbols := slices.Clone(b.symbols)
	conn := b.conn
	b.mu.Unlock()

	if conn == nil || len(symbols) == 0 {
		return
	}
	if conn.SendMessage(domain.ControlMessage{Action: domain.ActionSubscribe, Symbols: symbols}) {
		b.logger.Info("resubscribed", slog.Int("symbols", len(symbols)))
	}
}

func (b *Bridge) attached() Conn {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.conn
}

func cleanSymbols(in []string) []string {
	seen := make(map[string]bool, len(in))
	out := make([]string, 0, len(in))
	for _, s := range in {
		s = strings.ToUpper(strings.TrimSpace(s))
		if s == "" || seen[s] {
			continue
		}
		seen[s] = true
		out = append(out, s)
	}
	return out
}

func nonNil(items []domain.Record) []domain.Record {
	if items == nil {
		return []domain.Record{}
	}
	return items
}
