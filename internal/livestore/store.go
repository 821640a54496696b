// Package livestore holds the process-wide view of live trading data: the
// connection state, positions, orders, risk, alerts, prices and quotes.
//
// A Store is an explicit object; construct one per process and hand it to the
// components that read or write it.
package livestore

import (
	"cmp"
	"slices"
	"sync"

	"github.com/alanyoungcy/tradedesk/internal/domain"
)

// State is one snapshot of the store. Snapshots share their slices and maps
// with the store; readers must treat them as immutable.
type State struct {
	Connected bool                    `json:"connected"`
	Status    domain.ConnectionStatus `json:"status"`
	Positions []domain.Record         `json:"positions"`
	Orders    []domain.Record         `json:"orders"`
	Risk      domain.Record           `json:"risk"`
	Alerts    []domain.Alert          `json:"alerts"`
	Prices    map[string]float64      `json:"prices"`
	Quotes    map[string]domain.Quote `json:"quotes"`
	Events    []domain.Event          `json:"events"`
	Health    domain.HealthStatus     `json:"health"`
}

// Defaults returns the initial state: empty collections and no risk state.
func Defaults() State {
	return State{
		Positions: []domain.Record{},
		Orders:    []domain.Record{},
		Alerts:    []domain.Alert{},
		Prices:    map[string]float64{},
		Quotes:    map[string]domain.Quote{},
		Events:    []domain.Event{},
	}
}

// Patch is a partial update. Nil fields are left unchanged; non-nil fields
// replace the current value wholesale. Use an empty, non-nil slice or map to
// clear a collection, and Ref to build the pointer fields.
type Patch struct {
	Connected *bool
	Status    *domain.ConnectionStatus
	Positions []domain.Record
	Orders    []domain.Record
	Risk      *domain.Record
	Alerts    []domain.Alert
	Prices    map[string]float64
	Quotes    map[string]domain.Quote
	Events    []domain.Event
	Health    *domain.HealthStatus
}

// Ref returns a pointer to v, for Patch fields.
func Ref[T any](v T) *T { return &v }

func (p Patch) apply(s *State) {
	if p.Connected != nil {
		s.Connected = *p.Connected
	}
	if p.Status != nil {
		s.Status = *p.Status
	}
	if p.Positions != nil {
		s.Positions = p.Positions
	}
	if p.Orders != nil {
		s.Orders = p.Orders
	}
	if p.Risk != nil {
		s.Risk = *p.Risk
	}
	if p.Alerts != nil {
		s.Alerts = p.Alerts
	}
	if p.Prices != nil {
		s.Prices = p.Prices
	}
	if p.Quotes != nil {
		s.Quotes = p.Quotes
	}
	if p.Events != nil {
		s.Events = p.Events
	}
	if p.Health != nil {
		s.Health = *p.Health
	}
}

// Listener receives a snapshot after every change.
type Listener func(State)

type subscription struct {
	id     uint64
	fn     Listener
	since  uint64
	active bool
}

type notification struct {
	seq   uint64
	state State
}

// Store is the shared client store. All methods are safe for concurrent use.
type Store struct {
	mu    sync.Mutex
	state State
	seq   uint64
	subs  map[uint64]*subscription
	next  uint64

	// Delivery queue. Notifications go out one at a time in SetState order.
	qmu      sync.Mutex
	pending  []notification
	draining bool
}

// New returns a store holding Defaults.
func New() *Store {
	return &Store{state: Defaults(), subs: make(map[uint64]*subscription)}
}

// GetState returns the current snapshot.
func (s *Store) GetState() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// SetState merges p into the state and notifies subscribers.
func (s *Store) SetState(p Patch) {
	s.Update(func(State) Patch { return p })
}

// Update computes a patch from the current state and applies it atomically.
// fn runs with the store locked and must not call back into the store.
func (s *Store) Update(fn func(State) Patch) {
	s.mu.Lock()
	fn(s.state).apply(&s.state)
	s.seq++
	s.qmu.Lock()
	s.pending = append(s.pending, notification{seq: s.seq, state: s.state})
	s.qmu.Unlock()
	s.mu.Unlock()

	s.drain()
}

// Subscribe registers fn for every later change. The returned function
// removes it; calling it more than once is harmless.
func (s *Store) Subscribe(fn Listener) (unsubscribe func()) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.subscribeLocked(fn)
}

func (s *Store) subscribeLocked(fn Listener) func() {
	s.next++
	id := s.next
	sub := &subscription{id: id, fn: fn, since: s.seq, active: true}
	s.subs[id] = sub

	return func() {
		s.mu.Lock()
		defer s.mu.Unlock()
		sub.active = false
		delete(s.subs, id)
	}
}

// drain delivers queued notifications unless another goroutine, or an outer
// frame of this one, is already doing so.
func (s *Store) drain() {
	s.qmu.Lock()
	if s.draining {
		s.qmu.Unlock()
		return
	}
	s.draining = true
	for len(s.pending) > 0 {
		n := s.pending[0]
		s.pending[0] = notification{}
		s.pending = s.pending[1:]
		s.qmu.Unlock()

		s.deliver(n)

		s.qmu.Lock()
	}
	s.draining = false
	s.qmu.Unlock()
}

func (s *Store) deliver(n notification) {
	s.mu.Lock()
	subs := make([]*subscription, 0, len(s.subs))
	for _, sub := range s.subs {
		if sub.since < n.seq {
			subs = append(subs, sub)
		}
	}
	s.mu.Unlock()
	slices.SortFunc(subs, func(a, b *subscription) int { return cmp.Compare(a.id, b.id) })

	for _, sub := range subs {
		s.mu.Lock()
		active := sub.active
		s.mu.Unlock()
		if active {
			sub.fn(n.state)
		}
	}
}
