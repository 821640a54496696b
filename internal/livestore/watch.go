package livestore

import (
	"reflect"

	"github.com/alanyoungcy/tradedesk/internal/domain"
)

// Watch calls fn with sel(state) whenever that value changes. Slices and maps
// are compared by identity, not content, so a writer that replaces a
// collection always triggers fn and one that leaves it alone never does.
func Watch[T any](s *Store, sel func(State) T, fn func(T)) (unsubscribe func()) {
	s.mu.Lock()
	defer s.mu.Unlock()

	prev := sel(s.state)
	return s.subscribeLocked(func(st State) {
		next := sel(st)
		if sameRef(prev, next) {
			return
		}
		prev = next
		fn(next)
	})
}

// WatchConnected calls fn when the connected flag flips.
func (s *Store) WatchConnected(fn func(bool)) func() {
	return Watch(s, func(st State) bool { return st.Connected }, fn)
}

// WatchStatus calls fn on every connection status change.
func (s *Store) WatchStatus(fn func(domain.ConnectionStatus)) func() {
	return Watch(s, func(st State) domain.ConnectionStatus { return st.Status }, fn)
}

// WatchPositions calls fn when the positions list is replaced.
func (s *Store) WatchPositions(fn func([]domain.Record)) func() {
	return Watch(s, func(st State) []domain.Record { return st.Positions }, fn)
}

// WatchOrders calls fn when the orders list is replaced.
func (s *Store) WatchOrders(fn func([]domain.Record)) func() {
	return Watch(s, func(st State) []domain.Record { return st.Orders }, fn)
}

// WatchRisk calls fn when the risk record is replaced.
func (s *Store) WatchRisk(fn func(domain.Record)) func() {
	return Watch(s, func(st State) domain.Record { return st.Risk }, fn)
}

// WatchAlerts calls fn when an alert is appended.
func (s *Store) WatchAlerts(fn func([]domain.Alert)) func() {
	return Watch(s, func(st State) []domain.Alert { return st.Alerts }, fn)
}

// WatchPrices calls fn when any price changes.
func (s *Store) WatchPrices(fn func(map[string]float64)) func() {
	return Watch(s, func(st State) map[string]float64 { return st.Prices }, fn)
}

// WatchQuotes calls fn when any quote changes.
func (s *Store) WatchQuotes(fn func(map[string]domain.Quote)) func() {
	return Watch(s, func(st State) map[string]domain.Quote { return st.Quotes }, fn)
}

// WatchEvents calls fn when an unrecognised frame is recorded.
func (s *Store) WatchEvents(fn func([]domain.Event)) func() {
	return Watch(s, func(st State) []domain.Event { return st.Events }, fn)
}

// WatchHealth calls fn when the backend health result changes.
func (s *Store) WatchHealth(fn func(domain.HealthStatus)) func() {
	return Watch(s, func(st State) domain.HealthStatus { return st.Health }, fn)
}

// sameRef reports whether a and b are the same reference (slices, maps,
// pointers) or the same value (everything else).
func sameRef(a, b any) bool {
	va, vb := reflect.ValueOf(a), reflect.ValueOf(b)
	if !va.IsValid() || !vb.IsValid() {
		return va.IsValid() == vb.IsValid()
	}
	if va.Type() != vb.Type() {
		return false
	}

	switch va.Kind() {
	case reflect.Slice:
		if va.IsNil() || vb.IsNil() {
			return va.IsNil() == vb.IsNil()
		}
		return va.UnsafePointer() == vb.UnsafePointer() && va.Len() == vb.Len()
	case reflect.Map, reflect.Pointer, reflect.Chan, reflect.Func, reflect.UnsafePointer:
		return va.UnsafePointer() == vb.UnsafePointer()
	}
	if va.Comparable() {
		return va.Equal(vb)
	}
	return reflect.DeepEqual(a, b)
}
