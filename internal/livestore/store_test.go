package livestore

import (
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/alanyoungcy/tradedesk/internal/domain"
)

func TestDefaults(t *testing.T) {
	st := New().GetState()
	assert.False(t, st.Connected)
	assert.NotNil(t, st.Positions)
	assert.Empty(t, st.Positions)
	assert.NotNil(t, st.Prices)
	assert.Empty(t, st.Quotes)
	assert.Nil(t, st.Risk)
	assert.Equal(t, domain.StateIdle, st.Status.State)
}

func TestSetState_ShallowMerge(t *testing.T) {
	s := New()
	positions := []domain.Record{{"symbol": "SPY", "qty": 10.0}}
	s.SetState(Patch{Positions: positions, Connected: Ref(true)})
	s.SetState(Patch{Prices: map[string]float64{"SPY": 446.5}})

	st := s.GetState()
	assert.True(t, st.Connected)
	assert.Equal(t, positions, st.Positions)
	assert.Equal(t, map[string]float64{"SPY": 446.5}, st.Prices)

	// Pointer fields can clear as well as set.
	s.SetState(Patch{Risk: Ref(domain.Record{"var": 1.0})})
	assert.NotNil(t, s.GetState().Risk)
	s.SetState(Patch{Risk: Ref(domain.Record(nil)), Connected: Ref(false)})
	assert.Nil(t, s.GetState().Risk)
	assert.False(t, s.GetState().Connected)
	assert.Equal(t, positions, s.GetState().Positions)
}

func TestSubscribe_Unsubscribe(t *testing.T) {
	s := New()
	var got []bool
	unsub := s.Subscribe(func(st State) { got = append(got, st.Connected) })

	s.SetState(Patch{Connected: Ref(true)})
	s.SetState(Patch{Connected: Ref(false)})
	unsub()
	unsub()
	s.SetState(Patch{Connected: Ref(true)})

	assert.Equal(t, []bool{true, false}, got)
}

func TestSetState_ReentrantListenerIsQueued(t *testing.T) {
	s := New()
	var order []string

	s.Subscribe(func(st State) {
		order = append(order, "a:"+boolStr(st.Connected))
		if st.Connected {
			s.SetState(Patch{Connected: Ref(false)})
			order = append(order, "a:after-set")
		}
	})
	s.Subscribe(func(st State) {
		order = append(order, "b:"+boolStr(st.Connected))
	})

	s.SetState(Patch{Connected: Ref(true)})

	assert.Equal(t, []string{
		"a:true", "a:after-set", "b:true",
		"a:false", "b:false",
	}, order)
}

func TestSetState_ConcurrentWritersDeliverInOrder(t *testing.T) {
	s := New()
	var (
		mu   sync.Mutex
		seen []int
	)
	s.Subscribe(func(st State) {
		mu.Lock()
		seen = append(seen, len(st.Alerts))
		mu.Unlock()
	})

	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			s.Update(func(st State) Patch {
				alerts := append(append([]domain.Alert(nil), st.Alerts...), domain.Alert{Msg: "x"})
				return Patch{Alerts: alerts}
			})
		}()
	}
	wg.Wait()

	require.Len(t, s.GetState().Alerts, 50)
	mu.Lock()
	defer mu.Unlock()
	require.Len(t, seen, 50)
	for i, n := range seen {
		assert.Equal(t, i+1, n)
	}
}

func TestWatch_FiresOnReferenceChange(t *testing.T) {
	s := New()
	var positionsCalls, pricesCalls, connectedCalls int
	s.WatchPositions(func([]domain.Record) { positionsCalls++ })
	s.WatchPrices(func(map[string]float64) { pricesCalls++ })
	s.WatchConnected(func(bool) { connectedCalls++ })

	positions := []domain.Record{{"symbol": "SPY"}}
	s.SetState(Patch{Positions: positions})
	s.SetState(Patch{Positions: positions}) // same slice
	s.SetState(Patch{Prices: map[string]float64{"SPY": 1}})
	s.SetState(Patch{Connected: Ref(false)}) // unchanged scalar
	s.SetState(Patch{Connected: Ref(true)})

	assert.Equal(t, 1, positionsCalls)
	assert.Equal(t, 1, pricesCalls)
	assert.Equal(t, 1, connectedCalls)

	// New slice with equal contents is still a change.
	s.SetState(Patch{Positions: []domain.Record{{"symbol": "SPY"}}})
	assert.Equal(t, 2, positionsCalls)
}

func TestWatch_StatusAndRisk(t *testing.T) {
	s := New()
	var statuses []domain.ConnectionState
	var risks []domain.Record
	s.WatchStatus(func(st domain.ConnectionStatus) { statuses = append(statuses, st.State) })
	s.WatchRisk(func(r domain.Record) { risks = append(risks, r) })

	open := domain.ConnectionStatus{State: domain.StateOpen, Badge: "connected"}
	s.SetState(Patch{Status: &open})
	s.SetState(Patch{Status: &open})
	s.SetState(Patch{Risk: Ref(domain.Record{"max_loss": 500.0})})

	assert.Equal(t, []domain.ConnectionState{domain.StateOpen}, statuses)
	require.Len(t, risks, 1)
	assert.Equal(t, 500.0, risks[0]["max_loss"])
}

func TestWatch_UnsubscribeStops(t *testing.T) {
	s := New()
	calls := 0
	unsub := s.WatchAlerts(func([]domain.Alert) { calls++ })
	s.SetState(Patch{Alerts: []domain.Alert{{Msg: "a"}}})
	unsub()
	s.SetState(Patch{Alerts: []domain.Alert{{Msg: "b"}}})
	assert.Equal(t, 1, calls)
}

func TestSameRef(t *testing.T) {
	a := []int{1, 2, 3}
	m := map[string]int{"x": 1}

	assert.True(t, sameRef(a, a))
	assert.False(t, sameRef(a, a[:2]))
	assert.False(t, sameRef(a, []int{1, 2, 3}))
	assert.True(t, sameRef(m, m))
	assert.False(t, sameRef(m, map[string]int{"x": 1}))
	assert.True(t, sameRef(3, 3))
	assert.False(t, sameRef("a", "b"))
	assert.True(t, sameRef([]int(nil), []int(nil)))
	assert.False(t, sameRef([]int(nil), a))
	assert.True(t, sameRef(nil, nil))
}

func boolStr(b bool) string {
	if b {
		return "true"
	}
	return "false"
}
