package stream

import "sync"

// callQueue runs queued callbacks one at a time in push order. A callback may
// push more work; it runs after the current callback returns, never nested.
type callQueue struct {
	mu      sync.Mutex
	pending []func()
	running bool
}

func (q *callQueue) push(fn func()) {
	if fn == nil {
		return
	}
	q.mu.Lock()
	q.pending = append(q.pending, fn)
	q.mu.Unlock()
}

func (q *callQueue) drain() {
	q.mu.Lock()
	if q.running {
		q.mu.Unlock()
		return
	}
	q.running = true
	for len(q.pending) > 0 {
		fn := q.pending[0]
		q.pending[0] = nil
		q.pending = q.pending[1:]
		q.mu.Unlock()
		fn()
		q.mu.Lock()
	}
	q.running = false
	q.mu.Unlock()
}
