// Package stream maintains one reconnecting real-time connection to the
// trading backend and decodes the JSON envelopes it delivers.
package stream

import (
	"context"
	"time"
)

// Transport opens sessions to one logical stream endpoint.
type Transport interface {
	// Dial opens a new session. ctx bounds the handshake only; the session
	// lives until Close or until the peer goes away.
	Dial(ctx context.Context) (Session, error)
	// Name identifies the transport in logs ("ws", "sse").
	Name() string
}

// Session is one open transport connection.
type Session interface {
	// Read blocks until the next text frame arrives. A clean close by the
	// peer is reported as io.EOF.
	Read() ([]byte, error)
	// Write sends one text frame.
	Write(data []byte) error
	// Close tears the session down and unblocks Read.
	Close() error
}

// Timer is a pending scheduled call.
type Timer interface {
	Stop() bool
}

// Scheduler runs f once after d. Tests swap in a manual scheduler.
type Scheduler interface {
	AfterFunc(d time.Duration, f func()) Timer
}

type realScheduler struct{}

func (realScheduler) AfterFunc(d time.Duration, f func()) Timer {
	return time.AfterFunc(d, f)
}

// SystemScheduler schedules on the runtime timer.
var SystemScheduler Scheduler = realScheduler{}
