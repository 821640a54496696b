package domain

import (
	"fmt"
	"time"
)

// ConnectionState is the lifecycle state of one stream connection.
type ConnectionState int

const (
	StateIdle ConnectionState = iota
	StateConnecting
	StateOpen
	StateClosed
	StateError
)

var stateNames = [...]string{"idle", "connecting", "open", "closed", "error"}

func (s ConnectionState) String() string {
	if int(s) < 0 || int(s) >= len(stateNames) {
		return "unknown"
	}
	return stateNames[s]
}

// Badge maps the state onto the four values a connection indicator shows.
func (s ConnectionState) Badge() string {
	switch s {
	case StateOpen:
		return "connected"
	case StateConnecting:
		return "connecting"
	case StateError:
		return "error"
	default:
		return "disconnected"
	}
}

// MarshalText renders the state by name in JSON payloads.
func (s ConnectionState) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

// UnmarshalText parses a state name written by MarshalText.
func (s *ConnectionState) UnmarshalText(b []byte) error {
	for i, name := range stateNames {
		if name == string(b) {
			*s = ConnectionState(i)
			return nil
		}
	}
	return fmt.Errorf("domain: unknown connection state %q", b)
}

// ConnectionStatus is a point-in-time view of a stream connection.
type ConnectionStatus struct {
	State       ConnectionState `json:"state"`
	Badge       string          `json:"badge"`
	Attempts    int             `json:"attempts"`
	MaxAttempts int             `json:"max_attempts"`
	Exhausted   bool            `json:"exhausted"`
	LastError   string          `json:"last_error,omitempty"`
}

// HealthStatus is the last known reachability of the upstream backend.
type HealthStatus struct {
	Healthy    bool      `json:"healthy"`
	LastCheck  time.Time `json:"last_check"`
	RetryCount int       `json:"retry_count"`
	LastError  string    `json:"last_error,omitempty"`
}
