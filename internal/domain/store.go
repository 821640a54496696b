package domain

import (
	"context"
	"time"
)

// ListOpts provides pagination and filtering for list queries.
type ListOpts struct {
	Limit  int
	Offset int
	Since  *time.Time
	Until  *time.Time
}

// Audit events written for order submissions.
const (
	AuditOrderSubmitted = "order_submitted"
	AuditOrderRejected  = "order_rejected"
	AuditOrderFailed    = "order_failed"
)

// AuditEntry is one row of the append-only audit log.
type AuditEntry struct {
	ID        int64          `json:"id"`
	Event     string         `json:"event"`
	Detail    map[string]any `json:"detail"`
	CreatedAt time.Time      `json:"created_at"`
}

// AuditFilter narrows an audit listing. Empty fields match everything.
type AuditFilter struct {
	ListOpts
	Event         string
	ClientOrderID string
}

// AuditStore persists an append-only audit log.
type AuditStore interface {
	Log(ctx context.Context, event string, detail map[string]any) error
	List(ctx context.Context, f AuditFilter) ([]AuditEntry, error)
}

// AlertJournal persists every alert received from the stream.
type AlertJournal interface {
	Append(ctx context.Context, alert Alert) error
	Recent(ctx context.Context, opts ListOpts) ([]Alert, error)
}
