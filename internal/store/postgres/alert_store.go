package postgres

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/alanyoungcy/tradedesk/internal/domain"
)

// AlertStore implements domain.AlertJournal using PostgreSQL.
type AlertStore struct {
	pool *pgxpool.Pool
}

// NewAlertStore creates a new AlertStore backed by the given connection pool.
func NewAlertStore(pool *pgxpool.Pool) *AlertStore {
	return &AlertStore{pool: pool}
}

// Append journals one alert.
func (s *AlertStore) Append(ctx context.Context, a domain.Alert) error {
	const query = `INSERT INTO alerts (level, msg, received_at) VALUES ($1, $2, $3)`
	if _, err := s.pool.Exec(ctx, query, levelOrInfo(a.Level), a.Msg, a.ReceivedAt); err != nil {
		return fmt.Errorf("postgres: append alert: %w", err)
	}
	return nil
}

// Recent returns journaled alerts newest first.
func (s *AlertStore) Recent(ctx context.Context, opts domain.ListOpts) ([]domain.Alert, error) {
	query, args := listQuery(`SELECT level, msg, received_at FROM alerts`, "received_at", opts)

	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("postgres: recent alerts: %w", err)
	}
	alerts, err := pgx.CollectRows(rows, func(row pgx.CollectableRow) (domain.Alert, error) {
		var a domain.Alert
		err := row.Scan(&a.Level, &a.Msg, &a.ReceivedAt)
		return a, err
	})
	if err != nil {
		return nil, fmt.Errorf("postgres: scan alerts: %w", err)
	}
	return alerts, nil
}

func levelOrInfo(level string) string {
	if level == "" {
		return "info"
	}
	return level
}

var _ domain.AlertJournal = (*AlertStore)(nil)
