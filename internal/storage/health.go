package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
)

const (
	healthColumns = `api, is_open, half_open, error_count, consecutive_success,
        last_error, opened_at, probe_started_at, updated_at`

	selectHealthSQL = `SELECT ` + healthColumns + `
    FROM api_health
    WHERE api = $1;`

	selectHealthForUpdateSQL = `SELECT ` + healthColumns + `
    FROM api_health
    WHERE api = $1
    FOR UPDATE;`

	listHealthSQL = `SELECT ` + healthColumns + `
    FROM api_health
    ORDER BY api;`

	ensureHealthRowSQL = `INSERT INTO api_health (api, updated_at)
    VALUES ($1, $2)
    ON CONFLICT (api) DO NOTHING;`

	updateHealthSQL = `UPDATE api_health
    SET
        is_open             = $2,
        half_open           = $3,
        error_count         = $4,
        consecutive_success = $5,
        last_error          = $6,
        opened_at           = $7,
        probe_started_at    = $8,
        updated_at          = $9
    WHERE api = $1;`
)

// GetHealth returns the circuit record, or a closed zero record when none exists.
func (s *Store) GetHealth(ctx context.Context, api string) (APIHealth, error) {
	pool, err := s.getPool()
	if err != nil {
		return APIHealth{}, err
	}

	h, err := scanHealth(pool.QueryRow(ctx, selectHealthSQL, api))
	if errors.Is(err, pgx.ErrNoRows) {
		return APIHealth{API: api}, nil
	}
	if err != nil {
		return APIHealth{}, fmt.Errorf("get health %s: %w", api, err)
	}
	return h, nil
}

// UpdateHealth locks the row with SELECT ... FOR UPDATE, applies mutate and writes the result
// in the same transaction, so concurrent instances serialise on the row.
func (s *Store) UpdateHealth(ctx context.Context, api string, mutate func(*APIHealth) error) (APIHealth, error) {
	pool, err := s.getPool()
	if err != nil {
		return APIHealth{}, err
	}

	tx, err := pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return APIHealth{}, fmt.Errorf("begin health tx: %w", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	if _, err := tx.Exec(ctx, ensureHealthRowSQL, api, time.Now().UTC()); err != nil {
		return APIHealth{}, fmt.Errorf("ensure health row: %w", err)
	}

	h, err := scanHealth(tx.QueryRow(ctx, selectHealthForUpdateSQL, api))
	if err != nil {
		return APIHealth{}, fmt.Errorf("lock health row: %w", err)
	}

	if err := mutate(&h); err != nil {
		return APIHealth{}, err
	}
	if err := ValidateHealth(h); err != nil {
		return APIHealth{}, err
	}
	if h.UpdatedAt.IsZero() {
		h.UpdatedAt = time.Now().UTC()
	}

	if _, err := tx.Exec(ctx, updateHealthSQL,
		api,
		h.IsOpen,
		h.HalfOpen,
		int64(h.ErrorCount),
		int64(h.ConsecutiveSuccess),
		h.LastError,
		h.OpenedAt,
		h.ProbeStartedAt,
		h.UpdatedAt,
	); err != nil {
		return APIHealth{}, fmt.Errorf("update health: %w", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return APIHealth{}, fmt.Errorf("commit health: %w", err)
	}
	return h, nil
}

// ListHealth returns every tracked upstream.
func (s *Store) ListHealth(ctx context.Context) ([]APIHealth, error) {
	pool, err := s.getPool()
	if err != nil {
		return nil, err
	}

	rows, err := pool.Query(ctx, listHealthSQL)
	if err != nil {
		return nil, fmt.Errorf("list health: %w", err)
	}
	defer rows.Close()

	out := make([]APIHealth, 0)
	for rows.Next() {
		h, err := scanHealth(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, h)
	}
	if rows.Err() != nil {
		return nil, rows.Err()
	}
	return out, nil
}

// ValidateHealth enforces the record invariants shared by every backend.
func ValidateHealth(h APIHealth) error {
	if h.IsOpen && h.HalfOpen {
		return fmt.Errorf("health %s: open and half-open are mutually exclusive", h.API)
	}
	if !h.IsOpen && !h.HalfOpen && h.ProbeStartedAt != nil {
		return fmt.Errorf("health %s: probe recorded while closed", h.API)
	}
	return nil
}

func scanHealth(row pgx.Row) (APIHealth, error) {
	var (
		h          APIHealth
		errorCount int64
		successes  int64
		lastError  sql.NullString
		openedAt   sql.NullTime
		probeAt    sql.NullTime
		updatedAt  time.Time
	)
	if err := row.Scan(
		&h.API,
		&h.IsOpen,
		&h.HalfOpen,
		&errorCount,
		&successes,
		&lastError,
		&openedAt,
		&probeAt,
		&updatedAt,
	); err != nil {
		return APIHealth{}, err
	}

	h.ErrorCount = uint(errorCount)
	h.ConsecutiveSuccess = uint(successes)
	h.UpdatedAt = updatedAt
	if lastError.Valid {
		msg := lastError.String
		h.LastError = &msg
	}
	if openedAt.Valid {
		t := openedAt.Time
		h.OpenedAt = &t
	}
	if probeAt.Valid {
		t := probeAt.Time
		h.ProbeStartedAt = &t
	}
	return h, nil
}
