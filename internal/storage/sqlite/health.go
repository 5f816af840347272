package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"storefront-gateway/internal/storage"
)

const (
	healthColumns = `api, is_open, half_open, error_count, consecutive_success,
        last_error, opened_at, probe_started_at, updated_at`

	selectHealthSQL = `SELECT ` + healthColumns + ` FROM api_health WHERE api = ?;`

	listHealthSQL = `SELECT ` + healthColumns + ` FROM api_health ORDER BY api;`

	ensureHealthRowSQL = `INSERT INTO api_health (api, updated_at) VALUES (?, ?)
    ON CONFLICT (api) DO NOTHING;`

	updateHealthSQL = `UPDATE api_health
    SET
        is_open             = ?,
        half_open           = ?,
        error_count         = ?,
        consecutive_success = ?,
        last_error          = ?,
        opened_at           = ?,
        probe_started_at    = ?,
        updated_at          = ?
    WHERE api = ?;`
)

// GetHealth returns the circuit record, or a closed zero record when none exists.
func (s *Store) GetHealth(ctx context.Context, api string) (storage.APIHealth, error) {
	h, err := scanHealth(s.db.QueryRowContext(ctx, selectHealthSQL, api))
	if errors.Is(err, sql.ErrNoRows) {
		return storage.APIHealth{API: api}, nil
	}
	if err != nil {
		return storage.APIHealth{}, fmt.Errorf("get health %s: %w", api, err)
	}
	return h, nil
}

// UpdateHealth applies mutate under the database write lock.
func (s *Store) UpdateHealth(ctx context.Context, api string, mutate func(*storage.APIHealth) error) (storage.APIHealth, error) {
	var out storage.APIHealth
	err := s.withImmediateTx(ctx, func(conn *sql.Conn) error {
		if _, err := conn.ExecContext(ctx, ensureHealthRowSQL, api, formatTime(s.now())); err != nil {
			return fmt.Errorf("ensure health row: %w", err)
		}
		h, err := scanHealth(conn.QueryRowContext(ctx, selectHealthSQL, api))
		if err != nil {
			return fmt.Errorf("read health row: %w", err)
		}
		if err := mutate(&h); err != nil {
			return err
		}
		if err := storage.ValidateHealth(h); err != nil {
			return err
		}
		if h.UpdatedAt.IsZero() {
			h.UpdatedAt = s.now()
		}

		var lastError any
		if h.LastError != nil {
			lastError = *h.LastError
		}
		if _, err := conn.ExecContext(ctx, updateHealthSQL,
			boolToInt(h.IsOpen),
			boolToInt(h.HalfOpen),
			int64(h.ErrorCount),
			int64(h.ConsecutiveSuccess),
			lastError,
			formatTimePtr(h.OpenedAt),
			formatTimePtr(h.ProbeStartedAt),
			formatTime(h.UpdatedAt),
			api,
		); err != nil {
			return fmt.Errorf("update health: %w", err)
		}
		out = h
		return nil
	})
	if err != nil {
		return storage.APIHealth{}, err
	}
	return out, nil
}

// ListHealth returns every tracked upstream.
func (s *Store) ListHealth(ctx context.Context) ([]storage.APIHealth, error) {
	rows, err := s.db.QueryContext(ctx, listHealthSQL)
	if err != nil {
		return nil, fmt.Errorf("list health: %w", err)
	}
	defer rows.Close()

	out := make([]storage.APIHealth, 0)
	for rows.Next() {
		h, err := scanHealth(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, h)
	}
	return out, rows.Err()
}

func scanHealth(row scanner) (storage.APIHealth, error) {
	var (
		h          storage.APIHealth
		isOpen     int64
		halfOpen   int64
		errorCount int64
		successes  int64
		lastError  sql.NullString
		openedAt   sql.NullString
		probeAt    sql.NullString
		updatedAt  string
	)
	if err := row.Scan(
		&h.API,
		&isOpen,
		&halfOpen,
		&errorCount,
		&successes,
		&lastError,
		&openedAt,
		&probeAt,
		&updatedAt,
	); err != nil {
		return storage.APIHealth{}, err
	}

	h.IsOpen = isOpen != 0
	h.HalfOpen = halfOpen != 0
	h.ErrorCount = uint(errorCount)
	h.ConsecutiveSuccess = uint(successes)
	if lastError.Valid {
		msg := lastError.String
		h.LastError = &msg
	}

	var err error
	if h.OpenedAt, err = parseNullTime(openedAt); err != nil {
		return storage.APIHealth{}, err
	}
	if h.ProbeStartedAt, err = parseNullTime(probeAt); err != nil {
		return storage.APIHealth{}, err
	}
	if h.UpdatedAt, err = parseTime(updatedAt); err != nil {
		return storage.APIHealth{}, err
	}
	return h, nil
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
