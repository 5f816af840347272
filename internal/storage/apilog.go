package storage

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
)

const (
	insertAPILogSQL = `INSERT INTO api_logs (
        api,
        endpoint,
        status,
        response_time_ms,
        details,
        created_at
    ) VALUES (
        $1,$2,$3,$4,$5::jsonb,$6
    );`

	apiLogColumns = `id, api, endpoint, status, response_time_ms, details::text, created_at`

	listRecentAPILogsSQL = `SELECT ` + apiLogColumns + `
    FROM api_logs
    ORDER BY created_at DESC, id DESC
    LIMIT $1;`

	listAPILogsBetweenSQL = `SELECT ` + apiLogColumns + `
    FROM api_logs
    WHERE created_at >= $1 AND created_at <= $2
    ORDER BY created_at ASC, id ASC
    LIMIT $3;`
)

// InsertAPILog appends one audit entry.
func (s *Store) InsertAPILog(ctx context.Context, entry APILogEntry) error {
	pool, err := s.getPool()
	if err != nil {
		return err
	}

	entry = PrepareAPILog(entry, time.Now().UTC())
	if _, err := pool.Exec(ctx, insertAPILogSQL,
		entry.API,
		entry.Endpoint,
		entry.Status,
		entry.ResponseTimeMs,
		string(entry.Details),
		entry.CreatedAt,
	); err != nil {
		return fmt.Errorf("insert api log: %w", err)
	}
	return nil
}

// ListRecentAPILogs returns the newest entries first.
func (s *Store) ListRecentAPILogs(ctx context.Context, limit int) ([]APILogEntry, error) {
	pool, err := s.getPool()
	if err != nil {
		return nil, err
	}

	rows, err := pool.Query(ctx, listRecentAPILogsSQL, limit)
	if err != nil {
		return nil, fmt.Errorf("list api logs: %w", err)
	}
	return collectAPILogs(rows)
}

// ListAPILogsBetween returns entries in [from, to] in chronological order.
func (s *Store) ListAPILogsBetween(ctx context.Context, from, to time.Time, limit int) ([]APILogEntry, error) {
	pool, err := s.getPool()
	if err != nil {
		return nil, err
	}

	rows, err := pool.Query(ctx, listAPILogsBetweenSQL, from, to, limit)
	if err != nil {
		return nil, fmt.Errorf("list api logs between: %w", err)
	}
	return collectAPILogs(rows)
}

func collectAPILogs(rows pgx.Rows) ([]APILogEntry, error) {
	defer rows.Close()

	out := make([]APILogEntry, 0)
	for rows.Next() {
		var (
			entry   APILogEntry
			details string
		)
		if err := rows.Scan(
			&entry.ID,
			&entry.API,
			&entry.Endpoint,
			&entry.Status,
			&entry.ResponseTimeMs,
			&details,
			&entry.CreatedAt,
		); err != nil {
			return nil, err
		}
		entry.Details = json.RawMessage(details)
		out = append(out, entry)
	}
	if rows.Err() != nil {
		return nil, rows.Err()
	}
	return out, nil
}

// PrepareAPILog defaults Details to {} and CreatedAt to now.
func PrepareAPILog(entry APILogEntry, now time.Time) APILogEntry {
	if len(entry.Details) == 0 {
		entry.Details = json.RawMessage(`{}`)
	}
	if entry.CreatedAt.IsZero() {
		entry.CreatedAt = now
	}
	return entry
}
