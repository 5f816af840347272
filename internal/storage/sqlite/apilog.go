package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"storefront-gateway/internal/storage"
)

const (
	insertAPILogSQL = `INSERT INTO api_logs (
        api, endpoint, status, response_time_ms, details, created_at
    ) VALUES (?, ?, ?, ?, ?, ?);`

	apiLogColumns = `id, api, endpoint, status, response_time_ms, details, created_at`

	listRecentAPILogsSQL = `SELECT ` + apiLogColumns + ` FROM api_logs
    ORDER BY created_at DESC, id DESC
    LIMIT ?;`

	listAPILogsBetweenSQL = `SELECT ` + apiLogColumns + ` FROM api_logs
    WHERE created_at >= ? AND created_at <= ?
    ORDER BY created_at ASC, id ASC
    LIMIT ?;`
)

// InsertAPILog appends one audit entry.
func (s *Store) InsertAPILog(ctx context.Context, entry storage.APILogEntry) error {
	entry = storage.PrepareAPILog(entry, s.now())
	if _, err := s.db.ExecContext(ctx, insertAPILogSQL,
		entry.API,
		entry.Endpoint,
		entry.Status,
		entry.ResponseTimeMs,
		string(entry.Details),
		formatTime(entry.CreatedAt),
	); err != nil {
		return fmt.Errorf("insert api log: %w", err)
	}
	return nil
}

// ListRecentAPILogs returns the newest entries first.
func (s *Store) ListRecentAPILogs(ctx context.Context, limit int) ([]storage.APILogEntry, error) {
	rows, err := s.db.QueryContext(ctx, listRecentAPILogsSQL, limit)
	if err != nil {
		return nil, fmt.Errorf("list api logs: %w", err)
	}
	return collectAPILogs(rows)
}

// ListAPILogsBetween returns entries in [from, to] in chronological order.
func (s *Store) ListAPILogsBetween(ctx context.Context, from, to time.Time, limit int) ([]storage.APILogEntry, error) {
	rows, err := s.db.QueryContext(ctx, listAPILogsBetweenSQL, formatTime(from), formatTime(to), limit)
	if err != nil {
		return nil, fmt.Errorf("list api logs between: %w", err)
	}
	return collectAPILogs(rows)
}

func collectAPILogs(rows *sql.Rows) ([]storage.APILogEntry, error) {
	defer rows.Close()

	out := make([]storage.APILogEntry, 0)
	for rows.Next() {
		var (
			entry   storage.APILogEntry
			details string
			created string
		)
		if err := rows.Scan(
			&entry.ID,
			&entry.API,
			&entry.Endpoint,
			&entry.Status,
			&entry.ResponseTimeMs,
			&details,
			&created,
		); err != nil {
			return nil, err
		}
		var err error
		if entry.CreatedAt, err = parseTime(created); err != nil {
			return nil, err
		}
		entry.Details = json.RawMessage(details)
		out = append(out, entry)
	}
	return out, rows.Err()
}
