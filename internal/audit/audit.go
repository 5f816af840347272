// Package audit writes and reads the append-only upstream/webhook log.
package audit

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"storefront-gateway/internal/storage"
)

const (
	// DefaultLimit is used when a caller asks for zero entries.
	DefaultLimit = 50
	// MaxLimit caps reads of the recent log.
	MaxLimit = 500
)

// Recorder appends audit entries.
type Recorder interface {
	Record(ctx context.Context, entry storage.APILogEntry) error
}

// Log is the audit log over an APILogStore.
type Log struct {
	store  storage.APILogStore
	logger zerolog.Logger
	now    func() time.Time
}

// New wires the audit log.
func New(store storage.APILogStore, logger zerolog.Logger) *Log {
	return &Log{
		store:  store,
		logger: logger.With().Str("component", "audit").Logger(),
		now:    func() time.Time { return time.Now().UTC() },
	}
}

// Record appends entry, stamping CreatedAt when empty.
func (l *Log) Record(ctx context.Context, entry storage.APILogEntry) error {
	if entry.CreatedAt.IsZero() {
		entry.CreatedAt = l.now()
	}
	if err := l.store.InsertAPILog(ctx, entry); err != nil {
		l.logger.Error().Err(err).Str("api", entry.API).Str("endpoint", entry.Endpoint).Msg("audit write failed")
		return fmt.Errorf("record audit entry: %w", err)
	}
	return nil
}

// Event builds an entry with JSON-encoded details.
func Event(api, endpoint, status string, elapsed time.Duration, details any) storage.APILogEntry {
	entry := storage.APILogEntry{
		API:            api,
		Endpoint:       endpoint,
		Status:         status,
		ResponseTimeMs: elapsed.Milliseconds(),
	}
	if details != nil {
		if raw, err := json.Marshal(details); err == nil {
			entry.Details = raw
		}
	}
	return entry
}

// ClampLimit bounds limit to 1..MaxLimit, defaulting non-positive values.
func ClampLimit(limit int) int {
	switch {
	case limit <= 0:
		return DefaultLimit
	case limit > MaxLimit:
		return MaxLimit
	default:
		return limit
	}
}

// Recent returns the newest entries first.
func (l *Log) Recent(ctx context.Context, limit int) ([]storage.APILogEntry, error) {
	return l.store.ListRecentAPILogs(ctx, ClampLimit(limit))
}

// Between returns entries in [from, to] oldest first.
func (l *Log) Between(ctx context.Context, from, to time.Time, limit int) ([]storage.APILogEntry, error) {
	if to.Before(from) {
		return nil, fmt.Errorf("audit window: %s is before %s", to, from)
	}
	return l.store.ListAPILogsBetween(ctx, from, to, limit)
}

// MemoryStore is an in-process APILogStore.
type MemoryStore struct {
	mu      sync.Mutex
	entries []storage.APILogEntry
}

// NewMemoryStore returns an empty store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{}
}

// InsertAPILog appends entry with a sequential id.
func (m *MemoryStore) InsertAPILog(_ context.Context, entry storage.APILogEntry) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	entry = storage.PrepareAPILog(entry, time.Now().UTC())
	entry.ID = int64(len(m.entries) + 1)
	m.entries = append(m.entries, entry)
	return nil
}

// ListRecentAPILogs returns the newest entries first.
func (m *MemoryStore) ListRecentAPILogs(_ context.Context, limit int) ([]storage.APILogEntry, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	out := append([]storage.APILogEntry(nil), m.entries...)
	sort.SliceStable(out, func(i, j int) bool {
		if out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].ID > out[j].ID
		}
		return out[i].CreatedAt.After(out[j].CreatedAt)
	})
	if limit >= 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

// ListAPILogsBetween returns entries in [from, to] oldest first.
func (m *MemoryStore) ListAPILogsBetween(_ context.Context, from, to time.Time, limit int) ([]storage.APILogEntry, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	out := make([]storage.APILogEntry, 0)
	for _, e := range m.entries {
		if e.CreatedAt.Before(from) || e.CreatedAt.After(to) {
			continue
		}
		out = append(out, e)
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	if limit >= 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

// Len reports how many entries were recorded.
func (m *MemoryStore) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.entries)
}

var (
	_ Recorder            = (*Log)(nil)
	_ storage.APILogStore = (*MemoryStore)(nil)
)
