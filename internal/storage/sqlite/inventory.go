package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/shopspring/decimal"

	"storefront-gateway/internal/storage"
)

const (
	upsertCacheEntrySQL = `INSERT INTO inventory_cache (
        token, quantity, price, name, last_checked_at, cached_until
    ) VALUES (?, ?, ?, ?, ?, ?)
    ON CONFLICT (token) DO UPDATE
    SET
        quantity        = excluded.quantity,
        price           = excluded.price,
        name            = excluded.name,
        last_checked_at = excluded.last_checked_at,
        cached_until    = excluded.cached_until;`

	cacheColumns = `token, quantity, price, name, last_checked_at, cached_until`

	selectCacheEntrySQL = `SELECT ` + cacheColumns + ` FROM inventory_cache WHERE token = ?;`

	listCacheEntriesSQL = `SELECT ` + cacheColumns + ` FROM inventory_cache
    ORDER BY last_checked_at DESC
    LIMIT ?;`
)

// GetCacheEntry loads the cached stock for token or storage.ErrNotFound.
func (s *Store) GetCacheEntry(ctx context.Context, token string) (storage.InventoryCacheEntry, error) {
	entry, err := scanCacheEntry(s.db.QueryRowContext(ctx, selectCacheEntrySQL, token))
	if errors.Is(err, sql.ErrNoRows) {
		return storage.InventoryCacheEntry{}, storage.ErrNotFound
	}
	if err != nil {
		return storage.InventoryCacheEntry{}, fmt.Errorf("get cache entry %s: %w", token, err)
	}
	return entry, nil
}

// UpsertCacheEntry overwrites the entry for entry.Token.
func (s *Store) UpsertCacheEntry(ctx context.Context, entry storage.InventoryCacheEntry) error {
	if err := storage.ValidateCacheEntry(entry); err != nil {
		return err
	}
	if _, err := s.db.ExecContext(ctx, upsertCacheEntrySQL,
		entry.Token,
		entry.Quantity,
		entry.Price.String(),
		entry.Name,
		formatTime(entry.LastCheckedAt),
		formatTime(entry.CachedUntil),
	); err != nil {
		return fmt.Errorf("upsert cache entry: %w", err)
	}
	return nil
}

// ListCacheEntries lists the most recently refreshed entries.
func (s *Store) ListCacheEntries(ctx context.Context, limit int) ([]storage.InventoryCacheEntry, error) {
	rows, err := s.db.QueryContext(ctx, listCacheEntriesSQL, limit)
	if err != nil {
		return nil, fmt.Errorf("list cache entries: %w", err)
	}
	defer rows.Close()

	out := make([]storage.InventoryCacheEntry, 0)
	for rows.Next() {
		entry, err := scanCacheEntry(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, entry)
	}
	return out, rows.Err()
}

func scanCacheEntry(row scanner) (storage.InventoryCacheEntry, error) {
	var (
		entry   storage.InventoryCacheEntry
		price   string
		checked string
		until   string
	)
	if err := row.Scan(&entry.Token, &entry.Quantity, &price, &entry.Name, &checked, &until); err != nil {
		return storage.InventoryCacheEntry{}, err
	}

	var err error
	if entry.Price, err = decimal.NewFromString(price); err != nil {
		return storage.InventoryCacheEntry{}, fmt.Errorf("parse price: %w", err)
	}
	if entry.LastCheckedAt, err = parseTime(checked); err != nil {
		return storage.InventoryCacheEntry{}, err
	}
	if entry.CachedUntil, err = parseTime(until); err != nil {
		return storage.InventoryCacheEntry{}, err
	}
	return entry, nil
}
