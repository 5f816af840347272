package storage

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/shopspring/decimal"
)

const (
	upsertCacheEntrySQL = `INSERT INTO inventory_cache (
        token,
        quantity,
        price,
        name,
        last_checked_at,
        cached_until
    ) VALUES (
        $1,$2,$3::numeric,$4,$5,$6
    )
    ON CONFLICT (token) DO UPDATE
    SET
        quantity        = EXCLUDED.quantity,
        price           = EXCLUDED.price,
        name            = EXCLUDED.name,
        last_checked_at = EXCLUDED.last_checked_at,
        cached_until    = EXCLUDED.cached_until;`

	selectCacheEntrySQL = `SELECT
        token,
        quantity,
        price::text,
        name,
        last_checked_at,
        cached_until
    FROM inventory_cache
    WHERE token = $1;`

	listCacheEntriesSQL = `SELECT
        token,
        quantity,
        price::text,
        name,
        last_checked_at,
        cached_until
    FROM inventory_cache
    ORDER BY last_checked_at DESC
    LIMIT $1;`
)

// GetCacheEntry loads the cached stock for token or ErrNotFound.
func (s *Store) GetCacheEntry(ctx context.Context, token string) (InventoryCacheEntry, error) {
	pool, err := s.getPool()
	if err != nil {
		return InventoryCacheEntry{}, err
	}

	entry, err := scanCacheEntry(pool.QueryRow(ctx, selectCacheEntrySQL, token))
	if errors.Is(err, pgx.ErrNoRows) {
		return InventoryCacheEntry{}, ErrNotFound
	}
	if err != nil {
		return InventoryCacheEntry{}, fmt.Errorf("get cache entry %s: %w", token, err)
	}
	return entry, nil
}

// UpsertCacheEntry overwrites the entry for entry.Token. Last writer wins.
func (s *Store) UpsertCacheEntry(ctx context.Context, entry InventoryCacheEntry) error {
	pool, err := s.getPool()
	if err != nil {
		return err
	}
	if err := ValidateCacheEntry(entry); err != nil {
		return err
	}

	if _, err := pool.Exec(ctx, upsertCacheEntrySQL,
		entry.Token,
		entry.Quantity,
		entry.Price.String(),
		entry.Name,
		entry.LastCheckedAt,
		entry.CachedUntil,
	); err != nil {
		return fmt.Errorf("upsert cache entry: %w", err)
	}
	return nil
}

// ListCacheEntries lists the most recently refreshed entries.
func (s *Store) ListCacheEntries(ctx context.Context, limit int) ([]InventoryCacheEntry, error) {
	pool, err := s.getPool()
	if err != nil {
		return nil, err
	}

	rows, err := pool.Query(ctx, listCacheEntriesSQL, limit)
	if err != nil {
		return nil, fmt.Errorf("list cache entries: %w", err)
	}
	defer rows.Close()

	entries := make([]InventoryCacheEntry, 0, limit)
	for rows.Next() {
		entry, err := scanCacheEntry(rows)
		if err != nil {
			return nil, err
		}
		entries = append(entries, entry)
	}
	if rows.Err() != nil {
		return nil, rows.Err()
	}
	return entries, nil
}

// ValidateCacheEntry enforces cachedUntil > lastCheckedAt and a non-empty token.
func ValidateCacheEntry(entry InventoryCacheEntry) error {
	if entry.Token == "" {
		return errors.New("cache entry: token is required")
	}
	if !entry.CachedUntil.After(entry.LastCheckedAt) {
		return fmt.Errorf("cache entry %s: cached_until must be after last_checked_at", entry.Token)
	}
	return nil
}

func scanCacheEntry(row pgx.Row) (InventoryCacheEntry, error) {
	var (
		entry    InventoryCacheEntry
		priceStr string
		checked  time.Time
		until    time.Time
	)
	if err := row.Scan(
		&entry.Token,
		&entry.Quantity,
		&priceStr,
		&entry.Name,
		&checked,
		&until,
	); err != nil {
		return InventoryCacheEntry{}, err
	}

	price, err := decimal.NewFromString(priceStr)
	if err != nil {
		return InventoryCacheEntry{}, fmt.Errorf("parse price: %w", err)
	}
	entry.Price = price
	entry.LastCheckedAt = checked
	entry.CachedUntil = until
	return entry, nil
}
