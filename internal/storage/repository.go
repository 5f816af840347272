package storage

import (
	"context"
	_ "embed"
	"errors"
	"fmt"
	"maps"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"
)

var (
	// ErrNotConfigured indicates the storage pool was not initialised.
	ErrNotConfigured = errors.New("storage: pool not configured")
	// ErrNotFound is returned when a keyed lookup matches no row.
	ErrNotFound = errors.New("storage: not found")
	// ErrStaleState means a deposit moved away from the expected status before the lock was taken.
	ErrStaleState = errors.New("storage: deposit status changed concurrently")
)

//go:embed schema.sql
var postgresSchema string

const (
	tryAdvisoryLockSQL = `SELECT pg_try_advisory_lock($1);`
	advisoryUnlockSQL  = `SELECT pg_advisory_unlock($1);`
)

// HealthStore persists circuit state shared by every instance.
// UpdateHealth must apply mutate atomically: no concurrent update may interleave
// between the read handed to mutate and the write of its result.
type HealthStore interface {
	GetHealth(ctx context.Context, api string) (APIHealth, error)
	UpdateHealth(ctx context.Context, api string, mutate func(*APIHealth) error) (APIHealth, error)
	ListHealth(ctx context.Context) ([]APIHealth, error)
}

// InventoryCacheStore persists last-known supplier stock.
type InventoryCacheStore interface {
	GetCacheEntry(ctx context.Context, token string) (InventoryCacheEntry, error)
	UpsertCacheEntry(ctx context.Context, entry InventoryCacheEntry) error
	ListCacheEntries(ctx context.Context, limit int) ([]InventoryCacheEntry, error)
}

// PaymentStore owns deposits, the ledger, and user balances.
type PaymentStore interface {
	CreateDeposit(ctx context.Context, deposit Deposit) (Deposit, error)
	FindDepositByOrderID(ctx context.Context, orderID string) (Deposit, error)
	ApplyDepositTransition(ctx context.Context, t DepositTransition) (TransitionResult, error)
	ListLedger(ctx context.Context, referenceID string) ([]LedgerTransaction, error)
	GetBalance(ctx context.Context, userID string) (decimal.Decimal, error)
}

// APILogStore is the append-only audit trail.
type APILogStore interface {
	InsertAPILog(ctx context.Context, entry APILogEntry) error
	ListRecentAPILogs(ctx context.Context, limit int) ([]APILogEntry, error)
	ListAPILogsBetween(ctx context.Context, from, to time.Time, limit int) ([]APILogEntry, error)
}

// AdvisoryLocker exposes advisory lock helpers.
type AdvisoryLocker interface {
	TryAdvisoryLock(ctx context.Context, key int64) (unlock func(), acquired bool, err error)
}

// Backend is a complete durable store.
type Backend interface {
	HealthStore
	InventoryCacheStore
	PaymentStore
	APILogStore
	Migrate(ctx context.Context) error
	Close()
}

// Store implements Backend on PostgreSQL.
type Store struct {
	pool *pgxpool.Pool
}

// NewStore wires a pgx pool into a Store.
func NewStore(pool *pgxpool.Pool) *Store {
	return &Store{pool: pool}
}

// Close releases the underlying pool resources.
func (s *Store) Close() {
	if s == nil || s.pool == nil {
		return
	}
	s.pool.Close()
}

// Migrate applies the embedded schema. Statements are idempotent.
func (s *Store) Migrate(ctx context.Context) error {
	pool, err := s.getPool()
	if err != nil {
		return err
	}
	if _, err := pool.Exec(ctx, postgresSchema); err != nil {
		return fmt.Errorf("apply schema: %w", err)
	}
	return nil
}

// TryAdvisoryLock attempts to acquire a postgres advisory lock and returns a release func.
func (s *Store) TryAdvisoryLock(ctx context.Context, key int64) (func(), bool, error) {
	pool, err := s.getPool()
	if err != nil {
		return nil, false, err
	}

	conn, err := pool.Acquire(ctx)
	if err != nil {
		return nil, false, fmt.Errorf("acquire connection: %w", err)
	}

	var acquired bool
	if err := conn.QueryRow(ctx, tryAdvisoryLockSQL, key).Scan(&acquired); err != nil {
		conn.Release()
		return nil, false, fmt.Errorf("try advisory lock: %w", err)
	}
	if !acquired {
		conn.Release()
		return nil, false, nil
	}

	unlock := func() {
		ctxUnlock, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		// a failed unlock is released with the session when the connection closes
		_, _ = conn.Exec(ctxUnlock, advisoryUnlockSQL, key)
		conn.Release()
	}
	return unlock, true, nil
}

func (s *Store) getPool() (*pgxpool.Pool, error) {
	if s == nil || s.pool == nil {
		return nil, ErrNotConfigured
	}
	return s.pool, nil
}

// MergeMetadata returns a copy of base overlaid with patch. Nil patch values delete keys.
func MergeMetadata(base, patch map[string]any) map[string]any {
	out := make(map[string]any, len(base)+len(patch))
	maps.Copy(out, base)
	for key, value := range patch {
		if value == nil {
			delete(out, key)
			continue
		}
		out[key] = value
	}
	return out
}

var (
	_ Backend        = (*Store)(nil)
	_ AdvisoryLocker = (*Store)(nil)
)
