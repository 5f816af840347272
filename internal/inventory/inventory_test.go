package inventory

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"storefront-gateway/internal/audit"
	"storefront-gateway/internal/breaker"
	"storefront-gateway/internal/resilience"
	"storefront-gateway/internal/storage"
	"storefront-gateway/internal/supplier"
	"storefront-gateway/internal/transport"
)

type memoryCache struct {
	mu      sync.Mutex
	entries map[string]storage.InventoryCacheEntry
}

func newMemoryCache() *memoryCache {
	return &memoryCache{entries: make(map[string]storage.InventoryCacheEntry)}
}

func (m *memoryCache) GetCacheEntry(_ context.Context, token string) (storage.InventoryCacheEntry, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	entry, ok := m.entries[token]
	if !ok {
		return storage.InventoryCacheEntry{}, storage.ErrNotFound
	}
	return entry, nil
}

func (m *memoryCache) UpsertCacheEntry(_ context.Context, entry storage.InventoryCacheEntry) error {
	if err := storage.ValidateCacheEntry(entry); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.entries[entry.Token] = entry
	return nil
}

func (m *memoryCache) ListCacheEntries(_ context.Context, limit int) ([]storage.InventoryCacheEntry, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]storage.InventoryCacheEntry, 0, len(m.entries))
	for _, entry := range m.entries {
		if len(out) == limit {
			break
		}
		out = append(out, entry)
	}
	return out, nil
}

type fakeSupplier struct {
	stockCalls   int32
	productCalls int32
	delay        time.Duration
	stock        func(token string) (supplier.Stock, error)
	products     []supplier.Product
}

func (f *fakeSupplier) API() string { return "supplier" }

func (f *fakeSupplier) GetStock(_ context.Context, route transport.Route, token string) (supplier.Stock, error) {
	atomic.AddInt32(&f.stockCalls, 1)
	if f.delay > 0 {
		time.Sleep(f.delay)
	}
	return f.stock(token)
}

func (f *fakeSupplier) GetProducts(context.Context, transport.Route) ([]supplier.Product, error) {
	atomic.AddInt32(&f.productCalls, 1)
	return f.products, nil
}

type fixture struct {
	svc      *Service
	cache    *memoryCache
	supplier *fakeSupplier
	audit    *audit.MemoryStore
	health   *breaker.MemoryStore
	now      time.Time
}

func newFixture(t *testing.T, threshold uint, maxRetries int) *fixture {
	t.Helper()
	f := &fixture{
		cache:  newMemoryCache(),
		audit:  audit.NewMemoryStore(),
		health: breaker.NewMemoryStore(),
		now:    time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC),
		supplier: &fakeSupplier{stock: func(token string) (supplier.Stock, error) {
			return supplier.Stock{Token: token, Name: "Steam key", Quantity: 7, Price: decimal.RequireFromString("4.99")}, nil
		}},
	}
	clock := func() time.Time { return f.now }

	selector, err := transport.NewSelector([]transport.Route{{Name: transport.Direct}}, transport.NewMemoryPreferences(), zerolog.Nop())
	require.NoError(t, err)

	ex := resilience.New(resilience.Deps{
		Breaker:  breaker.New(f.health, breaker.Options{FailureThreshold: threshold, Cooldown: time.Minute, Now: clock}, zerolog.Nop()),
		Selector: selector,
		Audit:    audit.New(f.audit, zerolog.Nop()),
	}, resilience.Options{
		MaxRetries: maxRetries,
		Sleep:      func(context.Context, time.Duration) error { return nil },
	}, zerolog.Nop())

	f.svc = New(f.cache, f.supplier, ex, nil, Options{TTL: 15 * time.Minute, Now: clock}, zerolog.Nop())
	return f
}

func (f *fixture) seed(token string, quantity int, age, ttl time.Duration) {
	checked := f.now.Add(-age)
	f.cache.entries[token] = storage.InventoryCacheEntry{
		Token:         token,
		Quantity:      quantity,
		Price:         decimal.RequireFromString("4.99"),
		Name:          "Steam key",
		LastCheckedAt: checked,
		CachedUntil:   checked.Add(ttl),
	}
}

func failingStock(string) (supplier.Stock, error) {
	return supplier.Stock{}, &resilience.TransportError{API: "supplier", Route: transport.Direct, Op: "getStock", Err: errors.New("connection refused")}
}

func TestGetStockFreshEntryMakesNoUpstreamCall(t *testing.T) {
	f := newFixture(t, 3, 3)
	f.seed("steam-key", 12, 5*time.Minute, 15*time.Minute)

	info, err := f.svc.GetStock(context.Background(), "steam-key", StockOptions{})
	require.NoError(t, err)
	assert.Equal(t, 12, info.Quantity)
	assert.True(t, info.Cached)
	assert.False(t, info.Stale)
	assert.Equal(t, 5*time.Minute, info.CacheAge)
	assert.Zero(t, atomic.LoadInt32(&f.supplier.stockCalls))
	assert.Zero(t, f.audit.Len())
}

func TestGetStockMissFetchesAndCaches(t *testing.T) {
	f := newFixture(t, 3, 3)

	info, err := f.svc.GetStock(context.Background(), "steam-key", StockOptions{})
	require.NoError(t, err)
	assert.Equal(t, 7, info.Quantity)
	assert.False(t, info.Cached)
	assert.Equal(t, resilience.SourceUpstream, info.Source)

	entry, err := f.cache.GetCacheEntry(context.Background(), "steam-key")
	require.NoError(t, err)
	assert.Equal(t, f.now.Add(15*time.Minute), entry.CachedUntil)

	_, err = f.svc.GetStock(context.Background(), "steam-key", StockOptions{})
	require.NoError(t, err)
	assert.Equal(t, int32(1), atomic.LoadInt32(&f.supplier.stockCalls))
}

func TestGetStockForceFreshBypassesCache(t *testing.T) {
	f := newFixture(t, 3, 3)
	f.seed("steam-key", 12, time.Minute, 15*time.Minute)

	info, err := f.svc.GetStock(context.Background(), "steam-key", StockOptions{ForceFresh: true})
	require.NoError(t, err)
	assert.Equal(t, 7, info.Quantity)
	assert.Equal(t, int32(1), atomic.LoadInt32(&f.supplier.stockCalls))
}

func TestCheckAvailabilityInsufficientStock(t *testing.T) {
	f := newFixture(t, 3, 3)
	f.seed("steam-key", 3, time.Minute, 15*time.Minute)

	avail, err := f.svc.CheckAvailability(context.Background(), "steam-key", 5)
	require.NoError(t, err)
	assert.False(t, avail.Available)
	assert.Equal(t, 3, avail.InStock)
	assert.Zero(t, atomic.LoadInt32(&f.supplier.stockCalls))

	avail, err = f.svc.CheckAvailability(context.Background(), "steam-key", 3)
	require.NoError(t, err)
	assert.True(t, avail.Available)
	assert.True(t, avail.Total.Equal(decimal.RequireFromString("14.97")))

	_, err = f.svc.CheckAvailability(context.Background(), "steam-key", 0)
	require.ErrorIs(t, err, ErrInvalidQuantity)
}

func TestGetStockServesStaleEntryWhenCircuitOpen(t *testing.T) {
	f := newFixture(t, 3, 0)
	f.supplier.stock = failingStock

	for i := 0; i < 3; i++ {
		_, err := f.svc.GetStock(context.Background(), "other-token", StockOptions{})
		require.Error(t, err)
	}
	rec, err := f.health.GetHealth(context.Background(), "supplier")
	require.NoError(t, err)
	require.True(t, rec.IsOpen)

	f.seed("steam-key", 12, time.Hour, 15*time.Minute)
	calls := atomic.LoadInt32(&f.supplier.stockCalls)
	audited := f.audit.Len()

	info, err := f.svc.GetStock(context.Background(), "steam-key", StockOptions{})
	require.NoError(t, err)
	assert.Equal(t, 12, info.Quantity)
	assert.True(t, info.Cached)
	assert.True(t, info.Stale)
	assert.Equal(t, resilience.SourceCache, info.Source)
	assert.Equal(t, calls, atomic.LoadInt32(&f.supplier.stockCalls))
	assert.Equal(t, audited, f.audit.Len())
}

func TestGetStockDegradedAfterRetries(t *testing.T) {
	f := newFixture(t, 5, 2)
	f.supplier.stock = failingStock
	f.seed("steam-key", 4, time.Hour, 15*time.Minute)

	info, err := f.svc.GetStock(context.Background(), "steam-key", StockOptions{})
	require.NoError(t, err)
	assert.True(t, info.Stale)
	assert.Equal(t, resilience.SourceDegraded, info.Source)
	assert.Equal(t, int32(3), atomic.LoadInt32(&f.supplier.stockCalls))
}

func TestGetStockWithoutEntryPropagatesError(t *testing.T) {
	f := newFixture(t, 5, 1)
	f.supplier.stock = failingStock

	_, err := f.svc.GetStock(context.Background(), "steam-key", StockOptions{})
	var te *resilience.TransportError
	require.ErrorAs(t, err, &te)

	_, err = f.svc.GetStock(context.Background(), "  ", StockOptions{})
	require.ErrorIs(t, err, ErrInvalidToken)
}

func TestGetStockCoalescesConcurrentMisses(t *testing.T) {
	f := newFixture(t, 3, 0)
	f.supplier.delay = 50 * time.Millisecond

	var wg sync.WaitGroup
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			info, err := f.svc.GetStock(context.Background(), "steam-key", StockOptions{})
			assert.NoError(t, err)
			assert.Equal(t, 7, info.Quantity)
		}()
	}
	wg.Wait()
	assert.Equal(t, int32(1), atomic.LoadInt32(&f.supplier.stockCalls))
}

func TestSyncStockReportsChange(t *testing.T) {
	f := newFixture(t, 3, 0)
	f.seed("steam-key", 12, time.Minute, 15*time.Minute)

	report, err := f.svc.SyncStock(context.Background(), "steam-key")
	require.NoError(t, err)
	assert.True(t, report.HadEntry)
	assert.Equal(t, 12, report.OldQuantity)
	assert.Equal(t, 7, report.NewQuantity)
	assert.True(t, report.Changed)
	assert.False(t, report.Stale)

	f.supplier.stock = failingStock
	report, err = f.svc.SyncStock(context.Background(), "steam-key")
	require.NoError(t, err)
	assert.True(t, report.Stale)
	assert.False(t, report.Changed)
	assert.Equal(t, 7, report.NewQuantity)
}

func TestListProductsSeedsCache(t *testing.T) {
	f := newFixture(t, 3, 0)
	f.supplier.products = []supplier.Product{
		{Token: "a", Name: "A", Quantity: 2, Price: decimal.NewFromInt(1)},
		{Token: "", Name: "skipped"},
		{Token: "b", Name: "B", Quantity: 0, Price: decimal.NewFromInt(3)},
	}

	products, err := f.svc.ListProducts(context.Background())
	require.NoError(t, err)
	assert.Len(t, products, 3)

	entries, err := f.svc.Entries(context.Background(), 10)
	require.NoError(t, err)
	assert.Len(t, entries, 2)

	info, err := f.svc.GetStock(context.Background(), "a", StockOptions{})
	require.NoError(t, err)
	assert.True(t, info.Cached)
	assert.Zero(t, atomic.LoadInt32(&f.supplier.stockCalls))
}
