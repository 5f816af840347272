// Package inventory serves supplier stock through a read-through cache that falls back to the
// last known entry while the supplier is unavailable.
package inventory

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"
	"golang.org/x/sync/singleflight"

	"storefront-gateway/internal/metrics"
	"storefront-gateway/internal/resilience"
	"storefront-gateway/internal/storage"
	"storefront-gateway/internal/supplier"
	"storefront-gateway/internal/transport"
)

const (
	// DefaultTTL is how long a fetched stock entry is served without asking the supplier.
	DefaultTTL = 15 * time.Minute

	seedLimit = 500
)

var (
	// ErrInvalidToken is returned for an empty product token.
	ErrInvalidToken = errors.New("inventory: token is required")
	// ErrInvalidQuantity is returned when an availability check asks for less than one unit.
	ErrInvalidQuantity = errors.New("inventory: quantity must be positive")
)

// StockOptions tune a single read.
type StockOptions struct {
	// ForceFresh skips a fresh cache entry and asks the supplier.
	ForceFresh bool
}

// StockInfo is what callers see for a product.
type StockInfo struct {
	Token    string            `json:"token"`
	Quantity int               `json:"quantity"`
	Price    decimal.Decimal   `json:"price"`
	Name     string            `json:"name"`
	Cached   bool              `json:"cached"`
	CacheAge time.Duration     `json:"cache_age"`
	// Stale is set whenever the upstream did not answer, including when the circuit is open and
	// the entry is still within its TTL. Source tells the cases apart: cache means the circuit
	// rejected the call, degraded means retries were exhausted.
	Stale    bool              `json:"stale"`
	Source   resilience.Source `json:"source"`
}

// Availability answers whether quantity units can be bought.
type Availability struct {
	Token     string          `json:"token"`
	Requested int             `json:"requested"`
	InStock   int             `json:"in_stock"`
	Available bool            `json:"available"`
	Total     decimal.Decimal `json:"total"`
	Stale     bool            `json:"stale"`
}

// SyncReport describes a forced refresh.
type SyncReport struct {
	Token       string            `json:"token"`
	HadEntry    bool              `json:"had_entry"`
	OldQuantity int               `json:"old_quantity"`
	NewQuantity int               `json:"new_quantity"`
	Changed     bool              `json:"changed"`
	Source      resilience.Source `json:"source"`
	Stale       bool              `json:"stale"`
}

// Options parameterise the service.
type Options struct {
	TTL time.Duration
	Now func() time.Time
}

// Service is the inventory cache. It is safe for concurrent use.
type Service struct {
	cache    storage.InventoryCacheStore
	fetcher  supplier.StockFetcher
	executor *resilience.Executor
	metrics  *metrics.Metrics
	opts     Options
	logger   zerolog.Logger
	group    singleflight.Group
}

// New wires the inventory service. m may be nil.
func New(cache storage.InventoryCacheStore, fetcher supplier.StockFetcher, executor *resilience.Executor, m *metrics.Metrics, opts Options, logger zerolog.Logger) *Service {
	if opts.TTL <= 0 {
		opts.TTL = DefaultTTL
	}
	if opts.Now == nil {
		opts.Now = func() time.Time { return time.Now().UTC() }
	}
	return &Service{
		cache:    cache,
		fetcher:  fetcher,
		executor: executor,
		metrics:  m,
		opts:     opts,
		logger:   logger.With().Str("component", "inventory").Logger(),
	}
}

// GetStock returns stock for token, from cache while the entry is fresh.
func (s *Service) GetStock(ctx context.Context, token string, opts StockOptions) (StockInfo, error) {
	token = strings.TrimSpace(token)
	if token == "" {
		return StockInfo{}, ErrInvalidToken
	}

	entry, found := s.lookup(ctx, token)
	now := s.opts.Now()
	if found && !opts.ForceFresh && entry.CachedUntil.After(now) {
		s.metrics.IncCacheRead("hit")
		return s.fromEntry(entry, false), nil
	}

	key := token
	if opts.ForceFresh {
		key = "fresh:" + token
	}
	// callers coalesced onto one fetch share its outcome even if the first caller goes away
	shared := context.WithoutCancel(ctx)
	v, err, _ := s.group.Do(key, func() (any, error) {
		return s.refresh(shared, token, entry, found)
	})
	if err != nil {
		s.metrics.IncCacheRead("error")
		return StockInfo{}, err
	}
	return v.(StockInfo), nil
}

func (s *Service) refresh(ctx context.Context, token string, entry storage.InventoryCacheEntry, found bool) (StockInfo, error) {
	var fallback func(context.Context) (supplier.Stock, error)
	if found {
		fallback = func(context.Context) (supplier.Stock, error) {
			return supplier.Stock{Token: entry.Token, Name: entry.Name, Quantity: entry.Quantity, Price: entry.Price}, nil
		}
	}

	call := resilience.Call{API: s.fetcher.API(), Endpoint: "getStock"}
	res, err := resilience.Execute(ctx, s.executor, call, func(ctx context.Context, route transport.Route) (supplier.Stock, error) {
		return s.fetcher.GetStock(ctx, route, token)
	}, fallback)
	if err != nil {
		return StockInfo{}, fmt.Errorf("get stock %s: %w", token, err)
	}

	if res.Source != resilience.SourceUpstream {
		s.metrics.IncCacheRead("stale")
		s.logger.Warn().Str("token", token).Str("source", string(res.Source)).AnErr("cause", res.Cause).Msg("serving last known stock")
		info := s.fromEntry(entry, true)
		info.Source = res.Source
		return info, nil
	}

	now := s.opts.Now()
	fresh := storage.InventoryCacheEntry{
		Token:         token,
		Quantity:      res.Value.Quantity,
		Price:         res.Value.Price,
		Name:          res.Value.Name,
		LastCheckedAt: now,
		CachedUntil:   now.Add(s.opts.TTL),
	}
	if err := s.cache.UpsertCacheEntry(ctx, fresh); err != nil {
		s.logger.Error().Err(err).Str("token", token).Msg("cache upsert failed")
	}
	s.metrics.IncCacheRead("miss")

	return StockInfo{
		Token:    token,
		Quantity: fresh.Quantity,
		Price:    fresh.Price,
		Name:     fresh.Name,
		Source:   resilience.SourceUpstream,
	}, nil
}

// CheckAvailability reports whether quantity units are in stock. It never places an order.
func (s *Service) CheckAvailability(ctx context.Context, token string, quantity int) (Availability, error) {
	if quantity <= 0 {
		return Availability{}, ErrInvalidQuantity
	}
	info, err := s.GetStock(ctx, token, StockOptions{})
	if err != nil {
		return Availability{}, err
	}
	return Availability{
		Token:     info.Token,
		Requested: quantity,
		InStock:   info.Quantity,
		Available: quantity <= info.Quantity,
		Total:     info.Price.Mul(decimal.NewFromInt(int64(quantity))),
		Stale:     info.Stale,
	}, nil
}

// SyncStock forces a supplier read for token and reports the change.
func (s *Service) SyncStock(ctx context.Context, token string) (SyncReport, error) {
	token = strings.TrimSpace(token)
	if token == "" {
		return SyncReport{}, ErrInvalidToken
	}
	before, found := s.lookup(ctx, token)

	info, err := s.GetStock(ctx, token, StockOptions{ForceFresh: true})
	if err != nil {
		return SyncReport{}, err
	}

	report := SyncReport{
		Token:       token,
		HadEntry:    found,
		NewQuantity: info.Quantity,
		Source:      info.Source,
		Stale:       info.Stale,
	}
	if found {
		report.OldQuantity = before.Quantity
	}
	report.Changed = !found || report.OldQuantity != report.NewQuantity
	if report.Stale {
		report.Changed = false
	}

	s.logger.Info().
		Str("token", token).
		Int("old", report.OldQuantity).
		Int("new", report.NewQuantity).
		Bool("stale", report.Stale).
		Msg("stock synced")
	return report, nil
}

// ListProducts reads the supplier catalog and seeds a cache entry for every product.
func (s *Service) ListProducts(ctx context.Context) ([]supplier.Product, error) {
	call := resilience.Call{API: s.fetcher.API(), Endpoint: "getProducts"}
	res, err := resilience.Execute(ctx, s.executor, call, func(ctx context.Context, route transport.Route) ([]supplier.Product, error) {
		return s.fetcher.GetProducts(ctx, route)
	}, nil)
	if err != nil {
		return nil, fmt.Errorf("list products: %w", err)
	}

	now := s.opts.Now()
	seed := context.WithoutCancel(ctx)
	for i, product := range res.Value {
		if i >= seedLimit {
			break
		}
		if product.Token == "" {
			continue
		}
		entry := storage.InventoryCacheEntry{
			Token:         product.Token,
			Quantity:      product.Quantity,
			Price:         product.Price,
			Name:          product.Name,
			LastCheckedAt: now,
			CachedUntil:   now.Add(s.opts.TTL),
		}
		if err := s.cache.UpsertCacheEntry(seed, entry); err != nil {
			s.logger.Warn().Err(err).Str("token", product.Token).Msg("seed cache entry failed")
		}
	}
	return res.Value, nil
}

// Entry returns the raw cache record for token.
func (s *Service) Entry(ctx context.Context, token string) (storage.InventoryCacheEntry, error) {
	token = strings.TrimSpace(token)
	if token == "" {
		return storage.InventoryCacheEntry{}, ErrInvalidToken
	}
	return s.cache.GetCacheEntry(ctx, token)
}

// Entries lists the most recently checked cache records.
func (s *Service) Entries(ctx context.Context, limit int) ([]storage.InventoryCacheEntry, error) {
	if limit <= 0 {
		limit = 50
	}
	return s.cache.ListCacheEntries(ctx, limit)
}

func (s *Service) lookup(ctx context.Context, token string) (storage.InventoryCacheEntry, bool) {
	entry, err := s.cache.GetCacheEntry(ctx, token)
	switch {
	case err == nil:
		return entry, true
	case errors.Is(err, storage.ErrNotFound):
		return storage.InventoryCacheEntry{}, false
	default:
		s.logger.Warn().Err(err).Str("token", token).Msg("cache read failed, going upstream")
		return storage.InventoryCacheEntry{}, false
	}
}

func (s *Service) fromEntry(entry storage.InventoryCacheEntry, stale bool) StockInfo {
	return StockInfo{
		Token:    entry.Token,
		Quantity: entry.Quantity,
		Price:    entry.Price,
		Name:     entry.Name,
		Cached:   true,
		CacheAge: s.opts.Now().Sub(entry.LastCheckedAt),
		Stale:    stale,
		Source:   resilience.SourceCache,
	}
}
