// Package service runs the scheduled stock sync for watched products.
package service

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"storefront-gateway/internal/inventory"
	"storefront-gateway/internal/scheduler"
	"storefront-gateway/internal/storage"
)

// Syncer refreshes one product's stock.
type Syncer interface {
	SyncStock(ctx context.Context, token string) (inventory.SyncReport, error)
}

// Options tune the sync run.
type Options struct {
	Tokens  []string
	Workers int
	// LockKey guards a run across instances when the store supports advisory locks. Zero disables it.
	LockKey int64
}

// Summary reports one sync run.
type Summary struct {
	Tick    time.Time
	Skipped bool
	Reports []inventory.SyncReport
	Failed  map[string]error
}

// Changed counts products whose quantity moved.
func (s Summary) Changed() int {
	n := 0
	for _, r := range s.Reports {
		if r.Changed {
			n++
		}
	}
	return n
}

// Stale counts products served from the last known entry.
func (s Summary) Stale() int {
	n := 0
	for _, r := range s.Reports {
		if r.Stale {
			n++
		}
	}
	return n
}

// Service orchestrates periodic stock syncs.
type Service struct {
	scheduler *scheduler.Scheduler
	syncer    Syncer
	locker    storage.AdvisoryLocker
	opts      Options
	logger    zerolog.Logger
}

// New constructs the sync service. sched and locker may be nil.
func New(sched *scheduler.Scheduler, syncer Syncer, locker storage.AdvisoryLocker, opts Options, logger zerolog.Logger) *Service {
	if opts.Workers <= 0 {
		opts.Workers = 4
	}
	return &Service{
		scheduler: sched,
		syncer:    syncer,
		locker:    locker,
		opts:      opts,
		logger:    logger.With().Str("component", "stock_sync").Logger(),
	}
}

// Run begins the periodic sync loop.
func (s *Service) Run(ctx context.Context) error {
	if s.scheduler == nil {
		return errors.New("scheduler not configured")
	}
	return s.scheduler.Run(ctx, func(ctx context.Context, tick time.Time) error {
		_, err := s.SyncAll(ctx, tick)
		return err
	})
}

// SyncAll syncs every watched token with bounded concurrency. Per-token failures are collected in
// the summary; the returned error is reserved for lock failures.
func (s *Service) SyncAll(ctx context.Context, tick time.Time) (Summary, error) {
	summary := Summary{Tick: tick, Failed: map[string]error{}}
	if len(s.opts.Tokens) == 0 {
		return summary, nil
	}

	unlock, proceed, err := s.acquireLock(ctx)
	if err != nil {
		return summary, err
	}
	if !proceed {
		s.logger.Debug().Time("tick", tick).Msg("skip sync because advisory lock held elsewhere")
		summary.Skipped = true
		return summary, nil
	}
	if unlock != nil {
		defer unlock()
	}

	var mu sync.Mutex
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(s.opts.Workers)
	for _, token := range s.opts.Tokens {
		token := token
		g.Go(func() error {
			report, err := s.syncer.SyncStock(gctx, token)
			mu.Lock()
			defer mu.Unlock()
			if err != nil {
				summary.Failed[token] = err
				s.logger.Warn().Err(err).Str("token", token).Msg("stock sync failed")
				return nil
			}
			summary.Reports = append(summary.Reports, report)
			return nil
		})
	}
	_ = g.Wait()

	s.logger.Info().
		Time("tick", tick).
		Int("synced", len(summary.Reports)).
		Int("changed", summary.Changed()).
		Int("stale", summary.Stale()).
		Int("failed", len(summary.Failed)).
		Msg("stock sync finished")
	return summary, nil
}

func (s *Service) acquireLock(ctx context.Context) (func(), bool, error) {
	if s.opts.LockKey == 0 || s.locker == nil {
		return nil, true, nil
	}
	unlock, acquired, err := s.locker.TryAdvisoryLock(ctx, s.opts.LockKey)
	if err != nil {
		return nil, false, fmt.Errorf("acquire advisory lock: %w", err)
	}
	if !acquired {
		return nil, false, nil
	}
	return unlock, true, nil
}
