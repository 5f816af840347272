// Package breaker implements a circuit breaker whose state lives in a shared storage.HealthStore,
// so every instance talking to the same upstream agrees on whether it is reachable.
package breaker

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"storefront-gateway/internal/storage"
)

// ErrOpen is returned by Allow while the circuit rejects calls.
var ErrOpen = errors.New("breaker: circuit open")

// errNoChange aborts an UpdateHealth transaction without writing.
var errNoChange = errors.New("breaker: no change")

// State is the derived circuit state of an APIHealth record.
type State string

const (
	StateClosed   State = "closed"
	StateOpen     State = "open"
	StateHalfOpen State = "half_open"
)

// StateOf derives the circuit state from a stored record.
func StateOf(h storage.APIHealth) State {
	switch {
	case h.IsOpen:
		return StateOpen
	case h.HalfOpen:
		return StateHalfOpen
	default:
		return StateClosed
	}
}

// Options tune breaker thresholds.
type Options struct {
	FailureThreshold uint
	SuccessThreshold uint
	Cooldown         time.Duration
	// ProbeTimeout bounds how long an unanswered half-open trial blocks other callers.
	ProbeTimeout time.Duration
	Now          func() time.Time
}

// Permit authorises one call. Trial permits are the single half-open probe.
type Permit struct {
	API   string
	Trial bool
	State State
}

// Transition describes a state change observed while applying an update.
type Transition struct {
	API    string
	From   State
	To     State
	Health storage.APIHealth
}

// Breaker applies circuit transitions atomically through a HealthStore.
type Breaker struct {
	store    storage.HealthStore
	opts     Options
	logger   zerolog.Logger
	onChange []func(Transition)
}

// New constructs a Breaker. Zero options fall back to 5 failures, 1 success and a 60s cooldown.
func New(store storage.HealthStore, opts Options, logger zerolog.Logger) *Breaker {
	if opts.FailureThreshold == 0 {
		opts.FailureThreshold = 5
	}
	if opts.SuccessThreshold == 0 {
		opts.SuccessThreshold = 1
	}
	if opts.Cooldown <= 0 {
		opts.Cooldown = time.Minute
	}
	if opts.ProbeTimeout <= 0 {
		opts.ProbeTimeout = opts.Cooldown
	}
	if opts.Now == nil {
		opts.Now = func() time.Time { return time.Now().UTC() }
	}
	return &Breaker{
		store:  store,
		opts:   opts,
		logger: logger.With().Str("component", "breaker").Logger(),
	}
}

// OnStateChange registers fn to run after every committed transition. Register before use.
func (b *Breaker) OnStateChange(fn func(Transition)) {
	b.onChange = append(b.onChange, fn)
}

// Allow decides whether a call to api may proceed. While open before the cooldown, or while the
// half-open trial is in flight, it returns ErrOpen. Store failures fail open.
func (b *Breaker) Allow(ctx context.Context, api string) (Permit, error) {
	current, err := b.store.GetHealth(ctx, api)
	if err != nil {
		b.logger.Warn().Err(err).Str("api", api).Msg("health store unavailable, allowing call")
		return Permit{API: api, State: StateClosed}, nil
	}
	if StateOf(current) == StateClosed {
		return Permit{API: api, State: StateClosed}, nil
	}

	var (
		permit Permit
		denied bool
		from   State
	)
	updated, err := b.store.UpdateHealth(ctx, api, func(h *storage.APIHealth) error {
		now := b.opts.Now()
		from = StateOf(*h)
		denied = false
		switch from {
		case StateClosed:
			permit = Permit{API: api, State: StateClosed}
			return errNoChange
		case StateOpen:
			if h.OpenedAt != nil && now.Sub(*h.OpenedAt) < b.opts.Cooldown {
				denied = true
				return errNoChange
			}
			h.IsOpen = false
			h.HalfOpen = true
			h.ConsecutiveSuccess = 0
		case StateHalfOpen:
			if h.ProbeStartedAt != nil && now.Sub(*h.ProbeStartedAt) < b.opts.ProbeTimeout {
				denied = true
				return errNoChange
			}
		}
		h.ProbeStartedAt = &now
		h.UpdatedAt = now
		permit = Permit{API: api, Trial: true, State: StateHalfOpen}
		return nil
	})
	switch {
	case errors.Is(err, errNoChange):
		if denied {
			return Permit{}, fmt.Errorf("%s: %w", api, ErrOpen)
		}
		return permit, nil
	case err != nil:
		b.logger.Warn().Err(err).Str("api", api).Msg("health update failed, allowing call")
		return Permit{API: api, State: StateClosed}, nil
	}

	if from == StateOpen {
		b.emit(Transition{API: api, From: StateOpen, To: StateHalfOpen, Health: updated})
	}
	b.logger.Info().Str("api", api).Msg("granted half-open trial")
	return permit, nil
}

// RecordSuccess reports a healthy upstream response for a permitted call.
func (b *Breaker) RecordSuccess(ctx context.Context, permit Permit) error {
	if !permit.Trial {
		current, err := b.store.GetHealth(ctx, permit.API)
		if err == nil && StateOf(current) == StateClosed && current.ErrorCount == 0 {
			return nil
		}
	}

	var from State
	updated, err := b.store.UpdateHealth(ctx, permit.API, func(h *storage.APIHealth) error {
		now := b.opts.Now()
		from = StateOf(*h)
		switch from {
		case StateClosed:
			if h.ErrorCount == 0 {
				return errNoChange
			}
			h.ErrorCount = 0
		case StateHalfOpen:
			if !permit.Trial {
				return errNoChange
			}
			h.ConsecutiveSuccess++
			h.ProbeStartedAt = nil
			if h.ConsecutiveSuccess >= b.opts.SuccessThreshold {
				h.HalfOpen = false
				h.ErrorCount = 0
				h.OpenedAt = nil
				h.LastError = nil
			}
		case StateOpen:
			// a straggler admitted before the circuit opened
			return errNoChange
		}
		h.UpdatedAt = now
		return nil
	})
	if errors.Is(err, errNoChange) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("record success %s: %w", permit.API, err)
	}

	if to := StateOf(updated); to != from {
		b.logger.Info().Str("api", permit.API).Uint("successes", updated.ConsecutiveSuccess).Msg("circuit closed")
		b.emit(Transition{API: permit.API, From: from, To: to, Health: updated})
	}
	return nil
}

// RecordFailure counts a failed call. The circuit opens when the threshold is reached while
// closed, and immediately on any failure while half-open.
func (b *Breaker) RecordFailure(ctx context.Context, permit Permit, cause error) error {
	msg := "unknown error"
	if cause != nil {
		msg = cause.Error()
	}

	var from State
	updated, err := b.store.UpdateHealth(ctx, permit.API, func(h *storage.APIHealth) error {
		now := b.opts.Now()
		from = StateOf(*h)
		h.ErrorCount++
		h.LastError = &msg
		h.UpdatedAt = now
		switch from {
		case StateClosed:
			if h.ErrorCount >= b.opts.FailureThreshold {
				h.IsOpen = true
				h.OpenedAt = &now
				h.ConsecutiveSuccess = 0
			}
		case StateHalfOpen:
			h.HalfOpen = false
			h.IsOpen = true
			h.OpenedAt = &now
			h.ProbeStartedAt = nil
			h.ConsecutiveSuccess = 0
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("record failure %s: %w", permit.API, err)
	}

	if to := StateOf(updated); to != from {
		b.logger.Warn().Str("api", permit.API).
			Str("from", string(from)).
			Uint("error_count", updated.ErrorCount).
			Str("last_error", msg).
			Msg("circuit opened")
		b.emit(Transition{API: permit.API, From: from, To: to, Health: updated})
	}
	return nil
}

// Reset forces the circuit closed and clears counters.
func (b *Breaker) Reset(ctx context.Context, api string) (storage.APIHealth, error) {
	var from State
	updated, err := b.store.UpdateHealth(ctx, api, func(h *storage.APIHealth) error {
		from = StateOf(*h)
		*h = storage.APIHealth{API: api, UpdatedAt: b.opts.Now()}
		return nil
	})
	if err != nil {
		return storage.APIHealth{}, fmt.Errorf("reset %s: %w", api, err)
	}
	if from != StateClosed {
		b.emit(Transition{API: api, From: from, To: StateClosed, Health: updated})
	}
	b.logger.Info().Str("api", api).Str("from", string(from)).Msg("circuit reset")
	return updated, nil
}

// Snapshot lists every tracked upstream.
func (b *Breaker) Snapshot(ctx context.Context) ([]storage.APIHealth, error) {
	return b.store.ListHealth(ctx)
}

func (b *Breaker) emit(t Transition) {
	for _, fn := range b.onChange {
		fn(t)
	}
}
