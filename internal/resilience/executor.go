// Package resilience runs upstream calls behind the circuit breaker with retries, a fixed backoff
// schedule and transport rotation, falling back to cached data when the upstream is unavailable.
package resilience

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"storefront-gateway/internal/audit"
	"storefront-gateway/internal/breaker"
	"storefront-gateway/internal/metrics"
	"storefront-gateway/internal/transport"
)

// Source says where a result came from.
type Source string

const (
	SourceUpstream Source = "upstream"
	// SourceCache means the breaker rejected the call and the fallback answered.
	SourceCache Source = "cache"
	// SourceDegraded means retries were exhausted and the fallback answered.
	SourceDegraded Source = "degraded"
)

// Call names the upstream operation for breaker, audit and route preference purposes.
type Call struct {
	API      string
	Endpoint string
	// Scope keys the stored route preference; defaults to API.
	Scope string
}

// Result carries the value and how it was obtained.
type Result[T any] struct {
	Value    T
	Source   Source
	Attempts int
	Route    string
	// Cause is the error that sent the call to the fallback.
	Cause error
}

// Options tune retry behaviour.
type Options struct {
	MaxRetries     int
	DelaySchedule  []time.Duration
	AttemptTimeout time.Duration
	// Sleep waits between attempts; tests replace it to avoid real delays.
	Sleep func(ctx context.Context, d time.Duration) error
}

// Deps are the collaborators of an Executor. Breaker, Selector, Audit and Metrics may be nil.
type Deps struct {
	Breaker  *breaker.Breaker
	Selector *transport.Selector
	Audit    audit.Recorder
	Metrics  *metrics.Metrics
}

// Executor holds shared retry policy. It is safe for concurrent use.
type Executor struct {
	deps   Deps
	opts   Options
	logger zerolog.Logger
}

// DefaultDelaySchedule is used when Options.DelaySchedule is empty.
var DefaultDelaySchedule = []time.Duration{300 * time.Millisecond, time.Second, 3 * time.Second}

// New constructs an Executor.
func New(deps Deps, opts Options, logger zerolog.Logger) *Executor {
	if opts.MaxRetries < 0 {
		opts.MaxRetries = 0
	}
	if len(opts.DelaySchedule) == 0 {
		opts.DelaySchedule = DefaultDelaySchedule
	}
	if opts.AttemptTimeout <= 0 {
		opts.AttemptTimeout = 12 * time.Second
	}
	if opts.Sleep == nil {
		opts.Sleep = sleepContext
	}
	return &Executor{
		deps:   deps,
		opts:   opts,
		logger: logger.With().Str("component", "executor").Logger(),
	}
}

// Execute runs work against the upstream named by call.
//
// When the breaker rejects the call, fallback answers with SourceCache, or ErrUpstreamUnavailable
// is returned without one. Otherwise work is attempted up to 1+MaxRetries times (once for a
// half-open trial); transport errors rotate the route, business errors return immediately and
// count as a healthy upstream. Exhaustion records one breaker failure and then tries fallback
// with SourceDegraded. After the first attempt the sequence ignores caller cancellation; a
// half-open trial ignores it throughout so a departing caller cannot reopen the circuit.
func Execute[T any](ctx context.Context, ex *Executor, call Call, work func(context.Context, transport.Route) (T, error), fallback func(context.Context) (T, error)) (Result[T], error) {
	if call.Scope == "" {
		call.Scope = call.API
	}
	log := ex.logger.With().Str("api", call.API).Str("endpoint", call.Endpoint).Logger()

	permit, err := ex.allow(ctx, call.API)
	if err != nil {
		denied := fmt.Errorf("%w: %w", ErrUpstreamUnavailable, err)
		if fallback == nil {
			ex.deps.Metrics.IncResult(call.API, "error")
			return Result[T]{}, denied
		}
		value, ferr := fallback(ctx)
		if ferr != nil {
			ex.deps.Metrics.IncResult(call.API, "error")
			return Result[T]{}, &FallbackExhaustedError{Cause: denied, FallbackErr: ferr}
		}
		log.Debug().Msg("circuit open, served fallback")
		ex.deps.Metrics.IncResult(call.API, string(SourceCache))
		return Result[T]{Value: value, Source: SourceCache, Cause: denied}, nil
	}

	var session *transport.Session
	if ex.deps.Selector != nil {
		session = ex.deps.Selector.Session(ctx, call.Scope)
	}

	maxAttempts := 1 + ex.opts.MaxRetries
	if permit.Trial {
		maxAttempts = 1
	}

	// only the first non-trial attempt observes caller cancellation; bookkeeping and retries are detached
	runCtx := context.WithoutCancel(ctx)
	var (
		lastErr error
		route   transport.Route
		attempt int
	)
	for attempt = 1; attempt <= maxAttempts; attempt++ {
		route = transport.Route{Name: transport.Direct}
		if session != nil {
			route = session.Current()
		}

		workCtx := runCtx
		if attempt == 1 && !permit.Trial {
			workCtx = ctx
		}
		value, elapsed, err := runAttempt(workCtx, ex.opts.AttemptTimeout, route, call, work)
		class := Classify(err)
		ex.observe(runCtx, call, route, attempt, permit.Trial, elapsed, err, class)

		switch class {
		case ClassNone:
			ex.recordSuccess(runCtx, permit, log)
			ex.deps.Metrics.IncResult(call.API, string(SourceUpstream))
			return Result[T]{Value: value, Source: SourceUpstream, Attempts: attempt, Route: route.Name}, nil
		case ClassBusiness:
			ex.recordSuccess(runCtx, permit, log)
			ex.deps.Metrics.IncResult(call.API, "error")
			return Result[T]{Attempts: attempt, Route: route.Name}, err
		}

		lastErr = err
		log.Warn().Err(err).Int("attempt", attempt).Str("route", route.Name).Str("class", class.String()).Msg("upstream attempt failed")
		if attempt == maxAttempts {
			break
		}
		if class == ClassTransport && session != nil {
			next := session.Rotate(runCtx)
			log.Debug().Str("from", route.Name).Str("to", next.Name).Msg("rotated transport route")
		}
		if err := ex.opts.Sleep(runCtx, ex.delay(attempt-1)); err != nil {
			break
		}
	}

	if ex.deps.Breaker != nil {
		if err := ex.deps.Breaker.RecordFailure(runCtx, permit, lastErr); err != nil {
			log.Error().Err(err).Msg("record breaker failure")
		}
	}

	if fallback == nil {
		ex.deps.Metrics.IncResult(call.API, "error")
		return Result[T]{Attempts: attempt, Route: route.Name}, lastErr
	}
	value, ferr := fallback(runCtx)
	if ferr != nil {
		ex.deps.Metrics.IncResult(call.API, "error")
		return Result[T]{Attempts: attempt, Route: route.Name}, &FallbackExhaustedError{Cause: lastErr, FallbackErr: ferr}
	}
	ex.deps.Metrics.IncResult(call.API, string(SourceDegraded))
	return Result[T]{Value: value, Source: SourceDegraded, Attempts: attempt, Route: route.Name, Cause: lastErr}, nil
}

func (ex *Executor) allow(ctx context.Context, api string) (breaker.Permit, error) {
	if ex.deps.Breaker == nil {
		return breaker.Permit{API: api, State: breaker.StateClosed}, nil
	}
	return ex.deps.Breaker.Allow(ctx, api)
}

func (ex *Executor) recordSuccess(ctx context.Context, permit breaker.Permit, log zerolog.Logger) {
	if ex.deps.Breaker == nil {
		return
	}
	if err := ex.deps.Breaker.RecordSuccess(ctx, permit); err != nil {
		log.Error().Err(err).Msg("record breaker success")
	}
}

func runAttempt[T any](ctx context.Context, timeout time.Duration, route transport.Route, call Call, work func(context.Context, transport.Route) (T, error)) (T, time.Duration, error) {
	attemptCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	start := time.Now()
	value, err := work(attemptCtx, route)
	elapsed := time.Since(start)
	if err != nil && Classify(err) == ClassUnknown && errors.Is(attemptCtx.Err(), context.DeadlineExceeded) {
		err = &TransportError{API: call.API, Route: route.Name, Op: call.Endpoint, Err: err}
	}
	return value, elapsed, err
}

func (ex *Executor) observe(ctx context.Context, call Call, route transport.Route, attempt int, trial bool, elapsed time.Duration, err error, class Class) {
	ex.deps.Metrics.ObserveAttempt(call.API, route.Name, class.String(), elapsed)
	if ex.deps.Audit == nil {
		return
	}

	details := map[string]any{
		"attempt": attempt,
		"route":   route.Name,
		"relayed": route.Relayed(),
	}
	if trial {
		details["trial"] = true
	}
	if err != nil {
		details["error"] = err.Error()
	}
	entry := audit.Event(call.API, call.Endpoint, class.String(), elapsed, details)
	if aerr := ex.deps.Audit.Record(ctx, entry); aerr != nil {
		ex.logger.Debug().Err(aerr).Str("api", call.API).Msg("attempt not audited")
	}
}

// delay returns the wait before retry number retry (0-based); the last entry repeats.
func (ex *Executor) delay(retry int) time.Duration {
	schedule := ex.opts.DelaySchedule
	if retry >= len(schedule) {
		return schedule[len(schedule)-1]
	}
	return schedule[retry]
}

func sleepContext(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return nil
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
