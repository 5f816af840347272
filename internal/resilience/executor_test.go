package resilience

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"storefront-gateway/internal/audit"
	"storefront-gateway/internal/breaker"
	"storefront-gateway/internal/transport"
)

type harness struct {
	ex      *Executor
	breaker *breaker.Breaker
	store   *breaker.MemoryStore
	audit   *audit.MemoryStore
	clock   *clock
	sleeps  []time.Duration
	mu      sync.Mutex
}

type clock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *clock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

func newHarness(t *testing.T, threshold uint, maxRetries int) *harness {
	t.Helper()
	h := &harness{
		store: breaker.NewMemoryStore(),
		audit: audit.NewMemoryStore(),
		clock: &clock{now: time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)},
	}
	h.breaker = breaker.New(h.store, breaker.Options{
		FailureThreshold: threshold,
		Cooldown:         time.Minute,
		Now:              h.clock.Now,
	}, zerolog.Nop())

	selector, err := transport.NewSelector([]transport.Route{
		{Name: transport.Direct},
		{Name: "relay_a", ProxyURL: "https://relay-a.example/?", EncodeTarget: true},
		{Name: "relay_b", ProxyURL: "https://relay-b.example/"},
	}, transport.NewMemoryPreferences(), zerolog.Nop())
	require.NoError(t, err)

	h.ex = New(Deps{
		Breaker:  h.breaker,
		Selector: selector,
		Audit:    audit.New(h.audit, zerolog.Nop()),
	}, Options{
		MaxRetries:     maxRetries,
		AttemptTimeout: time.Second,
		Sleep: func(_ context.Context, d time.Duration) error {
			h.mu.Lock()
			h.sleeps = append(h.sleeps, d)
			h.mu.Unlock()
			return nil
		},
	}, zerolog.Nop())
	return h
}

func (h *harness) health(t *testing.T) breaker.State {
	t.Helper()
	rec, err := h.store.GetHealth(context.Background(), "supplier")
	require.NoError(t, err)
	return breaker.StateOf(rec)
}

var stockCall = Call{API: "supplier", Endpoint: "getStock"}

func transportErr(route string) error {
	return &TransportError{API: "supplier", Route: route, Op: "getStock", Err: errors.New("connection reset")}
}

func TestExecuteSuccess(t *testing.T) {
	h := newHarness(t, 3, 3)

	res, err := Execute(context.Background(), h.ex, stockCall, func(_ context.Context, r transport.Route) (int, error) {
		return 12, nil
	}, nil)
	require.NoError(t, err)
	assert.Equal(t, 12, res.Value)
	assert.Equal(t, SourceUpstream, res.Source)
	assert.Equal(t, 1, res.Attempts)
	assert.Equal(t, transport.Direct, res.Route)
	assert.Equal(t, 1, h.audit.Len())
}

func TestExecuteRotatesOnTransportError(t *testing.T) {
	h := newHarness(t, 3, 3)
	var routes []string

	res, err := Execute(context.Background(), h.ex, stockCall, func(_ context.Context, r transport.Route) (int, error) {
		routes = append(routes, r.Name)
		if r.Name != "relay_b" {
			return 0, transportErr(r.Name)
		}
		return 7, nil
	}, nil)
	require.NoError(t, err)
	assert.Equal(t, 7, res.Value)
	assert.Equal(t, 3, res.Attempts)
	assert.Equal(t, []string{transport.Direct, "relay_a", "relay_b"}, routes)
	assert.Equal(t, []time.Duration{300 * time.Millisecond, time.Second}, h.sleeps)
	assert.Equal(t, 3, h.audit.Len())
	assert.Equal(t, breaker.StateClosed, h.health(t))
}

func TestExecuteUnknownErrorRetriesWithoutRotation(t *testing.T) {
	h := newHarness(t, 3, 2)
	var routes []string

	_, err := Execute(context.Background(), h.ex, stockCall, func(_ context.Context, r transport.Route) (int, error) {
		routes = append(routes, r.Name)
		return 0, errors.New("upstream 500")
	}, nil)
	require.Error(t, err)
	assert.Equal(t, []string{transport.Direct, transport.Direct, transport.Direct}, routes)
}

func TestExecuteBusinessErrorIsNotRetried(t *testing.T) {
	h := newHarness(t, 1, 3)
	var calls int32

	_, err := Execute(context.Background(), h.ex, stockCall, func(_ context.Context, r transport.Route) (int, error) {
		atomic.AddInt32(&calls, 1)
		return 0, &BusinessError{API: "supplier", Status: 404, Code: "unknown_token", Message: "no such product"}
	}, func(context.Context) (int, error) { return 99, nil })

	var business *BusinessError
	require.ErrorAs(t, err, &business)
	assert.Equal(t, int32(1), calls)
	assert.Equal(t, breaker.StateClosed, h.health(t))
	assert.Empty(t, h.sleeps)
}

func TestExecuteExhaustionCountsOneFailure(t *testing.T) {
	h := newHarness(t, 3, 3)

	res, err := Execute(context.Background(), h.ex, stockCall, func(_ context.Context, r transport.Route) (int, error) {
		return 0, transportErr(r.Name)
	}, func(context.Context) (int, error) { return 5, nil })
	require.NoError(t, err)
	assert.Equal(t, SourceDegraded, res.Source)
	assert.Equal(t, 5, res.Value)
	assert.Equal(t, 4, res.Attempts)
	assert.Equal(t, ClassTransport, Classify(res.Cause))
	assert.Equal(t, []time.Duration{300 * time.Millisecond, time.Second, 3 * time.Second}, h.sleeps)

	rec, err := h.store.GetHealth(context.Background(), "supplier")
	require.NoError(t, err)
	assert.Equal(t, uint(1), rec.ErrorCount)
}

func TestExecuteDelayScheduleRepeatsLast(t *testing.T) {
	h := newHarness(t, 10, 5)

	_, err := Execute(context.Background(), h.ex, stockCall, func(_ context.Context, r transport.Route) (int, error) {
		return 0, transportErr(r.Name)
	}, nil)
	require.Error(t, err)
	assert.Equal(t, []time.Duration{300 * time.Millisecond, time.Second, 3 * time.Second, 3 * time.Second, 3 * time.Second}, h.sleeps)
}

func TestExecuteOpenCircuitSkipsUpstream(t *testing.T) {
	h := newHarness(t, 3, 0)
	failing := func(_ context.Context, r transport.Route) (int, error) { return 0, transportErr(r.Name) }

	for i := 0; i < 3; i++ {
		_, err := Execute(context.Background(), h.ex, stockCall, failing, nil)
		require.Error(t, err)
	}
	require.Equal(t, breaker.StateOpen, h.health(t))
	audited := h.audit.Len()

	var calls int32
	work := func(_ context.Context, r transport.Route) (int, error) {
		atomic.AddInt32(&calls, 1)
		return 1, nil
	}

	res, err := Execute(context.Background(), h.ex, stockCall, work, func(context.Context) (int, error) { return 12, nil })
	require.NoError(t, err)
	assert.Equal(t, SourceCache, res.Source)
	assert.Equal(t, 12, res.Value)

	_, err = Execute(context.Background(), h.ex, stockCall, work, nil)
	require.ErrorIs(t, err, ErrUpstreamUnavailable)
	require.ErrorIs(t, err, breaker.ErrOpen)

	assert.Zero(t, atomic.LoadInt32(&calls))
	assert.Equal(t, audited, h.audit.Len())
}

func TestExecuteFallbackFailure(t *testing.T) {
	h := newHarness(t, 3, 0)
	fallbackErr := errors.New("no cache entry")

	_, err := Execute(context.Background(), h.ex, stockCall, func(_ context.Context, r transport.Route) (int, error) {
		return 0, transportErr(r.Name)
	}, func(context.Context) (int, error) { return 0, fallbackErr })

	var exhausted *FallbackExhaustedError
	require.ErrorAs(t, err, &exhausted)
	require.ErrorIs(t, err, fallbackErr)
	assert.Equal(t, ClassTransport, Classify(exhausted.Cause))
}

func TestExecuteHalfOpenTrialIsSingleAttempt(t *testing.T) {
	h := newHarness(t, 1, 3)
	failing := func(_ context.Context, r transport.Route) (int, error) { return 0, transportErr(r.Name) }

	_, err := Execute(context.Background(), h.ex, stockCall, failing, nil)
	require.Error(t, err)
	require.Equal(t, breaker.StateOpen, h.health(t))

	h.clock.Advance(time.Minute)
	var calls int32
	_, err = Execute(context.Background(), h.ex, stockCall, func(_ context.Context, r transport.Route) (int, error) {
		atomic.AddInt32(&calls, 1)
		return 0, transportErr(r.Name)
	}, nil)
	require.Error(t, err)
	assert.Equal(t, int32(1), calls)
	assert.Equal(t, breaker.StateOpen, h.health(t))

	h.clock.Advance(time.Minute)
	res, err := Execute(context.Background(), h.ex, stockCall, func(_ context.Context, r transport.Route) (int, error) {
		return 3, nil
	}, nil)
	require.NoError(t, err)
	assert.Equal(t, 3, res.Value)
	assert.Equal(t, breaker.StateClosed, h.health(t))
}

func TestExecuteHalfOpenTrialOutlivesCaller(t *testing.T) {
	h := newHarness(t, 1, 3)
	_, err := Execute(context.Background(), h.ex, stockCall, func(_ context.Context, r transport.Route) (int, error) {
		return 0, transportErr(r.Name)
	}, nil)
	require.Error(t, err)
	require.Equal(t, breaker.StateOpen, h.health(t))

	h.clock.Advance(time.Minute)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	res, err := Execute(ctx, h.ex, stockCall, func(attemptCtx context.Context, r transport.Route) (int, error) {
		cancel()
		if attemptCtx.Err() != nil {
			return 0, attemptCtx.Err()
		}
		return 5, nil
	}, nil)
	require.NoError(t, err)
	assert.Equal(t, 5, res.Value)
	assert.Equal(t, breaker.StateClosed, h.health(t))
}

func TestExecuteContinuesAfterCallerCancels(t *testing.T) {
	h := newHarness(t, 3, 3)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	var attempts int32
	res, err := Execute(ctx, h.ex, stockCall, func(attemptCtx context.Context, r transport.Route) (int, error) {
		if atomic.AddInt32(&attempts, 1) == 1 {
			cancel()
			return 0, transportErr(r.Name)
		}
		if attemptCtx.Err() != nil {
			return 0, attemptCtx.Err()
		}
		return 4, nil
	}, nil)
	require.NoError(t, err)
	assert.Equal(t, 4, res.Value)
	assert.Equal(t, int32(2), attempts)
}

func TestExecuteAttemptTimeoutIsTransport(t *testing.T) {
	h := newHarness(t, 3, 0)
	h.ex.opts.AttemptTimeout = 10 * time.Millisecond

	_, err := Execute(context.Background(), h.ex, stockCall, func(ctx context.Context, r transport.Route) (int, error) {
		<-ctx.Done()
		return 0, errors.New("gave up waiting")
	}, nil)

	var te *TransportError
	require.ErrorAs(t, err, &te)
	assert.Equal(t, transport.Direct, te.Route)
}

func TestClassify(t *testing.T) {
	assert.Equal(t, ClassNone, Classify(nil))
	assert.Equal(t, ClassTransport, Classify(context.DeadlineExceeded))
	assert.Equal(t, ClassTransport, Classify(transportErr("direct")))
	assert.Equal(t, ClassBusiness, Classify(&BusinessError{Status: 400}))
	assert.Equal(t, ClassUnknown, Classify(errors.New("boom")))
}
