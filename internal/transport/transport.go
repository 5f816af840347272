// Package transport rotates between alternative network routes to the supplier.
package transport

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"sync"

	"github.com/rs/zerolog"
)

// Direct is the name of the route that calls the target without a relay.
const Direct = "direct"

// Route is one way to reach the upstream. A non-empty ProxyURL turns the route into a relay
// whose request URL is ProxyURL followed by the target, query-escaped when EncodeTarget is set.
type Route struct {
	Name         string
	ProxyURL     string
	EncodeTarget bool
}

// Relayed reports whether requests go through a relay.
func (r Route) Relayed() bool {
	return r.ProxyURL != ""
}

// Wrap returns the URL to request for target over this route.
func (r Route) Wrap(target string) string {
	if !r.Relayed() {
		return target
	}
	if r.EncodeTarget {
		return r.ProxyURL + url.QueryEscape(target)
	}
	return r.ProxyURL + target
}

// PreferenceStore persists the last route that worked. Writes are best effort.
type PreferenceStore interface {
	LoadPreference(ctx context.Context, scope string) (string, error)
	SavePreference(ctx context.Context, scope, route string) error
}

// Selector hands out per-request sessions over a fixed ordered set of routes.
type Selector struct {
	routes []Route
	index  map[string]int
	prefs  PreferenceStore
	logger zerolog.Logger
}

// NewSelector validates routes: at least one, unique non-empty names.
func NewSelector(routes []Route, prefs PreferenceStore, logger zerolog.Logger) (*Selector, error) {
	if len(routes) == 0 {
		return nil, errors.New("transport: at least one route is required")
	}
	index := make(map[string]int, len(routes))
	for i, r := range routes {
		if r.Name == "" {
			return nil, fmt.Errorf("transport: route %d has no name", i)
		}
		if _, dup := index[r.Name]; dup {
			return nil, fmt.Errorf("transport: duplicate route %q", r.Name)
		}
		index[r.Name] = i
	}
	return &Selector{
		routes: append([]Route(nil), routes...),
		index:  index,
		prefs:  prefs,
		logger: logger.With().Str("component", "transport").Logger(),
	}, nil
}

// Routes returns a copy of the configured routes in rotation order.
func (s *Selector) Routes() []Route {
	return append([]Route(nil), s.routes...)
}

// Lookup finds a route by name.
func (s *Selector) Lookup(name string) (Route, bool) {
	i, ok := s.index[name]
	if !ok {
		return Route{}, false
	}
	return s.routes[i], true
}

type routeKey struct{}

// WithRoute pins the starting route for sessions opened with ctx.
func WithRoute(ctx context.Context, name string) context.Context {
	return context.WithValue(ctx, routeKey{}, name)
}

// Session opens a rotation cursor. The start is the route pinned on ctx, else the stored
// preference for scope, else the first route.
func (s *Selector) Session(ctx context.Context, scope string) *Session {
	start := 0
	if name, ok := ctx.Value(routeKey{}).(string); ok {
		if i, found := s.index[name]; found {
			start = i
		}
	} else if s.prefs != nil {
		name, err := s.prefs.LoadPreference(ctx, scope)
		if err != nil {
			s.logger.Debug().Err(err).Str("scope", scope).Msg("load transport preference failed")
		} else if i, found := s.index[name]; found {
			start = i
		}
	}
	return &Session{selector: s, scope: scope, cur: start}
}

// Session is the route cursor of one logical request. It is safe for concurrent use.
type Session struct {
	selector *Selector
	scope    string

	mu  sync.Mutex
	cur int
}

// Current returns the route for the next attempt.
func (s *Session) Current() Route {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.selector.routes[s.cur]
}

// Rotate advances cyclically and persists the new preference.
func (s *Session) Rotate(ctx context.Context) Route {
	s.mu.Lock()
	s.cur = (s.cur + 1) % len(s.selector.routes)
	next := s.selector.routes[s.cur]
	s.mu.Unlock()

	s.persist(ctx, next)
	return next
}

func (s *Session) persist(ctx context.Context, r Route) {
	if s.selector.prefs == nil {
		return
	}
	if err := s.selector.prefs.SavePreference(ctx, s.scope, r.Name); err != nil {
		s.selector.logger.Debug().Err(err).Str("route", r.Name).Msg("save transport preference failed")
	}
}

// MemoryPreferences keeps preferences in process.
type MemoryPreferences struct {
	mu    sync.RWMutex
	prefs map[string]string
}

// NewMemoryPreferences returns an empty preference store.
func NewMemoryPreferences() *MemoryPreferences {
	return &MemoryPreferences{prefs: make(map[string]string)}
}

// LoadPreference returns the saved route or "".
func (m *MemoryPreferences) LoadPreference(_ context.Context, scope string) (string, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.prefs[scope], nil
}

// SavePreference overwrites the saved route.
func (m *MemoryPreferences) SavePreference(_ context.Context, scope, route string) error {
	m.mu.Lock()
	m.prefs[scope] = route
	m.mu.Unlock()
	return nil
}
