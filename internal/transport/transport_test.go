package transport

import (
	"context"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var testRoutes = []Route{
	{Name: Direct},
	{Name: "relay_a", ProxyURL: "https://relay-a.example/?", EncodeTarget: true},
	{Name: "relay_b", ProxyURL: "https://relay-b.example/fetch/"},
}

func TestRouteWrap(t *testing.T) {
	target := "https://supplier.example/stock/abc?x=1"

	assert.Equal(t, target, testRoutes[0].Wrap(target))
	assert.Equal(t, "https://relay-a.example/?https%3A%2F%2Fsupplier.example%2Fstock%2Fabc%3Fx%3D1", testRoutes[1].Wrap(target))
	assert.Equal(t, "https://relay-b.example/fetch/"+target, testRoutes[2].Wrap(target))
}

func TestNewSelectorValidates(t *testing.T) {
	_, err := NewSelector(nil, nil, zerolog.Nop())
	require.Error(t, err)

	_, err = NewSelector([]Route{{Name: "a"}, {Name: "a"}}, nil, zerolog.Nop())
	require.Error(t, err)

	_, err = NewSelector([]Route{{}}, nil, zerolog.Nop())
	require.Error(t, err)
}

func TestSessionRotatesCyclically(t *testing.T) {
	prefs := NewMemoryPreferences()
	sel, err := NewSelector(testRoutes, prefs, zerolog.Nop())
	require.NoError(t, err)
	ctx := context.Background()

	session := sel.Session(ctx, "supplier")
	assert.Equal(t, Direct, session.Current().Name)
	assert.Equal(t, "relay_a", session.Rotate(ctx).Name)
	assert.Equal(t, "relay_b", session.Rotate(ctx).Name)
	assert.Equal(t, Direct, session.Rotate(ctx).Name)

	stored, err := prefs.LoadPreference(ctx, "supplier")
	require.NoError(t, err)
	assert.Equal(t, Direct, stored)
}

func TestSessionStartsFromPreference(t *testing.T) {
	prefs := NewMemoryPreferences()
	ctx := context.Background()
	require.NoError(t, prefs.SavePreference(ctx, "supplier", "relay_b"))

	sel, err := NewSelector(testRoutes, prefs, zerolog.Nop())
	require.NoError(t, err)

	assert.Equal(t, "relay_b", sel.Session(ctx, "supplier").Current().Name)
	assert.Equal(t, Direct, sel.Session(ctx, "other").Current().Name)
}

func TestSessionPinnedRouteWins(t *testing.T) {
	prefs := NewMemoryPreferences()
	ctx := context.Background()
	require.NoError(t, prefs.SavePreference(ctx, "supplier", "relay_b"))

	sel, err := NewSelector(testRoutes, prefs, zerolog.Nop())
	require.NoError(t, err)

	pinned := WithRoute(ctx, "relay_a")
	assert.Equal(t, "relay_a", sel.Session(pinned, "supplier").Current().Name)
}

func TestSessionsAreIndependent(t *testing.T) {
	sel, err := NewSelector(testRoutes, nil, zerolog.Nop())
	require.NoError(t, err)
	ctx := context.Background()

	a := sel.Session(ctx, "supplier")
	b := sel.Session(ctx, "supplier")
	a.Rotate(ctx)

	assert.Equal(t, "relay_a", a.Current().Name)
	assert.Equal(t, Direct, b.Current().Name)
}
