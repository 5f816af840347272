package audit

import (
	"context"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestClampLimit(t *testing.T) {
	assert.Equal(t, DefaultLimit, ClampLimit(0))
	assert.Equal(t, DefaultLimit, ClampLimit(-3))
	assert.Equal(t, 1, ClampLimit(1))
	assert.Equal(t, MaxLimit, ClampLimit(10_000))
}

func TestLogRecentNewestFirst(t *testing.T) {
	store := NewMemoryStore()
	log := New(store, zerolog.Nop())
	ctx := context.Background()
	base := time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)

	for i := 0; i < 3; i++ {
		entry := Event("supplier", "getStock", "success", time.Duration(i+1)*time.Millisecond, map[string]any{"attempt": i + 1})
		entry.CreatedAt = base.Add(time.Duration(i) * time.Second)
		require.NoError(t, log.Record(ctx, entry))
	}

	recent, err := log.Recent(ctx, 2)
	require.NoError(t, err)
	require.Len(t, recent, 2)
	assert.Equal(t, int64(3), recent[0].ResponseTimeMs)
	assert.JSONEq(t, `{"attempt":3}`, string(recent[0].Details))

	window, err := log.Between(ctx, base, base.Add(time.Second), 10)
	require.NoError(t, err)
	assert.Len(t, window, 2)

	_, err = log.Between(ctx, base, base.Add(-time.Second), 10)
	require.Error(t, err)
}
