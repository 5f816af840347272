package redisstore

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"storefront-gateway/internal/storage"
)

func newTestClient(t *testing.T) *redis.Client {
	t.Helper()
	srv := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: srv.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	return client
}

func TestHealthStore(t *testing.T) {
	store := NewHealthStore(newTestClient(t), "test")
	ctx := context.Background()

	t.Run("missing record is closed", func(t *testing.T) {
		h, err := store.GetHealth(ctx, "supplier")
		require.NoError(t, err)
		assert.Equal(t, storage.APIHealth{API: "supplier"}, h)
	})

	t.Run("update and read back", func(t *testing.T) {
		opened := time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)
		_, err := store.UpdateHealth(ctx, "supplier", func(h *storage.APIHealth) error {
			h.IsOpen = true
			h.ErrorCount = 5
			h.OpenedAt = &opened
			return nil
		})
		require.NoError(t, err)

		h, err := store.GetHealth(ctx, "supplier")
		require.NoError(t, err)
		assert.True(t, h.IsOpen)
		assert.Equal(t, uint(5), h.ErrorCount)
		require.NotNil(t, h.OpenedAt)
		assert.True(t, opened.Equal(*h.OpenedAt))

		list, err := store.ListHealth(ctx)
		require.NoError(t, err)
		require.Len(t, list, 1)
		assert.Equal(t, "supplier", list[0].API)
	})

	t.Run("invalid state is rejected", func(t *testing.T) {
		_, err := store.UpdateHealth(ctx, "supplier", func(h *storage.APIHealth) error {
			h.HalfOpen = true
			return nil
		})
		require.Error(t, err)
	})
}

func TestHealthStoreConcurrentIncrements(t *testing.T) {
	store := NewHealthStore(newTestClient(t), "test")
	ctx := context.Background()

	var wg sync.WaitGroup
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := store.UpdateHealth(ctx, "supplier", func(h *storage.APIHealth) error {
				h.ErrorCount++
				return nil
			})
			assert.NoError(t, err)
		}()
	}
	wg.Wait()

	h, err := store.GetHealth(ctx, "supplier")
	require.NoError(t, err)
	assert.Equal(t, uint(10), h.ErrorCount)
}

func TestPreferenceStore(t *testing.T) {
	store := NewPreferenceStore(newTestClient(t), "test")
	ctx := context.Background()

	name, err := store.LoadPreference(ctx, "supplier")
	require.NoError(t, err)
	assert.Empty(t, name)

	require.NoError(t, store.SavePreference(ctx, "supplier", "relay_b"))
	name, err = store.LoadPreference(ctx, "supplier")
	require.NoError(t, err)
	assert.Equal(t, "relay_b", name)
}
