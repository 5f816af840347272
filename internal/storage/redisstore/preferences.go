package redisstore

import (
	"context"
	"errors"
	"fmt"

	"github.com/redis/go-redis/v9"
)

// PreferenceStore persists the preferred transport route per scope.
type PreferenceStore struct {
	client redis.UniversalClient
	prefix string
}

// NewPreferenceStore wires a Redis client for route preferences.
func NewPreferenceStore(client redis.UniversalClient, prefix string) *PreferenceStore {
	if prefix == "" {
		prefix = "storefront"
	}
	return &PreferenceStore{client: client, prefix: prefix}
}

func (s *PreferenceStore) key(scope string) string {
	return fmt.Sprintf("%s:transport:%s", s.prefix, scope)
}

// LoadPreference returns the stored route name, or "" when none was saved.
func (s *PreferenceStore) LoadPreference(ctx context.Context, scope string) (string, error) {
	name, err := s.client.Get(ctx, s.key(scope)).Result()
	if errors.Is(err, redis.Nil) {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("load transport preference: %w", err)
	}
	return name, nil
}

// SavePreference overwrites the stored route name. Last writer wins.
func (s *PreferenceStore) SavePreference(ctx context.Context, scope, route string) error {
	if err := s.client.Set(ctx, s.key(scope), route, 0).Err(); err != nil {
		return fmt.Errorf("save transport preference: %w", err)
	}
	return nil
}
