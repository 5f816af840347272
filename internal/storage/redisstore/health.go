// Package redisstore keeps breaker state and transport preferences in Redis so every instance
// sharing the server sees the same circuit.
package redisstore

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/redis/go-redis/v9"

	"storefront-gateway/internal/storage"
)

const maxTxRetries = 16

// ErrContention is returned when optimistic updates keep losing to concurrent writers.
var ErrContention = errors.New("redisstore: too much contention on key")

type healthRecord struct {
	API                string     `json:"api"`
	IsOpen             bool       `json:"is_open"`
	HalfOpen           bool       `json:"half_open"`
	ErrorCount         uint       `json:"error_count"`
	ConsecutiveSuccess uint       `json:"consecutive_success"`
	LastError          *string    `json:"last_error,omitempty"`
	OpenedAt           *time.Time `json:"opened_at,omitempty"`
	ProbeStartedAt     *time.Time `json:"probe_started_at,omitempty"`
	UpdatedAt          time.Time  `json:"updated_at"`
}

func toRecord(h storage.APIHealth) healthRecord {
	return healthRecord(h)
}

func (r healthRecord) health() storage.APIHealth {
	return storage.APIHealth(r)
}

type getter interface {
	Get(ctx context.Context, key string) *redis.StringCmd
}

// HealthStore implements storage.HealthStore with WATCH/MULTI optimistic transactions.
type HealthStore struct {
	client redis.UniversalClient
	prefix string
	now    func() time.Time
}

// NewHealthStore wires a Redis client. Keys are namespaced by prefix.
func NewHealthStore(client redis.UniversalClient, prefix string) *HealthStore {
	if prefix == "" {
		prefix = "storefront"
	}
	return &HealthStore{client: client, prefix: prefix, now: func() time.Time { return time.Now().UTC() }}
}

func (s *HealthStore) key(api string) string {
	return fmt.Sprintf("%s:health:%s", s.prefix, api)
}

func (s *HealthStore) indexKey() string {
	return s.prefix + ":health:index"
}

// GetHealth returns the circuit record, or a closed zero record when none exists.
func (s *HealthStore) GetHealth(ctx context.Context, api string) (storage.APIHealth, error) {
	h, err := s.read(ctx, s.client, api)
	if err != nil {
		return storage.APIHealth{}, fmt.Errorf("get health %s: %w", api, err)
	}
	return h, nil
}

// UpdateHealth watches the record key, applies mutate, and commits with MULTI/EXEC. A
// concurrent write aborts EXEC and the whole read-mutate-write is retried.
func (s *HealthStore) UpdateHealth(ctx context.Context, api string, mutate func(*storage.APIHealth) error) (storage.APIHealth, error) {
	key := s.key(api)
	var out storage.APIHealth

	txf := func(tx *redis.Tx) error {
		h, err := s.read(ctx, tx, api)
		if err != nil {
			return err
		}
		if err := mutate(&h); err != nil {
			return err
		}
		if err := storage.ValidateHealth(h); err != nil {
			return err
		}
		if h.UpdatedAt.IsZero() {
			h.UpdatedAt = s.now()
		}
		raw, err := json.Marshal(toRecord(h))
		if err != nil {
			return fmt.Errorf("encode health: %w", err)
		}

		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.Set(ctx, key, raw, 0)
			pipe.SAdd(ctx, s.indexKey(), api)
			return nil
		})
		if err != nil {
			return err
		}
		out = h
		return nil
	}

	for i := 0; i < maxTxRetries; i++ {
		err := s.client.Watch(ctx, txf, key)
		if err == nil {
			return out, nil
		}
		if errors.Is(err, redis.TxFailedErr) {
			continue
		}
		return storage.APIHealth{}, err
	}
	return storage.APIHealth{}, fmt.Errorf("update health %s: %w", api, ErrContention)
}

// ListHealth returns every tracked upstream sorted by name.
func (s *HealthStore) ListHealth(ctx context.Context) ([]storage.APIHealth, error) {
	apis, err := s.client.SMembers(ctx, s.indexKey()).Result()
	if err != nil {
		return nil, fmt.Errorf("list health index: %w", err)
	}
	sort.Strings(apis)

	out := make([]storage.APIHealth, 0, len(apis))
	for _, api := range apis {
		h, err := s.read(ctx, s.client, api)
		if err != nil {
			return nil, fmt.Errorf("list health %s: %w", api, err)
		}
		out = append(out, h)
	}
	return out, nil
}

func (s *HealthStore) read(ctx context.Context, cmd getter, api string) (storage.APIHealth, error) {
	raw, err := cmd.Get(ctx, s.key(api)).Bytes()
	if errors.Is(err, redis.Nil) {
		return storage.APIHealth{API: api}, nil
	}
	if err != nil {
		return storage.APIHealth{}, err
	}
	var rec healthRecord
	if err := json.Unmarshal(raw, &rec); err != nil {
		return storage.APIHealth{}, fmt.Errorf("decode health: %w", err)
	}
	return rec.health(), nil
}

var _ storage.HealthStore = (*HealthStore)(nil)
