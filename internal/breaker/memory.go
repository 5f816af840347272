package breaker

import (
	"context"
	"sort"
	"sync"

	"storefront-gateway/internal/storage"
)

// MemoryStore is an in-process HealthStore for single-instance deployments and tests.
type MemoryStore struct {
	mu      sync.Mutex
	records map[string]storage.APIHealth
}

// NewMemoryStore returns an empty store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{records: make(map[string]storage.APIHealth)}
}

// GetHealth returns the record or a closed zero record.
func (m *MemoryStore) GetHealth(_ context.Context, api string) (storage.APIHealth, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.get(api), nil
}

// UpdateHealth applies mutate to a copy under the lock and keeps it only when mutate succeeds.
func (m *MemoryStore) UpdateHealth(_ context.Context, api string, mutate func(*storage.APIHealth) error) (storage.APIHealth, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	h := m.get(api)
	if err := mutate(&h); err != nil {
		return storage.APIHealth{}, err
	}
	if err := storage.ValidateHealth(h); err != nil {
		return storage.APIHealth{}, err
	}
	m.records[api] = h
	return h, nil
}

// ListHealth returns all records sorted by api.
func (m *MemoryStore) ListHealth(_ context.Context) ([]storage.APIHealth, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	out := make([]storage.APIHealth, 0, len(m.records))
	for _, h := range m.records {
		out = append(out, h)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].API < out[j].API })
	return out, nil
}

func (m *MemoryStore) get(api string) storage.APIHealth {
	h, ok := m.records[api]
	if !ok {
		return storage.APIHealth{API: api}
	}
	return h
}

var _ storage.HealthStore = (*MemoryStore)(nil)
