package store

import (
	"context"
	"sync"
)

// MemoryStore keeps collections in process memory. The default backend;
// data does not survive a restart.
type MemoryStore struct {
	mu   sync.RWMutex
	data map[string]map[string][]byte
}

// NewMemoryStore creates an empty in-memory store
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{data: make(map[string]map[string][]byte)}
}

func (m *MemoryStore) Get(ctx context.Context, collection, id string) ([]byte, bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	coll, ok := m.data[collection]
	if !ok {
		return nil, false, nil
	}
	val, ok := coll[id]
	if !ok {
		return nil, false, nil
	}
	return val, true, nil
}

func (m *MemoryStore) Put(ctx context.Context, collection, id string, data []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	coll, ok := m.data[collection]
	if !ok {
		coll = make(map[string][]byte)
		m.data[collection] = coll
	}
	cp := make([]byte, len(data))
	copy(cp, data)
	coll[id] = cp
	return nil
}

func (m *MemoryStore) Delete(ctx context.Context, collection, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if coll, ok := m.data[collection]; ok {
		delete(coll, id)
	}
	return nil
}

func (m *MemoryStore) List(ctx context.Context, collection string) (map[string][]byte, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	result := make(map[string][]byte, len(m.data[collection]))
	for id, val := range m.data[collection] {
		result[id] = val
	}
	return result, nil
}

func (m *MemoryStore) Close() error {
	return nil
}
