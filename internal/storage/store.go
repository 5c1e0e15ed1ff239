package storage

import (
	"errors"
	"sync"
)

// ErrKeyNotFound is returned when a key doesn't exist in the store.
var ErrKeyNotFound = errors.New("key not found")

// Store is the storage contract a shard copy writes through.
// All implementations must be safe for concurrent use.
type Store interface {
	// Get retrieves a value by key.
	// Returns ErrKeyNotFound if the key doesn't exist.
	Get(key string) ([]byte, error)

	// Put stores a value under the key, overwriting any existing value.
	Put(key string, value []byte) error

	// Delete removes a key. Deleting an absent key is not an error, so
	// replayed replica deletes stay idempotent.
	Delete(key string) error

	// List returns all keys. Order is not guaranteed.
	List() []string

	// Stats returns current key and byte counts.
	Stats() StoreStats
}

// StoreStats contains size statistics about a store.
type StoreStats struct {
	Keys  int // Number of keys
	Bytes int // Total size of all values in bytes
}

// MemoryStore is the in-memory Store every shard copy starts with.
// Byte totals are maintained incrementally on each mutation, so Stats
// is cheap enough for the node's info and stats endpoints to call per
// request.
type MemoryStore struct {
	mu    sync.RWMutex
	data  map[string][]byte
	bytes int
}

// NewMemoryStore creates an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		data: make(map[string][]byte),
	}
}

// Get retrieves a value by key. The returned slice is a copy; callers
// can hold it past the next mutation.
func (m *MemoryStore) Get(key string) ([]byte, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	value, exists := m.data[key]
	if !exists {
		return nil, ErrKeyNotFound
	}
	result := make([]byte, len(value))
	copy(result, value)
	return result, nil
}

// Put stores a copy of value under key.
func (m *MemoryStore) Put(key string, value []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	stored := make([]byte, len(value))
	copy(stored, value)

	m.bytes += len(stored) - len(m.data[key])
	m.data[key] = stored
	return nil
}

// Delete removes a key-value pair. Absent keys are a no-op.
func (m *MemoryStore) Delete(key string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if old, exists := m.data[key]; exists {
		m.bytes -= len(old)
		delete(m.data, key)
	}
	return nil
}

// List returns all keys in the store.
func (m *MemoryStore) List() []string {
	m.mu.RLock()
	defer m.mu.RUnlock()

	keys := make([]string, 0, len(m.data))
	for key := range m.data {
		keys = append(keys, key)
	}
	return keys
}

// Stats returns current key and byte counts.
func (m *MemoryStore) Stats() StoreStats {
	m.mu.RLock()
	defer m.mu.RUnlock()

	return StoreStats{
		Keys:  len(m.data),
		Bytes: m.bytes,
	}
}
