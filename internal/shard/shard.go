package shard

import (
	"sync"
	"sync/atomic"

	"github.com/dreamware/kotare/internal/storage"
)

// State represents the local lifecycle state of a shard copy
type State string

const (
	// StateInitializing means the shard exists but is still recovering
	// and must not serve primary operations yet
	StateInitializing State = "initializing"
	// StateStarted means the shard is serving requests
	StateStarted State = "started"
	// StateClosed means the shard is shut down and drops all operations
	StateClosed State = "closed"
)

// Shard represents one local copy of a data partition
// Each shard owns a slice of an index's keyspace and manages its own storage
type Shard struct {
	Index   string        // Owning index name
	ID      int           // Shard ordinal within the index
	Primary bool          // Is this the primary or a replica copy?
	Store   storage.Store // The storage backend for this shard
	Stats   *ShardStats   // Operation statistics
	mu      sync.RWMutex  // Protects state changes
	state   State
}

// ShardStats tracks operational statistics for a shard
type ShardStats struct {
	Ops     OperationStats     // Operation counts
	Storage storage.StoreStats // Storage statistics
}

// OperationStats tracks operation counts
type OperationStats struct {
	Gets    uint64 // Number of get operations
	Puts    uint64 // Number of put operations
	Deletes uint64 // Number of delete operations
}

// ShardInfo contains metadata about a shard
type ShardInfo struct {
	Index    string // Owning index
	ID       int    // Shard ordinal
	Primary  bool   // Primary or replica
	State    State  // Current lifecycle state
	KeyCount int    // Number of keys
	ByteSize int    // Total size in bytes
}

// New creates a new shard copy with in-memory storage.
// Fresh shards start initializing; the routing push that assigned them
// marks them started once the coordinator considers them recovered.
func New(index string, id int, primary bool) *Shard {
	return &Shard{
		Index:   index,
		ID:      id,
		Primary: primary,
		Store:   storage.NewMemoryStore(),
		state:   StateInitializing,
		Stats:   &ShardStats{},
	}
}

// Get retrieves a value from the shard
// Increments get counter for statistics
func (s *Shard) Get(key string) ([]byte, error) {
	atomic.AddUint64(&s.Stats.Ops.Gets, 1)
	return s.Store.Get(key)
}

// Put stores a value in the shard
// Increments put counter for statistics
func (s *Shard) Put(key string, value []byte) error {
	atomic.AddUint64(&s.Stats.Ops.Puts, 1)
	return s.Store.Put(key, value)
}

// Delete removes a key from the shard
// Increments delete counter for statistics
func (s *Shard) Delete(key string) error {
	atomic.AddUint64(&s.Stats.Ops.Deletes, 1)
	return s.Store.Delete(key)
}

// ListKeys returns all keys in the shard
func (s *Shard) ListKeys() []string {
	return s.Store.List()
}

// State returns the shard's current lifecycle state
func (s *Shard) State() State {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.state
}

// SetState updates the shard's lifecycle state
func (s *Shard) SetState(state State) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.state = state
}

// GetStats returns current shard statistics
func (s *Shard) GetStats() ShardStats {
	storageStats := s.Store.Stats()

	return ShardStats{
		Ops: OperationStats{
			Gets:    atomic.LoadUint64(&s.Stats.Ops.Gets),
			Puts:    atomic.LoadUint64(&s.Stats.Ops.Puts),
			Deletes: atomic.LoadUint64(&s.Stats.Ops.Deletes),
		},
		Storage: storageStats,
	}
}

// Info returns metadata about the shard
func (s *Shard) Info() ShardInfo {
	s.mu.RLock()
	state := s.state
	s.mu.RUnlock()

	storageStats := s.Store.Stats()

	return ShardInfo{
		Index:    s.Index,
		ID:       s.ID,
		Primary:  s.Primary,
		State:    state,
		KeyCount: storageStats.Keys,
		ByteSize: storageStats.Bytes,
	}
}
