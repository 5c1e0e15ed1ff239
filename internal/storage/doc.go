// Package storage defines the storage abstraction shard copies write
// through, plus the in-memory implementation the node ships with.
//
// # Overview
//
// Every shard copy owns one Store. The interface is a small key-value
// contract so backends can be swapped per shard without touching the
// replication layer:
//
//	┌─────────────────────────────────────┐
//	│           Shard Copies              │
//	└─────────────────────────────────────┘
//	                 │
//	                 ▼
//	┌─────────────────────────────────────┐
//	│          Store Interface            │
//	│   Get / Put / Delete / List / Stats │
//	└─────────────────────────────────────┘
//	                 │
//	                 ▼
//	┌─────────────────────────────────────┐
//	│            MemoryStore              │
//	│   map + RWMutex, no persistence     │
//	└─────────────────────────────────────┘
//
// # Concurrency
//
// All implementations must be safe for concurrent use; MemoryStore
// guards its map with a sync.RWMutex. Single-key operations are atomic,
// nothing is guaranteed across keys.
//
// # Error Handling
//
// Get and Delete return ErrKeyNotFound when the key does not exist.
// Callers compare with errors.Is so wrapped errors classify correctly.
package storage
