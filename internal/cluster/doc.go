// Package cluster provides the shared cluster data model for Kotare:
// node identity, shard routing tables, point-in-time cluster-state
// snapshots, and the node-local state tracker that distributes topology
// change notifications.
//
// # Overview
//
// Kotare is a coordinator-based distributed document store. A central
// coordinator owns the routing table (which node holds which copy of
// which shard) and pushes versioned state snapshots to every data node.
// This package defines the types both sides exchange and the Tracker
// that nodes use to hold their latest view.
//
// # Architecture
//
//	              ┌──────────────┐
//	              │ Coordinator  │
//	              │              │
//	              │ - Registry   │
//	              │ - Health Mon │
//	              │ - State push │
//	              └──────┬───────┘
//	                     │ versioned State snapshots
//	      ┌──────────────┼──────────────┐
//	      │              │              │
//	┌─────▼─────┐ ┌─────▼─────┐ ┌─────▼─────┐
//	│  Node 1   │ │  Node 2   │ │  Node 3   │
//	│  Tracker  │ │  Tracker  │ │  Tracker  │
//	│  Shards:  │ │  Shards:  │ │  Shards:  │
//	│  0p 1r    │ │  1p 2r    │ │  2p 0r    │
//	└───────────┘ └───────────┘ └───────────┘
//
// # Core Types
//
// ShardCopy: one copy of a shard (primary or replica) with its node
// assignment and lifecycle state (unassigned, initializing, started,
// relocating). Copies are immutable snapshots.
//
// TopologyView: the ordered copies of a single shard, primary first.
// The replication layer resolves one view per attempt and never mutates
// it; a retry fetches a fresh view instead.
//
// State: a complete, internally consistent snapshot of the cluster at a
// version. States only move forward; the Tracker drops stale pushes.
//
// Tracker: the node-local holder of the current State. Components that
// must react to topology changes (most importantly pending replication
// operations waiting for a usable primary) subscribe, and unsubscribe
// exactly once when they resolve.
//
// # Communication
//
// All inter-node communication is HTTP/JSON. PostJSON and GetJSON are
// the shared helpers with a 5 second client timeout.
//
// # Concurrency Model
//
//   - State values are immutable after publication
//   - Tracker methods are safe for concurrent use
//   - Listener callbacks run without the Tracker lock held, on the
//     publishing goroutine
//
// # See Also
//
// Related packages:
//   - internal/replication: the primary/replica write coordinator
//   - internal/coordinator: the routing authority that publishes States
//   - internal/shard: per-node shard runtime
package cluster
