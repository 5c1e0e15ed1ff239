package cluster

import (
	"hash/fnv"

	"golang.org/x/exp/slices"
)

// CopyState is the lifecycle state of a single shard copy.
type CopyState string

const (
	// CopyUnassigned means the copy has no node; it is waiting for the
	// coordinator to place it somewhere.
	CopyUnassigned CopyState = "unassigned"
	// CopyInitializing means the copy is assigned but still recovering
	// and cannot serve operations yet.
	CopyInitializing CopyState = "initializing"
	// CopyStarted means the copy is assigned and serving.
	CopyStarted CopyState = "started"
	// CopyRelocating means the copy is serving on NodeID while its data
	// moves to RelocatingNodeID.
	CopyRelocating CopyState = "relocating"
)

// ShardCopy is one entry of a shard's topology: either the primary or a
// replica, with its node assignment and lifecycle state.
//
// ShardCopy values are immutable snapshots. A fresh State supersedes them
// entirely; nothing ever mutates a copy in place.
type ShardCopy struct {
	Index            string    `json:"index"`
	Shard            int       `json:"shard"`
	NodeID           string    `json:"node_id,omitempty"`
	RelocatingNodeID string    `json:"relocating_node_id,omitempty"`
	State            CopyState `json:"state"`
	Primary          bool      `json:"primary"`
}

// Active reports whether the copy can serve operations right now.
// A relocating copy is still active on its source node.
func (c ShardCopy) Active() bool {
	return c.State == CopyStarted || c.State == CopyRelocating
}

// Unassigned reports whether the copy currently has no node.
func (c ShardCopy) Unassigned() bool {
	return c.State == CopyUnassigned || c.NodeID == ""
}

// Relocating reports whether the copy is mid-move to another node.
func (c ShardCopy) Relocating() bool {
	return c.State == CopyRelocating && c.RelocatingNodeID != ""
}

// TopologyView is the ordered set of copies of a single shard: the
// primary first, then replicas. It is a read-only snapshot taken from a
// State; each retry of an operation re-fetches a fresh view.
type TopologyView struct {
	Index  string
	Shard  int
	Copies []ShardCopy
}

// Primary returns the primary copy of the view, or nil if the topology
// currently has none (for example right after a primary failure, before
// the coordinator promoted a replica).
func (v *TopologyView) Primary() *ShardCopy {
	for i := range v.Copies {
		if v.Copies[i].Primary {
			return &v.Copies[i]
		}
	}
	return nil
}

// Size returns the number of copies in the view, primary included.
func (v *TopologyView) Size() int {
	return len(v.Copies)
}

// IndexRouting is the routing table of one index: a fixed number of
// shards, each with a primary and zero or more replica copies.
type IndexRouting struct {
	Name      string              `json:"name"`
	NumShards int                 `json:"num_shards"`
	Shards    map[int][]ShardCopy `json:"shards"`
}

// State is a point-in-time, internally consistent snapshot of the
// cluster: which nodes exist and where every shard copy lives.
//
// States are immutable once published. Consumers that need a newer view
// fetch a new State from the Tracker rather than watching this one.
type State struct {
	Version int64                    `json:"version"`
	Nodes   []NodeInfo               `json:"nodes"`
	Indices map[string]*IndexRouting `json:"indices"`
}

// HasIndex reports whether the state carries a routing table for the
// named index.
func (s *State) HasIndex(name string) bool {
	if s == nil {
		return false
	}
	_, ok := s.Indices[name]
	return ok
}

// NodeExists reports whether a node with the given ID is part of the
// cluster in this snapshot.
func (s *State) NodeExists(id string) bool {
	_, ok := s.Node(id)
	return ok
}

// Node returns the node with the given ID, if present.
func (s *State) Node(id string) (NodeInfo, bool) {
	if s == nil {
		return NodeInfo{}, false
	}
	idx := slices.IndexFunc(s.Nodes, func(n NodeInfo) bool { return n.ID == id })
	if idx < 0 {
		return NodeInfo{}, false
	}
	return s.Nodes[idx], true
}

// Shards returns the topology view for one shard of an index.
// The second return is false when the index or shard is unknown.
func (s *State) Shards(index string, shard int) (TopologyView, bool) {
	if s == nil {
		return TopologyView{}, false
	}
	rt, ok := s.Indices[index]
	if !ok {
		return TopologyView{}, false
	}
	copies, ok := rt.Shards[shard]
	if !ok {
		return TopologyView{}, false
	}
	// Copy so callers can't mutate the published state.
	view := TopologyView{Index: index, Shard: shard}
	view.Copies = append([]ShardCopy(nil), copies...)
	return view, true
}

// ShardForKey maps a document key to a shard of an index using FNV-1a,
// the same hash the storage layer uses for key ownership.
func (s *State) ShardForKey(index, key string) (int, bool) {
	if s == nil {
		return 0, false
	}
	rt, ok := s.Indices[index]
	if !ok || rt.NumShards <= 0 {
		return 0, false
	}
	h := fnv.New32a()
	h.Write([]byte(key))
	return int(h.Sum32()) % rt.NumShards, true
}
