package shard

import (
	"log"
	"sync"

	"github.com/dreamware/kotare/internal/cluster"
)

// Manager holds the shard copies hosted on one node, keyed by index and
// shard ordinal, and reconciles them against routing pushes from the
// coordinator.
//
// Thread safety: all methods are safe for concurrent use. Individual
// shards handle their own synchronization.
type Manager struct {
	mu     sync.RWMutex
	shards map[string]map[int]*Shard // index -> ordinal -> shard
}

// NewManager creates an empty shard manager.
func NewManager() *Manager {
	return &Manager{
		shards: make(map[string]map[int]*Shard),
	}
}

// Get retrieves a local shard copy, or nil if this node does not host it.
func (m *Manager) Get(index string, id int) *Shard {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.shards[index][id]
}

// HasIndex reports whether this node hosts any copy of the index.
func (m *Manager) HasIndex(index string) bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.shards[index]) > 0
}

// Ensure returns the local copy of the given shard, creating it if this
// is the first time the node sees it assigned.
func (m *Manager) Ensure(index string, id int, primary bool) *Shard {
	m.mu.Lock()
	defer m.mu.Unlock()
	byID, ok := m.shards[index]
	if !ok {
		byID = make(map[int]*Shard)
		m.shards[index] = byID
	}
	s, ok := byID[id]
	if !ok {
		s = New(index, id, primary)
		byID[id] = s
		log.Printf("created shard [%s][%d] (primary=%v)", index, id, primary)
	}
	s.Primary = primary
	return s
}

// Remove drops a local shard copy, closing it first.
func (m *Manager) Remove(index string, id int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if s, ok := m.shards[index][id]; ok {
		s.SetState(StateClosed)
		delete(m.shards[index], id)
		if len(m.shards[index]) == 0 {
			delete(m.shards, index)
		}
		log.Printf("removed shard [%s][%d]", index, id)
	}
}

// Infos returns metadata for every locally hosted shard.
func (m *Manager) Infos() []ShardInfo {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var infos []ShardInfo
	for _, byID := range m.shards {
		for _, s := range byID {
			infos = append(infos, s.Info())
		}
	}
	return infos
}

// ApplyRouting reconciles the locally hosted shards against a cluster
// state: copies assigned to this node (as holder or relocation target)
// are created and their lifecycle state synced, copies no longer
// assigned here are dropped.
func (m *Manager) ApplyRouting(localID string, state *cluster.State) {
	type want struct {
		primary bool
		started bool
	}
	wanted := make(map[string]map[int]want)
	for name, rt := range state.Indices {
		for id, copies := range rt.Shards {
			for _, c := range copies {
				mine := c.NodeID == localID
				// A relocation target accepts writes during handoff.
				targetHere := c.Relocating() && c.RelocatingNodeID == localID
				if !mine && !targetHere {
					continue
				}
				if wanted[name] == nil {
					wanted[name] = make(map[int]want)
				}
				w := wanted[name][id]
				w.primary = w.primary || (c.Primary && mine)
				w.started = w.started || c.Active() || targetHere
				wanted[name][id] = w
			}
		}
	}

	for name, byID := range wanted {
		for id, w := range byID {
			s := m.Ensure(name, id, w.primary)
			if w.started && s.State() == StateInitializing {
				s.SetState(StateStarted)
			}
		}
	}

	// Drop copies that moved away.
	m.mu.RLock()
	var stale [][2]any
	for name, byID := range m.shards {
		for id := range byID {
			if _, ok := wanted[name][id]; !ok {
				stale = append(stale, [2]any{name, id})
			}
		}
	}
	m.mu.RUnlock()
	for _, s := range stale {
		m.Remove(s[0].(string), s[1].(int))
	}
}
