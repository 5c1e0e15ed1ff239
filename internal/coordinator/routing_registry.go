// Package coordinator implements the routing authority for the cluster.
// See doc.go for complete package documentation.
package coordinator

import (
	"errors"
	"fmt"
	"log"
	"sync"

	"golang.org/x/exp/slices"

	"github.com/dreamware/kotare/internal/cluster"
)

// RoutingRegistry owns the authoritative shard-to-node routing table:
// which node holds the primary and which nodes hold the replica copies
// of every shard of every index.
//
// The registry is the single writer of routing state. Every mutation
// bumps the state version; consumers receive immutable cluster.State
// snapshots via State() and the coordinator broadcasts them to nodes.
//
// Placement is deliberately simple round-robin: the primary of shard i
// goes to node[i mod n], replicas to the following nodes, never
// colocated with their primary while enough nodes exist. Copies are
// marked started on assignment, since in-memory shards recover
// instantly; a copy only stays unassigned when the cluster has too few
// nodes to place it.
//
// Thread Safety:
// All methods are safe for concurrent use. Returned snapshots are
// deep-copied and never mutated afterwards.
type RoutingRegistry struct {
	mu      sync.Mutex
	version int64
	nodes   []cluster.NodeInfo
	indices map[string]*indexTable
}

type indexTable struct {
	numShards int
	replicas  int
	copies    map[int][]cluster.ShardCopy
}

// NewRoutingRegistry creates an empty registry with no nodes or indices.
func NewRoutingRegistry() *RoutingRegistry {
	return &RoutingRegistry{
		indices: make(map[string]*indexTable),
	}
}

// CreateIndex registers an index with a fixed shard count and a replica
// count per shard, and allocates as many copies as the current node set
// allows.
//
// Parameters:
//   - name: index name, must be non-empty and not yet present
//   - numShards: number of shards, must be > 0
//   - replicas: replica copies per shard, must be >= 0
func (r *RoutingRegistry) CreateIndex(name string, numShards, replicas int) error {
	if name == "" {
		return errors.New("index name cannot be empty")
	}
	if numShards <= 0 {
		return fmt.Errorf("invalid shard count %d, must be > 0", numShards)
	}
	if replicas < 0 {
		return fmt.Errorf("invalid replica count %d, must be >= 0", replicas)
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.indices[name]; ok {
		return fmt.Errorf("index %q already exists", name)
	}

	tbl := &indexTable{
		numShards: numShards,
		replicas:  replicas,
		copies:    make(map[int][]cluster.ShardCopy),
	}
	for id := 0; id < numShards; id++ {
		copies := make([]cluster.ShardCopy, 0, replicas+1)
		copies = append(copies, cluster.ShardCopy{
			Index: name, Shard: id, Primary: true, State: cluster.CopyUnassigned,
		})
		for i := 0; i < replicas; i++ {
			copies = append(copies, cluster.ShardCopy{
				Index: name, Shard: id, State: cluster.CopyUnassigned,
			})
		}
		tbl.copies[id] = copies
	}
	r.indices[name] = tbl

	r.allocateLocked(nil)
	r.version++
	return nil
}

// RegisterNode adds a node to the cluster (or refreshes its address)
// and allocates any unassigned copies the new capacity can take.
func (r *RoutingRegistry) RegisterNode(n cluster.NodeInfo) {
	r.mu.Lock()
	defer r.mu.Unlock()

	idx := slices.IndexFunc(r.nodes, func(x cluster.NodeInfo) bool { return x.ID == n.ID })
	if idx >= 0 {
		r.nodes[idx] = n
	} else {
		r.nodes = append(r.nodes, n)
	}
	r.allocateLocked(nil)
	r.version++
}

// RemoveNode drops a node from the cluster. Copies it held become
// unassigned; where it held a primary, a started replica is promoted so
// the shard keeps accepting writes. Freed copies are reallocated to the
// remaining nodes where possible.
func (r *RoutingRegistry) RemoveNode(id string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	idx := slices.IndexFunc(r.nodes, func(x cluster.NodeInfo) bool { return x.ID == id })
	if idx < 0 {
		return
	}
	r.nodes = append(r.nodes[:idx], r.nodes[idx+1:]...)

	for name, tbl := range r.indices {
		for shard, copies := range tbl.copies {
			promote := false
			for i := range copies {
				c := &copies[i]
				if c.RelocatingNodeID == id {
					// Relocation target died; the move is off.
					c.RelocatingNodeID = ""
					if c.State == cluster.CopyRelocating {
						c.State = cluster.CopyStarted
					}
				}
				if c.NodeID != id {
					continue
				}
				if c.Primary {
					promote = true
				}
				c.NodeID = ""
				c.RelocatingNodeID = ""
				c.State = cluster.CopyUnassigned
				c.Primary = false
			}
			if promote {
				promoted := false
				for i := range copies {
					if copies[i].State == cluster.CopyStarted && !copies[i].Primary {
						copies[i].Primary = true
						promoted = true
						log.Printf("promoted [%s][%d] on node %s to primary", name, shard, copies[i].NodeID)
						break
					}
				}
				if !promoted {
					// No replica to promote; mark the first unassigned
					// copy as the primary-to-be so allocation restores
					// one.
					for i := range copies {
						if copies[i].State == cluster.CopyUnassigned {
							copies[i].Primary = true
							break
						}
					}
				}
			}
		}
	}
	r.allocateLocked(nil)
	r.version++
}

// FailCopy handles a replica-failure report from a node's fan-out: the
// named copy is unassigned and reallocation is attempted, so the shard
// copy gets rebuilt somewhere healthy.
func (r *RoutingRegistry) FailCopy(failed cluster.ShardCopy, reason string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	tbl, ok := r.indices[failed.Index]
	if !ok {
		return
	}
	copies, ok := tbl.copies[failed.Shard]
	if !ok {
		return
	}
	for i := range copies {
		c := &copies[i]
		if c.NodeID != failed.NodeID || c.Primary != failed.Primary {
			continue
		}
		log.Printf("shard [%s][%d] failed on node %s: %s", failed.Index, failed.Shard, failed.NodeID, reason)
		c.NodeID = ""
		c.RelocatingNodeID = ""
		c.State = cluster.CopyUnassigned
		break
	}
	// Don't hand the copy straight back to the node it just failed on;
	// if no other node has room it stays unassigned until the cluster
	// changes.
	avoid := map[copyKey]string{{failed.Index, failed.Shard}: failed.NodeID}
	r.allocateLocked(avoid)
	r.version++
}

// copyKey identifies one shard of one index in allocation constraints.
type copyKey struct {
	index string
	shard int
}

// StartRelocation begins moving a copy of the given shard from one node
// to another. The copy keeps serving on the source node and the
// replication layer dispatches writes to both ends until
// CompleteRelocation.
func (r *RoutingRegistry) StartRelocation(index string, shard int, fromNode, toNode string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	c, err := r.findCopyLocked(index, shard, fromNode)
	if err != nil {
		return err
	}
	if c.State != cluster.CopyStarted {
		return fmt.Errorf("copy [%s][%d] on %s is %s, cannot relocate", index, shard, fromNode, c.State)
	}
	if !slices.ContainsFunc(r.nodes, func(n cluster.NodeInfo) bool { return n.ID == toNode }) {
		return fmt.Errorf("unknown target node %q", toNode)
	}
	c.State = cluster.CopyRelocating
	c.RelocatingNodeID = toNode
	r.version++
	return nil
}

// CompleteRelocation finishes a move: the copy now lives started on the
// target node.
func (r *RoutingRegistry) CompleteRelocation(index string, shard int, fromNode string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	c, err := r.findCopyLocked(index, shard, fromNode)
	if err != nil {
		return err
	}
	if c.State != cluster.CopyRelocating || c.RelocatingNodeID == "" {
		return fmt.Errorf("copy [%s][%d] on %s is not relocating", index, shard, fromNode)
	}
	c.NodeID = c.RelocatingNodeID
	c.RelocatingNodeID = ""
	c.State = cluster.CopyStarted
	r.version++
	return nil
}

func (r *RoutingRegistry) findCopyLocked(index string, shard int, nodeID string) (*cluster.ShardCopy, error) {
	tbl, ok := r.indices[index]
	if !ok {
		return nil, fmt.Errorf("unknown index %q", index)
	}
	copies, ok := tbl.copies[shard]
	if !ok {
		return nil, fmt.Errorf("unknown shard [%s][%d]", index, shard)
	}
	for i := range copies {
		if copies[i].NodeID == nodeID {
			return &copies[i], nil
		}
	}
	return nil, fmt.Errorf("no copy of [%s][%d] on node %q", index, shard, nodeID)
}

// allocateLocked places unassigned copies on the current node set,
// round-robin, keeping the copies of one shard on distinct nodes while
// the cluster is large enough. avoid lists nodes that must not take a
// given shard's copy in this pass; nil means no constraints.
func (r *RoutingRegistry) allocateLocked(avoid map[copyKey]string) {
	if len(r.nodes) == 0 {
		return
	}
	next := 0
	for name, tbl := range r.indices {
		for shard := 0; shard < tbl.numShards; shard++ {
			copies := tbl.copies[shard]
			used := make(map[string]bool)
			if n, ok := avoid[copyKey{name, shard}]; ok {
				used[n] = true
			}
			for i := range copies {
				if !copies[i].Unassigned() {
					used[copies[i].NodeID] = true
				}
			}
			for i := range copies {
				c := &copies[i]
				if !c.Unassigned() {
					continue
				}
				node := r.pickNodeLocked(&next, used)
				if node == "" {
					continue // not enough nodes, stays unassigned
				}
				c.NodeID = node
				c.State = cluster.CopyStarted
				used[node] = true
			}
		}
	}
}

// pickNodeLocked returns the next node not yet used for this shard, or
// "" when every node already holds a copy.
func (r *RoutingRegistry) pickNodeLocked(next *int, used map[string]bool) string {
	for tries := 0; tries < len(r.nodes); tries++ {
		n := r.nodes[*next%len(r.nodes)].ID
		*next++
		if !used[n] {
			return n
		}
	}
	return ""
}

// State returns an immutable snapshot of the cluster: current version,
// node list, and the full routing table.
func (r *RoutingRegistry) State() *cluster.State {
	r.mu.Lock()
	defer r.mu.Unlock()

	s := &cluster.State{
		Version: r.version,
		Nodes:   append([]cluster.NodeInfo(nil), r.nodes...),
		Indices: make(map[string]*cluster.IndexRouting, len(r.indices)),
	}
	for name, tbl := range r.indices {
		rt := &cluster.IndexRouting{
			Name:      name,
			NumShards: tbl.numShards,
			Shards:    make(map[int][]cluster.ShardCopy, len(tbl.copies)),
		}
		for shard, copies := range tbl.copies {
			rt.Shards[shard] = append([]cluster.ShardCopy(nil), copies...)
		}
		s.Indices[name] = rt
	}
	return s
}

// Nodes returns the currently registered nodes.
func (r *RoutingRegistry) Nodes() []cluster.NodeInfo {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]cluster.NodeInfo(nil), r.nodes...)
}
