package shard

import (
	"fmt"

	"github.com/dreamware/kotare/internal/replication"
)

// Executor applies replicated operations to the shards this node hosts.
// It implements replication.ShardExecutor, translating "I don't have
// that shard" conditions into the typed errors the coordinator retries
// or tolerates.
type Executor struct {
	manager *Manager
	localID string
}

// NewExecutor creates an executor over the node's shard manager.
func NewExecutor(m *Manager, localID string) *Executor {
	return &Executor{manager: m, localID: localID}
}

// ExecuteOnPrimary applies the operation to the local primary copy.
func (e *Executor) ExecuteOnPrimary(shardID int, req *replication.Request) (*replication.Response, error) {
	s, err := e.startable(shardID, req)
	if err != nil {
		return nil, err
	}
	if err := apply(s, req); err != nil {
		return nil, err
	}
	return &replication.Response{
		Index: req.Index,
		Shard: shardID,
		Key:   req.Key,
		Node:  e.localID,
	}, nil
}

// ExecuteOnReplica applies the already-committed primary effect to the
// local replica copy.
func (e *Executor) ExecuteOnReplica(shardID int, req *replication.Request) error {
	s, err := e.startable(shardID, req)
	if err != nil {
		return err
	}
	return apply(s, req)
}

// startable resolves the local shard and gates on its lifecycle state.
func (e *Executor) startable(shardID int, req *replication.Request) (*Shard, error) {
	s := e.manager.Get(req.Index, shardID)
	if s == nil {
		if !e.manager.HasIndex(req.Index) {
			return nil, replication.ErrIndexMissing
		}
		return nil, replication.ErrShardMissing
	}
	if st := s.State(); st != StateStarted {
		return nil, &replication.ShardStateError{Index: req.Index, Shard: shardID, State: string(st)}
	}
	return s, nil
}

func apply(s *Shard, req *replication.Request) error {
	switch req.Action {
	case replication.ActionPut:
		return s.Put(req.Key, req.Value)
	case replication.ActionDelete:
		return s.Delete(req.Key)
	default:
		return fmt.Errorf("unknown action [%s]", req.Action)
	}
}
