// Package coordinator implements the cluster's routing authority: the
// single writer of the shard-to-node routing table and the health
// monitor that keeps the table honest.
//
// # Overview
//
// The RoutingRegistry owns which node holds the primary and which nodes
// hold the replica copies of every shard. Every mutation (a node
// joining or leaving, an index being created, a copy failing, a
// relocation starting or completing) bumps the state version and
// produces a new immutable cluster.State snapshot, which the
// coordinator binary broadcasts to every node:
//
//	 register / fail / relocate
//	            │
//	            ▼
//	┌───────────────────────┐    State() snapshot    ┌───────────┐
//	│    RoutingRegistry    │───────────────────────▶│ broadcast │──▶ nodes
//	│  (version, copies)    │                        └───────────┘
//	└───────────▲───────────┘
//	            │ RemoveNode / RegisterNode
//	┌───────────┴───────────┐
//	│     HealthMonitor     │──▶ /health probes on every node
//	└───────────────────────┘
//
// # Failure handling
//
// When a node dies its copies become unassigned and a started replica
// is promoted wherever it held a primary, so shards keep accepting
// writes. Replica-failure reports from the nodes' fan-out unassign the
// named copy the same way. Unassigned copies are reallocated to the
// remaining nodes whenever capacity allows.
package coordinator
