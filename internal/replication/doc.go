// Package replication coordinates shard-scoped write operations across
// the cluster: every write is executed on the shard's primary copy
// first and then propagated to every replica copy, with exactly one
// outcome delivered to the caller.
//
// # Architecture
//
// The central type is Service. One Service lives on each node and is
// shared by all operations; each call to Execute creates a single-use
// run that drives one operation through the protocol:
//
//	        Execute(req, listener)
//	                │
//	                ▼
//	    ┌───────────────────────┐    no usable primary    ┌─────────────┐
//	    │  locate primary copy  │────────────────────────▶│ retry: wait │
//	    │  (fresh state snap)   │◀────────────────────────│ for state   │
//	    └───────────┬───────────┘     state changed       │ change or   │
//	                │ found                               │ timeout     │
//	                ▼                                     └─────────────┘
//	    ┌───────────────────────┐
//	    │ execute on primary    │  local: ShardExecutor
//	    │ (here or forwarded)   │  remote: Transport.SendPrimary
//	    └───────────┬───────────┘
//	                │ committed
//	                ▼
//	    ┌───────────────────────┐
//	    │ fan out to replicas   │  one dispatch per copy, plus one
//	    │ (countdown)           │  per relocation target
//	    └───────────┬───────────┘
//	                │ countdown hits zero (sync)
//	                ▼
//	        listener.OnResponse   — exactly once
//
// # Primary location and retry
//
// An attempt works against an immutable cluster-state snapshot. When
// the snapshot has no usable primary (the index is unknown, no primary
// copy exists, the copy is not started, or its node left), the run arms
// its retry machinery: one subscription to topology changes plus one
// timeout timer. Every new state triggers a re-attempt; the timeout
// delivers a failure if no attempt ever succeeded. A single-shot guard
// makes concurrent attempts harmless: at most one primary execution
// proceeds, and the guard is released only when a started execution
// turns out to be not-ready and must wait again.
//
// # Replica fan-out
//
// The committed primary effect is dispatched to every replica copy.
// Copies that are unassigned or whose node left are skipped, counting
// as completed: the routing authority will rebuild them elsewhere. A
// relocating copy is dispatched twice, to the source and to the target
// of the move, so no write can fall between the two ends of a handoff.
// Replica failures are classified: "the copy is not there" failures are
// tolerated silently, anything else is reported through the
// FailureReporter so the copy gets reassigned, and the operation still
// succeeds.
//
// # Delivery
//
// In sync mode the outcome is delivered when the replica countdown
// reaches zero; in async mode as soon as the primary has committed,
// while replicas catch up in the background. Delivery is guarded by an
// atomic flag independent of the countdown, so whichever of success,
// timeout, or shutdown happens first wins and the others become no-ops.
package replication
