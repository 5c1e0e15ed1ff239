package replication

import (
	"context"
	"fmt"
	"log"
	"sync"
	"sync/atomic"
	"time"

	"github.com/dreamware/kotare/internal/cluster"
)

// ClusterService is the topology collaborator: it yields point-in-time
// cluster-state snapshots and topology-change notifications.
// *cluster.Tracker satisfies it.
type ClusterService interface {
	State() *cluster.State
	LocalNodeID() string
	Subscribe(l cluster.StateListener) int
	Unsubscribe(id int)
}

// ShardExecutor applies operations to shard copies hosted on this node.
// Failures must be the typed errors of this package (ErrShardMissing,
// ErrIndexMissing, *ShardStateError) when the copy is not ready, so the
// coordinator can classify them.
type ShardExecutor interface {
	ExecuteOnPrimary(shard int, req *Request) (*Response, error)
	ExecuteOnReplica(shard int, req *Request) error
}

// Transport sends envelopes to remote nodes. Implementations must
// surface connection-level failures as *ConnectError and remote
// application failures as *RemoteError so they classify correctly.
type Transport interface {
	// SendPrimary forwards the whole operation to the node hosting the
	// primary; that node runs its own coordination and fan-out.
	SendPrimary(ctx context.Context, node cluster.NodeInfo, env *Envelope) (*Response, error)
	// SendReplica applies the already-committed primary effect to a
	// replica copy on the given node.
	SendReplica(ctx context.Context, node cluster.NodeInfo, env *Envelope) error
}

// FailureReporter notifies the routing authority that a replica copy
// should be considered unhealthy. Fire and forget.
type FailureReporter interface {
	ReportShardFailed(copy cluster.ShardCopy, reason string)
}

// Router resolves the topology view an operation targets from a state
// snapshot. It may be called several times per operation, once per
// attempt, and must be deterministic for an unchanged state.
type Router func(state *cluster.State, req *Request) (cluster.TopologyView, error)

// KeyRouter routes by hashing the request key over the index's shards.
// It is the default Router.
func KeyRouter(state *cluster.State, req *Request) (cluster.TopologyView, error) {
	shard, ok := state.ShardForKey(req.Index, req.Key)
	if !ok {
		return cluster.TopologyView{}, fmt.Errorf("no routing for index [%s]", req.Index)
	}
	view, ok := state.Shards(req.Index, shard)
	if !ok {
		return cluster.TopologyView{}, fmt.Errorf("no routing for shard [%s][%d]", req.Index, shard)
	}
	return view, nil
}

// Options configures a replication Service.
type Options struct {
	// DefaultMode applies when a request carries ModeDefault.
	// Zero value means sync.
	DefaultMode Mode
	// DefaultTimeout bounds the wait for a usable primary when the
	// request carries none. Zero value means one minute.
	DefaultTimeout time.Duration
	// Tolerable classifies replica-side failures; nil means
	// DefaultTolerable.
	Tolerable Classifier
	// Router resolves topology views; nil means KeyRouter.
	Router Router
	// IgnoreReplicas skips replica propagation entirely; the primary
	// result is delivered as soon as it is available.
	IgnoreReplicas bool
}

// Service coordinates shard-scoped operations: it locates the current
// primary copy, executes the operation there (retrying while the
// topology settles), fans the committed effect out to every replica
// copy, and delivers exactly one outcome to the caller.
//
// One Service is shared by all operations on a node; each call to
// Execute creates a fresh single-use run.
type Service struct {
	cluster   ClusterService
	shards    ShardExecutor
	transport Transport
	pool      Executor
	reporter  FailureReporter
	opts      Options
}

// NewService wires a replication service from its collaborators.
// A nil pool defaults to GoExecutor.
func NewService(cs ClusterService, se ShardExecutor, tr Transport, pool Executor, rep FailureReporter, opts Options) *Service {
	if pool == nil {
		pool = GoExecutor{}
	}
	if opts.DefaultMode == ModeDefault {
		opts.DefaultMode = ModeSync
	}
	if opts.DefaultTimeout <= 0 {
		opts.DefaultTimeout = time.Minute
	}
	if opts.Tolerable == nil {
		opts.Tolerable = DefaultTolerable
	}
	if opts.Router == nil {
		opts.Router = KeyRouter
	}
	return &Service{
		cluster:   cs,
		shards:    se,
		transport: tr,
		pool:      pool,
		reporter:  rep,
		opts:      opts,
	}
}

// Execute submits one operation. It returns immediately; the outcome
// arrives through the listener, exactly once, on success or failure.
func (s *Service) Execute(req *Request, l Listener) {
	r := &run{svc: s, req: req, listener: l}
	r.mode = req.Mode
	if r.mode == ModeDefault {
		r.mode = s.opts.DefaultMode
	}
	r.timeout = req.Timeout
	if r.timeout <= 0 {
		r.timeout = s.opts.DefaultTimeout
	}
	r.attemptInitial()
}

// retryState is the retry machinery's state for the current cycle.
// Transitions: idle -> armed when an attempt finds no usable primary,
// armed -> idle when the cycle resolves (outcome delivered, timeout
// decided, or shutdown). A started execution that turns out not ready
// arms a fresh cycle, with a fresh timer; the generation counter keeps
// a stale cycle's timer from acting on a newer one.
type retryState int

const (
	retryIdle retryState = iota
	retryArmed
)

// run is the single-use coordinator for one operation. It holds the two
// pieces of mutable shared state the protocol needs (the single-shot
// primary guard and the delivery/completion atomics) plus the retry
// machinery; everything else is an immutable per-attempt snapshot.
type run struct {
	svc      *Service
	req      *Request
	listener Listener
	mode     Mode
	timeout  time.Duration

	// primaryStarted is the single-shot guard: at most one primary
	// execution proceeds even when a retry and a concurrent state
	// notification race into attempt. It is reset only when a started
	// execution turns out to be "not ready yet" and must be retried.
	primaryStarted atomic.Bool

	// delivered guards exactly-once delivery of the final outcome,
	// independent of the completion countdown.
	delivered atomic.Bool

	// pending counts outstanding replica dispatches; the decrement that
	// reaches zero triggers delivery in sync mode.
	pending atomic.Int32

	retryMu sync.Mutex
	state   retryState
	gen     int
	subID   int
	timer   *time.Timer
}

func (r *run) attemptInitial() {
	r.attempt(false)
}

// attempt tries to locate and start the primary against a fresh state
// snapshot. It returns true when the operation is resolved from this
// attempt's point of view: the primary execution started (here or on
// another racing attempt) or a fatal failure was delivered. A false
// return means a retry has been scheduled.
func (r *run) attempt(fromEvent bool) bool {
	state := r.svc.cluster.State()
	if !state.HasIndex(r.req.Index) {
		// Index not in the topology yet; wait for it to appear.
		r.scheduleRetry()
		return false
	}
	view, err := r.svc.opts.Router(state, r.req)
	if err != nil {
		r.fail(err)
		return true
	}
	primary := view.Primary()
	if primary == nil {
		// No primary copy at all right now, for example between a
		// primary failure and the promotion of a replica.
		r.scheduleRetry()
		return false
	}
	if !primary.Active() || !state.NodeExists(primary.NodeID) {
		r.scheduleRetry()
		return false
	}

	if !r.primaryStarted.CompareAndSwap(false, true) {
		// A concurrent attempt won the race and owns the execution.
		return true
	}

	target := *primary
	seen := state.Version
	if target.NodeID == r.svc.cluster.LocalNodeID() {
		if r.req.OperationThreaded {
			r.svc.pool.Submit(func() {
				r.executePrimary(target, true, seen)
			})
		} else {
			r.executePrimary(target, false, seen)
		}
	} else {
		node, _ := state.Node(target.NodeID)
		go r.forwardPrimary(node, target, seen)
	}
	return true
}

// executePrimary runs the operation on the local primary copy, exactly
// once per guard acquisition. onWorker records whether we were already
// forked, which decides how the final delivery is handed off. seen is
// the state version the attempt routed against.
func (r *run) executePrimary(target cluster.ShardCopy, onWorker bool, seen int64) {
	resp, err := r.svc.shards.ExecuteOnPrimary(target.Shard, r.req)
	if err != nil {
		if retryablePrimary(err) {
			// The shard is not allocated or started here yet; absorb
			// and wait for the topology to catch up.
			r.releaseAndRejoin(seen)
			return
		}
		log.Printf("primary [%s][%d]: failed to execute %s: %v", target.Index, target.Shard, r.req, err)
		r.fail(&PrimaryFailedError{Index: target.Index, Shard: target.Shard, Err: err})
		return
	}
	r.fanout(resp, onWorker)
}

// forwardPrimary sends the whole operation to the remote node hosting
// the primary. That node performs its own coordination and fan-out; we
// only deliver its final answer, or retry if it was unreachable or not
// ready.
func (r *run) forwardPrimary(node cluster.NodeInfo, target cluster.ShardCopy, seen int64) {
	env := &Envelope{Shard: target.Shard, Request: r.req}
	resp, err := r.svc.transport.SendPrimary(context.Background(), node, env)
	if err != nil {
		if retryableRemotePrimary(err) {
			// Disconnected, node closing, or shard not ready over
			// there. Release the guard and wait for new routing.
			r.releaseAndRejoin(seen)
			return
		}
		r.fail(err)
		return
	}
	r.respond(resp, r.deliverStrategy(false))
}

// releaseAndRejoin hands the single-shot guard back and rejoins the
// wait for a usable primary. A topology notification may have been
// consumed by an attempt that lost the guard to this execution while it
// was in flight; if the state moved past the version this execution
// routed against, that event carried routing we have not looked at, so
// re-attempt once instead of waiting for the next one.
func (r *run) releaseAndRejoin(seen int64) {
	r.primaryStarted.Store(false)
	r.scheduleRetry()
	if s := r.svc.cluster.State(); s != nil && s.Version != seen {
		r.attempt(true)
	}
}

// scheduleRetry arms the retry machinery: one topology-change
// subscription plus one timeout timer. While armed, later calls are
// no-ops, which is what makes it safe to call from every not-ready
// path. After a cycle resolved, a started execution that released the
// guard can arm a new cycle.
func (r *run) scheduleRetry() {
	if r.delivered.Load() {
		return
	}
	r.retryMu.Lock()
	if r.state == retryArmed {
		r.retryMu.Unlock()
		return
	}
	r.state = retryArmed
	r.gen++
	gen := r.gen
	// When the operation eventually starts from a notification
	// goroutine, fork the storage call off it.
	r.req.OperationThreaded = true
	r.timer = time.AfterFunc(r.timeout, func() { r.onTimeout(gen) })
	r.retryMu.Unlock()

	id := r.svc.cluster.Subscribe(r)

	r.retryMu.Lock()
	if r.state != retryArmed || r.gen != gen {
		// Closed or resolved while subscribing.
		r.retryMu.Unlock()
		if id >= 0 {
			r.svc.cluster.Unsubscribe(id)
		}
		return
	}
	r.subID = id
	r.retryMu.Unlock()

	// The state may have moved between the snapshot that failed and the
	// subscription; close the gap with one immediate re-attempt.
	r.attempt(true)
}

// OnStateChange implements cluster.StateListener: every new cluster
// state is a chance to find a usable primary. The cycle stays armed
// until an outcome is delivered; a started execution that fails as
// not-ready rejoins the same wait.
func (r *run) OnStateChange(*cluster.State) {
	r.attempt(true)
}

// OnClose implements cluster.StateListener: the node is shutting down,
// so a pending operation can never resolve.
func (r *run) OnClose() {
	r.disarm()
	r.fail(ErrNodeClosing)
}

// onTimeout fires when the cycle's timer expires. A newer cycle's
// generation makes an older timer a no-op.
func (r *run) onTimeout(gen int) {
	r.retryMu.Lock()
	stale := r.state != retryArmed || r.gen != gen
	r.retryMu.Unlock()
	if stale {
		return
	}
	// To be safe, see if it is startable right now. A started execution
	// delivers on its own, or arms a fresh cycle with a fresh timer.
	if r.attempt(true) {
		r.disarm()
		return
	}
	r.disarm()
	r.fail(&PrimaryTimeoutError{Index: r.req.Index, Timeout: r.timeout})
}

// disarm resolves the current cycle: the timer is stopped and the
// subscription removed. Safe to call on whichever of delivery, timeout,
// or shutdown gets here first; idle is a no-op.
func (r *run) disarm() {
	r.retryMu.Lock()
	if r.state != retryArmed {
		r.retryMu.Unlock()
		return
	}
	r.state = retryIdle
	if r.timer != nil {
		r.timer.Stop()
	}
	id := r.subID
	r.subID = 0
	r.retryMu.Unlock()
	if id > 0 {
		r.svc.cluster.Unsubscribe(id)
	}
}

// fanout dispatches the committed primary effect to every replica copy.
// It re-fetches the topology: it may have changed since the operation
// was routed, and the fan-out tolerates that staleness rather than
// re-resolving from scratch.
func (r *run) fanout(resp *Response, onWorker bool) {
	strategy := r.deliverStrategy(onWorker)

	state := r.svc.cluster.State()
	view, ok := state.Shards(resp.Index, resp.Shard)
	if r.svc.opts.IgnoreReplicas || !ok {
		// Nothing to propagate to. If the routing vanished between the
		// primary commit and here, the write still happened; replica
		// repair is the routing authority's problem.
		r.respond(resp, strategy)
		return
	}

	// One completion per replica copy, plus one per relocation target
	// (the operation must reach both ends of a move, or writes landing
	// between end of recovery and reassignment are lost). A relocating
	// primary counts for its target only: the source already executed.
	count := 0
	for _, c := range view.Copies {
		if c.Primary {
			if c.Relocating() {
				count++
			}
			continue
		}
		count++
		if c.Relocating() {
			count++
		}
	}
	if count == 0 {
		r.respond(resp, strategy)
		return
	}

	if r.mode == ModeAsync {
		// Deliver now; the countdown below still runs for eventual
		// consistency but can never fire a second delivery.
		r.respond(resp, strategy)
	}

	r.pending.Store(int32(count))

	for _, c := range view.Copies {
		onlyRelocationTarget := false
		if c.Primary {
			if !c.Relocating() {
				continue
			}
			// The primary itself already executed; only its relocation
			// target still needs the operation.
			onlyRelocationTarget = true
		}

		if c.Unassigned() || !state.NodeExists(c.NodeID) {
			// Nothing to send anywhere: the copy will be recreated and
			// recovered elsewhere. Complete every increment this copy
			// contributed without dispatching.
			r.finishReplica(resp)
			if !c.Primary && c.Relocating() {
				r.finishReplica(resp)
			}
			continue
		}

		// A replica that is still initializing is dispatched to as
		// well: the started notification may simply not have arrived
		// here yet. If it truly is not ready, the typed shard-state
		// failure comes back and is tolerated.
		if !onlyRelocationTarget {
			r.performOnReplica(resp, state, c, c.NodeID)
		}
		if c.Relocating() {
			r.performOnReplica(resp, state, c, c.RelocatingNodeID)
		}
	}
}

// performOnReplica dispatches one replica application, locally or
// remotely, and completes the countdown when it finishes either way.
func (r *run) performOnReplica(resp *Response, state *cluster.State, replica cluster.ShardCopy, nodeID string) {
	env := &Envelope{Shard: replica.Shard, Request: r.req}

	if nodeID != r.svc.cluster.LocalNodeID() {
		node, ok := state.Node(nodeID)
		if !ok {
			r.finishReplica(resp)
			return
		}
		go func() {
			if err := r.svc.transport.SendReplica(context.Background(), node, env); err != nil {
				r.replicaFailed(replica, nodeID, err)
			}
			r.finishReplica(resp)
		}()
		return
	}

	apply := func() {
		if err := r.svc.shards.ExecuteOnReplica(replica.Shard, r.req); err != nil {
			r.replicaFailed(replica, nodeID, err)
		}
		r.finishReplica(resp)
	}
	if r.req.OperationThreaded {
		r.svc.pool.Submit(apply)
	} else {
		apply()
	}
}

// replicaFailed classifies a replica-side failure. Tolerable failures
// are absorbed; anything else is reported so the routing authority can
// reassign the copy. Either way the fan-out proceeds.
func (r *run) replicaFailed(replica cluster.ShardCopy, nodeID string, err error) {
	if r.svc.opts.Tolerable(err) {
		return
	}
	log.Printf("replica [%s][%d] on node [%s]: failed to apply %s: %v", replica.Index, replica.Shard, nodeID, r.req, err)
	if r.svc.reporter != nil {
		r.svc.reporter.ReportShardFailed(replica, fmt.Sprintf("failed to apply [%s] on replica: %v", r.req.Action, err))
	}
}

// finishReplica counts one replica completion down; the decrement that
// reaches zero is the single sync-mode delivery trigger.
func (r *run) finishReplica(resp *Response) {
	if r.pending.Add(-1) == 0 {
		r.respond(resp, r.deliverStrategy(false))
	}
}

// deliverStrategy decides where the final callback runs: on the worker
// pool when the caller asked for threaded delivery and we are not
// already on a forked goroutine, inline otherwise.
func (r *run) deliverStrategy(onWorker bool) Strategy {
	if r.req.ListenerThreaded && !onWorker {
		return RunOnWorker
	}
	return RunInline
}

// respond delivers the success outcome, exactly once, releasing any
// armed retry cycle first.
func (r *run) respond(resp *Response, s Strategy) {
	if !r.delivered.CompareAndSwap(false, true) {
		return
	}
	r.disarm()
	dispatch(s, r.svc.pool, func() { r.listener.OnResponse(resp) })
}

// fail delivers the failure outcome, exactly once.
func (r *run) fail(err error) {
	if !r.delivered.CompareAndSwap(false, true) {
		return
	}
	r.disarm()
	dispatch(r.deliverStrategy(false), r.svc.pool, func() { r.listener.OnFailure(err) })
}
