package replication

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dreamware/kotare/internal/cluster"
)

// testState builds a one-index, one-shard cluster state for the given
// nodes and copies.
func testState(version int64, nodeIDs []string, copies ...cluster.ShardCopy) *cluster.State {
	s := &cluster.State{
		Version: version,
		Indices: map[string]*cluster.IndexRouting{},
	}
	for _, id := range nodeIDs {
		s.Nodes = append(s.Nodes, cluster.NodeInfo{ID: id, Addr: "http://" + id})
	}
	if len(copies) > 0 {
		s.Indices["events"] = &cluster.IndexRouting{
			Name:      "events",
			NumShards: 1,
			Shards:    map[int][]cluster.ShardCopy{0: copies},
		}
	}
	return s
}

func primaryOn(node string) cluster.ShardCopy {
	return cluster.ShardCopy{Index: "events", Shard: 0, NodeID: node, State: cluster.CopyStarted, Primary: true}
}

func replicaOn(node string) cluster.ShardCopy {
	return cluster.ShardCopy{Index: "events", Shard: 0, NodeID: node, State: cluster.CopyStarted}
}

// shardsFunc adapts plain functions to ShardExecutor.
type shardsFunc struct {
	primary func(shard int, req *Request) (*Response, error)
	replica func(shard int, req *Request) error
}

func (s shardsFunc) ExecuteOnPrimary(shard int, req *Request) (*Response, error) {
	if s.primary == nil {
		return nil, errors.New("unexpected ExecuteOnPrimary")
	}
	return s.primary(shard, req)
}

func (s shardsFunc) ExecuteOnReplica(shard int, req *Request) error {
	if s.replica == nil {
		return errors.New("unexpected ExecuteOnReplica")
	}
	return s.replica(shard, req)
}

// transportFunc adapts plain functions to Transport.
type transportFunc struct {
	primary func(node cluster.NodeInfo, env *Envelope) (*Response, error)
	replica func(node cluster.NodeInfo, env *Envelope) error
}

func (t transportFunc) SendPrimary(_ context.Context, node cluster.NodeInfo, env *Envelope) (*Response, error) {
	if t.primary == nil {
		return nil, errors.New("unexpected SendPrimary")
	}
	return t.primary(node, env)
}

func (t transportFunc) SendReplica(_ context.Context, node cluster.NodeInfo, env *Envelope) error {
	if t.replica == nil {
		return errors.New("unexpected SendReplica")
	}
	return t.replica(node, env)
}

// reporterRec records shard-failure reports.
type reporterRec struct {
	mu      sync.Mutex
	reports []cluster.ShardCopy
}

func (r *reporterRec) ReportShardFailed(copy cluster.ShardCopy, _ string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.reports = append(r.reports, copy)
}

func (r *reporterRec) count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.reports)
}

// recordingListener captures outcomes and counts every delivery, so a
// second (erroneous) delivery is visible.
type recordingListener struct {
	mu        sync.Mutex
	responses []*Response
	failures  []error
	done      chan struct{}
}

func newRecordingListener() *recordingListener {
	return &recordingListener{done: make(chan struct{}, 4)}
}

func (l *recordingListener) OnResponse(resp *Response) {
	l.mu.Lock()
	l.responses = append(l.responses, resp)
	l.mu.Unlock()
	l.done <- struct{}{}
}

func (l *recordingListener) OnFailure(err error) {
	l.mu.Lock()
	l.failures = append(l.failures, err)
	l.mu.Unlock()
	l.done <- struct{}{}
}

func (l *recordingListener) wait(t *testing.T) {
	t.Helper()
	select {
	case <-l.done:
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for operation outcome")
	}
}

func (l *recordingListener) deliveries() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.responses) + len(l.failures)
}

func (l *recordingListener) response(t *testing.T) *Response {
	t.Helper()
	l.mu.Lock()
	defer l.mu.Unlock()
	require.Len(t, l.responses, 1, "expected exactly one response, failures: %v", l.failures)
	return l.responses[0]
}

func (l *recordingListener) failure(t *testing.T) error {
	t.Helper()
	l.mu.Lock()
	defer l.mu.Unlock()
	require.Len(t, l.failures, 1, "expected exactly one failure, responses: %v", l.responses)
	return l.failures[0]
}

func localPrimaryShards(node string, calls *atomic.Int32) shardsFunc {
	return shardsFunc{
		primary: func(shard int, req *Request) (*Response, error) {
			if calls != nil {
				calls.Add(1)
			}
			return &Response{Index: req.Index, Shard: shard, Key: req.Key, Node: node}, nil
		},
	}
}

func TestExecuteOnLocalPrimaryWithoutReplicas(t *testing.T) {
	tracker := cluster.NewTracker("n1")
	tracker.Publish(testState(1, []string{"n1"}, primaryOn("n1")))

	var calls atomic.Int32
	svc := NewService(tracker, localPrimaryShards("n1", &calls), transportFunc{}, nil, nil, Options{})

	l := newRecordingListener()
	svc.Execute(&Request{Index: "events", Key: "k1", Action: ActionPut, Value: []byte("v")}, l)
	l.wait(t)

	resp := l.response(t)
	assert.Equal(t, "events", resp.Index)
	assert.Equal(t, "n1", resp.Node)
	assert.Equal(t, int32(1), calls.Load())
}

func TestSyncWaitsForEveryReplica(t *testing.T) {
	tracker := cluster.NewTracker("n1")
	tracker.Publish(testState(1, []string{"n1", "n2", "n3"},
		primaryOn("n1"), replicaOn("n2"), replicaOn("n3")))

	arrivals := make(chan string, 2)
	release := make(chan struct{})
	tp := transportFunc{
		replica: func(node cluster.NodeInfo, env *Envelope) error {
			arrivals <- node.ID
			<-release
			return nil
		},
	}
	svc := NewService(tracker, localPrimaryShards("n1", nil), tp, nil, nil, Options{})

	l := newRecordingListener()
	svc.Execute(&Request{Index: "events", Key: "k1", Action: ActionPut, Value: []byte("v")}, l)

	got := map[string]bool{<-arrivals: true, <-arrivals: true}
	assert.True(t, got["n2"] && got["n3"], "both replicas should be dispatched, got %v", got)
	assert.Equal(t, 0, l.deliveries(), "sync operation must not complete before replicas do")

	close(release)
	l.wait(t)
	l.response(t)
}

func TestAsyncDeliversAfterPrimaryOnly(t *testing.T) {
	tracker := cluster.NewTracker("n1")
	tracker.Publish(testState(1, []string{"n1", "n2"}, primaryOn("n1"), replicaOn("n2")))

	release := make(chan struct{})
	var replicaCalls atomic.Int32
	tp := transportFunc{
		replica: func(node cluster.NodeInfo, env *Envelope) error {
			<-release
			replicaCalls.Add(1)
			return nil
		},
	}
	svc := NewService(tracker, localPrimaryShards("n1", nil), tp, nil, nil, Options{})

	l := newRecordingListener()
	svc.Execute(&Request{Index: "events", Key: "k1", Action: ActionPut, Mode: ModeAsync}, l)

	// The caller gets the answer while the replica is still blocked.
	l.wait(t)
	l.response(t)

	close(release)
	assert.Eventually(t, func() bool { return replicaCalls.Load() == 1 },
		time.Second, 5*time.Millisecond, "replica still receives the operation in async mode")

	// The finished countdown must not fire a second delivery.
	time.Sleep(50 * time.Millisecond)
	assert.Equal(t, 1, l.deliveries())
}

func TestRetriesUntilIndexAppears(t *testing.T) {
	tracker := cluster.NewTracker("n1")

	var calls atomic.Int32
	svc := NewService(tracker, localPrimaryShards("n1", &calls), transportFunc{}, nil, nil, Options{})

	l := newRecordingListener()
	svc.Execute(&Request{Index: "events", Key: "k1", Action: ActionPut}, l)
	assert.Equal(t, 0, l.deliveries())
	assert.Equal(t, int32(0), calls.Load())

	tracker.Publish(testState(1, []string{"n1"}, primaryOn("n1")))
	l.wait(t)
	l.response(t)
	assert.Equal(t, int32(1), calls.Load())
}

func TestTimeoutWithoutUsablePrimary(t *testing.T) {
	tracker := cluster.NewTracker("n1")
	unassigned := cluster.ShardCopy{Index: "events", Shard: 0, State: cluster.CopyUnassigned, Primary: true}
	tracker.Publish(testState(1, []string{"n1"}, unassigned))

	var calls atomic.Int32
	svc := NewService(tracker, localPrimaryShards("n1", &calls), transportFunc{}, nil, nil, Options{})

	l := newRecordingListener()
	svc.Execute(&Request{Index: "events", Key: "k1", Action: ActionPut, Timeout: 30 * time.Millisecond}, l)
	l.wait(t)

	err := l.failure(t)
	var timeoutErr *PrimaryTimeoutError
	require.ErrorAs(t, err, &timeoutErr)
	assert.Equal(t, "events", timeoutErr.Index)
	assert.Equal(t, int32(0), calls.Load(), "the operation must never execute when it times out")
}

func TestNotReadyPrimaryWaitsForNextState(t *testing.T) {
	tracker := cluster.NewTracker("n1")
	tracker.Publish(testState(1, []string{"n1"}, primaryOn("n1")))

	var ready atomic.Bool
	var calls atomic.Int32
	sh := shardsFunc{
		primary: func(shard int, req *Request) (*Response, error) {
			calls.Add(1)
			if !ready.Load() {
				return nil, ErrShardMissing
			}
			return &Response{Index: req.Index, Shard: shard, Key: req.Key, Node: "n1"}, nil
		},
	}
	svc := NewService(tracker, sh, transportFunc{}, nil, nil, Options{})

	l := newRecordingListener()
	svc.Execute(&Request{Index: "events", Key: "k1", Action: ActionPut}, l)

	assert.Eventually(t, func() bool { return calls.Load() >= 1 }, time.Second, time.Millisecond)
	assert.Equal(t, 0, l.deliveries(), "a not-allocated shard must be waited out, not failed")

	ready.Store(true)
	tracker.Publish(testState(2, []string{"n1"}, primaryOn("n1")))
	l.wait(t)
	l.response(t)
	assert.Equal(t, 1, l.deliveries())
}

func TestForwardsToRemotePrimary(t *testing.T) {
	tracker := cluster.NewTracker("n1")
	tracker.Publish(testState(1, []string{"n1", "n2"}, primaryOn("n2")))

	tp := transportFunc{
		primary: func(node cluster.NodeInfo, env *Envelope) (*Response, error) {
			assert.Equal(t, "n2", node.ID)
			return &Response{Index: env.Request.Index, Shard: env.Shard, Key: env.Request.Key, Node: "n2"}, nil
		},
	}
	svc := NewService(tracker, shardsFunc{}, tp, nil, nil, Options{})

	l := newRecordingListener()
	svc.Execute(&Request{Index: "events", Key: "k1", Action: ActionPut}, l)
	l.wait(t)

	resp := l.response(t)
	assert.Equal(t, "n2", resp.Node)
}

func TestUnreachablePrimaryRetriesOnNewRouting(t *testing.T) {
	tracker := cluster.NewTracker("n1")
	tracker.Publish(testState(1, []string{"n1", "n2"}, primaryOn("n2")))

	var remoteCalls atomic.Int32
	tp := transportFunc{
		primary: func(node cluster.NodeInfo, env *Envelope) (*Response, error) {
			remoteCalls.Add(1)
			return nil, &ConnectError{NodeID: node.ID, Err: errors.New("connection refused")}
		},
	}
	var localCalls atomic.Int32
	svc := NewService(tracker, localPrimaryShards("n1", &localCalls), tp, nil, nil, Options{})

	l := newRecordingListener()
	svc.Execute(&Request{Index: "events", Key: "k1", Action: ActionPut}, l)

	assert.Eventually(t, func() bool { return remoteCalls.Load() >= 1 }, time.Second, time.Millisecond)
	assert.Equal(t, 0, l.deliveries())

	// The routing authority moves the primary here.
	tracker.Publish(testState(2, []string{"n1"}, primaryOn("n1")))
	l.wait(t)
	l.response(t)
	assert.Equal(t, int32(1), localCalls.Load())
}

func TestTolerableReplicaFailureIsAbsorbed(t *testing.T) {
	tracker := cluster.NewTracker("n1")
	tracker.Publish(testState(1, []string{"n1", "n2"}, primaryOn("n1"), replicaOn("n2")))

	rep := &reporterRec{}
	tp := transportFunc{
		replica: func(node cluster.NodeInfo, env *Envelope) error {
			return &RemoteError{Kind: KindShardMissing, Message: "shard not allocated"}
		},
	}
	svc := NewService(tracker, localPrimaryShards("n1", nil), tp, nil, rep, Options{})

	l := newRecordingListener()
	svc.Execute(&Request{Index: "events", Key: "k1", Action: ActionPut}, l)
	l.wait(t)

	l.response(t)
	assert.Equal(t, 0, rep.count(), "a missing replica shard is transient and must not be reported")
}

func TestFatalReplicaFailureIsReportedOnce(t *testing.T) {
	tracker := cluster.NewTracker("n1")
	tracker.Publish(testState(1, []string{"n1", "n2"}, primaryOn("n1"), replicaOn("n2")))

	rep := &reporterRec{}
	tp := transportFunc{
		replica: func(node cluster.NodeInfo, env *Envelope) error {
			return &RemoteError{Kind: KindInternal, Message: "disk full"}
		},
	}
	svc := NewService(tracker, localPrimaryShards("n1", nil), tp, nil, rep, Options{})

	l := newRecordingListener()
	svc.Execute(&Request{Index: "events", Key: "k1", Action: ActionPut}, l)
	l.wait(t)

	// The write still succeeds; the broken copy is handed to the
	// routing authority instead of failing the operation.
	l.response(t)
	require.Equal(t, 1, rep.count())
	assert.Equal(t, "n2", rep.reports[0].NodeID)
}

func TestRelocatingReplicaReachesBothEnds(t *testing.T) {
	tracker := cluster.NewTracker("n1")
	moving := cluster.ShardCopy{
		Index: "events", Shard: 0, NodeID: "n2", RelocatingNodeID: "n3",
		State: cluster.CopyRelocating,
	}
	tracker.Publish(testState(1, []string{"n1", "n2", "n3"}, primaryOn("n1"), moving))

	var mu sync.Mutex
	var sent []string
	tp := transportFunc{
		replica: func(node cluster.NodeInfo, env *Envelope) error {
			mu.Lock()
			sent = append(sent, node.ID)
			mu.Unlock()
			return nil
		},
	}
	svc := NewService(tracker, localPrimaryShards("n1", nil), tp, nil, nil, Options{})

	l := newRecordingListener()
	svc.Execute(&Request{Index: "events", Key: "k1", Action: ActionPut}, l)
	l.wait(t)
	l.response(t)

	mu.Lock()
	defer mu.Unlock()
	assert.ElementsMatch(t, []string{"n2", "n3"}, sent)
}

func TestRelocatingPrimaryAlsoWritesToTarget(t *testing.T) {
	tracker := cluster.NewTracker("n1")
	movingPrimary := cluster.ShardCopy{
		Index: "events", Shard: 0, NodeID: "n1", RelocatingNodeID: "n2",
		State: cluster.CopyRelocating, Primary: true,
	}
	tracker.Publish(testState(1, []string{"n1", "n2"}, movingPrimary))

	var mu sync.Mutex
	var sent []string
	tp := transportFunc{
		replica: func(node cluster.NodeInfo, env *Envelope) error {
			mu.Lock()
			sent = append(sent, node.ID)
			mu.Unlock()
			return nil
		},
	}
	svc := NewService(tracker, localPrimaryShards("n1", nil), tp, nil, nil, Options{})

	l := newRecordingListener()
	svc.Execute(&Request{Index: "events", Key: "k1", Action: ActionPut}, l)
	l.wait(t)
	l.response(t)

	// The primary executed locally; its relocation target gets the
	// replica-style application.
	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, []string{"n2"}, sent)
}

func TestUnassignedReplicaIsSkipped(t *testing.T) {
	tracker := cluster.NewTracker("n1")
	unassigned := cluster.ShardCopy{Index: "events", Shard: 0, State: cluster.CopyUnassigned}
	tracker.Publish(testState(1, []string{"n1"}, primaryOn("n1"), unassigned))

	svc := NewService(tracker, localPrimaryShards("n1", nil), transportFunc{}, nil, nil, Options{})

	l := newRecordingListener()
	svc.Execute(&Request{Index: "events", Key: "k1", Action: ActionPut}, l)
	l.wait(t)
	l.response(t)
}

func TestLocalReplicaAppliesThroughExecutor(t *testing.T) {
	// Primary and a replica copy on the same node: the replica is
	// applied through the local executor, not the transport.
	tracker := cluster.NewTracker("n2")
	tracker.Publish(testState(1, []string{"n1", "n2"}, primaryOn("n2"), replicaOn("n2")))

	var replicaCalls atomic.Int32
	sh := shardsFunc{
		primary: func(shard int, req *Request) (*Response, error) {
			return &Response{Index: req.Index, Shard: shard, Key: req.Key, Node: "n2"}, nil
		},
		replica: func(shard int, req *Request) error {
			replicaCalls.Add(1)
			return nil
		},
	}
	svc := NewService(tracker, sh, transportFunc{}, nil, nil, Options{})

	l := newRecordingListener()
	svc.Execute(&Request{Index: "events", Key: "k1", Action: ActionPut}, l)
	l.wait(t)
	l.response(t)
	assert.Equal(t, int32(1), replicaCalls.Load())
}

func TestCloseFailsPendingOperation(t *testing.T) {
	tracker := cluster.NewTracker("n1")

	svc := NewService(tracker, shardsFunc{}, transportFunc{}, nil, nil, Options{})

	l := newRecordingListener()
	svc.Execute(&Request{Index: "events", Key: "k1", Action: ActionPut}, l)
	assert.Equal(t, 0, l.deliveries())

	tracker.Close()
	l.wait(t)
	assert.ErrorIs(t, l.failure(t), ErrNodeClosing)
}

func TestIgnoreReplicasSkipsFanout(t *testing.T) {
	tracker := cluster.NewTracker("n1")
	tracker.Publish(testState(1, []string{"n1", "n2"}, primaryOn("n1"), replicaOn("n2")))

	svc := NewService(tracker, localPrimaryShards("n1", nil), transportFunc{}, nil, nil,
		Options{IgnoreReplicas: true})

	l := newRecordingListener()
	svc.Execute(&Request{Index: "events", Key: "k1", Action: ActionPut}, l)
	l.wait(t)
	l.response(t)
}

func TestRepublishedRoutingDoesNotRedispatch(t *testing.T) {
	tracker := cluster.NewTracker("n1")
	tracker.Publish(testState(1, []string{"n1", "n2"}, primaryOn("n1"), replicaOn("n2")))

	arrivals := make(chan string, 4)
	release := make(chan struct{})
	tp := transportFunc{
		replica: func(node cluster.NodeInfo, env *Envelope) error {
			arrivals <- node.ID
			<-release
			return nil
		},
	}
	var calls atomic.Int32
	svc := NewService(tracker, localPrimaryShards("n1", &calls), tp, nil, nil, Options{})

	l := newRecordingListener()
	svc.Execute(&Request{Index: "events", Key: "k1", Action: ActionPut}, l)
	require.Equal(t, "n2", <-arrivals)

	// The same routing arrives again under a newer version while the
	// replica call is still in flight.
	tracker.Publish(testState(2, []string{"n1", "n2"}, primaryOn("n1"), replicaOn("n2")))

	close(release)
	l.wait(t)
	l.response(t)
	assert.Equal(t, int32(1), calls.Load(), "the primary must not re-execute on an unchanged routing")

	time.Sleep(30 * time.Millisecond)
	assert.Equal(t, 1, l.deliveries())
	select {
	case id := <-arrivals:
		t.Fatalf("unexpected second replica dispatch to %s", id)
	default:
	}
}

// TestConcurrentOperationsDeliverExactlyOnce races retries, timeouts,
// replica completions, and topology publishes against each other: many
// concurrent operations with short random timeouts run against a
// cluster whose routing keeps shifting between usable, unassigned,
// relocating, and remote-primary shapes, with primaries and replicas
// failing at random. Whatever interleaving the scheduler picks, every
// operation must deliver exactly one outcome.
func TestConcurrentOperationsDeliverExactlyOnce(t *testing.T) {
	const rounds = 20
	const opsPerRound = 12

	for round := 0; round < rounds; round++ {
		tracker := cluster.NewTracker("n1")

		sh := shardsFunc{
			primary: func(shard int, req *Request) (*Response, error) {
				if rand.Intn(4) == 0 {
					return nil, ErrShardMissing
				}
				return &Response{Index: req.Index, Shard: shard, Key: req.Key, Node: "n1"}, nil
			},
			replica: func(shard int, req *Request) error { return nil },
		}
		tp := transportFunc{
			primary: func(node cluster.NodeInfo, env *Envelope) (*Response, error) {
				if rand.Intn(3) == 0 {
					return nil, &ConnectError{NodeID: node.ID, Err: errors.New("connection refused")}
				}
				return &Response{Index: env.Request.Index, Shard: env.Shard, Key: env.Request.Key, Node: node.ID}, nil
			},
			replica: func(node cluster.NodeInfo, env *Envelope) error {
				if rand.Intn(3) == 0 {
					return &RemoteError{Kind: KindShardMissing, Message: "shard not allocated"}
				}
				return nil
			},
		}
		svc := NewService(tracker, sh, tp, nil, nil, Options{})

		topology := func(v int64) *cluster.State {
			switch v % 4 {
			case 0:
				return testState(v, []string{"n1", "n2"}, primaryOn("n1"), replicaOn("n2"))
			case 1:
				return testState(v, []string{"n1", "n2"},
					cluster.ShardCopy{Index: "events", Shard: 0, State: cluster.CopyUnassigned, Primary: true})
			case 2:
				return testState(v, []string{"n1", "n2"}, cluster.ShardCopy{
					Index: "events", Shard: 0, NodeID: "n1", RelocatingNodeID: "n2",
					State: cluster.CopyRelocating, Primary: true,
				})
			default:
				return testState(v, []string{"n1", "n2"}, primaryOn("n2"), replicaOn("n1"))
			}
		}

		stop := make(chan struct{})
		var pub sync.WaitGroup
		pub.Add(1)
		go func() {
			defer pub.Done()
			for version := int64(1); ; version++ {
				select {
				case <-stop:
					return
				default:
				}
				tracker.Publish(topology(version))
				time.Sleep(time.Millisecond)
			}
		}()

		listeners := make([]*recordingListener, opsPerRound)
		var ops sync.WaitGroup
		for i := range listeners {
			l := newRecordingListener()
			listeners[i] = l
			ops.Add(1)
			go func(i int, l *recordingListener) {
				defer ops.Done()
				svc.Execute(&Request{
					Index:   "events",
					Key:     fmt.Sprintf("k%d", i),
					Action:  ActionPut,
					Value:   []byte("v"),
					Timeout: time.Duration(15+rand.Intn(30)) * time.Millisecond,
				}, l)
				select {
				case <-l.done:
				case <-time.After(5 * time.Second):
					t.Error("operation never delivered an outcome")
				}
			}(i, l)
		}
		ops.Wait()
		close(stop)
		pub.Wait()
		tracker.Close()

		// Let straggling replica countdowns and stale timers run out;
		// none of them may produce a second delivery.
		time.Sleep(30 * time.Millisecond)
		for i, l := range listeners {
			if d := l.deliveries(); d != 1 {
				t.Fatalf("round %d op %d delivered %d outcomes", round, i, d)
			}
		}
	}
}

func TestKeyRouterIsStablePerKey(t *testing.T) {
	state := &cluster.State{
		Version: 1,
		Indices: map[string]*cluster.IndexRouting{
			"events": {Name: "events", NumShards: 4, Shards: map[int][]cluster.ShardCopy{}},
		},
	}
	for i := 0; i < 4; i++ {
		state.Indices["events"].Shards[i] = []cluster.ShardCopy{
			{Index: "events", Shard: i, NodeID: "n1", State: cluster.CopyStarted, Primary: true},
		}
	}

	req := &Request{Index: "events", Key: "user:42"}
	first, err := KeyRouter(state, req)
	require.NoError(t, err)
	for i := 0; i < 10; i++ {
		again, err := KeyRouter(state, req)
		require.NoError(t, err)
		assert.Equal(t, first.Shard, again.Shard)
	}

	_, err = KeyRouter(state, &Request{Index: "missing", Key: "k"})
	assert.Error(t, err)
}
