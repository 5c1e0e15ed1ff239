package cluster

import (
	"sync"
)

// StateListener receives cluster-state notifications from a Tracker.
//
// OnStateChange fires after a new State has been installed; the listener
// should fetch whatever it needs from the passed snapshot rather than
// the Tracker, since another publish may already be in flight.
// OnClose fires exactly once when the Tracker shuts down; listeners that
// represent pending work must resolve it (a node that is closing will
// never see another state change).
type StateListener interface {
	OnStateChange(s *State)
	OnClose()
}

// Tracker holds the node-local view of the cluster state and fans
// change notifications out to subscribed listeners.
//
// The replication layer's retry machinery is the main consumer: a
// pending operation subscribes, re-attempts on every state change, and
// unsubscribes once it resolves.
//
// Thread safety: all methods are safe for concurrent use. Listener
// callbacks are invoked without holding the Tracker's lock, on the
// goroutine that called Publish or Close.
type Tracker struct {
	mu        sync.RWMutex
	localID   string
	state     *State
	listeners map[int]StateListener
	nextID    int
	closed    bool
}

// NewTracker creates a tracker for the named local node with an empty
// initial state (version 0, no indices).
func NewTracker(localID string) *Tracker {
	return &Tracker{
		localID:   localID,
		state:     &State{Version: 0, Indices: map[string]*IndexRouting{}},
		listeners: make(map[int]StateListener),
	}
}

// LocalNodeID returns the ID this tracker's node registered under.
func (t *Tracker) LocalNodeID() string {
	return t.localID
}

// State returns the current cluster-state snapshot. The returned State
// is immutable; callers must not modify it.
func (t *Tracker) State() *State {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.state
}

// Publish installs a new state snapshot and notifies all listeners.
// Pushes with a version at or below the current one are dropped: the
// coordinator may rebroadcast, and listeners only care about progress.
func (t *Tracker) Publish(s *State) {
	t.mu.Lock()
	if t.closed || s == nil || s.Version <= t.state.Version {
		t.mu.Unlock()
		return
	}
	t.state = s
	targets := make([]StateListener, 0, len(t.listeners))
	for _, l := range t.listeners {
		targets = append(targets, l)
	}
	t.mu.Unlock()

	for _, l := range targets {
		l.OnStateChange(s)
	}
}

// Subscribe registers a listener and returns a handle for Unsubscribe.
// If the tracker is already closed the listener's OnClose fires
// immediately and the handle is inert.
func (t *Tracker) Subscribe(l StateListener) int {
	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		l.OnClose()
		return -1
	}
	t.nextID++
	id := t.nextID
	t.listeners[id] = l
	t.mu.Unlock()
	return id
}

// Unsubscribe removes a listener. Unknown handles are ignored, so it is
// safe to call on whichever path resolves first.
func (t *Tracker) Unsubscribe(id int) {
	t.mu.Lock()
	delete(t.listeners, id)
	t.mu.Unlock()
}

// Close shuts the tracker down and delivers OnClose to every remaining
// listener exactly once. Further publishes and subscriptions are no-ops.
func (t *Tracker) Close() {
	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return
	}
	t.closed = true
	targets := make([]StateListener, 0, len(t.listeners))
	for _, l := range t.listeners {
		targets = append(targets, l)
	}
	t.listeners = make(map[int]StateListener)
	t.mu.Unlock()

	for _, l := range targets {
		l.OnClose()
	}
}
