package replication

import (
	"fmt"
	"time"
)

// Mode selects the durability semantics of one operation.
type Mode string

const (
	// ModeDefault defers to the service's configured default.
	ModeDefault Mode = ""
	// ModeSync completes the operation only after every qualifying
	// replica copy has acknowledged it.
	ModeSync Mode = "sync"
	// ModeAsync completes the operation as soon as the primary has
	// applied it; replicas are updated in the background.
	ModeAsync Mode = "async"
)

// ParseMode maps a configuration string to a Mode, defaulting to sync.
func ParseMode(s string) Mode {
	switch s {
	case "async":
		return ModeAsync
	case "sync":
		return ModeSync
	default:
		return ModeSync
	}
}

// Request is one logical shard-scoped operation against an index.
//
// A Request is created by the caller and owned by a single coordinator
// run for the duration of one invocation; runs are never reused. The
// only field the run mutates is OperationThreaded, which is forced on
// when the operation resumes from a topology-change notification so the
// storage call does not run on the notification goroutine.
type Request struct {
	// Index is the concrete target index. Callers resolve aliases
	// before submitting.
	Index string `json:"index"`
	// Key is the document key; it also decides the target shard.
	Key string `json:"key"`
	// Action is the mutation to apply: ActionPut or ActionDelete.
	Action string `json:"action"`
	// Value is the document body for ActionPut.
	Value []byte `json:"value,omitempty"`
	// Timeout bounds only the wait for a usable primary. Zero means
	// the service default.
	Timeout time.Duration `json:"timeout,omitempty"`
	// Mode selects sync or async replication; empty means the service
	// default.
	Mode Mode `json:"mode,omitempty"`
	// OperationThreaded forks the primary (and local replica) storage
	// call onto a worker instead of the calling goroutine.
	OperationThreaded bool `json:"operation_threaded,omitempty"`
	// ListenerThreaded delivers the final callback on a worker instead
	// of whichever goroutine reached the delivery point.
	ListenerThreaded bool `json:"listener_threaded,omitempty"`
}

const (
	ActionPut    = "put"
	ActionDelete = "delete"
)

func (r *Request) String() string {
	return fmt.Sprintf("%s [%s]/[%s]", r.Action, r.Index, r.Key)
}

// Response is the outcome of a successfully replicated operation,
// produced on the primary and handed to the caller once delivery is due.
type Response struct {
	Index string `json:"index"`
	Shard int    `json:"shard"`
	Key   string `json:"key"`
	// Node is the node that executed the primary operation.
	Node string `json:"node,omitempty"`
}

// Envelope pairs a shard ordinal with the operation it targets. It is
// the unit sent to a remote node, created once per remote dispatch and
// discarded when the call completes.
type Envelope struct {
	Shard   int      `json:"shard"`
	Request *Request `json:"request"`
}

// Listener receives the single outcome of an operation. Exactly one of
// the two methods is invoked, exactly once.
type Listener interface {
	OnResponse(resp *Response)
	OnFailure(err error)
}

// ListenerFuncs adapts plain functions to the Listener interface.
// Nil funcs are ignored.
type ListenerFuncs struct {
	Response func(resp *Response)
	Failure  func(err error)
}

func (l ListenerFuncs) OnResponse(resp *Response) {
	if l.Response != nil {
		l.Response(resp)
	}
}

func (l ListenerFuncs) OnFailure(err error) {
	if l.Failure != nil {
		l.Failure(err)
	}
}
