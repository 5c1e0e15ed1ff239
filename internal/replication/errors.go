package replication

import (
	"errors"
	"fmt"
	"time"
)

// Wire-level error kinds. Remote failures carry one of these so the
// sending side can classify them without string matching.
const (
	KindShardMissing = "shard_missing"
	KindIndexMissing = "index_missing"
	KindShardState   = "shard_state"
	KindNodeClosing  = "node_closing"
	KindConnect      = "connect"
	KindInternal     = "internal"
)

var (
	// ErrShardMissing means the target shard is not allocated on the
	// node that was asked to execute.
	ErrShardMissing = errors.New("shard not allocated on this node")
	// ErrIndexMissing means the target index is not present on the node
	// that was asked to execute.
	ErrIndexMissing = errors.New("index not present on this node")
	// ErrNodeClosing means the node is shutting down and will not take
	// further operations.
	ErrNodeClosing = errors.New("node is closing")
)

// ShardStateError reports a shard that exists but is not in a lifecycle
// state that can serve the operation (for example still initializing).
type ShardStateError struct {
	Index string
	Shard int
	State string
}

func (e *ShardStateError) Error() string {
	return fmt.Sprintf("shard [%s][%d] in state [%s] cannot execute operation", e.Index, e.Shard, e.State)
}

// ConnectError marks a transport-level failure to reach a node: refused
// connection, unreachable host, node down. On the primary path it is
// retried; on a replica path it is tolerated.
type ConnectError struct {
	NodeID string
	Err    error
}

func (e *ConnectError) Error() string {
	return fmt.Sprintf("connect to node [%s]: %v", e.NodeID, e.Err)
}

func (e *ConnectError) Unwrap() error { return e.Err }

// RemoteError is an application-level failure returned by another node,
// carrying the machine-readable kind it was classified as over there.
type RemoteError struct {
	Kind    string
	Message string
}

func (e *RemoteError) Error() string {
	return fmt.Sprintf("remote failure [%s]: %s", e.Kind, e.Message)
}

// PrimaryTimeoutError is surfaced to the caller when no usable primary
// appeared within the operation's timeout.
type PrimaryTimeoutError struct {
	Index   string
	Timeout time.Duration
}

func (e *PrimaryTimeoutError) Error() string {
	return fmt.Sprintf("primary for [%s] not started, timed out waiting [%s]", e.Index, e.Timeout)
}

// PrimaryFailedError wraps a non-retryable failure of the primary
// execution with the shard's identity.
type PrimaryFailedError struct {
	Index string
	Shard int
	Err   error
}

func (e *PrimaryFailedError) Error() string {
	return fmt.Sprintf("primary operation on [%s][%d] failed: %v", e.Index, e.Shard, e.Err)
}

func (e *PrimaryFailedError) Unwrap() error { return e.Err }

// ErrorKind normalizes any local or remote failure to a wire kind.
func ErrorKind(err error) string {
	var re *RemoteError
	if errors.As(err, &re) {
		return re.Kind
	}
	var ce *ConnectError
	if errors.As(err, &ce) {
		return KindConnect
	}
	var se *ShardStateError
	if errors.As(err, &se) {
		return KindShardState
	}
	switch {
	case errors.Is(err, ErrShardMissing):
		return KindShardMissing
	case errors.Is(err, ErrIndexMissing):
		return KindIndexMissing
	case errors.Is(err, ErrNodeClosing):
		return KindNodeClosing
	}
	return KindInternal
}

// retryablePrimary reports whether a local primary execution failure
// means "not ready yet" rather than a real failure: the shard has not
// been allocated or started here, so a later cluster state will fix it.
func retryablePrimary(err error) bool {
	switch ErrorKind(err) {
	case KindShardMissing, KindIndexMissing, KindShardState:
		return true
	}
	return false
}

// retryableRemotePrimary extends retryablePrimary with the transport
// conditions a remote primary dispatch can hit: the node went away or is
// shutting down. Both mean the routing will change, so retry.
func retryableRemotePrimary(err error) bool {
	if retryablePrimary(err) {
		return true
	}
	switch ErrorKind(err) {
	case KindConnect, KindNodeClosing:
		return true
	}
	return false
}

// Classifier decides whether a replica-side failure is tolerable.
// Tolerable failures are absorbed silently; anything else is reported to
// the routing authority as a failed shard copy.
type Classifier func(err error) bool

// DefaultTolerable tolerates failures that indicate the replica is in a
// transient, self-correcting state: the shard or index is missing on the
// node, the shard is not in a startable lifecycle state, or the node
// could not be reached at all.
func DefaultTolerable(err error) bool {
	switch ErrorKind(err) {
	case KindShardMissing, KindIndexMissing, KindShardState, KindConnect:
		return true
	}
	return false
}
