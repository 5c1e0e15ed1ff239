package replication

import (
	"errors"
	"fmt"
	"testing"
)

func TestErrorKind(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want string
	}{
		{"shard missing", ErrShardMissing, KindShardMissing},
		{"index missing", ErrIndexMissing, KindIndexMissing},
		{"node closing", ErrNodeClosing, KindNodeClosing},
		{"wrapped shard missing", fmt.Errorf("apply: %w", ErrShardMissing), KindShardMissing},
		{"shard state", &ShardStateError{Index: "events", Shard: 1, State: "initializing"}, KindShardState},
		{"connect", &ConnectError{NodeID: "n2", Err: errors.New("refused")}, KindConnect},
		{"remote keeps its kind", &RemoteError{Kind: KindShardState, Message: "not started"}, KindShardState},
		{"unknown", errors.New("disk full"), KindInternal},
		{"primary failed wrapping internal", &PrimaryFailedError{Index: "events", Shard: 0, Err: errors.New("boom")}, KindInternal},
		{"primary failed wrapping state", &PrimaryFailedError{Index: "events", Shard: 0, Err: &ShardStateError{State: "closed"}}, KindShardState},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := ErrorKind(tt.err); got != tt.want {
				t.Errorf("ErrorKind(%v) = %q, want %q", tt.err, got, tt.want)
			}
		})
	}
}

func TestRetryablePrimary(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want bool
	}{
		{"shard missing retries", ErrShardMissing, true},
		{"index missing retries", ErrIndexMissing, true},
		{"shard state retries", &ShardStateError{State: "initializing"}, true},
		{"remote shard state retries", &RemoteError{Kind: KindShardState}, true},
		{"internal does not", errors.New("disk full"), false},
		{"connect does not retry locally", &ConnectError{NodeID: "n2", Err: errors.New("refused")}, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := retryablePrimary(tt.err); got != tt.want {
				t.Errorf("retryablePrimary(%v) = %v, want %v", tt.err, got, tt.want)
			}
		})
	}
}

func TestRetryableRemotePrimary(t *testing.T) {
	if !retryableRemotePrimary(&ConnectError{NodeID: "n2", Err: errors.New("refused")}) {
		t.Error("an unreachable remote primary should be retried")
	}
	if !retryableRemotePrimary(&RemoteError{Kind: KindNodeClosing}) {
		t.Error("a closing remote node should be retried")
	}
	if retryableRemotePrimary(&RemoteError{Kind: KindInternal, Message: "boom"}) {
		t.Error("a real remote failure must not be retried")
	}
}

func TestDefaultTolerable(t *testing.T) {
	tolerable := []error{
		ErrShardMissing,
		ErrIndexMissing,
		&ShardStateError{State: "initializing"},
		&ConnectError{NodeID: "n3", Err: errors.New("refused")},
		&RemoteError{Kind: KindShardMissing},
	}
	for _, err := range tolerable {
		if !DefaultTolerable(err) {
			t.Errorf("DefaultTolerable(%v) = false, want true", err)
		}
	}

	fatal := []error{
		errors.New("disk full"),
		&RemoteError{Kind: KindInternal, Message: "corrupt"},
	}
	for _, err := range fatal {
		if DefaultTolerable(err) {
			t.Errorf("DefaultTolerable(%v) = true, want false", err)
		}
	}
}
