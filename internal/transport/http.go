// Package transport implements the remote side of the replication
// protocol over HTTP/JSON: forwarding operations to the node hosting a
// primary, applying committed operations to replica copies, and
// reporting failed copies to the coordinator.
//
// Failures are surfaced as the replication package's typed errors so the
// coordinator can classify them: connection-level problems become
// *replication.ConnectError, application failures on the remote node
// come back as *replication.RemoteError carrying the kind the remote
// side classified them as.
package transport

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log"
	"net/http"
	"time"

	"github.com/dreamware/kotare/internal/cluster"
	"github.com/dreamware/kotare/internal/replication"
)

// Paths the node binary serves and this client calls.
const (
	PrimaryPath = "/replication/execute"
	ReplicaPath = "/replication/replica"
	FailedPath  = "/shards/failed"
)

// errorBody is the wire form of a remote failure.
type errorBody struct {
	Kind    string `json:"kind"`
	Message string `json:"message"`
}

// WriteError encodes a failure for the wire with its classification
// kind, so the caller can tell a missing shard from a real error.
func WriteError(w http.ResponseWriter, err error) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusInternalServerError)
	_ = json.NewEncoder(w).Encode(errorBody{
		Kind:    replication.ErrorKind(err),
		Message: err.Error(),
	})
}

// Client is the HTTP implementation of replication.Transport.
//
// The client deliberately carries no overall request timeout: a
// forwarded primary execution legitimately waits for its own replica
// fan-out, and the replication layer's timeout only governs the search
// for a usable primary. Callers bound individual calls with a context
// when they need to.
type Client struct {
	http *http.Client
}

// NewClient creates a transport client.
func NewClient() *Client {
	return &Client{http: &http.Client{}}
}

// SendPrimary forwards the whole operation to the node hosting the
// primary copy and returns that node's final response.
func (c *Client) SendPrimary(ctx context.Context, node cluster.NodeInfo, env *replication.Envelope) (*replication.Response, error) {
	var resp replication.Response
	if err := c.post(ctx, node, PrimaryPath, env, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// SendReplica applies the already-committed primary effect to the
// replica copy hosted on the given node.
func (c *Client) SendReplica(ctx context.Context, node cluster.NodeInfo, env *replication.Envelope) error {
	return c.post(ctx, node, ReplicaPath, env, nil)
}

func (c *Client) post(ctx context.Context, node cluster.NodeInfo, path string, body, out any) error {
	payload, err := json.Marshal(body)
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, node.Addr+path, bytes.NewReader(payload))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		// Can't reach the node at all; the routing will change.
		return &replication.ConnectError{NodeID: node.ID, Err: err}
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 300 {
		var remote errorBody
		if err := json.NewDecoder(resp.Body).Decode(&remote); err != nil || remote.Kind == "" {
			return &replication.RemoteError{
				Kind:    replication.KindInternal,
				Message: fmt.Sprintf("http %s%s: %d", node.Addr, path, resp.StatusCode),
			}
		}
		return &replication.RemoteError{Kind: remote.Kind, Message: remote.Message}
	}

	if out == nil {
		return nil
	}
	return json.NewDecoder(resp.Body).Decode(out)
}

// Reporter notifies the coordinator about failed replica copies.
// It implements replication.FailureReporter; reports are fire and
// forget, failures to report are only logged.
type Reporter struct {
	Coordinator string
}

// ReportShardFailed posts the failed copy to the coordinator so it can
// unassign and reallocate it.
func (r *Reporter) ReportShardFailed(copy cluster.ShardCopy, reason string) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	req := cluster.ShardFailedRequest{Copy: copy, Reason: reason}
	if err := cluster.PostJSON(ctx, r.Coordinator+FailedPath, req, nil); err != nil {
		log.Printf("failed to report shard [%s][%d] on [%s]: %v", copy.Index, copy.Shard, copy.NodeID, err)
	}
}
