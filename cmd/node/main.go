// Package main implements the kotare data node, which hosts shard
// copies and coordinates replicated write operations across the cluster.
//
// The node is where the replication protocol actually runs: a write
// arriving at any node is routed to the shard's primary copy (locally
// or by forwarding), applied there, and fanned out to every replica
// copy before the caller gets an answer in sync mode.
//
// Architecture:
//
//	┌─────────────────────────────────────────────┐
//	│                  Node                        │
//	├─────────────────────────────────────────────┤
//	│  HTTP API:                                  │
//	│    /health               - Health check     │
//	│    /control              - Routing pushes   │
//	│    /data/{index}/{key}   - Client ops       │
//	│    /replication/execute  - Forwarded primary│
//	│    /replication/replica  - Replica apply    │
//	│    /info                 - Node information │
//	├─────────────────────────────────────────────┤
//	│  Components:                                │
//	│    cluster.Tracker       - State + notify   │
//	│    shard.Manager         - Hosted copies    │
//	│    replication.Service   - Write protocol   │
//	│    transport.Client      - Node-to-node     │
//	└─────────────────────────────────────────────┘
//
// Example usage:
//
//	# Start node
//	NODE_ID=node-1 \
//	NODE_LISTEN=:8081 \
//	NODE_ADDR=http://localhost:8081 \
//	COORDINATOR_ADDR=http://localhost:8080 \
//	./node
//
//	# Store data (any node accepts writes for any key)
//	curl -X PUT localhost:8081/data/users/user:123 -d '{"name":"Alice"}'
package main

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/mitchellh/mapstructure"

	"github.com/dreamware/kotare/internal/cluster"
	"github.com/dreamware/kotare/internal/config"
	"github.com/dreamware/kotare/internal/replication"
	"github.com/dreamware/kotare/internal/shard"
	"github.com/dreamware/kotare/internal/storage"
	"github.com/dreamware/kotare/internal/transport"
)

// logFatal is a variable to allow mocking log.Fatal in tests.
var logFatal = log.Fatalf

// node bundles the runtime components one data node carries.
type node struct {
	cfg     *config.Node
	tracker *cluster.Tracker
	shards  *shard.Manager
	exec    *shard.Executor
	svc     *replication.Service
}

func main() {
	cfg, err := config.LoadNode()
	if err != nil {
		logFatal("config: %v", err)
	}

	n := newNode(cfg)

	mux := http.NewServeMux()
	mux.HandleFunc("/health", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
	})
	mux.HandleFunc("/control", n.handleControl)
	mux.HandleFunc(transport.PrimaryPath, n.handleExecute)
	mux.HandleFunc(transport.ReplicaPath, n.handleReplica)
	mux.HandleFunc("/data/", n.handleData)
	mux.HandleFunc("/info", n.handleInfo)

	s := &http.Server{
		Addr:              cfg.Listen,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second, // Prevent slowloris attacks
	}

	go func() {
		log.Printf("node[%s] listening on %s (public %s)", cfg.ID, cfg.Listen, cfg.Addr)
		if err := s.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logFatal("listen: %v", err)
		}
	}()

	register(context.Background(), cfg.Coordinator, cfg.ID, cfg.Addr)
	n.bootstrapState(context.Background())

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, os.Interrupt, syscall.SIGTERM)
	<-stop

	// Closing the tracker resolves every operation still waiting for a
	// usable primary before the listener goes away.
	n.tracker.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := s.Shutdown(ctx); err != nil {
		log.Printf("Server shutdown error: %v", err)
	}
	log.Println("node stopped")
}

// newNode wires the node's components together: the state tracker feeds
// the replication service, the shard manager backs the executor, and
// the HTTP transport connects it to its peers.
func newNode(cfg *config.Node) *node {
	tracker := cluster.NewTracker(cfg.ID)
	shards := shard.NewManager()
	exec := shard.NewExecutor(shards, cfg.ID)

	svc := replication.NewService(
		tracker,
		exec,
		transport.NewClient(),
		nil,
		&transport.Reporter{Coordinator: cfg.Coordinator},
		replication.Options{
			DefaultMode:    replication.ParseMode(cfg.ReplicationMode),
			DefaultTimeout: cfg.Timeout.Std(),
		},
	)

	return &node{
		cfg:     cfg,
		tracker: tracker,
		shards:  shards,
		exec:    exec,
		svc:     svc,
	}
}

// register attempts to register the node with the coordinator, retrying
// on failure to handle coordinator startup delays or temporary network
// issues. Persistent failure is fatal: a node cannot operate without
// being in the routing table.
func register(ctx context.Context, coord, id, addr string) {
	body := cluster.RegisterRequest{Node: cluster.NodeInfo{ID: id, Addr: addr}}
	var lastErr error

	for i := 0; i < 10; i++ {
		lastErr = cluster.PostJSON(ctx, coord+"/register", body, nil)
		if lastErr == nil {
			log.Printf("registered with coordinator @ %s", coord)
			return
		}
		log.Printf("register retry %d: %v", i+1, lastErr)
		time.Sleep(400 * time.Millisecond)
	}

	logFatal("failed to register with coordinator: %v", lastErr)
}

// bootstrapState pulls the current cluster state from the coordinator
// once after registration. The register call triggers a push, but that
// push races with this node starting to listen; the explicit pull makes
// sure the node never sits on an empty state.
func (n *node) bootstrapState(ctx context.Context) {
	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	var state cluster.State
	if err := cluster.GetJSON(ctx, n.cfg.Coordinator+"/state", &state); err != nil {
		log.Printf("bootstrap state: %v (waiting for push instead)", err)
		return
	}
	n.shards.ApplyRouting(n.cfg.ID, &state)
	n.tracker.Publish(&state)
	log.Printf("bootstrapped cluster state v%d", state.Version)
}

// controlMessage is the generic control envelope the coordinator sends.
// The payload is decoded per message type, so new control commands can
// be added without breaking older nodes.
type controlMessage struct {
	Type string         `json:"type"`
	Data map[string]any `json:"data"`
}

// handleControl processes control messages from the coordinator.
//
// Endpoint: POST /control
//
// Currently the only message type is "routing": a full cluster-state
// push. The local shard set is reconciled first so that by the time a
// waiting operation is woken by the tracker, the shards it needs exist.
func (n *node) handleControl(w http.ResponseWriter, r *http.Request) {
	var msg controlMessage
	if err := json.NewDecoder(r.Body).Decode(&msg); err != nil {
		http.Error(w, "bad json", http.StatusBadRequest)
		return
	}

	switch msg.Type {
	case "routing":
		var state cluster.State
		if err := decodePayload(msg.Data, &state); err != nil {
			http.Error(w, "bad routing payload: "+err.Error(), http.StatusBadRequest)
			return
		}
		log.Printf("received cluster state v%d (%d nodes, %d indices)",
			state.Version, len(state.Nodes), len(state.Indices))
		n.shards.ApplyRouting(n.cfg.ID, &state)
		n.tracker.Publish(&state)
	default:
		log.Printf("ignoring unknown control message type %q", msg.Type)
	}

	w.WriteHeader(http.StatusNoContent)
}

// decodePayload maps a generic control payload onto a typed struct,
// reusing the json field names and coercing the types JSON lost in
// transit (numbers, integer map keys).
func decodePayload(data map[string]any, out any) error {
	dec, err := mapstructure.NewDecoder(&mapstructure.DecoderConfig{
		TagName:          "json",
		WeaklyTypedInput: true,
		Result:           out,
	})
	if err != nil {
		return err
	}
	return dec.Decode(data)
}

// handleExecute runs a forwarded operation as if it originated here:
// full coordination, primary execution, and replica fan-out. The HTTP
// response is the operation's final outcome.
//
// Endpoint: POST /replication/execute
func (n *node) handleExecute(w http.ResponseWriter, r *http.Request) {
	var env replication.Envelope
	if err := json.NewDecoder(r.Body).Decode(&env); err != nil || env.Request == nil {
		http.Error(w, "bad json", http.StatusBadRequest)
		return
	}

	// The handler goroutine blocks for the result anyway, so the storage
	// call can fork and the callback can come back inline.
	env.Request.ListenerThreaded = false
	env.Request.OperationThreaded = true

	n.runAndReply(w, env.Request)
}

// handleReplica applies an already-committed primary effect to the
// local replica copy.
//
// Endpoint: POST /replication/replica
func (n *node) handleReplica(w http.ResponseWriter, r *http.Request) {
	var env replication.Envelope
	if err := json.NewDecoder(r.Body).Decode(&env); err != nil || env.Request == nil {
		http.Error(w, "bad json", http.StatusBadRequest)
		return
	}
	if err := n.exec.ExecuteOnReplica(env.Shard, env.Request); err != nil {
		transport.WriteError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// handleData serves the client-facing document API.
//
// Endpoint: /data/{index}/{key}
//
// PUT and DELETE run through the replication service: the write lands
// on the primary wherever it is and reaches every replica copy. GET is
// served locally when this node hosts an active copy, otherwise proxied
// to the primary.
//
// Query parameters (writes):
//   - replication: "sync" or "async", overriding the node default
//   - timeout: bound on the wait for a usable primary, e.g. "30s"
func (n *node) handleData(w http.ResponseWriter, r *http.Request) {
	rest := strings.TrimPrefix(r.URL.Path, "/data/")
	index, key, ok := strings.Cut(rest, "/")
	if !ok || index == "" || key == "" {
		http.Error(w, "expected /data/{index}/{key}", http.StatusBadRequest)
		return
	}

	switch r.Method {
	case http.MethodGet:
		n.handleGet(w, r, index, key)
	case http.MethodPut:
		value, err := io.ReadAll(r.Body)
		if err != nil {
			http.Error(w, "failed to read body", http.StatusBadRequest)
			return
		}
		req, err := n.writeRequest(r, index, key, replication.ActionPut, value)
		if err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		n.runAndReply(w, req)
	case http.MethodDelete:
		req, err := n.writeRequest(r, index, key, replication.ActionDelete, nil)
		if err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		n.runAndReply(w, req)
	default:
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
	}
}

// writeRequest builds a replication request from the HTTP surface.
func (n *node) writeRequest(r *http.Request, index, key, action string, value []byte) (*replication.Request, error) {
	req := &replication.Request{
		Index:  index,
		Key:    key,
		Action: action,
		Value:  value,
		Mode:   replication.Mode(r.URL.Query().Get("replication")),
	}
	if t := r.URL.Query().Get("timeout"); t != "" {
		d, err := time.ParseDuration(t)
		if err != nil {
			return nil, errors.New("bad timeout: " + err.Error())
		}
		req.Timeout = d
	}
	return req, nil
}

// runAndReply submits one operation and blocks the handler goroutine on
// its single outcome.
func (n *node) runAndReply(w http.ResponseWriter, req *replication.Request) {
	type outcome struct {
		resp *replication.Response
		err  error
	}
	done := make(chan outcome, 1)
	n.svc.Execute(req, replication.ListenerFuncs{
		Response: func(resp *replication.Response) { done <- outcome{resp: resp} },
		Failure:  func(err error) { done <- outcome{err: err} },
	})

	out := <-done
	if out.err != nil {
		transport.WriteError(w, out.err)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(out.resp)
}

// handleGet reads a document. Reads are served from any active local
// copy; a node without one proxies to the node hosting the primary.
func (n *node) handleGet(w http.ResponseWriter, r *http.Request, index, key string) {
	state := n.tracker.State()
	shardID, ok := state.ShardForKey(index, key)
	if !ok {
		http.Error(w, "unknown index", http.StatusNotFound)
		return
	}

	if s := n.shards.Get(index, shardID); s != nil && s.State() == shard.StateStarted {
		value, err := s.Get(key)
		if err != nil {
			if errors.Is(err, storage.ErrKeyNotFound) {
				http.Error(w, "key not found", http.StatusNotFound)
				return
			}
			http.Error(w, err.Error(), http.StatusInternalServerError)
			return
		}
		w.Header().Set("Content-Type", "application/octet-stream")
		if _, err := w.Write(value); err != nil {
			log.Printf("Error writing response: %v", err)
		}
		return
	}

	// Not hosted here; hand the read to the primary's node.
	view, ok := state.Shards(index, shardID)
	if !ok {
		http.Error(w, "no routing for shard", http.StatusNotFound)
		return
	}
	primary := view.Primary()
	if primary == nil || !primary.Active() {
		http.Error(w, "no active primary", http.StatusServiceUnavailable)
		return
	}
	node, ok := state.Node(primary.NodeID)
	if !ok {
		http.Error(w, "primary node unknown", http.StatusServiceUnavailable)
		return
	}
	n.proxyGet(w, r, node)
}

// proxyGet forwards a read to the given node and relays its response
// verbatim.
func (n *node) proxyGet(w http.ResponseWriter, r *http.Request, node cluster.NodeInfo) {
	url := node.Addr + r.URL.Path
	req, err := http.NewRequestWithContext(r.Context(), http.MethodGet, url, nil)
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		http.Error(w, "proxy to "+node.ID+": "+err.Error(), http.StatusBadGateway)
		return
	}
	defer resp.Body.Close()

	w.Header().Set("Content-Type", resp.Header.Get("Content-Type"))
	w.WriteHeader(resp.StatusCode)
	if _, err := io.Copy(w, resp.Body); err != nil {
		log.Printf("Error writing response: %v", err)
	}
}

// handleInfo returns the node's identity, its view of the cluster state
// version, and metadata for every locally hosted shard.
//
// Endpoint: GET /info
func (n *node) handleInfo(w http.ResponseWriter, _ *http.Request) {
	response := struct {
		NodeID       string            `json:"node_id"`
		StateVersion int64             `json:"state_version"`
		Shards       []shard.ShardInfo `json:"shards"`
		Count        int               `json:"shard_count"`
	}{
		NodeID:       n.cfg.ID,
		StateVersion: n.tracker.State().Version,
		Shards:       n.shards.Infos(),
	}
	response.Count = len(response.Shards)

	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(response)
}
