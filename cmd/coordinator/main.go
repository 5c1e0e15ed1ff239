package main

import (
	"context"
	"encoding/json"
	"log"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/dreamware/kotare/internal/cluster"
	"github.com/dreamware/kotare/internal/config"
	"github.com/dreamware/kotare/internal/coordinator"
)

func main() {
	cfg, err := config.LoadCoordinator()
	if err != nil {
		log.Fatalf("config: %v", err)
	}

	srv := newServer(cfg.HealthInterval.Std())
	for _, idx := range cfg.Indices {
		if err := srv.registry.CreateIndex(idx.Name, idx.Shards, idx.Replicas); err != nil {
			log.Fatalf("create index %s: %v", idx.Name, err)
		}
		log.Printf("created index %s (%d shards, %d replicas)", idx.Name, idx.Shards, idx.Replicas)
	}

	mux := http.NewServeMux()
	mux.HandleFunc("/register", srv.handleRegister)
	mux.HandleFunc("/nodes", srv.handleListNodes)
	mux.HandleFunc("/state", srv.handleState)
	mux.HandleFunc("/indices", srv.handleCreateIndex)
	mux.HandleFunc("/shards/failed", srv.handleShardFailed)
	mux.HandleFunc("/shards/relocate", srv.handleRelocate)
	mux.HandleFunc("/shards/relocate/complete", srv.handleRelocateComplete)
	mux.HandleFunc("/nodes/health", srv.handleNodeHealth)
	mux.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	})

	// Health monitoring: dead nodes lose their copies, recovered nodes
	// get copies back.
	srv.monitor.SetOnUnhealthy(func(nodeID string) {
		log.Printf("node %s is unhealthy, unassigning its copies", nodeID)
		srv.registry.RemoveNode(nodeID)
		srv.publishState()
	})
	srv.monitor.SetOnRecovered(func(node cluster.NodeInfo) {
		log.Printf("node %s recovered, rejoining routing", node.ID)
		srv.registry.RegisterNode(node)
		srv.publishState()
	})
	monitorCtx, stopMonitor := context.WithCancel(context.Background())
	go srv.monitor.Start(monitorCtx, func() []cluster.NodeInfo {
		return srv.registry.Nodes()
	})

	httpSrv := &http.Server{
		Addr:              cfg.Listen,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}

	go func() {
		log.Printf("coordinator listening on %s", cfg.Listen)
		if err := httpSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("listen: %v", err)
		}
	}()

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, os.Interrupt, syscall.SIGTERM)
	<-stop
	stopMonitor()
	srv.monitor.Stop()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	_ = httpSrv.Shutdown(ctx)
	log.Println("coordinator stopped")
}

type server struct {
	registry *coordinator.RoutingRegistry
	monitor  *coordinator.HealthMonitor

	// publishMu serializes state pushes so nodes never observe an older
	// version after a newer one.
	publishMu sync.Mutex
}

func newServer(healthInterval time.Duration) *server {
	return &server{
		registry: coordinator.NewRoutingRegistry(),
		monitor:  coordinator.NewHealthMonitor(healthInterval),
	}
}

func (s *server) handleRegister(w http.ResponseWriter, r *http.Request) {
	var req cluster.RegisterRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "bad json", http.StatusBadRequest)
		return
	}
	if req.Node.ID == "" || req.Node.Addr == "" {
		http.Error(w, "missing id/addr", http.StatusBadRequest)
		return
	}
	s.registry.RegisterNode(req.Node)
	log.Printf("registered node %s @ %s", req.Node.ID, req.Node.Addr)
	w.WriteHeader(http.StatusNoContent)
	s.publishState()
}

func (s *server) handleListNodes(w http.ResponseWriter, r *http.Request) {
	_ = json.NewEncoder(w).Encode(struct {
		Nodes []cluster.NodeInfo `json:"nodes"`
	}{Nodes: s.registry.Nodes()})
}

func (s *server) handleState(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(s.registry.State())
}

func (s *server) handleCreateIndex(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	var req struct {
		Name     string `json:"name"`
		Shards   int    `json:"shards"`
		Replicas int    `json:"replicas"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "bad json", http.StatusBadRequest)
		return
	}
	if err := s.registry.CreateIndex(req.Name, req.Shards, req.Replicas); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	log.Printf("created index %s (%d shards, %d replicas)", req.Name, req.Shards, req.Replicas)
	w.WriteHeader(http.StatusNoContent)
	s.publishState()
}

// handleShardFailed takes replica-failure reports from a node's
// replication fan-out and unassigns the copy so it gets rebuilt.
func (s *server) handleShardFailed(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	var req cluster.ShardFailedRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "bad json", http.StatusBadRequest)
		return
	}
	s.registry.FailCopy(req.Copy, req.Reason)
	w.WriteHeader(http.StatusNoContent)
	s.publishState()
}

func (s *server) handleRelocate(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	var req struct {
		Index string `json:"index"`
		Shard int    `json:"shard"`
		From  string `json:"from"`
		To    string `json:"to"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "bad json", http.StatusBadRequest)
		return
	}
	if err := s.registry.StartRelocation(req.Index, req.Shard, req.From, req.To); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	log.Printf("relocating [%s][%d] from %s to %s", req.Index, req.Shard, req.From, req.To)
	w.WriteHeader(http.StatusNoContent)
	s.publishState()
}

// handleNodeHealth exposes the health monitor's view of the cluster:
// every tracked node, or a single one via ?node=<id>.
func (s *server) handleNodeHealth(w http.ResponseWriter, r *http.Request) {
	if id := r.URL.Query().Get("node"); id != "" {
		health := s.monitor.GetNodeHealth(id)
		if health == nil {
			http.Error(w, "node not monitored", http.StatusNotFound)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(struct {
			Healthy bool `json:"healthy"`
			*coordinator.NodeHealth
		}{s.monitor.IsHealthy(id), health})
		return
	}

	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(s.monitor.GetAllNodeHealth())
}

func (s *server) handleRelocateComplete(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	var req struct {
		Index string `json:"index"`
		Shard int    `json:"shard"`
		From  string `json:"from"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "bad json", http.StatusBadRequest)
		return
	}
	if err := s.registry.CompleteRelocation(req.Index, req.Shard, req.From); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	w.WriteHeader(http.StatusNoContent)
	s.publishState()
}

// publishState pushes the current routing state to every node. Nodes
// install it into their local tracker, which wakes any replication
// operation waiting for a usable primary.
func (s *server) publishState() {
	s.publishMu.Lock()
	defer s.publishMu.Unlock()

	state := s.registry.State()
	msg := struct {
		Type string         `json:"type"`
		Data *cluster.State `json:"data"`
	}{Type: "routing", Data: state}

	ctx, cancel := context.WithTimeout(context.Background(), 4*time.Second)
	defer cancel()
	for _, n := range state.Nodes {
		if err := cluster.PostJSON(ctx, n.Addr+"/control", msg, nil); err != nil {
			log.Printf("push state v%d to node %s: %v", state.Version, n.ID, err)
		}
	}
}
