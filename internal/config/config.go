// Package config loads the configuration for the kotare binaries: an
// optional YAML file, overridden field by field from the environment.
// Environment variables always win, so a deployment can ship one config
// file and still vary per-instance identity.
package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// Duration wraps time.Duration so YAML configs can use the usual
// human-readable forms, "30s" or "1m".
type Duration time.Duration

func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	var s string
	if err := value.Decode(&s); err != nil {
		return err
	}
	parsed, err := time.ParseDuration(s)
	if err != nil {
		return fmt.Errorf("parse duration %q: %w", s, err)
	}
	*d = Duration(parsed)
	return nil
}

func (d Duration) MarshalYAML() (any, error) {
	return time.Duration(d).String(), nil
}

// Std returns the wrapped standard duration.
func (d Duration) Std() time.Duration { return time.Duration(d) }

// Node is the configuration of a data node.
type Node struct {
	// ID uniquely identifies the node in the cluster. Required.
	ID string `yaml:"id"`
	// Listen is the local listen address.
	Listen string `yaml:"listen"`
	// Addr is the public address other nodes and the coordinator use.
	Addr string `yaml:"addr"`
	// Coordinator is the coordinator's base URL. Required.
	Coordinator string `yaml:"coordinator"`
	// ReplicationMode is the default durability mode for operations
	// that don't choose one: "sync" or "async".
	ReplicationMode string `yaml:"replication_mode"`
	// Timeout bounds the wait for a usable primary when an operation
	// carries no timeout of its own.
	Timeout Duration `yaml:"timeout"`
}

// Coordinator is the configuration of the routing authority.
type Coordinator struct {
	// Listen is the local listen address.
	Listen string `yaml:"listen"`
	// HealthInterval is how often nodes are health checked.
	HealthInterval Duration `yaml:"health_interval"`
	// Indices are created at startup if they don't exist yet.
	Indices []Index `yaml:"indices"`
}

// Index describes one index the coordinator manages.
type Index struct {
	Name     string `yaml:"name"`
	Shards   int    `yaml:"shards"`
	Replicas int    `yaml:"replicas"`
}

// LoadNode builds a node configuration: defaults, then the YAML file
// named by NODE_CONFIG (if any), then environment overrides.
func LoadNode() (*Node, error) {
	cfg := &Node{
		Listen:          ":8081",
		Addr:            "http://127.0.0.1:8081",
		ReplicationMode: "sync",
		Timeout:         Duration(time.Minute),
	}
	if err := loadFile(os.Getenv("NODE_CONFIG"), cfg); err != nil {
		return nil, err
	}
	override(&cfg.ID, "NODE_ID")
	override(&cfg.Listen, "NODE_LISTEN")
	override(&cfg.Addr, "NODE_ADDR")
	override(&cfg.Coordinator, "COORDINATOR_ADDR")
	override(&cfg.ReplicationMode, "REPLICATION_MODE")
	if err := overrideDuration(&cfg.Timeout, "REPLICATION_TIMEOUT"); err != nil {
		return nil, err
	}
	if cfg.ID == "" {
		return nil, fmt.Errorf("node id not configured (NODE_ID or id in %s)", "NODE_CONFIG")
	}
	if cfg.Coordinator == "" {
		return nil, fmt.Errorf("coordinator address not configured (COORDINATOR_ADDR)")
	}
	return cfg, nil
}

// LoadCoordinator builds the coordinator configuration: defaults, then
// the YAML file named by COORDINATOR_CONFIG, then environment overrides.
func LoadCoordinator() (*Coordinator, error) {
	cfg := &Coordinator{
		Listen:         ":8080",
		HealthInterval: Duration(10 * time.Second),
	}
	if err := loadFile(os.Getenv("COORDINATOR_CONFIG"), cfg); err != nil {
		return nil, err
	}
	override(&cfg.Listen, "COORDINATOR_LISTEN")
	if err := overrideDuration(&cfg.HealthInterval, "HEALTH_INTERVAL"); err != nil {
		return nil, err
	}
	return cfg, nil
}

func loadFile(path string, out any) error {
	if path == "" {
		return nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("read config %s: %w", path, err)
	}
	if err := yaml.Unmarshal(data, out); err != nil {
		return fmt.Errorf("parse config %s: %w", path, err)
	}
	return nil
}

func override(dst *string, key string) {
	if v := os.Getenv(key); v != "" {
		*dst = v
	}
}

func overrideDuration(dst *Duration, key string) error {
	v := os.Getenv(key)
	if v == "" {
		return nil
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return fmt.Errorf("parse %s: %w", key, err)
	}
	*dst = Duration(d)
	return nil
}
