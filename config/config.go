// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package config

import (
	"fmt"
	"net"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// Config holds all configuration for a broker node.
type Config struct {
	Node       NodeConfig       `yaml:"node"`
	Log        LogConfig        `yaml:"log"`
	Catalog    CatalogConfig    `yaml:"catalog"`
	Consensus  ConsensusConfig  `yaml:"consensus"`
	Cluster    ClusterConfig    `yaml:"cluster"`
	Queue      QueueConfig      `yaml:"queue"`
	DeadLetter DeadLetterConfig `yaml:"dead_letter"`
}

// NodeConfig identifies this node and its data root.
type NodeConfig struct {
	ID      string `yaml:"id"`
	DataDir string `yaml:"data_dir"`
}

// LogConfig holds logging settings.
type LogConfig struct {
	Level  string `yaml:"level"`  // debug, info, warn, error
	Format string `yaml:"format"` // text or json
}

// CatalogConfig holds the connection settings for the shared queue catalog.
type CatalogConfig struct {
	Endpoints   []string      `yaml:"endpoints"`
	DialTimeout time.Duration `yaml:"dial_timeout"`
}

// ConsensusConfig tunes the per-queue consensus groups.
type ConsensusConfig struct {
	BindAddr          string        `yaml:"bind_addr"` // base address; groups derive their ports
	ApplyTimeout      time.Duration `yaml:"apply_timeout"`
	HeartbeatTimeout  time.Duration `yaml:"heartbeat_timeout"`
	ElectionTimeout   time.Duration `yaml:"election_timeout"`
	SnapshotInterval  time.Duration `yaml:"snapshot_interval"`
	SnapshotThreshold uint64        `yaml:"snapshot_threshold"`
}

// PeerConfig names one remote broker node in the static membership.
type PeerConfig struct {
	ID            string `yaml:"id"`
	TransportAddr string `yaml:"transport_addr"`
	ConsensusAddr string `yaml:"consensus_addr"`
}

// ClusterConfig holds the inter-node transport settings and peer list.
type ClusterConfig struct {
	BindAddr    string        `yaml:"bind_addr"`
	PeerTimeout time.Duration `yaml:"peer_timeout"`
	Peers       []PeerConfig  `yaml:"peers"`
}

// QueueConfig holds queue management settings.
type QueueConfig struct {
	DefaultGroupSize int           `yaml:"default_group_size"`
	DeleteTimeout    time.Duration `yaml:"delete_timeout"`
	StatusTimeout    time.Duration `yaml:"status_timeout"`
	SoftLimit        uint64        `yaml:"soft_limit"` // ready-depth backpressure threshold
	StatsInterval    time.Duration `yaml:"stats_interval"`
	LeaderWorkers    int           `yaml:"leader_workers"`
}

// DeadLetterConfig tunes dead-letter republishing.
type DeadLetterConfig struct {
	RatePerSecond float64 `yaml:"rate_per_second"`
	Burst         int     `yaml:"burst"`
}

// Default returns a configuration with sensible defaults.
func Default() *Config {
	return &Config{
		Node: NodeConfig{
			ID:      "broker-1",
			DataDir: "/var/lib/chorusmq",
		},
		Log: LogConfig{
			Level:  "info",
			Format: "text",
		},
		Catalog: CatalogConfig{
			Endpoints:   []string{"localhost:2379"},
			DialTimeout: 5 * time.Second,
		},
		Consensus: ConsensusConfig{
			BindAddr:          "0.0.0.0:7100",
			ApplyTimeout:      5 * time.Second,
			HeartbeatTimeout:  1 * time.Second,
			ElectionTimeout:   3 * time.Second,
			SnapshotInterval:  5 * time.Minute,
			SnapshotThreshold: 8192,
		},
		Cluster: ClusterConfig{
			BindAddr:    "0.0.0.0:7948",
			PeerTimeout: 10 * time.Second,
		},
		Queue: QueueConfig{
			DefaultGroupSize: 3,
			DeleteTimeout:    15 * time.Second,
			StatusTimeout:    5 * time.Second,
			SoftLimit:        100000,
			StatsInterval:    30 * time.Second,
			LeaderWorkers:    8,
		},
		DeadLetter: DeadLetterConfig{
			RatePerSecond: 1000,
			Burst:         100,
		},
	}
}

// Load loads configuration from a YAML file.
// If the file doesn't exist, returns default configuration.
func Load(filename string) (*Config, error) {
	if filename == "" {
		return Default(), nil
	}

	data, err := os.ReadFile(filename)
	if err != nil {
		if os.IsNotExist(err) {
			return Default(), nil
		}
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	cfg := Default()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return cfg, nil
}

// Validate checks if the configuration is valid.
func (c *Config) Validate() error {
	if c.Node.ID == "" {
		return fmt.Errorf("node.id cannot be empty")
	}
	if c.Node.DataDir == "" {
		return fmt.Errorf("node.data_dir cannot be empty")
	}

	if _, _, err := net.SplitHostPort(c.Consensus.BindAddr); err != nil {
		return fmt.Errorf("consensus.bind_addr must be host:port: %w", err)
	}
	if _, _, err := net.SplitHostPort(c.Cluster.BindAddr); err != nil {
		return fmt.Errorf("cluster.bind_addr must be host:port: %w", err)
	}

	if len(c.Catalog.Endpoints) == 0 {
		return fmt.Errorf("catalog.endpoints cannot be empty")
	}

	if c.Queue.DefaultGroupSize < 1 {
		return fmt.Errorf("queue.default_group_size must be at least 1")
	}
	if c.Queue.LeaderWorkers < 1 {
		return fmt.Errorf("queue.leader_workers must be at least 1")
	}

	validLevels := map[string]bool{"debug": true, "info": true, "warn": true, "error": true}
	if !validLevels[c.Log.Level] {
		return fmt.Errorf("log.level must be one of: debug, info, warn, error")
	}
	validFormats := map[string]bool{"text": true, "json": true}
	if !validFormats[c.Log.Format] {
		return fmt.Errorf("log.format must be one of: text, json")
	}

	for _, p := range c.Cluster.Peers {
		if p.ID == "" {
			return fmt.Errorf("cluster.peers entries must have an id")
		}
		if p.TransportAddr == "" || p.ConsensusAddr == "" {
			return fmt.Errorf("cluster peer %s must have transport_addr and consensus_addr", p.ID)
		}
	}

	return nil
}
