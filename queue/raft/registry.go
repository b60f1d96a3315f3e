// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package raft

import (
	"fmt"
	"hash/fnv"
	"log/slog"
	"net"
	"os"
	"path/filepath"
	"strconv"
	"sync"
	"time"
)

// portRange is the number of ports above the base consensus port that group
// transports may occupy. Offsets are derived from the group name so every
// member computes the same address for a peer.
const portRange = 4096

// ReplicaState describes this node's relationship to a queue group.
type ReplicaState string

const (
	// StateRunning means the local replica is started and participating.
	StateRunning ReplicaState = "running"
	// StateRecovering means durable group state exists on disk but the
	// replica has not been restarted since the node came back up.
	StateRecovering ReplicaState = "recovering"
	// StateAbsent means this node holds nothing for the group.
	StateAbsent ReplicaState = "absent"
)

// GroupAddr derives the consensus transport address for a group on a node,
// given the node's base address. All members derive identical offsets.
func GroupAddr(baseAddr, groupName string) (string, error) {
	host, portStr, err := net.SplitHostPort(baseAddr)
	if err != nil {
		return "", fmt.Errorf("invalid base address %q: %w", baseAddr, err)
	}
	basePort, err := strconv.Atoi(portStr)
	if err != nil {
		return "", fmt.Errorf("invalid base port %q: %w", portStr, err)
	}

	h := fnv.New32a()
	h.Write([]byte(groupName))
	offset := int(h.Sum32() % portRange)

	return net.JoinHostPort(host, strconv.Itoa(basePort+offset)), nil
}

// RegistryConfig configures the replica registry for this node.
type RegistryConfig struct {
	NodeID   string
	DataDir  string
	BindAddr string // base address; per-group ports are derived from it

	ApplyTimeout      time.Duration
	HeartbeatTimeout  time.Duration
	ElectionTimeout   time.Duration
	SnapshotInterval  time.Duration
	SnapshotThreshold uint64

	Logger *slog.Logger
}

// Registry tracks the queue group replicas hosted on this node.
type Registry struct {
	cfg    RegistryConfig
	logger *slog.Logger

	mu       sync.RWMutex
	replicas map[string]*Replica
}

// NewRegistry creates an empty replica registry.
func NewRegistry(cfg RegistryConfig) *Registry {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return &Registry{
		cfg:      cfg,
		logger:   cfg.Logger,
		replicas: make(map[string]*Replica),
	}
}

// Start creates and starts the local replica for a group. Starting an
// already-running group returns the existing replica.
func (reg *Registry) Start(groupName string) (*Replica, error) {
	reg.mu.Lock()
	defer reg.mu.Unlock()

	if r, ok := reg.replicas[groupName]; ok {
		return r, nil
	}

	bindAddr, err := GroupAddr(reg.cfg.BindAddr, groupName)
	if err != nil {
		return nil, err
	}

	r, err := NewReplica(ReplicaConfig{
		GroupName:         groupName,
		NodeID:            reg.cfg.NodeID,
		BindAddr:          bindAddr,
		DataDir:           reg.cfg.DataDir,
		ApplyTimeout:      reg.cfg.ApplyTimeout,
		HeartbeatTimeout:  reg.cfg.HeartbeatTimeout,
		ElectionTimeout:   reg.cfg.ElectionTimeout,
		SnapshotInterval:  reg.cfg.SnapshotInterval,
		SnapshotThreshold: reg.cfg.SnapshotThreshold,
		Logger:            reg.logger,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to start replica for group %s: %w", groupName, err)
	}

	reg.replicas[groupName] = r
	return r, nil
}

// Get returns the running replica for a group, if any.
func (reg *Registry) Get(groupName string) (*Replica, bool) {
	reg.mu.RLock()
	defer reg.mu.RUnlock()

	r, ok := reg.replicas[groupName]
	return r, ok
}

// Stop shuts down the local replica but keeps its durable state, leaving
// the group recoverable on this node.
func (reg *Registry) Stop(groupName string) error {
	reg.mu.Lock()
	r, ok := reg.replicas[groupName]
	delete(reg.replicas, groupName)
	reg.mu.Unlock()

	if !ok {
		return nil
	}
	return r.Shutdown()
}

// Evict shuts down the local replica and removes its durable state. Used
// when the queue is deleted or this node leaves the group.
func (reg *Registry) Evict(groupName string) error {
	if err := reg.Stop(groupName); err != nil {
		reg.logger.Error("replica shutdown during evict failed",
			slog.String("group", groupName),
			slog.String("error", err.Error()))
	}

	dir := filepath.Join(reg.cfg.DataDir, "groups", groupName)
	if err := os.RemoveAll(dir); err != nil {
		return fmt.Errorf("failed to remove group data: %w", err)
	}

	reg.logger.Info("group data evicted", slog.String("group", groupName))
	return nil
}

// State reports this node's standing for a group: running when the replica
// is live, recovering when durable state survives a restart, absent otherwise.
func (reg *Registry) State(groupName string) ReplicaState {
	reg.mu.RLock()
	_, running := reg.replicas[groupName]
	reg.mu.RUnlock()

	if running {
		return StateRunning
	}

	dir := filepath.Join(reg.cfg.DataDir, "groups", groupName)
	entries, err := os.ReadDir(dir)
	if err != nil || len(entries) == 0 {
		return StateAbsent
	}
	return StateRecovering
}

// StorageBytes reports the on-disk footprint of a group on this node: log,
// stable store and snapshots combined. Zero when nothing is on disk.
func (reg *Registry) StorageBytes(groupName string) uint64 {
	var total uint64
	dir := filepath.Join(reg.cfg.DataDir, "groups", groupName)
	filepath.WalkDir(dir, func(_ string, d os.DirEntry, err error) error {
		if err != nil || d.IsDir() {
			return nil
		}
		if info, ierr := d.Info(); ierr == nil {
			total += uint64(info.Size())
		}
		return nil
	})
	return total
}

// Recoverable lists the groups with durable state on disk that are not
// currently running. Used after a restart to report what can be recovered.
func (reg *Registry) Recoverable() []string {
	entries, err := os.ReadDir(filepath.Join(reg.cfg.DataDir, "groups"))
	if err != nil {
		return nil
	}

	reg.mu.RLock()
	defer reg.mu.RUnlock()

	var groups []string
	for _, e := range entries {
		if !e.IsDir() {
			continue
		}
		if _, running := reg.replicas[e.Name()]; running {
			continue
		}
		groups = append(groups, e.Name())
	}
	return groups
}

// Running lists the groups with live replicas on this node.
func (reg *Registry) Running() []string {
	reg.mu.RLock()
	defer reg.mu.RUnlock()

	groups := make([]string, 0, len(reg.replicas))
	for name := range reg.replicas {
		groups = append(groups, name)
	}
	return groups
}

// Close shuts down all replicas. Durable state is kept.
func (reg *Registry) Close() error {
	reg.mu.Lock()
	replicas := reg.replicas
	reg.replicas = make(map[string]*Replica)
	reg.mu.Unlock()

	var firstErr error
	for name, r := range replicas {
		if err := r.Shutdown(); err != nil && firstErr == nil {
			firstErr = fmt.Errorf("failed to shut down group %s: %w", name, err)
		}
	}
	return firstErr
}
