// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package raft

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net"
	"os"
	"path/filepath"
	"sync/atomic"
	"time"

	"github.com/dgraph-io/badger/v4"
	"github.com/hashicorp/go-hclog"
	"github.com/hashicorp/raft"
)

// Replica hosts this node's member of one queue's consensus group.
// Each queue has its own independent group with a leader and followers.
type Replica struct {
	groupName string
	nodeID    string
	bindAddr  string

	raft *raft.Raft
	fsm  *QueueFSM

	logStore      *BadgerLogStore
	stableStore   *BadgerStableStore
	snapshotStore raft.SnapshotStore
	transport     raft.Transport

	raftDB *badger.DB

	applyTimeout time.Duration

	isLeader    atomic.Bool
	leaderCh    chan bool
	shutdownCh  chan struct{}
	monitorDone chan struct{}

	logger *slog.Logger
}

// ReplicaConfig contains configuration for one group replica.
type ReplicaConfig struct {
	GroupName string
	NodeID    string
	BindAddr  string
	DataDir   string

	ApplyTimeout time.Duration

	HeartbeatTimeout  time.Duration
	ElectionTimeout   time.Duration
	SnapshotInterval  time.Duration
	SnapshotThreshold uint64

	Logger *slog.Logger
}

// NewReplica creates and starts this node's replica of a queue group.
func NewReplica(cfg ReplicaConfig) (*Replica, error) {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.HeartbeatTimeout == 0 {
		cfg.HeartbeatTimeout = 1 * time.Second
	}
	if cfg.ElectionTimeout == 0 {
		cfg.ElectionTimeout = 3 * time.Second
	}
	if cfg.SnapshotInterval == 0 {
		cfg.SnapshotInterval = 5 * time.Minute
	}
	if cfg.SnapshotThreshold == 0 {
		cfg.SnapshotThreshold = 8192
	}
	if cfg.ApplyTimeout == 0 {
		cfg.ApplyTimeout = 5 * time.Second
	}

	r := &Replica{
		groupName:    cfg.GroupName,
		nodeID:       cfg.NodeID,
		bindAddr:     cfg.BindAddr,
		applyTimeout: cfg.ApplyTimeout,
		leaderCh:     make(chan bool, 10),
		shutdownCh:   make(chan struct{}),
		monitorDone:  make(chan struct{}),
		logger:       cfg.Logger,
	}

	raftDir := filepath.Join(cfg.DataDir, "groups", cfg.GroupName)
	if err := os.MkdirAll(raftDir, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create raft directory: %w", err)
	}

	opts := badger.DefaultOptions(raftDir)
	opts.Logger = nil
	raftDB, err := badger.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("failed to open raft badger db: %w", err)
	}
	r.raftDB = raftDB

	r.logStore = NewBadgerLogStore(raftDB, cfg.GroupName)
	r.stableStore = NewBadgerStableStore(raftDB, cfg.GroupName)

	snapshotDir := filepath.Join(raftDir, "snapshots")
	snapStore, err := raft.NewFileSnapshotStore(snapshotDir, 3, os.Stderr)
	if err != nil {
		raftDB.Close()
		return nil, fmt.Errorf("failed to create snapshot store: %w", err)
	}
	r.snapshotStore = snapStore

	r.fsm = NewQueueFSM(cfg.GroupName, cfg.Logger)

	addr, err := net.ResolveTCPAddr("tcp", cfg.BindAddr)
	if err != nil {
		raftDB.Close()
		return nil, fmt.Errorf("failed to resolve bind address: %w", err)
	}

	transport, err := raft.NewTCPTransport(cfg.BindAddr, addr, 3, 10*time.Second, os.Stderr)
	if err != nil {
		raftDB.Close()
		return nil, fmt.Errorf("failed to create raft transport: %w", err)
	}
	r.transport = transport

	raftCfg := raft.DefaultConfig()
	raftCfg.LocalID = raft.ServerID(cfg.NodeID)
	raftCfg.HeartbeatTimeout = cfg.HeartbeatTimeout
	raftCfg.ElectionTimeout = cfg.ElectionTimeout
	raftCfg.SnapshotInterval = cfg.SnapshotInterval
	raftCfg.SnapshotThreshold = cfg.SnapshotThreshold
	raftCfg.Logger = hclog.New(&hclog.LoggerOptions{
		Name:   cfg.GroupName,
		Level:  hclog.Warn,
		Output: os.Stderr,
	})

	ra, err := raft.NewRaft(raftCfg, r.fsm, r.logStore, r.stableStore, r.snapshotStore, r.transport)
	if err != nil {
		transport.Close()
		raftDB.Close()
		return nil, fmt.Errorf("failed to create raft: %w", err)
	}
	r.raft = ra

	go r.monitorLeadership()

	r.logger.Info("queue group replica started",
		slog.String("group", cfg.GroupName),
		slog.String("node_id", cfg.NodeID),
		slog.String("bind_addr", cfg.BindAddr))

	return r, nil
}

// HasExistingState reports whether this replica already has durable state,
// meaning the group was bootstrapped in an earlier run.
func (r *Replica) HasExistingState() (bool, error) {
	return raft.HasExistingState(r.logStore, r.stableStore, r.snapshotStore)
}

// Bootstrap initializes the group with the founding set of members.
// Called once by the node that declares the queue; no-op on a recovered group.
func (r *Replica) Bootstrap(servers []raft.Server) error {
	hasState, err := r.HasExistingState()
	if err != nil {
		return fmt.Errorf("failed to check existing state: %w", err)
	}

	if hasState {
		r.logger.Info("group already bootstrapped, skipping",
			slog.String("group", r.groupName))
		return nil
	}

	future := r.raft.BootstrapCluster(raft.Configuration{Servers: servers})
	if err := future.Error(); err != nil {
		return fmt.Errorf("failed to bootstrap group: %w", err)
	}

	r.logger.Info("group bootstrapped",
		slog.String("group", r.groupName),
		slog.Int("member_count", len(servers)))

	return nil
}

// Submit proposes a command to the group and waits for it to commit,
// returning the state machine's result including any effects.
func (r *Replica) Submit(ctx context.Context, cmd *Command) (*ApplyResult, error) {
	if !r.IsLeader() {
		return nil, raft.ErrNotLeader
	}

	if cmd.Timestamp.IsZero() {
		cmd.Timestamp = time.Now()
	}
	data, err := json.Marshal(cmd)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal command: %w", err)
	}

	timeout := r.applyTimeout
	if deadline, ok := ctx.Deadline(); ok {
		if until := time.Until(deadline); until < timeout {
			timeout = until
		}
	}

	future := r.raft.Apply(data, timeout)
	if err := future.Error(); err != nil {
		return nil, fmt.Errorf("apply failed: %w", err)
	}

	res, ok := future.Response().(*ApplyResult)
	if !ok {
		return nil, fmt.Errorf("unexpected apply response type %T", future.Response())
	}
	if res.Err != "" {
		return res, fmt.Errorf("%s", res.Err)
	}
	return res, nil
}

// AddMember adds a new voting member to the group. Leader only.
func (r *Replica) AddMember(nodeID, addr string) error {
	if !r.IsLeader() {
		return raft.ErrNotLeader
	}

	future := r.raft.AddVoter(raft.ServerID(nodeID), raft.ServerAddress(addr), 0, 0)
	if err := future.Error(); err != nil {
		return fmt.Errorf("failed to add member: %w", err)
	}

	r.logger.Info("member added to group",
		slog.String("group", r.groupName),
		slog.String("member", nodeID))

	return nil
}

// RemoveMember removes a member from the group. Leader only.
func (r *Replica) RemoveMember(nodeID string) error {
	if !r.IsLeader() {
		return raft.ErrNotLeader
	}

	future := r.raft.RemoveServer(raft.ServerID(nodeID), 0, 0)
	if err := future.Error(); err != nil {
		return fmt.Errorf("failed to remove member: %w", err)
	}

	r.logger.Info("member removed from group",
		slog.String("group", r.groupName),
		slog.String("member", nodeID))

	return nil
}

// IsLeader reports whether this node currently leads the group.
func (r *Replica) IsLeader() bool {
	return r.isLeader.Load()
}

// Leader returns the node ID of the current leader, or empty if unknown.
func (r *Replica) Leader() string {
	_, id := r.raft.LeaderWithID()
	return string(id)
}

// LeadershipChanges returns a channel of leadership transitions for this
// replica. True means this node became leader.
func (r *Replica) LeadershipChanges() <-chan bool {
	return r.leaderCh
}

// WaitForLeader blocks until the group has elected a leader.
func (r *Replica) WaitForLeader(ctx context.Context, timeout time.Duration) error {
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	ticker := time.NewTicker(100 * time.Millisecond)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return fmt.Errorf("timeout waiting for leader of group %s", r.groupName)
		case <-ticker.C:
			if r.Leader() != "" {
				return nil
			}
		}
	}
}

// Counts returns the queue tallies from the local state machine.
func (r *Replica) Counts() (ready, unsettled, consumers uint64) {
	return r.fsm.Counts()
}

// Stats returns consensus stats for monitoring.
func (r *Replica) Stats() map[string]string {
	return r.raft.Stats()
}

// Shutdown stops the replica and releases its resources.
func (r *Replica) Shutdown() error {
	r.logger.Info("shutting down group replica",
		slog.String("group", r.groupName))

	close(r.shutdownCh)
	<-r.monitorDone

	if r.raft != nil {
		future := r.raft.Shutdown()
		if err := future.Error(); err != nil {
			r.logger.Error("raft shutdown error",
				slog.String("group", r.groupName),
				slog.String("error", err.Error()))
		}
	}

	// Transport is closed by raft.Shutdown().

	if r.raftDB != nil {
		if err := r.raftDB.Close(); err != nil {
			r.logger.Error("raft db close error",
				slog.String("group", r.groupName),
				slog.String("error", err.Error()))
		}
	}

	return nil
}

func (r *Replica) monitorLeadership() {
	defer close(r.monitorDone)

	// raft never closes LeaderCh, so the loop has to watch the replica's own
	// shutdown signal or it outlives Shutdown.
	for {
		select {
		case <-r.shutdownCh:
			return
		case isLeader := <-r.raft.LeaderCh():
			r.isLeader.Store(isLeader)

			if isLeader {
				r.logger.Info("became group leader",
					slog.String("group", r.groupName))
			} else {
				r.logger.Info("lost group leadership",
					slog.String("group", r.groupName))
			}

			select {
			case r.leaderCh <- isLeader:
			default:
			}
		}
	}
}
