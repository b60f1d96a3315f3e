// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package queue

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"maps"
	"time"

	"github.com/hashicorp/raft"

	"github.com/chorusmq/chorusmq/catalog"
	"github.com/chorusmq/chorusmq/cluster"
	"github.com/chorusmq/chorusmq/events"
	qraft "github.com/chorusmq/chorusmq/queue/raft"
)

// DeclareOptions are the client-supplied settings for a queue declaration.
type DeclareOptions struct {
	Durable    bool
	AutoDelete bool
	// ExclusiveOwner names a session that would own the queue exclusively.
	// Must be empty; replicated queues cannot be exclusive.
	ExclusiveOwner string
	Arguments      map[string]string
}

// Declare creates a queue backed by a fresh consensus group, or returns the
// existing queue when the declaration matches it. The declaring node always
// hosts a replica.
func (m *Manager) Declare(ctx context.Context, vhost, name string, opts DeclareOptions) (*catalog.QueueRecord, error) {
	key := queueKey(vhost, name)

	if !opts.Durable || opts.AutoDelete || opts.ExclusiveOwner != "" {
		return nil, fmt.Errorf("%w: %s", ErrInvalidDeclare, key)
	}

	unlock := m.lockQueue(key)
	defer unlock()

	if rec, err := m.catalog.Lookup(ctx, vhost, name); err == nil {
		if !maps.Equal(rec.Arguments, opts.Arguments) {
			return nil, fmt.Errorf("%w: %s", ErrArgumentMismatch, key)
		}
		return rec, nil
	} else if !errors.Is(err, catalog.ErrNotFound) {
		return nil, err
	}

	group := GroupName(vhost, name)
	size := m.groupSize(opts.Arguments)
	running := m.membership.RunningNodeIDs(ctx, m.peers, m.cfg.PeerTimeout)
	members := selectMembers(m.cfg.NodeID, running, size)

	servers := make([]raft.Server, 0, len(members))
	for _, id := range members {
		addr, err := m.consensusAddr(id, group)
		if err != nil {
			return nil, err
		}
		servers = append(servers, raft.Server{
			ID:      raft.ServerID(id),
			Address: raft.ServerAddress(addr),
		})
	}

	started := make([]string, 0, len(members))
	rollback := func() {
		for _, id := range started {
			if id == m.cfg.NodeID {
				if err := m.registry.Evict(group); err != nil {
					m.logger.Error("declare rollback failed locally",
						slog.String("group", group),
						slog.String("error", err.Error()))
				}
				continue
			}
			if err := m.peers.EvictReplica(ctx, id, group); err != nil {
				m.logger.Error("declare rollback failed on peer",
					slog.String("group", group),
					slog.String("peer", id),
					slog.String("error", err.Error()))
			}
		}
	}

	replica, err := m.startLocalReplica(group)
	if err != nil {
		return nil, err
	}
	started = append(started, m.cfg.NodeID)

	for _, id := range members {
		if id == m.cfg.NodeID {
			continue
		}
		if err := m.peers.StartReplica(ctx, id, group); err != nil {
			rollback()
			return nil, fmt.Errorf("failed to start replica on %s: %w", id, err)
		}
		started = append(started, id)
	}

	if err := replica.Bootstrap(servers); err != nil {
		rollback()
		return nil, err
	}
	if err := replica.WaitForLeader(ctx, 10*time.Second); err != nil {
		rollback()
		return nil, err
	}

	rec := &catalog.QueueRecord{
		VHost:      vhost,
		Name:       name,
		Durable:    opts.Durable,
		AutoDelete: opts.AutoDelete,
		Arguments:  opts.Arguments,
		GroupName:  group,
		Leader:     replica.Leader(),
		Members:    members,
		State:      catalog.StateLive,
		CreatedAt:  time.Now(),
	}
	if err := m.catalog.Insert(ctx, rec); err != nil {
		if errors.Is(err, catalog.ErrAlreadyExists) {
			// Lost a declare race with another node; tear down our group and
			// answer with the winner's record.
			rollback()
			return m.lookup(ctx, vhost, name)
		}
		rollback()
		return nil, err
	}

	m.bus.Publish(events.QueueCreated{
		VHost:     vhost,
		Queue:     name,
		GroupName: group,
		Members:   members,
		Leader:    rec.Leader,
	})

	m.logger.Info("queue declared",
		slog.String("queue", key),
		slog.String("group", group),
		slog.Any("members", members))

	return rec, nil
}

// Recover restarts this node's replica of a queue from its durable state
// after a node restart. The group resumes once a quorum of members recovers.
func (m *Manager) Recover(ctx context.Context, vhost, name string) error {
	key := queueKey(vhost, name)
	unlock := m.lockQueue(key)
	defer unlock()

	rec, err := m.lookup(ctx, vhost, name)
	if err != nil {
		return err
	}
	if !rec.HasMember(m.cfg.NodeID) {
		return fmt.Errorf("%w: this node does not host %s", ErrNotMember, key)
	}

	if _, err := m.startLocalReplica(rec.GroupName); err != nil {
		return err
	}

	if rec.State != catalog.StateLive {
		if _, err := m.catalog.Update(ctx, vhost, name, func(r *catalog.QueueRecord) error {
			r.State = catalog.StateLive
			return nil
		}); err != nil {
			return err
		}
	}

	m.logger.Info("queue recovered", slog.String("queue", key))
	return nil
}

// RecoverAll restarts every queue this node hosts that has durable state
// waiting on disk. Called once at node startup.
func (m *Manager) RecoverAll(ctx context.Context) error {
	records, err := m.catalog.ListByNode(ctx, m.cfg.NodeID)
	if err != nil {
		return err
	}

	var firstErr error
	for _, rec := range records {
		if m.registry.State(rec.GroupName) != qraft.StateRecovering {
			continue
		}
		if err := m.Recover(ctx, rec.VHost, rec.Name); err != nil {
			m.logger.Error("queue recovery failed",
				slog.String("queue", queueKey(rec.VHost, rec.Name)),
				slog.String("error", err.Error()))
			if firstErr == nil {
				firstErr = err
			}
		}
	}
	return firstErr
}

// Stop shuts down the queue's replicas on all members, keeping their durable
// state. Returns the number of members whose replica actually exited.
func (m *Manager) Stop(ctx context.Context, vhost, name string) (int, error) {
	key := queueKey(vhost, name)
	unlock := m.lockQueue(key)
	defer unlock()

	rec, err := m.lookup(ctx, vhost, name)
	if err != nil {
		return 0, err
	}

	results := cluster.FanOut(ctx, rec.Members, m.cfg.PeerTimeout, func(ctx context.Context, id string) (bool, error) {
		if id == m.cfg.NodeID {
			running := m.registry.State(rec.GroupName) == qraft.StateRunning
			return running, m.registry.Stop(rec.GroupName)
		}
		return m.peers.StopReplica(ctx, id, rec.GroupName)
	})

	exited := 0
	for id, res := range results {
		if res.Err != nil {
			m.logger.Warn("stop did not reach member",
				slog.String("queue", key),
				slog.String("member", id),
				slog.String("error", res.Err.Error()))
			continue
		}
		if res.Value {
			exited++
		}
	}

	if _, err := m.catalog.Update(ctx, vhost, name, func(r *catalog.QueueRecord) error {
		r.State = catalog.StateRecovering
		return nil
	}); err != nil {
		return exited, err
	}

	m.logger.Info("queue stopped",
		slog.String("queue", key),
		slog.Int("exited", exited))

	return exited, nil
}

// StopLocal stops every replica this node hosts, keeping durable state so
// the queues can be recovered later. A non-empty vhost restricts the sweep
// to that vhost's queues. Returns the number of replicas that exited. Only
// this node's replicas stop; the groups keep running elsewhere as long as
// they hold quorum.
func (m *Manager) StopLocal(ctx context.Context, vhost string) (int, error) {
	records, err := m.catalog.ListByNode(ctx, m.cfg.NodeID)
	if err != nil {
		return 0, err
	}

	exited := 0
	for _, rec := range records {
		if vhost != "" && rec.VHost != vhost {
			continue
		}
		if m.registry.State(rec.GroupName) != qraft.StateRunning {
			continue
		}
		if err := m.registry.Stop(rec.GroupName); err != nil {
			m.logger.Warn("local replica stop failed",
				slog.String("queue", queueKey(rec.VHost, rec.Name)),
				slog.String("error", err.Error()))
			continue
		}
		exited++
	}

	m.logger.Info("local replicas stopped",
		slog.String("vhost", vhost),
		slog.Int("exited", exited))
	return exited, nil
}

// DeleteOptions condition a queue delete.
type DeleteOptions struct {
	IfUnused bool // fail when the queue has consumers
	IfEmpty  bool // fail when the queue holds ready messages
}

// Delete removes the queue everywhere: replicas and durable state on all
// reachable members, then the catalog record. A majority of members must
// acknowledge eviction; stragglers clean up when they next consult the
// catalog. Returns the number of ready messages dropped.
func (m *Manager) Delete(ctx context.Context, vhost, name string, opts DeleteOptions) (uint64, error) {
	key := queueKey(vhost, name)
	unlock := m.lockQueue(key)
	defer unlock()

	rec, err := m.lookup(ctx, vhost, name)
	if err != nil {
		return 0, err
	}

	var ready, consumers uint64
	if stats, err := m.groupStats(ctx, rec); err == nil {
		ready, consumers = stats.Ready, stats.Consumers
	} else if opts.IfUnused || opts.IfEmpty {
		return 0, fmt.Errorf("cannot verify delete conditions: %w", err)
	} else if snap, ok := m.metrics.Stats(key); ok {
		// No reachable leader; report the last published tallies rather
		// than claiming the queue was empty.
		ready, consumers = snap.Ready, snap.Consumers
	}

	if opts.IfUnused && consumers > 0 {
		return 0, fmt.Errorf("%w: %s", ErrQueueInUse, key)
	}
	if opts.IfEmpty && ready > 0 {
		return 0, fmt.Errorf("%w: %s", ErrQueueNotEmpty, key)
	}

	ctx, cancel := context.WithTimeout(ctx, m.cfg.DeleteTimeout)
	defer cancel()

	// The catalog record goes first: once a delete is issued the queue must
	// not be routable again, even if replica teardown below falls short.
	if err := m.catalog.Delete(ctx, vhost, name); err != nil && !errors.Is(err, catalog.ErrNotFound) {
		return 0, err
	}

	m.metrics.Evict(key)
	m.sessions.DropQueue(key)

	m.bus.Publish(events.QueueDeleted{
		VHost:        vhost,
		Queue:        name,
		MessageCount: ready,
		Actor:        m.cfg.NodeID,
	})

	results := cluster.FanOut(ctx, rec.Members, m.cfg.DeleteTimeout, func(ctx context.Context, id string) (struct{}, error) {
		if id == m.cfg.NodeID {
			return struct{}{}, m.registry.Evict(rec.GroupName)
		}
		return struct{}{}, m.peers.EvictReplica(ctx, id, rec.GroupName)
	})

	acked := 0
	for id, res := range results {
		if res.Err == nil {
			acked++
			continue
		}
		m.logger.Warn("delete did not reach member",
			slog.String("queue", key),
			slog.String("member", id),
			slog.String("error", res.Err.Error()))
	}
	if acked < len(rec.Members)/2+1 {
		// The record is gone; stragglers evict their data when they next
		// consult the catalog.
		return ready, fmt.Errorf("%w: %d of %d acknowledged", ErrNoQuorum, acked, len(rec.Members))
	}

	m.logger.Info("queue deleted",
		slog.String("queue", key),
		slog.Uint64("message_count", ready))

	return ready, nil
}

// AddMember grows the queue's consensus group onto another running node.
func (m *Manager) AddMember(ctx context.Context, vhost, name, nodeID string) error {
	key := queueKey(vhost, name)
	unlock := m.lockQueue(key)
	defer unlock()

	rec, err := m.lookup(ctx, vhost, name)
	if err != nil {
		return err
	}
	if rec.HasMember(nodeID) {
		return fmt.Errorf("%w: %s", ErrAlreadyMember, nodeID)
	}
	if !m.membership.IsRunning(ctx, m.peers, nodeID, m.cfg.PeerTimeout) {
		return fmt.Errorf("%w or not running: %s", ErrUnknownNode, nodeID)
	}

	addr, err := m.consensusAddr(nodeID, rec.GroupName)
	if err != nil {
		return err
	}

	// The new member must be listening before the leader adds it as a voter,
	// or the group stalls replicating to a dead address.
	if nodeID == m.cfg.NodeID {
		if _, err := m.startLocalReplica(rec.GroupName); err != nil {
			return err
		}
	} else if err := m.peers.StartReplica(ctx, nodeID, rec.GroupName); err != nil {
		return fmt.Errorf("failed to start replica on %s: %w", nodeID, err)
	}

	if err := m.changeMembership(ctx, rec, func(r *qraft.Replica) error {
		return r.AddMember(nodeID, addr)
	}, func(leaderID string) error {
		return m.peers.AddGroupMember(ctx, leaderID, rec.GroupName, nodeID, addr)
	}); err != nil {
		return err
	}

	if _, err := m.catalog.Update(ctx, vhost, name, func(r *catalog.QueueRecord) error {
		if !r.HasMember(nodeID) {
			r.Members = append(r.Members, nodeID)
		}
		return nil
	}); err != nil {
		return err
	}

	m.logger.Info("group member added",
		slog.String("queue", key),
		slog.String("member", nodeID))

	return nil
}

// RemoveMember shrinks the queue's consensus group off a node and evicts the
// node's durable state. The current leader cannot be removed.
func (m *Manager) RemoveMember(ctx context.Context, vhost, name, nodeID string) error {
	key := queueKey(vhost, name)
	unlock := m.lockQueue(key)
	defer unlock()

	rec, err := m.lookup(ctx, vhost, name)
	if err != nil {
		return err
	}
	if !rec.HasMember(nodeID) {
		return fmt.Errorf("%w: %s", ErrNotMember, nodeID)
	}
	if len(rec.Members) == 1 {
		return fmt.Errorf("cannot remove the last member of %s", key)
	}

	leaderID, err := m.groupLeader(rec)
	if err != nil {
		return err
	}
	if leaderID == nodeID {
		return fmt.Errorf("cannot remove the current leader %s, transfer leadership first", nodeID)
	}

	if err := m.changeMembership(ctx, rec, func(r *qraft.Replica) error {
		return r.RemoveMember(nodeID)
	}, func(leaderID string) error {
		return m.peers.RemoveGroupMember(ctx, leaderID, rec.GroupName, nodeID)
	}); err != nil {
		return err
	}

	if nodeID == m.cfg.NodeID {
		if err := m.registry.Evict(rec.GroupName); err != nil {
			m.logger.Error("local eviction after removal failed",
				slog.String("group", rec.GroupName),
				slog.String("error", err.Error()))
		}
	} else if err := m.peers.EvictReplica(ctx, nodeID, rec.GroupName); err != nil {
		m.logger.Warn("eviction on removed member failed, data left behind",
			slog.String("group", rec.GroupName),
			slog.String("member", nodeID),
			slog.String("error", err.Error()))
	}

	if _, err := m.catalog.Update(ctx, vhost, name, func(r *catalog.QueueRecord) error {
		members := r.Members[:0]
		for _, id := range r.Members {
			if id != nodeID {
				members = append(members, id)
			}
		}
		r.Members = members
		return nil
	}); err != nil {
		return err
	}

	m.logger.Info("group member removed",
		slog.String("queue", key),
		slog.String("member", nodeID))

	return nil
}

// changeMembership runs a voter change on the group leader, locally when this
// node leads and through the peer API otherwise.
func (m *Manager) changeMembership(ctx context.Context, rec *catalog.QueueRecord, local func(*qraft.Replica) error, remote func(leaderID string) error) error {
	if replica, ok := m.registry.Get(rec.GroupName); ok && replica.IsLeader() {
		return local(replica)
	}

	leaderID, err := m.groupLeader(rec)
	if err != nil {
		return err
	}
	if leaderID == m.cfg.NodeID {
		// The catalog still names us, but we no longer lead.
		return ErrNotLeader
	}
	return remote(leaderID)
}

// groupLeader resolves the node currently leading the queue's group.
func (m *Manager) groupLeader(rec *catalog.QueueRecord) (string, error) {
	if replica, ok := m.registry.Get(rec.GroupName); ok {
		if id := replica.Leader(); id != "" {
			return id, nil
		}
	}
	if rec.Leader != "" {
		return rec.Leader, nil
	}
	return "", ErrNotLeader
}

// startLocalReplica starts the replica in the registry and hooks leadership
// watching for it. Safe to call for an already-running group.
func (m *Manager) startLocalReplica(group string) (*qraft.Replica, error) {
	already := m.registry.State(group) == qraft.StateRunning

	replica, err := m.registry.Start(group)
	if err != nil {
		return nil, err
	}
	if !already {
		m.wg.Add(1)
		go m.watchLeadership(group, replica)
	}
	return replica, nil
}
