// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package queue

import (
	"context"
	"log/slog"
	"time"

	"github.com/chorusmq/chorusmq/catalog"
	"github.com/chorusmq/chorusmq/cluster"
	qraft "github.com/chorusmq/chorusmq/queue/raft"
)

// watchLeadership follows one replica's leadership transitions for as long
// as the replica lives. Transition work runs on the leader worker pool so a
// burst of elections after a node failure cannot pile up goroutines.
func (m *Manager) watchLeadership(group string, replica *qraft.Replica) {
	defer m.wg.Done()

	for {
		select {
		case <-m.stopCh:
			return
		case isLeader, ok := <-replica.LeadershipChanges():
			if !ok {
				return
			}
			if !isLeader {
				continue
			}
			select {
			case m.leaderJobs <- func() { m.onBecameLeader(group) }:
			default:
				// Pool saturated; run inline rather than drop the update.
				m.onBecameLeader(group)
			}
		}
	}
}

// onBecameLeader records this node as the queue's leader in the catalog so
// clients and peers route commands here, then asks the other members to drop
// counters cached under the old leader. The eviction round is best effort; a
// node that misses it self-heals on its next stats refresh.
func (m *Manager) onBecameLeader(group string) {
	vhost, name, err := ParseGroupName(group)
	if err != nil {
		m.logger.Error("unparsable group name on leadership change",
			slog.String("group", group),
			slog.String("error", err.Error()))
		return
	}
	key := queueKey(vhost, name)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	rec, err := m.catalog.Update(ctx, vhost, name, func(r *catalog.QueueRecord) error {
		r.Leader = m.cfg.NodeID
		r.State = catalog.StateLive
		return nil
	})
	if err != nil {
		m.logger.Error("failed to record leadership in catalog",
			slog.String("group", group),
			slog.String("error", err.Error()))
		return
	}

	for _, member := range rec.Members {
		if member == m.cfg.NodeID {
			continue
		}
		if err := m.peers.EvictQueueMetrics(ctx, member, key); err != nil {
			m.logger.Warn("stale metrics eviction on member failed",
				slog.String("queue", key),
				slog.String("member", member),
				slog.String("error", err.Error()))
		}
	}

	m.logger.Info("assumed queue leadership",
		slog.String("queue", key),
		slog.String("group", group))
}

// groupStats fetches the authoritative queue tallies from the group leader,
// locally when this node leads and over the peer API otherwise.
func (m *Manager) groupStats(ctx context.Context, rec *catalog.QueueRecord) (cluster.GroupStats, error) {
	if replica, ok := m.registry.Get(rec.GroupName); ok && replica.IsLeader() {
		ready, unsettled, consumers := replica.Counts()
		return cluster.GroupStats{
			State:     string(qraft.StateRunning),
			Leader:    m.cfg.NodeID,
			Ready:     ready,
			Unsettled: unsettled,
			Consumers: consumers,
		}, nil
	}

	leaderID, err := m.groupLeader(rec)
	if err != nil {
		return cluster.GroupStats{}, err
	}
	if leaderID == m.cfg.NodeID {
		return cluster.GroupStats{}, ErrNotLeader
	}
	return m.peers.GroupStats(ctx, leaderID, rec.GroupName)
}
