// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package queue

import (
	"context"
	"time"

	"github.com/chorusmq/chorusmq/catalog"
	"github.com/chorusmq/chorusmq/cluster"
	qraft "github.com/chorusmq/chorusmq/queue/raft"
)

// MemberStatus is one member's view of a queue group, as gathered during a
// status probe. State is "unreachable" when the member did not answer.
type MemberStatus struct {
	NodeID       string            `json:"node_id"`
	State        string            `json:"state"`
	IsLeader     bool              `json:"is_leader"`
	Ready        uint64            `json:"ready"`
	Unsettled    uint64            `json:"unsettled"`
	Consumers    uint64            `json:"consumers"`
	StorageBytes uint64            `json:"storage_bytes,omitempty"`
	Raft         map[string]string `json:"raft,omitempty"`
}

// QueueStatus is the composed introspection result for one queue. The
// headline counts come from the leader when it answered, and degrade to the
// catalog's last known shape when it did not.
type QueueStatus struct {
	VHost      string                 `json:"vhost"`
	Name       string                 `json:"name"`
	Durable    bool                   `json:"durable"`
	AutoDelete bool                   `json:"auto_delete"`
	Arguments  map[string]string      `json:"arguments,omitempty"`
	GroupName  string                 `json:"group_name"`
	State      catalog.LifecycleState `json:"state"`
	Leader     string                 `json:"leader,omitempty"`

	Ready     uint64 `json:"ready"`
	Unsettled uint64 `json:"unsettled"`
	Consumers uint64 `json:"consumers"`

	Members []MemberStatus `json:"members"`
}

// Status probes every member of the queue's group and composes their views.
// Unreachable members degrade to an "unreachable" row instead of failing the
// whole query.
func (m *Manager) Status(ctx context.Context, vhost, name string) (*QueueStatus, error) {
	rec, err := m.lookup(ctx, vhost, name)
	if err != nil {
		return nil, err
	}

	status := &QueueStatus{
		VHost:      rec.VHost,
		Name:       rec.Name,
		Durable:    rec.Durable,
		AutoDelete: rec.AutoDelete,
		Arguments:  rec.Arguments,
		GroupName:  rec.GroupName,
		State:      rec.State,
		Leader:     rec.Leader,
		Members:    make([]MemberStatus, 0, len(rec.Members)),
	}

	results := cluster.FanOut(ctx, rec.Members, m.cfg.StatusTimeout, func(ctx context.Context, id string) (cluster.GroupStats, error) {
		if id == m.cfg.NodeID {
			return m.GroupStats(ctx, rec.GroupName)
		}
		return m.peers.GroupStats(ctx, id, rec.GroupName)
	})

	for _, id := range rec.Members {
		res, ok := results[id]
		if !ok || res.Err != nil {
			status.Members = append(status.Members, MemberStatus{
				NodeID: id,
				State:  "unreachable",
			})
			continue
		}

		stats := res.Value
		member := MemberStatus{
			NodeID:       id,
			State:        stats.State,
			IsLeader:     stats.Leader == id,
			Ready:        stats.Ready,
			Unsettled:    stats.Unsettled,
			Consumers:    stats.Consumers,
			StorageBytes: stats.StorageBytes,
			Raft:         stats.Raft,
		}
		status.Members = append(status.Members, member)

		if member.IsLeader {
			status.Leader = id
			status.Ready = stats.Ready
			status.Unsettled = stats.Unsettled
			status.Consumers = stats.Consumers
		}
	}

	return status, nil
}

// LocalQueueStatus summarizes this node's standing for one hosted queue.
type LocalQueueStatus struct {
	VHost     string             `json:"vhost"`
	Name      string             `json:"name"`
	GroupName string             `json:"group_name"`
	State     qraft.ReplicaState `json:"state"`
	IsLeader  bool               `json:"is_leader"`
}

// LocalOverview lists every queue this node hosts, with its local replica
// state. Catalog records drive the listing so stale on-disk groups whose
// queue was deleted elsewhere show up as eviction candidates too.
func (m *Manager) LocalOverview(ctx context.Context) ([]LocalQueueStatus, error) {
	records, err := m.catalog.ListByNode(ctx, m.cfg.NodeID)
	if err != nil {
		return nil, err
	}

	out := make([]LocalQueueStatus, 0, len(records))
	for _, rec := range records {
		st := LocalQueueStatus{
			VHost:     rec.VHost,
			Name:      rec.Name,
			GroupName: rec.GroupName,
			State:     m.registry.State(rec.GroupName),
		}
		if replica, ok := m.registry.Get(rec.GroupName); ok {
			st.IsLeader = replica.IsLeader()
		}
		out = append(out, st)
	}
	return out, nil
}

// WaitForQueue blocks until the queue has a reachable leader, bounded by the
// context. Useful right after declare or recovery.
func (m *Manager) WaitForQueue(ctx context.Context, vhost, name string) error {
	ticker := time.NewTicker(200 * time.Millisecond)
	defer ticker.Stop()

	for {
		rec, err := m.lookup(ctx, vhost, name)
		if err == nil {
			if _, lerr := m.groupLeader(rec); lerr == nil {
				return nil
			}
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
}
