// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/hashicorp/raft"

	"github.com/chorusmq/chorusmq/catalog"
	"github.com/chorusmq/chorusmq/cluster"
	qraft "github.com/chorusmq/chorusmq/queue/raft"
)

// submitRetries bounds how often a command chases a moving leader.
const submitRetries = 3

// Manager implements cluster.Handler so peers can drive this node's replicas
// and hand it effects for locally attached sessions.
var _ cluster.Handler = (*Manager)(nil)

// StartReplica starts the local replica of a group on behalf of a peer.
func (m *Manager) StartReplica(_ context.Context, group string) error {
	_, err := m.startLocalReplica(group)
	return err
}

// StopReplica stops the local replica, reporting whether it had been running.
func (m *Manager) StopReplica(_ context.Context, group string) (bool, error) {
	running := m.registry.State(group) == qraft.StateRunning
	return running, m.registry.Stop(group)
}

// EvictReplica removes the local replica and everything cached for its queue.
func (m *Manager) EvictReplica(_ context.Context, group string) error {
	if err := m.registry.Evict(group); err != nil {
		return err
	}
	if vhost, name, err := ParseGroupName(group); err == nil {
		key := queueKey(vhost, name)
		m.metrics.Evict(key)
		m.sessions.DropQueue(key)
	}
	return nil
}

// GroupStats reports this node's local view of a group.
func (m *Manager) GroupStats(_ context.Context, group string) (cluster.GroupStats, error) {
	state := m.registry.State(group)
	stats := cluster.GroupStats{
		State:        string(state),
		StorageBytes: m.registry.StorageBytes(group),
	}

	if replica, ok := m.registry.Get(group); ok {
		stats.Leader = replica.Leader()
		stats.Ready, stats.Unsettled, stats.Consumers = replica.Counts()
		stats.Raft = replica.Stats()
	}
	return stats, nil
}

// SubmitCommand proposes a forwarded command to a group this node leads.
// Effects are acted on here; the response carries only the direct result.
func (m *Manager) SubmitCommand(ctx context.Context, group string, raw json.RawMessage) (json.RawMessage, error) {
	var cmd qraft.Command
	if err := json.Unmarshal(raw, &cmd); err != nil {
		return nil, fmt.Errorf("invalid command: %w", err)
	}

	replica, ok := m.registry.Get(group)
	if !ok || !replica.IsLeader() {
		return nil, ErrNotLeader
	}

	res, err := m.submitLocal(ctx, group, replica, &cmd)
	if err != nil {
		return nil, err
	}

	response := *res
	response.Effects = nil
	return json.Marshal(&response)
}

// DeliverEffects hands forwarded leader effects to sessions on this node.
func (m *Manager) DeliverEffects(_ context.Context, queue string, raw json.RawMessage) error {
	var effects []qraft.Effect
	if err := json.Unmarshal(raw, &effects); err != nil {
		return fmt.Errorf("invalid effects payload: %w", err)
	}
	for i := range effects {
		m.sessions.Dispatch(queue, &effects[i])
	}
	return nil
}

// AddGroupMember adds a voter to a group this node leads.
func (m *Manager) AddGroupMember(_ context.Context, group, nodeID, addr string) error {
	replica, ok := m.registry.Get(group)
	if !ok || !replica.IsLeader() {
		return ErrNotLeader
	}
	return replica.AddMember(nodeID, addr)
}

// RemoveGroupMember removes a member from a group this node leads.
func (m *Manager) RemoveGroupMember(_ context.Context, group, nodeID string) error {
	replica, ok := m.registry.Get(group)
	if !ok || !replica.IsLeader() {
		return ErrNotLeader
	}
	return replica.RemoveMember(nodeID)
}

// EvictQueueMetrics drops this node's cached counters for a queue. Called by
// a freshly elected leader so counters recorded under the old leader do not
// linger here.
func (m *Manager) EvictQueueMetrics(_ context.Context, queue string) error {
	m.metrics.Evict(queue)
	return nil
}

// Enqueue appends a message to a queue outside any session: no confirm, no
// flow control, no ordering relative to session publishes. Used by internal
// producers such as dead-letter republishing and shovels.
func (m *Manager) Enqueue(ctx context.Context, vhost, name string, payload []byte, props map[string]string) error {
	rec, err := m.lookup(ctx, vhost, name)
	if err != nil {
		return err
	}

	msg := &qraft.Message{
		Payload:    payload,
		Props:      props,
		EnqueuedAt: time.Now(),
	}
	if ttl, ok := messageTTL(rec.Arguments); ok {
		msg.ExpiresAt = msg.EnqueuedAt.Add(ttl)
	}

	_, err = m.submit(ctx, rec, &qraft.Command{
		Type:    qraft.OpEnqueue,
		Token:   uuid.NewString(),
		Message: msg,
	})
	return err
}

// submit routes a command to the group leader, proposing locally when this
// node leads and forwarding over the peer API otherwise. Leadership can move
// mid-flight, so it retries against the freshest leader it can find.
func (m *Manager) submit(ctx context.Context, rec *catalog.QueueRecord, cmd *qraft.Command) (*qraft.ApplyResult, error) {
	cmd.NodeID = m.cfg.NodeID
	group := rec.GroupName

	var lastErr error
	for attempt := 0; attempt < submitRetries; attempt++ {
		if replica, ok := m.registry.Get(group); ok && replica.IsLeader() {
			res, err := m.submitLocal(ctx, group, replica, cmd)
			if err == nil {
				return res, nil
			}
			if !errors.Is(err, raft.ErrNotLeader) && !errors.Is(err, raft.ErrLeadershipLost) {
				return res, err
			}
			lastErr = err
		} else {
			leaderID, err := m.groupLeader(rec)
			if err != nil {
				lastErr = err
			} else if leaderID == m.cfg.NodeID {
				lastErr = ErrNotLeader
			} else {
				raw, err := json.Marshal(cmd)
				if err != nil {
					return nil, err
				}
				resRaw, err := m.peers.SubmitCommand(ctx, leaderID, group, raw)
				if err == nil {
					var res qraft.ApplyResult
					if err := json.Unmarshal(resRaw, &res); err != nil {
						return nil, fmt.Errorf("invalid submit response: %w", err)
					}
					return &res, nil
				}
				if !strings.Contains(err.Error(), ErrNotLeader.Error()) {
					return nil, err
				}
				lastErr = err
			}
		}

		// Leadership is in flux; refresh the record and try again.
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(250 * time.Millisecond):
		}
		if fresh, err := m.catalog.Lookup(ctx, rec.VHost, rec.Name); err == nil {
			rec = fresh
		}
	}

	if lastErr == nil {
		lastErr = ErrNotLeader
	}
	return nil, lastErr
}

// submitLocal proposes on the local leader replica and acts on the
// resulting effects.
func (m *Manager) submitLocal(ctx context.Context, group string, replica *qraft.Replica, cmd *qraft.Command) (*qraft.ApplyResult, error) {
	if cmd.Type == qraft.OpEnqueue && m.cfg.SoftLimit > 0 {
		if ready, _, _ := replica.Counts(); ready >= m.cfg.SoftLimit {
			return nil, ErrBackpressure
		}
	}

	res, err := replica.Submit(ctx, cmd)
	if err != nil {
		return res, err
	}

	m.applyEffects(ctx, group, res.Effects)
	return res, nil
}

// applyEffects is the leader's side of the state machine contract: every
// replica computes the same effects, only the leader acts on them. Session
// effects route to the owning node; dead-letter effects are republished here.
func (m *Manager) applyEffects(ctx context.Context, group string, effects []qraft.Effect) {
	if len(effects) == 0 {
		return
	}

	vhost, name, err := ParseGroupName(group)
	if err != nil {
		m.logger.Error("unparsable group name in effects",
			slog.String("group", group),
			slog.String("error", err.Error()))
		return
	}
	key := queueKey(vhost, name)

	remote := make(map[string][]qraft.Effect)

	for i := range effects {
		e := &effects[i]

		switch e.Type {
		case qraft.EffectDeadLetter:
			m.metrics.RecordDeadLettered(ctx, key, int64(len(e.Messages)))
			rec, lerr := m.lookup(ctx, vhost, name)
			if lerr != nil {
				m.logger.Error("dead-letter drop, queue record unavailable",
					slog.String("queue", key),
					slog.String("error", lerr.Error()))
				continue
			}
			m.dead.Route(ctx, rec, e.Reason, e.Messages)
			continue
		case qraft.EffectDelivery:
			m.metrics.RecordDelivered(ctx, key, 1)
		case qraft.EffectConfirm:
			m.metrics.RecordEnqueued(ctx, key, int64(len(e.Seqs)))
		}

		if e.NodeID == "" || e.NodeID == m.cfg.NodeID {
			m.sessions.Dispatch(key, e)
			continue
		}
		remote[e.NodeID] = append(remote[e.NodeID], *e)
	}

	for nodeID, batch := range remote {
		raw, err := json.Marshal(batch)
		if err != nil {
			m.logger.Error("failed to marshal effects",
				slog.String("queue", key),
				slog.String("error", err.Error()))
			continue
		}
		m.forwardEffects(nodeID, key, raw)
	}
}

// effectBatch is one queued batch of effects bound for a peer node.
type effectBatch struct {
	queue string
	raw   json.RawMessage
}

// forwardEffects hands a batch to the peer's ordered sender, starting one on
// first use. A single sender goroutine per peer keeps batches in submission
// order; concurrent sends could reorder confirms ahead of deliveries.
func (m *Manager) forwardEffects(nodeID, queue string, raw json.RawMessage) {
	m.sendMu.Lock()
	ch, ok := m.senders[nodeID]
	if !ok {
		ch = make(chan effectBatch, 256)
		m.senders[nodeID] = ch
		m.wg.Add(1)
		go m.effectSender(nodeID, ch)
	}
	m.sendMu.Unlock()

	select {
	case ch <- effectBatch{queue: queue, raw: raw}:
	case <-m.stopCh:
	}
}

func (m *Manager) effectSender(nodeID string, ch chan effectBatch) {
	defer m.wg.Done()

	for {
		select {
		case <-m.stopCh:
			return
		case b := <-ch:
			ctx, cancel := context.WithTimeout(context.Background(), m.cfg.PeerTimeout)
			err := m.peers.DeliverEffects(ctx, nodeID, b.queue, b.raw)
			cancel()
			if err != nil {
				m.logger.Warn("effect delivery to peer failed",
					slog.String("queue", b.queue),
					slog.String("peer", nodeID),
					slog.String("error", err.Error()))
			}
		}
	}
}
