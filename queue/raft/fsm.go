// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package raft

import (
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/hashicorp/raft"
)

// maxCreditGrant is the credit window used when a caller requests prefetch
// zero ("unbounded"). The protocol needs a concrete bound.
const maxCreditGrant = 65535

// maxDedupeEntries bounds the idempotency-token ledger.
const maxDedupeEntries = 4096

// consumerState tracks one checkout registration inside the state machine.
type consumerState struct {
	Tag       string            `json:"tag"`
	SessionID string            `json:"session_id"`
	NodeID    string            `json:"node_id"`
	Credit    uint32            `json:"credit"`
	Unsettled map[uint64]bool   `json:"unsettled"`
	NoAck     bool              `json:"no_ack"`
	Exclusive bool              `json:"exclusive"`
	Once      bool              `json:"once"`
	Draining  bool              `json:"draining"`
	Cancelled bool              `json:"cancelled"`
	Arguments map[string]string `json:"arguments,omitempty"`
}

// QueueFSM implements raft.FSM for a single replicated queue. All replicas
// apply the same commands in the same order; effects computed here are acted
// on only by the leader, so application stays deterministic everywhere.
type QueueFSM struct {
	queue  string
	logger *slog.Logger

	mu          sync.Mutex
	nextID      uint64
	messages    map[uint64]*Message
	ready       []uint64
	consumers   map[string]*consumerState
	order       []string // consumer tags in registration order
	rrIndex     int
	dedupe      map[string]struct{}
	dedupeOrder []string
}

// NewQueueFSM creates the state machine for one queue.
func NewQueueFSM(queue string, logger *slog.Logger) *QueueFSM {
	if logger == nil {
		logger = slog.Default()
	}
	return &QueueFSM{
		queue:     queue,
		logger:    logger,
		nextID:    1,
		messages:  make(map[uint64]*Message),
		consumers: make(map[string]*consumerState),
		dedupe:    make(map[string]struct{}),
	}
}

// Apply applies a committed log entry to the state machine.
func (f *QueueFSM) Apply(l *raft.Log) interface{} {
	var cmd Command
	if err := json.Unmarshal(l.Data, &cmd); err != nil {
		f.logger.Error("failed to unmarshal command",
			slog.String("queue", f.queue),
			slog.String("error", err.Error()))
		return &ApplyResult{Err: err.Error()}
	}

	f.mu.Lock()
	defer f.mu.Unlock()

	switch cmd.Type {
	case OpEnqueue:
		return f.applyEnqueue(&cmd)
	case OpCheckout:
		return f.applyCheckout(&cmd)
	case OpSettle:
		return f.applySettle(&cmd)
	case OpReturn:
		return f.applyReturn(&cmd)
	case OpDiscard:
		return f.applyDiscard(&cmd)
	case OpCredit:
		return f.applyCredit(&cmd)
	case OpPurge:
		return f.applyPurge(&cmd)
	case OpCancelConsumer:
		return f.applyCancelConsumer(&cmd)
	default:
		f.logger.Error("unknown command type",
			slog.String("queue", f.queue),
			slog.Int("op_type", int(cmd.Type)))
		return &ApplyResult{Err: fmt.Sprintf("unknown command type: %d", cmd.Type)}
	}
}

// seenToken records the token and reports whether it was already applied.
// Commands without a token are never deduplicated.
func (f *QueueFSM) seenToken(token string) bool {
	if token == "" {
		return false
	}
	if _, ok := f.dedupe[token]; ok {
		return true
	}

	f.dedupe[token] = struct{}{}
	f.dedupeOrder = append(f.dedupeOrder, token)
	if len(f.dedupeOrder) > maxDedupeEntries {
		oldest := f.dedupeOrder[0]
		f.dedupeOrder = f.dedupeOrder[1:]
		delete(f.dedupe, oldest)
	}
	return false
}

func confirmEffect(cmd *Command) []Effect {
	if cmd.Seq == 0 {
		return nil
	}
	return []Effect{{
		Type:      EffectConfirm,
		SessionID: cmd.SessionID,
		NodeID:    cmd.NodeID,
		Seqs:      []uint64{cmd.Seq},
	}}
}

func (f *QueueFSM) applyEnqueue(cmd *Command) *ApplyResult {
	if cmd.Message == nil {
		return &ApplyResult{Err: "nil message in enqueue command"}
	}

	if f.seenToken(cmd.Token) {
		// Replayed command after a failover: the message is already in the
		// queue, but the publisher may have missed the confirm.
		return &ApplyResult{Effects: confirmEffect(cmd)}
	}

	msg := *cmd.Message
	msg.ID = f.nextID
	f.nextID++
	if msg.EnqueuedAt.IsZero() {
		msg.EnqueuedAt = cmd.Timestamp
	}

	f.messages[msg.ID] = &msg
	f.ready = append(f.ready, msg.ID)

	effects := confirmEffect(cmd)
	effects = append(effects, f.dispatch(cmd.Timestamp)...)

	return &ApplyResult{Count: 1, Effects: effects}
}

func (f *QueueFSM) applyCheckout(cmd *Command) *ApplyResult {
	if cmd.ConsumerTag == "" {
		return &ApplyResult{Err: "empty consumer tag in checkout command"}
	}
	if existing, ok := f.consumers[cmd.ConsumerTag]; ok {
		if existing.Cancelled {
			// The tag still has unsettled deliveries from a cancelled
			// consumer. Reusing it would orphan those ids: the replacement
			// state would drop the old Unsettled map while the messages
			// stay checked out forever.
			return &ApplyResult{Err: fmt.Sprintf("consumer tag %q has unsettled deliveries pending", cmd.ConsumerTag)}
		}
		return &ApplyResult{Err: fmt.Sprintf("consumer tag %q already in use", cmd.ConsumerTag)}
	}
	if cmd.Exclusive && f.activeConsumerCount() > 0 {
		return &ApplyResult{Err: "cannot checkout exclusively: queue has active consumers"}
	}
	for _, tag := range f.order {
		if c := f.consumers[tag]; c != nil && c.Exclusive && !c.Cancelled {
			return &ApplyResult{Err: "queue is held by an exclusive consumer"}
		}
	}

	credit := cmd.Prefetch
	if credit == 0 {
		credit = maxCreditGrant
	}

	c := &consumerState{
		Tag:       cmd.ConsumerTag,
		SessionID: cmd.SessionID,
		NodeID:    cmd.NodeID,
		Credit:    credit,
		Unsettled: make(map[uint64]bool),
		NoAck:     cmd.NoAck,
		Exclusive: cmd.Exclusive,
		Once:      cmd.Once,
		Arguments: cmd.Arguments,
	}
	f.consumers[c.Tag] = c
	f.order = append(f.order, c.Tag)

	effects := f.dispatch(cmd.Timestamp)

	if c.Once {
		delivered := false
		for _, e := range effects {
			if e.Type == EffectDelivery && e.ConsumerTag == c.Tag {
				delivered = true
				break
			}
		}
		if !delivered {
			effects = append(effects, Effect{
				Type:        EffectEmpty,
				SessionID:   c.SessionID,
				NodeID:      c.NodeID,
				ConsumerTag: c.Tag,
			})
			f.dropConsumer(c.Tag)
		}
	}

	return &ApplyResult{Effects: effects}
}

func (f *QueueFSM) applySettle(cmd *Command) *ApplyResult {
	c, ok := f.consumers[cmd.ConsumerTag]
	if !ok {
		return &ApplyResult{Err: fmt.Sprintf("unknown consumer tag %q", cmd.ConsumerTag)}
	}

	var settled uint64
	for _, id := range cmd.DeliveryIDs {
		if !c.Unsettled[id] {
			continue
		}
		delete(c.Unsettled, id)
		delete(f.messages, id)
		settled++
		f.returnCredit(c)
	}

	f.reapCancelled(c)

	return &ApplyResult{Count: settled, Effects: f.dispatch(cmd.Timestamp)}
}

func (f *QueueFSM) applyReturn(cmd *Command) *ApplyResult {
	c, ok := f.consumers[cmd.ConsumerTag]
	if !ok {
		return &ApplyResult{Err: fmt.Sprintf("unknown consumer tag %q", cmd.ConsumerTag)}
	}

	f.requeue(c, cmd.DeliveryIDs)
	f.reapCancelled(c)

	return &ApplyResult{Effects: f.dispatch(cmd.Timestamp)}
}

func (f *QueueFSM) applyDiscard(cmd *Command) *ApplyResult {
	// Discard must be idempotent: a retried command after a leader failover
	// must not dead-letter the same message twice.
	if f.seenToken(cmd.Token) {
		return &ApplyResult{}
	}

	c, ok := f.consumers[cmd.ConsumerTag]
	if !ok {
		return &ApplyResult{Err: fmt.Sprintf("unknown consumer tag %q", cmd.ConsumerTag)}
	}

	var discarded []*Message
	for _, id := range cmd.DeliveryIDs {
		if !c.Unsettled[id] {
			continue
		}
		delete(c.Unsettled, id)
		if msg, ok := f.messages[id]; ok {
			discarded = append(discarded, msg)
			delete(f.messages, id)
		}
		f.returnCredit(c)
	}

	f.reapCancelled(c)

	var effects []Effect
	if len(discarded) > 0 {
		effects = append(effects, Effect{
			Type:     EffectDeadLetter,
			Reason:   ReasonRejected,
			Messages: discarded,
		})
	}
	effects = append(effects, f.dispatch(cmd.Timestamp)...)

	return &ApplyResult{Count: uint64(len(discarded)), Effects: effects}
}

func (f *QueueFSM) applyCredit(cmd *Command) *ApplyResult {
	c, ok := f.consumers[cmd.ConsumerTag]
	if !ok || c.Cancelled {
		return &ApplyResult{Err: fmt.Sprintf("unknown consumer tag %q", cmd.ConsumerTag)}
	}

	c.Credit = cmd.Credit
	c.Draining = cmd.Drain

	effects := f.dispatch(cmd.Timestamp)

	if c.Draining {
		// Everything available within the window has been delivered; force
		// the remaining credit to zero and tell the consumer.
		c.Credit = 0
		c.Draining = false
		effects = append(effects, Effect{
			Type:        EffectDrained,
			SessionID:   c.SessionID,
			NodeID:      c.NodeID,
			ConsumerTag: c.Tag,
		})
	}

	return &ApplyResult{Effects: effects}
}

func (f *QueueFSM) applyPurge(cmd *Command) *ApplyResult {
	if f.seenToken(cmd.Token) {
		return &ApplyResult{}
	}

	purged := uint64(len(f.ready))
	for _, id := range f.ready {
		delete(f.messages, id)
	}
	f.ready = nil

	return &ApplyResult{Count: purged}
}

func (f *QueueFSM) applyCancelConsumer(cmd *Command) *ApplyResult {
	c, ok := f.consumers[cmd.ConsumerTag]
	if !ok {
		return &ApplyResult{}
	}

	var effects []Effect

	if cmd.Autonomous {
		// Owning channel died: requeue its unsettled messages and notify the
		// binding so metrics and events land on the channel's node.
		ids := make([]uint64, 0, len(c.Unsettled))
		for id := range c.Unsettled {
			ids = append(ids, id)
		}
		f.requeue(c, ids)
		effects = append(effects, Effect{
			Type:        EffectConsumerCancelled,
			SessionID:   c.SessionID,
			NodeID:      c.NodeID,
			ConsumerTag: c.Tag,
			Reason:      cmd.Reason,
		})
		f.dropConsumer(c.Tag)
	} else if len(c.Unsettled) > 0 {
		// Client cancel: assigned messages stay unsettled until separately
		// settled, returned or discarded. Keep a tombstone for bookkeeping.
		c.Cancelled = true
		c.Credit = 0
	} else {
		f.dropConsumer(c.Tag)
	}

	effects = append(effects, f.dispatch(cmd.Timestamp)...)
	return &ApplyResult{Effects: effects}
}

// requeue makes the given delivery ids available again with an incremented
// delivery count, preserving their relative order at the head of the queue.
func (f *QueueFSM) requeue(c *consumerState, ids []uint64) {
	sorted := append([]uint64(nil), ids...)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i] < sorted[j] })

	var front []uint64
	for _, id := range sorted {
		if !c.Unsettled[id] {
			continue
		}
		delete(c.Unsettled, id)
		msg, ok := f.messages[id]
		if !ok {
			continue
		}
		msg.DeliveryCount++
		front = append(front, id)
		f.returnCredit(c)
	}

	if len(front) > 0 {
		f.ready = append(front, f.ready...)
	}
}

func (f *QueueFSM) returnCredit(c *consumerState) {
	if c.Cancelled {
		return
	}
	if c.Credit < maxCreditGrant {
		c.Credit++
	}
}

// reapCancelled drops a tombstoned consumer once nothing is assigned to it.
func (f *QueueFSM) reapCancelled(c *consumerState) {
	if c.Cancelled && len(c.Unsettled) == 0 {
		f.dropConsumer(c.Tag)
	}
}

func (f *QueueFSM) dropConsumer(tag string) {
	delete(f.consumers, tag)
	for i, t := range f.order {
		if t == tag {
			f.order = append(f.order[:i], f.order[i+1:]...)
			if f.rrIndex > i {
				f.rrIndex--
			}
			break
		}
	}
	if len(f.order) > 0 {
		f.rrIndex %= len(f.order)
	} else {
		f.rrIndex = 0
	}
}

func (f *QueueFSM) activeConsumerCount() int {
	n := 0
	for _, c := range f.consumers {
		if !c.Cancelled {
			n++
		}
	}
	return n
}

// nextEligible returns the next consumer with available credit, advancing the
// round-robin cursor, or nil if no consumer can take a delivery.
func (f *QueueFSM) nextEligible() *consumerState {
	for i := 0; i < len(f.order); i++ {
		idx := (f.rrIndex + i) % len(f.order)
		c := f.consumers[f.order[idx]]
		if c == nil || c.Cancelled || c.Credit == 0 {
			continue
		}
		f.rrIndex = (idx + 1) % len(f.order)
		return c
	}
	return nil
}

// dispatch delivers ready messages to consumers with credit, expiring
// messages as it encounters them.
func (f *QueueFSM) dispatch(now time.Time) []Effect {
	if now.IsZero() {
		now = time.Now()
	}

	var effects []Effect
	for len(f.ready) > 0 {
		id := f.ready[0]
		msg, ok := f.messages[id]
		if !ok {
			f.ready = f.ready[1:]
			continue
		}

		if msg.Expired(now) {
			f.ready = f.ready[1:]
			delete(f.messages, id)
			effects = append(effects, Effect{
				Type:     EffectDeadLetter,
				Reason:   ReasonExpired,
				Messages: []*Message{msg},
			})
			continue
		}

		c := f.nextEligible()
		if c == nil {
			break
		}

		f.ready = f.ready[1:]
		c.Credit--

		delivered := *msg
		redelivered := msg.Redelivered()
		if c.NoAck {
			delete(f.messages, id)
		} else {
			c.Unsettled[id] = true
		}

		effects = append(effects, Effect{
			Type:        EffectDelivery,
			SessionID:   c.SessionID,
			NodeID:      c.NodeID,
			ConsumerTag: c.Tag,
			Message:     &delivered,
			Redelivered: redelivered,
		})

		if c.Once {
			f.dropConsumer(c.Tag)
		}
	}

	return effects
}

// Counts returns the current ready, unsettled and consumer tallies.
func (f *QueueFSM) Counts() (ready, unsettled, consumers uint64) {
	f.mu.Lock()
	defer f.mu.Unlock()

	ready = uint64(len(f.ready))
	for _, c := range f.consumers {
		unsettled += uint64(len(c.Unsettled))
		if !c.Cancelled {
			consumers++
		}
	}
	return ready, unsettled, consumers
}

// fsmState is the serialized snapshot payload.
type fsmState struct {
	Queue       string                    `json:"queue"`
	NextID      uint64                    `json:"next_id"`
	Messages    map[uint64]*Message       `json:"messages"`
	Ready       []uint64                  `json:"ready"`
	Consumers   map[string]*consumerState `json:"consumers"`
	Order       []string                  `json:"order"`
	RRIndex     int                       `json:"rr_index"`
	DedupeOrder []string                  `json:"dedupe_order"`
	Timestamp   time.Time                 `json:"timestamp"`
}

// Snapshot creates a point-in-time snapshot of the queue state.
func (f *QueueFSM) Snapshot() (raft.FSMSnapshot, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	state := fsmState{
		Queue:       f.queue,
		NextID:      f.nextID,
		Messages:    make(map[uint64]*Message, len(f.messages)),
		Ready:       append([]uint64(nil), f.ready...),
		Consumers:   make(map[string]*consumerState, len(f.consumers)),
		Order:       append([]string(nil), f.order...),
		RRIndex:     f.rrIndex,
		DedupeOrder: append([]string(nil), f.dedupeOrder...),
		Timestamp:   time.Now(),
	}
	for id, msg := range f.messages {
		copied := *msg
		state.Messages[id] = &copied
	}
	for tag, c := range f.consumers {
		copied := *c
		copied.Unsettled = make(map[uint64]bool, len(c.Unsettled))
		for id := range c.Unsettled {
			copied.Unsettled[id] = true
		}
		state.Consumers[tag] = &copied
	}

	return &fsmSnapshot{state: state, logger: f.logger}, nil
}

// Restore replaces the queue state from a snapshot.
func (f *QueueFSM) Restore(rc io.ReadCloser) error {
	defer rc.Close()

	var state fsmState
	if err := json.NewDecoder(rc).Decode(&state); err != nil {
		f.logger.Error("failed to decode snapshot",
			slog.String("queue", f.queue),
			slog.String("error", err.Error()))
		return err
	}

	f.mu.Lock()
	defer f.mu.Unlock()

	f.nextID = state.NextID
	f.messages = state.Messages
	if f.messages == nil {
		f.messages = make(map[uint64]*Message)
	}
	f.ready = state.Ready
	f.consumers = state.Consumers
	if f.consumers == nil {
		f.consumers = make(map[string]*consumerState)
	}
	f.order = state.Order
	// The round-robin cursor is part of the replicated state: a restored
	// replica must hand the next delivery to the same consumer the live
	// replicas would, or their unsettled maps drift apart.
	f.rrIndex = state.RRIndex
	if len(f.order) > 0 {
		f.rrIndex %= len(f.order)
	} else {
		f.rrIndex = 0
	}
	f.dedupe = make(map[string]struct{}, len(state.DedupeOrder))
	f.dedupeOrder = state.DedupeOrder
	for _, token := range state.DedupeOrder {
		f.dedupe[token] = struct{}{}
	}

	f.logger.Info("restored queue snapshot",
		slog.String("queue", f.queue),
		slog.Int("message_count", len(f.messages)))

	return nil
}

// fsmSnapshot implements raft.FSMSnapshot.
type fsmSnapshot struct {
	state  fsmState
	logger *slog.Logger
}

// Persist writes the snapshot to the given sink.
func (s *fsmSnapshot) Persist(sink raft.SnapshotSink) error {
	if err := json.NewEncoder(sink).Encode(s.state); err != nil {
		sink.Cancel()
		s.logger.Error("failed to encode snapshot",
			slog.String("queue", s.state.Queue),
			slog.String("error", err.Error()))
		return err
	}
	return sink.Close()
}

// Release releases resources held by the snapshot.
func (s *fsmSnapshot) Release() {}
