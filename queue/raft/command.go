// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package raft

import (
	"time"
)

// OpType represents the type of operation in the replicated log.
type OpType uint8

const (
	// Message movement
	OpEnqueue OpType = iota
	OpSettle
	OpReturn
	OpDiscard
	OpPurge

	// Consumer management
	OpCheckout
	OpCredit
	OpCancelConsumer
)

// Dead-letter reasons recorded on republished messages.
const (
	ReasonRejected = "rejected"
	ReasonExpired  = "expired"
	ReasonMaxLen   = "maxlen"
)

// Message is the replicated message envelope. The state machine assigns the
// ID on enqueue commit; it doubles as the delivery id for consumers.
type Message struct {
	ID      uint64            `json:"id"`
	Payload []byte            `json:"payload"`
	Props   map[string]string `json:"props,omitempty"`

	// Header metadata maintained by the state machine.
	DeliveryCount uint32    `json:"delivery_count,omitempty"`
	EnqueuedAt    time.Time `json:"enqueued_at"`
	ExpiresAt     time.Time `json:"expires_at,omitempty"`
}

// Redelivered reports whether the message has been delivered before.
func (m *Message) Redelivered() bool {
	return m.DeliveryCount > 0
}

// Expired reports whether the message's TTL elapsed before now.
func (m *Message) Expired(now time.Time) bool {
	return !m.ExpiresAt.IsZero() && now.After(m.ExpiresAt)
}

// Command is one queue operation to be replicated through the consensus log.
// Every command carries a client-generated idempotency token; side-effecting
// commands (discard, purge) are deduplicated on it so a retry after a leader
// failover never repeats the side effect.
type Command struct {
	Type      OpType    `json:"type"`
	Token     string    `json:"token"`
	Timestamp time.Time `json:"timestamp"`

	// Originating session and its node, for routing completions back.
	SessionID string `json:"session_id,omitempty"`
	NodeID    string `json:"node_id,omitempty"`

	// For OpEnqueue. Seq is the publisher sequence number; zero means the
	// enqueue is unconfirmed (fire and forget).
	Seq     uint64   `json:"seq,omitempty"`
	Message *Message `json:"message,omitempty"`

	// For consumer operations.
	ConsumerTag string            `json:"consumer_tag,omitempty"`
	Prefetch    uint32            `json:"prefetch,omitempty"`
	Exclusive   bool              `json:"exclusive,omitempty"`
	NoAck       bool              `json:"no_ack,omitempty"`
	Once        bool              `json:"once,omitempty"` // single-shot checkout (synchronous get)
	Arguments   map[string]string `json:"arguments,omitempty"`

	// For OpSettle, OpReturn, OpDiscard.
	DeliveryIDs []uint64 `json:"delivery_ids,omitempty"`

	// For OpCredit.
	Credit uint32 `json:"credit,omitempty"`
	Drain  bool   `json:"drain,omitempty"`

	// For OpCancelConsumer. Autonomous marks cancellations initiated by the
	// state machine itself (owning channel died) rather than by the client.
	Autonomous bool   `json:"autonomous,omitempty"`
	Reason     string `json:"reason,omitempty"`
}

// EffectType discriminates state-machine side effects.
type EffectType uint8

const (
	// EffectConfirm reports committed publisher sequence numbers.
	EffectConfirm EffectType = iota
	// EffectDelivery hands a checked-out message to a consumer.
	EffectDelivery
	// EffectEmpty answers a single-shot checkout that found no message.
	EffectEmpty
	// EffectDrained reports a consumer's credit forced to zero after drain.
	EffectDrained
	// EffectDeadLetter carries messages to republish.
	EffectDeadLetter
	// EffectConsumerCancelled reports a state-machine initiated cancel.
	EffectConsumerCancelled
)

// Effect is a side effect computed during command application. Effects are
// acted on only by the leader replica; followers compute and discard them so
// all replicas stay deterministic.
type Effect struct {
	Type EffectType `json:"type"`

	// Routing target: the session the effect belongs to and the node that
	// owns it. Empty for queue-scoped effects (dead-lettering).
	SessionID string `json:"session_id,omitempty"`
	NodeID    string `json:"node_id,omitempty"`

	ConsumerTag string `json:"consumer_tag,omitempty"`

	// For EffectConfirm.
	Seqs []uint64 `json:"seqs,omitempty"`

	// For EffectDelivery.
	Message     *Message `json:"message,omitempty"`
	Redelivered bool     `json:"redelivered,omitempty"`

	// For EffectDeadLetter.
	Reason   string     `json:"reason,omitempty"`
	Messages []*Message `json:"messages,omitempty"`
}

// ApplyResult is returned to the command submitter once the command commits.
type ApplyResult struct {
	// Count carries operation-specific tallies: purged messages for OpPurge,
	// settled ids for OpSettle.
	Count uint64 `json:"count,omitempty"`

	// Err is a state-machine level rejection (unknown consumer, duplicate
	// checkout). Consensus-level failures surface as Go errors instead.
	Err string `json:"err,omitempty"`

	// Effects computed while applying this command, in order.
	Effects []Effect `json:"effects,omitempty"`
}
