// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

// Package events defines the broker-wide notification bus fed by the
// replicated queue layer. The bus is write-only from the queue layer's
// perspective; delivery to operational consumers (webhooks, audit logs)
// happens elsewhere.
package events

import (
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
)

// Event type constants.
const (
	TypeQueueCreated    = "queue.created"
	TypeQueueDeleted    = "queue.deleted"
	TypeConsumerCreated = "consumer.created"
	TypeConsumerDeleted = "consumer.deleted"
	TypeQueueStats      = "queue.stats"
)

// Event is the common interface for all broker notifications.
type Event interface {
	// Type returns the event type identifier (e.g., "queue.created")
	Type() string

	// Wrap wraps the event in a common envelope with metadata
	Wrap(nodeID string) *Envelope
}

// Envelope is the common wrapper for all notifications.
type Envelope struct {
	EventType string `json:"event_type"`
	EventID   string `json:"event_id"`
	Timestamp string `json:"timestamp"`
	NodeID    string `json:"node_id"`
	Data      any    `json:"data"`
}

func wrap(e Event, nodeID string) *Envelope {
	return &Envelope{
		EventType: e.Type(),
		EventID:   uuid.New().String(),
		Timestamp: time.Now().UTC().Format(time.RFC3339Nano),
		NodeID:    nodeID,
		Data:      e,
	}
}

// QueueCreated is emitted when a replicated queue is declared.
type QueueCreated struct {
	VHost     string   `json:"vhost"`
	Queue     string   `json:"queue"`
	GroupName string   `json:"group_name"`
	Members   []string `json:"members"`
	Leader    string   `json:"leader"`
}

func (e QueueCreated) Type() string                 { return TypeQueueCreated }
func (e QueueCreated) Wrap(nodeID string) *Envelope { return wrap(e, nodeID) }

// QueueDeleted is emitted when a replicated queue is torn down.
type QueueDeleted struct {
	VHost        string `json:"vhost"`
	Queue        string `json:"queue"`
	MessageCount uint64 `json:"message_count"`
	Actor        string `json:"actor,omitempty"`
}

func (e QueueDeleted) Type() string                 { return TypeQueueDeleted }
func (e QueueDeleted) Wrap(nodeID string) *Envelope { return wrap(e, nodeID) }

// ConsumerCreated is emitted on checkout.
type ConsumerCreated struct {
	VHost       string            `json:"vhost"`
	Queue       string            `json:"queue"`
	ConsumerTag string            `json:"consumer_tag"`
	Exclusive   bool              `json:"exclusive"`
	AckRequired bool              `json:"ack_required"`
	Prefetch    uint32            `json:"prefetch"`
	Arguments   map[string]string `json:"arguments,omitempty"`
}

func (e ConsumerCreated) Type() string                 { return TypeConsumerCreated }
func (e ConsumerCreated) Wrap(nodeID string) *Envelope { return wrap(e, nodeID) }

// ConsumerDeleted is emitted when a consumer registration is removed,
// either by explicit cancel or by the state machine cancelling it.
type ConsumerDeleted struct {
	VHost       string `json:"vhost"`
	Queue       string `json:"queue"`
	ConsumerTag string `json:"consumer_tag"`
	Reason      string `json:"reason,omitempty"`
}

func (e ConsumerDeleted) Type() string                 { return TypeConsumerDeleted }
func (e ConsumerDeleted) Wrap(nodeID string) *Envelope { return wrap(e, nodeID) }

// QueueStats is emitted periodically by the leader's metrics handler.
type QueueStats struct {
	VHost     string `json:"vhost"`
	Queue     string `json:"queue"`
	Ready     uint64 `json:"ready"`
	Unacked   uint64 `json:"unacked"`
	Consumers uint64 `json:"consumers"`
}

func (e QueueStats) Type() string                 { return TypeQueueStats }
func (e QueueStats) Wrap(nodeID string) *Envelope { return wrap(e, nodeID) }

// Bus fans envelopes out to registered subscribers. Publish never blocks the
// caller: slow subscribers drop events rather than stalling queue operations.
type Bus struct {
	nodeID string
	logger *slog.Logger

	mu   sync.RWMutex
	subs []chan *Envelope
}

// NewBus creates a notification bus for this node.
func NewBus(nodeID string, logger *slog.Logger) *Bus {
	if logger == nil {
		logger = slog.Default()
	}
	return &Bus{nodeID: nodeID, logger: logger}
}

// Subscribe registers a new subscriber with the given buffer size.
func (b *Bus) Subscribe(buffer int) <-chan *Envelope {
	if buffer <= 0 {
		buffer = 64
	}
	ch := make(chan *Envelope, buffer)

	b.mu.Lock()
	b.subs = append(b.subs, ch)
	b.mu.Unlock()

	return ch
}

// Publish wraps the event and delivers it to all subscribers.
func (b *Bus) Publish(e Event) {
	env := e.Wrap(b.nodeID)

	b.mu.RLock()
	defer b.mu.RUnlock()

	for _, ch := range b.subs {
		select {
		case ch <- env:
		default:
			b.logger.Debug("dropping event for slow subscriber",
				slog.String("event_type", env.EventType))
		}
	}
}
