// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

// Package metrics keeps node-local per-queue counters and mirrors them into
// OpenTelemetry instruments. Counters for a queue are owned by the node that
// currently hosts its leader; followers evict their copies on leadership
// change so stale values are never reported after failover.
package metrics

import (
	"context"
	"fmt"
	"sync"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// QueueStats holds the aggregated counters for one queue on one node.
type QueueStats struct {
	Ready       uint64
	Unacked     uint64
	Consumers   uint64
	TotalBytes  uint64
	Memory      uint64
	OpenHandles uint64
}

// Store is the node-local metrics table.
type Store struct {
	meter metric.Meter

	enqueuedTotal   metric.Int64Counter
	deliveredTotal  metric.Int64Counter
	settledTotal    metric.Int64Counter
	deadLetterTotal metric.Int64Counter

	mu    sync.RWMutex
	stats map[string]*QueueStats // keyed by vhost-scoped queue name
}

// NewStore creates a metrics store with all instruments initialized.
func NewStore() (*Store, error) {
	s := &Store{
		meter: otel.Meter("chorusmq"),
		stats: make(map[string]*QueueStats),
	}

	var err error

	s.enqueuedTotal, err = s.meter.Int64Counter(
		"chorusmq.messages.enqueued.total",
		metric.WithDescription("Total messages committed to replicated queues"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create enqueuedTotal counter: %w", err)
	}

	s.deliveredTotal, err = s.meter.Int64Counter(
		"chorusmq.messages.delivered.total",
		metric.WithDescription("Total messages checked out to consumers"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create deliveredTotal counter: %w", err)
	}

	s.settledTotal, err = s.meter.Int64Counter(
		"chorusmq.messages.settled.total",
		metric.WithDescription("Total messages acknowledged and removed"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create settledTotal counter: %w", err)
	}

	s.deadLetterTotal, err = s.meter.Int64Counter(
		"chorusmq.messages.deadlettered.total",
		metric.WithDescription("Total messages republished to a dead-letter target"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create deadLetterTotal counter: %w", err)
	}

	return s, nil
}

func queueAttrs(queue string) metric.MeasurementOption {
	return metric.WithAttributes(attribute.String("queue", queue))
}

// RecordEnqueued bumps the enqueue counter for a queue.
func (s *Store) RecordEnqueued(ctx context.Context, queue string, n int64) {
	s.enqueuedTotal.Add(ctx, n, queueAttrs(queue))
}

// RecordDelivered bumps the delivery counter for a queue.
func (s *Store) RecordDelivered(ctx context.Context, queue string, n int64) {
	s.deliveredTotal.Add(ctx, n, queueAttrs(queue))
}

// RecordSettled bumps the settle counter for a queue.
func (s *Store) RecordSettled(ctx context.Context, queue string, n int64) {
	s.settledTotal.Add(ctx, n, queueAttrs(queue))
}

// RecordDeadLettered bumps the dead-letter counter for a queue.
func (s *Store) RecordDeadLettered(ctx context.Context, queue string, n int64) {
	s.deadLetterTotal.Add(ctx, n, queueAttrs(queue))
}

// SetStats replaces the aggregate snapshot for a queue.
func (s *Store) SetStats(queue string, stats QueueStats) {
	s.mu.Lock()
	defer s.mu.Unlock()

	copied := stats
	s.stats[queue] = &copied
}

// Stats returns the aggregate snapshot for a queue. Absent queues report
// zeroed stats and false.
func (s *Store) Stats(queue string) (QueueStats, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	stats, ok := s.stats[queue]
	if !ok {
		return QueueStats{}, false
	}
	return *stats, true
}

// Evict drops the local stats entry for a queue. Called on other members
// after a leadership change and on queue deletion.
func (s *Store) Evict(queue string) {
	s.mu.Lock()
	defer s.mu.Unlock()

	delete(s.stats, queue)
}
