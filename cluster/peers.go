// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

// Package cluster provides the node membership view and the inter-node
// transport used for best-effort side effects: replica start/stop, metrics
// eviction, consumer-cancel forwarding, liveness checks and stats fan-out.
package cluster

import (
	"context"
	"sort"
	"sync"
	"time"
)

// Node describes one broker node in the static membership view.
type Node struct {
	ID            string
	TransportAddr string // inter-node HTTP address
	RaftAddr      string // raft transport bind address
}

// Membership is the set of nodes this broker knows about. The view is
// configuration-driven; liveness is probed on demand through the transport.
type Membership struct {
	local string

	mu    sync.RWMutex
	nodes map[string]Node
}

// NewMembership creates a membership view. The local node must appear in the
// node set.
func NewMembership(localID string, nodes []Node) *Membership {
	m := &Membership{
		local: localID,
		nodes: make(map[string]Node, len(nodes)),
	}
	for _, n := range nodes {
		m.nodes[n.ID] = n
	}
	return m
}

// LocalID returns this node's identifier.
func (m *Membership) LocalID() string {
	return m.local
}

// Node returns the node with the given ID.
func (m *Membership) Node(id string) (Node, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	n, ok := m.nodes[id]
	return n, ok
}

// NodeIDs returns all known node IDs in stable order.
func (m *Membership) NodeIDs() []string {
	m.mu.RLock()
	defer m.mu.RUnlock()

	ids := make([]string, 0, len(m.nodes))
	for id := range m.nodes {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// RunningNodeIDs probes all known nodes and returns those that answered
// within the timeout. The local node is always considered running.
func (m *Membership) RunningNodeIDs(ctx context.Context, client *Client, timeout time.Duration) []string {
	ids := m.NodeIDs()

	results := FanOut(ctx, ids, timeout, func(ctx context.Context, id string) (struct{}, error) {
		if id == m.local {
			return struct{}{}, nil
		}
		return struct{}{}, client.Ping(ctx, id)
	})

	running := make([]string, 0, len(ids))
	for _, id := range ids {
		if r, ok := results[id]; ok && r.Err == nil {
			running = append(running, id)
		}
	}
	return running
}

// IsRunning reports whether a single node answers a liveness probe.
func (m *Membership) IsRunning(ctx context.Context, client *Client, id string, timeout time.Duration) bool {
	if id == m.local {
		return true
	}
	if _, ok := m.Node(id); !ok {
		return false
	}

	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	return client.Ping(ctx, id) == nil
}

// Result holds one node's fan-out outcome.
type Result[T any] struct {
	Value T
	Err   error
}

// FanOut invokes fn for every node concurrently, bounding each call by
// perNodeTimeout, and collects all outcomes. It never fails the whole query
// because one node is slow or unreachable; callers inspect per-node errors.
func FanOut[T any](ctx context.Context, nodes []string, perNodeTimeout time.Duration, fn func(context.Context, string) (T, error)) map[string]Result[T] {
	type keyed struct {
		node string
		res  Result[T]
	}

	ch := make(chan keyed, len(nodes))
	for _, node := range nodes {
		go func(node string) {
			callCtx, cancel := context.WithTimeout(ctx, perNodeTimeout)
			defer cancel()

			v, err := fn(callCtx, node)
			ch <- keyed{node: node, res: Result[T]{Value: v, Err: err}}
		}(node)
	}

	results := make(map[string]Result[T], len(nodes))
	for range nodes {
		k := <-ch
		results[k.node] = k.res
	}
	return results
}
