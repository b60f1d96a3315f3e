// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package cluster

import (
	"context"
	"encoding/json"
	"errors"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeHandler struct {
	started        []string
	stopped        []string
	evicted        []string
	metricsEvicted []string
	stats          map[string]GroupStats
	submitErr      error
	effects        map[string]json.RawMessage
}

func (f *fakeHandler) StartReplica(_ context.Context, group string) error {
	f.started = append(f.started, group)
	return nil
}

func (f *fakeHandler) StopReplica(_ context.Context, group string) (bool, error) {
	f.stopped = append(f.stopped, group)
	return group == "running-group", nil
}

func (f *fakeHandler) EvictReplica(_ context.Context, group string) error {
	f.evicted = append(f.evicted, group)
	return nil
}

func (f *fakeHandler) GroupStats(_ context.Context, group string) (GroupStats, error) {
	stats, ok := f.stats[group]
	if !ok {
		return GroupStats{}, errors.New("no such group")
	}
	return stats, nil
}

func (f *fakeHandler) SubmitCommand(_ context.Context, group string, cmd json.RawMessage) (json.RawMessage, error) {
	if f.submitErr != nil {
		return nil, f.submitErr
	}
	return cmd, nil
}

func (f *fakeHandler) DeliverEffects(_ context.Context, queue string, effects json.RawMessage) error {
	if f.effects == nil {
		f.effects = make(map[string]json.RawMessage)
	}
	f.effects[queue] = effects
	return nil
}

func (f *fakeHandler) AddGroupMember(_ context.Context, group, nodeID, _ string) error {
	f.started = append(f.started, group+"+"+nodeID)
	return nil
}

func (f *fakeHandler) RemoveGroupMember(_ context.Context, group, nodeID string) error {
	f.stopped = append(f.stopped, group+"-"+nodeID)
	return nil
}

func (f *fakeHandler) EvictQueueMetrics(_ context.Context, queue string) error {
	f.metricsEvicted = append(f.metricsEvicted, queue)
	return nil
}

func newTestPeer(t *testing.T, handler Handler) (*Client, string) {
	t.Helper()

	srv := NewServer("127.0.0.1:0", handler, nil)
	ts := httptest.NewServer(srv.Handler())
	t.Cleanup(ts.Close)

	addr := ts.Listener.Addr().String()
	membership := NewMembership("node-1", []Node{
		{ID: "node-1", TransportAddr: "127.0.0.1:1"},
		{ID: "node-2", TransportAddr: addr},
	})
	return NewClient(membership, 5*time.Second, nil), addr
}

func TestClientPing(t *testing.T) {
	client, _ := newTestPeer(t, &fakeHandler{})
	assert.NoError(t, client.Ping(context.Background(), "node-2"))
	assert.ErrorIs(t, client.Ping(context.Background(), "node-9"), ErrUnknownNode)
}

func TestClientReplicaLifecycle(t *testing.T) {
	handler := &fakeHandler{}
	client, _ := newTestPeer(t, handler)
	ctx := context.Background()

	require.NoError(t, client.StartReplica(ctx, "node-2", "orders-a1b2"))
	assert.Equal(t, []string{"orders-a1b2"}, handler.started)

	exited, err := client.StopReplica(ctx, "node-2", "running-group")
	require.NoError(t, err)
	assert.True(t, exited)

	exited, err = client.StopReplica(ctx, "node-2", "idle-group")
	require.NoError(t, err)
	assert.False(t, exited)

	require.NoError(t, client.EvictReplica(ctx, "node-2", "orders-a1b2"))
	assert.Equal(t, []string{"orders-a1b2"}, handler.evicted)

	require.NoError(t, client.EvictQueueMetrics(ctx, "node-2", "vhost/orders"))
	assert.Equal(t, []string{"vhost/orders"}, handler.metricsEvicted)
}

func TestClientGroupStats(t *testing.T) {
	handler := &fakeHandler{stats: map[string]GroupStats{
		"orders-a1b2": {State: "running", Leader: "node-2", Ready: 7, Consumers: 2},
	}}
	client, _ := newTestPeer(t, handler)

	stats, err := client.GroupStats(context.Background(), "node-2", "orders-a1b2")
	require.NoError(t, err)
	assert.Equal(t, uint64(7), stats.Ready)
	assert.Equal(t, "node-2", stats.Leader)

	_, err = client.GroupStats(context.Background(), "node-2", "missing")
	assert.Error(t, err)
}

func TestClientSubmitCommand(t *testing.T) {
	handler := &fakeHandler{}
	client, _ := newTestPeer(t, handler)

	cmd := json.RawMessage(`{"type":1}`)
	result, err := client.SubmitCommand(context.Background(), "node-2", "orders-a1b2", cmd)
	require.NoError(t, err)
	assert.JSONEq(t, `{"type":1}`, string(result))

	handler.submitErr = errors.New("not leader")
	_, err = client.SubmitCommand(context.Background(), "node-2", "orders-a1b2", cmd)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "not leader")
}

func TestClientDeliverEffects(t *testing.T) {
	handler := &fakeHandler{}
	client, _ := newTestPeer(t, handler)

	effects := json.RawMessage(`[{"type":2}]`)
	require.NoError(t, client.DeliverEffects(context.Background(), "node-2", "vhost/orders", effects))
	assert.JSONEq(t, `[{"type":2}]`, string(handler.effects["vhost/orders"]))
}

func TestMembershipRunningNodes(t *testing.T) {
	client, _ := newTestPeer(t, &fakeHandler{})

	membership := client.membership
	running := membership.RunningNodeIDs(context.Background(), client, time.Second)

	// node-1 is local (always running), node-2 answers over HTTP.
	assert.ElementsMatch(t, []string{"node-1", "node-2"}, running)
}

func TestBreakerOpensAfterFailures(t *testing.T) {
	membership := NewMembership("node-1", []Node{
		{ID: "node-2", TransportAddr: "127.0.0.1:1"}, // nothing listens here
	})
	client := NewClient(membership, 200*time.Millisecond, nil)

	for i := 0; i < 6; i++ {
		_ = client.Ping(context.Background(), "node-2")
	}

	err := client.Ping(context.Background(), "node-2")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "circuit breaker is open")
}
