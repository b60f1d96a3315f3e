// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package raft

import (
	"net"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestGroupAddrDeterministic(t *testing.T) {
	a, err := GroupAddr("127.0.0.1:7100", "orders-a1b2")
	require.NoError(t, err)
	b, err := GroupAddr("127.0.0.1:7100", "orders-a1b2")
	require.NoError(t, err)
	assert.Equal(t, a, b)

	// Same group on a different node lands on the same offset.
	c, err := GroupAddr("10.0.0.2:7100", "orders-a1b2")
	require.NoError(t, err)
	_, portA, err := net.SplitHostPort(a)
	require.NoError(t, err)
	host, portC, err := net.SplitHostPort(c)
	require.NoError(t, err)
	assert.Equal(t, "10.0.0.2", host)
	assert.Equal(t, portA, portC)
}

func TestGroupAddrRejectsBadBase(t *testing.T) {
	_, err := GroupAddr("no-port", "orders-a1b2")
	assert.Error(t, err)
}

func TestRegistryState(t *testing.T) {
	dir := t.TempDir()
	reg := NewRegistry(RegistryConfig{
		NodeID:   "node-1",
		DataDir:  dir,
		BindAddr: "127.0.0.1:7100",
	})

	assert.Equal(t, StateAbsent, reg.State("orders-a1b2"))

	// Durable state left behind by a previous run reads as recovering.
	groupDir := filepath.Join(dir, "groups", "orders-a1b2")
	require.NoError(t, os.MkdirAll(groupDir, 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(groupDir, "MANIFEST"), []byte("x"), 0o644))

	assert.Equal(t, StateRecovering, reg.State("orders-a1b2"))
	assert.Equal(t, []string{"orders-a1b2"}, reg.Recoverable())

	require.NoError(t, reg.Evict("orders-a1b2"))
	assert.Equal(t, StateAbsent, reg.State("orders-a1b2"))
	assert.Empty(t, reg.Recoverable())
}

func TestReplicaShutdownStopsLeadershipMonitor(t *testing.T) {
	r, err := NewReplica(ReplicaConfig{
		GroupName: "orders-a1b2",
		NodeID:    "node-1",
		BindAddr:  "127.0.0.1:17890",
		DataDir:   t.TempDir(),
	})
	require.NoError(t, err)

	// Shutdown waits for the leadership monitor, so completing within the
	// deadline means the goroutine exited with the replica.
	done := make(chan struct{})
	go func() {
		r.Shutdown()
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(15 * time.Second):
		t.Fatal("replica shutdown did not complete")
	}
}

func TestRegistryStopUnknownGroup(t *testing.T) {
	reg := NewRegistry(RegistryConfig{
		NodeID:   "node-1",
		DataDir:  t.TempDir(),
		BindAddr: "127.0.0.1:7100",
	})
	assert.NoError(t, reg.Stop("nope"))
	assert.Empty(t, reg.Running())
}
