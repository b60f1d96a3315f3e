// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefaultIsValid(t *testing.T) {
	cfg := Default()
	require.NoError(t, cfg.Validate())
	assert.Equal(t, 3, cfg.Queue.DefaultGroupSize)
	assert.Equal(t, "info", cfg.Log.Level)
}

func TestLoadMissingFileReturnsDefaults(t *testing.T) {
	cfg, err := Load(filepath.Join(t.TempDir(), "nope.yaml"))
	require.NoError(t, err)
	assert.Equal(t, Default(), cfg)
}

func TestLoadOverridesDefaults(t *testing.T) {
	data := `
node:
  id: broker-7
  data_dir: /tmp/chorusmq-test
consensus:
  bind_addr: 10.0.0.7:7100
  apply_timeout: 2s
queue:
  default_group_size: 5
cluster:
  peers:
    - id: broker-8
      transport_addr: 10.0.0.8:7948
      consensus_addr: 10.0.0.8:7100
`
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(data), 0o644))

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, "broker-7", cfg.Node.ID)
	assert.Equal(t, 2*time.Second, cfg.Consensus.ApplyTimeout)
	assert.Equal(t, 5, cfg.Queue.DefaultGroupSize)
	// Untouched fields keep their defaults.
	assert.Equal(t, 3*time.Second, cfg.Consensus.ElectionTimeout)
	require.Len(t, cfg.Cluster.Peers, 1)
	assert.Equal(t, "broker-8", cfg.Cluster.Peers[0].ID)
}

func TestValidateRejectsBadValues(t *testing.T) {
	cases := []struct {
		name   string
		mutate func(*Config)
	}{
		{"empty node id", func(c *Config) { c.Node.ID = "" }},
		{"bad consensus addr", func(c *Config) { c.Consensus.BindAddr = "no-port" }},
		{"no catalog endpoints", func(c *Config) { c.Catalog.Endpoints = nil }},
		{"zero group size", func(c *Config) { c.Queue.DefaultGroupSize = 0 }},
		{"bad log level", func(c *Config) { c.Log.Level = "verbose" }},
		{"peer missing addr", func(c *Config) {
			c.Cluster.Peers = []PeerConfig{{ID: "broker-2"}}
		}},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			cfg := Default()
			tc.mutate(cfg)
			assert.Error(t, cfg.Validate())
		})
	}
}

func TestLoadRejectsMalformedYAML(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte("node: [oops"), 0o644))

	_, err := Load(path)
	assert.Error(t, err)
}
