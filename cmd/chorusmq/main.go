// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package main

import (
	"context"
	"flag"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/chorusmq/chorusmq/catalog"
	"github.com/chorusmq/chorusmq/cluster"
	"github.com/chorusmq/chorusmq/config"
	"github.com/chorusmq/chorusmq/events"
	"github.com/chorusmq/chorusmq/metrics"
	"github.com/chorusmq/chorusmq/queue"
	qraft "github.com/chorusmq/chorusmq/queue/raft"
	"github.com/chorusmq/chorusmq/routing"
)

func main() {
	configFile := flag.String("config", "", "Path to configuration file")
	flag.Parse()

	cfg, err := config.Load(*configFile)
	if err != nil {
		slog.Error("Failed to load configuration", "error", err)
		os.Exit(1)
	}

	logLevel := slog.LevelInfo
	switch cfg.Log.Level {
	case "debug":
		logLevel = slog.LevelDebug
	case "warn":
		logLevel = slog.LevelWarn
	case "error":
		logLevel = slog.LevelError
	}

	var handler slog.Handler
	if cfg.Log.Format == "json" {
		handler = slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: logLevel})
	} else {
		handler = slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: logLevel})
	}
	logger := slog.New(handler)
	slog.SetDefault(logger)

	slog.Info("Starting chorusmq broker",
		"node_id", cfg.Node.ID,
		"consensus_addr", cfg.Consensus.BindAddr,
		"cluster_addr", cfg.Cluster.BindAddr,
		"log_level", cfg.Log.Level)

	nodes := []cluster.Node{{
		ID:            cfg.Node.ID,
		TransportAddr: cfg.Cluster.BindAddr,
		RaftAddr:      cfg.Consensus.BindAddr,
	}}
	for _, p := range cfg.Cluster.Peers {
		nodes = append(nodes, cluster.Node{
			ID:            p.ID,
			TransportAddr: p.TransportAddr,
			RaftAddr:      p.ConsensusAddr,
		})
	}
	membership := cluster.NewMembership(cfg.Node.ID, nodes)
	peers := cluster.NewClient(membership, cfg.Cluster.PeerTimeout, logger)

	cat, err := catalog.NewEtcdCatalog(catalog.EtcdConfig{
		Endpoints:   cfg.Catalog.Endpoints,
		DialTimeout: cfg.Catalog.DialTimeout,
	}, logger)
	if err != nil {
		slog.Error("Failed to connect to catalog", "error", err)
		os.Exit(1)
	}
	defer cat.Close()

	registry := qraft.NewRegistry(qraft.RegistryConfig{
		NodeID:            cfg.Node.ID,
		DataDir:           cfg.Node.DataDir,
		BindAddr:          cfg.Consensus.BindAddr,
		ApplyTimeout:      cfg.Consensus.ApplyTimeout,
		HeartbeatTimeout:  cfg.Consensus.HeartbeatTimeout,
		ElectionTimeout:   cfg.Consensus.ElectionTimeout,
		SnapshotInterval:  cfg.Consensus.SnapshotInterval,
		SnapshotThreshold: cfg.Consensus.SnapshotThreshold,
		Logger:            logger,
	})

	store, err := metrics.NewStore()
	if err != nil {
		slog.Error("Failed to initialize metrics", "error", err)
		os.Exit(1)
	}

	bus := events.NewBus(cfg.Node.ID, logger)
	router := routing.NewMemoryRouter()
	dead := queue.NewDeadLetterer(router, cfg.DeadLetter.RatePerSecond, cfg.DeadLetter.Burst, logger)

	manager := queue.NewManager(queue.ManagerConfig{
		NodeID:           cfg.Node.ID,
		DefaultGroupSize: cfg.Queue.DefaultGroupSize,
		DeleteTimeout:    cfg.Queue.DeleteTimeout,
		StatusTimeout:    cfg.Queue.StatusTimeout,
		PeerTimeout:      cfg.Cluster.PeerTimeout,
		StatsInterval:    cfg.Queue.StatsInterval,
		SoftLimit:        cfg.Queue.SoftLimit,
		LeaderWorkers:    cfg.Queue.LeaderWorkers,
	}, cat, registry, membership, peers, dead, store, bus, logger)
	manager.Start()

	server := cluster.NewServer(cfg.Cluster.BindAddr, manager, logger)
	serverErr := make(chan error, 1)
	go func() {
		if err := server.ListenAndServe(); err != nil {
			serverErr <- err
		}
	}()

	// Resume the queues this node hosted before the last shutdown.
	recoverCtx, recoverCancel := context.WithTimeout(context.Background(), 60*time.Second)
	if err := manager.RecoverAll(recoverCtx); err != nil {
		slog.Warn("Some queues did not recover", "error", err)
	}
	recoverCancel()

	slog.Info("Broker started successfully")

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)

	select {
	case sig := <-sigChan:
		slog.Info("Received shutdown signal", "signal", sig)
	case err := <-serverErr:
		slog.Error("Peer transport error", "error", err)
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		slog.Error("Peer transport shutdown error", "error", err)
	}
	if _, err := manager.StopLocal(shutdownCtx, ""); err != nil {
		slog.Warn("Local replica sweep failed", "error", err)
	}
	if err := manager.Close(); err != nil {
		slog.Error("Queue manager shutdown error", "error", err)
	}

	slog.Info("Broker stopped")
}
