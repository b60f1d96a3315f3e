// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package queue

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/chorusmq/chorusmq/catalog"
	"github.com/chorusmq/chorusmq/cluster"
	"github.com/chorusmq/chorusmq/events"
	"github.com/chorusmq/chorusmq/metrics"
	qraft "github.com/chorusmq/chorusmq/queue/raft"
)

// Queue argument keys understood by the control plane.
const (
	ArgGroupSize            = "x-quorum-group-size"
	ArgMessageTTL           = "x-message-ttl"
	ArgDeadLetterExchange   = "x-dead-letter-exchange"
	ArgDeadLetterRoutingKey = "x-dead-letter-routing-key"
)

var (
	// ErrQueueNotFound is returned when a queue is not in the catalog.
	ErrQueueNotFound = errors.New("queue not found")
	// ErrArgumentMismatch is returned when a declare does not match the
	// existing queue's durable settings or arguments.
	ErrArgumentMismatch = errors.New("queue exists with different settings")
	// ErrInvalidDeclare rejects declarations incompatible with replicated
	// queues: they are always durable, never exclusive, never auto-delete.
	ErrInvalidDeclare = errors.New("replicated queues must be durable, non-exclusive and not auto-delete")
	// ErrNotLeader is returned when an operation needs the group leader and
	// no leader could be reached.
	ErrNotLeader = errors.New("not the group leader")
	// ErrQueueInUse rejects a conditional delete of a queue with consumers.
	ErrQueueInUse = errors.New("queue has consumers")
	// ErrQueueNotEmpty rejects a conditional delete of a non-empty queue.
	ErrQueueNotEmpty = errors.New("queue is not empty")
	// ErrBackpressure is returned to publishers while the queue is over its
	// soft depth limit.
	ErrBackpressure = errors.New("queue over soft limit, publishing blocked")
	// ErrUnknownNode is returned for membership changes naming a node that
	// is not part of the cluster.
	ErrUnknownNode = errors.New("unknown node")
	// ErrAlreadyMember is returned when adding a node that already hosts a
	// replica of the group.
	ErrAlreadyMember = errors.New("node is already a group member")
	// ErrNotMember is returned when removing a node that hosts no replica.
	ErrNotMember = errors.New("node is not a group member")
	// ErrNoQuorum is returned when too few members acknowledged a
	// cluster-wide operation.
	ErrNoQuorum = errors.New("operation not acknowledged by a majority of members")
)

// ManagerConfig holds the queue manager settings for this node.
type ManagerConfig struct {
	NodeID           string
	DefaultGroupSize int
	DeleteTimeout    time.Duration
	StatusTimeout    time.Duration
	PeerTimeout      time.Duration
	StatsInterval    time.Duration
	SoftLimit        uint64
	LeaderWorkers    int
}

// Manager orchestrates queue lifecycle, command routing and leader duties on
// one broker node.
type Manager struct {
	cfg        ManagerConfig
	catalog    catalog.Catalog
	registry   *qraft.Registry
	membership *cluster.Membership
	peers      *cluster.Client
	sessions   *SessionRegistry
	dead       *DeadLetterer
	metrics    *metrics.Store
	bus        *events.Bus
	logger     *slog.Logger

	lockMu sync.Mutex
	locks  map[string]*sync.Mutex

	leaderJobs chan func()
	stopCh     chan struct{}
	wg         sync.WaitGroup

	sendMu  sync.Mutex
	senders map[string]chan effectBatch
}

// NewManager creates a queue manager. Call Start before use.
func NewManager(
	cfg ManagerConfig,
	cat catalog.Catalog,
	registry *qraft.Registry,
	membership *cluster.Membership,
	peers *cluster.Client,
	dead *DeadLetterer,
	store *metrics.Store,
	bus *events.Bus,
	logger *slog.Logger,
) *Manager {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.DefaultGroupSize < 1 {
		cfg.DefaultGroupSize = 3
	}
	if cfg.DeleteTimeout == 0 {
		cfg.DeleteTimeout = 15 * time.Second
	}
	if cfg.StatusTimeout == 0 {
		cfg.StatusTimeout = 5 * time.Second
	}
	if cfg.PeerTimeout == 0 {
		cfg.PeerTimeout = 10 * time.Second
	}
	if cfg.LeaderWorkers < 1 {
		cfg.LeaderWorkers = 8
	}

	m := &Manager{
		cfg:        cfg,
		catalog:    cat,
		registry:   registry,
		membership: membership,
		peers:      peers,
		dead:       dead,
		metrics:    store,
		bus:        bus,
		logger:     logger,
		locks:      make(map[string]*sync.Mutex),
		leaderJobs: make(chan func(), 256),
		stopCh:     make(chan struct{}),
		senders:    make(map[string]chan effectBatch),
	}
	m.sessions = NewSessionRegistry(m, logger)
	return m
}

// Sessions returns the session registry for attaching clients.
func (m *Manager) Sessions() *SessionRegistry {
	return m.sessions
}

// Start launches the leader worker pool and the periodic stats loop.
func (m *Manager) Start() {
	for i := 0; i < m.cfg.LeaderWorkers; i++ {
		m.wg.Add(1)
		go m.leaderWorker()
	}

	if m.cfg.StatsInterval > 0 {
		m.wg.Add(1)
		go m.statsLoop()
	}

	m.logger.Info("queue manager started",
		slog.String("node_id", m.cfg.NodeID),
		slog.Int("leader_workers", m.cfg.LeaderWorkers))
}

// Close stops background work and shuts down all local replicas.
func (m *Manager) Close() error {
	close(m.stopCh)
	m.wg.Wait()
	return m.registry.Close()
}

// queueKey is the session- and metrics-facing identifier for a queue.
func queueKey(vhost, name string) string {
	return vhost + "/" + name
}

// splitQueueKey recovers the vhost and name from a queue key.
func splitQueueKey(key string) (vhost, name string) {
	idx := strings.LastIndex(key, "/")
	if idx < 0 {
		return "", key
	}
	return key[:idx], key[idx+1:]
}

// lockQueue serializes lifecycle and membership changes per queue.
func (m *Manager) lockQueue(key string) func() {
	m.lockMu.Lock()
	l, ok := m.locks[key]
	if !ok {
		l = &sync.Mutex{}
		m.locks[key] = l
	}
	m.lockMu.Unlock()

	l.Lock()
	return l.Unlock
}

// groupSize resolves the requested group size from queue arguments, clamped
// to the cluster size on the high end.
func (m *Manager) groupSize(args map[string]string) int {
	size := m.cfg.DefaultGroupSize
	if raw, ok := args[ArgGroupSize]; ok {
		if n, err := strconv.Atoi(raw); err == nil && n >= 1 {
			size = n
		}
	}
	if max := len(m.membership.NodeIDs()); size > max {
		size = max
	}
	return size
}

// messageTTL resolves the per-message TTL from queue arguments.
func messageTTL(args map[string]string) (time.Duration, bool) {
	raw, ok := args[ArgMessageTTL]
	if !ok {
		return 0, false
	}
	ms, err := strconv.ParseInt(raw, 10, 64)
	if err != nil || ms < 0 {
		return 0, false
	}
	return time.Duration(ms) * time.Millisecond, true
}

// lookup fetches the catalog record, translating catalog absence into the
// queue-level sentinel.
func (m *Manager) lookup(ctx context.Context, vhost, name string) (*catalog.QueueRecord, error) {
	rec, err := m.catalog.Lookup(ctx, vhost, name)
	if errors.Is(err, catalog.ErrNotFound) {
		return nil, fmt.Errorf("%w: %s", ErrQueueNotFound, queueKey(vhost, name))
	}
	return rec, err
}

func (m *Manager) consensusAddr(nodeID, group string) (string, error) {
	node, ok := m.membership.Node(nodeID)
	if !ok {
		return "", fmt.Errorf("%w: %s", ErrUnknownNode, nodeID)
	}
	return qraft.GroupAddr(node.RaftAddr, group)
}

func (m *Manager) leaderWorker() {
	defer m.wg.Done()

	for {
		select {
		case <-m.stopCh:
			return
		case job := <-m.leaderJobs:
			job()
		}
	}
}

// statsLoop periodically publishes stats for the groups this node leads and
// refreshes the local metrics store.
func (m *Manager) statsLoop() {
	defer m.wg.Done()

	ticker := time.NewTicker(m.cfg.StatsInterval)
	defer ticker.Stop()

	for {
		select {
		case <-m.stopCh:
			return
		case <-ticker.C:
			m.publishStats()
		}
	}
}

func (m *Manager) publishStats() {
	for _, group := range m.registry.Running() {
		replica, ok := m.registry.Get(group)
		if !ok || !replica.IsLeader() {
			continue
		}

		vhost, name, err := ParseGroupName(group)
		if err != nil {
			continue
		}

		ready, unsettled, consumers := replica.Counts()
		key := queueKey(vhost, name)
		m.metrics.SetStats(key, metrics.QueueStats{
			Ready:     ready,
			Unacked:   unsettled,
			Consumers: consumers,
		})
		m.bus.Publish(events.QueueStats{
			VHost:     vhost,
			Queue:     name,
			Ready:     ready,
			Unacked:   unsettled,
			Consumers: consumers,
		})
	}
}
