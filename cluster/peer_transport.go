// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package cluster

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"sync"
	"time"

	"github.com/sony/gobreaker"
)

// ErrUnknownNode is returned when a peer ID is not in the membership view.
var ErrUnknownNode = errors.New("unknown node")

// GroupStats is one node's local view of a queue group.
type GroupStats struct {
	State     string            `json:"state"`
	Leader    string            `json:"leader,omitempty"`
	Ready     uint64            `json:"ready"`
	Unsettled uint64            `json:"unsettled"`
	Consumers uint64            `json:"consumers"`
	// StorageBytes is the replica's on-disk footprint on the probed node.
	StorageBytes uint64            `json:"storage_bytes,omitempty"`
	Raft         map[string]string `json:"raft,omitempty"`
}

// Handler is the node-local service behind the peer transport. Commands and
// effects travel as raw JSON so the transport stays decoupled from the queue
// state machine types.
type Handler interface {
	StartReplica(ctx context.Context, group string) error
	// StopReplica stops the local replica and reports whether it had been
	// running before the call.
	StopReplica(ctx context.Context, group string) (bool, error)
	EvictReplica(ctx context.Context, group string) error
	GroupStats(ctx context.Context, group string) (GroupStats, error)
	// SubmitCommand proposes a command to a group this node leads.
	SubmitCommand(ctx context.Context, group string, cmd json.RawMessage) (json.RawMessage, error)
	// DeliverEffects hands leader-side effects to the sessions on this node.
	DeliverEffects(ctx context.Context, queue string, effects json.RawMessage) error
	// AddGroupMember adds a voter to a group this node leads.
	AddGroupMember(ctx context.Context, group, nodeID, addr string) error
	// RemoveGroupMember removes a member from a group this node leads.
	RemoveGroupMember(ctx context.Context, group, nodeID string) error
	// EvictQueueMetrics drops this node's cached counters for a queue.
	EvictQueueMetrics(ctx context.Context, queue string) error
}

type memberRequest struct {
	Group  string `json:"group"`
	NodeID string `json:"node_id"`
	Addr   string `json:"addr,omitempty"`
}

type groupRequest struct {
	Group string `json:"group"`
}

type queueRequest struct {
	Queue string `json:"queue"`
}

type stopResponse struct {
	Exited bool `json:"exited"`
}

type submitRequest struct {
	Group   string          `json:"group"`
	Command json.RawMessage `json:"command"`
}

type submitResponse struct {
	Result json.RawMessage `json:"result"`
}

type effectsRequest struct {
	Queue   string          `json:"queue"`
	Effects json.RawMessage `json:"effects"`
}

type errorResponse struct {
	Error string `json:"error"`
}

// Server exposes the peer API over HTTP.
type Server struct {
	handler Handler
	logger  *slog.Logger
	srv     *http.Server
}

// NewServer creates a peer transport server bound to addr.
func NewServer(addr string, handler Handler, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}

	s := &Server{handler: handler, logger: logger}

	mux := http.NewServeMux()
	mux.HandleFunc("GET /v1/ping", s.handlePing)
	mux.HandleFunc("POST /v1/replicas/start", s.handleStart)
	mux.HandleFunc("POST /v1/replicas/stop", s.handleStop)
	mux.HandleFunc("POST /v1/replicas/evict", s.handleEvict)
	mux.HandleFunc("GET /v1/groups/stats", s.handleStats)
	mux.HandleFunc("POST /v1/groups/submit", s.handleSubmit)
	mux.HandleFunc("POST /v1/effects", s.handleEffects)
	mux.HandleFunc("POST /v1/groups/members/add", s.handleAddMember)
	mux.HandleFunc("POST /v1/groups/members/remove", s.handleRemoveMember)
	mux.HandleFunc("POST /v1/metrics/evict", s.handleEvictMetrics)

	s.srv = &http.Server{
		Addr:              addr,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}
	return s
}

// Handler exposes the server's route table for embedding in another server.
func (s *Server) Handler() http.Handler {
	return s.srv.Handler
}

// ListenAndServe starts serving. Blocks until the server stops.
func (s *Server) ListenAndServe() error {
	s.logger.Info("peer transport listening", slog.String("addr", s.srv.Addr))
	if err := s.srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return err
	}
	return nil
}

// Shutdown stops the server gracefully.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.srv.Shutdown(ctx)
}

func (s *Server) handlePing(w http.ResponseWriter, _ *http.Request) {
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleStart(w http.ResponseWriter, r *http.Request) {
	var req groupRequest
	if !decode(w, r, &req) {
		return
	}
	if err := s.handler.StartReplica(r.Context(), req.Group); err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleStop(w http.ResponseWriter, r *http.Request) {
	var req groupRequest
	if !decode(w, r, &req) {
		return
	}
	exited, err := s.handler.StopReplica(r.Context(), req.Group)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	writeJSON(w, http.StatusOK, stopResponse{Exited: exited})
}

func (s *Server) handleEvict(w http.ResponseWriter, r *http.Request) {
	var req groupRequest
	if !decode(w, r, &req) {
		return
	}
	if err := s.handler.EvictReplica(r.Context(), req.Group); err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleStats(w http.ResponseWriter, r *http.Request) {
	group := r.URL.Query().Get("group")
	if group == "" {
		writeError(w, http.StatusBadRequest, errors.New("missing group parameter"))
		return
	}
	stats, err := s.handler.GroupStats(r.Context(), group)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	writeJSON(w, http.StatusOK, stats)
}

func (s *Server) handleSubmit(w http.ResponseWriter, r *http.Request) {
	var req submitRequest
	if !decode(w, r, &req) {
		return
	}
	result, err := s.handler.SubmitCommand(r.Context(), req.Group, req.Command)
	if err != nil {
		writeError(w, http.StatusConflict, err)
		return
	}
	writeJSON(w, http.StatusOK, submitResponse{Result: result})
}

func (s *Server) handleEffects(w http.ResponseWriter, r *http.Request) {
	var req effectsRequest
	if !decode(w, r, &req) {
		return
	}
	if err := s.handler.DeliverEffects(r.Context(), req.Queue, req.Effects); err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleAddMember(w http.ResponseWriter, r *http.Request) {
	var req memberRequest
	if !decode(w, r, &req) {
		return
	}
	if err := s.handler.AddGroupMember(r.Context(), req.Group, req.NodeID, req.Addr); err != nil {
		writeError(w, http.StatusConflict, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleRemoveMember(w http.ResponseWriter, r *http.Request) {
	var req memberRequest
	if !decode(w, r, &req) {
		return
	}
	if err := s.handler.RemoveGroupMember(r.Context(), req.Group, req.NodeID); err != nil {
		writeError(w, http.StatusConflict, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleEvictMetrics(w http.ResponseWriter, r *http.Request) {
	var req queueRequest
	if !decode(w, r, &req) {
		return
	}
	if err := s.handler.EvictQueueMetrics(r.Context(), req.Queue); err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func decode(w http.ResponseWriter, r *http.Request, v any) bool {
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		writeError(w, http.StatusBadRequest, fmt.Errorf("invalid request body: %w", err))
		return false
	}
	return true
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, err error) {
	writeJSON(w, status, errorResponse{Error: err.Error()})
}

// Client calls the peer API on remote nodes, guarding each peer with its own
// circuit breaker so one dead node does not slow every operation down.
type Client struct {
	membership *Membership
	httpc      *http.Client
	logger     *slog.Logger

	mu       sync.Mutex
	breakers map[string]*gobreaker.CircuitBreaker
}

// NewClient creates a peer API client over the given membership view.
func NewClient(membership *Membership, timeout time.Duration, logger *slog.Logger) *Client {
	if logger == nil {
		logger = slog.Default()
	}
	if timeout == 0 {
		timeout = 10 * time.Second
	}
	return &Client{
		membership: membership,
		httpc:      &http.Client{Timeout: timeout},
		logger:     logger,
		breakers:   make(map[string]*gobreaker.CircuitBreaker),
	}
}

func (c *Client) breaker(nodeID string) *gobreaker.CircuitBreaker {
	c.mu.Lock()
	defer c.mu.Unlock()

	if cb, ok := c.breakers[nodeID]; ok {
		return cb
	}

	cb := gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        nodeID,
		MaxRequests: 1,
		Timeout:     10 * time.Second,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= 5
		},
		OnStateChange: func(name string, from gobreaker.State, to gobreaker.State) {
			c.logger.Warn("peer circuit breaker state changed",
				slog.String("peer", name),
				slog.String("from", from.String()),
				slog.String("to", to.String()))
		},
	})
	c.breakers[nodeID] = cb
	return cb
}

// do performs one JSON request against a peer through its breaker. A nil out
// skips response decoding.
func (c *Client) do(ctx context.Context, nodeID, method, path string, in, out any) error {
	node, ok := c.membership.Node(nodeID)
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownNode, nodeID)
	}

	_, err := c.breaker(nodeID).Execute(func() (interface{}, error) {
		var body io.Reader
		if in != nil {
			data, err := json.Marshal(in)
			if err != nil {
				return nil, fmt.Errorf("failed to marshal request: %w", err)
			}
			body = bytes.NewReader(data)
		}

		url := fmt.Sprintf("http://%s%s", node.TransportAddr, path)
		req, err := http.NewRequestWithContext(ctx, method, url, body)
		if err != nil {
			return nil, err
		}
		if in != nil {
			req.Header.Set("Content-Type", "application/json")
		}

		resp, err := c.httpc.Do(req)
		if err != nil {
			return nil, err
		}
		defer resp.Body.Close()

		if resp.StatusCode >= 400 {
			var errResp errorResponse
			if json.NewDecoder(resp.Body).Decode(&errResp) == nil && errResp.Error != "" {
				return nil, fmt.Errorf("peer %s: %s", nodeID, errResp.Error)
			}
			return nil, fmt.Errorf("peer %s: unexpected status %d", nodeID, resp.StatusCode)
		}

		if out != nil {
			if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
				return nil, fmt.Errorf("failed to decode response: %w", err)
			}
		}
		return nil, nil
	})
	return err
}

// Ping probes a peer for liveness.
func (c *Client) Ping(ctx context.Context, nodeID string) error {
	return c.do(ctx, nodeID, http.MethodGet, "/v1/ping", nil, nil)
}

// StartReplica asks a peer to start its replica of a group.
func (c *Client) StartReplica(ctx context.Context, nodeID, group string) error {
	return c.do(ctx, nodeID, http.MethodPost, "/v1/replicas/start", groupRequest{Group: group}, nil)
}

// StopReplica asks a peer to stop its replica of a group, reporting whether
// the replica had been running.
func (c *Client) StopReplica(ctx context.Context, nodeID, group string) (bool, error) {
	var resp stopResponse
	if err := c.do(ctx, nodeID, http.MethodPost, "/v1/replicas/stop", groupRequest{Group: group}, &resp); err != nil {
		return false, err
	}
	return resp.Exited, nil
}

// EvictReplica asks a peer to stop its replica and delete its group data.
func (c *Client) EvictReplica(ctx context.Context, nodeID, group string) error {
	return c.do(ctx, nodeID, http.MethodPost, "/v1/replicas/evict", groupRequest{Group: group}, nil)
}

// GroupStats fetches a peer's local view of a group.
func (c *Client) GroupStats(ctx context.Context, nodeID, group string) (GroupStats, error) {
	var stats GroupStats
	err := c.do(ctx, nodeID, http.MethodGet, "/v1/groups/stats?group="+url.QueryEscape(group), nil, &stats)
	return stats, err
}

// SubmitCommand forwards a command to the node leading a group.
func (c *Client) SubmitCommand(ctx context.Context, nodeID, group string, cmd json.RawMessage) (json.RawMessage, error) {
	var resp submitResponse
	if err := c.do(ctx, nodeID, http.MethodPost, "/v1/groups/submit", submitRequest{Group: group, Command: cmd}, &resp); err != nil {
		return nil, err
	}
	return resp.Result, nil
}

// DeliverEffects forwards leader-side effects to the node owning the
// affected sessions.
func (c *Client) DeliverEffects(ctx context.Context, nodeID, queue string, effects json.RawMessage) error {
	return c.do(ctx, nodeID, http.MethodPost, "/v1/effects", effectsRequest{Queue: queue, Effects: effects}, nil)
}

// AddGroupMember asks the node leading a group to add a voter.
func (c *Client) AddGroupMember(ctx context.Context, leaderID, group, nodeID, addr string) error {
	return c.do(ctx, leaderID, http.MethodPost, "/v1/groups/members/add",
		memberRequest{Group: group, NodeID: nodeID, Addr: addr}, nil)
}

// RemoveGroupMember asks the node leading a group to drop a member.
func (c *Client) RemoveGroupMember(ctx context.Context, leaderID, group, nodeID string) error {
	return c.do(ctx, leaderID, http.MethodPost, "/v1/groups/members/remove",
		memberRequest{Group: group, NodeID: nodeID}, nil)
}

// EvictQueueMetrics asks a peer to drop its cached counters for a queue.
func (c *Client) EvictQueueMetrics(ctx context.Context, nodeID, queue string) error {
	return c.do(ctx, nodeID, http.MethodPost, "/v1/metrics/evict", queueRequest{Queue: queue}, nil)
}
