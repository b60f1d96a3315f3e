// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

// Package catalog provides the durable queue-record catalog shared by all
// broker nodes. The replicated queue layer mutates records only through the
// transactional update API; serializability of per-record updates is the
// catalog's responsibility, not the caller's.
package catalog

import (
	"context"
	"errors"
	"time"
)

var (
	// ErrNotFound is returned when no record exists for the queue name.
	ErrNotFound = errors.New("queue record not found")

	// ErrAlreadyExists is returned by Insert when the name is already claimed.
	ErrAlreadyExists = errors.New("queue record already exists")

	// ErrConflict is returned when a transactional update lost a race and
	// exhausted its retries.
	ErrConflict = errors.New("queue record update conflict")
)

// LifecycleState describes the cluster-wide availability of a queue.
type LifecycleState string

const (
	StateLive       LifecycleState = "live"
	StateRecovering LifecycleState = "recovering"
	StateAbsent     LifecycleState = "absent"
)

// QueueRecord is the durable, cluster-wide metadata for one replicated queue.
type QueueRecord struct {
	VHost     string            `json:"vhost"`
	Name      string            `json:"name"`
	Durable   bool              `json:"durable"`
	AutoDelete bool             `json:"auto_delete"`
	Arguments map[string]string `json:"arguments,omitempty"`

	// Replica group identity.
	GroupName string         `json:"group_name"`
	Leader    string         `json:"leader"` // node ID of the last observed leader
	Members   []string       `json:"members"`
	State     LifecycleState `json:"state"`

	CreatedAt time.Time `json:"created_at"`
}

// HasMember reports whether node currently appears in the member list.
func (r *QueueRecord) HasMember(node string) bool {
	for _, m := range r.Members {
		if m == node {
			return true
		}
	}
	return false
}

// Clone returns a deep copy safe to mutate inside an update transaction.
func (r *QueueRecord) Clone() *QueueRecord {
	cp := *r
	cp.Members = append([]string(nil), r.Members...)
	if r.Arguments != nil {
		cp.Arguments = make(map[string]string, len(r.Arguments))
		for k, v := range r.Arguments {
			cp.Arguments[k] = v
		}
	}
	return &cp
}

// Catalog is the narrow interface the replicated queue layer uses to read and
// mutate queue records. Implementations must provide serializable updates for
// a single record.
type Catalog interface {
	// Lookup returns the record for a vhost-scoped queue name.
	Lookup(ctx context.Context, vhost, name string) (*QueueRecord, error)

	// Insert stores a new record. Returns ErrAlreadyExists if the name is
	// already claimed.
	Insert(ctx context.Context, record *QueueRecord) error

	// Update applies fn to the current record under a read-modify-write
	// transaction and stores the result. fn may be invoked more than once.
	Update(ctx context.Context, vhost, name string, fn func(*QueueRecord) error) (*QueueRecord, error)

	// Delete removes the record. Deleting an absent record is not an error.
	Delete(ctx context.Context, vhost, name string) error

	// ListByNode returns all replicated-queue records whose member list
	// contains the given node.
	ListByNode(ctx context.Context, node string) ([]*QueueRecord, error)
}
