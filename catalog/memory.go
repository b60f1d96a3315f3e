// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package catalog

import (
	"context"
	"sync"
)

// MemoryCatalog is an in-process catalog used for tests and single-node
// deployments. It provides the same serializable per-record update semantics
// as the etcd implementation, via a single mutex.
type MemoryCatalog struct {
	mu      sync.Mutex
	records map[string]*QueueRecord
}

// NewMemoryCatalog creates an empty in-memory catalog.
func NewMemoryCatalog() *MemoryCatalog {
	return &MemoryCatalog{
		records: make(map[string]*QueueRecord),
	}
}

// Lookup returns the record for a vhost-scoped queue name.
func (c *MemoryCatalog) Lookup(_ context.Context, vhost, name string) (*QueueRecord, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	record, ok := c.records[recordKey(vhost, name)]
	if !ok {
		return nil, ErrNotFound
	}
	return record.Clone(), nil
}

// Insert stores a new record, failing if the name is already claimed.
func (c *MemoryCatalog) Insert(_ context.Context, record *QueueRecord) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	key := recordKey(record.VHost, record.Name)
	if _, ok := c.records[key]; ok {
		return ErrAlreadyExists
	}
	c.records[key] = record.Clone()
	return nil
}

// Update applies fn to the current record under the catalog lock.
func (c *MemoryCatalog) Update(_ context.Context, vhost, name string, fn func(*QueueRecord) error) (*QueueRecord, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	key := recordKey(vhost, name)
	record, ok := c.records[key]
	if !ok {
		return nil, ErrNotFound
	}

	updated := record.Clone()
	if err := fn(updated); err != nil {
		return nil, err
	}
	c.records[key] = updated

	return updated.Clone(), nil
}

// Delete removes the record. Missing records are not an error.
func (c *MemoryCatalog) Delete(_ context.Context, vhost, name string) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	delete(c.records, recordKey(vhost, name))
	return nil
}

// ListByNode returns all records whose member list contains node.
func (c *MemoryCatalog) ListByNode(_ context.Context, node string) ([]*QueueRecord, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	var records []*QueueRecord
	for _, record := range c.records {
		if record.HasMember(node) {
			records = append(records, record.Clone())
		}
	}
	return records, nil
}
