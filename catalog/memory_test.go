// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package catalog

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testRecord(name string) *QueueRecord {
	return &QueueRecord{
		VHost:     "/",
		Name:      name,
		Durable:   true,
		GroupName: "cq-" + name,
		Leader:    "node-1",
		Members:   []string{"node-1", "node-2", "node-3"},
		State:     StateLive,
		CreatedAt: time.Now(),
	}
}

func TestMemoryCatalog_InsertLookup(t *testing.T) {
	c := NewMemoryCatalog()
	ctx := context.Background()

	_, err := c.Lookup(ctx, "/", "orders")
	assert.ErrorIs(t, err, ErrNotFound)

	require.NoError(t, c.Insert(ctx, testRecord("orders")))

	got, err := c.Lookup(ctx, "/", "orders")
	require.NoError(t, err)
	assert.Equal(t, "orders", got.Name)
	assert.Equal(t, []string{"node-1", "node-2", "node-3"}, got.Members)

	err = c.Insert(ctx, testRecord("orders"))
	assert.ErrorIs(t, err, ErrAlreadyExists)
}

func TestMemoryCatalog_UpdateIsolation(t *testing.T) {
	c := NewMemoryCatalog()
	ctx := context.Background()

	require.NoError(t, c.Insert(ctx, testRecord("orders")))

	updated, err := c.Update(ctx, "/", "orders", func(r *QueueRecord) error {
		r.Leader = "node-2"
		r.Members = append(r.Members, "node-4")
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, "node-2", updated.Leader)

	// Mutating the returned copy must not leak into the stored record.
	updated.Leader = "node-9"
	got, err := c.Lookup(ctx, "/", "orders")
	require.NoError(t, err)
	assert.Equal(t, "node-2", got.Leader)
	assert.Len(t, got.Members, 4)
}

func TestMemoryCatalog_UpdateMissing(t *testing.T) {
	c := NewMemoryCatalog()

	_, err := c.Update(context.Background(), "/", "ghost", func(r *QueueRecord) error {
		return nil
	})
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestMemoryCatalog_DeleteIdempotent(t *testing.T) {
	c := NewMemoryCatalog()
	ctx := context.Background()

	require.NoError(t, c.Insert(ctx, testRecord("orders")))
	require.NoError(t, c.Delete(ctx, "/", "orders"))
	require.NoError(t, c.Delete(ctx, "/", "orders"))

	_, err := c.Lookup(ctx, "/", "orders")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestMemoryCatalog_ListByNode(t *testing.T) {
	c := NewMemoryCatalog()
	ctx := context.Background()

	a := testRecord("a")
	b := testRecord("b")
	b.Members = []string{"node-7"}
	require.NoError(t, c.Insert(ctx, a))
	require.NoError(t, c.Insert(ctx, b))

	records, err := c.ListByNode(ctx, "node-2")
	require.NoError(t, err)
	require.Len(t, records, 1)
	assert.Equal(t, "a", records[0].Name)

	records, err = c.ListByNode(ctx, "node-7")
	require.NoError(t, err)
	require.Len(t, records, 1)
	assert.Equal(t, "b", records[0].Name)
}
