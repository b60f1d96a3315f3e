// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package raft

import (
	"testing"

	"github.com/dgraph-io/badger/v4"
	"github.com/hashicorp/raft"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func openTestDB(t *testing.T) *badger.DB {
	t.Helper()

	opts := badger.DefaultOptions(t.TempDir()).WithLogger(nil)
	db, err := badger.Open(opts)
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	return db
}

func TestLogStoreRoundTrip(t *testing.T) {
	db := openTestDB(t)
	store := NewBadgerLogStore(db, "orders-a1b2")

	first, err := store.FirstIndex()
	require.NoError(t, err)
	assert.Equal(t, uint64(0), first)

	logs := []*raft.Log{
		{Index: 1, Term: 1, Type: raft.LogCommand, Data: []byte("one")},
		{Index: 2, Term: 1, Type: raft.LogCommand, Data: []byte("two")},
		{Index: 3, Term: 2, Type: raft.LogCommand, Data: []byte("three")},
	}
	require.NoError(t, store.StoreLogs(logs))

	first, err = store.FirstIndex()
	require.NoError(t, err)
	assert.Equal(t, uint64(1), first)

	last, err := store.LastIndex()
	require.NoError(t, err)
	assert.Equal(t, uint64(3), last)

	var out raft.Log
	require.NoError(t, store.GetLog(2, &out))
	assert.Equal(t, []byte("two"), out.Data)
	assert.Equal(t, uint64(1), out.Term)
}

func TestLogStoreDeleteRange(t *testing.T) {
	db := openTestDB(t)
	store := NewBadgerLogStore(db, "orders-a1b2")

	for i := uint64(1); i <= 5; i++ {
		require.NoError(t, store.StoreLog(&raft.Log{Index: i, Term: 1}))
	}

	require.NoError(t, store.DeleteRange(1, 3))

	first, err := store.FirstIndex()
	require.NoError(t, err)
	assert.Equal(t, uint64(4), first)

	var out raft.Log
	err = store.GetLog(2, &out)
	assert.ErrorIs(t, err, raft.ErrLogNotFound)
}

func TestLogStoresAreIsolatedByGroup(t *testing.T) {
	db := openTestDB(t)
	a := NewBadgerLogStore(db, "orders-a1b2")
	b := NewBadgerLogStore(db, "billing-c3d4")

	require.NoError(t, a.StoreLog(&raft.Log{Index: 1, Term: 1, Data: []byte("a")}))

	last, err := b.LastIndex()
	require.NoError(t, err)
	assert.Equal(t, uint64(0), last)
}

func TestStableStoreRoundTrip(t *testing.T) {
	db := openTestDB(t)
	store := NewBadgerStableStore(db, "orders-a1b2")

	_, err := store.Get([]byte("CurrentTerm"))
	assert.ErrorIs(t, err, ErrKeyNotFound)

	require.NoError(t, store.Set([]byte("VotedFor"), []byte("node-1")))
	val, err := store.Get([]byte("VotedFor"))
	require.NoError(t, err)
	assert.Equal(t, []byte("node-1"), val)

	require.NoError(t, store.SetUint64([]byte("CurrentTerm"), 42))
	term, err := store.GetUint64([]byte("CurrentTerm"))
	require.NoError(t, err)
	assert.Equal(t, uint64(42), term)
}
