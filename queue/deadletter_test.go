// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package queue

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/chorusmq/chorusmq/catalog"
	qraft "github.com/chorusmq/chorusmq/queue/raft"
	"github.com/chorusmq/chorusmq/routing"
)

func dlqRecord(args map[string]string) *catalog.QueueRecord {
	return &catalog.QueueRecord{
		VHost:     "/",
		Name:      "jobs",
		Arguments: args,
	}
}

func TestDeadLetterRoutesWithProvenance(t *testing.T) {
	router := routing.NewMemoryRouter("dlx")
	d := NewDeadLetterer(router, 0, 0, nil)

	msgs := []*qraft.Message{
		{ID: 1, Payload: []byte("a"), Props: map[string]string{"content-type": "text/plain"}},
		{ID: 2, Payload: []byte("b")},
	}
	rec := dlqRecord(map[string]string{ArgDeadLetterExchange: "dlx"})

	d.Route(context.Background(), rec, qraft.ReasonExpired, msgs)

	published := router.Published()
	require.Len(t, published, 2)

	first := published[0]
	assert.Equal(t, "dlx", first.Exchange)
	// No explicit routing key falls back to the source queue name.
	assert.Equal(t, "jobs", first.RoutingKey)
	assert.Equal(t, qraft.ReasonExpired, first.Reason)
	assert.Equal(t, "jobs", first.Properties["x-death-queue"])
	assert.Equal(t, qraft.ReasonExpired, first.Properties["x-death-reason"])
	assert.NotEmpty(t, first.Properties["x-death-time"])
	// Original properties survive the republish.
	assert.Equal(t, "text/plain", first.Properties["content-type"])
}

func TestDeadLetterExplicitRoutingKey(t *testing.T) {
	router := routing.NewMemoryRouter("dlx")
	d := NewDeadLetterer(router, 0, 0, nil)

	rec := dlqRecord(map[string]string{
		ArgDeadLetterExchange:   "dlx",
		ArgDeadLetterRoutingKey: "failed.jobs",
	})
	d.Route(context.Background(), rec, qraft.ReasonRejected, []*qraft.Message{{ID: 1}})

	published := router.Published()
	require.Len(t, published, 1)
	assert.Equal(t, "failed.jobs", published[0].RoutingKey)
}

func TestDeadLetterNoTargetDrops(t *testing.T) {
	router := routing.NewMemoryRouter("dlx")
	d := NewDeadLetterer(router, 0, 0, nil)

	d.Route(context.Background(), dlqRecord(nil), qraft.ReasonRejected, []*qraft.Message{{ID: 1}})
	assert.Empty(t, router.Published())
}

func TestDeadLetterMissingExchangeDrops(t *testing.T) {
	router := routing.NewMemoryRouter() // no exchanges declared
	d := NewDeadLetterer(router, 0, 0, nil)

	rec := dlqRecord(map[string]string{ArgDeadLetterExchange: "ghost"})
	d.Route(context.Background(), rec, qraft.ReasonRejected, []*qraft.Message{{ID: 1}})
	assert.Empty(t, router.Published())
}

func TestDeadLetterRespectsCancelledContext(t *testing.T) {
	router := routing.NewMemoryRouter("dlx")
	// One token per hour: the second message must wait, and the cancelled
	// context aborts the wait.
	d := NewDeadLetterer(router, 1.0/3600, 1, nil)

	ctx, cancel := context.WithCancel(context.Background())
	rec := dlqRecord(map[string]string{ArgDeadLetterExchange: "dlx"})

	d.Route(ctx, rec, qraft.ReasonRejected, []*qraft.Message{{ID: 1}})
	require.Len(t, router.Published(), 1)

	cancel()
	d.Route(ctx, rec, qraft.ReasonRejected, []*qraft.Message{{ID: 2}})
	assert.Len(t, router.Published(), 1)
}
