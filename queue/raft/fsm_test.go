// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package raft

import (
	"bytes"
	"encoding/json"
	"io"
	"testing"
	"time"

	"github.com/hashicorp/raft"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func apply(t *testing.T, f *QueueFSM, cmd Command) *ApplyResult {
	t.Helper()

	if cmd.Timestamp.IsZero() {
		cmd.Timestamp = time.Now()
	}
	data, err := json.Marshal(cmd)
	require.NoError(t, err)

	res, ok := f.Apply(&raft.Log{Data: data}).(*ApplyResult)
	require.True(t, ok)
	return res
}

func effectsOfType(effects []Effect, typ EffectType) []Effect {
	var out []Effect
	for _, e := range effects {
		if e.Type == typ {
			out = append(out, e)
		}
	}
	return out
}

func TestEnqueueConfirm(t *testing.T) {
	f := NewQueueFSM("orders", nil)

	res := apply(t, f, Command{
		Type:      OpEnqueue,
		Token:     "tok-1",
		SessionID: "sess-1",
		NodeID:    "node-1",
		Seq:       7,
		Message:   &Message{Payload: []byte("hello")},
	})
	require.Empty(t, res.Err)
	assert.Equal(t, uint64(1), res.Count)

	confirms := effectsOfType(res.Effects, EffectConfirm)
	require.Len(t, confirms, 1)
	assert.Equal(t, "sess-1", confirms[0].SessionID)
	assert.Equal(t, []uint64{7}, confirms[0].Seqs)

	ready, _, _ := f.Counts()
	assert.Equal(t, uint64(1), ready)
}

func TestEnqueueDuplicateTokenReconfirms(t *testing.T) {
	f := NewQueueFSM("orders", nil)

	cmd := Command{
		Type:      OpEnqueue,
		Token:     "tok-1",
		SessionID: "sess-1",
		Seq:       1,
		Message:   &Message{Payload: []byte("hello")},
	}
	apply(t, f, cmd)
	res := apply(t, f, cmd)

	// The replay does not append a second copy but still confirms.
	require.Len(t, effectsOfType(res.Effects, EffectConfirm), 1)
	ready, _, _ := f.Counts()
	assert.Equal(t, uint64(1), ready)
}

func TestCheckoutDeliversWithinCredit(t *testing.T) {
	f := NewQueueFSM("orders", nil)

	for i := 0; i < 5; i++ {
		apply(t, f, Command{Type: OpEnqueue, Message: &Message{Payload: []byte("m")}})
	}

	res := apply(t, f, Command{
		Type:        OpCheckout,
		SessionID:   "sess-1",
		NodeID:      "node-1",
		ConsumerTag: "ctag-1",
		Prefetch:    3,
	})
	require.Empty(t, res.Err)

	deliveries := effectsOfType(res.Effects, EffectDelivery)
	require.Len(t, deliveries, 3)
	for _, d := range deliveries {
		assert.Equal(t, "ctag-1", d.ConsumerTag)
		assert.False(t, d.Redelivered)
	}

	ready, unsettled, consumers := f.Counts()
	assert.Equal(t, uint64(2), ready)
	assert.Equal(t, uint64(3), unsettled)
	assert.Equal(t, uint64(1), consumers)
}

func TestSettleReturnsCreditAndRedispatches(t *testing.T) {
	f := NewQueueFSM("orders", nil)

	for i := 0; i < 3; i++ {
		apply(t, f, Command{Type: OpEnqueue, Message: &Message{Payload: []byte("m")}})
	}
	res := apply(t, f, Command{Type: OpCheckout, ConsumerTag: "ctag-1", Prefetch: 2})
	deliveries := effectsOfType(res.Effects, EffectDelivery)
	require.Len(t, deliveries, 2)

	res = apply(t, f, Command{
		Type:        OpSettle,
		ConsumerTag: "ctag-1",
		DeliveryIDs: []uint64{deliveries[0].Message.ID},
	})
	require.Empty(t, res.Err)
	assert.Equal(t, uint64(1), res.Count)

	// Settling frees a credit slot, so the third message flows immediately.
	require.Len(t, effectsOfType(res.Effects, EffectDelivery), 1)

	ready, unsettled, _ := f.Counts()
	assert.Equal(t, uint64(0), ready)
	assert.Equal(t, uint64(2), unsettled)
}

func TestReturnRequeuesAsRedelivered(t *testing.T) {
	f := NewQueueFSM("orders", nil)

	apply(t, f, Command{Type: OpEnqueue, Message: &Message{Payload: []byte("m")}})
	res := apply(t, f, Command{Type: OpCheckout, ConsumerTag: "ctag-1", Prefetch: 1})
	deliveries := effectsOfType(res.Effects, EffectDelivery)
	require.Len(t, deliveries, 1)

	res = apply(t, f, Command{
		Type:        OpReturn,
		ConsumerTag: "ctag-1",
		DeliveryIDs: []uint64{deliveries[0].Message.ID},
	})
	require.Empty(t, res.Err)

	deliveries = effectsOfType(res.Effects, EffectDelivery)
	require.Len(t, deliveries, 1)
	assert.True(t, deliveries[0].Redelivered)
}

func TestDiscardDeadLettersOnce(t *testing.T) {
	f := NewQueueFSM("orders", nil)

	apply(t, f, Command{Type: OpEnqueue, Message: &Message{Payload: []byte("m")}})
	res := apply(t, f, Command{Type: OpCheckout, ConsumerTag: "ctag-1", Prefetch: 1})
	id := effectsOfType(res.Effects, EffectDelivery)[0].Message.ID

	discard := Command{
		Type:        OpDiscard,
		Token:       "tok-discard",
		ConsumerTag: "ctag-1",
		DeliveryIDs: []uint64{id},
	}
	res = apply(t, f, discard)
	require.Empty(t, res.Err)
	assert.Equal(t, uint64(1), res.Count)

	letters := effectsOfType(res.Effects, EffectDeadLetter)
	require.Len(t, letters, 1)
	assert.Equal(t, ReasonRejected, letters[0].Reason)
	require.Len(t, letters[0].Messages, 1)

	// A retried discard after a failover must not dead-letter again.
	res = apply(t, f, discard)
	assert.Empty(t, effectsOfType(res.Effects, EffectDeadLetter))
	assert.Equal(t, uint64(0), res.Count)
}

func TestCreditDrain(t *testing.T) {
	f := NewQueueFSM("orders", nil)

	for i := 0; i < 2; i++ {
		apply(t, f, Command{Type: OpEnqueue, Message: &Message{Payload: []byte("m")}})
	}
	apply(t, f, Command{Type: OpCheckout, ConsumerTag: "ctag-1", Prefetch: 1, NoAck: true})

	res := apply(t, f, Command{
		Type:        OpCredit,
		ConsumerTag: "ctag-1",
		Credit:      5,
		Drain:       true,
	})
	require.Empty(t, res.Err)

	// One message was already delivered during checkout; drain delivers the
	// remaining one and then reports the consumer drained.
	assert.Len(t, effectsOfType(res.Effects, EffectDelivery), 1)
	require.Len(t, effectsOfType(res.Effects, EffectDrained), 1)
}

func TestOnceCheckoutEmptyQueue(t *testing.T) {
	f := NewQueueFSM("orders", nil)

	res := apply(t, f, Command{
		Type:        OpCheckout,
		ConsumerTag: "ctag-get",
		Prefetch:    1,
		Once:        true,
	})
	require.Empty(t, res.Err)
	require.Len(t, effectsOfType(res.Effects, EffectEmpty), 1)

	// The one-shot registration does not linger.
	_, _, consumers := f.Counts()
	assert.Equal(t, uint64(0), consumers)
}

func TestOnceCheckoutDeliversSingle(t *testing.T) {
	f := NewQueueFSM("orders", nil)

	for i := 0; i < 2; i++ {
		apply(t, f, Command{Type: OpEnqueue, Message: &Message{Payload: []byte("m")}})
	}

	res := apply(t, f, Command{
		Type:        OpCheckout,
		ConsumerTag: "ctag-get",
		Prefetch:    1,
		NoAck:       true,
		Once:        true,
	})
	require.Len(t, effectsOfType(res.Effects, EffectDelivery), 1)
	assert.Empty(t, effectsOfType(res.Effects, EffectEmpty))

	ready, _, consumers := f.Counts()
	assert.Equal(t, uint64(1), ready)
	assert.Equal(t, uint64(0), consumers)
}

func TestPurgeCountsReadyOnly(t *testing.T) {
	f := NewQueueFSM("orders", nil)

	for i := 0; i < 4; i++ {
		apply(t, f, Command{Type: OpEnqueue, Message: &Message{Payload: []byte("m")}})
	}
	apply(t, f, Command{Type: OpCheckout, ConsumerTag: "ctag-1", Prefetch: 1})

	res := apply(t, f, Command{Type: OpPurge, Token: "tok-purge"})
	require.Empty(t, res.Err)
	assert.Equal(t, uint64(3), res.Count)

	// Replay purges nothing further.
	res = apply(t, f, Command{Type: OpPurge, Token: "tok-purge"})
	assert.Equal(t, uint64(0), res.Count)

	ready, unsettled, _ := f.Counts()
	assert.Equal(t, uint64(0), ready)
	assert.Equal(t, uint64(1), unsettled)
}

func TestExclusiveCheckoutConflicts(t *testing.T) {
	f := NewQueueFSM("orders", nil)

	apply(t, f, Command{Type: OpCheckout, ConsumerTag: "ctag-1", Prefetch: 1})

	res := apply(t, f, Command{Type: OpCheckout, ConsumerTag: "ctag-2", Prefetch: 1, Exclusive: true})
	assert.NotEmpty(t, res.Err)

	f2 := NewQueueFSM("orders", nil)
	apply(t, f2, Command{Type: OpCheckout, ConsumerTag: "ctag-1", Prefetch: 1, Exclusive: true})
	res = apply(t, f2, Command{Type: OpCheckout, ConsumerTag: "ctag-2", Prefetch: 1})
	assert.NotEmpty(t, res.Err)
}

func TestDuplicateConsumerTagRejected(t *testing.T) {
	f := NewQueueFSM("orders", nil)

	apply(t, f, Command{Type: OpCheckout, ConsumerTag: "ctag-1", Prefetch: 1})
	res := apply(t, f, Command{Type: OpCheckout, ConsumerTag: "ctag-1", Prefetch: 1})
	assert.NotEmpty(t, res.Err)
}

func TestAutonomousCancelRequeues(t *testing.T) {
	f := NewQueueFSM("orders", nil)

	apply(t, f, Command{Type: OpEnqueue, Message: &Message{Payload: []byte("m")}})
	apply(t, f, Command{Type: OpCheckout, ConsumerTag: "ctag-1", Prefetch: 1, SessionID: "sess-1"})

	res := apply(t, f, Command{
		Type:        OpCancelConsumer,
		ConsumerTag: "ctag-1",
		Autonomous:  true,
		Reason:      "session closed",
	})
	require.Empty(t, res.Err)

	cancelled := effectsOfType(res.Effects, EffectConsumerCancelled)
	require.Len(t, cancelled, 1)
	assert.Equal(t, "sess-1", cancelled[0].SessionID)
	assert.Equal(t, "session closed", cancelled[0].Reason)

	ready, unsettled, consumers := f.Counts()
	assert.Equal(t, uint64(1), ready)
	assert.Equal(t, uint64(0), unsettled)
	assert.Equal(t, uint64(0), consumers)
}

func TestClientCancelKeepsUnsettled(t *testing.T) {
	f := NewQueueFSM("orders", nil)

	apply(t, f, Command{Type: OpEnqueue, Message: &Message{Payload: []byte("m")}})
	res := apply(t, f, Command{Type: OpCheckout, ConsumerTag: "ctag-1", Prefetch: 1})
	id := effectsOfType(res.Effects, EffectDelivery)[0].Message.ID

	apply(t, f, Command{Type: OpCancelConsumer, ConsumerTag: "ctag-1"})

	_, unsettled, consumers := f.Counts()
	assert.Equal(t, uint64(1), unsettled)
	assert.Equal(t, uint64(0), consumers)

	// The delivery can still be settled against the tombstone.
	res = apply(t, f, Command{Type: OpSettle, ConsumerTag: "ctag-1", DeliveryIDs: []uint64{id}})
	require.Empty(t, res.Err)
	assert.Equal(t, uint64(1), res.Count)

	_, unsettled, _ = f.Counts()
	assert.Equal(t, uint64(0), unsettled)
}

func TestExpiredMessageDeadLettersOnDispatch(t *testing.T) {
	f := NewQueueFSM("orders", nil)

	past := time.Now().Add(-time.Minute)
	apply(t, f, Command{Type: OpEnqueue, Message: &Message{Payload: []byte("stale"), ExpiresAt: past}})
	apply(t, f, Command{Type: OpEnqueue, Message: &Message{Payload: []byte("fresh")}})

	res := apply(t, f, Command{Type: OpCheckout, ConsumerTag: "ctag-1", Prefetch: 1, NoAck: true})

	letters := effectsOfType(res.Effects, EffectDeadLetter)
	require.Len(t, letters, 1)
	assert.Equal(t, ReasonExpired, letters[0].Reason)

	deliveries := effectsOfType(res.Effects, EffectDelivery)
	require.Len(t, deliveries, 1)
	assert.Equal(t, []byte("fresh"), deliveries[0].Message.Payload)
}

func TestSnapshotRestore(t *testing.T) {
	f := NewQueueFSM("orders", nil)

	apply(t, f, Command{Type: OpEnqueue, Token: "tok", Message: &Message{Payload: []byte("m")}})
	apply(t, f, Command{Type: OpEnqueue, Token: "tok-2", Message: &Message{Payload: []byte("m")}})
	apply(t, f, Command{Type: OpCheckout, ConsumerTag: "ctag-1", Prefetch: 1})

	snap, err := f.Snapshot()
	require.NoError(t, err)

	sink := &memorySink{}
	require.NoError(t, snap.Persist(sink))
	snap.Release()

	restored := NewQueueFSM("orders", nil)
	require.NoError(t, restored.Restore(io.NopCloser(bytes.NewReader(sink.buf.Bytes()))))

	ready, unsettled, consumers := restored.Counts()
	assert.Equal(t, uint64(1), ready)
	assert.Equal(t, uint64(1), unsettled)
	assert.Equal(t, uint64(1), consumers)

	// The dedupe ledger survives restore.
	res := apply(t, restored, Command{Type: OpEnqueue, Token: "tok", Message: &Message{Payload: []byte("m")}})
	assert.Equal(t, uint64(0), res.Count)
}

func TestSnapshotRestorePreservesRoundRobinCursor(t *testing.T) {
	f := NewQueueFSM("orders", nil)

	apply(t, f, Command{Type: OpCheckout, ConsumerTag: "ctag-1", Prefetch: 5})
	apply(t, f, Command{Type: OpCheckout, ConsumerTag: "ctag-2", Prefetch: 5})

	// First delivery advances the rotation past ctag-1.
	res := apply(t, f, Command{Type: OpEnqueue, Message: &Message{Payload: []byte("m1")}})
	deliveries := effectsOfType(res.Effects, EffectDelivery)
	require.Len(t, deliveries, 1)
	require.Equal(t, "ctag-1", deliveries[0].ConsumerTag)

	snap, err := f.Snapshot()
	require.NoError(t, err)
	sink := &memorySink{}
	require.NoError(t, snap.Persist(sink))
	snap.Release()

	restored := NewQueueFSM("orders", nil)
	require.NoError(t, restored.Restore(io.NopCloser(bytes.NewReader(sink.buf.Bytes()))))

	// The live replica and the restored one must assign the next message to
	// the same consumer, or their unsettled maps drift apart.
	next := Command{Type: OpEnqueue, Timestamp: time.Now(), Message: &Message{Payload: []byte("m2")}}
	live := effectsOfType(apply(t, f, next).Effects, EffectDelivery)
	rest := effectsOfType(apply(t, restored, next).Effects, EffectDelivery)
	require.Len(t, live, 1)
	require.Len(t, rest, 1)
	assert.Equal(t, "ctag-2", live[0].ConsumerTag)
	assert.Equal(t, live[0].ConsumerTag, rest[0].ConsumerTag)
}

func TestCheckoutRejectedWhileTombstonePending(t *testing.T) {
	f := NewQueueFSM("orders", nil)

	apply(t, f, Command{Type: OpEnqueue, Message: &Message{Payload: []byte("m")}})
	res := apply(t, f, Command{Type: OpCheckout, ConsumerTag: "ctag-1", Prefetch: 1})
	id := effectsOfType(res.Effects, EffectDelivery)[0].Message.ID

	// Client cancel with an unsettled delivery leaves a tombstone.
	apply(t, f, Command{Type: OpCancelConsumer, ConsumerTag: "ctag-1"})

	res = apply(t, f, Command{Type: OpCheckout, ConsumerTag: "ctag-1", Prefetch: 1})
	assert.NotEmpty(t, res.Err)

	_, unsettled, _ := f.Counts()
	assert.Equal(t, uint64(1), unsettled)

	// Once the delivery is settled the tag becomes available again.
	apply(t, f, Command{Type: OpSettle, ConsumerTag: "ctag-1", DeliveryIDs: []uint64{id}})
	res = apply(t, f, Command{Type: OpCheckout, ConsumerTag: "ctag-1", Prefetch: 1})
	require.Empty(t, res.Err)
}

type memorySink struct {
	buf bytes.Buffer
}

func (s *memorySink) Write(p []byte) (int, error) { return s.buf.Write(p) }
func (s *memorySink) Close() error                { return nil }
func (s *memorySink) Cancel() error               { return nil }
func (s *memorySink) ID() string                  { return "memory" }
