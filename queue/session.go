// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package queue

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/chorusmq/chorusmq/events"
	qraft "github.com/chorusmq/chorusmq/queue/raft"
)

// Delivery is one message handed to a session consumer.
type Delivery struct {
	Queue       string // vhost/name key
	ConsumerTag string
	Message     qraft.Message
	Redelivered bool
}

// ConsumeOptions configure a consumer registration.
type ConsumeOptions struct {
	Prefetch  uint32
	NoAck     bool
	Exclusive bool
	Arguments map[string]string
}

type consumerRef struct {
	vhost string
	name  string
	key   string
}

// Session is one client attachment to the queue control plane. Deliveries
// and confirms arrive asynchronously on the session's channels; commands are
// replicated through the queue's consensus group before they take effect.
type Session struct {
	id     string
	m      *Manager
	logger *slog.Logger

	mu        sync.Mutex
	nextSeq   uint64
	consumers map[string]consumerRef
	waiters   map[string]chan *qraft.Effect
	closed    bool

	// Producer flow control: commands in flight against a soft limit.
	softLimit   uint64
	outstanding uint64
	blocked     bool
	onBlock     func()
	onUnblock   func()

	confirms   chan uint64
	deliveries chan Delivery
	cancels    chan string
}

// SessionRegistry tracks the sessions attached to this node.
type SessionRegistry struct {
	m      *Manager
	logger *slog.Logger

	mu       sync.RWMutex
	sessions map[string]*Session
}

// NewSessionRegistry creates an empty session registry.
func NewSessionRegistry(m *Manager, logger *slog.Logger) *SessionRegistry {
	if logger == nil {
		logger = slog.Default()
	}
	return &SessionRegistry{
		m:        m,
		logger:   logger,
		sessions: make(map[string]*Session),
	}
}

// Open attaches a new session.
func (r *SessionRegistry) Open() *Session {
	s := &Session{
		id:         uuid.NewString(),
		m:          r.m,
		logger:     r.logger,
		consumers:  make(map[string]consumerRef),
		waiters:    make(map[string]chan *qraft.Effect),
		confirms:   make(chan uint64, 256),
		deliveries: make(chan Delivery, 256),
		cancels:    make(chan string, 16),
	}

	r.mu.Lock()
	r.sessions[s.id] = s
	r.mu.Unlock()

	return s
}

// Get returns the session with the given ID.
func (r *SessionRegistry) Get(id string) (*Session, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	s, ok := r.sessions[id]
	return s, ok
}

// Dispatch routes one leader effect to its target session on this node.
func (r *SessionRegistry) Dispatch(queue string, e *qraft.Effect) {
	if e.Type == qraft.EffectConsumerCancelled {
		// Published here rather than on the group leader so the event lands
		// on the node owning the consumer's channel.
		vhost, name := splitQueueKey(queue)
		r.m.bus.Publish(events.ConsumerDeleted{
			VHost:       vhost,
			Queue:       name,
			ConsumerTag: e.ConsumerTag,
			Reason:      e.Reason,
		})
	}

	r.mu.RLock()
	s, ok := r.sessions[e.SessionID]
	r.mu.RUnlock()

	if !ok {
		// Session went away between command and effect; nothing to notify.
		// Unacked deliveries are requeued when the consumer is cancelled.
		r.logger.Debug("effect for unknown session dropped",
			slog.String("queue", queue),
			slog.String("session_id", e.SessionID))
		return
	}
	s.dispatch(queue, e)
}

// DropQueue clears local consumer bookkeeping for a deleted queue.
func (r *SessionRegistry) DropQueue(key string) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	for _, s := range r.sessions {
		s.dropQueue(key)
	}
}

func (r *SessionRegistry) remove(id string) {
	r.mu.Lock()
	delete(r.sessions, id)
	r.mu.Unlock()
}

// ID returns the session identifier.
func (s *Session) ID() string {
	return s.id
}

// SetFlowControl arms producer-side backpressure for this session. When the
// number of in-flight commands reaches softLimit the block callback fires
// once; unblock fires when the count drops back under the limit. A zero
// limit disables flow control. Callbacks run on the publishing goroutine and
// must not call back into the session.
func (s *Session) SetFlowControl(softLimit uint64, block, unblock func()) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.softLimit = softLimit
	s.onBlock = block
	s.onUnblock = unblock
}

// beginCommand counts a command in flight, firing the block callback on the
// crossing into the limit.
func (s *Session) beginCommand() {
	s.mu.Lock()
	s.outstanding++
	fire := s.softLimit > 0 && !s.blocked && s.outstanding >= s.softLimit
	if fire {
		s.blocked = true
	}
	cb := s.onBlock
	s.mu.Unlock()

	if fire && cb != nil {
		cb()
	}
}

// endCommand counts a command as resolved, firing the unblock callback on
// the crossing back under the limit.
func (s *Session) endCommand() {
	s.mu.Lock()
	if s.outstanding > 0 {
		s.outstanding--
	}
	fire := s.blocked && s.outstanding < s.softLimit
	if fire {
		s.blocked = false
	}
	cb := s.onUnblock
	s.mu.Unlock()

	if fire && cb != nil {
		cb()
	}
}

// Confirms returns the channel of confirmed publish sequence numbers.
func (s *Session) Confirms() <-chan uint64 {
	return s.confirms
}

// Deliveries returns the channel of messages assigned to this session.
func (s *Session) Deliveries() <-chan Delivery {
	return s.deliveries
}

// Cancelled returns the channel of consumer tags the broker cancelled.
func (s *Session) Cancelled() <-chan string {
	return s.cancels
}

// Publish enqueues a message. The returned sequence number is confirmed on
// the Confirms channel once the message is replicated to a quorum.
func (s *Session) Publish(ctx context.Context, vhost, name string, payload []byte, props map[string]string) (uint64, error) {
	rec, err := s.m.lookup(ctx, vhost, name)
	if err != nil {
		return 0, err
	}

	s.mu.Lock()
	s.nextSeq++
	seq := s.nextSeq
	s.mu.Unlock()

	msg := &qraft.Message{
		Payload:    payload,
		Props:      props,
		EnqueuedAt: time.Now(),
	}
	if ttl, ok := messageTTL(rec.Arguments); ok {
		msg.ExpiresAt = msg.EnqueuedAt.Add(ttl)
	}

	s.beginCommand()
	defer s.endCommand()

	_, err = s.m.submit(ctx, rec, &qraft.Command{
		Type:      qraft.OpEnqueue,
		Token:     uuid.NewString(),
		SessionID: s.id,
		Seq:       seq,
		Message:   msg,
	})
	if err != nil {
		return 0, err
	}
	return seq, nil
}

// PublishUnconfirmed enqueues a message without a confirm: the call returns
// once the command commits, but no sequence number is tracked and nothing
// arrives on the Confirms channel. Flow control still applies.
func (s *Session) PublishUnconfirmed(ctx context.Context, vhost, name string, payload []byte, props map[string]string) error {
	rec, err := s.m.lookup(ctx, vhost, name)
	if err != nil {
		return err
	}

	msg := &qraft.Message{
		Payload:    payload,
		Props:      props,
		EnqueuedAt: time.Now(),
	}
	if ttl, ok := messageTTL(rec.Arguments); ok {
		msg.ExpiresAt = msg.EnqueuedAt.Add(ttl)
	}

	s.beginCommand()
	defer s.endCommand()

	_, err = s.m.submit(ctx, rec, &qraft.Command{
		Type:      qraft.OpEnqueue,
		Token:     uuid.NewString(),
		SessionID: s.id,
		Message:   msg,
	})
	return err
}

// Consume registers a consumer. An empty tag is generated. Messages flow on
// the Deliveries channel within the prefetch window.
func (s *Session) Consume(ctx context.Context, vhost, name, tag string, opts ConsumeOptions) (string, error) {
	rec, err := s.m.lookup(ctx, vhost, name)
	if err != nil {
		return "", err
	}
	if tag == "" {
		tag = "ctag-" + uuid.NewString()
	}

	_, err = s.m.submit(ctx, rec, &qraft.Command{
		Type:        qraft.OpCheckout,
		SessionID:   s.id,
		ConsumerTag: tag,
		Prefetch:    opts.Prefetch,
		NoAck:       opts.NoAck,
		Exclusive:   opts.Exclusive,
		Arguments:   opts.Arguments,
	})
	if err != nil {
		return "", err
	}

	key := queueKey(vhost, name)
	s.mu.Lock()
	s.consumers[tag] = consumerRef{vhost: vhost, name: name, key: key}
	s.mu.Unlock()

	s.m.bus.Publish(events.ConsumerCreated{
		VHost:       vhost,
		Queue:       name,
		ConsumerTag: tag,
		Exclusive:   opts.Exclusive,
		AckRequired: !opts.NoAck,
		Prefetch:    opts.Prefetch,
		Arguments:   opts.Arguments,
	})

	return tag, nil
}

// Settle acknowledges deliveries, freeing their credit.
func (s *Session) Settle(ctx context.Context, vhost, name, tag string, ids []uint64) error {
	rec, err := s.m.lookup(ctx, vhost, name)
	if err != nil {
		return err
	}

	res, err := s.m.submit(ctx, rec, &qraft.Command{
		Type:        qraft.OpSettle,
		SessionID:   s.id,
		ConsumerTag: tag,
		DeliveryIDs: ids,
	})
	if err != nil {
		return err
	}

	s.m.metrics.RecordSettled(ctx, queueKey(vhost, name), int64(res.Count))
	return nil
}

// Return requeues deliveries at the head of the queue, marked redelivered.
func (s *Session) Return(ctx context.Context, vhost, name, tag string, ids []uint64) error {
	rec, err := s.m.lookup(ctx, vhost, name)
	if err != nil {
		return err
	}

	_, err = s.m.submit(ctx, rec, &qraft.Command{
		Type:        qraft.OpReturn,
		SessionID:   s.id,
		ConsumerTag: tag,
		DeliveryIDs: ids,
	})
	return err
}

// Discard rejects deliveries without requeue, routing them to the queue's
// dead-letter target. Discards replay safely across leader failovers.
func (s *Session) Discard(ctx context.Context, vhost, name, tag string, ids []uint64) error {
	rec, err := s.m.lookup(ctx, vhost, name)
	if err != nil {
		return err
	}

	_, err = s.m.submit(ctx, rec, &qraft.Command{
		Type:        qraft.OpDiscard,
		Token:       uuid.NewString(),
		SessionID:   s.id,
		ConsumerTag: tag,
		DeliveryIDs: ids,
	})
	return err
}

// Credit tops up a consumer's delivery window. With drain set, everything
// available within the window is delivered and the call blocks until the
// broker reports the consumer drained to zero credit.
func (s *Session) Credit(ctx context.Context, vhost, name, tag string, credit uint32, drain bool) error {
	rec, err := s.m.lookup(ctx, vhost, name)
	if err != nil {
		return err
	}

	var wait chan *qraft.Effect
	if drain {
		wait = s.addWaiter(tag)
		defer s.removeWaiter(tag)
	}

	_, err = s.m.submit(ctx, rec, &qraft.Command{
		Type:        qraft.OpCredit,
		SessionID:   s.id,
		ConsumerTag: tag,
		Credit:      credit,
		Drain:       drain,
	})
	if err != nil {
		return err
	}

	if !drain {
		return nil
	}

	select {
	case <-ctx.Done():
		return ctx.Err()
	case e := <-wait:
		if e.Type != qraft.EffectDrained {
			return fmt.Errorf("unexpected drain response %d", e.Type)
		}
		return nil
	}
}

// Dequeue checks out a single message without a standing consumer. Returns
// ok=false when the queue is empty.
func (s *Session) Dequeue(ctx context.Context, vhost, name string, noAck bool) (*Delivery, bool, error) {
	rec, err := s.m.lookup(ctx, vhost, name)
	if err != nil {
		return nil, false, err
	}

	tag := "get-" + uuid.NewString()
	wait := s.addWaiter(tag)
	defer s.removeWaiter(tag)

	if _, err := s.m.submit(ctx, rec, &qraft.Command{
		Type:        qraft.OpCheckout,
		SessionID:   s.id,
		ConsumerTag: tag,
		Prefetch:    1,
		NoAck:       noAck,
		Once:        true,
	}); err != nil {
		return nil, false, err
	}

	select {
	case <-ctx.Done():
		return nil, false, ctx.Err()
	case e := <-wait:
		switch e.Type {
		case qraft.EffectEmpty:
			return nil, false, nil
		case qraft.EffectDelivery:
			key := queueKey(vhost, name)
			if !noAck {
				// The one-shot tag must stay known so the delivery can be
				// settled, returned or discarded against it.
				s.mu.Lock()
				s.consumers[tag] = consumerRef{vhost: vhost, name: name, key: key}
				s.mu.Unlock()
			}
			return &Delivery{
				Queue:       key,
				ConsumerTag: tag,
				Message:     *e.Message,
				Redelivered: e.Redelivered,
			}, true, nil
		default:
			return nil, false, fmt.Errorf("unexpected dequeue response %d", e.Type)
		}
	}
}

// Purge drops all ready messages, returning how many were dropped. Messages
// checked out to consumers are untouched.
func (s *Session) Purge(ctx context.Context, vhost, name string) (uint64, error) {
	rec, err := s.m.lookup(ctx, vhost, name)
	if err != nil {
		return 0, err
	}

	res, err := s.m.submit(ctx, rec, &qraft.Command{
		Type:      qraft.OpPurge,
		Token:     uuid.NewString(),
		SessionID: s.id,
	})
	if err != nil {
		return 0, err
	}
	return res.Count, nil
}

// Cancel deregisters a consumer. Its unsettled deliveries stay checked out
// until they are settled, returned or discarded.
func (s *Session) Cancel(ctx context.Context, vhost, name, tag string) error {
	rec, err := s.m.lookup(ctx, vhost, name)
	if err != nil {
		return err
	}

	_, err = s.m.submit(ctx, rec, &qraft.Command{
		Type:        qraft.OpCancelConsumer,
		SessionID:   s.id,
		ConsumerTag: tag,
	})
	if err != nil {
		return err
	}

	s.mu.Lock()
	delete(s.consumers, tag)
	s.mu.Unlock()

	s.m.bus.Publish(events.ConsumerDeleted{
		VHost:       vhost,
		Queue:       name,
		ConsumerTag: tag,
		Reason:      "client cancel",
	})
	return nil
}

// Close cancels the session's consumers with broker-side cancellation,
// requeueing their unsettled deliveries, and detaches the session.
func (s *Session) Close(ctx context.Context) error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	consumers := make(map[string]consumerRef, len(s.consumers))
	for tag, ref := range s.consumers {
		consumers[tag] = ref
	}
	s.consumers = make(map[string]consumerRef)
	s.mu.Unlock()

	var firstErr error
	for tag, ref := range consumers {
		rec, err := s.m.lookup(ctx, ref.vhost, ref.name)
		if err != nil {
			if firstErr == nil {
				firstErr = err
			}
			continue
		}
		if _, err := s.m.submit(ctx, rec, &qraft.Command{
			Type:        qraft.OpCancelConsumer,
			SessionID:   s.id,
			ConsumerTag: tag,
			Autonomous:  true,
			Reason:      "session closed",
		}); err != nil && firstErr == nil {
			firstErr = err
		}
	}

	s.m.sessions.remove(s.id)
	return firstErr
}

func (s *Session) addWaiter(tag string) chan *qraft.Effect {
	ch := make(chan *qraft.Effect, 1)
	s.mu.Lock()
	s.waiters[tag] = ch
	s.mu.Unlock()
	return ch
}

func (s *Session) removeWaiter(tag string) {
	s.mu.Lock()
	delete(s.waiters, tag)
	s.mu.Unlock()
}

func (s *Session) waiter(tag string) (chan *qraft.Effect, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	ch, ok := s.waiters[tag]
	return ch, ok
}

// dispatch routes one effect into the session's channels. Channel sends are
// non-blocking: a client that stops draining loses notifications rather than
// wedging the leader.
func (s *Session) dispatch(queue string, e *qraft.Effect) {
	switch e.Type {
	case qraft.EffectConfirm:
		for _, seq := range e.Seqs {
			select {
			case s.confirms <- seq:
			default:
				s.logger.Warn("confirm dropped, session not draining",
					slog.String("queue", queue),
					slog.String("session_id", s.id))
			}
		}

	case qraft.EffectDelivery:
		if ch, ok := s.waiter(e.ConsumerTag); ok {
			ch <- e
			return
		}
		d := Delivery{
			Queue:       queue,
			ConsumerTag: e.ConsumerTag,
			Message:     *e.Message,
			Redelivered: e.Redelivered,
		}
		select {
		case s.deliveries <- d:
		default:
			s.logger.Warn("delivery dropped, session not draining",
				slog.String("queue", queue),
				slog.String("consumer_tag", e.ConsumerTag),
				slog.String("session_id", s.id))
		}

	case qraft.EffectEmpty, qraft.EffectDrained:
		if ch, ok := s.waiter(e.ConsumerTag); ok {
			ch <- e
		}

	case qraft.EffectConsumerCancelled:
		s.mu.Lock()
		delete(s.consumers, e.ConsumerTag)
		s.mu.Unlock()
		select {
		case s.cancels <- e.ConsumerTag:
		default:
		}
	}
}

func (s *Session) dropQueue(key string) {
	s.mu.Lock()
	defer s.mu.Unlock()

	for tag, ref := range s.consumers {
		if ref.key == key {
			delete(s.consumers, tag)
			select {
			case s.cancels <- tag:
			default:
			}
		}
	}
}
