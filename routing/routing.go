// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

// Package routing is the boundary to the broker's exchange routing layer.
// The replicated queue layer only uses it to republish dead-lettered
// messages; everything else about routing lives outside this repository.
package routing

import (
	"context"
	"errors"
	"sync"
)

// ErrExchangeNotFound is returned when the named exchange does not exist.
var ErrExchangeNotFound = errors.New("exchange not found")

// DeadLetterPublish carries one republished message and its provenance.
type DeadLetterPublish struct {
	VHost      string
	Exchange   string
	RoutingKey string
	// SourceQueue is the queue the message was dead-lettered from.
	SourceQueue string
	// Reason is the dead-letter reason: "rejected", "expired" or "maxlen".
	Reason     string
	Payload    []byte
	Properties map[string]string
}

// Router resolves exchanges and republishes dead-lettered messages.
type Router interface {
	// ResolveExchange reports whether the exchange exists in the vhost.
	ResolveExchange(ctx context.Context, vhost, name string) error

	// Publish republishes a dead-lettered message through the exchange.
	Publish(ctx context.Context, pub DeadLetterPublish) error
}

// MemoryRouter is an in-process router used in tests and single-node setups.
// It records everything published through it.
type MemoryRouter struct {
	mu        sync.Mutex
	exchanges map[string]struct{}
	published []DeadLetterPublish
}

// NewMemoryRouter creates a router with the given known exchanges.
func NewMemoryRouter(exchanges ...string) *MemoryRouter {
	r := &MemoryRouter{exchanges: make(map[string]struct{})}
	for _, e := range exchanges {
		r.exchanges[e] = struct{}{}
	}
	return r
}

// AddExchange registers an exchange.
func (r *MemoryRouter) AddExchange(name string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.exchanges[name] = struct{}{}
}

// ResolveExchange reports whether the exchange exists.
func (r *MemoryRouter) ResolveExchange(_ context.Context, _, name string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.exchanges[name]; !ok {
		return ErrExchangeNotFound
	}
	return nil
}

// Publish records the republication.
func (r *MemoryRouter) Publish(_ context.Context, pub DeadLetterPublish) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.exchanges[pub.Exchange]; !ok {
		return ErrExchangeNotFound
	}
	r.published = append(r.published, pub)
	return nil
}

// Published returns a copy of everything published so far.
func (r *MemoryRouter) Published() []DeadLetterPublish {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]DeadLetterPublish(nil), r.published...)
}
