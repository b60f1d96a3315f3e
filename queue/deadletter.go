// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package queue

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"golang.org/x/time/rate"

	"github.com/chorusmq/chorusmq/catalog"
	qraft "github.com/chorusmq/chorusmq/queue/raft"
	"github.com/chorusmq/chorusmq/routing"
)

// DeadLetterer republishes rejected and expired messages to the dead-letter
// target configured on their source queue. Republishing is rate limited so a
// poison-message storm cannot monopolize the node.
type DeadLetterer struct {
	router  routing.Router
	limiter *rate.Limiter
	logger  *slog.Logger
}

// NewDeadLetterer creates a dead-letter router. ratePerSecond zero disables
// limiting.
func NewDeadLetterer(router routing.Router, ratePerSecond float64, burst int, logger *slog.Logger) *DeadLetterer {
	if logger == nil {
		logger = slog.Default()
	}

	limit := rate.Inf
	if ratePerSecond > 0 {
		limit = rate.Limit(ratePerSecond)
	}
	if burst < 1 {
		burst = 1
	}

	return &DeadLetterer{
		router:  router,
		limiter: rate.NewLimiter(limit, burst),
		logger:  logger,
	}
}

// Route republishes messages dead-lettered from a queue. The target comes
// from the queue's own arguments; queues without a dead-letter exchange drop
// the messages, which is the configured policy rather than an error.
func (d *DeadLetterer) Route(ctx context.Context, rec *catalog.QueueRecord, reason string, msgs []*qraft.Message) {
	exchange, ok := rec.Arguments[ArgDeadLetterExchange]
	if !ok || exchange == "" {
		d.logger.Debug("dead-lettered messages dropped, no target configured",
			slog.String("queue", queueKey(rec.VHost, rec.Name)),
			slog.String("reason", reason),
			slog.Int("count", len(msgs)))
		return
	}

	routingKey := rec.Arguments[ArgDeadLetterRoutingKey]
	if routingKey == "" {
		routingKey = rec.Name
	}

	if err := d.router.ResolveExchange(ctx, rec.VHost, exchange); err != nil {
		if errors.Is(err, routing.ErrExchangeNotFound) {
			d.logger.Warn("dead-letter exchange missing, messages dropped",
				slog.String("queue", queueKey(rec.VHost, rec.Name)),
				slog.String("exchange", exchange),
				slog.Int("count", len(msgs)))
			return
		}
		d.logger.Error("dead-letter exchange resolution failed",
			slog.String("queue", queueKey(rec.VHost, rec.Name)),
			slog.String("exchange", exchange),
			slog.String("error", err.Error()))
		return
	}

	for _, msg := range msgs {
		if err := d.limiter.Wait(ctx); err != nil {
			d.logger.Warn("dead-letter republish aborted",
				slog.String("queue", queueKey(rec.VHost, rec.Name)),
				slog.String("error", err.Error()))
			return
		}

		props := make(map[string]string, len(msg.Props)+3)
		for k, v := range msg.Props {
			props[k] = v
		}
		props["x-death-reason"] = reason
		props["x-death-queue"] = rec.Name
		props["x-death-time"] = time.Now().UTC().Format(time.RFC3339)

		pub := routing.DeadLetterPublish{
			VHost:       rec.VHost,
			Exchange:    exchange,
			RoutingKey:  routingKey,
			SourceQueue: rec.Name,
			Reason:      reason,
			Payload:     msg.Payload,
			Properties:  props,
		}
		if err := d.router.Publish(ctx, pub); err != nil {
			d.logger.Error("dead-letter republish failed",
				slog.String("queue", queueKey(rec.VHost, rec.Name)),
				slog.String("exchange", exchange),
				slog.String("error", err.Error()))
		}
	}
}
