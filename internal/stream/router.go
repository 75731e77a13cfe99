// Kestrel - Real-Time Feature Aggregation and Recommendation Serving
// Copyright 2026 Kestrel Labs
// SPDX-License-Identifier: Apache-2.0
// https://github.com/kestrellabs/kestrel

package stream

import (
	"context"
	"fmt"
	"time"

	"github.com/ThreeDotsLabs/watermill"
	"github.com/ThreeDotsLabs/watermill/message"
	"github.com/ThreeDotsLabs/watermill/message/router/middleware"
	"github.com/ThreeDotsLabs/watermill/message/router/plugin"

	"github.com/kestrellabs/kestrel/internal/logging"
	"github.com/kestrellabs/kestrel/internal/metrics"
)

// RouterConfig tunes retry and poison queue behavior.
type RouterConfig struct {
	CloseTimeout     time.Duration
	RetryCount       int
	RetryInterval    time.Duration
	RetryMaxInterval time.Duration
	PoisonTopic      string
}

// DefaultRouterConfig returns production defaults.
func DefaultRouterConfig() RouterConfig {
	return RouterConfig{
		CloseTimeout:     30 * time.Second,
		RetryCount:       3,
		RetryInterval:    100 * time.Millisecond,
		RetryMaxInterval: 5 * time.Second,
		PoisonTopic:      "events.poison",
	}
}

// Router wraps the message router with panic recovery, bounded retry,
// and a poison queue. Middleware order matters: the poison queue sits
// outside retry, so a message is parked only after retries are spent.
type Router struct {
	router *message.Router
	config RouterConfig
	logger watermill.LoggerAdapter
}

// NewRouter builds the router. poisonPublisher may be nil to disable
// the poison queue (tests mostly).
func NewRouter(cfg RouterConfig, poisonPublisher message.Publisher, logger watermill.LoggerAdapter) (*Router, error) {
	if logger == nil {
		logger = logging.NewWatermillAdapter()
	}

	wmRouter, err := message.NewRouter(message.RouterConfig{CloseTimeout: cfg.CloseTimeout}, logger)
	if err != nil {
		return nil, fmt.Errorf("create message router: %w", err)
	}

	wmRouter.AddPlugin(plugin.SignalsHandler)
	wmRouter.AddMiddleware(middleware.Recoverer)

	if poisonPublisher != nil && cfg.PoisonTopic != "" {
		poison, err := middleware.PoisonQueueWithFilter(poisonPublisher, cfg.PoisonTopic, func(err error) bool {
			metrics.EventsPoisoned.Inc()
			logging.Error().Err(err).Msg("Message parked on poison queue")
			return true
		})
		if err != nil {
			return nil, fmt.Errorf("create poison queue middleware: %w", err)
		}
		wmRouter.AddMiddleware(poison)
	}

	retry := middleware.Retry{
		MaxRetries:      cfg.RetryCount,
		InitialInterval: cfg.RetryInterval,
		MaxInterval:     cfg.RetryMaxInterval,
		Multiplier:      2.0,
		Logger:          logger,
		// Permanent failures skip the backoff and surface to the
		// poison queue on the first attempt.
		ShouldRetry: func(params middleware.RetryParams) bool {
			return !IsPermanent(params.Err)
		},
	}
	wmRouter.AddMiddleware(retry.Middleware)

	return &Router{router: wmRouter, config: cfg, logger: logger}, nil
}

// AddPartitionHandlers registers one consumer handler per ordered lane.
// A single handler per topic is what preserves per-user ordering.
func (r *Router) AddPartitionHandlers(
	name string,
	topicPrefix string,
	partitions int,
	subscriber message.Subscriber,
	fn message.NoPublishHandlerFunc,
) {
	for partition, topic := range PartitionTopics(topicPrefix, partitions) {
		r.router.AddNoPublisherHandler(
			fmt.Sprintf("%s-p%d", name, partition),
			topic,
			subscriber,
			fn,
		)
	}
}

// Run blocks until the context is canceled or the router stops.
func (r *Router) Run(ctx context.Context) error {
	return r.router.Run(ctx)
}

// Running returns a channel closed once all handlers are up.
func (r *Router) Running() <-chan struct{} {
	return r.router.Running()
}

// Close shuts the router down, waiting up to CloseTimeout for
// in-flight messages.
func (r *Router) Close() error {
	return r.router.Close()
}
