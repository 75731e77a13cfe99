// Kestrel - Real-Time Feature Aggregation and Recommendation Serving
// Copyright 2026 Kestrel Labs
// SPDX-License-Identifier: Apache-2.0
// https://github.com/kestrellabs/kestrel

package stream_test

import (
	"context"
	"sync/atomic"
	"testing"
	"time"

	"github.com/ThreeDotsLabs/watermill/message"

	"github.com/kestrellabs/kestrel/internal/aggregator"
	"github.com/kestrellabs/kestrel/internal/event"
	"github.com/kestrellabs/kestrel/internal/logging"
	"github.com/kestrellabs/kestrel/internal/store"
	"github.com/kestrellabs/kestrel/internal/stream"
)

func TestPartitionTopics(t *testing.T) {
	topics := stream.PartitionTopics("events", 3)
	want := []string{"events.p0", "events.p1", "events.p2"}
	if len(topics) != len(want) {
		t.Fatalf("Expected %d topics, got %d", len(want), len(topics))
	}
	for i := range want {
		if topics[i] != want[i] {
			t.Errorf("Topic %d: expected %s, got %s", i, want[i], topics[i])
		}
	}
}

func TestEndToEndFoldWithDuplicate(t *testing.T) {
	logger := logging.NewWatermillAdapter()
	pubsub := stream.NewChannelPubSub(logger)
	defer pubsub.Close()

	durable, err := store.OpenBadger(store.BadgerOptions{InMemory: true})
	if err != nil {
		t.Fatalf("Failed to open store: %v", err)
	}
	defer durable.Close()
	gw := store.NewGateway(durable, store.NewMemoryCache(100, time.Minute), store.GatewayOptions{
		DedupRetention: time.Hour,
	})
	agg := aggregator.New(gw, aggregator.Options{
		EventWeights: map[string]float64{"view": 1},
	})

	cfg := stream.DefaultRouterConfig()
	cfg.RetryCount = 1
	cfg.RetryInterval = time.Millisecond
	router, err := stream.NewRouter(cfg, pubsub, logger)
	if err != nil {
		t.Fatalf("Failed to create router: %v", err)
	}

	const partitions = 4
	router.AddPartitionHandlers("fold", "events", partitions, pubsub, aggregator.NewHandler(agg).Handle)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	done := make(chan error, 1)
	go func() { done <- router.Run(ctx) }()
	select {
	case <-router.Running():
	case <-time.After(5 * time.Second):
		t.Fatal("Router did not start")
	}

	publisher := stream.NewEventPublisher(pubsub, "events", partitions)
	occurred := time.Now().Add(-time.Minute)
	events := []*event.Event{
		{EventID: "ev-1", UserID: "alice", ItemID: "widget", EventType: "view", OccurredAt: occurred},
		{EventID: "ev-1", UserID: "alice", ItemID: "widget", EventType: "view", OccurredAt: occurred},
		{EventID: "ev-2", UserID: "alice", ItemID: "widget", EventType: "view", OccurredAt: occurred},
	}
	for _, ev := range events {
		if err := publisher.Publish(ctx, ev); err != nil {
			t.Fatalf("Publish failed: %v", err)
		}
	}

	// Folding is asynchronous; poll until both distinct events land.
	deadline := time.Now().Add(5 * time.Second)
	for {
		user, err := gw.GetUser(ctx, "alice")
		if err == nil && user.Counts["view"] >= 2 {
			if user.Counts["view"] != 2 {
				t.Errorf("Duplicate event must fold once, got %d views", user.Counts["view"])
			}
			break
		}
		if time.Now().After(deadline) {
			t.Fatal("Events were not folded in time")
		}
		time.Sleep(10 * time.Millisecond)
	}

	cancel()
	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Error("Router did not stop")
	}
}

func TestPermanentFailureIsPoisonedWithoutRetries(t *testing.T) {
	logger := logging.NewWatermillAdapter()
	pubsub := stream.NewChannelPubSub(logger)
	defer pubsub.Close()

	cfg := stream.DefaultRouterConfig()
	cfg.RetryCount = 3
	cfg.RetryInterval = time.Millisecond
	router, err := stream.NewRouter(cfg, pubsub, logger)
	if err != nil {
		t.Fatalf("Failed to create router: %v", err)
	}

	var attempts atomic.Int64
	router.AddPartitionHandlers("reject", "bad", 1, pubsub, func(msg *message.Message) error {
		attempts.Add(1)
		return stream.NewPermanentError("payload is not an event", nil)
	})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	poisoned, err := pubsub.Subscribe(ctx, cfg.PoisonTopic)
	if err != nil {
		t.Fatalf("Failed to subscribe to poison topic: %v", err)
	}

	done := make(chan error, 1)
	go func() { done <- router.Run(ctx) }()
	select {
	case <-router.Running():
	case <-time.After(5 * time.Second):
		t.Fatal("Router did not start")
	}

	msg := message.NewMessage("msg-1", []byte("not json"))
	if err := pubsub.Publish("bad.p0", msg); err != nil {
		t.Fatalf("Publish failed: %v", err)
	}

	select {
	case parked := <-poisoned:
		parked.Ack()
	case <-time.After(5 * time.Second):
		t.Fatal("Message was not parked on the poison queue")
	}
	if got := attempts.Load(); got != 1 {
		t.Errorf("Permanent failure must not be retried: got %d attempts", got)
	}

	cancel()
	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Error("Router did not stop")
	}
}

func TestRetryableFailureRetriesBeforePoison(t *testing.T) {
	logger := logging.NewWatermillAdapter()
	pubsub := stream.NewChannelPubSub(logger)
	defer pubsub.Close()

	cfg := stream.DefaultRouterConfig()
	cfg.RetryCount = 2
	cfg.RetryInterval = time.Millisecond
	cfg.RetryMaxInterval = time.Millisecond
	router, err := stream.NewRouter(cfg, pubsub, logger)
	if err != nil {
		t.Fatalf("Failed to create router: %v", err)
	}

	var attempts atomic.Int64
	router.AddPartitionHandlers("flaky", "flaky", 1, pubsub, func(msg *message.Message) error {
		attempts.Add(1)
		return stream.NewRetryableError("downstream unavailable", nil)
	})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	poisoned, err := pubsub.Subscribe(ctx, cfg.PoisonTopic)
	if err != nil {
		t.Fatalf("Failed to subscribe to poison topic: %v", err)
	}

	done := make(chan error, 1)
	go func() { done <- router.Run(ctx) }()
	select {
	case <-router.Running():
	case <-time.After(5 * time.Second):
		t.Fatal("Router did not start")
	}

	if err := pubsub.Publish("flaky.p0", message.NewMessage("msg-2", []byte("{}"))); err != nil {
		t.Fatalf("Publish failed: %v", err)
	}

	select {
	case parked := <-poisoned:
		parked.Ack()
	case <-time.After(5 * time.Second):
		t.Fatal("Message was not parked on the poison queue")
	}
	// First attempt plus RetryCount retries.
	if got := attempts.Load(); got != 3 {
		t.Errorf("Expected 3 attempts before poisoning, got %d", got)
	}

	cancel()
	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Error("Router did not stop")
	}
}

func TestPublisherRoutesUserToStableLane(t *testing.T) {
	ev1 := &event.Event{EventID: "a", UserID: "alice", ItemID: "x", EventType: "view"}
	ev2 := &event.Event{EventID: "b", UserID: "alice", ItemID: "y", EventType: "click"}
	if ev1.Partition(8) != ev2.Partition(8) {
		t.Error("Events for one user must hash to the same partition")
	}
}
