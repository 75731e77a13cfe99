// Kestrel - Real-Time Feature Aggregation and Recommendation Serving
// Copyright 2026 Kestrel Labs
// SPDX-License-Identifier: Apache-2.0
// https://github.com/kestrellabs/kestrel

package stream

import (
	"context"
	"fmt"

	"github.com/ThreeDotsLabs/watermill"
	"github.com/ThreeDotsLabs/watermill/message"

	"github.com/kestrellabs/kestrel/internal/event"
	"github.com/kestrellabs/kestrel/internal/metrics"
)

// EventPublisher routes events onto their partition topic. The lane is
// chosen by hashing user_id, so a user's events always share one lane.
type EventPublisher struct {
	publisher  message.Publisher
	prefix     string
	partitions int
}

// NewEventPublisher wraps a transport publisher with partition routing.
func NewEventPublisher(publisher message.Publisher, topicPrefix string, partitions int) *EventPublisher {
	if partitions < 1 {
		partitions = 1
	}
	return &EventPublisher{publisher: publisher, prefix: topicPrefix, partitions: partitions}
}

// Publish validates nothing; the aggregator is the validation
// authority. It only assigns a missing event ID so idempotency holds
// end to end.
func (p *EventPublisher) Publish(ctx context.Context, ev *event.Event) error {
	ev.EnsureID()

	payload, err := ev.Marshal()
	if err != nil {
		return fmt.Errorf("failed to encode event: %w", err)
	}

	msg := message.NewMessage(watermill.NewUUID(), payload)
	msg.SetContext(ctx)
	msg.Metadata.Set("event_id", ev.EventID)

	topic := PartitionTopic(p.prefix, ev.Partition(p.partitions))
	if err := p.publisher.Publish(topic, msg); err != nil {
		return fmt.Errorf("failed to publish to %s: %w", topic, err)
	}
	metrics.StreamPublished.WithLabelValues(topic).Inc()
	return nil
}

// Close releases the underlying transport publisher.
func (p *EventPublisher) Close() error {
	return p.publisher.Close()
}
