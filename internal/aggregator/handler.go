// Kestrel - Real-Time Feature Aggregation and Recommendation Serving
// Copyright 2026 Kestrel Labs
// SPDX-License-Identifier: Apache-2.0
// https://github.com/kestrellabs/kestrel

package aggregator

import (
	"time"

	"github.com/ThreeDotsLabs/watermill/message"

	"github.com/kestrellabs/kestrel/internal/event"
	"github.com/kestrellabs/kestrel/internal/logging"
	"github.com/kestrellabs/kestrel/internal/metrics"
	"github.com/kestrellabs/kestrel/internal/stream"
)

// Handler adapts the Aggregator to a stream consumer. Error
// classification drives the router: permanent errors skip retries and
// go straight to the poison queue, retryable errors back off first.
type Handler struct {
	agg *Aggregator
}

// NewHandler wraps the aggregator for router registration.
func NewHandler(agg *Aggregator) *Handler {
	return &Handler{agg: agg}
}

// Handle consumes one message. Duplicates ack silently so redeliveries
// after an ack loss never distort feature state.
func (h *Handler) Handle(msg *message.Message) error {
	start := time.Now()

	ev, err := event.Unmarshal(msg.Payload)
	if err != nil {
		metrics.RecordEventOutcome(string(OutcomeRejected), "unknown", time.Since(start))
		logging.Warn().Err(err).Str("message_uuid", msg.UUID).Msg("Undecodable event payload")
		return stream.NewPermanentError("failed to decode event", err)
	}

	outcome, err := h.agg.Apply(msg.Context(), ev)
	duration := time.Since(start)

	switch {
	case err != nil && outcome == OutcomeRejected:
		metrics.RecordEventOutcome(string(OutcomeRejected), ev.EventType, duration)
		logging.Warn().
			Err(err).
			Str("event_id", ev.EventID).
			Str("event_type", ev.EventType).
			Msg("Event rejected")
		return stream.NewPermanentError("event rejected", err)

	case err != nil:
		logging.Error().
			Err(err).
			Str("event_id", ev.EventID).
			Msg("Event fold failed, will retry")
		return stream.NewRetryableError("event fold failed", err)

	default:
		metrics.RecordEventOutcome(string(outcome), ev.EventType, duration)
		return nil
	}
}
