// Kestrel - Real-Time Feature Aggregation and Recommendation Serving
// Copyright 2026 Kestrel Labs
// SPDX-License-Identifier: Apache-2.0
// https://github.com/kestrellabs/kestrel

// Package event defines the canonical interaction event envelope.
//
// An Event is one normalized user action as delivered by the ingress
// boundary. The envelope is validated once at the edge and again by the
// aggregator before any state is touched. EventID is the idempotency key:
// the same EventID observed twice must produce no additional state change,
// which is enforced downstream by the aggregator's dedup records.
package event

import (
	"hash/fnv"
	"time"

	"github.com/goccy/go-json"
	"github.com/google/uuid"
)

// Event represents a single user interaction.
type Event struct {
	// EventID is the caller-supplied or derived idempotency key.
	// Globally unique per logical action.
	EventID string `json:"event_id"`

	UserID string `json:"user_id"`
	ItemID string `json:"item_id"`

	// EventType classifies the interaction. Unknown types are preserved and
	// counted but carry the default popularity weight.
	EventType string `json:"event_type"`

	// OccurredAt is when the action happened at the source, not when it was
	// delivered.
	OccurredAt time.Time `json:"occurred_at"`

	// Properties carries source-specific attributes. Keys the core does not
	// understand are preserved, never interpreted.
	Properties map[string]string `json:"properties,omitempty"`
}

// Interaction type constants.
const (
	TypeView      = "view"
	TypeClick     = "click"
	TypeAddToCart = "add_to_cart"
	TypePurchase  = "purchase"
	TypeRating    = "rating"
)

// New creates an event with a fresh idempotency key and the given action.
func New(userID, itemID, eventType string) *Event {
	return &Event{
		EventID:    uuid.New().String(),
		UserID:     userID,
		ItemID:     itemID,
		EventType:  eventType,
		OccurredAt: time.Now().UTC(),
	}
}

// EnsureID assigns a derived idempotency key when the caller supplied none.
func (e *Event) EnsureID() {
	if e.EventID == "" {
		e.EventID = uuid.New().String()
	}
}

// Validate checks required fields. It does not check temporal bounds; see
// ValidateAt for the full ingress-time validation.
func (e *Event) Validate() error {
	if e.EventID == "" {
		return &ValidationError{Field: "event_id", Message: "required"}
	}
	if e.UserID == "" {
		return &ValidationError{Field: "user_id", Message: "required"}
	}
	if e.ItemID == "" {
		return &ValidationError{Field: "item_id", Message: "required"}
	}
	if e.EventType == "" {
		return &ValidationError{Field: "event_type", Message: "required"}
	}
	if e.OccurredAt.IsZero() {
		return &ValidationError{Field: "occurred_at", Message: "required"}
	}
	return nil
}

// ValidateAt runs Validate and additionally rejects events whose occurred_at
// lies more than maxSkew in the future of now. Bounded clock skew between
// producers is expected; anything beyond it is a malformed event.
func (e *Event) ValidateAt(now time.Time, maxSkew time.Duration) error {
	if err := e.Validate(); err != nil {
		return err
	}
	if maxSkew >= 0 && e.OccurredAt.After(now.Add(maxSkew)) {
		return &ValidationError{Field: "occurred_at", Message: "too far in the future"}
	}
	return nil
}

// Partition maps the event's user to one of n ordered processing lanes.
// All events for a given user land on the same lane, which is what preserves
// per-user ordering across parallel aggregator workers.
func (e *Event) Partition(n int) int {
	if n <= 1 {
		return 0
	}
	h := fnv.New32a()
	h.Write([]byte(e.UserID))
	return int(h.Sum32() % uint32(n))
}

// Marshal serializes the event for transport.
func (e *Event) Marshal() ([]byte, error) {
	return json.Marshal(e)
}

// Unmarshal deserializes an event from its transport payload.
func Unmarshal(data []byte) (*Event, error) {
	var e Event
	if err := json.Unmarshal(data, &e); err != nil {
		return nil, err
	}
	return &e, nil
}

// ValidationError represents a field validation error.
type ValidationError struct {
	Field   string
	Message string
}

func (e *ValidationError) Error() string {
	return e.Field + ": " + e.Message
}
