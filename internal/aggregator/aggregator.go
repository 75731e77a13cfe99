// Kestrel - Real-Time Feature Aggregation and Recommendation Serving
// Copyright 2026 Kestrel Labs
// SPDX-License-Identifier: Apache-2.0
// https://github.com/kestrellabs/kestrel

// Package aggregator folds interaction events into user and item
// feature state exactly once per event ID.
package aggregator

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/kestrellabs/kestrel/internal/cache"
	"github.com/kestrellabs/kestrel/internal/event"
	"github.com/kestrellabs/kestrel/internal/feature"
	"github.com/kestrellabs/kestrel/internal/logging"
	"github.com/kestrellabs/kestrel/internal/store"
)

// Outcome classifies the result of folding one event.
type Outcome string

const (
	// OutcomeApplied means the event mutated feature state.
	OutcomeApplied Outcome = "applied"
	// OutcomeDuplicate means the event ID was already applied within
	// the dedup retention window; state is untouched.
	OutcomeDuplicate Outcome = "duplicate"
	// OutcomeRejected means the event failed validation.
	OutcomeRejected Outcome = "rejected"
)

// Options tunes the fold semantics.
type Options struct {
	MaxFutureSkew      time.Duration
	PopularityHalfLife time.Duration
	RecentItemsLimit   int
	DedupCacheSize     int
	EventWeights       map[string]float64
}

// defaultWeight applies to event types without a configured weight.
const defaultWeight = 1.0

// Aggregator applies events atomically: the user state, item state,
// popularity bump, and dedup record commit in one transaction, so a
// crash between them can never double-apply an event.
type Aggregator struct {
	gateway *store.Gateway
	recent  *cache.DedupCache // Exact-match pre-filter; durable record is the source of truth
	opts    Options
	clock   func() time.Time
}

// New creates an Aggregator over the feature store gateway.
func New(gateway *store.Gateway, opts Options) *Aggregator {
	if opts.MaxFutureSkew <= 0 {
		opts.MaxFutureSkew = 5 * time.Minute
	}
	if opts.PopularityHalfLife <= 0 {
		opts.PopularityHalfLife = 7 * 24 * time.Hour
	}
	if opts.RecentItemsLimit <= 0 {
		opts.RecentItemsLimit = 10
	}
	if opts.DedupCacheSize <= 0 {
		opts.DedupCacheSize = 100000
	}
	return &Aggregator{
		gateway: gateway,
		recent:  cache.NewDedupCache(opts.DedupCacheSize, 24*time.Hour),
		opts:    opts,
		clock:   time.Now,
	}
}

// Apply folds one event into feature state. It is idempotent on
// event_id: a second call with the same ID returns OutcomeDuplicate
// and leaves every count and score untouched.
func (a *Aggregator) Apply(ctx context.Context, ev *event.Event) (Outcome, error) {
	now := a.clock()

	if err := ev.ValidateAt(now, a.opts.MaxFutureSkew); err != nil {
		return OutcomeRejected, err
	}

	// Cheap in-memory check first. A hit here skips the durable
	// round-trip entirely; a miss still consults the durable record.
	if a.recent.Contains(ev.EventID) {
		return OutcomeDuplicate, nil
	}

	duplicate := false
	err := a.gateway.Update(ctx, func(tx *store.Tx) error {
		duplicate = false
		seen, err := tx.SeenEvent(ev.EventID)
		if err != nil {
			return fmt.Errorf("dedup lookup failed: %w", err)
		}
		if seen {
			duplicate = true
			return nil
		}
		if err := a.foldUser(tx, ev); err != nil {
			return err
		}
		if err := a.foldItem(tx, ev); err != nil {
			return err
		}
		return tx.MarkEvent(ev.EventID, now)
	})
	if err != nil {
		return "", err
	}

	a.recent.Record(ev.EventID)
	if duplicate {
		return OutcomeDuplicate, nil
	}

	logging.Debug().
		Str("event_id", ev.EventID).
		Str("user_id", ev.UserID).
		Str("item_id", ev.ItemID).
		Str("event_type", ev.EventType).
		Msg("Event applied")
	return OutcomeApplied, nil
}

func (a *Aggregator) foldUser(tx *store.Tx, ev *event.Event) error {
	user, err := tx.User(ev.UserID)
	if errors.Is(err, store.ErrNotFound) {
		user = feature.NewUserState(ev.UserID)
	} else if err != nil {
		return fmt.Errorf("user read failed: %w", err)
	}

	user.Touch(ev.EventType, ev.OccurredAt)
	user.RememberItem(ev.ItemID, a.opts.RecentItemsLimit)
	return tx.SaveUser(user)
}

func (a *Aggregator) foldItem(tx *store.Tx, ev *event.Event) error {
	item, err := tx.Item(ev.ItemID)
	if errors.Is(err, store.ErrNotFound) {
		item = feature.NewItemState(ev.ItemID)
	} else if err != nil {
		return fmt.Errorf("item read failed: %w", err)
	}

	item.Touch(ev.EventType, ev.OccurredAt)
	item.BumpPopularity(a.weight(ev.EventType), ev.OccurredAt, a.opts.PopularityHalfLife)
	return tx.SaveItem(item)
}

func (a *Aggregator) weight(eventType string) float64 {
	if w, ok := a.opts.EventWeights[eventType]; ok {
		return w
	}
	return defaultWeight
}
