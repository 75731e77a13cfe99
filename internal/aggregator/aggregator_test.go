// Kestrel - Real-Time Feature Aggregation and Recommendation Serving
// Copyright 2026 Kestrel Labs
// SPDX-License-Identifier: Apache-2.0
// https://github.com/kestrellabs/kestrel

package aggregator

import (
	"context"
	"testing"
	"time"

	"github.com/kestrellabs/kestrel/internal/event"
	"github.com/kestrellabs/kestrel/internal/store"
)

func newTestAggregator(t *testing.T) (*Aggregator, *store.Gateway) {
	t.Helper()
	durable, err := store.OpenBadger(store.BadgerOptions{InMemory: true})
	if err != nil {
		t.Fatalf("Failed to open in-memory store: %v", err)
	}
	t.Cleanup(func() { _ = durable.Close() })

	gw := store.NewGateway(durable, store.NewMemoryCache(100, time.Minute), store.GatewayOptions{
		DedupRetention: time.Hour,
	})
	agg := New(gw, Options{
		MaxFutureSkew:      5 * time.Minute,
		PopularityHalfLife: 7 * 24 * time.Hour,
		RecentItemsLimit:   10,
		EventWeights:       map[string]float64{"view": 1, "click": 2, "purchase": 5},
	})
	return agg, gw
}

func testEvent(id, userID, itemID, eventType string) *event.Event {
	ev := event.New(userID, itemID, eventType)
	ev.EventID = id
	ev.OccurredAt = time.Now().Add(-time.Minute)
	return ev
}

func TestApplyUpdatesUserAndItem(t *testing.T) {
	agg, gw := newTestAggregator(t)
	ctx := context.Background()

	outcome, err := agg.Apply(ctx, testEvent("ev-1", "alice", "widget", "view"))
	if err != nil {
		t.Fatalf("Apply failed: %v", err)
	}
	if outcome != OutcomeApplied {
		t.Fatalf("Expected applied, got %s", outcome)
	}

	user, err := gw.GetUser(ctx, "alice")
	if err != nil {
		t.Fatalf("GetUser failed: %v", err)
	}
	if user.Counts["view"] != 1 {
		t.Errorf("Expected user view count 1, got %d", user.Counts["view"])
	}
	if len(user.RecentItems) != 1 || user.RecentItems[0] != "widget" {
		t.Errorf("Expected recent items [widget], got %v", user.RecentItems)
	}

	item, err := gw.GetItem(ctx, "widget")
	if err != nil {
		t.Fatalf("GetItem failed: %v", err)
	}
	if item.Counts["view"] != 1 {
		t.Errorf("Expected item view count 1, got %d", item.Counts["view"])
	}
	if item.Popularity != 1 {
		t.Errorf("Expected popularity 1 after one view, got %g", item.Popularity)
	}
}

func TestApplyDuplicateLeavesStateUntouched(t *testing.T) {
	agg, gw := newTestAggregator(t)
	ctx := context.Background()

	first := testEvent("ev-dup", "alice", "widget", "view")
	if _, err := agg.Apply(ctx, first); err != nil {
		t.Fatalf("First apply failed: %v", err)
	}

	// Same event ID again, even with a different payload.
	second := testEvent("ev-dup", "alice", "widget", "view")
	outcome, err := agg.Apply(ctx, second)
	if err != nil {
		t.Fatalf("Second apply failed: %v", err)
	}
	if outcome != OutcomeDuplicate {
		t.Fatalf("Expected duplicate, got %s", outcome)
	}

	user, err := gw.GetUser(ctx, "alice")
	if err != nil {
		t.Fatalf("GetUser failed: %v", err)
	}
	if user.Counts["view"] != 1 {
		t.Errorf("Duplicate must not double count: got %d", user.Counts["view"])
	}
	item, err := gw.GetItem(ctx, "widget")
	if err != nil {
		t.Fatalf("GetItem failed: %v", err)
	}
	if item.Popularity != 1 {
		t.Errorf("Duplicate must not bump popularity: got %g", item.Popularity)
	}
}

func TestApplyDuplicateSurvivesCacheLoss(t *testing.T) {
	agg, _ := newTestAggregator(t)
	ctx := context.Background()

	if _, err := agg.Apply(ctx, testEvent("ev-x", "alice", "widget", "view")); err != nil {
		t.Fatalf("Apply failed: %v", err)
	}

	// Drop the in-memory pre-filter; the durable record must still win.
	agg.recent.Clear()

	outcome, err := agg.Apply(ctx, testEvent("ev-x", "alice", "widget", "view"))
	if err != nil {
		t.Fatalf("Apply failed: %v", err)
	}
	if outcome != OutcomeDuplicate {
		t.Errorf("Expected durable dedup to catch the replay, got %s", outcome)
	}
}

func TestApplyRejectsInvalidEvents(t *testing.T) {
	agg, _ := newTestAggregator(t)
	ctx := context.Background()

	tests := []struct {
		name   string
		mutate func(*event.Event)
	}{
		{"missing user", func(ev *event.Event) { ev.UserID = "" }},
		{"missing item", func(ev *event.Event) { ev.ItemID = "" }},
		{"missing type", func(ev *event.Event) { ev.EventType = "" }},
		{"far future", func(ev *event.Event) { ev.OccurredAt = time.Now().Add(time.Hour) }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ev := testEvent("ev-"+tt.name, "alice", "widget", "view")
			tt.mutate(ev)
			outcome, err := agg.Apply(ctx, ev)
			if err == nil {
				t.Fatal("Expected validation error")
			}
			if outcome != OutcomeRejected {
				t.Errorf("Expected rejected, got %s", outcome)
			}
		})
	}
}

func TestApplyWeightsByEventType(t *testing.T) {
	agg, gw := newTestAggregator(t)
	ctx := context.Background()

	events := []*event.Event{
		testEvent("ev-1", "alice", "widget", "view"),     // +1
		testEvent("ev-2", "bob", "widget", "click"),      // +2
		testEvent("ev-3", "carol", "widget", "purchase"), // +5
	}
	for _, ev := range events {
		if _, err := agg.Apply(ctx, ev); err != nil {
			t.Fatalf("Apply %s failed: %v", ev.EventID, err)
		}
	}

	item, err := gw.GetItem(ctx, "widget")
	if err != nil {
		t.Fatalf("GetItem failed: %v", err)
	}
	// Events are a minute old, the half-life is a week: decay between
	// them is negligible but not exactly zero.
	if item.Popularity < 7.99 || item.Popularity > 8.0 {
		t.Errorf("Expected popularity just under 8, got %g", item.Popularity)
	}
}

func TestApplyRecentItemsAreDeduplicated(t *testing.T) {
	agg, gw := newTestAggregator(t)
	ctx := context.Background()

	for i, itemID := range []string{"a", "b", "a", "c"} {
		ev := testEvent(string(rune('0'+i)), "alice", itemID, "view")
		if _, err := agg.Apply(ctx, ev); err != nil {
			t.Fatalf("Apply failed: %v", err)
		}
	}

	user, err := gw.GetUser(ctx, "alice")
	if err != nil {
		t.Fatalf("GetUser failed: %v", err)
	}
	want := []string{"c", "a", "b"}
	if len(user.RecentItems) != len(want) {
		t.Fatalf("Expected %v, got %v", want, user.RecentItems)
	}
	for i := range want {
		if user.RecentItems[i] != want[i] {
			t.Errorf("Position %d: expected %s, got %s", i, want[i], user.RecentItems[i])
		}
	}
}
