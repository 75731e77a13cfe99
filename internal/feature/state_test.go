// Kestrel - Real-Time Feature Aggregation and Recommendation Serving
// Copyright 2026 Kestrel Labs
// SPDX-License-Identifier: Apache-2.0
// https://github.com/kestrellabs/kestrel

package feature

import (
	"math"
	"testing"
	"time"
)

func TestUserState_Touch(t *testing.T) {
	s := NewUserState("u1")
	base := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

	s.Touch("view", base)
	s.Touch("view", base.Add(time.Minute))
	s.Touch("click", base.Add(2*time.Minute))

	if s.Counts["view"] != 2 {
		t.Errorf("Counts[view] = %d, want 2", s.Counts["view"])
	}
	if s.Counts["click"] != 1 {
		t.Errorf("Counts[click] = %d, want 1", s.Counts["click"])
	}
	if !s.LastSeen.Equal(base.Add(2 * time.Minute)) {
		t.Errorf("LastSeen = %v", s.LastSeen)
	}

	// A late historical event must not rewind LastSeen.
	s.Touch("view", base.Add(-time.Hour))
	if !s.LastSeen.Equal(base.Add(2 * time.Minute)) {
		t.Errorf("LastSeen rewound to %v", s.LastSeen)
	}
}

func TestUserState_RememberItem(t *testing.T) {
	s := NewUserState("u1")

	for _, id := range []string{"a", "b", "c", "b"} {
		s.RememberItem(id, 3)
	}

	want := []string{"b", "c", "a"}
	if len(s.RecentItems) != len(want) {
		t.Fatalf("RecentItems = %v, want %v", s.RecentItems, want)
	}
	for i := range want {
		if s.RecentItems[i] != want[i] {
			t.Fatalf("RecentItems = %v, want %v", s.RecentItems, want)
		}
	}

	// Limit bounds the list.
	for _, id := range []string{"d", "e"} {
		s.RememberItem(id, 3)
	}
	if len(s.RecentItems) != 3 {
		t.Errorf("RecentItems length = %d, want 3", len(s.RecentItems))
	}
	if s.RecentItems[0] != "e" {
		t.Errorf("RecentItems[0] = %q, want \"e\"", s.RecentItems[0])
	}
}

func TestDecayScore_HalfLife(t *testing.T) {
	base := time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC)
	halfLife := 24 * time.Hour

	got := DecayScore(8, base, base.Add(24*time.Hour), halfLife)
	if math.Abs(got-4) > 1e-9 {
		t.Errorf("one half-life: got %v, want 4", got)
	}

	got = DecayScore(8, base, base.Add(48*time.Hour), halfLife)
	if math.Abs(got-2) > 1e-9 {
		t.Errorf("two half-lives: got %v, want 2", got)
	}
}

func TestDecayScore_Edges(t *testing.T) {
	base := time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC)

	if got := DecayScore(0, base, base.Add(time.Hour), time.Hour); got != 0 {
		t.Errorf("zero score decayed to %v", got)
	}
	if got := DecayScore(5, time.Time{}, base, time.Hour); got != 5 {
		t.Errorf("unset timestamp changed score to %v", got)
	}
	if got := DecayScore(5, base.Add(time.Hour), base, time.Hour); got != 5 {
		t.Errorf("negative elapsed changed score to %v", got)
	}
}

func TestItemState_BumpPopularity(t *testing.T) {
	s := NewItemState("item-a")
	base := time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC)
	halfLife := 24 * time.Hour

	s.BumpPopularity(2, base, halfLife)
	if s.Popularity != 2 {
		t.Fatalf("Popularity = %v, want 2", s.Popularity)
	}

	// One half-life later: 2 decays to 1, plus a new weight of 3.
	s.BumpPopularity(3, base.Add(24*time.Hour), halfLife)
	if math.Abs(s.Popularity-4) > 1e-9 {
		t.Errorf("Popularity = %v, want 4", s.Popularity)
	}
	if !s.PopularityAt.Equal(base.Add(24 * time.Hour)) {
		t.Errorf("PopularityAt = %v", s.PopularityAt)
	}
}

func TestItemState_OrderingPreservedUnderDecay(t *testing.T) {
	base := time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC)
	halfLife := 24 * time.Hour

	a := NewItemState("a")
	b := NewItemState("b")
	a.BumpPopularity(5, base, halfLife)
	b.BumpPopularity(3, base.Add(6*time.Hour), halfLife)

	first := a.PopularityNow(base.Add(12*time.Hour), halfLife) > b.PopularityNow(base.Add(12*time.Hour), halfLife)
	later := a.PopularityNow(base.Add(72*time.Hour), halfLife) > b.PopularityNow(base.Add(72*time.Hour), halfLife)
	if first != later {
		t.Error("relative ordering changed under decay of unchanged state")
	}
}
