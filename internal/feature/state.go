// Kestrel - Real-Time Feature Aggregation and Recommendation Serving
// Copyright 2026 Kestrel Labs
// SPDX-License-Identifier: Apache-2.0
// https://github.com/kestrellabs/kestrel

// Package feature defines the aggregated per-user and per-item state that
// the aggregator writes and the serving path reads.
//
// Both state records carry a Version that increments on every accepted
// mutation. The feature store uses it for optimistic conflict detection when
// two aggregator workers race on the same key; a write against a stale
// version is rejected and retried from a fresh read.
package feature

import (
	"math"
	"time"
)

// UserState is the aggregated summary of one user's history.
type UserState struct {
	UserID string `json:"user_id"`

	// Counts tallies accepted events by type.
	Counts map[string]int64 `json:"counts"`

	LastSeen time.Time `json:"last_seen"`

	// Embedding is the user's latent vector, produced by an external trainer.
	// Absent (nil) until the trainer has published one; the serving path
	// falls back to the popularity baseline in that case.
	Embedding []float64 `json:"embedding,omitempty"`

	// RecentItems holds the most recently interacted item IDs, newest first,
	// bounded by the aggregator's configured limit.
	RecentItems []string `json:"recent_items,omitempty"`

	Version uint64 `json:"version"`
}

// NewUserState creates an empty state for a first-seen user.
func NewUserState(userID string) *UserState {
	return &UserState{
		UserID: userID,
		Counts: make(map[string]int64),
	}
}

// Touch records an accepted event of the given type against the state.
// LastSeen only moves forward, so out-of-order historical backfills cannot
// rewind it.
func (s *UserState) Touch(eventType string, occurredAt time.Time) {
	if s.Counts == nil {
		s.Counts = make(map[string]int64)
	}
	s.Counts[eventType]++
	if occurredAt.After(s.LastSeen) {
		s.LastSeen = occurredAt
	}
}

// RememberItem pushes itemID to the front of RecentItems, dropping an older
// occurrence and truncating to limit.
func (s *UserState) RememberItem(itemID string, limit int) {
	if limit <= 0 {
		return
	}
	recent := make([]string, 0, limit)
	recent = append(recent, itemID)
	for _, id := range s.RecentItems {
		if id == itemID {
			continue
		}
		recent = append(recent, id)
		if len(recent) == limit {
			break
		}
	}
	s.RecentItems = recent
}

// ItemState is the aggregated summary of one item's history.
type ItemState struct {
	ItemID string `json:"item_id"`

	Counts map[string]int64 `json:"counts"`

	LastSeen time.Time `json:"last_seen"`

	// Embedding is the item's latent vector, produced by an external trainer
	// and served to the nearest-neighbor index.
	Embedding []float64 `json:"embedding,omitempty"`

	// Popularity is an exponentially time-decayed activity score used by the
	// fallback ranking. It is only meaningful together with PopularityAt,
	// the instant the score was last rebased.
	Popularity   float64   `json:"popularity_score"`
	PopularityAt time.Time `json:"popularity_at"`

	Version uint64 `json:"version"`
}

// NewItemState creates an empty state for a first-seen item.
func NewItemState(itemID string) *ItemState {
	return &ItemState{
		ItemID: itemID,
		Counts: make(map[string]int64),
	}
}

// Touch records an accepted event of the given type against the state.
func (s *ItemState) Touch(eventType string, occurredAt time.Time) {
	if s.Counts == nil {
		s.Counts = make(map[string]int64)
	}
	s.Counts[eventType]++
	if occurredAt.After(s.LastSeen) {
		s.LastSeen = occurredAt
	}
}

// BumpPopularity decays the score to now and adds the event weight:
//
//	score = score * 0.5^(Δt/halfLife) + weight
//
// The decay-then-bump order matters: the incoming event must not itself be
// decayed.
func (s *ItemState) BumpPopularity(weight float64, now time.Time, halfLife time.Duration) {
	if now.Before(s.PopularityAt) {
		// Late arrival from another partition. The rebase timestamp
		// never rewinds; the contribution lands undecayed.
		s.Popularity += weight
		return
	}
	s.Popularity = DecayScore(s.Popularity, s.PopularityAt, now, halfLife) + weight
	s.PopularityAt = now
}

// PopularityNow returns the score decayed to now without mutating the state.
func (s *ItemState) PopularityNow(now time.Time, halfLife time.Duration) float64 {
	return DecayScore(s.Popularity, s.PopularityAt, now, halfLife)
}

// DecayScore applies exponential half-life decay to a score rebased at
// last. A zero last timestamp means the score has never been set and decays
// to itself. Relative ordering between items is preserved under this decay,
// which is what makes the fallback ranking deterministic over unchanged
// state.
func DecayScore(score float64, last, now time.Time, halfLife time.Duration) float64 {
	if score == 0 || last.IsZero() || halfLife <= 0 {
		return score
	}
	elapsed := now.Sub(last)
	if elapsed <= 0 {
		return score
	}
	return score * math.Pow(0.5, elapsed.Seconds()/halfLife.Seconds())
}
