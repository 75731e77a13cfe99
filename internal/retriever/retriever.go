// Kestrel - Real-Time Feature Aggregation and Recommendation Serving
// Copyright 2026 Kestrel Labs
// SPDX-License-Identifier: Apache-2.0
// https://github.com/kestrellabs/kestrel

// Package retriever produces ranked candidate items, either by
// similarity against the user's embedding or by decayed popularity
// when no embedding path is available.
package retriever

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/kestrellabs/kestrel/internal/metrics"
	"github.com/kestrellabs/kestrel/internal/store"
)

// ErrNoEmbedding reports that the user has no embedding to query with.
// It is an expected condition for cold-start users, not a failure.
var ErrNoEmbedding = errors.New("retriever: user has no embedding")

// Neighbor is one similarity match from the oracle.
type Neighbor struct {
	ItemID string
	Score  float64
}

// Oracle answers nearest-neighbor queries over item embeddings.
type Oracle interface {
	Nearest(ctx context.Context, embedding []float64, k int) ([]Neighbor, error)
}

// Primary retrieves candidates by embedding similarity. Items the user
// interacted with recently are filtered out of the result.
type Primary struct {
	gateway *store.Gateway
	oracle  Oracle
	timeout time.Duration
}

// NewPrimary builds the similarity path with a per-query oracle budget.
func NewPrimary(gateway *store.Gateway, oracle Oracle, timeout time.Duration) *Primary {
	if timeout <= 0 {
		timeout = 500 * time.Millisecond
	}
	return &Primary{gateway: gateway, oracle: oracle, timeout: timeout}
}

// Retrieve returns up to k candidates ranked by similarity, descending,
// with ties broken on item ID. A user without state or without an
// embedding yields ErrNoEmbedding.
func (p *Primary) Retrieve(ctx context.Context, userID string, k int) ([]store.RankedItem, error) {
	start := time.Now()
	defer func() { metrics.RecordRetrieval("primary", time.Since(start)) }()

	user, err := p.gateway.GetUser(ctx, userID)
	if errors.Is(err, store.ErrNotFound) {
		return nil, ErrNoEmbedding
	}
	if err != nil {
		return nil, fmt.Errorf("user lookup failed: %w", err)
	}
	if len(user.Embedding) == 0 {
		return nil, ErrNoEmbedding
	}

	qctx, cancel := context.WithTimeout(ctx, p.timeout)
	defer cancel()

	// Over-fetch so filtering seen items still fills k slots.
	neighbors, err := p.oracle.Nearest(qctx, user.Embedding, k+len(user.RecentItems))
	if err != nil {
		return nil, fmt.Errorf("similarity query failed: %w", err)
	}

	seen := make(map[string]struct{}, len(user.RecentItems))
	for _, id := range user.RecentItems {
		seen[id] = struct{}{}
	}

	ranked := make([]store.RankedItem, 0, k)
	for _, n := range neighbors {
		if _, ok := seen[n.ItemID]; ok {
			continue
		}
		ranked = append(ranked, store.RankedItem{ItemID: n.ItemID, Score: n.Score})
	}

	sort.Slice(ranked, func(i, j int) bool {
		if ranked[i].Score != ranked[j].Score {
			return ranked[i].Score > ranked[j].Score
		}
		return ranked[i].ItemID < ranked[j].ItemID
	})
	if len(ranked) > k {
		ranked = ranked[:k]
	}
	return ranked, nil
}

// Fallback retrieves globally popular items with half-life decay
// applied at query time. It needs no per-user state, so it answers for
// unknown users too.
type Fallback struct {
	gateway  *store.Gateway
	halfLife time.Duration
	clock    func() time.Time
}

// NewFallback builds the popularity path.
func NewFallback(gateway *store.Gateway, halfLife time.Duration) *Fallback {
	if halfLife <= 0 {
		halfLife = 7 * 24 * time.Hour
	}
	return &Fallback{gateway: gateway, halfLife: halfLife, clock: time.Now}
}

// Retrieve returns the k most popular items. Results are deterministic
// over unchanged state: decay preserves relative order and equal scores
// rank by item ID.
func (f *Fallback) Retrieve(ctx context.Context, k int) ([]store.RankedItem, error) {
	start := time.Now()
	defer func() { metrics.RecordRetrieval("fallback", time.Since(start)) }()

	return f.gateway.TopItems(ctx, k, f.clock(), f.halfLife)
}
