// Kestrel - Real-Time Feature Aggregation and Recommendation Serving
// Copyright 2026 Kestrel Labs
// SPDX-License-Identifier: Apache-2.0
// https://github.com/kestrellabs/kestrel

package serving

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/sony/gobreaker/v2"

	"github.com/kestrellabs/kestrel/internal/retriever"
	"github.com/kestrellabs/kestrel/internal/store"
)

type fakePrimary struct {
	calls int
	items []store.RankedItem
	err   error
}

func (f *fakePrimary) Retrieve(ctx context.Context, userID string, k int) ([]store.RankedItem, error) {
	f.calls++
	if f.err != nil {
		return nil, f.err
	}
	if len(f.items) > k {
		return f.items[:k], nil
	}
	return f.items, nil
}

type fakeFallback struct {
	calls int
	items []store.RankedItem
}

func (f *fakeFallback) Retrieve(ctx context.Context, k int) ([]store.RankedItem, error) {
	f.calls++
	if len(f.items) > k {
		return f.items[:k], nil
	}
	return f.items, nil
}

func rankedItems(ids ...string) []store.RankedItem {
	items := make([]store.RankedItem, len(ids))
	for i, id := range ids {
		items[i] = store.RankedItem{ItemID: id, Score: float64(len(ids) - i)}
	}
	return items
}

func testOptions() Options {
	return Options{
		DefaultK:                10,
		MaxK:                    100,
		ResponseCacheTTL:        time.Minute,
		ResponseCacheSize:       100,
		RetryDelay:              time.Millisecond,
		BreakerFailureThreshold: 5,
		BreakerCooldown:         time.Minute,
	}
}

func TestServeInvalidRequest(t *testing.T) {
	o := New(&fakePrimary{}, &fakeFallback{}, testOptions())

	if _, err := o.Serve(context.Background(), Request{UserID: "", K: 5}); !errors.Is(err, ErrInvalidRequest) {
		t.Errorf("Expected ErrInvalidRequest for empty user, got %v", err)
	}
	if _, err := o.Serve(context.Background(), Request{UserID: "alice", K: 101}); !errors.Is(err, ErrInvalidRequest) {
		t.Errorf("Expected ErrInvalidRequest for oversized k, got %v", err)
	}
}

func TestServePrimaryAndCache(t *testing.T) {
	primary := &fakePrimary{items: rankedItems("a", "b", "c")}
	o := New(primary, &fakeFallback{}, testOptions())
	ctx := context.Background()

	first, err := o.Serve(ctx, Request{UserID: "alice", K: 3})
	if err != nil {
		t.Fatalf("Serve failed: %v", err)
	}
	if first.Source != SourcePrimary {
		t.Errorf("Expected primary source, got %s", first.Source)
	}
	if len(first.Items) != 3 {
		t.Errorf("Expected 3 items, got %d", len(first.Items))
	}

	second, err := o.Serve(ctx, Request{UserID: "alice", K: 3})
	if err != nil {
		t.Fatalf("Serve failed: %v", err)
	}
	if second.Source != SourceCache {
		t.Errorf("Expected cached source, got %s", second.Source)
	}
	if primary.calls != 1 {
		t.Errorf("Expected one primary call, got %d", primary.calls)
	}
}

func TestServeCacheHonorsRequestedK(t *testing.T) {
	primary := &fakePrimary{items: rankedItems("a", "b", "c", "d", "e")}
	o := New(primary, &fakeFallback{}, testOptions())
	ctx := context.Background()

	if _, err := o.Serve(ctx, Request{UserID: "alice", K: 5}); err != nil {
		t.Fatalf("Serve failed: %v", err)
	}

	// Smaller k is a slice of the cached result.
	small, err := o.Serve(ctx, Request{UserID: "alice", K: 2})
	if err != nil {
		t.Fatalf("Serve failed: %v", err)
	}
	if small.Source != SourceCache || len(small.Items) != 2 {
		t.Errorf("Expected 2 cached items, got %d from %s", len(small.Items), small.Source)
	}

	// Larger k cannot be served from a smaller cached list.
	big, err := o.Serve(ctx, Request{UserID: "alice", K: 10})
	if err != nil {
		t.Fatalf("Serve failed: %v", err)
	}
	if big.Source != SourcePrimary {
		t.Errorf("Expected fresh retrieval for larger k, got %s", big.Source)
	}
	if primary.calls != 2 {
		t.Errorf("Expected 2 primary calls, got %d", primary.calls)
	}
}

func TestServeNoEmbeddingFallsBack(t *testing.T) {
	primary := &fakePrimary{err: retriever.ErrNoEmbedding}
	fallback := &fakeFallback{items: rankedItems("pop1", "pop2")}
	o := New(primary, fallback, testOptions())

	res, err := o.Serve(context.Background(), Request{UserID: "newuser", K: 2})
	if err != nil {
		t.Fatalf("Serve failed: %v", err)
	}
	if res.Source != SourceFallback {
		t.Errorf("Expected fallback source, got %s", res.Source)
	}
	if primary.calls != 1 {
		t.Errorf("Expected no retry on a cold-start miss, got %d calls", primary.calls)
	}
	if o.BreakerState() != gobreaker.StateClosed {
		t.Errorf("Cold-start misses must not trip the breaker, state=%v", o.BreakerState())
	}
}

func TestServeRetriesOnceThenFallsBack(t *testing.T) {
	primary := &fakePrimary{err: errors.New("oracle down")}
	fallback := &fakeFallback{items: rankedItems("pop1")}
	o := New(primary, fallback, testOptions())

	res, err := o.Serve(context.Background(), Request{UserID: "alice", K: 1})
	if err != nil {
		t.Fatalf("Serve failed: %v", err)
	}
	if res.Source != SourceFallback {
		t.Errorf("Expected fallback source, got %s", res.Source)
	}
	if primary.calls != 2 {
		t.Errorf("Expected exactly one retry, got %d calls", primary.calls)
	}
}

func TestServeFallbackNotCached(t *testing.T) {
	primary := &fakePrimary{err: errors.New("oracle down")}
	fallback := &fakeFallback{items: rankedItems("pop1")}
	o := New(primary, fallback, testOptions())
	ctx := context.Background()

	if _, err := o.Serve(ctx, Request{UserID: "alice", K: 1}); err != nil {
		t.Fatalf("Serve failed: %v", err)
	}

	// Primary recovers; the next request must reach it instead of a
	// cached fallback list.
	primary.err = nil
	primary.items = rankedItems("fresh")
	res, err := o.Serve(ctx, Request{UserID: "alice", K: 1})
	if err != nil {
		t.Fatalf("Serve failed: %v", err)
	}
	if res.Source != SourcePrimary {
		t.Errorf("Expected recovered primary to serve, got %s", res.Source)
	}
}

func TestServeBreakerOpensAndSkipsPrimary(t *testing.T) {
	opts := testOptions()
	opts.BreakerFailureThreshold = 2
	primary := &fakePrimary{err: errors.New("oracle down")}
	fallback := &fakeFallback{items: rankedItems("pop1")}
	o := New(primary, fallback, opts)
	ctx := context.Background()

	// One serve is two breaker failures (initial attempt plus retry).
	if _, err := o.Serve(ctx, Request{UserID: "alice", K: 1}); err != nil {
		t.Fatalf("Serve failed: %v", err)
	}
	if o.BreakerState() != gobreaker.StateOpen {
		t.Fatalf("Expected open breaker, got %v", o.BreakerState())
	}

	before := primary.calls
	res, err := o.Serve(ctx, Request{UserID: "bob", K: 1})
	if err != nil {
		t.Fatalf("Serve failed: %v", err)
	}
	if res.Source != SourceFallback {
		t.Errorf("Expected fallback while open, got %s", res.Source)
	}
	if primary.calls != before {
		t.Errorf("Open breaker must not invoke the primary path, calls went %d -> %d", before, primary.calls)
	}
}

func TestServeBreakerRecloses(t *testing.T) {
	opts := testOptions()
	opts.BreakerFailureThreshold = 2
	opts.BreakerCooldown = 20 * time.Millisecond
	primary := &fakePrimary{err: errors.New("oracle down")}
	fallback := &fakeFallback{items: rankedItems("pop1")}
	o := New(primary, fallback, opts)
	ctx := context.Background()

	if _, err := o.Serve(ctx, Request{UserID: "alice", K: 1}); err != nil {
		t.Fatalf("Serve failed: %v", err)
	}
	if o.BreakerState() != gobreaker.StateOpen {
		t.Fatalf("Expected open breaker, got %v", o.BreakerState())
	}

	time.Sleep(30 * time.Millisecond)
	primary.err = nil
	primary.items = rankedItems("a")

	res, err := o.Serve(ctx, Request{UserID: "bob", K: 1})
	if err != nil {
		t.Fatalf("Serve failed: %v", err)
	}
	if res.Source != SourcePrimary {
		t.Errorf("Expected half-open trial to succeed, got %s", res.Source)
	}
	if o.BreakerState() != gobreaker.StateClosed {
		t.Errorf("Expected breaker closed after successful trial, got %v", o.BreakerState())
	}
}

func TestServeFallbackExhausted(t *testing.T) {
	primary := &fakePrimary{err: errors.New("oracle down")}
	o := New(primary, &fakeFallback{}, testOptions())

	_, err := o.Serve(context.Background(), Request{UserID: "alice", K: 1})
	if !errors.Is(err, ErrFallbackExhausted) {
		t.Errorf("Expected ErrFallbackExhausted, got %v", err)
	}
}

func TestServeDefaultK(t *testing.T) {
	primary := &fakePrimary{items: rankedItems("a", "b", "c")}
	o := New(primary, &fakeFallback{}, testOptions())

	res, err := o.Serve(context.Background(), Request{UserID: "alice"})
	if err != nil {
		t.Fatalf("Serve failed: %v", err)
	}
	if res.Source != SourcePrimary {
		t.Errorf("Expected primary source, got %s", res.Source)
	}
}
