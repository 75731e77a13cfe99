// Kestrel - Real-Time Feature Aggregation and Recommendation Serving
// Copyright 2026 Kestrel Labs
// SPDX-License-Identifier: Apache-2.0
// https://github.com/kestrellabs/kestrel

package store

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"time"

	json "github.com/goccy/go-json"

	"github.com/kestrellabs/kestrel/internal/feature"
	"github.com/kestrellabs/kestrel/internal/logging"
	"github.com/kestrellabs/kestrel/internal/metrics"
)

// defaultTxnRetries bounds internal re-read-and-retry on version
// conflicts before the error is surfaced to the caller.
const defaultTxnRetries = 3

// GatewayOptions tunes the read-through and write paths.
type GatewayOptions struct {
	CacheTTL       time.Duration // Lifetime of cache fills (default 1h)
	DedupRetention time.Duration // Lifetime of dedup records (default 24h)
	TxnRetries     int           // Conflict retries per Update (default 3)
}

// Gateway is the single entry point to feature state. Reads go
// cache-first with a durable fallback and cache fill; writes go through
// atomic Update transactions, then invalidate the cache tier so stale
// entries cannot outlive the TTL-bounded window.
type Gateway struct {
	durable        DurableStore
	cache          Cache
	cacheTTL       time.Duration
	dedupRetention time.Duration
	txnRetries     int
}

// NewGateway composes the durable table and the cache tier.
func NewGateway(durable DurableStore, cache Cache, opts GatewayOptions) *Gateway {
	if opts.CacheTTL <= 0 {
		opts.CacheTTL = time.Hour
	}
	if opts.DedupRetention <= 0 {
		opts.DedupRetention = 24 * time.Hour
	}
	if opts.TxnRetries <= 0 {
		opts.TxnRetries = defaultTxnRetries
	}
	return &Gateway{
		durable:        durable,
		cache:          cache,
		cacheTTL:       opts.CacheTTL,
		dedupRetention: opts.DedupRetention,
		txnRetries:     opts.TxnRetries,
	}
}

// GetUser returns a user's feature state, or ErrNotFound.
func (g *Gateway) GetUser(ctx context.Context, userID string) (*feature.UserState, error) {
	state := &feature.UserState{}
	if err := g.readThrough(ctx, UserKey(userID), state); err != nil {
		return nil, err
	}
	return state, nil
}

// GetItem returns an item's feature state, or ErrNotFound.
func (g *Gateway) GetItem(ctx context.Context, itemID string) (*feature.ItemState, error) {
	state := &feature.ItemState{}
	if err := g.readThrough(ctx, ItemKey(itemID), state); err != nil {
		return nil, err
	}
	return state, nil
}

// readThrough fills target from cache, falling back to the durable
// table and populating the cache on the way out. Cache failures are
// absorbed as misses so the durable table remains the source of truth.
func (g *Gateway) readThrough(ctx context.Context, key string, target any) error {
	if cached, err := g.cache.Get(ctx, key); err == nil {
		if err := json.Unmarshal(cached, target); err == nil {
			metrics.RecordFeatureCacheHit()
			return nil
		}
		// Undecodable entry: drop it and fall through to durable.
		_ = g.cache.Delete(ctx, key)
	} else if !errors.Is(err, ErrCacheMiss) {
		logging.Debug().Err(err).Str("key", key).Msg("Cache read failed, falling back to durable store")
	}
	metrics.RecordFeatureCacheMiss()

	rec, err := g.durable.Get(ctx, key)
	if err != nil {
		return err
	}
	if err := json.Unmarshal(rec.Value, target); err != nil {
		return fmt.Errorf("failed to decode record %s: %w", key, err)
	}
	if err := g.cache.Set(ctx, key, rec.Value, g.cacheTTL); err != nil {
		logging.Debug().Err(err).Str("key", key).Msg("Cache fill failed")
	}
	return nil
}

// Tx exposes typed reads and writes inside an Update transaction.
// State read through it carries the durable version; Save* performs a
// compare-and-set against that version.
type Tx struct {
	raw            Txn
	dedupRetention time.Duration
	touched        []string
}

// User returns the user's state for update, or ErrNotFound.
func (tx *Tx) User(userID string) (*feature.UserState, error) {
	state := &feature.UserState{}
	if err := tx.load(UserKey(userID), state, &state.Version); err != nil {
		return nil, err
	}
	return state, nil
}

// Item returns the item's state for update, or ErrNotFound.
func (tx *Tx) Item(itemID string) (*feature.ItemState, error) {
	state := &feature.ItemState{}
	if err := tx.load(ItemKey(itemID), state, &state.Version); err != nil {
		return nil, err
	}
	return state, nil
}

// SaveUser writes the state, expecting the version it was loaded with.
// On success the in-memory version is advanced to match the store.
func (tx *Tx) SaveUser(state *feature.UserState) error {
	return tx.save(UserKey(state.UserID), state, &state.Version)
}

// SaveItem writes the state, expecting the version it was loaded with.
func (tx *Tx) SaveItem(state *feature.ItemState) error {
	return tx.save(ItemKey(state.ItemID), state, &state.Version)
}

// SeenEvent reports whether the event was already applied within the
// dedup retention window.
func (tx *Tx) SeenEvent(eventID string) (bool, error) {
	return tx.raw.HasDedup(eventID)
}

// MarkEvent records the event as applied, in the same transaction as
// the state writes it guards.
func (tx *Tx) MarkEvent(eventID string, appliedAt time.Time) error {
	return tx.raw.MarkDedup(eventID, appliedAt, tx.dedupRetention)
}

func (tx *Tx) load(key string, target any, version *uint64) error {
	rec, err := tx.raw.Get(key)
	if err != nil {
		return err
	}
	if err := json.Unmarshal(rec.Value, target); err != nil {
		return fmt.Errorf("failed to decode record %s: %w", key, err)
	}
	*version = rec.Version
	return nil
}

func (tx *Tx) save(key string, state any, version *uint64) error {
	expected := *version
	*version = expected + 1
	value, err := json.Marshal(state)
	if err != nil {
		*version = expected
		return fmt.Errorf("failed to encode record %s: %w", key, err)
	}
	if err := tx.raw.Put(key, value, expected); err != nil {
		*version = expected
		return err
	}
	tx.touched = append(tx.touched, key)
	return nil
}

// Update runs fn atomically against the durable table, retrying with a
// fresh read on version conflicts. Conflicts never escape the Gateway
// unless retries are exhausted. After a successful commit the touched
// cache entries are invalidated.
func (g *Gateway) Update(ctx context.Context, fn func(tx *Tx) error) error {
	var lastErr error
	for attempt := 0; attempt <= g.txnRetries; attempt++ {
		tx := &Tx{dedupRetention: g.dedupRetention}
		err := g.durable.Update(ctx, func(raw Txn) error {
			tx.raw = raw
			tx.touched = tx.touched[:0]
			return fn(tx)
		})
		if err == nil {
			g.invalidate(ctx, tx.touched)
			return nil
		}
		if !errors.Is(err, ErrVersionConflict) {
			return err
		}
		metrics.RecordStoreConflict()
		lastErr = err
	}
	return fmt.Errorf("update failed after %d conflict retries: %w", g.txnRetries, lastErr)
}

func (g *Gateway) invalidate(ctx context.Context, keys []string) {
	for _, key := range keys {
		if err := g.cache.Delete(ctx, key); err != nil {
			logging.Debug().Err(err).Str("key", key).Msg("Cache invalidation failed")
		}
	}
}

// PutUser creates or replaces a user's state outside of event folding,
// used by bulk loads. The stored version still advances monotonically.
func (g *Gateway) PutUser(ctx context.Context, state *feature.UserState) error {
	return g.Update(ctx, func(tx *Tx) error {
		current, err := tx.User(state.UserID)
		switch {
		case errors.Is(err, ErrNotFound):
			state.Version = 0
		case err != nil:
			return err
		default:
			state.Version = current.Version
		}
		return tx.SaveUser(state)
	})
}

// PutItem creates or replaces an item's state outside of event folding.
func (g *Gateway) PutItem(ctx context.Context, state *feature.ItemState) error {
	return g.Update(ctx, func(tx *Tx) error {
		current, err := tx.Item(state.ItemID)
		switch {
		case errors.Is(err, ErrNotFound):
			state.Version = 0
		case err != nil:
			return err
		default:
			state.Version = current.Version
		}
		return tx.SaveItem(state)
	})
}

// TopItems returns the k most popular items with scores decayed to now.
// Ties break on item ID so equal scores rank deterministically.
func (g *Gateway) TopItems(ctx context.Context, k int, now time.Time, halfLife time.Duration) ([]RankedItem, error) {
	if k < 1 {
		return nil, nil
	}

	ranked := []RankedItem{}
	err := g.durable.Scan(ctx, itemPrefix, func(key string, rec *Record) error {
		state := &feature.ItemState{}
		if err := json.Unmarshal(rec.Value, state); err != nil {
			return fmt.Errorf("failed to decode record %s: %w", key, err)
		}
		ranked = append(ranked, RankedItem{
			ItemID: state.ItemID,
			Score:  state.PopularityNow(now, halfLife),
		})
		return nil
	})
	if err != nil {
		return nil, err
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

// EachItem visits every item's state, used to build the vector index.
func (g *Gateway) EachItem(ctx context.Context, fn func(state *feature.ItemState) error) error {
	return g.durable.Scan(ctx, itemPrefix, func(key string, rec *Record) error {
		state := &feature.ItemState{}
		if err := json.Unmarshal(rec.Value, state); err != nil {
			return fmt.Errorf("failed to decode record %s: %w", key, err)
		}
		return fn(state)
	})
}

// Close releases both tiers.
func (g *Gateway) Close() error {
	if err := g.cache.Close(); err != nil {
		logging.Warn().Err(err).Msg("Cache close failed")
	}
	return g.durable.Close()
}
