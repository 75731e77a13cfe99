// Kestrel - Real-Time Feature Aggregation and Recommendation Serving
// Copyright 2026 Kestrel Labs
// SPDX-License-Identifier: Apache-2.0
// https://github.com/kestrellabs/kestrel

package cache

import "time"

// DedupCache is an exact-match deduplication cache over event IDs.
//
// It is a fast in-memory pre-filter in front of the durable dedup records:
// a hit here avoids a store round trip for hot duplicates, while a miss says
// nothing - the durable record remains the source of truth. Exact matching
// guarantees zero false positives, so no event is ever dropped by the
// pre-filter alone.
type DedupCache struct {
	lru *TTLCache[time.Time]
}

// NewDedupCache creates a dedup cache bounded by capacity and window.
// The window should not exceed the durable dedup retention.
func NewDedupCache(capacity int, window time.Duration) *DedupCache {
	return &DedupCache{lru: NewTTLCache[time.Time](capacity, window)}
}

// Contains reports whether the key was seen within the window.
func (d *DedupCache) Contains(key string) bool {
	return d.lru.Contains(key)
}

// Record marks the key as seen, refreshing its TTL if already present.
func (d *DedupCache) Record(key string) {
	d.lru.Set(key, time.Now())
}

// IsDuplicate checks and records in one step: returns true if the key was
// already seen within the window, otherwise records it and returns false.
func (d *DedupCache) IsDuplicate(key string) bool {
	if d.lru.Contains(key) {
		return true
	}
	d.lru.Set(key, time.Now())
	return false
}

// CleanupExpired sweeps expired entries.
func (d *DedupCache) CleanupExpired() int {
	return d.lru.CleanupExpired()
}

// Len returns the number of tracked keys.
func (d *DedupCache) Len() int {
	return d.lru.Len()
}

// Clear drops every tracked key.
func (d *DedupCache) Clear() {
	d.lru.Clear()
}
