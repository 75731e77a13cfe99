// Kestrel - Real-Time Feature Aggregation and Recommendation Serving
// Copyright 2026 Kestrel Labs
// SPDX-License-Identifier: Apache-2.0
// https://github.com/kestrellabs/kestrel

package store

import (
	"context"
	"time"

	"github.com/kestrellabs/kestrel/internal/cache"
)

// MemoryCache implements Cache on an in-process LRU with per-entry TTL.
// Suitable for single-replica deployments and tests.
type MemoryCache struct {
	lru *cache.TTLCache[[]byte]
}

// NewMemoryCache creates a cache bounded to capacity entries.
func NewMemoryCache(capacity int, defaultTTL time.Duration) *MemoryCache {
	return &MemoryCache{lru: cache.NewTTLCache[[]byte](capacity, defaultTTL)}
}

// Get implements Cache.
func (c *MemoryCache) Get(ctx context.Context, key string) ([]byte, error) {
	value, ok := c.lru.Get(key)
	if !ok {
		return nil, ErrCacheMiss
	}
	return value, nil
}

// Set implements Cache.
func (c *MemoryCache) Set(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	c.lru.SetWithTTL(key, value, ttl)
	return nil
}

// Delete implements Cache.
func (c *MemoryCache) Delete(ctx context.Context, key string) error {
	c.lru.Remove(key)
	return nil
}

// Close implements Cache.
func (c *MemoryCache) Close() error {
	c.lru.Clear()
	return nil
}
