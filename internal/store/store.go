// Kestrel - Real-Time Feature Aggregation and Recommendation Serving
// Copyright 2026 Kestrel Labs
// SPDX-License-Identifier: Apache-2.0
// https://github.com/kestrellabs/kestrel

// Package store provides the two-tier feature store: a durable versioned
// table (Badger or Postgres) fronted by a low-latency cache (in-process
// or Redis), composed behind the Gateway.
package store

import (
	"context"
	"errors"
	"time"
)

var (
	// ErrNotFound reports that a key has no record in the durable table.
	ErrNotFound = errors.New("store: key not found")

	// ErrVersionConflict reports a concurrent write detected by the
	// compare-and-set version check. Callers re-read and retry.
	ErrVersionConflict = errors.New("store: version conflict")

	// ErrCacheMiss reports that a key is not present in the cache tier.
	ErrCacheMiss = errors.New("store: cache miss")
)

// Key prefixes partition the durable keyspace by record kind.
const (
	userPrefix  = "user:"
	itemPrefix  = "item:"
	dedupPrefix = "dedup:"
)

// UserKey returns the durable key for a user's feature state.
func UserKey(userID string) string { return userPrefix + userID }

// ItemKey returns the durable key for an item's feature state.
func ItemKey(itemID string) string { return itemPrefix + itemID }

// DedupKey returns the durable key for an event's dedup record.
func DedupKey(eventID string) string { return dedupPrefix + eventID }

// Record is a versioned value in the durable table. Version starts at 1
// on first write and increments on every successful update.
type Record struct {
	Value   []byte
	Version uint64
}

// Txn is the handle passed to an Update closure. All reads and writes
// made through it commit or fail together.
type Txn interface {
	// Get returns the record at key, or ErrNotFound.
	Get(key string) (*Record, error)

	// Put writes value at key. expected is the version the caller read
	// (0 for a create). A mismatch returns ErrVersionConflict and the
	// transaction must be retried from a fresh read.
	Put(key string, value []byte, expected uint64) error

	// HasDedup reports whether an unexpired dedup record exists for the event.
	HasDedup(eventID string) (bool, error)

	// MarkDedup writes a dedup record that expires after retention.
	MarkDedup(eventID string, appliedAt time.Time, retention time.Duration) error
}

// DurableStore is the durable table behind the Gateway. Implementations
// must make Update atomic: either every write in the closure becomes
// visible or none do.
type DurableStore interface {
	Get(ctx context.Context, key string) (*Record, error)
	Update(ctx context.Context, fn func(tx Txn) error) error

	// Scan visits every unexpired record under prefix in key order.
	// Returning an error from fn stops the scan and propagates it.
	Scan(ctx context.Context, prefix string, fn func(key string, rec *Record) error) error

	Close() error
}

// Cache is the low-latency tier in front of the durable table. It is
// advisory: a miss or an error never blocks a read, and entries are
// invalidated rather than updated on write.
type Cache interface {
	Get(ctx context.Context, key string) ([]byte, error)
	Set(ctx context.Context, key string, value []byte, ttl time.Duration) error
	Delete(ctx context.Context, key string) error
	Close() error
}

// RankedItem pairs an item with its decayed popularity score.
type RankedItem struct {
	ItemID string  `json:"item_id"`
	Score  float64 `json:"score"`
}
