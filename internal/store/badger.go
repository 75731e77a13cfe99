// Kestrel - Real-Time Feature Aggregation and Recommendation Serving
// Copyright 2026 Kestrel Labs
// SPDX-License-Identifier: Apache-2.0
// https://github.com/kestrellabs/kestrel

package store

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"time"

	badger "github.com/dgraph-io/badger/v4"

	"github.com/kestrellabs/kestrel/internal/logging"
	"github.com/kestrellabs/kestrel/internal/metrics"
)

// versionedValue layout: 8-byte big-endian version followed by the payload.
const versionHeaderLen = 8

// BadgerStore implements DurableStore on an embedded Badger database.
// Dedup records carry a Badger entry TTL so expiry needs no sweeper.
type BadgerStore struct {
	db *badger.DB
}

// BadgerOptions configures the embedded store.
type BadgerOptions struct {
	Path       string
	InMemory   bool // Test and ephemeral deployments only
	SyncWrites bool
}

// OpenBadger opens (or creates) the durable table at opts.Path.
func OpenBadger(opts BadgerOptions) (*BadgerStore, error) {
	bopts := badger.DefaultOptions(opts.Path).
		WithInMemory(opts.InMemory).
		WithSyncWrites(opts.SyncWrites).
		WithLogger(nil)
	if opts.InMemory {
		bopts = bopts.WithDir("").WithValueDir("")
	}

	db, err := badger.Open(bopts)
	if err != nil {
		return nil, fmt.Errorf("failed to open badger store: %w", err)
	}

	logging.Info().
		Str("path", opts.Path).
		Bool("in_memory", opts.InMemory).
		Msg("Durable store opened")

	return &BadgerStore{db: db}, nil
}

// Get implements DurableStore.
func (s *BadgerStore) Get(ctx context.Context, key string) (*Record, error) {
	start := time.Now()
	defer func() { metrics.RecordStoreOperation("get", time.Since(start)) }()

	var rec *Record
	err := s.db.View(func(txn *badger.Txn) error {
		var err error
		rec, err = badgerGet(txn, key)
		return err
	})
	if err != nil {
		return nil, err
	}
	return rec, nil
}

// Update implements DurableStore. Badger's SSI conflict detection is
// mapped to ErrVersionConflict so the Gateway retry loop covers both.
func (s *BadgerStore) Update(ctx context.Context, fn func(tx Txn) error) error {
	start := time.Now()
	defer func() { metrics.RecordStoreOperation("update", time.Since(start)) }()

	err := s.db.Update(func(txn *badger.Txn) error {
		return fn(&badgerTxn{txn: txn})
	})
	if errors.Is(err, badger.ErrConflict) {
		return ErrVersionConflict
	}
	return err
}

// Scan implements DurableStore.
func (s *BadgerStore) Scan(ctx context.Context, prefix string, fn func(key string, rec *Record) error) error {
	start := time.Now()
	defer func() { metrics.RecordStoreOperation("scan", time.Since(start)) }()

	return s.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.Prefix = []byte(prefix)
		it := txn.NewIterator(opts)
		defer it.Close()

		for it.Rewind(); it.Valid(); it.Next() {
			if err := ctx.Err(); err != nil {
				return err
			}
			item := it.Item()
			raw, err := item.ValueCopy(nil)
			if err != nil {
				return fmt.Errorf("failed to read value for %s: %w", item.Key(), err)
			}
			rec, err := decodeRecord(raw)
			if err != nil {
				return err
			}
			if err := fn(string(item.Key()), rec); err != nil {
				return err
			}
		}
		return nil
	})
}

// Close implements DurableStore.
func (s *BadgerStore) Close() error {
	return s.db.Close()
}

type badgerTxn struct {
	txn *badger.Txn
}

func (t *badgerTxn) Get(key string) (*Record, error) {
	return badgerGet(t.txn, key)
}

func (t *badgerTxn) Put(key string, value []byte, expected uint64) error {
	current, err := badgerGet(t.txn, key)
	switch {
	case errors.Is(err, ErrNotFound):
		if expected != 0 {
			return ErrVersionConflict
		}
	case err != nil:
		return err
	default:
		if current.Version != expected {
			return ErrVersionConflict
		}
	}
	return t.txn.Set([]byte(key), encodeRecord(value, expected+1))
}

func (t *badgerTxn) HasDedup(eventID string) (bool, error) {
	_, err := t.txn.Get([]byte(DedupKey(eventID)))
	if errors.Is(err, badger.ErrKeyNotFound) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return true, nil
}

func (t *badgerTxn) MarkDedup(eventID string, appliedAt time.Time, retention time.Duration) error {
	value := make([]byte, 8)
	binary.BigEndian.PutUint64(value, uint64(appliedAt.UnixNano()))
	entry := badger.NewEntry([]byte(DedupKey(eventID)), value).WithTTL(retention)
	return t.txn.SetEntry(entry)
}

func badgerGet(txn *badger.Txn, key string) (*Record, error) {
	item, err := txn.Get([]byte(key))
	if errors.Is(err, badger.ErrKeyNotFound) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	raw, err := item.ValueCopy(nil)
	if err != nil {
		return nil, err
	}
	return decodeRecord(raw)
}

func encodeRecord(value []byte, version uint64) []byte {
	buf := make([]byte, versionHeaderLen+len(value))
	binary.BigEndian.PutUint64(buf, version)
	copy(buf[versionHeaderLen:], value)
	return buf
}

func decodeRecord(raw []byte) (*Record, error) {
	if len(raw) < versionHeaderLen {
		return nil, fmt.Errorf("store: corrupt record, %d bytes", len(raw))
	}
	return &Record{
		Version: binary.BigEndian.Uint64(raw[:versionHeaderLen]),
		Value:   raw[versionHeaderLen:],
	}, nil
}
