// Kestrel - Real-Time Feature Aggregation and Recommendation Serving
// Copyright 2026 Kestrel Labs
// SPDX-License-Identifier: Apache-2.0
// https://github.com/kestrellabs/kestrel

package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
	gormlogger "gorm.io/gorm/logger"

	"github.com/kestrellabs/kestrel/internal/logging"
	"github.com/kestrellabs/kestrel/internal/metrics"
)

// featureRecord is the durable table row. ExpiresAt is only set for
// dedup records; expired rows are invisible to reads and reaped lazily.
type featureRecord struct {
	Key       string     `gorm:"primaryKey;column:key;size:512"`
	Version   uint64     `gorm:"column:version;not null"`
	Value     []byte     `gorm:"column:value"`
	ExpiresAt *time.Time `gorm:"column:expires_at;index"`
	UpdatedAt time.Time  `gorm:"column:updated_at"`
}

func (featureRecord) TableName() string { return "feature_records" }

// PostgresStore implements DurableStore on a shared Postgres table,
// for deployments where multiple aggregator replicas fold into one
// durable view. Optimistic versioning is enforced with a conditional
// UPDATE instead of row locks.
type PostgresStore struct {
	db *gorm.DB
}

// OpenPostgres connects and migrates the feature table.
func OpenPostgres(dsn string) (*PostgresStore, error) {
	db, err := gorm.Open(postgres.Open(dsn), &gorm.Config{
		Logger:         gormlogger.Default.LogMode(gormlogger.Silent),
		TranslateError: true, // Surfaces duplicate keys as gorm.ErrDuplicatedKey
	})
	if err != nil {
		return nil, fmt.Errorf("failed to connect to postgres: %w", err)
	}
	if err := db.AutoMigrate(&featureRecord{}); err != nil {
		return nil, fmt.Errorf("failed to migrate feature table: %w", err)
	}

	logging.Info().Msg("Postgres durable store opened")
	return &PostgresStore{db: db}, nil
}

// Get implements DurableStore.
func (s *PostgresStore) Get(ctx context.Context, key string) (*Record, error) {
	start := time.Now()
	defer func() { metrics.RecordStoreOperation("get", time.Since(start)) }()

	return pgGet(s.db.WithContext(ctx), key, time.Now())
}

// Update implements DurableStore. The closure runs inside one database
// transaction; version conflicts surface as ErrVersionConflict and roll
// the whole transaction back.
func (s *PostgresStore) Update(ctx context.Context, fn func(tx Txn) error) error {
	start := time.Now()
	defer func() { metrics.RecordStoreOperation("update", time.Since(start)) }()

	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		return fn(&pgTxn{db: tx, now: time.Now()})
	})
}

// Scan implements DurableStore.
func (s *PostgresStore) Scan(ctx context.Context, prefix string, fn func(key string, rec *Record) error) error {
	start := time.Now()
	defer func() { metrics.RecordStoreOperation("scan", time.Since(start)) }()

	rows := []featureRecord{}
	err := s.db.WithContext(ctx).
		Where("key LIKE ? AND (expires_at IS NULL OR expires_at > ?)", prefix+"%", time.Now()).
		Order("key").
		Find(&rows).Error
	if err != nil {
		return fmt.Errorf("failed to scan prefix %s: %w", prefix, err)
	}
	for i := range rows {
		if err := fn(rows[i].Key, &Record{Value: rows[i].Value, Version: rows[i].Version}); err != nil {
			return err
		}
	}
	return nil
}

// Close implements DurableStore.
func (s *PostgresStore) Close() error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}

type pgTxn struct {
	db  *gorm.DB
	now time.Time
}

func (t *pgTxn) Get(key string) (*Record, error) {
	return pgGet(t.db, key, t.now)
}

func (t *pgTxn) Put(key string, value []byte, expected uint64) error {
	if expected == 0 {
		row := featureRecord{Key: key, Version: 1, Value: value, UpdatedAt: t.now}
		err := t.db.Create(&row).Error
		if err != nil && errors.Is(err, gorm.ErrDuplicatedKey) {
			return ErrVersionConflict
		}
		return err
	}

	res := t.db.Model(&featureRecord{}).
		Where("key = ? AND version = ?", key, expected).
		Updates(map[string]any{
			"version":    expected + 1,
			"value":      value,
			"updated_at": t.now,
		})
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return ErrVersionConflict
	}
	return nil
}

func (t *pgTxn) HasDedup(eventID string) (bool, error) {
	var count int64
	err := t.db.Model(&featureRecord{}).
		Where("key = ? AND (expires_at IS NULL OR expires_at > ?)", DedupKey(eventID), t.now).
		Count(&count).Error
	if err != nil {
		return false, err
	}
	return count > 0, nil
}

func (t *pgTxn) MarkDedup(eventID string, appliedAt time.Time, retention time.Duration) error {
	expires := appliedAt.Add(retention)
	row := featureRecord{
		Key:       DedupKey(eventID),
		Version:   1,
		Value:     []byte(appliedAt.UTC().Format(time.RFC3339Nano)),
		ExpiresAt: &expires,
		UpdatedAt: t.now,
	}
	// An expired row for a recycled event ID is overwritten in place.
	return t.db.Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "key"}},
		DoUpdates: clause.AssignmentColumns([]string{"value", "expires_at", "updated_at"}),
	}).Create(&row).Error
}

func pgGet(db *gorm.DB, key string, now time.Time) (*Record, error) {
	var row featureRecord
	err := db.
		Where("key = ? AND (expires_at IS NULL OR expires_at > ?)", key, now).
		Take(&row).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &Record{Value: row.Value, Version: row.Version}, nil
}
