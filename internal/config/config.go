// Kestrel - Real-Time Feature Aggregation and Recommendation Serving
// Copyright 2026 Kestrel Labs
// SPDX-License-Identifier: Apache-2.0
// https://github.com/kestrellabs/kestrel

// Package config loads layered configuration for the Kestrel pipeline.
//
// Sources are applied in order of increasing priority:
//  1. Built-in defaults
//  2. Optional YAML config file (config.yaml, or KESTREL_CONFIG_PATH)
//  3. Environment variables prefixed with KESTREL_
package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/providers/structs"
	"github.com/knadh/koanf/v2"
)

// DefaultConfigPaths lists where config files are searched, first match wins.
var DefaultConfigPaths = []string{
	"config.yaml",
	"config.yml",
	"/etc/kestrel/config.yaml",
	"/etc/kestrel/config.yml",
}

// ConfigPathEnvVar overrides the config file search path.
const ConfigPathEnvVar = "KESTREL_CONFIG_PATH"

// envPrefix namespaces all Kestrel environment variables.
const envPrefix = "KESTREL_"

// Config is the root configuration for all Kestrel components.
type Config struct {
	Server     ServerConfig     `koanf:"server"`
	Logging    LoggingConfig    `koanf:"logging"`
	Stream     StreamConfig     `koanf:"stream"`
	Store      StoreConfig      `koanf:"store"`
	Cache      CacheConfig      `koanf:"cache"`
	Aggregator AggregatorConfig `koanf:"aggregator"`
	Retriever  RetrieverConfig  `koanf:"retriever"`
	Serving    ServingConfig    `koanf:"serving"`
}

// ServerConfig controls the HTTP API listener.
type ServerConfig struct {
	Host            string        `koanf:"host"`
	Port            int           `koanf:"port"`
	ReadTimeout     time.Duration `koanf:"read_timeout"`
	WriteTimeout    time.Duration `koanf:"write_timeout"`
	ShutdownTimeout time.Duration `koanf:"shutdown_timeout"`
	RateLimitRPS    float64       `koanf:"rate_limit_rps"`   // Per-client requests per second (0 = disabled)
	RateLimitBurst  int           `koanf:"rate_limit_burst"` // Per-client burst allowance
}

// LoggingConfig controls structured log output.
type LoggingConfig struct {
	Level  string `koanf:"level"`  // trace, debug, info, warn, error
	Format string `koanf:"format"` // json or console
}

// StreamConfig controls the event stream transport and router.
type StreamConfig struct {
	Mode             string        `koanf:"mode"` // "embedded", "nats", or "channel"
	URL              string        `koanf:"url"`  // External NATS URL (mode "nats")
	TopicPrefix      string        `koanf:"topic_prefix"`
	Partitions       int           `koanf:"partitions"` // Ordered lanes; events hash by user_id
	QueueGroup       string        `koanf:"queue_group"`
	SubscribersCount int           `koanf:"subscribers_count"` // Concurrent pullers per partition handler
	AckWait          time.Duration `koanf:"ack_wait"`
	StoreDir         string        `koanf:"store_dir"` // Embedded JetStream storage
	MaxMemory        int64         `koanf:"max_memory"`
	MaxStore         int64         `koanf:"max_store"`
	RetryCount       int           `koanf:"retry_count"`
	RetryInterval    time.Duration `koanf:"retry_interval"`
	RetryMaxInterval time.Duration `koanf:"retry_max_interval"`
	PoisonTopic      string        `koanf:"poison_topic"`
	CloseTimeout     time.Duration `koanf:"close_timeout"`
}

// StoreConfig controls the durable feature table.
type StoreConfig struct {
	Backend    string `koanf:"backend"` // "badger" or "postgres"
	Path       string `koanf:"path"`    // Badger data directory
	InMemory   bool   `koanf:"in_memory"`
	SyncWrites bool   `koanf:"sync_writes"`
	DSN        string `koanf:"dsn"` // Postgres connection string
}

// CacheConfig controls the low-latency feature cache tier.
type CacheConfig struct {
	Backend       string        `koanf:"backend"` // "memory" or "redis"
	Capacity      int           `koanf:"capacity"`
	TTL           time.Duration `koanf:"ttl"`
	RedisAddr     string        `koanf:"redis_addr"`
	RedisDB       int           `koanf:"redis_db"`
	RedisPassword string        `koanf:"redis_password"`
}

// AggregatorConfig controls event folding and deduplication.
type AggregatorConfig struct {
	MaxFutureSkew      time.Duration      `koanf:"max_future_skew"`
	DedupRetention     time.Duration      `koanf:"dedup_retention"` // Durable dedup record lifetime
	DedupCacheSize     int                `koanf:"dedup_cache_size"`
	PopularityHalfLife time.Duration      `koanf:"popularity_half_life"`
	RecentItemsLimit   int                `koanf:"recent_items_limit"`
	EventWeights       map[string]float64 `koanf:"event_weights"` // Popularity contribution per event type
}

// RetrieverConfig controls candidate retrieval.
type RetrieverConfig struct {
	OracleTimeout time.Duration `koanf:"oracle_timeout"` // Budget for a similarity query
}

// ServingConfig controls the recommendation orchestrator.
type ServingConfig struct {
	DefaultK                int           `koanf:"default_k"`
	MaxK                    int           `koanf:"max_k"`
	ResponseCacheTTL        time.Duration `koanf:"response_cache_ttl"`
	ResponseCacheSize       int           `koanf:"response_cache_size"`
	RetryDelay              time.Duration `koanf:"retry_delay"`
	BreakerFailureThreshold uint32        `koanf:"breaker_failure_threshold"`
	BreakerCooldown         time.Duration `koanf:"breaker_cooldown"`
	BreakerHalfOpenRequests uint32        `koanf:"breaker_half_open_requests"`
}

// Default returns a Config with production defaults applied.
func Default() *Config {
	return &Config{
		Server: ServerConfig{
			Host:            "0.0.0.0",
			Port:            8080,
			ReadTimeout:     15 * time.Second,
			WriteTimeout:    15 * time.Second,
			ShutdownTimeout: 30 * time.Second,
			RateLimitRPS:    0, // Disabled unless configured
			RateLimitBurst:  20,
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "json",
		},
		Stream: StreamConfig{
			Mode:             "embedded",
			URL:              "nats://127.0.0.1:4222",
			TopicPrefix:      "events",
			Partitions:       8,
			QueueGroup:       "aggregators",
			SubscribersCount: 1, // One puller per partition preserves per-user order
			AckWait:          30 * time.Second,
			StoreDir:         "/data/kestrel/jetstream",
			MaxMemory:        1 << 30,  // 1GB
			MaxStore:         10 << 30, // 10GB
			RetryCount:       3,
			RetryInterval:    100 * time.Millisecond,
			RetryMaxInterval: 5 * time.Second,
			PoisonTopic:      "events.poison",
			CloseTimeout:     30 * time.Second,
		},
		Store: StoreConfig{
			Backend:    "badger",
			Path:       "/data/kestrel/features",
			InMemory:   false,
			SyncWrites: true,
			DSN:        "",
		},
		Cache: CacheConfig{
			Backend:       "memory",
			Capacity:      10000,
			TTL:           time.Hour,
			RedisAddr:     "127.0.0.1:6379",
			RedisDB:       0,
			RedisPassword: "",
		},
		Aggregator: AggregatorConfig{
			MaxFutureSkew:      5 * time.Minute,
			DedupRetention:     24 * time.Hour,
			DedupCacheSize:     100000,
			PopularityHalfLife: 7 * 24 * time.Hour,
			RecentItemsLimit:   10,
			EventWeights: map[string]float64{
				"view":        1,
				"click":       2,
				"add_to_cart": 3,
				"rating":      4,
				"purchase":    5,
			},
		},
		Retriever: RetrieverConfig{
			OracleTimeout: 500 * time.Millisecond,
		},
		Serving: ServingConfig{
			DefaultK:                10,
			MaxK:                    100,
			ResponseCacheTTL:        60 * time.Second,
			ResponseCacheSize:       10000,
			RetryDelay:              50 * time.Millisecond,
			BreakerFailureThreshold: 5,
			BreakerCooldown:         60 * time.Second,
			BreakerHalfOpenRequests: 1,
		},
	}
}

// Load builds the configuration from defaults, an optional YAML file,
// and KESTREL_-prefixed environment variables, then validates it.
func Load() (*Config, error) {
	k := koanf.New(".")

	if err := k.Load(structs.Provider(Default(), "koanf"), nil); err != nil {
		return nil, fmt.Errorf("failed to load defaults: %w", err)
	}

	if path := findConfigFile(); path != "" {
		if err := k.Load(file.Provider(path), yaml.Parser()); err != nil {
			return nil, fmt.Errorf("failed to load config file %s: %w", path, err)
		}
	}

	// KESTREL_SERVER_PORT -> server.port
	// KESTREL_AGGREGATOR_POPULARITY_HALF_LIFE -> aggregator.popularity_half_life
	if err := k.Load(env.Provider(envPrefix, ".", envTransform), nil); err != nil {
		return nil, fmt.Errorf("failed to load environment variables: %w", err)
	}

	cfg := &Config{}
	if err := k.Unmarshal("", cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal configuration: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("configuration validation failed: %w", err)
	}

	return cfg, nil
}

// envTransform maps KESTREL_SECTION_FIELD_NAME to section.field_name.
// Section names are single words, so only the first underscore splits.
func envTransform(s string) string {
	s = strings.ToLower(strings.TrimPrefix(s, envPrefix))
	parts := strings.SplitN(s, "_", 2)
	if len(parts) != 2 {
		return s
	}
	return parts[0] + "." + parts[1]
}

// findConfigFile returns the first config file that exists, or empty string.
func findConfigFile() string {
	if envPath := os.Getenv(ConfigPathEnvVar); envPath != "" {
		if _, err := os.Stat(envPath); err == nil {
			return envPath
		}
	}
	for _, path := range DefaultConfigPaths {
		if _, err := os.Stat(path); err == nil {
			return path
		}
	}
	return ""
}

// Validate checks cross-field constraints and enum values.
func (c *Config) Validate() error {
	if c.Server.Port < 1 || c.Server.Port > 65535 {
		return fmt.Errorf("server.port must be between 1 and 65535, got %d", c.Server.Port)
	}

	switch c.Stream.Mode {
	case "embedded", "nats", "channel":
	default:
		return fmt.Errorf("stream.mode must be embedded, nats, or channel, got %q", c.Stream.Mode)
	}
	if c.Stream.Partitions < 1 {
		return fmt.Errorf("stream.partitions must be at least 1, got %d", c.Stream.Partitions)
	}
	if c.Stream.Mode == "nats" && c.Stream.URL == "" {
		return fmt.Errorf("stream.url is required when stream.mode is nats")
	}
	if c.Stream.TopicPrefix == "" {
		return fmt.Errorf("stream.topic_prefix must not be empty")
	}

	switch c.Store.Backend {
	case "badger":
		if !c.Store.InMemory && c.Store.Path == "" {
			return fmt.Errorf("store.path is required for the badger backend")
		}
	case "postgres":
		if c.Store.DSN == "" {
			return fmt.Errorf("store.dsn is required for the postgres backend")
		}
	default:
		return fmt.Errorf("store.backend must be badger or postgres, got %q", c.Store.Backend)
	}

	switch c.Cache.Backend {
	case "memory":
		if c.Cache.Capacity < 1 {
			return fmt.Errorf("cache.capacity must be at least 1, got %d", c.Cache.Capacity)
		}
	case "redis":
		if c.Cache.RedisAddr == "" {
			return fmt.Errorf("cache.redis_addr is required for the redis backend")
		}
	default:
		return fmt.Errorf("cache.backend must be memory or redis, got %q", c.Cache.Backend)
	}
	if c.Cache.TTL <= 0 {
		return fmt.Errorf("cache.ttl must be positive, got %s", c.Cache.TTL)
	}

	if c.Aggregator.DedupRetention <= 0 {
		return fmt.Errorf("aggregator.dedup_retention must be positive, got %s", c.Aggregator.DedupRetention)
	}
	if c.Aggregator.PopularityHalfLife <= 0 {
		return fmt.Errorf("aggregator.popularity_half_life must be positive, got %s", c.Aggregator.PopularityHalfLife)
	}
	if c.Aggregator.RecentItemsLimit < 0 {
		return fmt.Errorf("aggregator.recent_items_limit must not be negative, got %d", c.Aggregator.RecentItemsLimit)
	}
	for name, weight := range c.Aggregator.EventWeights {
		if weight < 0 {
			return fmt.Errorf("aggregator.event_weights[%s] must not be negative, got %g", name, weight)
		}
	}

	if c.Serving.DefaultK < 1 {
		return fmt.Errorf("serving.default_k must be at least 1, got %d", c.Serving.DefaultK)
	}
	if c.Serving.MaxK < c.Serving.DefaultK {
		return fmt.Errorf("serving.max_k (%d) must not be below serving.default_k (%d)",
			c.Serving.MaxK, c.Serving.DefaultK)
	}
	if c.Serving.BreakerFailureThreshold < 1 {
		return fmt.Errorf("serving.breaker_failure_threshold must be at least 1")
	}

	return nil
}

// ListenAddr joins the configured server host and port.
func (c *Config) ListenAddr() string {
	return fmt.Sprintf("%s:%d", c.Server.Host, c.Server.Port)
}
