// Kestrel - Real-Time Feature Aggregation and Recommendation Serving
// Copyright 2026 Kestrel Labs
// SPDX-License-Identifier: Apache-2.0
// https://github.com/kestrellabs/kestrel

package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/ThreeDotsLabs/watermill"
	"github.com/ThreeDotsLabs/watermill/message"
	natsserver "github.com/nats-io/nats-server/v2/server"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/kestrellabs/kestrel/internal/aggregator"
	"github.com/kestrellabs/kestrel/internal/api"
	"github.com/kestrellabs/kestrel/internal/config"
	"github.com/kestrellabs/kestrel/internal/feature"
	"github.com/kestrellabs/kestrel/internal/logging"
	"github.com/kestrellabs/kestrel/internal/retriever"
	"github.com/kestrellabs/kestrel/internal/serving"
	"github.com/kestrellabs/kestrel/internal/store"
	"github.com/kestrellabs/kestrel/internal/stream"
)

func init() {
	rootCmd.AddCommand(serveCmd)
}

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the full pipeline: ingest, aggregation, and serving",
	RunE:  runServe,
}

// indexRefreshInterval bounds how stale the in-memory vector index can
// get relative to the durable item table.
const indexRefreshInterval = 5 * time.Minute

func runServe(cmd *cobra.Command, args []string) error {
	cfg, err := config.Load()
	if err != nil {
		return err
	}
	logging.Init(logging.Config{Level: cfg.Logging.Level, Format: cfg.Logging.Format})

	gw, err := openGateway(cfg)
	if err != nil {
		return err
	}
	defer gw.Close()

	agg := aggregator.New(gw, aggregator.Options{
		MaxFutureSkew:      cfg.Aggregator.MaxFutureSkew,
		PopularityHalfLife: cfg.Aggregator.PopularityHalfLife,
		RecentItemsLimit:   cfg.Aggregator.RecentItemsLimit,
		DedupCacheSize:     cfg.Aggregator.DedupCacheSize,
		EventWeights:       cfg.Aggregator.EventWeights,
	})

	pub, sub, ns, err := openTransport(cfg)
	if err != nil {
		return err
	}
	if ns != nil {
		defer ns.Shutdown()
	}

	router, err := stream.NewRouter(stream.RouterConfig{
		CloseTimeout:     cfg.Stream.CloseTimeout,
		RetryCount:       cfg.Stream.RetryCount,
		RetryInterval:    cfg.Stream.RetryInterval,
		RetryMaxInterval: cfg.Stream.RetryMaxInterval,
		PoisonTopic:      cfg.Stream.PoisonTopic,
	}, pub, logging.NewWatermillAdapter())
	if err != nil {
		return err
	}
	router.AddPartitionHandlers("aggregate", cfg.Stream.TopicPrefix, cfg.Stream.Partitions,
		sub, aggregator.NewHandler(agg).Handle)

	index := retriever.NewMemoryIndex()
	if err := refreshIndex(cmd.Context(), gw, index); err != nil {
		logging.Warn().Err(err).Msg("Initial vector index build failed, starting empty")
	}

	primary := retriever.NewPrimary(gw, index, cfg.Retriever.OracleTimeout)
	fallback := retriever.NewFallback(gw, cfg.Aggregator.PopularityHalfLife)
	orchestrator := serving.New(primary, fallback, serving.Options{
		DefaultK:                cfg.Serving.DefaultK,
		MaxK:                    cfg.Serving.MaxK,
		ResponseCacheTTL:        cfg.Serving.ResponseCacheTTL,
		ResponseCacheSize:       cfg.Serving.ResponseCacheSize,
		RetryDelay:              cfg.Serving.RetryDelay,
		BreakerFailureThreshold: cfg.Serving.BreakerFailureThreshold,
		BreakerCooldown:         cfg.Serving.BreakerCooldown,
		BreakerHalfOpenRequests: cfg.Serving.BreakerHalfOpenRequests,
	})

	publisher := stream.NewEventPublisher(pub, cfg.Stream.TopicPrefix, cfg.Stream.Partitions)

	var ready atomic.Bool
	handler := api.NewHandler(orchestrator, publisher, fallback, ready.Load, cfg.Serving.MaxK)
	httpServer := &http.Server{
		Addr: cfg.ListenAddr(),
		Handler: api.NewRouter(handler, api.RouterOptions{
			RateLimitRPS:   cfg.Server.RateLimitRPS,
			RateLimitBurst: cfg.Server.RateLimitBurst,
		}),
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		return router.Run(gctx)
	})

	g.Go(func() error {
		select {
		case <-router.Running():
			ready.Store(true)
			logging.Info().Str("addr", cfg.ListenAddr()).Msg("Pipeline ready")
		case <-gctx.Done():
		}
		return nil
	})

	g.Go(func() error {
		logging.Info().Str("addr", cfg.ListenAddr()).Msg("HTTP server starting")
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("http server: %w", err)
		}
		return nil
	})

	g.Go(func() error {
		<-gctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
		defer cancel()
		return httpServer.Shutdown(shutdownCtx)
	})

	g.Go(func() error {
		ticker := time.NewTicker(indexRefreshInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				if err := refreshIndex(gctx, gw, index); err != nil {
					logging.Warn().Err(err).Msg("Vector index refresh failed")
				}
			case <-gctx.Done():
				return nil
			}
		}
	})

	err = g.Wait()
	if err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	logging.Info().Msg("Shutdown complete")
	return nil
}

// openGateway builds the two-tier feature store from config.
func openGateway(cfg *config.Config) (*store.Gateway, error) {
	var durable store.DurableStore
	var err error
	switch cfg.Store.Backend {
	case "postgres":
		durable, err = store.OpenPostgres(cfg.Store.DSN)
	default:
		durable, err = store.OpenBadger(store.BadgerOptions{
			Path:       cfg.Store.Path,
			InMemory:   cfg.Store.InMemory,
			SyncWrites: cfg.Store.SyncWrites,
		})
	}
	if err != nil {
		return nil, err
	}

	var cacheTier store.Cache
	switch cfg.Cache.Backend {
	case "redis":
		cacheTier, err = store.NewRedisCache(context.Background(), store.RedisOptions{
			Addr:     cfg.Cache.RedisAddr,
			DB:       cfg.Cache.RedisDB,
			Password: cfg.Cache.RedisPassword,
		})
		if err != nil {
			_ = durable.Close()
			return nil, err
		}
	default:
		cacheTier = store.NewMemoryCache(cfg.Cache.Capacity, cfg.Cache.TTL)
	}

	return store.NewGateway(durable, cacheTier, store.GatewayOptions{
		CacheTTL:       cfg.Cache.TTL,
		DedupRetention: cfg.Aggregator.DedupRetention,
	}), nil
}

// openTransport builds the event stream transport. In embedded mode a
// NATS server runs inside the process; channel mode is purely
// in-memory for development.
func openTransport(cfg *config.Config) (message.Publisher, message.Subscriber, *natsserver.Server, error) {
	wmLogger := logging.NewWatermillAdapter()

	switch cfg.Stream.Mode {
	case "channel":
		ps := stream.NewChannelPubSub(wmLogger)
		return ps, ps, nil, nil

	case "embedded":
		ns, err := stream.StartEmbeddedServer(stream.EmbeddedServerConfig{
			StoreDir:  cfg.Stream.StoreDir,
			MaxMemory: cfg.Stream.MaxMemory,
			MaxStore:  cfg.Stream.MaxStore,
		})
		if err != nil {
			return nil, nil, nil, err
		}
		pub, sub, err := natsPubSub(cfg, ns.ClientURL(), wmLogger)
		if err != nil {
			ns.Shutdown()
			return nil, nil, nil, err
		}
		return pub, sub, ns, nil

	default: // "nats"
		pub, sub, err := natsPubSub(cfg, cfg.Stream.URL, wmLogger)
		return pub, sub, nil, err
	}
}

func natsPubSub(cfg *config.Config, url string, wmLogger watermill.LoggerAdapter) (message.Publisher, message.Subscriber, error) {
	natsCfg := stream.NATSConfig{
		URL:              url,
		QueueGroup:       cfg.Stream.QueueGroup,
		SubscribersCount: cfg.Stream.SubscribersCount,
		AckWait:          cfg.Stream.AckWait,
		CloseTimeout:     cfg.Stream.CloseTimeout,
	}
	pub, err := stream.NewNATSPublisher(natsCfg, wmLogger)
	if err != nil {
		return nil, nil, err
	}
	sub, err := stream.NewNATSSubscriber(natsCfg, wmLogger)
	if err != nil {
		_ = pub.Close()
		return nil, nil, err
	}
	return pub, sub, nil
}

// refreshIndex rebuilds the vector index from the durable item table.
func refreshIndex(ctx context.Context, gw *store.Gateway, index *retriever.MemoryIndex) error {
	count := 0
	err := gw.EachItem(ctx, func(state *feature.ItemState) error {
		if len(state.Embedding) > 0 {
			index.Upsert(state.ItemID, state.Embedding)
			count++
		}
		return nil
	})
	if err != nil {
		return err
	}
	logging.Debug().Int("items", count).Msg("Vector index refreshed")
	return nil
}
