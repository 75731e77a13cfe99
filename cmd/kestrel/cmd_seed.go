// Kestrel - Real-Time Feature Aggregation and Recommendation Serving
// Copyright 2026 Kestrel Labs
// SPDX-License-Identifier: Apache-2.0
// https://github.com/kestrellabs/kestrel

package main

import (
	"fmt"
	"math"
	"math/rand"
	"time"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/kestrellabs/kestrel/internal/aggregator"
	"github.com/kestrellabs/kestrel/internal/config"
	"github.com/kestrellabs/kestrel/internal/event"
	"github.com/kestrellabs/kestrel/internal/feature"
	"github.com/kestrellabs/kestrel/internal/logging"
)

func init() {
	seedCmd.Flags().Int("users", 50, "number of sample users")
	seedCmd.Flags().Int("items", 200, "number of sample items")
	seedCmd.Flags().Int("events", 2000, "number of sample interaction events")
	seedCmd.Flags().Int("dim", 16, "embedding dimensionality")
	seedCmd.Flags().Int64("rng-seed", 0, "deterministic RNG seed (0 = time-based)")
	rootCmd.AddCommand(seedCmd)
}

var seedCmd = &cobra.Command{
	Use:   "seed",
	Short: "Load sample users, items, and events into the feature store",
	Long: `Seed writes synthetic users and items with random unit embeddings,
then folds a stream of synthetic interaction events through the
aggregator. Useful for local development and demo environments.`,
	RunE: runSeed,
}

var seedEventTypes = []string{"view", "view", "view", "click", "click", "add_to_cart", "purchase", "rating"}

func runSeed(cmd *cobra.Command, args []string) error {
	cfg, err := config.Load()
	if err != nil {
		return err
	}
	logging.Init(logging.Config{Level: cfg.Logging.Level, Format: "console"})

	users, _ := cmd.Flags().GetInt("users")
	items, _ := cmd.Flags().GetInt("items")
	events, _ := cmd.Flags().GetInt("events")
	dim, _ := cmd.Flags().GetInt("dim")
	rngSeed, _ := cmd.Flags().GetInt64("rng-seed")
	if rngSeed == 0 {
		rngSeed = time.Now().UnixNano()
	}
	rng := rand.New(rand.NewSource(rngSeed))

	gw, err := openGateway(cfg)
	if err != nil {
		return err
	}
	defer gw.Close()

	ctx := cmd.Context()
	start := time.Now()

	// Items and users can load concurrently; the gateway retries the
	// occasional version conflict internally.
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(8)

	itemEmbeddings := make([][]float64, items)
	for i := 0; i < items; i++ {
		itemEmbeddings[i] = randomUnitVector(rng, dim)
	}
	for i := 0; i < items; i++ {
		i := i
		g.Go(func() error {
			state := feature.NewItemState(fmt.Sprintf("item-%04d", i))
			state.Embedding = itemEmbeddings[i]
			return gw.PutItem(gctx, state)
		})
	}
	for i := 0; i < users; i++ {
		i := i
		emb := randomUnitVector(rng, dim)
		g.Go(func() error {
			state := feature.NewUserState(fmt.Sprintf("user-%04d", i))
			state.Embedding = emb
			return gw.PutUser(gctx, state)
		})
	}
	if err := g.Wait(); err != nil {
		return fmt.Errorf("seeding state failed: %w", err)
	}

	// Events fold synchronously through the aggregator so that counts
	// and popularity reflect the same path production traffic takes.
	agg := aggregator.New(gw, aggregator.Options{
		MaxFutureSkew:      cfg.Aggregator.MaxFutureSkew,
		PopularityHalfLife: cfg.Aggregator.PopularityHalfLife,
		RecentItemsLimit:   cfg.Aggregator.RecentItemsLimit,
		EventWeights:       cfg.Aggregator.EventWeights,
	})

	applied := 0
	for i := 0; i < events; i++ {
		ev := event.New(
			fmt.Sprintf("user-%04d", rng.Intn(users)),
			fmt.Sprintf("item-%04d", rng.Intn(items)),
			seedEventTypes[rng.Intn(len(seedEventTypes))],
		)
		ev.OccurredAt = time.Now().Add(-time.Duration(rng.Intn(72)) * time.Hour)
		outcome, err := agg.Apply(ctx, ev)
		if err != nil {
			return fmt.Errorf("seeding event %d failed: %w", i, err)
		}
		if outcome == aggregator.OutcomeApplied {
			applied++
		}
	}

	logging.Info().
		Int("users", users).
		Int("items", items).
		Int("events_applied", applied).
		Dur("elapsed", time.Since(start)).
		Msg("Seed complete")
	return nil
}

// randomUnitVector samples a direction uniformly from the unit sphere.
func randomUnitVector(rng *rand.Rand, dim int) []float64 {
	vec := make([]float64, dim)
	norm := 0.0
	for i := range vec {
		vec[i] = rng.NormFloat64()
		norm += vec[i] * vec[i]
	}
	norm = math.Sqrt(norm)
	if norm == 0 {
		vec[0] = 1
		return vec
	}
	for i := range vec {
		vec[i] /= norm
	}
	return vec
}
