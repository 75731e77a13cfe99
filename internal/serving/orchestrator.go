// Kestrel - Real-Time Feature Aggregation and Recommendation Serving
// Copyright 2026 Kestrel Labs
// SPDX-License-Identifier: Apache-2.0
// https://github.com/kestrellabs/kestrel

// Package serving orchestrates recommendation requests across the
// response cache, the similarity path behind a circuit breaker, and
// the popularity fallback. A request only fails outright when every
// path, fallback included, has nothing to offer.
package serving

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/sony/gobreaker/v2"

	"github.com/kestrellabs/kestrel/internal/cache"
	"github.com/kestrellabs/kestrel/internal/logging"
	"github.com/kestrellabs/kestrel/internal/metrics"
	"github.com/kestrellabs/kestrel/internal/retriever"
	"github.com/kestrellabs/kestrel/internal/store"
)

var (
	// ErrInvalidRequest reports a request that cannot be served as asked.
	ErrInvalidRequest = errors.New("serving: invalid request")

	// ErrFallbackExhausted reports that even the popularity fallback
	// returned nothing. It is the only server-side failure Serve emits.
	ErrFallbackExhausted = errors.New("serving: no candidates available")
)

// Result sources.
const (
	SourceCache    = "cache"
	SourcePrimary  = "primary"
	SourceFallback = "fallback"
)

// Request asks for the top K recommendations for a user.
type Request struct {
	UserID string
	K      int
}

// Result is a served recommendation list and where it came from.
type Result struct {
	UserID      string             `json:"user_id"`
	Items       []store.RankedItem `json:"items"`
	Source      string             `json:"source"`
	GeneratedAt time.Time          `json:"generated_at"`
}

// Options tunes the serve path.
type Options struct {
	DefaultK                int
	MaxK                    int
	ResponseCacheTTL        time.Duration
	ResponseCacheSize       int
	RetryDelay              time.Duration
	BreakerFailureThreshold uint32
	BreakerCooldown         time.Duration
	BreakerHalfOpenRequests uint32
}

// PrimaryRetriever is the similarity path guarded by the breaker.
type PrimaryRetriever interface {
	Retrieve(ctx context.Context, userID string, k int) ([]store.RankedItem, error)
}

// FallbackRetriever is the popularity path. It must not depend on
// per-user state.
type FallbackRetriever interface {
	Retrieve(ctx context.Context, k int) ([]store.RankedItem, error)
}

// cachedResult keeps the K it was computed for, so a cached list can
// satisfy any request asking for that many or fewer.
type cachedResult struct {
	Items []store.RankedItem
	K     int
}

// Orchestrator serves recommendation requests.
type Orchestrator struct {
	primary  PrimaryRetriever
	fallback FallbackRetriever
	breaker  *gobreaker.CircuitBreaker[[]store.RankedItem]
	results  *cache.TTLCache[cachedResult]
	opts     Options
}

// New wires the serve path. The breaker only counts real failures:
// a cold-start user without an embedding is an expected condition and
// never trips it.
func New(primary PrimaryRetriever, fallback FallbackRetriever, opts Options) *Orchestrator {
	if opts.DefaultK <= 0 {
		opts.DefaultK = 10
	}
	if opts.MaxK < opts.DefaultK {
		opts.MaxK = 100
	}
	if opts.ResponseCacheTTL <= 0 {
		opts.ResponseCacheTTL = 60 * time.Second
	}
	if opts.ResponseCacheSize <= 0 {
		opts.ResponseCacheSize = 10000
	}
	if opts.RetryDelay <= 0 {
		opts.RetryDelay = 50 * time.Millisecond
	}
	if opts.BreakerFailureThreshold == 0 {
		opts.BreakerFailureThreshold = 5
	}
	if opts.BreakerCooldown <= 0 {
		opts.BreakerCooldown = 60 * time.Second
	}
	if opts.BreakerHalfOpenRequests == 0 {
		opts.BreakerHalfOpenRequests = 1
	}

	breaker := gobreaker.NewCircuitBreaker[[]store.RankedItem](gobreaker.Settings{
		Name:        "primary-retrieval",
		MaxRequests: opts.BreakerHalfOpenRequests,
		Timeout:     opts.BreakerCooldown,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= opts.BreakerFailureThreshold
		},
		IsSuccessful: func(err error) bool {
			return err == nil || errors.Is(err, retriever.ErrNoEmbedding)
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			metrics.RecordBreakerTransition(from.String(), to.String())
			logging.Warn().
				Str("breaker", name).
				Str("from", from.String()).
				Str("to", to.String()).
				Msg("Circuit breaker state changed")
		},
	})

	return &Orchestrator{
		primary:  primary,
		fallback: fallback,
		breaker:  breaker,
		results:  cache.NewTTLCache[cachedResult](opts.ResponseCacheSize, opts.ResponseCacheTTL),
		opts:     opts,
	}
}

// Serve answers one recommendation request. The path is: response
// cache, then the similarity retriever behind the breaker with a
// single delayed retry, then the popularity fallback. Fallback results
// are never cached, so a recovered primary path takes over immediately.
func (o *Orchestrator) Serve(ctx context.Context, req Request) (*Result, error) {
	k, err := o.normalize(&req)
	if err != nil {
		return nil, err
	}

	if cached, ok := o.results.Get(req.UserID); ok && cached.K >= k {
		metrics.RecordRecommendation(SourceCache)
		metrics.ResponseCacheHits.Inc()
		return &Result{
			UserID:      req.UserID,
			Items:       cached.Items[:min(k, len(cached.Items))],
			Source:      SourceCache,
			GeneratedAt: time.Now().UTC(),
		}, nil
	}
	metrics.ResponseCacheMisses.Inc()

	items, reason := o.retrievePrimary(ctx, req.UserID, k)
	if reason == "" {
		o.results.Set(req.UserID, cachedResult{Items: items, K: k})
		metrics.RecordRecommendation(SourcePrimary)
		return &Result{
			UserID:      req.UserID,
			Items:       items,
			Source:      SourcePrimary,
			GeneratedAt: time.Now().UTC(),
		}, nil
	}

	metrics.RecordFallback(reason)
	logging.Debug().
		Str("user_id", req.UserID).
		Str("reason", reason).
		Msg("Serving from popularity fallback")

	fallbackItems, err := o.fallback.Retrieve(ctx, k)
	if err != nil {
		return nil, fmt.Errorf("fallback retrieval failed: %w", err)
	}
	if len(fallbackItems) == 0 {
		return nil, ErrFallbackExhausted
	}
	metrics.RecordRecommendation(SourceFallback)
	return &Result{
		UserID:      req.UserID,
		Items:       fallbackItems,
		Source:      SourceFallback,
		GeneratedAt: time.Now().UTC(),
	}, nil
}

// retrievePrimary runs the similarity path. An empty reason means
// success; otherwise the reason names why the fallback takes over.
func (o *Orchestrator) retrievePrimary(ctx context.Context, userID string, k int) ([]store.RankedItem, string) {
	items, err := o.executePrimary(ctx, userID, k)
	if retryable(err) {
		select {
		case <-time.After(o.opts.RetryDelay):
		case <-ctx.Done():
			return nil, "retrieval_failed"
		}
		items, err = o.executePrimary(ctx, userID, k)
	}

	switch {
	case errors.Is(err, retriever.ErrNoEmbedding):
		return nil, "no_embedding"
	case errors.Is(err, gobreaker.ErrOpenState), errors.Is(err, gobreaker.ErrTooManyRequests):
		return nil, "breaker_open"
	case err != nil:
		logging.Warn().Err(err).Str("user_id", userID).Msg("Primary retrieval failed")
		return nil, "retrieval_failed"
	case len(items) == 0:
		return nil, "no_candidates"
	default:
		return items, ""
	}
}

func (o *Orchestrator) executePrimary(ctx context.Context, userID string, k int) ([]store.RankedItem, error) {
	return o.breaker.Execute(func() ([]store.RankedItem, error) {
		return o.primary.Retrieve(ctx, userID, k)
	})
}

// retryable excludes conditions a retry cannot improve: expected
// cold-start misses and a breaker that is refusing traffic.
func retryable(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, retriever.ErrNoEmbedding) ||
		errors.Is(err, gobreaker.ErrOpenState) ||
		errors.Is(err, gobreaker.ErrTooManyRequests) {
		return false
	}
	return true
}

func (o *Orchestrator) normalize(req *Request) (int, error) {
	if req.UserID == "" {
		return 0, fmt.Errorf("%w: user_id is required", ErrInvalidRequest)
	}
	k := req.K
	if k <= 0 {
		k = o.opts.DefaultK
	}
	if k > o.opts.MaxK {
		return 0, fmt.Errorf("%w: k %d exceeds maximum %d", ErrInvalidRequest, k, o.opts.MaxK)
	}
	return k, nil
}

// BreakerState exposes the breaker for health reporting.
func (o *Orchestrator) BreakerState() gobreaker.State {
	return o.breaker.State()
}

// InvalidateUser drops the cached response for a user.
func (o *Orchestrator) InvalidateUser(userID string) {
	o.results.Remove(userID)
}
