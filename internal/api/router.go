// Kestrel - Real-Time Feature Aggregation and Recommendation Serving
// Copyright 2026 Kestrel Labs
// SPDX-License-Identifier: Apache-2.0
// https://github.com/kestrellabs/kestrel

package api

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	chimiddleware "github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// RouterOptions tunes the HTTP middleware stack.
type RouterOptions struct {
	RateLimitRPS   float64
	RateLimitBurst int
}

// NewRouter assembles all routes. Health probes stay outside the rate
// limiter so orchestration platforms are never throttled.
func NewRouter(handler *Handler, opts RouterOptions) http.Handler {
	r := chi.NewRouter()

	r.Use(RequestID)
	r.Use(chimiddleware.RealIP)
	r.Use(chimiddleware.Recoverer)

	r.Route("/api/v1/health", func(r chi.Router) {
		r.Get("/", handler.HealthLive)
		r.Get("/live", handler.HealthLive)
		r.Get("/ready", handler.HealthReady)
	})

	r.Route("/api/v1", func(r chi.Router) {
		r.Use(RateLimit(opts.RateLimitRPS, opts.RateLimitBurst))
		r.Use(PrometheusMetrics)

		r.Post("/events", handler.IngestEvent)
		r.Get("/recommendations", handler.Recommendations)
		r.Get("/items/top", handler.TopItems)
	})

	r.Handle("/metrics", promhttp.Handler())

	return r
}
