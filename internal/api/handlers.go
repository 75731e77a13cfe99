// Kestrel - Real-Time Feature Aggregation and Recommendation Serving
// Copyright 2026 Kestrel Labs
// SPDX-License-Identifier: Apache-2.0
// https://github.com/kestrellabs/kestrel

// Package api exposes the HTTP surface: event ingest, recommendation
// serving, popularity listing, and health probes.
package api

import (
	"context"
	"errors"
	"net/http"
	"strconv"
	"time"

	json "github.com/goccy/go-json"

	"github.com/kestrellabs/kestrel/internal/event"
	"github.com/kestrellabs/kestrel/internal/logging"
	"github.com/kestrellabs/kestrel/internal/serving"
	"github.com/kestrellabs/kestrel/internal/store"
)

// Recommender serves recommendation requests.
type Recommender interface {
	Serve(ctx context.Context, req serving.Request) (*serving.Result, error)
}

// EventSink accepts events for asynchronous folding.
type EventSink interface {
	Publish(ctx context.Context, ev *event.Event) error
}

// PopularityLister returns the current popularity ranking.
type PopularityLister interface {
	Retrieve(ctx context.Context, k int) ([]store.RankedItem, error)
}

// Handler holds the HTTP handlers and their dependencies.
type Handler struct {
	recommender Recommender
	sink        EventSink
	popularity  PopularityLister
	ready       func() bool
	maxK        int
}

// NewHandler wires the handlers. ready gates the readiness probe; nil
// means always ready.
func NewHandler(recommender Recommender, sink EventSink, popularity PopularityLister, ready func() bool, maxK int) *Handler {
	if ready == nil {
		ready = func() bool { return true }
	}
	if maxK <= 0 {
		maxK = 100
	}
	return &Handler{
		recommender: recommender,
		sink:        sink,
		popularity:  popularity,
		ready:       ready,
		maxK:        maxK,
	}
}

// ingestResponse acknowledges an accepted event.
type ingestResponse struct {
	EventID string `json:"event_id"`
	Status  string `json:"status"`
}

// IngestEvent accepts one interaction event and queues it for folding.
// Acceptance is not application: validation happens in the aggregator,
// so a 202 only promises the event entered the stream.
func (h *Handler) IngestEvent(w http.ResponseWriter, r *http.Request) {
	defer r.Body.Close()

	ev := &event.Event{}
	if err := json.NewDecoder(r.Body).Decode(ev); err != nil {
		writeError(w, http.StatusBadRequest, "invalid event payload: "+err.Error())
		return
	}
	if ev.OccurredAt.IsZero() {
		ev.OccurredAt = time.Now().UTC()
	}
	ev.EnsureID()
	if err := ev.Validate(); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	if err := h.sink.Publish(r.Context(), ev); err != nil {
		logging.Error().Err(err).Str("event_id", ev.EventID).Msg("Event ingest failed")
		writeError(w, http.StatusServiceUnavailable, "event could not be queued")
		return
	}

	writeJSON(w, http.StatusAccepted, ingestResponse{EventID: ev.EventID, Status: "accepted"})
}

// Recommendations serves GET /api/v1/recommendations?user_id=&k=.
func (h *Handler) Recommendations(w http.ResponseWriter, r *http.Request) {
	query := r.URL.Query()

	userID := query.Get("user_id")
	if userID == "" {
		writeError(w, http.StatusBadRequest, "user_id is required")
		return
	}

	k := 0
	if raw := query.Get("k"); raw != "" {
		parsed, err := strconv.Atoi(raw)
		if err != nil || parsed < 1 {
			writeError(w, http.StatusBadRequest, "k must be a positive integer")
			return
		}
		k = parsed
	}

	result, err := h.recommender.Serve(r.Context(), serving.Request{UserID: userID, K: k})
	switch {
	case errors.Is(err, serving.ErrInvalidRequest):
		writeError(w, http.StatusBadRequest, err.Error())
	case errors.Is(err, serving.ErrFallbackExhausted):
		writeError(w, http.StatusServiceUnavailable, "no recommendations available")
	case err != nil:
		logging.Error().Err(err).Str("user_id", userID).Msg("Recommendation serving failed")
		writeError(w, http.StatusInternalServerError, "internal error")
	default:
		writeJSON(w, http.StatusOK, result)
	}
}

// topItemsResponse lists the popularity ranking.
type topItemsResponse struct {
	Items []store.RankedItem `json:"items"`
}

// TopItems serves GET /api/v1/items/top?k=.
func (h *Handler) TopItems(w http.ResponseWriter, r *http.Request) {
	k := 10
	if raw := r.URL.Query().Get("k"); raw != "" {
		parsed, err := strconv.Atoi(raw)
		if err != nil || parsed < 1 || parsed > h.maxK {
			writeError(w, http.StatusBadRequest, "k must be between 1 and "+strconv.Itoa(h.maxK))
			return
		}
		k = parsed
	}

	items, err := h.popularity.Retrieve(r.Context(), k)
	if err != nil {
		logging.Error().Err(err).Msg("Popularity listing failed")
		writeError(w, http.StatusInternalServerError, "internal error")
		return
	}
	if items == nil {
		items = []store.RankedItem{}
	}
	writeJSON(w, http.StatusOK, topItemsResponse{Items: items})
}

// HealthLive reports process liveness.
func (h *Handler) HealthLive(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// HealthReady reports whether the pipeline can serve traffic.
func (h *Handler) HealthReady(w http.ResponseWriter, r *http.Request) {
	if !h.ready() {
		writeError(w, http.StatusServiceUnavailable, "not ready")
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ready"})
}
