// Kestrel - Real-Time Feature Aggregation and Recommendation Serving
// Copyright 2026 Kestrel Labs
// SPDX-License-Identifier: Apache-2.0
// https://github.com/kestrellabs/kestrel

package retriever

import (
	"context"
	"math"
	"sort"
	"sync"
)

// MemoryIndex is a brute-force cosine similarity oracle over item
// embeddings. Linear scan per query keeps it exact; suitable up to the
// low hundreds of thousands of items.
type MemoryIndex struct {
	mu      sync.RWMutex
	vectors map[string][]float64
	norms   map[string]float64
}

// NewMemoryIndex creates an empty index.
func NewMemoryIndex() *MemoryIndex {
	return &MemoryIndex{
		vectors: make(map[string][]float64),
		norms:   make(map[string]float64),
	}
}

// Upsert adds or replaces an item's embedding. Zero-length or
// zero-norm vectors remove the item instead, since cosine similarity
// is undefined for them.
func (idx *MemoryIndex) Upsert(itemID string, embedding []float64) {
	norm := vectorNorm(embedding)
	idx.mu.Lock()
	defer idx.mu.Unlock()
	if norm == 0 {
		delete(idx.vectors, itemID)
		delete(idx.norms, itemID)
		return
	}
	vec := make([]float64, len(embedding))
	copy(vec, embedding)
	idx.vectors[itemID] = vec
	idx.norms[itemID] = norm
}

// Delete removes an item from the index.
func (idx *MemoryIndex) Delete(itemID string) {
	idx.mu.Lock()
	defer idx.mu.Unlock()
	delete(idx.vectors, itemID)
	delete(idx.norms, itemID)
}

// Len returns the number of indexed items.
func (idx *MemoryIndex) Len() int {
	idx.mu.RLock()
	defer idx.mu.RUnlock()
	return len(idx.vectors)
}

// Nearest implements Oracle. Results are sorted by cosine similarity
// descending with ties broken on item ID.
func (idx *MemoryIndex) Nearest(ctx context.Context, embedding []float64, k int) ([]Neighbor, error) {
	if k < 1 {
		return nil, nil
	}
	qnorm := vectorNorm(embedding)
	if qnorm == 0 {
		return nil, nil
	}

	idx.mu.RLock()
	defer idx.mu.RUnlock()

	neighbors := make([]Neighbor, 0, len(idx.vectors))
	for itemID, vec := range idx.vectors {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		if len(vec) != len(embedding) {
			continue
		}
		dot := 0.0
		for i := range vec {
			dot += vec[i] * embedding[i]
		}
		neighbors = append(neighbors, Neighbor{
			ItemID: itemID,
			Score:  dot / (qnorm * idx.norms[itemID]),
		})
	}

	sort.Slice(neighbors, func(i, j int) bool {
		if neighbors[i].Score != neighbors[j].Score {
			return neighbors[i].Score > neighbors[j].Score
		}
		return neighbors[i].ItemID < neighbors[j].ItemID
	})
	if len(neighbors) > k {
		neighbors = neighbors[:k]
	}
	return neighbors, nil
}

func vectorNorm(vec []float64) float64 {
	sum := 0.0
	for _, v := range vec {
		sum += v * v
	}
	return math.Sqrt(sum)
}
