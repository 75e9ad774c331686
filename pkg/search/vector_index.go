// Package search provides the in-process similarity index over node
// embeddings.
//
// The index is exact: every query scans the stored vectors for the
// requested node kind and ranks them by cosine similarity. Vectors are
// normalized on insert so the scan reduces to a dot product per row.
// Result order is fully deterministic (descending similarity, equal
// scores broken by ascending id), which the selection layer above
// depends on for reproducible runs.
//
// The index holds no durable state. It is rebuilt from the graph
// store's Node.Embedding fields when the database opens.
package search

import (
	"context"
	"errors"
	"sort"
	"sync"

	"github.com/orneryd/muninn/pkg/math/vector"
	"github.com/orneryd/muninn/pkg/pool"
)

// ErrDimensionMismatch is returned when a vector's length disagrees
// with the index dimensions.
var ErrDimensionMismatch = errors.New("vector dimension mismatch")

// Result is one similarity hit.
type Result struct {
	// ID is the node id the vector was stored under.
	ID string

	// Similarity is the cosine similarity to the query, in [-1, 1].
	Similarity float64
}

// VectorIndex is a type-scoped brute-force cosine index.
//
// Entries live in per-kind maps (kind is the node label: Idea,
// Scenario, Context), so a search never sees vectors of another kind.
// Safe for concurrent use.
type VectorIndex struct {
	dimensions int

	mu    sync.RWMutex
	kinds map[string]map[string][]float32
}

// NewVectorIndex creates an empty index for vectors of the given
// dimensionality.
func NewVectorIndex(dimensions int) *VectorIndex {
	return &VectorIndex{
		dimensions: dimensions,
		kinds:      make(map[string]map[string][]float32),
	}
}

// Add inserts or replaces the vector for id under kind. The stored copy
// is normalized to unit length.
func (v *VectorIndex) Add(id, kind string, vec []float32) error {
	if len(vec) != v.dimensions {
		return ErrDimensionMismatch
	}

	normalized := vector.Normalize(vec)

	v.mu.Lock()
	defer v.mu.Unlock()

	byID := v.kinds[kind]
	if byID == nil {
		byID = make(map[string][]float32)
		v.kinds[kind] = byID
	}
	byID[id] = normalized
	return nil
}

// Remove deletes id from every kind. Deleting an absent id is a no-op.
func (v *VectorIndex) Remove(id string) {
	v.mu.Lock()
	defer v.mu.Unlock()

	for kind, byID := range v.kinds {
		delete(byID, id)
		if len(byID) == 0 {
			delete(v.kinds, kind)
		}
	}
}

// Has reports whether a vector is stored for id under kind.
func (v *VectorIndex) Has(id, kind string) bool {
	v.mu.RLock()
	defer v.mu.RUnlock()
	_, ok := v.kinds[kind][id]
	return ok
}

// Len returns the number of vectors stored under kind.
func (v *VectorIndex) Len(kind string) int {
	v.mu.RLock()
	defer v.mu.RUnlock()
	return len(v.kinds[kind])
}

// Dimensions returns the vector dimensionality the index accepts.
func (v *VectorIndex) Dimensions() int {
	return v.dimensions
}

// Search returns up to limit entries of the given kind ranked by cosine
// similarity to query, highest first. Equal similarities order by
// ascending id. An empty or unknown kind yields an empty result.
func (v *VectorIndex) Search(ctx context.Context, query []float32, kind string, limit int) ([]Result, error) {
	return v.SearchFiltered(ctx, query, kind, limit, nil)
}

// SearchFiltered is Search with an id predicate: entries for which
// accept returns false are skipped. A nil accept admits everything.
// The predicate is the scoping hook for callers that want to restrict
// a lookup to, say, scenarios tested under one context.
func (v *VectorIndex) SearchFiltered(ctx context.Context, query []float32, kind string, limit int, accept func(id string) bool) ([]Result, error) {
	if len(query) != v.dimensions {
		return nil, ErrDimensionMismatch
	}
	if limit <= 0 {
		return []Result{}, nil
	}

	// Normalize into pooled scratch so the scan is one dot product per
	// row with no per-call allocation.
	scratch := pool.GetVector(len(query))
	defer pool.PutVector(scratch)
	copy(scratch, query)
	vector.NormalizeInPlace(scratch)

	v.mu.RLock()
	defer v.mu.RUnlock()

	candidates := pool.GetCandidates()
	defer func() { pool.PutCandidates(candidates) }()

	rows := 0
	for id, vec := range v.kinds[kind] {
		// Cancellation check every few rows; the scan itself is cheap.
		if rows%64 == 0 {
			select {
			case <-ctx.Done():
				return nil, ctx.Err()
			default:
			}
		}
		rows++

		if accept != nil && !accept(id) {
			continue
		}
		candidates = append(candidates, pool.Candidate{
			ID:         id,
			Similarity: vector.DotProduct(scratch, vec),
		})
	}

	sort.Slice(candidates, func(i, j int) bool {
		if candidates[i].Similarity != candidates[j].Similarity {
			return candidates[i].Similarity > candidates[j].Similarity
		}
		return candidates[i].ID < candidates[j].ID
	})

	if len(candidates) > limit {
		candidates = candidates[:limit]
	}

	results := make([]Result, len(candidates))
	for i, c := range candidates {
		results[i] = Result{ID: c.ID, Similarity: c.Similarity}
	}
	return results, nil
}
