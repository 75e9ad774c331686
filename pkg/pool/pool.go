// Package pool provides object pooling for Muninn's similarity search
// hot path.
//
// Every FindSimilar call scans the whole candidate set for a node type,
// scoring each stored vector against the query. Pooling the query scratch
// buffer and the candidate slice keeps the scan allocation-free between
// calls, which matters when the MCTS loop issues similarity lookups on
// every expansion.
//
// Usage:
//
//	scratch := pool.GetVector(dims)
//	defer pool.PutVector(scratch)
//
//	hits := pool.GetCandidates()
//	defer pool.PutCandidates(hits)
package pool

import (
	"sync"
)

// Config controls pooling behavior.
type Config struct {
	// Enabled controls whether pooling is active. When false the Get
	// functions allocate fresh values and the Put functions are no-ops.
	Enabled bool

	// MaxCap limits the capacity of slices returned to a pool.
	// Oversized slices are dropped instead of pooled.
	MaxCap int
}

var globalConfig = Config{
	Enabled: true,
	MaxCap:  8192,
}

// Configure sets global pool configuration. Call early during startup.
func Configure(cfg Config) {
	globalConfig = cfg
}

// IsEnabled reports whether pooling is active.
func IsEnabled() bool {
	return globalConfig.Enabled
}

// Candidate is a scored id produced by a similarity scan.
type Candidate struct {
	ID         string
	Similarity float64
}

var vectorPool = sync.Pool{
	New: func() any {
		return make([]float32, 0, 1536)
	},
}

// GetVector returns a float32 buffer with length n from the pool.
// Contents are unspecified; callers overwrite every element.
func GetVector(n int) []float32 {
	if !globalConfig.Enabled {
		return make([]float32, n)
	}
	buf := vectorPool.Get().([]float32)
	if cap(buf) < n {
		return make([]float32, n)
	}
	return buf[:n]
}

// PutVector returns a buffer to the pool.
func PutVector(buf []float32) {
	if !globalConfig.Enabled || buf == nil {
		return
	}
	if cap(buf) > globalConfig.MaxCap {
		return
	}
	vectorPool.Put(buf[:0])
}

var candidatePool = sync.Pool{
	New: func() any {
		return make([]Candidate, 0, 64)
	},
}

// GetCandidates returns an empty candidate slice from the pool.
func GetCandidates() []Candidate {
	if !globalConfig.Enabled {
		return make([]Candidate, 0, 64)
	}
	return candidatePool.Get().([]Candidate)[:0]
}

// PutCandidates returns a candidate slice to the pool.
// Entries are cleared so pooled slices never pin old ids.
func PutCandidates(c []Candidate) {
	if !globalConfig.Enabled || c == nil {
		return
	}
	if cap(c) > globalConfig.MaxCap {
		return
	}
	for i := range c {
		c[i] = Candidate{}
	}
	candidatePool.Put(c[:0])
}
