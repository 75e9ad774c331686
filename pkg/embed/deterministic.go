package embed

import (
	"context"
	"encoding/binary"
	"math"

	"golang.org/x/crypto/blake2b"

	"github.com/orneryd/muninn/pkg/math/vector"
)

// DefaultDeterministicDimensions is the vector size the offline
// provider produces when none is configured.
const DefaultDeterministicDimensions = 256

// Deterministic is an offline Embedder that derives vectors from a
// BLAKE2b XOF over the input text. The same text always maps to the
// same unit vector, within and across processes, with no network or
// model involved.
//
// It carries no semantic signal: two unrelated texts are simply two
// pseudo-random directions. That is enough for tests and for running
// the search loop air-gapped, where the similarity ranking only needs
// to be stable, not meaningful.
type Deterministic struct {
	dimensions int
}

var _ Embedder = (*Deterministic)(nil)

// NewDeterministic creates an offline embedder producing vectors of
// the given size. Non-positive dimensions fall back to
// DefaultDeterministicDimensions.
func NewDeterministic(dimensions int) *Deterministic {
	if dimensions <= 0 {
		dimensions = DefaultDeterministicDimensions
	}
	return &Deterministic{dimensions: dimensions}
}

// Embed derives the unit vector for text. Never fails; the ctx
// parameter exists only to satisfy the Embedder contract.
func (d *Deterministic) Embed(_ context.Context, text string) ([]float32, error) {
	// XOF output length: 8 bytes per component, mapped to [-1, 1).
	xof, err := blake2b.NewXOF(uint32(d.dimensions*8), nil)
	if err != nil {
		return nil, err
	}
	if _, err := xof.Write([]byte(text)); err != nil {
		return nil, err
	}

	buf := make([]byte, d.dimensions*8)
	if _, err := xof.Read(buf); err != nil {
		return nil, err
	}

	vec := make([]float32, d.dimensions)
	for i := range vec {
		u := binary.LittleEndian.Uint64(buf[i*8:])
		vec[i] = float32(float64(u)/float64(math.MaxUint64)*2 - 1)
	}
	vector.NormalizeInPlace(vec)
	return vec, nil
}

// EmbedBatch derives vectors for each text.
func (d *Deterministic) EmbedBatch(ctx context.Context, texts []string) ([][]float32, error) {
	results := make([][]float32, len(texts))
	for i, text := range texts {
		vec, err := d.Embed(ctx, text)
		if err != nil {
			return nil, err
		}
		results[i] = vec
	}
	return results, nil
}

// Dimensions returns the vector size.
func (d *Deterministic) Dimensions() int {
	return d.dimensions
}

// Model identifies the derivation scheme.
func (d *Deterministic) Model() string {
	return "blake2b-xof"
}
