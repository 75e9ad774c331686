package search

import (
	"context"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestVectorIndexAdd(t *testing.T) {
	idx := NewVectorIndex(3)

	t.Run("accepts matching dimensions", func(t *testing.T) {
		require.NoError(t, idx.Add("a", "Idea", []float32{1, 0, 0}))
		assert.True(t, idx.Has("a", "Idea"))
		assert.Equal(t, 1, idx.Len("Idea"))
	})

	t.Run("rejects wrong dimensions", func(t *testing.T) {
		err := idx.Add("b", "Idea", []float32{1, 0})
		assert.ErrorIs(t, err, ErrDimensionMismatch)
	})

	t.Run("replaces existing entry", func(t *testing.T) {
		require.NoError(t, idx.Add("a", "Idea", []float32{0, 1, 0}))
		assert.Equal(t, 1, idx.Len("Idea"))
	})
}

func TestVectorIndexSearchScopedByKind(t *testing.T) {
	idx := NewVectorIndex(3)
	require.NoError(t, idx.Add("idea-1", "Idea", []float32{1, 0, 0}))
	require.NoError(t, idx.Add("idea-2", "Idea", []float32{0, 1, 0}))
	require.NoError(t, idx.Add("scn-1", "Scenario", []float32{1, 0, 0}))

	results, err := idx.Search(context.Background(), []float32{1, 0, 0}, "Idea", 10)
	require.NoError(t, err)
	require.Len(t, results, 2)
	for _, r := range results {
		assert.NotEqual(t, "scn-1", r.ID, "scenario vector leaked into idea search")
	}
	assert.Equal(t, "idea-1", results[0].ID)
	assert.InDelta(t, 1.0, results[0].Similarity, 1e-6)
}

func TestVectorIndexSearchLimit(t *testing.T) {
	idx := NewVectorIndex(2)
	for i := 0; i < 20; i++ {
		require.NoError(t, idx.Add(fmt.Sprintf("n-%02d", i), "Idea", []float32{1, float32(i)}))
	}

	results, err := idx.Search(context.Background(), []float32{1, 0}, "Idea", 5)
	require.NoError(t, err)
	assert.Len(t, results, 5)

	results, err = idx.Search(context.Background(), []float32{1, 0}, "Idea", 0)
	require.NoError(t, err)
	assert.Empty(t, results)
}

func TestVectorIndexSearchTieBreaksByID(t *testing.T) {
	idx := NewVectorIndex(2)
	// Same direction, so identical similarity to any query.
	require.NoError(t, idx.Add("zz", "Idea", []float32{2, 0}))
	require.NoError(t, idx.Add("aa", "Idea", []float32{4, 0}))
	require.NoError(t, idx.Add("mm", "Idea", []float32{1, 0}))

	results, err := idx.Search(context.Background(), []float32{1, 0}, "Idea", 3)
	require.NoError(t, err)
	require.Len(t, results, 3)
	assert.Equal(t, "aa", results[0].ID)
	assert.Equal(t, "mm", results[1].ID)
	assert.Equal(t, "zz", results[2].ID)
}

func TestVectorIndexSearchEmptyKind(t *testing.T) {
	idx := NewVectorIndex(2)

	results, err := idx.Search(context.Background(), []float32{1, 0}, "Context", 5)
	require.NoError(t, err)
	assert.Empty(t, results)
}

func TestVectorIndexSearchFiltered(t *testing.T) {
	idx := NewVectorIndex(2)
	require.NoError(t, idx.Add("keep", "Scenario", []float32{1, 0}))
	require.NoError(t, idx.Add("skip", "Scenario", []float32{1, 0}))

	results, err := idx.SearchFiltered(context.Background(), []float32{1, 0}, "Scenario", 10,
		func(id string) bool { return id != "skip" })
	require.NoError(t, err)
	require.Len(t, results, 1)
	assert.Equal(t, "keep", results[0].ID)
}

func TestVectorIndexSearchDimensionMismatch(t *testing.T) {
	idx := NewVectorIndex(3)
	_, err := idx.Search(context.Background(), []float32{1, 0}, "Idea", 5)
	assert.ErrorIs(t, err, ErrDimensionMismatch)
}

func TestVectorIndexSearchCancelled(t *testing.T) {
	idx := NewVectorIndex(2)
	require.NoError(t, idx.Add("a", "Idea", []float32{1, 0}))

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := idx.Search(ctx, []float32{1, 0}, "Idea", 5)
	assert.ErrorIs(t, err, context.Canceled)
}

func TestVectorIndexRemove(t *testing.T) {
	idx := NewVectorIndex(2)
	require.NoError(t, idx.Add("a", "Idea", []float32{1, 0}))
	require.NoError(t, idx.Add("a", "Scenario", []float32{0, 1}))

	idx.Remove("a")

	assert.False(t, idx.Has("a", "Idea"))
	assert.False(t, idx.Has("a", "Scenario"))
	assert.Equal(t, 0, idx.Len("Idea"))

	// Removing again is harmless.
	idx.Remove("a")
}
