package embed

import (
	"context"
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDeterministicStable(t *testing.T) {
	d := NewDeterministic(128)

	a, err := d.Embed(context.Background(), "mean reversion on SPY")
	require.NoError(t, err)
	b, err := d.Embed(context.Background(), "mean reversion on SPY")
	require.NoError(t, err)

	assert.Equal(t, a, b, "same text must derive the same vector")
	assert.Len(t, a, 128)
}

func TestDeterministicDistinctTexts(t *testing.T) {
	d := NewDeterministic(128)

	a, err := d.Embed(context.Background(), "mean reversion on SPY")
	require.NoError(t, err)
	b, err := d.Embed(context.Background(), "momentum rotation on QQQ")
	require.NoError(t, err)

	assert.NotEqual(t, a, b)
}

func TestDeterministicUnitLength(t *testing.T) {
	d := NewDeterministic(64)

	vec, err := d.Embed(context.Background(), "pairs trading")
	require.NoError(t, err)

	var sum float64
	for _, x := range vec {
		sum += float64(x) * float64(x)
	}
	assert.InDelta(t, 1.0, math.Sqrt(sum), 1e-5)
}

func TestDeterministicDefaults(t *testing.T) {
	d := NewDeterministic(0)
	assert.Equal(t, DefaultDeterministicDimensions, d.Dimensions())
	assert.Equal(t, "blake2b-xof", d.Model())
}

func TestDeterministicEmbedBatch(t *testing.T) {
	d := NewDeterministic(32)

	vecs, err := d.EmbedBatch(context.Background(), []string{"one", "two", "one"})
	require.NoError(t, err)
	require.Len(t, vecs, 3)
	assert.Equal(t, vecs[0], vecs[2])
	assert.NotEqual(t, vecs[0], vecs[1])
}
