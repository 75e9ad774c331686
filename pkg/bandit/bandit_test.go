package bandit

import (
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSelectEmpty(t *testing.T) {
	s := NewSelector(1.0)
	_, err := s.Select(nil)
	assert.ErrorIs(t, err, ErrNoArms)
}

func TestSelectUntestedWinsRegardlessOfConstant(t *testing.T) {
	arms := []Arm{
		{ID: "scn-b", TestCount: 5, TotalScore: 4.0},
		{ID: "scn-a", TestCount: 0},
	}

	for _, c := range []float64{0.01, 1.0, 100.0} {
		s := NewSelector(c)
		got, err := s.Select(arms)
		require.NoError(t, err)
		assert.Equal(t, "scn-a", got.ID, "c=%v", c)
	}
}

func TestSelectUntestedTieBreaksByID(t *testing.T) {
	arms := []Arm{
		{ID: "scn-c", TestCount: 0},
		{ID: "scn-a", TestCount: 0},
		{ID: "scn-b", TestCount: 3, TotalScore: 9.0},
	}

	got, err := NewSelector(1.0).Select(arms)
	require.NoError(t, err)
	assert.Equal(t, "scn-a", got.ID)
}

func TestSelectPrefersHigherUCB(t *testing.T) {
	// With a tiny exploration constant the selection is dominated by the
	// mean score.
	arms := []Arm{
		{ID: "scn-a", TestCount: 10, TotalScore: 2.0}, // mean 0.2
		{ID: "scn-b", TestCount: 10, TotalScore: 8.0}, // mean 0.8
	}

	got, err := NewSelector(0.001).Select(arms)
	require.NoError(t, err)
	assert.Equal(t, "scn-b", got.ID)
}

func TestSelectExplorationFavorsUndertested(t *testing.T) {
	// Equal means; the less-tested arm has the larger exploration bonus.
	arms := []Arm{
		{ID: "scn-a", TestCount: 100, TotalScore: 50.0},
		{ID: "scn-b", TestCount: 2, TotalScore: 1.0},
	}

	got, err := NewSelector(1.0).Select(arms)
	require.NoError(t, err)
	assert.Equal(t, "scn-b", got.ID)
}

func TestSelectExactTieBreaksByID(t *testing.T) {
	arms := []Arm{
		{ID: "scn-b", TestCount: 4, TotalScore: 2.0},
		{ID: "scn-a", TestCount: 4, TotalScore: 2.0},
	}

	got, err := NewSelector(1.0).Select(arms)
	require.NoError(t, err)
	assert.Equal(t, "scn-a", got.ID)
}

func TestScore(t *testing.T) {
	s := NewSelector(2.0)

	arm := Arm{ID: "scn-a", TestCount: 4, TotalScore: 2.0}
	want := 0.5 + 2.0*math.Sqrt(math.Log(16)/4)
	assert.InDelta(t, want, s.Score(arm, 16), 1e-12)

	assert.True(t, math.IsInf(s.Score(Arm{ID: "scn-x"}, 16), 1))
}

func TestNewSelectorDefaultsConstant(t *testing.T) {
	assert.Equal(t, DefaultExplorationConstant, NewSelector(0).ExplorationConstant())
	assert.Equal(t, DefaultExplorationConstant, NewSelector(-3).ExplorationConstant())
	assert.Equal(t, 2.5, NewSelector(2.5).ExplorationConstant())
}

func TestBest(t *testing.T) {
	t.Run("no tested arms", func(t *testing.T) {
		_, ok := Best([]Arm{{ID: "scn-a"}, {ID: "scn-b"}})
		assert.False(t, ok)
	})

	t.Run("highest mean wins", func(t *testing.T) {
		got, ok := Best([]Arm{
			{ID: "scn-a", TestCount: 10, TotalScore: 3.0},
			{ID: "scn-b", TestCount: 2, TotalScore: 1.8}, // mean 0.9
		})
		require.True(t, ok)
		assert.Equal(t, "scn-b", got.ID)
	})

	t.Run("untested arm never wins", func(t *testing.T) {
		got, ok := Best([]Arm{
			{ID: "scn-a", TestCount: 0},
			{ID: "scn-b", TestCount: 1, TotalScore: -5.0},
		})
		require.True(t, ok)
		assert.Equal(t, "scn-b", got.ID)
	})

	t.Run("mean tie prefers more tests", func(t *testing.T) {
		got, ok := Best([]Arm{
			{ID: "scn-a", TestCount: 2, TotalScore: 1.0},
			{ID: "scn-b", TestCount: 8, TotalScore: 4.0},
		})
		require.True(t, ok)
		assert.Equal(t, "scn-b", got.ID)
	})

	t.Run("full tie prefers lowest id", func(t *testing.T) {
		got, ok := Best([]Arm{
			{ID: "scn-b", TestCount: 4, TotalScore: 2.0},
			{ID: "scn-a", TestCount: 4, TotalScore: 2.0},
		})
		require.True(t, ok)
		assert.Equal(t, "scn-a", got.ID)
	})
}
