package mcts

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/orneryd/muninn/pkg/muninn"
)

func quietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func openMemory(t *testing.T) (*muninn.DB, string) {
	t.Helper()
	db, err := muninn.Open("", nil)
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })

	rootID, err := db.AddIdea(context.Background(), "mean reversion on SPY", []string{"etf"})
	require.NoError(t, err)
	return db, rootID
}

// stubExpander proposes numbered variations of the parent on a fixed
// market/timeframe.
type stubExpander struct {
	n int
}

func (s *stubExpander) ProposeVariation(ctx context.Context, parentDescription string, parentTags []string) (Variation, error) {
	s.n++
	return Variation{
		Description: fmt.Sprintf("variation %d of %s", s.n, parentDescription),
		Tags:        parentTags,
		Market:      "SPY",
		Timeframe:   "1d",
	}, nil
}

// fixedRunner always returns the same metrics.
type fixedRunner struct {
	metrics map[string]float64
}

func (r fixedRunner) Run(ctx context.Context, spec StrategySpec, execution muninn.Context) (map[string]float64, error) {
	return r.metrics, nil
}

// failingRunner always fails the simulation.
type failingRunner struct{}

func (failingRunner) Run(ctx context.Context, spec StrategySpec, execution muninn.Context) (map[string]float64, error) {
	return nil, errors.New("simulation failure")
}

// sleepyRunner blocks until the simulation deadline fires.
type sleepyRunner struct{}

func (sleepyRunner) Run(ctx context.Context, spec StrategySpec, execution muninn.Context) (map[string]float64, error) {
	<-ctx.Done()
	return nil, ctx.Err()
}

func TestExploreEndToEnd(t *testing.T) {
	db, rootID := openMemory(t)
	ctx := context.Background()

	engine := NewEngine(db, &stubExpander{}, fixedRunner{
		metrics: map[string]float64{"Sharpe": 1.2, "CAGR": 0.18, "MaxDrawdown": 0.1},
	}, Config{Logger: quietLogger()})

	report, err := engine.Explore(ctx, rootID, 5)
	require.NoError(t, err)

	assert.Equal(t, rootID, report.RootID)
	assert.Equal(t, 5, report.Iterations)
	assert.Equal(t, 5, report.Completed)
	assert.Zero(t, report.Failed)

	// Every iteration's score (0.634) backpropagates to the root.
	stat, err := db.NodeStats(ctx, rootID)
	require.NoError(t, err)
	assert.Equal(t, uint64(5), stat.TestCount)
	assert.InDelta(t, 3.17, stat.TotalScore, 1e-6)

	// Branching limit holds at the root: iterations 4 and 5 descend
	// instead of adding a fourth child.
	children, err := db.Children(ctx, rootID)
	require.NoError(t, err)
	assert.Len(t, children, DefaultBranchingLimit)

	require.NotNil(t, report.Best)
	ids := map[string]bool{}
	for _, c := range children {
		ids[c.ID] = true
	}
	assert.True(t, ids[report.Best.ID])
	assert.NotZero(t, report.Best.TestCount)

	// The shared context was created once and reused.
	stats, err := db.Stats()
	require.NoError(t, err)
	assert.Equal(t, 1, stats.Contexts)
	assert.Equal(t, 5, stats.Backtests)
}

func TestSimulationFailureLeavesCountersUnchanged(t *testing.T) {
	db, rootID := openMemory(t)
	ctx := context.Background()

	engine := NewEngine(db, &stubExpander{}, failingRunner{}, Config{Logger: quietLogger()})

	report, err := engine.Explore(ctx, rootID, 4)
	require.NoError(t, err)
	assert.Equal(t, 4, report.Failed)
	assert.Zero(t, report.Completed)
	assert.Nil(t, report.Best)

	stat, err := db.NodeStats(ctx, rootID)
	require.NoError(t, err)
	assert.Zero(t, stat.TestCount)
	assert.Zero(t, stat.TotalScore)

	children, err := db.Children(ctx, rootID)
	require.NoError(t, err)
	for _, child := range children {
		assert.Zero(t, child.TestCount, child.ID)
		assert.Zero(t, child.TotalScore, child.ID)
	}
}

func TestSimulationTimeoutFailsIteration(t *testing.T) {
	db, rootID := openMemory(t)

	engine := NewEngine(db, &stubExpander{}, sleepyRunner{}, Config{
		SimulationTimeout: 5 * time.Millisecond,
		Logger:            quietLogger(),
	})

	report, err := engine.Explore(context.Background(), rootID, 2)
	require.NoError(t, err)
	assert.Equal(t, 2, report.Failed)
	assert.Zero(t, report.Completed)

	stat, err := db.NodeStats(context.Background(), rootID)
	require.NoError(t, err)
	assert.Zero(t, stat.TestCount)
}

// brokenExpander cannot propose anything.
type brokenExpander struct{}

func (brokenExpander) ProposeVariation(ctx context.Context, parentDescription string, parentTags []string) (Variation, error) {
	return Variation{}, errors.New("no ideas")
}

func TestExpansionFailureFailsIteration(t *testing.T) {
	db, rootID := openMemory(t)
	ctx := context.Background()

	engine := NewEngine(db, brokenExpander{}, fixedRunner{metrics: map[string]float64{"Sharpe": 1.0}},
		Config{Logger: quietLogger()})

	report, err := engine.Explore(ctx, rootID, 3)
	require.NoError(t, err)
	assert.Equal(t, 3, report.Failed)

	children, err := db.Children(ctx, rootID)
	require.NoError(t, err)
	assert.Empty(t, children)
}

func TestExploreCancellation(t *testing.T) {
	db, rootID := openMemory(t)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	engine := NewEngine(db, &stubExpander{}, fixedRunner{metrics: map[string]float64{"Sharpe": 1.0}},
		Config{Logger: quietLogger()})

	report, err := engine.Explore(ctx, rootID, 10)
	require.ErrorIs(t, err, context.Canceled)
	require.NotNil(t, report)
	assert.Zero(t, report.Completed)
}

func TestExploreValidation(t *testing.T) {
	db, rootID := openMemory(t)
	engine := NewEngine(db, &stubExpander{}, failingRunner{}, Config{Logger: quietLogger()})

	t.Run("missing root", func(t *testing.T) {
		var notFound *muninn.NotFoundError
		_, err := engine.Explore(context.Background(), "idea-missing", 1)
		require.ErrorAs(t, err, &notFound)
	})

	t.Run("non-positive budget", func(t *testing.T) {
		_, err := engine.Explore(context.Background(), rootID, 0)
		require.Error(t, err)
	})
}

func TestNewEngineDefaults(t *testing.T) {
	db, _ := openMemory(t)
	engine := NewEngine(db, &stubExpander{}, failingRunner{}, Config{Logger: quietLogger()})

	assert.Equal(t, float64(DefaultExplorationConstant), engine.cfg.ExplorationConstant)
	assert.Equal(t, DefaultBranchingLimit, engine.cfg.BranchingLimit)
	assert.Equal(t, DefaultSimulationTimeout, engine.cfg.SimulationTimeout)
}
