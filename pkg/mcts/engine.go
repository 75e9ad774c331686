// Package mcts grows a scenario tree by Monte Carlo Tree Search: a
// select/expand/simulate/backpropagate loop over the research memory,
// steered by the UCB bandit policy. The two domain collaborators, how
// to vary a strategy (ExpansionStrategy) and how to evaluate one
// (Runner), are pluggable; the engine only owns the loop.
package mcts

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/orneryd/muninn/pkg/bandit"
	"github.com/orneryd/muninn/pkg/muninn"
)

// Defaults applied by NewEngine for zero Config fields.
const (
	DefaultExplorationConstant = 1.0
	DefaultBranchingLimit      = 3
	DefaultSimulationTimeout   = 2 * time.Minute
)

// StrategySpec is what the backtest collaborator receives: the scenario
// under test and its descriptive payload.
type StrategySpec struct {
	ScenarioID  string
	Description string
	Tags        []string
}

// Runner executes one backtest and returns raw metrics. Any error, and
// any run outliving the engine's simulation timeout, counts as a
// simulation failure for that iteration.
type Runner interface {
	Run(ctx context.Context, spec StrategySpec, execution muninn.Context) (map[string]float64, error)
}

// Variation is one proposed refinement of a parent strategy. Market and
// Timeframe pick the execution context; ContextNote optionally
// describes a context the engine has to create.
type Variation struct {
	Description string
	Tags        []string
	Market      string
	Timeframe   string
	ContextNote string
}

// ExpansionStrategy proposes variations. The engine requires only that
// each proposal yields a new, uniquely described child; how variations
// are derived (templated, human, model-generated) is the caller's
// business.
type ExpansionStrategy interface {
	ProposeVariation(ctx context.Context, parentDescription string, parentTags []string) (Variation, error)
}

// Config tunes the engine.
type Config struct {
	// ExplorationConstant is the UCB c parameter. Zero selects 1.0.
	ExplorationConstant float64

	// BranchingLimit is how many children a node may have before
	// selection descends past it. Zero selects 3.
	BranchingLimit int

	// SimulationTimeout bounds each Runner.Run call. Zero selects
	// 2 minutes.
	SimulationTimeout time.Duration

	// Logger receives per-iteration progress and failures. Nil selects
	// slog.Default.
	Logger *slog.Logger
}

// Report summarizes one Explore run.
type Report struct {
	RootID     string        `json:"rootId"`
	Iterations int           `json:"iterations"`
	Completed  int           `json:"completed"`
	Failed     int           `json:"failed"`
	Elapsed    time.Duration `json:"elapsed"`

	// Best is the root's best direct child by mean score, not by UCB,
	// since exploration is irrelevant once search stops. Nil if no
	// child has been tested.
	Best *bandit.Arm `json:"best,omitempty"`
}

// Engine runs the search loop against one research memory.
type Engine struct {
	mem      *muninn.DB
	expander ExpansionStrategy
	runner   Runner
	selector *bandit.Selector
	cfg      Config
	logger   *slog.Logger
}

// NewEngine creates an engine. mem, expander and runner are required.
func NewEngine(mem *muninn.DB, expander ExpansionStrategy, runner Runner, cfg Config) *Engine {
	if cfg.ExplorationConstant <= 0 {
		cfg.ExplorationConstant = DefaultExplorationConstant
	}
	if cfg.BranchingLimit <= 0 {
		cfg.BranchingLimit = DefaultBranchingLimit
	}
	if cfg.SimulationTimeout <= 0 {
		cfg.SimulationTimeout = DefaultSimulationTimeout
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}

	return &Engine{
		mem:      mem,
		expander: expander,
		runner:   runner,
		selector: bandit.NewSelector(cfg.ExplorationConstant),
		cfg:      cfg,
		logger:   logger.With("component", "mcts"),
	}
}

// Explore runs the loop for the given iteration budget under rootID.
// Iterations are strictly sequential. A failed expansion or simulation
// is logged and skipped without touching any counters; cancellation
// stops the loop and returns ctx.Err() with the partial report; an
// unavailable store aborts the run.
func (e *Engine) Explore(ctx context.Context, rootID string, iterations int) (*Report, error) {
	if iterations <= 0 {
		return nil, fmt.Errorf("iterations must be positive, got %d", iterations)
	}
	if _, err := e.mem.NodeStats(ctx, rootID); err != nil {
		return nil, err
	}

	started := time.Now()
	report := &Report{RootID: rootID}

	for i := 0; i < iterations; i++ {
		if err := ctx.Err(); err != nil {
			report.Elapsed = time.Since(started)
			return report, err
		}

		report.Iterations++
		if err := e.runIteration(ctx, rootID, i); err != nil {
			// Cancellation mid-iteration is the caller stopping the
			// run, not an iteration failure.
			if ctxErr := ctx.Err(); ctxErr != nil {
				report.Elapsed = time.Since(started)
				return report, ctxErr
			}
			if isFatal(err) {
				report.Elapsed = time.Since(started)
				return report, err
			}
			report.Failed++
			e.logger.Warn("iteration failed",
				"iteration", i,
				"root", rootID,
				"error", err,
			)
			continue
		}
		report.Completed++
	}

	report.Elapsed = time.Since(started)
	if err := e.finishReport(ctx, report); err != nil {
		return report, err
	}

	e.logger.Info("exploration complete",
		"root", rootID,
		"iterations", report.Iterations,
		"completed", report.Completed,
		"failed", report.Failed,
		"elapsed", report.Elapsed,
	)
	return report, nil
}

// runIteration performs one select -> expand -> simulate ->
// backpropagate cycle.
func (e *Engine) runIteration(ctx context.Context, rootID string, iteration int) error {
	// 1. Select: descend via UCB while the node is at its branching
	// limit, stopping at the first node with spare allowance.
	nodeID, err := e.selectNode(ctx, rootID)
	if err != nil {
		return fmt.Errorf("select: %w", err)
	}

	// 2. Expand: exactly one new scenario under the selected node.
	description, tags, err := e.describe(ctx, nodeID)
	if err != nil {
		return fmt.Errorf("expand: %w", err)
	}
	variation, err := e.expander.ProposeVariation(ctx, description, tags)
	if err != nil {
		return fmt.Errorf("expand: propose variation: %w", err)
	}
	execution, err := e.resolveContext(ctx, variation)
	if err != nil {
		return fmt.Errorf("expand: resolve context: %w", err)
	}
	scenarioID, err := e.mem.AddScenario(ctx, variation.Description, nodeID, variation.Tags)
	if err != nil {
		return fmt.Errorf("expand: %w", err)
	}

	// 3. Simulate: bounded by the simulation timeout. A failure leaves
	// every counter untouched; the un-tested scenario stays behind as
	// an untried arm for later iterations.
	simCtx, cancel := context.WithTimeout(ctx, e.cfg.SimulationTimeout)
	metrics, err := e.runner.Run(simCtx, StrategySpec{
		ScenarioID:  scenarioID,
		Description: variation.Description,
		Tags:        variation.Tags,
	}, *execution)
	cancel()
	if err != nil {
		return fmt.Errorf("simulate scenario %s: %w", scenarioID, err)
	}

	// 4. Backpropagate: the backtest plus counter updates on the new
	// scenario and every ancestor up to the root, one atomic write.
	backtestID, err := e.mem.AddBacktestPropagating(ctx, muninn.BacktestSpec{
		SubjectID: scenarioID,
		ContextID: execution.ID,
		Metrics:   metrics,
	})
	if err != nil {
		return fmt.Errorf("backpropagate: %w", err)
	}

	e.logger.Debug("iteration complete",
		"iteration", iteration,
		"scenario", scenarioID,
		"backtest", backtestID,
	)
	return nil
}

// selectNode walks down from the root while nodes are at their
// branching limit, choosing among children by UCB.
func (e *Engine) selectNode(ctx context.Context, rootID string) (string, error) {
	nodeID := rootID
	for {
		children, err := e.mem.Children(ctx, nodeID)
		if err != nil {
			return "", err
		}
		if len(children) < e.cfg.BranchingLimit {
			return nodeID, nil
		}

		arm, err := e.selector.Select(toArms(children))
		if err != nil {
			return "", err
		}
		nodeID = arm.ID
	}
}

// describe fetches a node's description and tags; the selected node may
// be the root Idea or any Scenario.
func (e *Engine) describe(ctx context.Context, nodeID string) (string, []string, error) {
	var notFound *muninn.NotFoundError

	if idea, err := e.mem.GetIdea(ctx, nodeID); err == nil {
		return idea.Description, idea.Tags, nil
	} else if !errors.As(err, &notFound) {
		return "", nil, err
	}

	scenario, err := e.mem.GetScenario(ctx, nodeID)
	if err != nil {
		return "", nil, err
	}
	return scenario.Description, scenario.Tags, nil
}

// resolveContext reuses the Context for a variation's market/timeframe
// pairing, creating it on first use.
func (e *Engine) resolveContext(ctx context.Context, variation Variation) (*muninn.Context, error) {
	if variation.Market == "" || variation.Timeframe == "" {
		return nil, fmt.Errorf("variation %q names no market/timeframe", variation.Description)
	}

	execution, err := e.mem.FindContext(ctx, variation.Market, variation.Timeframe)
	if err == nil {
		return execution, nil
	}
	var notFound *muninn.NotFoundError
	if !errors.As(err, &notFound) {
		return nil, err
	}

	id, err := e.mem.AddContext(ctx, variation.Market, variation.Timeframe, variation.ContextNote)
	if err != nil {
		return nil, err
	}
	return e.mem.GetContext(ctx, id)
}

// finishReport resolves the root's best child for the final report.
func (e *Engine) finishReport(ctx context.Context, report *Report) error {
	children, err := e.mem.Children(ctx, report.RootID)
	if err != nil {
		return err
	}
	if best, ok := bandit.Best(toArms(children)); ok {
		report.Best = &best
	}
	return nil
}

func toArms(stats []muninn.NodeStat) []bandit.Arm {
	arms := make([]bandit.Arm, len(stats))
	for i, s := range stats {
		arms[i] = bandit.Arm{ID: s.ID, TestCount: s.TestCount, TotalScore: s.TotalScore}
	}
	return arms
}

// isFatal classifies errors that must abort the whole run rather than
// fail one iteration. A simulation timeout is deliberately not fatal:
// it surfaces as one failed iteration.
func isFatal(err error) bool {
	var unavailable *muninn.StoreUnavailableError
	return errors.As(err, &unavailable) || errors.Is(err, muninn.ErrClosed)
}
