// Package bandit implements the UCB1 selection policy used to pick which
// scenario to explore next. Arms carry the aggregate backtest statistics of a
// scenario node; the selector trades off exploiting high-scoring scenarios
// against exploring rarely-tested ones.
package bandit

import (
	"errors"
	"math"
)

// ErrNoArms is returned when Select is called with an empty arm set.
var ErrNoArms = errors.New("bandit: no arms to select from")

// DefaultExplorationConstant is used when NewSelector receives c <= 0.
const DefaultExplorationConstant = 1.0

// Arm is one selectable candidate: a scenario's identity plus its aggregate
// backtest statistics.
type Arm struct {
	// ID is the scenario node id.
	ID string

	// TestCount is how many backtests have touched this scenario's subtree.
	TestCount uint64

	// TotalScore is the sum of reduced backtest scores over those tests.
	TotalScore float64
}

// Mean returns the average score per test, or 0 for an untested arm.
func (a Arm) Mean() float64 {
	if a.TestCount == 0 {
		return 0
	}
	return a.TotalScore / float64(a.TestCount)
}

// Selector applies the UCB1 policy over a set of arms.
type Selector struct {
	c float64
}

// NewSelector creates a selector with exploration constant c.
// c <= 0 falls back to DefaultExplorationConstant.
func NewSelector(c float64) *Selector {
	if c <= 0 {
		c = DefaultExplorationConstant
	}
	return &Selector{c: c}
}

// ExplorationConstant returns the configured exploration constant.
func (s *Selector) ExplorationConstant() float64 {
	return s.c
}

// Select picks the next arm to explore.
//
// Untested arms always win: among arms with TestCount == 0 the lowest ID is
// chosen, without ever computing an infinite UCB value. Otherwise the arm
// with the highest UCB score wins:
//
//	UCB = TotalScore/TestCount + c*sqrt(ln(N)/TestCount)
//
// where N is the total test count across all arms (1 if the sum is 0).
// Exact score ties break toward the lowest ID.
func (s *Selector) Select(arms []Arm) (Arm, error) {
	if len(arms) == 0 {
		return Arm{}, ErrNoArms
	}

	// Untested arms take priority over any UCB score.
	var untested *Arm
	for i := range arms {
		if arms[i].TestCount != 0 {
			continue
		}
		if untested == nil || arms[i].ID < untested.ID {
			untested = &arms[i]
		}
	}
	if untested != nil {
		return *untested, nil
	}

	var parentVisits uint64
	for i := range arms {
		parentVisits += arms[i].TestCount
	}
	if parentVisits == 0 {
		parentVisits = 1 // avoid log(0)
	}

	best := arms[0]
	bestScore := s.Score(best, parentVisits)
	for _, arm := range arms[1:] {
		score := s.Score(arm, parentVisits)
		if score > bestScore || (score == bestScore && arm.ID < best.ID) {
			best = arm
			bestScore = score
		}
	}
	return best, nil
}

// Score computes the UCB1 value of a single tested arm given the total visit
// count of its siblings. Exported so callers can log the per-arm breakdown.
// An untested arm scores +Inf; Select never relies on that.
func (s *Selector) Score(arm Arm, parentVisits uint64) float64 {
	if arm.TestCount == 0 {
		return math.Inf(1)
	}
	if parentVisits == 0 {
		parentVisits = 1
	}
	exploitation := arm.TotalScore / float64(arm.TestCount)
	exploration := s.c * math.Sqrt(math.Log(float64(parentVisits))/float64(arm.TestCount))
	return exploitation + exploration
}

// Best returns the arm with the highest mean score among tested arms. Ties
// break toward the higher TestCount, then the lowest ID. The boolean is
// false when no arm has been tested at all.
//
// Best is the final-report policy: unlike Select it ignores exploration
// entirely and never prefers an untested arm.
func Best(arms []Arm) (Arm, bool) {
	var best Arm
	found := false
	for _, arm := range arms {
		if arm.TestCount == 0 {
			continue
		}
		if !found {
			best = arm
			found = true
			continue
		}
		m, bm := arm.Mean(), best.Mean()
		switch {
		case m > bm:
			best = arm
		case m == bm && arm.TestCount > best.TestCount:
			best = arm
		case m == bm && arm.TestCount == best.TestCount && arm.ID < best.ID:
			best = arm
		}
	}
	return best, found
}
