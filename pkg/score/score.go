// Package score reduces a backtest's metrics to the scalar reward the
// bandit accumulates.
//
// The reduction is a fixed-form weighted sum over three headline
// metrics: reward Sharpe and CAGR, penalize maximum drawdown. The
// default weights favor risk-adjusted return over raw growth; they are
// starting points, not calibrated constants, and callers may supply
// their own.
package score

import (
	"fmt"
	"math"
)

// Metric names the score function reads from a backtest's metrics map.
const (
	MetricSharpe      = "Sharpe"
	MetricCAGR        = "CAGR"
	MetricMaxDrawdown = "MaxDrawdown"
)

// Weights configures the metric reduction. MaxDrawdown enters the sum
// negatively: a larger drawdown lowers the score.
type Weights struct {
	Sharpe      float64 `yaml:"sharpe"`
	CAGR        float64 `yaml:"cagr"`
	MaxDrawdown float64 `yaml:"max_drawdown"`
}

// DefaultWeights returns the standard reduction:
//
//	score = 0.5*Sharpe + 0.3*CAGR - 0.2*MaxDrawdown
func DefaultWeights() Weights {
	return Weights{
		Sharpe:      0.5,
		CAGR:        0.3,
		MaxDrawdown: 0.2,
	}
}

// Validate rejects weights that would poison every accumulated total.
func (w Weights) Validate() error {
	for name, v := range map[string]float64{
		"sharpe":       w.Sharpe,
		"cagr":         w.CAGR,
		"max_drawdown": w.MaxDrawdown,
	} {
		if math.IsNaN(v) || math.IsInf(v, 0) {
			return fmt.Errorf("score weight %s is %v", name, v)
		}
	}
	return nil
}

// Score reduces metrics to a scalar using w. Missing keys count as
// 0.0 rather than failing: early in an idea's life a stub runner may
// report partial metrics, and the tree must still bootstrap.
func (w Weights) Score(metrics map[string]float64) float64 {
	return w.Sharpe*metrics[MetricSharpe] +
		w.CAGR*metrics[MetricCAGR] -
		w.MaxDrawdown*metrics[MetricMaxDrawdown]
}

// Score applies the default weights.
func Score(metrics map[string]float64) float64 {
	return DefaultWeights().Score(metrics)
}
