package score

import (
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestScoreDefaultWeights(t *testing.T) {
	metrics := map[string]float64{
		MetricSharpe:      1.2,
		MetricCAGR:        0.18,
		MetricMaxDrawdown: 0.1,
	}

	// 0.5*1.2 + 0.3*0.18 - 0.2*0.1 = 0.634
	assert.InDelta(t, 0.634, Score(metrics), 1e-9)
}

func TestScoreMissingKeysAreZero(t *testing.T) {
	tests := []struct {
		name     string
		metrics  map[string]float64
		expected float64
	}{
		{
			name:     "nil map",
			metrics:  nil,
			expected: 0,
		},
		{
			name:     "empty map",
			metrics:  map[string]float64{},
			expected: 0,
		},
		{
			name:     "only sharpe",
			metrics:  map[string]float64{MetricSharpe: 2.0},
			expected: 1.0,
		},
		{
			name:     "only drawdown",
			metrics:  map[string]float64{MetricMaxDrawdown: 0.5},
			expected: -0.1,
		},
		{
			name: "unknown keys ignored",
			metrics: map[string]float64{
				MetricSharpe: 1.0,
				"WinRate":    0.9,
			},
			expected: 0.5,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.InDelta(t, tt.expected, Score(tt.metrics), 1e-9)
		})
	}
}

func TestScoreCustomWeights(t *testing.T) {
	w := Weights{Sharpe: 1.0, CAGR: 0, MaxDrawdown: 0}
	assert.InDelta(t, 1.7, w.Score(map[string]float64{MetricSharpe: 1.7}), 1e-9)
}

func TestWeightsValidate(t *testing.T) {
	assert.NoError(t, DefaultWeights().Validate())

	bad := Weights{Sharpe: math.NaN(), CAGR: 0.3, MaxDrawdown: 0.2}
	assert.Error(t, bad.Validate())

	inf := Weights{Sharpe: 0.5, CAGR: math.Inf(1), MaxDrawdown: 0.2}
	assert.Error(t, inf.Validate())
}
