package convert

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestToFloat64(t *testing.T) {
	tests := []struct {
		name     string
		input    any
		expected float64
		ok       bool
	}{
		{"float64", 1.85, 1.85, true},
		{"float32", float32(0.5), 0.5, true},
		{"int", 42, 42.0, true},
		{"int64", int64(-7), -7.0, true},
		{"uint64", uint64(100), 100.0, true},
		{"string decimal", "0.634", 0.634, true},
		{"string scientific", "1.5e-3", 0.0015, true},
		{"string invalid", "sharpe", 0, false},
		{"nil", nil, 0, false},
		{"bool", true, 0, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, ok := ToFloat64(tt.input)
			assert.Equal(t, tt.ok, ok)
			if ok {
				assert.InDelta(t, tt.expected, got, 1e-9)
			}
		})
	}
}

func TestToUint64(t *testing.T) {
	tests := []struct {
		name     string
		input    any
		expected uint64
		ok       bool
	}{
		{"uint64", uint64(5), 5, true},
		{"int", 12, 12, true},
		{"float64 from json", float64(3), 3, true},
		{"string", "7", 7, true},
		{"negative int", -1, 0, false},
		{"negative float", -2.5, 0, false},
		{"nil", nil, 0, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, ok := ToUint64(tt.input)
			assert.Equal(t, tt.ok, ok)
			if ok {
				assert.Equal(t, tt.expected, got)
			}
		})
	}
}

func TestToStringSlice(t *testing.T) {
	t.Run("passes through []string", func(t *testing.T) {
		tags := []string{"momentum", "spy"}
		assert.Equal(t, tags, ToStringSlice(tags))
	})

	t.Run("coerces post-json []any", func(t *testing.T) {
		raw := []any{"mean-reversion", "etf"}
		assert.Equal(t, []string{"mean-reversion", "etf"}, ToStringSlice(raw))
	})

	t.Run("rejects mixed element types", func(t *testing.T) {
		raw := []any{"ok", 42}
		assert.Nil(t, ToStringSlice(raw))
	})

	t.Run("nil input", func(t *testing.T) {
		assert.Nil(t, ToStringSlice(nil))
	})
}

func TestToFloat64Map(t *testing.T) {
	t.Run("passes through metrics map", func(t *testing.T) {
		metrics := map[string]float64{"Sharpe": 1.2, "CAGR": 0.18}
		assert.Equal(t, metrics, ToFloat64Map(metrics))
	})

	t.Run("coerces post-json map", func(t *testing.T) {
		raw := map[string]any{"Sharpe": 1.2, "MaxDrawdown": 0.1}
		got := ToFloat64Map(raw)
		assert.InDelta(t, 1.2, got["Sharpe"], 1e-9)
		assert.InDelta(t, 0.1, got["MaxDrawdown"], 1e-9)
	})

	t.Run("rejects non-numeric values", func(t *testing.T) {
		raw := map[string]any{"Sharpe": "high"}
		assert.Nil(t, ToFloat64Map(raw))
	})

	t.Run("nil input", func(t *testing.T) {
		assert.Nil(t, ToFloat64Map(nil))
	})
}
