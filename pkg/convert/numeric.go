// Package convert provides tolerant type coercion for property maps.
//
// Graph nodes store their domain payload in map[string]any properties,
// which round-trip through JSON in the persistent engine. JSON turns
// every number into float64 and every []string into []interface{}, so
// hydrating an Idea's tags or a Backtest's metrics back out of a node
// needs coercion that accepts both the original Go types and their
// post-serialization shapes.
//
// All functions return a success boolean (or nil) rather than an error;
// callers decide whether a missing or malformed property is fatal.
package convert

import (
	"strconv"
)

// ToFloat64 coerces numeric property values to float64.
// Returns (value, true) on success, (0, false) otherwise.
//
// Accepts Go numeric types and decimal strings. Metric values read back
// from the persistent store arrive as float64 already; values set
// programmatically may be any integer width.
func ToFloat64(v any) (float64, bool) {
	switch val := v.(type) {
	case float64:
		return val, true
	case float32:
		return float64(val), true
	case int:
		return float64(val), true
	case int64:
		return float64(val), true
	case int32:
		return float64(val), true
	case uint:
		return float64(val), true
	case uint64:
		return float64(val), true
	case uint32:
		return float64(val), true
	case string:
		if f, err := strconv.ParseFloat(val, 64); err == nil {
			return f, true
		}
	}
	return 0, false
}

// ToUint64 coerces counter-like property values to uint64.
// Negative inputs fail rather than wrap.
func ToUint64(v any) (uint64, bool) {
	switch val := v.(type) {
	case uint64:
		return val, true
	case uint:
		return uint64(val), true
	case uint32:
		return uint64(val), true
	case int:
		if val < 0 {
			return 0, false
		}
		return uint64(val), true
	case int64:
		if val < 0 {
			return 0, false
		}
		return uint64(val), true
	case int32:
		if val < 0 {
			return 0, false
		}
		return uint64(val), true
	case float64:
		if val < 0 {
			return 0, false
		}
		return uint64(val), true
	case string:
		if i, err := strconv.ParseUint(val, 10, 64); err == nil {
			return i, true
		}
	}
	return 0, false
}

// ToString coerces a property value to string.
// Only genuine strings succeed; numbers are not stringified implicitly.
func ToString(v any) (string, bool) {
	s, ok := v.(string)
	return s, ok
}
