package convert

// ToStringSlice coerces tag-style properties to []string.
//
// Tags written as []string come back from the JSON codec as
// []interface{}; both shapes are accepted. A slice containing a
// non-string element fails as a whole.
func ToStringSlice(v any) []string {
	switch val := v.(type) {
	case []string:
		return val
	case []any:
		result := make([]string, len(val))
		for i, item := range val {
			s, ok := item.(string)
			if !ok {
				return nil
			}
			result[i] = s
		}
		return result
	case nil:
		return nil
	}
	return nil
}

// ToFloat64Map coerces metrics-style properties to map[string]float64.
//
// Backtest metrics are written as map[string]float64 and come back from
// the JSON codec as map[string]any with float64 values; both shapes are
// accepted. A map containing a non-numeric value fails as a whole.
func ToFloat64Map(v any) map[string]float64 {
	switch val := v.(type) {
	case map[string]float64:
		return val
	case map[string]any:
		result := make(map[string]float64, len(val))
		for k, item := range val {
			f, ok := ToFloat64(item)
			if !ok {
				return nil
			}
			result[k] = f
		}
		return result
	case nil:
		return nil
	}
	return nil
}
