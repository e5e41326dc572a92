package condition

import (
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
)

// String renders an attribute value the way conditions and templates see it.
func String(v any) string {
	switch x := v.(type) {
	case nil:
		return ""
	case string:
		return x
	case json.Number:
		return x.String()
	case float64:
		return strconv.FormatFloat(x, 'f', -1, 64)
	case float32:
		return strconv.FormatFloat(float64(x), 'f', -1, 32)
	case []byte:
		return string(x)
	default:
		return fmt.Sprint(x)
	}
}

// toFloat coerces numbers and numeric strings.
func toFloat(v any) (float64, bool) {
	switch x := v.(type) {
	case int:
		return float64(x), true
	case int8:
		return float64(x), true
	case int16:
		return float64(x), true
	case int32:
		return float64(x), true
	case int64:
		return float64(x), true
	case uint:
		return float64(x), true
	case uint8:
		return float64(x), true
	case uint16:
		return float64(x), true
	case uint32:
		return float64(x), true
	case uint64:
		return float64(x), true
	case float32:
		return float64(x), true
	case float64:
		return x, true
	case json.Number:
		f, err := x.Float64()
		return f, err == nil
	case string:
		f, err := strconv.ParseFloat(strings.TrimSpace(x), 64)
		return f, err == nil
	default:
		return 0, false
	}
}

// isNumber reports whether v is a numeric Go value (not a numeric string).
func isNumber(v any) bool {
	switch v.(type) {
	case int, int8, int16, int32, int64, uint, uint8, uint16, uint32, uint64, float32, float64, json.Number:
		return true
	}
	return false
}

// equal is exact string equality, or numeric equality when both sides are numbers.
func equal(actual, expected any) bool {
	if isNumber(actual) && isNumber(expected) {
		a, _ := toFloat(actual)
		b, _ := toFloat(expected)
		return a == b
	}
	return String(actual) == String(expected)
}

// toSet turns a condition value into a membership set.
// Strings are split on commas; slices are used as-is.
func toSet(v any) []any {
	switch x := v.(type) {
	case nil:
		return nil
	case []any:
		return x
	case []string:
		out := make([]any, len(x))
		for i, s := range x {
			out[i] = s
		}
		return out
	case string:
		parts := strings.Split(x, ",")
		out := make([]any, 0, len(parts))
		for _, p := range parts {
			out = append(out, strings.TrimSpace(p))
		}
		return out
	default:
		return []any{x}
	}
}

// Number exposes numeric coercion for rule validation.
func Number(v any) (float64, bool) { return toFloat(v) }
