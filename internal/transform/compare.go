package transform

import (
	"fmt"
	"reflect"
)

// compare implements the condition sublanguage's operator set.
// Numeric comparisons coerce both sides to float64; equality falls
// back to reflect.DeepEqual for non-numeric values (strings, bools,
// nil, slices, maps) so "field == null" works for an absent field
// (which lookup reports as nil).
func compare(actual any, op string, expected any) (bool, error) {
	switch op {
	case "==":
		return equal(actual, expected), nil
	case "!=":
		return !equal(actual, expected), nil
	case ">", "<", ">=", "<=":
		return numericCompare(actual, op, expected)
	case "in":
		return membership(actual, expected)
	case "not in":
		ok, err := membership(actual, expected)
		return !ok, err
	default:
		return false, fmt.Errorf("unsupported operator %q", op)
	}
}

func equal(a, b any) bool {
	af, aok := asFloat(a)
	bf, bok := asFloat(b)

	if aok && bok {
		return af == bf
	}

	return reflect.DeepEqual(a, b)
}

func numericCompare(actual any, op string, expected any) (bool, error) {
	a, aok := asFloat(actual)
	b, bok := asFloat(expected)

	if !aok || !bok {
		return false, fmt.Errorf("operator %q requires numeric operands", op)
	}

	switch op {
	case ">":
		return a > b, nil
	case "<":
		return a < b, nil
	case ">=":
		return a >= b, nil
	case "<=":
		return a <= b, nil
	default:
		return false, fmt.Errorf("unsupported operator %q", op)
	}
}

func membership(actual any, expected any) (bool, error) {
	list, ok := expected.([]any)

	if !ok {
		return false, fmt.Errorf(`"in"/"not in" requires an array literal`)
	}

	for _, item := range list {
		if equal(actual, item) {
			return true, nil
		}
	}

	return false, nil
}

func asFloat(v any) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case float32:
		return float64(n), true
	case int:
		return float64(n), true
	case int64:
		return float64(n), true
	default:
		return 0, false
	}
}
