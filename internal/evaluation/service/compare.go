package service

import (
	"encoding/json"
	"fmt"

	policymodels "keel/internal/policy/models"
)

// compare applies op to two payload values. It is the single comparison
// engine: threshold conditions and severity predicates both go through it.
// A type-incompatible pair returns an error, which callers surface as an
// inconclusive contribution rather than a failure.
func compare(left, right any, op policymodels.Operator) (bool, error) {
	if lf, lok := toFloat(left); lok {
		rf, rok := toFloat(right)
		if !rok {
			return false, fmt.Errorf("cannot compare number with %T", right)
		}
		return compareOrdered(lf, rf, op)
	}

	switch lv := left.(type) {
	case string:
		rv, ok := right.(string)
		if !ok {
			return false, fmt.Errorf("cannot compare string with %T", right)
		}
		return compareOrdered(lv, rv, op)
	case bool:
		rv, ok := right.(bool)
		if !ok {
			return false, fmt.Errorf("cannot compare bool with %T", right)
		}
		switch op {
		case policymodels.OpEqual:
			return lv == rv, nil
		case policymodels.OpNotEqual:
			return lv != rv, nil
		default:
			return false, fmt.Errorf("operator %s is not defined for booleans", op)
		}
	case nil:
		return false, fmt.Errorf("cannot compare missing value")
	default:
		return false, fmt.Errorf("unsupported comparison type %T", left)
	}
}

func compareOrdered[T float64 | string](left, right T, op policymodels.Operator) (bool, error) {
	switch op {
	case policymodels.OpGreater:
		return left > right, nil
	case policymodels.OpGreaterOrEqual:
		return left >= right, nil
	case policymodels.OpLess:
		return left < right, nil
	case policymodels.OpLessOrEqual:
		return left <= right, nil
	case policymodels.OpEqual:
		return left == right, nil
	case policymodels.OpNotEqual:
		return left != right, nil
	default:
		return false, fmt.Errorf("unknown operator %s", op)
	}
}

// toFloat widens every numeric representation a payload can carry. Payloads
// arrive both as native Go numbers and as json-decoded values.
func toFloat(v any) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case float32:
		return float64(n), true
	case int:
		return float64(n), true
	case int32:
		return float64(n), true
	case int64:
		return float64(n), true
	case uint:
		return float64(n), true
	case uint32:
		return float64(n), true
	case uint64:
		return float64(n), true
	case json.Number:
		f, err := n.Float64()
		return f, err == nil
	default:
		return 0, false
	}
}
