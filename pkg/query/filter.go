// Package query implements the enumerated filter-operator set and the
// search options every storage backend evaluates. Keeping evaluation
// here, in one place, guarantees identical operator semantics across
// backends.
package query

import (
	"fmt"
	"strings"
)

// Op is a filter operator.
type Op string

const (
	OpEquals          Op = "equals"
	OpNotEquals       Op = "notEquals"
	OpStartsWith      Op = "startsWith"
	OpEndsWith        Op = "endsWith"
	OpContains        Op = "contains"
	OpGreaterOrEquals Op = "greaterOrEquals"
	OpGreaterThan     Op = "greaterThan"
	OpLessOrEquals    Op = "lessOrEquals"
	OpLessThan        Op = "lessThan"
	OpBefore          Op = "before"
	OpAfter           Op = "after"
	OpNotBefore       Op = "notBefore"
	OpNotAfter        Op = "notAfter"
	OpOneOf           Op = "oneOf"
)

// Filter maps a document field to operator/operand pairs. Evaluation is
// conjunctive across fields and across operators of one field. A nil or
// empty filter matches everything.
type Filter map[string]map[Op]any

// Match evaluates the filter against a decoded document.
func Match(doc map[string]any, f Filter) (bool, error) {
	for field, ops := range f {
		value, present := doc[field]
		for op, operand := range ops {
			ok, err := eval(value, present, op, operand)
			if err != nil {
				return false, fmt.Errorf("field %s: %w", field, err)
			}
			if !ok {
				return false, nil
			}
		}
	}
	return true, nil
}

func eval(value any, present bool, op Op, operand any) (bool, error) {
	if !present {
		// An absent field only satisfies notEquals.
		return op == OpNotEquals, nil
	}

	switch op {
	case OpEquals:
		return looseEquals(value, operand), nil
	case OpNotEquals:
		return !looseEquals(value, operand), nil
	case OpStartsWith:
		return strings.HasPrefix(lower(value), lower(operand)), nil
	case OpEndsWith:
		return strings.HasSuffix(lower(value), lower(operand)), nil
	case OpContains:
		return strings.Contains(lower(value), lower(operand)), nil
	case OpGreaterOrEquals, OpNotBefore:
		return compare(value, operand) >= 0, nil
	case OpGreaterThan, OpAfter:
		return compare(value, operand) > 0, nil
	case OpLessOrEquals, OpNotAfter:
		return compare(value, operand) <= 0, nil
	case OpLessThan, OpBefore:
		return compare(value, operand) < 0, nil
	case OpOneOf:
		items, ok := operand.([]any)
		if !ok {
			return false, fmt.Errorf("oneOf operand must be an array, got %T", operand)
		}
		for _, item := range items {
			if looseEquals(value, item) {
				return true, nil
			}
		}
		return false, nil
	default:
		return false, fmt.Errorf("unknown operator %q", op)
	}
}

// looseEquals compares case-insensitively for strings and numerically
// when both sides are numbers.
func looseEquals(a, b any) bool {
	if na, aok := toFloat(a); aok {
		if nb, bok := toFloat(b); bok {
			return na == nb
		}
	}
	as, aok := a.(string)
	bs, bok := b.(string)
	if aok && bok {
		return strings.EqualFold(as, bs)
	}
	return a == b
}

// compare orders two values: numerically when both are numbers,
// lexicographically on their string forms otherwise. RFC3339 timestamps
// order correctly under the lexicographic branch.
func compare(a, b any) int {
	if na, aok := toFloat(a); aok {
		if nb, bok := toFloat(b); bok {
			switch {
			case na < nb:
				return -1
			case na > nb:
				return 1
			default:
				return 0
			}
		}
	}
	return strings.Compare(stringify(a), stringify(b))
}

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
	case uint64:
		return float64(n), true
	}
	return 0, false
}

func stringify(v any) string {
	if s, ok := v.(string); ok {
		return s
	}
	return fmt.Sprint(v)
}

func lower(v any) string {
	return strings.ToLower(stringify(v))
}
