package core

import "time"

// MatchCondition reports whether the context satisfies a single condition.
// A missing attribute, a null value or a type mismatch never matches.
func MatchCondition(condition Condition, evalContext EvaluationContext) bool {
	if evalContext.Attributes == nil {
		return false
	}

	attribute, ok := evalContext.Attributes[condition.Attribute]
	if !ok || attribute.IsNull() {
		return false
	}

	operand := condition.Value
	switch condition.Operator {
	case OperatorEquals:
		return attribute.IsScalar() && attribute.Equal(operand)
	case OperatorNotEquals:
		return attribute.IsScalar() && attribute.kind == operand.kind && !attribute.Equal(operand)
	case OperatorIn:
		return attribute.IsScalar() && listContains(operand, attribute)
	case OperatorNotIn:
		return attribute.IsScalar() && operand.kind == KindList && !listContains(operand, attribute)
	case OperatorGreaterThan:
		order, ok := compareOrdered(attribute, operand)
		return ok && order > 0
	case OperatorLessThan:
		order, ok := compareOrdered(attribute, operand)
		return ok && order < 0
	case OperatorContains:
		return attribute.kind == KindList && operand.IsScalar() && listContains(attribute, operand)
	default:
		return false
	}
}

func listContains(list Value, needle Value) bool {
	if list.kind != KindList {
		return false
	}

	for _, item := range list.values {
		if item.Equal(needle) {
			return true
		}
	}

	return false
}

// compareOrdered returns -1, 0 or 1 for two numbers or two date strings.
func compareOrdered(left, right Value) (int, bool) {
	if left.kind == KindNumber && right.kind == KindNumber {
		switch {
		case left.num < right.num:
			return -1, true
		case left.num > right.num:
			return 1, true
		default:
			return 0, true
		}
	}

	leftTime, ok := asTime(left)
	if !ok {
		return 0, false
	}
	rightTime, ok := asTime(right)
	if !ok {
		return 0, false
	}

	return leftTime.Compare(rightTime), true
}

var dateLayouts = []string{time.RFC3339Nano, time.DateOnly}

func asTime(value Value) (time.Time, bool) {
	if value.kind != KindString {
		return time.Time{}, false
	}

	for _, layout := range dateLayouts {
		if parsed, err := time.Parse(layout, value.str); err == nil {
			return parsed, true
		}
	}

	return time.Time{}, false
}
