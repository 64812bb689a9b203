package core

// EvaluateRule reports whether a rule's conditions match the context.
func EvaluateRule(rule Rule, evalContext EvaluationContext) bool {
	if len(rule.Conditions) == 0 {
		return true
	}

	switch normalizeCombinator(rule.Combinator) {
	case CombinatorAnd:
		for _, condition := range rule.Conditions {
			if !MatchCondition(condition, evalContext) {
				return false
			}
		}
		return true
	case CombinatorOr:
		for _, condition := range rule.Conditions {
			if MatchCondition(condition, evalContext) {
				return true
			}
		}
		return false
	default:
		return false
	}
}

func normalizeCombinator(combinator Combinator) Combinator {
	if combinator == "" {
		return CombinatorAnd
	}
	return combinator
}
