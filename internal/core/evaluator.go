package core

// FlagLookup resolves a flag definition by name.
type FlagLookup func(name string) (FlagDefinition, bool)

// Evaluate decides whether flag is enabled for the context and which variant
// it resolves to. A nil flag resolves to FLAG_NOT_FOUND. Evaluate never fails.
func Evaluate(flag *FlagDefinition, evalContext EvaluationContext) EvaluationResult {
	if flag == nil {
		return EvaluationResult{Reason: ReasonFlagNotFound}
	}
	if !flag.Enabled {
		return EvaluationResult{Reason: ReasonFlagDisabled}
	}

	subject := bucketingSubject(flag.Scope, evalContext)

	for index, rule := range flag.Rules {
		if !EvaluateRule(rule, evalContext) {
			continue
		}
		if !inRollout(Bucket(RuleRolloutSeed(flag.Name, index, subject)), rule.RolloutPercentage) {
			// Matched but excluded by rollout; later rules still apply.
			continue
		}

		matched := index
		variant := rule.VariantOverride
		if variant == "" {
			variant = selectFlagVariant(flag, subject)
		}

		return EvaluationResult{
			Enabled:          true,
			Variant:          variant,
			Reason:           ReasonRuleMatch,
			MatchedRuleIndex: &matched,
		}
	}

	if inRollout(Bucket(DefaultRolloutSeed(flag.Name, subject)), flag.DefaultRolloutPercentage) {
		return EvaluationResult{
			Enabled: true,
			Variant: selectFlagVariant(flag, subject),
			Reason:  ReasonDefaultRollout,
		}
	}

	return EvaluationResult{Reason: ReasonNotInRollout}
}

// EvaluateBatch evaluates each named flag against one context. Unknown names
// resolve to FLAG_NOT_FOUND instead of failing the batch.
func EvaluateBatch(lookup FlagLookup, names []string, evalContext EvaluationContext) map[string]EvaluationResult {
	results := make(map[string]EvaluationResult, len(names))

	for _, name := range names {
		if _, seen := results[name]; seen {
			continue
		}

		var flag *FlagDefinition
		if lookup != nil {
			if found, ok := lookup(name); ok {
				flag = &found
			}
		}

		results[name] = Evaluate(flag, evalContext)
	}

	return results
}

func bucketingSubject(scope Scope, evalContext EvaluationContext) string {
	if scope == ScopeTenant {
		return evalContext.TenantID
	}
	return evalContext.Identity
}

func selectFlagVariant(flag *FlagDefinition, subject string) string {
	if len(flag.Variants) == 0 {
		return ""
	}

	variant, _ := SelectVariant(flag.Variants, Bucket(VariantSeed(flag.Name, subject)))
	return variant
}
