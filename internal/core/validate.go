package core

import (
	"errors"
	"fmt"
	"strings"
)

// ConfigurationError describes one problem in a flag definition. It is
// reported when a flag is loaded or written, never during evaluation.
type ConfigurationError struct {
	Flag    string
	Field   string
	Problem string
}

func (e *ConfigurationError) Error() string {
	if e.Field == "" {
		return fmt.Sprintf("flag %q: %s", e.Flag, e.Problem)
	}
	return fmt.Sprintf("flag %q: %s: %s", e.Flag, e.Field, e.Problem)
}

// ConfigurationErrors extracts every ConfigurationError wrapped or joined into err.
func ConfigurationErrors(err error) []*ConfigurationError {
	switch typed := err.(type) {
	case nil:
		return nil
	case *ConfigurationError:
		return []*ConfigurationError{typed}
	case interface{ Unwrap() []error }:
		var found []*ConfigurationError
		for _, inner := range typed.Unwrap() {
			found = append(found, ConfigurationErrors(inner)...)
		}
		return found
	case interface{ Unwrap() error }:
		return ConfigurationErrors(typed.Unwrap())
	default:
		return nil
	}
}

// Validate checks a flag definition for well-formedness: variant weights
// summing to 100, known operators and combinators, percentages in range and
// variant overrides naming a declared variant.
func Validate(flag FlagDefinition) error {
	v := validator{flag: flag.Name}

	if strings.TrimSpace(flag.Name) == "" {
		v.add("name", "is required")
	}

	switch flag.Scope {
	case "", ScopeUser, ScopeTenant:
	default:
		v.add("scope", fmt.Sprintf("unknown scope %q", flag.Scope))
	}

	v.percentage("default_rollout_percentage", flag.DefaultRolloutPercentage)

	variantKeys := make(map[string]struct{}, len(flag.Variants))
	weightSum := 0
	for i, variant := range flag.Variants {
		field := fmt.Sprintf("variants[%d]", i)
		if strings.TrimSpace(variant.Key) == "" {
			v.add(field+".key", "is required")
		} else if _, dup := variantKeys[variant.Key]; dup {
			v.add(field+".key", fmt.Sprintf("duplicate variant %q", variant.Key))
		}
		variantKeys[variant.Key] = struct{}{}

		if variant.Weight < 0 || variant.Weight > 100 {
			v.add(field+".weight", fmt.Sprintf("must be between 0 and 100, got %d", variant.Weight))
		}
		weightSum += variant.Weight
	}
	if len(flag.Variants) > 0 && weightSum != 100 {
		v.add("variants", fmt.Sprintf("weights must sum to 100, got %d", weightSum))
	}

	for i, rule := range flag.Rules {
		field := fmt.Sprintf("rules[%d]", i)

		switch rule.Combinator {
		case "", CombinatorAnd, CombinatorOr:
		default:
			v.add(field+".combinator", fmt.Sprintf("unknown combinator %q", rule.Combinator))
		}

		v.percentage(field+".rollout_percentage", rule.RolloutPercentage)

		if rule.VariantOverride != "" {
			if _, ok := variantKeys[rule.VariantOverride]; !ok {
				v.add(field+".variant_override", fmt.Sprintf("unknown variant %q", rule.VariantOverride))
			}
		}

		for j, condition := range rule.Conditions {
			v.condition(fmt.Sprintf("%s.conditions[%d]", field, j), condition)
		}
	}

	return errors.Join(v.problems...)
}

type validator struct {
	flag     string
	problems []error
}

func (v *validator) add(field, problem string) {
	v.problems = append(v.problems, &ConfigurationError{Flag: v.flag, Field: field, Problem: problem})
}

func (v *validator) percentage(field string, value int) {
	if value < 0 || value > 100 {
		v.add(field, fmt.Sprintf("must be between 0 and 100, got %d", value))
	}
}

func (v *validator) condition(field string, condition Condition) {
	if strings.TrimSpace(condition.Attribute) == "" {
		v.add(field+".attribute", "is required")
	}

	value := condition.Value
	switch condition.Operator {
	case OperatorEquals, OperatorNotEquals, OperatorContains:
		if !value.IsScalar() {
			v.add(field+".value", fmt.Sprintf("operator %s requires a scalar, got %s", condition.Operator, value.Kind()))
		}
	case OperatorIn, OperatorNotIn:
		if value.Kind() != KindList {
			v.add(field+".value", fmt.Sprintf("operator %s requires a list, got %s", condition.Operator, value.Kind()))
			return
		}
		for _, item := range value.values {
			if !item.IsScalar() {
				v.add(field+".value", fmt.Sprintf("operator %s requires a list of scalars", condition.Operator))
				return
			}
		}
	case OperatorGreaterThan, OperatorLessThan:
		if _, isDate := asTime(value); value.Kind() != KindNumber && !isDate {
			v.add(field+".value", fmt.Sprintf("operator %s requires a number or date", condition.Operator))
		}
	default:
		v.add(field+".operator", fmt.Sprintf("unknown operator %q", condition.Operator))
	}
}
