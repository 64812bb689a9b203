package core

type Operator string

const (
	OperatorEquals      Operator = "equals"
	OperatorNotEquals   Operator = "notEquals"
	OperatorIn          Operator = "in"
	OperatorNotIn       Operator = "notIn"
	OperatorGreaterThan Operator = "greaterThan"
	OperatorLessThan    Operator = "lessThan"
	OperatorContains    Operator = "contains"
)

type Combinator string

const (
	CombinatorAnd Combinator = "AND"
	CombinatorOr  Combinator = "OR"
)

// Scope selects the bucketing subject of a flag.
type Scope string

const (
	ScopeUser   Scope = "user"
	ScopeTenant Scope = "tenant"
)

type Reason string

const (
	ReasonFlagDisabled   Reason = "FLAG_DISABLED"
	ReasonRuleMatch      Reason = "RULE_MATCH"
	ReasonDefaultRollout Reason = "DEFAULT_ROLLOUT"
	ReasonNotInRollout   Reason = "NOT_IN_ROLLOUT"
	ReasonFlagNotFound   Reason = "FLAG_NOT_FOUND"
)

type Condition struct {
	Attribute string   `json:"attribute"`
	Operator  Operator `json:"operator"`
	Value     Value    `json:"value"`
}

// Rule is a targeting clause. A rule without conditions matches every context.
type Rule struct {
	Conditions        []Condition `json:"conditions,omitempty"`
	Combinator        Combinator  `json:"combinator,omitempty"`
	RolloutPercentage int         `json:"rollout_percentage"`
	VariantOverride   string      `json:"variant_override,omitempty"`
}

type Variant struct {
	Key    string `json:"key"`
	Weight int    `json:"weight"`
}

// FlagDefinition is treated as an immutable snapshot by the evaluator.
type FlagDefinition struct {
	Name                     string    `json:"name"`
	Enabled                  bool      `json:"enabled"`
	Scope                    Scope     `json:"scope,omitempty"`
	Variants                 []Variant `json:"variants,omitempty"`
	Rules                    []Rule    `json:"rules,omitempty"`
	DefaultRolloutPercentage int       `json:"default_rollout_percentage"`
}

type EvaluationContext struct {
	Identity   string           `json:"identity"`
	TenantID   string           `json:"tenant_id"`
	Attributes map[string]Value `json:"attributes,omitempty"`
}

type EvaluationResult struct {
	Enabled          bool   `json:"enabled"`
	Variant          string `json:"variant,omitempty"`
	Reason           Reason `json:"reason"`
	MatchedRuleIndex *int   `json:"matched_rule_index,omitempty"`
}

// NewEvaluationContext converts loosely typed attributes into a context.
func NewEvaluationContext(identity, tenantID string, attributes map[string]any) EvaluationContext {
	evalContext := EvaluationContext{
		Identity: identity,
		TenantID: tenantID,
	}
	if len(attributes) == 0 {
		return evalContext
	}

	evalContext.Attributes = make(map[string]Value, len(attributes))
	for name, raw := range attributes {
		evalContext.Attributes[name] = ValueOf(raw)
	}

	return evalContext
}
