// Package rollout provides client interfaces and wire types for the rollout
// feature flag service.
//
// Use the sub-packages to create transport-specific clients:
//
//	import rollouthttp "github.com/matt-riley/rollout/clients/go/http"
//	import rolloutgrpc "github.com/matt-riley/rollout/clients/go/grpc"
//
// The gRPC transport serves evaluation only; flag management is HTTP.
package rollout

import (
	"context"
	"time"
)

// FlagManager covers CRUD operations on flag definitions. Writes need an API
// key with write access.
type FlagManager interface {
	CreateFlag(ctx context.Context, flag Flag) (Flag, error)
	GetFlag(ctx context.Context, name string) (Flag, error)
	ListFlags(ctx context.Context) ([]Flag, error)
	UpdateFlag(ctx context.Context, flag Flag) (Flag, error)
	DeleteFlag(ctx context.Context, name string) error
}

// Evaluator resolves flags for an evaluation context.
type Evaluator interface {
	Evaluate(ctx context.Context, name string, evalCtx EvaluationContext) (Result, error)
	EvaluateBatch(ctx context.Context, names []string, evalCtx EvaluationContext) (map[string]Result, error)
}

// Reasons reported by the server.
const (
	ReasonFlagDisabled   = "FLAG_DISABLED"
	ReasonRuleMatch      = "RULE_MATCH"
	ReasonDefaultRollout = "DEFAULT_ROLLOUT"
	ReasonNotInRollout   = "NOT_IN_ROLLOUT"
	ReasonFlagNotFound   = "FLAG_NOT_FOUND"
)

type Flag struct {
	Name                     string    `json:"name"`
	Description              string    `json:"description,omitempty"`
	Enabled                  bool      `json:"enabled"`
	Scope                    string    `json:"scope,omitempty"`
	Variants                 []Variant `json:"variants,omitempty"`
	Rules                    []Rule    `json:"rules,omitempty"`
	DefaultRolloutPercentage int       `json:"default_rollout_percentage"`
	CreatedAt                time.Time `json:"created_at,omitzero"`
	UpdatedAt                time.Time `json:"updated_at,omitzero"`
}

type Variant struct {
	Key    string `json:"key"`
	Weight int    `json:"weight"`
}

type Rule struct {
	Conditions        []Condition `json:"conditions,omitempty"`
	Combinator        string      `json:"combinator,omitempty"`
	RolloutPercentage int         `json:"rollout_percentage"`
	VariantOverride   string      `json:"variant_override,omitempty"`
}

// Condition compares one context attribute against Value, which is any JSON
// scalar or, for "in" and "notIn", a list of scalars.
type Condition struct {
	Attribute string `json:"attribute"`
	Operator  string `json:"operator"`
	Value     any    `json:"value"`
}

// EvaluationContext describes the subject a flag is evaluated for. TenantID
// may be left empty; the server fills it from the API key.
type EvaluationContext struct {
	Identity   string         `json:"identity"`
	TenantID   string         `json:"tenant_id,omitempty"`
	Attributes map[string]any `json:"attributes,omitempty"`
}

// Result is the outcome of evaluating one flag.
type Result struct {
	Enabled          bool   `json:"enabled"`
	Variant          string `json:"variant,omitempty"`
	Reason           string `json:"reason"`
	MatchedRuleIndex *int   `json:"matched_rule_index,omitempty"`
}
