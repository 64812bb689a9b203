package core

import (
	"encoding/json"
	"testing"
)

func FuzzEvaluateIsTotal(f *testing.F) {
	f.Add("user-1", "tenant-1", `{"plan":"pro"}`, "plan", `"pro"`, uint8(50), uint8(30))
	f.Add("", "", `{}`, "", `null`, uint8(0), uint8(100))
	f.Add("user-2", "acme", `{"groups":["beta",1,true]}`, "groups", `["beta"]`, uint8(255), uint8(7))
	f.Add("user-3", "acme", `{"signup":"2024-01-01"}`, "signup", `"2023-06-01T00:00:00Z"`, uint8(100), uint8(100))

	operators := []Operator{
		OperatorEquals, OperatorNotEquals, OperatorIn, OperatorNotIn,
		OperatorGreaterThan, OperatorLessThan, OperatorContains, Operator("unknown"),
	}

	f.Fuzz(func(t *testing.T, identity, tenantID, attributesJSON, attribute, valueJSON string, rollout, selector uint8) {
		var evalContext EvaluationContext
		evalContext.Identity = identity
		evalContext.TenantID = tenantID
		_ = json.Unmarshal([]byte(attributesJSON), &evalContext.Attributes)

		var value Value
		_ = json.Unmarshal([]byte(valueJSON), &value)

		scope := ScopeUser
		if selector%2 == 0 {
			scope = ScopeTenant
		}
		combinator := CombinatorAnd
		if selector%3 == 0 {
			combinator = CombinatorOr
		}

		flag := &FlagDefinition{
			Name:     "fuzz-flag",
			Enabled:  selector%11 != 0,
			Scope:    scope,
			Variants: []Variant{{Key: "A", Weight: int(selector % 101)}, {Key: "B", Weight: 100 - int(selector%101)}},
			Rules: []Rule{
				{
					Conditions: []Condition{
						{Attribute: attribute, Operator: operators[int(selector)%len(operators)], Value: value},
					},
					Combinator:        combinator,
					RolloutPercentage: int(rollout),
				},
			},
			DefaultRolloutPercentage: int(rollout) % 101,
		}

		first := Evaluate(flag, evalContext)
		second := Evaluate(flag, evalContext)
		if first.Enabled != second.Enabled || first.Variant != second.Variant || first.Reason != second.Reason {
			t.Fatalf("Evaluate() not deterministic: %+v vs %+v", first, second)
		}
		if !first.Enabled && first.Variant != "" {
			t.Fatalf("Evaluate() = %+v, disabled result carries a variant", first)
		}
		_ = Validate(*flag)
	})
}

func FuzzBucketRange(f *testing.F) {
	f.Add("")
	f.Add("flag::0::user")
	f.Add("ünïcødé::default::🙂")

	f.Fuzz(func(t *testing.T, seed string) {
		if bucket := Bucket(seed); bucket < 0 || bucket > 99 {
			t.Fatalf("Bucket(%q) = %d, want value in [0, 99]", seed, bucket)
		}
	})
}
