package core

import (
	"fmt"
	"testing"

	"github.com/google/go-cmp/cmp"
)

func intPtr(value int) *int {
	return &value
}

func TestEvaluate(t *testing.T) {
	proRule := Rule{
		Conditions: []Condition{
			{Attribute: "plan", Operator: OperatorEquals, Value: StringValue("pro")},
		},
		RolloutPercentage: 100,
	}

	tests := []struct {
		name    string
		flag    *FlagDefinition
		context EvaluationContext
		want    EvaluationResult
	}{
		{
			name: "missing flag resolves not found",
			flag: nil,
			want: EvaluationResult{Reason: ReasonFlagNotFound},
		},
		{
			name: "disabled flag ignores rules",
			flag: &FlagDefinition{
				Name:                     "kill",
				Enabled:                  false,
				Rules:                    []Rule{{RolloutPercentage: 100}},
				DefaultRolloutPercentage: 100,
			},
			context: attrs(map[string]any{"plan": "pro"}),
			want:    EvaluationResult{Reason: ReasonFlagDisabled},
		},
		{
			name:    "no rules full default rollout",
			flag:    &FlagDefinition{Name: "everyone", Enabled: true, DefaultRolloutPercentage: 100},
			context: attrs(nil),
			want:    EvaluationResult{Enabled: true, Reason: ReasonDefaultRollout},
		},
		{
			name:    "no rules zero default rollout",
			flag:    &FlagDefinition{Name: "nobody", Enabled: true, DefaultRolloutPercentage: 0},
			context: attrs(nil),
			want:    EvaluationResult{Reason: ReasonNotInRollout},
		},
		{
			name:    "matching rule",
			flag:    &FlagDefinition{Name: "pro-only", Enabled: true, Rules: []Rule{proRule}},
			context: attrs(map[string]any{"plan": "pro"}),
			want:    EvaluationResult{Enabled: true, Reason: ReasonRuleMatch, MatchedRuleIndex: intPtr(0)},
		},
		{
			name:    "non matching rule falls through to default",
			flag:    &FlagDefinition{Name: "pro-only", Enabled: true, Rules: []Rule{proRule}},
			context: attrs(map[string]any{"plan": "free"}),
			want:    EvaluationResult{Reason: ReasonNotInRollout},
		},
		{
			name: "non matching rule falls through to enabled default",
			flag: &FlagDefinition{
				Name:                     "pro-only",
				Enabled:                  true,
				Rules:                    []Rule{proRule},
				DefaultRolloutPercentage: 100,
			},
			context: attrs(map[string]any{"plan": "free"}),
			want:    EvaluationResult{Enabled: true, Reason: ReasonDefaultRollout},
		},
		{
			name: "rule with zero rollout never matches",
			flag: &FlagDefinition{
				Name:    "staged",
				Enabled: true,
				Rules:   []Rule{{RolloutPercentage: 0}},
			},
			context: attrs(nil),
			want:    EvaluationResult{Reason: ReasonNotInRollout},
		},
		{
			name: "variant override wins",
			flag: &FlagDefinition{
				Name:     "checkout",
				Enabled:  true,
				Variants: []Variant{{Key: "A", Weight: 50}, {Key: "B", Weight: 50}},
				Rules: []Rule{
					{
						Conditions:        []Condition{{Attribute: "beta", Operator: OperatorEquals, Value: BoolValue(true)}},
						RolloutPercentage: 100,
						VariantOverride:   "B",
					},
				},
			},
			context: attrs(map[string]any{"beta": true}),
			want:    EvaluationResult{Enabled: true, Variant: "B", Reason: ReasonRuleMatch, MatchedRuleIndex: intPtr(0)},
		},
		{
			name: "disabled result carries no variant",
			flag: &FlagDefinition{
				Name:     "checkout",
				Enabled:  true,
				Variants: []Variant{{Key: "A", Weight: 100}},
			},
			context: attrs(nil),
			want:    EvaluationResult{Reason: ReasonNotInRollout},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := Evaluate(tt.flag, tt.context)
			if diff := cmp.Diff(tt.want, got); diff != "" {
				t.Fatalf("Evaluate() mismatch (-want +got):\n%s", diff)
			}
		})
	}
}

func TestEvaluateIsDeterministic(t *testing.T) {
	flag := &FlagDefinition{
		Name:     "deterministic",
		Enabled:  true,
		Variants: []Variant{{Key: "A", Weight: 30}, {Key: "B", Weight: 70}},
		Rules: []Rule{
			{
				Conditions:        []Condition{{Attribute: "plan", Operator: OperatorEquals, Value: StringValue("pro")}},
				RolloutPercentage: 40,
			},
		},
		DefaultRolloutPercentage: 60,
	}

	for i := 0; i < 200; i++ {
		evalContext := NewEvaluationContext(fmt.Sprintf("user-%d", i), "tenant-1", map[string]any{"plan": "pro"})
		first := Evaluate(flag, evalContext)
		for j := 0; j < 5; j++ {
			if diff := cmp.Diff(first, Evaluate(flag, evalContext)); diff != "" {
				t.Fatalf("repeated Evaluate() differs for user-%d (-first +got):\n%s", i, diff)
			}
		}
	}
}

func TestEvaluateKillSwitch(t *testing.T) {
	flag := &FlagDefinition{
		Name:                     "kill",
		Enabled:                  false,
		Variants:                 []Variant{{Key: "A", Weight: 100}},
		Rules:                    []Rule{{RolloutPercentage: 100, VariantOverride: "A"}},
		DefaultRolloutPercentage: 100,
	}

	for i := 0; i < 100; i++ {
		got := Evaluate(flag, NewEvaluationContext(fmt.Sprintf("user-%d", i), "t", map[string]any{"plan": "pro"}))
		if diff := cmp.Diff(EvaluationResult{Reason: ReasonFlagDisabled}, got); diff != "" {
			t.Fatalf("Evaluate() mismatch (-want +got):\n%s", diff)
		}
	}
}

func TestEvaluateRuleOrderPrecedence(t *testing.T) {
	flag := &FlagDefinition{
		Name:    "precedence",
		Enabled: true,
		Rules: []Rule{
			{RolloutPercentage: 25},
			{RolloutPercentage: 100},
		},
	}

	// user-1 lands in bucket 22 for rule 0; user-2 lands in bucket 31.
	if got := Evaluate(flag, NewEvaluationContext("user-1", "", nil)); got.MatchedRuleIndex == nil || *got.MatchedRuleIndex != 0 {
		t.Fatalf("Evaluate(user-1) = %+v, want rule 0", got)
	}
	if got := Evaluate(flag, NewEvaluationContext("user-2", "", nil)); got.MatchedRuleIndex == nil || *got.MatchedRuleIndex != 1 {
		t.Fatalf("Evaluate(user-2) = %+v, want rule 1", got)
	}

	sawFallThrough := false
	for i := 0; i < 500; i++ {
		identity := fmt.Sprintf("user-%d", i)
		got := Evaluate(flag, NewEvaluationContext(identity, "", nil))
		if !got.Enabled || got.Reason != ReasonRuleMatch || got.MatchedRuleIndex == nil {
			t.Fatalf("Evaluate(%s) = %+v, want a rule match", identity, got)
		}

		wantIndex := 1
		if Bucket(RuleRolloutSeed("precedence", 0, identity)) < 25 {
			wantIndex = 0
		} else {
			sawFallThrough = true
		}
		if *got.MatchedRuleIndex != wantIndex {
			t.Fatalf("Evaluate(%s).MatchedRuleIndex = %d, want %d", identity, *got.MatchedRuleIndex, wantIndex)
		}
	}
	if !sawFallThrough {
		t.Fatal("no identity was excluded by the first rule's rollout")
	}
}

func TestEvaluateRolloutMonotonicity(t *testing.T) {
	const identities = 1000

	included := make(map[string]bool, identities)
	for percentage := 0; percentage <= 100; percentage += 5 {
		flag := &FlagDefinition{Name: "gradual", Enabled: true, DefaultRolloutPercentage: percentage}

		count := 0
		for i := 0; i < identities; i++ {
			identity := fmt.Sprintf("user-%d", i)
			enabled := Evaluate(flag, NewEvaluationContext(identity, "", nil)).Enabled
			if included[identity] && !enabled {
				t.Fatalf("%s dropped out when rollout increased to %d%%", identity, percentage)
			}
			if enabled {
				included[identity] = true
				count++
			}
		}

		if percentage == 0 && count != 0 {
			t.Fatalf("rollout 0%% included %d identities, want 0", count)
		}
		if percentage == 100 && count != identities {
			t.Fatalf("rollout 100%% included %d identities, want %d", count, identities)
		}
	}
}

func TestEvaluateFullAndZeroRollout(t *testing.T) {
	everyone := &FlagDefinition{Name: "everyone", Enabled: true, DefaultRolloutPercentage: 100}
	nobody := &FlagDefinition{Name: "nobody", Enabled: true, DefaultRolloutPercentage: 0}

	for i := 0; i < 300; i++ {
		evalContext := NewEvaluationContext(fmt.Sprintf("user-%d", i), "tenant-1", nil)

		if got := Evaluate(everyone, evalContext); !got.Enabled || got.Reason != ReasonDefaultRollout {
			t.Fatalf("Evaluate(everyone) = %+v, want enabled DEFAULT_ROLLOUT", got)
		}
		if got := Evaluate(nobody, evalContext); got.Enabled || got.Reason != ReasonNotInRollout {
			t.Fatalf("Evaluate(nobody) = %+v, want disabled NOT_IN_ROLLOUT", got)
		}
	}
}

func TestEvaluateVariantSplitConverges(t *testing.T) {
	flag := &FlagDefinition{
		Name:                     "checkout-experiment",
		Enabled:                  true,
		Variants:                 []Variant{{Key: "A", Weight: 50}, {Key: "B", Weight: 50}},
		DefaultRolloutPercentage: 100,
	}

	const samples = 10000
	counts := map[string]int{}
	for i := 0; i < samples; i++ {
		evalContext := NewEvaluationContext(fmt.Sprintf("user-%d", i), "tenant-1", nil)
		got := Evaluate(flag, evalContext)
		if got.Reason != ReasonDefaultRollout {
			t.Fatalf("Evaluate().Reason = %s, want %s", got.Reason, ReasonDefaultRollout)
		}
		if again := Evaluate(flag, evalContext); again.Variant != got.Variant {
			t.Fatalf("variant for user-%d changed from %q to %q", i, got.Variant, again.Variant)
		}
		counts[got.Variant]++
	}

	if len(counts) != 2 {
		t.Fatalf("variants assigned = %v, want only A and B", counts)
	}
	if counts["A"] < 4700 || counts["A"] > 5300 {
		t.Fatalf("variant A assigned %d of %d, want roughly half", counts["A"], samples)
	}
}

func TestEvaluateRolloutAndVariantAreIndependentDraws(t *testing.T) {
	flag := &FlagDefinition{
		Name:                     "independent",
		Enabled:                  true,
		Variants:                 []Variant{{Key: "A", Weight: 50}, {Key: "B", Weight: 50}},
		DefaultRolloutPercentage: 50,
	}

	counts := map[string]int{}
	for i := 0; i < 10000; i++ {
		got := Evaluate(flag, NewEvaluationContext(fmt.Sprintf("user-%d", i), "", nil))
		if got.Enabled {
			counts[got.Variant]++
		}
	}

	// If both decisions shared a bucket every included user would get A.
	if counts["B"] < 2000 {
		t.Fatalf("variant counts among included users = %v, want both variants well represented", counts)
	}
}

func TestEvaluateTenantScope(t *testing.T) {
	tenantFlag := &FlagDefinition{
		Name:                     "tenant-flag",
		Enabled:                  true,
		Scope:                    ScopeTenant,
		DefaultRolloutPercentage: 50,
	}

	// acme lands in bucket 14 and tenant-a in bucket 80.
	for i := 0; i < 200; i++ {
		identity := fmt.Sprintf("user-%d", i)
		if got := Evaluate(tenantFlag, NewEvaluationContext(identity, "acme", nil)); !got.Enabled {
			t.Fatalf("Evaluate(%s@acme) = %+v, want every acme user enabled", identity, got)
		}
		if got := Evaluate(tenantFlag, NewEvaluationContext(identity, "tenant-a", nil)); got.Enabled {
			t.Fatalf("Evaluate(%s@tenant-a) = %+v, want every tenant-a user disabled", identity, got)
		}
	}

	userFlag := *tenantFlag
	userFlag.Scope = ScopeUser
	enabled := 0
	for i := 0; i < 200; i++ {
		if Evaluate(&userFlag, NewEvaluationContext(fmt.Sprintf("user-%d", i), "acme", nil)).Enabled {
			enabled++
		}
	}
	if enabled == 0 || enabled == 200 {
		t.Fatalf("user-scoped rollout enabled %d of 200 acme users, want a split", enabled)
	}
}

func TestEvaluateTenantScopeSharesVariantAcrossTenantUsers(t *testing.T) {
	flag := &FlagDefinition{
		Name:                     "tenant-variant",
		Enabled:                  true,
		Scope:                    ScopeTenant,
		Variants:                 []Variant{{Key: "A", Weight: 50}, {Key: "B", Weight: 50}},
		DefaultRolloutPercentage: 100,
	}

	want := Evaluate(flag, NewEvaluationContext("user-0", "globex", nil)).Variant
	for i := 1; i < 100; i++ {
		if got := Evaluate(flag, NewEvaluationContext(fmt.Sprintf("user-%d", i), "globex", nil)).Variant; got != want {
			t.Fatalf("variant for user-%d@globex = %q, want %q", i, got, want)
		}
	}
}

func TestEvaluateBatch(t *testing.T) {
	flags := map[string]FlagDefinition{
		"on":  {Name: "on", Enabled: true, DefaultRolloutPercentage: 100},
		"off": {Name: "off", Enabled: false},
	}
	lookup := func(name string) (FlagDefinition, bool) {
		flag, ok := flags[name]
		return flag, ok
	}

	got := EvaluateBatch(lookup, []string{"on", "off", "missing", "on"}, NewEvaluationContext("user-1", "tenant-1", nil))
	want := map[string]EvaluationResult{
		"on":      {Enabled: true, Reason: ReasonDefaultRollout},
		"off":     {Reason: ReasonFlagDisabled},
		"missing": {Reason: ReasonFlagNotFound},
	}
	if diff := cmp.Diff(want, got); diff != "" {
		t.Fatalf("EvaluateBatch() mismatch (-want +got):\n%s", diff)
	}

	if got := EvaluateBatch(nil, []string{"on"}, EvaluationContext{}); got["on"].Reason != ReasonFlagNotFound {
		t.Fatalf("EvaluateBatch(nil lookup) = %+v, want FLAG_NOT_FOUND", got)
	}
}
