package rules

import (
	"context"
	"testing"
)

func baseFacts() Facts {
	return Facts{
		"tx": map[string]any{
			"amount":          25.0,
			"currency":        "USD",
			"billing_country": "US",
			"bin":             "411111",
			"bin_denied":      false,
			"merchant_id":     "m1",
		},
		"velocity": map[string]any{
			"card_5m":   0,
			"device_1h": 1,
		},
		"geo": map[string]any{
			"ip_country": "US",
		},
		"session": map[string]any{
			"avg_amount":            30.0,
			"device_age_days":       120,
			"page_views":            8,
			"duration_seconds":      240,
			"distinct_countries_1h": 1,
		},
	}
}

func mustCompile(t *testing.T, ruleList []DetectionRule) *Snapshot {
	t.Helper()
	snap, err := Compile(context.Background(), "test", ruleList)
	if err != nil {
		t.Fatalf("compile: %v", err)
	}
	return snap
}

func TestCleanTransactionMatchesNothing(t *testing.T) {
	snap := mustCompile(t, DefaultRules())
	res := NewEngine().Evaluate(context.Background(), snap, baseFacts())

	if res.Score != 0 {
		t.Errorf("clean transaction scored %d (factors: %v)", res.Score, res.Factors)
	}
	if res.Blocked() {
		t.Errorf("clean transaction blocked by rule %s", res.BlockRuleID)
	}
}

func TestVelocityBurstScores(t *testing.T) {
	snap := mustCompile(t, DefaultRules())
	facts := baseFacts()
	facts["velocity"].(map[string]any)["card_5m"] = 6

	res := NewEngine().Evaluate(context.Background(), snap, facts)
	if res.Score < 35 {
		t.Errorf("velocity burst score too low: %d", res.Score)
	}

	found := false
	for _, f := range res.Factors {
		if f.RuleID == "velocity-card-burst" {
			found = true
		}
	}
	if !found {
		t.Error("velocity-card-burst not in factors")
	}
}

func TestBlockRuleShortCircuits(t *testing.T) {
	ruleList := []DetectionRule{
		{ID: "deny", Name: "deny", Category: CategoryReference, Expression: `tx.bin_denied`,
			Score: 100, Action: ActionBlock, Priority: 100, Active: true},
		{ID: "lower", Name: "lower", Category: CategoryAmount, Expression: `tx.amount > 0.0`,
			Score: 10, Action: ActionScore, Priority: 10, Active: true},
	}
	snap := mustCompile(t, ruleList)

	facts := baseFacts()
	facts["tx"].(map[string]any)["bin_denied"] = true

	res := NewEngine().Evaluate(context.Background(), snap, facts)
	if !res.Blocked() {
		t.Fatal("expected block")
	}
	if res.BlockRuleID != "deny" {
		t.Errorf("block attributed to %q", res.BlockRuleID)
	}
	if res.Evaluated != 1 {
		t.Errorf("lower-priority rules ran after block: evaluated %d", res.Evaluated)
	}
	if res.Score != 100 {
		t.Errorf("block rule score = %d, want 100", res.Score)
	}
}

func TestScoreCapsAtHundred(t *testing.T) {
	ruleList := []DetectionRule{
		{ID: "a", Name: "a", Category: CategoryAmount, Expression: `tx.amount > 0.0`,
			Score: 70, Action: ActionScore, Priority: 2, Active: true},
		{ID: "b", Name: "b", Category: CategoryAmount, Expression: `tx.amount > 0.0`,
			Score: 70, Action: ActionScore, Priority: 1, Active: true},
	}
	snap := mustCompile(t, ruleList)

	res := NewEngine().Evaluate(context.Background(), snap, baseFacts())
	if res.Score != 100 {
		t.Errorf("score = %d, want capped at 100", res.Score)
	}
}

func TestFlagRuleContributesNoScore(t *testing.T) {
	ruleList := []DetectionRule{
		{ID: "flag", Name: "flag", Category: CategoryBehavior, Expression: `session.page_views == 0`,
			Score: 0, Action: ActionFlag, Priority: 1, Active: true},
	}
	snap := mustCompile(t, ruleList)

	facts := baseFacts()
	facts["session"].(map[string]any)["page_views"] = 0

	res := NewEngine().Evaluate(context.Background(), snap, facts)
	if res.Score != 0 {
		t.Errorf("flag rule contributed score %d", res.Score)
	}
	if len(res.Factors) != 1 {
		t.Errorf("flag rule produced %d factors, want 1", len(res.Factors))
	}
}

func TestMalformedRuleSkippedAtCompile(t *testing.T) {
	ruleList := []DetectionRule{
		{ID: "bad", Name: "bad", Category: CategoryAmount, Expression: `tx.amount >`,
			Score: 50, Action: ActionScore, Priority: 1, Active: true},
		{ID: "good", Name: "good", Category: CategoryAmount, Expression: `tx.amount > 10.0`,
			Score: 20, Action: ActionScore, Priority: 1, Active: true},
	}
	snap := mustCompile(t, ruleList)

	if snap.Len() != 1 {
		t.Fatalf("snapshot has %d rules, want 1", snap.Len())
	}
	if len(snap.Skipped()) != 1 || snap.Skipped()[0] != "bad" {
		t.Errorf("skipped = %v, want [bad]", snap.Skipped())
	}

	res := NewEngine().Evaluate(context.Background(), snap, baseFacts())
	if res.Score != 20 {
		t.Errorf("good rule did not survive bad neighbor: score %d", res.Score)
	}
}

func TestRuntimeErrorSkipsOnlyThatRule(t *testing.T) {
	ruleList := []DetectionRule{
		// Compiles against DynType but fails at eval: no such key.
		{ID: "missing-fact", Name: "missing", Category: CategoryBehavior, Expression: `session.nonexistent_key == 1`,
			Score: 50, Action: ActionScore, Priority: 5, Active: true},
		{ID: "ok", Name: "ok", Category: CategoryAmount, Expression: `tx.amount > 10.0`,
			Score: 15, Action: ActionScore, Priority: 1, Active: true},
	}
	snap := mustCompile(t, ruleList)

	res := NewEngine().Evaluate(context.Background(), snap, baseFacts())
	if res.Score != 15 {
		t.Errorf("score = %d, want 15 from the surviving rule", res.Score)
	}
}

func TestInactiveRulesExcluded(t *testing.T) {
	ruleList := []DetectionRule{
		{ID: "off", Name: "off", Category: CategoryAmount, Expression: `tx.amount > 0.0`,
			Score: 50, Action: ActionScore, Priority: 1, Active: false},
	}
	snap := mustCompile(t, ruleList)
	if snap.Len() != 0 {
		t.Errorf("inactive rule compiled into snapshot")
	}
}

func TestPriorityOrdering(t *testing.T) {
	ruleList := []DetectionRule{
		{ID: "low", Name: "low", Category: CategoryAmount, Expression: `true`,
			Score: 1, Action: ActionScore, Priority: 1, Active: true},
		{ID: "high", Name: "high", Category: CategoryAmount, Expression: `true`,
			Score: 2, Action: ActionScore, Priority: 99, Active: true},
	}
	snap := mustCompile(t, ruleList)

	rs := snap.Rules()
	if rs[0].ID != "high" || rs[1].ID != "low" {
		t.Errorf("evaluation order = %s, %s; want high, low", rs[0].ID, rs[1].ID)
	}
}

func TestNilSnapshotIsEmptyResult(t *testing.T) {
	res := NewEngine().Evaluate(context.Background(), nil, baseFacts())
	if res.Score != 0 || res.Blocked() {
		t.Errorf("nil snapshot produced non-empty result: %+v", res)
	}
}
