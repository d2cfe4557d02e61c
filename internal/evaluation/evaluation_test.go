package evaluation

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/ecomsec/sentinel/internal/rules"
)

func TestResultJSONFieldNames(t *testing.T) {
	res := &EvaluationResult{
		ID:            "eval_json",
		TransactionID: "tx-json",
		CustomerID:    "cust-json",
		RiskScore:     42,
		RiskLevel:     RiskMedium,
		Decision:      DecisionRequireAuth,
		Factors: []rules.RiskFactor{
			{RuleID: "velocity-card-burst", Category: rules.CategoryVelocity, Score: 25},
		},
		Engines: EngineSet{
			EngineRules:       {Score: 25, Weight: 0.45, Millis: 1.7},
			EngineML:          {Score: 55, Weight: 0.35, Millis: 12.3},
			EngineThreatIntel: {Score: 0, Weight: 0.20, Degraded: true, Millis: 48.6},
		},
		FailOpen:    true,
		EvaluatedAt: time.Now(),
	}

	raw, err := json.Marshal(res)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	var m map[string]any
	if err := json.Unmarshal(raw, &m); err != nil {
		t.Fatalf("unmarshal into map: %v", err)
	}

	for _, key := range []string{"risk_factors", "engine_breakdown", "fallback"} {
		if _, ok := m[key]; !ok {
			t.Errorf("response missing %q: %s", key, raw)
		}
	}

	breakdown, ok := m["engine_breakdown"].(map[string]any)
	if !ok {
		t.Fatalf("engine_breakdown is %T", m["engine_breakdown"])
	}
	timings := map[string]float64{
		"rule_ms":         1.7,
		"ml_ms":           12.3,
		"threat_intel_ms": 48.6,
	}
	for key, want := range timings {
		got, ok := breakdown[key].(float64)
		if !ok || got != want {
			t.Errorf("engine_breakdown.%s = %v, want %v", key, breakdown[key], want)
		}
	}

	var back EvaluationResult
	if err := json.Unmarshal(raw, &back); err != nil {
		t.Fatalf("round trip: %v", err)
	}
	if len(back.Engines) != 3 {
		t.Errorf("round trip kept %d engines, want 3", len(back.Engines))
	}
	if !back.Engines[EngineThreatIntel].Degraded {
		t.Error("degraded marker lost in round trip")
	}
	if !back.FailOpen {
		t.Error("fallback flag lost in round trip")
	}
}
