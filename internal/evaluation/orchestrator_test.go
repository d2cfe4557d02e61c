package evaluation

import (
	"context"
	"strconv"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/ecomsec/sentinel/internal/abtest"
	"github.com/ecomsec/sentinel/internal/ml"
	"github.com/ecomsec/sentinel/internal/rules"
	"github.com/ecomsec/sentinel/internal/signalcache"
	"github.com/ecomsec/sentinel/internal/threatintel"
)

func testConfig() Config {
	return Config{
		OverallDeadline:     500 * time.Millisecond,
		MLDeadline:          200 * time.Millisecond,
		ThreatIntelDeadline: 200 * time.Millisecond,
		RuleWeight:          0.45,
		MLWeight:            0.35,
		ThreatIntelWeight:   0.20,
		ApproveMax:          30,
		ReviewMax:           70,
		BINDenyList:         []string{"999999"},
	}
}

func newTestOrchestrator(t *testing.T, cfg Config, exp *abtest.Experiment) *Orchestrator {
	t.Helper()

	loader := rules.NewLoader(rules.NewMemoryStoreWithRules(rules.DefaultRules()), time.Hour)
	if err := loader.Start(context.Background()); err != nil {
		t.Fatalf("rule loader: %v", err)
	}
	t.Cleanup(loader.Stop)

	store := ml.NewMemoryStoreWithDefaults()
	challenger := ml.DefaultModelVersion()
	challenger.ID = "challenger-v2"
	challenger.Active = false
	if err := store.Put(context.Background(), challenger); err != nil {
		t.Fatalf("model store: %v", err)
	}
	registry := ml.NewRegistry(store, time.Hour)
	if err := registry.Start(context.Background()); err != nil {
		t.Fatalf("model registry: %v", err)
	}
	t.Cleanup(registry.Stop)

	cache := signalcache.NewCache(1000, 0)
	t.Cleanup(cache.Stop)
	velocity := signalcache.NewVelocityTracker(time.Hour, 0)
	t.Cleanup(velocity.Stop)

	intel := threatintel.New(threatintel.Config{}, cache)

	return NewOrchestrator(cfg, loader, registry, intel, velocity, cache, abtest.NewRouter(exp), nil)
}

func cleanTransaction() *Transaction {
	return &Transaction{
		TransactionID:     "tx-1",
		CustomerID:        "cust-1",
		Amount:            25,
		Currency:          "USD",
		CardBIN:           "411111",
		BillingCountry:    "US",
		IPAddress:         "203.0.113.7",
		DeviceFingerprint: "fp-1",
		Session: SessionContext{
			AvgAmount:       30,
			DeviceAgeDays:   120,
			PageViews:       8,
			DurationSeconds: 240,
		},
	}
}

func TestCleanTransactionApproves(t *testing.T) {
	orch := newTestOrchestrator(t, testConfig(), nil)

	res := orch.Evaluate(context.Background(), cleanTransaction())

	if res.Decision != DecisionApprove {
		t.Errorf("decision = %s, want approve (score %d, engines %+v)",
			res.Decision, res.RiskScore, res.Engines)
	}
	if res.RiskLevel != RiskLow {
		t.Errorf("risk level = %s, want low", res.RiskLevel)
	}
	if res.FailOpen {
		t.Error("healthy evaluation marked fail-open")
	}
	if !strings.HasPrefix(res.ID, "eval_") {
		t.Errorf("evaluation ID %q missing prefix", res.ID)
	}
	if res.RuleVersion == "" || res.ModelVersionID == "" {
		t.Errorf("provenance missing: rule_version=%q model=%q", res.RuleVersion, res.ModelVersionID)
	}
	if len(res.Engines) != 3 {
		t.Errorf("breakdown has %d engines, want 3", len(res.Engines))
	}
}

func TestDeniedBINBlocks(t *testing.T) {
	orch := newTestOrchestrator(t, testConfig(), nil)

	tx := cleanTransaction()
	tx.CardBIN = "999999"

	res := orch.Evaluate(context.Background(), tx)
	if res.Decision != DecisionBlock {
		t.Fatalf("decision = %s, want block", res.Decision)
	}
	if res.BlockRuleID != "reference-blocked-bin" {
		t.Errorf("block rule = %q", res.BlockRuleID)
	}
	if res.RiskLevel != RiskHigh {
		t.Errorf("risk level = %s, want high", res.RiskLevel)
	}
}

func TestVelocityAccumulatesAcrossEvaluations(t *testing.T) {
	orch := newTestOrchestrator(t, testConfig(), nil)

	tx := cleanTransaction()
	var last *EvaluationResult
	for i := 0; i < 8; i++ {
		last = orch.Evaluate(context.Background(), tx)
	}

	// By the eighth evaluation the card has 7 prior events in 5 minutes,
	// well past the burst rule's threshold.
	if last.Engines[EngineRules].Score < 35 {
		t.Errorf("rule score after burst = %d, want >= 35", last.Engines[EngineRules].Score)
	}
	if last.Decision == DecisionApprove && last.RiskScore <= testConfig().ApproveMax {
		t.Logf("note: blended score %d stayed in approve band", last.RiskScore)
	}
}

func TestThreatIntelUnavailableDegradesOnly(t *testing.T) {
	orch := newTestOrchestrator(t, testConfig(), nil)

	res := orch.Evaluate(context.Background(), cleanTransaction())

	ti := res.Engines[EngineThreatIntel]
	if !ti.Degraded {
		t.Error("threat intel without upstream not marked degraded")
	}
	if ti.Score != 0 {
		t.Errorf("degraded threat intel score = %d, want neutral 0", ti.Score)
	}
	if res.FailOpen {
		t.Error("single degraded engine triggered fail-open")
	}
}

func TestEngineWeightsReported(t *testing.T) {
	cfg := testConfig()
	orch := newTestOrchestrator(t, cfg, nil)

	res := orch.Evaluate(context.Background(), cleanTransaction())
	if res.Engines[EngineRules].Weight != cfg.RuleWeight {
		t.Errorf("rule weight = %v", res.Engines[EngineRules].Weight)
	}
	if res.Engines[EngineML].Weight != cfg.MLWeight {
		t.Errorf("ml weight = %v", res.Engines[EngineML].Weight)
	}
	if res.Engines[EngineThreatIntel].Weight != cfg.ThreatIntelWeight {
		t.Errorf("threat intel weight = %v", res.Engines[EngineThreatIntel].Weight)
	}
}

func TestExperimentAssignmentRecorded(t *testing.T) {
	exp := &abtest.Experiment{Name: "challenger-rollout", SplitPercent: 100, VariantModelID: "challenger-v2"}
	orch := newTestOrchestrator(t, testConfig(), exp)

	res := orch.Evaluate(context.Background(), cleanTransaction())
	if res.ABGroup != abtest.GroupVariant {
		t.Fatalf("ab group = %s, want variant", res.ABGroup)
	}
	if res.Experiment != "challenger-rollout" {
		t.Errorf("experiment = %q", res.Experiment)
	}
	if res.ModelVersionID != "challenger-v2" {
		t.Errorf("model version = %s, want challenger-v2", res.ModelVersionID)
	}
}

func TestUnloadedVariantFallsBackToActive(t *testing.T) {
	exp := &abtest.Experiment{Name: "bad-exp", SplitPercent: 100, VariantModelID: "does-not-exist"}
	orch := newTestOrchestrator(t, testConfig(), exp)

	res := orch.Evaluate(context.Background(), cleanTransaction())
	if res.ModelVersionID != "baseline-v1" {
		t.Errorf("model version = %s, want active baseline-v1", res.ModelVersionID)
	}
}

func TestFailOpenWhenNoEngineAnswers(t *testing.T) {
	orch := newTestOrchestrator(t, testConfig(), nil)

	tx := cleanTransaction()
	res := orch.merge(context.Background(), tx, map[string]engineResult{}, nil, nil, abtest.Assignment{})

	if !res.FailOpen {
		t.Fatal("empty engine set did not fail open")
	}
	if res.RiskScore != 30 {
		t.Errorf("fail-open score = %d, want 30", res.RiskScore)
	}
	if res.Decision != DecisionApprove {
		t.Errorf("fail-open decision = %s, want approve", res.Decision)
	}
	for name, eng := range res.Engines {
		if !eng.Degraded {
			t.Errorf("engine %s not marked degraded on fail-open", name)
		}
	}
}

func TestPartialTimeoutUsesNeutralContribution(t *testing.T) {
	orch := newTestOrchestrator(t, testConfig(), nil)

	collected := map[string]engineResult{
		EngineRules:       {name: EngineRules, score100: 0},
		EngineThreatIntel: {name: EngineThreatIntel, score100: 0},
	}
	res := orch.merge(context.Background(), cleanTransaction(), collected, nil, nil, abtest.Assignment{})

	if res.FailOpen {
		t.Fatal("partial timeout marked fail-open")
	}
	ml := res.Engines[EngineML]
	if !ml.Degraded || ml.Score != 50 {
		t.Errorf("missing ML engine = %+v, want degraded neutral 50", ml)
	}
	// 0*0.45 + 50*0.35 + 0*0.20 rounds to 18.
	if res.RiskScore != 18 {
		t.Errorf("blended score = %d, want 18", res.RiskScore)
	}
}

func TestBandBoundaries(t *testing.T) {
	orch := newTestOrchestrator(t, testConfig(), nil)

	cases := []struct {
		score    int
		level    RiskLevel
		decision Decision
	}{
		{0, RiskLow, DecisionApprove},
		{30, RiskLow, DecisionApprove},
		{31, RiskMedium, DecisionRequireAuth},
		{70, RiskMedium, DecisionRequireAuth},
		{71, RiskHigh, DecisionBlock},
		{100, RiskHigh, DecisionBlock},
	}
	for _, tc := range cases {
		level, decision := orch.band(tc.score)
		if level != tc.level || decision != tc.decision {
			t.Errorf("band(%d) = %s/%s, want %s/%s", tc.score, level, decision, tc.level, tc.decision)
		}
	}
}

func TestBlockRuleOverridesLowScore(t *testing.T) {
	orch := newTestOrchestrator(t, testConfig(), nil)

	collected := map[string]engineResult{
		EngineRules: {
			name:     EngineRules,
			score100: 10,
			ruleResult: &rules.Result{
				Score:       10,
				BlockRuleID: "reference-blocked-bin",
			},
		},
		EngineML:          {name: EngineML, score100: 5},
		EngineThreatIntel: {name: EngineThreatIntel, score100: 0},
	}
	res := orch.merge(context.Background(), cleanTransaction(), collected, nil, nil, abtest.Assignment{})

	if res.Decision != DecisionBlock {
		t.Errorf("decision = %s, want block despite score %d", res.Decision, res.RiskScore)
	}
	if res.RiskLevel != RiskHigh {
		t.Errorf("risk level = %s, want high", res.RiskLevel)
	}
}

func TestConcurrentEvaluations(t *testing.T) {
	orch := newTestOrchestrator(t, testConfig(), nil)

	var wg sync.WaitGroup
	for i := 0; i < 100; i++ {
		wg.Add(1)
		go func(n int) {
			defer wg.Done()
			tx := cleanTransaction()
			tx.TransactionID = "tx-" + strconv.Itoa(n)
			tx.CustomerID = "cust-" + strconv.Itoa(n%10)
			res := orch.Evaluate(context.Background(), tx)
			if res.RiskScore < 0 || res.RiskScore > 100 {
				t.Errorf("score out of range: %d", res.RiskScore)
			}
		}(i)
	}
	wg.Wait()
}

func TestResultAlwaysWithinScoreRange(t *testing.T) {
	orch := newTestOrchestrator(t, testConfig(), nil)

	risky := cleanTransaction()
	risky.Amount = 50000
	risky.Session = SessionContext{AvgAmount: 10}

	for i := 0; i < 10; i++ {
		res := orch.Evaluate(context.Background(), risky)
		if res.RiskScore < 0 || res.RiskScore > 100 {
			t.Fatalf("score out of range: %d", res.RiskScore)
		}
	}
}
