package ml

import (
	"context"
	"testing"
	"time"
)

func cleanFeatures() Features {
	return Features{
		Amount:          25,
		AmountVsAvg:     0.8,
		SessionDuration: 240,
		PageViews:       8,
		HourOfDay:       14,
	}
}

func riskyFeatures() Features {
	return Features{
		Amount:            900,
		AmountVsAvg:       15,
		CardVelocity5m:    7,
		DeviceVelocity1h:  25,
		CountryMismatch:   1,
		NewDevice:         1,
		DistinctCountries: 3,
	}
}

func TestCleanTransactionScoresLow(t *testing.T) {
	pred := NewScorer().Score(context.Background(), DefaultModelVersion(), cleanFeatures())

	if pred.Degraded {
		t.Error("clean scoring degraded")
	}
	if pred.Score >= 0.5 {
		t.Errorf("clean transaction scored %.3f (sub-scores: %v)", pred.Score, pred.SubScores)
	}
	if len(pred.SubScores) != 3 {
		t.Errorf("got %d sub-scores, want 3", len(pred.SubScores))
	}
}

func TestRiskyTransactionScoresHigh(t *testing.T) {
	pred := NewScorer().Score(context.Background(), DefaultModelVersion(), riskyFeatures())

	if pred.Score <= 0.7 {
		t.Errorf("risky transaction scored %.3f (sub-scores: %v)", pred.Score, pred.SubScores)
	}
}

func TestScoreIsDeterministic(t *testing.T) {
	scorer := NewScorer()
	mv := DefaultModelVersion()
	f := riskyFeatures()

	a := scorer.Score(context.Background(), mv, f)
	b := scorer.Score(context.Background(), mv, f)
	if a.Score != b.Score {
		t.Errorf("same input scored differently: %.6f vs %.6f", a.Score, b.Score)
	}
}

func TestExpiredContextDegradesToNeutral(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	pred := NewScorer().Score(ctx, DefaultModelVersion(), riskyFeatures())
	if !pred.Degraded {
		t.Error("expired context did not degrade")
	}
	if pred.Score != NeutralScore {
		t.Errorf("degraded score = %.3f, want neutral %.1f", pred.Score, NeutralScore)
	}
}

func TestScoreStaysInRange(t *testing.T) {
	extremes := []Features{
		{},
		{Amount: 1e9, AmountVsAvg: 1e6, CardVelocity5m: 1e4, DeviceVelocity1h: 1e4,
			CountryMismatch: 1, NewDevice: 1, DistinctCountries: 50},
	}
	scorer := NewScorer()
	for _, f := range extremes {
		pred := scorer.Score(context.Background(), DefaultModelVersion(), f)
		if pred.Score < 0 || pred.Score > 1 {
			t.Errorf("score out of range: %.3f for %+v", pred.Score, f)
		}
	}
}

func TestBlendWeightDefaultsToEqualShare(t *testing.T) {
	mv := &ModelVersion{ID: "bare", Weights: map[string]float64{}}
	w := mv.BlendWeight(SubModelTree)
	if w < 0.33 || w > 0.34 {
		t.Errorf("default blend weight = %.3f, want ~1/3", w)
	}
}

func TestRegistryActivationSwap(t *testing.T) {
	store := NewMemoryStoreWithDefaults()
	challenger := DefaultModelVersion()
	challenger.ID = "challenger-v2"
	challenger.Active = false
	challenger.Weights["country_mismatch"] = 1.5
	if err := store.Put(context.Background(), challenger); err != nil {
		t.Fatalf("put: %v", err)
	}

	reg := NewRegistry(store, time.Hour)
	defer reg.Stop()
	if err := reg.Start(context.Background()); err != nil {
		t.Fatalf("start: %v", err)
	}

	if reg.Active().ID != "baseline-v1" {
		t.Fatalf("active = %s, want baseline-v1", reg.Active().ID)
	}
	if _, ok := reg.Get("challenger-v2"); !ok {
		t.Fatal("challenger not loaded in registry")
	}

	if err := store.SetActive(context.Background(), "challenger-v2"); err != nil {
		t.Fatalf("set active: %v", err)
	}
	if err := reg.Reload(context.Background()); err != nil {
		t.Fatalf("reload: %v", err)
	}
	if reg.Active().ID != "challenger-v2" {
		t.Errorf("active after swap = %s, want challenger-v2", reg.Active().ID)
	}
}

func TestRegistryRequiresActiveModel(t *testing.T) {
	store := NewMemoryStore()
	mv := DefaultModelVersion()
	mv.Active = false
	if err := store.Put(context.Background(), mv); err != nil {
		t.Fatalf("put: %v", err)
	}

	reg := NewRegistry(store, time.Hour)
	defer reg.Stop()
	if err := reg.Start(context.Background()); err == nil {
		t.Fatal("expected error with no active model")
	}
}
