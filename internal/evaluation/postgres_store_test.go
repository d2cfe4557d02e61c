package evaluation

import (
	"context"
	"testing"
	"time"

	"github.com/ecomsec/sentinel/internal/testutil"
)

func TestPostgresStoreEvaluations(t *testing.T) {
	db, cleanup := testutil.PGTest(t)
	defer cleanup()

	store := NewPostgresStore(db)
	ctx := context.Background()

	results := []*EvaluationResult{
		{
			ID: "eval_pg1", TransactionID: "tx-pg-1", CustomerID: "cust-pg-1",
			RiskScore: 12, RiskLevel: RiskLow, Decision: DecisionApprove,
			Engines: EngineSet{
				EngineRules: {Score: 0, Weight: 0.45},
			},
			EvaluatedAt: time.Now(),
		},
		{
			ID: "eval_pg2", TransactionID: "tx-pg-2", CustomerID: "cust-pg-1",
			RiskScore: 84, RiskLevel: RiskHigh, Decision: DecisionBlock,
			BlockRuleID: "reference-blocked-bin",
			EvaluatedAt: time.Now(),
		},
		{
			ID: "eval_pg3", TransactionID: "tx-pg-3", CustomerID: "cust-pg-2",
			RiskScore: 45, RiskLevel: RiskMedium, Decision: DecisionRequireAuth,
			FailOpen:    false,
			EvaluatedAt: time.Now(),
		},
	}
	for _, r := range results {
		if err := store.Record(ctx, r); err != nil {
			t.Fatalf("record %s: %v", r.ID, err)
		}
	}

	got, err := store.GetByTransaction(ctx, "tx-pg-2")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got.Decision != DecisionBlock || got.BlockRuleID != "reference-blocked-bin" {
		t.Errorf("round trip mismatch: %+v", got)
	}

	if _, err := store.GetByTransaction(ctx, "tx-pg-missing"); err != ErrNotFound {
		t.Errorf("missing transaction: err = %v, want ErrNotFound", err)
	}

	byCustomer, err := store.List(ctx, ListFilter{CustomerID: "cust-pg-1"})
	if err != nil {
		t.Fatalf("list by customer: %v", err)
	}
	if len(byCustomer) != 2 {
		t.Errorf("customer filter returned %d, want 2", len(byCustomer))
	}

	blocked, err := store.List(ctx, ListFilter{Decision: DecisionBlock})
	if err != nil {
		t.Fatalf("list by decision: %v", err)
	}
	if len(blocked) != 1 || blocked[0].ID != "eval_pg2" {
		t.Errorf("decision filter returned %+v", blocked)
	}

	risky, err := store.List(ctx, ListFilter{MinScore: 40})
	if err != nil {
		t.Fatalf("list by min score: %v", err)
	}
	if len(risky) != 2 {
		t.Errorf("min score filter returned %d, want 2", len(risky))
	}

	limited, err := store.List(ctx, ListFilter{Limit: 1})
	if err != nil {
		t.Fatalf("list with limit: %v", err)
	}
	if len(limited) != 1 {
		t.Errorf("limit returned %d, want 1", len(limited))
	}
}
