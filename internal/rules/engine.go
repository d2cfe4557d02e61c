package rules

import (
	"context"
	"fmt"
	"sort"
	"time"

	"github.com/google/cel-go/cel"

	"github.com/ecomsec/sentinel/internal/logging"
)

// Result is the rule engine's output for one evaluation.
type Result struct {
	Score       int          // sum of matched score-rule contributions, capped at 100
	Factors     []RiskFactor // matched rules, in evaluation order
	BlockRuleID string       // set when a block-action rule fired
	Evaluated   int          // rules actually evaluated (short-circuit stops early)
}

// Blocked reports whether a block-action rule fired.
func (r *Result) Blocked() bool {
	return r.BlockRuleID != ""
}

// Facts is the input to rule evaluation, keyed the way the CEL environment
// declares its variables.
type Facts map[string]any

// Engine evaluates compiled rule snapshots. It holds no mutable state;
// snapshot selection is the caller's concern.
type Engine struct{}

// NewEngine creates a rule evaluation engine.
func NewEngine() *Engine {
	return &Engine{}
}

// Evaluate runs every rule in the snapshot against facts, highest priority
// first. A matched block-action rule stops evaluation of lower-priority
// rules. Per-rule evaluation errors are logged and skipped; they never fail
// the evaluation.
func (e *Engine) Evaluate(ctx context.Context, snap *Snapshot, facts Facts) *Result {
	res := &Result{}
	if snap == nil {
		return res
	}

	log := logging.Engine(ctx, "rules")

	for _, cr := range snap.rules {
		res.Evaluated++

		out, _, err := cr.program.Eval(map[string]any(facts))
		if err != nil {
			// Bad rule data or a fact the expression did not expect.
			// Skip it; the rest of the snapshot still applies.
			log.Warn("rule evaluation failed",
				"rule_id", cr.rule.ID,
				"error", err)
			continue
		}

		matched, ok := out.Value().(bool)
		if !ok || !matched {
			continue
		}

		factor := RiskFactor{
			RuleID:      cr.rule.ID,
			Name:        cr.rule.Name,
			Category:    cr.rule.Category,
			Action:      cr.rule.Action,
			Description: cr.rule.Description,
		}

		switch cr.rule.Action {
		case ActionScore:
			factor.Score = cr.rule.Score
			res.Score += cr.rule.Score
		case ActionBlock:
			factor.Score = cr.rule.Score
			res.Score += cr.rule.Score
			res.Factors = append(res.Factors, factor)
			res.BlockRuleID = cr.rule.ID
			if res.Score > 100 {
				res.Score = 100
			}
			return res
		case ActionFlag:
			// No score contribution, explanation only.
		}

		res.Factors = append(res.Factors, factor)
	}

	if res.Score > 100 {
		res.Score = 100
	}
	return res
}

// Compile builds a snapshot from a rule list. Inactive rules are excluded.
// Rules that fail validation or CEL compilation are skipped and reported in
// the snapshot rather than failing the whole load; a rule set with every
// rule broken still produces an empty, usable snapshot.
func Compile(ctx context.Context, version string, ruleList []DetectionRule) (*Snapshot, error) {
	env, err := newEnv()
	if err != nil {
		return nil, fmt.Errorf("creating CEL environment: %w", err)
	}

	log := logging.Engine(ctx, "rules")
	snap := &Snapshot{
		Version:  version,
		LoadedAt: time.Now(),
	}

	for _, r := range ruleList {
		if !r.Active {
			continue
		}
		if err := r.Validate(); err != nil {
			log.Warn("skipping invalid rule", "rule_id", r.ID, "error", err)
			snap.skipped = append(snap.skipped, r.ID)
			continue
		}

		ast, issues := env.Compile(r.Expression)
		if issues != nil && issues.Err() != nil {
			log.Warn("skipping rule with compile error",
				"rule_id", r.ID,
				"error", issues.Err())
			snap.skipped = append(snap.skipped, r.ID)
			continue
		}

		// Cost limit guards against runaway expressions from bad rule pushes.
		prg, err := env.Program(ast, cel.CostLimit(1_000_000))
		if err != nil {
			log.Warn("skipping rule with program error", "rule_id", r.ID, "error", err)
			snap.skipped = append(snap.skipped, r.ID)
			continue
		}

		snap.rules = append(snap.rules, compiledRule{rule: r, program: prg})
	}

	// Higher priority first; ties break on ID for deterministic ordering.
	sort.SliceStable(snap.rules, func(i, j int) bool {
		if snap.rules[i].rule.Priority != snap.rules[j].rule.Priority {
			return snap.rules[i].rule.Priority > snap.rules[j].rule.Priority
		}
		return snap.rules[i].rule.ID < snap.rules[j].rule.ID
	})

	return snap, nil
}
