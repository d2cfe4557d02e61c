// Package rules implements the detection rule engine: CEL-based predicates
// compiled into snapshots that evaluate transaction facts into weighted
// risk factors.
package rules

import (
	"fmt"
	"time"

	"github.com/google/cel-go/cel"
)

// RuleCategory groups rules by the signal family they inspect.
type RuleCategory string

const (
	CategoryVelocity  RuleCategory = "velocity"  // txn counts over sliding windows
	CategoryAmount    RuleCategory = "amount"    // absolute and relative amount checks
	CategoryGeo       RuleCategory = "geo"       // country/IP geography mismatches
	CategoryDevice    RuleCategory = "device"    // device fingerprint signals
	CategoryBehavior  RuleCategory = "behavior"  // session and navigation patterns
	CategoryReference RuleCategory = "reference" // list lookups (BIN, email domain)
)

// RuleAction is what a matched rule contributes beyond its score.
type RuleAction string

const (
	// ActionScore adds the rule's score to the rule engine total.
	ActionScore RuleAction = "score"
	// ActionBlock forces the final decision to block regardless of the
	// blended score. Lower-priority rules are still skipped once one fires.
	ActionBlock RuleAction = "block"
	// ActionFlag contributes no score but records a risk factor for review.
	ActionFlag RuleAction = "flag"
)

// DetectionRule is a single fraud detection rule. Expression is a CEL
// predicate over the evaluation facts; it must produce a boolean.
type DetectionRule struct {
	ID          string       `json:"id"`
	Name        string       `json:"name"`
	Description string       `json:"description,omitempty"`
	Category    RuleCategory `json:"category"`
	Expression  string       `json:"expression"`
	Score       int          `json:"score"`    // contribution when matched, [0,100]
	Action      RuleAction   `json:"action"`   // score | block | flag
	Priority    int          `json:"priority"` // higher runs first
	Active      bool         `json:"active"`
	Version     int          `json:"version"`
	UpdatedAt   time.Time    `json:"updated_at"`
}

// Validate checks rule fields for consistency before compilation.
func (r *DetectionRule) Validate() error {
	if r.ID == "" {
		return fmt.Errorf("rule ID is required")
	}
	if r.Name == "" {
		return fmt.Errorf("rule %s: name is required", r.ID)
	}
	if r.Expression == "" {
		return fmt.Errorf("rule %s: expression is required", r.ID)
	}
	if r.Score < 0 || r.Score > 100 {
		return fmt.Errorf("rule %s: score must be in [0,100], got %d", r.ID, r.Score)
	}
	switch r.Action {
	case ActionScore, ActionBlock, ActionFlag:
	default:
		return fmt.Errorf("rule %s: unknown action %q", r.ID, r.Action)
	}
	return nil
}

// RiskFactor is one matched rule's contribution to an evaluation, returned
// to callers as part of the decision explanation.
type RiskFactor struct {
	RuleID      string       `json:"rule_id"`
	Name        string       `json:"name"`
	Category    RuleCategory `json:"category"`
	Score       int          `json:"score"`
	Action      RuleAction   `json:"action"`
	Description string       `json:"description,omitempty"`
}

// compiledRule pairs a rule with its compiled CEL program.
type compiledRule struct {
	rule    DetectionRule
	program cel.Program
}

// Snapshot is an immutable, fully compiled rule set. Snapshots are built
// once at load time and swapped atomically, so evaluation never compiles
// or locks.
type Snapshot struct {
	Version  string // opaque version tag, changes on every reload
	LoadedAt time.Time
	rules    []compiledRule // sorted by priority desc
	skipped  []string       // rule IDs that failed to compile
}

// Rules returns the active rules in evaluation order.
func (s *Snapshot) Rules() []DetectionRule {
	out := make([]DetectionRule, len(s.rules))
	for i, cr := range s.rules {
		out[i] = cr.rule
	}
	return out
}

// Skipped returns the IDs of rules dropped at compile time.
func (s *Snapshot) Skipped() []string {
	return s.skipped
}

// Len returns the number of evaluable rules in the snapshot.
func (s *Snapshot) Len() int {
	return len(s.rules)
}

// newEnv builds the CEL environment shared by all rule compilations.
// Facts are passed as dynamic maps: tx (transaction fields), velocity
// (sliding-window counts), geo (IP-derived geography), session (behavioral
// context).
func newEnv() (*cel.Env, error) {
	return cel.NewEnv(
		cel.Variable("tx", cel.DynType),
		cel.Variable("velocity", cel.DynType),
		cel.Variable("geo", cel.DynType),
		cel.Variable("session", cel.DynType),
	)
}
