// Package evaluation implements the risk evaluation core: it fans a
// transaction out to the rule, model, and reputation engines in parallel,
// blends their scores into a 0-100 risk score, and maps that to an
// approve, require_auth, or block decision inside the latency budget.
package evaluation

import (
	"encoding/json"
	"time"

	"github.com/ecomsec/sentinel/internal/rules"
)

// Decision is the action returned to the caller.
type Decision string

const (
	DecisionApprove     Decision = "approve"
	DecisionRequireAuth Decision = "require_auth"
	DecisionBlock       Decision = "block"
)

// RiskLevel is the coarse banding of the risk score.
type RiskLevel string

const (
	RiskLow    RiskLevel = "low"
	RiskMedium RiskLevel = "medium"
	RiskHigh   RiskLevel = "high"
)

// Engine names used in breakdowns, logs, and metrics.
const (
	EngineRules       = "rules"
	EngineML          = "ml"
	EngineThreatIntel = "threatintel"
)

// SessionContext carries the behavioral telemetry the merchant captured
// during checkout. All fields are optional; absent telemetry is itself a
// signal the rule set can match on.
type SessionContext struct {
	AvgAmount       float64 `json:"avg_amount,omitempty"`        // trailing average amount for this customer
	DeviceAgeDays   int     `json:"device_age_days,omitempty"`   // days since device first seen, 0 = new
	PageViews       int     `json:"page_views,omitempty"`
	DurationSeconds int     `json:"duration_seconds,omitempty"`
}

// Transaction is the unit of evaluation.
type Transaction struct {
	TransactionID     string         `json:"transaction_id"`
	CustomerID        string         `json:"customer_id"`
	MerchantID        string         `json:"merchant_id,omitempty"`
	Amount            float64        `json:"amount"`
	Currency          string         `json:"currency"`
	CardBIN           string         `json:"card_bin,omitempty"`
	BillingCountry    string         `json:"billing_country,omitempty"` // ISO 3166-1 alpha-2
	IPAddress         string         `json:"ip_address,omitempty"`
	DeviceFingerprint string         `json:"device_fingerprint,omitempty"`
	Email             string         `json:"email,omitempty"`
	Timestamp         time.Time      `json:"timestamp,omitempty"`
	Session           SessionContext `json:"session,omitempty"`
}

// EngineBreakdown is one engine's contribution to the final score.
type EngineBreakdown struct {
	Score    int     `json:"score"`  // engine score on the 0-100 scale
	Weight   float64 `json:"weight"` // blend weight applied
	Degraded bool    `json:"degraded,omitempty"`
	Millis   float64 `json:"duration_ms"`
}

// EngineSet maps engine name to its breakdown. Its JSON form carries the
// per-engine objects plus flat rule_ms/ml_ms/threat_intel_ms timing keys
// so callers read latencies without walking the nested objects.
type EngineSet map[string]EngineBreakdown

var engineTimingKeys = map[string]string{
	EngineRules:       "rule_ms",
	EngineML:          "ml_ms",
	EngineThreatIntel: "threat_intel_ms",
}

func (s EngineSet) MarshalJSON() ([]byte, error) {
	out := make(map[string]any, len(s)+3)
	for name, b := range s {
		out[name] = b
	}
	for name, key := range engineTimingKeys {
		if b, ok := s[name]; ok {
			out[key] = b.Millis
		}
	}
	return json.Marshal(out)
}

func (s *EngineSet) UnmarshalJSON(data []byte) error {
	var raw map[string]json.RawMessage
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	set := make(EngineSet, len(raw))
	for name, msg := range raw {
		switch name {
		case "rule_ms", "ml_ms", "threat_intel_ms":
			continue // derived from the per-engine objects
		}
		var b EngineBreakdown
		if err := json.Unmarshal(msg, &b); err != nil {
			return err
		}
		set[name] = b
	}
	*s = set
	return nil
}

// EvaluationResult is the full outcome of one evaluation, returned to the
// caller and persisted for review.
type EvaluationResult struct {
	ID             string                     `json:"id"`
	TransactionID  string                     `json:"transaction_id"`
	CustomerID     string                     `json:"customer_id"`
	RiskScore      int                        `json:"risk_score"` // blended, [0,100]
	RiskLevel      RiskLevel                  `json:"risk_level"`
	Decision       Decision                   `json:"decision"`
	Factors        []rules.RiskFactor `json:"risk_factors,omitempty"`
	Engines        EngineSet          `json:"engine_breakdown"`
	BlockRuleID    string             `json:"block_rule_id,omitempty"`
	RuleVersion    string             `json:"rule_version,omitempty"` // rule snapshot that served this evaluation
	ModelVersionID string             `json:"model_version_id,omitempty"`
	Experiment     string             `json:"experiment,omitempty"`
	ABGroup        string             `json:"ab_group,omitempty"`
	FailOpen       bool               `json:"fallback,omitempty"` // evaluation hit the terminal fail-open state
	EvaluatedAt    time.Time          `json:"evaluated_at"`
	DurationMillis float64            `json:"duration_ms"`
}
