// Package ml implements the model scoring engine: an ensemble of three
// sub-models producing a fraud probability in [0,1], with versioned model
// parameters that hot-swap without restart.
package ml

import (
	"fmt"
	"time"
)

// Sub-model names, used as SubScores keys and metric labels.
const (
	SubModelTree           = "tree"
	SubModelLinear         = "linear"
	SubModelReconstruction = "reconstruction"
)

// ModelVersion is one deployable set of model parameters. Weights holds
// the linear sub-model coefficients plus the ensemble blend weights under
// "blend.<submodel>" keys.
type ModelVersion struct {
	ID        string             `json:"id"`
	Active    bool               `json:"active"`
	Weights   map[string]float64 `json:"weights"`
	TrainedAt time.Time          `json:"trained_at"`
	CreatedAt time.Time          `json:"created_at"`
}

// Validate checks the version is usable for scoring.
func (m *ModelVersion) Validate() error {
	if m.ID == "" {
		return fmt.Errorf("model version ID is required")
	}
	sum := m.BlendWeight(SubModelTree) + m.BlendWeight(SubModelLinear) + m.BlendWeight(SubModelReconstruction)
	if sum <= 0 {
		return fmt.Errorf("model %s: ensemble blend weights must sum to a positive value", m.ID)
	}
	return nil
}

// BlendWeight returns the ensemble weight for a sub-model, defaulting to
// an equal share when the version does not specify one.
func (m *ModelVersion) BlendWeight(subModel string) float64 {
	if w, ok := m.Weights["blend."+subModel]; ok {
		return w
	}
	return 1.0 / 3.0
}

// Features is the numeric feature vector extracted from a transaction.
// All values are normalized before scoring.
type Features struct {
	Amount             float64 // raw amount in major units
	AmountVsAvg        float64 // amount / trailing customer average, 0 when no history
	CardVelocity5m     float64
	DeviceVelocity1h   float64
	CountryMismatch    float64 // 1 when billing and IP country differ
	NewDevice          float64 // 1 when device first seen on this transaction
	SessionDuration    float64 // seconds
	PageViews          float64
	HourOfDay          float64 // 0-23, transaction local time
	DistinctCountries  float64 // countries seen for this customer in the last hour
}

// EnsemblePrediction is the scoring engine's output for one transaction.
type EnsemblePrediction struct {
	Score          float64            `json:"score"` // blended fraud probability [0,1]
	SubScores      map[string]float64 `json:"sub_scores"`
	ModelVersionID string             `json:"model_version_id"`
	Degraded       bool               `json:"degraded"` // one or more sub-models failed
}
