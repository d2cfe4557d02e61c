package ml

import (
	"context"
	"math"

	"github.com/ecomsec/sentinel/internal/logging"
)

// NeutralScore is returned when scoring cannot complete in time. It sits
// at the center of the probability range so a degraded model neither
// approves nor blocks on its own.
const NeutralScore = 0.5

// Scorer runs the three-sub-model ensemble against a feature vector.
// Scoring is pure computation; the context deadline is checked between
// sub-models so a near-expired budget degrades instead of overrunning.
type Scorer struct{}

// NewScorer creates an ensemble scorer.
func NewScorer() *Scorer {
	return &Scorer{}
}

// Score produces the ensemble prediction for features under the given
// model version. Sub-model failures are absorbed: remaining sub-model
// weights are renormalized so the blend stays a proper weighted average.
// If the context expires before any sub-model completes, the prediction
// is the neutral score with Degraded set.
func (s *Scorer) Score(ctx context.Context, mv *ModelVersion, f Features) EnsemblePrediction {
	pred := EnsemblePrediction{
		ModelVersionID: mv.ID,
		SubScores:      make(map[string]float64, 3),
	}

	type subModel struct {
		name string
		fn   func(*ModelVersion, Features) (float64, error)
	}
	subModels := []subModel{
		{SubModelTree, scoreTree},
		{SubModelLinear, scoreLinear},
		{SubModelReconstruction, scoreReconstruction},
	}

	var total, weightSum float64
	for _, sm := range subModels {
		select {
		case <-ctx.Done():
			pred.Degraded = true
			logging.Engine(ctx, "ml").Warn("scoring deadline expired",
				"model_version", mv.ID,
				"completed_sub_models", len(pred.SubScores))
			if weightSum == 0 {
				pred.Score = NeutralScore
				return pred
			}
			pred.Score = clamp01(total / weightSum)
			return pred
		default:
		}

		score, err := sm.fn(mv, f)
		if err != nil {
			pred.Degraded = true
			logging.Engine(ctx, "ml").Warn("sub-model failed",
				"sub_model", sm.name,
				"model_version", mv.ID,
				"error", err)
			continue
		}

		score = clamp01(score)
		pred.SubScores[sm.name] = score
		w := mv.BlendWeight(sm.name)
		total += score * w
		weightSum += w
	}

	if weightSum == 0 {
		pred.Score = NeutralScore
		pred.Degraded = true
		return pred
	}
	// Dividing by the surviving weight sum redistributes a failed
	// sub-model's share proportionally across the rest.
	pred.Score = clamp01(total / weightSum)
	return pred
}

// scoreTree approximates a gradient-boosted tree with a fixed cascade of
// threshold splits. Each matched split adds its leaf value; the sum maps
// through a sigmoid into a probability.
func scoreTree(mv *ModelVersion, f Features) (float64, error) {
	var raw float64

	if f.CardVelocity5m >= 5 {
		raw += 1.4
	} else if f.CardVelocity5m >= 3 {
		raw += 0.7
	}
	if f.DeviceVelocity1h >= 20 {
		raw += 1.2
	}
	if f.AmountVsAvg >= 10 {
		raw += 1.1
	} else if f.AmountVsAvg >= 5 {
		raw += 0.5
	}
	if f.CountryMismatch > 0 {
		raw += 0.6
		if f.NewDevice > 0 {
			raw += 0.5
		}
	}
	if f.DistinctCountries >= 2 {
		raw += 1.3
	}
	if f.Amount < 1 && f.CardVelocity5m >= 3 {
		raw += 1.0
	}
	if f.PageViews == 0 && f.SessionDuration == 0 {
		raw += 0.8
	}

	// Shift so an all-clean transaction lands well below 0.5.
	return sigmoid(raw - 2.5), nil
}

// scoreLinear is a logistic regression over the normalized feature vector
// using the model version's coefficients. Unknown coefficients default to
// zero so an older model scores newer features neutrally.
func scoreLinear(mv *ModelVersion, f Features) (float64, error) {
	coef := func(name string) float64 { return mv.Weights[name] }

	z := coef("bias") +
		coef("amount_log")*math.Log1p(f.Amount) +
		coef("amount_vs_avg")*math.Min(f.AmountVsAvg, 20) +
		coef("card_velocity_5m")*f.CardVelocity5m +
		coef("device_velocity_1h")*f.DeviceVelocity1h +
		coef("country_mismatch")*f.CountryMismatch +
		coef("new_device")*f.NewDevice +
		coef("distinct_countries")*f.DistinctCountries +
		coef("no_session")*boolFeature(f.PageViews == 0 && f.SessionDuration == 0)

	return sigmoid(z), nil
}

// scoreReconstruction approximates an autoencoder by measuring distance
// from the typical-transaction profile. Larger distance means the
// transaction looks less like anything seen in training.
func scoreReconstruction(mv *ModelVersion, f Features) (float64, error) {
	// Per-dimension deviation from the "normal" centroid, scaled so
	// ordinary traffic stays near zero.
	dims := []float64{
		math.Min(f.AmountVsAvg, 20) / 20,
		math.Min(f.CardVelocity5m, 10) / 10,
		math.Min(f.DeviceVelocity1h, 40) / 40,
		f.CountryMismatch,
		f.NewDevice,
		math.Min(f.DistinctCountries, 4) / 4,
		boolFeature(f.PageViews == 0 && f.SessionDuration == 0),
	}

	var sumSq float64
	for _, d := range dims {
		sumSq += d * d
	}
	dist := math.Sqrt(sumSq / float64(len(dims)))

	// Map the normalized distance through a steepened sigmoid centered
	// on the anomaly boundary.
	return sigmoid(6*dist - 2.2), nil
}

func sigmoid(z float64) float64 {
	return 1.0 / (1.0 + math.Exp(-z))
}

func clamp01(v float64) float64 {
	return math.Max(0, math.Min(1, v))
}

func boolFeature(b bool) float64 {
	if b {
		return 1
	}
	return 0
}
