// Package abtest provides deterministic experiment routing for model
// rollouts: a stable hash of the customer ID assigns each customer to the
// control or variant arm, so repeat transactions always score under the
// same model.
package abtest

import (
	"hash/fnv"
	"sync/atomic"
)

// Group names reported in evaluation results.
const (
	GroupControl = "control"
	GroupVariant = "variant"
)

// Experiment defines one running model experiment.
type Experiment struct {
	Name           string `json:"name"`
	SplitPercent   int    `json:"split_percent"` // share of customers in the variant arm [0,100]
	VariantModelID string `json:"variant_model_id"`
}

// Assignment is the routing outcome for one customer.
type Assignment struct {
	Experiment string `json:"experiment,omitempty"`
	Group      string `json:"group"`
	// ModelID is set for variant assignments; control uses the active model.
	ModelID string `json:"model_id,omitempty"`
}

// Router assigns customers to experiment arms. The experiment definition
// hot-swaps behind an atomic pointer; a nil experiment routes everyone to
// control.
type Router struct {
	experiment atomic.Pointer[Experiment]
}

// NewRouter creates a router. exp may be nil for no experiment.
func NewRouter(exp *Experiment) *Router {
	r := &Router{}
	if exp != nil {
		r.experiment.Store(exp)
	}
	return r
}

// SetExperiment replaces the running experiment. nil stops it.
func (r *Router) SetExperiment(exp *Experiment) {
	r.experiment.Store(exp)
}

// Experiment returns the current experiment, or nil.
func (r *Router) Experiment() *Experiment {
	return r.experiment.Load()
}

// Assign routes a customer. Assignment is deterministic: the same
// customer ID under the same experiment always lands in the same arm.
func (r *Router) Assign(customerID string) Assignment {
	exp := r.experiment.Load()
	if exp == nil || exp.SplitPercent <= 0 || customerID == "" {
		return Assignment{Group: GroupControl}
	}

	if bucket(exp.Name, customerID) < exp.SplitPercent {
		return Assignment{
			Experiment: exp.Name,
			Group:      GroupVariant,
			ModelID:    exp.VariantModelID,
		}
	}
	return Assignment{Experiment: exp.Name, Group: GroupControl}
}

// bucket hashes the experiment name and customer ID into [0,100). Mixing
// the experiment name in means a customer's arm re-randomizes across
// experiments instead of always landing on the same side.
func bucket(experiment, customerID string) int {
	h := fnv.New32a()
	_, _ = h.Write([]byte(experiment))
	_, _ = h.Write([]byte{0})
	_, _ = h.Write([]byte(customerID))
	return int(h.Sum32() % 100)
}
