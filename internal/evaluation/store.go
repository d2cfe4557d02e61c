package evaluation

import (
	"context"
	"errors"
)

// ErrNotFound is returned when no evaluation exists for a transaction.
var ErrNotFound = errors.New("evaluation not found")

// ListFilter narrows List results. Zero values mean "no constraint".
type ListFilter struct {
	CustomerID string
	Decision   Decision
	MinScore   int
	Limit      int
}

// Store persists evaluation results for the review API.
type Store interface {
	// Record persists one evaluation.
	Record(ctx context.Context, result *EvaluationResult) error
	// GetByTransaction returns the most recent evaluation for a
	// transaction ID, or ErrNotFound.
	GetByTransaction(ctx context.Context, transactionID string) (*EvaluationResult, error)
	// List returns recent evaluations matching the filter, newest first.
	List(ctx context.Context, filter ListFilter) ([]*EvaluationResult, error)
}
