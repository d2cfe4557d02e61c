package rules

import (
	"context"
	"errors"
)

// ErrNotFound is returned when a rule does not exist.
var ErrNotFound = errors.New("rule not found")

// Store persists detection rules. Implementations must be safe for
// concurrent use; ListActive is called by the snapshot loader on a timer
// and by the admin reload endpoint.
type Store interface {
	// ListActive returns all active rules.
	ListActive(ctx context.Context) ([]DetectionRule, error)
	// List returns all rules, active or not.
	List(ctx context.Context) ([]DetectionRule, error)
	// Get returns a rule by ID, or ErrNotFound.
	Get(ctx context.Context, id string) (*DetectionRule, error)
	// Upsert creates or replaces a rule, bumping its version.
	Upsert(ctx context.Context, rule *DetectionRule) error
	// Delete removes a rule by ID, or returns ErrNotFound.
	Delete(ctx context.Context, id string) error
}
