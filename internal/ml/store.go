package ml

import (
	"context"
	"errors"
)

// ErrNotFound is returned when a model version does not exist.
var ErrNotFound = errors.New("model version not found")

// Store persists model versions.
type Store interface {
	// List returns all model versions.
	List(ctx context.Context) ([]*ModelVersion, error)
	// Get returns a model version by ID, or ErrNotFound.
	Get(ctx context.Context, id string) (*ModelVersion, error)
	// Put creates or replaces a model version.
	Put(ctx context.Context, mv *ModelVersion) error
	// SetActive marks one version active and deactivates the rest.
	SetActive(ctx context.Context, id string) error
}
