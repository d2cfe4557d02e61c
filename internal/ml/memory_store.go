package ml

import (
	"context"
	"sync"
	"time"
)

// MemoryStore is an in-memory model version store for development and tests.
type MemoryStore struct {
	mu       sync.RWMutex
	versions map[string]*ModelVersion
}

// NewMemoryStore creates an empty in-memory model store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{versions: make(map[string]*ModelVersion)}
}

// NewMemoryStoreWithDefaults creates a store seeded with the baseline
// model version, marked active.
func NewMemoryStoreWithDefaults() *MemoryStore {
	s := NewMemoryStore()
	mv := DefaultModelVersion()
	s.versions[mv.ID] = mv
	return s
}

func (s *MemoryStore) List(ctx context.Context) ([]*ModelVersion, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]*ModelVersion, 0, len(s.versions))
	for _, mv := range s.versions {
		cp := *mv
		out = append(out, &cp)
	}
	return out, nil
}

func (s *MemoryStore) Get(ctx context.Context, id string) (*ModelVersion, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	mv, ok := s.versions[id]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *mv
	return &cp, nil
}

func (s *MemoryStore) Put(ctx context.Context, mv *ModelVersion) error {
	if err := mv.Validate(); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if mv.CreatedAt.IsZero() {
		mv.CreatedAt = time.Now()
	}
	cp := *mv
	s.versions[mv.ID] = &cp
	return nil
}

func (s *MemoryStore) SetActive(ctx context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.versions[id]; !ok {
		return ErrNotFound
	}
	for vid, mv := range s.versions {
		mv.Active = vid == id
	}
	return nil
}

// DefaultModelVersion returns the baseline model shipped with the service,
// used when no database is configured.
func DefaultModelVersion() *ModelVersion {
	return &ModelVersion{
		ID:     "baseline-v1",
		Active: true,
		Weights: map[string]float64{
			"bias":               -3.2,
			"amount_log":         0.12,
			"amount_vs_avg":      0.18,
			"card_velocity_5m":   0.35,
			"device_velocity_1h": 0.08,
			"country_mismatch":   0.9,
			"new_device":         0.6,
			"distinct_countries": 1.1,
			"no_session":         0.8,

			"blend." + SubModelTree:           0.45,
			"blend." + SubModelLinear:         0.35,
			"blend." + SubModelReconstruction: 0.20,
		},
		TrainedAt: time.Date(2025, 11, 3, 0, 0, 0, 0, time.UTC),
		CreatedAt: time.Date(2025, 11, 3, 0, 0, 0, 0, time.UTC),
	}
}
