package rules

import (
	"context"
	"sort"
	"sync"
	"time"
)

// MemoryStore is an in-memory rule store for development and tests.
type MemoryStore struct {
	mu    sync.RWMutex
	rules map[string]DetectionRule
}

// NewMemoryStore creates an empty in-memory rule store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{rules: make(map[string]DetectionRule)}
}

// NewMemoryStoreWithRules creates a store pre-populated with rules,
// typically the starter rule set for a database-less deployment.
func NewMemoryStoreWithRules(ruleList []DetectionRule) *MemoryStore {
	s := NewMemoryStore()
	for _, r := range ruleList {
		s.rules[r.ID] = r
	}
	return s
}

func (s *MemoryStore) ListActive(ctx context.Context) ([]DetectionRule, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []DetectionRule
	for _, r := range s.rules {
		if r.Active {
			out = append(out, r)
		}
	}
	sortByID(out)
	return out, nil
}

func (s *MemoryStore) List(ctx context.Context) ([]DetectionRule, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]DetectionRule, 0, len(s.rules))
	for _, r := range s.rules {
		out = append(out, r)
	}
	sortByID(out)
	return out, nil
}

func (s *MemoryStore) Get(ctx context.Context, id string) (*DetectionRule, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	r, ok := s.rules[id]
	if !ok {
		return nil, ErrNotFound
	}
	return &r, nil
}

func (s *MemoryStore) Upsert(ctx context.Context, rule *DetectionRule) error {
	if err := rule.Validate(); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if existing, ok := s.rules[rule.ID]; ok {
		rule.Version = existing.Version + 1
	} else if rule.Version == 0 {
		rule.Version = 1
	}
	rule.UpdatedAt = time.Now()
	s.rules[rule.ID] = *rule
	return nil
}

func (s *MemoryStore) Delete(ctx context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.rules[id]; !ok {
		return ErrNotFound
	}
	delete(s.rules, id)
	return nil
}

func sortByID(rules []DetectionRule) {
	sort.Slice(rules, func(i, j int) bool { return rules[i].ID < rules[j].ID })
}
