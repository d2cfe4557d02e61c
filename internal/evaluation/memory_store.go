package evaluation

import (
	"context"
	"sync"
)

// memoryStoreCap bounds how many evaluations the in-memory store retains.
const memoryStoreCap = 10000

// MemoryStore is an in-memory evaluation store for development and tests.
// It keeps the most recent evaluations in a ring.
type MemoryStore struct {
	mu      sync.RWMutex
	order   []string // evaluation IDs, oldest first
	byID    map[string]*EvaluationResult
	byTxnID map[string]string // transaction ID -> latest evaluation ID
}

// NewMemoryStore creates an empty in-memory evaluation store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		byID:    make(map[string]*EvaluationResult),
		byTxnID: make(map[string]string),
	}
}

func (s *MemoryStore) Record(ctx context.Context, result *EvaluationResult) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	cp := *result
	s.byID[cp.ID] = &cp
	s.byTxnID[cp.TransactionID] = cp.ID
	s.order = append(s.order, cp.ID)

	if len(s.order) > memoryStoreCap {
		oldest := s.order[0]
		s.order = s.order[1:]
		if old, ok := s.byID[oldest]; ok {
			delete(s.byID, oldest)
			if s.byTxnID[old.TransactionID] == oldest {
				delete(s.byTxnID, old.TransactionID)
			}
		}
	}
	return nil
}

func (s *MemoryStore) GetByTransaction(ctx context.Context, transactionID string) (*EvaluationResult, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	id, ok := s.byTxnID[transactionID]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *s.byID[id]
	return &cp, nil
}

func (s *MemoryStore) List(ctx context.Context, filter ListFilter) ([]*EvaluationResult, error) {
	limit := filter.Limit
	if limit <= 0 || limit > 500 {
		limit = 100
	}

	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []*EvaluationResult
	for i := len(s.order) - 1; i >= 0 && len(out) < limit; i-- {
		r, ok := s.byID[s.order[i]]
		if !ok {
			continue
		}
		if filter.CustomerID != "" && r.CustomerID != filter.CustomerID {
			continue
		}
		if filter.Decision != "" && r.Decision != filter.Decision {
			continue
		}
		if r.RiskScore < filter.MinScore {
			continue
		}
		cp := *r
		out = append(out, &cp)
	}
	return out, nil
}
