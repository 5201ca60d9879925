package store

import (
	"context"
	"fmt"
	"sync"

	"github.com/atmx/risk-engine/internal/model"
)

// MemoryStore implements Store with an in-memory map. Suitable for a
// single-instance deployment; results vanish on restart.
type MemoryStore struct {
	mu    sync.RWMutex
	runs  map[string]*model.RiskResult
	order []string // run IDs in insertion order
}

// NewMemoryStore creates a new in-memory run store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		runs: make(map[string]*model.RiskResult),
	}
}

func (s *MemoryStore) SaveRun(_ context.Context, res *model.RiskResult) error {
	if res == nil || res.RunID == "" {
		return fmt.Errorf("store: result without run ID")
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.runs[res.RunID]; ok {
		return fmt.Errorf("%w: %s", ErrDuplicateRun, res.RunID)
	}
	s.runs[res.RunID] = cloneResult(res)
	s.order = append(s.order, res.RunID)
	return nil
}

func (s *MemoryStore) GetRun(_ context.Context, runID string) (*model.RiskResult, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	res, ok := s.runs[runID]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, runID)
	}
	return cloneResult(res), nil
}

func (s *MemoryStore) ListRuns(_ context.Context) ([]model.RiskResult, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]model.RiskResult, 0, len(s.order))
	for i := len(s.order) - 1; i >= 0; i-- {
		out = append(out, *cloneResult(s.runs[s.order[i]]))
	}
	return out, nil
}

// cloneResult detaches a result from the caller. RiskResult carries
// maps, so a shallow copy is not enough.
func cloneResult(r *model.RiskResult) *model.RiskResult {
	out := *r
	out.HorizonES = cloneMap(r.HorizonES)
	out.Decomposition = cloneMap(r.Decomposition)
	out.ScenarioFailures = cloneMap(r.ScenarioFailures)
	out.PositionFailures = cloneMap(r.PositionFailures)
	return &out
}

func cloneMap[K comparable, V any](m map[K]V) map[K]V {
	if m == nil {
		return nil
	}
	out := make(map[K]V, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}
