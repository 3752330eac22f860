package experiment

import (
	"context"
	"sort"
	"sync"
)

// MemoryStore is an in-memory experiment store for tests and demo mode.
type MemoryStore struct {
	mu          sync.RWMutex
	experiments map[string]*Experiment
}

// NewMemoryStore creates a new in-memory experiment store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{experiments: make(map[string]*Experiment)}
}

func (m *MemoryStore) Create(_ context.Context, e *Experiment) (*Experiment, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if existing, ok := m.experiments[e.ID]; ok {
		return existing.clone(), false, nil
	}
	m.experiments[e.ID] = e.clone()
	return e.clone(), true, nil
}

func (m *MemoryStore) Get(_ context.Context, id string) (*Experiment, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	e, ok := m.experiments[id]
	if !ok {
		return nil, ErrExperimentNotFound
	}
	return e.clone(), nil
}

func (m *MemoryStore) List(_ context.Context) ([]*Experiment, error) {
	m.mu.RLock()
	out := make([]*Experiment, 0, len(m.experiments))
	for _, e := range m.experiments {
		out = append(out, e.clone())
	}
	m.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool {
		if !out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].CreatedAt.After(out[j].CreatedAt)
		}
		return out[i].ID < out[j].ID
	})
	return out, nil
}

var _ Store = (*MemoryStore)(nil)
