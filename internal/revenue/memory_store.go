package revenue

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/mbd888/storeguard/internal/workflow"
)

// MemoryStore is an in-memory suggestion store for tests and demo mode.
type MemoryStore struct {
	mu          sync.RWMutex
	suggestions map[string]*Suggestion
}

// NewMemoryStore creates a new in-memory suggestion store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{suggestions: make(map[string]*Suggestion)}
}

func (m *MemoryStore) Create(_ context.Context, s *Suggestion) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.suggestions[s.ID] = s.clone()
	return nil
}

func (m *MemoryStore) Get(_ context.Context, id string) (*Suggestion, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	s, ok := m.suggestions[id]
	if !ok {
		return nil, ErrSuggestionNotFound
	}
	return s.clone(), nil
}

func (m *MemoryStore) Update(_ context.Context, s *Suggestion, expect workflow.State) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cur, ok := m.suggestions[s.ID]
	if !ok {
		return ErrSuggestionNotFound
	}
	if cur.Status != expect {
		return ErrStatusChanged
	}
	m.suggestions[s.ID] = s.clone()
	return nil
}

func (m *MemoryStore) List(_ context.Context, status workflow.State, limit int) ([]*Suggestion, error) {
	m.mu.RLock()
	var out []*Suggestion
	for _, s := range m.suggestions {
		if status == "" || s.Status == status {
			out = append(out, s.clone())
		}
	}
	m.mu.RUnlock()

	sortNewestFirst(out)
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (m *MemoryStore) LatestForLever(_ context.Context, lever Lever) (*Suggestion, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var latest *Suggestion
	for _, s := range m.suggestions {
		if s.Lever != lever {
			continue
		}
		if latest == nil || s.CreatedAt.After(latest.CreatedAt) {
			latest = s
		}
	}
	if latest == nil {
		return nil, ErrSuggestionNotFound
	}
	return latest.clone(), nil
}

func (m *MemoryStore) Due(_ context.Context, t time.Time) ([]*Suggestion, error) {
	m.mu.RLock()
	var out []*Suggestion
	for _, s := range m.suggestions {
		if s.Status == workflow.Applied && s.MonitorUntil != nil && !s.MonitorUntil.After(t) {
			out = append(out, s.clone())
		}
	}
	m.mu.RUnlock()
	sortNewestFirst(out)
	return out, nil
}

func sortNewestFirst(list []*Suggestion) {
	sort.Slice(list, func(i, j int) bool {
		if !list[i].CreatedAt.Equal(list[j].CreatedAt) {
			return list[i].CreatedAt.After(list[j].CreatedAt)
		}
		return list[i].ID < list[j].ID
	})
}

var _ Store = (*MemoryStore)(nil)
