package policy

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/mbd888/storeguard/internal/workflow"
)

// MemoryStore is an in-memory decision store for tests and demo mode.
type MemoryStore struct {
	mu        sync.RWMutex
	decisions map[string]*Decision   // by ID
	byKey     map[string][]*Decision // by dedupe key, oldest first
}

// NewMemoryStore creates a new in-memory decision store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		decisions: make(map[string]*Decision),
		byKey:     make(map[string][]*Decision),
	}
}

func (m *MemoryStore) Propose(_ context.Context, d *Decision) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	for _, existing := range m.byKey[d.DedupeKey] {
		if existing.Status == workflow.Pending {
			return ErrDuplicateProposal
		}
	}
	cp := d.clone()
	m.decisions[d.ID] = cp
	m.byKey[d.DedupeKey] = append(m.byKey[d.DedupeKey], cp)
	return nil
}

func (m *MemoryStore) Get(_ context.Context, id string) (*Decision, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	d, ok := m.decisions[id]
	if !ok {
		return nil, ErrDecisionNotFound
	}
	return d.clone(), nil
}

func (m *MemoryStore) Latest(_ context.Context, dedupeKey string) (*Decision, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	list := m.byKey[dedupeKey]
	if len(list) == 0 {
		return nil, ErrDecisionNotFound
	}
	return list[len(list)-1].clone(), nil
}

func (m *MemoryStore) Transition(_ context.Context, id string, from, to workflow.State, actor string, at time.Time) (*Decision, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	d, ok := m.decisions[id]
	if !ok {
		return nil, ErrDecisionNotFound
	}
	if d.Status != from {
		return nil, ErrStatusChanged
	}
	d.Status = to
	d.ResolvedBy = actor
	t := at
	d.ResolvedAt = &t
	return d.clone(), nil
}

func (m *MemoryStore) ListByStatus(_ context.Context, status workflow.State, limit int) ([]*Decision, error) {
	m.mu.RLock()
	var out []*Decision
	for _, d := range m.decisions {
		if status == "" || d.Status == status {
			out = append(out, d.clone())
		}
	}
	m.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool {
		if !out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].CreatedAt.After(out[j].CreatedAt)
		}
		return out[i].DedupeKey < out[j].DedupeKey
	})
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (m *MemoryStore) CountByStatus(_ context.Context, status workflow.State) (int, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	n := 0
	for _, d := range m.decisions {
		if d.Status == status {
			n++
		}
	}
	return n, nil
}

var _ Store = (*MemoryStore)(nil)
