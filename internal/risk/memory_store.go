package risk

import (
	"context"
	"sort"
	"sync"
)

// MemoryStore is an in-memory implementation of Store for demo/test use.
type MemoryStore struct {
	mu       sync.RWMutex
	profiles map[string]*Profile
	reasons  map[string][]*ReasonEntry
}

// NewMemoryStore creates an in-memory risk profile store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		profiles: make(map[string]*Profile),
		reasons:  make(map[string][]*ReasonEntry),
	}
}

func (s *MemoryStore) Get(_ context.Context, subjectID string) (*Profile, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	p, ok := s.profiles[subjectID]
	if !ok {
		return nil, ErrProfileNotFound
	}
	return p.clone(), nil
}

func (s *MemoryStore) Upsert(_ context.Context, p *Profile) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.profiles[p.SubjectID] = p.clone()
	return nil
}

func (s *MemoryStore) List(_ context.Context, limit int) ([]*Profile, error) {
	s.mu.RLock()
	out := make([]*Profile, 0, len(s.profiles))
	for _, p := range s.profiles {
		out = append(out, p.clone())
	}
	s.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool {
		if out[i].Score != out[j].Score {
			return out[i].Score > out[j].Score
		}
		return out[i].SubjectID < out[j].SubjectID
	})
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (s *MemoryStore) CountByBand(_ context.Context) (map[Band]int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	counts := make(map[Band]int)
	for _, p := range s.profiles {
		counts[p.Band]++
	}
	return counts, nil
}

func (s *MemoryStore) AppendReason(_ context.Context, e *ReasonEntry) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := *e
	cp.Reasons = append([]string(nil), e.Reasons...)
	s.reasons[e.SubjectID] = append(s.reasons[e.SubjectID], &cp)
	return nil
}

func (s *MemoryStore) Reasons(_ context.Context, subjectID string, limit int) ([]*ReasonEntry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	all := s.reasons[subjectID]
	if limit <= 0 || limit > len(all) {
		limit = len(all)
	}
	out := make([]*ReasonEntry, 0, limit)
	for i := len(all) - 1; i >= 0 && len(out) < limit; i-- {
		cp := *all[i]
		out = append(out, &cp)
	}
	return out, nil
}

var _ Store = (*MemoryStore)(nil)
