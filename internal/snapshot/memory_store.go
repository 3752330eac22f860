package snapshot

import (
	"context"
	"sort"
	"sync"
	"time"
)

// MemoryStore keeps the newest `retention` snapshots ordered by Ts.
type MemoryStore struct {
	mu        sync.RWMutex
	retention int
	snaps     []*Snapshot // ascending by Ts
}

// NewMemoryStore creates an in-memory snapshot store bounded to retention entries.
func NewMemoryStore(retention int) *MemoryStore {
	if retention <= 0 {
		retention = 1
	}
	return &MemoryStore{retention: retention}
}

func (m *MemoryStore) Put(_ context.Context, s *Snapshot) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	cp := *s
	if cp.CreatedAt.IsZero() {
		cp.CreatedAt = time.Now()
	}
	for i, existing := range m.snaps {
		if existing.ID == cp.ID {
			m.snaps[i] = &cp
			return nil
		}
	}

	i := sort.Search(len(m.snaps), func(i int) bool { return m.snaps[i].Ts.After(cp.Ts) })
	m.snaps = append(m.snaps, nil)
	copy(m.snaps[i+1:], m.snaps[i:])
	m.snaps[i] = &cp

	if over := len(m.snaps) - m.retention; over > 0 {
		m.snaps = append(m.snaps[:0:0], m.snaps[over:]...)
	}
	return nil
}

func (m *MemoryStore) Get(_ context.Context, id string) (*Snapshot, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	for _, s := range m.snaps {
		if s.ID == id {
			cp := *s
			return &cp, nil
		}
	}
	return nil, ErrSnapshotNotFound
}

func (m *MemoryStore) Latest(_ context.Context) (*Snapshot, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if len(m.snaps) == 0 {
		return nil, ErrNoSnapshot
	}
	cp := *m.snaps[len(m.snaps)-1]
	return &cp, nil
}

func (m *MemoryStore) List(_ context.Context, limit int) ([]*Snapshot, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if limit <= 0 || limit > len(m.snaps) {
		limit = len(m.snaps)
	}
	out := make([]*Snapshot, 0, limit)
	for i := len(m.snaps) - 1; i >= 0 && len(out) < limit; i-- {
		cp := *m.snaps[i]
		out = append(out, &cp)
	}
	return out, nil
}

func (m *MemoryStore) After(_ context.Context, t time.Time) ([]*Snapshot, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []*Snapshot
	for _, s := range m.snaps {
		if s.Ts.After(t) {
			cp := *s
			out = append(out, &cp)
		}
	}
	return out, nil
}

var _ Store = (*MemoryStore)(nil)
