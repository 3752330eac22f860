package orders

import (
	"context"
	"sort"
	"sync"
	"time"
)

// MemoryStore is an in-memory Store for tests and demo mode.
type MemoryStore struct {
	mu      sync.RWMutex
	records map[string]*Record
}

// NewMemoryStore creates an in-memory order store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{records: make(map[string]*Record)}
}

func (m *MemoryStore) Upsert(_ context.Context, r *Record) error {
	if err := r.Validate(); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := *r
	if cp.UpdatedAt.IsZero() {
		cp.UpdatedAt = time.Now()
	}
	m.records[r.ID] = &cp
	return nil
}

func (m *MemoryStore) Get(_ context.Context, id string) (*Record, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	r, ok := m.records[id]
	if !ok {
		return nil, ErrOrderNotFound
	}
	cp := *r
	return &cp, nil
}

func (m *MemoryStore) Window(_ context.Context, from, to time.Time) ([]*Record, error) {
	return m.filter(func(r *Record) bool {
		return !r.CreatedAt.Before(from) && r.CreatedAt.Before(to)
	}), nil
}

func (m *MemoryStore) ByCustomer(_ context.Context, customerID string, from time.Time) ([]*Record, error) {
	return m.filter(func(r *Record) bool {
		return r.CustomerID == customerID && !r.CreatedAt.Before(from)
	}), nil
}

func (m *MemoryStore) ByExperiment(_ context.Context, expID string, from time.Time) ([]*Record, error) {
	return m.filter(func(r *Record) bool {
		return r.ExpID == expID && !r.CreatedAt.Before(from)
	}), nil
}

func (m *MemoryStore) Customers(_ context.Context, limit int) ([]string, error) {
	m.mu.RLock()
	last := make(map[string]time.Time)
	for _, r := range m.records {
		if r.CreatedAt.After(last[r.CustomerID]) {
			last[r.CustomerID] = r.CreatedAt
		}
	}
	m.mu.RUnlock()

	ids := make([]string, 0, len(last))
	for id := range last {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool {
		if !last[ids[i]].Equal(last[ids[j]]) {
			return last[ids[i]].After(last[ids[j]])
		}
		return ids[i] < ids[j]
	})
	if limit > 0 && len(ids) > limit {
		ids = ids[:limit]
	}
	return ids, nil
}

func (m *MemoryStore) CountCustomers(ctx context.Context) (int, error) {
	ids, err := m.Customers(ctx, 0)
	return len(ids), err
}

// filter returns copies ordered by creation time.
func (m *MemoryStore) filter(keep func(*Record) bool) []*Record {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []*Record
	for _, r := range m.records {
		if keep(r) {
			cp := *r
			out = append(out, &cp)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].CreatedAt.Before(out[j].CreatedAt)
		}
		return out[i].ID < out[j].ID
	})
	return out
}

// Compile-time assertion that MemoryStore implements Store.
var _ Store = (*MemoryStore)(nil)
