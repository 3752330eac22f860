package workflow

import (
	"context"
	"sync"
)

// MemoryHistory is an in-memory HistoryStore.
type MemoryHistory struct {
	mu      sync.RWMutex
	entries []*Entry
	nextID  int64
}

// NewMemoryHistory creates an in-memory history store.
func NewMemoryHistory() *MemoryHistory {
	return &MemoryHistory{nextID: 1}
}

func (m *MemoryHistory) Append(_ context.Context, e *Entry) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := *e
	cp.ID = m.nextID
	m.nextID++
	e.ID = cp.ID
	m.entries = append(m.entries, &cp)
	return nil
}

func (m *MemoryHistory) List(_ context.Context, kind Kind, itemKey string, limit int) ([]*Entry, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if limit <= 0 {
		limit = 100
	}
	var out []*Entry
	for i := len(m.entries) - 1; i >= 0 && len(out) < limit; i-- {
		e := m.entries[i]
		if e.Kind != kind || (itemKey != "" && e.ItemKey != itemKey) {
			continue
		}
		cp := *e
		out = append(out, &cp)
	}
	return out, nil
}

var _ HistoryStore = (*MemoryHistory)(nil)
