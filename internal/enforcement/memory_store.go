package enforcement

import (
	"context"
	"sort"
	"sync"
)

// MemoryStore is an in-memory FlagStore and ConfigStore for demo/test use.
type MemoryStore struct {
	mu       sync.RWMutex
	users    map[string]*UserFlags
	cities   map[string]*CityPolicy
	versions []*Config
}

// NewMemoryStore creates an in-memory enforcement store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		users:  make(map[string]*UserFlags),
		cities: make(map[string]*CityPolicy),
	}
}

func (m *MemoryStore) GetUser(_ context.Context, subjectID string) (*UserFlags, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	f, ok := m.users[subjectID]
	if !ok {
		return nil, ErrUserNotFound
	}
	cp := *f
	return &cp, nil
}

func (m *MemoryStore) PutUser(_ context.Context, f *UserFlags) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := *f
	m.users[f.SubjectID] = &cp
	return nil
}

func (m *MemoryStore) GetCity(_ context.Context, city string) (*CityPolicy, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	p, ok := m.cities[city]
	if !ok {
		return nil, ErrCityNotFound
	}
	return copyCity(p), nil
}

func (m *MemoryStore) PutCity(_ context.Context, p *CityPolicy) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.cities[p.City] = copyCity(p)
	return nil
}

func (m *MemoryStore) DeleteCity(_ context.Context, city string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.cities[city]; !ok {
		return ErrCityNotFound
	}
	delete(m.cities, city)
	return nil
}

func (m *MemoryStore) ListCities(_ context.Context) ([]*CityPolicy, error) {
	m.mu.RLock()
	out := make([]*CityPolicy, 0, len(m.cities))
	for _, p := range m.cities {
		out = append(out, copyCity(p))
	}
	m.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool { return out[i].City < out[j].City })
	return out, nil
}

func (m *MemoryStore) Current(_ context.Context) (*Config, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if len(m.versions) == 0 {
		return DefaultConfig(), nil
	}
	return m.versions[len(m.versions)-1].clone(), nil
}

func (m *MemoryStore) Get(_ context.Context, version int64) (*Config, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if version == 0 {
		return DefaultConfig(), nil
	}
	if version < 0 || int(version) > len(m.versions) {
		return nil, ErrVersionNotFound
	}
	return m.versions[version-1].clone(), nil
}

func (m *MemoryStore) CompareAndSwap(_ context.Context, expect int64, next *Config) (*Config, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if int64(len(m.versions)) != expect {
		return nil, ErrVersionConflict
	}
	c := next.clone()
	c.Version = expect + 1
	m.versions = append(m.versions, c)
	return c.clone(), nil
}

func (m *MemoryStore) History(_ context.Context, limit int) ([]*Config, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if limit <= 0 || limit > len(m.versions) {
		limit = len(m.versions)
	}
	out := make([]*Config, 0, limit)
	for i := len(m.versions) - 1; i >= 0 && len(out) < limit; i-- {
		out = append(out, m.versions[i].clone())
	}
	return out, nil
}

func copyCity(p *CityPolicy) *CityPolicy {
	cp := *p
	if p.Meta != nil {
		cp.Meta = make(map[string]any, len(p.Meta))
		for k, v := range p.Meta {
			cp.Meta[k] = v
		}
	}
	return &cp
}

var (
	_ FlagStore   = (*MemoryStore)(nil)
	_ ConfigStore = (*MemoryStore)(nil)
)
