package projects

import (
	"context"
	"sort"
	"sync"
)

// MemoryStore is an in-memory implementation of Store for development and tests.
type MemoryStore struct {
	mu       sync.RWMutex
	projects map[string]*Project
}

var _ Store = (*MemoryStore)(nil)

// NewMemoryStore creates an empty in-memory project store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{projects: make(map[string]*Project)}
}

func (m *MemoryStore) Create(ctx context.Context, p *Project) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	cp := *p
	m.projects[p.ID] = &cp
	return nil
}

func (m *MemoryStore) Get(ctx context.Context, id string) (*Project, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	p, ok := m.projects[id]
	if !ok {
		return nil, ErrProjectNotFound
	}
	cp := *p
	return &cp, nil
}

func (m *MemoryStore) Update(ctx context.Context, p *Project) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.projects[p.ID]; !ok {
		return ErrProjectNotFound
	}
	cp := *p
	m.projects[p.ID] = &cp
	return nil
}

func (m *MemoryStore) ListByClient(ctx context.Context, clientID string, limit int) ([]*Project, error) {
	return m.list(func(p *Project) bool { return p.ClientID == clientID }, limit), nil
}

func (m *MemoryStore) ListByArtisan(ctx context.Context, artisanID string, limit int) ([]*Project, error) {
	return m.list(func(p *Project) bool { return p.ArtisanID == artisanID }, limit), nil
}

func (m *MemoryStore) list(match func(*Project) bool, limit int) []*Project {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var out []*Project
	for _, p := range m.projects {
		if match(p) {
			cp := *p
			out = append(out, &cp)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		return out[i].CreatedAt.After(out[j].CreatedAt)
	})
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out
}
