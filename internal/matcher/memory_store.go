package matcher

import (
	"context"
	"sort"
	"sync"
)

// MemoryStore is an in-memory TemplateStore for single-instance deployments
// and tests. Templates are stored as values and copied on the way in and out,
// so readers never observe a torn write.
type MemoryStore struct {
	mu        sync.RWMutex
	templates map[string]Template
}

// NewMemoryStore creates an empty in-memory template store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{templates: make(map[string]Template)}
}

// Put implements TemplateStore.
func (s *MemoryStore) Put(ctx context.Context, tpl Template) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	tpl.Embedding = append([]float64(nil), tpl.Embedding...)
	s.mu.Lock()
	s.templates[tpl.IdentityKey] = tpl
	s.mu.Unlock()
	return nil
}

// Get implements TemplateStore.
func (s *MemoryStore) Get(ctx context.Context, identityKey string) (Template, bool, error) {
	if err := ctx.Err(); err != nil {
		return Template{}, false, err
	}
	s.mu.RLock()
	tpl, ok := s.templates[identityKey]
	s.mu.RUnlock()
	if !ok {
		return Template{}, false, nil
	}
	tpl.Embedding = append([]float64(nil), tpl.Embedding...)
	return tpl, true, nil
}

// Delete implements TemplateStore.
func (s *MemoryStore) Delete(ctx context.Context, identityKey string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	delete(s.templates, identityKey)
	s.mu.Unlock()
	return nil
}

// Snapshot implements TemplateStore. The returned slice is sorted by identity
// key so scans are deterministic.
func (s *MemoryStore) Snapshot(ctx context.Context) ([]Template, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.RLock()
	out := make([]Template, 0, len(s.templates))
	for _, tpl := range s.templates {
		tpl.Embedding = append([]float64(nil), tpl.Embedding...)
		out = append(out, tpl)
	}
	s.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool { return out[i].IdentityKey < out[j].IdentityKey })
	return out, nil
}

// Count implements TemplateStore.
func (s *MemoryStore) Count(ctx context.Context) (int, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.templates), nil
}
