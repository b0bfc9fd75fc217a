package memory

import (
	"context"
	"fmt"
	"sync"

	"github.com/sax3l/sparkling-owl-spin/internal/engine"
)

type templateKey struct {
	id      string
	version int
}

// TemplateStore keeps template versions. A stored version is immutable:
// writing the same (id, version) twice is rejected, edits must bump the
// version. At most one version per template ID is active.
type TemplateStore struct {
	mu        sync.RWMutex
	templates map[templateKey]engine.Template
	active    map[string]int
}

// NewTemplateStore constructs a TemplateStore.
func NewTemplateStore() *TemplateStore {
	return &TemplateStore{
		templates: make(map[templateKey]engine.Template),
		active:    make(map[string]int),
	}
}

// PutTemplate stores a template version. Storing an active version
// deprecates the previously active one.
func (s *TemplateStore) PutTemplate(_ context.Context, tpl engine.Template) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	key := templateKey{id: tpl.ID, version: tpl.Version}
	if _, exists := s.templates[key]; exists {
		return fmt.Errorf("template %s version %d already exists", tpl.ID, tpl.Version)
	}

	if tpl.Status == engine.TemplateStatusActive {
		if prev, ok := s.active[tpl.ID]; ok {
			prevKey := templateKey{id: tpl.ID, version: prev}
			prevTpl := s.templates[prevKey]
			prevTpl.Status = engine.TemplateStatusDeprecated
			s.templates[prevKey] = prevTpl
		}
		s.active[tpl.ID] = tpl.Version
	}

	s.templates[key] = tpl
	return nil
}

// GetTemplate fetches one exact version.
func (s *TemplateStore) GetTemplate(_ context.Context, id string, version int) (engine.Template, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	tpl, ok := s.templates[templateKey{id: id, version: version}]
	if !ok {
		return engine.Template{}, fmt.Errorf("template %s version %d: %w", id, version, engine.ErrNotFound)
	}
	return tpl, nil
}

// ActiveTemplate fetches the currently active version of a template.
func (s *TemplateStore) ActiveTemplate(_ context.Context, id string) (engine.Template, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	version, ok := s.active[id]
	if !ok {
		return engine.Template{}, fmt.Errorf("template %s has no active version: %w", id, engine.ErrNotFound)
	}
	return s.templates[templateKey{id: id, version: version}], nil
}
