// File: internal/recognition/cache.go
package recognition

import (
	"fmt"
	"sync"

	"github.com/google/uuid"

	"github.com/ModerRAS/keyforge/api/schemas"
)

// Cache holds one decoded buffer per loaded template, read-shared across
// ticks. Updates replace the template value behind the id rather than
// mutating it, so an in-flight recognition holding the old pointer stays
// valid; the old version is simply dropped (last-write-wins).
type Cache struct {
	mu     sync.RWMutex
	byID   map[uuid.UUID]*schemas.ImageTemplate
	byName map[string]uuid.UUID
}

// NewCache builds an empty template cache.
func NewCache() *Cache {
	return &Cache{
		byID:   make(map[uuid.UUID]*schemas.ImageTemplate),
		byName: make(map[string]uuid.UUID),
	}
}

var _ schemas.TemplateSource = (*Cache)(nil)

// Put inserts or replaces a template. Replacing bumps the version past the
// previous one; the stored value is a private copy so the caller cannot
// mutate the cached template afterwards.
func (c *Cache) Put(tpl schemas.ImageTemplate) *schemas.ImageTemplate {
	c.mu.Lock()
	defer c.mu.Unlock()
	if prev, ok := c.byID[tpl.ID]; ok {
		if tpl.Version <= prev.Version {
			tpl.Version = prev.Version + 1
		}
		delete(c.byName, prev.Name)
	} else if tpl.Version == 0 {
		tpl.Version = 1
	}
	stored := tpl
	c.byID[tpl.ID] = &stored
	c.byName[tpl.Name] = tpl.ID
	return &stored
}

// Template implements schemas.TemplateSource.
func (c *Cache) Template(id uuid.UUID) (*schemas.ImageTemplate, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	tpl, ok := c.byID[id]
	if !ok {
		return nil, schemas.NewCodedError(schemas.ErrCodeTemplateNotFound, fmt.Sprintf("template %s not loaded", id))
	}
	return tpl, nil
}

// TemplateByName implements schemas.TemplateSource.
func (c *Cache) TemplateByName(name string) (*schemas.ImageTemplate, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	id, ok := c.byName[name]
	if !ok {
		return nil, schemas.NewCodedError(schemas.ErrCodeTemplateNotFound, fmt.Sprintf("template %q not loaded", name))
	}
	return c.byID[id], nil
}

// Names lists the loaded template names.
func (c *Cache) Names() []string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	names := make([]string, 0, len(c.byName))
	for name := range c.byName {
		names = append(names, name)
	}
	return names
}

// Len reports how many templates are loaded.
func (c *Cache) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.byID)
}
