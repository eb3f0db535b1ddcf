// Package view keeps the most recent markup rendered for each page section,
// standing in for the DOM the widget morphs on a real storefront page.
package view

import (
	"sort"
	"sync"
	"time"
)

// Section is the last markup rendered for one section id.
type Section struct {
	ID        string    `json:"id"`
	Markup    string    `json:"markup"`
	Version   int       `json:"version"` // Incremented on every morph
	UpdatedAt time.Time `json:"updated_at"`
}

// Cache stores rendered sections. Safe for concurrent use.
type Cache struct {
	mu       sync.RWMutex
	sections map[string]*Section
	now      func() time.Time
}

// NewCache creates an empty cache.
func NewCache() *Cache {
	return &Cache{
		sections: make(map[string]*Section),
		now:      time.Now,
	}
}

// Morph replaces the markup of sectionID.
func (c *Cache) Morph(sectionID, markup string) {
	c.mu.Lock()
	defer c.mu.Unlock()

	s, ok := c.sections[sectionID]
	if !ok {
		s = &Section{ID: sectionID}
		c.sections[sectionID] = s
	}
	s.Markup = markup
	s.Version++
	s.UpdatedAt = c.now()
}

// Get returns a copy of the section, if it was ever rendered.
func (c *Cache) Get(sectionID string) (Section, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()

	s, ok := c.sections[sectionID]
	if !ok {
		return Section{}, false
	}
	return *s, true
}

// IDs returns the rendered section ids in sorted order.
func (c *Cache) IDs() []string {
	c.mu.RLock()
	defer c.mu.RUnlock()

	ids := make([]string, 0, len(c.sections))
	for id := range c.sections {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}
