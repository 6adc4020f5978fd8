package plans

import (
	"fmt"
	"os"
	"sync"

	"gopkg.in/yaml.v3"
)

// Source identifies which provider namespace a price id belongs to
type Source string

const (
	SourceStripe Source = "stripe"
	SourcePayPal Source = "paypal"
)

// Catalog maps provider price/plan identifiers to plan tiers
type Catalog struct {
	mu      sync.RWMutex
	entries map[Source]map[string]Plan
}

type catalogFile struct {
	Stripe map[string]string `yaml:"stripe"`
	PayPal map[string]string `yaml:"paypal"`
}

// NewCatalog creates an empty catalog
func NewCatalog() *Catalog {
	return &Catalog{entries: map[Source]map[string]Plan{}}
}

// LoadCatalog reads a catalog from a yaml file
func LoadCatalog(path string) (*Catalog, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read price catalog: %w", err)
	}
	return ParseCatalog(data)
}

// ParseCatalog parses a yaml catalog document
func ParseCatalog(data []byte) (*Catalog, error) {
	var f catalogFile
	if err := yaml.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("failed to parse price catalog: %w", err)
	}

	c := NewCatalog()
	for src, m := range map[Source]map[string]string{SourceStripe: f.Stripe, SourcePayPal: f.PayPal} {
		for id, name := range m {
			p, err := Parse(name)
			if err != nil {
				return nil, fmt.Errorf("price %s/%s: %w", src, id, err)
			}
			c.Register(src, id, p)
		}
	}
	return c, nil
}

// Register maps a provider identifier to a plan
func (c *Catalog) Register(src Source, id string, p Plan) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.entries[src] == nil {
		c.entries[src] = map[string]Plan{}
	}
	c.entries[src][id] = p
}

// Lookup returns the plan for id and whether it was found
func (c *Catalog) Lookup(src Source, id string) (Plan, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	p, ok := c.entries[src][id]
	return p, ok
}

// Resolve returns the plan for id, falling back to FREE
func (c *Catalog) Resolve(src Source, id string) Plan {
	if p, ok := c.Lookup(src, id); ok {
		return p
	}
	return Free
}
