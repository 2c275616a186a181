// Package templates holds the code-defined catalog of workflow blueprints.
// The catalog is immutable: every lookup returns a deep copy.
package templates

import (
	"sort"

	"github.com/rendis/opflow/pkg/schema"
)

// Template ids.
const (
	SimpleProductCheckout = "simple-product-checkout"
	InvoiceCheckout       = "invoice-checkout"
	EventRegistration     = "event-registration"
	SupportTicketIntake   = "support-ticket-intake"
)

// Categories.
const (
	CategoryCheckout     = "checkout"
	CategoryRegistration = "registration"
	CategorySupport      = "support"
)

// Catalog is a read-only set of templates keyed by id.
type Catalog struct {
	byID map[string]*schema.Template
}

// New builds a catalog from the given templates. Later duplicates replace
// earlier ones.
func New(tpls ...*schema.Template) *Catalog {
	c := &Catalog{byID: make(map[string]*schema.Template, len(tpls))}
	for _, t := range tpls {
		c.byID[t.ID] = t.Clone()
	}
	return c
}

// Default returns the catalog of built-in templates.
func Default() *Catalog {
	return New(builtinTemplates()...)
}

// Get returns a copy of the template with the given id.
func (c *Catalog) Get(id string) (*schema.Template, error) {
	t, ok := c.byID[id]
	if !ok {
		return nil, schema.NewErrorf(schema.ErrCodeNotFound, "template %q not found", id)
	}
	return t.Clone(), nil
}

// List returns copies of every template in category, or all templates when
// category is empty, sorted by id.
func (c *Catalog) List(category string) []*schema.Template {
	out := make([]*schema.Template, 0, len(c.byID))
	for _, t := range c.byID {
		if category != "" && t.Category != category {
			continue
		}
		out = append(out, t.Clone())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// Categories returns the distinct categories, sorted.
func (c *Catalog) Categories() []string {
	seen := make(map[string]bool)
	var out []string
	for _, t := range c.byID {
		if !seen[t.Category] {
			seen[t.Category] = true
			out = append(out, t.Category)
		}
	}
	sort.Strings(out)
	return out
}
