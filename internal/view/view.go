package view

import (
	"treeline/internal/layout"
	"treeline/internal/progress"
)

// Controller owns the expand/collapse set and the active filter for one
// tree, and translates toggle actions into fresh layout runs. Layout state
// never lives inside the engine; every change recomputes from scratch.
type Controller struct {
	engine   layout.Engine
	expanded map[string]bool
	filter   progress.Filter
}

// NewController starts with everything collapsed and no filter.
func NewController(engine layout.Engine) *Controller {
	return &Controller{
		engine:   engine,
		expanded: map[string]bool{},
	}
}

// Toggle flips the expansion of a domain or feature. Product and subtask ids,
// and ids not present in the tree, are no-ops rather than errors; expansion
// state may legitimately lag behind tree mutations.
func (c *Controller) Toggle(t *progress.Tree, id string) {
	if _, ok := t.Domain(id); ok {
		c.flip(id)
		return
	}
	if _, _, ok := t.Feature(id); ok {
		c.flip(id)
	}
}

// Expand marks a domain or feature expanded regardless of prior state.
// Callers replaying an id list (query params, repeated flags) use this so a
// duplicated id cannot flip the entry back to collapsed.
func (c *Controller) Expand(t *progress.Tree, id string) {
	if _, ok := t.Domain(id); ok {
		c.expanded[id] = true
		return
	}
	if _, _, ok := t.Feature(id); ok {
		c.expanded[id] = true
	}
}

func (c *Controller) flip(id string) {
	if c.expanded[id] {
		delete(c.expanded, id)
		return
	}
	c.expanded[id] = true
}

// ExpandAll marks every domain and feature expanded.
func (c *Controller) ExpandAll(t *progress.Tree) {
	for i := range t.Product.Domains {
		d := &t.Product.Domains[i]
		c.expanded[d.ID] = true
		for j := range d.Features {
			c.expanded[d.Features[j].ID] = true
		}
	}
}

// CollapseAll clears all expansion state.
func (c *Controller) CollapseAll() {
	c.expanded = map[string]bool{}
}

// SetFilter replaces the active filter; the zero filter shows everything.
func (c *Controller) SetFilter(f progress.Filter) {
	c.filter = f
}

// Filter returns the active filter.
func (c *Controller) Filter() progress.Filter {
	return c.filter
}

// Expanded reports whether the id is currently expanded.
func (c *Controller) Expanded(id string) bool {
	return c.expanded[id]
}

// Layout recomputes positions for the current state. The product id is always
// part of the expanded set handed to the engine: the root cannot be toggled,
// its children are hidden only by collapsing the domains themselves.
func (c *Controller) Layout(t *progress.Tree) layout.Result {
	expanded := make(map[string]bool, len(c.expanded)+1)
	for id := range c.expanded {
		expanded[id] = true
	}
	expanded[t.Product.ID] = true
	return c.engine.Compute(t, expanded, c.filter)
}
