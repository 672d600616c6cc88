package layout

import (
	"treeline/internal/model"
	"treeline/internal/progress"
)

// Default geometry, in layout units.
const (
	DefaultHorizontalSpacing = 280
	DefaultVerticalSpacing   = 140
)

// Size is the fixed footprint of a node at one level.
type Size struct {
	Width  float64 `json:"width"`
	Height float64 `json:"height"`
}

// Geometry fixes the spacing constants and per-level footprints. Level sizes
// strictly decrease from product down to subtask.
type Geometry struct {
	HorizontalSpacing float64
	VerticalSpacing   float64
	Sizes             map[model.Level]Size
}

// DefaultGeometry returns the reference geometry.
func DefaultGeometry() Geometry {
	return Geometry{
		HorizontalSpacing: DefaultHorizontalSpacing,
		VerticalSpacing:   DefaultVerticalSpacing,
		Sizes: map[model.Level]Size{
			model.LevelProduct: {Width: 260, Height: 120},
			model.LevelDomain:  {Width: 220, Height: 104},
			model.LevelFeature: {Width: 180, Height: 88},
			model.LevelSubtask: {Width: 140, Height: 72},
		},
	}
}

// Node is one positioned entity in the output contract. Status and priority
// are only present at the levels that carry them.
type Node struct {
	ID         string         `json:"id"`
	Level      model.Level    `json:"level"`
	X          float64        `json:"x"`
	Y          float64        `json:"y"`
	Width      float64        `json:"width"`
	Height     float64        `json:"height"`
	Completion int            `json:"completion"`
	Status     model.Status   `json:"status,omitempty"`
	Priority   model.Priority `json:"priority,omitempty"`
}

// Edge links a visible parent to one of its visible children.
type Edge struct {
	SourceID string `json:"source_id"`
	TargetID string `json:"target_id"`
}

// Result is the full surface the presentation shell may consume. Nodes are
// listed in pre-order, children left to right.
type Result struct {
	Nodes []Node `json:"nodes"`
	Edges []Edge `json:"edges"`
}

// Engine lays out a filtered, partially expanded tree top-down. Compute is a
// pure function of its inputs; re-running it with identical inputs reproduces
// identical output.
type Engine struct {
	Geometry Geometry
}

// NewEngine returns an engine with the given geometry, falling back to the
// defaults for any zero field.
func NewEngine(g Geometry) Engine {
	d := DefaultGeometry()
	if g.HorizontalSpacing == 0 {
		g.HorizontalSpacing = d.HorizontalSpacing
	}
	if g.VerticalSpacing == 0 {
		g.VerticalSpacing = d.VerticalSpacing
	}
	if g.Sizes == nil {
		g.Sizes = d.Sizes
	}
	return Engine{Geometry: g}
}

// visNode is the filter- and expansion-pruned view of one entity, annotated
// with its measured subtree width. Children of collapsed or filtered-out
// nodes are never attached, so they contribute zero width.
type visNode struct {
	id         string
	level      model.Level
	completion int
	status     model.Status
	priority   model.Priority
	children   []*visNode
	size       Size
	subtree    float64
}

// Compute lays out every visible node of the tree. A node's children are
// visible only if its own id is in expanded; ids in expanded that no longer
// exist in the tree are silently ignored. Filtered-out subtrees are excluded
// entirely rather than collapsed to a placeholder.
func (e Engine) Compute(t *progress.Tree, expanded map[string]bool, f progress.Filter) Result {
	res := Result{Nodes: []Node{}, Edges: []Edge{}}
	root := e.buildProduct(t, expanded, f)
	if root == nil {
		return res
	}
	e.measure(root)
	e.place(root, 0, 0, &res)
	return res
}

func (e Engine) buildProduct(t *progress.Tree, expanded map[string]bool, f progress.Filter) *visNode {
	p := &t.Product
	anyVisible := false
	n := &visNode{
		id:         p.ID,
		level:      model.LevelProduct,
		completion: p.Completion,
		size:       e.Geometry.Sizes[model.LevelProduct],
	}
	for i := range p.Domains {
		d := &p.Domains[i]
		if !f.VisibleDomain(d) {
			continue
		}
		anyVisible = true
		if expanded[p.ID] {
			n.children = append(n.children, e.buildDomain(d, expanded, f))
		}
	}
	// The product stays reachable whenever the filtered tree is non-empty,
	// or when it matches a name-only filter itself.
	if !f.Empty() && !anyVisible && (f.Status != "" || f.Priority != "" || !nameMatch(f, p.Name)) {
		return nil
	}
	return n
}

func (e Engine) buildDomain(d *model.Domain, expanded map[string]bool, f progress.Filter) *visNode {
	n := &visNode{
		id:         d.ID,
		level:      model.LevelDomain,
		completion: d.Completion,
		size:       e.Geometry.Sizes[model.LevelDomain],
	}
	if !expanded[d.ID] {
		return n
	}
	for i := range d.Features {
		ft := &d.Features[i]
		if !f.VisibleFeature(ft) {
			continue
		}
		n.children = append(n.children, e.buildFeature(ft, expanded, f))
	}
	return n
}

func (e Engine) buildFeature(ft *model.Feature, expanded map[string]bool, f progress.Filter) *visNode {
	n := &visNode{
		id:         ft.ID,
		level:      model.LevelFeature,
		completion: ft.Completion,
		status:     ft.Status,
		priority:   ft.Priority,
		size:       e.Geometry.Sizes[model.LevelFeature],
	}
	if !expanded[ft.ID] {
		return n
	}
	for i := range ft.Subtasks {
		s := &ft.Subtasks[i]
		if !f.VisibleSubtask(s) {
			continue
		}
		n.children = append(n.children, &visNode{
			id:         s.ID,
			level:      model.LevelSubtask,
			completion: s.Completion,
			status:     s.Status,
			size:       e.Geometry.Sizes[model.LevelSubtask],
		})
	}
	return n
}

// measure computes subtree widths post-order. A node with no visible children
// occupies exactly its own footprint; otherwise it spans at least the sum of
// its children plus the fixed gaps between them.
func (e Engine) measure(n *visNode) {
	if len(n.children) == 0 {
		n.subtree = n.size.Width
		return
	}
	span := 0.0
	for i, c := range n.children {
		e.measure(c)
		if i > 0 {
			span += e.Geometry.HorizontalSpacing
		}
		span += c.subtree
	}
	n.subtree = n.size.Width
	if span > n.subtree {
		n.subtree = span
	}
}

// place assigns positions pre-order. The node is centered over its subtree
// and the children block is centered under it, so the parent's x-center
// always sits at the midpoint of the children's combined extent.
func (e Engine) place(n *visNode, x, y float64, res *Result) {
	res.Nodes = append(res.Nodes, Node{
		ID:         n.id,
		Level:      n.level,
		X:          x + (n.subtree-n.size.Width)/2,
		Y:          y,
		Width:      n.size.Width,
		Height:     n.size.Height,
		Completion: n.completion,
		Status:     n.status,
		Priority:   n.priority,
	})
	if len(n.children) == 0 {
		return
	}
	span := 0.0
	for i, c := range n.children {
		if i > 0 {
			span += e.Geometry.HorizontalSpacing
		}
		span += c.subtree
	}
	childX := x + (n.subtree-span)/2
	childY := y + e.Geometry.VerticalSpacing
	for _, c := range n.children {
		res.Edges = append(res.Edges, Edge{SourceID: n.id, TargetID: c.id})
		e.place(c, childX, childY, res)
		childX += c.subtree + e.Geometry.HorizontalSpacing
	}
}

func nameMatch(f progress.Filter, name string) bool {
	sub := progress.Filter{Name: f.Name}
	return sub.MatchDomain(&model.Domain{Name: name})
}
