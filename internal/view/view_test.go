package view_test

import (
	"testing"

	"treeline/internal/layout"
	"treeline/internal/model"
	"treeline/internal/progress"
	"treeline/internal/view"
)

func newTree(t *testing.T) *progress.Tree {
	t.Helper()
	tree := progress.New(model.Product{ID: "prod", Name: "Atlas"})
	if err := tree.UpsertDomain(model.Domain{ID: "dom-1", Name: "Billing"}); err != nil {
		t.Fatalf("seed: %v", err)
	}
	if err := tree.UpsertFeature("dom-1", model.Feature{ID: "feat-1", Name: "Invoices"}); err != nil {
		t.Fatalf("seed: %v", err)
	}
	if err := tree.UpsertSubtask("feat-1", model.Subtask{ID: "sub-1", Name: "PDF", Completion: 100}); err != nil {
		t.Fatalf("seed: %v", err)
	}
	return tree
}

func TestToggleDomainAndFeature(t *testing.T) {
	tree := newTree(t)
	c := view.NewController(layout.NewEngine(layout.Geometry{}))

	res := c.Layout(tree)
	if len(res.Nodes) != 2 {
		t.Fatalf("expected product+domain initially, got %d nodes", len(res.Nodes))
	}

	c.Toggle(tree, "dom-1")
	if !c.Expanded("dom-1") {
		t.Fatalf("toggle should expand")
	}
	res = c.Layout(tree)
	if len(res.Nodes) != 3 {
		t.Fatalf("expected feature after expand, got %d nodes", len(res.Nodes))
	}

	c.Toggle(tree, "feat-1")
	res = c.Layout(tree)
	if len(res.Nodes) != 4 {
		t.Fatalf("expected subtask after expand, got %d nodes", len(res.Nodes))
	}

	c.Toggle(tree, "dom-1")
	res = c.Layout(tree)
	if len(res.Nodes) != 2 {
		t.Fatalf("collapse should hide descendants, got %d nodes", len(res.Nodes))
	}
}

func TestToggleNoOps(t *testing.T) {
	tree := newTree(t)
	c := view.NewController(layout.NewEngine(layout.Geometry{}))

	c.Toggle(tree, "prod")
	c.Toggle(tree, "sub-1")
	c.Toggle(tree, "does-not-exist")
	for _, id := range []string{"prod", "sub-1", "does-not-exist"} {
		if c.Expanded(id) {
			t.Fatalf("%s should not be toggleable", id)
		}
	}
	// The root's children are still shown: product expansion is implicit.
	if res := c.Layout(tree); len(res.Nodes) != 2 {
		t.Fatalf("expected product+domain, got %d", len(res.Nodes))
	}
}

func TestExpandIsIdempotent(t *testing.T) {
	tree := newTree(t)
	c := view.NewController(layout.NewEngine(layout.Geometry{}))

	// Replaying the same id (duplicated query param, repeated flag) must not
	// flip the entry back to collapsed the way a second Toggle would.
	c.Expand(tree, "dom-1")
	c.Expand(tree, "dom-1")
	if !c.Expanded("dom-1") {
		t.Fatalf("duplicate expand collapsed the domain")
	}
	if res := c.Layout(tree); len(res.Nodes) != 3 {
		t.Fatalf("expected feature visible after duplicate expand, got %d nodes", len(res.Nodes))
	}

	c.Expand(tree, "sub-1")
	c.Expand(tree, "missing")
	if c.Expanded("sub-1") || c.Expanded("missing") {
		t.Fatalf("expand accepted a non-expandable id")
	}
}

func TestCollapseAllResetsState(t *testing.T) {
	tree := newTree(t)
	c := view.NewController(layout.NewEngine(layout.Geometry{}))
	c.ExpandAll(tree)
	if res := c.Layout(tree); len(res.Nodes) != 4 {
		t.Fatalf("expand all should show everything, got %d nodes", len(res.Nodes))
	}
	c.CollapseAll()
	for _, id := range []string{"dom-1", "feat-1"} {
		if c.Expanded(id) {
			t.Fatalf("%s still expanded after collapse all", id)
		}
	}
	if res := c.Layout(tree); len(res.Nodes) != 2 {
		t.Fatalf("collapse all should leave product+domain, got %d nodes", len(res.Nodes))
	}
}

func TestSetFilterAppliesOnNextLayout(t *testing.T) {
	tree := newTree(t)
	c := view.NewController(layout.NewEngine(layout.Geometry{}))
	c.ExpandAll(tree)

	c.SetFilter(progress.Filter{Status: model.StatusComplete})
	res := c.Layout(tree)
	want := map[string]bool{"prod": true, "dom-1": true, "feat-1": true, "sub-1": true}
	for _, n := range res.Nodes {
		if !want[n.ID] {
			t.Fatalf("unexpected node %s", n.ID)
		}
	}

	c.SetFilter(progress.Filter{})
	if !c.Filter().Empty() {
		t.Fatalf("filter should be cleared")
	}
	if res := c.Layout(tree); len(res.Nodes) != 4 {
		t.Fatalf("cleared filter should show all, got %d", len(res.Nodes))
	}
}
