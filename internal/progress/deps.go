package progress

import (
	"fmt"
	"sort"
	"strings"
)

// Feature dependencies are stored as flat id lists and are never traversed by
// aggregation or layout. CheckDependencies is the separate integrity check the
// progress source may invoke before trusting the graph.

// MissingDependencyError indicates a feature references a dependency that
// does not exist at the feature level.
type MissingDependencyError struct {
	Feature    string
	Dependency string
}

func (e *MissingDependencyError) Error() string {
	return fmt.Sprintf("feature %q depends on non-existent feature %q", e.Feature, e.Dependency)
}

// CycleError indicates the dependency graph contains a cycle.
type CycleError struct {
	Members []string
}

func (e *CycleError) Error() string {
	return fmt.Sprintf("dependency cycle involving: %s", strings.Join(e.Members, ", "))
}

// CheckDependencies validates the feature dependency graph: every referenced
// id must exist and the graph must be acyclic. Uses Kahn's algorithm; any
// nodes left unresolved after the topological pass are cycle members.
func (t *Tree) CheckDependencies() error {
	nodes := map[string][]string{}
	for i := range t.Product.Domains {
		d := &t.Product.Domains[i]
		for j := range d.Features {
			f := &d.Features[j]
			nodes[f.ID] = f.Dependencies
		}
	}
	inDegree := map[string]int{}
	dependents := map[string][]string{}
	for id, deps := range nodes {
		inDegree[id] = 0
		for _, dep := range deps {
			if _, ok := nodes[dep]; !ok {
				return &MissingDependencyError{Feature: id, Dependency: dep}
			}
		}
	}
	for id, deps := range nodes {
		inDegree[id] = len(deps)
		for _, dep := range deps {
			dependents[dep] = append(dependents[dep], id)
		}
	}
	var queue []string
	for id, deg := range inDegree {
		if deg == 0 {
			queue = append(queue, id)
		}
	}
	sort.Strings(queue)
	resolved := 0
	for len(queue) > 0 {
		cur := queue[0]
		queue = queue[1:]
		resolved++
		next := append([]string(nil), dependents[cur]...)
		sort.Strings(next)
		for _, dep := range next {
			inDegree[dep]--
			if inDegree[dep] == 0 {
				queue = append(queue, dep)
			}
		}
	}
	if resolved < len(nodes) {
		var members []string
		for id, deg := range inDegree {
			if deg > 0 {
				members = append(members, id)
			}
		}
		sort.Strings(members)
		return &CycleError{Members: members}
	}
	return nil
}
