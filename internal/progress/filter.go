package progress

import (
	"strings"

	"treeline/internal/model"
)

// Filter narrows the tree to features and subtasks matching every supplied
// predicate. Name is a case-insensitive substring match. The zero Filter
// matches everything.
type Filter struct {
	Status   model.Status   `json:"status,omitempty"`
	Priority model.Priority `json:"priority,omitempty"`
	Name     string         `json:"name,omitempty"`
}

// Empty reports whether no predicate is set.
func (f Filter) Empty() bool {
	return f.Status == "" && f.Priority == "" && f.Name == ""
}

// MatchFeature applies all supplied predicates to a feature.
func (f Filter) MatchFeature(ft *model.Feature) bool {
	if f.Status != "" && ft.Status != f.Status {
		return false
	}
	if f.Priority != "" && ft.Priority != f.Priority {
		return false
	}
	return f.matchName(ft.Name)
}

// MatchSubtask applies all supplied predicates to a subtask. Subtasks carry
// no priority, so a priority predicate is never satisfied by one.
func (f Filter) MatchSubtask(s *model.Subtask) bool {
	if f.Priority != "" {
		return false
	}
	if f.Status != "" && s.Status != f.Status {
		return false
	}
	return f.matchName(s.Name)
}

// MatchDomain reports whether the domain itself matches. Domains have no
// status or priority, so those predicates cannot be satisfied at this level.
func (f Filter) MatchDomain(d *model.Domain) bool {
	if f.Status != "" || f.Priority != "" {
		return false
	}
	return f.matchName(d.Name)
}

// VisibleSubtask reports whether the subtask survives the filter.
func (f Filter) VisibleSubtask(s *model.Subtask) bool {
	return f.Empty() || f.MatchSubtask(s)
}

// VisibleFeature applies leaf-up inclusion: a feature stays visible when it
// matches or when any of its subtasks matches.
func (f Filter) VisibleFeature(ft *model.Feature) bool {
	if f.Empty() || f.MatchFeature(ft) {
		return true
	}
	for i := range ft.Subtasks {
		if f.MatchSubtask(&ft.Subtasks[i]) {
			return true
		}
	}
	return false
}

// VisibleDomain applies leaf-up inclusion one level higher.
func (f Filter) VisibleDomain(d *model.Domain) bool {
	if f.Empty() || f.MatchDomain(d) {
		return true
	}
	for i := range d.Features {
		if f.VisibleFeature(&d.Features[i]) {
			return true
		}
	}
	return false
}

func (f Filter) matchName(name string) bool {
	if f.Name == "" {
		return true
	}
	return strings.Contains(strings.ToLower(name), strings.ToLower(f.Name))
}

// Matches lists the feature and subtask ids a query returned, in tree order.
type Matches struct {
	Features []string `json:"features"`
	Subtasks []string `json:"subtasks"`
}

// Query returns the feature and subtask ids matching every supplied
// predicate. Ancestors retained only through leaf-up inclusion are not part
// of the result; visibility for layout is derived via the Visible* methods.
func (t *Tree) Query(f Filter) Matches {
	var m Matches
	for i := range t.Product.Domains {
		d := &t.Product.Domains[i]
		for j := range d.Features {
			ft := &d.Features[j]
			if f.MatchFeature(ft) {
				m.Features = append(m.Features, ft.ID)
			}
			for k := range ft.Subtasks {
				if f.MatchSubtask(&ft.Subtasks[k]) {
					m.Subtasks = append(m.Subtasks, ft.Subtasks[k].ID)
				}
			}
		}
	}
	return m
}
