package progress

import (
	"fmt"
	"math"

	"treeline/internal/model"
)

// Tree holds one product hierarchy and keeps every derived completion value
// consistent. It never creates or deletes entities on its own; mutations
// arrive from the progress source and each one triggers a full bottom-up
// recompute of the ancestors.
type Tree struct {
	Product model.Product
}

// New returns a tree rooted at the given product.
func New(p model.Product) *Tree {
	t := &Tree{Product: p}
	t.Recompute()
	return t
}

// Domain returns the domain with the given id.
func (t *Tree) Domain(id string) (*model.Domain, bool) {
	for i := range t.Product.Domains {
		if t.Product.Domains[i].ID == id {
			return &t.Product.Domains[i], true
		}
	}
	return nil, false
}

// Feature returns the feature with the given id and its parent domain.
func (t *Tree) Feature(id string) (*model.Feature, *model.Domain, bool) {
	for i := range t.Product.Domains {
		d := &t.Product.Domains[i]
		for j := range d.Features {
			if d.Features[j].ID == id {
				return &d.Features[j], d, true
			}
		}
	}
	return nil, nil, false
}

// Subtask returns the subtask with the given id and its parent feature.
func (t *Tree) Subtask(id string) (*model.Subtask, *model.Feature, bool) {
	for i := range t.Product.Domains {
		d := &t.Product.Domains[i]
		for j := range d.Features {
			f := &d.Features[j]
			for k := range f.Subtasks {
				if f.Subtasks[k].ID == id {
					return &f.Subtasks[k], f, true
				}
			}
		}
	}
	return nil, nil, false
}

// UpsertDomain inserts or updates a domain under the product. An existing
// domain keeps its features; only the authored fields are replaced.
func (t *Tree) UpsertDomain(d model.Domain) error {
	if err := validateCompletion(d.ID, d.Completion); err != nil {
		return err
	}
	if existing, ok := t.Domain(d.ID); ok {
		existing.Name = d.Name
		existing.Completion = d.Completion
		existing.Description = d.Description
	} else {
		d.Features = nil
		t.Product.Domains = append(t.Product.Domains, d)
	}
	t.Recompute()
	return nil
}

// UpsertFeature inserts or updates a feature under the given domain. A feature
// created without subtasks keeps its authored completion; once subtasks exist
// the completion is always derived from them.
func (t *Tree) UpsertFeature(domainID string, f model.Feature) error {
	if err := validateCompletion(f.ID, f.Completion); err != nil {
		return err
	}
	if f.Priority == "" {
		f.Priority = model.PriorityMedium
	}
	if !f.Priority.Valid() {
		return fmt.Errorf("%w: feature %s has unknown priority %q", ErrInvalidEntity, f.ID, f.Priority)
	}
	if err := validateStatus(f.ID, f.Status, f.Completion); err != nil {
		return err
	}
	d, ok := t.Domain(domainID)
	if !ok {
		return fmt.Errorf("%w: domain %s", ErrNotFound, domainID)
	}
	if existing, parent, ok := t.Feature(f.ID); ok {
		if parent.ID != domainID {
			return fmt.Errorf("%w: feature %s already exists under domain %s", ErrInvalidEntity, f.ID, parent.ID)
		}
		existing.Name = f.Name
		existing.Completion = f.Completion
		existing.Priority = f.Priority
		existing.Description = f.Description
		existing.Dependencies = f.Dependencies
	} else {
		f.Subtasks = nil
		f.Status = model.StatusFor(f.Completion)
		d.Features = append(d.Features, f)
	}
	t.Recompute()
	return nil
}

// UpsertSubtask inserts or updates a subtask under the given feature and
// cascades the recompute up through the feature, its domain, and the product.
func (t *Tree) UpsertSubtask(featureID string, s model.Subtask) error {
	if err := validateCompletion(s.ID, s.Completion); err != nil {
		return err
	}
	if err := validateStatus(s.ID, s.Status, s.Completion); err != nil {
		return err
	}
	f, _, ok := t.Feature(featureID)
	if !ok {
		return fmt.Errorf("%w: feature %s", ErrNotFound, featureID)
	}
	if existing, parent, ok := t.Subtask(s.ID); ok {
		if parent.ID != featureID {
			return fmt.Errorf("%w: subtask %s already exists under feature %s", ErrInvalidEntity, s.ID, parent.ID)
		}
		existing.Name = s.Name
		existing.Completion = s.Completion
	} else {
		s.Status = model.StatusFor(s.Completion)
		f.Subtasks = append(f.Subtasks, s)
	}
	t.Recompute()
	return nil
}

// RemoveDomain deletes a domain and its descendants.
func (t *Tree) RemoveDomain(id string) error {
	for i := range t.Product.Domains {
		if t.Product.Domains[i].ID == id {
			t.Product.Domains = append(t.Product.Domains[:i], t.Product.Domains[i+1:]...)
			t.Recompute()
			return nil
		}
	}
	return fmt.Errorf("%w: domain %s", ErrNotFound, id)
}

// RemoveFeature deletes a feature and its subtasks.
func (t *Tree) RemoveFeature(id string) error {
	for i := range t.Product.Domains {
		d := &t.Product.Domains[i]
		for j := range d.Features {
			if d.Features[j].ID == id {
				d.Features = append(d.Features[:j], d.Features[j+1:]...)
				t.Recompute()
				return nil
			}
		}
	}
	return fmt.Errorf("%w: feature %s", ErrNotFound, id)
}

// RemoveSubtask deletes a subtask.
func (t *Tree) RemoveSubtask(id string) error {
	_, f, ok := t.Subtask(id)
	if !ok {
		return fmt.Errorf("%w: subtask %s", ErrNotFound, id)
	}
	for k := range f.Subtasks {
		if f.Subtasks[k].ID == id {
			f.Subtasks = append(f.Subtasks[:k], f.Subtasks[k+1:]...)
			break
		}
	}
	t.Recompute()
	return nil
}

// Recompute rederives every completion and status bottom-up. A feature with
// subtasks takes the rounded mean of their completions; a domain takes the
// rounded mean of its features; the product takes the rounded mean of its
// domains. A level with no children keeps its stored value, so an authored
// completion survives until children appear. Running Recompute twice with no
// intervening mutation yields identical values.
func (t *Tree) Recompute() {
	for i := range t.Product.Domains {
		d := &t.Product.Domains[i]
		for j := range d.Features {
			f := &d.Features[j]
			if len(f.Subtasks) > 0 {
				sum := 0
				for k := range f.Subtasks {
					f.Subtasks[k].Status = model.StatusFor(f.Subtasks[k].Completion)
					sum += f.Subtasks[k].Completion
				}
				f.Completion = roundMean(sum, len(f.Subtasks))
			}
			f.Status = model.StatusFor(f.Completion)
		}
		if len(d.Features) > 0 {
			sum := 0
			for j := range d.Features {
				sum += d.Features[j].Completion
			}
			d.Completion = roundMean(sum, len(d.Features))
		}
	}
	if len(t.Product.Domains) > 0 {
		sum := 0
		for i := range t.Product.Domains {
			sum += t.Product.Domains[i].Completion
		}
		t.Product.Completion = roundMean(sum, len(t.Product.Domains))
	}
}

func roundMean(sum, n int) int {
	return int(math.Round(float64(sum) / float64(n)))
}

func validateCompletion(id string, completion int) error {
	if completion < 0 || completion > 100 {
		return fmt.Errorf("%w: %s completion %d out of range", ErrInvalidEntity, id, completion)
	}
	return nil
}

// validateStatus rejects writes where an explicit status contradicts the
// completion value. An empty status is filled in from the completion.
func validateStatus(id string, status model.Status, completion int) error {
	if status == "" {
		return nil
	}
	if status != model.StatusFor(completion) {
		return fmt.Errorf("%w: %s status %q inconsistent with completion %d", ErrInvalidEntity, id, status, completion)
	}
	return nil
}
