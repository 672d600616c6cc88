package progress

import (
	"fmt"
	"math"

	"treeline/internal/model"
)

// Weights maps each priority to its scoring weight.
type Weights map[model.Priority]float64

// WeightedScore computes the overall product score across domains. A domain
// carries no priority of its own, so it borrows the weight of its
// highest-priority feature; domains without features contribute nothing.
// The result is Σ(completion×weight) / Σ(weight), rounded to the nearest
// integer, or 0 when no domain contributes.
func (t *Tree) WeightedScore(w Weights) (int, error) {
	for p, weight := range w {
		if weight < 0 {
			return 0, fmt.Errorf("%w: negative weight %v for %s", ErrInvalidWeights, weight, p)
		}
	}
	for i := range t.Product.Domains {
		d := &t.Product.Domains[i]
		for j := range d.Features {
			if _, ok := w[d.Features[j].Priority]; !ok {
				return 0, fmt.Errorf("%w: no weight for priority %s", ErrInvalidWeights, d.Features[j].Priority)
			}
		}
	}
	var weighted, total float64
	for i := range t.Product.Domains {
		d := &t.Product.Domains[i]
		p, ok := highestPriority(d)
		if !ok {
			continue
		}
		weight := w[p]
		weighted += float64(d.Completion) * weight
		total += weight
	}
	if total == 0 {
		return 0, nil
	}
	return int(math.Round(weighted / total)), nil
}

func highestPriority(d *model.Domain) (model.Priority, bool) {
	best := model.Priority("")
	found := false
	for i := range d.Features {
		p := d.Features[i].Priority
		if !found || p.Rank() < best.Rank() {
			best = p
			found = true
		}
	}
	return best, found
}
