package store

import (
	"errors"
	"fmt"
	"sort"

	"radialq/pkg/array"
)

// NameRunIndicator is the per-shot array holding the run each shot came from.
const NameRunIndicator = "run_indicator"

// ErrRunMismatch reports runs that cannot be combined because a checked
// array differs between them.
var ErrRunMismatch = errors.New("runs disagree")

// CombineSpec lists how each dataset name is merged across runs.
type CombineSpec struct {
	// Concat names per-shot arrays joined along their first axis in run order
	Concat []string

	// Sum names accumulated arrays added element by element
	Sum []string

	// Check names arrays that must be identical in every run
	Check []string
}

// CombineRuns merges the datasets of several runs, taken in increasing run
// order. When Concat is not empty the result also holds NameRunIndicator,
// the run number of every row of the first concatenated array.
func CombineRuns(datasets map[int]Dataset, spec CombineSpec) (Dataset, error) {
	if len(datasets) == 0 {
		return nil, errors.New("no runs to combine")
	}
	runs := make([]int, 0, len(datasets))
	for run := range datasets {
		runs = append(runs, run)
	}
	sort.Ints(runs)

	out := make(Dataset)
	for i, name := range spec.Concat {
		parts := make([]*array.Array, len(runs))
		for j, run := range runs {
			a, err := datasets[run].Get(name)
			if err != nil {
				return nil, fmt.Errorf("run %d: %w", run, err)
			}
			parts[j] = a
		}
		joined, err := concat(parts)
		if err != nil {
			return nil, fmt.Errorf("%s: %w", name, err)
		}
		out[name] = joined

		if i == 0 {
			indicator := make([]float64, 0, joined.Len())
			for j, run := range runs {
				for k := 0; k < parts[j].Shape[0]; k++ {
					indicator = append(indicator, float64(run))
				}
			}
			out[NameRunIndicator], _ = array.FromSlice(indicator)
		}
	}

	for _, name := range spec.Sum {
		var total *array.Array
		for _, run := range runs {
			a, err := datasets[run].Get(name)
			if err != nil {
				return nil, fmt.Errorf("run %d: %w", run, err)
			}
			if total == nil {
				total = a.Clone()
				continue
			}
			if err := total.Add(a); err != nil {
				return nil, fmt.Errorf("%s in run %d: %w", name, run, err)
			}
		}
		out[name] = total
	}

	for _, name := range spec.Check {
		var first *array.Array
		for _, run := range runs {
			a, err := datasets[run].Get(name)
			if err != nil {
				return nil, fmt.Errorf("run %d: %w", run, err)
			}
			if first == nil {
				first = a
				continue
			}
			if !array.Equal(first, a) {
				return nil, fmt.Errorf("%w: %s in run %d differs from run %d", ErrRunMismatch, name, run, runs[0])
			}
		}
		out[name] = first.Clone()
	}
	return out, nil
}

// concat joins arrays along the first axis. Trailing dimensions must agree.
func concat(parts []*array.Array) (*array.Array, error) {
	first := parts[0]
	if first.Rank() == 0 {
		return nil, fmt.Errorf("%w: cannot concatenate scalars", array.ErrShapeMismatch)
	}
	rows := 0
	var data []float64
	for _, p := range parts {
		if p.Rank() != first.Rank() {
			return nil, fmt.Errorf("%w: %s vs %s", array.ErrShapeMismatch, first.ShapeString(), p.ShapeString())
		}
		for d := 1; d < p.Rank(); d++ {
			if p.Shape[d] != first.Shape[d] {
				return nil, fmt.Errorf("%w: %s vs %s", array.ErrShapeMismatch, first.ShapeString(), p.ShapeString())
			}
		}
		rows += p.Shape[0]
		data = append(data, p.Data...)
	}
	shape := append([]int{rows}, first.Shape[1:]...)
	return array.FromSlice(data, shape...)
}
