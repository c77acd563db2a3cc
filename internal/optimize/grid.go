// Package optimize runs a strategy over a grid of parameter combinations in
// parallel.
package optimize

import (
	"fmt"
	"sort"
)

// Combination is one point of a parameter grid.
type Combination struct {
	Index  int
	Params map[string]any
}

// Grid expands space into the cartesian product of its values. Keys are
// iterated in sorted order with the last key varying fastest, so the output
// is deterministic. An empty space yields one empty combination.
func Grid(space map[string][]any) ([]Combination, error) {
	keys := make([]string, 0, len(space))
	for k, vals := range space {
		if len(vals) == 0 {
			return nil, fmt.Errorf("optimize: parameter %q has no values", k)
		}
		keys = append(keys, k)
	}
	sort.Strings(keys)

	total := 1
	for _, k := range keys {
		total *= len(space[k])
	}
	out := make([]Combination, total)
	for i := range out {
		params := make(map[string]any, len(keys))
		rem := i
		for j := len(keys) - 1; j >= 0; j-- {
			vals := space[keys[j]]
			params[keys[j]] = vals[rem%len(vals)]
			rem /= len(vals)
		}
		out[i] = Combination{Index: i, Params: params}
	}
	return out, nil
}
