// Package space enumerates the configurations to test for an operator family:
// a Cartesian grid over declared candidate values plus hand-picked edge cases,
// with invalid configurations filtered and field-wise duplicates collapsed.
package space

import "iter"

// Stats counts what enumeration did with each candidate.
type Stats struct {
	Emitted    int
	Duplicates int
	Filtered   int
}

// Space is the parameter space of one operator family. C must be a
// comparable configuration struct; Go equality is configuration identity.
type Space[C comparable] struct {
	// Grid yields the Cartesian product of the family's candidate sets.
	Grid iter.Seq[C]
	// Curated edge cases, enumerated after the grid.
	Curated []C
	// Check rejects configurations outside the reference model's domain. It
	// must be the same validation the model runs before computing.
	Check func(C) error
}

// Enumerate yields each valid, distinct configuration once, grid first, in a
// fixed order.
func (s Space[C]) Enumerate() iter.Seq[C] {
	return func(yield func(C) bool) {
		s.walk(nil, yield)
	}
}

// Collect materializes the enumeration and reports statistics.
func (s Space[C]) Collect() ([]C, Stats) {
	var out []C
	var st Stats
	s.walk(&st, func(c C) bool {
		out = append(out, c)
		return true
	})
	return out, st
}

func (s Space[C]) walk(st *Stats, yield func(C) bool) {
	seen := make(map[C]struct{})
	visit := func(c C) bool {
		if s.Check != nil && s.Check(c) != nil {
			if st != nil {
				st.Filtered++
			}
			return true
		}
		if _, dup := seen[c]; dup {
			if st != nil {
				st.Duplicates++
			}
			return true
		}
		seen[c] = struct{}{}
		if st != nil {
			st.Emitted++
		}
		return yield(c)
	}
	if s.Grid != nil {
		for c := range s.Grid {
			if !visit(c) {
				return
			}
		}
	}
	for _, c := range s.Curated {
		if !visit(c) {
			return
		}
	}
}

// Product yields every combination of one value per axis, last axis fastest.
// An empty axis yields nothing. The yielded slice is reused between calls.
func Product(axes ...[]int) iter.Seq[[]int] {
	return func(yield func([]int) bool) {
		for _, a := range axes {
			if len(a) == 0 {
				return
			}
		}
		pos := make([]int, len(axes))
		cur := make([]int, len(axes))
		for {
			for i, p := range pos {
				cur[i] = axes[i][p]
			}
			if !yield(cur) {
				return
			}
			i := len(axes) - 1
			for ; i >= 0; i-- {
				pos[i]++
				if pos[i] < len(axes[i]) {
					break
				}
				pos[i] = 0
			}
			if i < 0 {
				return
			}
		}
	}
}

// Map converts a product stream into configurations.
func Map[C any](seq iter.Seq[[]int], fn func(v []int) C) iter.Seq[C] {
	return func(yield func(C) bool) {
		for v := range seq {
			if !yield(fn(v)) {
				return
			}
		}
	}
}

// Flags is the candidate set {0, 1} for boolean axes.
var Flags = []int{0, 1}

// Range returns n consecutive enum values starting at 0, for enum axes.
func Range(n int) []int {
	out := make([]int, n)
	for i := range out {
		out[i] = i
	}
	return out
}
