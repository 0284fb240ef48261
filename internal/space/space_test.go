package space

import (
	"errors"
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/assert"
)

type pair struct{ A, B int }

func TestProductOrder(t *testing.T) {
	var got [][]int
	for v := range Product([]int{1, 2}, []int{7, 8, 9}) {
		got = append(got, append([]int(nil), v...))
	}
	want := [][]int{{1, 7}, {1, 8}, {1, 9}, {2, 7}, {2, 8}, {2, 9}}
	if diff := cmp.Diff(want, got); diff != "" {
		t.Errorf("product mismatch (-want +got):\n%s", diff)
	}
}

func TestProductEmptyAxis(t *testing.T) {
	n := 0
	for range Product([]int{1}, nil) {
		n++
	}
	assert.Zero(t, n)
}

func TestProductEarlyStop(t *testing.T) {
	n := 0
	for range Product(Range(10), Range(10)) {
		n++
		if n == 5 {
			break
		}
	}
	assert.Equal(t, 5, n)
}

func TestEnumerateFiltersAndDedups(t *testing.T) {
	s := Space[pair]{
		Grid: Map(Product([]int{1, 2, 1}, []int{0, 3}), func(v []int) pair {
			return pair{v[0], v[1]}
		}),
		Curated: []pair{{2, 3}, {5, 5}},
		Check: func(p pair) error {
			if p.B == 0 {
				return errors.New("b must be positive")
			}
			return nil
		},
	}

	got, st := s.Collect()
	want := []pair{{1, 3}, {2, 3}, {5, 5}}
	if diff := cmp.Diff(want, got); diff != "" {
		t.Errorf("configurations mismatch (-want +got):\n%s", diff)
	}
	assert.Equal(t, Stats{Emitted: 3, Duplicates: 2, Filtered: 3}, st)

	var lazy []pair
	for p := range s.Enumerate() {
		lazy = append(lazy, p)
	}
	assert.Equal(t, got, lazy, "lazy and collected enumerations must agree")
}

func TestEnumerateDeterministic(t *testing.T) {
	s := Space[pair]{
		Grid: Map(Product(Range(4), Range(4)), func(v []int) pair { return pair{v[0] % 2, v[1]} }),
	}
	a, _ := s.Collect()
	b, _ := s.Collect()
	assert.Equal(t, a, b)
	assert.Len(t, a, 8)
}
