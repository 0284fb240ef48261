// Package fastdiv derives multiply-and-shift replacements for integer
// division by a divisor only known at kernel launch time, and proves each
// one exact by checking every dividend in the declared domain.
//
// For divisor d the generator looks for the smallest shift s with
// m = ceil(2^s / d) such that floor(n*m / 2^s) == floor(n / d) for every
// n in [0, DomainMax]. Rounding m up introduces an error e = m*d - 2^s;
// the replacement stays exact while n*e < 2^s, but the result is only
// accepted after the brute-force check, never on that bound alone.
package fastdiv

import (
	"errors"
	"fmt"
	"math"
	"math/bits"
	"sort"
)

// Op is the artifact name of the fastdiv table.
const Op = "fastdiv"

// ErrExhausted classifies divisors with no verified (multiplier, shift) pair.
var ErrExhausted = errors.New("fastdiv search exhausted")

// ExhaustivenessError is fatal: the kernel cannot use fast division for this
// divisor over this domain.
type ExhaustivenessError struct {
	Divisor        int64
	DomainMax      int64
	MaxShift       uint
	MultiplierBits uint
}

func (e *ExhaustivenessError) Error() string {
	return fmt.Sprintf("fastdiv: divisor %d has no multiplier below 2^%d with shift <= %d exact over [0, %d]",
		e.Divisor, e.MultiplierBits, e.MaxShift, e.DomainMax)
}

func (e *ExhaustivenessError) Is(target error) bool { return target == ErrExhausted }

// Vector is a verified replacement: n/Divisor == (n*Multiplier)>>Shift for
// every n in [DomainMin, DomainMax].
type Vector struct {
	Divisor    int64
	Multiplier uint64
	Shift      uint
	DomainMin  int64
	DomainMax  int64
}

// Apply evaluates the multiply-shift form.
func (v Vector) Apply(n int64) int64 {
	return int64((uint64(n) * v.Multiplier) >> v.Shift)
}

// MulHiShift is the residual shift when the kernel takes the high 32 bits of
// a 32x32 product instead of shifting a 64-bit product.
func (v Vector) MulHiShift() (uint, bool) {
	if v.Shift < 32 || v.Multiplier > math.MaxUint32 || v.DomainMax > math.MaxUint32 {
		return 0, false
	}
	return v.Shift - 32, true
}

// Witness is a boundary dividend and its exact quotient.
type Witness struct {
	Dividend int64 `json:"dividend"`
	Quotient int64 `json:"quotient"`
}

// Witnesses lists the dividends where an off-by-one would first show: around
// the first and last multiples of the divisor and at the domain edges.
func (v Vector) Witnesses() []Witness {
	d := v.Divisor
	lastMultiple := v.DomainMax / d * d
	cands := []int64{v.DomainMin, d - 1, d, 2*d - 1, 2 * d, lastMultiple - 1, lastMultiple, v.DomainMax}
	sort.Slice(cands, func(i, j int) bool { return cands[i] < cands[j] })

	out := make([]Witness, 0, len(cands))
	for i, n := range cands {
		if n < v.DomainMin || n > v.DomainMax || (i > 0 && n == cands[i-1]) {
			continue
		}
		out = append(out, Witness{Dividend: n, Quotient: n / d})
	}
	return out
}

// Generator bounds the search.
type Generator struct {
	DomainMax      int64
	MaxShift       uint
	MultiplierBits uint
	// OnAttempt, if set, observes every candidate shift tried.
	OnAttempt func(divisor int64, shift uint, verified bool)
}

// DefaultGenerator covers 24-bit indices with 32-bit multipliers.
func DefaultGenerator() Generator {
	return Generator{DomainMax: 1<<24 - 1, MaxShift: 63, MultiplierBits: 32}
}

func (g Generator) maxMultiplier() uint64 {
	if g.MultiplierBits >= 64 {
		return math.MaxUint64
	}
	return 1<<g.MultiplierBits - 1
}

// Validate rejects bounds under which n*m could overflow 64 bits.
func (g Generator) Validate() error {
	if g.DomainMax < 0 {
		return fmt.Errorf("invalid domain max: %d (must be non-negative)", g.DomainMax)
	}
	if g.MultiplierBits == 0 || g.MultiplierBits > 64 {
		return fmt.Errorf("invalid multiplier bits: %d (must be in [1, 64])", g.MultiplierBits)
	}
	if g.MaxShift > 63 {
		return fmt.Errorf("invalid max shift: %d (must be <= 63)", g.MaxShift)
	}
	if hi, _ := bits.Mul64(uint64(g.DomainMax), g.maxMultiplier()); hi != 0 {
		return fmt.Errorf("invalid bounds: domain max %d times a %d-bit multiplier overflows 64 bits",
			g.DomainMax, g.MultiplierBits)
	}
	return nil
}

// Derive finds the smallest verified shift for d.
func (g Generator) Derive(d int64) (Vector, error) {
	if err := g.Validate(); err != nil {
		return Vector{}, err
	}
	if d < 1 {
		return Vector{}, fmt.Errorf("invalid divisor: %d (must be positive)", d)
	}
	limit := g.maxMultiplier()
	ud := uint64(d)
	for s := uint(0); s <= g.MaxShift; s++ {
		m := ceilPow2Div(s, ud)
		if m > limit {
			// m only grows with s.
			break
		}
		ok := exact(ud, m, s, 0, uint64(g.DomainMax)) < 0
		if g.OnAttempt != nil {
			g.OnAttempt(d, s, ok)
		}
		if ok {
			return Vector{Divisor: d, Multiplier: m, Shift: s, DomainMin: 0, DomainMax: g.DomainMax}, nil
		}
	}
	return Vector{}, &ExhaustivenessError{Divisor: d, DomainMax: g.DomainMax, MaxShift: g.MaxShift, MultiplierBits: g.MultiplierBits}
}

// Table derives a vector for each distinct divisor, in ascending order.
// The first failure aborts.
func (g Generator) Table(divisors []int64) ([]Vector, error) {
	ds := Distinct(divisors)
	out := make([]Vector, 0, len(ds))
	for _, d := range ds {
		v, err := g.Derive(d)
		if err != nil {
			return nil, err
		}
		out = append(out, v)
	}
	return out, nil
}

// Verify re-checks a vector over its full domain.
func Verify(v Vector) error {
	if v.Divisor < 1 || v.DomainMin < 0 || v.DomainMax < v.DomainMin || v.Shift > 63 {
		return fmt.Errorf("fastdiv: malformed vector %+v", v)
	}
	if hi, _ := bits.Mul64(uint64(v.DomainMax), v.Multiplier); hi != 0 {
		return fmt.Errorf("fastdiv: divisor %d: product overflows 64 bits over domain", v.Divisor)
	}
	if n := exact(uint64(v.Divisor), v.Multiplier, v.Shift, uint64(v.DomainMin), uint64(v.DomainMax)); n >= 0 {
		return fmt.Errorf("fastdiv: divisor %d: (%d*%d)>>%d = %d, want %d",
			v.Divisor, n, v.Multiplier, v.Shift, v.Apply(n), n/v.Divisor)
	}
	return nil
}

// Distinct sorts and dedups divisors.
func Distinct(divisors []int64) []int64 {
	ds := append([]int64(nil), divisors...)
	sort.Slice(ds, func(i, j int) bool { return ds[i] < ds[j] })
	out := ds[:0]
	for i, d := range ds {
		if i == 0 || d != ds[i-1] {
			out = append(out, d)
		}
	}
	return out
}

// ceilPow2Div is ceil(2^s / d) for s <= 63.
func ceilPow2Div(s uint, d uint64) uint64 {
	p := uint64(1) << s
	q := p / d
	if p%d != 0 {
		q++
	}
	return q
}

// exact returns the first dividend in [lo, hi] where the multiply-shift form
// disagrees with floor division, or -1.
// The reference quotient is stepped incrementally instead of divided.
func exact(d, m uint64, s uint, lo, hi uint64) int64 {
	q, r := lo/d, lo%d
	for n := lo; ; n++ {
		if (n*m)>>s != q {
			return int64(n)
		}
		if n == hi {
			return -1
		}
		r++
		if r == d {
			r = 0
			q++
		}
	}
}
