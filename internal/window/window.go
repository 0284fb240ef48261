// Package window holds the sliding-window output-size formula shared by the
// convolution and pooling families. Parameter-space filtering and reference
// computation both go through Resolve, so a fixture can never claim a shape
// its reference model would not produce.
package window

import (
	"errors"
	"fmt"
)

// Padding selects how the input border is extended before the window slides.
type Padding int

const (
	Valid Padding = iota
	Same
	Explicit
)

func (p Padding) String() string {
	switch p {
	case Valid:
		return "valid"
	case Same:
		return "same"
	case Explicit:
		return "explicit"
	default:
		return fmt.Sprintf("padding(%d)", int(p))
	}
}

func (p Padding) MarshalText() ([]byte, error) {
	if p < Valid || p > Explicit {
		return nil, fmt.Errorf("unknown padding %d", int(p))
	}
	return []byte(p.String()), nil
}

// ErrEmptyOutput is returned when the window does not fit in the padded input.
var ErrEmptyOutput = errors.New("window does not fit padded input")

// Spec describes one spatial axis.
type Spec struct {
	Input    int
	Window   int
	Stride   int
	Dilation int
	Padding  Padding
	// Before and After are only read for Explicit padding.
	Before int
	After  int
}

// Result is the resolved geometry of one axis.
type Result struct {
	Output    int
	PadBefore int
	PadAfter  int
}

// Effective is the extent of the dilated window in input coordinates.
func (s Spec) Effective() int {
	return (s.Window-1)*s.Dilation + 1
}

// Resolve computes the output size and the padding actually applied.
func (s Spec) Resolve() (Result, error) {
	if s.Input <= 0 {
		return Result{}, fmt.Errorf("invalid input size: %d (must be positive)", s.Input)
	}
	if s.Window <= 0 {
		return Result{}, fmt.Errorf("invalid window: %d (must be positive)", s.Window)
	}
	if s.Stride <= 0 {
		return Result{}, fmt.Errorf("invalid stride: %d (must be positive)", s.Stride)
	}
	if s.Dilation <= 0 {
		return Result{}, fmt.Errorf("invalid dilation: %d (must be positive)", s.Dilation)
	}
	eff := s.Effective()

	switch s.Padding {
	case Valid:
		if s.Input < eff {
			return Result{}, fmt.Errorf("%w: input %d < window extent %d", ErrEmptyOutput, s.Input, eff)
		}
		return Result{Output: (s.Input-eff)/s.Stride + 1}, nil
	case Same:
		out := (s.Input + s.Stride - 1) / s.Stride
		total := (out-1)*s.Stride + eff - s.Input
		if total < 0 {
			total = 0
		}
		return Result{Output: out, PadBefore: total / 2, PadAfter: total - total/2}, nil
	case Explicit:
		if s.Before < 0 || s.After < 0 {
			return Result{}, fmt.Errorf("invalid padding: before=%d after=%d (must be non-negative)", s.Before, s.After)
		}
		if s.Before >= eff || s.After >= eff {
			// A pad at least as wide as the window yields border outputs that
			// read only padding; kernels reject that configuration.
			return Result{}, fmt.Errorf("invalid padding: before=%d after=%d (must be < window extent %d)", s.Before, s.After, eff)
		}
		padded := s.Input + s.Before + s.After
		if padded < eff {
			return Result{}, fmt.Errorf("%w: padded input %d < window extent %d", ErrEmptyOutput, padded, eff)
		}
		return Result{Output: (padded-eff)/s.Stride + 1, PadBefore: s.Before, PadAfter: s.After}, nil
	}
	return Result{}, fmt.Errorf("unknown padding %d", int(s.Padding))
}

// Start is the input coordinate of the first tap of output position o.
// It may be negative when the window overlaps leading padding.
func (r Result) Start(o int, s Spec) int {
	return o*s.Stride - r.PadBefore
}

// Taps calls fn with (k, i) for every window tap k of output position o whose
// input coordinate i lands inside [0, input). Taps over padding are skipped.
func (r Result) Taps(o int, s Spec, fn func(k, i int)) {
	start := r.Start(o, s)
	for k := 0; k < s.Window; k++ {
		i := start + k*s.Dilation
		if i < 0 || i >= s.Input {
			continue
		}
		fn(k, i)
	}
}

// Count is the number of in-bounds taps for output position o.
func (r Result) Count(o int, s Spec) int {
	n := 0
	r.Taps(o, s, func(int, int) { n++ })
	return n
}
