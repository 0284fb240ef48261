package tensor

import (
	"fmt"
	"math"
	"strings"

	"github.com/x448/float16"
)

// DType is the element type a kernel under test operates on. Reference values
// are computed in float64 and rounded to the DType before being emitted.
type DType int

const (
	Float32 DType = iota
	Float64
	Float16
)

func (d DType) String() string {
	switch d {
	case Float32:
		return "float32"
	case Float64:
		return "float64"
	case Float16:
		return "float16"
	default:
		return fmt.Sprintf("dtype(%d)", int(d))
	}
}

// Valid reports whether d is a known element type.
func (d DType) Valid() bool {
	return d == Float32 || d == Float64 || d == Float16
}

// ParseDType accepts the names produced by String.
func ParseDType(s string) (DType, error) {
	switch strings.ToLower(s) {
	case "float32", "f32", "float":
		return Float32, nil
	case "float64", "f64", "double":
		return Float64, nil
	case "float16", "f16", "half":
		return Float16, nil
	}
	return 0, fmt.Errorf("unknown element type %q", s)
}

func (d DType) MarshalText() ([]byte, error) {
	if !d.Valid() {
		return nil, fmt.Errorf("unknown element type %d", int(d))
	}
	return []byte(d.String()), nil
}

func (d *DType) UnmarshalText(b []byte) error {
	v, err := ParseDType(string(b))
	if err != nil {
		return err
	}
	*d = v
	return nil
}

// Round rounds v to the nearest value representable in d.
func (d DType) Round(v float64) float64 {
	switch d {
	case Float32:
		return float64(float32(v))
	case Float16:
		return float64(float16.Fromfloat32(narrowToOdd(v)).Float32())
	default:
		return v
	}
}

// narrowToOdd converts v to float32 rounding to odd: an inexact result takes
// whichever neighbour has an odd significand. With 24 significand bits
// against float16's 11, the following round-to-nearest-even then matches
// rounding v directly.
func narrowToOdd(v float64) float32 {
	f := float32(v)
	if float64(f) == v || math.IsNaN(v) || math.IsInf(float64(f), 0) {
		return f
	}
	if math.Float32bits(f)&1 == 0 {
		if float64(f) < v {
			f = math.Nextafter32(f, float32(math.Inf(1)))
		} else {
			f = math.Nextafter32(f, float32(math.Inf(-1)))
		}
	}
	return f
}

// Epsilon is the distance from 1.0 to the next representable value.
func (d DType) Epsilon() float64 {
	switch d {
	case Float16:
		return math.Ldexp(1, -10)
	case Float32:
		return math.Ldexp(1, -23)
	default:
		return math.Ldexp(1, -52)
	}
}

// Size is the element width in bytes.
func (d DType) Size() int {
	switch d {
	case Float16:
		return 2
	case Float32:
		return 4
	default:
		return 8
	}
}
