package tensor

import (
	"fmt"
	"strings"

	"github.com/goccy/go-json"
)

// MaxRank bounds the rank of any tensor described by a configuration.
const MaxRank = 6

// Layout names the memory order of a tensor's logical axes.
type Layout int

const (
	RowMajor Layout = iota
	NHWC
	NCHW
	// HWCF is the filter layout [rows, cols, in_channels, features].
	HWCF
)

func (l Layout) String() string {
	switch l {
	case RowMajor:
		return "row_major"
	case NHWC:
		return "nhwc"
	case NCHW:
		return "nchw"
	case HWCF:
		return "hwcf"
	default:
		return fmt.Sprintf("layout(%d)", int(l))
	}
}

func (l Layout) MarshalText() ([]byte, error) {
	if l < RowMajor || l > HWCF {
		return nil, fmt.Errorf("unknown layout %d", int(l))
	}
	return []byte(l.String()), nil
}

// Shape is an ordered list of dimension sizes.
type Shape []int

// Size is the number of elements; the empty shape is a scalar of size 1.
func (s Shape) Size() int {
	n := 1
	for _, d := range s {
		n *= d
	}
	return n
}

func (s Shape) Equal(o Shape) bool {
	if len(s) != len(o) {
		return false
	}
	for i := range s {
		if s[i] != o[i] {
			return false
		}
	}
	return true
}

// Strides returns row-major element strides.
func (s Shape) Strides() []int {
	st := make([]int, len(s))
	acc := 1
	for i := len(s) - 1; i >= 0; i-- {
		st[i] = acc
		acc *= s[i]
	}
	return st
}

func (s Shape) Clone() Shape {
	return append(make(Shape, 0, len(s)), s...)
}

func (s Shape) String() string {
	parts := make([]string, len(s))
	for i, d := range s {
		parts[i] = fmt.Sprint(d)
	}
	return "[" + strings.Join(parts, ",") + "]"
}

// Dims is a comparable, fixed-capacity shape for use inside configuration
// structs. Unused slots are zero.
type Dims struct {
	N int
	D [MaxRank]int
}

// DimsOf builds Dims from a list of sizes. It panics above MaxRank since that
// can only come from a hard-coded candidate table.
func DimsOf(d ...int) Dims {
	if len(d) > MaxRank {
		panic(fmt.Sprintf("tensor: rank %d exceeds MaxRank %d", len(d), MaxRank))
	}
	var out Dims
	out.N = len(d)
	copy(out.D[:], d)
	return out
}

func (d Dims) Rank() int { return d.N }

func (d Dims) Shape() Shape {
	return append(Shape(nil), d.D[:d.N]...)
}

func (d Dims) MarshalJSON() ([]byte, error) {
	return json.Marshal(d.D[:d.N])
}

func (d Dims) String() string { return d.Shape().String() }
