// Package fixture defines the unit of generator output and writes fixture
// collections in the formats the kernel test harness reads.
package fixture

import (
	"errors"
	"fmt"
	"math"

	"github.com/23skdu/longbow-testgen/internal/tensor"
)

// FormatVersion is stamped into every artifact.
const FormatVersion = 1

// ErrSerialization classifies fixtures that cannot be represented.
var ErrSerialization = errors.New("serialization error")

// SerializationError reports which fixture could not be written.
type SerializationError struct {
	FixtureID string
	Err       error
}

func (e *SerializationError) Error() string {
	return fmt.Sprintf("fixture %s: %v", e.FixtureID, e.Err)
}

func (e *SerializationError) Unwrap() error { return e.Err }

func (e *SerializationError) Is(target error) bool { return target == ErrSerialization }

// Tolerance is the comparison policy the harness applies per element:
// |got - want| <= Abs + Rel*|want|. ULPs records the budget Abs and Rel were
// derived from; zero means exact comparison.
type Tolerance struct {
	Abs  float64 `json:"abs"`
	Rel  float64 `json:"rel"`
	ULPs uint32  `json:"ulps"`
}

// ToleranceFor scales the element type's epsilon by an ULP budget.
func ToleranceFor(dt tensor.DType, ulps uint32) Tolerance {
	eps := dt.Epsilon() * float64(ulps)
	return Tolerance{Abs: eps, Rel: eps, ULPs: ulps}
}

// Within reports whether got matches want under the tolerance.
func (t Tolerance) Within(want, got float64) bool {
	if math.IsNaN(want) || math.IsNaN(got) {
		return math.IsNaN(want) && math.IsNaN(got)
	}
	if want == got {
		return true
	}
	return math.Abs(got-want) <= t.Abs+t.Rel*math.Abs(want)
}

// Fixture is one (configuration, inputs, expected output) record.
type Fixture struct {
	ID        string
	Op        string
	Config    any
	Inputs    []*tensor.Tensor
	Expected  *tensor.Tensor
	Tolerance Tolerance
	// NaN permits NaN elements, for ops that propagate them. Infinities
	// are always rejected.
	NaN bool
}

// ID formats the fixture identity from its op and enumeration index.
func ID(op string, seq int) string {
	return fmt.Sprintf("%s/%05d", op, seq)
}

// Validate checks that the fixture can be serialized without loss.
func (f *Fixture) Validate() error {
	fail := func(format string, args ...any) error {
		return &SerializationError{FixtureID: f.ID, Err: fmt.Errorf(format, args...)}
	}
	if f.ID == "" || f.Op == "" {
		return fail("missing id or op")
	}
	if f.Config == nil {
		return fail("missing configuration")
	}
	if f.Expected == nil {
		return fail("missing expected output")
	}
	if f.Tolerance.Abs < 0 || f.Tolerance.Rel < 0 || math.IsNaN(f.Tolerance.Abs) || math.IsNaN(f.Tolerance.Rel) {
		return fail("invalid tolerance %+v", f.Tolerance)
	}
	for _, t := range append(append([]*tensor.Tensor(nil), f.Inputs...), f.Expected) {
		if t == nil {
			return fail("nil tensor")
		}
		if !t.DType.Valid() {
			return fail("tensor %s: unsupported element type %d", t.Name, int(t.DType))
		}
		if len(t.Data) != t.Shape.Size() {
			return fail("tensor %s: %d values for shape %v", t.Name, len(t.Data), t.Shape)
		}
		if i := t.Infinite(); i >= 0 {
			return fail("tensor %s: element %d is %v, not representable as finite %s", t.Name, i, t.Data[i], t.DType)
		}
		if i := t.NonFinite(); i >= 0 && !f.NaN {
			return fail("tensor %s: element %d is NaN in a fixture that does not allow it", t.Name, i)
		}
	}
	return nil
}

// Elements is the total number of tensor values the fixture carries.
func (f *Fixture) Elements() int {
	n := f.Expected.Size()
	for _, t := range f.Inputs {
		n += t.Size()
	}
	return n
}
