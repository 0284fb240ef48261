// Package refmodel holds the reference models: direct, unoptimized
// definitions of each operator family, used as ground truth for kernel
// tests. Every family pairs a parameter space with its model so that the
// shape formula used to filter configurations is the one used to compute.
package refmodel

import (
	"errors"
	"fmt"

	"github.com/23skdu/longbow-testgen/internal/fixture"
	"github.com/23skdu/longbow-testgen/internal/space"
	"github.com/23skdu/longbow-testgen/internal/tensor"
)

// OpID identifies an operator family.
type OpID string

const (
	OpConv2D          OpID = "conv2d"
	OpDepthwiseConv2D OpID = "depthwise_conv2d"
	OpMatmul          OpID = "matmul"
	OpPooling         OpID = "pooling"
	OpPointwise       OpID = "pointwise"
	OpBias            OpID = "bias"
	OpBatchnorm       OpID = "batchnorm"
	OpSoftmax         OpID = "softmax"
	OpTranspose       OpID = "transpose"
	OpReduce          OpID = "reduce"
)

// ErrDomain classifies configurations a model refuses to compute.
var ErrDomain = errors.New("configuration outside reference model domain")

// DomainError carries the offending configuration.
type DomainError struct {
	Op     OpID
	Config any
	Err    error
}

func (e *DomainError) Error() string {
	return fmt.Sprintf("%s: domain error for %+v: %v", e.Op, e.Config, e.Err)
}

func (e *DomainError) Unwrap() error { return e.Err }

func (e *DomainError) Is(target error) bool { return target == ErrDomain }

// Config is one immutable test configuration. Implementations are
// comparable structs; equal values are the same configuration.
type Config interface {
	Op() OpID
	ElementType() tensor.DType
	// Validate reports whether the configuration is inside the model's domain.
	Validate() error
	InputShapes() ([]tensor.Shape, error)
	// InputLayouts is the memory order each input must carry, parallel to
	// InputShapes.
	InputLayouts() []tensor.Layout
	// OutputShape is the single output-shape formula of the family.
	OutputShape() (tensor.Shape, error)
}

// Model computes the expected output of a configuration.
type Model interface {
	Compute(cfg Config, inputs []*tensor.Tensor) (*tensor.Tensor, error)
}

// Options narrows what a family enumerates.
type Options struct {
	DTypes []tensor.DType
}

// DefaultOptions enumerates float32 only.
func DefaultOptions() Options {
	return Options{DTypes: []tensor.DType{tensor.Float32}}
}

func (o Options) dtypes() []int {
	if len(o.DTypes) == 0 {
		return []int{int(tensor.Float32)}
	}
	out := make([]int, len(o.DTypes))
	for i, d := range o.DTypes {
		out[i] = int(d)
	}
	return out
}

// Family ties a parameter space, deterministic inputs, a model and a
// tolerance policy together for one operator.
type Family interface {
	Model
	Op() OpID
	Configurations(opts Options) ([]Config, space.Stats)
	Inputs(cfg Config) ([]*tensor.Tensor, error)
	Tolerance(cfg Config) fixture.Tolerance
}

type typedConfig interface {
	comparable
	Config
}

// family adapts typed functions for one configuration type to Family.
type family[C typedConfig] struct {
	op      OpID
	space   func(opts Options) space.Space[C]
	inputs  func(c C) []*tensor.Tensor
	compute func(c C, in []*tensor.Tensor) *tensor.Tensor
	ulps    func(c C) uint32
}

func (f *family[C]) Op() OpID { return f.op }

func (f *family[C]) Configurations(opts Options) ([]Config, space.Stats) {
	cs, st := f.space(opts).Collect()
	out := make([]Config, len(cs))
	for i, c := range cs {
		out[i] = c
	}
	return out, st
}

func (f *family[C]) typed(cfg Config) (C, error) {
	c, ok := cfg.(C)
	if !ok {
		var zero C
		return zero, &DomainError{Op: f.op, Config: cfg, Err: fmt.Errorf("configuration type %T, want %T", cfg, zero)}
	}
	if err := c.Validate(); err != nil {
		return c, &DomainError{Op: f.op, Config: c, Err: err}
	}
	return c, nil
}

func (f *family[C]) Inputs(cfg Config) ([]*tensor.Tensor, error) {
	c, err := f.typed(cfg)
	if err != nil {
		return nil, err
	}
	return f.inputs(c), nil
}

func (f *family[C]) Compute(cfg Config, inputs []*tensor.Tensor) (*tensor.Tensor, error) {
	c, err := f.typed(cfg)
	if err != nil {
		return nil, err
	}
	shapes, err := c.InputShapes()
	if err != nil {
		return nil, &DomainError{Op: f.op, Config: c, Err: err}
	}
	if len(inputs) != len(shapes) {
		return nil, &DomainError{Op: f.op, Config: c, Err: fmt.Errorf("got %d inputs, want %d", len(inputs), len(shapes))}
	}
	layouts := c.InputLayouts()
	for i, in := range inputs {
		if in == nil || !in.Shape.Equal(shapes[i]) {
			return nil, &DomainError{Op: f.op, Config: c, Err: fmt.Errorf("input %d: shape %v, want %v", i, shapeOf(in), shapes[i])}
		}
		if in.Layout != layouts[i] {
			return nil, &DomainError{Op: f.op, Config: c, Err: fmt.Errorf("input %d: layout %s, want %s", i, in.Layout, layouts[i])}
		}
		if in.DType != c.ElementType() {
			return nil, &DomainError{Op: f.op, Config: c, Err: fmt.Errorf("input %d: element type %s, want %s", i, in.DType, c.ElementType())}
		}
	}
	return f.compute(c, inputs).RoundTo(), nil
}

func (f *family[C]) Tolerance(cfg Config) fixture.Tolerance {
	c, ok := cfg.(C)
	if !ok {
		return fixture.ToleranceFor(cfg.ElementType(), 0)
	}
	return fixture.ToleranceFor(c.ElementType(), f.ulps(c))
}

func shapeOf(t *tensor.Tensor) tensor.Shape {
	if t == nil {
		return nil
	}
	return t.Shape
}

// Families returns every family in the fixed generation order.
func Families() []Family {
	return []Family{
		Conv2D(),
		DepthwiseConv2D(),
		Matmul(),
		Pooling(),
		Pointwise(),
		Softmax(),
		Transpose(),
		Bias(),
		Batchnorm(),
		Reduce(),
	}
}

// Lookup selects a family by operator identifier.
func Lookup(op OpID) (Family, error) {
	for _, f := range Families() {
		if f.Op() == op {
			return f, nil
		}
	}
	return nil, fmt.Errorf("unknown operator %q", op)
}

// PropagatesNaN reports whether cfg's fixtures legitimately hold NaN.
func PropagatesNaN(cfg Config) bool {
	c, ok := cfg.(interface{ PropagatesNaN() bool })
	return ok && c.PropagatesNaN()
}

// rowMajorLayouts is InputLayouts for families without a spatial layout.
func rowMajorLayouts(c Config) []tensor.Layout {
	shapes, _ := c.InputShapes()
	out := make([]tensor.Layout, len(shapes))
	for i := range out {
		out[i] = tensor.RowMajor
	}
	return out
}

func constULPs[C any](n uint32) func(C) uint32 {
	return func(C) uint32 { return n }
}

func positive(name string, v int) error {
	if v <= 0 {
		return fmt.Errorf("invalid %s: %d (must be positive)", name, v)
	}
	return nil
}

func checkDType(d tensor.DType) error {
	if !d.Valid() {
		return fmt.Errorf("invalid element type: %d", int(d))
	}
	return nil
}

func checkImageLayout(l tensor.Layout) error {
	if l != tensor.NHWC && l != tensor.NCHW {
		return fmt.Errorf("invalid layout: %s (must be nhwc or nchw)", l)
	}
	return nil
}
