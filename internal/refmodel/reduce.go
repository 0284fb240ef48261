package refmodel

import (
	"fmt"
	"math"
	"math/bits"

	"github.com/goccy/go-json"

	"github.com/23skdu/longbow-testgen/internal/space"
	"github.com/23skdu/longbow-testgen/internal/tensor"
)

// ReduceOp combines the elements along the reduced axes.
type ReduceOp int

const (
	ReduceSum ReduceOp = iota
	ReduceMean
	ReduceMax
	ReduceMin
)

func (o ReduceOp) String() string {
	switch o {
	case ReduceSum:
		return "sum"
	case ReduceMean:
		return "mean"
	case ReduceMax:
		return "max"
	case ReduceMin:
		return "min"
	default:
		return fmt.Sprintf("reduce(%d)", int(o))
	}
}

func (o ReduceOp) MarshalText() ([]byte, error) {
	if o < ReduceSum || o > ReduceMin {
		return nil, fmt.Errorf("unknown reduce op %d", int(o))
	}
	return []byte(o.String()), nil
}

// AxisSet is a bitmask of axes; bit i selects axis i.
type AxisSet uint8

// Axes builds a set from axis numbers.
func Axes(axes ...int) AxisSet {
	var s AxisSet
	for _, a := range axes {
		s |= 1 << a
	}
	return s
}

func (s AxisSet) Has(axis int) bool { return s&(1<<axis) != 0 }

func (s AxisSet) Len() int { return bits.OnesCount8(uint8(s)) }

// List returns the axes in ascending order.
func (s AxisSet) List() []int {
	out := []int{}
	for a := 0; a < 8; a++ {
		if s.Has(a) {
			out = append(out, a)
		}
	}
	return out
}

func (s AxisSet) MarshalJSON() ([]byte, error) {
	return json.Marshal(s.List())
}

// ReduceConfig reduces Dims over Axes. Reduced axes are kept with size 1
// when KeepDims is set and removed otherwise; removing every axis yields a
// scalar of shape [].
type ReduceConfig struct {
	Fn       ReduceOp     `json:"fn"`
	Dims     tensor.Dims  `json:"dims"`
	Axes     AxisSet      `json:"axes"`
	KeepDims bool         `json:"keep_dims"`
	DType    tensor.DType `json:"dtype"`
}

func (c ReduceConfig) Op() OpID                  { return OpReduce }
func (c ReduceConfig) ElementType() tensor.DType { return c.DType }

func (c ReduceConfig) Validate() error {
	_, err := c.OutputShape()
	return err
}

func (c ReduceConfig) InputLayouts() []tensor.Layout { return rowMajorLayouts(c) }

func (c ReduceConfig) InputShapes() ([]tensor.Shape, error) {
	if err := c.Validate(); err != nil {
		return nil, err
	}
	return []tensor.Shape{c.Dims.Shape()}, nil
}

func (c ReduceConfig) OutputShape() (tensor.Shape, error) {
	if err := checkDType(c.DType); err != nil {
		return nil, err
	}
	if c.Fn < ReduceSum || c.Fn > ReduceMin {
		return nil, fmt.Errorf("invalid reduce op: %d", int(c.Fn))
	}
	if err := checkDims("dims", c.Dims); err != nil {
		return nil, err
	}
	if c.Axes == 0 {
		return nil, fmt.Errorf("invalid axes: empty set")
	}
	if c.Axes>>c.Dims.Rank() != 0 {
		return nil, fmt.Errorf("invalid axes: %v (rank %d)", c.Axes.List(), c.Dims.Rank())
	}
	out := tensor.Shape{}
	for a, d := range c.Dims.Shape() {
		switch {
		case !c.Axes.Has(a):
			out = append(out, d)
		case c.KeepDims:
			out = append(out, 1)
		}
	}
	return out, nil
}

// Reduce is the reduction family.
func Reduce() Family {
	return &family[ReduceConfig]{
		op:      OpReduce,
		space:   reduceSpace,
		inputs:  reduceInputs,
		compute: reduceCompute,
		ulps: func(c ReduceConfig) uint32 {
			if c.Fn == ReduceMax || c.Fn == ReduceMin {
				return 0
			}
			return 16
		},
	}
}

func reduceSpace(opts Options) space.Space[ReduceConfig] {
	dims := []tensor.Dims{
		tensor.DimsOf(7),
		tensor.DimsOf(3, 4),
		tensor.DimsOf(2, 3, 4),
		tensor.DimsOf(2, 1, 3, 5),
	}
	grid := space.Map(space.Product(
		space.Range(4), // op
		space.Range(len(dims)),
		space.Range(16)[1:], // non-empty masks over up to four axes
		space.Flags,
		opts.dtypes(),
	), func(v []int) ReduceConfig {
		return ReduceConfig{
			Fn:       ReduceOp(v[0]),
			Dims:     dims[v[1]],
			Axes:     AxisSet(v[2]),
			KeepDims: v[3] == 1,
			DType:    tensor.DType(v[4]),
		}
	})

	var curated []ReduceConfig
	for fn := ReduceSum; fn <= ReduceMin; fn++ {
		curated = append(curated,
			// batches, outer and inner around the reduced axis
			ReduceConfig{Fn: fn, Dims: tensor.DimsOf(3, 17, 5), Axes: Axes(1), DType: tensor.Float32},
			ReduceConfig{Fn: fn, Dims: tensor.DimsOf(1000), Axes: Axes(0), DType: tensor.Float32},
			ReduceConfig{Fn: fn, Dims: tensor.DimsOf(1), Axes: Axes(0), KeepDims: true, DType: tensor.Float32},
		)
	}
	return space.Space[ReduceConfig]{
		Grid:    grid,
		Curated: curated,
		Check:   ReduceConfig.Validate,
	}
}

func reduceInputs(c ReduceConfig) []*tensor.Tensor {
	x := tensor.New("input", c.DType, tensor.RowMajor, c.Dims.Shape())
	return []*tensor.Tensor{tensor.IotaCentered(x, 13, 7)}
}

func reduceCompute(c ReduceConfig, in []*tensor.Tensor) *tensor.Tensor {
	x := in[0]
	shape, _ := c.OutputShape()
	out := tensor.New("output", c.DType, tensor.RowMajor, shape)

	// Output stride of each input axis, 0 for reduced axes.
	strides := make([]int, x.Rank())
	acc := 1
	for a := x.Rank() - 1; a >= 0; a-- {
		if !c.Axes.Has(a) {
			strides[a] = acc
			acc *= x.Shape[a]
		}
	}

	switch c.Fn {
	case ReduceMax:
		fillValue(out.Data, math.Inf(-1))
	case ReduceMin:
		fillValue(out.Data, math.Inf(1))
	}

	idx := make([]int, x.Rank())
	for _, v := range x.Data {
		o := 0
		for a, i := range idx {
			o += i * strides[a]
		}
		switch c.Fn {
		case ReduceSum, ReduceMean:
			out.Data[o] += v
		case ReduceMax:
			out.Data[o] = math.Max(out.Data[o], v)
		case ReduceMin:
			out.Data[o] = math.Min(out.Data[o], v)
		}

		for a := len(idx) - 1; a >= 0; a-- {
			idx[a]++
			if idx[a] < x.Shape[a] {
				break
			}
			idx[a] = 0
		}
	}

	if c.Fn == ReduceMean {
		n := float64(x.Size() / out.Size())
		for i := range out.Data {
			out.Data[i] /= n
		}
	}
	return out
}

func fillValue(data []float64, v float64) {
	for i := range data {
		data[i] = v
	}
}
