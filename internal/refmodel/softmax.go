package refmodel

import (
	"fmt"
	"math"

	"github.com/23skdu/longbow-testgen/internal/space"
	"github.com/23skdu/longbow-testgen/internal/tensor"
)

// SoftmaxConfig normalizes along Axis. InputBackprop takes (y, dy) with y a
// forward output and returns y * (dy - sum(dy * y)) along the same axis.
type SoftmaxConfig struct {
	Direction Direction    `json:"direction"`
	Dims      tensor.Dims  `json:"dims"`
	Axis      int          `json:"axis"`
	DType     tensor.DType `json:"dtype"`
}

func (c SoftmaxConfig) Op() OpID                  { return OpSoftmax }
func (c SoftmaxConfig) ElementType() tensor.DType { return c.DType }

func (c SoftmaxConfig) Validate() error {
	if err := checkDType(c.DType); err != nil {
		return err
	}
	if c.Direction != Forward && c.Direction != InputBackprop {
		return fmt.Errorf("invalid direction: %s", c.Direction)
	}
	if err := checkDims("dims", c.Dims); err != nil {
		return err
	}
	if c.Axis < 0 || c.Axis >= c.Dims.Rank() {
		return fmt.Errorf("invalid axis: %d (rank %d)", c.Axis, c.Dims.Rank())
	}
	return nil
}

func (c SoftmaxConfig) InputLayouts() []tensor.Layout { return rowMajorLayouts(c) }

func (c SoftmaxConfig) InputShapes() ([]tensor.Shape, error) {
	s, err := c.OutputShape()
	if err != nil {
		return nil, err
	}
	if c.Direction == InputBackprop {
		return []tensor.Shape{s, s}, nil
	}
	return []tensor.Shape{s}, nil
}

func (c SoftmaxConfig) OutputShape() (tensor.Shape, error) {
	if err := c.Validate(); err != nil {
		return nil, err
	}
	return c.Dims.Shape(), nil
}

// Softmax is the softmax family.
func Softmax() Family {
	return &family[SoftmaxConfig]{
		op:      OpSoftmax,
		space:   softmaxSpace,
		inputs:  softmaxInputs,
		compute: softmaxCompute,
		ulps:    constULPs[SoftmaxConfig](10),
	}
}

func softmaxSpace(opts Options) space.Space[SoftmaxConfig] {
	dims := []tensor.Dims{
		tensor.DimsOf(5),
		tensor.DimsOf(3, 4),
		tensor.DimsOf(2, 3, 4),
		tensor.DimsOf(2, 4, 4, 3),
	}
	grid := space.Map(space.Product(
		[]int{int(Forward), int(InputBackprop)},
		space.Range(len(dims)),
		space.Range(4), // axis
		opts.dtypes(),
	), func(v []int) SoftmaxConfig {
		return SoftmaxConfig{
			Direction: Direction(v[0]),
			Dims:      dims[v[1]],
			Axis:      v[2],
			DType:     tensor.DType(v[3]),
		}
	})

	var curated []SoftmaxConfig
	for _, d := range []Direction{Forward, InputBackprop} {
		curated = append(curated,
			SoftmaxConfig{Direction: d, Dims: tensor.DimsOf(1), Axis: 0, DType: tensor.Float32},
			SoftmaxConfig{Direction: d, Dims: tensor.DimsOf(1, 1000), Axis: 1, DType: tensor.Float32},
			SoftmaxConfig{Direction: d, Dims: tensor.DimsOf(17, 1), Axis: 0, DType: tensor.Float32},
		)
	}
	return space.Space[SoftmaxConfig]{
		Grid:    grid,
		Curated: curated,
		Check:   SoftmaxConfig.Validate,
	}
}

func softmaxInputs(c SoftmaxConfig) []*tensor.Tensor {
	shape := c.Dims.Shape()
	x := tensor.IotaAffine(tensor.New("input", c.DType, tensor.RowMajor, shape), 9, 5, 0.5)
	if c.Direction == Forward {
		return []*tensor.Tensor{x}
	}
	y := softmaxForward(x, c.Axis)
	y.Name = "output"
	y.RoundTo()
	dy := tensor.IotaCentered(tensor.New("output_grad", c.DType, tensor.RowMajor, shape), 7, 4)
	return []*tensor.Tensor{y, dy}
}

func softmaxCompute(c SoftmaxConfig, in []*tensor.Tensor) *tensor.Tensor {
	if c.Direction == Forward {
		return softmaxForward(in[0], c.Axis)
	}
	y, dy := in[0], in[1]
	out := tensor.New("input_grad", c.DType, tensor.RowMajor, y.Shape)
	alongAxis(y.Shape, c.Axis, func(idx []int) {
		var dot float64
		for _, i := range idx {
			dot += dy.Data[i] * y.Data[i]
		}
		for _, i := range idx {
			out.Data[i] = y.Data[i] * (dy.Data[i] - dot)
		}
	})
	return out
}

// softmaxForward subtracts the maximum of each slice before exponentiating.
func softmaxForward(x *tensor.Tensor, axis int) *tensor.Tensor {
	out := tensor.New("output", x.DType, tensor.RowMajor, x.Shape)
	alongAxis(x.Shape, axis, func(idx []int) {
		hi := math.Inf(-1)
		for _, i := range idx {
			hi = math.Max(hi, x.Data[i])
		}
		var sum float64
		for _, i := range idx {
			e := math.Exp(x.Data[i] - hi)
			out.Data[i] = e
			sum += e
		}
		for _, i := range idx {
			out.Data[i] /= sum
		}
	})
	return out
}

// alongAxis calls fn with the flat indices of every 1-D slice along axis, in
// row-major order of the remaining axes.
func alongAxis(shape tensor.Shape, axis int, fn func(idx []int)) {
	stride := shape.Strides()[axis]
	n := shape[axis]
	outer := shape.Size() / (n * stride)
	idx := make([]int, n)
	for o := 0; o < outer; o++ {
		for in := 0; in < stride; in++ {
			base := o*n*stride + in
			for k := range idx {
				idx[k] = base + k*stride
			}
			fn(idx)
		}
	}
}
