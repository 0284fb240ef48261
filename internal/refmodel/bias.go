package refmodel

import (
	"github.com/23skdu/longbow-testgen/internal/space"
	"github.com/23skdu/longbow-testgen/internal/tensor"
)

// BiasConfig adds a per-channel bias vector to a batch of images.
type BiasConfig struct {
	Layout   tensor.Layout `json:"layout"`
	DType    tensor.DType  `json:"dtype"`
	Batch    int           `json:"batch"`
	Rows     int           `json:"rows"`
	Cols     int           `json:"cols"`
	Channels int           `json:"channels"`
}

func (c BiasConfig) Op() OpID                  { return OpBias }
func (c BiasConfig) ElementType() tensor.DType { return c.DType }

func (c BiasConfig) Validate() error {
	if err := checkDType(c.DType); err != nil {
		return err
	}
	if err := checkImageLayout(c.Layout); err != nil {
		return err
	}
	return checkImage(c.Batch, c.Rows, c.Cols, c.Channels)
}

func checkImage(batch, rows, cols, channels int) error {
	if err := positive("batch", batch); err != nil {
		return err
	}
	if err := positive("rows", rows); err != nil {
		return err
	}
	if err := positive("cols", cols); err != nil {
		return err
	}
	return positive("channels", channels)
}

func (c BiasConfig) InputShapes() ([]tensor.Shape, error) {
	out, err := c.OutputShape()
	if err != nil {
		return nil, err
	}
	return []tensor.Shape{out, {c.Channels}}, nil
}

func (c BiasConfig) InputLayouts() []tensor.Layout {
	return []tensor.Layout{c.Layout, tensor.RowMajor}
}

func (c BiasConfig) OutputShape() (tensor.Shape, error) {
	if err := c.Validate(); err != nil {
		return nil, err
	}
	return tensor.ImageShape(c.Layout, c.Batch, c.Rows, c.Cols, c.Channels), nil
}

// Bias is the bias-add family. The sum of two rounded values is rounded once
// more, so the budget is a single ULP.
func Bias() Family {
	return &family[BiasConfig]{
		op:      OpBias,
		space:   biasSpace,
		inputs:  biasInputs,
		compute: biasCompute,
		ulps:    constULPs[BiasConfig](1),
	}
}

func biasSpace(opts Options) space.Space[BiasConfig] {
	grid := space.Map(space.Product(
		[]int{int(tensor.NHWC), int(tensor.NCHW)},
		opts.dtypes(),
		[]int{1, 3},        // batch
		[]int{1, 4, 9},     // rows
		[]int{1, 4, 9},     // cols
		[]int{1, 2, 5, 16}, // channels
	), func(v []int) BiasConfig {
		return BiasConfig{
			Layout:   tensor.Layout(v[0]),
			DType:    tensor.DType(v[1]),
			Batch:    v[2],
			Rows:     v[3],
			Cols:     v[4],
			Channels: v[5],
		}
	})
	return space.Space[BiasConfig]{
		Grid: grid,
		Curated: []BiasConfig{
			{Layout: tensor.NHWC, DType: tensor.Float32, Batch: 1, Rows: 1, Cols: 1, Channels: 1},
			{Layout: tensor.NHWC, DType: tensor.Float32, Batch: 2, Rows: 17, Cols: 3, Channels: 64},
			{Layout: tensor.NCHW, DType: tensor.Float32, Batch: 1, Rows: 32, Cols: 32, Channels: 3},
		},
		Check: BiasConfig.Validate,
	}
}

func biasInputs(c BiasConfig) []*tensor.Tensor {
	shapes, _ := c.InputShapes()
	return []*tensor.Tensor{
		tensor.IotaCentered(tensor.New("input", c.DType, c.Layout, shapes[0]), 13, 7),
		tensor.Iota(tensor.New("bias", c.DType, tensor.RowMajor, shapes[1]), c.Channels),
	}
}

func biasCompute(c BiasConfig, in []*tensor.Tensor) *tensor.Tensor {
	x, _ := tensor.AsImage(in[0])
	bias := in[1].Data
	out := tensor.NewImage("output", c.DType, c.Layout, c.Batch, c.Rows, c.Cols, c.Channels)
	eachOutput(c.Batch, c.Rows, c.Cols, c.Channels, func(n, h, w, ch int) {
		out.Set(x.At(n, h, w, ch)+bias[ch], n, h, w, ch)
	})
	return out.T
}
