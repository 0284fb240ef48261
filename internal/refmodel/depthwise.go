package refmodel

import (
	"fmt"

	"github.com/23skdu/longbow-testgen/internal/space"
	"github.com/23skdu/longbow-testgen/internal/tensor"
	"github.com/23skdu/longbow-testgen/internal/window"
)

// DepthwiseConfig is one depthwise convolution test case. Input channel c
// feeds output channels c*Multiplier through c*Multiplier+Multiplier-1 and
// nothing else. The filter is [kh, kw, c, multiplier].
type DepthwiseConfig struct {
	Direction  Direction     `json:"direction"`
	Layout     tensor.Layout `json:"layout"`
	DType      tensor.DType  `json:"dtype"`
	Batch      int           `json:"batch"`
	InRows     int           `json:"in_rows"`
	InCols     int           `json:"in_cols"`
	Channels   int           `json:"channels"`
	Multiplier int           `json:"multiplier"`
	Geometry
}

func (c DepthwiseConfig) Op() OpID                  { return OpDepthwiseConv2D }
func (c DepthwiseConfig) ElementType() tensor.DType { return c.DType }

func (c DepthwiseConfig) Validate() error {
	_, err := c.plane()
	return err
}

func (c DepthwiseConfig) plane() (plane, error) {
	if err := checkDType(c.DType); err != nil {
		return plane{}, err
	}
	if err := checkImageLayout(c.Layout); err != nil {
		return plane{}, err
	}
	if c.Direction < Forward || c.Direction > FilterBackprop {
		return plane{}, fmt.Errorf("invalid direction: %d", int(c.Direction))
	}
	if err := positive("batch", c.Batch); err != nil {
		return plane{}, err
	}
	if err := positive("channels", c.Channels); err != nil {
		return plane{}, err
	}
	if err := positive("multiplier", c.Multiplier); err != nil {
		return plane{}, err
	}
	return c.resolve(c.InRows, c.InCols)
}

func (c DepthwiseConfig) shapes() (in, filt, out tensor.Shape, err error) {
	p, err := c.plane()
	if err != nil {
		return nil, nil, nil, err
	}
	in = tensor.ImageShape(c.Layout, c.Batch, c.InRows, c.InCols, c.Channels)
	filt = tensor.Shape{c.WindowRows, c.WindowCols, c.Channels, c.Multiplier}
	out = tensor.ImageShape(c.Layout, c.Batch, p.rows.Output, p.cols.Output, c.Channels*c.Multiplier)
	return in, filt, out, nil
}

func (c DepthwiseConfig) InputShapes() ([]tensor.Shape, error) {
	in, filt, out, err := c.shapes()
	if err != nil {
		return nil, err
	}
	switch c.Direction {
	case InputBackprop:
		return []tensor.Shape{out, filt}, nil
	case FilterBackprop:
		return []tensor.Shape{in, out}, nil
	}
	return []tensor.Shape{in, filt}, nil
}

func (c DepthwiseConfig) InputLayouts() []tensor.Layout { return convLayouts(c.Direction, c.Layout) }

func (c DepthwiseConfig) OutputShape() (tensor.Shape, error) {
	in, filt, out, err := c.shapes()
	if err != nil {
		return nil, err
	}
	switch c.Direction {
	case InputBackprop:
		return in, nil
	case FilterBackprop:
		return filt, nil
	}
	return out, nil
}

// DepthwiseConv2D is the depthwise convolution family.
func DepthwiseConv2D() Family {
	return &family[DepthwiseConfig]{
		op:      OpDepthwiseConv2D,
		space:   depthwiseSpace,
		inputs:  depthwiseInputs,
		compute: depthwiseCompute,
		ulps:    constULPs[DepthwiseConfig](16),
	}
}

func depthwiseSpace(opts Options) space.Space[DepthwiseConfig] {
	grid := space.Map(space.Product(
		space.Range(3),
		[]int{int(tensor.NHWC), int(tensor.NCHW)},
		opts.dtypes(),
		[]int{1, 2},    // batch
		[]int{1, 5, 8}, // rows and cols
		[]int{1, 4},    // channels
		[]int{1, 2},    // multiplier
		[]int{1, 3},    // window
		[]int{1, 2},    // stride
		[]int{int(window.Valid), int(window.Same)},
	), func(v []int) DepthwiseConfig {
		return DepthwiseConfig{
			Direction:  Direction(v[0]),
			Layout:     tensor.Layout(v[1]),
			DType:      tensor.DType(v[2]),
			Batch:      v[3],
			InRows:     v[4], InCols: v[4],
			Channels:   v[5],
			Multiplier: v[6],
			Geometry:   Square(v[7], v[8], 1, window.Padding(v[9])),
		}
	})

	var curated []DepthwiseConfig
	for _, d := range []Direction{Forward, InputBackprop, FilterBackprop} {
		for _, e := range convEdges() {
			curated = append(curated, DepthwiseConfig{
				Direction: d, Layout: tensor.NHWC, DType: tensor.Float32,
				Batch: 1, InRows: e.rows, InCols: e.cols, Channels: 3, Multiplier: 2,
				Geometry: e.g,
			})
		}
	}
	return space.Space[DepthwiseConfig]{
		Grid:    grid,
		Curated: curated,
		Check:   DepthwiseConfig.Validate,
	}
}

func depthwiseInputs(c DepthwiseConfig) []*tensor.Tensor {
	shapes, _ := c.InputShapes()
	switch c.Direction {
	case InputBackprop:
		return []*tensor.Tensor{
			tensor.Iota(tensor.New("output_grad", c.DType, c.Layout, shapes[0]), 5),
			tensor.Iota(tensor.New("filter", c.DType, tensor.HWCF, shapes[1]), 7),
		}
	case FilterBackprop:
		return []*tensor.Tensor{
			tensor.Iota(tensor.New("input", c.DType, c.Layout, shapes[0]), 7),
			tensor.Iota(tensor.New("output_grad", c.DType, c.Layout, shapes[1]), 5),
		}
	}
	return []*tensor.Tensor{
		tensor.Iota(tensor.New("input", c.DType, c.Layout, shapes[0]), 7),
		tensor.Iota(tensor.New("filter", c.DType, tensor.HWCF, shapes[1]), 5),
	}
}

func depthwiseCompute(c DepthwiseConfig, in []*tensor.Tensor) *tensor.Tensor {
	p, _ := c.plane()
	oh, ow := p.rows.Output, p.cols.Output
	mult := c.Multiplier

	switch c.Direction {
	case InputBackprop:
		grad, _ := tensor.AsImage(in[0])
		fl := asFilter(in[1])
		dx := tensor.NewImage("input_grad", c.DType, c.Layout, c.Batch, c.InRows, c.InCols, c.Channels)
		for n := 0; n < c.Batch; n++ {
			for y := 0; y < oh; y++ {
				for x := 0; x < ow; x++ {
					for ch := 0; ch < c.Channels; ch++ {
						for m := 0; m < mult; m++ {
							g := grad.At(n, y, x, ch*mult+m)
							p.taps(y, x, func(kh, kw, ih, iw int) {
								dx.Add(g*fl.at(kh, kw, ch, m), n, ih, iw, ch)
							})
						}
					}
				}
			}
		}
		return dx.T

	case FilterBackprop:
		x, _ := tensor.AsImage(in[0])
		grad, _ := tensor.AsImage(in[1])
		df := newFilter("filter_grad", c.DType, c.WindowRows, c.WindowCols, c.Channels, mult)
		for n := 0; n < c.Batch; n++ {
			for y := 0; y < oh; y++ {
				for xo := 0; xo < ow; xo++ {
					p.taps(y, xo, func(kh, kw, ih, iw int) {
						for ch := 0; ch < c.Channels; ch++ {
							v := x.At(n, ih, iw, ch)
							for m := 0; m < mult; m++ {
								df.t.Data[df.index(kh, kw, ch, m)] += v * grad.At(n, y, xo, ch*mult+m)
							}
						}
					})
				}
			}
		}
		return df.t
	}

	x, _ := tensor.AsImage(in[0])
	fl := asFilter(in[1])
	out := tensor.NewImage("output", c.DType, c.Layout, c.Batch, oh, ow, c.Channels*mult)
	for n := 0; n < c.Batch; n++ {
		for y := 0; y < oh; y++ {
			for xo := 0; xo < ow; xo++ {
				for ch := 0; ch < c.Channels; ch++ {
					for m := 0; m < mult; m++ {
						var sum float64
						p.taps(y, xo, func(kh, kw, ih, iw int) {
							sum += x.At(n, ih, iw, ch) * fl.at(kh, kw, ch, m)
						})
						out.Set(sum, n, y, xo, ch*mult+m)
					}
				}
			}
		}
	}
	return out.T
}
