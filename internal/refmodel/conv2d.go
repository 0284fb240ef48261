package refmodel

import (
	"fmt"

	"github.com/23skdu/longbow-testgen/internal/space"
	"github.com/23skdu/longbow-testgen/internal/tensor"
	"github.com/23skdu/longbow-testgen/internal/window"
)

// Conv2DConfig is one 2-D convolution test case. The filter is always HWCF.
type Conv2DConfig struct {
	Direction Direction     `json:"direction"`
	Layout    tensor.Layout `json:"layout"`
	DType     tensor.DType  `json:"dtype"`
	Batch     int           `json:"batch"`
	InRows    int           `json:"in_rows"`
	InCols    int           `json:"in_cols"`
	Channels  int           `json:"channels"`
	Features  int           `json:"features"`
	Geometry
}

func (c Conv2DConfig) Op() OpID                  { return OpConv2D }
func (c Conv2DConfig) ElementType() tensor.DType { return c.DType }

func (c Conv2DConfig) Validate() error {
	_, err := c.plane()
	return err
}

func (c Conv2DConfig) plane() (plane, error) {
	if err := checkDType(c.DType); err != nil {
		return plane{}, err
	}
	if err := checkImageLayout(c.Layout); err != nil {
		return plane{}, err
	}
	if c.Direction < Forward || c.Direction > FilterBackprop {
		return plane{}, fmt.Errorf("invalid direction: %d", int(c.Direction))
	}
	for _, p := range []struct {
		name string
		v    int
	}{{"batch", c.Batch}, {"channels", c.Channels}, {"features", c.Features}} {
		if err := positive(p.name, p.v); err != nil {
			return plane{}, err
		}
	}
	return c.resolve(c.InRows, c.InCols)
}

func (c Conv2DConfig) shapes() (in, filt, out tensor.Shape, err error) {
	p, err := c.plane()
	if err != nil {
		return nil, nil, nil, err
	}
	in = tensor.ImageShape(c.Layout, c.Batch, c.InRows, c.InCols, c.Channels)
	filt = tensor.Shape{c.WindowRows, c.WindowCols, c.Channels, c.Features}
	out = tensor.ImageShape(c.Layout, c.Batch, p.rows.Output, p.cols.Output, c.Features)
	return in, filt, out, nil
}

func (c Conv2DConfig) InputShapes() ([]tensor.Shape, error) {
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

func (c Conv2DConfig) InputLayouts() []tensor.Layout { return convLayouts(c.Direction, c.Layout) }

func (c Conv2DConfig) OutputShape() (tensor.Shape, error) {
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

// Conv2D is the convolution family.
func Conv2D() Family {
	return &family[Conv2DConfig]{
		op:      OpConv2D,
		space:   conv2dSpace,
		inputs:  conv2dInputs,
		compute: conv2dCompute,
		ulps:    constULPs[Conv2DConfig](32),
	}
}

func conv2dSpace(opts Options) space.Space[Conv2DConfig] {
	grid := space.Map(space.Product(
		space.Range(3),
		[]int{int(tensor.NHWC), int(tensor.NCHW)},
		opts.dtypes(),
		[]int{1, 2},    // batch
		[]int{1, 5, 8}, // rows and cols
		[]int{1, 3},    // channels
		[]int{1, 2},    // features
		[]int{1, 3},    // window
		[]int{1, 2},    // stride
		[]int{1, 2},    // dilation
		[]int{int(window.Valid), int(window.Same)},
	), func(v []int) Conv2DConfig {
		return Conv2DConfig{
			Direction: Direction(v[0]),
			Layout:    tensor.Layout(v[1]),
			DType:     tensor.DType(v[2]),
			Batch:     v[3],
			InRows:    v[4], InCols: v[4],
			Channels: v[5],
			Features: v[6],
			Geometry: Square(v[7], v[8], v[9], window.Padding(v[10])),
		}
	})

	var curated []Conv2DConfig
	for _, d := range []Direction{Forward, InputBackprop, FilterBackprop} {
		for _, e := range convEdges() {
			curated = append(curated, Conv2DConfig{
				Direction: d, Layout: tensor.NHWC, DType: tensor.Float32,
				Batch: 1, InRows: e.rows, InCols: e.cols, Channels: 2, Features: 3,
				Geometry: e.g,
			})
		}
	}
	return space.Space[Conv2DConfig]{
		Grid:    grid,
		Curated: curated,
		Check:   Conv2DConfig.Validate,
	}
}

type convEdge struct {
	rows, cols int
	g          Geometry
}

// convEdges are the spatial edge cases shared by the convolution families.
func convEdges() []convEdge {
	return []convEdge{
		// kernel larger than input
		{3, 3, Square(5, 1, 1, window.Same)},
		{3, 3, Square(5, 1, 1, window.Valid)},
		// kernel equal to input: output is 1x1
		{4, 4, Square(4, 1, 1, window.Valid)},
		// stride larger than kernel skips inputs
		{7, 7, Square(2, 3, 1, window.Valid)},
		{7, 7, Square(2, 3, 1, window.Same)},
		// asymmetric explicit padding
		{4, 5, Geometry{WindowRows: 3, WindowCols: 3, StrideRows: 1, StrideCols: 1,
			DilationRows: 1, DilationCols: 1, Padding: window.Explicit,
			PadTop: 0, PadBottom: 2, PadLeft: 1, PadRight: 0}},
		// non-square window and stride
		{6, 3, Geometry{WindowRows: 3, WindowCols: 1, StrideRows: 2, StrideCols: 1,
			DilationRows: 1, DilationCols: 1, Padding: window.Same}},
		// dilation with stride
		{9, 9, Square(3, 2, 2, window.Same)},
		{9, 9, Square(3, 2, 2, window.Valid)},
	}
}

func conv2dInputs(c Conv2DConfig) []*tensor.Tensor {
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

func conv2dCompute(c Conv2DConfig, in []*tensor.Tensor) *tensor.Tensor {
	p, _ := c.plane()
	oh, ow := p.rows.Output, p.cols.Output

	switch c.Direction {
	case InputBackprop:
		grad, _ := tensor.AsImage(in[0])
		fl := asFilter(in[1])
		dx := tensor.NewImage("input_grad", c.DType, c.Layout, c.Batch, c.InRows, c.InCols, c.Channels)
		for n := 0; n < c.Batch; n++ {
			for y := 0; y < oh; y++ {
				for x := 0; x < ow; x++ {
					for f := 0; f < c.Features; f++ {
						g := grad.At(n, y, x, f)
						p.taps(y, x, func(kh, kw, ih, iw int) {
							for ch := 0; ch < c.Channels; ch++ {
								dx.Add(g*fl.at(kh, kw, ch, f), n, ih, iw, ch)
							}
						})
					}
				}
			}
		}
		return dx.T

	case FilterBackprop:
		x, _ := tensor.AsImage(in[0])
		grad, _ := tensor.AsImage(in[1])
		df := newFilter("filter_grad", c.DType, c.WindowRows, c.WindowCols, c.Channels, c.Features)
		for n := 0; n < c.Batch; n++ {
			for y := 0; y < oh; y++ {
				for xo := 0; xo < ow; xo++ {
					p.taps(y, xo, func(kh, kw, ih, iw int) {
						for ch := 0; ch < c.Channels; ch++ {
							v := x.At(n, ih, iw, ch)
							for f := 0; f < c.Features; f++ {
								df.t.Data[df.index(kh, kw, ch, f)] += v * grad.At(n, y, xo, f)
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
	out := tensor.NewImage("output", c.DType, c.Layout, c.Batch, oh, ow, c.Features)
	for n := 0; n < c.Batch; n++ {
		for y := 0; y < oh; y++ {
			for xo := 0; xo < ow; xo++ {
				for f := 0; f < c.Features; f++ {
					var sum float64
					p.taps(y, xo, func(kh, kw, ih, iw int) {
						for ch := 0; ch < c.Channels; ch++ {
							sum += x.At(n, ih, iw, ch) * fl.at(kh, kw, ch, f)
						}
					})
					out.Set(sum, n, y, xo, f)
				}
			}
		}
	}
	return out.T
}
