package refmodel

import (
	"fmt"
	"math"
	"sort"

	"github.com/23skdu/longbow-testgen/internal/space"
	"github.com/23skdu/longbow-testgen/internal/tensor"
	"github.com/23skdu/longbow-testgen/internal/window"
)

// PoolOp is the window reduction.
type PoolOp int

const (
	MaxPool PoolOp = iota
	// AveragePool divides by the number of in-bounds elements of each window,
	// so border windows under padding divide by less than the window area.
	AveragePool
	// MaxWithNanPool is max pooling where any NaN in the window makes the
	// output NaN. It has no backprop.
	MaxWithNanPool
)

func (p PoolOp) String() string {
	switch p {
	case MaxPool:
		return "max"
	case AveragePool:
		return "average"
	case MaxWithNanPool:
		return "max_with_nan"
	default:
		return fmt.Sprintf("pool(%d)", int(p))
	}
}

func (p PoolOp) MarshalText() ([]byte, error) {
	if p < MaxPool || p > MaxWithNanPool {
		return nil, fmt.Errorf("unknown pool op %d", int(p))
	}
	return []byte(p.String()), nil
}

// PoolingConfig is one pooling test case. Direction is Forward or
// InputBackprop; pooling windows are never dilated.
type PoolingConfig struct {
	Pool      PoolOp        `json:"pool"`
	Direction Direction     `json:"direction"`
	Layout    tensor.Layout `json:"layout"`
	DType     tensor.DType  `json:"dtype"`
	Batch     int           `json:"batch"`
	InRows    int           `json:"in_rows"`
	InCols    int           `json:"in_cols"`
	Channels  int           `json:"channels"`
	Geometry
}

func (c PoolingConfig) Op() OpID                  { return OpPooling }
func (c PoolingConfig) ElementType() tensor.DType { return c.DType }

func (c PoolingConfig) Validate() error {
	_, err := c.plane()
	return err
}

func (c PoolingConfig) plane() (plane, error) {
	if err := checkDType(c.DType); err != nil {
		return plane{}, err
	}
	if err := checkImageLayout(c.Layout); err != nil {
		return plane{}, err
	}
	if c.Pool < MaxPool || c.Pool > MaxWithNanPool {
		return plane{}, fmt.Errorf("invalid pool op: %d", int(c.Pool))
	}
	if c.Direction != Forward && c.Direction != InputBackprop {
		return plane{}, fmt.Errorf("invalid direction: %s (pooling has no filter)", c.Direction)
	}
	if c.Pool == MaxWithNanPool && c.Direction != Forward {
		return plane{}, fmt.Errorf("invalid direction: %s (max_with_nan pooling is forward only)", c.Direction)
	}
	if c.DilationRows != 1 || c.DilationCols != 1 {
		return plane{}, fmt.Errorf("invalid dilation: %dx%d (pooling requires 1)", c.DilationRows, c.DilationCols)
	}
	if err := positive("batch", c.Batch); err != nil {
		return plane{}, err
	}
	if err := positive("channels", c.Channels); err != nil {
		return plane{}, err
	}
	p, err := c.resolve(c.InRows, c.InCols)
	if err != nil {
		return plane{}, err
	}
	for y := 0; y < p.rows.Output; y++ {
		for x := 0; x < p.cols.Output; x++ {
			if p.count(y, x) == 0 {
				return plane{}, fmt.Errorf("window at output (%d, %d) covers only padding", y, x)
			}
		}
	}
	return p, nil
}

func (c PoolingConfig) shapes() (in, out tensor.Shape, err error) {
	p, err := c.plane()
	if err != nil {
		return nil, nil, err
	}
	in = tensor.ImageShape(c.Layout, c.Batch, c.InRows, c.InCols, c.Channels)
	out = tensor.ImageShape(c.Layout, c.Batch, p.rows.Output, p.cols.Output, c.Channels)
	return in, out, nil
}

// InputShapes is (input) forward, (output_grad) for average backprop and
// (input, output_grad) for max backprop, which needs the input to find the
// maximum again.
func (c PoolingConfig) InputShapes() ([]tensor.Shape, error) {
	in, out, err := c.shapes()
	if err != nil {
		return nil, err
	}
	switch {
	case c.Direction == Forward:
		return []tensor.Shape{in}, nil
	case c.Pool == AveragePool:
		return []tensor.Shape{out}, nil
	}
	return []tensor.Shape{in, out}, nil
}

// PropagatesNaN reports whether the fixture carries NaN inputs and outputs.
func (c PoolingConfig) PropagatesNaN() bool { return c.Pool == MaxWithNanPool }

func (c PoolingConfig) InputLayouts() []tensor.Layout {
	if c.Direction == InputBackprop && c.Pool == MaxPool {
		return []tensor.Layout{c.Layout, c.Layout}
	}
	return []tensor.Layout{c.Layout}
}

func (c PoolingConfig) OutputShape() (tensor.Shape, error) {
	in, out, err := c.shapes()
	if err != nil {
		return nil, err
	}
	if c.Direction == InputBackprop {
		return in, nil
	}
	return out, nil
}

// PoolingDivisors lists, in ascending order, the window area and every
// in-bounds element count an average over this configuration divides by.
func PoolingDivisors(c PoolingConfig) ([]int64, error) {
	p, err := c.plane()
	if err != nil {
		return nil, err
	}
	seen := map[int64]bool{int64(c.WindowRows * c.WindowCols): true}
	if c.Pool == AveragePool {
		for y := 0; y < p.rows.Output; y++ {
			for x := 0; x < p.cols.Output; x++ {
				seen[int64(p.count(y, x))] = true
			}
		}
	}
	out := make([]int64, 0, len(seen))
	for d := range seen {
		out = append(out, d)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out, nil
}

// Pooling is the max, max_with_nan and average pooling family.
func Pooling() Family {
	return &family[PoolingConfig]{
		op:      OpPooling,
		space:   poolingSpace,
		inputs:  poolingInputs,
		compute: poolingCompute,
		ulps:    constULPs[PoolingConfig](4),
	}
}

func poolingSpace(opts Options) space.Space[PoolingConfig] {
	grid := space.Map(space.Product(
		space.Range(3), // pool op
		[]int{int(Forward), int(InputBackprop)},
		[]int{int(tensor.NHWC), int(tensor.NCHW)},
		opts.dtypes(),
		[]int{1, 2},    // batch
		[]int{1, 4, 7}, // rows and cols
		[]int{1, 3},    // channels
		[]int{1, 2, 3}, // window
		[]int{1, 2, 3}, // stride
		[]int{int(window.Valid), int(window.Same)},
	), func(v []int) PoolingConfig {
		return PoolingConfig{
			Pool:      PoolOp(v[0]),
			Direction: Direction(v[1]),
			Layout:    tensor.Layout(v[2]),
			DType:     tensor.DType(v[3]),
			Batch:     v[4],
			InRows:    v[5], InCols: v[5],
			Channels: v[6],
			Geometry: Square(v[7], v[8], 1, window.Padding(v[9])),
		}
	})

	var curated []PoolingConfig
	for _, pool := range []PoolOp{MaxPool, AveragePool, MaxWithNanPool} {
		for _, d := range []Direction{Forward, InputBackprop} {
			base := PoolingConfig{Pool: pool, Direction: d, Layout: tensor.NHWC, DType: tensor.Float32, Batch: 1, Channels: 2}
			for _, e := range convEdges() {
				c := base
				c.InRows, c.InCols, c.Geometry = e.rows, e.cols, e.g
				curated = append(curated, c)
			}
			// one window covering the whole input
			c := base
			c.Channels = 1
			c.InRows, c.InCols, c.Geometry = 2, 2, Square(2, 2, 1, window.Valid)
			curated = append(curated, c)
			// largest window
			c = base
			c.InRows, c.InCols, c.Geometry = 8, 8, Square(8, 1, 1, window.Same)
			curated = append(curated, c)
		}
	}
	return space.Space[PoolingConfig]{
		Grid:    grid,
		Curated: curated,
		Check:   PoolingConfig.Validate,
	}
}

// NaN placement in max_with_nan inputs: sparse enough that most windows
// still reduce to a number.
const (
	nanOffset = 3
	nanStride = 7
)

func poolingInputs(c PoolingConfig) []*tensor.Tensor {
	shapes, _ := c.InputShapes()
	switch {
	case c.Pool == MaxWithNanPool:
		x := tensor.Iota(tensor.New("input", c.DType, c.Layout, shapes[0]), 97)
		for i := nanOffset; i < len(x.Data); i += nanStride {
			x.Data[i] = math.NaN()
		}
		return []*tensor.Tensor{x}
	case c.Direction == Forward:
		return []*tensor.Tensor{tensor.Iota(tensor.New("input", c.DType, c.Layout, shapes[0]), 97)}
	case c.Pool == AveragePool:
		return []*tensor.Tensor{tensor.Iota(tensor.New("output_grad", c.DType, c.Layout, shapes[0]), 11)}
	}
	return []*tensor.Tensor{
		tensor.Iota(tensor.New("input", c.DType, c.Layout, shapes[0]), 97),
		tensor.Iota(tensor.New("output_grad", c.DType, c.Layout, shapes[1]), 11),
	}
}

func poolingCompute(c PoolingConfig, in []*tensor.Tensor) *tensor.Tensor {
	p, _ := c.plane()
	oh, ow := p.rows.Output, p.cols.Output

	if c.Direction == InputBackprop {
		dx := tensor.NewImage("input_grad", c.DType, c.Layout, c.Batch, c.InRows, c.InCols, c.Channels)
		if c.Pool == AveragePool {
			grad, _ := tensor.AsImage(in[0])
			eachOutput(c.Batch, oh, ow, c.Channels, func(n, y, x, ch int) {
				g := grad.At(n, y, x, ch) / float64(p.count(y, x))
				p.taps(y, x, func(_, _, ih, iw int) {
					dx.Add(g, n, ih, iw, ch)
				})
			})
			return dx.T
		}
		src, _ := tensor.AsImage(in[0])
		grad, _ := tensor.AsImage(in[1])
		eachOutput(c.Batch, oh, ow, c.Channels, func(n, y, x, ch int) {
			ih, iw := argmaxTap(p, src, n, y, x, ch)
			dx.Add(grad.At(n, y, x, ch), n, ih, iw, ch)
		})
		return dx.T
	}

	src, _ := tensor.AsImage(in[0])
	out := tensor.NewImage("output", c.DType, c.Layout, c.Batch, oh, ow, c.Channels)
	eachOutput(c.Batch, oh, ow, c.Channels, func(n, y, x, ch int) {
		if c.Pool == MaxWithNanPool {
			out.Set(nanMax(p, src, n, y, x, ch), n, y, x, ch)
			return
		}
		if c.Pool == MaxPool {
			ih, iw := argmaxTap(p, src, n, y, x, ch)
			out.Set(src.At(n, ih, iw, ch), n, y, x, ch)
			return
		}
		var sum float64
		p.taps(y, x, func(_, _, ih, iw int) {
			sum += src.At(n, ih, iw, ch)
		})
		out.Set(sum/float64(p.count(y, x)), n, y, x, ch)
	})
	return out.T
}

func eachOutput(batch, rows, cols, channels int, fn func(n, y, x, c int)) {
	for n := 0; n < batch; n++ {
		for y := 0; y < rows; y++ {
			for x := 0; x < cols; x++ {
				for c := 0; c < channels; c++ {
					fn(n, y, x, c)
				}
			}
		}
	}
}

// argmaxTap is the first in-bounds tap, in row-major window order, holding
// the window maximum.
func argmaxTap(p plane, src tensor.Image, n, y, x, ch int) (int, int) {
	bh, bw := -1, -1
	var best float64
	p.taps(y, x, func(_, _, ih, iw int) {
		v := src.At(n, ih, iw, ch)
		if bh < 0 || v > best {
			bh, bw, best = ih, iw, v
		}
	})
	return bh, bw
}

// nanMax is the window maximum, or NaN if any in-bounds tap is NaN.
func nanMax(p plane, src tensor.Image, n, y, x, ch int) float64 {
	best := math.Inf(-1)
	p.taps(y, x, func(_, _, ih, iw int) {
		switch v := src.At(n, ih, iw, ch); {
		case math.IsNaN(best):
		case math.IsNaN(v), v > best:
			best = v
		}
	})
	return best
}
