package refmodel

import (
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/23skdu/longbow-testgen/internal/tensor"
	"github.com/23skdu/longbow-testgen/internal/window"
)

func ones(name string, shape tensor.Shape) *tensor.Tensor {
	return tensor.Fill(tensor.New(name, tensor.Float32, tensor.HWCF, shape), 1)
}

func iotaImage(n, h, w, c int) *tensor.Tensor {
	x := tensor.New("input", tensor.Float32, tensor.NHWC, tensor.Shape{n, h, w, c})
	return tensor.Iota(x, x.Size())
}

func TestConv2DForwardPaddingAndDilation(t *testing.T) {
	tests := []struct {
		name  string
		cfg   Conv2DConfig
		shape tensor.Shape
		want  map[[2]int]float64
	}{
		{
			name: "same padding border",
			cfg: Conv2DConfig{Layout: tensor.NHWC, DType: tensor.Float32, Batch: 1, InRows: 3, InCols: 3,
				Channels: 1, Features: 1, Geometry: Square(3, 1, 1, window.Same)},
			shape: tensor.Shape{1, 3, 3, 1},
			want:  map[[2]int]float64{{0, 0}: 1 + 2 + 4 + 5, {1, 1}: 45, {2, 2}: 5 + 6 + 8 + 9},
		},
		{
			name: "explicit asymmetric padding",
			cfg: Conv2DConfig{Layout: tensor.NHWC, DType: tensor.Float32, Batch: 1, InRows: 3, InCols: 3,
				Channels: 1, Features: 1, Geometry: Geometry{WindowRows: 2, WindowCols: 2, StrideRows: 1, StrideCols: 1,
					DilationRows: 1, DilationCols: 1, Padding: window.Explicit, PadTop: 1, PadRight: 1}},
			shape: tensor.Shape{1, 3, 3, 1},
			want:  map[[2]int]float64{{0, 0}: 1 + 2, {2, 2}: 6 + 9, {1, 0}: 1 + 2 + 4 + 5},
		},
		{
			name: "dilated valid",
			cfg: Conv2DConfig{Layout: tensor.NHWC, DType: tensor.Float32, Batch: 1, InRows: 5, InCols: 5,
				Channels: 1, Features: 1, Geometry: Square(2, 1, 2, window.Valid)},
			shape: tensor.Shape{1, 3, 3, 1},
			want:  map[[2]int]float64{{0, 0}: 1 + 3 + 11 + 13, {2, 2}: 13 + 15 + 23 + 25},
		},
		{
			name: "kernel equal to input",
			cfg: Conv2DConfig{Layout: tensor.NHWC, DType: tensor.Float32, Batch: 1, InRows: 4, InCols: 4,
				Channels: 1, Features: 1, Geometry: Square(4, 1, 1, window.Valid)},
			shape: tensor.Shape{1, 1, 1, 1},
			want:  map[[2]int]float64{{0, 0}: 136},
		},
		{
			name: "stride larger than kernel",
			cfg: Conv2DConfig{Layout: tensor.NHWC, DType: tensor.Float32, Batch: 1, InRows: 7, InCols: 7,
				Channels: 1, Features: 1, Geometry: Square(2, 3, 1, window.Valid)},
			shape: tensor.Shape{1, 2, 2, 1},
			want:  map[[2]int]float64{{0, 0}: 1 + 2 + 8 + 9, {1, 1}: 25 + 26 + 32 + 33},
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			require.NoError(t, tt.cfg.Validate())
			got, err := tt.cfg.OutputShape()
			require.NoError(t, err)
			require.Equal(t, tt.shape, got)

			in := []*tensor.Tensor{
				iotaImage(1, tt.cfg.InRows, tt.cfg.InCols, 1),
				ones("filter", tensor.Shape{tt.cfg.WindowRows, tt.cfg.WindowCols, 1, 1}),
			}
			out, err := Conv2D().Compute(tt.cfg, in)
			require.NoError(t, err)
			for pos, v := range tt.want {
				assert.Equal(t, v, out.At(0, pos[0], pos[1], 0), "output %v", pos)
			}
		})
	}
}

func dot(a, b *tensor.Tensor) float64 {
	var s float64
	for i := range a.Data {
		s += a.Data[i] * b.Data[i]
	}
	return s
}

// The backprop directions are the adjoints of the forward operator:
// <conv(x, w), g> == <x, dx(g, w)> == <w, dw(x, g)>.
func TestConv2DBackpropIsAdjoint(t *testing.T) {
	for _, e := range convEdges() {
		for _, layout := range []tensor.Layout{tensor.NHWC, tensor.NCHW} {
			fwd := Conv2DConfig{Direction: Forward, Layout: layout, DType: tensor.Float64, Batch: 2,
				InRows: e.rows, InCols: e.cols, Channels: 2, Features: 3, Geometry: e.g}
			if fwd.Validate() != nil {
				continue
			}
			ib, fb := fwd, fwd
			ib.Direction, fb.Direction = InputBackprop, FilterBackprop

			f := Conv2D()
			xw, err := f.Inputs(fwd)
			require.NoError(t, err)
			gw, err := f.Inputs(ib)
			require.NoError(t, err)
			x, w, g := xw[0], xw[1], gw[0]

			y, err := f.Compute(fwd, []*tensor.Tensor{x, w})
			require.NoError(t, err)
			dx, err := f.Compute(ib, []*tensor.Tensor{g, w})
			require.NoError(t, err)
			dw, err := f.Compute(fb, []*tensor.Tensor{x, g})
			require.NoError(t, err)

			assert.Equal(t, dot(y, g), dot(x, dx), "%+v", fwd)
			assert.Equal(t, dot(y, g), dot(w, dw), "%+v", fwd)
		}
	}
}

func TestDepthwiseBackpropIsAdjoint(t *testing.T) {
	for _, e := range convEdges() {
		fwd := DepthwiseConfig{Direction: Forward, Layout: tensor.NCHW, DType: tensor.Float64, Batch: 1,
			InRows: e.rows, InCols: e.cols, Channels: 3, Multiplier: 2, Geometry: e.g}
		if fwd.Validate() != nil {
			continue
		}
		ib, fb := fwd, fwd
		ib.Direction, fb.Direction = InputBackprop, FilterBackprop

		f := DepthwiseConv2D()
		xw, err := f.Inputs(fwd)
		require.NoError(t, err)
		gw, err := f.Inputs(ib)
		require.NoError(t, err)
		x, w, g := xw[0], xw[1], gw[0]

		y, err := f.Compute(fwd, []*tensor.Tensor{x, w})
		require.NoError(t, err)
		dx, err := f.Compute(ib, []*tensor.Tensor{g, w})
		require.NoError(t, err)
		dw, err := f.Compute(fb, []*tensor.Tensor{x, g})
		require.NoError(t, err)

		assert.Equal(t, dot(y, g), dot(x, dx), "%+v", fwd)
		assert.Equal(t, dot(y, g), dot(w, dw), "%+v", fwd)
	}
}

// With one input channel a depthwise convolution is a full convolution whose
// features are the multiplier.
func TestDepthwiseSingleChannelMatchesConv2D(t *testing.T) {
	g := Square(3, 2, 1, window.Same)
	dw := DepthwiseConfig{Layout: tensor.NHWC, DType: tensor.Float32, Batch: 2, InRows: 7, InCols: 6,
		Channels: 1, Multiplier: 4, Geometry: g}
	cv := Conv2DConfig{Layout: tensor.NHWC, DType: tensor.Float32, Batch: 2, InRows: 7, InCols: 6,
		Channels: 1, Features: 4, Geometry: g}

	in, err := DepthwiseConv2D().Inputs(dw)
	require.NoError(t, err)
	a, err := DepthwiseConv2D().Compute(dw, in)
	require.NoError(t, err)
	b, err := Conv2D().Compute(cv, in)
	require.NoError(t, err)
	assert.Equal(t, b.Data, a.Data)
}

func TestConv2DLayoutsAgree(t *testing.T) {
	nhwc := Conv2DConfig{Layout: tensor.NHWC, DType: tensor.Float32, Batch: 2, InRows: 5, InCols: 4,
		Channels: 3, Features: 2, Geometry: Square(3, 2, 1, window.Same)}
	nchw := nhwc
	nchw.Layout = tensor.NCHW

	in, err := Conv2D().Inputs(nhwc)
	require.NoError(t, err)
	a, err := Conv2D().Compute(nhwc, in)
	require.NoError(t, err)

	x := in[0]
	xc := permute(x, []int{0, 3, 1, 2}, tensor.Shape{x.Shape[0], x.Shape[3], x.Shape[1], x.Shape[2]})
	xc.Layout = tensor.NCHW
	b, err := Conv2D().Compute(nchw, []*tensor.Tensor{xc, in[1]})
	require.NoError(t, err)

	back := permute(b, []int{0, 2, 3, 1}, a.Shape)
	assert.Equal(t, a.Data, back.Data)
}

func TestGeometryRejectsPadsWithoutExplicit(t *testing.T) {
	g := Square(3, 1, 1, window.Same)
	g.PadTop = 1
	c := Conv2DConfig{Layout: tensor.NHWC, DType: tensor.Float32, Batch: 1, InRows: 4, InCols: 4,
		Channels: 1, Features: 1, Geometry: g}
	assert.Error(t, c.Validate())
}

func TestAveragePoolSpotValue(t *testing.T) {
	c := PoolingConfig{Pool: AveragePool, Layout: tensor.NHWC, DType: tensor.Float32, Batch: 1,
		InRows: 2, InCols: 2, Channels: 1, Geometry: Square(2, 2, 1, window.Valid)}
	out, err := Pooling().Compute(c, []*tensor.Tensor{iotaImage(1, 2, 2, 1)})
	require.NoError(t, err)
	assert.Equal(t, tensor.Shape{1, 1, 1, 1}, out.Shape)
	assert.Equal(t, 2.5, out.Data[0])
}

func TestAveragePoolBorderDividesByInBoundsCount(t *testing.T) {
	c := PoolingConfig{Pool: AveragePool, Layout: tensor.NHWC, DType: tensor.Float64, Batch: 1,
		InRows: 3, InCols: 3, Channels: 1, Geometry: Square(3, 1, 1, window.Same)}
	x := iotaImage(1, 3, 3, 1)
	x.DType = tensor.Float64
	out, err := Pooling().Compute(c, []*tensor.Tensor{x})
	require.NoError(t, err)
	assert.Equal(t, float64(1+2+4+5)/4, out.At(0, 0, 0, 0))
	assert.Equal(t, float64(1+2+3+4+5+6)/6, out.At(0, 0, 1, 0))
	assert.Equal(t, 5.0, out.At(0, 1, 1, 0))

	ds, err := PoolingDivisors(c)
	require.NoError(t, err)
	assert.Equal(t, []int64{4, 6, 9}, ds)

	c.Pool = MaxPool
	ds, err = PoolingDivisors(c)
	require.NoError(t, err)
	assert.Equal(t, []int64{9}, ds)
}

func TestMaxPoolBackpropRoutesToFirstMaximum(t *testing.T) {
	c := PoolingConfig{Pool: MaxPool, Direction: InputBackprop, Layout: tensor.NHWC, DType: tensor.Float32,
		Batch: 1, InRows: 2, InCols: 2, Channels: 1, Geometry: Square(2, 2, 1, window.Valid)}
	x := mk("input", tensor.Float32, tensor.NHWC, tensor.Shape{1, 2, 2, 1}, 3, 7, 7, 1)
	g := mk("output_grad", tensor.Float32, tensor.NHWC, tensor.Shape{1, 1, 1, 1}, 5)
	out, err := Pooling().Compute(c, []*tensor.Tensor{x, g})
	require.NoError(t, err)
	assert.Equal(t, []float64{0, 5, 0, 0}, out.Data)
}

func TestAveragePoolBackpropConservesGradient(t *testing.T) {
	c := PoolingConfig{Pool: AveragePool, Direction: InputBackprop, Layout: tensor.NCHW, DType: tensor.Float64,
		Batch: 2, InRows: 7, InCols: 7, Channels: 3, Geometry: Square(3, 3, 1, window.Same)}
	in, err := Pooling().Inputs(c)
	require.NoError(t, err)
	require.Len(t, in, 1)
	out, err := Pooling().Compute(c, in)
	require.NoError(t, err)

	var sumIn, sumOut float64
	for _, v := range in[0].Data {
		sumIn += v
	}
	for _, v := range out.Data {
		sumOut += v
	}
	assert.InDelta(t, sumIn, sumOut, 1e-9)
}

func TestPoolingWindowLargerThanInput(t *testing.T) {
	c := PoolingConfig{Pool: MaxPool, Layout: tensor.NHWC, DType: tensor.Float32, Batch: 1,
		InRows: 3, InCols: 3, Channels: 1, Geometry: Square(5, 1, 1, window.Same)}
	out, err := Pooling().Compute(c, []*tensor.Tensor{iotaImage(1, 3, 3, 1)})
	require.NoError(t, err)
	assert.Equal(t, tensor.Shape{1, 3, 3, 1}, out.Shape)
	for _, v := range out.Data {
		assert.Equal(t, 9.0, v)
	}

	c.Padding = window.Valid
	assert.Error(t, c.Validate())
}

func TestMaxWithNanPoolPropagatesNaN(t *testing.T) {
	c := PoolingConfig{Pool: MaxWithNanPool, Layout: tensor.NHWC, DType: tensor.Float32, Batch: 1,
		InRows: 4, InCols: 4, Channels: 1, Geometry: Square(2, 2, 1, window.Valid)}
	x := iotaImage(1, 4, 4, 1)
	x.Data[0] = math.NaN()
	x.Data[15] = math.NaN()

	out, err := Pooling().Compute(c, []*tensor.Tensor{x})
	require.NoError(t, err)
	require.Equal(t, tensor.Shape{1, 2, 2, 1}, out.Shape)
	assert.True(t, math.IsNaN(out.At(0, 0, 0, 0)))
	assert.Equal(t, 8.0, out.At(0, 0, 1, 0))
	assert.Equal(t, 14.0, out.At(0, 1, 0, 0))
	assert.True(t, math.IsNaN(out.At(0, 1, 1, 0)))

	// a NaN after the maximum still wins
	x = mk("input", tensor.Float32, tensor.NHWC, tensor.Shape{1, 2, 2, 1}, 9, 1, 2, math.NaN())
	c.InRows, c.InCols = 2, 2
	out, err = Pooling().Compute(c, []*tensor.Tensor{x})
	require.NoError(t, err)
	assert.True(t, math.IsNaN(out.Data[0]))
}

func TestMaxWithNanPoolIsForwardOnly(t *testing.T) {
	c := PoolingConfig{Pool: MaxWithNanPool, Direction: InputBackprop, Layout: tensor.NHWC, DType: tensor.Float32,
		Batch: 1, InRows: 4, InCols: 4, Channels: 1, Geometry: Square(2, 2, 1, window.Valid)}
	assert.Error(t, c.Validate())
	assert.False(t, PropagatesNaN(PoolingConfig{Pool: MaxPool}))
	assert.True(t, PropagatesNaN(PoolingConfig{Pool: MaxWithNanPool}))
	assert.False(t, PropagatesNaN(SoftmaxConfig{}))
}

func TestMaxWithNanPoolEnumeration(t *testing.T) {
	cfgs, _ := Pooling().Configurations(DefaultOptions())
	var forward, withNaN, withNumbers int
	for _, cfg := range cfgs {
		c := cfg.(PoolingConfig)
		if c.Pool != MaxWithNanPool {
			continue
		}
		forward++
		require.Equal(t, Forward, c.Direction)
		in, err := Pooling().Inputs(c)
		require.NoError(t, err)
		out, err := Pooling().Compute(c, in)
		require.NoError(t, err)
		for _, v := range out.Data {
			if math.IsNaN(v) {
				withNaN++
			} else {
				withNumbers++
			}
		}
	}
	assert.Positive(t, forward)
	assert.Positive(t, withNaN, "some windows must see a NaN")
	assert.Positive(t, withNumbers, "some windows must reduce to a number")
}
