package refmodel

import (
	"errors"
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/23skdu/longbow-testgen/internal/tensor"
)

func mk(name string, dt tensor.DType, layout tensor.Layout, shape tensor.Shape, data ...float64) *tensor.Tensor {
	t := tensor.New(name, dt, layout, shape)
	copy(t.Data, data)
	return t
}

func allDTypes() Options {
	return Options{DTypes: []tensor.DType{tensor.Float32, tensor.Float16, tensor.Float64}}
}

func TestFamiliesOrderAndLookup(t *testing.T) {
	var ops []OpID
	for _, f := range Families() {
		ops = append(ops, f.Op())
	}
	want := []OpID{OpConv2D, OpDepthwiseConv2D, OpMatmul, OpPooling, OpPointwise,
		OpSoftmax, OpTranspose, OpBias, OpBatchnorm, OpReduce}
	if diff := cmp.Diff(want, ops); diff != "" {
		t.Errorf("family order mismatch (-want +got):\n%s", diff)
	}

	f, err := Lookup(OpSoftmax)
	require.NoError(t, err)
	assert.Equal(t, OpSoftmax, f.Op())

	_, err = Lookup("winograd")
	assert.Error(t, err)
}

// Every emitted configuration computes, and the computed shape is the one
// the configuration's own formula predicts.
func TestShapeFormulaConsistency(t *testing.T) {
	for _, f := range Families() {
		t.Run(string(f.Op()), func(t *testing.T) {
			cfgs, st := f.Configurations(allDTypes())
			require.NotEmpty(t, cfgs)
			assert.Equal(t, len(cfgs), st.Emitted)

			for _, c := range cfgs {
				require.Equal(t, f.Op(), c.Op())
				in, err := f.Inputs(c)
				require.NoError(t, err, "%+v", c)

				shapes, err := c.InputShapes()
				require.NoError(t, err)
				require.Len(t, in, len(shapes))
				for i, x := range in {
					require.True(t, x.Shape.Equal(shapes[i]), "%+v input %d: %v vs %v", c, i, x.Shape, shapes[i])
					requireRepresentable(t, c, x)
				}

				out, err := f.Compute(c, in)
				require.NoError(t, err, "%+v", c)
				want, err := c.OutputShape()
				require.NoError(t, err)
				require.True(t, out.Shape.Equal(want), "%+v: computed %v, formula %v", c, out.Shape, want)
				require.Equal(t, c.ElementType(), out.DType)
				requireRepresentable(t, c, out)
			}
		})
	}
}

// requireRepresentable fails on infinities, and on NaN unless the
// configuration propagates it.
func requireRepresentable(t *testing.T, c Config, x *tensor.Tensor) {
	t.Helper()
	if PropagatesNaN(c) {
		require.Equal(t, -1, x.Infinite(), "%+v tensor %s", c, x.Name)
		return
	}
	require.Equal(t, -1, x.NonFinite(), "%+v tensor %s", c, x.Name)
}

func TestConfigurationsAreDistinctAndDeterministic(t *testing.T) {
	for _, f := range Families() {
		t.Run(string(f.Op()), func(t *testing.T) {
			first, st := f.Configurations(DefaultOptions())
			seen := make(map[Config]int, len(first))
			for i, c := range first {
				if j, dup := seen[c]; dup {
					t.Fatalf("configuration %d duplicates %d: %+v", i, j, c)
				}
				seen[c] = i
			}

			again, st2 := f.Configurations(DefaultOptions())
			assert.Equal(t, first, again)
			assert.Equal(t, st, st2)
		})
	}
}

func TestCuratedEdgeCasesAreFilteredOrDeduplicated(t *testing.T) {
	_, st := Transpose().Configurations(DefaultOptions())
	assert.Equal(t, 1, st.Filtered, "non-bijective permutation")

	_, st = Matmul().Configurations(DefaultOptions())
	assert.Equal(t, 1, st.Duplicates)

	_, st = Conv2D().Configurations(DefaultOptions())
	assert.Positive(t, st.Filtered, "kernel larger than input with valid padding")
}

func TestOptionsRestrictDTypes(t *testing.T) {
	cfgs, _ := Softmax().Configurations(Options{DTypes: []tensor.DType{tensor.Float16}})
	var half int
	for _, c := range cfgs {
		if c.ElementType() == tensor.Float16 {
			half++
		}
	}
	assert.Positive(t, half)
	// curated cases stay float32
	assert.Less(t, half, len(cfgs))
}

func TestDomainErrors(t *testing.T) {
	tests := []struct {
		name string
		fam  Family
		cfg  Config
	}{
		{"transpose perm rank", Transpose(), TransposeConfig{Dims: tensor.DimsOf(2, 3), Perm: tensor.DimsOf(0, 1, 2), DType: tensor.Float32}},
		{"transpose perm repeat", Transpose(), TransposeConfig{Dims: tensor.DimsOf(2, 3), Perm: tensor.DimsOf(1, 1), DType: tensor.Float32}},
		{"reduce axis out of range", Reduce(), ReduceConfig{Dims: tensor.DimsOf(2, 3), Axes: Axes(2), DType: tensor.Float32}},
		{"reduce empty axes", Reduce(), ReduceConfig{Dims: tensor.DimsOf(2, 3), DType: tensor.Float32}},
		{"softmax axis", Softmax(), SoftmaxConfig{Dims: tensor.DimsOf(4), Axis: 1, DType: tensor.Float32}},
		{"pointwise broadcast", Pointwise(), PointwiseConfig{Fn: Add, LHS: tensor.DimsOf(2, 3), RHS: tensor.DimsOf(4), DType: tensor.Float32}},
		{"matmul batch", Matmul(), MatmulConfig{LHSBatch: 2, RHSBatch: 3, M: 1, K: 1, N: 1, DType: tensor.Float32}},
		{"conv empty output", Conv2D(), Conv2DConfig{Layout: tensor.NHWC, DType: tensor.Float32, Batch: 1, InRows: 2, InCols: 2,
			Channels: 1, Features: 1, Geometry: Square(3, 1, 1, 0)}},
		{"pooling dilation", Pooling(), PoolingConfig{Layout: tensor.NHWC, DType: tensor.Float32, Batch: 1, InRows: 5, InCols: 5,
			Channels: 1, Geometry: Square(2, 1, 2, 0)}},
		{"batchnorm epsilon", Batchnorm(), BatchnormConfig{Layout: tensor.NHWC, DType: tensor.Float32, Batch: 1, Rows: 1, Cols: 1, Channels: 1}},
		{"bias layout", Bias(), BiasConfig{Layout: tensor.RowMajor, DType: tensor.Float32, Batch: 1, Rows: 1, Cols: 1, Channels: 1}},
		{"wrong config type", Softmax(), ReduceConfig{Dims: tensor.DimsOf(2), Axes: Axes(0), DType: tensor.Float32}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := tt.fam.Compute(tt.cfg, nil)
			require.Error(t, err)
			assert.True(t, errors.Is(err, ErrDomain))
			var de *DomainError
			require.True(t, errors.As(err, &de))
			assert.Equal(t, tt.fam.Op(), de.Op)
			assert.Equal(t, tt.cfg, de.Config)

			_, err = tt.fam.Inputs(tt.cfg)
			assert.ErrorIs(t, err, ErrDomain)
		})
	}
}

func TestComputeRejectsMismatchedInputs(t *testing.T) {
	c := SoftmaxConfig{Dims: tensor.DimsOf(3), DType: tensor.Float32}
	f := Softmax()

	_, err := f.Compute(c, nil)
	assert.ErrorIs(t, err, ErrDomain)

	_, err = f.Compute(c, []*tensor.Tensor{mk("x", tensor.Float32, tensor.RowMajor, tensor.Shape{4})})
	assert.ErrorIs(t, err, ErrDomain)

	_, err = f.Compute(c, []*tensor.Tensor{mk("x", tensor.Float64, tensor.RowMajor, tensor.Shape{3})})
	assert.ErrorIs(t, err, ErrDomain)

	_, err = f.Compute(c, []*tensor.Tensor{nil})
	assert.ErrorIs(t, err, ErrDomain)
}

// Shapes that agree under NHWC and NCHW must still be refused when the
// layout differs, since images are read through their own Layout.
func TestComputeRejectsLayoutMismatch(t *testing.T) {
	tests := []struct {
		name   string
		fam    Family
		cfg    Config
		input  int
		layout tensor.Layout
	}{
		{"bias image", Bias(), BiasConfig{Layout: tensor.NHWC, DType: tensor.Float32, Batch: 1, Rows: 3, Cols: 3, Channels: 3}, 0, tensor.NCHW},
		{"bias vector", Bias(), BiasConfig{Layout: tensor.NHWC, DType: tensor.Float32, Batch: 1, Rows: 3, Cols: 3, Channels: 3}, 1, tensor.NHWC},
		{"conv input", Conv2D(), Conv2DConfig{Layout: tensor.NHWC, DType: tensor.Float32, Batch: 1, InRows: 3, InCols: 3,
			Channels: 3, Features: 3, Geometry: Square(1, 1, 1, 0)}, 0, tensor.NCHW},
		{"conv filter", Conv2D(), Conv2DConfig{Layout: tensor.NHWC, DType: tensor.Float32, Batch: 1, InRows: 3, InCols: 3,
			Channels: 3, Features: 3, Geometry: Square(1, 1, 1, 0)}, 1, tensor.RowMajor},
		{"pooling input", Pooling(), PoolingConfig{Layout: tensor.NCHW, DType: tensor.Float32, Batch: 1, InRows: 3, InCols: 3,
			Channels: 3, Geometry: Square(2, 1, 1, 0)}, 0, tensor.NHWC},
		{"matmul lhs", Matmul(), MatmulConfig{LHSBatch: 1, RHSBatch: 1, M: 2, K: 2, N: 2, DType: tensor.Float32}, 0, tensor.NHWC},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			in, err := tt.fam.Inputs(tt.cfg)
			require.NoError(t, err)
			_, err = tt.fam.Compute(tt.cfg, in)
			require.NoError(t, err)

			in[tt.input].Layout = tt.layout
			_, err = tt.fam.Compute(tt.cfg, in)
			require.Error(t, err)
			assert.ErrorIs(t, err, ErrDomain)
			assert.Contains(t, err.Error(), "layout")
		})
	}
}

func TestInputsCarryDeclaredLayouts(t *testing.T) {
	for _, f := range Families() {
		cfgs, _ := f.Configurations(DefaultOptions())
		for _, c := range cfgs {
			in, err := f.Inputs(c)
			require.NoError(t, err)
			layouts := c.InputLayouts()
			require.Len(t, layouts, len(in), "%+v", c)
			for i, x := range in {
				require.Equal(t, layouts[i], x.Layout, "%+v input %s", c, x.Name)
			}
		}
	}
}

func TestComputeIsPure(t *testing.T) {
	f := Matmul()
	c := MatmulConfig{LHSBatch: 1, RHSBatch: 3, M: 4, K: 7, N: 4, Beta: 1, DType: tensor.Float32}
	in, err := f.Inputs(c)
	require.NoError(t, err)
	before := make([]*tensor.Tensor, len(in))
	for i, x := range in {
		before[i] = x.Clone(x.Name)
	}

	a, err := f.Compute(c, in)
	require.NoError(t, err)
	b, err := f.Compute(c, in)
	require.NoError(t, err)
	assert.True(t, a.Equal(b))
	for i := range in {
		assert.True(t, before[i].Equal(in[i]), "input %d mutated", i)
	}
}

func TestTolerancePerFamily(t *testing.T) {
	tests := []struct {
		fam  Family
		cfg  Config
		ulps uint32
	}{
		{Softmax(), SoftmaxConfig{Dims: tensor.DimsOf(3), DType: tensor.Float32}, 10},
		{Transpose(), TransposeConfig{Dims: tensor.DimsOf(3), Perm: tensor.DimsOf(0), DType: tensor.Float32}, 0},
		{Pointwise(), PointwiseConfig{Fn: Exp, LHS: tensor.DimsOf(3), DType: tensor.Float32}, 4},
		{Pointwise(), PointwiseConfig{Fn: Add, LHS: tensor.DimsOf(3), RHS: tensor.DimsOf(3), DType: tensor.Float32}, 1},
		{Reduce(), ReduceConfig{Fn: ReduceMax, Dims: tensor.DimsOf(3), Axes: Axes(0), DType: tensor.Float32}, 0},
	}
	for _, tt := range tests {
		tol := tt.fam.Tolerance(tt.cfg)
		assert.Equal(t, tt.ulps, tol.ULPs, "%s", tt.fam.Op())
		assert.InDelta(t, float64(tt.ulps)*tensor.Float32.Epsilon(), tol.Abs, 0)
	}
}
