package fixture

import (
	"errors"
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/23skdu/longbow-testgen/internal/tensor"
)

type testConfig struct {
	Rows int `json:"rows"`
	Cols int `json:"cols"`
}

func newFixture(op string, seq int) *Fixture {
	in := tensor.Iota(tensor.New("input", tensor.Float32, tensor.RowMajor, tensor.Shape{2, 3}), 5)
	out := tensor.Iota(tensor.New("output", tensor.Float32, tensor.RowMajor, tensor.Shape{3, 2}), 5)
	return &Fixture{
		ID:        ID(op, seq),
		Op:        op,
		Config:    testConfig{Rows: 2, Cols: 3},
		Inputs:    []*tensor.Tensor{in},
		Expected:  out,
		Tolerance: ToleranceFor(tensor.Float32, 4),
	}
}

func TestID(t *testing.T) {
	assert.Equal(t, "conv2d/00000", ID("conv2d", 0))
	assert.Equal(t, "reduce/01234", ID("reduce", 1234))
}

func TestToleranceFor(t *testing.T) {
	tol := ToleranceFor(tensor.Float32, 10)
	assert.Equal(t, uint32(10), tol.ULPs)
	assert.InDelta(t, 10*math.Pow(2, -23), tol.Abs, 1e-15)
	assert.Equal(t, tol.Abs, tol.Rel)

	exact := ToleranceFor(tensor.Float16, 0)
	assert.True(t, exact.Within(3, 3))
	assert.False(t, exact.Within(3, math.Nextafter(3, 4)))

	assert.True(t, tol.Within(1, 1+5*math.Pow(2, -23)))
	assert.False(t, tol.Within(1, 1.001))

	assert.True(t, tol.Within(math.NaN(), math.NaN()))
	assert.False(t, tol.Within(math.NaN(), 1))
	assert.False(t, tol.Within(1, math.NaN()))
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Fixture)
	}{
		{"missing id", func(f *Fixture) { f.ID = "" }},
		{"missing config", func(f *Fixture) { f.Config = nil }},
		{"missing expected", func(f *Fixture) { f.Expected = nil }},
		{"nil input", func(f *Fixture) { f.Inputs = append(f.Inputs, nil) }},
		{"negative tolerance", func(f *Fixture) { f.Tolerance.Abs = -1 }},
		{"nan tolerance", func(f *Fixture) { f.Tolerance.Rel = math.NaN() }},
		{"bad dtype", func(f *Fixture) { f.Inputs[0].DType = tensor.DType(42) }},
		{"length mismatch", func(f *Fixture) { f.Expected.Data = f.Expected.Data[:5] }},
		{"nan value", func(f *Fixture) { f.Expected.Data[2] = math.NaN() }},
		{"infinite value", func(f *Fixture) { f.Inputs[0].Data[0] = math.Inf(-1) }},
	}

	require.NoError(t, newFixture("transpose", 0).Validate())
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newFixture("transpose", 0)
			tt.mutate(f)
			err := f.Validate()
			require.Error(t, err)
			assert.True(t, errors.Is(err, ErrSerialization))

			var se *SerializationError
			require.True(t, errors.As(err, &se))
			assert.Equal(t, f.ID, se.FixtureID)
		})
	}
}

func TestValidateNaNFixture(t *testing.T) {
	f := newFixture("pooling", 0)
	f.Inputs[0].Data[1] = math.NaN()
	f.Expected.Data[0] = math.NaN()
	require.Error(t, f.Validate())

	f.NaN = true
	require.NoError(t, f.Validate())

	f.Expected.Data[3] = math.Inf(1)
	err := f.Validate()
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrSerialization))
}

func TestElements(t *testing.T) {
	assert.Equal(t, 12, newFixture("transpose", 0).Elements())
}
