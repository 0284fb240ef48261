package refmodel

import (
	"fmt"

	"github.com/23skdu/longbow-testgen/internal/space"
	"github.com/23skdu/longbow-testgen/internal/tensor"
)

// MatmulConfig is one batched matrix product out = lhs x rhs + beta*out.
// A batch of 1 on either side broadcasts against the other.
type MatmulConfig struct {
	LHSBatch     int          `json:"lhs_batch"`
	RHSBatch     int          `json:"rhs_batch"`
	M            int          `json:"m"`
	K            int          `json:"k"`
	N            int          `json:"n"`
	TransposeLHS bool         `json:"transpose_lhs"`
	TransposeRHS bool         `json:"transpose_rhs"`
	Beta         float64      `json:"beta"`
	DType        tensor.DType `json:"dtype"`
}

func (c MatmulConfig) Op() OpID                  { return OpMatmul }
func (c MatmulConfig) ElementType() tensor.DType { return c.DType }

func (c MatmulConfig) Validate() error {
	if err := checkDType(c.DType); err != nil {
		return err
	}
	for _, p := range []struct {
		name string
		v    int
	}{{"lhs batch", c.LHSBatch}, {"rhs batch", c.RHSBatch}, {"m", c.M}, {"k", c.K}, {"n", c.N}} {
		if err := positive(p.name, p.v); err != nil {
			return err
		}
	}
	if c.LHSBatch != c.RHSBatch && c.LHSBatch != 1 && c.RHSBatch != 1 {
		return fmt.Errorf("invalid batch: lhs %d and rhs %d do not broadcast", c.LHSBatch, c.RHSBatch)
	}
	if c.Beta != 0 && c.Beta != 1 {
		return fmt.Errorf("invalid beta: %g (must be 0 or 1)", c.Beta)
	}
	return nil
}

func (c MatmulConfig) batch() int { return max(c.LHSBatch, c.RHSBatch) }

func (c MatmulConfig) InputLayouts() []tensor.Layout { return rowMajorLayouts(c) }

func (c MatmulConfig) InputShapes() ([]tensor.Shape, error) {
	if err := c.Validate(); err != nil {
		return nil, err
	}
	lhs := tensor.Shape{c.LHSBatch, c.M, c.K}
	if c.TransposeLHS {
		lhs = tensor.Shape{c.LHSBatch, c.K, c.M}
	}
	rhs := tensor.Shape{c.RHSBatch, c.K, c.N}
	if c.TransposeRHS {
		rhs = tensor.Shape{c.RHSBatch, c.N, c.K}
	}
	shapes := []tensor.Shape{lhs, rhs}
	if c.Beta != 0 {
		shapes = append(shapes, tensor.Shape{c.batch(), c.M, c.N})
	}
	return shapes, nil
}

func (c MatmulConfig) OutputShape() (tensor.Shape, error) {
	if err := c.Validate(); err != nil {
		return nil, err
	}
	return tensor.Shape{c.batch(), c.M, c.N}, nil
}

// Matmul is the matrix multiplication family.
func Matmul() Family {
	return &family[MatmulConfig]{
		op:      OpMatmul,
		space:   matmulSpace,
		inputs:  matmulInputs,
		compute: matmulCompute,
		ulps:    constULPs[MatmulConfig](16),
	}
}

func matmulSpace(opts Options) space.Space[MatmulConfig] {
	batches := [][2]int{{1, 1}, {3, 3}, {1, 3}, {3, 1}}
	grid := space.Map(space.Product(
		space.Range(len(batches)),
		[]int{1, 4, 7}, // m
		[]int{1, 4, 7}, // k
		[]int{1, 4, 7}, // n
		space.Flags,
		space.Flags,
		space.Flags, // beta
		opts.dtypes(),
	), func(v []int) MatmulConfig {
		b := batches[v[0]]
		return MatmulConfig{
			LHSBatch: b[0], RHSBatch: b[1],
			M: v[1], K: v[2], N: v[3],
			TransposeLHS: v[4] == 1,
			TransposeRHS: v[5] == 1,
			Beta:         float64(v[6]),
			DType:        tensor.DType(v[7]),
		}
	})
	return space.Space[MatmulConfig]{
		Grid: grid,
		Curated: []MatmulConfig{
			{LHSBatch: 1, RHSBatch: 1, M: 2, K: 2, N: 2, DType: tensor.Float32},
			{LHSBatch: 1, RHSBatch: 1, M: 16, K: 16, N: 16, DType: tensor.Float32},
			{LHSBatch: 1, RHSBatch: 1, M: 16, K: 1, N: 16, DType: tensor.Float32},
			{LHSBatch: 2, RHSBatch: 2, M: 31, K: 17, N: 9, TransposeRHS: true, Beta: 1, DType: tensor.Float32},
			// duplicate of a grid point
			{LHSBatch: 1, RHSBatch: 1, M: 4, K: 4, N: 4, DType: tensor.Float32},
		},
		Check: MatmulConfig.Validate,
	}
}

func matmulInputs(c MatmulConfig) []*tensor.Tensor {
	shapes, _ := c.InputShapes()
	in := []*tensor.Tensor{
		tensor.Iota(tensor.New("lhs", c.DType, tensor.RowMajor, shapes[0]), 11),
		tensor.Iota(tensor.New("rhs", c.DType, tensor.RowMajor, shapes[1]), 13),
	}
	if c.Beta != 0 {
		in = append(in, tensor.Iota(tensor.New("output_in", c.DType, tensor.RowMajor, shapes[2]), 7))
	}
	return in
}

func matmulCompute(c MatmulConfig, in []*tensor.Tensor) *tensor.Tensor {
	lhs, rhs := in[0], in[1]
	at := func(t *tensor.Tensor, b, i, j int, transposed bool) float64 {
		if t.Shape[0] == 1 {
			b = 0
		}
		if transposed {
			return t.At(b, j, i)
		}
		return t.At(b, i, j)
	}
	out := tensor.New("output", c.DType, tensor.RowMajor, tensor.Shape{c.batch(), c.M, c.N})
	for b := 0; b < c.batch(); b++ {
		for i := 0; i < c.M; i++ {
			for j := 0; j < c.N; j++ {
				var sum float64
				for k := 0; k < c.K; k++ {
					sum += at(lhs, b, i, k, c.TransposeLHS) * at(rhs, b, k, j, c.TransposeRHS)
				}
				if c.Beta != 0 {
					sum += c.Beta * in[2].At(b, i, j)
				}
				out.Set(sum, b, i, j)
			}
		}
	}
	return out
}
