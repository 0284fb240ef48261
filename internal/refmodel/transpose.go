package refmodel

import (
	"fmt"
	"iter"

	"github.com/23skdu/longbow-testgen/internal/space"
	"github.com/23skdu/longbow-testgen/internal/tensor"
)

// TransposeConfig permutes the axes of a row-major tensor: output axis i is
// input axis Perm[i].
type TransposeConfig struct {
	Dims  tensor.Dims  `json:"dims"`
	Perm  tensor.Dims  `json:"perm"`
	DType tensor.DType `json:"dtype"`
}

func (c TransposeConfig) Op() OpID                  { return OpTranspose }
func (c TransposeConfig) ElementType() tensor.DType { return c.DType }

func (c TransposeConfig) Validate() error {
	if err := checkDType(c.DType); err != nil {
		return err
	}
	if err := checkDims("dims", c.Dims); err != nil {
		return err
	}
	return checkPerm(c.Perm, c.Dims.Rank())
}

// checkPerm requires perm to be a bijection over [0, rank).
func checkPerm(perm tensor.Dims, rank int) error {
	if perm.Rank() != rank {
		return fmt.Errorf("invalid permutation: %s has rank %d, tensor has %d", perm, perm.Rank(), rank)
	}
	var seen [tensor.MaxRank]bool
	for _, p := range perm.Shape() {
		if p < 0 || p >= rank {
			return fmt.Errorf("invalid permutation: %s (axis %d out of range)", perm, p)
		}
		if seen[p] {
			return fmt.Errorf("invalid permutation: %s (axis %d repeated)", perm, p)
		}
		seen[p] = true
	}
	return nil
}

func (c TransposeConfig) InputLayouts() []tensor.Layout { return rowMajorLayouts(c) }

func (c TransposeConfig) InputShapes() ([]tensor.Shape, error) {
	if err := c.Validate(); err != nil {
		return nil, err
	}
	return []tensor.Shape{c.Dims.Shape()}, nil
}

func (c TransposeConfig) OutputShape() (tensor.Shape, error) {
	if err := c.Validate(); err != nil {
		return nil, err
	}
	in := c.Dims.Shape()
	out := make(tensor.Shape, len(in))
	for i, p := range c.Perm.Shape() {
		out[i] = in[p]
	}
	return out, nil
}

// Inverse is the permutation that undoes c.Perm.
func (c TransposeConfig) Inverse() tensor.Dims {
	inv := tensor.Dims{N: c.Perm.N}
	for i, p := range c.Perm.Shape() {
		inv.D[p] = i
	}
	return inv
}

// Transpose is the axis permutation family. Values are moved, never
// computed, so comparison is exact.
func Transpose() Family {
	return &family[TransposeConfig]{
		op:      OpTranspose,
		space:   transposeSpace,
		inputs:  transposeInputs,
		compute: transposeCompute,
		ulps:    constULPs[TransposeConfig](0),
	}
}

func transposeSpace(opts Options) space.Space[TransposeConfig] {
	shapes := []tensor.Dims{
		tensor.DimsOf(6),
		tensor.DimsOf(3, 4),
		tensor.DimsOf(2, 3, 4),
		tensor.DimsOf(1, 3, 1, 2),
		tensor.DimsOf(2, 3, 4, 5),
	}
	d := tensor.DimsOf
	return space.Space[TransposeConfig]{
		Grid: transposeGrid(shapes, opts.dtypes()),
		Curated: []TransposeConfig{
			// NHWC to NCHW and back
			{Dims: d(2, 4, 4, 3), Perm: d(0, 3, 1, 2), DType: tensor.Float32},
			{Dims: d(2, 3, 4, 4), Perm: d(0, 2, 3, 1), DType: tensor.Float32},
			{Dims: d(1, 1, 1, 1, 1, 7), Perm: d(5, 4, 3, 2, 1, 0), DType: tensor.Float32},
			// not a bijection, filtered
			{Dims: d(2, 3, 4), Perm: d(0, 0, 1), DType: tensor.Float32},
		},
		Check: TransposeConfig.Validate,
	}
}

func transposeGrid(shapes []tensor.Dims, dtypes []int) iter.Seq[TransposeConfig] {
	return func(yield func(TransposeConfig) bool) {
		for _, s := range shapes {
			for _, p := range permutations(s.Rank()) {
				for _, dt := range dtypes {
					if !yield(TransposeConfig{Dims: s, Perm: tensor.DimsOf(p...), DType: tensor.DType(dt)}) {
						return
					}
				}
			}
		}
	}
}

// permutations lists every permutation of [0, n) in lexicographic order.
func permutations(n int) [][]int {
	p := make([]int, n)
	for i := range p {
		p[i] = i
	}
	var out [][]int
	for {
		out = append(out, append([]int(nil), p...))
		i := n - 2
		for i >= 0 && p[i] >= p[i+1] {
			i--
		}
		if i < 0 {
			return out
		}
		j := n - 1
		for p[j] <= p[i] {
			j--
		}
		p[i], p[j] = p[j], p[i]
		for l, r := i+1, n-1; l < r; l, r = l+1, r-1 {
			p[l], p[r] = p[r], p[l]
		}
	}
}

func transposeInputs(c TransposeConfig) []*tensor.Tensor {
	x := tensor.New("input", c.DType, tensor.RowMajor, c.Dims.Shape())
	// distinct values so a misplaced element is visible
	return []*tensor.Tensor{tensor.Iota(x, x.Size())}
}

func transposeCompute(c TransposeConfig, in []*tensor.Tensor) *tensor.Tensor {
	shape, _ := c.OutputShape()
	return permute(in[0], c.Perm.Shape(), shape)
}

func permute(x *tensor.Tensor, perm []int, shape tensor.Shape) *tensor.Tensor {
	out := tensor.New("output", x.DType, tensor.RowMajor, shape)
	inStrides := x.Shape.Strides()
	idx := make([]int, len(shape))
	for i := range out.Data {
		src := 0
		for k, v := range idx {
			src += v * inStrides[perm[k]]
		}
		out.Data[i] = x.Data[src]

		for k := len(idx) - 1; k >= 0; k-- {
			idx[k]++
			if idx[k] < shape[k] {
				break
			}
			idx[k] = 0
		}
	}
	return out
}
