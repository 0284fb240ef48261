package refmodel

import (
	"fmt"
	"math"

	"github.com/23skdu/longbow-testgen/internal/space"
	"github.com/23skdu/longbow-testgen/internal/tensor"
)

// BatchnormMode selects where the mean and variance come from.
type BatchnormMode int

const (
	// Inference reads mean and variance from inputs.
	Inference BatchnormMode = iota
	// Training computes population statistics of the batch over n, h and w.
	Training
)

func (m BatchnormMode) String() string {
	switch m {
	case Inference:
		return "inference"
	case Training:
		return "training"
	default:
		return fmt.Sprintf("mode(%d)", int(m))
	}
}

func (m BatchnormMode) MarshalText() ([]byte, error) {
	if m != Inference && m != Training {
		return nil, fmt.Errorf("unknown batchnorm mode %d", int(m))
	}
	return []byte(m.String()), nil
}

// BatchnormConfig is one batch normalization test case:
//
//	y = gamma * (x - mean) / sqrt(variance + epsilon) + beta
//
// Epsilon is added to the variance inside the square root.
type BatchnormConfig struct {
	Mode     BatchnormMode `json:"mode"`
	Layout   tensor.Layout `json:"layout"`
	DType    tensor.DType  `json:"dtype"`
	Batch    int           `json:"batch"`
	Rows     int           `json:"rows"`
	Cols     int           `json:"cols"`
	Channels int           `json:"channels"`
	Epsilon  float64       `json:"epsilon"`
}

func (c BatchnormConfig) Op() OpID                  { return OpBatchnorm }
func (c BatchnormConfig) ElementType() tensor.DType { return c.DType }

func (c BatchnormConfig) Validate() error {
	if err := checkDType(c.DType); err != nil {
		return err
	}
	if err := checkImageLayout(c.Layout); err != nil {
		return err
	}
	if c.Mode != Inference && c.Mode != Training {
		return fmt.Errorf("invalid mode: %d", int(c.Mode))
	}
	if !(c.Epsilon > 0) || math.IsInf(c.Epsilon, 0) {
		return fmt.Errorf("invalid epsilon: %g (must be positive)", c.Epsilon)
	}
	return checkImage(c.Batch, c.Rows, c.Cols, c.Channels)
}

func (c BatchnormConfig) InputShapes() ([]tensor.Shape, error) {
	x, err := c.OutputShape()
	if err != nil {
		return nil, err
	}
	ch := tensor.Shape{c.Channels}
	if c.Mode == Training {
		return []tensor.Shape{x, ch, ch}, nil
	}
	return []tensor.Shape{x, ch, ch, ch, ch}, nil
}

// InputLayouts puts the image in the configured layout; the per-channel
// vectors are plain.
func (c BatchnormConfig) InputLayouts() []tensor.Layout {
	out := []tensor.Layout{c.Layout, tensor.RowMajor, tensor.RowMajor}
	if c.Mode == Inference {
		out = append(out, tensor.RowMajor, tensor.RowMajor)
	}
	return out
}

func (c BatchnormConfig) OutputShape() (tensor.Shape, error) {
	if err := c.Validate(); err != nil {
		return nil, err
	}
	return tensor.ImageShape(c.Layout, c.Batch, c.Rows, c.Cols, c.Channels), nil
}

// Batchnorm is the batch normalization family.
func Batchnorm() Family {
	return &family[BatchnormConfig]{
		op:      OpBatchnorm,
		space:   batchnormSpace,
		inputs:  batchnormInputs,
		compute: batchnormCompute,
		ulps:    constULPs[BatchnormConfig](16),
	}
}

var batchnormEpsilons = []float64{1e-3, 1e-5}

func batchnormSpace(opts Options) space.Space[BatchnormConfig] {
	grid := space.Map(space.Product(
		space.Range(2), // mode
		[]int{int(tensor.NHWC), int(tensor.NCHW)},
		opts.dtypes(),
		[]int{1, 2},    // batch
		[]int{1, 5},    // rows
		[]int{1, 5},    // cols
		[]int{1, 3, 8}, // channels
		space.Range(len(batchnormEpsilons)),
	), func(v []int) BatchnormConfig {
		return BatchnormConfig{
			Mode:     BatchnormMode(v[0]),
			Layout:   tensor.Layout(v[1]),
			DType:    tensor.DType(v[2]),
			Batch:    v[3],
			Rows:     v[4],
			Cols:     v[5],
			Channels: v[6],
			Epsilon:  batchnormEpsilons[v[7]],
		}
	})
	return space.Space[BatchnormConfig]{
		Grid: grid,
		Curated: []BatchnormConfig{
			{Mode: Training, Layout: tensor.NHWC, DType: tensor.Float32, Batch: 4, Rows: 9, Cols: 7, Channels: 32, Epsilon: 1e-3},
			{Mode: Inference, Layout: tensor.NCHW, DType: tensor.Float32, Batch: 1, Rows: 16, Cols: 16, Channels: 1, Epsilon: 1e-5},
		},
		Check: BatchnormConfig.Validate,
	}
}

func batchnormInputs(c BatchnormConfig) []*tensor.Tensor {
	shapes, _ := c.InputShapes()
	vec := func(name string) *tensor.Tensor {
		return tensor.New(name, c.DType, tensor.RowMajor, shapes[1])
	}
	x := tensor.Iota(tensor.New("input", c.DType, c.Layout, shapes[0]), 13)
	gamma := tensor.IotaAffine(vec("gamma"), 4, 0, 0.5)
	beta := tensor.IotaCentered(vec("beta"), 5, 3)
	if c.Mode == Training {
		return []*tensor.Tensor{x, gamma, beta}
	}
	return []*tensor.Tensor{
		x,
		tensor.Iota(vec("mean"), 9),
		tensor.IotaAffine(vec("variance"), 6, 0, 0.75),
		gamma,
		beta,
	}
}

func batchnormCompute(c BatchnormConfig, in []*tensor.Tensor) *tensor.Tensor {
	x, _ := tensor.AsImage(in[0])
	var mean, variance, gamma, beta []float64
	if c.Mode == Training {
		gamma, beta = in[1].Data, in[2].Data
		mean, variance = batchStats(x)
	} else {
		mean, variance, gamma, beta = in[1].Data, in[2].Data, in[3].Data, in[4].Data
	}

	out := tensor.NewImage("output", c.DType, c.Layout, c.Batch, c.Rows, c.Cols, c.Channels)
	eachOutput(c.Batch, c.Rows, c.Cols, c.Channels, func(n, h, w, ch int) {
		norm := (x.At(n, h, w, ch) - mean[ch]) / math.Sqrt(variance[ch]+c.Epsilon)
		out.Set(gamma[ch]*norm+beta[ch], n, h, w, ch)
	})
	return out.T
}

// batchStats is the per-channel mean and population variance over n, h, w.
func batchStats(x tensor.Image) (mean, variance []float64) {
	mean = make([]float64, x.C)
	variance = make([]float64, x.C)
	count := float64(x.N * x.H * x.W)
	eachOutput(x.N, x.H, x.W, x.C, func(n, h, w, c int) {
		mean[c] += x.At(n, h, w, c)
	})
	for c := range mean {
		mean[c] /= count
	}
	eachOutput(x.N, x.H, x.W, x.C, func(n, h, w, c int) {
		d := x.At(n, h, w, c) - mean[c]
		variance[c] += d * d
	})
	for c := range variance {
		variance[c] /= count
	}
	return mean, variance
}
