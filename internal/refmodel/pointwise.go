package refmodel

import (
	"fmt"
	"math"

	"github.com/23skdu/longbow-testgen/internal/space"
	"github.com/23skdu/longbow-testgen/internal/tensor"
)

// PointwiseOp is an elementwise function.
type PointwiseOp int

const (
	Relu PointwiseOp = iota
	Tanh
	Exp
	Log
	Floor
	Sqrt
	Sigmoid
	// ReluGrad and TanhGrad take (x, output_grad) of equal shape.
	ReluGrad
	TanhGrad
	// Add through Div broadcast their operands.
	Add
	Sub
	Mul
	Div
	numPointwiseOps
)

var pointwiseNames = [...]string{
	Relu: "relu", Tanh: "tanh", Exp: "exp", Log: "log", Floor: "floor",
	Sqrt: "sqrt", Sigmoid: "sigmoid", ReluGrad: "relu_grad", TanhGrad: "tanh_grad",
	Add: "add", Sub: "sub", Mul: "mul", Div: "div",
}

func (o PointwiseOp) String() string {
	if o < 0 || o >= numPointwiseOps {
		return fmt.Sprintf("pointwise(%d)", int(o))
	}
	return pointwiseNames[o]
}

func (o PointwiseOp) MarshalText() ([]byte, error) {
	if o < 0 || o >= numPointwiseOps {
		return nil, fmt.Errorf("unknown pointwise op %d", int(o))
	}
	return []byte(o.String()), nil
}

func (o PointwiseOp) unary() bool    { return o < ReluGrad }
func (o PointwiseOp) gradient() bool { return o == ReluGrad || o == TanhGrad }

// transcendental ops go through a library function in the kernel and get a
// wider tolerance than correctly rounded arithmetic.
func (o PointwiseOp) transcendental() bool {
	switch o {
	case Tanh, Exp, Log, Sqrt, Sigmoid, TanhGrad:
		return true
	}
	return false
}

// PointwiseConfig is one elementwise test case. RHS is empty for unary ops.
type PointwiseConfig struct {
	Fn    PointwiseOp  `json:"fn"`
	LHS   tensor.Dims  `json:"lhs"`
	RHS   tensor.Dims  `json:"rhs"`
	DType tensor.DType `json:"dtype"`
}

func (c PointwiseConfig) Op() OpID                  { return OpPointwise }
func (c PointwiseConfig) ElementType() tensor.DType { return c.DType }

func (c PointwiseConfig) Validate() error {
	_, err := c.OutputShape()
	return err
}

func (c PointwiseConfig) InputLayouts() []tensor.Layout { return rowMajorLayouts(c) }

func (c PointwiseConfig) InputShapes() ([]tensor.Shape, error) {
	if err := c.Validate(); err != nil {
		return nil, err
	}
	if c.Fn.unary() {
		return []tensor.Shape{c.LHS.Shape()}, nil
	}
	return []tensor.Shape{c.LHS.Shape(), c.RHS.Shape()}, nil
}

func (c PointwiseConfig) OutputShape() (tensor.Shape, error) {
	if err := checkDType(c.DType); err != nil {
		return nil, err
	}
	if c.Fn < 0 || c.Fn >= numPointwiseOps {
		return nil, fmt.Errorf("invalid pointwise op: %d", int(c.Fn))
	}
	if err := checkDims("lhs", c.LHS); err != nil {
		return nil, err
	}
	switch {
	case c.Fn.unary():
		if c.RHS.Rank() != 0 {
			return nil, fmt.Errorf("invalid rhs: %s for unary %s", c.RHS, c.Fn)
		}
		return c.LHS.Shape(), nil
	case c.Fn.gradient():
		if c.RHS != c.LHS {
			return nil, fmt.Errorf("invalid gradient shape: %s (must equal input %s)", c.RHS, c.LHS)
		}
		return c.LHS.Shape(), nil
	}
	if err := checkDims("rhs", c.RHS); err != nil {
		return nil, err
	}
	return Broadcast(c.LHS.Shape(), c.RHS.Shape())
}

func checkDims(name string, d tensor.Dims) error {
	if d.Rank() == 0 {
		return fmt.Errorf("invalid %s: empty shape", name)
	}
	for _, v := range d.Shape() {
		if v < 1 {
			return fmt.Errorf("invalid %s: %s (dimensions must be positive)", name, d)
		}
	}
	return nil
}

// Broadcast applies NumPy rules: shapes are right-aligned and each pair of
// dimensions must be equal or contain a 1.
func Broadcast(a, b tensor.Shape) (tensor.Shape, error) {
	n := max(len(a), len(b))
	out := make(tensor.Shape, n)
	for i := 0; i < n; i++ {
		da, db := dimFromRight(a, n-1-i), dimFromRight(b, n-1-i)
		switch {
		case da == db || db == 1:
			out[i] = da
		case da == 1:
			out[i] = db
		default:
			return nil, fmt.Errorf("shapes %v and %v do not broadcast", a, b)
		}
	}
	return out, nil
}

func dimFromRight(s tensor.Shape, k int) int {
	if k >= len(s) {
		return 1
	}
	return s[len(s)-1-k]
}

// broadcastStrides maps output coordinates onto s, with stride 0 on stretched axes.
func broadcastStrides(s, out tensor.Shape) []int {
	strides := make([]int, len(out))
	inner := s.Strides()
	for i := range out {
		j := i - (len(out) - len(s))
		if j >= 0 && s[j] != 1 {
			strides[i] = inner[j]
		}
	}
	return strides
}

// Pointwise is the elementwise family.
func Pointwise() Family {
	return &family[PointwiseConfig]{
		op:      OpPointwise,
		space:   pointwiseSpace,
		inputs:  pointwiseInputs,
		compute: pointwiseCompute,
		ulps: func(c PointwiseConfig) uint32 {
			if c.Fn.transcendental() {
				return 4
			}
			return 1
		},
	}
}

type shapePair struct{ lhs, rhs tensor.Dims }

func pointwiseShapes() []shapePair {
	d := tensor.DimsOf
	return []shapePair{
		{d(1), tensor.Dims{}},
		{d(7), tensor.Dims{}},
		{d(3, 5), tensor.Dims{}},
		{d(2, 4, 4, 3), tensor.Dims{}},
		{d(3, 5), d(3, 5)},
		{d(2, 4, 4, 3), d(2, 4, 4, 3)},
		{d(3, 5), d(5)},
		{d(3, 5), d(1)},
		{d(2, 1, 4), d(3, 1)},
		{d(4), d(2, 3, 4)},
		{d(2, 3, 4), d(1, 3, 1)},
		// incompatible, filtered
		{d(2, 3), d(4)},
	}
}

func pointwiseSpace(opts Options) space.Space[PointwiseConfig] {
	shapes := pointwiseShapes()
	grid := space.Map(space.Product(
		space.Range(int(numPointwiseOps)),
		space.Range(len(shapes)),
		opts.dtypes(),
	), func(v []int) PointwiseConfig {
		return PointwiseConfig{
			Fn:    PointwiseOp(v[0]),
			LHS:   shapes[v[1]].lhs,
			RHS:   shapes[v[1]].rhs,
			DType: tensor.DType(v[2]),
		}
	})

	var curated []PointwiseConfig
	for fn := Relu; fn < numPointwiseOps; fn++ {
		c := PointwiseConfig{Fn: fn, LHS: tensor.DimsOf(1000), DType: tensor.Float32}
		if !fn.unary() {
			c.RHS = c.LHS
		}
		curated = append(curated, c)
	}
	curated = append(curated,
		PointwiseConfig{Fn: Add, LHS: tensor.DimsOf(1, 1, 1, 1), RHS: tensor.DimsOf(1), DType: tensor.Float32},
		PointwiseConfig{Fn: Mul, LHS: tensor.DimsOf(2, 4, 4, 3), RHS: tensor.DimsOf(3), DType: tensor.Float32},
	)
	return space.Space[PointwiseConfig]{
		Grid:    grid,
		Curated: curated,
		Check:   PointwiseConfig.Validate,
	}
}

func pointwiseInputs(c PointwiseConfig) []*tensor.Tensor {
	shapes, _ := c.InputShapes()
	x := tensor.New("input", c.DType, tensor.RowMajor, shapes[0])
	switch {
	case c.Fn == Log || c.Fn == Sqrt:
		tensor.Iota(x, 16)
	case c.Fn.transcendental() || c.Fn == Floor:
		tensor.IotaAffine(x, 16, 8.5, 0.25)
	default:
		tensor.IotaCentered(x, 16, 8.5)
	}
	if c.Fn.unary() {
		return []*tensor.Tensor{x}
	}
	if c.Fn.gradient() {
		return []*tensor.Tensor{x, tensor.Iota(tensor.New("output_grad", c.DType, tensor.RowMajor, shapes[1]), 5)}
	}
	x.Name = "lhs"
	return []*tensor.Tensor{x, tensor.Iota(tensor.New("rhs", c.DType, tensor.RowMajor, shapes[1]), 7)}
}

func pointwiseCompute(c PointwiseConfig, in []*tensor.Tensor) *tensor.Tensor {
	shape, _ := c.OutputShape()
	out := tensor.New("output", c.DType, tensor.RowMajor, shape)
	if c.Fn.unary() {
		for i, v := range in[0].Data {
			out.Data[i] = unaryFn(c.Fn, v)
		}
		return out
	}

	ls := broadcastStrides(in[0].Shape, shape)
	rs := broadcastStrides(in[1].Shape, shape)
	idx := make([]int, len(shape))
	for i := range out.Data {
		lo, ro := 0, 0
		for k, v := range idx {
			lo += v * ls[k]
			ro += v * rs[k]
		}
		out.Data[i] = binaryFn(c.Fn, in[0].Data[lo], in[1].Data[ro])

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

func unaryFn(fn PointwiseOp, x float64) float64 {
	switch fn {
	case Relu:
		return math.Max(x, 0)
	case Tanh:
		return math.Tanh(x)
	case Exp:
		return math.Exp(x)
	case Log:
		return math.Log(x)
	case Floor:
		return math.Floor(x)
	case Sqrt:
		return math.Sqrt(x)
	case Sigmoid:
		return 1 / (1 + math.Exp(-x))
	}
	panic(fmt.Sprintf("refmodel: %s is not unary", fn))
}

func binaryFn(fn PointwiseOp, a, b float64) float64 {
	switch fn {
	case ReluGrad:
		if a > 0 {
			return b
		}
		return 0
	case TanhGrad:
		t := math.Tanh(a)
		return b * (1 - t*t)
	case Add:
		return a + b
	case Sub:
		return a - b
	case Mul:
		return a * b
	case Div:
		return a / b
	}
	panic(fmt.Sprintf("refmodel: %s is not binary", fn))
}
