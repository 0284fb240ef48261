package refmodel

import (
	"fmt"

	"github.com/23skdu/longbow-testgen/internal/tensor"
	"github.com/23skdu/longbow-testgen/internal/window"
)

// Direction selects which derivative of an operator a fixture checks.
type Direction int

const (
	Forward Direction = iota
	// InputBackprop is the gradient with respect to the operator input.
	InputBackprop
	// FilterBackprop is the gradient with respect to convolution weights.
	FilterBackprop
)

func (d Direction) String() string {
	switch d {
	case Forward:
		return "forward"
	case InputBackprop:
		return "input_backprop"
	case FilterBackprop:
		return "filter_backprop"
	default:
		return fmt.Sprintf("direction(%d)", int(d))
	}
}

func (d Direction) MarshalText() ([]byte, error) {
	if d < Forward || d > FilterBackprop {
		return nil, fmt.Errorf("unknown direction %d", int(d))
	}
	return []byte(d.String()), nil
}

// Geometry is the sliding-window part of a convolution or pooling
// configuration. Explicit pads are only read with window.Explicit.
type Geometry struct {
	WindowRows   int            `json:"window_rows"`
	WindowCols   int            `json:"window_cols"`
	StrideRows   int            `json:"stride_rows"`
	StrideCols   int            `json:"stride_cols"`
	DilationRows int            `json:"dilation_rows"`
	DilationCols int            `json:"dilation_cols"`
	Padding      window.Padding `json:"padding"`
	PadTop       int            `json:"pad_top"`
	PadBottom    int            `json:"pad_bottom"`
	PadLeft      int            `json:"pad_left"`
	PadRight     int            `json:"pad_right"`
}

// Square builds a geometry with equal row and column parameters.
func Square(win, stride, dilation int, pad window.Padding) Geometry {
	return Geometry{
		WindowRows: win, WindowCols: win,
		StrideRows: stride, StrideCols: stride,
		DilationRows: dilation, DilationCols: dilation,
		Padding: pad,
	}
}

// normalized clears explicit pads when they are not read, so configurations
// that behave identically compare equal.
func (g Geometry) normalized() Geometry {
	if g.Padding != window.Explicit {
		g.PadTop, g.PadBottom, g.PadLeft, g.PadRight = 0, 0, 0, 0
	}
	return g
}

func (g Geometry) rowSpec(in int) window.Spec {
	return window.Spec{Input: in, Window: g.WindowRows, Stride: g.StrideRows, Dilation: g.DilationRows,
		Padding: g.Padding, Before: g.PadTop, After: g.PadBottom}
}

func (g Geometry) colSpec(in int) window.Spec {
	return window.Spec{Input: in, Window: g.WindowCols, Stride: g.StrideCols, Dilation: g.DilationCols,
		Padding: g.Padding, Before: g.PadLeft, After: g.PadRight}
}

// convLayouts is the input layout order shared by the convolution families:
// images in the configured layout, filters in HWCF.
func convLayouts(d Direction, image tensor.Layout) []tensor.Layout {
	if d == FilterBackprop {
		return []tensor.Layout{image, image}
	}
	return []tensor.Layout{image, tensor.HWCF}
}

// plane is the resolved two-dimensional geometry of one configuration.
type plane struct {
	rowSpec, colSpec window.Spec
	rows, cols       window.Result
}

// resolve applies the window formula to both spatial axes.
func (g Geometry) resolve(inRows, inCols int) (plane, error) {
	if g != g.normalized() {
		return plane{}, fmt.Errorf("explicit pads set with %s padding", g.Padding)
	}
	p := plane{rowSpec: g.rowSpec(inRows), colSpec: g.colSpec(inCols)}
	var err error
	if p.rows, err = p.rowSpec.Resolve(); err != nil {
		return plane{}, fmt.Errorf("rows: %w", err)
	}
	if p.cols, err = p.colSpec.Resolve(); err != nil {
		return plane{}, fmt.Errorf("cols: %w", err)
	}
	return p, nil
}

// taps visits every in-bounds window tap of output position (oh, ow).
func (p plane) taps(oh, ow int, fn func(kh, kw, ih, iw int)) {
	p.rows.Taps(oh, p.rowSpec, func(kh, ih int) {
		p.cols.Taps(ow, p.colSpec, func(kw, iw int) {
			fn(kh, kw, ih, iw)
		})
	})
}

// count is the number of in-bounds taps of output position (oh, ow).
func (p plane) count(oh, ow int) int {
	return p.rows.Count(oh, p.rowSpec) * p.cols.Count(ow, p.colSpec)
}

// filter gives (kh, kw, c, f) access to an HWCF tensor.
type filter struct {
	t            *tensor.Tensor
	kh, kw, c, f int
}

func newFilter(name string, dt tensor.DType, kh, kw, c, f int) filter {
	return filter{t: tensor.New(name, dt, tensor.HWCF, tensor.Shape{kh, kw, c, f}), kh: kh, kw: kw, c: c, f: f}
}

func asFilter(t *tensor.Tensor) filter {
	return filter{t: t, kh: t.Shape[0], kw: t.Shape[1], c: t.Shape[2], f: t.Shape[3]}
}

func (fl filter) index(h, w, c, f int) int {
	return ((h*fl.kw+w)*fl.c+c)*fl.f + f
}

func (fl filter) at(h, w, c, f int) float64 { return fl.t.Data[fl.index(h, w, c, f)] }
