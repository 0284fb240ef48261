package tensor

import (
	"fmt"
	"math"
)

// Tensor is a named, typed, dense array. Data holds Shape.Size() values in
// row-major order over Shape; Layout records what the axes of Shape mean.
type Tensor struct {
	Name   string
	DType  DType
	Layout Layout
	Shape  Shape
	Data   []float64
}

// New returns a zero-filled tensor.
func New(name string, dtype DType, layout Layout, shape Shape) *Tensor {
	for _, d := range shape {
		if d < 0 {
			panic(fmt.Sprintf("tensor %s: negative dimension in %v", name, shape))
		}
	}
	return &Tensor{
		Name:   name,
		DType:  dtype,
		Layout: layout,
		Shape:  shape.Clone(),
		Data:   make([]float64, shape.Size()),
	}
}

func (t *Tensor) Size() int { return len(t.Data) }

func (t *Tensor) Rank() int { return len(t.Shape) }

// Offset returns the flat index of a full coordinate.
func (t *Tensor) Offset(idx ...int) int {
	if len(idx) != len(t.Shape) {
		panic(fmt.Sprintf("tensor %s: %d indices for rank %d", t.Name, len(idx), len(t.Shape)))
	}
	off := 0
	for i, v := range idx {
		if v < 0 || v >= t.Shape[i] {
			panic(fmt.Sprintf("tensor %s: index %d out of range for axis %d of %v", t.Name, v, i, t.Shape))
		}
		off = off*t.Shape[i] + v
	}
	return off
}

func (t *Tensor) At(idx ...int) float64 { return t.Data[t.Offset(idx...)] }

func (t *Tensor) Set(v float64, idx ...int) { t.Data[t.Offset(idx...)] = v }

// RoundTo rounds every element to the tensor's DType in place.
func (t *Tensor) RoundTo() *Tensor {
	for i, v := range t.Data {
		t.Data[i] = t.DType.Round(v)
	}
	return t
}

// Clone returns a deep copy under a new name.
func (t *Tensor) Clone(name string) *Tensor {
	c := New(name, t.DType, t.Layout, t.Shape)
	copy(c.Data, t.Data)
	return c
}

// Equal reports exact equality of metadata and data.
func (t *Tensor) Equal(o *Tensor) bool {
	if t.DType != o.DType || t.Layout != o.Layout || !t.Shape.Equal(o.Shape) || len(t.Data) != len(o.Data) {
		return false
	}
	for i := range t.Data {
		if t.Data[i] != o.Data[i] {
			return false
		}
	}
	return true
}

// NonFinite returns the index of the first NaN or Inf element, or -1.
func (t *Tensor) NonFinite() int {
	for i, v := range t.Data {
		if math.IsNaN(v) || math.IsInf(v, 0) {
			return i
		}
	}
	return -1
}

// Infinite returns the index of the first infinite element, or -1.
func (t *Tensor) Infinite() int {
	for i, v := range t.Data {
		if math.IsInf(v, 0) {
			return i
		}
	}
	return -1
}

func (t *Tensor) String() string {
	return fmt.Sprintf("%s %s %s %v", t.Name, t.DType, t.Layout, t.Shape)
}
