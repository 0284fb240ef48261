package tensor

import "fmt"

// ImageShape returns the physical shape of a batch of images for a layout.
func ImageShape(layout Layout, n, h, w, c int) Shape {
	if layout == NCHW {
		return Shape{n, c, h, w}
	}
	return Shape{n, h, w, c}
}

// Image gives (n, h, w, c) access to a 4-D NHWC or NCHW tensor.
type Image struct {
	T          *Tensor
	N, H, W, C int
}

// NewImage allocates a zeroed image tensor.
func NewImage(name string, dtype DType, layout Layout, n, h, w, c int) Image {
	return Image{T: New(name, dtype, layout, ImageShape(layout, n, h, w, c)), N: n, H: h, W: w, C: c}
}

// AsImage interprets an existing tensor using its Layout.
func AsImage(t *Tensor) (Image, error) {
	if len(t.Shape) != 4 {
		return Image{}, fmt.Errorf("tensor %s: image needs rank 4, got %v", t.Name, t.Shape)
	}
	s := t.Shape
	switch t.Layout {
	case NHWC:
		return Image{T: t, N: s[0], H: s[1], W: s[2], C: s[3]}, nil
	case NCHW:
		return Image{T: t, N: s[0], C: s[1], H: s[2], W: s[3]}, nil
	}
	return Image{}, fmt.Errorf("tensor %s: layout %s is not an image layout", t.Name, t.Layout)
}

// Index returns the flat offset of logical element (n, h, w, c).
func (im Image) Index(n, h, w, c int) int {
	if im.T.Layout == NCHW {
		return ((n*im.C+c)*im.H+h)*im.W + w
	}
	return ((n*im.H+h)*im.W+w)*im.C + c
}

func (im Image) At(n, h, w, c int) float64 { return im.T.Data[im.Index(n, h, w, c)] }

func (im Image) Add(v float64, n, h, w, c int) { im.T.Data[im.Index(n, h, w, c)] += v }

func (im Image) Set(v float64, n, h, w, c int) { im.T.Data[im.Index(n, h, w, c)] = v }

// ChannelAxis is the position of the channel dimension in the physical shape.
func ChannelAxis(layout Layout) int {
	if layout == NCHW {
		return 1
	}
	return 3
}
