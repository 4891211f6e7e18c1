package tensor

import (
	"fmt"
	"math"
)

// Shape is an NCHW tensor shape.
type Shape struct {
	N, C, H, W int
}

// Numel returns the number of elements described by s. Only meaningful
// when s is Valid.
func (s Shape) Numel() int { return s.N * s.C * s.H * s.W }

// CheckedNumel is Numel with overflow detection. ok is false when a
// dimension is negative or the product does not fit in an int.
func (s Shape) CheckedNumel() (n int, ok bool) {
	n = 1
	for _, d := range [...]int{s.N, s.C, s.H, s.W} {
		if d < 0 {
			return 0, false
		}
		if d != 0 && n > math.MaxInt/d {
			return 0, false
		}
		n *= d
	}
	return n, true
}

// Valid reports whether every dimension is positive and the element count
// fits in an int.
func (s Shape) Valid() bool {
	if s.N <= 0 || s.C <= 0 || s.H <= 0 || s.W <= 0 {
		return false
	}
	_, ok := s.CheckedNumel()
	return ok
}

func (s Shape) String() string {
	return fmt.Sprintf("(%d, %d, %d, %d)", s.N, s.C, s.H, s.W)
}

// Tensor is a dense NCHW float32 tensor.
type Tensor struct {
	Shape Shape
	Data  []float32
}

// New allocates a zeroed tensor.
func New(s Shape) *Tensor {
	n, ok := s.CheckedNumel()
	if !ok {
		panic(fmt.Sprintf("tensor shape %s is negative or overflows", s))
	}
	return &Tensor{Shape: s, Data: make([]float32, n)}
}

// FromData wraps data as a tensor of shape s.
func FromData(s Shape, data []float32) (*Tensor, error) {
	if !s.Valid() {
		return nil, fmt.Errorf("invalid tensor shape %s", s)
	}
	if len(data) != s.Numel() {
		return nil, fmt.Errorf("tensor data length %d does not match shape %s", len(data), s)
	}
	return &Tensor{Shape: s, Data: data}, nil
}

// Index returns the flat offset of element (n, c, h, w).
func (t *Tensor) Index(n, c, h, w int) int {
	s := t.Shape
	return ((n*s.C+c)*s.H+h)*s.W + w
}

// Plane returns the H×W slice for batch n, channel c.
func (t *Tensor) Plane(n, c int) []float32 {
	hw := t.Shape.H * t.Shape.W
	start := (n*t.Shape.C + c) * hw
	return t.Data[start : start+hw]
}

// ChannelOf maps a flat offset to its channel.
func (t *Tensor) ChannelOf(i int) int {
	return (i / (t.Shape.H * t.Shape.W)) % t.Shape.C
}

// Clone returns a deep copy.
func (t *Tensor) Clone() *Tensor {
	out := &Tensor{Shape: t.Shape, Data: make([]float32, len(t.Data))}
	copy(out.Data, t.Data)
	return out
}
