// Package tensor holds the dense float32 tensor passed between preprocessing,
// inference, Grad-CAM and training. Data is row-major; image tensors are NHWC.
package tensor

import (
	"fmt"
)

type Tensor struct {
	Shape []int
	Data  []float32
}

// New wraps data with the given shape. The element count must match.
func New(shape []int, data []float32) (*Tensor, error) {
	n := Size(shape)
	if n != len(data) {
		return nil, fmt.Errorf("tensor: shape %v wants %d values, got %d", shape, n, len(data))
	}
	s := make([]int, len(shape))
	copy(s, shape)
	return &Tensor{Shape: s, Data: data}, nil
}

func Zeros(shape ...int) *Tensor {
	s := make([]int, len(shape))
	copy(s, shape)
	return &Tensor{Shape: s, Data: make([]float32, Size(shape))}
}

// Size returns the number of elements described by shape.
func Size(shape []int) int {
	if len(shape) == 0 {
		return 0
	}
	n := 1
	for _, d := range shape {
		n *= d
	}
	return n
}

func (t *Tensor) Len() int { return len(t.Data) }

func (t *Tensor) Rank() int { return len(t.Shape) }

// Shape64 returns the shape as int64, the form onnxruntime expects.
func (t *Tensor) Shape64() []int64 {
	out := make([]int64, len(t.Shape))
	for i, d := range t.Shape {
		out[i] = int64(d)
	}
	return out
}

// SameShape reports whether two shapes are identical.
func SameShape(a, b []int) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}

// Stack concatenates tensors of shape (1, ...) along the batch axis.
func Stack(items []*Tensor) (*Tensor, error) {
	if len(items) == 0 {
		return nil, fmt.Errorf("tensor: nothing to stack")
	}
	first := items[0]
	if first.Rank() == 0 || first.Shape[0] != 1 {
		return nil, fmt.Errorf("tensor: stack wants leading batch dim 1, got %v", first.Shape)
	}
	per := first.Len()
	data := make([]float32, 0, per*len(items))
	for i, it := range items {
		if !SameShape(it.Shape, first.Shape) {
			return nil, fmt.Errorf("tensor: item %d has shape %v, want %v", i, it.Shape, first.Shape)
		}
		data = append(data, it.Data...)
	}
	shape := append([]int{len(items)}, first.Shape[1:]...)
	return &Tensor{Shape: shape, Data: data}, nil
}

// Row returns the i-th slice along the leading axis without copying.
func (t *Tensor) Row(i int) []float32 {
	per := t.Len() / t.Shape[0]
	return t.Data[i*per : (i+1)*per]
}
