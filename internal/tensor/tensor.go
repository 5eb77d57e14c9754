package tensor

import (
	"errors"
	"fmt"
	"math/rand"
	"slices"
)

// Tensor is a dense row-major float64 array.
//
// The first dimension is the batch dimension for activations. Weight tensors
// use their natural layout: Dense kernels are [out x in], Conv2D kernels are
// [out x in x kh x kw].
type Tensor struct {
	Shape []int
	Data  []float64
}

var (
	errNegativeDim    = errors.New("tensor: negative dimension")
	errShapeMismatch  = errors.New("tensor: shape mismatch")
	errDataSizeLength = errors.New("tensor: data length does not match shape")
)

// New allocates a zero tensor with the given shape.
func New(shape ...int) *Tensor {
	n := Numel(shape)
	if n < 0 {
		panic(errNegativeDim)
	}
	return &Tensor{
		Shape: slices.Clone(shape),
		Data:  make([]float64, n),
	}
}

// FromData wraps data with the given shape. The slice is not copied.
func FromData(shape []int, data []float64) (*Tensor, error) {
	n := Numel(shape)
	if n < 0 {
		return nil, errNegativeDim
	}
	if n != len(data) {
		return nil, fmt.Errorf("%w: shape %v wants %d values, got %d", errDataSizeLength, shape, n, len(data))
	}
	return &Tensor{Shape: slices.Clone(shape), Data: data}, nil
}

// MustFromData is FromData for literals in tests and fixtures.
func MustFromData(shape []int, data []float64) *Tensor {
	t, err := FromData(shape, data)
	if err != nil {
		panic(err)
	}
	return t
}

// Numel returns the element count for shape, or -1 for a negative dim.
func Numel(shape []int) int {
	n := 1
	for _, d := range shape {
		if d < 0 {
			return -1
		}
		n *= d
	}
	return n
}

// Len returns the number of elements.
func (t *Tensor) Len() int { return len(t.Data) }

// Rank returns the number of dimensions.
func (t *Tensor) Rank() int { return len(t.Shape) }

// Batch returns the leading dimension, or 1 for scalars.
func (t *Tensor) Batch() int {
	if len(t.Shape) == 0 {
		return 1
	}
	return t.Shape[0]
}

// SampleShape returns the shape without the batch dimension.
func (t *Tensor) SampleShape() []int {
	if len(t.Shape) == 0 {
		return nil
	}
	return slices.Clone(t.Shape[1:])
}

// Clone deep-copies the tensor.
func (t *Tensor) Clone() *Tensor {
	if t == nil {
		return nil
	}
	return &Tensor{Shape: slices.Clone(t.Shape), Data: slices.Clone(t.Data)}
}

// SameShape reports whether a and b have identical shapes.
func SameShape(a, b *Tensor) bool {
	return slices.Equal(a.Shape, b.Shape)
}

// Reshape returns a view with a new shape over the same data.
func (t *Tensor) Reshape(shape ...int) (*Tensor, error) {
	if Numel(shape) != len(t.Data) {
		return nil, fmt.Errorf("%w: cannot reshape %v to %v", errShapeMismatch, t.Shape, shape)
	}
	return &Tensor{Shape: slices.Clone(shape), Data: t.Data}, nil
}

// Fill sets every element to v.
func (t *Tensor) Fill(v float64) {
	for i := range t.Data {
		t.Data[i] = v
	}
}

// FillRand fills t with deterministic values in [lo, hi) derived from seed.
func FillRand(t *Tensor, seed int64, lo, hi float64) {
	rng := rand.New(rand.NewSource(seed))
	span := hi - lo
	for i := range t.Data {
		t.Data[i] = lo + rng.Float64()*span
	}
}

// FillNormal fills t with deterministic N(0, std^2) samples.
func FillNormal(t *Tensor, seed int64, std float64) {
	rng := rand.New(rand.NewSource(seed))
	for i := range t.Data {
		t.Data[i] = rng.NormFloat64() * std
	}
}
