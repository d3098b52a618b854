// Package tensor provides the dense tensor value type shared by the training harness.
//
// A Tensor is a row-major block of float64 values with a fixed Shape. It carries
// no device or autograd state: layers compute gradients explicitly and the
// optimizer mutates parameter data in place between steps.
package tensor

import (
	"fmt"
	"math"
)

// Tensor is a dense, row-major n-dimensional array of float64 values.
type Tensor struct {
	shape Shape
	data  []float64
}

// New wraps data in a tensor of the given shape.
//
// The slice is used directly (no copy). Returns an error if the shape is
// invalid or does not match len(data).
func New(shape Shape, data []float64) (*Tensor, error) {
	if err := shape.Validate(); err != nil {
		return nil, fmt.Errorf("invalid shape: %w", err)
	}
	if shape.NumElements() != len(data) {
		return nil, fmt.Errorf("shape %v needs %d elements, got %d", shape, shape.NumElements(), len(data))
	}
	return &Tensor{shape: shape.Clone(), data: data}, nil
}

// Zeros creates a tensor filled with zeros.
//
// Panics if the shape is invalid; shapes come from model definitions and
// checkpoints that have already been validated.
func Zeros(shape Shape) *Tensor {
	if err := shape.Validate(); err != nil {
		panic(fmt.Sprintf("tensor.Zeros: %v", err))
	}
	return &Tensor{shape: shape.Clone(), data: make([]float64, shape.NumElements())}
}

// Full creates a tensor filled with a specific value.
func Full(shape Shape, value float64) *Tensor {
	t := Zeros(shape)
	t.Fill(value)
	return t
}

// Shape returns the tensor's shape.
func (t *Tensor) Shape() Shape {
	return t.shape
}

// Data returns the underlying values. Writes are visible to the tensor.
func (t *Tensor) Data() []float64 {
	return t.data
}

// NumElements returns the total number of elements.
func (t *Tensor) NumElements() int {
	return len(t.data)
}

// Fill sets every element to value.
func (t *Tensor) Fill(value float64) {
	for i := range t.data {
		t.data[i] = value
	}
}

// Clone returns a deep copy of the tensor.
func (t *Tensor) Clone() *Tensor {
	data := make([]float64, len(t.data))
	copy(data, t.data)
	return &Tensor{shape: t.shape.Clone(), data: data}
}

// CopyFrom overwrites the tensor's values with src's. Shapes must match.
func (t *Tensor) CopyFrom(src *Tensor) error {
	if !t.shape.Equal(src.shape) {
		return fmt.Errorf("shape mismatch: %v vs %v", t.shape, src.shape)
	}
	copy(t.data, src.data)
	return nil
}

// Reshape returns a tensor sharing t's data under a new shape.
func (t *Tensor) Reshape(shape Shape) (*Tensor, error) {
	return New(shape, t.data)
}

// Equal reports whether both tensors have the same shape and bitwise-equal values.
func (t *Tensor) Equal(other *Tensor) bool {
	if other == nil || !t.shape.Equal(other.shape) {
		return false
	}
	for i, v := range t.data {
		if math.Float64bits(v) != math.Float64bits(other.data[i]) {
			return false
		}
	}
	return true
}

// String implements fmt.Stringer with a compact description.
func (t *Tensor) String() string {
	return fmt.Sprintf("Tensor%v", []int(t.shape))
}
