package nn

import (
	"fmt"
	"math/rand/v2"

	"github.com/born-ml/eco/internal/tensor"
)

// ReLU is a Rectified Linear Unit activation module.
//
// Applies the element-wise function: f(x) = max(0, x)
type ReLU struct {
	stateless
	mask []bool
}

// NewReLU creates a new ReLU activation module.
func NewReLU() *ReLU {
	return &ReLU{}
}

// Forward applies ReLU activation.
func (r *ReLU) Forward(x *tensor.Tensor) (*tensor.Tensor, error) {
	src := x.Data()
	out := make([]float64, len(src))
	r.mask = make([]bool, len(src))
	for i, v := range src {
		if v > 0 {
			out[i] = v
			r.mask[i] = true
		}
	}
	return tensor.New(x.Shape(), out)
}

// Backward passes the gradient through positive inputs only.
func (r *ReLU) Backward(grad *tensor.Tensor) (*tensor.Tensor, error) {
	if r.mask == nil {
		return nil, fmt.Errorf("relu: backward before forward")
	}
	dy := grad.Data()
	dx := make([]float64, len(dy))
	for i, keep := range r.mask {
		if keep {
			dx[i] = dy[i]
		}
	}
	return tensor.New(grad.Shape(), dx)
}

// Dropout zeroes each element with probability p during training and scales
// the survivors by 1/(1-p). It is the identity in inference mode.
type Dropout struct {
	stateless
	p     float64
	rng   *rand.Rand
	scale []float64 // per-element multiplier of the last training Forward
}

// NewDropout creates a dropout layer. p must be in [0, 1).
func NewDropout(p float64, rng *rand.Rand) *Dropout {
	return &Dropout{p: p, rng: rng}
}

// Forward applies dropout in training mode.
func (d *Dropout) Forward(x *tensor.Tensor) (*tensor.Tensor, error) {
	if !d.training || d.p == 0 {
		d.scale = nil
		return x, nil
	}
	keep := 1 / (1 - d.p)
	src := x.Data()
	out := make([]float64, len(src))
	d.scale = make([]float64, len(src))
	for i, v := range src {
		if d.rng.Float64() >= d.p {
			d.scale[i] = keep
			out[i] = v * keep
		}
	}
	return tensor.New(x.Shape(), out)
}

// Backward applies the same mask and scale to the gradient.
func (d *Dropout) Backward(grad *tensor.Tensor) (*tensor.Tensor, error) {
	if d.scale == nil {
		return grad, nil
	}
	dy := grad.Data()
	dx := make([]float64, len(dy))
	for i, s := range d.scale {
		dx[i] = dy[i] * s
	}
	return tensor.New(grad.Shape(), dx)
}
