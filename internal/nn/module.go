// Package nn implements the layers used by the reference video models.
//
// Layers compute their backward pass explicitly instead of relying on a tape:
//   - Forward caches whatever Backward needs and returns the output
//   - Backward takes the gradient of the output, accumulates parameter
//     gradients and returns the gradient of the input
//
// Each layer owns named parameters and buffers whose names are the
// state-dict keys used by checkpoints and pretrained weight files.
package nn

import (
	"github.com/born-ml/eco/internal/tensor"
)

// Layer is the interface implemented by every building block.
type Layer interface {
	// Forward computes the layer output for input x.
	Forward(x *tensor.Tensor) (*tensor.Tensor, error)

	// Backward receives dL/d(output) of the last Forward call, adds the
	// parameter gradients into each Parameter and returns dL/d(input).
	//
	// Layers that are always first in a network may return a nil input
	// gradient.
	Backward(grad *tensor.Tensor) (*tensor.Tensor, error)

	// Parameters returns the layer's learnable parameters in a stable order.
	Parameters() []*Parameter

	// Buffers returns non-learnable state that belongs in the state dict.
	Buffers() []*Buffer

	// SetTraining switches between training and inference behavior.
	SetTraining(training bool)
}

// stateless provides the no-op parts of Layer for layers without state.
type stateless struct {
	training bool
}

func (stateless) Parameters() []*Parameter { return nil }
func (stateless) Buffers() []*Buffer { return nil }

func (s *stateless) SetTraining(training bool) { s.training = training }
