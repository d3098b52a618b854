package nn

import (
	"fmt"

	"github.com/born-ml/eco/internal/tensor"
)

// Sequential chains layers; each layer's output becomes the next layer's input.
//
// Example:
//
//	net := nn.NewSequential(
//	    nn.NewLinear("fc1", 512, 128, rng),
//	    nn.NewReLU(),
//	    nn.NewLinear("fc2", 128, 10, rng),
//	)
//	out, err := net.Forward(x)
type Sequential struct {
	layers []Layer
}

// NewSequential creates a new Sequential container.
func NewSequential(layers ...Layer) *Sequential {
	return &Sequential{layers: layers}
}

// Forward applies all layers in order.
func (s *Sequential) Forward(x *tensor.Tensor) (*tensor.Tensor, error) {
	out := x
	for i, layer := range s.layers {
		var err error
		out, err = layer.Forward(out)
		if err != nil {
			return nil, fmt.Errorf("layer %d (%T): %w", i, layer, err)
		}
	}
	return out, nil
}

// Backward propagates grad through the layers in reverse order.
//
// Propagation stops early once a layer reports no input gradient.
func (s *Sequential) Backward(grad *tensor.Tensor) (*tensor.Tensor, error) {
	for i := len(s.layers) - 1; i >= 0 && grad != nil; i-- {
		var err error
		grad, err = s.layers[i].Backward(grad)
		if err != nil {
			return nil, fmt.Errorf("layer %d (%T) backward: %w", i, s.layers[i], err)
		}
	}
	return grad, nil
}

// Parameters returns the parameters of all layers in order.
func (s *Sequential) Parameters() []*Parameter {
	var params []*Parameter
	for _, layer := range s.layers {
		params = append(params, layer.Parameters()...)
	}
	return params
}

// Buffers returns the buffers of all layers in order.
func (s *Sequential) Buffers() []*Buffer {
	var buffers []*Buffer
	for _, layer := range s.layers {
		buffers = append(buffers, layer.Buffers()...)
	}
	return buffers
}

// SetTraining switches every layer's mode.
func (s *Sequential) SetTraining(training bool) {
	for _, layer := range s.layers {
		layer.SetTraining(training)
	}
}
