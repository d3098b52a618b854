package nn

import (
	"github.com/born-ml/eco/internal/tensor"
)

// Kind classifies a parameter by the structural role of the layer that owns it.
//
// The optimization policy builder groups parameters by Kind.
type Kind int

// Parameter kinds.
const (
	KindConvWeight Kind = iota
	KindConvBias
	KindLinearWeight
	KindLinearBias
	KindNormScale
	KindNormShift
)

// String returns a short name for the kind.
func (k Kind) String() string {
	switch k {
	case KindConvWeight:
		return "conv_weight"
	case KindConvBias:
		return "conv_bias"
	case KindLinearWeight:
		return "linear_weight"
	case KindLinearBias:
		return "linear_bias"
	case KindNormScale:
		return "norm_scale"
	case KindNormShift:
		return "norm_shift"
	default:
		return "unknown"
	}
}

// Parameter represents a learnable tensor of a layer.
//
// Gradients are accumulated into Grad by Backward calls until ZeroGrad is
// called, which is what makes iter_size accumulation work.
//
// Example:
//
//	w := nn.NewParameter("module.new_fc.weight", "module.new_fc", nn.KindLinearWeight, t)
//	grad := w.Grad() // zero until the first backward pass
type Parameter struct {
	name      string         // Full state-dict name, e.g. "module.new_fc.weight"
	layer     string         // Name of the owning layer, e.g. "module.new_fc"
	kind      Kind           // Structural role
	data      *tensor.Tensor // Current value
	grad      *tensor.Tensor // Accumulated gradient, same shape as data
	trainable bool           // False when frozen (e.g. partial BN)
}

// NewParameter creates a trainable parameter with a zero gradient.
func NewParameter(name, layer string, kind Kind, t *tensor.Tensor) *Parameter {
	return &Parameter{
		name:      name,
		layer:     layer,
		kind:      kind,
		data:      t,
		grad:      tensor.Zeros(t.Shape()),
		trainable: true,
	}
}

// Name returns the full state-dict name.
func (p *Parameter) Name() string {
	return p.name
}

// Layer returns the name of the owning layer.
func (p *Parameter) Layer() string {
	return p.layer
}

// Kind returns the structural role of the parameter.
func (p *Parameter) Kind() Kind {
	return p.kind
}

// Tensor returns the parameter value.
func (p *Parameter) Tensor() *tensor.Tensor {
	return p.data
}

// Grad returns the accumulated gradient.
func (p *Parameter) Grad() *tensor.Tensor {
	return p.grad
}

// ZeroGrad clears the accumulated gradient.
func (p *Parameter) ZeroGrad() {
	p.grad.Fill(0)
}

// Trainable reports whether the optimizer may update the parameter.
func (p *Parameter) Trainable() bool {
	return p.trainable
}

// SetTrainable freezes or unfreezes the parameter.
func (p *Parameter) SetTrainable(v bool) {
	p.trainable = v
}

// NumElements returns the number of scalar values in the parameter.
func (p *Parameter) NumElements() int {
	return p.data.NumElements()
}

// accumulate adds g into the parameter's gradient when it is trainable.
func (p *Parameter) accumulate(g []float64) {
	if !p.trainable {
		return
	}
	dst := p.grad.Data()
	for i, v := range g {
		dst[i] += v
	}
}

// Buffer is non-learnable layer state that is still part of the state dict,
// such as batch-norm running statistics.
type Buffer struct {
	Name string
	Data *tensor.Tensor
}
