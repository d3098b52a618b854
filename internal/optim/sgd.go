package optim

import (
	"gonum.org/v1/gonum/floats"

	"github.com/born-ml/eco/internal/nn"
)

// SGD implements stochastic gradient descent with momentum, optional
// Nesterov momentum and per-group weight decay.
//
// Update rule for a parameter p in group g:
//
//	d = grad + g.WeightDecay * p
//	v = momentum * v + d
//	d = d + momentum * v   (nesterov)
//	d = v                  (otherwise)
//	p = p - g.LR * d
//
// Gradients are read from each Parameter's accumulated Grad.
//
// Example:
//
//	sgd := optim.NewSGD(groups, optim.SGDConfig{LR: 0.001, Momentum: 0.9, WeightDecay: 5e-4})
//	sgd.Step()
//	sgd.ZeroGrad()
type SGD struct {
	groups     []Group
	momentum   float64
	nesterov   bool
	baseDecay  float64
	velocities map[*nn.Parameter][]float64
}

// SGDConfig holds configuration for the SGD optimizer.
type SGDConfig struct {
	LR          float64 // Base learning rate before group multipliers
	Momentum    float64 // Momentum factor (0 disables momentum)
	WeightDecay float64 // Base weight decay before group multipliers
	Nesterov    bool
}

// NewSGD creates an optimizer over groups and applies the base learning
// rate and weight decay to every group.
//
// The groups slice is owned by the optimizer afterwards.
func NewSGD(groups []Group, config SGDConfig) *SGD {
	s := &SGD{
		groups:     groups,
		momentum:   config.Momentum,
		nesterov:   config.Nesterov,
		baseDecay:  config.WeightDecay,
		velocities: make(map[*nn.Parameter][]float64),
	}
	s.SetLR(config.LR, config.WeightDecay)
	return s
}

// SetLR sets every group's effective learning rate to lr*LRMult and weight
// decay to decay*DecayMult.
func (s *SGD) SetLR(lr, decay float64) {
	s.baseDecay = decay
	for i := range s.groups {
		s.groups[i].LR = lr * s.groups[i].LRMult
		s.groups[i].WeightDecay = decay * s.groups[i].DecayMult
	}
}

// WeightDecay returns the base weight decay.
func (s *SGD) WeightDecay() float64 {
	return s.baseDecay
}

// Groups returns the parameter groups with their effective values.
func (s *SGD) Groups() []Group {
	return s.groups
}

// Parameters returns every parameter of every group in group order.
func (s *SGD) Parameters() []*nn.Parameter {
	var out []*nn.Parameter
	for _, g := range s.groups {
		out = append(out, g.Params...)
	}
	return out
}

// Step applies one update to every parameter from its accumulated gradient.
func (s *SGD) Step() {
	for _, g := range s.groups {
		for _, p := range g.Params {
			if !p.Trainable() {
				continue
			}
			s.update(p, g.LR, g.WeightDecay)
		}
	}
}

func (s *SGD) update(p *nn.Parameter, lr, decay float64) {
	w := p.Tensor().Data()
	d := make([]float64, len(w))
	copy(d, p.Grad().Data())
	if decay != 0 {
		floats.AddScaled(d, decay, w)
	}

	if s.momentum != 0 {
		v, ok := s.velocities[p]
		if !ok {
			v = make([]float64, len(w))
			s.velocities[p] = v
		}
		floats.Scale(s.momentum, v)
		floats.Add(v, d)
		if s.nesterov {
			floats.AddScaled(d, s.momentum, v)
		} else {
			copy(d, v)
		}
	}

	floats.AddScaled(w, -lr, d)
}

// ZeroGrad clears the gradients of every parameter.
func (s *SGD) ZeroGrad() {
	for _, g := range s.groups {
		for _, p := range g.Params {
			p.ZeroGrad()
		}
	}
}

// ScaleGrad multiplies every gradient by f.
//
// Used to average gradients accumulated over several mini-batches.
func (s *SGD) ScaleGrad(f float64) {
	for _, g := range s.groups {
		for _, p := range g.Params {
			floats.Scale(f, p.Grad().Data())
		}
	}
}
