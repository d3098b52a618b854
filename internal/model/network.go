package model

import (
	"fmt"
	"math/rand/v2"

	"github.com/born-ml/eco/internal/nn"
	"github.com/born-ml/eco/internal/tensor"
)

// Network is a reference model assembled from nn layers.
type Network struct {
	arch    string
	opts    Options
	body    *nn.Sequential
	norms   []*nn.BatchNorm // in definition order
	params  []*nn.Parameter
	buffers []*nn.Buffer
}

func newNetwork(arch string, opts Options, layers []nn.Layer) *Network {
	n := &Network{
		arch: arch,
		opts: opts,
		body: nn.NewSequential(layers...),
	}
	for _, layer := range layers {
		if bn, ok := layer.(*nn.BatchNorm); ok {
			n.norms = append(n.norms, bn)
		}
	}
	n.params = n.body.Parameters()
	n.buffers = n.body.Buffers()
	n.PartialBN(opts.PartialBN)
	n.Eval()
	return n
}

// NewECO builds the reference ECO network: a per-frame 2D stem, a 3D
// temporal stage over the segment sequence, segment consensus and a linear
// classifier.
//
// Layer names follow the published ECO checkpoints:
//
//	module.base_model.conv1_7x7_s2     2D stem convolution
//	module.base_model.conv1_7x7_s2_bn  stem batch norm
//	module.base_model.res3a_2          3D convolution [F3, F2, 3, 1, 1]
//	module.base_model.res3a_bn         3D batch norm
//	module.new_fc                      classifier
func NewECO(opts Options, seed uint64) (*Network, error) {
	if err := opts.validate(); err != nil {
		return nil, err
	}
	if opts.Kernel <= 0 || opts.CropSize%opts.Kernel != 0 {
		return nil, fmt.Errorf("crop size %d must be a multiple of kernel %d", opts.CropSize, opts.Kernel)
	}
	rng := rand.New(rand.NewPCG(seed, 0))
	c := opts.Modality.SegmentChannels()
	s := opts.NumSegments
	f2, f3 := opts.Features2D, opts.Features3D

	layers := []nn.Layer{
		nn.NewReshape(-1, c, opts.CropSize, opts.CropSize),
		nn.NewPooledConv2D(BackbonePrefix+"conv1_7x7_s2", c, f2, opts.Kernel, rng),
		nn.NewBatchNorm(BackbonePrefix+"conv1_7x7_s2_bn", f2),
		nn.NewReLU(),
		nn.NewReshape(-1, s, f2),
		nn.NewTemporalConv(BackbonePrefix+"res3a_2", f2, f3, 3, rng),
		nn.NewReshape(-1, f3),
		nn.NewBatchNorm(BackbonePrefix+"res3a_bn", f3),
		nn.NewReLU(),
		nn.NewReshape(-1, s, f3),
		nn.NewSegmentConsensus(),
		nn.NewDropout(opts.Dropout, rng),
		nn.NewLinear(ClassifierPrefix, f3, opts.NumClass, rng),
	}
	return newNetwork(ArchECO, opts, layers), nil
}

// NewC3DRes18 builds the reference 3D-only network: spatially pooled frames
// pass through two temporal convolutions before consensus and the
// classifier.
func NewC3DRes18(opts Options, seed uint64) (*Network, error) {
	if err := opts.validate(); err != nil {
		return nil, err
	}
	rng := rand.New(rand.NewPCG(seed, 0))
	c := opts.Modality.SegmentChannels()
	s := opts.NumSegments
	f2, f3 := opts.Features2D, opts.Features3D

	layers := []nn.Layer{
		nn.NewReshape(-1, c, opts.CropSize, opts.CropSize),
		nn.NewGlobalAvgPool2D(),
		nn.NewReshape(-1, s, c),
		nn.NewTemporalConv(BackbonePrefix+"conv1", c, f2, 3, rng),
		nn.NewReshape(-1, f2),
		nn.NewBatchNorm(BackbonePrefix+"conv1_bn", f2),
		nn.NewReLU(),
		nn.NewReshape(-1, s, f2),
		nn.NewTemporalConv(BackbonePrefix+"res3a_2", f2, f3, 3, rng),
		nn.NewReshape(-1, f3),
		nn.NewBatchNorm(BackbonePrefix+"res3a_bn", f3),
		nn.NewReLU(),
		nn.NewReshape(-1, s, f3),
		nn.NewSegmentConsensus(),
		nn.NewDropout(opts.Dropout, rng),
		nn.NewLinear(ClassifierPrefix, f3, opts.NumClass, rng),
	}
	return newNetwork(ArchC3DRes18, opts, layers), nil
}

// Forward computes class scores for a batch of clips.
func (n *Network) Forward(clips *tensor.Tensor) (*tensor.Tensor, error) {
	shape := clips.Shape()
	want := n.opts.NumSegments * n.opts.Modality.SegmentChannels()
	if len(shape) != 4 || shape[1] != want || shape[2] != n.opts.CropSize || shape[3] != n.opts.CropSize {
		return nil, fmt.Errorf("%s: expected clips [B, %d, %d, %d], got %v",
			n.arch, want, n.opts.CropSize, n.opts.CropSize, shape)
	}
	return n.body.Forward(clips)
}

// Backward accumulates parameter gradients.
func (n *Network) Backward(grad *tensor.Tensor) error {
	_, err := n.body.Backward(grad)
	return err
}

// Parameters returns every parameter in definition order.
func (n *Network) Parameters() []*nn.Parameter {
	return n.params
}

// StateDict returns live references to parameters and buffers.
func (n *Network) StateDict() tensor.StateDict {
	state := make(tensor.StateDict, len(n.params)+len(n.buffers))
	for _, p := range n.params {
		state[p.Name()] = p.Tensor()
	}
	for _, b := range n.buffers {
		state[b.Name] = b.Data
	}
	return state
}

// Shapes returns the name-to-shape map of the state dict.
func (n *Network) Shapes() map[string]tensor.Shape {
	return n.StateDict().Shapes()
}

// LoadStateDict copies state into the network.
func (n *Network) LoadStateDict(state tensor.StateDict) error {
	own := n.StateDict()
	if err := state.CheckAgainst(own.Shapes()); err != nil {
		return fmt.Errorf("%s: %w", n.arch, err)
	}
	for name := range state {
		if _, ok := own[name]; !ok {
			return fmt.Errorf("%s: unexpected tensor %q", n.arch, name)
		}
	}
	for name, dst := range own {
		if err := dst.CopyFrom(state[name]); err != nil {
			return fmt.Errorf("%s: tensor %q: %w", n.arch, name, err)
		}
	}
	return nil
}

// PartialBN freezes (enabled) or releases every batch-norm layer after the
// first one. Frozen layers keep their running statistics and their scale
// and shift are excluded from optimization.
func (n *Network) PartialBN(enabled bool) {
	for i, bn := range n.norms {
		bn.SetFrozen(enabled && i > 0)
	}
}

// Train switches to training mode.
func (n *Network) Train() {
	n.body.SetTraining(true)
}

// Eval switches to inference mode.
func (n *Network) Eval() {
	n.body.SetTraining(false)
}

// Arch returns the architecture identifier.
func (n *Network) Arch() string {
	return n.arch
}

// Input returns the input geometry and normalization.
func (n *Network) Input() InputSpec {
	spec := InputSpec{
		CropSize:  n.opts.CropSize,
		ScaleSize: n.opts.CropSize * 256 / 224,
	}
	switch n.opts.Modality {
	case RGB:
		spec.InputMean = []float64{104, 117, 128}
		spec.InputStd = []float64{1, 1, 1}
	case Flow:
		spec.InputMean = []float64{128}
		spec.InputStd = []float64{1}
	case RGBDiff:
		spec.InputMean = []float64{0}
		spec.InputStd = []float64{1}
	}
	return spec
}

// Augmentation returns the multi-scale crop and flip used for training.
func (n *Network) Augmentation() Augmentation {
	aug := Augmentation{
		CropSize: n.opts.CropSize,
		Scales:   []float64{1, .875, .75, .66},
		Flip:     true,
	}
	if n.opts.Modality == Flow {
		aug.Scales = []float64{1, .875, .75}
		aug.IsFlow = true
	}
	return aug
}
