// Package model defines the network contract used by the training loop and
// ships the reference ECO and C3DRes18 networks.
//
// Networks name their parameters the way multi-device checkpoints do
// ("module.base_model.<layer>.<param>" for the backbone and
// "module.new_fc.<param>" for the classifier), so pretrained weights and
// prior checkpoints can be transplanted by name.
package model

import (
	"errors"
	"fmt"
	"strings"

	"github.com/born-ml/eco/internal/nn"
	"github.com/born-ml/eco/internal/tensor"
)

// Errors returned when constructing a model.
var (
	ErrUnknownArch      = errors.New("unknown architecture")
	ErrUnknownModality  = errors.New("unknown modality")
	ErrUnknownConsensus = errors.New("unknown consensus type")
)

// Architecture identifiers.
const (
	ArchECO      = "ECO"
	ArchC3DRes18 = "C3DRes18"
)

// Naming prefixes of model parameters.
const (
	BackbonePrefix   = "module.base_model."
	ClassifierPrefix = "module.new_fc"
)

// Model is the contract between the training harness and a network.
type Model interface {
	// Forward computes per-class scores [batch, classes] for a batch of
	// clips shaped [batch, segments*new_length*channels, height, width].
	Forward(clips *tensor.Tensor) (*tensor.Tensor, error)

	// Backward accumulates parameter gradients given dL/d(scores) of the
	// last Forward call.
	Backward(grad *tensor.Tensor) error

	// Parameters returns every parameter in definition order, including
	// frozen ones.
	Parameters() []*nn.Parameter

	// StateDict returns live references to all parameters and buffers.
	StateDict() tensor.StateDict

	// LoadStateDict copies values into the model. Every model entry must be
	// present with a matching shape and no unknown entries are accepted.
	LoadStateDict(state tensor.StateDict) error

	// Shapes returns the name-to-shape map of the state dict.
	Shapes() map[string]tensor.Shape

	// PartialBN enables or disables freezing of every batch-norm layer
	// after the first one.
	PartialBN(enabled bool)

	// Train switches to training mode. Eval switches to inference mode.
	Train()
	Eval()

	// Arch returns the architecture identifier.
	Arch() string

	// Input describes the expected input geometry and normalization.
	Input() InputSpec

	// Augmentation describes the training-time transform.
	Augmentation() Augmentation
}

// Modality is the input signal type of a clip.
type Modality string

// Supported modalities.
const (
	RGB     Modality = "RGB"
	Flow    Modality = "Flow"
	RGBDiff Modality = "RGBDiff"
)

// ParseModality validates a modality name.
func ParseModality(s string) (Modality, error) {
	switch m := Modality(s); m {
	case RGB, Flow, RGBDiff:
		return m, nil
	}
	return "", fmt.Errorf("%w: %q", ErrUnknownModality, s)
}

// NewLength returns the number of consecutive frames sampled per segment.
func (m Modality) NewLength() int {
	if m == RGB {
		return 1
	}
	return 5
}

// FrameChannels returns the channel count of one sampled frame.
func (m Modality) FrameChannels() int {
	if m == Flow {
		return 2 // x and y flow fields
	}
	return 3
}

// SegmentChannels returns the channel count of one segment's frame stack.
func (m Modality) SegmentChannels() int {
	return m.NewLength() * m.FrameChannels()
}

// Lower returns the lower-case modality name used in file names.
func (m Modality) Lower() string {
	return strings.ToLower(string(m))
}

// InputSpec describes input geometry and per-channel normalization.
type InputSpec struct {
	CropSize  int       // Spatial size fed to the network
	ScaleSize int       // Shorter side before center-cropping at evaluation
	InputMean []float64 // Subtracted per channel, cycled over stacked frames
	InputStd  []float64 // Divides per channel, cycled over stacked frames
}

// Augmentation describes the random transform applied to training clips.
type Augmentation struct {
	CropSize int       // Output size of the crop
	Scales   []float64 // Candidate crop sizes relative to the shorter side
	Flip     bool      // Random horizontal flip
	IsFlow   bool      // Flipping negates the x flow component
}

// Options configure a reference network.
type Options struct {
	NumClass    int
	NumSegments int
	Modality    Modality
	Consensus   string  // Only "avg" is supported
	Dropout     float64 // Dropout probability before the classifier
	PartialBN   bool
	CropSize    int // Must be divisible by Kernel (ECO)
	Kernel      int // Stem kernel size (ECO)
	Features2D  int // Width of the 2D stem
	Features3D  int // Width of the 3D stage
}

// DefaultOptions returns options matching the published ECO input geometry.
func DefaultOptions(numClass int) Options {
	return Options{
		NumClass:    numClass,
		NumSegments: 4,
		Modality:    RGB,
		Consensus:   "avg",
		Dropout:     0.5,
		PartialBN:   true,
		CropSize:    224,
		Kernel:      7,
		Features2D:  96,
		Features3D:  128,
	}
}

func (o Options) validate() error {
	if _, err := ParseModality(string(o.Modality)); err != nil {
		return err
	}
	if o.Consensus != "avg" {
		return fmt.Errorf("%w: %q", ErrUnknownConsensus, o.Consensus)
	}
	switch {
	case o.NumClass <= 0:
		return fmt.Errorf("num_class must be positive, got %d", o.NumClass)
	case o.NumSegments <= 0:
		return fmt.Errorf("num_segments must be positive, got %d", o.NumSegments)
	case o.Dropout < 0 || o.Dropout >= 1:
		return fmt.Errorf("dropout must be in [0, 1), got %g", o.Dropout)
	case o.CropSize <= 0 || o.Features2D <= 0 || o.Features3D <= 0:
		return fmt.Errorf("crop size and feature widths must be positive")
	}
	return nil
}

// New builds the reference network for arch.
func New(arch string, opts Options, seed uint64) (Model, error) {
	var (
		net *Network
		err error
	)
	switch arch {
	case ArchECO:
		net, err = NewECO(opts, seed)
	case ArchC3DRes18:
		net, err = NewC3DRes18(opts, seed)
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownArch, arch)
	}
	if err != nil {
		return nil, err
	}
	return net, nil
}
