package dataset

import (
	"fmt"
	"math/rand/v2"

	"github.com/born-ml/eco/internal/tensor"
)

// Synthetic is a dataset of generated clips.
//
// Sample i has label i % classes. Its clip is Gaussian noise plus a bump on
// the channel planes selected by the label, so a model can learn it. Clips
// are a pure function of the seed and the index.
type Synthetic struct {
	n       int
	classes int
	shape   tensor.Shape
	seed    uint64
}

// NewSynthetic creates n samples over classes labels with clips of shape.
func NewSynthetic(n, classes int, shape tensor.Shape, seed uint64) (*Synthetic, error) {
	if n <= 0 || classes <= 0 {
		return nil, fmt.Errorf("synthetic dataset needs samples and classes, got %d and %d", n, classes)
	}
	if err := shape.Validate(); err != nil {
		return nil, err
	}
	if len(shape) != 3 {
		return nil, fmt.Errorf("synthetic clip shape must be [C, H, W], got %v", shape)
	}
	return &Synthetic{n: n, classes: classes, shape: shape.Clone(), seed: seed}, nil
}

// Len returns the number of samples.
func (s *Synthetic) Len() int {
	return s.n
}

// ClipShape returns the configured clip shape.
func (s *Synthetic) ClipShape() tensor.Shape {
	return s.shape
}

// Sample generates clip i. The rng argument is not used.
func (s *Synthetic) Sample(i int, _ *rand.Rand) (Sample, error) {
	if i < 0 || i >= s.n {
		return Sample{}, fmt.Errorf("%w: %d of %d", ErrIndexOutOfRange, i, s.n)
	}
	//nolint:gosec // G115: i is non-negative
	rng := rand.New(rand.NewPCG(s.seed, uint64(i)))
	label := i % s.classes
	channels, plane := s.shape[0], s.shape[1]*s.shape[2]
	clip := make([]float64, s.shape.NumElements())
	for c := 0; c < channels; c++ {
		bump := 0.0
		if c%s.classes == label {
			bump = 1
		}
		for j := c * plane; j < (c+1)*plane; j++ {
			clip[j] = bump + 0.5*rng.NormFloat64()
		}
	}
	return Sample{Clip: clip, Label: label}, nil
}
