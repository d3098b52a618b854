// Package dataset provides the clips fed to the training and evaluation
// loops.
//
// A Dataset yields one (clip, label) Sample per index. Clips are flat
// float64 slices of shape [segments * new_length * channels, H, W]: the
// frame stacks of every segment laid out one after another, channel-major.
//
// Two datasets are provided:
//   - Frames reads JPEG frames listed in a TSN-style list file
//   - Synthetic generates deterministic clips for smoke runs and tests
//
// A Loader batches a Dataset with a pool of workers and delivers batches in
// order through a bounded prefetch channel.
package dataset

import (
	"errors"
	"math/rand/v2"

	"github.com/born-ml/eco/internal/tensor"
)

// Errors returned by datasets.
var (
	// ErrEmptyList reports a list file without any usable record.
	ErrEmptyList = errors.New("list file has no records")
	// ErrBadRecord reports a malformed list-file line.
	ErrBadRecord = errors.New("malformed list record")
	// ErrIndexOutOfRange reports a sample index outside [0, Len()).
	ErrIndexOutOfRange = errors.New("sample index out of range")
)

// Sample is one clip with its class label.
type Sample struct {
	Clip  []float64
	Label int
}

// Dataset is an indexable collection of clips.
//
// Sample must be safe for concurrent use. All randomness (segment offsets,
// crops, flips) is drawn from rng so a fixed generator reproduces the clip.
type Dataset interface {
	// Len returns the number of samples.
	Len() int

	// ClipShape returns the shape of every clip, [C, H, W].
	ClipShape() tensor.Shape

	// Sample returns the clip at index i.
	Sample(i int, rng *rand.Rand) (Sample, error)
}
