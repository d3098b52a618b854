package nn

import (
	"math"
	"math/rand/v2"

	"github.com/born-ml/eco/internal/tensor"
)

// Xavier (Glorot) initialization for weights.
//
// Initializes weights with values drawn from a uniform distribution:
// U(-sqrt(6/(fan_in + fan_out)), sqrt(6/(fan_in + fan_out)))
//
// Fans are derived from the shape (see tensor.Shape.Fans), so convolution
// kernels of any rank are handled.
func Xavier(shape tensor.Shape, rng *rand.Rand) *tensor.Tensor {
	t := tensor.Zeros(shape)
	FillXavier(t, rng)
	return t
}

// FillXavier overwrites t in place with Xavier-uniform values.
func FillXavier(t *tensor.Tensor, rng *rand.Rand) {
	fanIn, fanOut := t.Shape().Fans()
	bound := math.Sqrt(6.0 / float64(fanIn+fanOut))

	data := t.Data()
	for i := range data {
		data[i] = (rng.Float64()*2.0 - 1.0) * bound
	}
}
