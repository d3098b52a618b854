package optim

import (
	"math"

	"gonum.org/v1/gonum/floats"

	"github.com/born-ml/eco/internal/nn"
)

// ClipGradNorm rescales the gradients of params so that their global L2
// norm is at most maxNorm.
//
// It returns the norm before clipping and the applied coefficient
// maxNorm/norm, which is 1 when no clipping happened. A non-positive
// maxNorm disables clipping.
func ClipGradNorm(params []*nn.Parameter, maxNorm float64) (norm, coef float64) {
	var sq float64
	for _, p := range params {
		g := p.Grad().Data()
		sq += floats.Dot(g, g)
	}
	norm = math.Sqrt(sq)
	if maxNorm <= 0 || norm <= maxNorm {
		return norm, 1
	}
	coef = maxNorm / norm
	for _, p := range params {
		floats.Scale(coef, p.Grad().Data())
	}
	return norm, coef
}
