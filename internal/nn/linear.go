package nn

import (
	"fmt"
	"math/rand/v2"

	"gonum.org/v1/gonum/floats"

	"github.com/born-ml/eco/internal/parallel"
	"github.com/born-ml/eco/internal/tensor"
)

var kernelOptions = parallel.DefaultOptions()

// dense is the affine map y = x @ W.T + b shared by Linear and PooledConv2D.
//
// The weight may have any rank; its trailing dimensions are flattened into
// the input width.
type dense struct {
	weight *Parameter
	bias   *Parameter
	in     int
	out    int
}

func newDense(layer string, weightKind, biasKind Kind, weightShape tensor.Shape, rng *rand.Rand) dense {
	out := weightShape[0]
	return dense{
		weight: NewParameter(layer+".weight", layer, weightKind, Xavier(weightShape, rng)),
		bias:   NewParameter(layer+".bias", layer, biasKind, tensor.Zeros(tensor.Shape{out})),
		in:     weightShape.NumElements() / out,
		out:    out,
	}
}

func (d *dense) forward(x []float64, rows int) []float64 {
	w := d.weight.data.Data()
	b := d.bias.data.Data()
	y := make([]float64, rows*d.out)
	parallel.For(rows, d.out*d.in, func(r int) {
		xr := x[r*d.in : (r+1)*d.in]
		yr := y[r*d.out : (r+1)*d.out]
		for o := range yr {
			yr[o] = floats.Dot(xr, w[o*d.in:(o+1)*d.in]) + b[o]
		}
	}, kernelOptions)
	return y
}

// backward accumulates weight and bias gradients and, if needInput is set,
// returns the gradient with respect to x.
func (d *dense) backward(x, dy []float64, rows int, needInput bool) []float64 {
	gw := make([]float64, d.out*d.in)
	gb := make([]float64, d.out)
	parallel.For(d.out, rows*d.in, func(o int) {
		row := gw[o*d.in : (o+1)*d.in]
		for r := 0; r < rows; r++ {
			g := dy[r*d.out+o]
			gb[o] += g
			floats.AddScaled(row, g, x[r*d.in:(r+1)*d.in])
		}
	}, kernelOptions)
	d.weight.accumulate(gw)
	d.bias.accumulate(gb)

	if !needInput {
		return nil
	}
	w := d.weight.data.Data()
	dx := make([]float64, rows*d.in)
	parallel.For(rows, d.out*d.in, func(r int) {
		dxr := dx[r*d.in : (r+1)*d.in]
		for o := 0; o < d.out; o++ {
			floats.AddScaled(dxr, dy[r*d.out+o], w[o*d.in:(o+1)*d.in])
		}
	}, kernelOptions)
	return dx
}

// Linear implements a fully connected (dense) layer.
//
// Performs the transformation: y = x @ W.T + b
// where:
//   - x is the input tensor with shape [batch_size, in_features]
//   - W is the weight matrix with shape [out_features, in_features]
//   - b is the bias vector with shape [out_features]
//
// Weights are initialized using Xavier/Glorot initialization.
// Biases are initialized to zeros.
type Linear struct {
	stateless
	dense
	input *tensor.Tensor
}

// NewLinear creates a new Linear layer whose parameters are named
// "<name>.weight" and "<name>.bias".
func NewLinear(name string, inFeatures, outFeatures int, rng *rand.Rand) *Linear {
	return &Linear{
		dense: newDense(name, KindLinearWeight, KindLinearBias, tensor.Shape{outFeatures, inFeatures}, rng),
	}
}

// Forward computes x @ W.T + b for x of shape [batch_size, in_features].
func (l *Linear) Forward(x *tensor.Tensor) (*tensor.Tensor, error) {
	shape := x.Shape()
	if len(shape) != 2 || shape[1] != l.in {
		return nil, fmt.Errorf("linear %s: expected input [batch, %d], got %v", l.weight.layer, l.in, shape)
	}
	l.input = x
	return tensor.New(tensor.Shape{shape[0], l.out}, l.forward(x.Data(), shape[0]))
}

// Backward accumulates parameter gradients and returns dL/dx.
func (l *Linear) Backward(grad *tensor.Tensor) (*tensor.Tensor, error) {
	if l.input == nil {
		return nil, fmt.Errorf("linear %s: backward before forward", l.weight.layer)
	}
	rows := l.input.Shape()[0]
	return tensor.New(l.input.Shape(), l.backward(l.input.Data(), grad.Data(), rows, true))
}

// Parameters returns [weight, bias].
func (l *Linear) Parameters() []*Parameter {
	return []*Parameter{l.weight, l.bias}
}

// Weight returns the weight parameter.
func (l *Linear) Weight() *Parameter {
	return l.weight
}

// Bias returns the bias parameter.
func (l *Linear) Bias() *Parameter {
	return l.bias
}
