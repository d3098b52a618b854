package nn

import (
	"fmt"
	"math"

	"github.com/born-ml/eco/internal/tensor"
)

// Batch normalization defaults.
const (
	BatchNormEps      = 1e-5
	BatchNormMomentum = 0.1
)

// BatchNorm normalizes each feature column of a [N, C] input.
//
// In training mode it normalizes with the batch statistics and folds them
// into running_mean/running_var (unbiased variance, momentum 0.1). In
// inference mode, or when frozen, it normalizes with the running statistics
// and leaves them untouched.
//
// A frozen layer also marks its scale and shift as non-trainable; this is the
// mechanism behind partial batch-norm.
type BatchNorm struct {
	name        string
	weight      *Parameter // gamma, [C]
	bias        *Parameter // beta, [C]
	runningMean *Buffer
	runningVar  *Buffer
	channels    int
	training    bool
	frozen      bool

	// cached by Forward
	xhat      []float64
	invStd    []float64
	rows      int
	batchMode bool
}

// NewBatchNorm creates a layer for c features named "<name>.weight",
// "<name>.bias", "<name>.running_mean" and "<name>.running_var".
func NewBatchNorm(name string, c int) *BatchNorm {
	return &BatchNorm{
		name:        name,
		weight:      NewParameter(name+".weight", name, KindNormScale, tensor.Full(tensor.Shape{c}, 1)),
		bias:        NewParameter(name+".bias", name, KindNormShift, tensor.Zeros(tensor.Shape{c})),
		runningMean: &Buffer{Name: name + ".running_mean", Data: tensor.Zeros(tensor.Shape{c})},
		runningVar:  &Buffer{Name: name + ".running_var", Data: tensor.Full(tensor.Shape{c}, 1)},
		channels:    c,
	}
}

// Forward normalizes x.
func (bn *BatchNorm) Forward(x *tensor.Tensor) (*tensor.Tensor, error) {
	shape := x.Shape()
	if len(shape) != 2 || shape[1] != bn.channels {
		return nil, fmt.Errorf("batchnorm %s: expected input [N, %d], got %v", bn.name, bn.channels, shape)
	}
	n, c := shape[0], bn.channels
	src := x.Data()
	gamma := bn.weight.data.Data()
	beta := bn.bias.data.Data()

	mean := make([]float64, c)
	variance := make([]float64, c)
	bn.batchMode = bn.training && !bn.frozen
	if bn.batchMode {
		for r := 0; r < n; r++ {
			for j := 0; j < c; j++ {
				mean[j] += src[r*c+j]
			}
		}
		for j := range mean {
			mean[j] /= float64(n)
		}
		for r := 0; r < n; r++ {
			for j := 0; j < c; j++ {
				d := src[r*c+j] - mean[j]
				variance[j] += d * d
			}
		}
		for j := range variance {
			variance[j] /= float64(n)
		}
		bn.updateRunningStats(mean, variance, n)
	} else {
		copy(mean, bn.runningMean.Data.Data())
		copy(variance, bn.runningVar.Data.Data())
	}

	invStd := make([]float64, c)
	for j := range invStd {
		invStd[j] = 1 / math.Sqrt(variance[j]+BatchNormEps)
	}

	xhat := make([]float64, len(src))
	y := make([]float64, len(src))
	for r := 0; r < n; r++ {
		for j := 0; j < c; j++ {
			i := r*c + j
			xhat[i] = (src[i] - mean[j]) * invStd[j]
			y[i] = gamma[j]*xhat[i] + beta[j]
		}
	}

	bn.xhat = xhat
	bn.invStd = invStd
	bn.rows = n
	return tensor.New(shape, y)
}

func (bn *BatchNorm) updateRunningStats(mean, variance []float64, n int) {
	correction := 1.0
	if n > 1 {
		correction = float64(n) / float64(n-1)
	}
	rm := bn.runningMean.Data.Data()
	rv := bn.runningVar.Data.Data()
	for j := range rm {
		rm[j] = (1-BatchNormMomentum)*rm[j] + BatchNormMomentum*mean[j]
		rv[j] = (1-BatchNormMomentum)*rv[j] + BatchNormMomentum*variance[j]*correction
	}
}

// Backward accumulates dgamma and dbeta and returns dL/dx.
func (bn *BatchNorm) Backward(grad *tensor.Tensor) (*tensor.Tensor, error) {
	if bn.xhat == nil {
		return nil, fmt.Errorf("batchnorm %s: backward before forward", bn.name)
	}
	n, c := bn.rows, bn.channels
	dy := grad.Data()
	gamma := bn.weight.data.Data()

	dgamma := make([]float64, c)
	dbeta := make([]float64, c)
	for r := 0; r < n; r++ {
		for j := 0; j < c; j++ {
			i := r*c + j
			dgamma[j] += dy[i] * bn.xhat[i]
			dbeta[j] += dy[i]
		}
	}
	bn.weight.accumulate(dgamma)
	bn.bias.accumulate(dbeta)

	dx := make([]float64, len(dy))
	if !bn.batchMode {
		for r := 0; r < n; r++ {
			for j := 0; j < c; j++ {
				dx[r*c+j] = dy[r*c+j] * gamma[j] * bn.invStd[j]
			}
		}
		return tensor.New(tensor.Shape{n, c}, dx)
	}

	// dxhat = dy * gamma; sums of dxhat and dxhat*xhat are dbeta*gamma and dgamma*gamma.
	fn := float64(n)
	for r := 0; r < n; r++ {
		for j := 0; j < c; j++ {
			i := r*c + j
			dxhat := dy[i] * gamma[j]
			dx[i] = bn.invStd[j] / fn * (fn*dxhat - dbeta[j]*gamma[j] - bn.xhat[i]*dgamma[j]*gamma[j])
		}
	}
	return tensor.New(tensor.Shape{n, c}, dx)
}

// Parameters returns [weight, bias].
func (bn *BatchNorm) Parameters() []*Parameter {
	return []*Parameter{bn.weight, bn.bias}
}

// Buffers returns [running_mean, running_var].
func (bn *BatchNorm) Buffers() []*Buffer {
	return []*Buffer{bn.runningMean, bn.runningVar}
}

// SetTraining switches between batch and running statistics.
func (bn *BatchNorm) SetTraining(training bool) {
	bn.training = training
}

// SetFrozen pins the layer to its running statistics and freezes its
// scale and shift, or undoes it.
func (bn *BatchNorm) SetFrozen(frozen bool) {
	bn.frozen = frozen
	bn.weight.SetTrainable(!frozen)
	bn.bias.SetTrainable(!frozen)
}

// Frozen reports whether the layer is frozen.
func (bn *BatchNorm) Frozen() bool {
	return bn.frozen
}

// RunningMean returns the running mean buffer.
func (bn *BatchNorm) RunningMean() *tensor.Tensor {
	return bn.runningMean.Data
}

// RunningVar returns the running variance buffer.
func (bn *BatchNorm) RunningVar() *tensor.Tensor {
	return bn.runningVar.Data
}
