package nn

import (
	"math/rand/v2"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/born-ml/eco/internal/tensor"
)

const gradEps = 1e-6

func newRNG() *rand.Rand {
	return rand.New(rand.NewPCG(1, 2))
}

func randomTensor(rng *rand.Rand, shape tensor.Shape) *tensor.Tensor {
	t := tensor.Zeros(shape)
	for i := range t.Data() {
		t.Data()[i] = rng.Float64()*2 - 1
	}
	return t
}

// weightedSum is the scalar loss sum(upstream * layer(x)) used for gradient checks.
func weightedSum(t *testing.T, layer Layer, x, upstream *tensor.Tensor) float64 {
	t.Helper()
	y, err := layer.Forward(x)
	require.NoError(t, err)
	var s float64
	for i, v := range y.Data() {
		s += v * upstream.Data()[i]
	}
	return s
}

// checkGradients compares analytic input and parameter gradients with
// central finite differences.
func checkGradients(t *testing.T, layer Layer, x *tensor.Tensor, checkInput bool) {
	t.Helper()
	rng := newRNG()

	y, err := layer.Forward(x)
	require.NoError(t, err)
	upstream := randomTensor(rng, y.Shape())
	dx, err := layer.Backward(upstream)
	require.NoError(t, err)

	numeric := func(values []float64, i int) float64 {
		orig := values[i]
		values[i] = orig + gradEps
		plus := weightedSum(t, layer, x, upstream)
		values[i] = orig - gradEps
		minus := weightedSum(t, layer, x, upstream)
		values[i] = orig
		return (plus - minus) / (2 * gradEps)
	}

	if checkInput {
		require.NotNil(t, dx)
		for i := range x.Data() {
			assert.InDelta(t, numeric(x.Data(), i), dx.Data()[i], 1e-5, "dx[%d]", i)
		}
	}
	for _, p := range layer.Parameters() {
		for i := range p.Tensor().Data() {
			assert.InDelta(t, numeric(p.Tensor().Data(), i), p.Grad().Data()[i], 1e-5, "%s[%d]", p.Name(), i)
		}
	}
}

func TestLinearGradients(t *testing.T) {
	rng := newRNG()
	layer := NewLinear("fc", 4, 3, rng)
	checkGradients(t, layer, randomTensor(rng, tensor.Shape{5, 4}), true)
}

func TestTemporalConvGradients(t *testing.T) {
	rng := newRNG()
	layer := NewTemporalConv("res3a_2", 3, 2, 3, rng)
	assert.Equal(t, tensor.Shape{2, 3, 3, 1, 1}, layer.Parameters()[0].Tensor().Shape())
	checkGradients(t, layer, randomTensor(rng, tensor.Shape{2, 4, 3}), true)
}

func TestPooledConv2DGradients(t *testing.T) {
	rng := newRNG()
	layer := NewPooledConv2D("conv1", 2, 3, 2, rng)
	checkGradients(t, layer, randomTensor(rng, tensor.Shape{3, 2, 4, 6}), false)
}

func TestPooledConv2DMatchesConvThenPool(t *testing.T) {
	rng := newRNG()
	layer := NewPooledConv2D("conv1", 1, 1, 2, rng)
	x := randomTensor(rng, tensor.Shape{1, 1, 4, 4})

	y, err := layer.Forward(x)
	require.NoError(t, err)

	// Direct stride-2 convolution over the four output positions, then mean.
	w := layer.Parameters()[0].Tensor().Data()
	src := x.Data()
	var want float64
	for i := 0; i < 2; i++ {
		for j := 0; j < 2; j++ {
			for u := 0; u < 2; u++ {
				for v := 0; v < 2; v++ {
					want += w[u*2+v] * src[(i*2+u)*4+j*2+v]
				}
			}
		}
	}
	assert.InDelta(t, want/4, y.Data()[0], 1e-12)
}

func TestBatchNormTrainingGradients(t *testing.T) {
	rng := newRNG()
	layer := NewBatchNorm("bn", 3)
	layer.SetTraining(true)
	copy(layer.Parameters()[0].Tensor().Data(), []float64{0.5, -1.5, 2})
	checkGradients(t, layer, randomTensor(rng, tensor.Shape{6, 3}), true)
}

func TestBatchNormFrozenUsesRunningStats(t *testing.T) {
	layer := NewBatchNorm("bn", 2)
	layer.SetTraining(true)
	layer.SetFrozen(true)

	x, err := tensor.New(tensor.Shape{2, 2}, []float64{1, 2, 3, 4})
	require.NoError(t, err)
	y, err := layer.Forward(x)
	require.NoError(t, err)

	// Running stats are (0, 1), so the output is x scaled by 1/sqrt(1+eps).
	assert.InDelta(t, 1.0, y.Data()[0], 1e-4)
	assert.Equal(t, []float64{0, 0}, layer.RunningMean().Data())
	assert.Equal(t, []float64{1, 1}, layer.RunningVar().Data())
	for _, p := range layer.Parameters() {
		assert.False(t, p.Trainable())
	}

	_, err = layer.Backward(tensor.Full(tensor.Shape{2, 2}, 1))
	require.NoError(t, err)
	for _, p := range layer.Parameters() {
		assert.Equal(t, []float64{0, 0}, p.Grad().Data(), "frozen %s must not accumulate", p.Name())
	}
}

func TestBatchNormUpdatesRunningStats(t *testing.T) {
	layer := NewBatchNorm("bn", 1)
	layer.SetTraining(true)

	x, err := tensor.New(tensor.Shape{2, 1}, []float64{1, 3})
	require.NoError(t, err)
	_, err = layer.Forward(x)
	require.NoError(t, err)

	// batch mean 2, unbiased variance 2
	assert.InDelta(t, 0.2, layer.RunningMean().Data()[0], 1e-12)
	assert.InDelta(t, 0.9+0.2, layer.RunningVar().Data()[0], 1e-12)
}

func TestSegmentConsensusAndPoolGradients(t *testing.T) {
	rng := newRNG()
	checkGradients(t, NewSegmentConsensus(), randomTensor(rng, tensor.Shape{2, 3, 4}), true)
	checkGradients(t, NewGlobalAvgPool2D(), randomTensor(rng, tensor.Shape{2, 3, 2, 2}), true)
}

func TestSequentialForwardBackward(t *testing.T) {
	rng := newRNG()
	net := NewSequential(
		NewReshape(-1, 2, 3),
		NewTemporalConv("t", 3, 4, 3, rng),
		NewReLU(),
		NewSegmentConsensus(),
		NewLinear("fc", 4, 5, rng),
	)
	checkGradients(t, net, randomTensor(rng, tensor.Shape{3, 6}), true)
	assert.Len(t, net.Parameters(), 4)
}

func TestCrossEntropyGradient(t *testing.T) {
	rng := newRNG()
	logits := randomTensor(rng, tensor.Shape{3, 4})
	labels := []int{0, 3, 1}

	loss := NewCrossEntropyLoss()
	_, err := loss.Forward(logits, labels)
	require.NoError(t, err)
	grad, err := loss.Backward()
	require.NoError(t, err)

	for i := range logits.Data() {
		orig := logits.Data()[i]
		logits.Data()[i] = orig + gradEps
		plus, err := loss.Forward(logits, labels)
		require.NoError(t, err)
		logits.Data()[i] = orig - gradEps
		minus, err := loss.Forward(logits, labels)
		require.NoError(t, err)
		logits.Data()[i] = orig
		assert.InDelta(t, (plus-minus)/(2*gradEps), grad.Data()[i], 1e-6)
	}
}

func TestCrossEntropyRejectsBadLabel(t *testing.T) {
	_, err := NewCrossEntropyLoss().Forward(tensor.Zeros(tensor.Shape{1, 3}), []int{3})
	assert.Error(t, err)
}

func TestDropoutIsIdentityInInference(t *testing.T) {
	d := NewDropout(0.5, newRNG())
	x := tensor.Full(tensor.Shape{4}, 2)
	y, err := d.Forward(x)
	require.NoError(t, err)
	assert.Equal(t, x.Data(), y.Data())

	d.SetTraining(true)
	y, err = d.Forward(tensor.Full(tensor.Shape{1000}, 1))
	require.NoError(t, err)
	for _, v := range y.Data() {
		assert.Contains(t, []float64{0, 2}, v)
	}
}

func TestXavierBounds(t *testing.T) {
	w := Xavier(tensor.Shape{8, 4, 3, 1, 1}, newRNG())
	bound := 0.4082482904638631 // sqrt(6 / (12 + 24))
	for _, v := range w.Data() {
		assert.LessOrEqual(t, v, bound)
		assert.GreaterOrEqual(t, v, -bound)
	}
}
