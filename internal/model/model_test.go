package model

import (
	"math/rand/v2"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/born-ml/eco/internal/nn"
	"github.com/born-ml/eco/internal/tensor"
)

func smallOptions() Options {
	opts := DefaultOptions(5)
	opts.NumSegments = 3
	opts.CropSize = 4
	opts.Kernel = 2
	opts.Features2D = 6
	opts.Features3D = 8
	opts.Dropout = 0
	return opts
}

func randomClips(batch int, opts Options) *tensor.Tensor {
	rng := rand.New(rand.NewPCG(7, 7))
	c := opts.NumSegments * opts.Modality.SegmentChannels()
	t := tensor.Zeros(tensor.Shape{batch, c, opts.CropSize, opts.CropSize})
	for i := range t.Data() {
		t.Data()[i] = rng.NormFloat64()
	}
	return t
}

func TestECOStateDictNames(t *testing.T) {
	net, err := NewECO(smallOptions(), 1)
	require.NoError(t, err)

	shapes := net.Shapes()
	assert.Equal(t, tensor.Shape{6, 3, 2, 2}, shapes["module.base_model.conv1_7x7_s2.weight"])
	assert.Equal(t, tensor.Shape{8, 6, 3, 1, 1}, shapes["module.base_model.res3a_2.weight"])
	assert.Equal(t, tensor.Shape{8}, shapes["module.base_model.res3a_bn.running_var"])
	assert.Equal(t, tensor.Shape{5, 8}, shapes["module.new_fc.weight"])
	assert.Len(t, shapes, 14)
}

func TestForwardBackwardShapes(t *testing.T) {
	for _, arch := range []string{ArchECO, ArchC3DRes18} {
		t.Run(arch, func(t *testing.T) {
			opts := smallOptions()
			net, err := New(arch, opts, 1)
			require.NoError(t, err)
			net.Train()

			scores, err := net.Forward(randomClips(2, opts))
			require.NoError(t, err)
			assert.Equal(t, tensor.Shape{2, 5}, scores.Shape())

			require.NoError(t, net.Backward(tensor.Full(scores.Shape(), 0.1)))
			fc := net.StateDict()["module.new_fc.bias"]
			require.NotNil(t, fc)
			var found bool
			for _, p := range net.Parameters() {
				if p.Name() == "module.new_fc.bias" {
					found = true
					assert.Equal(t, []float64{0.2, 0.2, 0.2, 0.2, 0.2}, p.Grad().Data())
				}
			}
			assert.True(t, found)
		})
	}
}

func TestForwardRejectsWrongClipShape(t *testing.T) {
	net, err := NewECO(smallOptions(), 1)
	require.NoError(t, err)
	_, err = net.Forward(tensor.Zeros(tensor.Shape{1, 3, 4, 4}))
	assert.Error(t, err)
}

func TestPartialBNFreezesAllButFirstNorm(t *testing.T) {
	net, err := NewECO(smallOptions(), 1)
	require.NoError(t, err)

	frozen := map[string]bool{}
	for _, p := range net.Parameters() {
		if p.Kind() == nn.KindNormScale || p.Kind() == nn.KindNormShift {
			frozen[p.Name()] = !p.Trainable()
		}
	}
	assert.Equal(t, map[string]bool{
		"module.base_model.conv1_7x7_s2_bn.weight": false,
		"module.base_model.conv1_7x7_s2_bn.bias":   false,
		"module.base_model.res3a_bn.weight":        true,
		"module.base_model.res3a_bn.bias":          true,
	}, frozen)

	net.PartialBN(false)
	for _, p := range net.Parameters() {
		assert.True(t, p.Trainable(), p.Name())
	}
}

func TestPartialBNKeepsRunningStatsInTraining(t *testing.T) {
	opts := smallOptions()
	net, err := NewECO(opts, 1)
	require.NoError(t, err)
	net.Train()

	_, err = net.Forward(randomClips(2, opts))
	require.NoError(t, err)

	state := net.StateDict()
	assert.Equal(t, tensor.Full(tensor.Shape{8}, 1).Data(), state["module.base_model.res3a_bn.running_var"].Data())
	assert.NotEqual(t, tensor.Full(tensor.Shape{6}, 1).Data(), state["module.base_model.conv1_7x7_s2_bn.running_var"].Data())
}

func TestLoadStateDictRoundTrip(t *testing.T) {
	src, err := NewECO(smallOptions(), 1)
	require.NoError(t, err)
	dst, err := NewECO(smallOptions(), 2)
	require.NoError(t, err)

	require.NoError(t, dst.LoadStateDict(src.StateDict().Clone()))
	for name, want := range src.StateDict() {
		assert.True(t, want.Equal(dst.StateDict()[name]), name)
	}

	partial := src.StateDict().Clone()
	delete(partial, "module.new_fc.bias")
	assert.Error(t, dst.LoadStateDict(partial))

	extra := src.StateDict().Clone()
	extra["module.base_model.unknown.weight"] = tensor.Zeros(tensor.Shape{1})
	assert.Error(t, dst.LoadStateDict(extra))
}

func TestNewRejectsUnknownArchAndModality(t *testing.T) {
	_, err := New("BNInception", smallOptions(), 1)
	assert.ErrorIs(t, err, ErrUnknownArch)

	opts := smallOptions()
	opts.Modality = "Depth"
	_, err = New(ArchECO, opts, 1)
	assert.ErrorIs(t, err, ErrUnknownModality)
}

func TestModalityChannels(t *testing.T) {
	assert.Equal(t, 3, RGB.SegmentChannels())
	assert.Equal(t, 10, Flow.SegmentChannels())
	assert.Equal(t, 15, RGBDiff.SegmentChannels())
	assert.Equal(t, "rgbdiff", RGBDiff.Lower())
}
