package dataset

import (
	"context"
	"fmt"
	"image"
	"image/color"
	"image/jpeg"
	"image/png"
	"math/rand/v2"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/born-ml/eco/internal/model"
	"github.com/born-ml/eco/internal/tensor"
)

func TestParseList(t *testing.T) {
	records, err := ParseList(strings.NewReader(`
v_ApplyEyeMakeup_g08_c01 121 0
frames/with space 37 5

v_YoYo_g25_c05 300 100
`))
	require.NoError(t, err)
	assert.Equal(t, []Record{
		{Path: "v_ApplyEyeMakeup_g08_c01", NumFrames: 121, Label: 0},
		{Path: "frames/with space", NumFrames: 37, Label: 5},
		{Path: "v_YoYo_g25_c05", NumFrames: 300, Label: 100},
	}, records)
}

func TestParseListErrors(t *testing.T) {
	tests := map[string]string{
		"too few fields": "clip 12\n",
		"bad count":      "clip twelve 1\n",
		"bad label":      "clip 12 -1\n",
	}
	for name, input := range tests {
		t.Run(name, func(t *testing.T) {
			_, err := ParseList(strings.NewReader(input))
			assert.ErrorIs(t, err, ErrBadRecord)
		})
	}

	_, err := ParseList(strings.NewReader("\n\n"))
	assert.ErrorIs(t, err, ErrEmptyList)

	_, err = ReadList(filepath.Join(t.TempDir(), "missing.txt"))
	assert.Error(t, err)
}

func TestTrainOffsets(t *testing.T) {
	rng := rand.New(rand.NewPCG(1, 2))
	for range 20 {
		offsets := TrainOffsets(8, 2, 1, rng)
		require.Len(t, offsets, 2)
		assert.True(t, offsets[0] >= 1 && offsets[0] <= 4, "%v", offsets)
		assert.True(t, offsets[1] >= 5 && offsets[1] <= 8, "%v", offsets)

		short := TrainOffsets(6, 4, 5, rng)
		for _, o := range short {
			assert.True(t, o == 1 || o == 2, "%v", short)
		}
		assert.IsNonDecreasing(t, short)
	}
	assert.Equal(t, []int{1, 2, 3, 4}, TrainOffsets(5, 4, 1, rng))
	assert.Equal(t, []int{1, 1, 1, 1}, TrainOffsets(3, 4, 1, rng))
}

func TestEvalOffsets(t *testing.T) {
	assert.Equal(t, []int{3, 7}, EvalOffsets(8, 2, 1))
	assert.Equal(t, []int{1, 1, 1, 1}, EvalOffsets(3, 4, 1))
}

func TestFrameIndicesRepeatsLastFrame(t *testing.T) {
	assert.Equal(t, []int{3, 4, 5, 6, 7, 7, 8, 8, 8, 8}, FrameIndices([]int{3, 7}, 5, 8))
	assert.Equal(t, []int{2, 5}, FrameIndices([]int{2, 5}, 1, 8))
}

func TestSyntheticIsDeterministic(t *testing.T) {
	ds, err := NewSynthetic(9, 3, tensor.Shape{4, 2, 2}, 7)
	require.NoError(t, err)
	assert.Equal(t, 9, ds.Len())

	a, err := ds.Sample(4, nil)
	require.NoError(t, err)
	b, err := ds.Sample(4, rand.New(rand.NewPCG(99, 99)))
	require.NoError(t, err)
	assert.Equal(t, a, b)
	assert.Equal(t, 1, a.Label)
	assert.Len(t, a.Clip, 16)

	_, err = ds.Sample(9, nil)
	assert.ErrorIs(t, err, ErrIndexOutOfRange)
}

func collect(t *testing.T, l *Loader, epoch int) []Batch {
	t.Helper()
	var out []Batch
	for batch, err := range l.Batches(context.Background(), epoch) {
		require.NoError(t, err)
		out = append(out, batch)
	}
	return out
}

func TestLoaderBatchesInOrder(t *testing.T) {
	ds, err := NewSynthetic(9, 3, tensor.Shape{2, 2, 2}, 1)
	require.NoError(t, err)
	l, err := NewLoader(ds, LoaderConfig{BatchSize: 4, Workers: 3})
	require.NoError(t, err)
	assert.Equal(t, 3, l.Len())

	batches := collect(t, l, 0)
	require.Len(t, batches, 3)
	for i, b := range batches {
		assert.Equal(t, i, b.Index)
	}
	assert.Equal(t, tensor.Shape{4, 2, 2, 2}, batches[0].Clips.Shape())
	assert.Equal(t, tensor.Shape{1, 2, 2, 2}, batches[2].Clips.Shape())
	assert.Equal(t, []int{0, 1, 2, 0}, batches[0].Labels)
	assert.Equal(t, []int{2}, batches[2].Labels)

	first, err := ds.Sample(0, nil)
	require.NoError(t, err)
	assert.Equal(t, first.Clip, batches[0].Clips.Data()[:8])
}

func TestLoaderShuffleIsSeeded(t *testing.T) {
	ds, err := NewSynthetic(32, 4, tensor.Shape{1, 1, 1}, 1)
	require.NoError(t, err)
	newLoader := func(seed uint64) *Loader {
		l, err := NewLoader(ds, LoaderConfig{BatchSize: 5, Workers: 4, Shuffle: true, Seed: seed, Prefetch: 1})
		require.NoError(t, err)
		return l
	}

	a, b := newLoader(3), newLoader(3)
	assert.Equal(t, a.Order(2), b.Order(2))
	assert.NotEqual(t, a.Order(1), a.Order(2))
	assert.ElementsMatch(t, a.Order(0), newLoader(4).Order(0))

	var labelsA, labelsB []int
	for _, batch := range collect(t, a, 2) {
		labelsA = append(labelsA, batch.Labels...)
	}
	for _, batch := range collect(t, b, 2) {
		labelsB = append(labelsB, batch.Labels...)
	}
	assert.Equal(t, labelsA, labelsB)
}

func TestLoaderStopsEarly(t *testing.T) {
	ds, err := NewSynthetic(40, 2, tensor.Shape{1, 1, 1}, 1)
	require.NoError(t, err)
	l, err := NewLoader(ds, LoaderConfig{BatchSize: 2, Workers: 4})
	require.NoError(t, err)

	seen := 0
	for _, err := range l.Batches(context.Background(), 0) {
		require.NoError(t, err)
		seen++
		if seen == 3 {
			break
		}
	}
	assert.Equal(t, 3, seen)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	var last error
	for _, err := range l.Batches(ctx, 0) {
		last = err
	}
	assert.ErrorIs(t, last, context.Canceled)
}

func writeFrame(t *testing.T, path string, img image.Image) {
	t.Helper()
	f, err := os.Create(path)
	require.NoError(t, err)
	defer func() { require.NoError(t, f.Close()) }()
	if strings.HasSuffix(path, ".png") {
		require.NoError(t, png.Encode(f, img))
		return
	}
	require.NoError(t, jpeg.Encode(f, img, &jpeg.Options{Quality: 100}))
}

func uniform(w, h int, c color.Color) image.Image {
	img := image.NewRGBA(image.Rect(0, 0, w, h))
	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			img.Set(x, y, c)
		}
	}
	return img
}

func TestFramesRGBEval(t *testing.T) {
	root := t.TempDir()
	require.NoError(t, os.MkdirAll(filepath.Join(root, "clip0"), 0o755))
	for i := 1; i <= 8; i++ {
		writeFrame(t, filepath.Join(root, "clip0", fmt.Sprintf("img_%05d.png", i)),
			uniform(10, 8, color.RGBA{R: 30, G: 20, B: 10, A: 255}))
	}

	ds, err := NewFrames([]Record{{Path: "clip0", NumFrames: 8, Label: 3}}, FramesConfig{
		Root:        root,
		Template:    "img_%05d.png",
		Modality:    model.RGB,
		NumSegments: 2,
		Transform: Transform{
			Input: model.InputSpec{CropSize: 4, ScaleSize: 6, InputMean: []float64{104, 117, 128}, InputStd: []float64{1}},
		},
	})
	require.NoError(t, err)
	assert.Equal(t, tensor.Shape{6, 4, 4}, ds.ClipShape())

	s, err := ds.Sample(0, nil)
	require.NoError(t, err)
	assert.Equal(t, 3, s.Label)
	require.Len(t, s.Clip, 6*16)
	// BGR planes, mean subtracted, for both segments.
	for seg := 0; seg < 2; seg++ {
		for c, want := range []float64{10 - 104, 20 - 117, 30 - 128} {
			plane := s.Clip[(seg*3+c)*16 : (seg*3+c+1)*16]
			for _, v := range plane {
				assert.InDelta(t, want, v, 1)
			}
		}
	}
}

func TestFramesFlowTrain(t *testing.T) {
	root := t.TempDir()
	require.NoError(t, os.MkdirAll(filepath.Join(root, "clip0"), 0o755))
	for i := 1; i <= 12; i++ {
		writeFrame(t, filepath.Join(root, "clip0", fmt.Sprintf("flow_x_%05d.jpg", i)), uniform(8, 8, color.Gray{Y: 200}))
		writeFrame(t, filepath.Join(root, "clip0", fmt.Sprintf("flow_y_%05d.jpg", i)), uniform(8, 8, color.Gray{Y: 50}))
	}

	ds, err := NewFrames([]Record{{Path: "clip0", NumFrames: 12, Label: 1}}, FramesConfig{
		Root:        root,
		Template:    "flow_%s_%05d.jpg",
		Modality:    model.Flow,
		NumSegments: 2,
		Transform: Transform{
			Input:        model.InputSpec{CropSize: 4, ScaleSize: 4, InputMean: []float64{128}, InputStd: []float64{1}},
			Augmentation: model.Augmentation{CropSize: 4, Scales: []float64{1, .875, .75}, IsFlow: true},
			Train:        true,
		},
	})
	require.NoError(t, err)
	// 2 segments x 5 frames x 2 fields.
	assert.Equal(t, tensor.Shape{20, 4, 4}, ds.ClipShape())

	s, err := ds.Sample(0, rand.New(rand.NewPCG(5, 5)))
	require.NoError(t, err)
	for c := 0; c < 20; c++ {
		want := 200.0 - 128
		if c%2 == 1 {
			want = 50 - 128
		}
		for _, v := range s.Clip[c*16 : (c+1)*16] {
			assert.InDelta(t, want, v, 3, "channel %d", c)
		}
	}
}

func TestFramesRGBDiffStacksFrameDifferences(t *testing.T) {
	root := t.TempDir()
	require.NoError(t, os.MkdirAll(filepath.Join(root, "clip0"), 0o755))
	for i := 1; i <= 16; i++ {
		v := uint8(i)
		writeFrame(t, filepath.Join(root, "clip0", fmt.Sprintf("img_%05d.png", i)),
			uniform(8, 8, color.RGBA{R: 10 * v, G: 5 * v, B: 2 * v, A: 255}))
	}

	ds, err := NewFrames([]Record{{Path: "clip0", NumFrames: 16, Label: 2}}, FramesConfig{
		Root:        root,
		Template:    "img_%05d.png",
		Modality:    model.RGBDiff,
		NumSegments: 2,
		Transform: Transform{
			Input: model.InputSpec{CropSize: 4, ScaleSize: 4, InputMean: []float64{0}, InputStd: []float64{1}},
		},
	})
	require.NoError(t, err)
	// 2 segments x 5 differences x 3 colors.
	assert.Equal(t, tensor.Shape{30, 4, 4}, ds.ClipShape())

	s, err := ds.Sample(0, nil)
	require.NoError(t, err)
	for c := 0; c < 30; c++ {
		want := []float64{2, 5, 10}[c%3]
		for _, v := range s.Clip[c*16 : (c+1)*16] {
			assert.InDelta(t, want, v, 0.5, "channel %d", c)
		}
	}
}

func TestFramesMissingFrame(t *testing.T) {
	ds, err := NewFrames([]Record{{Path: t.TempDir(), NumFrames: 4, Label: 0}}, FramesConfig{
		Template:    "img_%05d.jpg",
		Modality:    model.RGB,
		NumSegments: 1,
		Transform:   Transform{Input: model.InputSpec{CropSize: 4, ScaleSize: 4}},
	})
	require.NoError(t, err)
	_, err = ds.Sample(0, nil)
	assert.Error(t, err)
}
