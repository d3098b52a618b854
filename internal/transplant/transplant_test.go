package transplant

import (
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/born-ml/eco/internal/model"
	"github.com/born-ml/eco/internal/serialization"
	"github.com/born-ml/eco/internal/tensor"
)

func smallModel(t *testing.T, arch string, seed uint64) model.Model {
	t.Helper()
	opts := model.DefaultOptions(4)
	opts.NumSegments = 2
	opts.CropSize = 4
	opts.Kernel = 2
	opts.Features2D = 6
	opts.Features3D = 6
	m, err := model.New(arch, opts, seed)
	require.NoError(t, err)
	return m
}

func filled(shape tensor.Shape, v float64) *tensor.Tensor {
	return tensor.Full(shape, v)
}

// memLoader serves state dicts from memory keyed by path.
func memLoader(files map[string]tensor.StateDict) Loader {
	return func(path string) (tensor.StateDict, error) {
		state, ok := files[path]
		if !ok {
			return nil, fmt.Errorf("no such file %s", path)
		}
		return state, nil
	}
}

// sources builds 2D, 3D and full pretrained states compatible with target.
func sources(target map[string]tensor.Shape) map[string]tensor.StateDict {
	twoD := tensor.StateDict{"fc-from-imagenet.weight": filled(tensor.Shape{1000, 4}, 9)}
	threeD := tensor.StateDict{}
	full := tensor.StateDict{}
	for name, shape := range target {
		full[name] = filled(shape, 3)
		if rest, ok := strings.CutPrefix(name, model.BackbonePrefix); ok && strings.HasPrefix(rest, "conv1") {
			twoD[rest] = filled(shape, 2)
		}
		if strings.Contains(name, "res3a") {
			threeD[name] = filled(shape, 3)
		}
	}
	if w, ok := target[RepairWeight]; ok {
		wide := w.Clone()
		wide[1] = wide[1] / 3 * 4
		threeD[RepairWeight] = filled(wide, 3)
	}
	return map[string]tensor.StateDict{"2d": twoD, "3d": threeD, "full": full}
}

func TestResolveDefinesEveryTargetName(t *testing.T) {
	cases := map[string][]Kind{
		model.ArchECO:      {Scratch, TwoD, ThreeD, Both, Finetune},
		model.ArchC3DRes18: {Scratch, ThreeD},
	}
	for arch, kinds := range cases {
		target := smallModel(t, arch, 1).Shapes()
		r := NewResolver(Config{Arch: arch, Load: memLoader(sources(target)), Seed: 5})

		for _, kind := range kinds {
			t.Run(arch+"/"+kind.String(), func(t *testing.T) {
				src := Source{Kind: kind, Weights2D: "2d", Weights3D: "3d", Full: "full"}
				state, err := r.Resolve(context.Background(), src, target)
				require.NoError(t, err)
				require.Len(t, state, len(target))
				for name, shape := range target {
					require.Contains(t, state, name)
					assert.Equal(t, shape, state[name].Shape(), name)
				}
				// The resolved state must load into a fresh model.
				require.NoError(t, smallModel(t, arch, 2).LoadStateDict(state))
			})
		}
	}
}

func TestResolve2DPrefixesNames(t *testing.T) {
	target := smallModel(t, model.ArchECO, 1).Shapes()
	r := NewResolver(Config{Arch: model.ArchECO, Load: memLoader(sources(target))})

	state, err := r.Resolve(context.Background(), Source{Kind: TwoD, Weights2D: "2d"}, target)
	require.NoError(t, err)

	assert.Equal(t, 2.0, state["module.base_model.conv1_7x7_s2.weight"].Data()[0])
	assert.Equal(t, 2.0, state["module.base_model.conv1_7x7_s2_bn.running_mean"].Data()[0])
	assert.NotContains(t, state, "module.base_model.fc-from-imagenet.weight")
}

func TestResolveBothPrefers3D(t *testing.T) {
	target := smallModel(t, model.ArchECO, 1).Shapes()
	files := sources(target)
	// A 2D entry colliding with a 3D one.
	files["2d"]["res3a_bn.weight"] = filled(target["module.base_model.res3a_bn.weight"], 2)
	r := NewResolver(Config{Arch: model.ArchECO, Load: memLoader(files)})

	state, err := r.Resolve(context.Background(), Source{Kind: Both, Weights2D: "2d", Weights3D: "3d"}, target)
	require.NoError(t, err)
	assert.Equal(t, 3.0, state["module.base_model.res3a_bn.weight"].Data()[0])
	assert.Equal(t, 2.0, state["module.base_model.conv1_7x7_s2.weight"].Data()[0])
}

func TestResolve3DDropsMismatchedShapes(t *testing.T) {
	target := smallModel(t, model.ArchECO, 1).Shapes()
	files := sources(target)
	files["3d"]["module.base_model.res3a_bn.bias"] = filled(tensor.Shape{99}, 3)
	r := NewResolver(Config{Arch: model.ArchECO, Load: memLoader(files)})

	state, err := r.Resolve(context.Background(), Source{Kind: ThreeD, Weights3D: "3d"}, target)
	require.NoError(t, err)
	assert.Equal(t, []float64{0, 0, 0, 0, 0, 0}, state["module.base_model.res3a_bn.bias"].Data())
}

func TestRepairChannelsKeepsFirstThreeChunks(t *testing.T) {
	// [out=2, in=8, 1, 1, 1]: in-channel c of output o holds 10*o + c.
	data := make([]float64, 16)
	for o := 0; o < 2; o++ {
		for c := 0; c < 8; c++ {
			data[o*8+c] = float64(10*o + c)
		}
	}
	w, err := tensor.New(tensor.Shape{2, 8, 1, 1, 1}, data)
	require.NoError(t, err)

	repaired, err := RepairChannels(w)
	require.NoError(t, err)
	assert.Equal(t, tensor.Shape{2, 6, 1, 1, 1}, repaired.Shape())
	assert.Equal(t, []float64{0, 1, 2, 3, 4, 5, 10, 11, 12, 13, 14, 15}, repaired.Data())
}

func TestResolveRepairsChannelSplitWeight(t *testing.T) {
	target := smallModel(t, model.ArchECO, 1).Shapes()
	files := sources(target)
	src := files["3d"][RepairWeight]
	for i := range src.Data() {
		src.Data()[i] = float64(i)
	}
	r := NewResolver(Config{Arch: model.ArchECO, Load: memLoader(files)})

	state, err := r.Resolve(context.Background(), Source{Kind: ThreeD, Weights3D: "3d"}, target)
	require.NoError(t, err)

	chunks, err := tensor.Chunk(src, 4, 1)
	require.NoError(t, err)
	want, err := tensor.Cat(chunks[:3], 1)
	require.NoError(t, err)
	assert.True(t, want.Equal(state[RepairWeight]))
	assert.Equal(t, target[RepairWeight], state[RepairWeight].Shape())
}

func TestResolveRejectsIncompatibleSources(t *testing.T) {
	c3d := smallModel(t, model.ArchC3DRes18, 1).Shapes()
	r := NewResolver(Config{Arch: model.ArchC3DRes18})
	for _, kind := range []Kind{TwoD, Both, Finetune} {
		_, err := r.Resolve(context.Background(), Source{Kind: kind, Weights2D: "a", Weights3D: "b", Full: "c"}, c3d)
		assert.ErrorIs(t, err, ErrIncompatibleSource, kind.String())
	}

	eco := smallModel(t, model.ArchECO, 1).Shapes()
	delete(eco, RepairWeight)
	r = NewResolver(Config{Arch: model.ArchECO})
	for _, kind := range []Kind{ThreeD, Both} {
		_, err := r.Resolve(context.Background(), Source{Kind: kind, Weights2D: "a", Weights3D: "b"}, eco)
		assert.ErrorIs(t, err, ErrMissingRepairWeight, kind.String())
	}

	_, err := r.Resolve(context.Background(), Source{Kind: TwoD}, eco)
	assert.ErrorIs(t, err, ErrMissingPath)
}

func TestPolicyFor(t *testing.T) {
	tests := map[string]Policy{
		"module.base_model.conv1_7x7_s2_bn.weight":       PolicyOne,
		"module.base_model.res3a_bn.bias":                PolicyZero,
		"module.base_model.res3a_2.weight":               PolicyXavier,
		"module.new_fc.bias":                             PolicyZero,
		"module.base_model.res3a_bn.running_var":         PolicyOne,
		"module.base_model.conv1_7x7_s2_bn.running_mean": PolicyZero,
	}
	for name, want := range tests {
		assert.Equal(t, want, PolicyFor(name), name)
	}
}

func TestFillMissingIsDeterministic(t *testing.T) {
	target := smallModel(t, model.ArchECO, 1).Shapes()
	a, b := tensor.StateDict{}, tensor.StateDict{}
	FillMissing(a, target, 11)
	filledB := FillMissing(b, target, 11)

	assert.Len(t, filledB, len(target))
	for name := range target {
		assert.True(t, a[name].Equal(b[name]), name)
	}
	assert.Equal(t, []float64{1, 1, 1, 1, 1, 1}, a["module.base_model.res3a_bn.weight"].Data())
}

func TestResolveFromFilesAndURL(t *testing.T) {
	target := smallModel(t, model.ArchECO, 1).Shapes()
	files := sources(target)
	dir := t.TempDir()

	// 2D weights as SafeTensors served over HTTP, full checkpoint as .born on disk.
	stPath := filepath.Join(dir, "bninception.safetensors")
	require.NoError(t, serialization.WriteSafeTensorsFile(stPath, files["2d"], nil))
	body, err := os.ReadFile(stPath)
	require.NoError(t, err)

	var requests atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		requests.Add(1)
		_, _ = w.Write(body)
	}))
	defer srv.Close()

	fetcher, err := NewFetcher(FetcherOptions{CacheDir: filepath.Join(dir, "cache")})
	require.NoError(t, err)
	r := NewResolver(Config{Arch: model.ArchECO, Fetcher: fetcher})

	url := srv.URL + "/models/bninception.safetensors"
	for i := 0; i < 2; i++ {
		state, err := r.Resolve(context.Background(), Source{Kind: TwoD, Weights2D: url}, target)
		require.NoError(t, err)
		assert.Equal(t, 2.0, state["module.base_model.conv1_7x7_s2.weight"].Data()[0])
	}
	assert.Equal(t, int32(1), requests.Load(), "second resolve must hit the cache")

	bornPath := filepath.Join(dir, "eco_lite.born")
	require.NoError(t, serialization.WriteFile(bornPath, files["full"], serialization.Header{ModelType: model.ArchECO}))
	state, err := r.Resolve(context.Background(), Source{Kind: Finetune, Full: bornPath}, target)
	require.NoError(t, err)
	assert.Equal(t, 3.0, state["module.new_fc.weight"].Data()[0])
}
