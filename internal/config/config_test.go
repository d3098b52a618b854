package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/born-ml/eco/internal/model"
	"github.com/born-ml/eco/internal/transplant"
)

func validConfig() *Config {
	cfg := DefaultConfig()
	cfg.Data.Synthetic = 16
	return cfg
}

func writeFile(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "run.toml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))
	return path
}

func TestDefaultConfigValidates(t *testing.T) {
	require.NoError(t, validConfig().Validate())

	// List files are required without synthetic data.
	assert.Error(t, DefaultConfig().Validate())
}

func TestValidateErrors(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Config)
		want   error
	}{
		{"unknown dataset", func(c *Config) { c.Data.Dataset = "imagenet" }, ErrUnknownDataset},
		{"unknown loss", func(c *Config) { c.Train.LossType = "mse" }, ErrUnknownLossType},
		{"unknown arch", func(c *Config) { c.Model.Arch = "I3D" }, model.ErrUnknownArch},
		{"unknown modality", func(c *Config) { c.Data.Modality = "Depth" }, model.ErrUnknownModality},
		{"unknown consensus", func(c *Config) { c.Model.ConsensusType = "max" }, model.ErrUnknownConsensus},
		{"unknown source", func(c *Config) { c.Pretrained.Parts = "imagenet" }, transplant.ErrUnknownKind},
		{"C3D with 2D weights", func(c *Config) {
			c.Model.Arch = model.ArchC3DRes18
			c.Pretrained.Parts = "both"
		}, transplant.ErrIncompatibleSource},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := validConfig()
			tt.mutate(cfg)
			assert.ErrorIs(t, cfg.Validate(), tt.want)
		})
	}

	for name, mutate := range map[string]func(*Config){
		"iter size":        func(c *Config) { c.Train.IterSize = 0 },
		"epochs":           func(c *Config) { c.Train.Epochs = 0 },
		"eval freq":        func(c *Config) { c.Run.EvalFreq = 0 },
		"negative clip":    func(c *Config) { c.Train.ClipGradient = -1 },
		"flow prefix":      func(c *Config) { c.Data.Modality = "Flow"; c.Data.FlowPrefix = "flow_" },
		"bad log level":    func(c *Config) { c.Run.LogLevel = "loud" },
		"missing val list": func(c *Config) { c.Data.Synthetic = 0; c.Data.TrainList = "train.txt" },
	} {
		cfg := validConfig()
		mutate(cfg)
		assert.Error(t, cfg.Validate(), name)
	}
}

func TestLoadFileKeepsDefaults(t *testing.T) {
	path := writeFile(t, `
[data]
dataset = "something"
synthetic = 8

[train]
lr = 0.01
lr_steps = [10, 20, 30]
seed = 42
`)
	cfg, err := LoadFile(path)
	require.NoError(t, err)
	assert.Equal(t, "something", cfg.Data.Dataset)
	assert.Equal(t, 0.01, cfg.Train.LR)
	assert.Equal(t, []int{10, 20, 30}, cfg.Train.LRSteps)
	assert.Equal(t, uint64(42), cfg.Train.Seed)
	// Untouched keys keep their defaults.
	assert.Equal(t, 0.9, cfg.Train.Momentum)
	assert.Equal(t, model.ArchECO, cfg.Model.Arch)
	require.NoError(t, cfg.Validate())

	info, err := cfg.DatasetInfo()
	require.NoError(t, err)
	assert.Equal(t, 174, info.NumClass)
}

func TestLoadFileRejectsUnknownKeys(t *testing.T) {
	_, err := LoadFile(writeFile(t, "[train]\nlearning_rate = 0.1\n"))
	assert.Error(t, err)

	_, err = LoadFile(filepath.Join(t.TempDir(), "missing.toml"))
	assert.Error(t, err)
}

func TestSaveRoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "saved.toml")
	cfg := validConfig()
	cfg.Train.LRSteps = []int{5}
	cfg.Run.GPUs = []int{0, 1}
	require.NoError(t, cfg.Save(path))

	loaded, err := LoadFile(path)
	require.NoError(t, err)
	assert.Equal(t, cfg, loaded)
}

func TestParseLayersFileAndFlags(t *testing.T) {
	path := writeFile(t, `
[train]
lr = 0.01
batch_size = 8
epochs = 3
`)
	cfg, err := Parse("eco", []string{
		"-config", path,
		"-lr", "0.05",
		"-lr_steps", "2, 4",
		"-synthetic", "9",
		"-no_partialbn",
	})
	require.NoError(t, err)
	assert.Equal(t, 0.05, cfg.Train.LR, "flag overrides file")
	assert.Equal(t, 8, cfg.Train.BatchSize, "file overrides default")
	assert.Equal(t, 3, cfg.Train.Epochs)
	assert.Equal(t, []int{2, 4}, cfg.Train.LRSteps)
	assert.Equal(t, 9, cfg.Data.Synthetic)
	assert.True(t, cfg.Model.NoPartialBN)
	assert.False(t, cfg.ModelOptions(10).PartialBN)

	_, err = Parse("eco", []string{"-lr_steps", "ten"})
	assert.Error(t, err)
	_, err = Parse("eco", []string{"stray"})
	assert.Error(t, err)
}

func TestFrameTemplate(t *testing.T) {
	cfg := validConfig()
	tmpl, err := cfg.FrameTemplate()
	require.NoError(t, err)
	assert.Equal(t, "img_%05d.jpg", tmpl)

	cfg.Data.Dataset = "something"
	cfg.Data.Modality = "Flow"
	tmpl, err = cfg.FrameTemplate()
	require.NoError(t, err)
	assert.Equal(t, "flow_%s_%04d.jpg", tmpl)
}

func TestSource(t *testing.T) {
	cfg := validConfig()
	cfg.Pretrained.Parts = "3D"
	cfg.Pretrained.Weights3D = "eco_3d.safetensors"
	src := cfg.Source()
	assert.Equal(t, transplant.ThreeD, src.Kind)
	assert.Equal(t, "eco_3d.safetensors", src.Weights3D)
}
