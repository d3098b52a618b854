// Package config holds the run configuration of a training job.
//
// Values are layered: DefaultConfig, then an optional TOML file, then
// command-line flags that were set explicitly. The resulting Config is
// passed to every component that needs it.
package config

import (
	"bytes"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"strings"

	"github.com/pelletier/go-toml/v2"

	"github.com/born-ml/eco/internal/model"
	"github.com/born-ml/eco/internal/transplant"
)

// Configuration errors.
var (
	// ErrUnknownDataset reports a dataset name missing from the registry.
	ErrUnknownDataset = errors.New("unknown dataset")
	// ErrUnknownLossType reports a loss other than "nll".
	ErrUnknownLossType = errors.New("unknown loss type")
)

// Config represents the run configuration.
type Config struct {
	Data       DataConfig       `toml:"data"`
	Model      ModelConfig      `toml:"model"`
	Train      TrainConfig      `toml:"train"`
	Pretrained PretrainedConfig `toml:"pretrained"`
	Run        RunConfig        `toml:"run"`
}

// DataConfig selects the clips to train and evaluate on.
type DataConfig struct {
	Dataset    string `toml:"dataset"`     // Registry name: ucf101, hmdb51, kinetics, something
	Modality   string `toml:"modality"`    // RGB, Flow or RGBDiff
	TrainList  string `toml:"train_list"`  // List file of training clips
	ValList    string `toml:"val_list"`    // List file of validation clips
	Root       string `toml:"root"`        // Prefix for relative frame directories
	RGBPrefix  string `toml:"rgb_prefix"`  // Frame file prefix for RGB and RGBDiff
	FlowPrefix string `toml:"flow_prefix"` // Frame file prefix for Flow, with %s for the direction
	Workers    int    `toml:"workers"`     // Data loading goroutines
	Synthetic  int    `toml:"synthetic"`   // Use this many generated clips instead of list files
}

// ModelConfig selects and sizes the network.
type ModelConfig struct {
	Arch          string  `toml:"arch"`           // ECO or C3DRes18
	NumSegments   int     `toml:"num_segments"`   // Segments sampled per clip
	ConsensusType string  `toml:"consensus_type"` // Only "avg"
	Dropout       float64 `toml:"dropout"`        // Dropout before the classifier
	NoPartialBN   bool    `toml:"no_partialbn"`   // Keep every batch norm adaptive
	CropSize      int     `toml:"crop_size"`      // Network input size
	Kernel        int     `toml:"kernel"`         // Stem kernel size
	Features2D    int     `toml:"features_2d"`    // Width of the 2D stem
	Features3D    int     `toml:"features_3d"`    // Width of the 3D stage
}

// TrainConfig holds the optimization hyperparameters.
type TrainConfig struct {
	LossType     string  `toml:"loss_type"`     // Only "nll"
	Epochs       int     `toml:"epochs"`        // Total epochs
	StartEpoch   int     `toml:"start_epoch"`   // First epoch, overridden by resume
	BatchSize    int     `toml:"batch_size"`    // Mini-batch size
	IterSize     int     `toml:"iter_size"`     // Mini-batches accumulated per step
	LR           float64 `toml:"lr"`            // Base learning rate
	LRSteps      []int   `toml:"lr_steps"`      // Epochs at which the rate drops tenfold
	Momentum     float64 `toml:"momentum"`      // SGD momentum
	WeightDecay  float64 `toml:"weight_decay"`  // Base weight decay
	Nesterov     bool    `toml:"nesterov"`      // Nesterov momentum
	ClipGradient float64 `toml:"clip_gradient"` // Max gradient L2 norm, 0 disables
	Seed         uint64  `toml:"seed"`          // Seeds initialization and data order
}

// PretrainedConfig selects the initial weights.
type PretrainedConfig struct {
	Parts     string `toml:"parts"`      // scratch, 2D, 3D, both or finetune
	Weights2D string `toml:"weights_2d"` // 2D backbone weights, path or URL
	Weights3D string `toml:"weights_3d"` // 3D backbone weights, path or URL
	Finetune  string `toml:"finetune"`   // Prior checkpoint of the same architecture
	CacheDir  string `toml:"cache_dir"`  // Download cache for URLs
}

// RunConfig controls logging, evaluation and persistence.
type RunConfig struct {
	PrintFreq    int    `toml:"print_freq"`    // Batches between progress lines
	EvalFreq     int    `toml:"eval_freq"`     // Epochs between evaluations
	Resume       string `toml:"resume"`        // Checkpoint to resume from
	Evaluate     bool   `toml:"evaluate"`      // Evaluate once and exit
	SnapshotPref string `toml:"snapshot_pref"` // Checkpoint file prefix
	GPUs         []int  `toml:"gpus"`          // Device ids, recorded only
	HistoryDB    string `toml:"history_db"`    // SQLite epoch ledger, empty disables
	LogJSON      bool   `toml:"log_json"`      // JSON log lines instead of text
	LogLevel     string `toml:"log_level"`     // debug, info, warn or error

	// DumpConfig names a file the resolved configuration is written to
	// instead of running. Command line only.
	DumpConfig string `toml:"-"`
}

// DefaultConfig returns the default configuration.
func DefaultConfig() *Config {
	return &Config{
		Data: DataConfig{
			Dataset:    "ucf101",
			Modality:   string(model.RGB),
			RGBPrefix:  "img_",
			FlowPrefix: "flow_%s_",
			Workers:    4,
		},
		Model: ModelConfig{
			Arch:          model.ArchECO,
			NumSegments:   4,
			ConsensusType: "avg",
			Dropout:       0.5,
			CropSize:      224,
			Kernel:        7,
			Features2D:    96,
			Features3D:    128,
		},
		Train: TrainConfig{
			LossType:    "nll",
			Epochs:      45,
			BatchSize:   32,
			IterSize:    1,
			LR:          0.001,
			LRSteps:     []int{20, 40},
			Momentum:    0.9,
			WeightDecay: 5e-4,
			Seed:        1,
		},
		Pretrained: PretrainedConfig{
			Parts:    "scratch",
			CacheDir: "pretrained_cache",
		},
		Run: RunConfig{
			PrintFreq:    20,
			EvalFreq:     5,
			SnapshotPref: "eco",
			LogLevel:     "info",
		},
	}
}

// LoadFile reads a TOML file over the defaults. Keys missing from the file
// keep their default; unknown keys are an error.
func LoadFile(path string) (*Config, error) {
	//nolint:gosec // G304: config path is given by the user
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config file: %w", err)
	}
	cfg := DefaultConfig()
	dec := toml.NewDecoder(bytes.NewReader(data))
	dec.DisallowUnknownFields()
	if err := dec.Decode(cfg); err != nil {
		return nil, fmt.Errorf("parse config file %s: %w", path, err)
	}
	return cfg, nil
}

// Save writes the configuration as TOML.
func (c *Config) Save(path string) error {
	data, err := toml.Marshal(c)
	if err != nil {
		return fmt.Errorf("marshal config: %w", err)
	}
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return fmt.Errorf("write config file: %w", err)
	}
	return nil
}

// Validate checks the configuration before any training state is built.
func (c *Config) Validate() error {
	if _, err := c.DatasetInfo(); err != nil {
		return err
	}
	modality, err := model.ParseModality(c.Data.Modality)
	if err != nil {
		return err
	}
	if c.Train.LossType != "nll" {
		return fmt.Errorf("%w: %q", ErrUnknownLossType, c.Train.LossType)
	}
	if c.Model.Arch != model.ArchECO && c.Model.Arch != model.ArchC3DRes18 {
		return fmt.Errorf("%w: %q", model.ErrUnknownArch, c.Model.Arch)
	}
	if c.Model.ConsensusType != "avg" {
		return fmt.Errorf("%w: %q", model.ErrUnknownConsensus, c.Model.ConsensusType)
	}
	kind, err := transplant.ParseKind(c.Pretrained.Parts)
	if err != nil {
		return err
	}
	if err := transplant.CheckArch(c.Model.Arch, kind); err != nil {
		return err
	}
	if modality == model.Flow && strings.Count(c.Data.FlowPrefix, "%s") != 1 {
		return fmt.Errorf("flow_prefix %q must contain one %%s for the flow direction", c.Data.FlowPrefix)
	}

	switch {
	case c.Train.Epochs <= 0:
		return fmt.Errorf("epochs must be positive, got %d", c.Train.Epochs)
	case c.Train.StartEpoch < 0:
		return fmt.Errorf("start_epoch cannot be negative: %d", c.Train.StartEpoch)
	case c.Train.BatchSize <= 0:
		return fmt.Errorf("batch_size must be positive, got %d", c.Train.BatchSize)
	case c.Train.IterSize <= 0:
		return fmt.Errorf("iter_size must be positive, got %d", c.Train.IterSize)
	case c.Train.LR <= 0:
		return fmt.Errorf("lr must be positive, got %g", c.Train.LR)
	case c.Train.ClipGradient < 0:
		return fmt.Errorf("clip_gradient cannot be negative: %g", c.Train.ClipGradient)
	case c.Run.PrintFreq <= 0:
		return fmt.Errorf("print_freq must be positive, got %d", c.Run.PrintFreq)
	case c.Run.EvalFreq <= 0:
		return fmt.Errorf("eval_freq must be positive, got %d", c.Run.EvalFreq)
	case c.Data.Workers < 0:
		return fmt.Errorf("workers cannot be negative: %d", c.Data.Workers)
	case c.Data.Synthetic < 0:
		return fmt.Errorf("synthetic cannot be negative: %d", c.Data.Synthetic)
	}
	if c.Data.Synthetic == 0 && !c.Run.Evaluate && c.Data.TrainList == "" {
		return errors.New("train_list is required unless synthetic data is used")
	}
	if c.Data.Synthetic == 0 && c.Data.ValList == "" {
		return errors.New("val_list is required unless synthetic data is used")
	}
	if _, err := c.LogLevel(); err != nil {
		return err
	}
	return nil
}

// Modality returns the parsed modality. Call Validate first.
func (c *Config) Modality() model.Modality {
	return model.Modality(c.Data.Modality)
}

// ModelOptions returns the network options for the dataset's class count.
func (c *Config) ModelOptions(numClass int) model.Options {
	return model.Options{
		NumClass:    numClass,
		NumSegments: c.Model.NumSegments,
		Modality:    c.Modality(),
		Consensus:   c.Model.ConsensusType,
		Dropout:     c.Model.Dropout,
		PartialBN:   !c.Model.NoPartialBN,
		CropSize:    c.Model.CropSize,
		Kernel:      c.Model.Kernel,
		Features2D:  c.Model.Features2D,
		Features3D:  c.Model.Features3D,
	}
}

// Source returns the pretrained weight source. Call Validate first.
func (c *Config) Source() transplant.Source {
	kind, _ := transplant.ParseKind(c.Pretrained.Parts)
	return transplant.Source{
		Kind:      kind,
		Weights2D: c.Pretrained.Weights2D,
		Weights3D: c.Pretrained.Weights3D,
		Full:      c.Pretrained.Finetune,
	}
}

// LogLevel parses Run.LogLevel.
func (c *Config) LogLevel() (slog.Level, error) {
	var level slog.Level
	if err := level.UnmarshalText([]byte(c.Run.LogLevel)); err != nil {
		return 0, fmt.Errorf("invalid log_level %q: %w", c.Run.LogLevel, err)
	}
	return level, nil
}

// Log writes the configuration as one structured record.
func (c *Config) Log(logger *slog.Logger) {
	logger.Info("configuration",
		slog.Group("data",
			"dataset", c.Data.Dataset, "modality", c.Data.Modality,
			"train_list", c.Data.TrainList, "val_list", c.Data.ValList,
			"workers", c.Data.Workers, "synthetic", c.Data.Synthetic),
		slog.Group("model",
			"arch", c.Model.Arch, "num_segments", c.Model.NumSegments,
			"consensus_type", c.Model.ConsensusType, "dropout", c.Model.Dropout,
			"partial_bn", !c.Model.NoPartialBN, "crop_size", c.Model.CropSize),
		slog.Group("train",
			"loss_type", c.Train.LossType, "epochs", c.Train.Epochs,
			"batch_size", c.Train.BatchSize, "iter_size", c.Train.IterSize,
			"lr", c.Train.LR, "lr_steps", c.Train.LRSteps,
			"momentum", c.Train.Momentum, "weight_decay", c.Train.WeightDecay,
			"nesterov", c.Train.Nesterov, "clip_gradient", c.Train.ClipGradient,
			"seed", c.Train.Seed),
		slog.Group("pretrained",
			"parts", c.Pretrained.Parts, "weights_2d", c.Pretrained.Weights2D,
			"weights_3d", c.Pretrained.Weights3D, "finetune", c.Pretrained.Finetune),
		slog.Group("run",
			"print_freq", c.Run.PrintFreq, "eval_freq", c.Run.EvalFreq,
			"resume", c.Run.Resume, "evaluate", c.Run.Evaluate,
			"snapshot_pref", c.Run.SnapshotPref, "gpus", c.Run.GPUs,
			"history_db", c.Run.HistoryDB),
	)
}
