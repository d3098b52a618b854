package config

import (
	"flag"
	"fmt"
	"strconv"
	"strings"
)

// intList is a comma-separated list of integers, e.g. "20,40".
type intList struct {
	values *[]int
}

func (l intList) String() string {
	if l.values == nil {
		return ""
	}
	parts := make([]string, len(*l.values))
	for i, v := range *l.values {
		parts[i] = strconv.Itoa(v)
	}
	return strings.Join(parts, ",")
}

func (l intList) Set(s string) error {
	var out []int
	for _, part := range strings.Split(s, ",") {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		v, err := strconv.Atoi(part)
		if err != nil {
			return fmt.Errorf("invalid integer %q", part)
		}
		out = append(out, v)
	}
	*l.values = out
	return nil
}

// BindFlags registers one flag per option on fs, writing into c. The
// current values of c are the flag defaults.
func BindFlags(fs *flag.FlagSet, c *Config) {
	fs.StringVar(&c.Data.Dataset, "dataset", c.Data.Dataset, "dataset name: "+strings.Join(DatasetNames(), ", "))
	fs.StringVar(&c.Data.Modality, "modality", c.Data.Modality, "input modality: RGB, Flow or RGBDiff")
	fs.StringVar(&c.Data.TrainList, "train_list", c.Data.TrainList, "list file of training clips")
	fs.StringVar(&c.Data.ValList, "val_list", c.Data.ValList, "list file of validation clips")
	fs.StringVar(&c.Data.Root, "root", c.Data.Root, "directory prefix for relative frame paths")
	fs.StringVar(&c.Data.RGBPrefix, "rgb_prefix", c.Data.RGBPrefix, "frame file prefix for RGB and RGBDiff")
	fs.StringVar(&c.Data.FlowPrefix, "flow_prefix", c.Data.FlowPrefix, "frame file prefix for Flow, %s is the direction")
	fs.IntVar(&c.Data.Workers, "workers", c.Data.Workers, "data loading workers")
	fs.IntVar(&c.Data.Synthetic, "synthetic", c.Data.Synthetic, "train on this many generated clips instead of list files")

	fs.StringVar(&c.Model.Arch, "arch", c.Model.Arch, "architecture: ECO or C3DRes18")
	fs.IntVar(&c.Model.NumSegments, "num_segments", c.Model.NumSegments, "segments per clip")
	fs.StringVar(&c.Model.ConsensusType, "consensus_type", c.Model.ConsensusType, "segment consensus")
	fs.Float64Var(&c.Model.Dropout, "dropout", c.Model.Dropout, "dropout before the classifier")
	fs.BoolVar(&c.Model.NoPartialBN, "no_partialbn", c.Model.NoPartialBN, "keep every batch norm layer adaptive")
	fs.IntVar(&c.Model.CropSize, "crop_size", c.Model.CropSize, "network input size")

	fs.StringVar(&c.Train.LossType, "loss_type", c.Train.LossType, "loss function")
	fs.IntVar(&c.Train.Epochs, "epochs", c.Train.Epochs, "number of epochs")
	fs.IntVar(&c.Train.StartEpoch, "start_epoch", c.Train.StartEpoch, "first epoch (resume overrides)")
	fs.IntVar(&c.Train.BatchSize, "batch_size", c.Train.BatchSize, "mini-batch size")
	fs.IntVar(&c.Train.IterSize, "iter_size", c.Train.IterSize, "mini-batches accumulated per optimizer step")
	fs.Float64Var(&c.Train.LR, "lr", c.Train.LR, "base learning rate")
	fs.Var(intList{&c.Train.LRSteps}, "lr_steps", "comma-separated epochs at which the learning rate drops tenfold")
	fs.Float64Var(&c.Train.Momentum, "momentum", c.Train.Momentum, "momentum")
	fs.Float64Var(&c.Train.WeightDecay, "weight_decay", c.Train.WeightDecay, "weight decay")
	fs.BoolVar(&c.Train.Nesterov, "nesterov", c.Train.Nesterov, "use Nesterov momentum")
	fs.Float64Var(&c.Train.ClipGradient, "clip_gradient", c.Train.ClipGradient, "max gradient L2 norm, 0 disables")
	fs.Uint64Var(&c.Train.Seed, "seed", c.Train.Seed, "random seed")

	fs.StringVar(&c.Pretrained.Parts, "pretrained_parts", c.Pretrained.Parts, "initial weights: scratch, 2D, 3D, both or finetune")
	fs.StringVar(&c.Pretrained.Weights2D, "pretrained_2d", c.Pretrained.Weights2D, "2D backbone weights, path or URL")
	fs.StringVar(&c.Pretrained.Weights3D, "pretrained_3d", c.Pretrained.Weights3D, "3D backbone weights, path or URL")
	fs.StringVar(&c.Pretrained.Finetune, "finetune", c.Pretrained.Finetune, "checkpoint to fine-tune from")
	fs.StringVar(&c.Pretrained.CacheDir, "cache_dir", c.Pretrained.CacheDir, "download cache for pretrained weights")

	fs.IntVar(&c.Run.PrintFreq, "print_freq", c.Run.PrintFreq, "batches between progress lines")
	fs.IntVar(&c.Run.EvalFreq, "eval_freq", c.Run.EvalFreq, "epochs between evaluations")
	fs.StringVar(&c.Run.Resume, "resume", c.Run.Resume, "checkpoint to resume from")
	fs.BoolVar(&c.Run.Evaluate, "evaluate", c.Run.Evaluate, "evaluate on the validation set and exit")
	fs.StringVar(&c.Run.SnapshotPref, "snapshot_pref", c.Run.SnapshotPref, "checkpoint file prefix")
	fs.Var(intList{&c.Run.GPUs}, "gpus", "comma-separated device ids")
	fs.StringVar(&c.Run.HistoryDB, "history_db", c.Run.HistoryDB, "SQLite file recording epoch results")
	fs.BoolVar(&c.Run.LogJSON, "log_json", c.Run.LogJSON, "log as JSON")
	fs.StringVar(&c.Run.LogLevel, "log_level", c.Run.LogLevel, "log level: debug, info, warn or error")
	fs.StringVar(&c.Run.DumpConfig, "dump_config", c.Run.DumpConfig, "write the resolved configuration as TOML to this file and exit")
}

// Parse builds a Config from command-line arguments.
//
// The -config flag names an optional TOML file loaded over the defaults;
// flags given explicitly on the command line override the file.
func Parse(name string, args []string) (*Config, error) {
	fs := flag.NewFlagSet(name, flag.ContinueOnError)
	configPath := fs.String("config", "", "TOML configuration file")
	BindFlags(fs, DefaultConfig())
	if err := fs.Parse(args); err != nil {
		return nil, err
	}
	if fs.NArg() > 0 {
		return nil, fmt.Errorf("unexpected arguments: %v", fs.Args())
	}

	cfg := DefaultConfig()
	if *configPath != "" {
		var err error
		if cfg, err = LoadFile(*configPath); err != nil {
			return nil, err
		}
	}

	overlay := flag.NewFlagSet(name, flag.ContinueOnError)
	BindFlags(overlay, cfg)
	var setErr error
	fs.Visit(func(f *flag.Flag) {
		if f.Name == "config" || setErr != nil {
			return
		}
		if err := overlay.Set(f.Name, f.Value.String()); err != nil {
			setErr = fmt.Errorf("flag -%s: %w", f.Name, err)
		}
	})
	if setErr != nil {
		return nil, setErr
	}
	return cfg, nil
}
