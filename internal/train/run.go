package train

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/born-ml/eco/internal/checkpoint"
	"github.com/born-ml/eco/internal/config"
	"github.com/born-ml/eco/internal/dataset"
	"github.com/born-ml/eco/internal/model"
	"github.com/born-ml/eco/internal/optim"
	"github.com/born-ml/eco/internal/runlog"
	"github.com/born-ml/eco/internal/tensor"
	"github.com/born-ml/eco/internal/transplant"
)

// ErrArchMismatch reports a resume checkpoint of another architecture.
var ErrArchMismatch = errors.New("checkpoint architecture does not match")

// Summary describes a finished run.
type Summary struct {
	StartEpoch     int     // First epoch trained, after resume
	EpochsTrained  int     // Epochs completed by this invocation
	BestPrec1      float64 // Best validation top-1 seen, including resumed history
	LastPrec1      float64 // Top-1 of the most recent evaluation
	Steps          int64   // Optimizer steps, including resumed history
	LastCheckpoint string  // Most recently written checkpoint file
}

// Run executes the job described by cfg: it builds the model and its initial
// weights, optionally resumes, then trains for the configured epochs,
// evaluating and checkpointing every EvalFreq epochs and after the last one.
// With Run.Evaluate set it evaluates once and returns.
func Run(ctx context.Context, cfg *config.Config, logger *slog.Logger) (Summary, error) {
	if logger == nil {
		logger = slog.Default()
	}
	var sum Summary

	if err := cfg.Validate(); err != nil {
		return sum, err
	}
	info, err := cfg.DatasetInfo()
	if err != nil {
		return sum, err
	}
	cfg.Log(logger)
	modality := cfg.Modality()

	m, err := model.New(cfg.Model.Arch, cfg.ModelOptions(info.NumClass), cfg.Train.Seed)
	if err != nil {
		return sum, err
	}
	if err := initWeights(ctx, cfg, m, logger); err != nil {
		return sum, err
	}

	store := checkpoint.NewStore(cfg.Run.SnapshotPref, modality, logger)
	startEpoch := cfg.Train.StartEpoch
	var bestPrec1 float64
	var steps int64
	if cfg.Run.Resume != "" {
		ckpt, err := store.Load(cfg.Run.Resume)
		switch {
		case errors.Is(err, checkpoint.ErrNotFound):
			logger.Warn("no checkpoint found, starting from initial weights", "path", cfg.Run.Resume)
		case err != nil:
			return sum, err
		default:
			if ckpt.Arch != m.Arch() {
				return sum, fmt.Errorf("%w: %s has %q, model is %q", ErrArchMismatch, cfg.Run.Resume, ckpt.Arch, m.Arch())
			}
			if err := m.LoadStateDict(ckpt.State); err != nil {
				return sum, fmt.Errorf("resume %s: %w", cfg.Run.Resume, err)
			}
			startEpoch, bestPrec1, steps = ckpt.Epoch, ckpt.BestPrec1, ckpt.Step
			logger.Info("loaded checkpoint", "path", cfg.Run.Resume, "epoch", ckpt.Epoch, "best_prec1", ckpt.BestPrec1)
		}
	}
	sum.StartEpoch, sum.BestPrec1, sum.Steps = startEpoch, bestPrec1, steps

	trainSet, valSet, err := buildDatasets(cfg, m, info)
	if err != nil {
		return sum, err
	}
	valLoader, err := dataset.NewLoader(valSet, dataset.LoaderConfig{
		BatchSize: cfg.Train.BatchSize,
		Workers:   cfg.Data.Workers,
		Seed:      cfg.Train.Seed,
	})
	if err != nil {
		return sum, err
	}

	groups, err := optim.BuildPolicies(m.Parameters(), modality, logger)
	if err != nil {
		return sum, err
	}
	sgd := optim.NewSGD(groups, optim.SGDConfig{
		LR:          cfg.Train.LR,
		Momentum:    cfg.Train.Momentum,
		WeightDecay: cfg.Train.WeightDecay,
		Nesterov:    cfg.Train.Nesterov,
	})
	trainer := NewTrainer(m, sgd, Config{
		IterSize:     cfg.Train.IterSize,
		ClipGradient: cfg.Train.ClipGradient,
		PartialBN:    !cfg.Model.NoPartialBN,
		PrintFreq:    cfg.Run.PrintFreq,
		Logger:       logger,
	})
	trainer.SetSteps(steps)

	if cfg.Run.Evaluate {
		stats, err := trainer.Validate(ctx, valLoader, startEpoch)
		if err != nil {
			return sum, err
		}
		sum.LastPrec1 = stats.Top1.Avg
		return sum, nil
	}

	trainLoader, err := dataset.NewLoader(trainSet, dataset.LoaderConfig{
		BatchSize: cfg.Train.BatchSize,
		Workers:   cfg.Data.Workers,
		Shuffle:   true,
		Seed:      cfg.Train.Seed,
	})
	if err != nil {
		return sum, err
	}

	var ledger *runlog.Ledger
	if cfg.Run.HistoryDB != "" {
		if ledger, err = runlog.Open(cfg.Run.HistoryDB, logger); err != nil {
			return sum, err
		}
		defer func() {
			if cerr := ledger.Close(); cerr != nil {
				logger.Error("close history ledger", "error", cerr)
			}
		}()
	}
	runName := fmt.Sprintf("%s_%s", cfg.Run.SnapshotPref, modality.Lower())

	schedule := optim.NewStepDecay(cfg.Train.LR, cfg.Train.LRSteps)
	for epoch := startEpoch; epoch < cfg.Train.Epochs; epoch++ {
		lr := schedule.Apply(epoch, sgd)
		stats, err := trainer.TrainEpoch(ctx, trainLoader, epoch, lr)
		if err != nil {
			return sum, err
		}
		sum.EpochsTrained++
		sum.Steps = trainer.Steps()

		row := runlog.Epoch{
			Run:       runName,
			Epoch:     epoch + 1,
			LR:        lr,
			TrainLoss: stats.Loss.Avg,
			TrainTop1: stats.Top1.Avg,
			TrainTop5: stats.Top5.Avg,
		}

		if (epoch+1)%cfg.Run.EvalFreq == 0 || epoch == cfg.Train.Epochs-1 {
			eval, err := trainer.Validate(ctx, valLoader, epoch)
			if err != nil {
				return sum, err
			}
			prec1 := eval.Top1.Avg
			isBest := prec1 > bestPrec1
			bestPrec1 = max(prec1, bestPrec1)

			path, err := store.Save(checkpoint.Checkpoint{
				Epoch:     epoch + 1,
				Step:      trainer.Steps(),
				Arch:      m.Arch(),
				State:     m.StateDict(),
				BestPrec1: bestPrec1,
			}, isBest)
			if err != nil {
				return sum, err
			}
			sum.LastPrec1, sum.BestPrec1, sum.LastCheckpoint = prec1, bestPrec1, path

			row.Evaluated = true
			row.ValLoss, row.ValTop1, row.ValTop5 = eval.Loss.Avg, eval.Top1.Avg, eval.Top5.Avg
			row.IsBest = isBest
			row.Checkpoint = path
		}

		if ledger != nil {
			if err := ledger.Record(ctx, row); err != nil {
				return sum, err
			}
		}
	}
	return sum, nil
}

// initWeights resolves the configured pretrained source and loads it into m.
func initWeights(ctx context.Context, cfg *config.Config, m model.Model, logger *slog.Logger) error {
	src := cfg.Source()
	var fetcher *transplant.Fetcher
	if src.Kind != transplant.Scratch && cfg.Pretrained.CacheDir != "" {
		var err error
		fetcher, err = transplant.NewFetcher(transplant.FetcherOptions{CacheDir: cfg.Pretrained.CacheDir, Logger: logger})
		if err != nil {
			return err
		}
	}
	resolver := transplant.NewResolver(transplant.Config{
		Arch:    m.Arch(),
		Fetcher: fetcher,
		Seed:    cfg.Train.Seed,
		Logger:  logger,
	})
	state, err := resolver.Resolve(ctx, src, m.Shapes())
	if err != nil {
		return err
	}
	if err := m.LoadStateDict(state); err != nil {
		return fmt.Errorf("load initial weights: %w", err)
	}
	return nil
}

// buildDatasets returns the training and validation sets. The training set
// is nil when only evaluating.
func buildDatasets(cfg *config.Config, m model.Model, info config.DatasetInfo) (train, val dataset.Dataset, err error) {
	modality := cfg.Modality()
	if cfg.Data.Synthetic > 0 {
		input := m.Input()
		shape := tensor.Shape{cfg.Model.NumSegments * modality.SegmentChannels(), input.CropSize, input.CropSize}
		if train, err = dataset.NewSynthetic(cfg.Data.Synthetic, info.NumClass, shape, cfg.Train.Seed); err != nil {
			return nil, nil, err
		}
		if val, err = dataset.NewSynthetic(cfg.Data.Synthetic, info.NumClass, shape, cfg.Train.Seed+1); err != nil {
			return nil, nil, err
		}
		return train, val, nil
	}

	template, err := cfg.FrameTemplate()
	if err != nil {
		return nil, nil, err
	}
	open := func(list string, training bool) (dataset.Dataset, error) {
		records, err := dataset.ReadList(list)
		if err != nil {
			return nil, err
		}
		return dataset.NewFrames(records, dataset.FramesConfig{
			Root:        cfg.Data.Root,
			Template:    template,
			Modality:    modality,
			NumSegments: cfg.Model.NumSegments,
			Transform: dataset.Transform{
				Input:        m.Input(),
				Augmentation: m.Augmentation(),
				Train:        training,
			},
		})
	}

	if !cfg.Run.Evaluate {
		if train, err = open(cfg.Data.TrainList, true); err != nil {
			return nil, nil, err
		}
	}
	if val, err = open(cfg.Data.ValList, false); err != nil {
		return nil, nil, err
	}
	return train, val, nil
}
