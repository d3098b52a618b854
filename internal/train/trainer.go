// Package train drives the training and evaluation loops.
//
// A Trainer owns one model and its optimizer. TrainEpoch runs one pass over
// a loader with gradient accumulation, clipping and partial batch-norm
// freezing; Validate runs one inference pass. Run wires the full job from a
// config: weight transplant, resume, the epoch schedule, checkpoints and the
// history ledger.
package train

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/born-ml/eco/internal/dataset"
	"github.com/born-ml/eco/internal/metrics"
	"github.com/born-ml/eco/internal/model"
	"github.com/born-ml/eco/internal/nn"
	"github.com/born-ml/eco/internal/optim"
)

// Config configures a Trainer.
type Config struct {
	IterSize     int          // Mini-batches accumulated per optimizer step (minimum 1)
	ClipGradient float64      // Max gradient L2 norm; 0 disables clipping
	PartialBN    bool         // Freeze every batch norm after the first while training
	PrintFreq    int          // Batches between progress lines (minimum 1)
	Logger       *slog.Logger // nil uses slog.Default()
}

// Trainer runs training and evaluation passes over a model.
type Trainer struct {
	model     model.Model
	opt       *optim.SGD
	criterion *nn.CrossEntropyLoss
	iterSize  int
	clip      float64
	partialBN bool
	printFreq int
	logger    *slog.Logger
	steps     int64
}

// EpochStats are the running metrics of one training pass.
type EpochStats struct {
	Loss      metrics.Meter
	Top1      metrics.Meter
	Top5      metrics.Meter
	BatchTime metrics.Meter // Seconds per batch
	DataTime  metrics.Meter // Seconds waiting for the loader
	Batches   int           // Batches consumed, excluding the discarded final one
	Steps     int           // Optimizer steps taken
}

// EvalStats are the running metrics of one evaluation pass.
type EvalStats struct {
	Loss      metrics.Meter
	Top1      metrics.Meter
	Top5      metrics.Meter
	BatchTime metrics.Meter
	Batches   int
}

// NewTrainer creates a trainer for m updated by opt.
func NewTrainer(m model.Model, opt *optim.SGD, cfg Config) *Trainer {
	if cfg.IterSize < 1 {
		cfg.IterSize = 1
	}
	if cfg.PrintFreq < 1 {
		cfg.PrintFreq = 1
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return &Trainer{
		model:     m,
		opt:       opt,
		criterion: nn.NewCrossEntropyLoss(),
		iterSize:  cfg.IterSize,
		clip:      cfg.ClipGradient,
		partialBN: cfg.PartialBN,
		printFreq: cfg.PrintFreq,
		logger:    cfg.Logger,
	}
}

// Steps returns the number of optimizer steps taken so far.
func (t *Trainer) Steps() int64 {
	return t.steps
}

// SetSteps restores the step counter, e.g. after resuming.
func (t *Trainer) SetSteps(n int64) {
	t.steps = n
}

// TrainEpoch runs one training pass over loader.
//
// Gradients of IterSize consecutive mini-batches are summed, divided by
// IterSize, clipped to ClipGradient and applied in a single optimizer step.
// Gradients left over from an incomplete accumulation window are discarded
// at the start of the next epoch. The final batch of the epoch is never
// trained on.
//
// The context is checked between batches.
func (t *Trainer) TrainEpoch(ctx context.Context, loader *dataset.Loader, epoch int, lr float64) (EpochStats, error) {
	var stats EpochStats
	n := loader.Len()

	t.model.PartialBN(t.partialBN)
	t.model.Train()
	t.opt.ZeroGrad()

	end := time.Now()
	for batch, err := range loader.Batches(ctx, epoch) {
		if err != nil {
			return stats, fmt.Errorf("epoch %d: %w", epoch, err)
		}
		i := batch.Index
		if i == n-1 {
			break
		}
		stats.DataTime.Update(time.Since(end).Seconds(), 1)

		scores, err := t.model.Forward(batch.Clips)
		if err != nil {
			return stats, fmt.Errorf("epoch %d batch %d: forward: %w", epoch, i, err)
		}
		loss, err := t.criterion.Forward(scores, batch.Labels)
		if err != nil {
			return stats, fmt.Errorf("epoch %d batch %d: loss: %w", epoch, i, err)
		}
		acc, err := metrics.Accuracy(scores, batch.Labels, 1, 5)
		if err != nil {
			return stats, fmt.Errorf("epoch %d batch %d: %w", epoch, i, err)
		}
		size := len(batch.Labels)
		stats.Loss.Update(loss, size)
		stats.Top1.Update(acc[0], size)
		stats.Top5.Update(acc[1], size)

		grad, err := t.criterion.Backward()
		if err != nil {
			return stats, fmt.Errorf("epoch %d batch %d: loss backward: %w", epoch, i, err)
		}
		if err := t.model.Backward(grad); err != nil {
			return stats, fmt.Errorf("epoch %d batch %d: backward: %w", epoch, i, err)
		}

		if (i+1)%t.iterSize == 0 {
			t.step()
			stats.Steps++
		}
		stats.Batches++

		stats.BatchTime.Update(time.Since(end).Seconds(), 1)
		end = time.Now()

		if i%t.printFreq == 0 {
			t.logger.Info("train",
				"epoch", epoch, "batch", i, "batches", n, "lr", lr,
				"time", stats.BatchTime.String(), "data", stats.DataTime.String(),
				"loss", stats.Loss.String(), "prec1", stats.Top1.String(), "prec5", stats.Top5.String())
		}
	}
	return stats, nil
}

// step applies one optimizer update from the accumulated gradients.
func (t *Trainer) step() {
	if t.iterSize > 1 {
		t.opt.ScaleGrad(1 / float64(t.iterSize))
	}
	if t.clip > 0 {
		norm, coef := optim.ClipGradNorm(t.opt.Parameters(), t.clip)
		if coef < 1 {
			t.logger.Info("clipping gradient", "norm", norm, "max_norm", t.clip, "coef", coef)
		}
	}
	t.opt.Step()
	t.opt.ZeroGrad()
	t.steps++
}

// Validate runs one inference pass over loader and returns its metrics.
//
// No gradients are computed and batch-norm statistics stay fixed. The final
// batch is discarded as in training.
func (t *Trainer) Validate(ctx context.Context, loader *dataset.Loader, epoch int) (EvalStats, error) {
	var stats EvalStats
	n := loader.Len()

	t.model.Eval()
	end := time.Now()
	for batch, err := range loader.Batches(ctx, epoch) {
		if err != nil {
			return stats, fmt.Errorf("validate: %w", err)
		}
		i := batch.Index
		if i == n-1 {
			break
		}

		scores, err := t.model.Forward(batch.Clips)
		if err != nil {
			return stats, fmt.Errorf("validate batch %d: forward: %w", i, err)
		}
		loss, err := t.criterion.Forward(scores, batch.Labels)
		if err != nil {
			return stats, fmt.Errorf("validate batch %d: loss: %w", i, err)
		}
		acc, err := metrics.Accuracy(scores, batch.Labels, 1, 5)
		if err != nil {
			return stats, fmt.Errorf("validate batch %d: %w", i, err)
		}
		size := len(batch.Labels)
		stats.Loss.Update(loss, size)
		stats.Top1.Update(acc[0], size)
		stats.Top5.Update(acc[1], size)
		stats.Batches++

		stats.BatchTime.Update(time.Since(end).Seconds(), 1)
		end = time.Now()

		if i%t.printFreq == 0 {
			t.logger.Info("test",
				"batch", i, "batches", n, "time", stats.BatchTime.String(),
				"loss", stats.Loss.String(), "prec1", stats.Top1.String(), "prec5", stats.Top5.String())
		}
	}

	t.logger.Info("testing results",
		"epoch", epoch,
		"prec1", fmt.Sprintf("%.3f", stats.Top1.Avg),
		"prec5", fmt.Sprintf("%.3f", stats.Top5.Avg),
		"loss", fmt.Sprintf("%.5f", stats.Loss.Avg))
	return stats, nil
}
