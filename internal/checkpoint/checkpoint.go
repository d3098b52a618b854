// Package checkpoint saves and restores training snapshots.
//
// A Checkpoint is written as a .born container: the model state as tensors
// and the epoch, architecture and best precision in the header. Each save
// produces a new per-epoch file; when the snapshot is the best so far it is
// also copied to a fixed "model_best" file.
//
// Example:
//
//	store := checkpoint.NewStore("eco_lite", model.RGB, logger)
//	path, err := store.Save(checkpoint.Checkpoint{Epoch: 5, Arch: "ECO", State: m.StateDict(), BestPrec1: 71.2}, true)
//
//	ckpt, err := store.Load(resumePath)
//	if errors.Is(err, checkpoint.ErrNotFound) {
//	    // start from scratch
//	}
package checkpoint

import (
	"errors"
	"fmt"
	"io"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	"github.com/born-ml/eco/internal/model"
	"github.com/born-ml/eco/internal/serialization"
	"github.com/born-ml/eco/internal/tensor"
)

// ErrNotFound reports that no checkpoint file exists at the requested path.
var ErrNotFound = errors.New("no checkpoint found")

// ErrNotCheckpoint reports a .born file that carries no training state.
var ErrNotCheckpoint = errors.New("file is not a training checkpoint")

// Checkpoint is a training snapshot.
type Checkpoint struct {
	Epoch     int    // Number of completed epochs
	Step      int64  // Optimizer steps taken so far
	Arch      string // Architecture identifier
	State     tensor.StateDict
	BestPrec1 float64 // Best validation top-1 so far, in percent
}

// Store names, writes and reads checkpoint files.
type Store struct {
	prefix   string
	modality string
	logger   *slog.Logger
}

// NewStore creates a store writing files named after prefix and modality.
//
// The prefix may include a directory, which must exist.
func NewStore(prefix string, modality model.Modality, logger *slog.Logger) *Store {
	if logger == nil {
		logger = slog.Default()
	}
	return &Store{prefix: prefix, modality: modality.Lower(), logger: logger}
}

// EpochPath returns the file written for a checkpoint of epoch:
// <prefix>_<modality>_epoch_<epoch>_checkpoint.tar.
func (s *Store) EpochPath(epoch int) string {
	return fmt.Sprintf("%s_%s_epoch_%d_checkpoint.tar", s.prefix, s.modality, epoch)
}

// BestPath returns the file holding the best checkpoint:
// <prefix>_<modality>_model_best.tar.
func (s *Store) BestPath() string {
	return fmt.Sprintf("%s_%s_model_best.tar", s.prefix, s.modality)
}

// Save writes ckpt to its epoch file and, if isBest, copies it to the best
// file. It returns the epoch file path.
func (s *Store) Save(ckpt Checkpoint, isBest bool) (string, error) {
	path := s.EpochPath(ckpt.Epoch)
	header := serialization.Header{
		ModelType: ckpt.Arch,
		Checkpoint: &serialization.CheckpointMeta{
			Epoch:     ckpt.Epoch,
			Step:      ckpt.Step,
			Arch:      ckpt.Arch,
			BestPrec1: ckpt.BestPrec1,
		},
	}
	if err := serialization.WriteFile(path, ckpt.State, header); err != nil {
		return "", fmt.Errorf("save checkpoint %s: %w", path, err)
	}
	s.logger.Info("saved checkpoint", "path", path, "epoch", ckpt.Epoch, "best_prec1", ckpt.BestPrec1)

	if isBest {
		if err := copyFile(path, s.BestPath()); err != nil {
			return path, fmt.Errorf("promote best checkpoint: %w", err)
		}
		s.logger.Info("promoted best checkpoint", "path", s.BestPath())
	}
	return path, nil
}

// Load reads the checkpoint at path. A missing file returns ErrNotFound.
func (s *Store) Load(path string) (Checkpoint, error) {
	return Load(path)
}

// Load reads the checkpoint at path. A missing file returns ErrNotFound.
func Load(path string) (Checkpoint, error) {
	if _, err := os.Stat(path); errors.Is(err, fs.ErrNotExist) {
		return Checkpoint{}, fmt.Errorf("%w at %q", ErrNotFound, path)
	}
	state, header, err := serialization.ReadFile(path)
	if err != nil {
		return Checkpoint{}, fmt.Errorf("load checkpoint %s: %w", path, err)
	}
	meta := header.Checkpoint
	if meta == nil {
		return Checkpoint{}, fmt.Errorf("%w: %s", ErrNotCheckpoint, path)
	}
	arch := meta.Arch
	if arch == "" {
		arch = header.ModelType
	}
	return Checkpoint{
		Epoch:     meta.Epoch,
		Step:      meta.Step,
		Arch:      arch,
		State:     state,
		BestPrec1: meta.BestPrec1,
	}, nil
}

// StripModulePrefix returns a copy of state with the leading "module."
// removed from every name, as used when exporting weights for inference.
func StripModulePrefix(state tensor.StateDict) tensor.StateDict {
	out := make(tensor.StateDict, len(state))
	for name, t := range state {
		out[strings.TrimPrefix(name, "module.")] = t
	}
	return out
}

func copyFile(src, dst string) error {
	//nolint:gosec // G304: paths are derived from the run configuration
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer func() { _ = in.Close() }()

	tmp := dst + ".tmp"
	//nolint:gosec // G304: paths are derived from the run configuration
	out, err := os.Create(tmp)
	if err != nil {
		return err
	}
	if _, err := io.Copy(out, in); err != nil {
		_ = out.Close()
		_ = os.Remove(tmp)
		return err
	}
	if err := out.Close(); err != nil {
		_ = os.Remove(tmp)
		return err
	}
	return os.Rename(tmp, filepath.Clean(dst))
}
