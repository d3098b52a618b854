// Package main provides the ECO training CLI.
//
// Usage:
//
//	eco train   [-config run.toml] [flags]   train or evaluate a model
//	eco train   [flags] -dump_config out.toml write the resolved configuration
//	eco export  -checkpoint in.tar -out model.safetensors
//	eco history -db history.db -run eco_rgb
//	eco version
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/born-ml/eco/internal/checkpoint"
	"github.com/born-ml/eco/internal/config"
	"github.com/born-ml/eco/internal/runlog"
	"github.com/born-ml/eco/internal/serialization"
	"github.com/born-ml/eco/internal/train"
)

const version = "v0.1.0-dev"

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	code := run(ctx, os.Args[1:], os.Stdout, os.Stderr)
	stop()
	os.Exit(code)
}

func run(ctx context.Context, args []string, stdout, stderr io.Writer) int {
	cmd := "train"
	if len(args) > 0 && args[0] != "" && args[0][0] != '-' {
		cmd, args = args[0], args[1:]
	}

	var err error
	switch cmd {
	case "train":
		err = trainCmd(ctx, args, stdout, stderr)
	case "export":
		err = exportCmd(args, stdout, stderr)
	case "history":
		err = historyCmd(ctx, args, stdout, stderr)
	case "version":
		fmt.Fprintf(stdout, "eco %s\n", version)
	case "help":
		usage(stdout)
	default:
		usage(stderr)
		err = fmt.Errorf("unknown command %q", cmd)
	}

	if errors.Is(err, flag.ErrHelp) {
		return 0
	}
	if err != nil {
		fmt.Fprintf(stderr, "eco %s: %v\n", cmd, err)
		return 1
	}
	return 0
}

func usage(w io.Writer) {
	fmt.Fprintln(w, "Usage: eco <command> [flags]")
	fmt.Fprintln(w, "")
	fmt.Fprintln(w, "Commands:")
	fmt.Fprintln(w, "  train      Train or evaluate a model (default)")
	fmt.Fprintln(w, "  export     Convert a checkpoint to SafeTensors weights")
	fmt.Fprintln(w, "  history    Print the recorded epochs of a run")
	fmt.Fprintln(w, "  version    Show version")
}

func newLogger(cfg *config.Config, w io.Writer) (*slog.Logger, error) {
	level, err := cfg.LogLevel()
	if err != nil {
		return nil, err
	}
	opts := &slog.HandlerOptions{Level: level}
	if cfg.Run.LogJSON {
		return slog.New(slog.NewJSONHandler(w, opts)), nil
	}
	return slog.New(slog.NewTextHandler(w, opts)), nil
}

func trainCmd(ctx context.Context, args []string, stdout, stderr io.Writer) error {
	cfg, err := config.Parse("eco train", args)
	if err != nil {
		return err
	}
	if path := cfg.Run.DumpConfig; path != "" {
		if err := cfg.Validate(); err != nil {
			return err
		}
		if err := cfg.Save(path); err != nil {
			return err
		}
		fmt.Fprintf(stdout, "wrote configuration to %s\n", path)
		return nil
	}
	logger, err := newLogger(cfg, stderr)
	if err != nil {
		return err
	}
	slog.SetDefault(logger)

	sum, err := train.Run(ctx, cfg, logger)
	if err != nil {
		return err
	}
	logger.Info("done",
		"epochs_trained", sum.EpochsTrained, "steps", sum.Steps,
		"best_prec1", sum.BestPrec1, "last_checkpoint", sum.LastCheckpoint)
	return nil
}

func exportCmd(args []string, stdout, stderr io.Writer) error {
	fs := flag.NewFlagSet("eco export", flag.ContinueOnError)
	fs.SetOutput(stderr)
	in := fs.String("checkpoint", "", "checkpoint file to export")
	out := fs.String("out", "", "SafeTensors file to write")
	keepPrefix := fs.Bool("keep_prefix", false, "keep the leading \"module.\" of parameter names")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if *in == "" || *out == "" {
		return errors.New("-checkpoint and -out are required")
	}

	ckpt, err := checkpoint.Load(*in)
	if err != nil {
		return err
	}
	state := ckpt.State
	if !*keepPrefix {
		state = checkpoint.StripModulePrefix(state)
	}
	meta := map[string]string{
		"arch":       ckpt.Arch,
		"epoch":      fmt.Sprint(ckpt.Epoch),
		"best_prec1": fmt.Sprintf("%.3f", ckpt.BestPrec1),
	}
	if err := serialization.WriteSafeTensorsFile(*out, state, meta); err != nil {
		return err
	}
	fmt.Fprintf(stdout, "exported %d tensors from %s (epoch %d) to %s\n", len(state), *in, ckpt.Epoch, *out)
	return nil
}

func historyCmd(ctx context.Context, args []string, stdout, stderr io.Writer) error {
	fs := flag.NewFlagSet("eco history", flag.ContinueOnError)
	fs.SetOutput(stderr)
	db := fs.String("db", "", "history database")
	runName := fs.String("run", "", "run name: <snapshot_pref>_<modality>")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if *db == "" || *runName == "" {
		return errors.New("-db and -run are required")
	}
	if _, err := os.Stat(*db); err != nil {
		return err
	}

	ledger, err := runlog.Open(*db, slog.New(slog.NewTextHandler(stderr, nil)))
	if err != nil {
		return err
	}
	defer func() { _ = ledger.Close() }()

	epochs, err := ledger.History(ctx, *runName)
	if err != nil {
		return err
	}
	fmt.Fprintf(stdout, "%5s %10s %9s %7s %7s %8s %7s %7s\n", "epoch", "lr", "loss", "prec1", "prec5", "val_loss", "val@1", "val@5")
	for _, e := range epochs {
		fmt.Fprintf(stdout, "%5d %10.2g %9.4f %7.3f %7.3f", e.Epoch, e.LR, e.TrainLoss, e.TrainTop1, e.TrainTop5)
		if e.Evaluated {
			mark := ""
			if e.IsBest {
				mark = " *"
			}
			fmt.Fprintf(stdout, " %8.4f %7.3f %7.3f%s", e.ValLoss, e.ValTop1, e.ValTop5, mark)
		}
		fmt.Fprintln(stdout)
	}

	best, err := ledger.Best(ctx, *runName)
	switch {
	case errors.Is(err, runlog.ErrNoBest):
		fmt.Fprintln(stdout, "best: no evaluated epoch")
	case err != nil:
		return err
	default:
		fmt.Fprintf(stdout, "best: epoch %d prec1 %.3f prec5 %.3f", best.Epoch, best.ValTop1, best.ValTop5)
		if best.Checkpoint != "" {
			fmt.Fprintf(stdout, " (%s)", best.Checkpoint)
		}
		fmt.Fprintln(stdout)
	}
	return nil
}
