// Package runlog keeps a SQLite ledger of per-epoch training results.
//
// Every epoch of a run appends one row with the learning rate, the training
// averages and, when the epoch was evaluated, the validation results. A run
// is identified by its checkpoint prefix, so resuming a run rewrites the rows
// of the epochs it repeats.
//
//	ledger, err := runlog.Open("history.db", logger)
//	if err != nil {
//	    return err
//	}
//	defer ledger.Close()
//
//	err = ledger.Record(ctx, runlog.Epoch{Run: "eco_rgb", Epoch: 1, LR: 0.001})
package runlog

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	_ "modernc.org/sqlite" // SQLite driver
)

// ErrNoBest is returned by Best when a run has no evaluated epoch yet.
var ErrNoBest = errors.New("runlog: no evaluated epoch")

// Epoch is one row of the ledger.
type Epoch struct {
	Run   string
	Epoch int // 1-based, matches the checkpoint file name
	LR    float64

	TrainLoss float64
	TrainTop1 float64
	TrainTop5 float64

	// Validation results are only meaningful when Evaluated is set.
	Evaluated bool
	ValLoss   float64
	ValTop1   float64
	ValTop5   float64
	IsBest    bool

	Checkpoint string
	RecordedAt time.Time
}

// Ledger is an open epoch history database.
type Ledger struct {
	db     *sql.DB
	logger *slog.Logger
	now    func() time.Time
}

// Open opens the ledger at path, creating the file and applying schema
// migrations as needed.
func Open(path string, logger *slog.Logger) (*Ledger, error) {
	if logger == nil {
		logger = slog.Default()
	}
	if path == "" {
		return nil, errors.New("runlog: empty database path")
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("runlog: create database directory: %w", err)
	}

	version, err := migrateFile(path)
	if err != nil {
		return nil, err
	}

	dsn := path + "?_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)"
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("runlog: open database: %w", err)
	}
	// One writer; the training loop is single-goroutine.
	db.SetMaxOpenConns(1)
	if err := db.Ping(); err != nil {
		if cerr := db.Close(); cerr != nil {
			return nil, fmt.Errorf("runlog: close after ping error: %w (original error: %v)", cerr, err)
		}
		return nil, fmt.Errorf("runlog: ping database: %w", err)
	}

	logger.Debug("history ledger opened", "path", path, "schema_version", version)
	return &Ledger{db: db, logger: logger, now: time.Now}, nil
}

// Close closes the database.
func (l *Ledger) Close() error {
	if l.db == nil {
		return nil
	}
	return l.db.Close()
}

// Record stores e, replacing any earlier row for the same run and epoch.
// A zero RecordedAt is set to the current time.
func (l *Ledger) Record(ctx context.Context, e Epoch) error {
	if e.Run == "" {
		return errors.New("runlog: empty run name")
	}
	if e.RecordedAt.IsZero() {
		e.RecordedAt = l.now()
	}

	var valLoss, valTop1, valTop5 sql.NullFloat64
	if e.Evaluated {
		valLoss = sql.NullFloat64{Float64: e.ValLoss, Valid: true}
		valTop1 = sql.NullFloat64{Float64: e.ValTop1, Valid: true}
		valTop5 = sql.NullFloat64{Float64: e.ValTop5, Valid: true}
	}

	const query = `
		INSERT OR REPLACE INTO epochs (
			run, epoch, lr, train_loss, train_top1, train_top5,
			evaluated, val_loss, val_top1, val_top5, is_best,
			checkpoint, recorded_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`
	_, err := l.db.ExecContext(ctx, query,
		e.Run, e.Epoch, e.LR, e.TrainLoss, e.TrainTop1, e.TrainTop5,
		e.Evaluated, valLoss, valTop1, valTop5, e.IsBest,
		nullString(e.Checkpoint), e.RecordedAt.UnixNano(),
	)
	if err != nil {
		return fmt.Errorf("runlog: record epoch %d of %q: %w", e.Epoch, e.Run, err)
	}
	return nil
}

// History returns every recorded epoch of run in epoch order.
func (l *Ledger) History(ctx context.Context, run string) ([]Epoch, error) {
	const query = `
		SELECT
			run, epoch, lr, train_loss, train_top1, train_top5,
			evaluated, val_loss, val_top1, val_top5, is_best,
			checkpoint, recorded_at
		FROM epochs
		WHERE run = ?
		ORDER BY epoch
	`
	rows, err := l.db.QueryContext(ctx, query, run)
	if err != nil {
		return nil, fmt.Errorf("runlog: query history of %q: %w", run, err)
	}
	defer func() { _ = rows.Close() }()

	var out []Epoch
	for rows.Next() {
		e, err := scanEpoch(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("runlog: read history of %q: %w", run, err)
	}
	return out, nil
}

// Best returns the evaluated epoch of run with the highest validation top-1.
// Ties go to the earlier epoch, matching the strict improvement rule used
// when promoting checkpoints.
func (l *Ledger) Best(ctx context.Context, run string) (Epoch, error) {
	const query = `
		SELECT
			run, epoch, lr, train_loss, train_top1, train_top5,
			evaluated, val_loss, val_top1, val_top5, is_best,
			checkpoint, recorded_at
		FROM epochs
		WHERE run = ? AND evaluated = 1
		ORDER BY val_top1 DESC, epoch ASC
		LIMIT 1
	`
	e, err := scanEpoch(l.db.QueryRowContext(ctx, query, run))
	if errors.Is(err, sql.ErrNoRows) {
		return Epoch{}, fmt.Errorf("%w for %q", ErrNoBest, run)
	}
	return e, err
}

type scanner interface {
	Scan(dest ...any) error
}

func scanEpoch(s scanner) (Epoch, error) {
	var (
		e                         Epoch
		valLoss, valTop1, valTop5 sql.NullFloat64
		checkpoint                sql.NullString
		recordedAt                int64
	)
	err := s.Scan(
		&e.Run, &e.Epoch, &e.LR, &e.TrainLoss, &e.TrainTop1, &e.TrainTop5,
		&e.Evaluated, &valLoss, &valTop1, &valTop5, &e.IsBest,
		&checkpoint, &recordedAt,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return Epoch{}, err
	}
	if err != nil {
		return Epoch{}, fmt.Errorf("runlog: scan epoch: %w", err)
	}
	e.ValLoss, e.ValTop1, e.ValTop5 = valLoss.Float64, valTop1.Float64, valTop5.Float64
	e.Checkpoint = checkpoint.String
	e.RecordedAt = time.Unix(0, recordedAt)
	return e, nil
}

func nullString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}
