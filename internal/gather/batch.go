package gather

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/google/uuid"

	"marketpull/internal/domain"
)

// Job downloads the rows of one window.
type Job func(ctx context.Context, w domain.Window) ([]domain.Row, error)

// Sink persists the rows of one window as a single artifact.
type Sink interface {
	// Ext returns the artifact file extension, including the dot.
	Ext() string
	// WriteRows writes rows to path, replacing any existing file.
	WriteRows(path string, rows []domain.Row) error
}

// Ledger records which windows of a series have been persisted.
type Ledger interface {
	IsCompleted(ctx context.Context, series string, w domain.Window) (bool, error)
	MarkCompleted(ctx context.Context, rec domain.WindowRecord) error
	MarkFailed(ctx context.Context, rec domain.WindowRecord) error
}

// windowStamp is the time layout used in artifact file names.
const windowStamp = "20060102T150405Z"

// BatchConfig configures a Batch.
type BatchConfig struct {
	Series string // ledger key, e.g. "trades_AAPL"
	Dir    string // artifact directory
	Prefix string // artifact file name prefix
	Cursor *DateCursor
	Job    Job
	Sink   Sink
	Ledger Ledger // optional
	Log    *slog.Logger
}

// Batch drives a DateCursor window by window, downloading each window with
// its Job and persisting it through its Sink before advancing. A failed
// window stops the batch; windows written before it stay on disk.
type Batch struct {
	cfg     BatchConfig
	runID   string
	log     *slog.Logger
	written []string
	skipped int
}

var _ Gatherer = (*Batch)(nil)

// NewBatch creates a Batch with a fresh run id.
func NewBatch(cfg BatchConfig) *Batch {
	runID := uuid.NewString()
	log := cfg.Log
	if log == nil {
		log = slog.Default()
	}
	return &Batch{
		cfg:   cfg,
		runID: runID,
		log:   log.With("gatherer", "batch", "series", cfg.Series, "run", runID),
	}
}

// Name returns the gatherer identifier.
func (b *Batch) Name() string { return "batch:" + b.cfg.Series }

// RunID returns the id recorded in the ledger for this run.
func (b *Batch) RunID() string { return b.runID }

// Written returns the artifacts written so far, in window order.
func (b *Batch) Written() []string { return b.written }

// Skipped returns how many windows were skipped as already completed.
func (b *Batch) Skipped() int { return b.skipped }

// Path returns the artifact path for a window.
// Layout: <Dir>/<Prefix>_<start>_<end><ext>
func (b *Batch) Path(w domain.Window) string {
	name := fmt.Sprintf("%s_%s_%s%s", b.cfg.Prefix,
		w.Start.UTC().Format(windowStamp), w.End.UTC().Format(windowStamp), b.cfg.Sink.Ext())
	return filepath.Join(b.cfg.Dir, name)
}

// Run processes every remaining window of the cursor.
func (b *Batch) Run(ctx context.Context) error {
	if b.cfg.Cursor == nil || b.cfg.Job == nil || b.cfg.Sink == nil {
		return errors.New("batch: cursor, job and sink are required")
	}
	if err := os.MkdirAll(b.cfg.Dir, 0o755); err != nil {
		return fmt.Errorf("creating batch dir: %w", err)
	}

	runStart := time.Now()
	n := 0
	for {
		if err := ctx.Err(); err != nil {
			return err
		}

		w, ok := b.cfg.Cursor.Next()
		if !ok {
			break
		}
		n++
		path := b.Path(w)

		done, err := b.isDone(ctx, w, path)
		if err != nil {
			return err
		}
		if done {
			b.skipped++
			b.log.Info("window already completed", "window", w.String(), "path", path)
			continue
		}

		b.log.Info("starting window", "n", n, "window", w.String())
		ref := time.Now()

		rows, err := b.cfg.Job(ctx, w)
		if err != nil {
			b.markFailed(ctx, w, err)
			return fmt.Errorf("batch %s: %w", b.cfg.Series, err)
		}

		if err := b.cfg.Sink.WriteRows(path, rows); err != nil {
			b.markFailed(ctx, w, err)
			return fmt.Errorf("writing window %s: %w", w, err)
		}
		b.written = append(b.written, path)

		if b.cfg.Ledger != nil {
			rec := domain.WindowRecord{
				Series: b.cfg.Series,
				Window: w,
				Status: domain.WindowCompleted,
				Path:   path,
				Rows:   len(rows),
				RunID:  b.runID,
			}
			if err := b.cfg.Ledger.MarkCompleted(ctx, rec); err != nil {
				return fmt.Errorf("recording window %s: %w", w, err)
			}
		}

		b.log.Info("window done",
			"n", n,
			"rows", len(rows),
			"path", path,
			"elapsed", time.Since(ref).Round(time.Second),
		)
	}

	b.log.Info("batch complete",
		"windows", n,
		"written", len(b.written),
		"skipped", b.skipped,
		"elapsed", time.Since(runStart).Round(time.Second),
	)
	return nil
}

// isDone reports whether the ledger has the window completed and its
// artifact still exists.
func (b *Batch) isDone(ctx context.Context, w domain.Window, path string) (bool, error) {
	if b.cfg.Ledger == nil {
		return false, nil
	}
	done, err := b.cfg.Ledger.IsCompleted(ctx, b.cfg.Series, w)
	if err != nil {
		return false, fmt.Errorf("checking ledger: %w", err)
	}
	if !done {
		return false, nil
	}
	_, err = os.Stat(path)
	return err == nil, nil
}

func (b *Batch) markFailed(ctx context.Context, w domain.Window, cause error) {
	b.log.Error("window failed", "window", w.String(), "err", cause)
	if b.cfg.Ledger == nil {
		return
	}
	rec := domain.WindowRecord{
		Series: b.cfg.Series,
		Window: w,
		Status: domain.WindowFailed,
		RunID:  b.runID,
		Error:  cause.Error(),
	}
	if err := b.cfg.Ledger.MarkFailed(ctx, rec); err != nil {
		b.log.Error("recording failed window", "err", err)
	}
}
