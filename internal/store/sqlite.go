package store

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"marketpull/internal/domain"
	"marketpull/internal/gather"

	_ "modernc.org/sqlite" // Pure-Go SQLite driver.
)

var _ gather.Ledger = (*Ledger)(nil)

const ledgerSchema = `
CREATE TABLE IF NOT EXISTS windows (
	series     TEXT    NOT NULL,
	start_ms   INTEGER NOT NULL,
	end_ms     INTEGER NOT NULL,
	status     TEXT    NOT NULL,
	path       TEXT    NOT NULL DEFAULT '',
	rows       INTEGER NOT NULL DEFAULT 0,
	run_id     TEXT    NOT NULL DEFAULT '',
	error      TEXT    NOT NULL DEFAULT '',
	updated_at INTEGER NOT NULL,
	PRIMARY KEY (series, start_ms, end_ms)
)`

// Ledger records batch windows in a SQLite database so an interrupted batch
// can resume without downloading completed windows again.
type Ledger struct {
	db  *sql.DB
	now func() time.Time
}

// OpenLedger opens (or creates) the ledger database at dbPath. Use
// ":memory:" for a throwaway ledger.
func OpenLedger(dbPath string) (*Ledger, error) {
	if dbPath != ":memory:" {
		if err := os.MkdirAll(filepath.Dir(dbPath), 0o755); err != nil {
			return nil, err
		}
	}
	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, err
	}
	// A single connection keeps ":memory:" databases shared and serializes
	// writers.
	db.SetMaxOpenConns(1)

	if _, err := db.Exec(ledgerSchema); err != nil {
		db.Close()
		return nil, fmt.Errorf("creating ledger schema: %w", err)
	}
	return &Ledger{db: db, now: time.Now}, nil
}

// Close closes the underlying database connection.
func (l *Ledger) Close() error {
	return l.db.Close()
}

// IsCompleted reports whether the window is recorded as completed.
func (l *Ledger) IsCompleted(ctx context.Context, series string, w domain.Window) (bool, error) {
	var status string
	err := l.db.QueryRowContext(ctx,
		`SELECT status FROM windows WHERE series = ? AND start_ms = ? AND end_ms = ?`,
		series, w.Start.UnixMilli(), w.End.UnixMilli(),
	).Scan(&status)
	if err == sql.ErrNoRows {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return status == string(domain.WindowCompleted), nil
}

// MarkCompleted records a completed window, replacing any earlier entry.
func (l *Ledger) MarkCompleted(ctx context.Context, rec domain.WindowRecord) error {
	rec.Status = domain.WindowCompleted
	rec.Error = ""
	return l.upsert(ctx, rec)
}

// MarkFailed records a failed window, replacing any earlier entry.
func (l *Ledger) MarkFailed(ctx context.Context, rec domain.WindowRecord) error {
	rec.Status = domain.WindowFailed
	return l.upsert(ctx, rec)
}

func (l *Ledger) upsert(ctx context.Context, rec domain.WindowRecord) error {
	_, err := l.db.ExecContext(ctx, `
		INSERT INTO windows (series, start_ms, end_ms, status, path, rows, run_id, error, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (series, start_ms, end_ms) DO UPDATE SET
			status = excluded.status,
			path = excluded.path,
			rows = excluded.rows,
			run_id = excluded.run_id,
			error = excluded.error,
			updated_at = excluded.updated_at`,
		rec.Series, rec.Window.Start.UnixMilli(), rec.Window.End.UnixMilli(),
		string(rec.Status), rec.Path, rec.Rows, rec.RunID, rec.Error,
		l.now().UnixMilli(),
	)
	if err != nil {
		return fmt.Errorf("recording %s window %s: %w", rec.Series, rec.Window, err)
	}
	return nil
}

// List returns the ledger entries for series ordered by window start. An
// empty series lists every series.
func (l *Ledger) List(ctx context.Context, series string) ([]domain.WindowRecord, error) {
	rows, err := l.db.QueryContext(ctx, `
		SELECT series, start_ms, end_ms, status, path, rows, run_id, error, updated_at
		FROM windows
		WHERE ? = '' OR series = ?
		ORDER BY series, start_ms`, series, series)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []domain.WindowRecord
	for rows.Next() {
		var (
			rec                       domain.WindowRecord
			startMS, endMS, updatedMS int64
			status                    string
		)
		if err := rows.Scan(&rec.Series, &startMS, &endMS, &status, &rec.Path,
			&rec.Rows, &rec.RunID, &rec.Error, &updatedMS); err != nil {
			return nil, err
		}
		rec.Window = domain.Window{
			Start: time.UnixMilli(startMS).UTC(),
			End:   time.UnixMilli(endMS).UTC(),
		}
		rec.Status = domain.WindowStatus(status)
		rec.UpdatedAt = time.UnixMilli(updatedMS).UTC()
		out = append(out, rec)
	}
	return out, rows.Err()
}

// CompletedPaths returns the artifact paths of the completed windows of
// series in window order.
func (l *Ledger) CompletedPaths(ctx context.Context, series string) ([]string, error) {
	recs, err := l.List(ctx, series)
	if err != nil {
		return nil, err
	}
	var paths []string
	for _, r := range recs {
		if r.Status == domain.WindowCompleted && r.Path != "" {
			paths = append(paths, r.Path)
		}
	}
	return paths, nil
}
