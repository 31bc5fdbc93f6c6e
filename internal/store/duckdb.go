package store

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"path/filepath"
	"regexp"
	"strings"

	"github.com/marcboeker/go-duckdb"
)

// Consolidator loads per-window artifacts into DuckDB tables.
type Consolidator struct {
	db        *sql.DB
	connector *duckdb.Connector
	log       *slog.Logger
}

// OpenConsolidator opens the DuckDB database at path. An empty path or
// ":memory:" opens an in-memory database.
func OpenConsolidator(path string, log *slog.Logger) (*Consolidator, error) {
	if path == ":memory:" {
		path = ""
	}
	if log == nil {
		log = slog.Default()
	}
	connector, err := duckdb.NewConnector(path, nil)
	if err != nil {
		return nil, fmt.Errorf("opening duckdb %q: %w", path, err)
	}
	return &Consolidator{
		db:        sql.OpenDB(connector),
		connector: connector,
		log:       log.With("component", "duckdb"),
	}, nil
}

// Close closes the database.
func (c *Consolidator) Close() error {
	if err := c.db.Close(); err != nil {
		return err
	}
	return c.connector.Close()
}

// DB exposes the underlying handle for queries against consolidated tables.
func (c *Consolidator) DB() *sql.DB { return c.db }

var tableName = regexp.MustCompile(`^[A-Za-z_][A-Za-z0-9_]*$`)

// Consolidate replaces table with the union of the artifacts in paths,
// matched by column name and ordered by timestamp. All paths must share one
// format, chosen by extension. It returns the number of rows loaded.
func (c *Consolidator) Consolidate(ctx context.Context, table string, paths []string) (int64, error) {
	if !tableName.MatchString(table) {
		return 0, fmt.Errorf("invalid table name %q", table)
	}
	if len(paths) == 0 {
		return 0, fmt.Errorf("no artifacts to consolidate into %s", table)
	}

	ext := filepath.Ext(paths[0])
	quoted := make([]string, len(paths))
	for i, p := range paths {
		if filepath.Ext(p) != ext {
			return 0, fmt.Errorf("mixed artifact formats: %s and %s", paths[0], p)
		}
		quoted[i] = "'" + strings.ReplaceAll(p, "'", "''") + "'"
	}
	list := "[" + strings.Join(quoted, ", ") + "]"

	var scan string
	switch ext {
	case ".csv":
		scan = fmt.Sprintf("read_csv_auto(%s, union_by_name = true)", list)
	case ".parquet":
		scan = fmt.Sprintf("read_parquet(%s, union_by_name = true)", list)
	default:
		return 0, fmt.Errorf("unsupported artifact format %q", ext)
	}

	query := fmt.Sprintf(`CREATE OR REPLACE TABLE %s AS SELECT * FROM %s ORDER BY %s`,
		table, scan, TimestampColumn)
	if _, err := c.db.ExecContext(ctx, query); err != nil {
		return 0, fmt.Errorf("consolidating %s: %w", table, err)
	}

	var n int64
	if err := c.db.QueryRowContext(ctx, fmt.Sprintf(`SELECT count(*) FROM %s`, table)).Scan(&n); err != nil {
		return 0, fmt.Errorf("counting %s: %w", table, err)
	}
	c.log.Info("consolidated", "table", table, "files", len(paths), "rows", n)
	return n, nil
}
