package store

import (
	"encoding/csv"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"time"

	"marketpull/internal/domain"
	"marketpull/internal/gather"
)

var _ gather.Sink = (*CSVSink)(nil)

// CSVSink writes one CSV file per window.
//
// With Columns empty the header is timestamp, the key column, then the
// sorted union of the rows' field names. With Columns set the header is
// timestamp followed by exactly those columns (plus the key column when
// KeyColumn is non-empty), and fields outside Columns are dropped.
type CSVSink struct {
	KeyColumn string   // "" omits Row.Key
	Columns   []string // fixed schema; nil for dynamic
	Layout    string   // timestamp layout; defaults to RFC 3339 with nanoseconds
}

// Ext returns ".csv".
func (s *CSVSink) Ext() string { return ".csv" }

func (s *CSVSink) layout() string {
	if s.Layout == "" {
		return time.RFC3339Nano
	}
	return s.Layout
}

// header returns the column names and the field each one reads.
func (s *CSVSink) header(rows []domain.Row) (names, fields []string) {
	names = []string{TimestampColumn}
	fields = []string{""}
	if s.KeyColumn != "" {
		names = append(names, s.KeyColumn)
		fields = append(fields, "")
	}

	cols := s.Columns
	if cols == nil {
		cols = domain.FieldNames(rows)
	}
	for _, f := range cols {
		names = append(names, columnName(f, s.KeyColumn))
		fields = append(fields, f)
	}
	return names, fields
}

// WriteRows writes rows to path, replacing any existing file.
func (s *CSVSink) WriteRows(path string, rows []domain.Row) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}
	f, err := os.Create(path)
	if err != nil {
		return err
	}

	if err := s.write(f, rows); err != nil {
		f.Close()
		return fmt.Errorf("writing %s: %w", path, err)
	}
	return f.Close()
}

func (s *CSVSink) write(out io.Writer, rows []domain.Row) error {
	w := csv.NewWriter(out)
	names, fields := s.header(rows)
	if err := w.Write(names); err != nil {
		return err
	}

	layout := s.layout()
	record := make([]string, len(names))
	for _, r := range rows {
		record[0] = r.Timestamp.UTC().Format(layout)
		i := 1
		if s.KeyColumn != "" {
			record[1] = r.Key
			i = 2
		}
		for ; i < len(fields); i++ {
			record[i] = formatValue(r.Fields[fields[i]])
		}
		if err := w.Write(record); err != nil {
			return err
		}
	}

	w.Flush()
	return w.Error()
}

// ReadCSV reads a file written by a CSVSink with the same settings. Field
// values come back as strings; empty cells come back as nil so every header
// column stays in the row's field set.
func (s *CSVSink) ReadCSV(path string) ([]domain.Row, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	r := csv.NewReader(f)
	header, err := r.Read()
	if err != nil {
		return nil, fmt.Errorf("reading header of %s: %w", path, err)
	}
	if len(header) == 0 || header[0] != TimestampColumn {
		return nil, fmt.Errorf("%s: first column is not %q", path, TimestampColumn)
	}

	layout := s.layout()
	var rows []domain.Row
	for {
		rec, err := r.Read()
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("reading %s: %w", path, err)
		}

		ts, err := time.Parse(layout, rec[0])
		if err != nil {
			return nil, fmt.Errorf("%s line %d: %w", path, len(rows)+2, err)
		}
		row := domain.Row{Timestamp: ts.UTC(), Fields: make(map[string]any)}
		for i := 1; i < len(header); i++ {
			switch {
			case header[i] == s.KeyColumn && s.KeyColumn != "":
				row.Key = rec[i]
			case rec[i] == "":
				row.Fields[header[i]] = nil
			default:
				row.Fields[header[i]] = rec[i]
			}
		}
		rows = append(rows, row)
	}
	return rows, nil
}
