package store

import (
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"time"

	"github.com/parquet-go/parquet-go"

	"marketpull/internal/domain"
	"marketpull/internal/gather"
)

var _ gather.Sink = (*ParquetSink)(nil)

// ParquetSink writes one Parquet file per window. The schema is derived from
// the window's rows: a required millisecond timestamp, a required key
// column, and one optional column per field. Numeric fields become DOUBLE,
// booleans BOOLEAN, everything else a UTF-8 string.
type ParquetSink struct {
	KeyColumn string // defaults to DefaultKeyColumn
}

// Ext returns ".parquet".
func (s *ParquetSink) Ext() string { return ".parquet" }

func (s *ParquetSink) keyColumn() string {
	if s.KeyColumn == "" {
		return DefaultKeyColumn
	}
	return s.KeyColumn
}

type columnType int

const (
	stringColumn columnType = iota
	doubleColumn
	boolColumn
)

// inferColumns picks a type per field from the non-nil values across rows.
// Mixed types fall back to string.
func inferColumns(rows []domain.Row) map[string]columnType {
	types := make(map[string]columnType)
	seen := make(map[string]bool)
	for _, r := range rows {
		for name, v := range r.Fields {
			if v == nil {
				continue
			}
			t := stringColumn
			if _, ok := asFloat(v); ok {
				t = doubleColumn
			} else if _, ok := v.(bool); ok {
				t = boolColumn
			}
			if !seen[name] {
				seen[name] = true
				types[name] = t
			} else if types[name] != t {
				types[name] = stringColumn
			}
		}
	}
	// Fields that were only ever nil still get a column.
	for _, name := range domain.FieldNames(rows) {
		if !seen[name] {
			types[name] = stringColumn
		}
	}
	return types
}

// Schema builds the Parquet schema for rows.
func (s *ParquetSink) Schema(rows []domain.Row) *parquet.Schema {
	key := s.keyColumn()
	group := parquet.Group{
		TimestampColumn: parquet.Timestamp(parquet.Millisecond),
		key:             parquet.String(),
	}
	for name, t := range inferColumns(rows) {
		var node parquet.Node
		switch t {
		case doubleColumn:
			node = parquet.Leaf(parquet.DoubleType)
		case boolColumn:
			node = parquet.Leaf(parquet.BooleanType)
		default:
			node = parquet.String()
		}
		group[columnName(name, key)] = parquet.Optional(node)
	}
	return parquet.NewSchema("rows", group)
}

// WriteRows writes rows to path, replacing any existing file.
func (s *ParquetSink) WriteRows(path string, rows []domain.Row) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}

	schema := s.Schema(rows)
	types := inferColumns(rows)
	key := s.keyColumn()

	// Map each leaf column back to the field it carries.
	fields := schema.Fields()
	source := make([]string, len(fields))
	for name := range types {
		for i, f := range fields {
			if f.Name() == columnName(name, key) {
				source[i] = name
			}
		}
	}

	out := make([]parquet.Row, 0, len(rows))
	for _, r := range rows {
		row := make(parquet.Row, len(fields))
		for i, f := range fields {
			switch f.Name() {
			case TimestampColumn:
				row[i] = parquet.Int64Value(r.Timestamp.UnixMilli()).Level(0, 0, i)
			case key:
				row[i] = parquet.ByteArrayValue([]byte(r.Key)).Level(0, 0, i)
			default:
				row[i] = fieldValue(r.Fields[source[i]], types[source[i]], i)
			}
		}
		out = append(out, row)
	}

	f, err := os.Create(path)
	if err != nil {
		return err
	}
	w := parquet.NewWriter(f, schema)
	if _, err := w.WriteRows(out); err != nil {
		f.Close()
		return fmt.Errorf("writing %s: %w", path, err)
	}
	if err := w.Close(); err != nil {
		f.Close()
		return fmt.Errorf("closing parquet writer for %s: %w", path, err)
	}
	return f.Close()
}

// fieldValue encodes an optional column value at column index col.
func fieldValue(v any, t columnType, col int) parquet.Value {
	if v == nil {
		return parquet.NullValue().Level(0, 0, col)
	}
	switch t {
	case doubleColumn:
		f, _ := asFloat(v)
		return parquet.DoubleValue(f).Level(0, 1, col)
	case boolColumn:
		b, _ := v.(bool)
		return parquet.BooleanValue(b).Level(0, 1, col)
	default:
		return parquet.ByteArrayValue([]byte(formatValue(v))).Level(0, 1, col)
	}
}

// ReadParquet reads a file written by a ParquetSink with the same key
// column. Null fields are omitted from Row.Fields.
func (s *ParquetSink) ReadParquet(path string) ([]domain.Row, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	r := parquet.NewReader(f)
	defer r.Close()

	fields := r.Schema().Fields()
	key := s.keyColumn()

	var rows []domain.Row
	buf := make([]parquet.Row, 256)
	for {
		n, err := r.ReadRows(buf)
		for _, pr := range buf[:n] {
			row := domain.Row{Fields: make(map[string]any)}
			for _, v := range pr {
				name := fields[v.Column()].Name()
				if v.IsNull() {
					if name != TimestampColumn && name != key {
						row.Fields[name] = nil
					}
					continue
				}
				switch name {
				case TimestampColumn:
					row.Timestamp = time.UnixMilli(v.Int64()).UTC()
				case key:
					row.Key = v.String()
				default:
					switch v.Kind() {
					case parquet.Double:
						row.Fields[name] = v.Double()
					case parquet.Boolean:
						row.Fields[name] = v.Boolean()
					default:
						row.Fields[name] = v.String()
					}
				}
			}
			rows = append(rows, row)
		}
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("reading %s: %w", path, err)
		}
	}
	return rows, nil
}
