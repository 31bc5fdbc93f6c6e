// Package store persists downloaded rows: per-window CSV and Parquet
// artifacts, the SQLite window ledger that makes batches resumable, and the
// DuckDB consolidation of a series' artifacts into one table.
package store

import (
	"encoding/json"
	"fmt"
	"strconv"
	"strings"

	"marketpull/internal/gather"
)

// Column names shared by the sinks.
const (
	TimestampColumn  = "timestamp"
	DefaultKeyColumn = "symbol"
)

// Formats accepted by NewSink.
const (
	FormatCSV     = "csv"
	FormatParquet = "parquet"
)

// NewSink returns the row sink for an artifact format. keyColumn names the
// column that carries Row.Key.
func NewSink(format, keyColumn string) (gather.Sink, error) {
	switch strings.ToLower(format) {
	case FormatCSV, "":
		return &CSVSink{KeyColumn: keyColumn}, nil
	case FormatParquet:
		return &ParquetSink{KeyColumn: keyColumn}, nil
	default:
		return nil, fmt.Errorf("unknown artifact format %q", format)
	}
}

// columnName maps a field name onto the artifact, moving it out of the way
// when it collides with the timestamp or key column.
func columnName(field, keyColumn string) string {
	if field == TimestampColumn || field == keyColumn {
		return "raw_" + field
	}
	return field
}

// ---------------------------------------------------------------------------
// Field values
// ---------------------------------------------------------------------------

// asFloat reports the numeric value of v for the types the decoders produce.
func asFloat(v any) (float64, bool) {
	switch n := v.(type) {
	case json.Number:
		f, err := n.Float64()
		return f, err == nil
	case float64:
		return n, true
	case float32:
		return float64(n), true
	case int:
		return float64(n), true
	case int64:
		return float64(n), true
	default:
		return 0, false
	}
}

// formatValue renders a field value as text. Nested values are JSON encoded.
func formatValue(v any) string {
	switch x := v.(type) {
	case nil:
		return ""
	case string:
		return x
	case json.Number:
		return x.String()
	case float64:
		return strconv.FormatFloat(x, 'f', -1, 64)
	case bool:
		return strconv.FormatBool(x)
	case int, int64, float32:
		return fmt.Sprint(x)
	default:
		b, err := json.Marshal(x)
		if err != nil {
			return fmt.Sprint(x)
		}
		return string(b)
	}
}
