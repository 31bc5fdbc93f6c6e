// Package domain defines the core types shared by the gatherers, the
// download engine, and the storage layer.
package domain

import (
	"fmt"
	"sort"
	"time"
)

// ---------------------------------------------------------------------------
// Enums
// ---------------------------------------------------------------------------

// DataKind identifies the record type served by a market-data endpoint.
type DataKind string

const (
	KindTrades DataKind = "trades"
	KindBars   DataKind = "bars"
	KindQuotes DataKind = "quotes"
)

// ParseDataKind validates a data kind string.
func ParseDataKind(s string) (DataKind, error) {
	switch k := DataKind(s); k {
	case KindTrades, KindBars, KindQuotes:
		return k, nil
	default:
		return "", fmt.Errorf("unknown data kind %q (want trades, bars or quotes)", s)
	}
}

// ---------------------------------------------------------------------------
// Window
// ---------------------------------------------------------------------------

// Window is a bounded date range processed as one unit of pagination work.
// Start is never after End.
type Window struct {
	Start time.Time
	End   time.Time
}

// NewWindow builds a Window, rejecting ranges whose start is after the end.
func NewWindow(start, end time.Time) (Window, error) {
	if start.After(end) {
		return Window{}, fmt.Errorf("window start %s is after end %s",
			start.Format(time.RFC3339), end.Format(time.RFC3339))
	}
	return Window{Start: start, End: end}, nil
}

// Duration returns the length of the window.
func (w Window) Duration() time.Duration { return w.End.Sub(w.Start) }

// String renders the window as "start → end" in RFC 3339.
func (w Window) String() string {
	return w.Start.Format(time.RFC3339) + " → " + w.End.Format(time.RFC3339)
}

// ---------------------------------------------------------------------------
// Row
// ---------------------------------------------------------------------------

// Row is one normalized record: a timestamp, the symbol or query term it was
// fetched for, and the remaining provider fields. ID is the provider's
// unique record id when one exists; it is used for de-duplication and is not
// part of Fields.
type Row struct {
	Timestamp time.Time
	Key       string
	ID        string
	Fields    map[string]any
}

// SortRows orders rows by timestamp ascending. The sort is stable so rows
// sharing a timestamp keep their arrival order.
func SortRows(rows []Row) {
	sort.SliceStable(rows, func(i, j int) bool {
		return rows[i].Timestamp.Before(rows[j].Timestamp)
	})
}

// FieldNames returns the sorted union of field names across rows.
func FieldNames(rows []Row) []string {
	seen := make(map[string]struct{})
	for _, r := range rows {
		for name := range r.Fields {
			seen[name] = struct{}{}
		}
	}
	names := make([]string, 0, len(seen))
	for name := range seen {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// ---------------------------------------------------------------------------
// WindowRecord
// ---------------------------------------------------------------------------

// WindowStatus is the persisted state of a batch window.
type WindowStatus string

const (
	WindowCompleted WindowStatus = "completed"
	WindowFailed    WindowStatus = "failed"
)

// WindowRecord is the ledger entry for one batch window.
type WindowRecord struct {
	Series    string
	Window    Window
	Status    WindowStatus
	Path      string
	Rows      int
	RunID     string
	Error     string
	UpdatedAt time.Time
}
