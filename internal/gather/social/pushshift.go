// Package social gathers Reddit comments and submissions that mention a
// stock through a Pushshift-compatible search API.
package social

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/url"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"time"

	"golang.org/x/time/rate"

	"marketpull/internal/domain"
	"marketpull/internal/gather"
	"marketpull/internal/store"
)

// Kind selects the search endpoint.
type Kind string

const (
	KindComment    Kind = "comment"
	KindSubmission Kind = "submission"
)

// ParseKind validates a search kind.
func ParseKind(s string) (Kind, error) {
	switch k := Kind(strings.ToLower(s)); k {
	case KindComment, KindSubmission:
		return k, nil
	default:
		return "", fmt.Errorf("unknown search kind %q", s)
	}
}

// TimeLayout renders created_utc in the output files.
const TimeLayout = "2006-01-02 15:04:05"

// Output columns after the timestamp, and the API field each one reads.
var (
	commentColumns = []column{
		{"text", "body"},
		{"score", "score"},
		{"upvotes", "ups"},
		{"downvotes", "downs"},
		{"username", "author"},
		{"subreddit", "subreddit"},
	}
	submissionColumns = []column{
		{"title", "title"},
		{"score", "score"},
		{"upvotes", "ups"},
		{"downvotes", "downs"},
		{"username", "author"},
		{"subreddit", "subreddit"},
		{"num_comments", "num_comments"},
		{"distinguished", "distinguished"},
	}
)

type column struct {
	name  string
	field string
}

func (k Kind) columns() []column {
	if k == KindSubmission {
		return submissionColumns
	}
	return commentColumns
}

// Columns returns the output column names for k, without the timestamp.
func (k Kind) Columns() []string {
	cols := k.columns()
	names := make([]string, len(cols))
	for i, c := range cols {
		names[i] = c.name
	}
	return names
}

// ---------------------------------------------------------------------------
// Day windows
// ---------------------------------------------------------------------------

// DayWindow is a search range in days before now: results created after
// After days ago and before Before days ago.
type DayWindow struct {
	After  int
	Before int
}

func (w DayWindow) String() string { return fmt.Sprintf("%dd..%dd", w.After, w.Before) }

// DayWindows walks from start days ago toward end days ago in steps of
// delta. The last window ends no closer than end.
func DayWindows(start, end, delta int) []DayWindow {
	if delta <= 0 {
		return nil
	}
	var out []DayWindow
	for cur := start; cur-delta >= end; cur -= delta {
		out = append(out, DayWindow{After: cur, Before: cur - delta})
	}
	return out
}

// ---------------------------------------------------------------------------
// Gatherer
// ---------------------------------------------------------------------------

// Config holds the search parameters.
type Config struct {
	BaseURL     string
	StartDays   int
	EndDays     int
	DeltaDays   int
	BatchSize   int
	MinInterval time.Duration // minimum spacing between requests
}

// Gatherer collects one kind of post for one stock across all day windows
// and writes them to <Dir>/<stock>_<kind>s.csv.
type Gatherer struct {
	cfg       Config
	kind      Kind
	stock     string
	aliases   []string
	dir       string
	requester *gather.Requester
	limiter   *rate.Limiter
	log       *slog.Logger
}

var _ gather.Gatherer = (*Gatherer)(nil)

// NewGatherer creates a Gatherer. aliases are the search terms for stock;
// the stock symbol itself is used when none are given.
func NewGatherer(cfg Config, kind Kind, stock string, aliases []string, dir string, r *gather.Requester, log *slog.Logger) *Gatherer {
	if len(aliases) == 0 {
		aliases = []string{stock}
	}
	if log == nil {
		log = slog.Default()
	}
	if r == nil {
		r = gather.NewRequester(log)
	}
	limit := rate.Inf
	if cfg.MinInterval > 0 {
		limit = rate.Every(cfg.MinInterval)
	}
	return &Gatherer{
		cfg:       cfg,
		kind:      kind,
		stock:     stock,
		aliases:   aliases,
		dir:       dir,
		requester: r,
		limiter:   rate.NewLimiter(limit, 1),
		log:       log.With("gatherer", "social-"+string(kind), "stock", stock),
	}
}

// Name returns the gatherer identifier.
func (g *Gatherer) Name() string { return fmt.Sprintf("social-%s:%s", g.kind, g.stock) }

// Path returns the output file.
func (g *Gatherer) Path() string {
	return filepath.Join(g.dir, fmt.Sprintf("%s_%ss.csv", g.stock, g.kind))
}

// Sink returns the fixed-schema CSV sink for the gatherer's kind.
func (g *Gatherer) Sink() *store.CSVSink {
	return &store.CSVSink{Columns: g.kind.Columns(), Layout: TimeLayout}
}

// Run fetches every window and writes the result.
func (g *Gatherer) Run(ctx context.Context) error {
	rows, err := g.Fetch(ctx)
	if err != nil {
		return err
	}
	if err := g.Sink().WriteRows(g.Path(), rows); err != nil {
		return fmt.Errorf("writing %s: %w", g.Path(), err)
	}
	g.log.Info("written", "rows", len(rows), "path", g.Path())
	return nil
}

// Fetch collects the top BatchSize posts by score for each day window,
// collapses duplicates by id and returns them sorted by creation time.
func (g *Gatherer) Fetch(ctx context.Context) ([]domain.Row, error) {
	var all []record
	seen := make(map[string]int)

	for _, w := range DayWindows(g.cfg.StartDays, g.cfg.EndDays, g.cfg.DeltaDays) {
		top, err := g.fetchWindow(ctx, w)
		if err != nil {
			return nil, fmt.Errorf("%s window %s: %w", g.kind, w, err)
		}
		for _, rec := range top {
			if i, ok := seen[rec.id]; ok {
				all[i] = rec
				continue
			}
			seen[rec.id] = len(all)
			all = append(all, rec)
		}
		g.log.Info("window done", "window", w.String(), "kept", len(top), "total", len(all))
	}

	rows := make([]domain.Row, 0, len(all))
	for _, rec := range all {
		row, err := g.row(rec)
		if err != nil {
			return nil, err
		}
		rows = append(rows, row)
	}
	domain.SortRows(rows)
	return rows, nil
}

// record is one search hit.
type record struct {
	id     string
	fields map[string]any
}

type searchResponse struct {
	Data []map[string]any `json:"data"`
}

// fetchWindow queries every alias for w and keeps the BatchSize best
// scored distinct posts.
func (g *Gatherer) fetchWindow(ctx context.Context, w DayWindow) ([]record, error) {
	var buf []record
	index := make(map[string]int)

	for _, alias := range g.aliases {
		if err := g.limiter.Wait(ctx); err != nil {
			return nil, err
		}

		var resp searchResponse
		if err := g.requester.GetJSON(ctx, g.URL(alias, w), nil, &resp); err != nil {
			return nil, err
		}

		for _, item := range resp.Data {
			id := fmt.Sprint(item["id"])
			if item["id"] == nil || id == "" {
				return nil, gather.ParseError("search hit without id")
			}
			rec := record{id: id, fields: item}
			if i, ok := index[id]; ok {
				buf[i] = rec
				continue
			}
			index[id] = len(buf)
			buf = append(buf, rec)
		}
		g.log.Debug("search", "q", alias, "window", w.String(), "hits", len(resp.Data), "distinct", len(buf))
	}

	sort.SliceStable(buf, func(i, j int) bool {
		return score(buf[i].fields) > score(buf[j].fields)
	})
	if g.cfg.BatchSize > 0 && len(buf) > g.cfg.BatchSize {
		buf = buf[:g.cfg.BatchSize]
	}
	return buf, nil
}

// URL returns the search URL for one alias and window.
func (g *Gatherer) URL(alias string, w DayWindow) string {
	q := url.Values{}
	q.Set("q", alias)
	q.Set("after", strconv.Itoa(w.After)+"d")
	q.Set("before", strconv.Itoa(w.Before)+"d")
	q.Set("size", strconv.Itoa(g.cfg.BatchSize))
	q.Set("sort_type", "score")
	q.Set("sort", "score")
	return fmt.Sprintf("%s/%s/?%s", strings.TrimRight(g.cfg.BaseURL, "/"), g.kind, q.Encode())
}

// score ranks a hit; a missing or null score ranks as zero.
func score(fields map[string]any) float64 {
	switch v := fields["score"].(type) {
	case json.Number:
		f, _ := v.Float64()
		return f
	case float64:
		return v
	default:
		return 0
	}
}

func (g *Gatherer) row(rec record) (domain.Row, error) {
	created, err := createdUTC(rec.fields["created_utc"])
	if err != nil {
		return domain.Row{}, gather.ParseError("post %s: %v", rec.id, err)
	}
	fields := make(map[string]any)
	for _, c := range g.kind.columns() {
		if v, ok := rec.fields[c.field]; ok {
			fields[c.name] = v
		}
	}
	return domain.Row{Timestamp: created, Key: g.stock, ID: rec.id, Fields: fields}, nil
}

func createdUTC(v any) (time.Time, error) {
	var sec float64
	switch x := v.(type) {
	case json.Number:
		f, err := x.Float64()
		if err != nil {
			return time.Time{}, fmt.Errorf("created_utc %q: %w", x, err)
		}
		sec = f
	case float64:
		sec = x
	case nil:
		return time.Time{}, fmt.Errorf("missing created_utc")
	default:
		return time.Time{}, fmt.Errorf("created_utc has type %T", v)
	}
	return time.Unix(int64(sec), 0).UTC(), nil
}
