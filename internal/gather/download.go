package gather

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"marketpull/internal/domain"
)

// Defaults for the global request throttle.
const (
	DefaultThrottleEvery  = 200
	DefaultThrottleWindow = 60 * time.Second
)

// Page is one page of a paginated result: records keyed by the entity they
// were requested for, and the token for the next page ("" when none).
type Page struct {
	NextToken string
	Records   map[string][]map[string]any
}

// Len returns the number of records across all entity keys.
func (p Page) Len() int {
	n := 0
	for _, recs := range p.Records {
		n += len(recs)
	}
	return n
}

// PageSource fetches one page. An empty token requests the first page.
type PageSource interface {
	Fetch(ctx context.Context, token string) (Page, error)
}

// Normalizer converts a raw page into rows.
type Normalizer interface {
	Normalize(page Page) ([]domain.Row, error)
}

// ---------------------------------------------------------------------------
// RequestBudget
// ---------------------------------------------------------------------------

// RequestBudget enforces an API-wide limit of Every requests per Window,
// independent of per-request retry back-off. It lives for one download.
type RequestBudget struct {
	every      int
	window     time.Duration
	now        func() time.Time
	sleep      SleepFunc
	made       int
	checkpoint time.Time
	sleeps     int
}

// NewRequestBudget creates a budget whose checkpoint starts now.
func NewRequestBudget(every int, window time.Duration, now func() time.Time, sleep SleepFunc) *RequestBudget {
	if every <= 0 {
		every = DefaultThrottleEvery
	}
	if now == nil {
		now = time.Now
	}
	if sleep == nil {
		sleep = Sleep
	}
	return &RequestBudget{
		every:      every,
		window:     window,
		now:        now,
		sleep:      sleep,
		checkpoint: now(),
	}
}

// Record counts one completed request. Every `every` requests it sleeps
// whatever remains of the window since the checkpoint, then resets the
// counter and the checkpoint whether or not it slept.
func (b *RequestBudget) Record(ctx context.Context) (slept time.Duration, err error) {
	b.made++
	if b.made < b.every {
		return 0, nil
	}

	if wait := b.window - b.now().Sub(b.checkpoint); wait > 0 {
		if err := b.sleep(ctx, wait); err != nil {
			return 0, err
		}
		b.sleeps++
		slept = wait
	}
	b.made = 0
	b.checkpoint = b.now()
	return slept, nil
}

// Sleeps returns how many throttle sleeps the budget has enforced.
func (b *RequestBudget) Sleeps() int { return b.sleeps }

// ---------------------------------------------------------------------------
// Download
// ---------------------------------------------------------------------------

// DownloadOptions tunes Download. Zero values fall back to the defaults.
type DownloadOptions struct {
	ThrottleEvery  int
	ThrottleWindow time.Duration
	Now            func() time.Time
	Sleep          SleepFunc
	Log            *slog.Logger
}

// Download pages through src until the source runs dry and returns the
// window's rows de-duplicated by (Key, ID) and sorted by timestamp. Any fetch
// or normalization failure aborts the window: no rows are returned and the
// error is wrapped in a *WindowError.
func Download(ctx context.Context, window domain.Window, src PageSource, norm Normalizer, opts DownloadOptions) ([]domain.Row, error) {
	log := opts.Log
	if log == nil {
		log = slog.Default()
	}
	throttleWindow := opts.ThrottleWindow
	if throttleWindow == 0 {
		throttleWindow = DefaultThrottleWindow
	}
	budget := NewRequestBudget(opts.ThrottleEvery, throttleWindow, opts.Now, opts.Sleep)

	var (
		rows     []domain.Row
		token    string
		requests int
	)
	for {
		if err := ctx.Err(); err != nil {
			return nil, &WindowError{Window: window, Err: err}
		}

		page, err := src.Fetch(ctx, token)
		if err != nil {
			return nil, &WindowError{Window: window, Err: err}
		}
		requests++

		if page.Len() == 0 {
			break
		}

		pageRows, err := norm.Normalize(page)
		if err != nil {
			return nil, &WindowError{Window: window, Err: err}
		}
		rows = append(rows, pageRows...)

		log.Debug("page fetched",
			"request", requests,
			"records", page.Len(),
			"rows", len(pageRows),
			"total", len(rows),
		)

		if page.NextToken == "" {
			break
		}
		token = page.NextToken

		if slept, err := budget.Record(ctx); err != nil {
			return nil, &WindowError{Window: window, Err: fmt.Errorf("throttle: %w", err)}
		} else if slept > 0 {
			log.Info("request budget reached, sleeping", "requests", requests, "sleep", slept.Round(time.Millisecond))
		}
	}

	rows = dedupRows(rows)
	domain.SortRows(rows)
	return rows, nil
}

// dedupRows collapses rows sharing (Key, ID). The later row replaces the
// earlier one in place. Rows without an ID are kept as-is.
func dedupRows(rows []domain.Row) []domain.Row {
	type key struct {
		key string
		id  string
	}
	index := make(map[key]int, len(rows))
	out := rows[:0]
	for _, r := range rows {
		if r.ID == "" {
			out = append(out, r)
			continue
		}
		k := key{r.Key, r.ID}
		if i, ok := index[k]; ok {
			out[i] = r
			continue
		}
		index[k] = len(out)
		out = append(out, r)
	}
	return out
}
