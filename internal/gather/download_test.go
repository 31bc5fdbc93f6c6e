package gather

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"testing"
	"time"

	"marketpull/internal/domain"
)

// fakeSource serves pre-built pages in order, or an error at failAt.
type fakeSource struct {
	pages  []Page
	failAt int // 1-based fetch number; 0 disables
	err    error
	tokens []string
}

func (s *fakeSource) Fetch(_ context.Context, token string) (Page, error) {
	s.tokens = append(s.tokens, token)
	n := len(s.tokens)
	if s.failAt == n {
		return Page{}, s.err
	}
	if n > len(s.pages) {
		return Page{}, fmt.Errorf("fetch %d past last page", n)
	}
	return s.pages[n-1], nil
}

// secondsNormalizer reads "t" as unix seconds and "id" as the record id.
type secondsNormalizer struct{}

func (secondsNormalizer) Normalize(page Page) ([]domain.Row, error) {
	var rows []domain.Row
	for key, recs := range page.Records {
		for _, rec := range recs {
			sec, ok := rec["t"].(int)
			if !ok {
				return nil, ParseError("record without t")
			}
			id, _ := rec["id"].(string)
			rows = append(rows, domain.Row{
				Timestamp: time.Unix(int64(sec), 0).UTC(),
				Key:       key,
				ID:        id,
				Fields:    map[string]any{"v": rec["v"]},
			})
		}
	}
	return rows, nil
}

func chainPages(pages []Page) []Page {
	for i := range pages {
		if i < len(pages)-1 {
			pages[i].NextToken = fmt.Sprintf("tok-%d", i+1)
		} else {
			pages[i].NextToken = ""
		}
	}
	return pages
}

func noSleepOpts(rec *sleepRecorder) DownloadOptions {
	frozen := time.Date(2023, 4, 3, 0, 0, 0, 0, time.UTC)
	return DownloadOptions{
		Now:   func() time.Time { return frozen },
		Sleep: rec.sleep,
	}
}

func TestDownloadSortsAcrossPages(t *testing.T) {
	pages := chainPages([]Page{
		{Records: map[string][]map[string]any{"AAPL": {{"t": 50}, {"t": 10}}}},
		{Records: map[string][]map[string]any{"AAPL": {{"t": 5}}, "MSFT": {{"t": 30}}}},
		{Records: map[string][]map[string]any{"MSFT": {{"t": 20}, {"t": 40}}}},
	})
	src := &fakeSource{pages: pages}

	rows, err := Download(context.Background(), domain.Window{}, src, secondsNormalizer{}, noSleepOpts(&sleepRecorder{}))
	if err != nil {
		t.Fatalf("Download: %v", err)
	}
	if len(rows) != 6 {
		t.Fatalf("Download returned %d rows, want 6", len(rows))
	}
	for i := 1; i < len(rows); i++ {
		if rows[i].Timestamp.Before(rows[i-1].Timestamp) {
			t.Errorf("rows not sorted at %d: %s before %s", i, rows[i].Timestamp, rows[i-1].Timestamp)
		}
	}

	wantTokens := []string{"", "tok-1", "tok-2"}
	if len(src.tokens) != len(wantTokens) {
		t.Fatalf("fetched %d pages, want %d", len(src.tokens), len(wantTokens))
	}
	for i, tok := range wantTokens {
		if src.tokens[i] != tok {
			t.Errorf("fetch %d token = %q, want %q", i+1, src.tokens[i], tok)
		}
	}
}

func TestDownloadThrottleAfterEvery200(t *testing.T) {
	pages := make([]Page, 430)
	for i := range pages {
		pages[i] = Page{Records: map[string][]map[string]any{"AAPL": {{"t": i}}}}
	}
	src := &fakeSource{pages: chainPages(pages)}
	rec := &sleepRecorder{}

	rows, err := Download(context.Background(), domain.Window{}, src, secondsNormalizer{}, noSleepOpts(rec))
	if err != nil {
		t.Fatalf("Download: %v", err)
	}
	if len(rows) != 430 {
		t.Errorf("Download returned %d rows, want 430", len(rows))
	}
	if len(rec.calls) != 2 {
		t.Fatalf("throttle slept %d times, want 2", len(rec.calls))
	}
	for i, d := range rec.calls {
		if d != DefaultThrottleWindow {
			t.Errorf("sleep %d = %v, want %v", i, d, DefaultThrottleWindow)
		}
	}
}

func TestRequestBudgetSkipsSleepWhenWindowElapsed(t *testing.T) {
	now := time.Date(2023, 4, 3, 0, 0, 0, 0, time.UTC)
	clock := func() time.Time { return now }
	rec := &sleepRecorder{}
	b := NewRequestBudget(3, time.Minute, clock, rec.sleep)

	for i := 0; i < 2; i++ {
		if _, err := b.Record(context.Background()); err != nil {
			t.Fatal(err)
		}
	}
	now = now.Add(45 * time.Second)
	slept, err := b.Record(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if slept != 15*time.Second {
		t.Errorf("slept %v, want 15s", slept)
	}

	// The checkpoint was reset; the next three requests arrive slowly.
	now = now.Add(2 * time.Minute)
	for i := 0; i < 3; i++ {
		if _, err := b.Record(context.Background()); err != nil {
			t.Fatal(err)
		}
	}
	if b.Sleeps() != 1 {
		t.Errorf("Sleeps() = %d, want 1", b.Sleeps())
	}
}

func TestDownloadAbortsOnFetchError(t *testing.T) {
	pages := chainPages([]Page{
		{Records: map[string][]map[string]any{"AAPL": {{"t": 1}}}},
		{Records: map[string][]map[string]any{"AAPL": {{"t": 2}}}},
		{Records: map[string][]map[string]any{"AAPL": {{"t": 3}}}},
	})
	cause := &FetchError{Kind: KindClient, StatusCode: 422, Body: "invalid"}
	src := &fakeSource{pages: pages, failAt: 2, err: cause}

	w := domain.Window{Start: time.Unix(0, 0), End: time.Unix(100, 0)}
	rows, err := Download(context.Background(), w, src, secondsNormalizer{}, noSleepOpts(&sleepRecorder{}))
	if err == nil {
		t.Fatal("Download should fail")
	}
	if rows != nil {
		t.Errorf("Download returned %d rows on failure, want none", len(rows))
	}

	var we *WindowError
	if !errors.As(err, &we) {
		t.Fatalf("error %T is not a *WindowError", err)
	}
	if !we.Window.End.Equal(w.End) {
		t.Errorf("WindowError.Window = %s, want %s", we.Window, w)
	}
	if !IsKind(err, KindClient) {
		t.Errorf("error should wrap a client FetchError: %v", err)
	}
	if len(src.tokens) != 2 {
		t.Errorf("fetched %d pages, want 2", len(src.tokens))
	}
}

func TestDownloadAbortsOnParseError(t *testing.T) {
	pages := chainPages([]Page{
		{Records: map[string][]map[string]any{"AAPL": {{"t": "soon"}}}},
	})
	_, err := Download(context.Background(), domain.Window{}, &fakeSource{pages: pages}, secondsNormalizer{}, noSleepOpts(&sleepRecorder{}))
	if !IsKind(err, KindParse) {
		t.Errorf("Download error = %v, want parse error", err)
	}
}

func TestDownloadStopsOnEmptyPage(t *testing.T) {
	pages := []Page{
		{NextToken: "a", Records: map[string][]map[string]any{"AAPL": {{"t": 1}}}},
		{NextToken: "b", Records: map[string][]map[string]any{}},
		{NextToken: "", Records: map[string][]map[string]any{"AAPL": {{"t": 3}}}},
	}
	src := &fakeSource{pages: pages}

	rows, err := Download(context.Background(), domain.Window{}, src, secondsNormalizer{}, noSleepOpts(&sleepRecorder{}))
	if err != nil {
		t.Fatalf("Download: %v", err)
	}
	if len(rows) != 1 {
		t.Errorf("Download returned %d rows, want 1", len(rows))
	}
	if len(src.tokens) != 2 {
		t.Errorf("fetched %d pages, want 2", len(src.tokens))
	}
}

func TestDownloadDedupByID(t *testing.T) {
	pages := chainPages([]Page{
		{Records: map[string][]map[string]any{"AAPL": {{"t": 1, "id": "x", "v": "old"}, {"t": 2, "id": "y"}}}},
		{Records: map[string][]map[string]any{"AAPL": {{"t": 1, "id": "x", "v": "new"}}, "MSFT": {{"t": 1, "id": "x"}}}},
	})

	rows, err := Download(context.Background(), domain.Window{}, &fakeSource{pages: pages}, secondsNormalizer{}, noSleepOpts(&sleepRecorder{}))
	if err != nil {
		t.Fatalf("Download: %v", err)
	}
	if len(rows) != 3 {
		t.Fatalf("Download returned %d rows, want 3", len(rows))
	}
	for _, r := range rows {
		if r.Key == "AAPL" && r.ID == "x" && r.Fields["v"] != "new" {
			t.Errorf("duplicate AAPL/x kept %v, want the later page", r.Fields["v"])
		}
	}
}

func TestPageLen(t *testing.T) {
	p := Page{Records: map[string][]map[string]any{
		"AAPL": {{"t": json.Number("1")}, {"t": json.Number("2")}},
		"MSFT": {},
	}}
	if p.Len() != 2 {
		t.Errorf("Len() = %d, want 2", p.Len())
	}
}
