package us

import (
	"bytes"
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"net/url"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"marketpull/internal/domain"
	"marketpull/internal/gather"
)

func quietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(&bytes.Buffer{}, nil))
}

func testWindow() domain.Window {
	return domain.Window{
		Start: time.Date(2023, 3, 1, 0, 0, 0, 0, time.UTC),
		End:   time.Date(2023, 3, 2, 0, 0, 0, 0, time.UTC),
	}
}

func noSleep(context.Context, time.Duration) error { return nil }

func TestRequestValidate(t *testing.T) {
	w := testWindow()
	tests := []struct {
		name string
		req  Request
		ok   bool
	}{
		{"trades", Request{Kind: domain.KindTrades, Symbols: []string{"AAPL"}, Window: w}, true},
		{"bars with timeframe", Request{Kind: domain.KindBars, Symbols: []string{"AAPL"}, Window: w, TimeFrame: "1Min"}, true},
		{"bars without timeframe", Request{Kind: domain.KindBars, Symbols: []string{"AAPL"}, Window: w}, false},
		{"no symbols", Request{Kind: domain.KindQuotes, Window: w}, false},
		{"unknown kind", Request{Kind: "news", Symbols: []string{"AAPL"}, Window: w}, false},
		{"empty window", Request{Kind: domain.KindTrades, Symbols: []string{"AAPL"}, Window: domain.Window{Start: w.Start, End: w.Start}}, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.req.Validate()
			if tt.ok {
				assert.NoError(t, err)
			} else {
				assert.Error(t, err)
			}
		})
	}
}

func TestSourceURL(t *testing.T) {
	src, err := NewSource("https://example.test/", Credentials{}, Request{
		Kind:      domain.KindBars,
		Symbols:   []string{"AAPL", "MSFT"},
		Window:    testWindow(),
		TimeFrame: "1Min",
		Feed:      "sip",
	}, nil)
	require.NoError(t, err)

	u, err := url.Parse(src.URL("abc"))
	require.NoError(t, err)
	assert.Equal(t, "/v2/stocks/bars", u.Path)

	q := u.Query()
	assert.Equal(t, "2023-03-01T00:00:00Z", q.Get("start"))
	assert.Equal(t, "2023-03-02T00:00:00Z", q.Get("end"))
	assert.Equal(t, "10000", q.Get("limit"))
	assert.Equal(t, "AAPL,MSFT", q.Get("symbols"))
	assert.Equal(t, "1Min", q.Get("timeframe"))
	assert.Equal(t, "sip", q.Get("feed"))
	assert.Equal(t, "abc", q.Get("page_token"))

	first, err := url.Parse(src.URL(""))
	require.NoError(t, err)
	assert.False(t, first.Query().Has("page_token"))
}

func TestSourceFetch(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "key", r.Header.Get("APCA-API-KEY-ID"))
		assert.Equal(t, "secret", r.Header.Get("APCA-API-SECRET-KEY"))
		assert.Equal(t, "/v2/stocks/trades", r.URL.Path)
		w.Write([]byte(`{
			"trades": {"AAPL": [{"t": "2023-03-01T14:30:00.123456789Z", "p": 150.1, "i": 7, "u": "canceled"}]},
			"next_page_token": "QUFQTHwy"
		}`))
	}))
	defer srv.Close()

	req := gather.NewRequester(quietLogger())
	req.Sleep = noSleep
	src, err := NewSource(srv.URL, Credentials{APIKey: "key", APISecret: "secret"},
		Request{Kind: domain.KindTrades, Symbols: []string{"AAPL"}, Window: testWindow()}, req)
	require.NoError(t, err)

	page, err := src.Fetch(context.Background(), "")
	require.NoError(t, err)
	assert.Equal(t, "QUFQTHwy", page.NextToken)
	require.Len(t, page.Records["AAPL"], 1)
	assert.Equal(t, json.Number("150.1"), page.Records["AAPL"][0]["p"])
}

func TestDecodePage(t *testing.T) {
	t.Run("null records and token", func(t *testing.T) {
		page, err := decodePage(map[string]any{"bars": nil, "next_page_token": nil}, "bars")
		require.NoError(t, err)
		assert.Equal(t, 0, page.Len())
		assert.Empty(t, page.NextToken)
	})
	t.Run("records not an object", func(t *testing.T) {
		_, err := decodePage(map[string]any{"bars": []any{}}, "bars")
		assert.True(t, gather.IsKind(err, gather.KindParse))
	})
	t.Run("token not a string", func(t *testing.T) {
		_, err := decodePage(map[string]any{"next_page_token": json.Number("3")}, "bars")
		assert.True(t, gather.IsKind(err, gather.KindParse))
	})
}

func TestNormalizeTrades(t *testing.T) {
	page := gather.Page{Records: map[string][]map[string]any{
		"MSFT": {
			{"t": "2023-03-01T15:00:00Z", "p": json.Number("250"), "i": json.Number("9"), "u": "canceled", "c": []any{"@"}, "z": "C"},
			{"t": "2023-03-01T15:00:01Z", "p": json.Number("251"), "i": json.Number("10"), "u": "corrected"},
		},
		"AAPL": {
			{"t": "2023-03-01T14:00:00Z", "p": json.Number("150"), "i": json.Number("1"), "u": "canceled"},
			{"t": "2023-03-01T14:00:01Z", "p": json.Number("151"), "i": json.Number("2")},
		},
		"TSLA": {
			{"t": "2023-03-01T13:00:00Z", "u": "canceled"},
		},
	}}

	rows, err := Normalizer{Kind: domain.KindTrades, Symbols: []string{"AAPL", "MSFT", "NVDA"}}.Normalize(page)
	require.NoError(t, err)
	require.Len(t, rows, 2)

	assert.Equal(t, "AAPL", rows[0].Key)
	assert.Equal(t, "MSFT", rows[1].Key)
	assert.Equal(t, "9", rows[1].ID)
	assert.Equal(t, time.Date(2023, 3, 1, 15, 0, 0, 0, time.UTC), rows[1].Timestamp)

	for _, r := range rows {
		assert.Equal(t, CanceledStatus, r.Fields["u"])
		for _, k := range []string{"c", "i", "z", "t"} {
			assert.NotContains(t, r.Fields, k)
		}
	}
}

func TestNormalizeBarsPassThrough(t *testing.T) {
	page := gather.Page{Records: map[string][]map[string]any{
		"AAPL": {
			{"t": "2023-03-01T14:31:00Z", "o": json.Number("1"), "c": json.Number("2"), "n": json.Number("10")},
			{"t": "2023-03-01T14:30:00Z", "o": json.Number("3"), "c": json.Number("4"), "n": json.Number("12")},
		},
	}}
	rows, err := Normalizer{Kind: domain.KindBars, Symbols: []string{"AAPL"}}.Normalize(page)
	require.NoError(t, err)
	require.Len(t, rows, 2)

	// No page-level sorting; bar "c" is the close, not a bookkeeping field.
	assert.True(t, rows[0].Timestamp.After(rows[1].Timestamp))
	assert.Equal(t, json.Number("2"), rows[0].Fields["c"])
	assert.Empty(t, rows[0].ID)
}

func TestNormalizeBadTimestamp(t *testing.T) {
	for name, rec := range map[string]map[string]any{
		"missing":   {"o": json.Number("1")},
		"malformed": {"t": "yesterday"},
		"number":    {"t": json.Number("1677682800")},
	} {
		t.Run(name, func(t *testing.T) {
			page := gather.Page{Records: map[string][]map[string]any{"AAPL": {rec}}}
			_, err := Normalizer{Kind: domain.KindQuotes, Symbols: []string{"AAPL"}}.Normalize(page)
			assert.True(t, gather.IsKind(err, gather.KindParse), "err = %v", err)
		})
	}
}

func TestDownloaderWindow(t *testing.T) {
	var hits atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch hits.Add(1) {
		case 1:
			assert.Empty(t, r.URL.Query().Get("page_token"))
			w.Write([]byte(`{"quotes":{"AAPL":[{"t":"2023-03-01T14:30:05Z","bp":1}]},"next_page_token":"p2"}`))
		case 2:
			assert.Equal(t, "p2", r.URL.Query().Get("page_token"))
			w.WriteHeader(http.StatusTooManyRequests)
		default:
			w.Write([]byte(`{"quotes":{"AAPL":[{"t":"2023-03-01T14:30:01Z","bp":2}]},"next_page_token":null}`))
		}
	}))
	defer srv.Close()

	var slept []time.Duration
	req := gather.NewRequester(quietLogger())
	req.Sleep = func(_ context.Context, d time.Duration) error {
		slept = append(slept, d)
		return nil
	}

	d := &Downloader{
		DataURL:   srv.URL,
		Kind:      domain.KindQuotes,
		Symbols:   []string{"AAPL"},
		Requester: req,
		Log:       quietLogger(),
	}
	rows, err := d.Window(context.Background(), testWindow())
	require.NoError(t, err)
	require.Len(t, rows, 2)
	assert.Equal(t, json.Number("2"), rows[0].Fields["bp"])
	assert.Equal(t, []time.Duration{gather.DefaultRateLimitCooldown}, slept)
	assert.EqualValues(t, 3, hits.Load())
}

func TestDownloaderWindowClientError(t *testing.T) {
	var hits atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		w.WriteHeader(http.StatusUnprocessableEntity)
		w.Write([]byte(`{"message":"invalid symbol"}`))
	}))
	defer srv.Close()

	req := gather.NewRequester(quietLogger())
	req.Sleep = noSleep
	d := &Downloader{DataURL: srv.URL, Kind: domain.KindTrades, Symbols: []string{"??"}, Requester: req}

	rows, err := d.Window(context.Background(), testWindow())
	assert.Nil(t, rows)
	var we *gather.WindowError
	require.ErrorAs(t, err, &we)
	assert.True(t, gather.IsKind(err, gather.KindClient))
	assert.EqualValues(t, 1, hits.Load())
}
