package macro

import (
	"bytes"
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"marketpull/internal/domain"
	"marketpull/internal/gather"
)

func getTestLogger(buf *bytes.Buffer) *slog.Logger {
	return slog.New(slog.NewTextHandler(buf, nil))
}

func newTestClient(url string) *Client {
	return NewClient(ClientConfig{
		BaseURL:      url,
		APIKey:       "demo",
		RetryMax:     2,
		RetryWaitMin: time.Millisecond,
		RetryWaitMax: 2 * time.Millisecond,
	}, getTestLogger(&bytes.Buffer{}))
}

// avServer serves /query responses keyed by function and maturity.
func avServer(t *testing.T, hits *atomic.Int32, bodies map[string]string) *httptest.Server {
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		assert.Equal(t, "/query", r.URL.Path)
		assert.Equal(t, "demo", r.URL.Query().Get("apikey"))
		key := r.URL.Query().Get("function")
		if m := r.URL.Query().Get("maturity"); m != "" {
			key += ":" + m
		}
		body, ok := bodies[key]
		if !ok {
			t.Errorf("unexpected request %s", r.URL)
			w.WriteHeader(http.StatusNotFound)
			return
		}
		w.Write([]byte(body))
	}))
}

func series(points ...string) string {
	var b strings.Builder
	b.WriteString(`{"name": "x", "interval": "daily", "unit": "percent", "data": [`)
	for i, p := range points {
		date, value, _ := strings.Cut(p, "=")
		if i > 0 {
			b.WriteString(",")
		}
		fmt.Fprintf(&b, `{"date": %q, "value": %q}`, date, value)
	}
	b.WriteString("]}")
	return b.String()
}

func TestQueryParsesPoints(t *testing.T) {
	var hits atomic.Int32
	srv := avServer(t, &hits, map[string]string{
		"CPI": series("2023-02-01=300.84", "2023-01-01=299.17", "2022-12-01=."),
	})
	defer srv.Close()

	points, err := newTestClient(srv.URL).Query(context.Background(), "CPI", nil)
	require.NoError(t, err)
	require.Len(t, points, 3)
	assert.Equal(t, time.Date(2023, 2, 1, 0, 0, 0, 0, time.UTC), points[0].Date)
	assert.Equal(t, 300.84, points[0].Value)
	assert.Nil(t, points[2].Value)
}

func TestQueryRejectsMessages(t *testing.T) {
	tests := []struct {
		name string
		body string
		kind gather.ErrorKind
	}{
		{"note", `{"Note": "Thank you for using Alpha Vantage! Our standard API call frequency is 5 calls per minute"}`, gather.KindRateLimited},
		{"information", `{"Information": "The demo API key is for demo purposes only."}`, gather.KindRateLimited},
		{"error message", `{"Error Message": "Invalid API call."}`, gather.KindClient},
		{"empty", `{"name": "CPI", "data": []}`, gather.KindParse},
		{"not json", `<html>`, gather.KindParse},
		{"bad date", series("02/01/2023=1"), gather.KindParse},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var hits atomic.Int32
			srv := avServer(t, &hits, map[string]string{"CPI": tt.body})
			defer srv.Close()

			_, err := newTestClient(srv.URL).Query(context.Background(), "CPI", nil)
			assert.True(t, gather.IsKind(err, tt.kind), "err = %v", err)
		})
	}
}

func TestQueryRetriesServerErrors(t *testing.T) {
	var hits atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if hits.Add(1) == 1 {
			w.WriteHeader(http.StatusBadGateway)
			return
		}
		w.Write([]byte(series("2023-01-01=1")))
	}))
	defer srv.Close()

	points, err := newTestClient(srv.URL).Query(context.Background(), "REAL_GDP", nil)
	require.NoError(t, err)
	assert.Len(t, points, 1)
	assert.EqualValues(t, 2, hits.Load())
}

func TestQueryClassifiesStatus(t *testing.T) {
	tests := []struct {
		status int
		kind   gather.ErrorKind
	}{
		{http.StatusBadRequest, gather.KindClient},
		{http.StatusForbidden, gather.KindClient},
		{http.StatusUnprocessableEntity, gather.KindClient},
		{http.StatusNotFound, gather.KindUnknownStatus},
	}
	for _, tt := range tests {
		t.Run(http.StatusText(tt.status), func(t *testing.T) {
			var hits atomic.Int32
			srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				hits.Add(1)
				w.WriteHeader(tt.status)
				w.Write([]byte(`{"message": "nope"}`))
			}))
			defer srv.Close()

			_, err := newTestClient(srv.URL).Query(context.Background(), "CPI", nil)
			require.Error(t, err)
			assert.True(t, gather.IsKind(err, tt.kind), "err = %v", err)
			assert.EqualValues(t, 1, hits.Load())
		})
	}
}

func TestTreasuryYieldsInnerJoin(t *testing.T) {
	var hits atomic.Int32
	srv := avServer(t, &hits, map[string]string{
		"TREASURY_YIELD:3month": series("2023-03-03=4.9", "2023-03-02=4.88", "2023-03-01=4.87"),
		"TREASURY_YIELD:2year":  series("2023-03-03=4.86", "2023-03-01=4.89"),
		"TREASURY_YIELD:10year": series("2023-03-03=3.97", "2023-03-02=4.08", "2023-03-01=.", "2023-02-28=3.92"),
	})
	defer srv.Close()

	g := NewGatherer(newTestClient(srv.URL), Config{
		Series:     []string{SeriesTreasury},
		Maturities: []string{"3month", "2year", "10year"},
	}, &memSink{}, t.TempDir(), getTestLogger(&bytes.Buffer{}))

	rows, err := g.TreasuryYields(context.Background())
	require.NoError(t, err)
	assert.EqualValues(t, 3, hits.Load())
	require.Len(t, rows, 2)

	assert.Equal(t, time.Date(2023, 3, 1, 0, 0, 0, 0, time.UTC), rows[0].Timestamp)
	assert.Equal(t, map[string]any{"3month": 4.87, "2year": 4.89, "10year": nil}, rows[0].Fields)
	assert.Equal(t, map[string]any{"3month": 4.9, "2year": 4.86, "10year": 3.97}, rows[1].Fields)
}

func TestTreasuryYieldsFailure(t *testing.T) {
	var hits atomic.Int32
	srv := avServer(t, &hits, map[string]string{
		"TREASURY_YIELD:3month": series("2023-03-03=4.9"),
		"TREASURY_YIELD:2year":  `{"Note": "slow down"}`,
	})
	defer srv.Close()

	g := NewGatherer(newTestClient(srv.URL), Config{Maturities: []string{"3month", "2year"}},
		&memSink{}, t.TempDir(), getTestLogger(&bytes.Buffer{}))
	_, err := g.TreasuryYields(context.Background())
	assert.True(t, gather.IsKind(err, gather.KindRateLimited), "err = %v", err)
	assert.Contains(t, err.Error(), "maturity 2year")
}

type memSink struct {
	written map[string][]domain.Row
}

func (s *memSink) Ext() string { return ".csv" }

func (s *memSink) WriteRows(path string, rows []domain.Row) error {
	if s.written == nil {
		s.written = make(map[string][]domain.Row)
	}
	s.written[path] = rows
	return nil
}

func TestRunWritesEachSeries(t *testing.T) {
	var hits atomic.Int32
	srv := avServer(t, &hits, map[string]string{
		"CPI":      series("2023-02-01=300.84", "2023-01-01=299.17"),
		"REAL_GDP": series("2022-10-01=20182.5"),
	})
	defer srv.Close()

	dir := t.TempDir()
	sink := &memSink{}
	g := NewGatherer(newTestClient(srv.URL), Config{Series: []string{SeriesCPI, SeriesRealGDP}, RatePerMin: 6000},
		sink, dir, getTestLogger(&bytes.Buffer{}))
	require.NoError(t, g.Run(context.Background()))

	cpi := sink.written[filepath.Join(dir, "cpi.csv")]
	require.Len(t, cpi, 2)
	assert.Equal(t, "CPI", cpi[0].Key)
	assert.Equal(t, 299.17, cpi[0].Fields["value"])
	assert.Len(t, sink.written[filepath.Join(dir, "real_gdp.csv")], 1)

	_, err := g.Series(context.Background(), "ppi")
	assert.Error(t, err)
}
