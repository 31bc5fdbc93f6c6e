package us

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"marketpull/internal/domain"
	"marketpull/internal/gather"
)

// DefaultDataURL is the Alpaca market-data host.
const DefaultDataURL = "https://data.alpaca.markets"

// PageLimit is the largest page Alpaca serves for historical stock data.
const PageLimit = 10000

// Credentials holds the Alpaca API key pair.
type Credentials struct {
	APIKey    string
	APISecret string
}

func (c Credentials) header() http.Header {
	h := make(http.Header)
	h.Set("APCA-API-KEY-ID", c.APIKey)
	h.Set("APCA-API-SECRET-KEY", c.APISecret)
	return h
}

// Request describes one historical query against the multi-symbol stock
// endpoints (/v2/stocks/{trades,bars,quotes}).
type Request struct {
	Kind      domain.DataKind
	Symbols   []string
	Window    domain.Window
	TimeFrame string // bars only, e.g. "1Min", "1Day"
	Feed      string // optional: "sip", "iex"
}

// Validate checks the request before any network call is made.
func (r Request) Validate() error {
	if _, err := domain.ParseDataKind(string(r.Kind)); err != nil {
		return err
	}
	if len(r.Symbols) == 0 {
		return errors.New("at least one symbol is required")
	}
	if r.Kind == domain.KindBars && r.TimeFrame == "" {
		return errors.New("bars require a timeframe")
	}
	if !r.Window.End.After(r.Window.Start) {
		return fmt.Errorf("empty window %s", r.Window)
	}
	return nil
}

// ---------------------------------------------------------------------------
// Source
// ---------------------------------------------------------------------------

// Source pages through one Request. It implements gather.PageSource.
type Source struct {
	req       Request
	dataURL   string
	creds     Credentials
	requester *gather.Requester
}

var _ gather.PageSource = (*Source)(nil)

// NewSource validates req and returns a Source for it. An empty dataURL
// selects DefaultDataURL.
func NewSource(dataURL string, creds Credentials, req Request, r *gather.Requester) (*Source, error) {
	if err := req.Validate(); err != nil {
		return nil, fmt.Errorf("invalid %s request: %w", req.Kind, err)
	}
	if dataURL == "" {
		dataURL = DefaultDataURL
	}
	if r == nil {
		r = gather.NewRequester(slog.Default())
	}
	return &Source{
		req:       req,
		dataURL:   strings.TrimRight(dataURL, "/"),
		creds:     creds,
		requester: r,
	}, nil
}

// URL returns the request URL for the page identified by token.
func (s *Source) URL(token string) string {
	q := url.Values{}
	q.Set("start", s.req.Window.Start.UTC().Format(time.RFC3339))
	q.Set("end", s.req.Window.End.UTC().Format(time.RFC3339))
	q.Set("limit", strconv.Itoa(PageLimit))
	q.Set("symbols", strings.Join(s.req.Symbols, ","))
	if s.req.Kind == domain.KindBars {
		q.Set("timeframe", s.req.TimeFrame)
	}
	if s.req.Feed != "" {
		q.Set("feed", s.req.Feed)
	}
	if token != "" {
		q.Set("page_token", token)
	}
	return fmt.Sprintf("%s/v2/stocks/%s?%s", s.dataURL, s.req.Kind, q.Encode())
}

// Fetch retrieves one page. The response carries the records under a key
// named after the data kind, grouped by symbol.
func (s *Source) Fetch(ctx context.Context, token string) (gather.Page, error) {
	var body map[string]any
	if err := s.requester.GetJSON(ctx, s.URL(token), s.creds.header(), &body); err != nil {
		return gather.Page{}, err
	}
	return decodePage(body, string(s.req.Kind))
}

// decodePage pulls the entity-keyed records and the next page token out of a
// decoded response. A null record map is an empty page.
func decodePage(body map[string]any, key string) (gather.Page, error) {
	page := gather.Page{Records: make(map[string][]map[string]any)}

	switch tok := body["next_page_token"].(type) {
	case nil:
	case string:
		page.NextToken = tok
	default:
		return gather.Page{}, gather.ParseError("next_page_token has type %T", tok)
	}

	raw, ok := body[key]
	if !ok || raw == nil {
		return page, nil
	}
	bySymbol, ok := raw.(map[string]any)
	if !ok {
		return gather.Page{}, gather.ParseError("%q is %T, want an object", key, raw)
	}
	for sym, v := range bySymbol {
		list, ok := v.([]any)
		if !ok {
			return gather.Page{}, gather.ParseError("%s records for %s are %T, want an array", key, sym, v)
		}
		recs := make([]map[string]any, 0, len(list))
		for i, item := range list {
			rec, ok := item.(map[string]any)
			if !ok {
				return gather.Page{}, gather.ParseError("%s record %d for %s is %T", key, i, sym, item)
			}
			recs = append(recs, rec)
		}
		page.Records[sym] = recs
	}
	return page, nil
}

// ---------------------------------------------------------------------------
// Normalizer
// ---------------------------------------------------------------------------

// CanceledStatus is the trade update status retained for trades.
const CanceledStatus = "canceled"

// tradeBookkeeping lists trade fields dropped from rows: conditions, trade
// id and tape.
var tradeBookkeeping = []string{"c", "i", "z"}

// Normalizer converts Alpaca pages into rows. It implements gather.Normalizer.
type Normalizer struct {
	Kind    domain.DataKind
	Symbols []string
}

var _ gather.Normalizer = Normalizer{}

// Normalize walks the requested symbols in order. Symbols missing from the
// page are skipped and symbols that were not requested are ignored. Trades
// keep only records whose update status is "canceled".
func (n Normalizer) Normalize(page gather.Page) ([]domain.Row, error) {
	var rows []domain.Row
	for _, sym := range n.Symbols {
		for _, rec := range page.Records[sym] {
			if n.Kind == domain.KindTrades {
				if status, _ := rec["u"].(string); status != CanceledStatus {
					continue
				}
			}

			row, err := n.row(sym, rec)
			if err != nil {
				return nil, err
			}
			rows = append(rows, row)
		}
	}
	return rows, nil
}

func (n Normalizer) row(sym string, rec map[string]any) (domain.Row, error) {
	raw, ok := rec["t"]
	if !ok {
		return domain.Row{}, gather.ParseError("%s %s record without timestamp", sym, n.Kind)
	}
	s, ok := raw.(string)
	if !ok {
		return domain.Row{}, gather.ParseError("%s %s timestamp is %T", sym, n.Kind, raw)
	}
	ts, err := time.Parse(time.RFC3339Nano, s)
	if err != nil {
		return domain.Row{}, gather.ParseError("%s %s timestamp %q: %v", sym, n.Kind, s, err)
	}

	fields := make(map[string]any, len(rec))
	for k, v := range rec {
		if k != "t" {
			fields[k] = v
		}
	}

	row := domain.Row{Timestamp: ts.UTC(), Key: sym, Fields: fields}
	if n.Kind == domain.KindTrades {
		if id, ok := fields["i"]; ok {
			row.ID = fmt.Sprint(id)
		}
		for _, k := range tradeBookkeeping {
			delete(fields, k)
		}
	}
	return row, nil
}
