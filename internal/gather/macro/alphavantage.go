// Package macro downloads US economic series (CPI, real GDP, treasury
// yields) from the AlphaVantage economic indicators API.
package macro

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/hashicorp/go-retryablehttp"

	"marketpull/internal/gather"
)

// DefaultBaseURL is the AlphaVantage API host.
const DefaultBaseURL = "https://www.alphavantage.co"

// Point is one observation of a series. Value is nil when the API reports
// no value for the date (".").
type Point struct {
	Date  time.Time
	Value any
}

// ClientConfig holds the HTTP retry bounds.
type ClientConfig struct {
	BaseURL      string
	APIKey       string
	RetryMax     int
	RetryWaitMin time.Duration
	RetryWaitMax time.Duration
}

// Client queries the AlphaVantage /query endpoint. Transport failures and
// 5xx responses are retried by the underlying retryablehttp client.
type Client struct {
	HTTPClient *retryablehttp.Client
	baseURL    string
	apiKey     string
	log        *slog.Logger
}

// NewClient creates a Client.
func NewClient(cfg ClientConfig, log *slog.Logger) *Client {
	if log == nil {
		log = slog.Default()
	}
	base := cfg.BaseURL
	if base == "" {
		base = DefaultBaseURL
	}

	hc := retryablehttp.NewClient()
	hc.RetryMax = cfg.RetryMax
	if cfg.RetryWaitMin > 0 {
		hc.RetryWaitMin = cfg.RetryWaitMin
	}
	if cfg.RetryWaitMax > 0 {
		hc.RetryWaitMax = cfg.RetryWaitMax
	}
	hc.Logger = log

	return &Client{
		HTTPClient: hc,
		baseURL:    strings.TrimRight(base, "/"),
		apiKey:     cfg.APIKey,
		log:        log,
	}
}

type queryResponse struct {
	Name     string `json:"name"`
	Interval string `json:"interval"`
	Unit     string `json:"unit"`
	Data     []struct {
		Date  string `json:"date"`
		Value string `json:"value"`
	} `json:"data"`
	Note         string `json:"Note"`
	Information  string `json:"Information"`
	ErrorMessage string `json:"Error Message"`
}

// Query calls function with the extra params and returns its observations in
// the order the API sends them.
func (c *Client) Query(ctx context.Context, function string, params url.Values) ([]Point, error) {
	q := url.Values{}
	for k, vs := range params {
		q[k] = vs
	}
	q.Set("function", function)
	q.Set("apikey", c.apiKey)
	u := c.baseURL + "/query?" + q.Encode()

	req, err := retryablehttp.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	resp, err := c.HTTPClient.Do(req)
	if err != nil {
		return nil, &gather.FetchError{Kind: gather.KindTransport, Err: err}
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, &gather.FetchError{Kind: gather.KindTransport, Err: err}
	}
	switch resp.StatusCode {
	case http.StatusOK:
	case http.StatusTooManyRequests:
		return nil, &gather.FetchError{Kind: gather.KindRateLimited, StatusCode: resp.StatusCode, Body: string(body)}
	case http.StatusBadRequest, http.StatusForbidden, http.StatusUnprocessableEntity:
		return nil, &gather.FetchError{Kind: gather.KindClient, StatusCode: resp.StatusCode, Body: string(body)}
	default:
		return nil, &gather.FetchError{Kind: gather.KindUnknownStatus, StatusCode: resp.StatusCode, Body: string(body)}
	}

	var qr queryResponse
	if err := json.Unmarshal(body, &qr); err != nil {
		return nil, &gather.FetchError{Kind: gather.KindParse, Err: fmt.Errorf("decode %s: %w", function, err)}
	}

	// AlphaVantage answers throttling and bad requests with 200 and a
	// message instead of data.
	if len(qr.Data) == 0 {
		switch {
		case qr.Note != "":
			return nil, &gather.FetchError{Kind: gather.KindRateLimited, StatusCode: resp.StatusCode, Body: qr.Note}
		case qr.Information != "":
			return nil, &gather.FetchError{Kind: gather.KindRateLimited, StatusCode: resp.StatusCode, Body: qr.Information}
		case qr.ErrorMessage != "":
			return nil, &gather.FetchError{Kind: gather.KindClient, StatusCode: resp.StatusCode, Body: qr.ErrorMessage}
		default:
			return nil, gather.ParseError("%s: response has no data", function)
		}
	}

	points := make([]Point, 0, len(qr.Data))
	for _, d := range qr.Data {
		date, err := time.Parse("2006-01-02", d.Date)
		if err != nil {
			return nil, gather.ParseError("%s date %q: %v", function, d.Date, err)
		}
		p := Point{Date: date}
		if v, err := strconv.ParseFloat(d.Value, 64); err == nil {
			p.Value = v
		}
		points = append(points, p)
	}
	c.log.Debug("query done", "function", function, "points", len(points), "unit", qr.Unit)
	return points, nil
}
