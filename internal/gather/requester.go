package gather

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"
)

// Defaults for Requester fields left at their zero value.
const (
	DefaultRetryBudget       = 5
	DefaultRateLimitCooldown = 10 * time.Second
	DefaultTransportBackoff  = time.Second
	DefaultHTTPTimeout       = 30 * time.Second
)

// Requester performs GET requests that decode a JSON body, retrying
// transport failures and HTTP 429 up to RetryBudget times after the first
// attempt. Client errors (400, 403, 422) and any other non-200 status are
// returned immediately.
type Requester struct {
	HTTP              *http.Client
	RetryBudget       int
	RateLimitCooldown time.Duration
	TransportBackoff  time.Duration
	Sleep             SleepFunc
	Log               *slog.Logger
}

// NewRequester returns a Requester with default settings.
func NewRequester(log *slog.Logger) *Requester {
	return &Requester{
		HTTP:              &http.Client{Timeout: DefaultHTTPTimeout},
		RetryBudget:       DefaultRetryBudget,
		RateLimitCooldown: DefaultRateLimitCooldown,
		TransportBackoff:  DefaultTransportBackoff,
		Sleep:             Sleep,
		Log:               log,
	}
}

// GetJSON fetches rawURL and decodes the 200 response into out. Numbers are
// decoded as json.Number when out holds interface values.
func (r *Requester) GetJSON(ctx context.Context, rawURL string, header http.Header, out any) error {
	sleep := r.Sleep
	if sleep == nil {
		sleep = Sleep
	}
	log := r.Log
	if log == nil {
		log = slog.Default()
	}

	for attempt := 0; ; attempt++ {
		err := r.do(ctx, rawURL, header, out)
		if err == nil {
			return nil
		}

		var fe *FetchError
		if !errors.As(err, &fe) || !fe.Retryable() {
			return err
		}
		if attempt >= r.RetryBudget {
			log.Error("retry budget exhausted", "kind", fe.Kind, "attempts", attempt+1, "err", fe)
			return fe
		}

		wait := r.TransportBackoff
		if fe.Kind == KindRateLimited {
			wait = r.RateLimitCooldown
		}
		log.Warn("retrying request",
			"kind", fe.Kind,
			"attempt", attempt+1,
			"remaining", r.RetryBudget-attempt,
			"wait", wait,
		)
		if err := sleep(ctx, wait); err != nil {
			return err
		}
	}
}

// do issues exactly one request.
func (r *Requester) do(ctx context.Context, rawURL string, header http.Header, out any) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, rawURL, nil)
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}
	for k, vs := range header {
		for _, v := range vs {
			req.Header.Add(k, v)
		}
	}
	req.Header.Set("Accept", "application/json")

	client := r.HTTP
	if client == nil {
		client = http.DefaultClient
	}
	resp, err := client.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		return &FetchError{Kind: KindTransport, Err: err}
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return &FetchError{Kind: KindTransport, Err: fmt.Errorf("read response: %w", err)}
	}

	switch resp.StatusCode {
	case http.StatusOK:
		dec := json.NewDecoder(bytes.NewReader(body))
		dec.UseNumber()
		if err := dec.Decode(out); err != nil {
			return &FetchError{Kind: KindParse, StatusCode: resp.StatusCode, Err: fmt.Errorf("decode response: %w", err)}
		}
		return nil
	case http.StatusTooManyRequests:
		return &FetchError{Kind: KindRateLimited, StatusCode: resp.StatusCode, Body: string(body)}
	case http.StatusBadRequest, http.StatusForbidden, http.StatusUnprocessableEntity:
		return &FetchError{Kind: KindClient, StatusCode: resp.StatusCode, Body: string(body)}
	default:
		return &FetchError{Kind: KindUnknownStatus, StatusCode: resp.StatusCode, Body: string(body)}
	}
}
