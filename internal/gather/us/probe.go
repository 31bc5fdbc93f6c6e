package us

import (
	"fmt"
	"time"

	"github.com/alpacahq/alpaca-trade-api-go/v3/marketdata"
)

// BarsClient is the part of the Alpaca market-data client used by the probe.
// *marketdata.Client satisfies it.
type BarsClient interface {
	GetBars(symbol string, req marketdata.GetBarsRequest) ([]marketdata.Bar, error)
}

var _ BarsClient = (*marketdata.Client)(nil)

// NewBarsClient returns an Alpaca market-data client. An empty dataURL keeps
// the SDK default.
func NewBarsClient(creds Credentials, dataURL string) *marketdata.Client {
	opts := marketdata.ClientOpts{
		APIKey:    creds.APIKey,
		APISecret: creds.APISecret,
	}
	if dataURL != "" {
		opts.BaseURL = dataURL
	}
	return marketdata.NewClient(opts)
}

// probeEpoch predates every US listing Alpaca serves.
var probeEpoch = time.Date(2000, 1, 1, 0, 0, 0, 0, time.UTC)

// FirstAvailable returns the UTC day of the first daily bar Alpaca holds for
// symbol, searching up to end.
func FirstAvailable(client BarsClient, symbol, feed string, end time.Time) (time.Time, error) {
	bars, err := client.GetBars(symbol, marketdata.GetBarsRequest{
		TimeFrame:  marketdata.OneDay,
		Start:      probeEpoch,
		End:        end,
		TotalLimit: 1,
		Feed:       feed,
	})
	if err != nil {
		return time.Time{}, fmt.Errorf("probing %s: %w", symbol, err)
	}
	if len(bars) == 0 {
		return time.Time{}, fmt.Errorf("no bars for %s before %s", symbol, end.Format("2006-01-02"))
	}
	return bars[0].Timestamp.UTC().Truncate(24 * time.Hour), nil
}
