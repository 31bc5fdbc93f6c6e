package us

import (
	"fmt"
	"time"

	"github.com/alpacahq/alpaca-trade-api-go/v3/alpaca"
)

// CalendarClient is the part of the Alpaca trading client used to find
// finished sessions. *alpaca.Client satisfies it.
type CalendarClient interface {
	GetCalendar(req alpaca.GetCalendarRequest) ([]alpaca.CalendarDay, error)
}

var _ CalendarClient = (*alpaca.Client)(nil)

// NewCalendarClient returns an Alpaca trading client for the calendar API.
func NewCalendarClient(creds Credentials, baseURL string) *alpaca.Client {
	return alpaca.NewClient(alpaca.ClientOpts{
		APIKey:    creds.APIKey,
		APISecret: creds.APISecret,
		BaseURL:   baseURL,
	})
}

// LatestFinishedTradingDay returns the most recent trading day whose session
// has ended as of now (after 20:05 ET, once extended-hours data has settled).
// The result is midnight UTC of that day.
func LatestFinishedTradingDay(cal CalendarClient, now time.Time) (time.Time, error) {
	et, err := time.LoadLocation("America/New_York")
	if err != nil {
		return time.Time{}, fmt.Errorf("loading ET timezone: %w", err)
	}

	now = now.In(et)
	calendar, err := cal.GetCalendar(alpaca.GetCalendarRequest{
		Start: now.AddDate(0, 0, -7),
		End:   now,
	})
	if err != nil {
		return time.Time{}, fmt.Errorf("GetCalendar: %w", err)
	}
	if len(calendar) == 0 {
		return time.Time{}, fmt.Errorf("no trading days returned from calendar")
	}

	today := now.Format("2006-01-02")
	cutoff := time.Date(now.Year(), now.Month(), now.Day(), 20, 5, 0, 0, et)

	for i := len(calendar) - 1; i >= 0; i-- {
		day, err := time.Parse("2006-01-02", calendar[i].Date)
		if err != nil {
			continue
		}
		if calendar[i].Date == today {
			if now.After(cutoff) {
				return day, nil
			}
			continue
		}
		if calendar[i].Date < today {
			return day, nil
		}
	}

	return time.Time{}, fmt.Errorf("could not determine latest finished trading day")
}
