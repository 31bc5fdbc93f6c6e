// Package gather holds the paginated, rate-limited download engine shared by
// the market-data, social and macro gatherers: the date cursor that splits a
// long range into windows, the retrying page requester, the per-window
// download loop and the window-by-window batch orchestrator.
package gather

import (
	"context"
	"time"
)

// Gatherer is the interface for all data gathering processes.
type Gatherer interface {
	// Name returns the gatherer identifier.
	Name() string
	// Run performs the gathering job. It blocks until the job completes,
	// fails, or ctx is cancelled.
	Run(ctx context.Context) error
}

// SleepFunc blocks for d or until ctx is done. Components take one so tests
// can observe back-off and throttle sleeps without waiting for them.
type SleepFunc func(ctx context.Context, d time.Duration) error

// Sleep is the real SleepFunc.
func Sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return nil
	}
	timer := time.NewTimer(d)
	defer timer.Stop()

	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
