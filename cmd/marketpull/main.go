// marketpull downloads market, social and macro data in rate-limited,
// resumable windows.
//
// Usage:
//
//	marketpull download --kind trades --symbols AAPL,MSFT --start 2023-03-01 --end 2023-03-02
//	marketpull batch --kind bars --symbols AAPL --timeframe 1Min --probe --end latest --step 25w
//	marketpull reddit --stock AAPL --aliases "AAPL,Tim Cook"
//	marketpull macro --series cpi,treasury_yields
//	marketpull consolidate --series bars_AAPL
//	marketpull status
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
)

func main() {
	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	if err := newRootCmd().ExecuteContext(ctx); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
