package main

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"marketpull/internal/gather/macro"
	"marketpull/internal/gather/social"
	"marketpull/internal/gather/us"
	"marketpull/internal/store"
)

// ---------------------------------------------------------------------------
// reddit
// ---------------------------------------------------------------------------

func newRedditCmd(a *app) *cobra.Command {
	var (
		stock     string
		aliases   string
		watchlist string
		kinds     string
		sc        social.Config
	)
	cmd := &cobra.Command{
		Use:   "reddit",
		Short: "Collect top-scored Reddit comments and submissions mentioning a stock",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg := a.cfg.Social
			flags := cmd.Flags()
			if !flags.Changed("start-days") {
				sc.StartDays = cfg.StartDays
			}
			if !flags.Changed("end-days") {
				sc.EndDays = cfg.EndDays
			}
			if !flags.Changed("delta-days") {
				sc.DeltaDays = cfg.DeltaDays
			}
			if !flags.Changed("batch-size") {
				sc.BatchSize = cfg.BatchSize
			}
			sc.BaseURL = cfg.BaseURL
			sc.MinInterval = cfg.MinInterval

			listings := []us.Listing{{Symbol: strings.ToUpper(stock), Aliases: splitList(aliases)}}
			if watchlist != "" {
				var err error
				if listings, err = us.LoadWatchlist(watchlist); err != nil {
					return err
				}
			}

			dir := filepath.Join(a.cfg.Storage.DataDir, "reddit")
			for _, l := range listings {
				for _, k := range splitList(kinds) {
					kind, err := social.ParseKind(k)
					if err != nil {
						return err
					}
					g := social.NewGatherer(sc, kind, l.Symbol, l.Aliases, dir,
						a.requester(cfg.RateLimitCooldown), a.log)
					a.log.Info("gathering", "gatherer", g.Name())
					if err := g.Run(cmd.Context()); err != nil {
						return err
					}
				}
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&stock, "stock", "", "stock symbol")
	cmd.Flags().StringVar(&watchlist, "watchlist", "", "CSV of symbols with ';'-separated aliases")
	cmd.Flags().StringVar(&aliases, "aliases", "", "comma-separated search terms (default: the symbol)")
	cmd.Flags().StringVar(&kinds, "kinds", "comment,submission", "comma-separated kinds: comment, submission")
	cmd.Flags().IntVar(&sc.StartDays, "start-days", 0, "oldest window start, in days ago")
	cmd.Flags().IntVar(&sc.EndDays, "end-days", 0, "newest window end, in days ago")
	cmd.Flags().IntVar(&sc.DeltaDays, "delta-days", 0, "window length in days")
	cmd.Flags().IntVar(&sc.BatchSize, "batch-size", 0, "posts kept per window")
	cmd.MarkFlagsOneRequired("stock", "watchlist")
	cmd.MarkFlagsMutuallyExclusive("stock", "watchlist")
	return cmd
}

// ---------------------------------------------------------------------------
// macro
// ---------------------------------------------------------------------------

func newMacroCmd(a *app) *cobra.Command {
	var (
		series     string
		maturities string
		interval   string
		format     string
	)
	cmd := &cobra.Command{
		Use:   "macro",
		Short: "Download CPI, real GDP and treasury yields from AlphaVantage",
		RunE: func(cmd *cobra.Command, _ []string) error {
			if err := a.cfg.RequireAlphaVantage(); err != nil {
				return err
			}
			av := a.cfg.AlphaVantage
			client := macro.NewClient(macro.ClientConfig{
				BaseURL:      av.BaseURL,
				APIKey:       av.APIKey,
				RetryMax:     av.RetryMax,
				RetryWaitMin: av.RetryWaitMin,
				RetryWaitMax: av.RetryWaitMax,
			}, a.log)

			if format == "" {
				format = a.cfg.Storage.Format
			}
			sink, err := store.NewSink(format, "series")
			if err != nil {
				return err
			}
			g := macro.NewGatherer(client, macro.Config{
				Series:           splitList(series),
				Maturities:       splitList(maturities),
				TreasuryInterval: interval,
				RatePerMin:       av.RatePerMin,
			}, sink, filepath.Join(a.cfg.Storage.DataDir, "macro"), a.log)
			return g.Run(cmd.Context())
		},
	}
	cmd.Flags().StringVar(&series, "series", strings.Join(macro.AllSeries, ","), "comma-separated series")
	cmd.Flags().StringVar(&maturities, "maturities", strings.Join(macro.DefaultMaturities, ","), "treasury maturities to join")
	cmd.Flags().StringVar(&interval, "interval", "daily", "treasury yield interval: daily, weekly, monthly")
	cmd.Flags().StringVar(&format, "format", "", "artifact format: csv or parquet (default from config)")
	return cmd
}

// ---------------------------------------------------------------------------
// consolidate
// ---------------------------------------------------------------------------

var unsafeTableChars = regexp.MustCompile(`[^A-Za-z0-9_]+`)

func newConsolidateCmd(a *app) *cobra.Command {
	var series, table string
	cmd := &cobra.Command{
		Use:   "consolidate",
		Short: "Load every completed window of a series into one DuckDB table",
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx := cmd.Context()
			ledger, err := store.OpenLedger(a.cfg.Storage.SQLitePath)
			if err != nil {
				return err
			}
			defer ledger.Close()

			paths, err := ledger.CompletedPaths(ctx, series)
			if err != nil {
				return err
			}
			if len(paths) == 0 {
				return fmt.Errorf("no completed windows for series %q", series)
			}

			if table == "" {
				table = strings.ToLower(unsafeTableChars.ReplaceAllString(series, "_"))
			}
			if err := os.MkdirAll(filepath.Dir(a.cfg.Storage.DuckDBPath), 0o755); err != nil {
				return err
			}
			c, err := store.OpenConsolidator(a.cfg.Storage.DuckDBPath, a.log)
			if err != nil {
				return err
			}
			defer c.Close()

			n, err := c.Consolidate(ctx, table, paths)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "%s: %d rows from %d files\n", table, n, len(paths))
			return nil
		},
	}
	cmd.Flags().StringVar(&series, "series", "", "ledger series, e.g. bars_AAPL (required)")
	cmd.Flags().StringVar(&table, "table", "", "DuckDB table name (default derived from the series)")
	cmd.MarkFlagRequired("series")
	return cmd
}

// ---------------------------------------------------------------------------
// status
// ---------------------------------------------------------------------------

func newStatusCmd(a *app) *cobra.Command {
	var series string
	cmd := &cobra.Command{
		Use:   "status",
		Short: "Show the window ledger",
		RunE: func(cmd *cobra.Command, _ []string) error {
			if _, err := os.Stat(a.cfg.Storage.SQLitePath); errors.Is(err, os.ErrNotExist) {
				fmt.Fprintln(cmd.OutOrStdout(), "no ledger yet")
				return nil
			}
			ledger, err := store.OpenLedger(a.cfg.Storage.SQLitePath)
			if err != nil {
				return err
			}
			defer ledger.Close()

			recs, err := ledger.List(cmd.Context(), series)
			if err != nil {
				return err
			}

			tw := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
			fmt.Fprintln(tw, "SERIES\tSTART\tEND\tSTATUS\tROWS\tRUN\tUPDATED\tERROR")
			for _, r := range recs {
				fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%d\t%s\t%s\t%s\n",
					r.Series,
					r.Window.Start.Format("2006-01-02"),
					r.Window.End.Format("2006-01-02"),
					r.Status, r.Rows, shortID(r.RunID),
					r.UpdatedAt.Format("2006-01-02 15:04"),
					r.Error,
				)
			}
			return tw.Flush()
		},
	}
	cmd.Flags().StringVar(&series, "series", "", "only this series")
	return cmd
}

func shortID(id string) string {
	if len(id) > 8 {
		return id[:8]
	}
	return id
}
