package main

import (
	"errors"
	"fmt"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"marketpull/internal/domain"
	"marketpull/internal/gather"
	"marketpull/internal/gather/us"
	"marketpull/internal/store"
)

// marketFlags are shared by download and batch.
type marketFlags struct {
	kind      string
	symbols   string
	listFile  string
	timeframe string
	feed      string
	format    string
}

func (f *marketFlags) register(cmd *cobra.Command) {
	cmd.Flags().StringVar(&f.kind, "kind", "bars", "data kind: trades, bars or quotes")
	cmd.Flags().StringVar(&f.symbols, "symbols", "", "comma-separated symbols")
	cmd.Flags().StringVar(&f.listFile, "symbols-file", "", "watchlist CSV whose first column lists the symbols")
	cmd.Flags().StringVar(&f.timeframe, "timeframe", "1Min", "bar timeframe, e.g. 1Min, 1Hour, 1Day")
	cmd.Flags().StringVar(&f.feed, "feed", "", "data feed (default from config)")
	cmd.Flags().StringVar(&f.format, "format", "", "artifact format: csv or parquet (default from config)")
	cmd.MarkFlagsOneRequired("symbols", "symbols-file")
	cmd.MarkFlagsMutuallyExclusive("symbols", "symbols-file")
}

func (a *app) downloader(f *marketFlags) (*us.Downloader, error) {
	if err := a.cfg.RequireAlpaca(); err != nil {
		return nil, err
	}
	kind, err := domain.ParseDataKind(f.kind)
	if err != nil {
		return nil, err
	}
	symbols := upperList(f.symbols)
	if f.listFile != "" {
		if symbols, err = us.LoadSymbols(f.listFile); err != nil {
			return nil, err
		}
	}
	if len(symbols) == 0 {
		return nil, errors.New("no symbols given")
	}
	feed := f.feed
	if feed == "" {
		feed = a.cfg.Alpaca.Feed
	}
	return &us.Downloader{
		DataURL:   a.cfg.Alpaca.DataURL,
		Creds:     a.creds(),
		Kind:      kind,
		Symbols:   symbols,
		TimeFrame: f.timeframe,
		Feed:      feed,
		Requester: a.requester(0),
		Options:   a.downloadOptions(),
		Log:       a.log,
	}, nil
}

func (a *app) creds() us.Credentials {
	return us.Credentials{APIKey: a.cfg.Alpaca.APIKey, APISecret: a.cfg.Alpaca.APISecret}
}

func (a *app) sink(format string) (gather.Sink, error) {
	if format == "" {
		format = a.cfg.Storage.Format
	}
	return store.NewSink(format, store.DefaultKeyColumn)
}

// seriesName is the ledger key and file prefix for a kind and symbol set.
func seriesName(kind domain.DataKind, symbols []string) string {
	return string(kind) + "_" + strings.Join(symbols, "-")
}

// ---------------------------------------------------------------------------
// download
// ---------------------------------------------------------------------------

func newDownloadCmd(a *app) *cobra.Command {
	var (
		f          marketFlags
		start, end string
		out        string
	)
	cmd := &cobra.Command{
		Use:   "download",
		Short: "Download one window of Alpaca trades, bars or quotes",
		RunE: func(cmd *cobra.Command, _ []string) error {
			d, err := a.downloader(&f)
			if err != nil {
				return err
			}
			s, err := parseTime(start)
			if err != nil {
				return err
			}
			e, err := parseTime(end)
			if err != nil {
				return err
			}
			w, err := domain.NewWindow(s, e)
			if err != nil {
				return err
			}
			sink, err := a.sink(f.format)
			if err != nil {
				return err
			}

			rows, err := d.Window(cmd.Context(), w)
			if err != nil {
				return err
			}

			path := out
			if path == "" {
				name := fmt.Sprintf("%s_%s_%s%s", seriesName(d.Kind, d.Symbols),
					w.Start.Format("20060102T150405Z"), w.End.Format("20060102T150405Z"), sink.Ext())
				path = filepath.Join(a.cfg.Storage.DataDir, string(d.Kind), name)
			}
			if err := sink.WriteRows(path, rows); err != nil {
				return err
			}
			a.log.Info("download complete", "window", w.String(), "rows", len(rows), "path", path)
			return nil
		},
	}
	f.register(cmd)
	cmd.Flags().StringVar(&start, "start", "", "window start (2006-01-02 or RFC 3339)")
	cmd.Flags().StringVar(&end, "end", "", "window end (2006-01-02 or RFC 3339)")
	cmd.Flags().StringVar(&out, "out", "", "output file (default under the data dir)")
	cmd.MarkFlagRequired("start")
	cmd.MarkFlagRequired("end")
	return cmd
}

// ---------------------------------------------------------------------------
// batch
// ---------------------------------------------------------------------------

func newBatchCmd(a *app) *cobra.Command {
	var (
		f          marketFlags
		start, end string
		step       string
		probe      bool
		noLedger   bool
	)
	cmd := &cobra.Command{
		Use:   "batch",
		Short: "Download a long date range window by window, one artifact per window",
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx := cmd.Context()
			d, err := a.downloader(&f)
			if err != nil {
				return err
			}

			e, err := a.resolveEnd(end)
			if err != nil {
				return err
			}
			s, err := a.resolveStart(start, probe, d, e)
			if err != nil {
				return err
			}
			if step == "" {
				step = a.cfg.Download.Step
			}
			st, err := gather.ParseStep(step)
			if err != nil {
				return err
			}
			cursor, err := gather.NewDateCursor(s, e, st)
			if err != nil {
				return err
			}
			sink, err := a.sink(f.format)
			if err != nil {
				return err
			}

			var ledger gather.Ledger
			if !noLedger {
				l, err := store.OpenLedger(a.cfg.Storage.SQLitePath)
				if err != nil {
					return err
				}
				defer l.Close()
				ledger = l
			}

			series := seriesName(d.Kind, d.Symbols)
			b := gather.NewBatch(gather.BatchConfig{
				Series: series,
				Dir:    filepath.Join(a.cfg.Storage.DataDir, string(d.Kind)),
				Prefix: series,
				Cursor: cursor,
				Job:    d.Window,
				Sink:   sink,
				Ledger: ledger,
				Log:    a.log,
			})
			a.log.Info("starting batch", "series", series, "start", s, "end", e, "step", st.String(), "run", b.RunID())
			return b.Run(ctx)
		},
	}
	f.register(cmd)
	cmd.Flags().StringVar(&start, "start", "", "range start (2006-01-02 or RFC 3339)")
	cmd.Flags().StringVar(&end, "end", "latest", `range end, or "latest" for the last finished trading day`)
	cmd.Flags().StringVar(&step, "step", "", "window length, e.g. 25w, 7d, 3mo, 36h (default from config)")
	cmd.Flags().BoolVar(&probe, "probe", false, "start at the first day with data for the first symbol")
	cmd.Flags().BoolVar(&noLedger, "no-ledger", false, "do not record or skip windows in the SQLite ledger")
	return cmd
}

func (a *app) resolveEnd(end string) (time.Time, error) {
	if end != "latest" {
		return parseTime(end)
	}
	cal := us.NewCalendarClient(a.creds(), a.cfg.Alpaca.BaseURL)
	day, err := us.LatestFinishedTradingDay(cal, time.Now())
	if err != nil {
		return time.Time{}, err
	}
	// The range end is exclusive; include the whole finished day.
	return day.AddDate(0, 0, 1), nil
}

func (a *app) resolveStart(start string, probe bool, d *us.Downloader, end time.Time) (time.Time, error) {
	if start != "" && probe {
		return time.Time{}, errors.New("--start and --probe are mutually exclusive")
	}
	if start != "" {
		return parseTime(start)
	}
	if !probe {
		return time.Time{}, errors.New("one of --start or --probe is required")
	}
	client := us.NewBarsClient(a.creds(), a.cfg.Alpaca.DataURL)
	first, err := us.FirstAvailable(client, d.Symbols[0], d.Feed, end)
	if err != nil {
		return time.Time{}, err
	}
	a.log.Info("first available day", "symbol", d.Symbols[0], "date", first.Format("2006-01-02"))
	return first, nil
}
