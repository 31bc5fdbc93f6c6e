package us

import (
	"context"
	"log/slog"

	"marketpull/internal/domain"
	"marketpull/internal/gather"
)

// Downloader downloads one data kind for a fixed symbol set, one window at a
// time. Its Window method is a gather.Job.
type Downloader struct {
	DataURL   string
	Creds     Credentials
	Kind      domain.DataKind
	Symbols   []string
	TimeFrame string
	Feed      string
	Requester *gather.Requester
	Options   gather.DownloadOptions
	Log       *slog.Logger
}

// Window downloads every page of w and returns its sorted rows.
func (d *Downloader) Window(ctx context.Context, w domain.Window) ([]domain.Row, error) {
	src, err := NewSource(d.DataURL, d.Creds, Request{
		Kind:      d.Kind,
		Symbols:   d.Symbols,
		Window:    w,
		TimeFrame: d.TimeFrame,
		Feed:      d.Feed,
	}, d.Requester)
	if err != nil {
		return nil, &gather.WindowError{Window: w, Err: err}
	}

	opts := d.Options
	if opts.Log == nil {
		opts.Log = d.logger()
	}
	return gather.Download(ctx, w, src, Normalizer{Kind: d.Kind, Symbols: d.Symbols}, opts)
}

func (d *Downloader) logger() *slog.Logger {
	log := d.Log
	if log == nil {
		log = slog.Default()
	}
	return log.With("gatherer", "us-"+string(d.Kind))
}
