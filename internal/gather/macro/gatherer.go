package macro

import (
	"context"
	"fmt"
	"log/slog"
	"net/url"
	"path/filepath"
	"strings"
	"time"

	"golang.org/x/sync/errgroup"
	"golang.org/x/time/rate"

	"marketpull/internal/domain"
	"marketpull/internal/gather"
)

// Series names accepted by Gatherer.
const (
	SeriesCPI      = "cpi"
	SeriesRealGDP  = "real_gdp"
	SeriesTreasury = "treasury_yields"
)

// AllSeries lists every series in download order.
var AllSeries = []string{SeriesCPI, SeriesRealGDP, SeriesTreasury}

// DefaultMaturities are the treasury maturities joined into one table.
var DefaultMaturities = []string{"3month", "2year", "5year", "7year", "10year", "30year"}

// Config selects what Gatherer downloads.
type Config struct {
	Series           []string // defaults to AllSeries
	Maturities       []string // defaults to DefaultMaturities
	TreasuryInterval string   // daily, weekly or monthly; defaults to daily
	RatePerMin       int      // request pacing; 0 disables it
}

// Gatherer downloads economic series and writes one artifact per series to
// Dir through Sink.
type Gatherer struct {
	client  *Client
	cfg     Config
	sink    gather.Sink
	dir     string
	limiter *rate.Limiter
	log     *slog.Logger
}

var _ gather.Gatherer = (*Gatherer)(nil)

// NewGatherer creates a Gatherer.
func NewGatherer(client *Client, cfg Config, sink gather.Sink, dir string, log *slog.Logger) *Gatherer {
	if len(cfg.Series) == 0 {
		cfg.Series = AllSeries
	}
	if len(cfg.Maturities) == 0 {
		cfg.Maturities = DefaultMaturities
	}
	if cfg.TreasuryInterval == "" {
		cfg.TreasuryInterval = "daily"
	}
	if log == nil {
		log = slog.Default()
	}
	limit := rate.Inf
	if cfg.RatePerMin > 0 {
		limit = rate.Every(time.Minute / time.Duration(cfg.RatePerMin))
	}
	return &Gatherer{
		client:  client,
		cfg:     cfg,
		sink:    sink,
		dir:     dir,
		limiter: rate.NewLimiter(limit, 1),
		log:     log.With("gatherer", "macro"),
	}
}

// Name returns the gatherer identifier.
func (g *Gatherer) Name() string { return "macro" }

// Path returns the artifact path for a series.
func (g *Gatherer) Path(series string) string {
	return filepath.Join(g.dir, series+g.sink.Ext())
}

// Run downloads and writes each configured series. The first failure stops
// the run; series written before it stay on disk.
func (g *Gatherer) Run(ctx context.Context) error {
	for _, s := range g.cfg.Series {
		rows, err := g.Series(ctx, s)
		if err != nil {
			return fmt.Errorf("series %s: %w", s, err)
		}
		if err := g.sink.WriteRows(g.Path(s), rows); err != nil {
			return fmt.Errorf("writing %s: %w", s, err)
		}
		g.log.Info("series written", "series", s, "rows", len(rows), "path", g.Path(s))
	}
	return nil
}

// Series downloads one series by name.
func (g *Gatherer) Series(ctx context.Context, name string) ([]domain.Row, error) {
	switch strings.ToLower(name) {
	case SeriesCPI:
		return g.single(ctx, "CPI", url.Values{"interval": {"monthly"}})
	case SeriesRealGDP:
		return g.single(ctx, "REAL_GDP", url.Values{"interval": {"quarterly"}})
	case SeriesTreasury:
		return g.TreasuryYields(ctx)
	default:
		return nil, fmt.Errorf("unknown series %q", name)
	}
}

func (g *Gatherer) single(ctx context.Context, function string, params url.Values) ([]domain.Row, error) {
	if err := g.limiter.Wait(ctx); err != nil {
		return nil, err
	}
	points, err := g.client.Query(ctx, function, params)
	if err != nil {
		return nil, err
	}
	rows := make([]domain.Row, len(points))
	for i, p := range points {
		rows[i] = domain.Row{Timestamp: p.Date, Key: function, Fields: map[string]any{"value": p.Value}}
	}
	domain.SortRows(rows)
	return rows, nil
}

// TreasuryYields fetches every maturity concurrently, paced by the rate
// limiter, and joins them by date. Only dates present in every maturity are
// kept; each row has one column per maturity.
func (g *Gatherer) TreasuryYields(ctx context.Context) ([]domain.Row, error) {
	results := make([][]Point, len(g.cfg.Maturities))

	eg, egCtx := errgroup.WithContext(ctx)
	for i, m := range g.cfg.Maturities {
		eg.Go(func() error {
			if err := g.limiter.Wait(egCtx); err != nil {
				return err
			}
			points, err := g.client.Query(egCtx, "TREASURY_YIELD", url.Values{
				"interval": {g.cfg.TreasuryInterval},
				"maturity": {m},
			})
			if err != nil {
				return fmt.Errorf("maturity %s: %w", m, err)
			}
			g.log.Debug("maturity fetched", "maturity", m, "points", len(points))
			results[i] = points
			return nil
		})
	}
	if err := eg.Wait(); err != nil {
		return nil, err
	}

	return joinByDate(g.cfg.Maturities, results), nil
}

// joinByDate inner-joins the series on date.
func joinByDate(names []string, series [][]Point) []domain.Row {
	if len(series) == 0 {
		return nil
	}
	byDate := make(map[time.Time]map[string]any)
	for _, p := range series[0] {
		byDate[p.Date] = map[string]any{names[0]: p.Value}
	}
	for i := 1; i < len(series); i++ {
		present := make(map[time.Time]bool, len(series[i]))
		for _, p := range series[i] {
			if fields, ok := byDate[p.Date]; ok {
				fields[names[i]] = p.Value
				present[p.Date] = true
			}
		}
		for d := range byDate {
			if !present[d] {
				delete(byDate, d)
			}
		}
	}

	rows := make([]domain.Row, 0, len(byDate))
	for d, fields := range byDate {
		rows = append(rows, domain.Row{Timestamp: d, Key: "TREASURY_YIELD", Fields: fields})
	}
	domain.SortRows(rows)
	return rows
}
