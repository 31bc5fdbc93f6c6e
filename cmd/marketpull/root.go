package main

import (
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"marketpull/internal/config"
	"marketpull/internal/gather"
	"marketpull/internal/util"
)

// app carries what every subcommand needs once the root has run.
type app struct {
	cfgPath string
	logFile string
	envFile string

	cfg      *config.Config
	log      *slog.Logger
	closeLog func() error
}

func newRootCmd() *cobra.Command {
	a := &app{}
	root := &cobra.Command{
		Use:           "marketpull",
		Short:         "Rate-limited bulk downloads of market, social and macro data",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
			return a.init()
		},
		PersistentPostRunE: func(cmd *cobra.Command, _ []string) error {
			if a.closeLog != nil {
				return a.closeLog()
			}
			return nil
		},
	}

	root.PersistentFlags().StringVar(&a.cfgPath, "config", "", "config file (default $MARKETPULL_CONFIG or "+config.DefaultPath+")")
	root.PersistentFlags().StringVar(&a.logFile, "log-file", "", "also append logs to this file")
	root.PersistentFlags().StringVar(&a.envFile, "env-file", ".env", "dotenv file loaded before the config")

	root.AddCommand(
		newDownloadCmd(a),
		newBatchCmd(a),
		newRedditCmd(a),
		newMacroCmd(a),
		newConsolidateCmd(a),
		newStatusCmd(a),
	)
	return root
}

func (a *app) init() error {
	if err := config.LoadDotEnv(a.envFile); err != nil {
		return err
	}
	cfg, err := config.Load(config.Path(a.cfgPath))
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}

	w, closeLog, err := util.OpenLogOutput(a.logFile)
	if err != nil {
		return err
	}
	a.cfg = cfg
	a.closeLog = closeLog
	a.log = util.NewLogger(cfg.Logging.Level, cfg.Logging.Format, w)
	util.SetDefault(a.log)
	return nil
}

// requester builds the page requester from the download settings. A
// non-zero cooldown overrides the configured 429 cool-down.
func (a *app) requester(cooldown time.Duration) *gather.Requester {
	d := a.cfg.Download
	r := gather.NewRequester(a.log)
	r.RetryBudget = d.RetryBudget
	r.TransportBackoff = d.TransportBackoff
	r.RateLimitCooldown = d.RateLimitCooldown
	if cooldown > 0 {
		r.RateLimitCooldown = cooldown
	}
	if d.HTTPTimeout > 0 {
		r.HTTP.Timeout = d.HTTPTimeout
	}
	return r
}

func (a *app) downloadOptions() gather.DownloadOptions {
	return gather.DownloadOptions{
		ThrottleEvery:  a.cfg.Download.ThrottleEvery,
		ThrottleWindow: a.cfg.Download.ThrottleWindow,
		Log:            a.log,
	}
}

// parseTime accepts a date (2006-01-02, midnight UTC) or an RFC 3339 time.
func parseTime(s string) (time.Time, error) {
	if t, err := time.Parse("2006-01-02", s); err == nil {
		return t, nil
	}
	t, err := time.Parse(time.RFC3339, s)
	if err != nil {
		return time.Time{}, fmt.Errorf("invalid time %q: want 2006-01-02 or RFC 3339", s)
	}
	return t.UTC(), nil
}

// splitList splits a comma-separated flag value, dropping blanks.
func splitList(s string) []string {
	var out []string
	for _, part := range strings.Split(s, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}

// upperList is splitList with symbols upper-cased.
func upperList(s string) []string {
	out := splitList(s)
	for i := range out {
		out[i] = strings.ToUpper(out[i])
	}
	return out
}
