package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

// DefaultPath is used when neither --config nor MARKETPULL_CONFIG is set.
const DefaultPath = "config/marketpull.yaml"

// ---------------------------------------------------------------------------
// Configuration structs
// ---------------------------------------------------------------------------

// Config is the top-level configuration for marketpull.
type Config struct {
	Storage      Storage      `yaml:"storage"`
	Alpaca       Alpaca       `yaml:"alpaca"`
	AlphaVantage AlphaVantage `yaml:"alphavantage"`
	Logging      Logging      `yaml:"logging"`
	Download     Download     `yaml:"download"`
	Social       Social       `yaml:"social"`
}

// Storage holds paths for data persistence.
type Storage struct {
	DataDir    string `yaml:"data_dir"`
	SQLitePath string `yaml:"sqlite_path"`
	DuckDBPath string `yaml:"duckdb_path"`
	Format     string `yaml:"format"` // csv or parquet
}

// Alpaca holds credentials and endpoints for the Alpaca APIs.
type Alpaca struct {
	APIKey    string `yaml:"api_key"`
	APISecret string `yaml:"api_secret"`
	BaseURL   string `yaml:"base_url"`
	DataURL   string `yaml:"data_url"`
	Feed      string `yaml:"feed"`
}

// AlphaVantage configures the economic-series client.
type AlphaVantage struct {
	APIKey       string        `yaml:"api_key"`
	BaseURL      string        `yaml:"base_url"`
	RatePerMin   int           `yaml:"rate_per_min"`
	RetryMax     int           `yaml:"retry_max"`
	RetryWaitMin time.Duration `yaml:"retry_wait_min"`
	RetryWaitMax time.Duration `yaml:"retry_wait_max"`
}

// Logging configures the application logger.
type Logging struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

// Download tunes the paginated download engine.
type Download struct {
	RetryBudget       int           `yaml:"retry_budget"`
	RateLimitCooldown time.Duration `yaml:"rate_limit_cooldown"`
	TransportBackoff  time.Duration `yaml:"transport_backoff"`
	HTTPTimeout       time.Duration `yaml:"http_timeout"`
	ThrottleEvery     int           `yaml:"throttle_every"`
	ThrottleWindow    time.Duration `yaml:"throttle_window"`
	Step              string        `yaml:"step"`
}

// Social configures the Pushshift search gatherer.
type Social struct {
	BaseURL           string        `yaml:"base_url"`
	StartDays         int           `yaml:"start_days"`
	EndDays           int           `yaml:"end_days"`
	DeltaDays         int           `yaml:"delta_days"`
	BatchSize         int           `yaml:"batch_size"`
	MinInterval       time.Duration `yaml:"min_interval"`
	RateLimitCooldown time.Duration `yaml:"rate_limit_cooldown"`
}

// Default returns the built-in configuration.
func Default() *Config {
	return &Config{
		Storage: Storage{
			DataDir:    "data",
			SQLitePath: "data/marketpull.db",
			DuckDBPath: "data/marketpull.duckdb",
			Format:     "csv",
		},
		Alpaca: Alpaca{
			BaseURL: "https://api.alpaca.markets",
			DataURL: "https://data.alpaca.markets",
		},
		AlphaVantage: AlphaVantage{
			BaseURL:      "https://www.alphavantage.co",
			RatePerMin:   5,
			RetryMax:     4,
			RetryWaitMin: time.Second,
			RetryWaitMax: 30 * time.Second,
		},
		Logging: Logging{
			Level:  "info",
			Format: "text",
		},
		Download: Download{
			RetryBudget:       5,
			RateLimitCooldown: 10 * time.Second,
			TransportBackoff:  time.Second,
			HTTPTimeout:       30 * time.Second,
			ThrottleEvery:     200,
			ThrottleWindow:    60 * time.Second,
			Step:              "25w",
		},
		Social: Social{
			BaseURL:           "https://api.pushshift.io/reddit/search",
			StartDays:         4000,
			EndDays:           1,
			DeltaDays:         28,
			BatchSize:         100,
			MinInterval:       time.Second,
			RateLimitCooldown: 60 * time.Second,
		},
	}
}

// ---------------------------------------------------------------------------
// Loading
// ---------------------------------------------------------------------------

// Path returns the configuration path: flag if set, then MARKETPULL_CONFIG,
// then DefaultPath.
func Path(flag string) string {
	if flag != "" {
		return flag
	}
	if v := os.Getenv("MARKETPULL_CONFIG"); v != "" {
		return v
	}
	return DefaultPath
}

// LoadDotEnv loads variables from a .env file into the process environment.
// Variables already set are kept. A missing file is not an error.
func LoadDotEnv(path string) error {
	if _, err := os.Stat(path); errors.Is(err, fs.ErrNotExist) {
		return nil
	}
	if err := godotenv.Load(path); err != nil {
		return fmt.Errorf("loading %s: %w", path, err)
	}
	return nil
}

// Load reads the YAML configuration file at the given path over the
// defaults and then applies environment variable overrides. A missing file
// yields the defaults plus the environment.
func Load(path string) (*Config, error) {
	cfg := Default()

	data, err := os.ReadFile(path)
	switch {
	case errors.Is(err, fs.ErrNotExist):
	case err != nil:
		return nil, err
	default:
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("parsing %s: %w", path, err)
		}
	}

	applyEnvOverrides(cfg)

	return cfg, nil
}

// applyEnvOverrides checks well-known environment variables and overrides the
// corresponding configuration fields when they are set.
func applyEnvOverrides(cfg *Config) {
	if v := os.Getenv("DATA_DIR"); v != "" {
		cfg.Storage.DataDir = v
	}
	if v := os.Getenv("SQLITE_PATH"); v != "" {
		cfg.Storage.SQLitePath = v
	}
	if v := os.Getenv("DUCKDB_PATH"); v != "" {
		cfg.Storage.DuckDBPath = v
	}

	if v := os.Getenv("ALPACA_API_KEY"); v != "" {
		cfg.Alpaca.APIKey = v
	}
	if v := os.Getenv("ALPACA_API_SECRET"); v != "" {
		cfg.Alpaca.APISecret = v
	}
	if v := os.Getenv("ALPACA_BASE_URL"); v != "" {
		cfg.Alpaca.BaseURL = v
	}
	if v := os.Getenv("ALPACA_DATA_URL"); v != "" {
		cfg.Alpaca.DataURL = v
	}

	if v := os.Getenv("ALPHAVANTAGE_API_KEY"); v != "" {
		cfg.AlphaVantage.APIKey = v
	}

	if v := os.Getenv("LOG_LEVEL"); v != "" {
		cfg.Logging.Level = v
	}
	if v := os.Getenv("LOG_FORMAT"); v != "" {
		cfg.Logging.Format = v
	}

	// Standard Alpaca env vars (highest priority, the names the SDK reads).
	if v := os.Getenv("APCA_API_KEY_ID"); v != "" {
		cfg.Alpaca.APIKey = v
	}
	if v := os.Getenv("APCA_API_SECRET_KEY"); v != "" {
		cfg.Alpaca.APISecret = v
	}
}

// RequireAlpaca reports an error when the Alpaca key pair is incomplete.
func (c *Config) RequireAlpaca() error {
	if c.Alpaca.APIKey == "" || c.Alpaca.APISecret == "" {
		return errors.New("alpaca credentials missing: set APCA_API_KEY_ID and APCA_API_SECRET_KEY")
	}
	return nil
}

// RequireAlphaVantage reports an error when no AlphaVantage key is set.
func (c *Config) RequireAlphaVantage() error {
	if c.AlphaVantage.APIKey == "" {
		return errors.New("alphavantage key missing: set ALPHAVANTAGE_API_KEY")
	}
	return nil
}
