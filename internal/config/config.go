package config

import (
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/robfig/cron/v3"
	"github.com/shopspring/decimal"
	"gopkg.in/yaml.v3"

	"github.com/propdesk/challenge-engine/internal/rules"
)

// FeedConfig configures one market data feed family.
type FeedConfig struct {
	Disabled bool          `yaml:"disabled"`
	Interval time.Duration `yaml:"interval"`
	Timeout  time.Duration `yaml:"timeout"`
	BaseURL  string        `yaml:"base_url"`
	Symbols  []string      `yaml:"symbols"` // empty means the built-in list
}

// Config holds all application configuration.
type Config struct {
	Server struct {
		Port     string `yaml:"port"`
		LogLevel string `yaml:"log_level"`
	} `yaml:"server"`
	Store struct {
		DatabaseURL string        `yaml:"database_url"`
		RedisURL    string        `yaml:"redis_url"`
		SQLitePath  string        `yaml:"sqlite_path"`
		CacheTTL    time.Duration `yaml:"cache_ttl"`
	} `yaml:"store"`
	Monitor struct {
		CheckInterval time.Duration `yaml:"check_interval"`
		SnapshotCron  string        `yaml:"snapshot_cron"`
		Timezone      string        `yaml:"timezone"`
	} `yaml:"monitor"`
	Rules struct {
		DailyLossPct     float64 `yaml:"daily_loss_pct"`
		TotalDrawdownPct float64 `yaml:"total_drawdown_pct"`
		ProfitTargetPct  float64 `yaml:"profit_target_pct"`
	} `yaml:"rules"`
	Feeds struct {
		Crypto   FeedConfig `yaml:"crypto"`
		Exchange FeedConfig `yaml:"exchange"`
	} `yaml:"feeds"`
}

// Load reads config from a YAML file, then a .env file, then applies
// environment variable overrides and defaults. Missing files are not errors.
func Load(path string) (*Config, error) {
	cfg := &Config{}

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil && !errors.Is(err, fs.ErrNotExist) {
			return nil, fmt.Errorf("read config: %w", err)
		}
		if len(data) > 0 {
			if err := yaml.Unmarshal(data, cfg); err != nil {
				return nil, fmt.Errorf("parse config: %w", err)
			}
		}
	}

	// .env never overrides variables already set in the environment.
	if err := godotenv.Load(); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return nil, fmt.Errorf("load .env: %w", err)
	}

	if err := cfg.applyEnv(); err != nil {
		return nil, err
	}
	cfg.applyDefaults()
	return cfg, nil
}

// Default returns a configuration with every default applied.
func Default() *Config {
	cfg := &Config{}
	cfg.applyDefaults()
	return cfg
}

func (c *Config) applyEnv() error {
	str := func(key string, dst *string) {
		if v := os.Getenv(key); v != "" {
			*dst = v
		}
	}
	dur := func(key string, dst *time.Duration) error {
		v := os.Getenv(key)
		if v == "" {
			return nil
		}
		d, err := time.ParseDuration(v)
		if err != nil {
			return fmt.Errorf("env %s: %w", key, err)
		}
		*dst = d
		return nil
	}
	num := func(key string, dst *float64) error {
		v := os.Getenv(key)
		if v == "" {
			return nil
		}
		f, err := strconv.ParseFloat(v, 64)
		if err != nil {
			return fmt.Errorf("env %s: %w", key, err)
		}
		*dst = f
		return nil
	}

	str("PORT", &c.Server.Port)
	str("LOG_LEVEL", &c.Server.LogLevel)
	str("DATABASE_URL", &c.Store.DatabaseURL)
	str("REDIS_URL", &c.Store.RedisURL)
	str("SQLITE_PATH", &c.Store.SQLitePath)
	str("SNAPSHOT_CRON", &c.Monitor.SnapshotCron)
	str("TZ_NAME", &c.Monitor.Timezone)
	str("CRYPTO_BASE_URL", &c.Feeds.Crypto.BaseURL)
	str("EXCHANGE_BASE_URL", &c.Feeds.Exchange.BaseURL)

	for _, e := range []error{
		dur("CACHE_TTL", &c.Store.CacheTTL),
		dur("CHECK_INTERVAL", &c.Monitor.CheckInterval),
		dur("CRYPTO_INTERVAL", &c.Feeds.Crypto.Interval),
		dur("EXCHANGE_INTERVAL", &c.Feeds.Exchange.Interval),
		num("DAILY_LOSS_PCT", &c.Rules.DailyLossPct),
		num("TOTAL_DRAWDOWN_PCT", &c.Rules.TotalDrawdownPct),
		num("PROFIT_TARGET_PCT", &c.Rules.ProfitTargetPct),
	} {
		if e != nil {
			return e
		}
	}
	return nil
}

func (c *Config) applyDefaults() {
	if c.Server.Port == "" {
		c.Server.Port = "8080"
	}
	if c.Server.LogLevel == "" {
		c.Server.LogLevel = "info"
	}
	if c.Store.CacheTTL == 0 {
		c.Store.CacheTTL = 30 * time.Second
	}
	if c.Monitor.CheckInterval == 0 {
		c.Monitor.CheckInterval = 30 * time.Second
	}
	if c.Monitor.SnapshotCron == "" {
		c.Monitor.SnapshotCron = "0 0 0 * * *"
	}
	if c.Monitor.Timezone == "" {
		c.Monitor.Timezone = "Local"
	}
	if c.Rules.DailyLossPct == 0 {
		c.Rules.DailyLossPct = 5
	}
	if c.Rules.TotalDrawdownPct == 0 {
		c.Rules.TotalDrawdownPct = 10
	}
	if c.Rules.ProfitTargetPct == 0 {
		c.Rules.ProfitTargetPct = 10
	}
	feedDefaults(&c.Feeds.Crypto, 60*time.Second)
	feedDefaults(&c.Feeds.Exchange, 120*time.Second)
}

func feedDefaults(f *FeedConfig, interval time.Duration) {
	if f.Interval == 0 {
		f.Interval = interval
	}
	if f.Timeout == 0 {
		f.Timeout = 15 * time.Second
	}
}

// Validate checks that the loaded values are usable.
func (c *Config) Validate() error {
	if _, err := strconv.Atoi(c.Server.Port); err != nil {
		return fmt.Errorf("server.port must be numeric, got %q", c.Server.Port)
	}
	if _, err := c.SlogLevel(); err != nil {
		return err
	}
	if c.Monitor.CheckInterval < time.Second {
		return fmt.Errorf("monitor.check_interval must be at least 1s")
	}
	parser := cron.NewParser(cron.Second | cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor)
	if _, err := parser.Parse(c.Monitor.SnapshotCron); err != nil {
		return fmt.Errorf("monitor.snapshot_cron: %w", err)
	}
	if _, err := time.LoadLocation(c.Monitor.Timezone); err != nil {
		return fmt.Errorf("monitor.timezone: %w", err)
	}
	if err := c.Thresholds().Validate(); err != nil {
		return err
	}
	for name, f := range map[string]FeedConfig{"crypto": c.Feeds.Crypto, "exchange": c.Feeds.Exchange} {
		if f.Disabled {
			continue
		}
		if f.Interval <= 0 {
			return fmt.Errorf("feeds.%s.interval must be positive", name)
		}
		if f.Timeout <= 0 {
			return fmt.Errorf("feeds.%s.timeout must be positive", name)
		}
	}
	return nil
}

// Thresholds converts the rule percentages to the evaluator's form.
func (c *Config) Thresholds() rules.Thresholds {
	return rules.Thresholds{
		DailyLossPct:     decimal.NewFromFloat(c.Rules.DailyLossPct),
		TotalDrawdownPct: decimal.NewFromFloat(c.Rules.TotalDrawdownPct),
		ProfitTargetPct:  decimal.NewFromFloat(c.Rules.ProfitTargetPct),
	}
}

// Location resolves the monitor timezone. "Local" (the default) is the
// process-local clock, which is also the fallback.
func (c *Config) Location() *time.Location {
	loc, err := time.LoadLocation(c.Monitor.Timezone)
	if err != nil {
		return time.Local
	}
	return loc
}

// SlogLevel maps log_level to a slog.Level.
func (c *Config) SlogLevel() (slog.Level, error) {
	switch strings.ToLower(c.Server.LogLevel) {
	case "debug":
		return slog.LevelDebug, nil
	case "info", "":
		return slog.LevelInfo, nil
	case "warn", "warning":
		return slog.LevelWarn, nil
	case "error":
		return slog.LevelError, nil
	}
	return slog.LevelInfo, fmt.Errorf("server.log_level: unknown level %q", c.Server.LogLevel)
}
