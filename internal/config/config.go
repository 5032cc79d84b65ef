// Package config loads runtime configuration from the environment.
package config

import (
	"fmt"
	"time"

	"github.com/cristalhq/aconfig"
)

// Config holds every runtime knob. All fields are overridable through
// RSS_-prefixed environment variables (RSS_DB, RSS_PORT, ...).
type Config struct {
	DBPath        string        `env:"DB" default:"rss.db" usage:"path to the sqlite database"`
	Port          int           `env:"PORT" default:"8787" usage:"listen port"`
	UserAgent     string        `env:"UA" default:"localrss/0.5 (+local)" usage:"User-Agent for feed requests"`
	Concurrency   int           `env:"CONCURRENCY" default:"8" usage:"worker pool size for feed fetches"`
	LimitPerHost  int           `env:"LIMIT_PER_HOST" default:"2" usage:"max concurrent requests per host"`
	FetchTimeout  time.Duration `env:"TIMEOUT" default:"25s" usage:"per-request network timeout"`
	RetentionDays int           `env:"RETENTION_DAYS" default:"30" usage:"entries older than this are pruned"`
	SchedulerTick time.Duration `env:"TICK" default:"60s" usage:"background scheduler tick"`
	IntervalLow   time.Duration `env:"INTERVAL_LOW" default:"20m" usage:"poll interval for quiet feeds"`
	IntervalMed   time.Duration `env:"INTERVAL_MED" default:"1h" usage:"poll interval for normal feeds"`
	IntervalHigh  time.Duration `env:"INTERVAL_HIGH" default:"2h" usage:"poll interval for busy feeds"`
	LogLevel      string        `env:"LOG_LEVEL" default:"info" usage:"debug, info, warn or error"`
}

// Load reads the configuration from the environment and validates it.
func Load() (Config, error) {
	var cfg Config
	loader := aconfig.LoaderFor(&cfg, aconfig.Config{
		EnvPrefix: "RSS",
		SkipFlags: true,
		SkipFiles: true,
	})
	if err := loader.Load(); err != nil {
		return Config{}, fmt.Errorf("load config: %w", err)
	}
	if err := cfg.validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func (c Config) validate() error {
	if c.Concurrency < 1 {
		return fmt.Errorf("concurrency must be at least 1, got %d", c.Concurrency)
	}
	if c.LimitPerHost < 1 {
		return fmt.Errorf("per-host limit must be at least 1, got %d", c.LimitPerHost)
	}
	if c.FetchTimeout <= 0 {
		return fmt.Errorf("fetch timeout must be positive, got %s", c.FetchTimeout)
	}
	if c.RetentionDays < 1 {
		return fmt.Errorf("retention must be at least 1 day, got %d", c.RetentionDays)
	}
	return nil
}

// Retention returns the entry retention window as a duration.
func (c Config) Retention() time.Duration {
	return time.Duration(c.RetentionDays) * 24 * time.Hour
}
