package scraper

import (
	"fmt"
	"log/slog"
	"time"

	"github.com/caarlos0/env/v11"
)

// Config holds the scraper service settings. The service runs as its own
// binary and reads a separate CAMOUFOX_ environment namespace so that it can
// be deployed independently of the API server.
type Config struct {
	Port int `env:"CAMOUFOX_PORT" envDefault:"8843"`

	// BrowserCount is the number of long-lived browser instances in the pool.
	BrowserCount int `env:"CAMOUFOX_BROWSER_COUNT" envDefault:"3"`

	// MaxConcurrentPages bounds total in-flight scrapes across all browsers.
	MaxConcurrentPages int `env:"CAMOUFOX_MAX_CONCURRENT_PAGES" envDefault:"10"`

	// RecycleAfterRequests restarts a browser after it has served this many
	// scrapes. 0 disables recycling.
	RecycleAfterRequests int `env:"CAMOUFOX_RECYCLE_AFTER_REQUESTS" envDefault:"100"`

	DefaultTimeoutSeconds int `env:"CAMOUFOX_DEFAULT_TIMEOUT_SECONDS" envDefault:"60"`

	Headless bool `env:"CAMOUFOX_HEADLESS" envDefault:"true"`

	// ChromePath overrides the browser binary; empty lets rod manage its own.
	ChromePath string `env:"CAMOUFOX_CHROME_PATH" envDefault:""`

	// StabilityChecks is how many consecutive body-length samples must match
	// before the page is considered settled.
	StabilityChecks     int `env:"CAMOUFOX_STABILITY_CHECKS" envDefault:"3"`
	StabilityIntervalMs int `env:"CAMOUFOX_STABILITY_INTERVAL_MS" envDefault:"500"`

	ShutdownGraceSeconds int `env:"CAMOUFOX_SHUTDOWN_GRACE_SECONDS" envDefault:"30"`
}

// DefaultTimeout returns the per-scrape timeout used when the caller does not
// supply one.
func (c *Config) DefaultTimeout() time.Duration {
	return time.Duration(c.DefaultTimeoutSeconds) * time.Second
}

// StabilityInterval returns the delay between content-stability samples.
func (c *Config) StabilityInterval() time.Duration {
	return time.Duration(c.StabilityIntervalMs) * time.Millisecond
}

// ShutdownGrace returns how long shutdown waits for active pages to drain.
func (c *Config) ShutdownGrace() time.Duration {
	return time.Duration(c.ShutdownGraceSeconds) * time.Second
}

func (c *Config) Validate() error {
	if c.BrowserCount < 1 {
		return fmt.Errorf("CAMOUFOX_BROWSER_COUNT must be >= 1, got %d", c.BrowserCount)
	}
	if c.MaxConcurrentPages < 1 {
		return fmt.Errorf("CAMOUFOX_MAX_CONCURRENT_PAGES must be >= 1, got %d", c.MaxConcurrentPages)
	}
	if c.RecycleAfterRequests < 0 {
		return fmt.Errorf("CAMOUFOX_RECYCLE_AFTER_REQUESTS must be >= 0, got %d", c.RecycleAfterRequests)
	}
	if c.StabilityChecks < 1 {
		return fmt.Errorf("CAMOUFOX_STABILITY_CHECKS must be >= 1, got %d", c.StabilityChecks)
	}
	return nil
}

// NewConfig loads the scraper configuration from environment variables
func NewConfig(log *slog.Logger) (*Config, error) {
	cfg := &Config{}
	if err := env.Parse(cfg); err != nil {
		return nil, fmt.Errorf("failed to parse scraper config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid scraper config: %w", err)
	}

	log.Info("scraper configuration loaded",
		slog.Int("port", cfg.Port),
		slog.Int("browsers", cfg.BrowserCount),
		slog.Int("max_concurrent_pages", cfg.MaxConcurrentPages),
		slog.Bool("headless", cfg.Headless),
	)

	return cfg, nil
}
