package core

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"time"
)

// Default configuration values. Environment variables override these;
// functional options override the environment.
const (
	DefaultPollInterval    = 10 * time.Second
	DefaultMaxConcurrent   = 2
	DefaultBudgetLimitUSD  = 5.0
	DefaultFreshnessWindow = 60 * time.Second
	DefaultProviderTimeout = 120 * time.Second
)

// Config holds service-wide configuration assembled from defaults,
// environment variables, and functional options, in that order.
type Config struct {
	// Name identifies the service instance in logs and metrics
	Name string

	// DataRoot is the base directory for all persisted state:
	// events/, costs/, jobs/runs/, workflows/
	DataRoot string

	// PollInterval is the delay between pending-job queue checks
	PollInterval time.Duration

	// MaxConcurrent bounds the number of simultaneously running pipelines
	MaxConcurrent int

	// BudgetLimitUSD is the per-job cost cap
	BudgetLimitUSD float64

	// FreshnessWindow is the recency threshold below which a running
	// progress record is considered owned by the current process
	FreshnessWindow time.Duration

	// ProviderTimeout is the wall-clock deadline applied to each provider call
	ProviderTimeout time.Duration

	// RedisURL enables the Redis job store when set
	RedisURL string

	// SlackWebhookURL enables Slack delivery of critical alerts when set
	SlackWebhookURL string

	Logging LoggingConfig

	logger Logger
}

// LoggingConfig controls the production logger.
type LoggingConfig struct {
	Level  string // debug | info | warn | error
	Format string // json | text
	Output string // stdout | stderr
}

// Option configures a Config
type Option func(*Config) error

// DefaultConfig returns the baseline configuration
func DefaultConfig() *Config {
	return &Config{
		Name:            "conductor",
		DataRoot:        "/var/lib/conductor",
		PollInterval:    DefaultPollInterval,
		MaxConcurrent:   DefaultMaxConcurrent,
		BudgetLimitUSD:  DefaultBudgetLimitUSD,
		FreshnessWindow: DefaultFreshnessWindow,
		ProviderTimeout: DefaultProviderTimeout,
		Logging: LoggingConfig{
			Level:  "info",
			Format: "json",
			Output: "stdout",
		},
	}
}

// NewConfig builds a Config from defaults, environment, and options.
//
//	cfg, err := core.NewConfig(
//	    core.WithDataRoot("/data"),
//	    core.WithMaxConcurrent(4),
//	)
func NewConfig(opts ...Option) (*Config, error) {
	cfg := DefaultConfig()

	if err := cfg.LoadFromEnv(); err != nil {
		return nil, fmt.Errorf("failed to load env config: %w", err)
	}

	for _, opt := range opts {
		if err := opt(cfg); err != nil {
			return nil, fmt.Errorf("failed to apply option: %w", err)
		}
	}

	if cfg.logger == nil {
		cfg.logger = NewProductionLogger(cfg.Logging, cfg.Name)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return cfg, nil
}

// LoadFromEnv applies environment variable overrides.
func (c *Config) LoadFromEnv() error {
	if v := os.Getenv("DATA_ROOT"); v != "" {
		c.DataRoot = v
	}
	if v := os.Getenv("MAX_CONCURRENT"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n <= 0 {
			return fmt.Errorf("MAX_CONCURRENT must be a positive integer, got %q: %w", v, ErrInvalidConfiguration)
		}
		c.MaxConcurrent = n
	}
	if v := os.Getenv("POLL_INTERVAL_S"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n <= 0 {
			return fmt.Errorf("POLL_INTERVAL_S must be a positive integer, got %q: %w", v, ErrInvalidConfiguration)
		}
		c.PollInterval = time.Duration(n) * time.Second
	}
	if v := os.Getenv("BUDGET_LIMIT_USD"); v != "" {
		f, err := strconv.ParseFloat(v, 64)
		if err != nil || f <= 0 {
			return fmt.Errorf("BUDGET_LIMIT_USD must be a positive number, got %q: %w", v, ErrInvalidConfiguration)
		}
		c.BudgetLimitUSD = f
	}
	if v := os.Getenv("FRESHNESS_WINDOW_S"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n <= 0 {
			return fmt.Errorf("FRESHNESS_WINDOW_S must be a positive integer, got %q: %w", v, ErrInvalidConfiguration)
		}
		c.FreshnessWindow = time.Duration(n) * time.Second
	}
	if v := os.Getenv("REDIS_URL"); v != "" {
		c.RedisURL = v
	}
	if v := os.Getenv("SLACK_WEBHOOK_URL"); v != "" {
		c.SlackWebhookURL = v
	}
	if v := os.Getenv("LOG_LEVEL"); v != "" {
		c.Logging.Level = v
	}
	if v := os.Getenv("LOG_FORMAT"); v != "" {
		c.Logging.Format = v
	}
	return nil
}

// Validate checks the assembled configuration.
func (c *Config) Validate() error {
	if c.DataRoot == "" {
		return fmt.Errorf("data root is required: %w", ErrMissingConfiguration)
	}
	if c.MaxConcurrent <= 0 {
		return fmt.Errorf("max concurrent must be positive: %w", ErrInvalidConfiguration)
	}
	if c.PollInterval <= 0 {
		return fmt.Errorf("poll interval must be positive: %w", ErrInvalidConfiguration)
	}
	if c.BudgetLimitUSD <= 0 {
		return fmt.Errorf("budget limit must be positive: %w", ErrInvalidConfiguration)
	}
	switch c.Logging.Level {
	case "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("unknown log level %q: %w", c.Logging.Level, ErrInvalidConfiguration)
	}
	return nil
}

// Logger returns the configured logger.
func (c *Config) Logger() Logger {
	if c.logger == nil {
		return &NoOpLogger{}
	}
	return c.logger
}

// EnsureDataDirs creates the persisted-state layout under DataRoot.
func (c *Config) EnsureDataDirs() error {
	for _, dir := range []string{
		filepath.Join(c.DataRoot, "events"),
		filepath.Join(c.DataRoot, "costs"),
		filepath.Join(c.DataRoot, "jobs", "runs"),
		filepath.Join(c.DataRoot, "workflows", "definitions"),
		filepath.Join(c.DataRoot, "workflows", "executions"),
		filepath.Join(c.DataRoot, "workflows", "logs"),
	} {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("failed to create %s: %w", dir, err)
		}
	}
	return nil
}

// WithDataRoot sets the persisted-state base directory
func WithDataRoot(path string) Option {
	return func(c *Config) error {
		if path == "" {
			return fmt.Errorf("data root cannot be empty: %w", ErrInvalidConfiguration)
		}
		c.DataRoot = path
		return nil
	}
}

// WithName sets the service instance name
func WithName(name string) Option {
	return func(c *Config) error {
		c.Name = name
		return nil
	}
}

// WithPollInterval sets the pending-job poll interval
func WithPollInterval(d time.Duration) Option {
	return func(c *Config) error {
		if d <= 0 {
			return fmt.Errorf("poll interval must be positive: %w", ErrInvalidConfiguration)
		}
		c.PollInterval = d
		return nil
	}
}

// WithMaxConcurrent sets the pipeline concurrency bound
func WithMaxConcurrent(n int) Option {
	return func(c *Config) error {
		if n <= 0 {
			return fmt.Errorf("max concurrent must be positive: %w", ErrInvalidConfiguration)
		}
		c.MaxConcurrent = n
		return nil
	}
}

// WithBudgetLimit sets the per-job budget cap in USD
func WithBudgetLimit(usd float64) Option {
	return func(c *Config) error {
		if usd <= 0 {
			return fmt.Errorf("budget limit must be positive: %w", ErrInvalidConfiguration)
		}
		c.BudgetLimitUSD = usd
		return nil
	}
}

// WithFreshnessWindow sets the crash-recovery staleness threshold
func WithFreshnessWindow(d time.Duration) Option {
	return func(c *Config) error {
		if d <= 0 {
			return fmt.Errorf("freshness window must be positive: %w", ErrInvalidConfiguration)
		}
		c.FreshnessWindow = d
		return nil
	}
}

// WithLogger injects a pre-built logger
func WithLogger(logger Logger) Option {
	return func(c *Config) error {
		c.logger = logger
		return nil
	}
}
