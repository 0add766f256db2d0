package common

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/pelletier/go-toml/v2"
)

// Config represents the application configuration
type Config struct {
	Environment string        `toml:"environment"` // "development" or "production"
	Server      ServerConfig  `toml:"server"`
	Queue       QueueConfig   `toml:"queue"`
	Storage     StorageConfig `toml:"storage"`
	Portal      PortalConfig  `toml:"portal"`
	Browser     BrowserConfig `toml:"browser"`
	Retry       RetryConfig   `toml:"retry"`
	Janitor     JanitorConfig `toml:"janitor"`
	Logging     LoggingConfig `toml:"logging"`
}

type ServerConfig struct {
	Port int    `toml:"port"`
	Host string `toml:"host"`
}

type QueueConfig struct {
	PollInterval      string `toml:"poll_interval"`      // e.g., "1s" - how often workers poll for messages
	Concurrency       int    `toml:"concurrency"`        // Number of concurrent order workers
	VisibilityTimeout string `toml:"visibility_timeout"` // e.g., "11m" - message visibility timeout for redelivery
	MaxReceive        int    `toml:"max_receive"`        // Max times a message can be received before dead-letter
	SoftTimeLimit     string `toml:"soft_time_limit"`    // Per-order cooperative deadline
	HardTimeLimit     string `toml:"hard_time_limit"`    // Per-order kill deadline
	BatchTimeLimit    string `toml:"batch_time_limit"`   // Batch dispatch deadline
}

type StorageConfig struct {
	Badger     BadgerConfig `toml:"badger"`
	Screenshot string       `toml:"screenshot_dir"` // Directory for error screenshots
}

// BadgerConfig represents BadgerDB-specific configuration
type BadgerConfig struct {
	Path           string `toml:"path"`             // Database directory path
	ResetOnStartup bool   `toml:"reset_on_startup"` // Delete database on startup for clean test runs
}

// PortalConfig holds the portal endpoint and supervisor credentials.
// Secrets come from environment variables, never from the config file.
type PortalConfig struct {
	LoginURL string `toml:"login_url"`
	UserCode string `toml:"-"`
	Password string `toml:"-"`
}

// BrowserConfig contains browser session knobs
type BrowserConfig struct {
	Headless          bool          `toml:"headless"`
	StepTimeout       time.Duration `toml:"step_timeout"` // Per-step element wait (default 60s)
	SlowMo            time.Duration `toml:"slow_mo"`      // Artificial delay between actions
	UserAgent         string        `toml:"user_agent"`
	Locale            string        `toml:"locale"`
	Timezone          string        `toml:"timezone"`
	ProxyURL          string        `toml:"-"` // From HTTP_PROXY / HTTPS_PROXY only
	ScreenshotOnError bool          `toml:"screenshot_on_error"`
}

// RetryConfig contains the order retry policy defaults
type RetryConfig struct {
	MaxRetries int    `toml:"max_retries"` // Automatic retry budget per order
	RetryDelay string `toml:"retry_delay"` // Base countdown; multiplied by retry_count (linear backoff)
}

// JanitorConfig controls the stale-order reaper
type JanitorConfig struct {
	Enabled  bool   `toml:"enabled"`
	Schedule string `toml:"schedule"`  // Cron schedule format
	StaleAge string `toml:"stale_age"` // in_progress older than this with no heartbeat gets requeued once
}

type LoggingConfig struct {
	Level  string   `toml:"level"`  // "debug", "info", "warn", "error"
	Format string   `toml:"format"` // "json" or "text"
	Output []string `toml:"output"` // "stdout", "file"
}

// NewDefaultConfig creates a configuration with default values.
// Technical parameters are hardcoded here for production stability; only
// user-facing settings should be exposed in despacho.toml.
func NewDefaultConfig() *Config {
	return &Config{
		Environment: "development",
		Server: ServerConfig{
			Port: 8080,
			Host: "localhost",
		},
		Queue: QueueConfig{
			PollInterval:      "1s",
			Concurrency:       3, // One browser session per worker; keep this small
			VisibilityTimeout: "11m",
			MaxReceive:        2, // One redelivery after a lost worker, then dead-letter
			SoftTimeLimit:     "9m",
			HardTimeLimit:     "10m",
			BatchTimeLimit:    "1h",
		},
		Storage: StorageConfig{
			Badger: BadgerConfig{
				Path: "./data",
			},
			Screenshot: "./data/screenshots",
		},
		Portal: PortalConfig{
			LoginURL: "",
		},
		Browser: BrowserConfig{
			Headless:          true,
			StepTimeout:       60 * time.Second,
			SlowMo:            0,
			UserAgent:         "Mozilla/5.0 (Windows NT 10.0; Win64; x64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/120.0.0.0 Safari/537.36",
			Locale:            "es-CL",
			Timezone:          "America/Santiago",
			ScreenshotOnError: true,
		},
		Retry: RetryConfig{
			MaxRetries: 3,
			RetryDelay: "60s",
		},
		Janitor: JanitorConfig{
			Enabled:  true,
			Schedule: "0 */2 * * * *", // Every 2 minutes (cron format with seconds)
			StaleAge: "12m",
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "text",
			Output: []string{"stdout", "file"},
		},
	}
}

// LoadFromFiles loads configuration from multiple files with priority:
// default -> file1 -> file2 -> ... -> env -> CLI. Later files override
// earlier files.
func LoadFromFiles(paths ...string) (*Config, error) {
	config := NewDefaultConfig()

	for i, path := range paths {
		if path == "" {
			continue
		}

		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("failed to read config file %s: %w", path, err)
		}

		if err := toml.Unmarshal(data, config); err != nil {
			return nil, fmt.Errorf("failed to parse config file %s (file %d of %d): %w", path, i+1, len(paths), err)
		}
	}

	applyEnvOverrides(config)

	return config, nil
}

// applyEnvOverrides applies environment variable overrides to config
func applyEnvOverrides(config *Config) {
	if env := os.Getenv("DESPACHO_ENV"); env != "" {
		config.Environment = env
	} else if env := os.Getenv("GO_ENV"); env != "" {
		config.Environment = env
	}

	// Server configuration
	if port := os.Getenv("DESPACHO_SERVER_PORT"); port != "" {
		if p, err := strconv.Atoi(port); err == nil {
			config.Server.Port = p
		}
	}
	if host := os.Getenv("DESPACHO_SERVER_HOST"); host != "" {
		config.Server.Host = host
	}

	// Portal credentials (secrets are env-only)
	if url := os.Getenv("GSP_LOGIN_URL"); url != "" {
		config.Portal.LoginURL = url
	}
	if code := os.Getenv("GSP_USER_CODE"); code != "" {
		config.Portal.UserCode = code
	}
	if pass := os.Getenv("GSP_PASSWORD"); pass != "" {
		config.Portal.Password = pass
	}

	// Worker pool sizing
	if count := os.Getenv("WORKER_COUNT"); count != "" {
		if c, err := strconv.Atoi(count); err == nil && c > 0 {
			config.Queue.Concurrency = c
		}
	}

	// Retry policy
	if retries := os.Getenv("DESPACHO_MAX_RETRIES"); retries != "" {
		if r, err := strconv.Atoi(retries); err == nil && r >= 0 {
			config.Retry.MaxRetries = r
		}
	}
	if delay := os.Getenv("DESPACHO_RETRY_DELAY"); delay != "" {
		if _, err := time.ParseDuration(delay); err == nil {
			config.Retry.RetryDelay = delay
		}
	}

	// Browser knobs
	if headless := os.Getenv("BROWSER_HEADLESS"); headless != "" {
		config.Browser.Headless = headless != "false" && headless != "0"
	}
	if timeout := os.Getenv("BROWSER_TIMEOUT"); timeout != "" {
		if d, err := time.ParseDuration(timeout); err == nil {
			config.Browser.StepTimeout = d
		}
	}
	if slowMo := os.Getenv("BROWSER_SLOW_MO"); slowMo != "" {
		if d, err := time.ParseDuration(slowMo); err == nil {
			config.Browser.SlowMo = d
		}
	}

	// Screenshot capture
	if on := os.Getenv("SCREENSHOT_ON_ERROR"); on != "" {
		config.Browser.ScreenshotOnError = on != "false" && on != "0"
	}
	if dir := os.Getenv("SCREENSHOT_DIR"); dir != "" {
		config.Storage.Screenshot = dir
	}

	// Upstream proxy (HTTPS takes precedence; the portal is HTTPS-only)
	if proxy := os.Getenv("HTTP_PROXY"); proxy != "" {
		config.Browser.ProxyURL = proxy
	}
	if proxy := os.Getenv("HTTPS_PROXY"); proxy != "" {
		config.Browser.ProxyURL = proxy
	}

	// Storage configuration
	if badgerPath := os.Getenv("DESPACHO_BADGER_PATH"); badgerPath != "" {
		config.Storage.Badger.Path = badgerPath
	}

	// Logging configuration
	if level := os.Getenv("LOG_LEVEL"); level != "" {
		config.Logging.Level = level
	}
	if format := os.Getenv("LOG_FORMAT"); format != "" {
		config.Logging.Format = format
	}
}

// ApplyFlagOverrides applies command-line flag overrides (highest priority)
func ApplyFlagOverrides(config *Config, port int, host string) {
	if port != 0 {
		config.Server.Port = port
	}
	if host != "" {
		config.Server.Host = host
	}
}

// Durations parsed from the string knobs, with safe fallbacks.

func (c *QueueConfig) PollIntervalDuration() time.Duration {
	return parseDurationOr(c.PollInterval, time.Second)
}

func (c *QueueConfig) VisibilityTimeoutDuration() time.Duration {
	return parseDurationOr(c.VisibilityTimeout, 11*time.Minute)
}

func (c *QueueConfig) SoftTimeLimitDuration() time.Duration {
	return parseDurationOr(c.SoftTimeLimit, 9*time.Minute)
}

func (c *QueueConfig) HardTimeLimitDuration() time.Duration {
	return parseDurationOr(c.HardTimeLimit, 10*time.Minute)
}

func (c *QueueConfig) BatchTimeLimitDuration() time.Duration {
	return parseDurationOr(c.BatchTimeLimit, time.Hour)
}

func (c *RetryConfig) RetryDelayDuration() time.Duration {
	return parseDurationOr(c.RetryDelay, 60*time.Second)
}

func (c *JanitorConfig) StaleAgeDuration() time.Duration {
	return parseDurationOr(c.StaleAge, 12*time.Minute)
}

func parseDurationOr(s string, fallback time.Duration) time.Duration {
	if s == "" {
		return fallback
	}
	d, err := time.ParseDuration(s)
	if err != nil || d <= 0 {
		return fallback
	}
	return d
}

// IsProduction returns true if running in production mode
func (c *Config) IsProduction() bool {
	return c.Environment == "production"
}
