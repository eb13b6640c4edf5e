package config

import (
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/joho/godotenv"

	"github.com/MimeLyc/ticket-watcher/pkg/log"
)

// Config holds all application configuration.
//
// Environment Variables:
// Scheduler:
// - SCHEDULER_TICK_INTERVAL: time between scheduler passes (default: 60s)
// - SCHEDULER_REQUEUE_THROTTLE: minimum gap between watch enqueues per job (default: 5m)
// - MISMATCH_RESPONSE_TIMEOUT: how long a mismatch waits for the user (default: 15m)
// - THROTTLE_STALENESS: age after which throttle entries are dropped (default: 24h)
//
// Queues:
// - WATCH_WORKERS / BOOKING_WORKERS: worker count per queue (default: 2 / 1)
// - WATCH_MAX_ATTEMPTS / BOOKING_MAX_ATTEMPTS: attempts per task (default: 1 / 1)
// - QUEUE_RETRY_BACKOFF: delay before the first retry, doubled per retry (default: 30s)
//
// Site:
// - SITE_API_URL: automation service base URL (optional)
// - SITE_API_KEY: bearer token for the automation service (optional)
// - SITE_TIMEOUT: per-attempt HTTP timeout (default: 2m)
// - SITE_FIXTURE_FILE: JSON listings served instead of the real site (optional)
// - SITE_EVIDENCE_DIR: where the fixture writes evidence (optional)
// - SITE_RATE_LIMIT / SITE_RATE_BURST: attempts per second and burst (default: 0.5 / 1)
//
// Storage, HTTP, notifications, logging:
// - DB_PATH (default: /app/data/ticket-watcher.db)
// - HTTP_ADDR (default: :8080)
// - NOTIFY_WEBHOOK_URL: chat-bot webhook (optional)
// - NOTIFY_TIMEOUT (default: 10s)
// - LOG_LEVEL (default: info)
type Config struct {
	Scheduler SchedulerConfig `json:"scheduler"`
	Queue     QueueConfig     `json:"queue"`
	Site      SiteConfig      `json:"site"`
	Store     StoreConfig     `json:"store"`
	HTTP      HTTPConfig      `json:"http"`
	Notify    NotifyConfig    `json:"notify"`
	Log       LogConfig       `json:"log"`
}

type SchedulerConfig struct {
	TickInterval      time.Duration `json:"tick_interval"`
	RequeueThrottle   time.Duration `json:"requeue_throttle"`
	ResponseTimeout   time.Duration `json:"response_timeout"`
	ThrottleStaleness time.Duration `json:"throttle_staleness"`
}

type QueueConfig struct {
	WatchWorkers       int           `json:"watch_workers"`
	BookingWorkers     int           `json:"booking_workers"`
	WatchMaxAttempts   int           `json:"watch_max_attempts"`
	BookingMaxAttempts int           `json:"booking_max_attempts"`
	RetryBackoff       time.Duration `json:"retry_backoff"`
}

type SiteConfig struct {
	APIURL      string        `json:"api_url"`
	APIKey      string        `json:"-"`
	Timeout     time.Duration `json:"timeout"`
	FixtureFile string        `json:"fixture_file"`
	EvidenceDir string        `json:"evidence_dir"`
	RateLimit   float64       `json:"rate_limit"`
	RateBurst   int           `json:"rate_burst"`
}

type StoreConfig struct {
	DBPath string `json:"db_path"`
}

type HTTPConfig struct {
	Addr string `json:"addr"`
}

type NotifyConfig struct {
	WebhookURL string        `json:"webhook_url"`
	Timeout    time.Duration `json:"timeout"`
}

type LogConfig struct {
	Level string `json:"level"`
}

// Option is a function type for configuring Config
type Option func(*Config)

// NewFromEnv creates a new Config instance with values from environment variables and options
func NewFromEnv(opts ...Option) (*Config, error) {
	config := &Config{
		Scheduler: SchedulerConfig{
			TickInterval:      getEnvDuration("SCHEDULER_TICK_INTERVAL", 60*time.Second),
			RequeueThrottle:   getEnvDuration("SCHEDULER_REQUEUE_THROTTLE", 5*time.Minute),
			ResponseTimeout:   getEnvDuration("MISMATCH_RESPONSE_TIMEOUT", 15*time.Minute),
			ThrottleStaleness: getEnvDuration("THROTTLE_STALENESS", 24*time.Hour),
		},
		Queue: QueueConfig{
			WatchWorkers:       getEnvInt("WATCH_WORKERS", 2),
			BookingWorkers:     getEnvInt("BOOKING_WORKERS", 1),
			WatchMaxAttempts:   getEnvInt("WATCH_MAX_ATTEMPTS", 1),
			BookingMaxAttempts: getEnvInt("BOOKING_MAX_ATTEMPTS", 1),
			RetryBackoff:       getEnvDuration("QUEUE_RETRY_BACKOFF", 30*time.Second),
		},
		Site: SiteConfig{
			APIURL:      getEnvString("SITE_API_URL", ""),
			APIKey:      getEnvString("SITE_API_KEY", ""),
			Timeout:     getEnvDuration("SITE_TIMEOUT", 2*time.Minute),
			FixtureFile: getEnvString("SITE_FIXTURE_FILE", ""),
			EvidenceDir: getEnvString("SITE_EVIDENCE_DIR", ""),
			RateLimit:   getEnvFloat("SITE_RATE_LIMIT", 0.5),
			RateBurst:   getEnvInt("SITE_RATE_BURST", 1),
		},
		Store: StoreConfig{
			DBPath: getEnvString("DB_PATH", "/app/data/ticket-watcher.db"),
		},
		HTTP: HTTPConfig{
			Addr: getEnvString("HTTP_ADDR", ":8080"),
		},
		Notify: NotifyConfig{
			WebhookURL: getEnvString("NOTIFY_WEBHOOK_URL", ""),
			Timeout:    getEnvDuration("NOTIFY_TIMEOUT", 10*time.Second),
		},
		Log: LogConfig{
			Level: getEnvString("LOG_LEVEL", "info"),
		},
	}

	// Apply custom options
	for _, opt := range opts {
		opt(config)
	}

	if err := config.validate(); err != nil {
		return nil, err
	}

	log.Debug("Config: %+v", *config)
	return config, nil
}

// LoadDotEnv loads variables from the given .env files. Missing files are
// skipped; variables already set in the environment win.
func LoadDotEnv(files ...string) error {
	for _, f := range files {
		if _, err := os.Stat(f); err != nil {
			continue
		}
		if err := godotenv.Load(f); err != nil {
			return errors.Wrapf(err, "load %s", f)
		}
	}
	return nil
}

// validate checks if all required configuration is properly set
func (c *Config) validate() error {
	if err := c.Scheduler.Validate(); err != nil {
		return err
	}
	switch {
	case c.Queue.WatchWorkers < 1:
		return errors.New("WATCH_WORKERS must be at least 1")
	case c.Queue.BookingWorkers < 1:
		return errors.New("BOOKING_WORKERS must be at least 1")
	case c.Queue.WatchMaxAttempts < 1:
		return errors.New("WATCH_MAX_ATTEMPTS must be at least 1")
	case c.Queue.BookingMaxAttempts < 1:
		return errors.New("BOOKING_MAX_ATTEMPTS must be at least 1")
	case c.Queue.RetryBackoff <= 0:
		return errors.New("QUEUE_RETRY_BACKOFF must be positive")
	case c.Site.RateLimit < 0:
		return errors.New("SITE_RATE_LIMIT must not be negative")
	case c.Site.APIURL != "" && c.Site.Timeout <= 0:
		return errors.New("SITE_TIMEOUT must be positive")
	case strings.TrimSpace(c.Store.DBPath) == "":
		return errors.New("DB_PATH is required")
	}
	return nil
}

func (s SchedulerConfig) Validate() error {
	switch {
	case s.TickInterval <= 0:
		return errors.New("SCHEDULER_TICK_INTERVAL must be positive")
	case s.RequeueThrottle < 0:
		return errors.New("SCHEDULER_REQUEUE_THROTTLE must not be negative")
	case s.ResponseTimeout <= 0:
		return errors.New("MISMATCH_RESPONSE_TIMEOUT must be positive")
	case s.ThrottleStaleness < s.RequeueThrottle:
		return errors.Newf("THROTTLE_STALENESS (%s) must not be shorter than SCHEDULER_REQUEUE_THROTTLE (%s)",
			s.ThrottleStaleness, s.RequeueThrottle)
	}
	return nil
}

// getEnvString gets a string value from environment variables with default
func getEnvString(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

// getEnvInt gets an integer value from environment variables with default
func getEnvInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if intValue, err := strconv.Atoi(value); err == nil {
			return intValue
		}
		log.Warn("Ignoring invalid %s=%q", key, value)
	}
	return defaultValue
}

// getEnvFloat gets a float value from environment variables with default
func getEnvFloat(key string, defaultValue float64) float64 {
	if value := os.Getenv(key); value != "" {
		if floatValue, err := strconv.ParseFloat(value, 64); err == nil {
			return floatValue
		}
		log.Warn("Ignoring invalid %s=%q", key, value)
	}
	return defaultValue
}

// getEnvDuration accepts Go durations ("90s", "5m") or bare seconds.
func getEnvDuration(key string, defaultValue time.Duration) time.Duration {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue
	}
	if d, err := time.ParseDuration(value); err == nil {
		return d
	}
	if secs, err := strconv.Atoi(value); err == nil {
		return time.Duration(secs) * time.Second
	}
	log.Warn("Ignoring invalid %s=%q", key, value)
	return defaultValue
}
