// Package config handles application configuration from environment variables
package config

import (
	"fmt"
	"log/slog"
	"os"
	"strconv"
	"time"

	"github.com/joho/godotenv"
	"github.com/mbd888/payment-risk-engine/internal/riskengine"
)

// Config holds all application configuration
type Config struct {
	// Server settings
	Port     string
	Env      string // "development", "staging", "production"
	LogLevel string

	// Database
	DatabaseURL string // PostgreSQL connection string (optional, uses in-memory if not set)

	// Rolling window. Both values are loaded and validated only: the
	// aggregator uses its fixed WindowDuration and Velocity1MinWindow
	// constants and is not configured from them.
	WindowDurationMs   int64 // window length, in ms
	WindowVelocity1mMs int64 // velocity-spike lookback, in ms

	// Risk engine
	EngineEnabled     bool
	RiskThreshold     float64
	RiskMediumLevel   float64
	RiskHighLevel     float64
	RiskCriticalLevel float64

	// Recent alerts store
	RecentAlertsMax int

	// Webhook delivery
	WebhookEnabled            bool
	WebhookMaxRetries         int
	WebhookRetryDelayMs       int64
	WebhookTimeoutMs          int64
	WebhookPoolSize           int
	WebhookBackoffExponential bool

	// Stream consumer
	ConsumerGroupID    string
	ConsumerPartitions int

	// Database pool settings
	DBMaxOpenConns     int
	DBMaxIdleConns     int
	DBConnMaxLifetime  time.Duration
	DBConnMaxIdleTime  time.Duration
	DBConnectTimeout   int // seconds, appended to Postgres DSN
	DBStatementTimeout int // milliseconds, appended to Postgres DSN

	// HTTP server timeouts
	HTTPReadTimeout  time.Duration
	HTTPWriteTimeout time.Duration
	HTTPIdleTimeout  time.Duration
	RequestTimeout   time.Duration // global handler execution timeout

	// Observability
	OTLPEndpoint string // OpenTelemetry collector endpoint (e.g. "localhost:4317"), empty = disabled
}

// Published defaults, per the documented configuration surface.
const (
	DefaultPort     = "8080"
	DefaultEnv      = "development"
	DefaultLogLevel = "info"

	DefaultWindowDurationMs   = 300000 // 5 minutes
	DefaultWindowVelocity1mMs = 60000  // 1 minute

	DefaultEngineEnabled     = true
	DefaultRiskThreshold     = 0.5
	DefaultRiskMediumLevel   = 0.50
	DefaultRiskHighLevel     = 0.65
	DefaultRiskCriticalLevel = 0.85

	DefaultRecentAlertsMax = 100

	DefaultWebhookEnabled            = false
	DefaultWebhookMaxRetries         = 3
	DefaultWebhookRetryDelayMs       = 1000
	DefaultWebhookTimeoutMs          = 5000
	DefaultWebhookPoolSize           = 10
	DefaultWebhookBackoffExponential = false

	DefaultConsumerGroupID    = "payment-risk-engine"
	DefaultConsumerPartitions = 4

	// Database pool defaults
	DefaultDBMaxOpenConns     = 25
	DefaultDBMaxIdleConns     = 5
	DefaultDBConnMaxLifetime  = 5 * time.Minute
	DefaultDBConnMaxIdleTime  = 3 * time.Minute
	DefaultDBConnectTimeout   = 5     // seconds
	DefaultDBStatementTimeout = 30000 // milliseconds (30s)

	// HTTP server timeout defaults
	DefaultHTTPReadTimeout  = 10 * time.Second
	DefaultHTTPWriteTimeout = 30 * time.Second
	DefaultHTTPIdleTimeout  = 60 * time.Second
	DefaultRequestTimeout   = 30 * time.Second
)

// Load reads configuration from environment variables
// It loads .env file if present (for local development)
func Load() (*Config, error) {
	// Load .env file if it exists (ignore error if not present)
	_ = godotenv.Load()

	cfg := &Config{
		Port:        getEnv("PORT", DefaultPort),
		Env:         getEnv("ENV", DefaultEnv),
		LogLevel:    getEnv("LOG_LEVEL", DefaultLogLevel),
		DatabaseURL: os.Getenv("DATABASE_URL"), // Optional, uses in-memory if not set

		WindowDurationMs:   getEnvInt64("WINDOW_DURATION_MS", DefaultWindowDurationMs),
		WindowVelocity1mMs: getEnvInt64("WINDOW_VELOCITY_1M_MS", DefaultWindowVelocity1mMs),

		EngineEnabled:     getEnvBool("ENGINE_ENABLED", DefaultEngineEnabled),
		RiskThreshold:     getEnvFloat("RISK_THRESHOLD", DefaultRiskThreshold),
		RiskMediumLevel:   getEnvFloat("RISK_LEVEL_MEDIUM", DefaultRiskMediumLevel),
		RiskHighLevel:     getEnvFloat("RISK_LEVEL_HIGH", DefaultRiskHighLevel),
		RiskCriticalLevel: getEnvFloat("RISK_LEVEL_CRITICAL", DefaultRiskCriticalLevel),

		RecentAlertsMax: int(getEnvInt64("RECENT_ALERTS_MAX", DefaultRecentAlertsMax)),

		WebhookEnabled:            getEnvBool("WEBHOOK_ENABLED", DefaultWebhookEnabled),
		WebhookMaxRetries:         int(getEnvInt64("WEBHOOK_MAX_RETRIES", DefaultWebhookMaxRetries)),
		WebhookRetryDelayMs:       getEnvInt64("WEBHOOK_RETRY_DELAY_MS", DefaultWebhookRetryDelayMs),
		WebhookTimeoutMs:          getEnvInt64("WEBHOOK_TIMEOUT_MS", DefaultWebhookTimeoutMs),
		WebhookPoolSize:           int(getEnvInt64("WEBHOOK_POOL_SIZE", DefaultWebhookPoolSize)),
		WebhookBackoffExponential: getEnvBool("WEBHOOK_BACKOFF_EXPONENTIAL", DefaultWebhookBackoffExponential),

		ConsumerGroupID:    getEnv("CONSUMER_GROUP_ID", DefaultConsumerGroupID),
		ConsumerPartitions: int(getEnvInt64("CONSUMER_PARTITIONS", DefaultConsumerPartitions)),

		DBMaxOpenConns:     int(getEnvInt64("POSTGRES_MAX_OPEN_CONNS", int64(DefaultDBMaxOpenConns))),
		DBMaxIdleConns:     int(getEnvInt64("POSTGRES_MAX_IDLE_CONNS", int64(DefaultDBMaxIdleConns))),
		DBConnMaxLifetime:  getEnvDuration("POSTGRES_CONN_MAX_LIFETIME", DefaultDBConnMaxLifetime),
		DBConnMaxIdleTime:  getEnvDuration("POSTGRES_CONN_MAX_IDLE_TIME", DefaultDBConnMaxIdleTime),
		DBConnectTimeout:   int(getEnvInt64("POSTGRES_CONNECT_TIMEOUT", int64(DefaultDBConnectTimeout))),
		DBStatementTimeout: int(getEnvInt64("POSTGRES_STATEMENT_TIMEOUT", int64(DefaultDBStatementTimeout))),

		HTTPReadTimeout:  getEnvDuration("HTTP_READ_TIMEOUT", DefaultHTTPReadTimeout),
		HTTPWriteTimeout: getEnvDuration("HTTP_WRITE_TIMEOUT", DefaultHTTPWriteTimeout),
		HTTPIdleTimeout:  getEnvDuration("HTTP_IDLE_TIMEOUT", DefaultHTTPIdleTimeout),
		RequestTimeout:   getEnvDuration("REQUEST_TIMEOUT", DefaultRequestTimeout),

		OTLPEndpoint: os.Getenv("OTEL_EXPORTER_OTLP_ENDPOINT"),
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

// Validate checks that all required configuration is present and internally
// consistent. Per the documented error model, a configuration error here is
// fatal: the caller is expected to exit the process.
func (c *Config) Validate() error {
	// Port range
	port, err := strconv.Atoi(c.Port)
	if err != nil || port < 1 || port > 65535 {
		return fmt.Errorf("PORT must be a number between 1 and 65535, got %q", c.Port)
	}

	if c.WindowDurationMs <= 0 {
		return fmt.Errorf("WINDOW_DURATION_MS must be positive, got %d", c.WindowDurationMs)
	}
	if c.WindowVelocity1mMs <= 0 {
		return fmt.Errorf("WINDOW_VELOCITY_1M_MS must be positive, got %d", c.WindowVelocity1mMs)
	}

	if c.RiskThreshold < 0 || c.RiskThreshold > 1 {
		return fmt.Errorf("RISK_THRESHOLD must be between 0 and 1, got %v", c.RiskThreshold)
	}
	if !(c.RiskMediumLevel < c.RiskHighLevel && c.RiskHighLevel < c.RiskCriticalLevel) {
		return fmt.Errorf("risk level thresholds must be strictly increasing: medium=%v high=%v critical=%v",
			c.RiskMediumLevel, c.RiskHighLevel, c.RiskCriticalLevel)
	}

	if c.RecentAlertsMax < 1 {
		return fmt.Errorf("RECENT_ALERTS_MAX must be at least 1, got %d", c.RecentAlertsMax)
	}

	if c.WebhookEnabled {
		if c.WebhookMaxRetries < 0 {
			return fmt.Errorf("WEBHOOK_MAX_RETRIES must be non-negative, got %d", c.WebhookMaxRetries)
		}
		if c.WebhookTimeoutMs <= 0 {
			return fmt.Errorf("WEBHOOK_TIMEOUT_MS must be positive, got %d", c.WebhookTimeoutMs)
		}
		if c.WebhookPoolSize < 1 {
			return fmt.Errorf("WEBHOOK_POOL_SIZE must be at least 1, got %d", c.WebhookPoolSize)
		}
	}

	if c.ConsumerGroupID == "" {
		return fmt.Errorf("CONSUMER_GROUP_ID must not be empty")
	}
	if c.ConsumerPartitions < 1 {
		return fmt.Errorf("CONSUMER_PARTITIONS must be at least 1, got %d", c.ConsumerPartitions)
	}

	// DB statement timeout sanity
	if c.DBStatementTimeout < 1000 {
		return fmt.Errorf("POSTGRES_STATEMENT_TIMEOUT must be at least 1000ms, got %d", c.DBStatementTimeout)
	}

	// Write timeout must exceed request timeout to avoid truncated responses
	if c.HTTPWriteTimeout > 0 && c.RequestTimeout > 0 && c.HTTPWriteTimeout < c.RequestTimeout {
		return fmt.Errorf("HTTP_WRITE_TIMEOUT (%v) must be >= REQUEST_TIMEOUT (%v)", c.HTTPWriteTimeout, c.RequestTimeout)
	}

	if !c.EngineEnabled {
		slog.Warn("ENGINE_ENABLED is false — the stream consumer will not be instantiated")
	}

	return nil
}

// IsDevelopment returns true if running in development mode
func (c *Config) IsDevelopment() bool {
	return c.Env == "development"
}

// IsProduction returns true if running in production mode
func (c *Config) IsProduction() bool {
	return c.Env == "production"
}

// LevelThresholds adapts the configured level cutoffs to the shape the
// risk engine consumes.
func (c *Config) LevelThresholds() riskengine.LevelThresholds {
	return riskengine.LevelThresholds{
		Medium:   c.RiskMediumLevel,
		High:     c.RiskHighLevel,
		Critical: c.RiskCriticalLevel,
	}
}

// Helper functions

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvInt64(key string, defaultValue int64) int64 {
	if value := os.Getenv(key); value != "" {
		if i, err := strconv.ParseInt(value, 10, 64); err == nil {
			return i
		}
	}
	return defaultValue
}

func getEnvFloat(key string, defaultValue float64) float64 {
	if value := os.Getenv(key); value != "" {
		if f, err := strconv.ParseFloat(value, 64); err == nil {
			return f
		}
	}
	return defaultValue
}

func getEnvBool(key string, defaultValue bool) bool {
	if value := os.Getenv(key); value != "" {
		if b, err := strconv.ParseBool(value); err == nil {
			return b
		}
	}
	return defaultValue
}

func getEnvDuration(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if d, err := time.ParseDuration(value); err == nil {
			return d
		}
	}
	return defaultValue
}
