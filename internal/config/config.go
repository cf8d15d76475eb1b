// Package config provides configuration loading for the fluxline service.
package config

import (
	"os"
	"strconv"
	"strings"
	"time"
)

// Config holds all configuration for the fluxline control plane.
type Config struct {
	// Server configuration
	Port          string
	ReadTimeout   time.Duration
	WriteTimeout  time.Duration
	ShutdownGrace time.Duration

	// Redis configuration
	RedisURL      string
	RedisPassword string
	RedisDB       int

	// Store configuration
	StoreType   string // "memory" or "redis"
	StoreTTL    time.Duration
	EventMaxLen int64

	// Queue configuration
	QueueType       string // "memory" or "redis"
	QueuePrefix     string
	QueuePollEvery  time.Duration
	QueueResultTTL  time.Duration

	// Registry configuration
	RegistryType string // "memory" or "redis"

	// Router configuration
	BudgetPerRun   float64
	MaxTaskLatency time.Duration
	PriorsPath     string

	// Orchestrator configuration
	FailurePolicy     string // "fail_fast", "retry", "continue"
	DefaultMaxRetries int
	BackoffBase       time.Duration
	BackoffCap        time.Duration

	// OIDC configuration
	OIDCIssuer   string
	OIDCClientID string
	OIDCEnabled  bool

	// CORS configuration
	CORSOrigins []string

	// Rate limiting
	RateLimitRPS   float64
	RateLimitBurst int

	// Tracing
	OTLPEndpoint   string
	TracingEnabled bool

	// Logging
	LogLevel  string
	LogFormat string
}

// Load reads configuration from environment variables with sensible defaults.
func Load() *Config {
	return &Config{
		// Server
		Port:          getEnv("PORT", "7080"),
		ReadTimeout:   getDuration("READ_TIMEOUT", 30*time.Second),
		WriteTimeout:  getDuration("WRITE_TIMEOUT", 30*time.Second),
		ShutdownGrace: getDuration("SHUTDOWN_GRACE", 10*time.Second),

		// Redis
		RedisURL:      getEnv("REDIS_URL", "redis://localhost:6379"),
		RedisPassword: getEnv("REDIS_PASSWORD", ""),
		RedisDB:       getInt("REDIS_DB", 0),

		// Store
		StoreType:   getEnv("FLUXLINE_STORE", "memory"), // "memory" or "redis"
		StoreTTL:    getDuration("STORE_TTL", 7*24*time.Hour),
		EventMaxLen: getInt64("EVENT_MAX_LEN", 5000),

		// Queue
		QueueType:      getEnv("FLUXLINE_QUEUE", "memory"), // "memory" or "redis"
		QueuePrefix:    getEnv("QUEUE_PREFIX", "fluxline:queue"),
		QueuePollEvery: getDuration("QUEUE_POLL_INTERVAL", 250*time.Millisecond),
		QueueResultTTL: getDuration("QUEUE_RESULT_TTL", 24*time.Hour),

		// Registry
		RegistryType: getEnv("FLUXLINE_REGISTRY", "memory"),

		// Router
		BudgetPerRun:   getFloat("BUDGET_PER_RUN", 10.0),
		MaxTaskLatency: getDuration("MAX_TASK_LATENCY", 0),
		PriorsPath:     getEnv("PRIORS_PATH", ""),

		// Orchestrator
		FailurePolicy:     getEnv("FAILURE_POLICY", "continue"),
		DefaultMaxRetries: getInt("MAX_RETRIES_DEFAULT", 0),
		BackoffBase:       getDuration("BACKOFF_BASE", 2*time.Second),
		BackoffCap:        getDuration("BACKOFF_CAP", 60*time.Second),

		// OIDC
		OIDCIssuer:   getEnv("OIDC_ISSUER", ""),
		OIDCClientID: getEnv("OIDC_CLIENT_ID", ""),
		OIDCEnabled:  getBool("OIDC_ENABLED", false),

		// CORS
		CORSOrigins: getStringSlice("CORS_ORIGINS", []string{"http://localhost:5173", "http://localhost:3000"}),

		// Rate limiting
		RateLimitRPS:   getFloat("RATE_LIMIT_RPS", 100.0),
		RateLimitBurst: getInt("RATE_LIMIT_BURST", 200),

		// Tracing
		OTLPEndpoint:   getEnv("OTLP_ENDPOINT", "localhost:4317"),
		TracingEnabled: getBool("TRACING_ENABLED", false),

		// Logging
		LogLevel:  getEnv("LOG_LEVEL", "info"),
		LogFormat: getEnv("LOG_FORMAT", "json"),
	}
}

// Helper functions for environment variable parsing

func getEnv(key, defaultVal string) string {
	if val := os.Getenv(key); val != "" {
		return val
	}
	return defaultVal
}

func getInt(key string, defaultVal int) int {
	if val := os.Getenv(key); val != "" {
		if i, err := strconv.Atoi(val); err == nil {
			return i
		}
	}
	return defaultVal
}

func getInt64(key string, defaultVal int64) int64 {
	if val := os.Getenv(key); val != "" {
		if i, err := strconv.ParseInt(val, 10, 64); err == nil {
			return i
		}
	}
	return defaultVal
}

func getFloat(key string, defaultVal float64) float64 {
	if val := os.Getenv(key); val != "" {
		if f, err := strconv.ParseFloat(val, 64); err == nil {
			return f
		}
	}
	return defaultVal
}

func getBool(key string, defaultVal bool) bool {
	if val := os.Getenv(key); val != "" {
		if b, err := strconv.ParseBool(val); err == nil {
			return b
		}
	}
	return defaultVal
}

func getDuration(key string, defaultVal time.Duration) time.Duration {
	if val := os.Getenv(key); val != "" {
		if d, err := time.ParseDuration(val); err == nil {
			return d
		}
	}
	return defaultVal
}

func getStringSlice(key string, defaultVal []string) []string {
	if val := os.Getenv(key); val != "" {
		return strings.Split(val, ",")
	}
	return defaultVal
}
