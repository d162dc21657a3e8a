// Package config provides configuration management for the account
// aggregation service. It loads configuration from environment variables
// and .env files.
package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/joho/godotenv"
)

// Config holds all application configuration
type Config struct {
	Server      ServerConfig
	Database    DatabaseConfig
	Providers   ProvidersConfig
	Backoff     BackoffConfig
	Aggregation AggregationConfig
	Diagnostics DiagnosticsConfig
	RateLimit   RateLimitConfig
	Logging     LoggingConfig
}

// ServerConfig holds HTTP server configuration
type ServerConfig struct {
	Host            string
	Port            string
	ReadTimeout     time.Duration
	WriteTimeout    time.Duration
	IdleTimeout     time.Duration
	ShutdownTimeout time.Duration
}

// DatabaseConfig holds database configuration
type DatabaseConfig struct {
	Postgres PostgresConfig
	Redis    RedisConfig
}

// PostgresConfig holds Postgres configuration
type PostgresConfig struct {
	Host           string
	Port           string
	Database       string
	User           string
	Password       string
	MaxConnections int
}

// RedisConfig holds Redis configuration
type RedisConfig struct {
	Host           string
	Port           string
	Password       string
	DB             int
	MaxConnections int
}

// ProvidersConfig holds per-provider adapter configuration
type ProvidersConfig struct {
	Bank      ProviderConfig
	Brokerage ProviderConfig
}

// ProviderConfig holds configuration for one provider adapter
type ProviderConfig struct {
	BaseURL           string
	RequestsPerSecond float64
	Timeout           time.Duration
}

// BackoffConfig holds retry pacing configuration
type BackoffConfig struct {
	Base        time.Duration
	Cap         time.Duration
	MinSpacing  time.Duration
	QuietWindow time.Duration
}

// AggregationConfig holds orchestrator configuration
type AggregationConfig struct {
	// OverallTimeout bounds one aggregation call; on expiry completed
	// branches are returned and incomplete ones reported as degraded.
	OverallTimeout time.Duration

	// RateLimitRetries bounds retries for rate-limited branches.
	RateLimitRetries int

	// TransientRetries bounds retries for not-found/unavailable/unknown failures.
	TransientRetries int
}

// DiagnosticsConfig holds diagnostics engine configuration
type DiagnosticsConfig struct {
	// ProbeInterval is how often the background poller re-probes
	// monitored connections. Zero disables the poller.
	ProbeInterval time.Duration

	// ProbeTimeout bounds one status probe.
	ProbeTimeout time.Duration

	// SessionTTL is how long a troubleshooting session (issues and
	// repair progress) is retained.
	SessionTTL time.Duration
}

// RateLimitConfig holds API rate limiting configuration
type RateLimitConfig struct {
	RequestsPerSecond int
	Burst             int
}

// LoggingConfig holds logging configuration
type LoggingConfig struct {
	Level  string
	Format string
}

// LoadConfig loads configuration from .env file and environment variables
func LoadConfig() (*Config, error) {
	// Load .env file (optional in production)
	if err := godotenv.Load(); err != nil {
		// .env file is optional - environment variables can be set directly
		if !os.IsNotExist(err) {
			return nil, fmt.Errorf("error loading .env file: %w", err)
		}
	}

	config := &Config{
		Server: ServerConfig{
			Host:            getEnv("SERVER_HOST", "0.0.0.0"),
			Port:            getEnv("SERVER_PORT", "8080"),
			ReadTimeout:     getEnvAsDuration("SERVER_READ_TIMEOUT", 15*time.Second),
			WriteTimeout:    getEnvAsDuration("SERVER_WRITE_TIMEOUT", 60*time.Second),
			IdleTimeout:     getEnvAsDuration("SERVER_IDLE_TIMEOUT", 120*time.Second),
			ShutdownTimeout: getEnvAsDuration("SERVER_SHUTDOWN_TIMEOUT", 15*time.Second),
		},
		Database: DatabaseConfig{
			Postgres: PostgresConfig{
				Host:           getEnv("POSTGRES_HOST", "localhost"),
				Port:           getEnv("POSTGRES_PORT", "5432"),
				Database:       getEnv("POSTGRES_DB", "account_aggregator"),
				User:           getEnv("POSTGRES_USER", "aggregator"),
				Password:       getEnv("POSTGRES_PASSWORD", ""),
				MaxConnections: getEnvAsInt("POSTGRES_MAX_CONNECTIONS", 50),
			},
			Redis: RedisConfig{
				Host:           getEnv("REDIS_HOST", "localhost"),
				Port:           getEnv("REDIS_PORT", "6379"),
				Password:       getEnv("REDIS_PASSWORD", ""),
				DB:             getEnvAsInt("REDIS_DB", 0),
				MaxConnections: getEnvAsInt("REDIS_MAX_CONNECTIONS", 20),
			},
		},
		Providers: ProvidersConfig{
			Bank: ProviderConfig{
				BaseURL:           getEnv("BANK_API_URL", ""),
				RequestsPerSecond: getEnvAsFloat("BANK_API_RPS", 10),
				Timeout:           getEnvAsDuration("BANK_API_TIMEOUT", 30*time.Second),
			},
			Brokerage: ProviderConfig{
				BaseURL:           getEnv("BROKERAGE_API_URL", ""),
				RequestsPerSecond: getEnvAsFloat("BROKERAGE_API_RPS", 5),
				Timeout:           getEnvAsDuration("BROKERAGE_API_TIMEOUT", 30*time.Second),
			},
		},
		Backoff: BackoffConfig{
			Base:        getEnvAsDuration("BACKOFF_BASE", 1*time.Second),
			Cap:         getEnvAsDuration("BACKOFF_CAP", 16*time.Second),
			MinSpacing:  getEnvAsDuration("BACKOFF_MIN_SPACING", 1*time.Second),
			QuietWindow: getEnvAsDuration("BACKOFF_QUIET_WINDOW", 5*time.Minute),
		},
		Aggregation: AggregationConfig{
			OverallTimeout:   getEnvAsDuration("AGGREGATION_TIMEOUT", 30*time.Second),
			RateLimitRetries: getEnvAsInt("AGGREGATION_RATE_LIMIT_RETRIES", 3),
			TransientRetries: getEnvAsInt("AGGREGATION_TRANSIENT_RETRIES", 2),
		},
		Diagnostics: DiagnosticsConfig{
			ProbeInterval: getEnvAsDuration("DIAGNOSTICS_PROBE_INTERVAL", 0),
			ProbeTimeout:  getEnvAsDuration("DIAGNOSTICS_PROBE_TIMEOUT", 10*time.Second),
			SessionTTL:    getEnvAsDuration("DIAGNOSTICS_SESSION_TTL", 30*time.Minute),
		},
		RateLimit: RateLimitConfig{
			RequestsPerSecond: getEnvAsInt("API_RATE_LIMIT_RPS", 20),
			Burst:             getEnvAsInt("API_RATE_LIMIT_BURST", 40),
		},
		Logging: LoggingConfig{
			Level:  getEnv("LOG_LEVEL", "info"),
			Format: getEnv("LOG_FORMAT", "json"),
		},
	}

	return config, nil
}

// getEnv gets an environment variable with a default value
func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

// getEnvAsInt gets an environment variable as an integer with a default value
func getEnvAsInt(key string, defaultValue int) int {
	valueStr := getEnv(key, "")
	if valueStr == "" {
		return defaultValue
	}

	value, err := strconv.Atoi(valueStr)
	if err != nil {
		return defaultValue
	}
	return value
}

// getEnvAsFloat gets an environment variable as a float with a default value
func getEnvAsFloat(key string, defaultValue float64) float64 {
	valueStr := getEnv(key, "")
	if valueStr == "" {
		return defaultValue
	}

	value, err := strconv.ParseFloat(valueStr, 64)
	if err != nil {
		return defaultValue
	}
	return value
}

// getEnvAsDuration gets an environment variable as a duration with a default value
func getEnvAsDuration(key string, defaultValue time.Duration) time.Duration {
	valueStr := getEnv(key, "")
	if valueStr == "" {
		return defaultValue
	}

	value, err := time.ParseDuration(valueStr)
	if err != nil {
		return defaultValue
	}
	return value
}
