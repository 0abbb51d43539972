// Package config provides configuration management for the report runner.
// It handles loading configuration from environment variables with sensible
// defaults and validates the configuration so the process starts safely.
//
// Environment Variables:
//
// Application Settings:
//   - PORT: Server port (default: 8080)
//   - LOG_LEVEL: Logging level (default: info)
//   - LOG_FILE: Log file path (default: stdout)
//   - ACTIONS_PATH: Path to the action catalog JSON file (default: ./configs/actions.json)
//   - SECRET_PREFIX: Prefix for secret environment variables (default: RUNNER_SECRET_)
//
// Pipeline Settings:
//   - STAGE_TIMEOUT: Per-stage timeout (default: 2m)
//   - INVOKE_TIMEOUT: Per-call HTTP timeout (default: 30s)
//   - DELIVERY_CONCURRENCY: Fan-out worker pool size (default: 4)
//   - RETRY_MAX_ATTEMPTS: Attempts for transient failures (default: 3)
//
// Run Store Configuration:
//   - DATABASE_TYPE: "sqlite" or "postgres" (default: sqlite)
//   - DATABASE_PATH: SQLite database file path (default: ./report_runner.db)
//   - POSTGRES_HOST: PostgreSQL host (required if using PostgreSQL)
//   - POSTGRES_PORT: PostgreSQL port (default: 5432)
//   - POSTGRES_DB: PostgreSQL database name (required if using PostgreSQL)
//   - POSTGRES_USER: PostgreSQL username (required if using PostgreSQL)
//   - POSTGRES_PASSWORD: PostgreSQL password
//   - POSTGRES_SSL_MODE: PostgreSQL SSL mode (default: disable)
//
// Cache Configuration:
//   - CACHE_TYPE: "local" or "redis" (default: local)
//   - CACHE_TTL: Response cache TTL (default: 5m)
//   - REDIS_ADDRESS: Redis server address (default: localhost:6379)
//   - REDIS_PASSWORD: Redis password
//   - REDIS_DB: Redis database number 0-15 (default: 0)
//
// Security Configuration:
//   - JWT_SECRET: JWT signing secret (required, minimum 32 characters)
//   - ADMIN_USERNAME: API admin username (default: admin)
//   - ADMIN_PASSWORD_HASH: bcrypt hash of the admin password (required)
//   - TLS_CERT_FILE / TLS_KEY_FILE: enable TLS when both are set
//
// Scheduler Configuration:
//   - SCHEDULE_CRON: cron expression for a recurring run (empty disables it)
//   - SCHEDULE_PROMPT: prompt used by the recurring run
package config

import (
	"fmt"
	"os"
	"strconv"
	"time"
)

// Config holds all configuration values for the report runner. All fields
// correspond to environment variables that can be set to override defaults.
type Config struct {
	// Application settings
	Port         string
	LogLevel     string
	LogFile      string
	ActionsPath  string
	SecretPrefix string

	// Pipeline settings
	StageTimeout        time.Duration
	InvokeTimeout       time.Duration
	DeliveryConcurrency int
	RetryMaxAttempts    int

	// Run store configuration
	DatabaseType     string
	DatabasePath     string
	PostgresHost     string
	PostgresPort     string
	PostgresDB       string
	PostgresUser     string
	PostgresPassword string
	PostgresSSLMode  string

	// Cache configuration
	CacheType     string
	CacheTTL      time.Duration
	RedisAddress  string
	RedisPassword string
	RedisDB       string

	// Security configuration
	JWTSecret         string
	AdminUsername     string
	AdminPasswordHash string
	TLSCertFile       string
	TLSKeyFile        string

	// Scheduler configuration
	ScheduleCron   string
	SchedulePrompt string
}

// Load creates a Config with values from environment variables, falling back
// to defaults. It does not validate; call Validate() before use.
func Load() *Config {
	return &Config{
		Port:         getEnv("PORT", "8080"),
		LogLevel:     getEnv("LOG_LEVEL", "info"),
		LogFile:      getEnv("LOG_FILE", ""),
		ActionsPath:  getEnv("ACTIONS_PATH", "./configs/actions.json"),
		SecretPrefix: getEnv("SECRET_PREFIX", "RUNNER_SECRET_"),

		StageTimeout:        getDurationEnv("STAGE_TIMEOUT", 2*time.Minute),
		InvokeTimeout:       getDurationEnv("INVOKE_TIMEOUT", 30*time.Second),
		DeliveryConcurrency: getIntEnv("DELIVERY_CONCURRENCY", 4),
		RetryMaxAttempts:    getIntEnv("RETRY_MAX_ATTEMPTS", 3),

		DatabaseType:     getEnv("DATABASE_TYPE", "sqlite"),
		DatabasePath:     getEnv("DATABASE_PATH", "./report_runner.db"),
		PostgresHost:     getEnv("POSTGRES_HOST", "localhost"),
		PostgresPort:     getEnv("POSTGRES_PORT", "5432"),
		PostgresDB:       getEnv("POSTGRES_DB", "report_runner"),
		PostgresUser:     getEnv("POSTGRES_USER", "postgres"),
		PostgresPassword: getEnv("POSTGRES_PASSWORD", ""),
		PostgresSSLMode:  getEnv("POSTGRES_SSL_MODE", "disable"),

		CacheType:     getEnv("CACHE_TYPE", "local"),
		CacheTTL:      getDurationEnv("CACHE_TTL", 5*time.Minute),
		RedisAddress:  getEnv("REDIS_ADDRESS", "localhost:6379"),
		RedisPassword: getEnv("REDIS_PASSWORD", ""),
		RedisDB:       getEnv("REDIS_DB", "0"),

		JWTSecret:         getEnv("JWT_SECRET", ""),
		AdminUsername:     getEnv("ADMIN_USERNAME", "admin"),
		AdminPasswordHash: getEnv("ADMIN_PASSWORD_HASH", ""),
		TLSCertFile:       getEnv("TLS_CERT_FILE", ""),
		TLSKeyFile:        getEnv("TLS_KEY_FILE", ""),

		ScheduleCron:   getEnv("SCHEDULE_CRON", ""),
		SchedulePrompt: getEnv("SCHEDULE_PROMPT", ""),
	}
}

// Validate checks required fields, formats and cross-field dependencies.
// Call it after Load() and before wiring anything up.
func (c *Config) Validate() error {
	if c.JWTSecret == "" {
		return fmt.Errorf("JWT_SECRET environment variable is required")
	}
	if len(c.JWTSecret) < 32 {
		return fmt.Errorf("JWT_SECRET must be at least 32 characters long")
	}
	if c.AdminPasswordHash == "" {
		return fmt.Errorf("ADMIN_PASSWORD_HASH environment variable is required")
	}

	if port, err := strconv.Atoi(c.Port); err != nil || port < 1 || port > 65535 {
		return fmt.Errorf("PORT must be a valid port number between 1 and 65535")
	}

	if c.ActionsPath == "" {
		return fmt.Errorf("ACTIONS_PATH must not be empty")
	}

	switch c.DatabaseType {
	case "sqlite", "postgres":
	default:
		return fmt.Errorf("DATABASE_TYPE must be 'sqlite' or 'postgres'")
	}
	if c.DatabaseType == "postgres" {
		if c.PostgresHost == "" {
			return fmt.Errorf("POSTGRES_HOST is required when using PostgreSQL")
		}
		if c.PostgresDB == "" {
			return fmt.Errorf("POSTGRES_DB is required when using PostgreSQL")
		}
		if c.PostgresUser == "" {
			return fmt.Errorf("POSTGRES_USER is required when using PostgreSQL")
		}
		if port, err := strconv.Atoi(c.PostgresPort); err != nil || port < 1 || port > 65535 {
			return fmt.Errorf("POSTGRES_PORT must be a valid port number")
		}
	}

	switch c.CacheType {
	case "local", "redis":
	default:
		return fmt.Errorf("CACHE_TYPE must be 'local' or 'redis'")
	}
	if c.CacheType == "redis" {
		if c.RedisAddress == "" {
			return fmt.Errorf("REDIS_ADDRESS is required when using Redis")
		}
		if db, err := strconv.Atoi(c.RedisDB); err != nil || db < 0 || db > 15 {
			return fmt.Errorf("REDIS_DB must be a number between 0 and 15")
		}
	}

	if c.DeliveryConcurrency < 1 {
		return fmt.Errorf("DELIVERY_CONCURRENCY must be at least 1")
	}
	if c.RetryMaxAttempts < 1 {
		return fmt.Errorf("RETRY_MAX_ATTEMPTS must be at least 1")
	}

	if (c.TLSCertFile == "") != (c.TLSKeyFile == "") {
		return fmt.Errorf("TLS_CERT_FILE and TLS_KEY_FILE must be set together")
	}

	if c.ScheduleCron != "" && c.SchedulePrompt == "" {
		return fmt.Errorf("SCHEDULE_PROMPT is required when SCHEDULE_CRON is set")
	}

	return nil
}

// PostgresDSN builds the connection string for the postgres run store backend
func (c *Config) PostgresDSN() string {
	return fmt.Sprintf("host=%s port=%s user=%s password=%s dbname=%s sslmode=%s",
		c.PostgresHost, c.PostgresPort, c.PostgresUser, c.PostgresPassword,
		c.PostgresDB, c.PostgresSSLMode)
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getIntEnv(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if parsed, err := strconv.Atoi(value); err == nil {
			return parsed
		}
	}
	return defaultValue
}

func getDurationEnv(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if parsed, err := time.ParseDuration(value); err == nil {
			return parsed
		}
	}
	return defaultValue
}
