// Package config loads runtime settings from the environment.
package config

import (
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"
)

// Backends understood by DATA_BACKEND.
const (
	BackendMemory   = "memory"
	BackendSQLite   = "sqlite"
	BackendPostgres = "postgres"
)

const minSecretLength = 16

type Config struct {
	// HTTP Server
	Port               string
	CORSAllowedOrigins []string
	ShutdownTimeout    time.Duration

	// Storage
	DataBackend  string
	SQLiteDBPath string
	DatabaseURL  string
	SeedDemoData bool

	// Auth
	JWTSecret  string
	TokenTTL   time.Duration
	BcryptCost int

	// AMQP integration stream, disabled when AMQPURL is empty
	AMQPURL      string
	AMQPExchange string
	AMQPQueue    string

	// Receipts
	UploadDir      string
	MaxUploadBytes int64

	// Runtime
	LogLevel          string
	AnalyticsCacheTTL time.Duration
	WSPingInterval    time.Duration
}

func Load() *Config {
	return &Config{
		Port:               getEnv("PORT", "5000"),
		CORSAllowedOrigins: getEnvList("CORS_ALLOWED_ORIGINS", []string{"http://localhost:3000"}),
		ShutdownTimeout:    getEnvDuration("SHUTDOWN_TIMEOUT", 30*time.Second),

		DataBackend:  getEnv("DATA_BACKEND", BackendMemory),
		SQLiteDBPath: getEnv("SQLITE_DB_PATH", "./data/rimborsi.db"),
		DatabaseURL:  getEnv("DATABASE_URL", ""),
		SeedDemoData: getEnvBool("SEED_DEMO_DATA", false),

		JWTSecret:  getEnv("JWT_SECRET", ""),
		TokenTTL:   getEnvDuration("TOKEN_TTL", 0),
		BcryptCost: getEnvInt("BCRYPT_COST", 10),

		AMQPURL:      getEnv("AMQP_URL", ""),
		AMQPExchange: getEnv("AMQP_EXCHANGE", "rimborsi.events"),
		AMQPQueue:    getEnv("AMQP_QUEUE", "rimborsi.notifications"),

		UploadDir:      getEnv("UPLOAD_DIR", "./data/uploads"),
		MaxUploadBytes: int64(getEnvInt("MAX_UPLOAD_BYTES", 5<<20)),

		LogLevel:          getEnv("LOG_LEVEL", "info"),
		AnalyticsCacheTTL: getEnvDuration("ANALYTICS_CACHE_TTL", 30*time.Second),
		WSPingInterval:    getEnvDuration("WS_PING_INTERVAL", 30*time.Second),
	}
}

// Validate checks every setting and reports all problems at once.
func (c *Config) Validate() error {
	var errors []string

	if port, err := strconv.Atoi(c.Port); err != nil {
		errors = append(errors, fmt.Sprintf("invalid port '%s': must be a number", c.Port))
	} else if port < 1 || port > 65535 {
		errors = append(errors, fmt.Sprintf("invalid port %d: must be between 1 and 65535", port))
	}

	validBackends := []string{BackendMemory, BackendSQLite, BackendPostgres}
	switch c.DataBackend {
	case BackendMemory:
	case BackendSQLite:
		if c.SQLiteDBPath == "" {
			errors = append(errors, "SQLite database path cannot be empty when using sqlite backend")
		} else if dir := filepath.Dir(c.SQLiteDBPath); dir != "." && dir != "" {
			if err := os.MkdirAll(dir, 0o755); err != nil {
				errors = append(errors, fmt.Sprintf("cannot create SQLite database directory '%s': %v", dir, err))
			}
		}
	case BackendPostgres:
		if c.DatabaseURL == "" {
			errors = append(errors, "DATABASE_URL is required when using postgres backend")
		} else if u, err := url.Parse(c.DatabaseURL); err != nil || (u.Scheme != "postgres" && u.Scheme != "postgresql") {
			errors = append(errors, "invalid DATABASE_URL: must be a postgres:// or postgresql:// URL")
		}
	default:
		errors = append(errors, fmt.Sprintf("invalid data backend '%s': must be one of %v", c.DataBackend, validBackends))
	}

	if len(c.JWTSecret) < minSecretLength {
		errors = append(errors, fmt.Sprintf("JWT_SECRET must be at least %d characters", minSecretLength))
	}
	if c.TokenTTL < 0 {
		errors = append(errors, fmt.Sprintf("invalid token TTL %v: must not be negative", c.TokenTTL))
	}
	if c.BcryptCost < 4 || c.BcryptCost > 31 {
		errors = append(errors, fmt.Sprintf("invalid bcrypt cost %d: must be between 4 and 31", c.BcryptCost))
	}

	if c.AMQPURL != "" {
		if parsedURL, err := url.Parse(c.AMQPURL); err != nil {
			errors = append(errors, fmt.Sprintf("invalid AMQP URL '%s': %v", c.AMQPURL, err))
		} else if parsedURL.Scheme != "amqp" && parsedURL.Scheme != "amqps" {
			errors = append(errors, fmt.Sprintf("invalid AMQP URL scheme '%s': must be 'amqp' or 'amqps'", parsedURL.Scheme))
		}
		if c.AMQPExchange == "" {
			errors = append(errors, "AMQP exchange name cannot be empty when AMQP URL is provided")
		}
	}

	if c.UploadDir == "" {
		errors = append(errors, "upload directory cannot be empty")
	}
	if c.MaxUploadBytes < 1024 {
		errors = append(errors, fmt.Sprintf("invalid max upload size %d: must be at least 1024 bytes", c.MaxUploadBytes))
	}

	for _, origin := range c.CORSAllowedOrigins {
		if origin == "*" {
			continue
		}
		if u, err := url.Parse(origin); err != nil || u.Scheme == "" || u.Host == "" {
			errors = append(errors, fmt.Sprintf("invalid CORS origin '%s'", origin))
		}
	}

	if c.AnalyticsCacheTTL < 0 {
		errors = append(errors, fmt.Sprintf("invalid analytics cache TTL %v: must not be negative", c.AnalyticsCacheTTL))
	}
	if c.WSPingInterval != 0 && c.WSPingInterval < time.Second {
		errors = append(errors, fmt.Sprintf("invalid websocket ping interval %v: must be 0 or at least 1 second", c.WSPingInterval))
	}
	if c.ShutdownTimeout < time.Second {
		errors = append(errors, fmt.Sprintf("invalid shutdown timeout %v: must be at least 1 second", c.ShutdownTimeout))
	}

	if len(errors) > 0 {
		return fmt.Errorf("configuration validation failed:\n- %s", strings.Join(errors, "\n- "))
	}
	return nil
}

// WebSocketOrigins converts the CORS origins into host patterns for the
// websocket origin check.
func (c *Config) WebSocketOrigins() []string {
	var out []string
	for _, origin := range c.CORSAllowedOrigins {
		if origin == "*" {
			return []string{"*"}
		}
		if u, err := url.Parse(origin); err == nil && u.Host != "" {
			out = append(out, u.Host)
		}
	}
	return out
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if i, err := strconv.Atoi(value); err == nil {
			return i
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

func getEnvList(key string, defaultValue []string) []string {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue
	}
	var out []string
	for _, part := range strings.Split(value, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}
