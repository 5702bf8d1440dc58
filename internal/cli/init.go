// Package cli provides common CLI initialization utilities shared by the
// binaries under cmd/.
package cli

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"

	"rimborsi/internal/config"
	"rimborsi/internal/log"
)

// SetupLogger builds the process logger at the given LOG_LEVEL and makes it
// the slog default.
func SetupLogger(level string) *log.Logger {
	cfg := log.DefaultConfig()
	cfg.Level = log.ParseLevel(level)
	logger := log.New(cfg)
	log.SetDefault(logger)
	return logger
}

// LoadEnvFile loads the .env file for local development.
// Errors are ignored silently as this is optional in production.
func LoadEnvFile(paths ...string) {
	_ = godotenv.Load(paths...)
}

// LoadAndValidateConfig loads configuration and validates it.
// Returns the config or exits the process on validation failure.
func LoadAndValidateConfig(logger *log.Logger) *config.Config {
	cfg := config.Load()
	if err := cfg.Validate(); err != nil {
		logger.Error("Configuration validation failed", log.FieldError, err)
		os.Exit(1)
	}
	return cfg
}

// Fatal logs err and exits.
func Fatal(logger *log.Logger, msg string, err error, args ...any) {
	logger.Error(msg, append([]any{log.FieldError, err}, args...)...)
	os.Exit(1)
}

// SignalContext is cancelled on SIGINT or SIGTERM.
func SignalContext(logger *log.Logger) (context.Context, context.CancelFunc) {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-ctx.Done()
		logger.Info("Shutdown signal received")
	}()
	return ctx, stop
}

// RunCleanup runs cleanup with a deadline, logging if it overruns.
func RunCleanup(logger *log.Logger, timeout time.Duration, cleanup func(context.Context) error) error {
	if cleanup == nil {
		return nil
	}
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()

	done := make(chan error, 1)
	go func() { done <- cleanup(ctx) }()

	select {
	case err := <-done:
		if err != nil {
			return fmt.Errorf("cleanup: %w", err)
		}
		logger.Info("Shutdown complete")
		return nil
	case <-ctx.Done():
		logger.Warn("Shutdown timeout reached")
		return ctx.Err()
	}
}
