// Package cli provides common initialization for the budget and
// recalc-worker binaries.
package cli

import (
	"context"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"

	"budgetbook/internal/config"
	"budgetbook/internal/log"
	"budgetbook/internal/rates"
	"budgetbook/internal/storage"
	"budgetbook/internal/telemetry"
)

// SetupLogger creates the root logger at LOG_LEVEL and makes it the slog
// default. Logs go to stderr so command output on stdout stays clean.
func SetupLogger(level string) *log.Logger {
	logger := log.New(log.Config{
		Level:     log.ParseLevel(level),
		Component: log.ComponentApp,
		Output:    os.Stderr,
	})
	log.SetDefault(logger)
	return logger
}

// LoadEnvFile loads the .env file for local development.
// Errors are ignored silently as this is optional in production.
func LoadEnvFile() {
	_ = godotenv.Load()
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

// InitSQLite applies pending migrations and opens the repository at dbPath.
// Returns the repository or exits the process on failure.
func InitSQLite(logger *log.Logger, dbPath string) *storage.SQLiteRepository {
	if err := storage.RunMigrations(dbPath); err != nil {
		logger.Error("Failed to run migrations", log.FieldError, err, "path", dbPath)
		os.Exit(1)
	}
	repo, err := storage.NewSQLiteRepository(dbPath)
	if err != nil {
		logger.Error("Failed to initialize SQLite repository", log.FieldError, err, "path", dbPath)
		os.Exit(1)
	}
	return repo
}

// InitRates returns the rate service over the repository's stored rates.
func InitRates(logger *log.Logger, repo *storage.SQLiteRepository) *rates.Service {
	return rates.NewService(repo.Queries(), logger)
}

// InitTelemetry installs the tracer and meter providers selected by
// TELEMETRY_EXPORTER. Exported data goes to TELEMETRY_FILE, or stderr when
// unset. The returned func flushes and must run before exit.
func InitTelemetry(ctx context.Context, logger *log.Logger, cfg *config.Config, service string) func() {
	tc := telemetry.Config{ServiceName: service, Environment: cfg.Environment, Exporter: cfg.TelemetryExporter}
	var file *os.File
	if cfg.TelemetryFile != "" {
		f, err := os.OpenFile(cfg.TelemetryFile, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
		if err != nil {
			logger.Error("Failed to open telemetry file", log.FieldError, err, "path", cfg.TelemetryFile)
			os.Exit(1)
		}
		file, tc.Output = f, f
	}
	shutdown, err := telemetry.Init(ctx, tc)
	if err != nil {
		logger.Error("Failed to initialize telemetry", log.FieldError, err)
		os.Exit(1)
	}
	logger.Debug("Telemetry initialized", "exporter", cfg.TelemetryExporter, "service", service)

	return func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := shutdown(ctx); err != nil {
			logger.Warn("Telemetry shutdown failed", log.FieldError, err)
		}
		if file != nil {
			file.Close()
		}
	}
}

// GracefulShutdown sets up signal handling for graceful shutdown.
// Returns a context that will be cancelled on shutdown signals,
// and a channel that signals when shutdown is complete.
func GracefulShutdown(logger *log.Logger, timeout time.Duration, cleanup func()) (context.Context, <-chan struct{}) {
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})

	go func() {
		sigChan := make(chan os.Signal, 1)
		signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
		sig := <-sigChan
		logger.Info("Shutdown signal received", "signal", sig.String(), log.FieldOperation, log.OpShutdown)

		cancel()

		finished := make(chan struct{})
		go func() {
			if cleanup != nil {
				cleanup()
			}
			close(finished)
		}()

		select {
		case <-finished:
			logger.Info("Shutdown complete")
		case <-time.After(timeout):
			logger.Warn("Shutdown timeout reached")
		}
		close(done)
	}()

	return ctx, done
}

// WaitForShutdown blocks until the context is cancelled.
func WaitForShutdown(ctx context.Context, done <-chan struct{}) {
	<-ctx.Done()
	<-done
}
