package config

import (
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"budgetbook/internal/core"
	"budgetbook/internal/telemetry"
)

type Config struct {
	// Database
	SQLiteDBPath string

	// AMQP
	AMQPURL      string
	AMQPExchange string
	AMQPQueue    string

	// Google Sheets report export
	GoogleSpreadsheetID   string
	GoogleReportSheetName string
	GoogleRatesSheetName  string

	// Worker
	RecalcSchedule string
	RecalcLockTTL  time.Duration

	LogLevel string

	// Telemetry
	Environment       string
	TelemetryExporter string
	TelemetryFile     string

	// Engine settings
	MinBudgetYear            int
	MaxBudgetYear            int
	TransferWindowMinutes    int
	PositiveExchangeCategory int64
	NegativeExchangeCategory int64
	DefaultIncomeCategory    int64
	DefaultExpenseCategory   int64
	DefaultBaseCurrency1     string
	DefaultBaseCurrency2     string
}

func Load() *Config {
	defaults := core.DefaultSettings()
	cfg := &Config{
		SQLiteDBPath: getEnv("SQLITE_DB_PATH", "./data/budget.db"),

		AMQPURL:      getEnv("AMQP_URL", ""),
		AMQPExchange: getEnv("AMQP_EXCHANGE", "budget"),
		AMQPQueue:    getEnv("AMQP_QUEUE", "recalc_requests"),

		GoogleSpreadsheetID:   getEnv("GOOGLE_SPREADSHEET_ID", ""),
		GoogleReportSheetName: getEnv("GOOGLE_REPORT_SHEET_NAME", "Budget"),
		GoogleRatesSheetName:  getEnv("GOOGLE_RATES_SHEET_NAME", "Rates"),

		RecalcSchedule: getEnv("RECALC_SCHEDULE", "30 3 * * *"),
		RecalcLockTTL:  getEnvDuration("RECALC_LOCK_TTL", 30*time.Minute),

		LogLevel: getEnv("LOG_LEVEL", "info"),

		Environment:       getEnv("APP_ENV", "development"),
		TelemetryExporter: getEnv("TELEMETRY_EXPORTER", telemetry.ExporterNone),
		TelemetryFile:     getEnv("TELEMETRY_FILE", ""),

		MinBudgetYear:            getEnvInt("MIN_BUDGET_YEAR", defaults.MinBudgetYear),
		MaxBudgetYear:            getEnvInt("MAX_BUDGET_YEAR", defaults.MaxBudgetYear),
		TransferWindowMinutes:    getEnvInt("DEFAULT_MINUTES_DELTA_FOR_NEW_TRANSACTION", int(defaults.TransferWindow/time.Minute)),
		PositiveExchangeCategory: getEnvInt64("POSITIVE_EXCHANGE_DIFFERENCE", defaults.PositiveExchangeCategory),
		NegativeExchangeCategory: getEnvInt64("NEGATIVE_EXCHANGE_DIFFERENCE", defaults.NegativeExchangeCategory),
		DefaultIncomeCategory:    getEnvInt64("DEFAULT_INC_CATEGORY", defaults.DefaultIncomeCategory),
		DefaultExpenseCategory:   getEnvInt64("DEFAULT_EXP_CATEGORY", defaults.DefaultExpenseCategory),
		DefaultBaseCurrency1:     getEnv("DEFAULT_BASE_CURRENCY_1", defaults.DefaultBaseCurrency1),
		DefaultBaseCurrency2:     getEnv("DEFAULT_BASE_CURRENCY_2", defaults.DefaultBaseCurrency2),
	}

	return cfg
}

// Settings returns the immutable engine context built from the configuration.
func (c *Config) Settings() core.Settings {
	return core.Settings{
		MinBudgetYear:            c.MinBudgetYear,
		MaxBudgetYear:            c.MaxBudgetYear,
		TransferWindow:           time.Duration(c.TransferWindowMinutes) * time.Minute,
		PositiveExchangeCategory: c.PositiveExchangeCategory,
		NegativeExchangeCategory: c.NegativeExchangeCategory,
		DefaultIncomeCategory:    c.DefaultIncomeCategory,
		DefaultExpenseCategory:   c.DefaultExpenseCategory,
		DefaultBaseCurrency1:     c.DefaultBaseCurrency1,
		DefaultBaseCurrency2:     c.DefaultBaseCurrency2,
	}
}

// Validate validates the configuration and returns an error if invalid
func (c *Config) Validate() error {
	var errors []string

	if c.SQLiteDBPath == "" {
		errors = append(errors, "SQLite database path cannot be empty")
	} else {
		dir := filepath.Dir(c.SQLiteDBPath)
		if dir != "." && dir != "" {
			if _, err := os.Stat(dir); os.IsNotExist(err) {
				if err := os.MkdirAll(dir, 0755); err != nil {
					errors = append(errors, fmt.Sprintf("cannot create SQLite database directory '%s': %v", dir, err))
				}
			}
		}
	}

	// AMQP is optional; when set it must be well formed
	if c.AMQPURL != "" {
		if parsedURL, err := url.Parse(c.AMQPURL); err != nil {
			errors = append(errors, fmt.Sprintf("invalid AMQP URL '%s': %v", c.AMQPURL, err))
		} else if parsedURL.Scheme != "amqp" && parsedURL.Scheme != "amqps" {
			errors = append(errors, fmt.Sprintf("invalid AMQP URL scheme '%s': must be 'amqp' or 'amqps'", parsedURL.Scheme))
		}
		if c.AMQPExchange == "" {
			errors = append(errors, "AMQP exchange name cannot be empty when AMQP URL is provided")
		}
		if c.AMQPQueue == "" {
			errors = append(errors, "AMQP queue name cannot be empty when AMQP URL is provided")
		}
	}

	if c.GoogleSpreadsheetID != "" && c.GoogleReportSheetName == "" {
		errors = append(errors, "Google report sheet name is required when a spreadsheet ID is set")
	}

	if c.RecalcLockTTL < time.Minute {
		errors = append(errors, fmt.Sprintf("invalid recalc lock TTL %v: must be at least 1 minute", c.RecalcLockTTL))
	}

	switch strings.ToLower(c.LogLevel) {
	case "debug", "info", "warn", "error":
	default:
		errors = append(errors, fmt.Sprintf("invalid log level '%s': must be one of debug, info, warn, error", c.LogLevel))
	}

	if !telemetry.ValidExporter(c.TelemetryExporter) {
		errors = append(errors, fmt.Sprintf("invalid telemetry exporter '%s': must be none or stdout", c.TelemetryExporter))
	}

	if c.MinBudgetYear < 1900 || c.MaxBudgetYear > 9999 || c.MinBudgetYear > c.MaxBudgetYear {
		errors = append(errors, fmt.Sprintf("invalid budget year bounds [%d, %d]", c.MinBudgetYear, c.MaxBudgetYear))
	}

	if c.TransferWindowMinutes < 0 || c.TransferWindowMinutes > 24*60 {
		errors = append(errors, fmt.Sprintf("invalid transfer window %d minutes: must be between 0 and 1440", c.TransferWindowMinutes))
	}

	sentinels := map[string]int64{
		"POSITIVE_EXCHANGE_DIFFERENCE": c.PositiveExchangeCategory,
		"NEGATIVE_EXCHANGE_DIFFERENCE": c.NegativeExchangeCategory,
		"DEFAULT_INC_CATEGORY":         c.DefaultIncomeCategory,
		"DEFAULT_EXP_CATEGORY":         c.DefaultExpenseCategory,
	}
	for _, name := range []string{"POSITIVE_EXCHANGE_DIFFERENCE", "NEGATIVE_EXCHANGE_DIFFERENCE", "DEFAULT_INC_CATEGORY", "DEFAULT_EXP_CATEGORY"} {
		if sentinels[name] <= 0 {
			errors = append(errors, fmt.Sprintf("%s must be a positive category id", name))
		}
	}
	if c.PositiveExchangeCategory == c.NegativeExchangeCategory {
		errors = append(errors, "exchange difference categories must differ")
	}

	for _, cur := range []string{c.DefaultBaseCurrency1, c.DefaultBaseCurrency2} {
		if len(cur) != 3 || strings.ToUpper(cur) != cur {
			errors = append(errors, fmt.Sprintf("invalid base currency '%s': must be a 3-letter ISO code", cur))
		}
	}

	// Return combined errors
	if len(errors) > 0 {
		return fmt.Errorf("configuration validation failed:\n- %s", strings.Join(errors, "\n- "))
	}

	return nil
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

func getEnvInt64(key string, defaultValue int64) int64 {
	if value := os.Getenv(key); value != "" {
		if i, err := strconv.ParseInt(value, 10, 64); err == nil {
			return i
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
