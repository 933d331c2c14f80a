package backend

import (
	"fmt"

	"budgetbook/internal/config"
)

// BackendType represents where reports are written and rates are read
type BackendType string

const (
	SheetsBackend BackendType = "sheets"
	XLSXBackend   BackendType = "xlsx"
	MemoryBackend BackendType = "memory"
)

// String implements fmt.Stringer
func (bt BackendType) String() string {
	return string(bt)
}

// IsValid returns true if the backend type is valid
func (bt BackendType) IsValid() bool {
	switch bt {
	case SheetsBackend, XLSXBackend, MemoryBackend:
		return true
	default:
		return false
	}
}

// Config holds configuration for backend creation
type Config struct {
	Type BackendType

	// Google Sheets specific
	GoogleSpreadsheetID  string
	GoogleRatesSheetName string

	// Workbook specific
	WorkbookPath  string
	WorkbookRates string
}

// FromAppConfig converts the application config to backend config
func FromAppConfig(appConfig *config.Config, typ BackendType, workbookPath string) (Config, error) {
	if appConfig == nil {
		return Config{}, fmt.Errorf("app config is nil")
	}
	cfg := Config{
		Type:                 typ,
		GoogleSpreadsheetID:  appConfig.GoogleSpreadsheetID,
		GoogleRatesSheetName: appConfig.GoogleRatesSheetName,
		WorkbookPath:         workbookPath,
		WorkbookRates:        appConfig.GoogleRatesSheetName,
	}
	return cfg, cfg.Validate()
}

// Validate validates the backend configuration
func (c Config) Validate() error {
	if !c.Type.IsValid() {
		return fmt.Errorf("invalid backend type: %q (want one of %v)", c.Type, GetBackendTypes())
	}

	switch c.Type {
	case SheetsBackend:
		if c.GoogleSpreadsheetID == "" {
			return fmt.Errorf("Google Spreadsheet ID is required for sheets backend")
		}
	case XLSXBackend:
		if c.WorkbookPath == "" {
			return fmt.Errorf("workbook path is required for xlsx backend")
		}
	case MemoryBackend:
		// Nothing to configure
	}

	return nil
}

// GetBackendTypes returns all valid backend types
func GetBackendTypes() []BackendType {
	return []BackendType{SheetsBackend, XLSXBackend, MemoryBackend}
}
