// Package backend picks the spreadsheet that budget reports are published to
// and exchange rates are loaded from.
package backend

import (
	"context"
	"fmt"

	"budgetbook/internal/log"
	"budgetbook/internal/sheets"
	gsheet "budgetbook/internal/sheets/google"
	"budgetbook/internal/sheets/memory"
	"budgetbook/internal/sheets/xlsx"
)

// Backend is implemented by every spreadsheet adapter.
type Backend interface {
	sheets.ReportWriter
	sheets.RateReader
}

// Factory creates backends based on configuration
type Factory struct {
	logger *log.Logger
}

// NewFactory creates a new backend factory
func NewFactory(logger *log.Logger) *Factory {
	return &Factory{logger: logger.WithComponent(log.ComponentSheets)}
}

// Create returns the backend selected by config.
func (f *Factory) Create(ctx context.Context, config Config) (Backend, error) {
	if err := config.Validate(); err != nil {
		return nil, err
	}

	switch config.Type {
	case SheetsBackend:
		cli, err := gsheet.NewFromEnv(ctx, config.GoogleSpreadsheetID, config.GoogleRatesSheetName, f.logger)
		if err != nil {
			return nil, fmt.Errorf("failed to initialize Google Sheets client: %w", err)
		}
		f.logger.InfoContext(ctx, "Initialized Google Sheets backend", "spreadsheet_id", config.GoogleSpreadsheetID)
		return cli, nil
	case XLSXBackend:
		f.logger.InfoContext(ctx, "Initialized workbook backend", "path", config.WorkbookPath)
		return xlsx.New(config.WorkbookPath, config.WorkbookRates, f.logger), nil
	case MemoryBackend:
		f.logger.InfoContext(ctx, "Initialized memory backend")
		return memory.New(), nil
	default:
		return nil, fmt.Errorf("unsupported backend type: %s", config.Type)
	}
}
