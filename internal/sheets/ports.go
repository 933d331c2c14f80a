package sheets

import (
	"context"

	"budgetbook/internal/core"
)

// Ports for outbound spreadsheet adapters.
type (
	// ReportWriter publishes a flattened report grid under title, replacing
	// whatever was published there before.
	ReportWriter interface {
		WriteReport(ctx context.Context, title string, rows [][]string) (ref string, err error)
	}

	// RateReader lists exchange rates maintained outside the ledger.
	RateReader interface {
		ReadRates(ctx context.Context) ([]core.ExchangeRate, error)
	}
)
