package sheets

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/shopspring/decimal"

	"budgetbook/internal/core"
)

// RateHeader is the first row of a rate sheet. Each further row says that on
// date one unit of currency_to costs rate units of currency_from.
var RateHeader = []string{"date", "currency_from", "currency_to", "rate"}

var ErrBadRateRow = errors.New("invalid rate row")

// ParseRateRows converts a rate grid. The header row is optional and blank
// rows are ignored.
func ParseRateRows(rows [][]string) ([]core.ExchangeRate, error) {
	var out []core.ExchangeRate
	for i, row := range rows {
		if i == 0 && len(row) > 0 && strings.EqualFold(strings.TrimSpace(row[0]), RateHeader[0]) {
			continue
		}
		if blank(row) {
			continue
		}
		r, err := parseRate(row)
		if err != nil {
			return nil, fmt.Errorf("row %d: %w", i+1, err)
		}
		out = append(out, r)
	}
	return out, nil
}

func parseRate(row []string) (core.ExchangeRate, error) {
	if len(row) < len(RateHeader) {
		return core.ExchangeRate{}, fmt.Errorf("%w: want %d cells, got %d", ErrBadRateRow, len(RateHeader), len(row))
	}
	day, err := time.Parse("2006-01-02", strings.TrimSpace(row[0]))
	if err != nil {
		return core.ExchangeRate{}, fmt.Errorf("%w: date %q", ErrBadRateRow, row[0])
	}
	from, to := currency(row[1]), currency(row[2])
	if len(from) != 3 || len(to) != 3 || from == to {
		return core.ExchangeRate{}, fmt.Errorf("%w: currencies %q/%q", ErrBadRateRow, row[1], row[2])
	}
	rate, err := decimal.NewFromString(strings.ReplaceAll(strings.TrimSpace(row[3]), ",", "."))
	if err != nil || !rate.IsPositive() {
		return core.ExchangeRate{}, fmt.Errorf("%w: rate %q", ErrBadRateRow, row[3])
	}
	return core.ExchangeRate{Date: day, CurrencyFrom: from, CurrencyTo: to, Rate: core.RoundRate(rate)}, nil
}

func currency(s string) string {
	return strings.ToUpper(strings.TrimSpace(s))
}

func blank(row []string) bool {
	for _, c := range row {
		if strings.TrimSpace(c) != "" {
			return false
		}
	}
	return true
}

// RateStore persists exchange rates.
type RateStore interface {
	UpsertRate(ctx context.Context, r core.ExchangeRate) error
}

// ImportRates copies every rate from src into dst and returns how many were
// written. Callers holding a rate cache must invalidate it afterwards.
func ImportRates(ctx context.Context, src RateReader, dst RateStore) (int, error) {
	rates, err := src.ReadRates(ctx)
	if err != nil {
		return 0, fmt.Errorf("read rates: %w", err)
	}
	for i, r := range rates {
		if err := dst.UpsertRate(ctx, r); err != nil {
			return i, fmt.Errorf("store rate %s %s/%s: %w", r.Date.Format("2006-01-02"), r.CurrencyFrom, r.CurrencyTo, err)
		}
	}
	return len(rates), nil
}
