package storage

import (
	"context"
	"time"

	"budgetbook/internal/core"
)

// UpsertRate stores one feed entry; its date is truncated to the UTC day.
func (q *Queries) UpsertRate(ctx context.Context, r core.ExchangeRate) error {
	day := time.Date(r.Date.UTC().Year(), r.Date.UTC().Month(), r.Date.UTC().Day(), 0, 0, 0, 0, time.UTC)
	_, err := q.db.ExecContext(ctx, `
		INSERT INTO exchange_rates (currency_from, currency_to, rate_date, rate)
		VALUES (?, ?, ?, ?)
		ON CONFLICT(currency_from, currency_to, rate_date) DO UPDATE SET rate = excluded.rate`,
		r.CurrencyFrom, r.CurrencyTo, toMicros(day), core.RoundRate(r.Rate))
	return storeErr("upsert rate", err)
}

// LatestRate returns the most recent entry for the ordered pair dated at or
// before at.
func (q *Queries) LatestRate(ctx context.Context, from, to string, at time.Time) (core.ExchangeRate, error) {
	var (
		r   core.ExchangeRate
		day int64
	)
	err := q.db.QueryRowContext(ctx, `
		SELECT currency_from, currency_to, rate_date, rate FROM exchange_rates
		WHERE currency_from = ? AND currency_to = ? AND rate_date <= ?
		ORDER BY rate_date DESC LIMIT 1`, from, to, toMicros(at)).
		Scan(&r.CurrencyFrom, &r.CurrencyTo, &day, &r.Rate)
	if err != nil {
		return r, storeErr("latest rate", err)
	}
	r.Date = fromMicros(day)
	return r, nil
}

// EarliestRateAfter returns the first entry for the ordered pair dated after at.
func (q *Queries) EarliestRateAfter(ctx context.Context, from, to string, at time.Time) (core.ExchangeRate, error) {
	var (
		r   core.ExchangeRate
		day int64
	)
	err := q.db.QueryRowContext(ctx, `
		SELECT currency_from, currency_to, rate_date, rate FROM exchange_rates
		WHERE currency_from = ? AND currency_to = ? AND rate_date > ?
		ORDER BY rate_date ASC LIMIT 1`, from, to, toMicros(at)).
		Scan(&r.CurrencyFrom, &r.CurrencyTo, &day, &r.Rate)
	if err != nil {
		return r, storeErr("earliest rate", err)
	}
	r.Date = fromMicros(day)
	return r, nil
}

// ListRates returns the feed entries for the ordered pair, oldest first.
func (q *Queries) ListRates(ctx context.Context, from, to string) ([]core.ExchangeRate, error) {
	rows, err := q.db.QueryContext(ctx, `
		SELECT currency_from, currency_to, rate_date, rate FROM exchange_rates
		WHERE currency_from = ? AND currency_to = ?
		ORDER BY rate_date`, from, to)
	if err != nil {
		return nil, storeErr("list rates", err)
	}
	defer rows.Close()

	var out []core.ExchangeRate
	for rows.Next() {
		var (
			r   core.ExchangeRate
			day int64
		)
		if err := rows.Scan(&r.CurrencyFrom, &r.CurrencyTo, &day, &r.Rate); err != nil {
			return nil, storeErr("list rates", err)
		}
		r.Date = fromMicros(day)
		out = append(out, r)
	}
	return out, storeErr("list rates", rows.Err())
}
