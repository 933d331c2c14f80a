package core

import "time"

// Settings is the immutable engine context, read once at startup and passed
// explicitly to every component.
type Settings struct {
	MinBudgetYear int
	MaxBudgetYear int

	// TransferWindow bounds the time between the legs of a transfer.
	TransferWindow time.Duration

	PositiveExchangeCategory int64
	NegativeExchangeCategory int64
	DefaultIncomeCategory    int64
	DefaultExpenseCategory   int64

	DefaultBaseCurrency1 string
	DefaultBaseCurrency2 string
}

// DefaultSettings matches the categories seeded by the initial migration.
func DefaultSettings() Settings {
	return Settings{
		MinBudgetYear:            2000,
		MaxBudgetYear:            2100,
		TransferWindow:           5 * time.Minute,
		PositiveExchangeCategory: 3,
		NegativeExchangeCategory: 4,
		DefaultIncomeCategory:    7,
		DefaultExpenseCategory:   8,
		DefaultBaseCurrency1:     "EUR",
		DefaultBaseCurrency2:     "USD",
	}
}

// ExchangeCategory returns the sentinel category for an exchange-difference kind.
func (s Settings) ExchangeCategory(k Kind) int64 {
	if k == KindExchangePlus {
		return s.PositiveExchangeCategory
	}
	return s.NegativeExchangeCategory
}

// FallbackCategory returns the category a CRE/DEB without allocations is booked to.
func (s Settings) FallbackCategory(k Kind) int64 {
	if k == KindIncome {
		return s.DefaultIncomeCategory
	}
	return s.DefaultExpenseCategory
}

// IsExchangeCategory reports whether id is one of the two sentinel categories.
func (s Settings) IsExchangeCategory(id int64) bool {
	return id == s.PositiveExchangeCategory || id == s.NegativeExchangeCategory
}
