// Package core provides money parsing and handling utilities.
//
// Amounts are decimals with 2 fractional digits (19 total), rates carry 9
// fractional digits. All rounding is half away from zero.
package core

import (
	"strings"
	"unicode"

	"github.com/shopspring/decimal"
)

const (
	AmountPlaces = 2
	RatePlaces   = 9
)

// maxAmountDigits bounds the integer part of an amount (19 digits total, 2 fractional).
const maxAmountDigits = 17

// ParseAmount converts a user-entered decimal string to an amount.
//
// It accepts both dot (12.34) and comma (12,34) decimal separators, an optional
// leading sign, and rounds half away from zero on the third decimal place.
// Zero is allowed here; callers decide whether a zero amount is acceptable.
//
// Examples:
//
//	ParseAmount("12.34")  -> 12.34
//	ParseAmount("-12,345") -> -12.35
func ParseAmount(s string) (decimal.Decimal, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return decimal.Zero, ErrInvalidAmount
	}
	s = strings.ReplaceAll(s, ",", ".")
	digits := strings.TrimLeft(s, "+-")
	if len(s)-len(digits) > 1 {
		return decimal.Zero, ErrInvalidAmount
	}
	parts := strings.Split(digits, ".")
	if len(parts) > 2 || (parts[0] == "" && (len(parts) == 1 || parts[1] == "")) {
		return decimal.Zero, ErrInvalidAmount
	}
	for _, p := range parts {
		for _, r := range p {
			if !unicode.IsDigit(r) {
				return decimal.Zero, ErrInvalidAmount
			}
		}
	}
	if len(strings.TrimLeft(parts[0], "0")) > maxAmountDigits {
		return decimal.Zero, ErrInvalidAmount
	}
	d, err := decimal.NewFromString(s)
	if err != nil {
		return decimal.Zero, ErrInvalidAmount
	}
	return RoundAmount(d), nil
}

// RoundAmount rounds to 2 decimal places.
func RoundAmount(d decimal.Decimal) decimal.Decimal {
	return d.Round(AmountPlaces)
}

// RoundRate rounds to 9 decimal places.
func RoundRate(d decimal.Decimal) decimal.Decimal {
	return d.Round(RatePlaces)
}

// MaxDecimal returns the larger of a and b.
func MaxDecimal(a, b decimal.Decimal) decimal.Decimal {
	if a.GreaterThan(b) {
		return a
	}
	return b
}

// MinDecimal returns the smaller of a and b.
func MinDecimal(a, b decimal.Decimal) decimal.Decimal {
	if a.LessThan(b) {
		return a
	}
	return b
}
