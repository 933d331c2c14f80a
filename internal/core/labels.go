package core

import (
	"fmt"

	"github.com/shopspring/decimal"
)

// User-visible labels. Storage keeps numeric months and offsets only.
var MonthLabels = [12]string{
	"January", "February", "March", "April", "May", "June",
	"July", "August", "September", "October", "November", "December",
}

var quarterHour = decimal.RequireFromString("0.25")

var (
	minTZOffset = decimal.NewFromInt(-12)
	maxTZOffset = decimal.NewFromInt(14)
)

// ValidateTZOffset accepts decimal hours in [-12, 14] on a quarter-hour grid
// (which includes the -3.5, 3.5, 4.5, 5.5, 5.75 and 9.5 zones).
func ValidateTZOffset(off decimal.Decimal) error {
	if off.LessThan(minTZOffset) || off.GreaterThan(maxTZOffset) {
		return Invalid("time_zone", ErrInvalidTZOffset, "%s out of range", off.String())
	}
	if !off.Mod(quarterHour).IsZero() {
		return Invalid("time_zone", ErrInvalidTZOffset, "%s not a multiple of 0.25h", off.String())
	}
	return nil
}

// TZLabel renders an offset as "UTC+05:45".
func TZLabel(off decimal.Decimal) string {
	sign := "+"
	if off.IsNegative() {
		sign = "-"
		off = off.Neg()
	}
	minutes := off.Mul(decimal.NewFromInt(60)).IntPart()
	h, m := minutes/60, minutes%60
	return fmt.Sprintf("UTC%s%02d:%02d", sign, h, m)
}
