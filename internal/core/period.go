package core

import (
	"fmt"
	"time"
)

// Microsecond is the resolution of operation timestamps.
const Microsecond = time.Microsecond

// Period is a budget accounting month.
type Period struct {
	Year  int
	Month int
}

func (p Period) Validate(minYear, maxYear int) error {
	if p.Year < minYear || p.Year > maxYear {
		return Invalid("budget_year", ErrYearOutOfBounds, "%d not in [%d, %d]", p.Year, minYear, maxYear)
	}
	if p.Month < 1 || p.Month > 12 {
		return Invalid("budget_month", ErrInvalidMonth, "%d", p.Month)
	}
	return nil
}

// Start returns the first instant of the period in UTC.
func (p Period) Start() time.Time {
	return time.Date(p.Year, time.Month(p.Month), 1, 0, 0, 0, 0, time.UTC)
}

func (p Period) Next() Period {
	if p.Month == 12 {
		return Period{Year: p.Year + 1, Month: 1}
	}
	return Period{Year: p.Year, Month: p.Month + 1}
}

func (p Period) Before(o Period) bool {
	return p.Year < o.Year || (p.Year == o.Year && p.Month < o.Month)
}

// Index is a monotonic month counter, handy for window comparisons.
func (p Period) Index() int {
	return p.Year*12 + p.Month - 1
}

func (p Period) String() string {
	return fmt.Sprintf("%04d-%02d", p.Year, p.Month)
}

// PeriodOf returns the calendar month of t in UTC.
func PeriodOf(t time.Time) Period {
	t = t.UTC()
	return Period{Year: t.Year(), Month: int(t.Month())}
}

// MonthStart returns the first instant of t's UTC month.
func MonthStart(t time.Time) time.Time {
	return PeriodOf(t).Start()
}

// MonthEnd returns the last microsecond of t's UTC month.
func MonthEnd(t time.Time) time.Time {
	return PeriodOf(t).Next().Start().Add(-Microsecond)
}

// ExchangeSlots returns where the ED+ and ED- operations of a month live:
// the last two microseconds of its last day in UTC.
func ExchangeSlots(p Period) (plus, minus time.Time) {
	minus = p.Next().Start().Add(-Microsecond)
	plus = minus.Add(-Microsecond)
	return plus, minus
}

// TruncateMicros drops sub-microsecond precision and normalises to UTC.
func TruncateMicros(t time.Time) time.Time {
	return t.UTC().Truncate(Microsecond)
}

// YearStart returns January 1 of t's UTC year.
func YearStart(t time.Time) time.Time {
	return time.Date(t.UTC().Year(), time.January, 1, 0, 0, 0, 0, time.UTC)
}

// MinTime returns the earlier of a and b, treating the zero time as unset.
func MinTime(a, b time.Time) time.Time {
	if a.IsZero() {
		return b
	}
	if b.IsZero() || a.Before(b) {
		return a
	}
	return b
}
