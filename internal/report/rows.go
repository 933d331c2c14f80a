package report

import (
	"github.com/shopspring/decimal"

	"budgetbook/internal/core"
)

// Header is the first row returned by Rows.
func Header() []string {
	h := []string{"section", "line", "measure"}
	h = append(h, core.MonthLabels[:]...)
	return append(h, "Year")
}

// Rows flattens the report into a grid for exporters: one row per line and
// measure, amounts with two decimals. Category lines report the combined
// "all" cells.
func (r *Report) Rows() [][]string {
	out := [][]string{Header()}
	balance := func(lines []Line) {
		for _, l := range lines {
			out = append(out, row(l, "actual", func(c Cell) decimal.Decimal { return c.Actual }))
		}
	}
	flows := func(lines []Line) {
		for _, l := range lines {
			out = append(out,
				row(l, "planned", func(c Cell) decimal.Decimal { return c.Planned }),
				row(l, "actual", func(c Cell) decimal.Decimal { return c.Actual }),
			)
		}
	}

	balance(r.Opening)
	flows(r.Income)
	flows(r.Expense)
	balance(r.Closing)
	flows([]Line{r.Net})
	return out
}

func row(l Line, measure string, pick func(Cell) decimal.Decimal) []string {
	cells := make([]string, 0, 3+len(l.All))
	cells = append(cells, string(l.Section), l.Label, measure)
	for _, c := range l.All {
		cells = append(cells, pick(c).StringFixed(core.AmountPlaces))
	}
	return cells
}
