// Package report projects the ledger into the annual plan-versus-actual view
// and handles edits of planned values.
package report

import (
	"context"
	"fmt"
	"time"

	"github.com/shopspring/decimal"
	"golang.org/x/sync/errgroup"

	"budgetbook/internal/core"
	"budgetbook/internal/log"
	"budgetbook/internal/services"
	"budgetbook/internal/storage"
)

type Section string

const (
	SectionOpening Section = "opening"
	SectionIncome  Section = "income"
	SectionExpense Section = "expense"
	SectionClosing Section = "closing"
	SectionNet     Section = "net"
)

// YearCell is the index of the yearly rollup in a line's cells.
const YearCell = 12

var hundred = decimal.NewFromInt(100)

// Cell holds the measures of one line for one month or for the year.
type Cell struct {
	Planned decimal.Decimal
	Actual  decimal.Decimal
	// PlannedSoFar is the planned total from January through the month. On
	// the year cell it stops at the current month.
	PlannedSoFar decimal.Decimal
	// Execution is Actual as a percentage of the plan; nil when nothing was planned.
	Execution *decimal.Decimal
	Average   decimal.Decimal
}

type Cells [13]Cell

// Line is one row of a report section. Balance lines only fill All.
type Line struct {
	Section    Section
	Label      string
	Group      core.AccountGroup
	CategoryID int64

	All        Cells
	NonProject Cells
	Project    Cells
}

type Report struct {
	BudgetID int64
	Year     int
	Currency int
	// CurrencyCode is the reporting currency the amounts are expressed in.
	CurrencyCode string

	Opening []Line
	Income  []Line
	Expense []Line
	Closing []Line
	Net     Line
}

// View builds reports. It only reads the store.
type View struct {
	ledger   services.Ledger
	settings core.Settings
	rates    services.RateSource
	logger   *log.Logger
}

func NewView(ledger services.Ledger, settings core.Settings, rates services.RateSource, logger *log.Logger) *View {
	return &View{
		ledger:   ledger,
		settings: settings,
		rates:    rates,
		logger:   logger.WithComponent(log.ComponentReport),
	}
}

// Build assembles the report of budgetID for year in reporting currency 1 or
// 2. now decides which months count as elapsed.
func (v *View) Build(ctx context.Context, budgetID int64, year, currency int, now time.Time) (*Report, error) {
	if currency != 1 && currency != 2 {
		return nil, core.Invalid("currency", core.ErrInvalidCurrency, "%d, want 1 or 2", currency)
	}
	start := time.Now()
	q := v.ledger.Queries()

	var (
		budget     core.Budget
		categories []core.Category
		register   []core.RegisterRow
		accounts   []core.Account
		turnovers  []core.Turnover
	)
	yearEnd := core.Period{Year: year, Month: 12}.Next().Start()
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() (err error) {
		budget, err = q.GetBudget(gctx, budgetID)
		return err
	})
	g.Go(func() (err error) {
		categories, err = q.ListCategories(gctx, budgetID)
		return err
	})
	g.Go(func() (err error) {
		register, err = q.ListRegisterRows(gctx, budgetID, year)
		return err
	})
	g.Go(func() (err error) {
		accounts, err = q.ListAccounts(gctx, budgetID)
		return err
	})
	g.Go(func() (err error) {
		turnovers, err = q.ListBudgetTurnovers(gctx, budgetID, time.Time{}, yearEnd)
		return err
	})
	if err := g.Wait(); err != nil {
		return nil, fmt.Errorf("load report inputs: %w", err)
	}

	rep := &Report{BudgetID: budgetID, Year: year, Currency: currency, CurrencyCode: budget.Base(currency)}
	elapsed := elapsedMonths(year, now)

	rep.Income, rep.Expense = v.categoryLines(categories, register, currency)
	v.netExchangeDifferences(rep.Income, rep.Expense)
	for _, lines := range [][]Line{rep.Income, rep.Expense} {
		for i := range lines {
			lines[i].All.derive(elapsed)
			lines[i].NonProject.derive(elapsed)
			lines[i].Project.derive(elapsed)
		}
	}

	var err error
	rep.Opening, rep.Closing, err = v.balanceLines(ctx, q, budget, accounts, turnovers, year, currency)
	if err != nil {
		return nil, err
	}

	rep.Net = Line{Section: SectionNet, Label: "Net"}
	for _, lines := range [][]Line{rep.Income, rep.Expense} {
		for _, l := range lines {
			for m := 0; m <= YearCell; m++ {
				rep.Net.All[m].Planned = rep.Net.All[m].Planned.Add(l.All[m].Planned)
				rep.Net.All[m].Actual = rep.Net.All[m].Actual.Add(l.All[m].Actual)
			}
		}
	}
	rep.Net.All.derive(elapsed)

	v.logger.DebugContext(ctx, "Report built",
		log.FieldBudgetID, budgetID,
		log.FieldYear, year,
		log.FieldCurrency, rep.CurrencyCode,
		log.FieldDuration, time.Since(start).Milliseconds())
	return rep, nil
}

// categoryLines creates one line per level-2 category that is the budget's
// own or that carries register data, split by type.
func (v *View) categoryLines(categories []core.Category, register []core.RegisterRow, currency int) (income, expense []Line) {
	used := make(map[int64]bool)
	for _, r := range register {
		used[r.CategoryID] = true
	}
	names := make(map[int64]string, len(categories))
	for _, c := range categories {
		names[c.ID] = c.Name
	}

	index := make(map[int64]*Line)
	var lines []*Line
	for _, c := range categories {
		if c.Level != 2 || (c.IsSystem() && !used[c.ID]) {
			continue
		}
		label := c.Name
		if c.ParentID != nil {
			label = names[*c.ParentID] + ":" + c.Name
		}
		section := SectionIncome
		if c.Type == core.CategoryExpense {
			section = SectionExpense
		}
		l := &Line{Section: section, Label: label, CategoryID: c.ID}
		index[c.ID] = l
		lines = append(lines, l)
	}

	for _, r := range register {
		l, ok := index[r.CategoryID]
		if !ok || r.Month < 1 || r.Month > 12 {
			continue
		}
		planned, actual := r.Planned1, r.Actual1
		if currency == 2 {
			planned, actual = r.Planned2, r.Actual2
		}
		m := r.Month - 1
		l.All[m].add(planned, actual)
		if r.ProjectID == nil {
			l.NonProject[m].add(planned, actual)
		} else {
			l.Project[m].add(planned, actual)
		}
	}

	for _, l := range lines {
		l.All.sumYear()
		l.NonProject.sumYear()
		l.Project.sumYear()
		if l.Section == SectionIncome {
			income = append(income, *l)
		} else {
			expense = append(expense, *l)
		}
	}
	return income, expense
}

// netExchangeDifferences removes the yearly overlap of positive and negative
// exchange differences from both sides, so revaluation that washed through
// within the year does not inflate income and expense.
func (v *View) netExchangeDifferences(income, expense []Line) {
	pos := findLine(income, v.settings.PositiveExchangeCategory)
	neg := findLine(expense, v.settings.NegativeExchangeCategory)
	if pos == nil || neg == nil {
		return
	}
	overlap := core.MinDecimal(pos.All[YearCell].Actual.Abs(), neg.All[YearCell].Actual.Abs())
	if overlap.IsZero() {
		return
	}
	for _, cells := range []*Cells{&pos.All, &pos.NonProject} {
		cells[YearCell].Actual = cells[YearCell].Actual.Sub(overlap)
	}
	for _, cells := range []*Cells{&neg.All, &neg.NonProject} {
		cells[YearCell].Actual = cells[YearCell].Actual.Add(overlap)
	}
}

func findLine(lines []Line, categoryID int64) *Line {
	for i := range lines {
		if lines[i].CategoryID == categoryID {
			return &lines[i]
		}
	}
	return nil
}

// balanceLines sums opening and closing balances per account group from the
// turnover snapshots. An account without a snapshot before the year starts
// from its initial balance valued at the end of the prior year.
func (v *View) balanceLines(ctx context.Context, q *storage.Queries, budget core.Budget, accounts []core.Account, turnovers []core.Turnover, year, currency int) (opening, closing []Line, err error) {
	byAccount := make(map[int64][]core.Turnover)
	for _, t := range turnovers {
		byAccount[t.AccountID] = append(byAccount[t.AccountID], t)
	}
	yearStart := core.Period{Year: year, Month: 1}.Start()

	open := make(map[core.AccountGroup]*Line)
	shut := make(map[core.AccountGroup]*Line)
	for _, a := range accounts {
		group := a.Type.Group()
		if open[group] == nil {
			open[group] = &Line{Section: SectionOpening, Label: string(group), Group: group}
			shut[group] = &Line{Section: SectionClosing, Label: string(group), Group: group}
		}

		// Rows are ascending by period; everything before the year folds into carry.
		rows := byAccount[a.ID]
		var carry decimal.Decimal
		seeded := false
		i := 0
		for ; i < len(rows) && rows[i].Period.Before(yearStart); i++ {
			carry, seeded = closingOf(rows[i], currency), true
		}
		if !seeded {
			r, err := v.rates.Rate(ctx, budget.Base(currency), a.Currency, yearStart.Add(-core.Microsecond))
			if err != nil {
				return nil, nil, fmt.Errorf("value initial balance of account %d: %w", a.ID, err)
			}
			carry = core.RoundAmount(a.InitialBalance.Mul(r))
		}

		for m := 0; m < 12; m++ {
			monthStart := core.Period{Year: year, Month: m + 1}.Start()
			o, c := carry, carry
			if i < len(rows) && rows[i].Period.Equal(monthStart) {
				o, c = openingOf(rows[i], currency), closingOf(rows[i], currency)
				i++
			}
			open[group].All[m].Actual = open[group].All[m].Actual.Add(o)
			shut[group].All[m].Actual = shut[group].All[m].Actual.Add(c)
			carry = c
		}
	}

	for _, g := range core.AccountGroups {
		if open[g] == nil {
			continue
		}
		open[g].All[YearCell].Actual = open[g].All[0].Actual
		shut[g].All[YearCell].Actual = shut[g].All[11].Actual
		opening = append(opening, *open[g])
		closing = append(closing, *shut[g])
	}
	return opening, closing, nil
}

func openingOf(t core.Turnover, currency int) decimal.Decimal {
	if currency == 2 {
		return t.Opening2
	}
	return t.Opening1
}

func closingOf(t core.Turnover, currency int) decimal.Decimal {
	if currency == 2 {
		return t.Closing2
	}
	return t.Closing1
}

// elapsedMonths counts the months of year that have started by now.
func elapsedMonths(year int, now time.Time) int {
	now = now.UTC()
	switch {
	case now.Year() > year:
		return 12
	case now.Year() < year:
		return 0
	}
	return int(now.Month())
}

func (c *Cell) add(planned, actual decimal.Decimal) {
	c.Planned = c.Planned.Add(planned)
	c.Actual = c.Actual.Add(actual)
}

func (cs *Cells) sumYear() {
	var y Cell
	for m := 0; m < 12; m++ {
		y.add(cs[m].Planned, cs[m].Actual)
	}
	cs[YearCell] = y
}

// derive fills the computed measures from Planned and Actual. The year cell
// must already hold the sums.
func (cs *Cells) derive(elapsed int) {
	planned, actual := decimal.Zero, decimal.Zero
	for m := 0; m < 12; m++ {
		planned = planned.Add(cs[m].Planned)
		actual = actual.Add(cs[m].Actual)
		cs[m].PlannedSoFar = planned
		cs[m].Execution = percent(cs[m].Actual, cs[m].Planned)
		cs[m].Average = core.RoundAmount(actual.Div(decimal.NewFromInt(int64(m + 1))))
	}

	y := &cs[YearCell]
	y.PlannedSoFar = decimal.Zero
	if elapsed > 0 {
		y.PlannedSoFar = cs[elapsed-1].PlannedSoFar
		y.Average = core.RoundAmount(y.Actual.Div(decimal.NewFromInt(int64(elapsed))))
	} else {
		y.Average = decimal.Zero
	}
	y.Execution = percent(y.Actual, y.PlannedSoFar)
}

func percent(actual, planned decimal.Decimal) *decimal.Decimal {
	if planned.IsZero() {
		return nil
	}
	p := core.RoundAmount(actual.Mul(hundred).Div(planned))
	return &p
}
