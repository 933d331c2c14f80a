package report

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/shopspring/decimal"

	"budgetbook/internal/core"
	"budgetbook/internal/log"
	"budgetbook/internal/services"
	"budgetbook/internal/storage"
)

// Scope selects which planned cell of a category month an edit targets.
type Scope string

const (
	ScopeAll        Scope = "all"
	ScopeNonProject Scope = "non_project"
	ScopeProject    Scope = "project"
)

// PlanEdit sets the planned value of one category month.
type PlanEdit struct {
	BudgetID   int64
	UserID     string
	CategoryID int64
	// ProjectID names the project row for ScopeProject, and the row that
	// takes the remainder of a ScopeAll edit.
	ProjectID *int64
	Period    core.Period
	Currency  int
	Scope     Scope
	Value     decimal.Decimal
}

// Planner edits planned values of the budget register.
type Planner struct {
	ledger   services.Ledger
	settings core.Settings
	rates    services.RateSource
	logger   *log.Logger
}

func NewPlanner(ledger services.Ledger, settings core.Settings, rates services.RateSource, logger *log.Logger) *Planner {
	return &Planner{
		ledger:   ledger,
		settings: settings,
		rates:    rates,
		logger:   logger.WithComponent(log.ComponentReport),
	}
}

// Window returns the editable months of budget at now: from the start month
// of the prior year through the end month of the current year. A zero end
// month leaves the window open.
func Window(b core.Budget, now time.Time) (from core.Period, to *core.Period) {
	year := now.UTC().Year()
	from = core.Period{Year: year - 1, Month: b.StartBudgetMonth}
	if b.EndBudgetMonth != 0 {
		to = &core.Period{Year: year, Month: b.EndBudgetMonth}
	}
	return from, to
}

// EditPlanned applies e and returns the register rows it wrote. Planned
// values are entered in reporting currency 1; currency 2 follows at the
// month-end rate.
func (p *Planner) EditPlanned(ctx context.Context, e PlanEdit, now time.Time) ([]core.RegisterRow, error) {
	if err := e.Period.Validate(p.settings.MinBudgetYear, p.settings.MaxBudgetYear); err != nil {
		return nil, err
	}
	if e.Currency != 1 {
		return nil, core.Invalid("currency", core.ErrNotPlannable, "planned values are kept in reporting currency 1")
	}
	if e.Scope == "" {
		e.Scope = ScopeAll
	}
	if e.Scope != ScopeAll && e.Scope != ScopeNonProject && e.Scope != ScopeProject {
		return nil, core.Invalid("scope", core.ErrNotPlannable, "unknown scope %q", e.Scope)
	}
	if e.Scope == ScopeProject && e.ProjectID == nil {
		return nil, core.Invalid("project", core.ErrRequired, "project scope needs a project")
	}
	value := core.RoundAmount(e.Value)

	var written []core.RegisterRow
	err := p.ledger.WithTx(ctx, func(q *storage.Queries) error {
		written = nil
		budget, err := p.check(ctx, q, e, now)
		if err != nil {
			return err
		}

		base := core.RegisterKey{BudgetID: e.BudgetID, Year: e.Period.Year, Month: e.Period.Month, CategoryID: e.CategoryID}
		nonProject, _, err := q.GetRegisterRow(ctx, base)
		if err != nil {
			return err
		}
		var project core.RegisterRow
		projectKey := base
		if e.ProjectID != nil {
			projectKey.ProjectID = e.ProjectID
			if project, _, err = q.GetRegisterRow(ctx, projectKey); err != nil {
				return err
			}
		}

		np, pr := nonProject.Planned1, project.Planned1
		switch e.Scope {
		case ScopeNonProject:
			np = value
		case ScopeProject:
			pr = value
		case ScopeAll:
			all, err := p.plannedTotal(ctx, q, base)
			if err != nil {
				return err
			}
			var rest decimal.Decimal
			np, rest = distribute(np, value.Sub(all))
			if !rest.IsZero() {
				if e.ProjectID == nil {
					return core.Invalid("project", core.ErrRequired, "%s left after the non-project row reached zero", rest)
				}
				pr = pr.Add(rest)
			}
		}

		rate, err := p.rates.Rate(ctx, budget.BaseCurrency2, budget.BaseCurrency1, core.MonthEnd(e.Period.Start()))
		if err != nil {
			return err
		}
		save := func(key core.RegisterKey, planned1 decimal.Decimal) error {
			planned2 := core.RoundAmount(planned1.Mul(rate))
			if err := q.SetRegisterPlanned(ctx, key, planned1, planned2); err != nil {
				return err
			}
			row, _, err := q.GetRegisterRow(ctx, key)
			if err != nil {
				return err
			}
			written = append(written, row)
			return nil
		}
		if !np.Equal(nonProject.Planned1) || e.Scope == ScopeNonProject {
			if err := save(base, np); err != nil {
				return err
			}
		}
		if e.ProjectID != nil && (!pr.Equal(project.Planned1) || e.Scope == ScopeProject) {
			if err := save(projectKey, pr); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("edit planned %s: %w", e.Period, err)
	}

	p.logger.InfoContext(ctx, "Planned value edited",
		log.FieldOperation, log.OpPlan,
		log.FieldBudgetID, e.BudgetID,
		log.FieldPeriod, e.Period.String(),
		"category_id", e.CategoryID,
		"scope", string(e.Scope),
		log.FieldCount, len(written))
	return written, nil
}

// check enforces ownership, the planning window and the category rules.
func (p *Planner) check(ctx context.Context, q *storage.Queries, e PlanEdit, now time.Time) (core.Budget, error) {
	budget, err := q.GetBudget(ctx, e.BudgetID)
	if errors.Is(err, core.ErrNotFound) {
		return budget, core.Invalid("budget", core.ErrNotFound, "unknown budget %d", e.BudgetID)
	}
	if err != nil {
		return budget, err
	}
	if e.UserID != budget.OwnerID {
		return budget, core.Invalid("user", core.ErrNotPlannable, "only the budget owner edits planned values")
	}
	from, to := Window(budget, now)
	if e.Period.Before(from) || (to != nil && to.Before(e.Period)) {
		return budget, core.Invalid("period", core.ErrNotPlannable, "%s outside the planning window", e.Period)
	}

	c, err := q.GetCategory(ctx, e.CategoryID)
	if errors.Is(err, core.ErrNotFound) {
		return budget, core.Invalid("category", core.ErrNotFound, "unknown category %d", e.CategoryID)
	}
	if err != nil {
		return budget, err
	}
	if !c.IsSystem() && *c.BudgetID != budget.ID {
		return budget, core.Invalid("category", core.ErrNotFound, "category %d belongs to another budget", c.ID)
	}
	if c.Level != 2 {
		return budget, core.Invalid("category", core.ErrCategoryLevel, "%s", c.Name)
	}

	if e.ProjectID != nil {
		pr, err := q.GetProject(ctx, *e.ProjectID)
		if errors.Is(err, core.ErrNotFound) || (err == nil && pr.BudgetID != budget.ID) {
			return budget, core.Invalid("project", core.ErrNotFound, "unknown project %d", *e.ProjectID)
		}
		if err != nil {
			return budget, err
		}
	}
	return budget, nil
}

// plannedTotal sums the planned value of every row of the category month.
func (p *Planner) plannedTotal(ctx context.Context, q *storage.Queries, key core.RegisterKey) (decimal.Decimal, error) {
	rows, err := q.ListRegisterRows(ctx, key.BudgetID, key.Year)
	if err != nil {
		return decimal.Zero, err
	}
	total := decimal.Zero
	for _, r := range rows {
		if r.Month == key.Month && r.CategoryID == key.CategoryID {
			total = total.Add(r.Planned1)
		}
	}
	return total, nil
}

// distribute moves the non-project value by delta as far as zero without
// letting it change sign, and returns what is left over. A zero row only
// grows; a decrease passes through untouched.
func distribute(nonProject, delta decimal.Decimal) (next, rest decimal.Decimal) {
	if nonProject.IsZero() {
		if delta.IsPositive() {
			return delta, decimal.Zero
		}
		return decimal.Zero, delta
	}
	next = nonProject.Add(delta)
	if next.IsZero() || next.Sign() == nonProject.Sign() {
		return next, decimal.Zero
	}
	return decimal.Zero, next
}
