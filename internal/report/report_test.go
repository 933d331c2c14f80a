package report_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"budgetbook/internal/core"
	"budgetbook/internal/log"
	"budgetbook/internal/rates"
	"budgetbook/internal/recalc"
	"budgetbook/internal/report"
	"budgetbook/internal/services"
	"budgetbook/internal/storage"
	"budgetbook/internal/storage/storagetest"
)

type env struct {
	repo     *storage.SQLiteRepository
	budget   core.Budget
	settings core.Settings
	rates    *rates.Service
	view     *report.View
	planner  *report.Planner
	ops      *services.OperationService
}

func newEnv(t *testing.T, endMonth int) *env {
	t.Helper()
	repo := storagetest.Open(t)
	settings := core.DefaultSettings()
	logger := log.Discard()
	rateSvc := rates.NewService(repo.Queries(), logger)

	b := core.Budget{Name: "Home", OwnerID: "owner", BaseCurrency1: "EUR", BaseCurrency2: "USD", StartBudgetMonth: 1, EndBudgetMonth: endMonth}
	id, err := repo.Queries().CreateBudget(context.Background(), b)
	if err != nil {
		t.Fatalf("create budget: %v", err)
	}
	b.ID = id

	return &env{
		repo:     repo,
		budget:   b,
		settings: settings,
		rates:    rateSvc,
		view:     report.NewView(repo, settings, rateSvc, logger),
		planner:  report.NewPlanner(repo, settings, rateSvc, logger),
		ops:      services.NewOperationService(repo, settings, rateSvc, logger),
	}
}

func (e *env) row(t *testing.T, categoryID int64, projectID *int64, p core.Period) core.RegisterRow {
	t.Helper()
	r, _, err := e.repo.Queries().GetRegisterRow(context.Background(), core.RegisterKey{
		BudgetID: e.budget.ID, Year: p.Year, Month: p.Month, CategoryID: categoryID, ProjectID: projectID,
	})
	if err != nil {
		t.Fatalf("get register row: %v", err)
	}
	return r
}

func dec(s string) decimal.Decimal { return storagetest.Dec(s) }

func line(t *testing.T, lines []report.Line, categoryID int64) report.Line {
	t.Helper()
	for _, l := range lines {
		if l.CategoryID == categoryID {
			return l
		}
	}
	t.Fatalf("no line for category %d", categoryID)
	return report.Line{}
}

func TestPlanningWindow(t *testing.T) {
	e := newEnv(t, 2)
	food := storagetest.Category(t, e.repo, e.budget.ID, core.CategoryExpense, "Home", "Food")
	now := storagetest.Time(t, "2024-04-01T00:00:00Z")

	tests := []struct {
		name    string
		edit    report.PlanEdit
		wantErr error
	}{
		{
			name:    "after window end",
			edit:    report.PlanEdit{UserID: "owner", Period: core.Period{Year: 2024, Month: 3}, Currency: 1},
			wantErr: core.ErrNotPlannable,
		},
		{
			name:    "before window start",
			edit:    report.PlanEdit{UserID: "owner", Period: core.Period{Year: 2022, Month: 12}, Currency: 1},
			wantErr: core.ErrNotPlannable,
		},
		{
			name:    "second reporting currency",
			edit:    report.PlanEdit{UserID: "owner", Period: core.Period{Year: 2024, Month: 1}, Currency: 2},
			wantErr: core.ErrNotPlannable,
		},
		{
			name:    "not the owner",
			edit:    report.PlanEdit{UserID: "guest", Period: core.Period{Year: 2024, Month: 1}, Currency: 1},
			wantErr: core.ErrNotPlannable,
		},
		{
			name:    "level-1 category",
			edit:    report.PlanEdit{UserID: "owner", Period: core.Period{Year: 2024, Month: 1}, Currency: 1, CategoryID: *food.ParentID},
			wantErr: core.ErrCategoryLevel,
		},
		{
			name: "prior year start month",
			edit: report.PlanEdit{UserID: "owner", Period: core.Period{Year: 2023, Month: 1}, Currency: 1},
		},
		{
			name: "window end month",
			edit: report.PlanEdit{UserID: "owner", Period: core.Period{Year: 2024, Month: 2}, Currency: 1},
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			tt.edit.BudgetID = e.budget.ID
			if tt.edit.CategoryID == 0 {
				tt.edit.CategoryID = food.ID
			}
			tt.edit.Scope = report.ScopeNonProject
			tt.edit.Value = dec("-100")

			_, err := e.planner.EditPlanned(context.Background(), tt.edit, now)
			if tt.wantErr == nil {
				if err != nil {
					t.Fatalf("EditPlanned() error = %v", err)
				}
				return
			}
			if !errors.Is(err, tt.wantErr) || !core.IsValidation(err) {
				t.Fatalf("EditPlanned() error = %v, want validation error %v", err, tt.wantErr)
			}
		})
	}
}

func TestOpenWindowWithoutEndMonth(t *testing.T) {
	e := newEnv(t, 0)
	food := storagetest.Category(t, e.repo, e.budget.ID, core.CategoryExpense, "Home", "Food")
	_, err := e.planner.EditPlanned(context.Background(), report.PlanEdit{
		BudgetID: e.budget.ID, UserID: "owner", CategoryID: food.ID, Currency: 1,
		Period: core.Period{Year: 2030, Month: 6}, Scope: report.ScopeNonProject, Value: dec("-10"),
	}, storagetest.Time(t, "2024-04-01T00:00:00Z"))
	if err != nil {
		t.Fatalf("EditPlanned() error = %v", err)
	}
}

func TestCombinedEditDistribution(t *testing.T) {
	e := newEnv(t, 0)
	ctx := context.Background()
	storagetest.Rate(t, e.repo, "USD", "EUR", "2024-01-01", "1.1")
	food := storagetest.Category(t, e.repo, e.budget.ID, core.CategoryExpense, "Home", "Food")
	project, err := e.repo.Queries().CreateProject(ctx, core.Project{BudgetID: e.budget.ID, Name: "Holiday"})
	if err != nil {
		t.Fatalf("create project: %v", err)
	}
	now := storagetest.Time(t, "2024-04-01T00:00:00Z")
	may := core.Period{Year: 2024, Month: 5}

	edit := func(scope report.Scope, value string) {
		t.Helper()
		_, err := e.planner.EditPlanned(ctx, report.PlanEdit{
			BudgetID: e.budget.ID, UserID: "owner", CategoryID: food.ID, ProjectID: &project,
			Period: may, Currency: 1, Scope: scope, Value: dec(value),
		}, now)
		if err != nil {
			t.Fatalf("EditPlanned(%s, %s) error = %v", scope, value, err)
		}
	}
	check := func(wantNonProject, wantProject string) {
		t.Helper()
		np, pr := e.row(t, food.ID, nil, may), e.row(t, food.ID, &project, may)
		if !np.Planned1.Equal(dec(wantNonProject)) || !pr.Planned1.Equal(dec(wantProject)) {
			t.Errorf("planned = %s / %s, want %s / %s", np.Planned1, pr.Planned1, wantNonProject, wantProject)
		}
	}

	edit(report.ScopeNonProject, "100")
	edit(report.ScopeProject, "50")
	check("100", "50")

	// All drops from 150 to 30: the non-project row stops at zero, the rest hits the project.
	edit(report.ScopeAll, "30")
	check("0", "30")

	// A zero non-project row never goes negative: the decrease lands on the project.
	edit(report.ScopeAll, "20")
	check("0", "20")

	// From zero the non-project row takes the whole increase.
	edit(report.ScopeAll, "70")
	check("50", "20")

	if got := e.row(t, food.ID, nil, may).Planned2; !got.Equal(dec("55")) {
		t.Errorf("planned2 = %s, want 55", got)
	}
}

func TestCombinedEditNeedsProject(t *testing.T) {
	e := newEnv(t, 0)
	ctx := context.Background()
	food := storagetest.Category(t, e.repo, e.budget.ID, core.CategoryExpense, "Home", "Food")
	now := storagetest.Time(t, "2024-04-01T00:00:00Z")
	base := report.PlanEdit{BudgetID: e.budget.ID, UserID: "owner", CategoryID: food.ID, Period: core.Period{Year: 2024, Month: 5}, Currency: 1}

	first := base
	first.Scope, first.Value = report.ScopeNonProject, dec("20")
	if _, err := e.planner.EditPlanned(ctx, first, now); err != nil {
		t.Fatalf("EditPlanned() error = %v", err)
	}
	over := base
	over.Scope, over.Value = report.ScopeAll, dec("-10")
	if _, err := e.planner.EditPlanned(ctx, over, now); !errors.Is(err, core.ErrRequired) {
		t.Fatalf("EditPlanned() error = %v, want ErrRequired", err)
	}
	if got := e.row(t, food.ID, nil, base.Period).Planned1; !got.Equal(dec("20")) {
		t.Errorf("planned after rejected edit = %s, want 20", got)
	}
}

func TestBuild(t *testing.T) {
	e := newEnv(t, 0)
	ctx := context.Background()
	q := e.repo.Queries()
	now := storagetest.Time(t, "2024-04-15T00:00:00Z")
	acc := storagetest.Account(t, e.repo, e.budget.ID, "Checking", "EUR", "1000")
	food := storagetest.Category(t, e.repo, e.budget.ID, core.CategoryExpense, "Home", "Food")

	if _, err := e.ops.Create(ctx, services.OperationInput{
		AccountID: acc.ID, Kind: core.KindExpense, Time: storagetest.Time(t, "2024-03-10T12:00:00Z"), AmountAccCur: dec("-50"),
		Allocations: []services.AllocationInput{{CategoryID: food.ID, Amount: dec("-50")}},
	}); err != nil {
		t.Fatalf("create expense: %v", err)
	}
	if _, err := e.ops.Create(ctx, services.OperationInput{
		AccountID: acc.ID, Kind: core.KindIncome, Time: storagetest.Time(t, "2024-02-01T12:00:00Z"), AmountAccCur: dec("200"),
	}); err != nil {
		t.Fatalf("create income: %v", err)
	}
	if _, err := e.planner.EditPlanned(ctx, report.PlanEdit{
		BudgetID: e.budget.ID, UserID: "owner", CategoryID: food.ID, Currency: 1,
		Period: core.Period{Year: 2024, Month: 3}, Scope: report.ScopeAll, Value: dec("-100"),
	}, now); err != nil {
		t.Fatalf("EditPlanned() error = %v", err)
	}

	// Washed-through revaluation: +30 in January, -20 in February.
	for _, r := range []struct {
		category int64
		month    int
		amount   string
	}{
		{e.settings.PositiveExchangeCategory, 1, "30"},
		{e.settings.NegativeExchangeCategory, 2, "-20"},
	} {
		key := core.RegisterKey{BudgetID: e.budget.ID, Year: 2024, Month: r.month, CategoryID: r.category}
		if err := q.AddRegisterActual(ctx, key, dec(r.amount), decimal.Zero); err != nil {
			t.Fatalf("add register actual: %v", err)
		}
	}

	driver := recalc.NewDriver(e.repo, e.settings, e.rates, log.Discard(), recalc.WithClock(func() time.Time { return now }))
	if _, err := driver.Run(ctx, e.budget.ID); err != nil {
		t.Fatalf("recalc: %v", err)
	}

	rep, err := e.view.Build(ctx, e.budget.ID, 2024, 1, now)
	if err != nil {
		t.Fatalf("Build() error = %v", err)
	}
	if rep.CurrencyCode != "EUR" {
		t.Errorf("currency = %s, want EUR", rep.CurrencyCode)
	}

	fl := line(t, rep.Expense, food.ID)
	if fl.Label != "Home:Food" {
		t.Errorf("label = %q, want Home:Food", fl.Label)
	}
	march := fl.All[2]
	if !march.Planned.Equal(dec("-100")) || !march.Actual.Equal(dec("-50")) {
		t.Errorf("March planned %s actual %s, want -100 -50", march.Planned, march.Actual)
	}
	if march.Execution == nil || !march.Execution.Equal(dec("50")) {
		t.Errorf("March execution = %v, want 50", march.Execution)
	}
	year := fl.All[report.YearCell]
	if !year.PlannedSoFar.Equal(dec("-100")) || !year.Average.Equal(dec("-12.5")) {
		t.Errorf("year planned so far %s average %s, want -100 -12.5", year.PlannedSoFar, year.Average)
	}

	pos := line(t, rep.Income, e.settings.PositiveExchangeCategory)
	neg := line(t, rep.Expense, e.settings.NegativeExchangeCategory)
	if !pos.All[report.YearCell].Actual.Equal(dec("10")) || !neg.All[report.YearCell].Actual.IsZero() {
		t.Errorf("netted exchange differences = %s / %s, want 10 / 0",
			pos.All[report.YearCell].Actual, neg.All[report.YearCell].Actual)
	}
	if !pos.All[0].Actual.Equal(dec("30")) {
		t.Errorf("January positive exchange = %s, want 30 (months stay gross)", pos.All[0].Actual)
	}

	// 200 income - 50 food + 30 - 20 exchange.
	if got := rep.Net.All[report.YearCell].Actual; !got.Equal(dec("160")) {
		t.Errorf("net year actual = %s, want 160", got)
	}

	if len(rep.Opening) != 1 || rep.Opening[0].Group != core.GroupCurrent {
		t.Fatalf("opening lines = %+v, want one current-account group", rep.Opening)
	}
	wantOpen := []string{"1000", "1000", "1200", "1150"}
	for m, want := range wantOpen {
		if got := rep.Opening[0].All[m].Actual; !got.Equal(dec(want)) {
			t.Errorf("opening month %d = %s, want %s", m+1, got, want)
		}
	}
	if got := rep.Closing[0].All[report.YearCell].Actual; !got.Equal(dec("1150")) {
		t.Errorf("closing year = %s, want 1150", got)
	}

	grid := rep.Rows()
	if len(grid[0]) != 16 {
		t.Errorf("header width = %d, want 16", len(grid[0]))
	}
	for i, r := range grid {
		if len(r) != len(grid[0]) {
			t.Errorf("row %d width = %d, want %d", i, len(r), len(grid[0]))
		}
	}
}

func TestBuildRejectsCurrency(t *testing.T) {
	e := newEnv(t, 0)
	_, err := e.view.Build(context.Background(), e.budget.ID, 2024, 3, time.Now())
	if !errors.Is(err, core.ErrInvalidCurrency) {
		t.Fatalf("Build() error = %v, want ErrInvalidCurrency", err)
	}
}
