package services

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"budgetbook/internal/core"
	"budgetbook/internal/log"
	"budgetbook/internal/storage"
)

// BudgetService maintains the reference data operations point at: budgets,
// accounts, categories, projects and budget objects.
type BudgetService struct {
	ledger   Ledger
	settings core.Settings
	logger   *log.Logger
}

func NewBudgetService(ledger Ledger, settings core.Settings, logger *log.Logger) *BudgetService {
	return &BudgetService{
		ledger:   ledger,
		settings: settings,
		logger:   logger.WithComponent(log.ComponentOperations),
	}
}

// CreateBudget stores b, defaulting the reporting currencies from settings.
func (s *BudgetService) CreateBudget(ctx context.Context, b core.Budget) (core.Budget, error) {
	if strings.TrimSpace(b.Name) == "" {
		return b, core.Invalid("name", core.ErrRequired, "")
	}
	if b.OwnerID == "" {
		return b, core.Invalid("owner", core.ErrRequired, "")
	}
	if b.BaseCurrency1 == "" {
		b.BaseCurrency1 = s.settings.DefaultBaseCurrency1
	}
	if b.BaseCurrency2 == "" {
		b.BaseCurrency2 = s.settings.DefaultBaseCurrency2
	}
	if b.StartBudgetMonth == 0 {
		b.StartBudgetMonth = 1
	}
	if b.StartBudgetMonth < 1 || b.StartBudgetMonth > 12 {
		return b, core.Invalid("start_budget_month", core.ErrInvalidMonth, "%d", b.StartBudgetMonth)
	}
	if b.EndBudgetMonth < 0 || b.EndBudgetMonth > 12 {
		return b, core.Invalid("end_budget_month", core.ErrInvalidMonth, "%d", b.EndBudgetMonth)
	}

	id, err := s.ledger.Queries().CreateBudget(ctx, b)
	if err != nil {
		return b, fmt.Errorf("create budget: %w", err)
	}
	b.ID = id
	s.logger.InfoContext(ctx, "Budget created", log.FieldBudgetID, b.ID, "owner", b.OwnerID)
	return b, nil
}

// CreateAccount stores a valid, empty account whose balance starts at the
// initial balance.
func (s *BudgetService) CreateAccount(ctx context.Context, a core.Account) (core.Account, error) {
	if strings.TrimSpace(a.Name) == "" {
		return a, core.Invalid("name", core.ErrRequired, "")
	}
	if !a.Type.Valid() {
		return a, core.Invalid("type", core.ErrInvalidKind, "unknown account type %q", a.Type)
	}
	if !a.CreditLimit.IsZero() && !a.Type.IsCredit() {
		return a, core.Invalid("credit_limit", core.ErrCreditLimit, "account type %s", a.Type)
	}
	if a.CreditLimit.IsNegative() {
		return a, core.Invalid("credit_limit", core.ErrInvalidAmount, "must not be negative")
	}
	if _, err := s.ledger.Queries().GetBudget(ctx, a.BudgetID); err != nil {
		if errors.Is(err, core.ErrNotFound) {
			return a, core.Invalid("budget", core.ErrNotFound, "unknown budget %d", a.BudgetID)
		}
		return a, err
	}

	a.InitialBalance = core.RoundAmount(a.InitialBalance)
	a.CreditLimit = core.RoundAmount(a.CreditLimit)
	a.Balance = a.InitialBalance
	a.BalancesValid = true
	a.TurnoversValid = true
	id, err := s.ledger.Queries().CreateAccount(ctx, a)
	if err != nil {
		return a, fmt.Errorf("create account: %w", err)
	}
	a.ID = id
	s.logger.InfoContext(ctx, "Account created", log.FieldAccountID, a.ID, log.FieldCurrency, a.Currency)
	return a, nil
}

func (s *BudgetService) DeleteAccount(ctx context.Context, id int64) error {
	if err := s.ledger.Queries().DeleteAccount(ctx, id); err != nil {
		return fmt.Errorf("delete account %d: %w", id, err)
	}
	return nil
}

// CreateCategory adds a level-1 root (parent nil) or a level-2 child that
// inherits its parent's type.
func (s *BudgetService) CreateCategory(ctx context.Context, budgetID int64, parentID *int64, typ core.CategoryType, name string) (core.Category, error) {
	c := core.Category{BudgetID: &budgetID, Type: typ, Level: 1, Name: strings.TrimSpace(name)}
	if c.Name == "" {
		return c, core.Invalid("name", core.ErrRequired, "")
	}
	q := s.ledger.Queries()
	if parentID != nil {
		parent, err := q.GetCategory(ctx, *parentID)
		if errors.Is(err, core.ErrNotFound) {
			return c, core.Invalid("parent", core.ErrNotFound, "unknown category %d", *parentID)
		}
		if err != nil {
			return c, err
		}
		if parent.Level != 1 {
			return c, core.Invalid("parent", core.ErrCategoryLevel, "categories nest two levels deep")
		}
		if !parent.IsSystem() && *parent.BudgetID != budgetID {
			return c, core.Invalid("parent", core.ErrNotFound, "category %d belongs to another budget", parent.ID)
		}
		c.ParentID = &parent.ID
		c.Type = parent.Type
		c.Level = 2
	}
	if c.Type != core.CategoryIncome && c.Type != core.CategoryExpense {
		return c, core.Invalid("type", core.ErrInvalidKind, "category type %q", c.Type)
	}

	id, err := q.CreateCategory(ctx, c)
	if err != nil {
		return c, fmt.Errorf("create category: %w", err)
	}
	c.ID = id
	return c, nil
}

func (s *BudgetService) DeleteCategory(ctx context.Context, id int64) error {
	if s.settings.IsExchangeCategory(id) || id == s.settings.DefaultIncomeCategory || id == s.settings.DefaultExpenseCategory {
		return &core.ConflictError{Ref: "category", Reason: "configured as a system category"}
	}
	if err := s.ledger.Queries().DeleteCategory(ctx, id); err != nil {
		return fmt.Errorf("delete category %d: %w", id, err)
	}
	return nil
}

func (s *BudgetService) CreateProject(ctx context.Context, budgetID int64, name string) (core.Project, error) {
	p := core.Project{BudgetID: budgetID, Name: strings.TrimSpace(name)}
	if p.Name == "" {
		return p, core.Invalid("name", core.ErrRequired, "")
	}
	id, err := s.ledger.Queries().CreateProject(ctx, p)
	if err != nil {
		return p, fmt.Errorf("create project: %w", err)
	}
	p.ID = id
	return p, nil
}

func (s *BudgetService) DeleteProject(ctx context.Context, id int64) error {
	err := s.ledger.WithTx(ctx, func(q *storage.Queries) error {
		return q.DeleteProject(ctx, id)
	})
	if err != nil {
		return fmt.Errorf("delete project %d: %w", id, err)
	}
	return nil
}

func (s *BudgetService) CreateBudgetObject(ctx context.Context, budgetID int64, name string) (core.BudgetObject, error) {
	o := core.BudgetObject{BudgetID: budgetID, Name: strings.TrimSpace(name)}
	if o.Name == "" {
		return o, core.Invalid("name", core.ErrRequired, "")
	}
	id, err := s.ledger.Queries().CreateBudgetObject(ctx, o)
	if err != nil {
		return o, fmt.Errorf("create budget object: %w", err)
	}
	o.ID = id
	return o, nil
}

func (s *BudgetService) DeleteBudgetObject(ctx context.Context, id int64) error {
	err := s.ledger.WithTx(ctx, func(q *storage.Queries) error {
		return q.DeleteBudgetObject(ctx, id)
	})
	if err != nil {
		return fmt.Errorf("delete budget object %d: %w", id, err)
	}
	return nil
}
