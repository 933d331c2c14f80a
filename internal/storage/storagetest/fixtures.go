// Package storagetest opens throwaway ledgers for tests and seeds common fixtures.
package storagetest

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"budgetbook/internal/core"
	"budgetbook/internal/storage"
)

// Open returns a migrated repository backed by a file under t.TempDir().
func Open(t *testing.T) *storage.SQLiteRepository {
	t.Helper()
	repo, err := storage.NewSQLiteRepository(filepath.Join(t.TempDir(), "budget.db"))
	if err != nil {
		t.Fatalf("open repository: %v", err)
	}
	t.Cleanup(func() { repo.Close() })
	return repo
}

// Budget creates a budget owned by "owner" reporting in base1/base2.
func Budget(t *testing.T, repo *storage.SQLiteRepository, base1, base2 string) core.Budget {
	t.Helper()
	b := core.Budget{Name: "Home", OwnerID: "owner", BaseCurrency1: base1, BaseCurrency2: base2, StartBudgetMonth: 1}
	id, err := repo.Queries().CreateBudget(context.Background(), b)
	if err != nil {
		t.Fatalf("create budget: %v", err)
	}
	b.ID = id
	return b
}

// Account creates a valid account with the given initial balance.
func Account(t *testing.T, repo *storage.SQLiteRepository, budgetID int64, name, currency, initial string) core.Account {
	t.Helper()
	a := core.Account{
		BudgetID:       budgetID,
		Name:           name,
		Type:           core.AccountCurrent,
		Currency:       currency,
		InitialBalance: decimal.RequireFromString(initial),
		Balance:        decimal.RequireFromString(initial),
		BalancesValid:  true,
		TurnoversValid: true,
	}
	id, err := repo.Queries().CreateAccount(context.Background(), a)
	if err != nil {
		t.Fatalf("create account: %v", err)
	}
	a.ID = id
	return a
}

// Category creates a budget-owned level-2 category under a new level-1 parent.
func Category(t *testing.T, repo *storage.SQLiteRepository, budgetID int64, typ core.CategoryType, parent, name string) core.Category {
	t.Helper()
	ctx := context.Background()
	q := repo.Queries()
	parentID, err := q.CreateCategory(ctx, core.Category{BudgetID: &budgetID, Type: typ, Level: 1, Name: parent})
	if err != nil {
		t.Fatalf("create parent category: %v", err)
	}
	c := core.Category{BudgetID: &budgetID, ParentID: &parentID, Type: typ, Level: 2, Name: name}
	id, err := q.CreateCategory(ctx, c)
	if err != nil {
		t.Fatalf("create category: %v", err)
	}
	c.ID = id
	return c
}

// Rate stores "1 to costs rate from" effective from the given day.
func Rate(t *testing.T, repo *storage.SQLiteRepository, from, to, day, rate string) {
	t.Helper()
	d, err := time.Parse("2006-01-02", day)
	if err != nil {
		t.Fatalf("parse rate day: %v", err)
	}
	r := core.ExchangeRate{Date: d, CurrencyFrom: from, CurrencyTo: to, Rate: decimal.RequireFromString(rate)}
	if err := repo.Queries().UpsertRate(context.Background(), r); err != nil {
		t.Fatalf("upsert rate: %v", err)
	}
}

// Dec parses a literal decimal.
func Dec(s string) decimal.Decimal {
	return decimal.RequireFromString(s)
}

// Time parses an RFC 3339 instant.
func Time(t *testing.T, s string) time.Time {
	t.Helper()
	ts, err := time.Parse(time.RFC3339Nano, s)
	if err != nil {
		t.Fatalf("parse time %q: %v", s, err)
	}
	return ts.UTC()
}
