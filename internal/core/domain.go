package core

import (
	"time"

	"github.com/shopspring/decimal"
)

// Operation kinds as stored in the database and exchanged in CSV files.
const (
	KindIncome        Kind = "CRE"
	KindExpense       Kind = "DEB"
	KindTransferIn    Kind = "MO+"
	KindTransferOut   Kind = "MO-"
	KindExchangePlus  Kind = "ED+"
	KindExchangeMinus Kind = "ED-"
)

const (
	CategoryIncome  CategoryType = "income"
	CategoryExpense CategoryType = "expense"
)

type (
	Kind         string
	CategoryType string

	Budget struct {
		ID               int64
		Name             string
		OwnerID          string
		BaseCurrency1    string
		BaseCurrency2    string
		StartBudgetMonth int // 1-12, first plannable month of the prior year
		EndBudgetMonth   int // 0 means no upper bound
	}

	Currency struct {
		Code string
		Name string
	}

	// ExchangeRate says that one unit of CurrencyTo costs Rate units of CurrencyFrom on Date.
	ExchangeRate struct {
		Date         time.Time
		CurrencyFrom string
		CurrencyTo   string
		Rate         decimal.Decimal
	}

	Account struct {
		ID             int64
		BudgetID       int64
		Name           string
		Type           AccountType
		Currency       string
		InitialBalance decimal.Decimal
		CreditLimit    decimal.Decimal
		Balance        decimal.Decimal
		BalanceBase1   decimal.Decimal
		BalanceBase2   decimal.Decimal

		// Per-operation derived fields at or after BalancesValidUntil may be stale.
		BalancesValid      bool
		BalancesValidUntil time.Time
		// Turnover rows from TurnoversValidUntil (first of month) may be stale.
		TurnoversValid      bool
		TurnoversValidUntil time.Time
	}

	Operation struct {
		ID        int64
		BudgetID  int64
		AccountID int64
		Kind      Kind
		Time      time.Time // UTC, microsecond precision
		TZOffset  decimal.Decimal

		AmountAccCur decimal.Decimal
		Amount       decimal.Decimal // in Currency
		Currency     string
		AmountBase1  decimal.Decimal
		AmountBase2  decimal.Decimal

		BalanceAccCur decimal.Decimal
		BalanceBase1  decimal.Decimal
		BalanceBase2  decimal.Decimal

		RateAccCur decimal.Decimal
		RateBase1  decimal.Decimal
		RateBase2  decimal.Decimal

		Period Period

		Place           string
		Description     string
		BankDescription string
		MCC             string
		ProjectID       *int64
		CreatedBy       string
		EditedBy        string

		// SenderID is set on a MO+ and points to its paired MO-.
		SenderID *int64
	}

	Category struct {
		ID             int64
		BudgetID       *int64 // nil for system-wide categories
		ParentID       *int64
		Type           CategoryType
		Level          int
		Name           string
		BaseCategoryID *int64
		BudgetObjectID *int64
	}

	Project struct {
		ID       int64
		BudgetID int64
		Name     string
	}

	BudgetObject struct {
		ID       int64
		BudgetID int64
		Name     string
	}

	Allocation struct {
		ID           int64
		OperationID  int64
		CategoryID   int64
		ProjectID    *int64
		AmountAccCur decimal.Decimal
		AmountBase1  decimal.Decimal
		AmountBase2  decimal.Decimal
		Period       Period
	}

	RegisterKey struct {
		BudgetID   int64
		Year       int
		Month      int
		CategoryID int64
		ProjectID  *int64
	}

	RegisterRow struct {
		RegisterKey
		Planned1 decimal.Decimal
		Planned2 decimal.Decimal
		Actual1  decimal.Decimal
		Actual2  decimal.Decimal
	}

	Turnover struct {
		AccountID int64
		BudgetID  int64
		Period    time.Time // first of month, UTC
		Opening1  decimal.Decimal
		Opening2  decimal.Decimal
		Credit1   decimal.Decimal
		Credit2   decimal.Decimal
		Debit1    decimal.Decimal
		Debit2    decimal.Decimal
		Closing1  decimal.Decimal
		Closing2  decimal.Decimal
	}
)

// Valid reports whether k is one of the six known kinds.
func (k Kind) Valid() bool {
	switch k {
	case KindIncome, KindExpense, KindTransferIn, KindTransferOut, KindExchangePlus, KindExchangeMinus:
		return true
	}
	return false
}

// Sign returns +1 or -1, the required sign of a non-zero account-currency amount.
func (k Kind) Sign() int {
	switch k {
	case KindIncome, KindTransferIn, KindExchangePlus:
		return 1
	default:
		return -1
	}
}

func (k Kind) IsTransfer() bool {
	return k == KindTransferIn || k == KindTransferOut
}

func (k Kind) IsExchangeDifference() bool {
	return k == KindExchangePlus || k == KindExchangeMinus
}

// HasAllocations reports whether operations of this kind are apportioned to categories.
func (k Kind) HasAllocations() bool {
	return k == KindIncome || k == KindExpense || k.IsExchangeDifference()
}

// SortRank orders kinds that share a timestamp; the debit leg of a transfer goes first.
func (k Kind) SortRank() int {
	if k == KindTransferOut {
		return 0
	}
	return 1
}

// Base returns the reporting currency with index 1 or 2.
func (b Budget) Base(k int) string {
	if k == 2 {
		return b.BaseCurrency2
	}
	return b.BaseCurrency1
}

// AmountBase returns the reporting-currency amount with index 1 or 2.
func (o *Operation) AmountBase(k int) decimal.Decimal {
	if k == 2 {
		return o.AmountBase2
	}
	return o.AmountBase1
}

func (o *Operation) IsLinked() bool {
	return o.SenderID != nil
}

func (c Category) IsSystem() bool {
	return c.BudgetID == nil
}

// Key returns the register key an allocation is booked under.
func (a Allocation) Key(budgetID int64) RegisterKey {
	return RegisterKey{
		BudgetID:   budgetID,
		Year:       a.Period.Year,
		Month:      a.Period.Month,
		CategoryID: a.CategoryID,
		ProjectID:  a.ProjectID,
	}
}

// SameProject compares two optional project references.
func SameProject(a, b *int64) bool {
	if a == nil || b == nil {
		return a == nil && b == nil
	}
	return *a == *b
}
