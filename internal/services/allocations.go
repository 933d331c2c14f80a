package services

import (
	"context"
	"errors"
	"fmt"

	"github.com/shopspring/decimal"

	"budgetbook/internal/core"
	"budgetbook/internal/storage"
)

// MaxAllocations bounds the split of a single operation.
const MaxAllocations = 15

// AllocationInput is one requested share of an operation amount.
type AllocationInput struct {
	CategoryID     int64
	BudgetObjectID *int64
	ProjectID      *int64
	Amount         decimal.Decimal
}

// AllocationEngine turns allocation requests into concrete category rows and
// keeps the per-operation sum invariant.
type AllocationEngine struct {
	settings core.Settings
}

func NewAllocationEngine(settings core.Settings) *AllocationEngine {
	return &AllocationEngine{settings: settings}
}

// Resolve validates inputs against op and returns the allocation set to store.
// Object-bound sibling categories are created on demand inside q's transaction.
func (e *AllocationEngine) Resolve(ctx context.Context, q *storage.Queries, op *core.Operation, inputs []AllocationInput) ([]core.Allocation, error) {
	if !op.Kind.HasAllocations() {
		if len(inputs) > 0 {
			return nil, core.Invalid("allocations", core.ErrInvalidKind, "%s operations carry no allocations", op.Kind)
		}
		return nil, nil
	}
	if len(inputs) == 0 {
		inputs = []AllocationInput{e.defaultInput(op)}
	}
	if len(inputs) > MaxAllocations {
		return nil, core.Invalid("allocations", core.ErrTooManySplits, "%d given, at most %d", len(inputs), MaxAllocations)
	}

	seen := make(map[int64]bool, len(inputs))
	total := decimal.Zero
	allocs := make([]core.Allocation, 0, len(inputs))
	for i, in := range inputs {
		field := fmt.Sprintf("allocations[%d]", i)

		category, err := e.category(ctx, q, op.BudgetID, in, field)
		if err != nil {
			return nil, err
		}
		if seen[category.ID] {
			return nil, core.Invalid(field+".category", core.ErrDuplicateCategory, "category %d used twice", category.ID)
		}
		seen[category.ID] = true

		amount := core.RoundAmount(in.Amount)
		if amount.IsZero() && !op.Kind.IsExchangeDifference() {
			return nil, core.Invalid(field+".amount", core.ErrZeroAmount, "")
		}
		if in.ProjectID != nil {
			if err := checkProject(ctx, q, op.BudgetID, *in.ProjectID, field+".project"); err != nil {
				return nil, err
			}
		}

		total = total.Add(amount)
		allocs = append(allocs, core.Allocation{
			OperationID:  op.ID,
			CategoryID:   category.ID,
			ProjectID:    in.ProjectID,
			AmountAccCur: amount,
			Period:       op.Period,
		})
	}

	if !total.Equal(op.AmountAccCur) {
		return nil, core.TotalMismatchError(op.AmountAccCur, total)
	}
	return e.Reaggregate(op, allocs), nil
}

func (e *AllocationEngine) defaultInput(op *core.Operation) AllocationInput {
	if op.Kind.IsExchangeDifference() {
		return AllocationInput{CategoryID: e.settings.ExchangeCategory(op.Kind), Amount: op.AmountAccCur}
	}
	return AllocationInput{CategoryID: e.settings.FallbackCategory(op.Kind), ProjectID: op.ProjectID, Amount: op.AmountAccCur}
}

// DefaultAllocation is the single allocation a CRE/DEB without a split, or an
// exchange difference, is booked to.
func (e *AllocationEngine) DefaultAllocation(op *core.Operation) core.Allocation {
	in := e.defaultInput(op)
	return e.Reaggregate(op, []core.Allocation{{
		OperationID:  op.ID,
		CategoryID:   in.CategoryID,
		ProjectID:    in.ProjectID,
		AmountAccCur: op.AmountAccCur,
		Period:       op.Period,
	}})[0]
}

func (e *AllocationEngine) category(ctx context.Context, q *storage.Queries, budgetID int64, in AllocationInput, field string) (core.Category, error) {
	c, err := q.GetCategory(ctx, in.CategoryID)
	if errors.Is(err, core.ErrNotFound) {
		return core.Category{}, core.Invalid(field+".category", core.ErrNotFound, "unknown category %d", in.CategoryID)
	}
	if err != nil {
		return core.Category{}, err
	}
	if !c.IsSystem() && *c.BudgetID != budgetID {
		return core.Category{}, core.Invalid(field+".category", core.ErrNotFound, "category %d belongs to another budget", in.CategoryID)
	}
	if c.Level == 1 {
		return core.Category{}, core.Invalid(field+".category", core.ErrCategoryLevel, "category %q", c.Name)
	}
	if in.BudgetObjectID == nil {
		return c, nil
	}
	return e.objectSibling(ctx, q, budgetID, c, *in.BudgetObjectID, field)
}

// objectSibling returns the row binding base to a budget object, creating it
// under the same parent when missing.
func (e *AllocationEngine) objectSibling(ctx context.Context, q *storage.Queries, budgetID int64, base core.Category, objectID int64, field string) (core.Category, error) {
	if base.BaseCategoryID != nil {
		if base.BudgetObjectID != nil && *base.BudgetObjectID == objectID {
			return base, nil
		}
		parent, err := q.GetCategory(ctx, *base.BaseCategoryID)
		if err != nil {
			return core.Category{}, err
		}
		base = parent
	}

	obj, err := q.GetBudgetObject(ctx, objectID)
	if errors.Is(err, core.ErrNotFound) || (err == nil && obj.BudgetID != budgetID) {
		return core.Category{}, core.Invalid(field+".budget_object", core.ErrNotFound, "unknown budget object %d", objectID)
	}
	if err != nil {
		return core.Category{}, err
	}

	sibling, err := q.FindObjectSibling(ctx, base.ID, objectID)
	if err == nil {
		return sibling, nil
	}
	if !errors.Is(err, core.ErrNotFound) {
		return core.Category{}, err
	}

	sibling = core.Category{
		BudgetID:       &budgetID,
		ParentID:       base.ParentID,
		Type:           base.Type,
		Level:          2,
		Name:           fmt.Sprintf("%s (%s)", base.Name, obj.Name),
		BaseCategoryID: &base.ID,
		BudgetObjectID: &obj.ID,
	}
	id, err := q.CreateCategory(ctx, sibling)
	if err != nil {
		return core.Category{}, fmt.Errorf("create object category: %w", err)
	}
	sibling.ID = id
	return sibling, nil
}

func checkProject(ctx context.Context, q *storage.Queries, budgetID, projectID int64, field string) error {
	p, err := q.GetProject(ctx, projectID)
	if errors.Is(err, core.ErrNotFound) || (err == nil && p.BudgetID != budgetID) {
		return core.Invalid(field, core.ErrNotFound, "unknown project %d", projectID)
	}
	return err
}

// Reaggregate derives the reporting-currency amounts of allocs from op. A
// single allocation copies op verbatim; a split is apportioned by account
// amount, rounded to cents, with the residual on the last allocation.
func (e *AllocationEngine) Reaggregate(op *core.Operation, allocs []core.Allocation) []core.Allocation {
	out := make([]core.Allocation, len(allocs))
	copy(out, allocs)
	if len(out) == 0 {
		return out
	}
	for i := range out {
		out[i].Period = op.Period
	}
	if len(out) == 1 {
		out[0].AmountBase1 = op.AmountBase1
		out[0].AmountBase2 = op.AmountBase2
		return out
	}

	total := decimal.Zero
	for _, a := range out {
		total = total.Add(a.AmountAccCur)
	}
	last := len(out) - 1
	rest1, rest2 := op.AmountBase1, op.AmountBase2
	for i := 0; i < last; i++ {
		a1, a2 := decimal.Zero, decimal.Zero
		if !total.IsZero() {
			share := out[i].AmountAccCur
			a1 = core.RoundAmount(op.AmountBase1.Mul(share).Div(total))
			a2 = core.RoundAmount(op.AmountBase2.Mul(share).Div(total))
		}
		out[i].AmountBase1, out[i].AmountBase2 = a1, a2
		rest1, rest2 = rest1.Sub(a1), rest2.Sub(a2)
	}
	out[last].AmountBase1, out[last].AmountBase2 = rest1, rest2
	return out
}
