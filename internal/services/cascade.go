package services

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/shopspring/decimal"

	"budgetbook/internal/core"
	"budgetbook/internal/storage"
)

// RateSource resolves the price of one unit of to expressed in from.
type RateSource interface {
	Rate(ctx context.Context, from, to string, at time.Time) (decimal.Decimal, error)
}

// Cascade applies the effects every operation write has on the derived
// ledger: register actuals, turnover deltas, the account balance and the
// consistency flags. It is shared by the operation model, the transfer linker
// and the recalculation driver so the three agree on bookkeeping.
type Cascade struct {
	settings core.Settings
	rates    RateSource
}

func NewCascade(settings core.Settings, rates RateSource) *Cascade {
	return &Cascade{settings: settings, rates: rates}
}

// Price fills the rate and reporting-currency fields of op from its own
// account. A MO- with a linked receiver is valued from the receiver side.
func (c *Cascade) Price(ctx context.Context, q *storage.Queries, budget core.Budget, account core.Account, op *core.Operation) error {
	rate, err := c.rates.Rate(ctx, account.Currency, op.Currency, op.Time)
	if err != nil {
		return fmt.Errorf("rate to account currency: %w", err)
	}
	if op.Currency == account.Currency {
		op.Amount = op.AmountAccCur
	} else if !op.Amount.IsZero() {
		// The bank's effective rate wins over the feed when both legs are known.
		rate = core.RoundRate(op.AmountAccCur.DivRound(op.Amount, core.RatePlaces))
	} else if !rate.IsZero() {
		op.Amount = core.RoundAmount(op.AmountAccCur.DivRound(rate, core.RatePlaces))
	}
	op.RateAccCur = rate

	for k := 1; k <= 2; k++ {
		r, err := c.rates.Rate(ctx, budget.Base(k), account.Currency, op.Time)
		if err != nil {
			return fmt.Errorf("rate to base currency %d: %w", k, err)
		}
		setBase(op, k, r, core.RoundAmount(op.AmountAccCur.Mul(r)))
	}

	if op.Kind == core.KindTransferOut && op.ID != 0 {
		recv, err := q.GetReceiver(ctx, op.ID)
		switch {
		case errors.Is(err, core.ErrNotFound):
			return nil
		case err != nil:
			return err
		}
		return c.PriceFromReceiver(ctx, q, budget, op, recv)
	}
	return nil
}

// PriceFromReceiver values a MO- at what its receiver is worth in the
// reporting currencies, so the revaluation gain or loss lands on the sender.
func (c *Cascade) PriceFromReceiver(ctx context.Context, q *storage.Queries, budget core.Budget, sender *core.Operation, recv core.Operation) error {
	recvAccount, err := q.GetAccount(ctx, recv.AccountID)
	if err != nil {
		return fmt.Errorf("get receiver account: %w", err)
	}
	for k := 1; k <= 2; k++ {
		r, err := c.rates.Rate(ctx, budget.Base(k), recvAccount.Currency, recv.Time)
		if err != nil {
			return fmt.Errorf("rate to base currency %d: %w", k, err)
		}
		amount := core.RoundAmount(recv.AmountAccCur.Neg().Mul(r))
		if k == 1 {
			sender.AmountBase1 = amount
		} else {
			sender.AmountBase2 = amount
		}
	}
	return nil
}

// Reprice revalues a MO- after its link or its receiver changed and books
// the difference.
func (c *Cascade) Reprice(ctx context.Context, q *storage.Queries, budget core.Budget, account core.Account, sender core.Operation) error {
	next := sender
	if err := c.Price(ctx, q, budget, account, &next); err != nil {
		return err
	}
	if err := q.UpdateOperationDerived(ctx, next); err != nil {
		return err
	}
	return c.Apply(ctx, q, &sender, nil, &next, nil)
}

func setBase(op *core.Operation, k int, rate, amount decimal.Decimal) {
	if k == 1 {
		op.RateBase1, op.AmountBase1 = rate, amount
		return
	}
	op.RateBase2, op.AmountBase2 = rate, amount
}

// Apply books the transition from prev to next. A nil prev is a create, a
// nil next a delete. Allocations are those booked before and after the write.
func (c *Cascade) Apply(ctx context.Context, q *storage.Queries, prev *core.Operation, prevAllocs []core.Allocation, next *core.Operation, nextAllocs []core.Allocation) error {
	if err := c.ApplyDerived(ctx, q, prev, prevAllocs, next, nextAllocs); err != nil {
		return err
	}

	if prev != nil {
		if err := q.AdjustAccountBalance(ctx, prev.AccountID, prev.AmountAccCur.Neg()); err != nil {
			return err
		}
		if err := c.invalidate(ctx, q, prev); err != nil {
			return err
		}
	}
	if next != nil {
		if err := q.AdjustAccountBalance(ctx, next.AccountID, next.AmountAccCur); err != nil {
			return err
		}
		if err := c.invalidate(ctx, q, next); err != nil {
			return err
		}
	}
	return nil
}

// ApplyDerived moves register actuals and turnover amounts from prev to next
// without touching balances or flags. The driver uses it when it rewrites
// reporting-currency amounts during replay.
func (c *Cascade) ApplyDerived(ctx context.Context, q *storage.Queries, prev *core.Operation, prevAllocs []core.Allocation, next *core.Operation, nextAllocs []core.Allocation) error {
	for _, a := range prevAllocs {
		if err := q.AddRegisterActual(ctx, a.Key(prev.BudgetID), a.AmountBase1.Neg(), a.AmountBase2.Neg()); err != nil {
			return fmt.Errorf("book register: %w", err)
		}
	}
	for _, a := range nextAllocs {
		if err := q.AddRegisterActual(ctx, a.Key(next.BudgetID), a.AmountBase1, a.AmountBase2); err != nil {
			return fmt.Errorf("book register: %w", err)
		}
	}

	if prev != nil {
		if err := q.RemoveTurnover(ctx, prev.AccountID, prev.BudgetID, prev.Period.Start(), prev.AmountBase1, prev.AmountBase2); err != nil {
			return fmt.Errorf("book turnover: %w", err)
		}
	}
	if next != nil {
		if err := q.AddTurnover(ctx, next.AccountID, next.BudgetID, next.Period.Start(), next.AmountBase1, next.AmountBase2); err != nil {
			return fmt.Errorf("book turnover: %w", err)
		}
	}
	return nil
}

// invalidate marks op's account stale from op onward. A MO- also drags the
// account of its receiver along, a linked MO+ the account of its sender.
func (c *Cascade) invalidate(ctx context.Context, q *storage.Queries, op *core.Operation) error {
	if err := q.InvalidateAccount(ctx, op.AccountID, op.Time, op.Period.Start()); err != nil {
		return err
	}
	if op.Kind == core.KindTransferIn && op.IsLinked() {
		sender, err := q.GetOperation(ctx, *op.SenderID)
		switch {
		case errors.Is(err, core.ErrNotFound):
			return nil
		case err != nil:
			return err
		}
		return q.InvalidateAccount(ctx, sender.AccountID, sender.Time, sender.Period.Start())
	}
	if op.Kind != core.KindTransferOut || op.ID == 0 {
		return nil
	}
	recv, err := q.GetReceiver(ctx, op.ID)
	switch {
	case errors.Is(err, core.ErrNotFound):
		return nil
	case err != nil:
		return err
	}
	return q.InvalidateAccount(ctx, recv.AccountID, recv.Time, recv.Period.Start())
}
