package recalc

import (
	"context"
	"time"

	"github.com/shopspring/decimal"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/metric"

	"budgetbook/internal/core"
	"budgetbook/internal/log"
	"budgetbook/internal/storage"
)

// closure collects the invalid accounts of the budget plus every account
// reachable over linked transfers sent at or after the sender's mark, and
// persists the lowered marks in one transaction.
func (d *Driver) closure(ctx context.Context, budgetID int64, earliest time.Time) (map[int64]*stream, error) {
	ctx, span := tracer.Start(ctx, "recalc.closure")
	defer span.End()

	var set map[int64]*stream
	err := d.ledger.WithTx(ctx, func(q *storage.Queries) error {
		set = make(map[int64]*stream)
		seed, err := q.ListInvalidAccounts(ctx, budgetID)
		if err != nil {
			return err
		}

		until := make(map[int64]time.Time, len(seed))
		queue := make([]int64, 0, len(seed))
		for _, a := range seed {
			mark := a.BalancesValidUntil
			if mark.IsZero() {
				mark = earliest
			}
			// Exchange differences of an opening balance must exist from the
			// January of the budget's first year on.
			if !a.InitialBalance.IsZero() && !earliest.IsZero() {
				first, err := q.FirstOperationTime(ctx, a.ID)
				if err != nil {
					return err
				}
				if first.IsZero() || first.After(earliest) {
					mark = core.MinTime(mark, core.YearStart(earliest))
				}
			}
			until[a.ID] = mark
			queue = append(queue, a.ID)
		}

		for len(queue) > 0 {
			id := queue[0]
			queue = queue[1:]
			if until[id].IsZero() {
				continue
			}
			edges, err := q.ListTransferEdgesFrom(ctx, id, until[id])
			if err != nil {
				return err
			}
			for _, e := range edges {
				mark, ok := until[e.ReceiverAccount]
				if ok && !mark.IsZero() && !mark.After(e.ReceiverTime) {
					continue
				}
				until[e.ReceiverAccount] = core.MinTime(mark, e.ReceiverTime)
				queue = append(queue, e.ReceiverAccount)
			}
		}

		for id, mark := range until {
			if !mark.IsZero() {
				if err := q.InvalidateAccount(ctx, id, mark, core.MonthStart(mark)); err != nil {
					return err
				}
			}
			a, err := q.GetAccount(ctx, id)
			if err != nil {
				return err
			}
			set[id] = &stream{account: a, until: a.BalancesValidUntil}
		}
		return nil
	})
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return nil, err
	}
	span.SetAttributes(attribute.Int("recalc.accounts", len(set)))
	return set, nil
}

// provision makes sure every account of the closure holds an ED+/ED- pair at
// each month end from the budget's first month through the current one. New
// pairs lower the account's mark so the replay fills them in.
func (d *Driver) provision(ctx context.Context, logger *log.Logger, budget core.Budget, accounts map[int64]*stream, earliest time.Time, res *Result) {
	ctx, span := tracer.Start(ctx, "recalc.provision")
	defer span.End()

	from, to := core.PeriodOf(earliest), core.PeriodOf(d.now())
	for _, id := range sortedIDs(accounts) {
		s := accounts[id]
		created := 0
		err := d.ledger.WithTx(ctx, func(q *storage.Queries) error {
			created = 0
			var lowest time.Time
			for p := from; !to.Before(p); p = p.Next() {
				n, err := d.ensurePair(ctx, q, s.account, p)
				if err != nil {
					return err
				}
				if n > 0 {
					plus, _ := core.ExchangeSlots(p)
					lowest = core.MinTime(lowest, plus)
					created += n
				}
			}
			if lowest.IsZero() {
				return nil
			}
			if err := q.InvalidateAccount(ctx, s.account.ID, lowest, core.MonthStart(lowest)); err != nil {
				return err
			}
			a, err := q.GetAccount(ctx, s.account.ID)
			if err != nil {
				return err
			}
			s.account, s.until = a, a.BalancesValidUntil
			return nil
		})
		if err != nil {
			logger.ErrorContext(ctx, "Exchange difference provisioning failed",
				log.FieldAccountID, id, log.FieldPhase, "provision", log.FieldError, err)
			failedTotal.Add(ctx, 1)
			res.fail(id, err)
			continue
		}
		res.Created += created
	}
	createdTotal.Add(ctx, int64(res.Created), metric.WithAttributes(attribute.Int64("budget.id", budget.ID)))
	span.SetAttributes(attribute.Int("recalc.created", res.Created))
}

// ensurePair creates whatever half of the month's exchange-difference pair is
// missing and returns how many operations it inserted. A present ED- means
// the month is provisioned.
func (d *Driver) ensurePair(ctx context.Context, q *storage.Queries, a core.Account, p core.Period) (int, error) {
	plus, minus := core.ExchangeSlots(p)
	if _, err := q.FindOperationAt(ctx, a.ID, core.KindExchangeMinus, minus); err == nil {
		return 0, nil
	} else if !isNotFound(err) {
		return 0, err
	}

	n := 0
	if _, err := q.FindOperationAt(ctx, a.ID, core.KindExchangePlus, plus); isNotFound(err) {
		if err := d.insertExchange(ctx, q, a, core.KindExchangePlus, plus, p); err != nil {
			return 0, err
		}
		n++
	} else if err != nil {
		return 0, err
	}
	if err := d.insertExchange(ctx, q, a, core.KindExchangeMinus, minus, p); err != nil {
		return 0, err
	}
	return n + 1, nil
}

func (d *Driver) insertExchange(ctx context.Context, q *storage.Queries, a core.Account, kind core.Kind, at time.Time, p core.Period) error {
	op := core.Operation{
		BudgetID:     a.BudgetID,
		AccountID:    a.ID,
		Kind:         kind,
		Time:         at,
		TZOffset:     decimal.Zero,
		AmountAccCur: decimal.Zero,
		Amount:       decimal.Zero,
		Currency:     a.Currency,
		RateAccCur:   decimal.NewFromInt(1),
		Period:       p,
		CreatedBy:    SystemUser,
		EditedBy:     SystemUser,
	}
	id, err := q.InsertOperation(ctx, op)
	if err != nil {
		return err
	}
	op.ID = id
	_, err = q.InsertAllocation(ctx, d.allocs.DefaultAllocation(&op))
	return err
}
