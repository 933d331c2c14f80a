package recalc

import (
	"container/heap"
	"context"
	"fmt"
	"time"

	"github.com/shopspring/decimal"
	"go.opentelemetry.io/otel/attribute"

	"budgetbook/internal/core"
	"budgetbook/internal/log"
	"budgetbook/internal/storage"
)

// stream walks the operations of one account from its balance mark on, one
// page at a time.
type stream struct {
	account core.Account
	// until mirrors the account's stored balance mark; every replayed
	// operation advances it past itself.
	until time.Time
	from  time.Time

	buf     []core.Operation
	cursor  *storage.OpCursor
	drained bool

	started bool
	prev    running
	// stale is set when an edit lowered the mark behind the replay's back.
	stale bool
}

func (s *stream) head() core.Operation { return s.buf[0] }

// fill loads the next page when the buffer ran empty. It reports whether an
// operation is available.
func (s *stream) fill(ctx context.Context, q *storage.Queries, pageSize int) (bool, error) {
	if len(s.buf) > 0 {
		return true, nil
	}
	if s.drained {
		return false, nil
	}
	page, err := q.ListAccountOperationsAfter(ctx, s.account.ID, s.from, s.cursor, pageSize)
	if err != nil {
		return false, err
	}
	if len(page) < pageSize {
		s.drained = true
	}
	if len(page) == 0 {
		return false, nil
	}
	last := page[len(page)-1]
	s.cursor = &storage.OpCursor{Time: last.Time, Rank: last.Kind.SortRank(), ID: last.ID}
	s.buf = page
	return true, nil
}

// streamHeap orders streams by their head operation so that the replay visits
// the operations of all accounts in one global time order.
type streamHeap []*stream

func (h streamHeap) Len() int { return len(h) }

func (h streamHeap) Less(i, j int) bool {
	a, b := h[i].head(), h[j].head()
	if !a.Time.Equal(b.Time) {
		return a.Time.Before(b.Time)
	}
	if ra, rb := a.Kind.SortRank(), b.Kind.SortRank(); ra != rb {
		return ra < rb
	}
	return a.ID < b.ID
}

func (h streamHeap) Swap(i, j int) { h[i], h[j] = h[j], h[i] }

func (h *streamHeap) Push(x any) { *h = append(*h, x.(*stream)) }

func (h *streamHeap) Pop() any {
	old := *h
	n := len(old)
	s := old[n-1]
	*h = old[:n-1]
	return s
}

// replay recomputes the derived fields of every operation at or after each
// account's mark, in chronological order across accounts. A failing account
// is dropped from the merge and the others carry on.
func (d *Driver) replay(ctx context.Context, logger *log.Logger, budget core.Budget, accounts map[int64]*stream, res *Result) error {
	ctx, span := tracer.Start(ctx, "recalc.replay")
	defer span.End()

	q := d.ledger.Queries()
	h := &streamHeap{}
	for _, id := range sortedIDs(accounts) {
		s := accounts[id]
		if _, failed := res.Failed[id]; failed || s.until.IsZero() {
			continue
		}
		s.from = s.until
		prev, err := q.LastOperationBefore(ctx, id, s.until)
		switch {
		case err == nil:
			s.prev = running{acc: prev.BalanceAccCur, base1: prev.BalanceBase1, base2: prev.BalanceBase2}
			s.started = true
		case !isNotFound(err):
			d.dropStream(ctx, logger, res, id, err)
			continue
		}
		ok, err := s.fill(ctx, q, d.pageSize)
		if err != nil {
			d.dropStream(ctx, logger, res, id, err)
			continue
		}
		if ok {
			*h = append(*h, s)
		}
	}
	heap.Init(h)

	replayed := 0
	for h.Len() > 0 {
		if err := ctx.Err(); err != nil {
			return err
		}
		s := (*h)[0]
		op := s.head()
		s.buf = s.buf[1:]

		if err := d.replayOne(ctx, budget, s, op); err != nil {
			heap.Pop(h)
			d.dropStream(ctx, logger, res, s.account.ID,
				fmt.Errorf("replay operation %d: %w", op.ID, err))
			continue
		}
		replayed++
		if s.stale {
			heap.Pop(h)
			logger.WithFields(log.NewFields().WithOperationRef(op.ID, s.account.ID, string(op.Kind))).
				WarnContext(ctx, "Account edited during replay, stopping its stream")
			continue
		}

		ok, err := s.fill(ctx, q, d.pageSize)
		switch {
		case err != nil:
			heap.Pop(h)
			d.dropStream(ctx, logger, res, s.account.ID, err)
		case !ok:
			heap.Pop(h)
		default:
			heap.Fix(h, 0)
		}
	}

	res.Replayed += replayed
	replayedTotal.Add(ctx, int64(replayed))
	span.SetAttributes(attribute.Int("recalc.replayed", replayed))
	return nil
}

func (d *Driver) dropStream(ctx context.Context, logger *log.Logger, res *Result, accountID int64, err error) {
	logger.ErrorContext(ctx, "Account replay failed",
		log.FieldAccountID, accountID, log.FieldPhase, "replay", log.FieldError, err)
	failedTotal.Add(ctx, 1)
	res.fail(accountID, err)
}

// replayOne recomputes op from the running balances of its stream and saves
// it, its allocations and the booking deltas in one transaction. The account
// mark moves past op in the same transaction.
func (d *Driver) replayOne(ctx context.Context, budget core.Budget, s *stream, op core.Operation) error {
	if !s.started {
		if err := d.startFromInitial(ctx, budget, s, core.MonthStart(op.Time).Add(-core.Microsecond)); err != nil {
			return err
		}
	}

	next := op
	balance := s.prev.acc.Add(op.AmountAccCur)
	var cur running
	cur.acc = balance
	for k := 1; k <= 2; k++ {
		r, err := d.rates.Rate(ctx, budget.Base(k), s.account.Currency, op.Time)
		if err != nil {
			return fmt.Errorf("rate to base currency %d: %w", k, err)
		}
		var amount decimal.Decimal
		switch op.Kind {
		case core.KindExchangePlus:
			amount = core.MaxDecimal(decimal.Zero, core.RoundAmount(balance.Mul(r)).Sub(s.prev.base(k)))
		case core.KindExchangeMinus:
			amount = core.MinDecimal(decimal.Zero, core.RoundAmount(balance.Mul(r)).Sub(s.prev.base(k)))
		default:
			amount = core.RoundAmount(op.AmountAccCur.Mul(r))
		}
		if k == 1 {
			next.RateBase1, next.AmountBase1 = r, amount
		} else {
			next.RateBase2, next.AmountBase2 = r, amount
		}
	}

	mark := op.Time.Add(core.Microsecond)
	advanced := false
	err := d.ledger.WithTx(ctx, func(q *storage.Queries) error {
		if op.Kind == core.KindTransferOut {
			recv, err := q.GetReceiver(ctx, op.ID)
			switch {
			case err == nil:
				if err := d.cascade.PriceFromReceiver(ctx, q, budget, &next, recv); err != nil {
					return err
				}
			case !isNotFound(err):
				return err
			}
		}
		for k := 1; k <= 2; k++ {
			cur.set(k, s.prev.base(k).Add(next.AmountBase(k)))
		}
		next.BalanceAccCur, next.BalanceBase1, next.BalanceBase2 = cur.acc, cur.base1, cur.base2

		prevAllocs, err := q.ListAllocations(ctx, op.ID)
		if err != nil {
			return err
		}
		var nextAllocs []core.Allocation
		if op.Kind.HasAllocations() {
			if len(prevAllocs) == 0 {
				a := d.allocs.DefaultAllocation(&next)
				if a.ID, err = q.InsertAllocation(ctx, a); err != nil {
					return err
				}
				nextAllocs = []core.Allocation{a}
			} else {
				nextAllocs = d.allocs.Reaggregate(&next, prevAllocs)
				for _, a := range nextAllocs {
					if err := q.UpdateAllocationAmounts(ctx, a); err != nil {
						return err
					}
				}
			}
		}

		if err := q.UpdateOperationDerived(ctx, next); err != nil {
			return err
		}
		if err := d.cascade.ApplyDerived(ctx, q, &op, prevAllocs, &next, nextAllocs); err != nil {
			return err
		}
		advanced, err = q.AdvanceValidUntil(ctx, s.account.ID, s.until, mark)
		return err
	})
	if err != nil {
		return err
	}

	s.prev = cur
	if advanced {
		s.until = mark
	} else {
		s.stale = true
	}
	return nil
}
