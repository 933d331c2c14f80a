package recalc

import (
	"context"
	"fmt"

	"go.opentelemetry.io/otel/attribute"

	"budgetbook/internal/core"
	"budgetbook/internal/log"
	"budgetbook/internal/storage"
)

// rebuildTurnovers chains opening and closing balances of the stale monthly
// turnover rows. Credit and debit totals are kept current by every write, so
// only the running columns need work here.
func (d *Driver) rebuildTurnovers(ctx context.Context, logger *log.Logger, budget core.Budget, res *Result) error {
	ctx, span := tracer.Start(ctx, "recalc.turnovers")
	defer span.End()

	accounts, err := d.ledger.Queries().ListAccounts(ctx, budget.ID)
	if err != nil {
		return err
	}
	rebuilt := 0
	for _, a := range accounts {
		if a.TurnoversValid {
			continue
		}
		if _, failed := res.Failed[a.ID]; failed {
			continue
		}
		err := d.ledger.WithTx(ctx, func(q *storage.Queries) error {
			return d.rebuildAccountTurnovers(ctx, q, budget, a.ID)
		})
		if err != nil {
			logger.ErrorContext(ctx, "Turnover rebuild failed",
				log.FieldAccountID, a.ID, log.FieldPhase, "turnovers", log.FieldError, err)
			failedTotal.Add(ctx, 1)
			res.fail(a.ID, fmt.Errorf("rebuild turnovers: %w", err))
			continue
		}
		rebuilt++
	}
	span.SetAttributes(attribute.Int("recalc.turnover_accounts", rebuilt))
	return nil
}

func (d *Driver) rebuildAccountTurnovers(ctx context.Context, q *storage.Queries, budget core.Budget, accountID int64) error {
	a, err := q.GetAccount(ctx, accountID)
	if err != nil {
		return err
	}
	from := a.TurnoversValidUntil
	rows, err := q.ListAccountTurnoversFrom(ctx, a.ID, from)
	if err != nil {
		return err
	}

	if len(rows) > 0 {
		prev, found, err := q.LastTurnoverBefore(ctx, a.ID, rows[0].Period)
		if err != nil {
			return err
		}
		var open running
		if found {
			open.base1, open.base2 = prev.Closing1, prev.Closing2
		} else {
			at := rows[0].Period.Add(-core.Microsecond)
			for k := 1; k <= 2; k++ {
				r, err := d.rates.Rate(ctx, budget.Base(k), a.Currency, at)
				if err != nil {
					return err
				}
				open.set(k, core.RoundAmount(a.InitialBalance.Mul(r)))
			}
		}
		for _, t := range rows {
			t.Opening1, t.Opening2 = open.base1, open.base2
			t.Closing1 = t.Opening1.Add(t.Credit1).Add(t.Debit1)
			t.Closing2 = t.Opening2.Add(t.Credit2).Add(t.Debit2)
			if err := q.UpdateTurnover(ctx, t); err != nil {
				return err
			}
			open.base1, open.base2 = t.Closing1, t.Closing2
		}
	}

	ok, err := q.MarkTurnoversValid(ctx, a.ID, from)
	if err != nil {
		return err
	}
	if !ok {
		return fmt.Errorf("account %d: turnover mark moved during rebuild", a.ID)
	}
	return nil
}
