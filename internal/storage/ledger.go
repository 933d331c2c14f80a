package storage

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"github.com/shopspring/decimal"

	"budgetbook/internal/core"
)

const allocationColumns = `id, operation_id, category_id, project_id, amount_acc_cur,
	amount_base_cur_1, amount_base_cur_2, budget_year, budget_month`

func scanAllocation(s rowScanner) (core.Allocation, error) {
	var a core.Allocation
	err := s.Scan(&a.ID, &a.OperationID, &a.CategoryID, &a.ProjectID, &a.AmountAccCur,
		&a.AmountBase1, &a.AmountBase2, &a.Period.Year, &a.Period.Month)
	return a, err
}

func (q *Queries) ListAllocations(ctx context.Context, operationID int64) ([]core.Allocation, error) {
	rows, err := q.db.QueryContext(ctx, `SELECT `+allocationColumns+` FROM allocations WHERE operation_id = ? ORDER BY id`, operationID)
	if err != nil {
		return nil, storeErr("list allocations", err)
	}
	defer rows.Close()

	var out []core.Allocation
	for rows.Next() {
		a, err := scanAllocation(rows)
		if err != nil {
			return nil, storeErr("list allocations", err)
		}
		out = append(out, a)
	}
	return out, storeErr("list allocations", rows.Err())
}

func (q *Queries) InsertAllocation(ctx context.Context, a core.Allocation) (int64, error) {
	res, err := q.db.ExecContext(ctx, `
		INSERT INTO allocations (operation_id, category_id, project_id, amount_acc_cur,
			amount_base_cur_1, amount_base_cur_2, budget_year, budget_month)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		a.OperationID, a.CategoryID, a.ProjectID, a.AmountAccCur,
		a.AmountBase1, a.AmountBase2, a.Period.Year, a.Period.Month)
	if err != nil {
		return 0, storeErr("insert allocation", err)
	}
	return lastInsertID("insert allocation", res)
}

func (q *Queries) UpdateAllocationAmounts(ctx context.Context, a core.Allocation) error {
	_, err := q.db.ExecContext(ctx, `
		UPDATE allocations SET amount_base_cur_1 = ?, amount_base_cur_2 = ?, budget_year = ?, budget_month = ?
		WHERE id = ?`, a.AmountBase1, a.AmountBase2, a.Period.Year, a.Period.Month, a.ID)
	return storeErr("update allocation", err)
}

func (q *Queries) DeleteAllocations(ctx context.Context, operationID int64) error {
	_, err := q.db.ExecContext(ctx, `DELETE FROM allocations WHERE operation_id = ?`, operationID)
	return storeErr("delete allocations", err)
}

const registerColumns = `budget_id, year, month, category_id, project_id,
	planned_base_cur_1, planned_base_cur_2, actual_base_cur_1, actual_base_cur_2`

func scanRegister(s rowScanner) (core.RegisterRow, error) {
	var r core.RegisterRow
	err := s.Scan(&r.BudgetID, &r.Year, &r.Month, &r.CategoryID, &r.ProjectID,
		&r.Planned1, &r.Planned2, &r.Actual1, &r.Actual2)
	return r, err
}

// GetRegisterRow returns the row for key, or a zero row with found=false.
func (q *Queries) GetRegisterRow(ctx context.Context, key core.RegisterKey) (core.RegisterRow, bool, error) {
	r, err := scanRegister(q.db.QueryRowContext(ctx, `
		SELECT `+registerColumns+` FROM budget_register
		WHERE budget_id = ? AND year = ? AND month = ? AND category_id = ? AND project_id IS ?`,
		key.BudgetID, key.Year, key.Month, key.CategoryID, key.ProjectID))
	if errors.Is(err, sql.ErrNoRows) {
		return core.RegisterRow{RegisterKey: key}, false, nil
	}
	if err != nil {
		return r, false, storeErr("get register row", err)
	}
	return r, true, nil
}

func (q *Queries) saveRegisterRow(ctx context.Context, r core.RegisterRow, exists bool) error {
	if exists {
		_, err := q.db.ExecContext(ctx, `
			UPDATE budget_register SET
				planned_base_cur_1 = ?, planned_base_cur_2 = ?, actual_base_cur_1 = ?, actual_base_cur_2 = ?
			WHERE budget_id = ? AND year = ? AND month = ? AND category_id = ? AND project_id IS ?`,
			r.Planned1, r.Planned2, r.Actual1, r.Actual2,
			r.BudgetID, r.Year, r.Month, r.CategoryID, r.ProjectID)
		return storeErr("update register row", err)
	}
	_, err := q.db.ExecContext(ctx, `
		INSERT INTO budget_register (`+registerColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		r.BudgetID, r.Year, r.Month, r.CategoryID, r.ProjectID,
		r.Planned1, r.Planned2, r.Actual1, r.Actual2)
	return storeErr("insert register row", err)
}

// AddRegisterActual books a delta onto the row for key, creating it on demand.
func (q *Queries) AddRegisterActual(ctx context.Context, key core.RegisterKey, delta1, delta2 decimal.Decimal) error {
	if delta1.IsZero() && delta2.IsZero() {
		return nil
	}
	r, found, err := q.GetRegisterRow(ctx, key)
	if err != nil {
		return err
	}
	r.Actual1 = r.Actual1.Add(delta1)
	r.Actual2 = r.Actual2.Add(delta2)
	return q.saveRegisterRow(ctx, r, found)
}

// SetRegisterPlanned overwrites the planned values of the row for key.
func (q *Queries) SetRegisterPlanned(ctx context.Context, key core.RegisterKey, planned1, planned2 decimal.Decimal) error {
	r, found, err := q.GetRegisterRow(ctx, key)
	if err != nil {
		return err
	}
	r.Planned1 = planned1
	r.Planned2 = planned2
	return q.saveRegisterRow(ctx, r, found)
}

// ListRegisterRows returns every row of the budget for one year.
func (q *Queries) ListRegisterRows(ctx context.Context, budgetID int64, year int) ([]core.RegisterRow, error) {
	rows, err := q.db.QueryContext(ctx, `
		SELECT `+registerColumns+` FROM budget_register
		WHERE budget_id = ? AND year = ?
		ORDER BY month, category_id, project_id`, budgetID, year)
	if err != nil {
		return nil, storeErr("list register rows", err)
	}
	defer rows.Close()

	var out []core.RegisterRow
	for rows.Next() {
		r, err := scanRegister(rows)
		if err != nil {
			return nil, storeErr("list register rows", err)
		}
		out = append(out, r)
	}
	return out, storeErr("list register rows", rows.Err())
}

const turnoverColumns = `account_id, budget_id, budget_period,
	opening_base_cur_1, opening_base_cur_2, credit_base_cur_1, credit_base_cur_2,
	debit_base_cur_1, debit_base_cur_2, closing_base_cur_1, closing_base_cur_2`

func scanTurnover(s rowScanner) (core.Turnover, error) {
	var (
		t      core.Turnover
		period int64
	)
	err := s.Scan(&t.AccountID, &t.BudgetID, &period,
		&t.Opening1, &t.Opening2, &t.Credit1, &t.Credit2,
		&t.Debit1, &t.Debit2, &t.Closing1, &t.Closing2)
	t.Period = fromMicros(period)
	return t, err
}

func (q *Queries) listTurnovers(ctx context.Context, query string, args ...any) ([]core.Turnover, error) {
	rows, err := q.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, storeErr("list turnovers", err)
	}
	defer rows.Close()

	var out []core.Turnover
	for rows.Next() {
		t, err := scanTurnover(rows)
		if err != nil {
			return nil, storeErr("list turnovers", err)
		}
		out = append(out, t)
	}
	return out, storeErr("list turnovers", rows.Err())
}

// AddTurnover books one signed base amount pair onto the month row of an
// account: positive values count as credit, negative as debit. The closing
// balance moves by the same delta.
func (q *Queries) AddTurnover(ctx context.Context, accountID, budgetID int64, period time.Time, amount1, amount2 decimal.Decimal) error {
	if amount1.IsZero() && amount2.IsZero() {
		return nil
	}
	period = core.MonthStart(period)
	t, err := scanTurnover(q.db.QueryRowContext(ctx, `
		SELECT `+turnoverColumns+` FROM account_turnovers
		WHERE account_id = ? AND budget_period = ?`, accountID, toMicros(period)))
	exists := true
	if errors.Is(err, sql.ErrNoRows) {
		exists = false
		t = core.Turnover{AccountID: accountID, BudgetID: budgetID, Period: period}
		prev, found, perr := q.lastTurnoverBefore(ctx, accountID, period)
		if perr != nil {
			return perr
		}
		if found {
			t.Opening1, t.Opening2 = prev.Closing1, prev.Closing2
			t.Closing1, t.Closing2 = prev.Closing1, prev.Closing2
		}
	} else if err != nil {
		return storeErr("add turnover", err)
	}

	if amount1.IsPositive() {
		t.Credit1 = t.Credit1.Add(amount1)
	} else {
		t.Debit1 = t.Debit1.Add(amount1)
	}
	if amount2.IsPositive() {
		t.Credit2 = t.Credit2.Add(amount2)
	} else {
		t.Debit2 = t.Debit2.Add(amount2)
	}
	t.Closing1 = t.Closing1.Add(amount1)
	t.Closing2 = t.Closing2.Add(amount2)

	if exists {
		return q.UpdateTurnover(ctx, t)
	}
	_, err = q.db.ExecContext(ctx, `
		INSERT INTO account_turnovers (`+turnoverColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		t.AccountID, t.BudgetID, toMicros(t.Period),
		t.Opening1, t.Opening2, t.Credit1, t.Credit2,
		t.Debit1, t.Debit2, t.Closing1, t.Closing2)
	return storeErr("insert turnover", err)
}

// RemoveTurnover reverses an AddTurnover of the same amounts: the sign of the
// original amount picks the column the reversal comes out of.
func (q *Queries) RemoveTurnover(ctx context.Context, accountID, budgetID int64, period time.Time, amount1, amount2 decimal.Decimal) error {
	if amount1.IsZero() && amount2.IsZero() {
		return nil
	}
	period = core.MonthStart(period)
	t, err := scanTurnover(q.db.QueryRowContext(ctx, `
		SELECT `+turnoverColumns+` FROM account_turnovers
		WHERE account_id = ? AND budget_period = ?`, accountID, toMicros(period)))
	if errors.Is(err, sql.ErrNoRows) {
		return nil
	}
	if err != nil {
		return storeErr("remove turnover", err)
	}
	if amount1.IsPositive() {
		t.Credit1 = t.Credit1.Sub(amount1)
	} else {
		t.Debit1 = t.Debit1.Sub(amount1)
	}
	if amount2.IsPositive() {
		t.Credit2 = t.Credit2.Sub(amount2)
	} else {
		t.Debit2 = t.Debit2.Sub(amount2)
	}
	t.Closing1 = t.Closing1.Sub(amount1)
	t.Closing2 = t.Closing2.Sub(amount2)
	return q.UpdateTurnover(ctx, t)
}

func (q *Queries) UpdateTurnover(ctx context.Context, t core.Turnover) error {
	_, err := q.db.ExecContext(ctx, `
		UPDATE account_turnovers SET
			opening_base_cur_1 = ?, opening_base_cur_2 = ?, credit_base_cur_1 = ?, credit_base_cur_2 = ?,
			debit_base_cur_1 = ?, debit_base_cur_2 = ?, closing_base_cur_1 = ?, closing_base_cur_2 = ?
		WHERE account_id = ? AND budget_period = ?`,
		t.Opening1, t.Opening2, t.Credit1, t.Credit2,
		t.Debit1, t.Debit2, t.Closing1, t.Closing2,
		t.AccountID, toMicros(t.Period))
	return storeErr("update turnover", err)
}

func (q *Queries) lastTurnoverBefore(ctx context.Context, accountID int64, period time.Time) (core.Turnover, bool, error) {
	t, err := scanTurnover(q.db.QueryRowContext(ctx, `
		SELECT `+turnoverColumns+` FROM account_turnovers
		WHERE account_id = ? AND budget_period < ?
		ORDER BY budget_period DESC LIMIT 1`, accountID, toMicros(period)))
	if errors.Is(err, sql.ErrNoRows) {
		return t, false, nil
	}
	if err != nil {
		return t, false, storeErr("last turnover", err)
	}
	return t, true, nil
}

// LastTurnoverBefore returns the latest row of the account strictly before period.
func (q *Queries) LastTurnoverBefore(ctx context.Context, accountID int64, period time.Time) (core.Turnover, bool, error) {
	return q.lastTurnoverBefore(ctx, accountID, core.MonthStart(period))
}

// ListAccountTurnoversFrom returns the account's rows from period on, ascending.
func (q *Queries) ListAccountTurnoversFrom(ctx context.Context, accountID int64, period time.Time) ([]core.Turnover, error) {
	return q.listTurnovers(ctx, `
		SELECT `+turnoverColumns+` FROM account_turnovers
		WHERE account_id = ? AND budget_period >= ?
		ORDER BY budget_period`, accountID, toMicros(core.MonthStart(period)))
}

// ListBudgetTurnovers returns the budget's rows with from <= period < to.
func (q *Queries) ListBudgetTurnovers(ctx context.Context, budgetID int64, from, to time.Time) ([]core.Turnover, error) {
	return q.listTurnovers(ctx, `
		SELECT `+turnoverColumns+` FROM account_turnovers
		WHERE budget_id = ? AND budget_period >= ? AND budget_period < ?
		ORDER BY account_id, budget_period`, budgetID, toMicros(from), toMicros(to))
}
