package storage

import (
	"context"
	"database/sql"
	"time"

	"github.com/shopspring/decimal"

	"budgetbook/internal/core"
)

const accountColumns = `id, budget_id, name, type, currency, initial_balance, credit_limit,
	balance, balance_base_cur_1, balance_base_cur_2,
	balances_valid, balances_valid_until, turnovers_valid, turnovers_valid_until`

func scanAccount(s rowScanner) (core.Account, error) {
	var (
		a                       core.Account
		balUntil, turnoverUntil sql.NullInt64
	)
	err := s.Scan(&a.ID, &a.BudgetID, &a.Name, &a.Type, &a.Currency, &a.InitialBalance, &a.CreditLimit,
		&a.Balance, &a.BalanceBase1, &a.BalanceBase2,
		&a.BalancesValid, &balUntil, &a.TurnoversValid, &turnoverUntil)
	a.BalancesValidUntil = fromNullMicros(balUntil)
	a.TurnoversValidUntil = fromNullMicros(turnoverUntil)
	return a, err
}

func (q *Queries) CreateAccount(ctx context.Context, a core.Account) (int64, error) {
	res, err := q.db.ExecContext(ctx, `
		INSERT INTO accounts (budget_id, name, type, currency, initial_balance, credit_limit,
			balance, balance_base_cur_1, balance_base_cur_2,
			balances_valid, balances_valid_until, turnovers_valid, turnovers_valid_until)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		a.BudgetID, a.Name, a.Type, a.Currency, a.InitialBalance, a.CreditLimit,
		a.Balance, a.BalanceBase1, a.BalanceBase2,
		a.BalancesValid, nullMicros(a.BalancesValidUntil), a.TurnoversValid, nullMicros(a.TurnoversValidUntil))
	if err != nil {
		return 0, storeErr("create account", err)
	}
	return lastInsertID("create account", res)
}

func (q *Queries) GetAccount(ctx context.Context, id int64) (core.Account, error) {
	a, err := scanAccount(q.db.QueryRowContext(ctx, `SELECT `+accountColumns+` FROM accounts WHERE id = ?`, id))
	return a, storeErr("get account", err)
}

func (q *Queries) ListAccounts(ctx context.Context, budgetID int64) ([]core.Account, error) {
	return q.listAccounts(ctx, `SELECT `+accountColumns+` FROM accounts WHERE budget_id = ? ORDER BY id`, budgetID)
}

// ListInvalidAccounts returns accounts whose balances need a replay.
func (q *Queries) ListInvalidAccounts(ctx context.Context, budgetID int64) ([]core.Account, error) {
	return q.listAccounts(ctx, `
		SELECT `+accountColumns+` FROM accounts
		WHERE budget_id = ? AND balances_valid = 0 ORDER BY id`, budgetID)
}

func (q *Queries) listAccounts(ctx context.Context, query string, args ...any) ([]core.Account, error) {
	rows, err := q.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, storeErr("list accounts", err)
	}
	defer rows.Close()

	var out []core.Account
	for rows.Next() {
		a, err := scanAccount(rows)
		if err != nil {
			return nil, storeErr("list accounts", err)
		}
		out = append(out, a)
	}
	return out, storeErr("list accounts", rows.Err())
}

// UpdateAccountState writes the running balances and both consistency flags.
func (q *Queries) UpdateAccountState(ctx context.Context, a core.Account) error {
	_, err := q.db.ExecContext(ctx, `
		UPDATE accounts SET
			balance = ?, balance_base_cur_1 = ?, balance_base_cur_2 = ?,
			balances_valid = ?, balances_valid_until = ?,
			turnovers_valid = ?, turnovers_valid_until = ?
		WHERE id = ?`,
		a.Balance, a.BalanceBase1, a.BalanceBase2,
		a.BalancesValid, nullMicros(a.BalancesValidUntil),
		a.TurnoversValid, nullMicros(a.TurnoversValidUntil), a.ID)
	return storeErr("update account state", err)
}

// InvalidateAccount clears both flags and lowers the valid-until marks to
// balancesFrom and turnoversFrom. A zero time leaves that mark unchanged.
func (q *Queries) InvalidateAccount(ctx context.Context, accountID int64, balancesFrom, turnoversFrom time.Time) error {
	a, err := q.GetAccount(ctx, accountID)
	if err != nil {
		return err
	}
	if !balancesFrom.IsZero() {
		if a.BalancesValid {
			a.BalancesValidUntil = balancesFrom
		} else {
			a.BalancesValidUntil = core.MinTime(a.BalancesValidUntil, balancesFrom)
		}
		a.BalancesValid = false
	}
	if !turnoversFrom.IsZero() {
		if a.TurnoversValid {
			a.TurnoversValidUntil = turnoversFrom
		} else {
			a.TurnoversValidUntil = core.MinTime(a.TurnoversValidUntil, turnoversFrom)
		}
		a.TurnoversValid = false
	}
	_, err = q.db.ExecContext(ctx, `
		UPDATE accounts SET
			balances_valid = ?, balances_valid_until = ?,
			turnovers_valid = ?, turnovers_valid_until = ?
		WHERE id = ?`,
		a.BalancesValid, nullMicros(a.BalancesValidUntil),
		a.TurnoversValid, nullMicros(a.TurnoversValidUntil), a.ID)
	return storeErr("invalidate account", err)
}

// AdjustAccountBalance adds delta to the current account-currency balance.
func (q *Queries) AdjustAccountBalance(ctx context.Context, accountID int64, delta decimal.Decimal) error {
	if delta.IsZero() {
		return nil
	}
	var balance decimal.Decimal
	if err := q.db.QueryRowContext(ctx, `SELECT balance FROM accounts WHERE id = ?`, accountID).Scan(&balance); err != nil {
		return storeErr("adjust account balance", err)
	}
	_, err := q.db.ExecContext(ctx, `UPDATE accounts SET balance = ? WHERE id = ?`, balance.Add(delta), accountID)
	return storeErr("adjust account balance", err)
}

// DeleteAccount refuses while operations reference the account.
func (q *Queries) DeleteAccount(ctx context.Context, id int64) error {
	n, err := countRows(ctx, q.db, "delete account", `SELECT COUNT(*) FROM operations WHERE account_id = ?`, id)
	if err != nil {
		return err
	}
	if n > 0 {
		return &core.ConflictError{Ref: "account", Reason: "referenced by operations"}
	}
	_, err = q.db.ExecContext(ctx, `DELETE FROM accounts WHERE id = ?`, id)
	return storeErr("delete account", err)
}

// AdvanceValidUntil moves an invalid account's balance mark from expected to
// until. It reports false when the mark no longer reads expected, i.e. a
// concurrent edit lowered it.
func (q *Queries) AdvanceValidUntil(ctx context.Context, accountID int64, expected, until time.Time) (bool, error) {
	res, err := q.db.ExecContext(ctx, `
		UPDATE accounts SET balances_valid_until = ?
		WHERE id = ? AND balances_valid = 0 AND balances_valid_until IS ?`,
		nullMicros(until), accountID, nullMicros(expected))
	if err != nil {
		return false, storeErr("advance valid until", err)
	}
	return affected("advance valid until", res)
}

// MarkBalancesValid stores the final running balances and sets the flag,
// unless the mark moved away from expected since the replay read it.
func (q *Queries) MarkBalancesValid(ctx context.Context, accountID int64, expected time.Time, balance, base1, base2 decimal.Decimal) (bool, error) {
	res, err := q.db.ExecContext(ctx, `
		UPDATE accounts SET
			balance = ?, balance_base_cur_1 = ?, balance_base_cur_2 = ?,
			balances_valid = 1, balances_valid_until = NULL
		WHERE id = ? AND balances_valid_until IS ?`,
		balance, base1, base2, accountID, nullMicros(expected))
	if err != nil {
		return false, storeErr("mark balances valid", err)
	}
	return affected("mark balances valid", res)
}

// MarkTurnoversValid sets the turnover flag under the same expected-mark rule.
func (q *Queries) MarkTurnoversValid(ctx context.Context, accountID int64, expected time.Time) (bool, error) {
	res, err := q.db.ExecContext(ctx, `
		UPDATE accounts SET turnovers_valid = 1, turnovers_valid_until = NULL
		WHERE id = ? AND turnovers_valid_until IS ?`,
		accountID, nullMicros(expected))
	if err != nil {
		return false, storeErr("mark turnovers valid", err)
	}
	return affected("mark turnovers valid", res)
}
