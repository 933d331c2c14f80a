package storage

import (
	"context"
	"time"

	"github.com/shopspring/decimal"

	"budgetbook/internal/core"
)

const operationColumns = `id, budget_id, account_id, type, time_transaction, time_zone,
	amount_acc_cur, amount, currency, amount_base_cur_1, amount_base_cur_2,
	balance_acc_cur, balance_base_cur_1, balance_base_cur_2,
	rate_acc_cur, rate_base_cur_1, rate_base_cur_2,
	budget_year, budget_month, place, description, bank_description, mcc_code,
	project_id, created_by, edited_by, sender_id`

// kindRank orders kinds sharing a timestamp: the debit leg of a transfer first.
const kindRank = `CASE type WHEN 'MO-' THEN 0 ELSE 1 END`

func scanOperation(s rowScanner) (core.Operation, error) {
	var (
		o  core.Operation
		ts int64
	)
	err := s.Scan(&o.ID, &o.BudgetID, &o.AccountID, &o.Kind, &ts, &o.TZOffset,
		&o.AmountAccCur, &o.Amount, &o.Currency, &o.AmountBase1, &o.AmountBase2,
		&o.BalanceAccCur, &o.BalanceBase1, &o.BalanceBase2,
		&o.RateAccCur, &o.RateBase1, &o.RateBase2,
		&o.Period.Year, &o.Period.Month, &o.Place, &o.Description, &o.BankDescription, &o.MCC,
		&o.ProjectID, &o.CreatedBy, &o.EditedBy, &o.SenderID)
	o.Time = fromMicros(ts)
	return o, err
}

func (q *Queries) listOperations(ctx context.Context, op, query string, args ...any) ([]core.Operation, error) {
	rows, err := q.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, storeErr(op, err)
	}
	defer rows.Close()

	var out []core.Operation
	for rows.Next() {
		o, err := scanOperation(rows)
		if err != nil {
			return nil, storeErr(op, err)
		}
		out = append(out, o)
	}
	return out, storeErr(op, rows.Err())
}

func (q *Queries) InsertOperation(ctx context.Context, o core.Operation) (int64, error) {
	res, err := q.db.ExecContext(ctx, `
		INSERT INTO operations (budget_id, account_id, type, time_transaction, time_zone,
			amount_acc_cur, amount, currency, amount_base_cur_1, amount_base_cur_2,
			balance_acc_cur, balance_base_cur_1, balance_base_cur_2,
			rate_acc_cur, rate_base_cur_1, rate_base_cur_2,
			budget_year, budget_month, place, description, bank_description, mcc_code,
			project_id, created_by, edited_by, sender_id)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		o.BudgetID, o.AccountID, o.Kind, toMicros(o.Time), o.TZOffset,
		o.AmountAccCur, o.Amount, o.Currency, o.AmountBase1, o.AmountBase2,
		o.BalanceAccCur, o.BalanceBase1, o.BalanceBase2,
		o.RateAccCur, o.RateBase1, o.RateBase2,
		o.Period.Year, o.Period.Month, o.Place, o.Description, o.BankDescription, o.MCC,
		o.ProjectID, o.CreatedBy, o.EditedBy, o.SenderID)
	if err != nil {
		return 0, storeErr("insert operation", err)
	}
	return lastInsertID("insert operation", res)
}

// UpdateOperation rewrites every mutable column of o.
func (q *Queries) UpdateOperation(ctx context.Context, o core.Operation) error {
	_, err := q.db.ExecContext(ctx, `
		UPDATE operations SET
			account_id = ?, type = ?, time_transaction = ?, time_zone = ?,
			amount_acc_cur = ?, amount = ?, currency = ?, amount_base_cur_1 = ?, amount_base_cur_2 = ?,
			balance_acc_cur = ?, balance_base_cur_1 = ?, balance_base_cur_2 = ?,
			rate_acc_cur = ?, rate_base_cur_1 = ?, rate_base_cur_2 = ?,
			budget_year = ?, budget_month = ?, place = ?, description = ?, bank_description = ?, mcc_code = ?,
			project_id = ?, edited_by = ?, sender_id = ?
		WHERE id = ?`,
		o.AccountID, o.Kind, toMicros(o.Time), o.TZOffset,
		o.AmountAccCur, o.Amount, o.Currency, o.AmountBase1, o.AmountBase2,
		o.BalanceAccCur, o.BalanceBase1, o.BalanceBase2,
		o.RateAccCur, o.RateBase1, o.RateBase2,
		o.Period.Year, o.Period.Month, o.Place, o.Description, o.BankDescription, o.MCC,
		o.ProjectID, o.EditedBy, o.SenderID, o.ID)
	return storeErr("update operation", err)
}

// UpdateOperationDerived writes only the fields the recalculation replay derives.
func (q *Queries) UpdateOperationDerived(ctx context.Context, o core.Operation) error {
	_, err := q.db.ExecContext(ctx, `
		UPDATE operations SET
			amount_base_cur_1 = ?, amount_base_cur_2 = ?,
			balance_acc_cur = ?, balance_base_cur_1 = ?, balance_base_cur_2 = ?,
			rate_base_cur_1 = ?, rate_base_cur_2 = ?
		WHERE id = ?`,
		o.AmountBase1, o.AmountBase2,
		o.BalanceAccCur, o.BalanceBase1, o.BalanceBase2,
		o.RateBase1, o.RateBase2, o.ID)
	return storeErr("update operation balances", err)
}

func (q *Queries) GetOperation(ctx context.Context, id int64) (core.Operation, error) {
	o, err := scanOperation(q.db.QueryRowContext(ctx, `SELECT `+operationColumns+` FROM operations WHERE id = ?`, id))
	return o, storeErr("get operation", err)
}

func (q *Queries) DeleteOperation(ctx context.Context, id int64) error {
	_, err := q.db.ExecContext(ctx, `DELETE FROM operations WHERE id = ?`, id)
	return storeErr("delete operation", err)
}

func (q *Queries) SetSender(ctx context.Context, receiverID int64, senderID *int64) error {
	_, err := q.db.ExecContext(ctx, `UPDATE operations SET sender_id = ? WHERE id = ?`, senderID, receiverID)
	return storeErr("set sender", err)
}

// GetReceiver returns the MO+ that points at senderID.
func (q *Queries) GetReceiver(ctx context.Context, senderID int64) (core.Operation, error) {
	o, err := scanOperation(q.db.QueryRowContext(ctx, `SELECT `+operationColumns+` FROM operations WHERE sender_id = ?`, senderID))
	return o, storeErr("get receiver", err)
}

// OpCursor is a position in the (time, kind rank, id) replay order.
type OpCursor struct {
	Time time.Time
	Rank int
	ID   int64
}

// ListAccountOperationsAfter pages an account's operations in replay order,
// strictly after cur. A zero cursor starts at from.
func (q *Queries) ListAccountOperationsAfter(ctx context.Context, accountID int64, from time.Time, cur *OpCursor, limit int) ([]core.Operation, error) {
	if cur == nil {
		return q.listOperations(ctx, "list account operations", `
			SELECT `+operationColumns+` FROM operations
			WHERE account_id = ? AND time_transaction >= ?
			ORDER BY time_transaction, `+kindRank+`, id
			LIMIT ?`, accountID, toMicros(from), limit)
	}
	return q.listOperations(ctx, "list account operations", `
		SELECT `+operationColumns+` FROM operations
		WHERE account_id = ? AND (time_transaction, `+kindRank+`, id) > (?, ?, ?)
		ORDER BY time_transaction, `+kindRank+`, id
		LIMIT ?`, accountID, toMicros(cur.Time), cur.Rank, cur.ID, limit)
}

// LastOperationBefore returns the latest operation of the account strictly before t.
func (q *Queries) LastOperationBefore(ctx context.Context, accountID int64, t time.Time) (core.Operation, error) {
	o, err := scanOperation(q.db.QueryRowContext(ctx, `
		SELECT `+operationColumns+` FROM operations
		WHERE account_id = ? AND time_transaction < ?
		ORDER BY time_transaction DESC, `+kindRank+` DESC, id DESC
		LIMIT 1`, accountID, toMicros(t)))
	return o, storeErr("last operation before", err)
}

// FirstOperationTime returns the earliest operation time of an account.
func (q *Queries) FirstOperationTime(ctx context.Context, accountID int64) (time.Time, error) {
	return q.minTime(ctx, "first operation time", `SELECT MIN(time_transaction) FROM operations WHERE account_id = ?`, accountID)
}

// EarliestOperationTime returns the earliest operation time across the budget.
func (q *Queries) EarliestOperationTime(ctx context.Context, budgetID int64) (time.Time, error) {
	return q.minTime(ctx, "earliest operation time", `SELECT MIN(time_transaction) FROM operations WHERE budget_id = ?`, budgetID)
}

func (q *Queries) minTime(ctx context.Context, op, query string, arg int64) (time.Time, error) {
	var v *int64
	if err := q.db.QueryRowContext(ctx, query, arg).Scan(&v); err != nil {
		return time.Time{}, storeErr(op, err)
	}
	if v == nil {
		return time.Time{}, nil
	}
	return fromMicros(*v), nil
}

// FindOperationAt returns the operation of the given kind at an exact instant.
func (q *Queries) FindOperationAt(ctx context.Context, accountID int64, kind core.Kind, t time.Time) (core.Operation, error) {
	o, err := scanOperation(q.db.QueryRowContext(ctx, `
		SELECT `+operationColumns+` FROM operations
		WHERE account_id = ? AND type = ? AND time_transaction = ?
		LIMIT 1`, accountID, kind, toMicros(t)))
	return o, storeErr("find operation", err)
}

// ListUnpairedTransferIns returns MO+ operations without a sender.
func (q *Queries) ListUnpairedTransferIns(ctx context.Context, budgetID int64) ([]core.Operation, error) {
	return q.listOperations(ctx, "list unpaired transfers", `
		SELECT `+operationColumns+` FROM operations
		WHERE budget_id = ? AND type = 'MO+' AND sender_id IS NULL
		ORDER BY account_id, time_transaction`, budgetID)
}

// TransferEdge is a linked MO-/MO+ pair seen from the sending account.
type TransferEdge struct {
	SenderID        int64
	ReceiverID      int64
	ReceiverAccount int64
	ReceiverTime    time.Time
}

// ListTransferEdgesFrom returns linked transfers leaving accountID at or after from.
func (q *Queries) ListTransferEdgesFrom(ctx context.Context, accountID int64, from time.Time) ([]TransferEdge, error) {
	rows, err := q.db.QueryContext(ctx, `
		SELECT s.id, r.id, r.account_id, r.time_transaction
		FROM operations s
		JOIN operations r ON r.sender_id = s.id
		WHERE s.account_id = ? AND s.type = 'MO-' AND s.time_transaction >= ?
		ORDER BY s.time_transaction`, accountID, toMicros(from))
	if err != nil {
		return nil, storeErr("list transfer edges", err)
	}
	defer rows.Close()

	var out []TransferEdge
	for rows.Next() {
		var (
			e  TransferEdge
			ts int64
		)
		if err := rows.Scan(&e.SenderID, &e.ReceiverID, &e.ReceiverAccount, &ts); err != nil {
			return nil, storeErr("list transfer edges", err)
		}
		e.ReceiverTime = fromMicros(ts)
		out = append(out, e)
	}
	return out, storeErr("list transfer edges", rows.Err())
}

// ListTransferCandidates returns unlinked transfers of kind in [from, to] on
// accounts other than excludeAccount.
func (q *Queries) ListTransferCandidates(ctx context.Context, budgetID int64, kind core.Kind, from, to time.Time, excludeAccount int64) ([]core.Operation, error) {
	return q.listOperations(ctx, "list transfer candidates", `
		SELECT `+operationColumns+` FROM operations o
		WHERE budget_id = ? AND type = ? AND account_id <> ?
		  AND time_transaction BETWEEN ? AND ?
		  AND sender_id IS NULL
		  AND NOT EXISTS (SELECT 1 FROM operations r WHERE r.sender_id = o.id)
		ORDER BY time_transaction, id`, budgetID, kind, excludeAccount, toMicros(from), toMicros(to))
}

// ListBudgetOperations returns every operation of the budget in replay order,
// optionally restricted to one account.
func (q *Queries) ListBudgetOperations(ctx context.Context, budgetID int64, accountID *int64) ([]core.Operation, error) {
	return q.listOperations(ctx, "list budget operations", `
		SELECT `+operationColumns+` FROM operations
		WHERE budget_id = ? AND (? IS NULL OR account_id = ?)
		ORDER BY time_transaction, `+kindRank+`, id`, budgetID, accountID, accountID)
}

// OperationExists reports whether the account already holds an operation with
// the same instant, kind and account-currency amount.
func (q *Queries) OperationExists(ctx context.Context, o core.Operation) (bool, error) {
	rows, err := q.db.QueryContext(ctx, `
		SELECT amount_acc_cur FROM operations
		WHERE account_id = ? AND type = ? AND time_transaction = ?`, o.AccountID, o.Kind, toMicros(o.Time))
	if err != nil {
		return false, storeErr("operation exists", err)
	}
	defer rows.Close()

	for rows.Next() {
		var amount decimal.Decimal
		if err := rows.Scan(&amount); err != nil {
			return false, storeErr("operation exists", err)
		}
		if amount.Equal(o.AmountAccCur) {
			return true, nil
		}
	}
	return false, storeErr("operation exists", rows.Err())
}
