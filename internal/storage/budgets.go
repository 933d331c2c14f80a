package storage

import (
	"context"

	"budgetbook/internal/core"
)

const budgetColumns = `id, name, owner_id, base_currency_1, base_currency_2, start_budget_month, end_budget_month`

func scanBudget(s rowScanner) (core.Budget, error) {
	var b core.Budget
	err := s.Scan(&b.ID, &b.Name, &b.OwnerID, &b.BaseCurrency1, &b.BaseCurrency2, &b.StartBudgetMonth, &b.EndBudgetMonth)
	return b, err
}

func (q *Queries) CreateBudget(ctx context.Context, b core.Budget) (int64, error) {
	res, err := q.db.ExecContext(ctx, `
		INSERT INTO budgets (name, owner_id, base_currency_1, base_currency_2, start_budget_month, end_budget_month)
		VALUES (?, ?, ?, ?, ?, ?)`,
		b.Name, b.OwnerID, b.BaseCurrency1, b.BaseCurrency2, b.StartBudgetMonth, b.EndBudgetMonth)
	if err != nil {
		return 0, storeErr("create budget", err)
	}
	return lastInsertID("create budget", res)
}

func (q *Queries) GetBudget(ctx context.Context, id int64) (core.Budget, error) {
	b, err := scanBudget(q.db.QueryRowContext(ctx, `SELECT `+budgetColumns+` FROM budgets WHERE id = ?`, id))
	if err != nil {
		return b, storeErr("get budget", err)
	}
	return b, nil
}

// ListBudgetsNeedingRecalc returns budgets with at least one invalid account.
func (q *Queries) ListBudgetsNeedingRecalc(ctx context.Context) ([]int64, error) {
	rows, err := q.db.QueryContext(ctx, `
		SELECT DISTINCT budget_id FROM accounts
		WHERE balances_valid = 0 OR turnovers_valid = 0
		ORDER BY budget_id`)
	if err != nil {
		return nil, storeErr("list budgets needing recalc", err)
	}
	defer rows.Close()

	var ids []int64
	for rows.Next() {
		var id int64
		if err := rows.Scan(&id); err != nil {
			return nil, storeErr("list budgets needing recalc", err)
		}
		ids = append(ids, id)
	}
	return ids, storeErr("list budgets needing recalc", rows.Err())
}

func (q *Queries) UpsertCurrency(ctx context.Context, c core.Currency) error {
	_, err := q.db.ExecContext(ctx, `
		INSERT INTO currencies (code, name) VALUES (?, ?)
		ON CONFLICT(code) DO UPDATE SET name = excluded.name`, c.Code, c.Name)
	return storeErr("upsert currency", err)
}

func (q *Queries) CreateProject(ctx context.Context, p core.Project) (int64, error) {
	res, err := q.db.ExecContext(ctx, `INSERT INTO projects (budget_id, name) VALUES (?, ?)`, p.BudgetID, p.Name)
	if err != nil {
		return 0, storeErr("create project", err)
	}
	return lastInsertID("create project", res)
}

func (q *Queries) GetProject(ctx context.Context, id int64) (core.Project, error) {
	var p core.Project
	err := q.db.QueryRowContext(ctx, `SELECT id, budget_id, name FROM projects WHERE id = ?`, id).
		Scan(&p.ID, &p.BudgetID, &p.Name)
	return p, storeErr("get project", err)
}

func (q *Queries) FindProjectByName(ctx context.Context, budgetID int64, name string) (core.Project, error) {
	var p core.Project
	err := q.db.QueryRowContext(ctx, `SELECT id, budget_id, name FROM projects WHERE budget_id = ? AND name = ?`, budgetID, name).
		Scan(&p.ID, &p.BudgetID, &p.Name)
	return p, storeErr("find project", err)
}

// DeleteProject refuses while operations or allocations still reference the project.
func (q *Queries) DeleteProject(ctx context.Context, id int64) error {
	n, err := countRows(ctx, q.db, "delete project", `
		SELECT (SELECT COUNT(*) FROM operations WHERE project_id = ?) +
		       (SELECT COUNT(*) FROM allocations WHERE project_id = ?)`, id, id)
	if err != nil {
		return err
	}
	if n > 0 {
		return &core.ConflictError{Ref: "project", Reason: "referenced by operations"}
	}
	_, err = q.db.ExecContext(ctx, `DELETE FROM budget_register WHERE project_id = ?`, id)
	if err != nil {
		return storeErr("delete project", err)
	}
	_, err = q.db.ExecContext(ctx, `DELETE FROM projects WHERE id = ?`, id)
	return storeErr("delete project", err)
}

func (q *Queries) CreateBudgetObject(ctx context.Context, o core.BudgetObject) (int64, error) {
	res, err := q.db.ExecContext(ctx, `INSERT INTO budget_objects (budget_id, name) VALUES (?, ?)`, o.BudgetID, o.Name)
	if err != nil {
		return 0, storeErr("create budget object", err)
	}
	return lastInsertID("create budget object", res)
}

func (q *Queries) GetBudgetObject(ctx context.Context, id int64) (core.BudgetObject, error) {
	var o core.BudgetObject
	err := q.db.QueryRowContext(ctx, `SELECT id, budget_id, name FROM budget_objects WHERE id = ?`, id).
		Scan(&o.ID, &o.BudgetID, &o.Name)
	return o, storeErr("get budget object", err)
}

func (q *Queries) FindBudgetObjectByName(ctx context.Context, budgetID int64, name string) (core.BudgetObject, error) {
	var o core.BudgetObject
	err := q.db.QueryRowContext(ctx, `SELECT id, budget_id, name FROM budget_objects WHERE budget_id = ? AND name = ?`, budgetID, name).
		Scan(&o.ID, &o.BudgetID, &o.Name)
	return o, storeErr("find budget object", err)
}

// DeleteBudgetObject refuses while any of its bound categories carries allocations.
// Unused bound categories go with it.
func (q *Queries) DeleteBudgetObject(ctx context.Context, id int64) error {
	n, err := countRows(ctx, q.db, "delete budget object", `
		SELECT COUNT(*) FROM allocations a
		JOIN categories c ON c.id = a.category_id
		WHERE c.budget_object_id = ?`, id)
	if err != nil {
		return err
	}
	if n > 0 {
		return &core.ConflictError{Ref: "budget_object", Reason: "its category has allocations"}
	}
	if _, err := q.db.ExecContext(ctx, `
		DELETE FROM budget_register WHERE category_id IN (SELECT id FROM categories WHERE budget_object_id = ?)`, id); err != nil {
		return storeErr("delete budget object", err)
	}
	if _, err := q.db.ExecContext(ctx, `DELETE FROM categories WHERE budget_object_id = ?`, id); err != nil {
		return storeErr("delete budget object", err)
	}
	_, err = q.db.ExecContext(ctx, `DELETE FROM budget_objects WHERE id = ?`, id)
	return storeErr("delete budget object", err)
}
