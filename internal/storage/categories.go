package storage

import (
	"context"

	"budgetbook/internal/core"
)

const categoryColumns = `id, budget_id, parent_id, type, level, name, base_category_id, budget_object_id`

func scanCategory(s rowScanner) (core.Category, error) {
	var c core.Category
	err := s.Scan(&c.ID, &c.BudgetID, &c.ParentID, &c.Type, &c.Level, &c.Name, &c.BaseCategoryID, &c.BudgetObjectID)
	return c, err
}

func (q *Queries) CreateCategory(ctx context.Context, c core.Category) (int64, error) {
	res, err := q.db.ExecContext(ctx, `
		INSERT INTO categories (budget_id, parent_id, type, level, name, base_category_id, budget_object_id)
		VALUES (?, ?, ?, ?, ?, ?, ?)`,
		c.BudgetID, c.ParentID, c.Type, c.Level, c.Name, c.BaseCategoryID, c.BudgetObjectID)
	if err != nil {
		return 0, storeErr("create category", err)
	}
	return lastInsertID("create category", res)
}

func (q *Queries) GetCategory(ctx context.Context, id int64) (core.Category, error) {
	c, err := scanCategory(q.db.QueryRowContext(ctx, `SELECT `+categoryColumns+` FROM categories WHERE id = ?`, id))
	return c, storeErr("get category", err)
}

// FindObjectSibling returns the category bound to (base category, budget object).
func (q *Queries) FindObjectSibling(ctx context.Context, baseCategoryID, objectID int64) (core.Category, error) {
	c, err := scanCategory(q.db.QueryRowContext(ctx, `
		SELECT `+categoryColumns+` FROM categories
		WHERE base_category_id = ? AND budget_object_id = ?`, baseCategoryID, objectID))
	return c, storeErr("find object category", err)
}

// FindCategoryByPath looks a level-2 category up by parent and child name within
// the budget overlay and the system tree. Object-bound siblings are never matched.
func (q *Queries) FindCategoryByPath(ctx context.Context, budgetID int64, parent, child string) (core.Category, error) {
	c, err := scanCategory(q.db.QueryRowContext(ctx, `
		SELECT c.id, c.budget_id, c.parent_id, c.type, c.level, c.name, c.base_category_id, c.budget_object_id
		FROM categories c
		JOIN categories p ON p.id = c.parent_id
		WHERE c.level = 2 AND c.budget_object_id IS NULL
		  AND (c.budget_id = ? OR c.budget_id IS NULL)
		  AND p.name = ? AND c.name = ?
		ORDER BY c.budget_id IS NULL, c.id
		LIMIT 1`, budgetID, parent, child))
	return c, storeErr("find category", err)
}

// ListCategories returns the system tree plus the budget's own categories.
func (q *Queries) ListCategories(ctx context.Context, budgetID int64) ([]core.Category, error) {
	rows, err := q.db.QueryContext(ctx, `
		SELECT `+categoryColumns+` FROM categories
		WHERE budget_id = ? OR budget_id IS NULL
		ORDER BY level, id`, budgetID)
	if err != nil {
		return nil, storeErr("list categories", err)
	}
	defer rows.Close()

	var out []core.Category
	for rows.Next() {
		c, err := scanCategory(rows)
		if err != nil {
			return nil, storeErr("list categories", err)
		}
		out = append(out, c)
	}
	return out, storeErr("list categories", rows.Err())
}

// DeleteCategory refuses while allocations, register rows or children reference it.
func (q *Queries) DeleteCategory(ctx context.Context, id int64) error {
	n, err := countRows(ctx, q.db, "delete category", `
		SELECT (SELECT COUNT(*) FROM allocations WHERE category_id = ?) +
		       (SELECT COUNT(*) FROM budget_register WHERE category_id = ?) +
		       (SELECT COUNT(*) FROM categories WHERE parent_id = ? OR base_category_id = ?)`, id, id, id, id)
	if err != nil {
		return err
	}
	if n > 0 {
		return &core.ConflictError{Ref: "category", Reason: "referenced by allocations, register rows or child categories"}
	}
	_, err = q.db.ExecContext(ctx, `DELETE FROM categories WHERE id = ?`, id)
	return storeErr("delete category", err)
}
