package storage

import (
	"context"
	"time"
)

// AcquireRecalcLock takes the advisory lock of a budget for owner. A lock older
// than ttl is considered abandoned and taken over.
func (q *Queries) AcquireRecalcLock(ctx context.Context, budgetID int64, owner string, now time.Time, ttl time.Duration) (bool, error) {
	if _, err := q.db.ExecContext(ctx, `
		DELETE FROM recalc_locks WHERE budget_id = ? AND acquired_at < ?`,
		budgetID, toMicros(now.Add(-ttl))); err != nil {
		return false, storeErr("acquire recalc lock", err)
	}
	res, err := q.db.ExecContext(ctx, `
		INSERT INTO recalc_locks (budget_id, owner, acquired_at) VALUES (?, ?, ?)
		ON CONFLICT(budget_id) DO NOTHING`, budgetID, owner, toMicros(now))
	if err != nil {
		return false, storeErr("acquire recalc lock", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, storeErr("acquire recalc lock", err)
	}
	return n == 1, nil
}

func (q *Queries) ReleaseRecalcLock(ctx context.Context, budgetID int64, owner string) error {
	_, err := q.db.ExecContext(ctx, `DELETE FROM recalc_locks WHERE budget_id = ? AND owner = ?`, budgetID, owner)
	return storeErr("release recalc lock", err)
}
