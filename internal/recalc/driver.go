// Package recalc restores the derived state of a budget: per-operation
// balances and reporting-currency amounts, month-end exchange differences and
// monthly turnover snapshots.
//
// A run closes the set of invalid accounts over transfer links, provisions the
// missing exchange-difference pairs, replays every affected operation in
// chronological order and finally rebuilds turnover openings and closings.
// Each replayed operation is saved in its own transaction, so an interrupted
// run leaves a committed prefix and can simply be started again.
package recalc

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"

	"budgetbook/internal/core"
	"budgetbook/internal/log"
	"budgetbook/internal/services"
)

var (
	tracer           = otel.Tracer("budgetbook/recalc")
	meter            = otel.Meter("budgetbook/recalc")
	runDuration, _   = meter.Float64Histogram("recalc.run.duration", metric.WithDescription("Recalculation run duration in seconds"), metric.WithUnit("s"))
	replayedTotal, _ = meter.Int64Counter("recalc.operations.replayed", metric.WithDescription("Operations replayed"))
	createdTotal, _  = meter.Int64Counter("recalc.exchange_differences.created", metric.WithDescription("Exchange-difference operations provisioned"))
	failedTotal, _   = meter.Int64Counter("recalc.accounts.failed", metric.WithDescription("Accounts whose replay stopped on an error"))
)

// SystemUser is recorded as creator of generated operations.
const SystemUser = "system"

const (
	defaultLockTTL  = 30 * time.Minute
	defaultPageSize = 500
)

// Result summarises one run.
type Result struct {
	RunID    string
	BudgetID int64
	// Accounts is the invalidation closure that was replayed.
	Accounts []int64
	Replayed int
	Created  int
	// Failed maps accounts whose replay stopped to the error that stopped it.
	Failed map[int64]error
}

func (r *Result) OK() bool { return len(r.Failed) == 0 }

func (r *Result) fail(accountID int64, err error) {
	if r.Failed == nil {
		r.Failed = make(map[int64]error)
	}
	r.Failed[accountID] = err
}

type Option func(*Driver)

// WithClock sets the source of "now", which bounds exchange-difference provisioning.
func WithClock(now func() time.Time) Option {
	return func(d *Driver) { d.now = now }
}

// WithLockTTL sets how long a crashed run keeps other runs out.
func WithLockTTL(ttl time.Duration) Option {
	return func(d *Driver) { d.lockTTL = ttl }
}

// WithPageSize sets how many operations are read per account page.
func WithPageSize(n int) Option {
	return func(d *Driver) { d.pageSize = n }
}

type Driver struct {
	ledger   services.Ledger
	settings core.Settings
	rates    services.RateSource
	cascade  *services.Cascade
	allocs   *services.AllocationEngine
	logger   *log.Logger
	now      func() time.Time
	lockTTL  time.Duration
	pageSize int
}

func NewDriver(ledger services.Ledger, settings core.Settings, rates services.RateSource, logger *log.Logger, opts ...Option) *Driver {
	d := &Driver{
		ledger:   ledger,
		settings: settings,
		rates:    rates,
		cascade:  services.NewCascade(settings, rates),
		allocs:   services.NewAllocationEngine(settings),
		logger:   logger.WithComponent(log.ComponentRecalc),
		now:      time.Now,
		lockTTL:  defaultLockTTL,
		pageSize: defaultPageSize,
	}
	for _, opt := range opts {
		opt(d)
	}
	return d
}

// Run recalculates budgetID. Runs for the same budget exclude each other
// through the store's advisory lock; a second caller gets
// core.ErrRecalcInProgress.
func (d *Driver) Run(ctx context.Context, budgetID int64) (*Result, error) {
	res := &Result{RunID: uuid.NewString(), BudgetID: budgetID}
	logger := d.logger.WithFields(log.NewFields().WithRun(res.RunID).WithBudget(budgetID))

	ctx, span := tracer.Start(ctx, "recalc.run",
		trace.WithAttributes(
			attribute.Int64("budget.id", budgetID),
			attribute.String("run.id", res.RunID),
		),
	)
	defer span.End()
	start := time.Now()

	err := d.locked(ctx, budgetID, res.RunID, func() error {
		return d.run(ctx, logger, res)
	})
	runDuration.Record(ctx, time.Since(start).Seconds())
	span.SetAttributes(
		attribute.Int("recalc.accounts", len(res.Accounts)),
		attribute.Int("recalc.replayed", res.Replayed),
		attribute.Int("recalc.created", res.Created),
		attribute.Int("recalc.failed", len(res.Failed)),
	)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		logger.ErrorContext(ctx, "Recalculation aborted", log.FieldError, err)
		return res, fmt.Errorf("recalculate budget %d: %w", budgetID, err)
	}
	if !res.OK() {
		span.SetStatus(codes.Error, "accounts failed")
	}

	logger.InfoContext(ctx, "Recalculation finished",
		"accounts", len(res.Accounts),
		"replayed", res.Replayed,
		"created", res.Created,
		"failed", len(res.Failed),
		log.FieldDuration, time.Since(start).Milliseconds())
	return res, nil
}

func (d *Driver) locked(ctx context.Context, budgetID int64, owner string, fn func() error) error {
	q := d.ledger.Queries()
	ok, err := q.AcquireRecalcLock(ctx, budgetID, owner, d.now(), d.lockTTL)
	if err != nil {
		return err
	}
	if !ok {
		return core.ErrRecalcInProgress
	}
	defer func() {
		// Release even when the caller gave up on ctx.
		if err := q.ReleaseRecalcLock(context.WithoutCancel(ctx), budgetID, owner); err != nil {
			d.logger.ErrorContext(ctx, "Failed to release recalc lock", log.FieldBudgetID, budgetID, log.FieldError, err)
		}
	}()
	return fn()
}

func (d *Driver) run(ctx context.Context, logger *log.Logger, res *Result) error {
	q := d.ledger.Queries()

	unpaired, err := q.ListUnpairedTransferIns(ctx, res.BudgetID)
	if err != nil {
		return err
	}
	if len(unpaired) > 0 {
		return &core.ConsistencyError{Reason: "unpaired incoming transfers", AccountIDs: accountIDs(unpaired)}
	}

	budget, err := q.GetBudget(ctx, res.BudgetID)
	if err != nil {
		return err
	}
	earliest, err := q.EarliestOperationTime(ctx, budget.ID)
	if err != nil {
		return err
	}

	accounts, err := d.closure(ctx, budget.ID, earliest)
	if err != nil {
		return fmt.Errorf("invalidation closure: %w", err)
	}
	res.Accounts = sortedIDs(accounts)
	logger.InfoContext(ctx, "Invalidation closure built", log.FieldPhase, "closure", log.FieldCount, len(accounts))

	if !earliest.IsZero() {
		d.provision(ctx, logger, budget, accounts, earliest, res)
		if err := d.replay(ctx, logger, budget, accounts, res); err != nil {
			return err
		}
	}

	if err := d.finishBalances(ctx, logger, budget, accounts, res); err != nil {
		return err
	}
	return d.rebuildTurnovers(ctx, logger, budget, res)
}

// finishBalances marks replayed accounts valid. Accounts without any
// operation get their initial balance valued at the current instant.
func (d *Driver) finishBalances(ctx context.Context, logger *log.Logger, budget core.Budget, accounts map[int64]*stream, res *Result) error {
	q := d.ledger.Queries()
	for _, id := range sortedIDs(accounts) {
		s := accounts[id]
		if _, failed := res.Failed[id]; failed || s.stale {
			continue
		}
		if !s.started {
			if err := d.startFromInitial(ctx, budget, s, d.now()); err != nil {
				res.fail(id, err)
				continue
			}
		}
		ok, err := q.MarkBalancesValid(ctx, id, s.until, s.prev.acc, s.prev.base1, s.prev.base2)
		if err != nil {
			return err
		}
		if !ok {
			logger.WarnContext(ctx, "Account changed during recalculation, left invalid", log.FieldAccountID, id)
		}
	}
	return nil
}

// startFromInitial values the initial balance at the instant before at.
func (d *Driver) startFromInitial(ctx context.Context, budget core.Budget, s *stream, at time.Time) error {
	s.prev = running{acc: s.account.InitialBalance}
	for k := 1; k <= 2; k++ {
		r, err := d.rates.Rate(ctx, budget.Base(k), s.account.Currency, at)
		if err != nil {
			return err
		}
		s.prev.set(k, core.RoundAmount(s.account.InitialBalance.Mul(r)))
	}
	s.started = true
	return nil
}

type running struct {
	acc, base1, base2 decimal.Decimal
}

func (r running) base(k int) decimal.Decimal {
	if k == 2 {
		return r.base2
	}
	return r.base1
}

func (r *running) set(k int, v decimal.Decimal) {
	if k == 2 {
		r.base2 = v
		return
	}
	r.base1 = v
}

func accountIDs(ops []core.Operation) []int64 {
	seen := make(map[int64]bool)
	var ids []int64
	for _, o := range ops {
		if !seen[o.AccountID] {
			seen[o.AccountID] = true
			ids = append(ids, o.AccountID)
		}
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	return ids
}

func sortedIDs[V any](m map[int64]V) []int64 {
	ids := make([]int64, 0, len(m))
	for id := range m {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	return ids
}

func isNotFound(err error) bool {
	return errors.Is(err, core.ErrNotFound)
}
