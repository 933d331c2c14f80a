package worker

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/go-co-op/gocron/v2"

	"budgetbook/internal/amqp"
	"budgetbook/internal/cache"
	"budgetbook/internal/core"
	"budgetbook/internal/log"
	"budgetbook/internal/recalc"
)

const (
	sweepTimeout       = 30 * time.Minute
	cacheSweepInterval = 10 * time.Minute
)

// Recalculator runs the recalculation of one budget.
type Recalculator interface {
	Run(ctx context.Context, budgetID int64) (*recalc.Result, error)
}

// BudgetLister finds budgets holding invalid accounts.
type BudgetLister interface {
	ListBudgetsNeedingRecalc(ctx context.Context) ([]int64, error)
}

// RecalcWorker recalculates budgets on request and sweeps the leftovers on a
// schedule, so a lost message only delays a recalculation.
type RecalcWorker struct {
	driver    Recalculator
	budgets   BudgetLister
	caches    *cache.Manager
	logger    *log.Logger
	scheduler gocron.Scheduler
}

func NewRecalcWorker(driver Recalculator, budgets BudgetLister, caches *cache.Manager, logger *log.Logger) *RecalcWorker {
	return &RecalcWorker{
		driver:  driver,
		budgets: budgets,
		caches:  caches,
		logger:  logger.WithComponent(log.ComponentWorker),
	}
}

// HandleRecalcRequest processes a single recalc request from AMQP. A budget
// already being recalculated is acknowledged: its marks stay set and the
// running pass or the next sweep picks them up.
func (w *RecalcWorker) HandleRecalcRequest(ctx context.Context, msg *amqp.RecalcRequest) error {
	logger := log.FromContextOr(ctx, w.logger).WithComponent(log.ComponentWorker).
		WithFields(log.NewFields().WithBudget(msg.BudgetID))
	logger.InfoContext(ctx, "Processing recalc request",
		"request_id", msg.RequestID,
		"requested_by", msg.RequestedBy)

	res, err := w.driver.Run(ctx, msg.BudgetID)
	var consistency *core.ConsistencyError
	switch {
	case err == nil:
	case errors.Is(err, core.ErrRecalcInProgress):
		logger.InfoContext(ctx, "Recalculation already running, request dropped")
		return nil
	case errors.Is(err, core.ErrNotFound), errors.As(err, &consistency):
		return fmt.Errorf("%w: %w", amqp.ErrDiscard, err)
	default:
		return err
	}

	for id, ferr := range res.Failed {
		logger.WarnContext(ctx, "Account left invalid",
			log.FieldAccountID, id,
			log.FieldError, ferr)
	}
	return nil
}

// Sweep recalculates every budget that still has invalid accounts and
// returns how many runs completed. One failing budget does not stop the rest.
func (w *RecalcWorker) Sweep(ctx context.Context) (int, error) {
	ids, err := w.budgets.ListBudgetsNeedingRecalc(ctx)
	if err != nil {
		return 0, fmt.Errorf("list budgets needing recalc: %w", err)
	}
	if len(ids) == 0 {
		w.logger.DebugContext(ctx, "No budgets need recalculation")
		return 0, nil
	}

	start := time.Now()
	done, failed := 0, 0
	for _, id := range ids {
		if ctx.Err() != nil {
			return done, ctx.Err()
		}
		if _, err := w.driver.Run(ctx, id); err != nil {
			failed++
			w.logger.ErrorContext(ctx, "Sweep recalculation failed", log.FieldBudgetID, id, log.FieldError, err)
			continue
		}
		done++
	}

	fields := log.NewFields().WithOperation(log.OpRecalc).WithDuration(time.Since(start))
	w.logger.WithFields(fields).InfoContext(ctx, "Recalc sweep completed",
		"total", len(ids),
		"recalculated", done,
		"errors", failed)
	return done, nil
}

// Start schedules the sweep with a cron expression (UTC) plus the periodic
// cache cleanup, and runs one sweep right away.
func (w *RecalcWorker) Start(ctx context.Context, schedule string) error {
	s, err := gocron.NewScheduler(gocron.WithLocation(time.UTC))
	if err != nil {
		return fmt.Errorf("create scheduler: %w", err)
	}

	sweep := func() {
		runCtx, cancel := context.WithTimeout(ctx, sweepTimeout)
		defer cancel()
		if _, err := w.Sweep(runCtx); err != nil {
			w.logger.ErrorContext(runCtx, "Recalc sweep failed", log.FieldError, err)
		}
	}

	_, err = s.NewJob(
		gocron.CronJob(schedule, false),
		gocron.NewTask(sweep),
		gocron.WithName("recalc-sweep"),
		gocron.WithSingletonMode(gocron.LimitModeReschedule),
	)
	if err != nil {
		return fmt.Errorf("schedule recalc sweep %q: %w", schedule, err)
	}

	if w.caches != nil {
		_, err = s.NewJob(
			gocron.DurationJob(cacheSweepInterval),
			gocron.NewTask(func() {
				if n := w.caches.Sweep(); n > 0 {
					w.logger.Debug("Expired cache entries removed", log.FieldCount, n)
				}
			}),
			gocron.WithName("cache-sweep"),
		)
		if err != nil {
			return fmt.Errorf("schedule cache sweep: %w", err)
		}
	}

	w.scheduler = s
	s.Start()
	w.logger.InfoContext(ctx, "Scheduler started", "schedule", schedule)

	go sweep()
	return nil
}

// Stop stops the scheduler
func (w *RecalcWorker) Stop() error {
	if w.scheduler == nil {
		return nil
	}
	return w.scheduler.Shutdown()
}
