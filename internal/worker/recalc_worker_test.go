package worker

import (
	"context"
	"errors"
	"fmt"
	"testing"

	"budgetbook/internal/amqp"
	"budgetbook/internal/core"
	"budgetbook/internal/log"
	"budgetbook/internal/recalc"
)

type fakeDriver struct {
	errs map[int64]error
	runs []int64
}

func (f *fakeDriver) Run(_ context.Context, budgetID int64) (*recalc.Result, error) {
	f.runs = append(f.runs, budgetID)
	if err := f.errs[budgetID]; err != nil {
		return &recalc.Result{BudgetID: budgetID}, fmt.Errorf("recalculate budget %d: %w", budgetID, err)
	}
	return &recalc.Result{BudgetID: budgetID}, nil
}

type fakeLister struct {
	ids []int64
	err error
}

func (f fakeLister) ListBudgetsNeedingRecalc(context.Context) ([]int64, error) {
	return f.ids, f.err
}

func TestHandleRecalcRequest(t *testing.T) {
	tests := []struct {
		name        string
		err         error
		wantErr     bool
		wantDiscard bool
	}{
		{name: "success"},
		{name: "already running", err: core.ErrRecalcInProgress},
		{name: "unknown budget", err: core.ErrNotFound, wantErr: true, wantDiscard: true},
		{name: "unpaired transfers", err: &core.ConsistencyError{Reason: "unpaired"}, wantErr: true, wantDiscard: true},
		{name: "store failure", err: errors.New("disk I/O error"), wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			driver := &fakeDriver{errs: map[int64]error{1: tt.err}}
			w := NewRecalcWorker(driver, fakeLister{}, nil, log.Discard())

			err := w.HandleRecalcRequest(context.Background(), amqp.NewRecalcRequest(1, "owner"))
			if (err != nil) != tt.wantErr {
				t.Fatalf("HandleRecalcRequest() error = %v, wantErr %v", err, tt.wantErr)
			}
			if got := errors.Is(err, amqp.ErrDiscard); got != tt.wantDiscard {
				t.Errorf("discard = %v, want %v", got, tt.wantDiscard)
			}
			if len(driver.runs) != 1 || driver.runs[0] != 1 {
				t.Errorf("runs = %v, want [1]", driver.runs)
			}
		})
	}
}

func TestSweep(t *testing.T) {
	driver := &fakeDriver{errs: map[int64]error{2: errors.New("boom")}}
	w := NewRecalcWorker(driver, fakeLister{ids: []int64{1, 2, 3}}, nil, log.Discard())

	done, err := w.Sweep(context.Background())
	if err != nil {
		t.Fatalf("Sweep() error = %v", err)
	}
	if done != 2 {
		t.Errorf("Sweep() = %d, want 2", done)
	}
	if len(driver.runs) != 3 {
		t.Errorf("runs = %v, want every budget", driver.runs)
	}
}

func TestSweepListError(t *testing.T) {
	w := NewRecalcWorker(&fakeDriver{}, fakeLister{err: errors.New("locked")}, nil, log.Discard())
	if _, err := w.Sweep(context.Background()); err == nil {
		t.Error("Sweep() should fail when budgets cannot be listed")
	}
}

func TestSweepStopsOnCancel(t *testing.T) {
	driver := &fakeDriver{}
	w := NewRecalcWorker(driver, fakeLister{ids: []int64{1, 2}}, nil, log.Discard())

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if _, err := w.Sweep(ctx); !errors.Is(err, context.Canceled) {
		t.Errorf("Sweep() error = %v, want context.Canceled", err)
	}
	if len(driver.runs) != 0 {
		t.Errorf("runs = %v, want none", driver.runs)
	}
}
