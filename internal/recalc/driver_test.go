package recalc

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"budgetbook/internal/core"
	"budgetbook/internal/log"
	"budgetbook/internal/rates"
	"budgetbook/internal/services"
	"budgetbook/internal/storage"
	"budgetbook/internal/storage/storagetest"
)

type env struct {
	repo     *storage.SQLiteRepository
	budget   core.Budget
	settings core.Settings
	rates    *rates.Service
	ops      *services.OperationService
	linker   *services.TransferLinker
}

func newEnv(t *testing.T) *env {
	t.Helper()
	repo := storagetest.Open(t)
	settings := core.DefaultSettings()
	logger := log.Discard()
	rateSvc := rates.NewService(repo.Queries(), logger)
	return &env{
		repo:     repo,
		budget:   storagetest.Budget(t, repo, "EUR", "USD"),
		settings: settings,
		rates:    rateSvc,
		ops:      services.NewOperationService(repo, settings, rateSvc, logger),
		linker:   services.NewTransferLinker(repo, settings, rateSvc, logger),
	}
}

func (e *env) driver(t *testing.T, now string, src services.RateSource, opts ...Option) *Driver {
	t.Helper()
	if src == nil {
		src = e.rates
	}
	clock := storagetest.Time(t, now)
	opts = append([]Option{WithClock(func() time.Time { return clock })}, opts...)
	return NewDriver(e.repo, e.settings, src, log.Discard(), opts...)
}

func (e *env) run(t *testing.T, d *Driver) *Result {
	t.Helper()
	res, err := d.Run(context.Background(), e.budget.ID)
	if err != nil {
		t.Fatalf("Run() error = %v", err)
	}
	return res
}

func (e *env) account(t *testing.T, id int64) core.Account {
	t.Helper()
	a, err := e.repo.Queries().GetAccount(context.Background(), id)
	if err != nil {
		t.Fatalf("get account: %v", err)
	}
	return a
}

func (e *env) operation(t *testing.T, id int64) core.Operation {
	t.Helper()
	o, err := e.repo.Queries().GetOperation(context.Background(), id)
	if err != nil {
		t.Fatalf("get operation: %v", err)
	}
	return o
}

func (e *env) create(t *testing.T, in services.OperationInput) core.Operation {
	t.Helper()
	op, err := e.ops.Create(context.Background(), in)
	if err != nil {
		t.Fatalf("create %s: %v", in.Kind, err)
	}
	return *op
}

// transfer creates and links a MO-/MO+ pair on 2024-04-10.
func (e *env) transfer(t *testing.T, from, to core.Account, out, in string) (core.Operation, core.Operation) {
	t.Helper()
	when := storagetest.Time(t, "2024-04-10T09:00:00Z")
	sender := e.create(t, services.OperationInput{
		AccountID: from.ID, Kind: core.KindTransferOut, Time: when, AmountAccCur: dec(out),
	})
	receiver := e.create(t, services.OperationInput{
		AccountID: to.ID, Kind: core.KindTransferIn, Time: when.Add(30 * time.Second), AmountAccCur: dec(in),
	})
	if err := e.linker.Confirm(context.Background(), sender.ID, receiver.ID); err != nil {
		t.Fatalf("Confirm() error = %v", err)
	}
	return sender, receiver
}

func (e *env) exchangeAt(t *testing.T, accountID int64, kind core.Kind, p core.Period) core.Operation {
	t.Helper()
	plus, minus := core.ExchangeSlots(p)
	at := plus
	if kind == core.KindExchangeMinus {
		at = minus
	}
	o, err := e.repo.Queries().FindOperationAt(context.Background(), accountID, kind, at)
	if err != nil {
		t.Fatalf("find %s of %s: %v", kind, p, err)
	}
	return o
}

func dec(s string) decimal.Decimal { return storagetest.Dec(s) }

func TestCrossCurrencyTransfer(t *testing.T) {
	e := newEnv(t)
	storagetest.Rate(t, e.repo, "EUR", "USD", "2024-01-01", "2.1")
	a := storagetest.Account(t, e.repo, e.budget.ID, "Checking", "EUR", "1000")
	b := storagetest.Account(t, e.repo, e.budget.ID, "Dollars", "USD", "0")
	sender, receiver := e.transfer(t, a, b, "-100", "50")

	res := e.run(t, e.driver(t, "2024-04-20T00:00:00Z", nil))
	if !res.OK() {
		t.Fatalf("Run() failed accounts: %v", res.Failed)
	}
	// One ED+/ED- pair per account for April.
	if res.Created != 4 {
		t.Errorf("created = %d, want 4", res.Created)
	}

	out := e.operation(t, sender.ID)
	if !out.AmountBase1.Equal(dec("-105")) || !out.BalanceBase1.Equal(dec("895")) || !out.BalanceAccCur.Equal(dec("900")) {
		t.Errorf("MO- base1 %s balance_base1 %s balance %s, want -105 895 900", out.AmountBase1, out.BalanceBase1, out.BalanceAccCur)
	}
	in := e.operation(t, receiver.ID)
	if !in.AmountBase1.Equal(dec("105")) || !in.BalanceBase1.Equal(dec("105")) || !in.BalanceAccCur.Equal(dec("50")) {
		t.Errorf("MO+ base1 %s balance_base1 %s balance %s, want 105 105 50", in.AmountBase1, in.BalanceBase1, in.BalanceAccCur)
	}

	april := core.Period{Year: 2024, Month: 4}
	// 900 EUR are worth 900 in EUR while the books carry 895.
	if got := e.exchangeAt(t, a.ID, core.KindExchangePlus, april).AmountBase1; !got.Equal(dec("5")) {
		t.Errorf("ED+ base1 of A = %s, want 5", got)
	}
	if got := e.exchangeAt(t, b.ID, core.KindExchangePlus, april).AmountBase1; !got.IsZero() {
		t.Errorf("ED+ base1 of B = %s, want 0", got)
	}

	accA, accB := e.account(t, a.ID), e.account(t, b.ID)
	if !accA.BalancesValid || !accB.BalancesValid || !accA.TurnoversValid || !accB.TurnoversValid {
		t.Fatalf("accounts not valid after run: %+v %+v", accA, accB)
	}
	if !accA.Balance.Equal(dec("900")) || !accA.BalanceBase1.Equal(dec("900")) {
		t.Errorf("A balance %s base1 %s, want 900 900", accA.Balance, accA.BalanceBase1)
	}
	if !accB.Balance.Equal(dec("50")) || !accB.BalanceBase1.Equal(dec("105")) {
		t.Errorf("B balance %s base1 %s, want 50 105", accB.Balance, accB.BalanceBase1)
	}
}

func TestReceiverEditRevaluesSender(t *testing.T) {
	e := newEnv(t)
	storagetest.Rate(t, e.repo, "EUR", "USD", "2024-01-01", "2.1")
	a := storagetest.Account(t, e.repo, e.budget.ID, "Checking", "EUR", "1000")
	b := storagetest.Account(t, e.repo, e.budget.ID, "Dollars", "USD", "0")
	sender, receiver := e.transfer(t, a, b, "-100", "50")
	e.run(t, e.driver(t, "2024-04-20T00:00:00Z", nil))

	in := e.operation(t, receiver.ID)
	if _, err := e.ops.Update(context.Background(), in.ID, services.OperationInput{
		AccountID: b.ID, Kind: core.KindTransferIn, Time: in.Time, TZOffset: in.TZOffset, AmountAccCur: dec("60"),
	}); err != nil {
		t.Fatalf("Update() error = %v", err)
	}
	if e.account(t, a.ID).BalancesValid {
		t.Fatal("sender account still valid after the receiver changed")
	}
	if got := e.operation(t, sender.ID).AmountBase1; !got.Equal(dec("-126")) {
		t.Errorf("MO- base1 after edit = %s, want -126", got)
	}

	res := e.run(t, e.driver(t, "2024-04-20T00:00:00Z", nil))
	if !slices.Contains(res.Accounts, a.ID) {
		t.Errorf("closure %v misses the sender account %d", res.Accounts, a.ID)
	}
	out := e.operation(t, sender.ID)
	if !out.AmountBase1.Equal(dec("-126")) || !out.BalanceBase1.Equal(dec("874")) {
		t.Errorf("MO- base1 %s balance_base1 %s, want -126 874", out.AmountBase1, out.BalanceBase1)
	}
	april := core.Period{Year: 2024, Month: 4}
	if got := e.exchangeAt(t, a.ID, core.KindExchangePlus, april).AmountBase1; !got.Equal(dec("26")) {
		t.Errorf("ED+ base1 of A = %s, want 26", got)
	}
	if got := e.account(t, b.ID).BalanceBase1; !got.Equal(dec("126")) {
		t.Errorf("B balance_base1 = %s, want 126", got)
	}
}

func TestMonthEndRevaluation(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()
	storagetest.Rate(t, e.repo, "EUR", "USD", "2024-03-01", "1.0")
	storagetest.Rate(t, e.repo, "EUR", "USD", "2024-03-31", "1.2")
	acc := storagetest.Account(t, e.repo, e.budget.ID, "Dollars", "USD", "0")
	income := e.create(t, services.OperationInput{
		AccountID: acc.ID, Kind: core.KindIncome, Time: storagetest.Time(t, "2024-03-01T10:00:00Z"), AmountAccCur: dec("100"),
	})

	e.run(t, e.driver(t, "2024-03-15T00:00:00Z", nil))

	march := core.Period{Year: 2024, Month: 3}
	if got := e.operation(t, income.ID).AmountBase1; !got.Equal(dec("100")) {
		t.Errorf("CRE base1 = %s, want 100", got)
	}
	plus := e.exchangeAt(t, acc.ID, core.KindExchangePlus, march)
	if !plus.AmountBase1.Equal(dec("20")) || !plus.BalanceBase1.Equal(dec("120")) {
		t.Errorf("ED+ base1 %s balance_base1 %s, want 20 120", plus.AmountBase1, plus.BalanceBase1)
	}
	if !plus.AmountAccCur.IsZero() || plus.CreatedBy != SystemUser {
		t.Errorf("ED+ = %s by %q, want zero amount by %q", plus.AmountAccCur, plus.CreatedBy, SystemUser)
	}
	if minus := e.exchangeAt(t, acc.ID, core.KindExchangeMinus, march); !minus.AmountBase1.IsZero() {
		t.Errorf("ED- base1 = %s, want 0", minus.AmountBase1)
	}

	row, _, err := e.repo.Queries().GetRegisterRow(ctx, core.RegisterKey{
		BudgetID: e.budget.ID, Year: 2024, Month: 3, CategoryID: e.settings.PositiveExchangeCategory,
	})
	if err != nil {
		t.Fatalf("get register row: %v", err)
	}
	if !row.Actual1.Equal(dec("20")) {
		t.Errorf("positive exchange register actual1 = %s, want 20", row.Actual1)
	}

	turnovers, err := e.repo.Queries().ListAccountTurnoversFrom(ctx, acc.ID, march.Start())
	if err != nil {
		t.Fatalf("list turnovers: %v", err)
	}
	if len(turnovers) != 1 {
		t.Fatalf("turnover rows = %d, want 1", len(turnovers))
	}
	tr := turnovers[0]
	if !tr.Opening1.IsZero() || !tr.Credit1.Equal(dec("120")) || !tr.Closing1.Equal(dec("120")) {
		t.Errorf("turnover opening %s credit %s closing %s, want 0 120 120", tr.Opening1, tr.Credit1, tr.Closing1)
	}
	if got := e.account(t, acc.ID).BalanceBase1; !got.Equal(dec("120")) {
		t.Errorf("account balance_base1 = %s, want 120", got)
	}
}

func TestMonthEndRevaluationLoss(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()
	storagetest.Rate(t, e.repo, "EUR", "USD", "2024-03-01", "1.2")
	storagetest.Rate(t, e.repo, "EUR", "USD", "2024-03-31", "1.0")
	acc := storagetest.Account(t, e.repo, e.budget.ID, "Dollars", "USD", "0")
	e.create(t, services.OperationInput{
		AccountID: acc.ID, Kind: core.KindIncome, Time: storagetest.Time(t, "2024-03-01T10:00:00Z"), AmountAccCur: dec("100"),
	})

	e.run(t, e.driver(t, "2024-03-15T00:00:00Z", nil))

	march := core.Period{Year: 2024, Month: 3}
	if plus := e.exchangeAt(t, acc.ID, core.KindExchangePlus, march); !plus.AmountBase1.IsZero() || !plus.BalanceBase1.Equal(dec("120")) {
		t.Errorf("ED+ base1 %s balance_base1 %s, want 0 120", plus.AmountBase1, plus.BalanceBase1)
	}
	minus := e.exchangeAt(t, acc.ID, core.KindExchangeMinus, march)
	if !minus.AmountBase1.Equal(dec("-20")) || !minus.BalanceBase1.Equal(dec("100")) {
		t.Errorf("ED- base1 %s balance_base1 %s, want -20 100", minus.AmountBase1, minus.BalanceBase1)
	}
	if !minus.AmountAccCur.IsZero() || !minus.BalanceAccCur.Equal(dec("100")) {
		t.Errorf("ED- amount %s balance %s, want 0 100", minus.AmountAccCur, minus.BalanceAccCur)
	}

	for _, c := range []struct {
		category int64
		want     string
	}{
		{e.settings.NegativeExchangeCategory, "-20"},
		{e.settings.PositiveExchangeCategory, "0"},
	} {
		row, _, err := e.repo.Queries().GetRegisterRow(ctx, core.RegisterKey{
			BudgetID: e.budget.ID, Year: 2024, Month: 3, CategoryID: c.category,
		})
		if err != nil {
			t.Fatalf("get register row: %v", err)
		}
		if !row.Actual1.Equal(dec(c.want)) {
			t.Errorf("exchange register %d actual1 = %s, want %s", c.category, row.Actual1, c.want)
		}
	}

	turnovers, err := e.repo.Queries().ListAccountTurnoversFrom(ctx, acc.ID, march.Start())
	if err != nil {
		t.Fatalf("list turnovers: %v", err)
	}
	if len(turnovers) != 1 || !turnovers[0].Closing1.Equal(dec("100")) {
		t.Errorf("turnovers = %+v, want one row closing at 100", turnovers)
	}
	a := e.account(t, acc.ID)
	if !a.Balance.Equal(dec("100")) || !a.BalanceBase1.Equal(dec("100")) {
		t.Errorf("account balance %s base1 %s, want 100 100", a.Balance, a.BalanceBase1)
	}
}

func TestOpeningBalanceTurnover(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()
	acc := storagetest.Account(t, e.repo, e.budget.ID, "Checking", "EUR", "500")
	e.create(t, services.OperationInput{
		AccountID: acc.ID, Kind: core.KindExpense, Time: storagetest.Time(t, "2024-05-03T12:00:00Z"), AmountAccCur: dec("-40"),
	})
	e.create(t, services.OperationInput{
		AccountID: acc.ID, Kind: core.KindExpense, Time: storagetest.Time(t, "2024-06-03T12:00:00Z"), AmountAccCur: dec("-60"),
	})

	e.run(t, e.driver(t, "2024-06-20T00:00:00Z", nil))

	rows, err := e.repo.Queries().ListAccountTurnoversFrom(ctx, acc.ID, time.Time{})
	if err != nil {
		t.Fatalf("list turnovers: %v", err)
	}
	if len(rows) != 2 {
		t.Fatalf("turnover rows = %d, want 2", len(rows))
	}
	want := [][2]string{{"500", "460"}, {"460", "400"}}
	for i, r := range rows {
		if !r.Opening1.Equal(dec(want[i][0])) || !r.Closing1.Equal(dec(want[i][1])) {
			t.Errorf("row %d opening %s closing %s, want %s %s", i, r.Opening1, r.Closing1, want[i][0], want[i][1])
		}
	}
}

func TestRunIsIdempotent(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()
	storagetest.Rate(t, e.repo, "EUR", "USD", "2024-01-01", "2.1")
	storagetest.Rate(t, e.repo, "EUR", "USD", "2024-04-30", "2.2")
	a := storagetest.Account(t, e.repo, e.budget.ID, "Checking", "EUR", "1000")
	b := storagetest.Account(t, e.repo, e.budget.ID, "Dollars", "USD", "0")
	e.transfer(t, a, b, "-100", "50")
	e.create(t, services.OperationInput{
		AccountID: b.ID, Kind: core.KindExpense, Time: storagetest.Time(t, "2024-05-02T08:00:00Z"), AmountAccCur: dec("-20"),
	})

	d := e.driver(t, "2024-05-20T00:00:00Z", nil)
	e.run(t, d)
	first := snapshot(t, e)

	from := storagetest.Time(t, "2024-04-01T00:00:00Z")
	for _, id := range []int64{a.ID, b.ID} {
		if err := e.repo.Queries().InvalidateAccount(ctx, id, from, from); err != nil {
			t.Fatalf("invalidate: %v", err)
		}
	}
	res := e.run(t, d)
	if res.Created != 0 {
		t.Errorf("second run created %d operations, want 0", res.Created)
	}
	second := snapshot(t, e)

	if len(first) != len(second) {
		t.Fatalf("operation count changed: %d -> %d", len(first), len(second))
	}
	for id, want := range first {
		if got := second[id]; got != want {
			t.Errorf("operation %d changed:\n got %s\nwant %s", id, got, want)
		}
	}
}

func snapshot(t *testing.T, e *env) map[int64]string {
	t.Helper()
	ops, err := e.repo.Queries().ListBudgetOperations(context.Background(), e.budget.ID, nil)
	if err != nil {
		t.Fatalf("list operations: %v", err)
	}
	out := make(map[int64]string, len(ops))
	for _, o := range ops {
		out[o.ID] = fmt.Sprintf("%s %s %s %s %s %s %s", o.Kind,
			o.AmountBase1, o.AmountBase2, o.BalanceAccCur, o.BalanceBase1, o.BalanceBase2, o.RateBase1)
	}
	return out
}

func TestClosureFollowsTransfers(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()
	a := storagetest.Account(t, e.repo, e.budget.ID, "Checking", "EUR", "1000")
	b := storagetest.Account(t, e.repo, e.budget.ID, "Savings", "EUR", "0")
	c := storagetest.Account(t, e.repo, e.budget.ID, "Cash", "EUR", "0")
	_, receiver := e.transfer(t, a, b, "-100", "100")

	d := e.driver(t, "2024-04-20T00:00:00Z", nil)
	e.run(t, d)
	if !e.account(t, b.ID).BalancesValid {
		t.Fatal("B invalid after first run")
	}

	// An earlier expense on A invalidates A only.
	e.create(t, services.OperationInput{
		AccountID: a.ID, Kind: core.KindExpense, Time: storagetest.Time(t, "2024-04-05T10:00:00Z"), AmountAccCur: dec("-10"),
	})
	earliest, err := e.repo.Queries().EarliestOperationTime(ctx, e.budget.ID)
	if err != nil {
		t.Fatalf("earliest: %v", err)
	}
	set, err := d.closure(ctx, e.budget.ID, earliest)
	if err != nil {
		t.Fatalf("closure() error = %v", err)
	}
	if _, ok := set[c.ID]; ok {
		t.Error("closure contains an unrelated account")
	}
	sb, ok := set[b.ID]
	if !ok {
		t.Fatal("closure misses the receiving account")
	}
	if sb.until.After(receiver.Time) {
		t.Errorf("receiver mark %v after MO+ at %v", sb.until, receiver.Time)
	}
	if e.account(t, b.ID).BalancesValid {
		t.Error("receiving account not invalidated")
	}

	e.run(t, d)
	if got := e.operation(t, receiver.ID).BalanceAccCur; !got.Equal(dec("100")) {
		t.Errorf("MO+ balance = %s, want 100", got)
	}
	if got := e.account(t, a.ID).Balance; !got.Equal(dec("890")) {
		t.Errorf("A balance = %s, want 890", got)
	}
}

func TestRunRejectsUnpairedTransfer(t *testing.T) {
	e := newEnv(t)
	acc := storagetest.Account(t, e.repo, e.budget.ID, "Checking", "EUR", "0")
	e.create(t, services.OperationInput{
		AccountID: acc.ID, Kind: core.KindTransferIn, Time: storagetest.Time(t, "2024-04-10T09:00:00Z"), AmountAccCur: dec("10"),
	})

	_, err := e.driver(t, "2024-04-20T00:00:00Z", nil).Run(context.Background(), e.budget.ID)
	var cerr *core.ConsistencyError
	if !errors.As(err, &cerr) {
		t.Fatalf("Run() error = %v, want ConsistencyError", err)
	}
	if len(cerr.AccountIDs) != 1 || cerr.AccountIDs[0] != acc.ID {
		t.Errorf("accounts = %v, want [%d]", cerr.AccountIDs, acc.ID)
	}
	if e.account(t, acc.ID).BalancesValid {
		t.Error("account validated despite the abort")
	}
}

func TestRunHonoursLock(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()
	now := storagetest.Time(t, "2024-04-20T00:00:00Z")
	ok, err := e.repo.Queries().AcquireRecalcLock(ctx, e.budget.ID, "other-run", now, time.Hour)
	if err != nil || !ok {
		t.Fatalf("AcquireRecalcLock() = %v, %v", ok, err)
	}

	d := e.driver(t, "2024-04-20T00:00:00Z", nil)
	if _, err := d.Run(ctx, e.budget.ID); !errors.Is(err, core.ErrRecalcInProgress) {
		t.Fatalf("Run() error = %v, want ErrRecalcInProgress", err)
	}

	if err := e.repo.Queries().ReleaseRecalcLock(ctx, e.budget.ID, "other-run"); err != nil {
		t.Fatalf("ReleaseRecalcLock() error = %v", err)
	}
	if _, err := d.Run(ctx, e.budget.ID); err != nil {
		t.Fatalf("Run() after release error = %v", err)
	}
}

// brokenRates fails every lookup touching one currency.
type brokenRates struct {
	services.RateSource
	currency string
}

func (b brokenRates) Rate(ctx context.Context, from, to string, at time.Time) (decimal.Decimal, error) {
	if from == b.currency || to == b.currency {
		return decimal.Zero, fmt.Errorf("%s/%s: %w", from, to, core.ErrRateMissing)
	}
	return b.RateSource.Rate(ctx, from, to, at)
}

func TestFailingAccountIsIsolated(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()
	good := storagetest.Account(t, e.repo, e.budget.ID, "Checking", "EUR", "0")
	bad := storagetest.Account(t, e.repo, e.budget.ID, "Pounds", "GBP", "0")
	e.create(t, services.OperationInput{
		AccountID: good.ID, Kind: core.KindIncome, Time: storagetest.Time(t, "2024-04-02T10:00:00Z"), AmountAccCur: dec("10"),
	})
	e.create(t, services.OperationInput{
		AccountID: bad.ID, Kind: core.KindIncome, Time: storagetest.Time(t, "2024-04-03T10:00:00Z"), AmountAccCur: dec("10"),
	})

	d := e.driver(t, "2024-04-20T00:00:00Z", brokenRates{RateSource: e.rates, currency: "GBP"})
	res, err := d.Run(ctx, e.budget.ID)
	if err != nil {
		t.Fatalf("Run() error = %v", err)
	}
	if res.OK() {
		t.Fatal("Run() reported success although GBP rates fail")
	}
	if _, failed := res.Failed[bad.ID]; !failed || len(res.Failed) != 1 {
		t.Errorf("failed = %v, want only account %d", res.Failed, bad.ID)
	}
	if !e.account(t, good.ID).BalancesValid {
		t.Error("healthy account left invalid")
	}
	if e.account(t, bad.ID).BalancesValid {
		t.Error("failing account marked valid")
	}
}

func TestReplayPagesThroughOperations(t *testing.T) {
	e := newEnv(t)
	acc := storagetest.Account(t, e.repo, e.budget.ID, "Checking", "EUR", "0")
	start := storagetest.Time(t, "2024-04-01T08:00:00Z")
	for i := 0; i < 7; i++ {
		e.create(t, services.OperationInput{
			AccountID: acc.ID, Kind: core.KindIncome, Time: start.Add(time.Duration(i) * time.Hour), AmountAccCur: dec("1"),
		})
	}

	res := e.run(t, e.driver(t, "2024-04-20T00:00:00Z", nil, WithPageSize(2)))
	// Seven incomes plus the April exchange pair.
	if res.Replayed != 9 {
		t.Errorf("replayed = %d, want 9", res.Replayed)
	}
	if got := e.account(t, acc.ID).Balance; !got.Equal(dec("7")) {
		t.Errorf("balance = %s, want 7", got)
	}
}

func TestEmptyBudgetValidatesAccounts(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()
	storagetest.Rate(t, e.repo, "EUR", "USD", "2024-01-01", "2")
	acc := storagetest.Account(t, e.repo, e.budget.ID, "Dollars", "USD", "30")
	mark := storagetest.Time(t, "2024-04-01T00:00:00Z")
	if err := e.repo.Queries().InvalidateAccount(ctx, acc.ID, mark, mark); err != nil {
		t.Fatalf("invalidate: %v", err)
	}

	e.run(t, e.driver(t, "2024-04-20T00:00:00Z", nil))

	got := e.account(t, acc.ID)
	if !got.BalancesValid || !got.BalanceBase1.Equal(dec("60")) || !got.BalanceBase2.Equal(dec("30")) {
		t.Errorf("account valid %v base1 %s base2 %s, want true 60 30", got.BalancesValid, got.BalanceBase1, got.BalanceBase2)
	}
}
