package csvio_test

import (
	"bytes"
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"budgetbook/internal/core"
	"budgetbook/internal/csvio"
	"budgetbook/internal/log"
	"budgetbook/internal/rates"
	"budgetbook/internal/recalc"
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
	budgets  *services.BudgetService
	importer *csvio.Importer
	exporter *csvio.Exporter
}

func newEnv(t *testing.T) *env {
	t.Helper()
	repo := storagetest.Open(t)
	settings := core.DefaultSettings()
	logger := log.Discard()
	rateSvc := rates.NewService(repo.Queries(), logger)
	ops := services.NewOperationService(repo, settings, rateSvc, logger)
	linker := services.NewTransferLinker(repo, settings, rateSvc, logger)
	return &env{
		repo:     repo,
		budget:   storagetest.Budget(t, repo, "EUR", "USD"),
		settings: settings,
		rates:    rateSvc,
		ops:      ops,
		budgets:  services.NewBudgetService(repo, settings, logger),
		importer: csvio.NewImporter(repo, ops, linker, logger),
		exporter: csvio.NewExporter(repo, logger),
	}
}

func (e *env) operations(t *testing.T, accountID int64) []core.Operation {
	t.Helper()
	ops, err := e.repo.Queries().ListBudgetOperations(context.Background(), e.budget.ID, &accountID)
	if err != nil {
		t.Fatalf("list operations: %v", err)
	}
	return ops
}

func (e *env) allocations(t *testing.T, opID int64) []core.Allocation {
	t.Helper()
	allocs, err := e.repo.Queries().ListAllocations(context.Background(), opID)
	if err != nil {
		t.Fatalf("list allocations: %v", err)
	}
	return allocs
}

func dec(s string) decimal.Decimal { return storagetest.Dec(s) }

func TestImport(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()
	a := storagetest.Account(t, e.repo, e.budget.ID, "Checking", "EUR", "0")
	food := storagetest.Category(t, e.repo, e.budget.ID, core.CategoryExpense, "Home", "Food")
	salary := storagetest.Category(t, e.repo, e.budget.ID, core.CategoryIncome, "Work", "Salary")

	file := strings.Join([]string{
		"Time_Transaction,amount_acc_cur,movement_flag,category,description",
		"2024-03-01 10:00:00,-12.50,0,Home:Food,bread",
		"2024-03-02,1000,no,Work:Salary,march",
		"2024-03-03T08:00:00Z,-7,0,,misc",
		"2024-03-04,-50,1,,to savings",
		"2024-03-01 10:00:00,-12.5,0,Home:Food,bread again",
		"2024-03-05,abc,0,Home:Food,broken",
		"2024-03-06,-3,0,Home:Nothing,unknown",
		",,,,",
	}, "\n")

	res, err := e.importer.Import(ctx, strings.NewReader(file), csvio.Options{AccountID: a.ID, UserID: "u1"})
	if err != nil {
		t.Fatalf("Import() error = %v", err)
	}
	if res.Imported != 4 || res.Skipped != 1 || len(res.Errors) != 2 {
		t.Fatalf("Import() = %+v, want 4 imported, 1 skipped, 2 errors", res)
	}
	if res.Errors[0].Line != 7 || !errors.Is(res.Errors[0], core.ErrInvalidAmount) {
		t.Errorf("first error = %v, want line 7 invalid amount", res.Errors[0])
	}
	if res.Errors[1].Line != 8 || !errors.Is(res.Errors[1], core.ErrNotFound) {
		t.Errorf("second error = %v, want line 8 unknown category", res.Errors[1])
	}

	ops := e.operations(t, a.ID)
	want := []struct {
		kind     core.Kind
		amount   string
		category int64
	}{
		{core.KindExpense, "-12.50", food.ID},
		{core.KindIncome, "1000", salary.ID},
		{core.KindExpense, "-7", e.settings.FallbackCategory(core.KindExpense)},
		{core.KindTransferOut, "-50", 0},
	}
	if len(ops) != len(want) {
		t.Fatalf("got %d operations, want %d", len(ops), len(want))
	}
	for i, w := range want {
		op := ops[i]
		if op.Kind != w.kind || !op.AmountAccCur.Equal(dec(w.amount)) {
			t.Errorf("op %d = %s %s, want %s %s", i, op.Kind, op.AmountAccCur, w.kind, w.amount)
		}
		if op.CreatedBy != "u1" {
			t.Errorf("op %d created by %q", i, op.CreatedBy)
		}
		allocs := e.allocations(t, op.ID)
		if w.category == 0 {
			if len(allocs) != 0 {
				t.Errorf("op %d has %d allocations, want none", i, len(allocs))
			}
			continue
		}
		if len(allocs) != 1 || allocs[0].CategoryID != w.category {
			t.Errorf("op %d allocations = %+v, want category %d", i, allocs, w.category)
		}
	}
}

func TestImportDelimiterAndQuote(t *testing.T) {
	e := newEnv(t)
	a := storagetest.Account(t, e.repo, e.budget.ID, "Checking", "EUR", "0")
	storagetest.Category(t, e.repo, e.budget.ID, core.CategoryExpense, "Home", "Food")

	file := "time_transaction;amount_acc_cur;movement_flag;category;place;description\n" +
		"2024-03-01;-1,50;0;Home:Food;'Bar; Grill';'say ''hi'' \"loud\"'\n"

	res, err := e.importer.Import(context.Background(), strings.NewReader(file), csvio.Options{
		AccountID: a.ID, Delimiter: ';', Quote: '\'',
	})
	if err != nil {
		t.Fatalf("Import() error = %v", err)
	}
	if res.Imported != 1 {
		t.Fatalf("Import() = %+v, want 1 imported", res)
	}
	op := e.operations(t, a.ID)[0]
	if op.Place != "Bar; Grill" {
		t.Errorf("place = %q", op.Place)
	}
	if op.Description != `say 'hi' "loud"` {
		t.Errorf("description = %q", op.Description)
	}
	if !op.AmountAccCur.Equal(dec("-1.5")) {
		t.Errorf("amount = %s, want -1.50", op.AmountAccCur)
	}
}

func TestImportRejectsFile(t *testing.T) {
	e := newEnv(t)
	a := storagetest.Account(t, e.repo, e.budget.ID, "Checking", "EUR", "0")

	tests := []struct {
		name    string
		file    string
		opt     csvio.Options
		wantErr error
	}{
		{"missing column", "time_transaction,amount_acc_cur,category\n", csvio.Options{AccountID: a.ID}, csvio.ErrMissingColumn},
		{"empty", "", csvio.Options{AccountID: a.ID}, csvio.ErrBadFormat},
		{"same delimiter and quote", "x", csvio.Options{AccountID: a.ID, Delimiter: '|', Quote: '|'}, csvio.ErrBadFormat},
		{"unknown account", "time_transaction,amount_acc_cur,movement_flag,category\n", csvio.Options{AccountID: 999}, core.ErrNotFound},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := e.importer.Import(context.Background(), strings.NewReader(tt.file), tt.opt)
			if !errors.Is(err, tt.wantErr) {
				t.Errorf("Import() error = %v, want %v", err, tt.wantErr)
			}
		})
	}
}

func TestExportRoundTrip(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()
	a := storagetest.Account(t, e.repo, e.budget.ID, "Checking", "EUR", "0")
	b := storagetest.Account(t, e.repo, e.budget.ID, "Copy", "EUR", "0")
	food := storagetest.Category(t, e.repo, e.budget.ID, core.CategoryExpense, "Home", "Food")
	fuel := storagetest.Category(t, e.repo, e.budget.ID, core.CategoryExpense, "Travel", "Fuel")
	salary := storagetest.Category(t, e.repo, e.budget.ID, core.CategoryIncome, "Work", "Salary")
	car, err := e.budgets.CreateBudgetObject(ctx, e.budget.ID, "Car")
	if err != nil {
		t.Fatalf("create budget object: %v", err)
	}
	trip, err := e.budgets.CreateProject(ctx, e.budget.ID, "Trip")
	if err != nil {
		t.Fatalf("create project: %v", err)
	}

	inputs := []services.OperationInput{
		{Kind: core.KindIncome, Time: storagetest.Time(t, "2024-03-01T09:00:00.123456Z"), AmountAccCur: dec("1000"),
			Description: "salary, march", Allocations: []services.AllocationInput{{CategoryID: salary.ID, Amount: dec("1000")}}},
		{Kind: core.KindExpense, Time: storagetest.Time(t, "2024-03-02T10:00:00Z"), AmountAccCur: dec("-50"),
			Place: `"Corner" shop`, ProjectID: &trip.ID,
			Allocations: []services.AllocationInput{
				{CategoryID: food.ID, Amount: dec("-30"), ProjectID: &trip.ID},
				{CategoryID: fuel.ID, BudgetObjectID: &car.ID, Amount: dec("-20")},
			}},
		{Kind: core.KindExpense, Time: storagetest.Time(t, "2024-03-03T10:00:00Z"), AmountAccCur: dec("-5"),
			Currency: "USD", Amount: dec("-5.50"), TZOffset: dec("5.75"), Period: &core.Period{Year: 2024, Month: 4}},
		{Kind: core.KindTransferOut, Time: storagetest.Time(t, "2024-03-04T10:00:00Z"), AmountAccCur: dec("-100"), MCC: "6011"},
	}
	for _, in := range inputs {
		in.AccountID = a.ID
		if _, err := e.ops.Create(ctx, in); err != nil {
			t.Fatalf("create operation: %v", err)
		}
	}

	var buf bytes.Buffer
	n, err := e.exporter.Export(ctx, &buf, csvio.Options{AccountID: a.ID})
	if err != nil {
		t.Fatalf("Export() error = %v", err)
	}
	if n != len(inputs) {
		t.Fatalf("Export() = %d operations, want %d", n, len(inputs))
	}
	if lines := strings.Count(buf.String(), "\n"); lines != 1+len(inputs)+1 {
		t.Errorf("export has %d lines, want header plus %d rows", lines, len(inputs)+1)
	}

	res, err := e.importer.Import(ctx, bytes.NewReader(buf.Bytes()), csvio.Options{AccountID: a.ID})
	if err != nil {
		t.Fatalf("re-import error = %v", err)
	}
	if res.Imported != 0 || res.Skipped != len(inputs) || len(res.Errors) != 0 {
		t.Fatalf("re-import = %+v, want everything skipped", res)
	}

	res, err = e.importer.Import(ctx, bytes.NewReader(buf.Bytes()), csvio.Options{AccountID: b.ID})
	if err != nil {
		t.Fatalf("import into copy error = %v", err)
	}
	if res.Imported != len(inputs) || len(res.Errors) != 0 {
		t.Fatalf("import into copy = %+v", res)
	}

	orig, copied := e.operations(t, a.ID), e.operations(t, b.ID)
	if len(orig) != len(copied) {
		t.Fatalf("copy has %d operations, want %d", len(copied), len(orig))
	}
	for i := range orig {
		o, c := orig[i], copied[i]
		if o.Kind != c.Kind || !o.Time.Equal(c.Time) || !o.AmountAccCur.Equal(c.AmountAccCur) ||
			!o.Amount.Equal(c.Amount) || o.Currency != c.Currency || o.Period != c.Period ||
			!o.TZOffset.Equal(c.TZOffset) || o.Place != c.Place || o.Description != c.Description ||
			o.MCC != c.MCC || !core.SameProject(o.ProjectID, c.ProjectID) {
			t.Errorf("op %d differs:\n got %+v\nwant %+v", i, c, o)
		}
		oa, ca := e.allocations(t, o.ID), e.allocations(t, c.ID)
		if len(oa) != len(ca) {
			t.Errorf("op %d has %d allocations, want %d", i, len(ca), len(oa))
			continue
		}
		for j := range oa {
			if oa[j].CategoryID != ca[j].CategoryID || !oa[j].AmountAccCur.Equal(ca[j].AmountAccCur) ||
				!core.SameProject(oa[j].ProjectID, ca[j].ProjectID) {
				t.Errorf("op %d allocation %d = %+v, want %+v", i, j, ca[j], oa[j])
			}
		}
	}
}

func TestImportLinksTransfers(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()
	checking := storagetest.Account(t, e.repo, e.budget.ID, "Checking", "EUR", "500")
	savings := storagetest.Account(t, e.repo, e.budget.ID, "Savings", "EUR", "0")

	out, err := e.importer.Import(ctx, strings.NewReader(
		"time_transaction,amount_acc_cur,movement_flag,category\n2024-03-04 09:00:00,-50,1,\n"),
		csvio.Options{AccountID: checking.ID, UserID: "u1"})
	if err != nil {
		t.Fatalf("Import(checking) error = %v", err)
	}
	if out.Imported != 1 || out.Linked != 0 {
		t.Fatalf("Import(checking) = %+v, want 1 imported, none linked", out)
	}

	in, err := e.importer.Import(ctx, strings.NewReader(
		"time_transaction,amount_acc_cur,movement_flag,category\n2024-03-04 09:01:00,50,1,\n"),
		csvio.Options{AccountID: savings.ID, UserID: "u1"})
	if err != nil {
		t.Fatalf("Import(savings) error = %v", err)
	}
	if in.Imported != 1 || in.Linked != 1 {
		t.Fatalf("Import(savings) = %+v, want 1 imported and linked", in)
	}

	sender, receiver := e.operations(t, checking.ID)[0], e.operations(t, savings.ID)[0]
	if receiver.SenderID == nil || *receiver.SenderID != sender.ID {
		t.Fatalf("receiver sender = %v, want %d", receiver.SenderID, sender.ID)
	}

	now := storagetest.Time(t, "2024-03-20T00:00:00Z")
	driver := recalc.NewDriver(e.repo, e.settings, e.rates, log.Discard(), recalc.WithClock(func() time.Time { return now }))
	if res, err := driver.Run(ctx, e.budget.ID); err != nil || !res.OK() {
		t.Fatalf("recalc after import = %+v, %v", res, err)
	}
}

func TestExportSkipsExchangeDifferences(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()
	a := storagetest.Account(t, e.repo, e.budget.ID, "Cash", "USD", "100")
	storagetest.Rate(t, e.repo, "EUR", "USD", "2024-03-01", "0.9")
	storagetest.Rate(t, e.repo, "EUR", "USD", "2024-03-31", "0.8")

	_, err := e.ops.Create(ctx, services.OperationInput{
		AccountID: a.ID, Kind: core.KindExpense, Time: storagetest.Time(t, "2024-03-10T12:00:00Z"), AmountAccCur: dec("-10"),
	})
	if err != nil {
		t.Fatalf("create operation: %v", err)
	}
	now := storagetest.Time(t, "2024-03-31T12:00:00Z")
	driver := recalc.NewDriver(e.repo, e.settings, e.rates, log.Discard(), recalc.WithClock(func() time.Time { return now }))
	if _, err := driver.Run(ctx, e.budget.ID); err != nil {
		t.Fatalf("recalc: %v", err)
	}
	if got := len(e.operations(t, a.ID)); got != 3 {
		t.Fatalf("account holds %d operations after recalc, want 3", got)
	}

	var buf bytes.Buffer
	n, err := e.exporter.Export(ctx, &buf, csvio.Options{AccountID: a.ID, Delimiter: '\t'})
	if err != nil {
		t.Fatalf("Export() error = %v", err)
	}
	if n != 1 {
		t.Errorf("Export() = %d operations, want 1", n)
	}
	if lines := strings.Count(buf.String(), "\n"); lines != 2 {
		t.Errorf("export has %d lines, want header plus one row:\n%s", lines, buf.String())
	}
}
