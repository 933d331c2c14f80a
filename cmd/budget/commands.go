package main

import (
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/shopspring/decimal"

	"budgetbook/internal/amqp"
	"budgetbook/internal/backend"
	"budgetbook/internal/core"
	"budgetbook/internal/csvio"
	"budgetbook/internal/log"
	"budgetbook/internal/recalc"
	"budgetbook/internal/report"
	"budgetbook/internal/services"
	"budgetbook/internal/sheets"
	"budgetbook/internal/storage"
)

func runMigrate(a *app, args []string) error {
	fs := flag.NewFlagSet("migrate", flag.ExitOnError)
	fs.Parse(args)

	if err := storage.RunMigrations(a.cfg.SQLiteDBPath); err != nil {
		return err
	}
	version, dirty, err := storage.MigrationVersion(a.cfg.SQLiteDBPath)
	if err != nil {
		return err
	}
	fmt.Printf("Schema version %d (dirty: %t)\n", version, dirty)
	return nil
}

func runCurrency(a *app, args []string) error {
	fs := flag.NewFlagSet("currency", flag.ExitOnError)
	code := fs.String("code", "", "ISO 4217 code")
	name := fs.String("name", "", "Display name")
	fs.Parse(args)

	c := core.Currency{Code: strings.ToUpper(strings.TrimSpace(*code)), Name: *name}
	if len(c.Code) != 3 {
		return fmt.Errorf("invalid currency code %q", *code)
	}
	if c.Name == "" {
		c.Name = c.Code
	}
	if err := a.repo.Queries().UpsertCurrency(a.ctx, c); err != nil {
		return err
	}
	fmt.Printf("Currency %s registered\n", c.Code)
	return nil
}

func runBudget(a *app, args []string) error {
	fs := flag.NewFlagSet("budget", flag.ExitOnError)
	name := fs.String("name", "", "Budget name")
	owner := fs.String("owner", "", "Owner id")
	cur1 := fs.String("currency1", a.settings.DefaultBaseCurrency1, "Reporting currency 1")
	cur2 := fs.String("currency2", a.settings.DefaultBaseCurrency2, "Reporting currency 2")
	start := fs.Int("start-month", 1, "First plannable month of the prior year")
	end := fs.Int("end-month", 0, "Last plannable month of the current year (0 for none)")
	fs.Parse(args)

	b, err := services.NewBudgetService(a.repo, a.settings, a.logger).CreateBudget(a.ctx, core.Budget{
		Name:             *name,
		OwnerID:          *owner,
		BaseCurrency1:    strings.ToUpper(*cur1),
		BaseCurrency2:    strings.ToUpper(*cur2),
		StartBudgetMonth: *start,
		EndBudgetMonth:   *end,
	})
	if err != nil {
		return err
	}
	fmt.Printf("Budget %d created\n", b.ID)
	return nil
}

func runAccount(a *app, args []string) error {
	fs := flag.NewFlagSet("account", flag.ExitOnError)
	budgetID := fs.Int64("budget", 0, "Budget id")
	name := fs.String("name", "", "Account name")
	typ := fs.String("type", string(core.AccountCurrent), "Account type")
	currency := fs.String("currency", "", "Account currency")
	initial := fs.String("initial", "0", "Initial balance")
	limit := fs.String("credit-limit", "0", "Credit limit (credit accounts only)")
	fs.Parse(args)

	initialBalance, err := amountFlag("initial", *initial)
	if err != nil {
		return err
	}
	creditLimit, err := amountFlag("credit-limit", *limit)
	if err != nil {
		return err
	}
	acc, err := services.NewBudgetService(a.repo, a.settings, a.logger).CreateAccount(a.ctx, core.Account{
		BudgetID:       *budgetID,
		Name:           *name,
		Type:           core.AccountType(*typ),
		Currency:       strings.ToUpper(*currency),
		InitialBalance: initialBalance,
		CreditLimit:    creditLimit,
	})
	if err != nil {
		return err
	}
	fmt.Printf("Account %d created\n", acc.ID)
	return nil
}

func runCategory(a *app, args []string) error {
	fs := flag.NewFlagSet("category", flag.ExitOnError)
	budgetID := fs.Int64("budget", 0, "Budget id")
	parent := fs.Int64("parent", 0, "Parent category id (0 for a root)")
	typ := fs.String("type", string(core.CategoryExpense), "income or expense (roots only)")
	name := fs.String("name", "", "Category name")
	fs.Parse(args)

	c, err := services.NewBudgetService(a.repo, a.settings, a.logger).
		CreateCategory(a.ctx, *budgetID, optionalID(*parent), core.CategoryType(*typ), *name)
	if err != nil {
		return err
	}
	fmt.Printf("Category %d created\n", c.ID)
	return nil
}

func runProject(a *app, args []string) error {
	fs := flag.NewFlagSet("project", flag.ExitOnError)
	budgetID := fs.Int64("budget", 0, "Budget id")
	name := fs.String("name", "", "Project name")
	fs.Parse(args)

	p, err := services.NewBudgetService(a.repo, a.settings, a.logger).CreateProject(a.ctx, *budgetID, *name)
	if err != nil {
		return err
	}
	fmt.Printf("Project %d created\n", p.ID)
	return nil
}

func runObject(a *app, args []string) error {
	fs := flag.NewFlagSet("object", flag.ExitOnError)
	budgetID := fs.Int64("budget", 0, "Budget id")
	name := fs.String("name", "", "Budget object name")
	fs.Parse(args)

	o, err := services.NewBudgetService(a.repo, a.settings, a.logger).CreateBudgetObject(a.ctx, *budgetID, *name)
	if err != nil {
		return err
	}
	fmt.Printf("Budget object %d created\n", o.ID)
	return nil
}

func runOperation(a *app, args []string) error {
	fs := flag.NewFlagSet("op", flag.ExitOnError)
	accountID := fs.Int64("account", 0, "Account id")
	kind := fs.String("kind", string(core.KindExpense), "CRE, DEB, MO+ or MO-")
	at := fs.String("time", "", "Operation time, RFC3339 (default now)")
	amount := fs.String("amount", "", "Amount in account currency, signed")
	category := fs.Int64("category", 0, "Category id (0 books to the default category)")
	project := fs.Int64("project", 0, "Project id")
	description := fs.String("description", "", "Description")
	user := fs.String("user", "", "User id recorded on the operation")
	fs.Parse(args)

	value, err := amountFlag("amount", *amount)
	if err != nil {
		return err
	}
	t := time.Now().UTC()
	if *at != "" {
		if t, err = time.Parse(time.RFC3339, *at); err != nil {
			return fmt.Errorf("invalid -time: %w", err)
		}
	}
	in := services.OperationInput{
		AccountID:    *accountID,
		Kind:         core.Kind(*kind),
		Time:         t,
		AmountAccCur: value,
		Description:  *description,
		ProjectID:    optionalID(*project),
		UserID:       *user,
	}
	if *category != 0 {
		in.Allocations = []services.AllocationInput{{CategoryID: *category, ProjectID: in.ProjectID, Amount: value}}
	}

	op, err := services.NewOperationService(a.repo, a.settings, a.rates, a.logger).Create(a.ctx, in)
	if err != nil {
		return err
	}
	fmt.Printf("Operation %d recorded\n", op.ID)
	return nil
}

func runRecalc(a *app, args []string) error {
	fs := flag.NewFlagSet("recalc", flag.ExitOnError)
	budgetID := fs.Int64("budget", 0, "Budget id")
	async := fs.Bool("async", false, "Queue the recalculation for the worker instead of running it")
	user := fs.String("user", "", "Requesting user id")
	fs.Parse(args)

	if *budgetID == 0 {
		return errors.New("-budget is required")
	}
	if *async {
		if a.cfg.AMQPURL == "" {
			return errors.New("-async needs AMQP_URL")
		}
		client, err := amqp.NewClient(a.cfg.AMQPURL, a.cfg.AMQPExchange, a.cfg.AMQPQueue, a.logger)
		if err != nil {
			return err
		}
		defer client.Close()
		if err := client.PublishRecalcRequest(a.ctx, *budgetID, *user); err != nil {
			return err
		}
		fmt.Printf("Recalculation of budget %d queued\n", *budgetID)
		return nil
	}

	driver := recalc.NewDriver(a.repo, a.settings, a.rates, a.logger, recalc.WithLockTTL(a.cfg.RecalcLockTTL))
	res, err := driver.Run(a.ctx, *budgetID)
	if err != nil {
		return err
	}
	fmt.Printf("Run %s: %d accounts, %d operations replayed, %d exchange differences\n",
		res.RunID, len(res.Accounts), res.Replayed, res.Created)
	for id, ferr := range res.Failed {
		fmt.Printf("  account %d left invalid: %v\n", id, ferr)
	}
	if !res.OK() {
		return fmt.Errorf("%d accounts failed", len(res.Failed))
	}
	return nil
}

func runReport(a *app, args []string) error {
	fs := flag.NewFlagSet("report", flag.ExitOnError)
	budgetID := fs.Int64("budget", 0, "Budget id")
	year := fs.Int("year", time.Now().Year(), "Budget year")
	currency := fs.Int("currency", 1, "Reporting currency, 1 or 2")
	out := fs.String("out", "text", "text, sheets, xlsx or memory")
	file := fs.String("file", "budget.xlsx", "Workbook path for -out xlsx")
	sheet := fs.String("sheet", a.cfg.GoogleReportSheetName, "Sheet title")
	fs.Parse(args)

	view := report.NewView(a.repo, a.settings, a.rates, a.logger)
	rep, err := view.Build(a.ctx, *budgetID, *year, *currency, time.Now().UTC())
	if err != nil {
		return err
	}
	rows := rep.Rows()
	if *out == "text" {
		return printRows(os.Stdout, rows)
	}

	writer, err := a.backend(backend.BackendType(*out), *file)
	if err != nil {
		return err
	}
	title := fmt.Sprintf("%s %d %s", *sheet, *year, rep.CurrencyCode)
	ref, err := writer.WriteReport(a.ctx, title, rows)
	if err != nil {
		return err
	}
	fmt.Printf("Report written to %s\n", ref)
	return nil
}

// backend opens the spreadsheet named by typ.
func (a *app) backend(typ backend.BackendType, workbook string) (backend.Backend, error) {
	cfg, err := backend.FromAppConfig(a.cfg, typ, workbook)
	if err != nil {
		return nil, err
	}
	return backend.NewFactory(a.logger).Create(a.ctx, cfg)
}

func printRows(w io.Writer, rows [][]string) error {
	tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', tabwriter.AlignRight)
	for _, r := range rows {
		fmt.Fprintln(tw, strings.Join(r, "\t")+"\t")
	}
	return tw.Flush()
}

func runPlan(a *app, args []string) error {
	fs := flag.NewFlagSet("plan", flag.ExitOnError)
	budgetID := fs.Int64("budget", 0, "Budget id")
	category := fs.Int64("category", 0, "Category id")
	project := fs.Int64("project", 0, "Project id")
	period := fs.String("period", "", "Month as YYYY-MM")
	scope := fs.String("scope", string(report.ScopeAll), "all, non_project or project")
	value := fs.String("value", "", "Planned value in reporting currency 1")
	user := fs.String("user", "", "Editing user id")
	fs.Parse(args)

	p, err := parsePeriod(*period)
	if err != nil {
		return err
	}
	v, err := amountFlag("value", *value)
	if err != nil {
		return err
	}
	planner := report.NewPlanner(a.repo, a.settings, a.rates, a.logger)
	rows, err := planner.EditPlanned(a.ctx, report.PlanEdit{
		BudgetID:   *budgetID,
		UserID:     *user,
		CategoryID: *category,
		ProjectID:  optionalID(*project),
		Period:     p,
		Currency:   1,
		Scope:      report.Scope(*scope),
		Value:      v,
	}, time.Now().UTC())
	if err != nil {
		return err
	}
	for _, r := range rows {
		proj := "-"
		if r.ProjectID != nil {
			proj = strconv.FormatInt(*r.ProjectID, 10)
		}
		fmt.Printf("%d-%02d category %d project %s: planned %s / %s\n",
			r.Year, r.Month, r.CategoryID, proj, r.Planned1.StringFixed(2), r.Planned2.StringFixed(2))
	}
	return nil
}

// csvFlags registers the options shared by import and export.
func csvFlags(fs *flag.FlagSet) (account *int64, path, delimiter, quote *string) {
	account = fs.Int64("account", 0, "Account id")
	path = fs.String("file", "", "CSV path (default stdin/stdout)")
	delimiter = fs.String("delimiter", ",", "Field delimiter")
	quote = fs.String("quote", `"`, "Quote character")
	return
}

func csvOptions(account int64, delimiter, quote, user string) (csvio.Options, error) {
	d, q := []rune(delimiter), []rune(quote)
	if delimiter == `\t` {
		d = []rune{'\t'}
	}
	if len(d) != 1 || len(q) != 1 {
		return csvio.Options{}, errors.New("delimiter and quote must be single characters")
	}
	return csvio.Options{AccountID: account, Delimiter: d[0], Quote: q[0], UserID: user}, nil
}

func runImport(a *app, args []string) error {
	fs := flag.NewFlagSet("import", flag.ExitOnError)
	account, path, delimiter, quote := csvFlags(fs)
	user := fs.String("user", "", "User id recorded on imported operations")
	fs.Parse(args)

	opt, err := csvOptions(*account, *delimiter, *quote, *user)
	if err != nil {
		return err
	}
	var r io.Reader = os.Stdin
	if *path != "" {
		f, err := os.Open(*path)
		if err != nil {
			return err
		}
		defer f.Close()
		r = f
	}

	ops := services.NewOperationService(a.repo, a.settings, a.rates, a.logger)
	linker := services.NewTransferLinker(a.repo, a.settings, a.rates, a.logger)
	res, err := csvio.NewImporter(a.repo, ops, linker, a.logger).Import(a.ctx, r, opt)
	if err != nil {
		return err
	}
	for _, e := range res.Errors {
		fmt.Fprintln(os.Stderr, e.Error())
	}
	fmt.Printf("Imported %d, skipped %d duplicates, %d rows rejected, %d transfers linked\n", res.Imported, res.Skipped, len(res.Errors), res.Linked)
	return nil
}

func runExport(a *app, args []string) error {
	fs := flag.NewFlagSet("export", flag.ExitOnError)
	account, path, delimiter, quote := csvFlags(fs)
	fs.Parse(args)

	opt, err := csvOptions(*account, *delimiter, *quote, "")
	if err != nil {
		return err
	}
	var w io.Writer = os.Stdout
	if *path != "" {
		f, err := os.Create(*path)
		if err != nil {
			return err
		}
		defer f.Close()
		w = f
	}

	n, err := csvio.NewExporter(a.repo, a.logger).Export(a.ctx, w, opt)
	if err != nil {
		return err
	}
	if *path != "" {
		fmt.Printf("Exported %d operations to %s\n", n, *path)
	}
	return nil
}

func runLink(a *app, args []string) error {
	fs := flag.NewFlagSet("link", flag.ExitOnError)
	op := fs.Int64("op", 0, "Transfer operation to pair automatically")
	sender := fs.Int64("sender", 0, "MO- to pair explicitly with -receiver")
	receiver := fs.Int64("receiver", 0, "MO+ to pair, or to unpair with -unlink")
	unlink := fs.Bool("unlink", false, "Break the pairing of -receiver")
	fs.Parse(args)

	linker := services.NewTransferLinker(a.repo, a.settings, a.rates, a.logger)
	switch {
	case *unlink:
		if err := linker.Unlink(a.ctx, *receiver); err != nil {
			return err
		}
		fmt.Printf("Operation %d unlinked\n", *receiver)
	case *sender != 0 && *receiver != 0:
		if err := linker.Confirm(a.ctx, *sender, *receiver); err != nil {
			return err
		}
		fmt.Printf("Linked %d -> %d\n", *sender, *receiver)
	case *op != 0:
		res, err := linker.AutoLink(a.ctx, *op)
		if err != nil {
			return err
		}
		if res.Linked {
			fmt.Printf("Linked %d -> %d\n", res.SenderID, res.ReceiverID)
			return nil
		}
		if len(res.Candidates) == 0 {
			fmt.Println("No counterpart found")
			return nil
		}
		fmt.Println("Candidates:")
		for _, c := range res.Candidates {
			fmt.Printf("  %d  account %d  %s  %s\n", c.ID, c.AccountID, c.Time.Format(time.RFC3339), c.AmountAccCur.StringFixed(2))
		}
	default:
		return errors.New("use -op, -sender with -receiver, or -unlink with -receiver")
	}
	return nil
}

func runRates(a *app, args []string) error {
	fs := flag.NewFlagSet("rates", flag.ExitOnError)
	source := fs.String("from", string(backend.SheetsBackend), "sheets or xlsx")
	file := fs.String("file", "rates.xlsx", "Workbook path for -from xlsx")
	fs.Parse(args)

	reader, err := a.backend(backend.BackendType(*source), *file)
	if err != nil {
		return err
	}
	n, err := sheets.ImportRates(a.ctx, reader, a.repo.Queries())
	if err != nil {
		return err
	}
	a.rates.Invalidate()
	a.logger.InfoContext(a.ctx, "Rates imported", log.FieldCount, n, "source", *source)
	fmt.Printf("Loaded %d rates\n", n)
	return nil
}

func amountFlag(name, s string) (decimal.Decimal, error) {
	v, err := core.ParseAmount(s)
	if err != nil {
		return v, fmt.Errorf("invalid -%s %q: %w", name, s, err)
	}
	return v, nil
}

func parsePeriod(s string) (core.Period, error) {
	t, err := time.Parse("2006-01", s)
	if err != nil {
		return core.Period{}, fmt.Errorf("invalid period %q, want YYYY-MM", s)
	}
	return core.PeriodOf(t), nil
}

func optionalID(id int64) *int64 {
	if id == 0 {
		return nil
	}
	return &id
}
