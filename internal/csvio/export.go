package csvio

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strconv"

	"budgetbook/internal/core"
	"budgetbook/internal/log"
	"budgetbook/internal/services"
	"budgetbook/internal/storage"
)

// at maps a column name to its position in Columns.
var at = func() map[string]int {
	m := make(map[string]int, len(Columns))
	for i, c := range Columns {
		m[c] = i
	}
	return m
}()

type Exporter struct {
	ledger services.Ledger
	logger *log.Logger
}

func NewExporter(ledger services.Ledger, logger *log.Logger) *Exporter {
	return &Exporter{ledger: ledger, logger: logger.WithComponent(log.ComponentCSV)}
}

// Export writes the user operations of opt.AccountID in replay order and
// returns the number of operations written.
func (ex *Exporter) Export(ctx context.Context, w io.Writer, opt Options) (int, error) {
	opt, err := opt.withDefaults()
	if err != nil {
		return 0, err
	}
	q := ex.ledger.Queries()
	account, err := q.GetAccount(ctx, opt.AccountID)
	if errors.Is(err, core.ErrNotFound) {
		return 0, core.Invalid("account", core.ErrNotFound, "unknown account %d", opt.AccountID)
	}
	if err != nil {
		return 0, err
	}
	ops, err := q.ListBudgetOperations(ctx, account.BudgetID, &account.ID)
	if err != nil {
		return 0, err
	}

	nm := &names{q: q}
	records := [][]string{Columns}
	count := 0
	for _, op := range ops {
		if op.Kind.IsExchangeDifference() {
			continue
		}
		allocs, err := q.ListAllocations(ctx, op.ID)
		if err != nil {
			return 0, err
		}
		recs, err := nm.records(ctx, op, allocs)
		if err != nil {
			return 0, fmt.Errorf("export operation %d: %w", op.ID, err)
		}
		records = append(records, recs...)
		count++
	}

	data, err := writeAll(records, opt)
	if err != nil {
		return 0, fmt.Errorf("write export: %w", err)
	}
	if _, err := w.Write(data); err != nil {
		return 0, fmt.Errorf("write export: %w", err)
	}

	ex.logger.InfoContext(ctx, "CSV exported",
		log.FieldOperation, log.OpExport,
		log.FieldAccountID, account.ID,
		log.FieldCount, count)
	return count, nil
}

// names renders stored ids back into the names the importer resolves.
type names struct {
	q        *storage.Queries
	cache    map[int64]core.Category
	objects  map[int64]string
	projects map[int64]string
}

func (n *names) records(ctx context.Context, op core.Operation, allocs []core.Allocation) ([][]string, error) {
	base := make([]string, len(Columns))
	base[at[ColTime]] = op.Time.UTC().Format(ExportTimeLayout)
	base[at[ColAmountAccCur]] = op.AmountAccCur.StringFixed(core.AmountPlaces)
	base[at[ColMovementFlag]] = "0"
	if op.Kind.IsTransfer() {
		base[at[ColMovementFlag]] = "1"
	}
	base[at[ColCurrency]] = op.Currency
	if !op.Amount.IsZero() {
		base[at[ColAmount]] = op.Amount.StringFixed(core.AmountPlaces)
	}
	base[at[ColBudgetYear]] = strconv.Itoa(op.Period.Year)
	base[at[ColBudgetMonth]] = strconv.Itoa(op.Period.Month)
	base[at[ColBankDescription]] = op.BankDescription
	base[at[ColMCC]] = op.MCC
	base[at[ColPlace]] = op.Place
	base[at[ColDescription]] = op.Description
	if !op.TZOffset.IsZero() {
		base[at[ColTimeZone]] = op.TZOffset.String()
	}

	if len(allocs) == 0 {
		project, err := n.project(ctx, op.ProjectID)
		if err != nil {
			return nil, err
		}
		base[at[ColProject]] = project
		return [][]string{base}, nil
	}

	out := make([][]string, 0, len(allocs))
	for _, a := range allocs {
		rec := append([]string(nil), base...)
		path, object, err := n.category(ctx, a.CategoryID)
		if err != nil {
			return nil, err
		}
		rec[at[ColCategory]], rec[at[ColBudgetObject]] = path, object
		if rec[at[ColProject]], err = n.project(ctx, a.ProjectID); err != nil {
			return nil, err
		}
		if len(allocs) > 1 {
			rec[at[ColSplitAmount]] = a.AmountAccCur.StringFixed(core.AmountPlaces)
		}
		out = append(out, rec)
	}
	return out, nil
}

// category returns the "Parent:Child" path of id and, for an object-bound
// sibling, the path of its base category plus the object name.
func (n *names) category(ctx context.Context, id int64) (path, object string, err error) {
	c, err := n.get(ctx, id)
	if err != nil {
		return "", "", err
	}
	if c.BaseCategoryID != nil && c.BudgetObjectID != nil {
		if object, err = n.object(ctx, *c.BudgetObjectID); err != nil {
			return "", "", err
		}
		if c, err = n.get(ctx, *c.BaseCategoryID); err != nil {
			return "", "", err
		}
	}
	if c.ParentID == nil {
		return c.Name, object, nil
	}
	parent, err := n.get(ctx, *c.ParentID)
	if err != nil {
		return "", "", err
	}
	return parent.Name + ":" + c.Name, object, nil
}

func (n *names) get(ctx context.Context, id int64) (core.Category, error) {
	if c, ok := n.cache[id]; ok {
		return c, nil
	}
	c, err := n.q.GetCategory(ctx, id)
	if err != nil {
		return c, err
	}
	if n.cache == nil {
		n.cache = make(map[int64]core.Category)
	}
	n.cache[id] = c
	return c, nil
}

func (n *names) object(ctx context.Context, id int64) (string, error) {
	if name, ok := n.objects[id]; ok {
		return name, nil
	}
	o, err := n.q.GetBudgetObject(ctx, id)
	if err != nil {
		return "", err
	}
	if n.objects == nil {
		n.objects = make(map[int64]string)
	}
	n.objects[id] = o.Name
	return o.Name, nil
}

func (n *names) project(ctx context.Context, id *int64) (string, error) {
	if id == nil {
		return "", nil
	}
	if name, ok := n.projects[*id]; ok {
		return name, nil
	}
	p, err := n.q.GetProject(ctx, *id)
	if err != nil {
		return "", err
	}
	if n.projects == nil {
		n.projects = make(map[int64]string)
	}
	n.projects[*id] = p.Name
	return p.Name, nil
}
