package csvio

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strconv"
	"strings"

	"github.com/shopspring/decimal"

	"budgetbook/internal/core"
	"budgetbook/internal/log"
	"budgetbook/internal/services"
	"budgetbook/internal/storage"
)

// RowError reports a data row that could not be imported.
type RowError struct {
	Line int
	Err  error
}

func (e RowError) Error() string { return fmt.Sprintf("line %d: %v", e.Line, e.Err) }

func (e RowError) Unwrap() error { return e.Err }

type ImportResult struct {
	Imported int
	Skipped  int
	// Linked counts imported transfer legs paired with their opposite leg.
	Linked int
	Errors []RowError
}

// Importer creates operations from a file through the operation service, so
// every row gets the same validation and cascade as an interactive edit.
// Imported transfers are auto-linked to an unambiguous opposite leg.
type Importer struct {
	ledger services.Ledger
	ops    *services.OperationService
	linker *services.TransferLinker
	logger *log.Logger
}

func NewImporter(ledger services.Ledger, ops *services.OperationService, linker *services.TransferLinker, logger *log.Logger) *Importer {
	return &Importer{
		ledger: ledger,
		ops:    ops,
		linker: linker,
		logger: logger.WithComponent(log.ComponentCSV),
	}
}

// row is one parsed data line.
type row struct {
	line     int
	group    string
	in       services.OperationInput
	alloc    *services.AllocationInput
	split    decimal.Decimal
	hasSplit bool
}

// Import reads r into opt.AccountID. Rows that fail validation are reported
// in the result and do not stop the import; rows matching an existing
// operation (same instant, kind and amount) are skipped.
func (im *Importer) Import(ctx context.Context, r io.Reader, opt Options) (ImportResult, error) {
	var res ImportResult
	opt, err := opt.withDefaults()
	if err != nil {
		return res, err
	}
	data, err := io.ReadAll(r)
	if err != nil {
		return res, fmt.Errorf("read import: %w", err)
	}
	records, err := readAll(data, opt)
	if err != nil {
		return res, err
	}
	if len(records) == 0 {
		return res, fmt.Errorf("%w: no header", ErrBadFormat)
	}
	h, err := parseHeader(records[0])
	if err != nil {
		return res, err
	}

	q := im.ledger.Queries()
	account, err := q.GetAccount(ctx, opt.AccountID)
	if errors.Is(err, core.ErrNotFound) {
		return res, core.Invalid("account", core.ErrNotFound, "unknown account %d", opt.AccountID)
	}
	if err != nil {
		return res, err
	}
	lk := &lookup{q: q, budgetID: account.BudgetID}

	var rows []row
	for i, rec := range records[1:] {
		if blank(rec) {
			continue
		}
		line := i + 2
		rw, err := lk.parse(ctx, h, rec, line)
		if err != nil {
			if !core.IsValidation(err) {
				return res, err
			}
			res.Errors = append(res.Errors, RowError{Line: line, Err: err})
			continue
		}
		rw.in.AccountID = account.ID
		rw.in.UserID = opt.UserID
		rows = append(rows, rw)
	}

	for start := 0; start < len(rows); {
		end := start + 1
		if rows[start].hasSplit {
			for end < len(rows) && rows[end].hasSplit && rows[end].group == rows[start].group {
				end++
			}
		}
		created, err := im.importOne(ctx, q, rows[start:end])
		start = end
		switch {
		case err == nil && created != nil:
			res.Imported++
			linked, err := im.link(ctx, created)
			if err != nil {
				return res, err
			}
			if linked {
				res.Linked++
			}
		case err == nil:
			res.Skipped++
		case core.IsValidation(err):
			res.Errors = append(res.Errors, RowError{Line: rows[end-1].line, Err: err})
		default:
			return res, err
		}
	}

	im.logger.InfoContext(ctx, "CSV imported",
		log.FieldOperation, log.OpImport,
		log.FieldAccountID, account.ID,
		log.FieldCount, res.Imported,
		"skipped", res.Skipped,
		"linked", res.Linked,
		"failed", len(res.Errors))
	return res, nil
}

// importOne creates the operation described by group, one row or the rows of
// a split. It returns nil when an equal operation already exists.
func (im *Importer) importOne(ctx context.Context, q *storage.Queries, group []row) (*core.Operation, error) {
	in := group[0].in
	for _, rw := range group {
		if rw.alloc == nil {
			continue
		}
		a := *rw.alloc
		if rw.hasSplit {
			a.Amount = rw.split
		}
		in.Allocations = append(in.Allocations, a)
	}

	exists, err := q.OperationExists(ctx, core.Operation{
		AccountID:    in.AccountID,
		Kind:         in.Kind,
		Time:         core.TruncateMicros(in.Time),
		AmountAccCur: core.RoundAmount(in.AmountAccCur),
	})
	if err != nil {
		return nil, err
	}
	if exists {
		im.logger.DebugContext(ctx, "Duplicate row skipped",
			log.FieldAccountID, in.AccountID,
			log.FieldKind, in.Kind,
			"line", group[0].line)
		return nil, nil
	}
	return im.ops.Create(ctx, in)
}

// link pairs an imported transfer with the opposite leg already in the
// budget. Ambiguous or missing legs are left for manual confirmation.
func (im *Importer) link(ctx context.Context, op *core.Operation) (bool, error) {
	if im.linker == nil || !op.Kind.IsTransfer() {
		return false, nil
	}
	res, err := im.linker.AutoLink(ctx, op.ID)
	if err != nil {
		return false, fmt.Errorf("link operation %d: %w", op.ID, err)
	}
	if !res.Linked && len(res.Candidates) > 0 {
		im.logger.DebugContext(ctx, "Transfer left unlinked",
			log.FieldOperationID, op.ID,
			"candidates", len(res.Candidates))
	}
	return res.Linked, nil
}

func blank(rec []string) bool {
	for _, f := range rec {
		if strings.TrimSpace(f) != "" {
			return false
		}
	}
	return true
}

// lookup resolves names of the budget, memoising hits for the file.
type lookup struct {
	q        *storage.Queries
	budgetID int64

	categories map[string]core.Category
	objects    map[string]int64
	projects   map[string]int64
}

func (lk *lookup) parse(ctx context.Context, h header, rec []string, line int) (row, error) {
	rw := row{line: line}
	raw := h.get(rec, ColTime)
	t, err := parseTime(raw)
	if err != nil {
		return rw, core.Invalid(ColTime, core.ErrRequired, "%v", err)
	}
	amountRaw := h.get(rec, ColAmountAccCur)
	amount, err := core.ParseAmount(amountRaw)
	if err != nil {
		return rw, core.Invalid(ColAmountAccCur, err, "%q", amountRaw)
	}
	movement := truthy(h.get(rec, ColMovementFlag))
	rw.group = raw + "\x00" + amountRaw + "\x00" + strconv.FormatBool(movement)

	in := services.OperationInput{
		Time:            t,
		AmountAccCur:    amount,
		Currency:        strings.ToUpper(h.get(rec, ColCurrency)),
		Place:           h.get(rec, ColPlace),
		Description:     h.get(rec, ColDescription),
		BankDescription: h.get(rec, ColBankDescription),
		MCC:             h.get(rec, ColMCC),
	}
	if s := h.get(rec, ColAmount); s != "" {
		if in.Amount, err = core.ParseAmount(s); err != nil {
			return rw, core.Invalid(ColAmount, err, "%q", s)
		}
	}
	if s := h.get(rec, ColTimeZone); s != "" {
		if in.TZOffset, err = decimal.NewFromString(s); err != nil {
			return rw, core.Invalid(ColTimeZone, core.ErrInvalidTZOffset, "%q", s)
		}
	}
	if in.Period, err = budgetPeriod(h.get(rec, ColBudgetYear), h.get(rec, ColBudgetMonth)); err != nil {
		return rw, err
	}
	if name := h.get(rec, ColProject); name != "" {
		id, err := lk.project(ctx, name)
		if err != nil {
			return rw, err
		}
		in.ProjectID = &id
	}
	if s := h.get(rec, ColSplitAmount); s != "" {
		if rw.split, err = core.ParseAmount(s); err != nil {
			return rw, core.Invalid(ColSplitAmount, err, "%q", s)
		}
		rw.hasSplit = true
	}

	path := h.get(rec, ColCategory)
	switch {
	case movement:
		in.Kind = core.KindTransferOut
		if amount.IsPositive() {
			in.Kind = core.KindTransferIn
		}
		if path != "" {
			return rw, core.Invalid(ColCategory, core.ErrInvalidKind, "transfers carry no category")
		}
	case path != "":
		c, err := lk.category(ctx, path)
		if err != nil {
			return rw, err
		}
		in.Kind = core.KindExpense
		if c.Type == core.CategoryIncome {
			in.Kind = core.KindIncome
		}
		a := services.AllocationInput{CategoryID: c.ID, ProjectID: in.ProjectID, Amount: amount}
		if name := h.get(rec, ColBudgetObject); name != "" {
			id, err := lk.object(ctx, name)
			if err != nil {
				return rw, err
			}
			a.BudgetObjectID = &id
		}
		rw.alloc = &a
	default:
		in.Kind = core.KindExpense
		if amount.IsPositive() {
			in.Kind = core.KindIncome
		}
	}
	rw.in = in
	return rw, nil
}

func budgetPeriod(year, month string) (*core.Period, error) {
	if year == "" && month == "" {
		return nil, nil
	}
	y, err := strconv.Atoi(year)
	if err != nil {
		return nil, core.Invalid(ColBudgetYear, core.ErrYearOutOfBounds, "%q", year)
	}
	m, err := strconv.Atoi(month)
	if err != nil {
		return nil, core.Invalid(ColBudgetMonth, core.ErrInvalidMonth, "%q", month)
	}
	return &core.Period{Year: y, Month: m}, nil
}

func (lk *lookup) category(ctx context.Context, path string) (core.Category, error) {
	if c, ok := lk.categories[path]; ok {
		return c, nil
	}
	parent, child, ok := splitPath(path)
	if !ok {
		return core.Category{}, core.Invalid(ColCategory, core.ErrCategoryLevel, "%q is not Parent:Child", path)
	}
	c, err := lk.q.FindCategoryByPath(ctx, lk.budgetID, parent, child)
	if errors.Is(err, core.ErrNotFound) {
		return c, core.Invalid(ColCategory, core.ErrNotFound, "unknown category %q", path)
	}
	if err != nil {
		return c, err
	}
	if lk.categories == nil {
		lk.categories = make(map[string]core.Category)
	}
	lk.categories[path] = c
	return c, nil
}

func (lk *lookup) object(ctx context.Context, name string) (int64, error) {
	if id, ok := lk.objects[name]; ok {
		return id, nil
	}
	o, err := lk.q.FindBudgetObjectByName(ctx, lk.budgetID, name)
	if errors.Is(err, core.ErrNotFound) {
		return 0, core.Invalid(ColBudgetObject, core.ErrNotFound, "unknown budget object %q", name)
	}
	if err != nil {
		return 0, err
	}
	if lk.objects == nil {
		lk.objects = make(map[string]int64)
	}
	lk.objects[name] = o.ID
	return o.ID, nil
}

func (lk *lookup) project(ctx context.Context, name string) (int64, error) {
	if id, ok := lk.projects[name]; ok {
		return id, nil
	}
	p, err := lk.q.FindProjectByName(ctx, lk.budgetID, name)
	if errors.Is(err, core.ErrNotFound) {
		return 0, core.Invalid(ColProject, core.ErrNotFound, "unknown project %q", name)
	}
	if err != nil {
		return 0, err
	}
	if lk.projects == nil {
		lk.projects = make(map[string]int64)
	}
	lk.projects[name] = p.ID
	return p.ID, nil
}
