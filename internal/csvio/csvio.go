// Package csvio moves account operations in and out of delimited text files.
//
// A file holds the operations of one account, one row per operation. A split
// operation spans consecutive rows that repeat the operation fields and carry
// their share in split_amount. Exchange differences are never exported: they
// are regenerated by recalculation.
package csvio

import (
	"bytes"
	"encoding/csv"
	"errors"
	"fmt"
	"strings"
	"time"
)

// Column names. The first four are required on import.
const (
	ColTime            = "time_transaction"
	ColAmountAccCur    = "amount_acc_cur"
	ColMovementFlag    = "movement_flag"
	ColCategory        = "category"
	ColBudgetObject    = "budget_object"
	ColCurrency        = "currency"
	ColAmount          = "amount"
	ColProject         = "project"
	ColBudgetYear      = "budget_year"
	ColBudgetMonth     = "budget_month"
	ColBankDescription = "bank_description"
	ColBankCategory    = "bank_category"
	ColMCC             = "mcc_code"
	ColPlace           = "place"
	ColDescription     = "description"
	ColTimeZone        = "time_zone"
	ColSplitAmount     = "split_amount"
)

var required = []string{ColTime, ColAmountAccCur, ColMovementFlag, ColCategory}

// Columns is the header Export writes.
var Columns = []string{
	ColTime, ColAmountAccCur, ColMovementFlag, ColCategory,
	ColBudgetObject, ColCurrency, ColAmount, ColProject,
	ColBudgetYear, ColBudgetMonth, ColBankDescription, ColBankCategory,
	ColMCC, ColPlace, ColDescription, ColTimeZone, ColSplitAmount,
}

// ExportTimeLayout keeps full microsecond precision so that re-imported rows
// match the stored instant.
const ExportTimeLayout = "2006-01-02T15:04:05.999999Z07:00"

var importTimeLayouts = []string{
	time.RFC3339Nano,
	"2006-01-02T15:04:05",
	"2006-01-02 15:04:05.999999",
	"2006-01-02 15:04",
	"2006-01-02",
}

var (
	ErrMissingColumn = errors.New("missing column")
	ErrBadFormat     = errors.New("invalid file format")
)

// Options configure one import or export.
type Options struct {
	AccountID int64
	// Delimiter defaults to ','.
	Delimiter rune
	// Quote defaults to '"'.
	Quote  rune
	UserID string
}

func (o Options) withDefaults() (Options, error) {
	if o.Delimiter == 0 {
		o.Delimiter = ','
	}
	if o.Quote == 0 {
		o.Quote = '"'
	}
	if o.Delimiter == o.Quote {
		return o, fmt.Errorf("%w: delimiter and quote are both %q", ErrBadFormat, o.Delimiter)
	}
	for _, r := range []rune{o.Delimiter, o.Quote} {
		if r == '\r' || r == '\n' || r == 0xFFFD {
			return o, fmt.Errorf("%w: %q cannot delimit or quote", ErrBadFormat, r)
		}
	}
	return o, nil
}

// swapQuote exchanges the custom quote with the double quote encoding/csv
// understands. Applied twice it restores the input.
func swapQuote(s string, quote rune) string {
	if quote == '"' {
		return s
	}
	return strings.Map(func(r rune) rune {
		switch r {
		case quote:
			return '"'
		case '"':
			return quote
		}
		return r
	}, s)
}

func readAll(data []byte, o Options) ([][]string, error) {
	src := swapQuote(string(bytes.TrimPrefix(data, []byte("\ufeff"))), o.Quote)
	r := csv.NewReader(strings.NewReader(src))
	r.Comma = o.Delimiter
	r.FieldsPerRecord = -1
	records, err := r.ReadAll()
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrBadFormat, err)
	}
	for _, rec := range records {
		for i := range rec {
			rec[i] = swapQuote(rec[i], o.Quote)
		}
	}
	return records, nil
}

func writeAll(records [][]string, o Options) ([]byte, error) {
	var buf bytes.Buffer
	w := csv.NewWriter(&buf)
	w.Comma = o.Delimiter
	for _, rec := range records {
		out := make([]string, len(rec))
		for i, f := range rec {
			out[i] = swapQuote(f, o.Quote)
		}
		if err := w.Write(out); err != nil {
			return nil, err
		}
	}
	w.Flush()
	if err := w.Error(); err != nil {
		return nil, err
	}
	return []byte(swapQuote(buf.String(), o.Quote)), nil
}

// header maps lower-cased column names to their index.
type header map[string]int

func parseHeader(rec []string) (header, error) {
	h := make(header, len(rec))
	for i, name := range rec {
		h[strings.ToLower(strings.TrimSpace(name))] = i
	}
	for _, c := range required {
		if _, ok := h[c]; !ok {
			return nil, fmt.Errorf("%w: %s", ErrMissingColumn, c)
		}
	}
	return h, nil
}

func (h header) get(rec []string, col string) string {
	i, ok := h[col]
	if !ok || i >= len(rec) {
		return ""
	}
	return strings.TrimSpace(rec[i])
}

func parseTime(s string) (time.Time, error) {
	for _, layout := range importTimeLayouts {
		if t, err := time.Parse(layout, s); err == nil {
			return t.UTC(), nil
		}
	}
	return time.Time{}, fmt.Errorf("unrecognised time %q", s)
}

func truthy(s string) bool {
	switch strings.ToLower(s) {
	case "1", "true", "yes", "y":
		return true
	}
	return false
}

// splitPath turns "Parent:Child" into its two names.
func splitPath(s string) (parent, child string, ok bool) {
	parent, child, ok = strings.Cut(s, ":")
	parent, child = strings.TrimSpace(parent), strings.TrimSpace(child)
	return parent, child, ok && parent != "" && child != ""
}
