// Package xlsx keeps reports and rate tables in a local Excel workbook, for
// users without a Google spreadsheet.
package xlsx

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strconv"
	"sync"

	"github.com/xuri/excelize/v2"

	"budgetbook/internal/core"
	"budgetbook/internal/log"
	ports "budgetbook/internal/sheets"
)

const DefaultRatesSheet = "Rates"

type Workbook struct {
	path       string
	ratesSheet string
	logger     *log.Logger

	mu sync.Mutex
}

var (
	_ ports.ReportWriter = (*Workbook)(nil)
	_ ports.RateReader   = (*Workbook)(nil)
)

// New returns a workbook stored at path. Rates are read from ratesSheet,
// or from the first sheet when the workbook has no sheet of that name.
func New(path, ratesSheet string, logger *log.Logger) *Workbook {
	if ratesSheet == "" {
		ratesSheet = DefaultRatesSheet
	}
	return &Workbook{
		path:       path,
		ratesSheet: ratesSheet,
		logger:     logger.WithComponent(log.ComponentSheets),
	}
}

// WriteReport replaces the sheet title with rows, creating the workbook if
// needed. Other sheets are kept.
func (w *Workbook) WriteReport(ctx context.Context, title string, rows [][]string) (string, error) {
	if title == "" {
		return "", errors.New("report title required")
	}
	if err := ctx.Err(); err != nil {
		return "", err
	}
	w.mu.Lock()
	defer w.mu.Unlock()

	f, err := w.open()
	if err != nil {
		return "", err
	}
	defer f.Close()

	if err := replaceSheet(f, title); err != nil {
		return "", fmt.Errorf("prepare sheet %q: %w", title, err)
	}
	for i, r := range rows {
		cell, err := excelize.CoordinatesToCellName(1, i+1)
		if err != nil {
			return "", err
		}
		values := make([]interface{}, len(r))
		for j, v := range r {
			values[j] = cellValue(v)
		}
		if err := f.SetSheetRow(title, cell, &values); err != nil {
			return "", fmt.Errorf("write row %d: %w", i+1, err)
		}
	}
	if err := f.SaveAs(w.path); err != nil {
		return "", fmt.Errorf("save workbook: %w", err)
	}

	w.logger.InfoContext(ctx, "Report written to workbook",
		"path", w.path,
		"sheet", title,
		log.FieldCount, len(rows))
	return w.path + "#" + title, nil
}

func (w *Workbook) open() (*excelize.File, error) {
	f, err := excelize.OpenFile(w.path)
	if errors.Is(err, os.ErrNotExist) {
		return excelize.NewFile(), nil
	}
	if err != nil {
		return nil, fmt.Errorf("open workbook: %w", err)
	}
	return f, nil
}

// replaceSheet leaves f with an empty, active sheet called title.
func replaceSheet(f *excelize.File, title string) error {
	list := f.GetSheetList()
	// A fresh workbook holds a single unused default sheet.
	if len(list) == 1 && list[0] == "Sheet1" && title != "Sheet1" {
		rows, err := f.GetRows("Sheet1")
		if err != nil {
			return err
		}
		if len(rows) == 0 {
			return f.SetSheetName("Sheet1", title)
		}
	}

	idx, err := f.GetSheetIndex(title)
	if err != nil {
		return err
	}
	if idx >= 0 {
		tmp := title + "~"
		if _, err := f.NewSheet(tmp); err != nil {
			return err
		}
		if err := f.DeleteSheet(title); err != nil {
			return err
		}
		if err := f.SetSheetName(tmp, title); err != nil {
			return err
		}
	} else if _, err := f.NewSheet(title); err != nil {
		return err
	}
	if idx, err = f.GetSheetIndex(title); err != nil {
		return err
	}
	f.SetActiveSheet(idx)
	return nil
}

// cellValue stores numbers as numbers so the workbook can sum them.
func cellValue(s string) interface{} {
	if v, err := strconv.ParseFloat(s, 64); err == nil {
		return v
	}
	return s
}

func (w *Workbook) ReadRates(ctx context.Context) ([]core.ExchangeRate, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	w.mu.Lock()
	defer w.mu.Unlock()

	file, err := os.Open(w.path)
	if err != nil {
		return nil, fmt.Errorf("open workbook: %w", err)
	}
	defer file.Close()

	f, err := excelize.OpenReader(file)
	if err != nil {
		return nil, fmt.Errorf("read workbook: %w", err)
	}
	defer f.Close()

	sheetList := f.GetSheetList()
	if len(sheetList) == 0 {
		return nil, errors.New("workbook has no sheets")
	}
	sheet := sheetList[0]
	for _, s := range sheetList {
		if s == w.ratesSheet {
			sheet = s
			break
		}
	}

	rows, err := f.GetRows(sheet)
	if err != nil {
		return nil, fmt.Errorf("read sheet %q: %w", sheet, err)
	}
	rates, err := ports.ParseRateRows(rows)
	if err != nil {
		return nil, fmt.Errorf("sheet %q: %w", sheet, err)
	}
	w.logger.DebugContext(ctx, "Rates read from workbook", "path", w.path, "sheet", sheet, log.FieldCount, len(rates))
	return rates, nil
}
