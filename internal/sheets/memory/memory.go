// Package memory keeps published reports and a rate list in process memory.
// It backs dry runs of the command line and the sheet tests.
package memory

import (
	"context"
	"fmt"
	"sync"

	"budgetbook/internal/core"
	ports "budgetbook/internal/sheets"
)

var (
	_ ports.ReportWriter = (*Store)(nil)
	_ ports.RateReader   = (*Store)(nil)
)

type Store struct {
	mu      sync.Mutex
	reports map[string][][]string
	writes  int
	rates   []core.ExchangeRate
}

func New(rates ...core.ExchangeRate) *Store {
	return &Store{reports: make(map[string][][]string), rates: rates}
}

// WriteReport replaces the grid stored under title and returns a synthetic reference.
func (s *Store) WriteReport(_ context.Context, title string, rows [][]string) (string, error) {
	if title == "" {
		return "", fmt.Errorf("report title required")
	}
	cp := make([][]string, len(rows))
	for i, r := range rows {
		cp[i] = append([]string(nil), r...)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.reports[title] = cp
	s.writes++
	return fmt.Sprintf("mem:%s#%d", title, s.writes), nil
}

// Report returns the grid last written under title.
func (s *Store) Report(title string) ([][]string, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	rows, ok := s.reports[title]
	return rows, ok
}

func (s *Store) ReadRates(_ context.Context) ([]core.ExchangeRate, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]core.ExchangeRate(nil), s.rates...), nil
}
