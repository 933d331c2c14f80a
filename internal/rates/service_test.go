package rates_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"budgetbook/internal/core"
	"budgetbook/internal/log"
	"budgetbook/internal/rates"
	"budgetbook/internal/storage/storagetest"
)

func TestResolve(t *testing.T) {
	repo := storagetest.Open(t)
	storagetest.Rate(t, repo, "EUR", "USD", "2024-03-01", "0.9")
	storagetest.Rate(t, repo, "EUR", "USD", "2024-03-31", "0.95")
	storagetest.Rate(t, repo, "GBP", "EUR", "2024-01-01", "0.8")

	svc := rates.NewService(repo.Queries(), log.Discard())
	ctx := context.Background()

	tests := []struct {
		name       string
		from, to   string
		at         string
		want       string
		wantSource rates.Source
	}{
		{"identity", "USD", "USD", "2024-03-15T00:00:00Z", "1", rates.SourceIdentity},
		{"direct same day", "EUR", "USD", "2024-03-01T00:00:00Z", "0.9", rates.SourceDirect},
		{"direct latest before", "EUR", "USD", "2024-03-30T23:59:59Z", "0.9", rates.SourceDirect},
		{"direct new entry", "EUR", "USD", "2024-03-31T08:00:00Z", "0.95", rates.SourceDirect},
		{"inverse", "EUR", "GBP", "2024-02-01T00:00:00Z", "1.25", rates.SourceInverse},
		{"nearest before feed", "EUR", "USD", "2024-02-01T00:00:00Z", "0.9", rates.SourceNearest},
		{"nearest inverted before feed", "USD", "EUR", "2024-02-01T00:00:00Z", "1.111111111", rates.SourceNearest},
		{"fallback unknown pair", "JPY", "CHF", "2024-02-01T00:00:00Z", "1", rates.SourceFallback},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			res, err := svc.Resolve(ctx, tt.from, tt.to, storagetest.Time(t, tt.at))
			if err != nil {
				t.Fatalf("Resolve() error = %v", err)
			}
			if !res.Rate.Equal(storagetest.Dec(tt.want)) {
				t.Errorf("Resolve() rate = %v, want %v", res.Rate, tt.want)
			}
			if res.Source != tt.wantSource {
				t.Errorf("Resolve() source = %v, want %v", res.Source, tt.wantSource)
			}
			if tt.wantSource == rates.SourceFallback && !errors.Is(res.Err(), core.ErrRateMissing) {
				t.Errorf("fallback Err() = %v, want ErrRateMissing", res.Err())
			}
		})
	}
}

func TestInverseRounding(t *testing.T) {
	repo := storagetest.Open(t)
	storagetest.Rate(t, repo, "USD", "EUR", "2024-01-01", "3")
	svc := rates.NewService(repo.Queries(), log.Discard())

	got, err := svc.Rate(context.Background(), "EUR", "USD", time.Date(2024, 6, 1, 0, 0, 0, 0, time.UTC))
	if err != nil {
		t.Fatalf("Rate() error = %v", err)
	}
	if want := storagetest.Dec("0.333333333"); !got.Equal(want) {
		t.Errorf("Rate() = %v, want %v", got, want)
	}
}

func TestConvertAndInvalidate(t *testing.T) {
	repo := storagetest.Open(t)
	storagetest.Rate(t, repo, "EUR", "USD", "2024-01-01", "0.9")
	svc := rates.NewService(repo.Queries(), log.Discard())
	ctx := context.Background()
	at := time.Date(2024, 2, 1, 12, 0, 0, 0, time.UTC)

	// 10 USD at 0.9 EUR per USD
	got, err := svc.Convert(ctx, storagetest.Dec("10"), "USD", "EUR", at)
	if err != nil || !got.Equal(storagetest.Dec("9")) {
		t.Fatalf("Convert() = %v, %v; want 9", got, err)
	}

	storagetest.Rate(t, repo, "EUR", "USD", "2024-01-01", "0.5")
	got, _ = svc.Convert(ctx, storagetest.Dec("10"), "USD", "EUR", at)
	if !got.Equal(storagetest.Dec("9")) {
		t.Errorf("Convert() before Invalidate = %v, want cached 9", got)
	}
	svc.Invalidate()
	got, _ = svc.Convert(ctx, storagetest.Dec("10"), "USD", "EUR", at)
	if !got.Equal(storagetest.Dec("5")) {
		t.Errorf("Convert() after Invalidate = %v, want 5", got)
	}
}
