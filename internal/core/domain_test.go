package core

import (
	"errors"
	"testing"
	"time"

	"github.com/shopspring/decimal"
)

func TestKindSign(t *testing.T) {
	tests := []struct {
		kind Kind
		sign int
	}{
		{KindIncome, 1},
		{KindTransferIn, 1},
		{KindExchangePlus, 1},
		{KindExpense, -1},
		{KindTransferOut, -1},
		{KindExchangeMinus, -1},
	}
	for _, tt := range tests {
		t.Run(string(tt.kind), func(t *testing.T) {
			if got := tt.kind.Sign(); got != tt.sign {
				t.Errorf("Sign() = %d, want %d", got, tt.sign)
			}
		})
	}
	if Kind("XYZ").Valid() {
		t.Error("unknown kind reported valid")
	}
	if KindTransferOut.SortRank() >= KindIncome.SortRank() {
		t.Error("MO- must sort before other kinds")
	}
}

func TestExchangeSlots(t *testing.T) {
	plus, minus := ExchangeSlots(Period{Year: 2024, Month: 2})
	wantMinus := time.Date(2024, 2, 29, 23, 59, 59, 999999000, time.UTC)
	wantPlus := time.Date(2024, 2, 29, 23, 59, 59, 999998000, time.UTC)
	if !minus.Equal(wantMinus) || !plus.Equal(wantPlus) {
		t.Fatalf("slots = %v, %v", plus, minus)
	}

	plus, minus = ExchangeSlots(Period{Year: 2023, Month: 12})
	if plus.Month() != time.December || minus.Year() != 2023 || minus.Day() != 31 {
		t.Fatalf("december slots = %v, %v", plus, minus)
	}
}

func TestPeriodHelpers(t *testing.T) {
	p := PeriodOf(time.Date(2024, 12, 31, 23, 0, 0, 0, time.FixedZone("x", -3600)))
	if p != (Period{Year: 2025, Month: 1}) {
		t.Fatalf("PeriodOf uses UTC, got %v", p)
	}
	if n := (Period{Year: 2024, Month: 12}).Next(); n != (Period{Year: 2025, Month: 1}) {
		t.Fatalf("Next = %v", n)
	}
	if !(Period{2024, 3}).Before(Period{2024, 4}) || (Period{2025, 1}).Before(Period{2024, 12}) {
		t.Fatal("Before ordering broken")
	}
	end := MonthEnd(time.Date(2024, 4, 10, 0, 0, 0, 0, time.UTC))
	if end.Day() != 30 || end.Nanosecond() != 999999000 {
		t.Fatalf("MonthEnd = %v", end)
	}

	err := Period{Year: 1999, Month: 1}.Validate(2000, 2100)
	if !errors.Is(err, ErrYearOutOfBounds) || !IsValidation(err) {
		t.Fatalf("expected year validation error, got %v", err)
	}
	if err := (Period{Year: 2024, Month: 13}).Validate(2000, 2100); !errors.Is(err, ErrInvalidMonth) {
		t.Fatalf("expected month error, got %v", err)
	}
}

func TestValidateTZOffset(t *testing.T) {
	for _, ok := range []string{"0", "-3.5", "3.5", "4.5", "5.5", "5.75", "9.5", "14", "-12"} {
		if err := ValidateTZOffset(decimal.RequireFromString(ok)); err != nil {
			t.Errorf("%s: unexpected error %v", ok, err)
		}
	}
	for _, bad := range []string{"5.1", "15", "-12.25"} {
		if err := ValidateTZOffset(decimal.RequireFromString(bad)); !errors.Is(err, ErrInvalidTZOffset) {
			t.Errorf("%s: expected ErrInvalidTZOffset, got %v", bad, err)
		}
	}
	if got := TZLabel(decimal.RequireFromString("5.75")); got != "UTC+05:45" {
		t.Errorf("TZLabel = %q", got)
	}
	if got := TZLabel(decimal.RequireFromString("-3.5")); got != "UTC-03:30" {
		t.Errorf("TZLabel = %q", got)
	}
}

func TestAccountTypeGroups(t *testing.T) {
	if AccountCreditCard.Group() != GroupCredit || !AccountCreditCard.IsCredit() {
		t.Error("credit card must be in credit group")
	}
	if AccountCash.IsCredit() {
		t.Error("cash is not a credit account")
	}
	for typ := range accountGroups {
		if !typ.Valid() {
			t.Errorf("%s should be valid", typ)
		}
	}
}

func TestErrorTaxonomy(t *testing.T) {
	err := TotalMismatchError(decimal.NewFromInt(-300), decimal.NewFromInt(-200))
	if !errors.Is(err, ErrTotalMismatch) {
		t.Fatal("total mismatch must wrap ErrTotalMismatch")
	}
	if err.Field != "allocations" {
		t.Fatalf("field = %q", err.Field)
	}
	se := &StoreError{Op: "insert", Err: errors.New("disk full")}
	if !IsStore(se) || IsValidation(se) {
		t.Fatal("store error classification broken")
	}
}
