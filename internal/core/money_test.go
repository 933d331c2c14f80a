package core

import (
	"testing"

	"github.com/shopspring/decimal"
)

func TestParseAmount(t *testing.T) {
	cases := []struct {
		in  string
		out string
		ok  bool
	}{
		{"1", "1", true},
		{"1.0", "1", true},
		{"1.23", "1.23", true},
		{"1,23", "1.23", true},
		{"0.01", "0.01", true},
		{"1.005", "1.01", true}, // half away from zero
		{"-1.005", "-1.01", true},
		{" 2.50 ", "2.5", true},
		{"+3", "3", true},
		{"0", "0", true},
		{".5", "0.5", true},
		{"--1", "", false},
		{"abc", "", false},
		{"1.2.3", "", false},
		{"", "", false},
		{".", "", false},
		{"123456789012345678", "", false},
	}
	for _, tc := range cases {
		got, err := ParseAmount(tc.in)
		if tc.ok {
			if err != nil || !got.Equal(decimal.RequireFromString(tc.out)) {
				t.Fatalf("%q expected %s, got %s (err=%v)", tc.in, tc.out, got, err)
			}
		} else if err == nil {
			t.Fatalf("%q expected error", tc.in)
		}
	}
}

func TestRounding(t *testing.T) {
	if got := RoundRate(decimal.RequireFromString("0.1234567895")); !got.Equal(decimal.RequireFromString("0.12345679")) {
		t.Fatalf("RoundRate = %s", got)
	}
	if got := RoundAmount(decimal.RequireFromString("-0.125")); !got.Equal(decimal.RequireFromString("-0.13")) {
		t.Fatalf("RoundAmount = %s", got)
	}
}
