package domain

import (
	"testing"
	"time"
)

func TestParseAmount(t *testing.T) {
	cases := []struct {
		in   string
		want int64
		ok   bool
	}{
		{"14,70", 1470, true},
		{"1.470,00", 147000, true},
		{"1,470.00", 147000, true},
		{"12.5", 1250, true},
		{"1.470", 147000, true},
		{"EUR 3,99", 399, true},
		{"-2,50", -250, true},
		{"", 0, false},
		{"abc", 0, false},
	}
	for _, tc := range cases {
		got, ok := ParseAmount(tc.in)
		if ok != tc.ok || got != tc.want {
			t.Fatalf("ParseAmount(%q) = (%d, %v), want (%d, %v)", tc.in, got, ok, tc.want, tc.ok)
		}
	}
}

func TestParseDate(t *testing.T) {
	cases := []struct {
		in   string
		want string
		ok   bool
	}{
		{"2024-01-31", "2024-01-31", true},
		{"31.01.2024", "2024-01-31", true},
		{"1/2/24", "2024-02-01", true},
		{"01.02.85", "1985-02-01", true},
		{"31.02.2024", "", false},
		{"2024-13-01", "", false},
		{"yesterday", "", false},
	}
	for _, tc := range cases {
		got, ok := ParseDate(tc.in)
		if ok != tc.ok {
			t.Fatalf("ParseDate(%q) ok = %v, want %v", tc.in, ok, tc.ok)
		}
		if ok && got.Format(time.DateOnly) != tc.want {
			t.Fatalf("ParseDate(%q) = %s, want %s", tc.in, got.Format(time.DateOnly), tc.want)
		}
	}
}

func TestDetectCurrency(t *testing.T) {
	if got := DetectCurrency("Summe 12,00 €"); got != "EUR" {
		t.Fatalf("expected EUR, got %s", got)
	}
	if got := DetectCurrency("TOTAL USD 4.20"); got != "USD" {
		t.Fatalf("expected USD, got %s", got)
	}
	if got := DetectCurrency("Total 4.20"); got != DefaultCurrency {
		t.Fatalf("expected default currency, got %s", got)
	}
	if got := DetectCurrency("EUROPA Markt $"); got != "USD" {
		t.Fatalf("expected word match only, got %s", got)
	}
}
