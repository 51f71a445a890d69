package utils

import (
	"testing"
	"time"
)

func TestTrailingDaysAscending(t *testing.T) {
	now := time.Date(2025, 1, 2, 15, 30, 0, 0, time.UTC)
	days := TrailingDays(now, 3)
	if len(days) != 3 {
		t.Fatalf("expected 3 days, got %d", len(days))
	}
	want := []string{"2024-12-31", "2025-01-01", "2025-01-02"}
	for i, d := range days {
		if DayKey(d) != want[i] {
			t.Fatalf("day %d: expected %s, got %s", i, want[i], DayKey(d))
		}
	}
	if TrailingDays(now, 0) != nil {
		t.Fatalf("expected nil for zero days")
	}
}

func TestPercentChange(t *testing.T) {
	cases := []struct {
		prev, cur, want float64
	}{
		{0, 5, 100},
		{0, 0, 0},
		{10, 15, 50},
		{10, 5, -50},
	}
	for _, tc := range cases {
		if got := PercentChange(tc.prev, tc.cur); got != tc.want {
			t.Fatalf("PercentChange(%v,%v) = %v, want %v", tc.prev, tc.cur, got, tc.want)
		}
	}
}
