package utils

import "time"

// DayLayout formats calendar days in trend and heatmap views.
const DayLayout = "2006-01-02"

// StartOfDay truncates t to UTC midnight.
func StartOfDay(t time.Time) time.Time {
	y, m, d := t.UTC().Date()
	return time.Date(y, m, d, 0, 0, 0, 0, time.UTC)
}

// TrailingDays returns the UTC midnights of the last n calendar days ending with the day of
// now, in ascending order. n <= 0 yields nil.
func TrailingDays(now time.Time, n int) []time.Time {
	if n <= 0 {
		return nil
	}
	today := StartOfDay(now)
	days := make([]time.Time, n)
	for i := 0; i < n; i++ {
		days[i] = today.AddDate(0, 0, i-(n-1))
	}
	return days
}

// DayKey formats t's UTC calendar day.
func DayKey(t time.Time) string {
	return t.UTC().Format(DayLayout)
}

// PercentChange returns the percentage delta between previous and current. A rise from zero
// counts as 100 and zero to zero as 0.
func PercentChange(previous, current float64) float64 {
	if previous == 0 {
		if current > 0 {
			return 100
		}
		return 0
	}
	return (current - previous) / previous * 100
}
