package utils

import (
	"testing"
	"time"
)

func TestLatencyTrackerPercentile(t *testing.T) {
	tracker := NewLatencyTracker(10)
	durations := []time.Duration{50 * time.Millisecond, 10 * time.Millisecond, 40 * time.Millisecond, 20 * time.Millisecond, 30 * time.Millisecond}
	for _, d := range durations {
		tracker.Observe(d)
	}

	if tracker.Count() != len(durations) {
		t.Fatalf("expected count %d, got %d", len(durations), tracker.Count())
	}
	if p := tracker.Percentile(95); p < 40*time.Millisecond {
		t.Fatalf("expected p95 >= 40ms, got %v", p)
	}
	if p := tracker.Percentile(0); p != 10*time.Millisecond {
		t.Fatalf("expected min 10ms, got %v", p)
	}
}

func TestLatencyTrackerWindowOverwritesOldest(t *testing.T) {
	tracker := NewLatencyTracker(3)
	for i := 1; i <= 10; i++ {
		tracker.Observe(time.Duration(i) * time.Millisecond)
	}
	if tracker.Count() != 3 {
		t.Fatalf("expected tracker size 3, got %d", tracker.Count())
	}
	if p := tracker.Percentile(0); p != 8*time.Millisecond {
		t.Fatalf("expected oldest retained sample 8ms, got %v", p)
	}
}

func TestLatencyTrackerEmpty(t *testing.T) {
	if NewLatencyTracker(0).Percentile(50) != 0 {
		t.Fatalf("expected zero percentile for empty tracker")
	}
}
