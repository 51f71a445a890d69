package utils

import (
	"slices"
	"sync"
	"time"
)

// LatencyTracker keeps a fixed-size window of recent durations and reports percentiles.
type LatencyTracker struct {
	mu      sync.Mutex
	samples []time.Duration
	next    int
	full    bool
}

// NewLatencyTracker creates a tracker retaining the most recent size samples.
func NewLatencyTracker(size int) *LatencyTracker {
	if size <= 0 {
		size = 512
	}
	return &LatencyTracker{samples: make([]time.Duration, size)}
}

// Observe records a duration, overwriting the oldest sample once the window is full.
func (l *LatencyTracker) Observe(d time.Duration) {
	l.mu.Lock()
	defer l.mu.Unlock()

	l.samples[l.next] = d
	l.next++
	if l.next == len(l.samples) {
		l.next = 0
		l.full = true
	}
}

// Percentile returns the nearest-rank percentile (0-100) of the window, or zero when empty.
func (l *LatencyTracker) Percentile(p float64) time.Duration {
	window := l.snapshot()
	if len(window) == 0 {
		return 0
	}
	slices.Sort(window)
	switch {
	case p <= 0:
		return window[0]
	case p >= 100:
		return window[len(window)-1]
	}
	return window[int(p/100*float64(len(window)-1))]
}

// Count returns the number of samples currently held.
func (l *LatencyTracker) Count() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.full {
		return len(l.samples)
	}
	return l.next
}

func (l *LatencyTracker) snapshot() []time.Duration {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.full {
		return slices.Clone(l.samples)
	}
	return slices.Clone(l.samples[:l.next])
}
