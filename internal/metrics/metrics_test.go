package metrics

import (
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
)

func TestRegisterIsIdempotent(t *testing.T) {
	reg := prometheus.NewRegistry()
	if err := Register(reg); err != nil {
		t.Fatalf("register: %v", err)
	}
	if err := Register(reg); err != nil {
		t.Fatalf("second register: %v", err)
	}
}

func TestObserveStreamNormalisesOutcome(t *testing.T) {
	before := testutil.ToFloat64(streamsTotal.WithLabelValues(OutcomeSuccess))
	ObserveStream(time.Second, "weird")
	after := testutil.ToFloat64(streamsTotal.WithLabelValues(OutcomeSuccess))
	if after-before != 1 {
		t.Fatalf("expected success counter to increase by 1, got %v", after-before)
	}
}

func TestObserveFallback(t *testing.T) {
	before := testutil.ToFloat64(storeFallbacksTotal.WithLabelValues("list_anomalies"))
	ObserveFallback("list_anomalies")
	if got := testutil.ToFloat64(storeFallbacksTotal.WithLabelValues("list_anomalies")); got-before != 1 {
		t.Fatalf("expected fallback counter increment")
	}
}
