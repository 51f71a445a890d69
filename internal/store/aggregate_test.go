package store

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/miradorstack/anomaly-hub/internal/models"
)

func TestShareTenthsSumsToHundred(t *testing.T) {
	cases := [][]int{
		{1},
		{1, 1, 1},
		{2, 1},
		{7, 5, 3, 1},
		{1, 1, 1, 1, 1, 1, 1},
		{999, 1},
	}
	for _, counts := range cases {
		total := 0
		for _, s := range shareTenths(counts) {
			total += s
		}
		assert.Equal(t, 1000, total, "counts %v", counts)
	}
	assert.Equal(t, []int{0, 0}, shareTenths([]int{0, 0}))
}

func TestBreakdownFromDropsEmptyGroups(t *testing.T) {
	got := breakdownFrom([]labelCount{{Label: "a", Count: 0}, {Label: "b", Count: 4}})
	assert.Equal(t, []models.Breakdown{{Label: "b", Count: 4, Percentage: 100}}, got)
	assert.Equal(t, []models.Breakdown{}, breakdownFrom(nil))
}

func TestAlgorithmSharesMergeMissingIntoUnknown(t *testing.T) {
	got := algorithmSharesFrom([]labelCount{
		{Label: "", Count: 1},
		{Label: "unknown", Count: 1},
		{Label: "dbscan", Count: 2},
	})
	assert.Equal(t, []models.AlgorithmShare{
		{Algorithm: "dbscan", Count: 2, Percentage: 50},
		{Algorithm: "unknown", Count: 2, Percentage: 50},
	}, got)
}

func TestHealthFromBounds(t *testing.T) {
	assert.Equal(t, 100, healthFrom(healthTally{}).Score)

	worst := healthFrom(healthTally{Total: 10, Critical: 10})
	assert.Equal(t, 0, worst.Score)
	assert.Equal(t, models.HealthCritical, worst.Status)

	improving := healthFrom(healthTally{Total: 4, Critical: 1, Resolved: 4, CriticalPrior: 1})
	assert.Equal(t, models.TrendImproving, improving.Trend)
	assert.Equal(t, 85, improving.Score)
	assert.Equal(t, models.HealthHealthy, improving.Status)
}

func TestTopSourcesTieBreakAndLimit(t *testing.T) {
	got := topSourcesFrom([]sourceTally{
		{Source: "b", Count: 2, Order: 5},
		{Source: "a", Count: 2, Order: 1},
		{Source: "c", Count: 3, Order: 9},
		{Source: "d", Count: 1, Order: 0},
	}, 3)
	assert.Equal(t, []models.SourceCount{
		{Source: "c", Count: 3},
		{Source: "a", Count: 2},
		{Source: "b", Count: 2},
	}, got)
}

func TestNormaliseDays(t *testing.T) {
	assert.Equal(t, 7, normaliseDays(0))
	assert.Equal(t, 7, normaliseDays(-3))
	assert.Equal(t, 30, normaliseDays(30))
	assert.Equal(t, 365, normaliseDays(9999))
}
