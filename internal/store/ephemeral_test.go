package store

import (
	"context"
	"errors"
	"fmt"
	"math"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/miradorstack/anomaly-hub/internal/models"
	"github.com/miradorstack/anomaly-hub/internal/utils"
)

var testNow = time.Date(2026, 3, 10, 12, 0, 0, 0, time.UTC)

func fixedClock() time.Time { return testNow }

func sequentialIDs() func() string {
	var mu sync.Mutex
	n := 0
	return func() string {
		mu.Lock()
		defer mu.Unlock()
		n++
		return fmt.Sprintf("id-%03d", n)
	}
}

func seededStore(t *testing.T) *Ephemeral {
	t.Helper()
	ds, err := SampleDataset(testNow)
	require.NoError(t, err)
	return NewEphemeral(WithClock(fixedClock), WithIDGenerator(sequentialIDs()), WithLogger(utils.DiscardLogger()), WithDataset(ds))
}

func draftAt(ts time.Time, severity models.Severity) models.AnomalyDraft {
	return models.AnomalyDraft{
		Timestamp:   &ts,
		Type:        models.AnomalyTypeFronthaul,
		Description: "eCPRI delay above budget",
		Severity:    severity,
		SourceFile:  "captures/test.pcap",
	}
}

func TestSampleDatasetScenario(t *testing.T) {
	s := seededStore(t)
	ctx := context.Background()

	types := s.AnomalyTypeBreakdown(ctx)
	assert.False(t, types.Degraded)
	assert.Equal(t, []models.Breakdown{
		{Label: "fronthaul", Count: 3, Percentage: 37.5},
		{Label: "ue_event", Count: 2, Percentage: 25.0},
		{Label: "protocol", Count: 2, Percentage: 25.0},
		{Label: "mac_address", Count: 1, Percentage: 12.5},
	}, types.Data)

	severities := s.SeverityBreakdown(ctx).Data
	assert.Equal(t, []models.Breakdown{
		{Label: "high", Count: 3, Percentage: 37.5},
		{Label: "critical", Count: 2, Percentage: 25.0},
		{Label: "medium", Count: 2, Percentage: 25.0},
		{Label: "low", Count: 1, Percentage: 12.5},
	}, severities)
}

func TestListAnomaliesPagination(t *testing.T) {
	ctx := context.Background()
	s := NewEphemeral(WithClock(fixedClock), WithIDGenerator(sequentialIDs()), WithLogger(utils.DiscardLogger()))

	// Insert out of timestamp order so sorting is exercised.
	offsets := []int{5, 1, 9, 3, 7, 0, 8, 2, 6, 4, 11, 10}
	for _, o := range offsets {
		_, err := s.CreateAnomaly(ctx, draftAt(testNow.Add(-time.Duration(o)*time.Minute), models.SeverityLow))
		require.NoError(t, err)
	}
	full := s.ListAnomalies(ctx, models.AnomalyQuery{Limit: 100}).Data
	require.Len(t, full, len(offsets))
	for i := 1; i < len(full); i++ {
		assert.False(t, full[i].Timestamp.After(full[i-1].Timestamp), "not sorted newest first at %d", i)
	}

	for _, tc := range []struct{ limit, offset int }{{1, 0}, {3, 0}, {3, 3}, {5, 10}, {4, 11}, {4, 12}, {50, 20}} {
		page := s.ListAnomalies(ctx, models.AnomalyQuery{Limit: tc.limit, Offset: tc.offset}).Data
		assert.LessOrEqual(t, len(page), tc.limit)
		start := min(tc.offset, len(full))
		end := min(tc.offset+tc.limit, len(full))
		assert.Equal(t, full[start:end], page, "limit=%d offset=%d", tc.limit, tc.offset)
	}
}

func TestListAnomaliesFilters(t *testing.T) {
	s := seededStore(t)
	got := s.ListAnomalies(context.Background(), models.AnomalyQuery{Type: models.AnomalyTypeFronthaul, Severity: models.SeverityHigh}).Data
	require.Len(t, got, 1)
	assert.Equal(t, "fh-002", got[0].ID)
}

func TestBreakdownsEmptyStore(t *testing.T) {
	s := NewEphemeral(WithClock(fixedClock))
	ctx := context.Background()
	assert.Empty(t, s.SeverityBreakdown(ctx).Data)
	assert.Empty(t, s.AnomalyTypeBreakdown(ctx).Data)
	assert.NotNil(t, s.SeverityBreakdown(ctx).Data)
}

func TestBreakdownPercentagesClose(t *testing.T) {
	ctx := context.Background()
	s := NewEphemeral(WithClock(fixedClock), WithLogger(utils.DiscardLogger()))
	// 3 groups of 1/3 each force remainder correction.
	for _, sev := range []models.Severity{models.SeverityLow, models.SeverityMedium, models.SeverityHigh} {
		_, err := s.CreateAnomaly(ctx, draftAt(testNow, sev))
		require.NoError(t, err)
	}
	sum := 0.0
	for _, b := range s.SeverityBreakdown(ctx).Data {
		sum += b.Percentage
	}
	assert.InDelta(t, 100.0, sum, 1e-9)
}

func TestNetworkHealthScore(t *testing.T) {
	ctx := context.Background()

	empty := NewEphemeral(WithClock(fixedClock)).NetworkHealthScore(ctx).Data
	assert.Equal(t, 100, empty.Score)
	assert.Equal(t, models.HealthHealthy, empty.Status)

	s := NewEphemeral(WithClock(fixedClock), WithIDGenerator(sequentialIDs()), WithLogger(utils.DiscardLogger()))
	for i := 0; i < 3; i++ {
		a, err := s.CreateAnomaly(ctx, draftAt(testNow, models.SeverityHigh))
		require.NoError(t, err)
		_, _, err = s.SetAnomalyStatus(ctx, a.ID, models.StatusResolved)
		require.NoError(t, err)
	}
	healthy := s.NetworkHealthScore(ctx).Data
	assert.Equal(t, 100, healthy.Score)
	assert.Equal(t, models.HealthHealthy, healthy.Status)

	seeded := seededStore(t).NetworkHealthScore(ctx).Data
	assert.Equal(t, 55, seeded.Score)
	assert.Equal(t, models.HealthWarning, seeded.Status)
	assert.Equal(t, models.TrendDeclining, seeded.Trend)
	assert.Equal(t, 25.0, seeded.Factors.CriticalRate)

	worst := NewEphemeral(WithClock(fixedClock), WithLogger(utils.DiscardLogger()))
	for i := 0; i < 4; i++ {
		_, err := worst.CreateAnomaly(ctx, draftAt(testNow, models.SeverityCritical))
		require.NoError(t, err)
	}
	h := worst.NetworkHealthScore(ctx).Data
	assert.GreaterOrEqual(t, h.Score, 0)
	assert.LessOrEqual(t, h.Score, 100)
	assert.Equal(t, models.HealthCritical, h.Status)
}

func TestDashboardMetricsWithChanges(t *testing.T) {
	ctx := context.Background()
	lastMonth := testNow.Add(-10 * 24 * time.Hour)

	cases := []struct {
		name            string
		previous, added int
		want            float64
	}{
		{"from zero", 0, 5, 100},
		{"zero to zero", 0, 0, 0},
		{"growth", 10, 5, 50},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			s := NewEphemeral(WithClock(fixedClock), WithIDGenerator(sequentialIDs()), WithLogger(utils.DiscardLogger()))
			for i := 0; i < tc.previous; i++ {
				_, err := s.CreateAnomaly(ctx, draftAt(lastMonth, models.SeverityLow))
				require.NoError(t, err)
			}
			for i := 0; i < tc.added; i++ {
				_, err := s.CreateAnomaly(ctx, draftAt(testNow, models.SeverityLow))
				require.NoError(t, err)
			}
			got := s.DashboardMetricsWithChanges(ctx).Data
			assert.Equal(t, tc.previous+tc.added, got.TotalAnomalies)
			assert.Equal(t, tc.want, got.Changes.TotalAnomalies)
		})
	}
}

func TestDashboardMetricsFromFixtures(t *testing.T) {
	got := seededStore(t).DashboardMetrics(context.Background())
	assert.False(t, got.Degraded)
	assert.Equal(t, models.DashboardMetrics{
		TotalAnomalies:   8,
		SessionsAnalyzed: 3,
		DetectionRate:    80.0,
		FilesProcessed:   5,
	}, got.Data)
}

func TestAnomalyTrendsZeroFilled(t *testing.T) {
	s := seededStore(t)
	trend := s.AnomalyTrends(context.Background(), 0).Data
	require.Len(t, trend, 7)
	assert.Equal(t, "2026-03-04", trend[0].Date)
	assert.Equal(t, "2026-03-10", trend[6].Date)

	counts := make(map[string]int, len(trend))
	total := 0
	for _, p := range trend {
		counts[p.Date] = p.Count
		total += p.Count
	}
	assert.Equal(t, 8, total)
	assert.Equal(t, 3, counts["2026-03-10"])
	assert.Equal(t, 2, counts["2026-03-09"])
	assert.Equal(t, 0, counts["2026-03-04"])

	assert.Len(t, s.AnomalyTrends(context.Background(), 1000).Data, 365)
}

func TestHourlyHeatmap(t *testing.T) {
	cells := seededStore(t).HourlyHeatmap(context.Background(), 2).Data
	require.Len(t, cells, 48)
	assert.Equal(t, models.HeatmapCell{Hour: 0, Day: "Mon", Date: "2026-03-09", Count: 0}, cells[0])
	assert.Equal(t, "Tue", cells[24].Day)
	assert.Equal(t, 1, cells[24+10].Count)
	assert.Equal(t, 1, cells[10].Count)
	assert.Equal(t, 1, cells[6].Count)
}

func TestTopAffectedSources(t *testing.T) {
	got := seededStore(t).TopAffectedSources(context.Background(), 3).Data
	assert.Equal(t, []models.SourceCount{
		{Source: "captures/fronthaul_du2_ru1.pcap", Count: 3},
		{Source: "captures/fronthaul_du1_ru3.pcap", Count: 2},
		{Source: "logs/ue_attach_cell12.txt", Count: 2},
	}, got)
}

func TestAlgorithmPerformance(t *testing.T) {
	got := seededStore(t).AlgorithmPerformance(context.Background()).Data
	require.Len(t, got, 6)
	assert.Equal(t, models.AlgorithmShare{Algorithm: "isolation_forest", Count: 3, Percentage: 37.5}, got[0])
	assert.Equal(t, "unknown", got[len(got)-1].Algorithm)
	sum := 0.0
	for _, a := range got {
		sum += a.Percentage
	}
	assert.InDelta(t, 100.0, sum, 1e-9)
}

func TestCreateAnomalyRejectsInvalidDraft(t *testing.T) {
	s := NewEphemeral(WithClock(fixedClock))
	draft := draftAt(testNow, models.Severity("urgent"))
	_, err := s.CreateAnomaly(context.Background(), draft)
	require.Error(t, err)
	assert.True(t, errors.Is(err, utils.ErrMalformedRequest))
}

func TestSetAnomalyStatusLifecycle(t *testing.T) {
	ctx := context.Background()
	s := seededStore(t)

	_, found, err := s.SetAnomalyStatus(ctx, "missing", models.StatusResolved)
	require.NoError(t, err)
	assert.False(t, found)

	a, found, err := s.SetAnomalyStatus(ctx, "fh-001", models.StatusResolved)
	require.NoError(t, err)
	assert.True(t, found)
	assert.Equal(t, models.StatusResolved, a.Status)

	_, _, err = s.SetAnomalyStatus(ctx, "fh-001", models.StatusResolved)
	require.NoError(t, err)

	_, found, err = s.SetAnomalyStatus(ctx, "fh-001", models.StatusOpen)
	assert.True(t, found)
	assert.True(t, errors.Is(err, utils.ErrInvalidTransition))
}

func TestSetRecommendation(t *testing.T) {
	ctx := context.Background()
	s := seededStore(t)
	require.NoError(t, s.SetRecommendation(ctx, "ue-001", "Check handover thresholds"))

	view, ok := s.GetAnomaly(ctx, "ue-001")
	require.True(t, ok)
	require.NotNil(t, view.Data.Recommendation)
	assert.Equal(t, "Check handover thresholds", *view.Data.Recommendation)

	err := s.SetRecommendation(ctx, "missing", "x")
	assert.True(t, errors.Is(err, utils.ErrNotFound))
}

func TestGetAnomalyReturnsCopy(t *testing.T) {
	ctx := context.Background()
	s := seededStore(t)
	view, ok := s.GetAnomaly(ctx, "fh-001")
	require.True(t, ok)
	require.NotNil(t, view.Data.Context)
	view.Data.Context.ModelVotes["isolation_forest"] = models.ModelVote{Confidence: math.Pi}

	again, _ := s.GetAnomaly(ctx, "fh-001")
	assert.Equal(t, 0.94, again.Data.Context.ModelVotes["isolation_forest"].Confidence)
}

func TestFileLifecycle(t *testing.T) {
	ctx := context.Background()
	s := NewEphemeral(WithClock(fixedClock), WithIDGenerator(sequentialIDs()))

	f, err := s.CreateFile(ctx, models.FileDraft{Filename: "captures/new.pcap", FileType: "pcap", FileSize: 42})
	require.NoError(t, err)
	assert.Equal(t, models.ProcessingPending, f.ProcessingStatus)

	found := 3
	elapsed := int64(1500)
	f, ok, err := s.UpdateFile(ctx, f.ID, models.FileUpdate{Status: models.ProcessingCompleted, AnomaliesFound: &found, ProcessingTimeMs: &elapsed})
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, 3, f.AnomaliesFound)

	_, ok, err = s.UpdateFile(ctx, f.ID, models.FileUpdate{Status: models.ProcessingFailed})
	assert.True(t, ok)
	assert.True(t, errors.Is(err, utils.ErrInvalidTransition))

	_, ok, err = s.UpdateFile(ctx, "missing", models.FileUpdate{Status: models.ProcessingRunning})
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestSessionLifecycle(t *testing.T) {
	ctx := context.Background()
	s := NewEphemeral(WithClock(fixedClock), WithIDGenerator(sequentialIDs()))

	sess, err := s.CreateSession(ctx, models.SessionDraft{Name: "sweep", SourceFile: "captures/new.pcap"})
	require.NoError(t, err)
	assert.Equal(t, models.SessionActive, sess.Status)

	_, _, err = s.CloseSession(ctx, sess.ID, models.SessionClose{PacketsAnalyzed: -5, AnomaliesDetected: -3})
	require.True(t, errors.Is(err, utils.ErrMalformedRequest))
	still, _ := s.GetSession(ctx, sess.ID)
	assert.Equal(t, models.SessionActive, still.Data.Status)
	assert.Zero(t, still.Data.PacketsAnalyzed)

	closed, ok, err := s.CloseSession(ctx, sess.ID, models.SessionClose{PacketsAnalyzed: 1000, AnomaliesDetected: 2})
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, models.SessionCompleted, closed.Status)
	require.NotNil(t, closed.EndTime)

	_, _, err = s.CloseSession(ctx, sess.ID, models.SessionClose{})
	assert.True(t, errors.Is(err, utils.ErrInvalidTransition))
}

func TestMetricsByCategory(t *testing.T) {
	ctx := context.Background()
	s := seededStore(t)
	_, err := s.RecordMetric(ctx, models.MetricDraft{Category: "fronthaul", Name: "jitter_us", Value: 4.2})
	require.NoError(t, err)

	got := s.ListMetrics(ctx, "fronthaul", 10).Data
	require.Len(t, got, 2)
	assert.Equal(t, "jitter_us", got[0].Name)

	inv, err := s.Inventory(ctx)
	require.NoError(t, err)
	assert.Equal(t, models.Inventory{Backend: BackendMemory, Anomalies: 8, Files: 5, Sessions: 3, Metrics: 4}, inv)
}

func TestConcurrentWritesAndReads(t *testing.T) {
	ctx := context.Background()
	s := NewEphemeral(WithLogger(utils.DiscardLogger()))
	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(2)
		go func() {
			defer wg.Done()
			for j := 0; j < 25; j++ {
				_, _ = s.CreateAnomaly(ctx, draftAt(time.Now(), models.SeverityMedium))
			}
		}()
		go func() {
			defer wg.Done()
			for j := 0; j < 25; j++ {
				_ = s.SeverityBreakdown(ctx)
				_ = s.ListAnomalies(ctx, models.AnomalyQuery{})
			}
		}()
	}
	wg.Wait()
	assert.Equal(t, 200, s.DashboardMetrics(ctx).Data.TotalAnomalies)
}
