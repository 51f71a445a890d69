package store

import (
	"cmp"
	"math"
	"slices"
	"time"

	"github.com/miradorstack/anomaly-hub/internal/models"
	"github.com/miradorstack/anomaly-hub/internal/utils"
)

// Aggregate views are computed in two steps: a backend produces a tally (in memory or through
// query pushdown) and the shaping functions below turn tallies into views. Both backends share
// the shaping step so their outputs are identical in shape and rounding.

const (
	defaultWindowDays = 7
	maxWindowDays     = 365
	changeWindow      = 7 * 24 * time.Hour
	unknownAlgorithm  = "unknown"
)

func normaliseDays(days int) int {
	if days <= 0 {
		return defaultWindowDays
	}
	if days > maxWindowDays {
		return maxWindowDays
	}
	return days
}

func normaliseLimit(limit, def int) int {
	if limit <= 0 {
		return def
	}
	if limit > models.MaxListLimit {
		return models.MaxListLimit
	}
	return limit
}

// dashboardTally holds raw counters behind DashboardMetrics.
type dashboardTally struct {
	Anomalies      int
	Sessions       int
	Files          int
	CompletedFiles int
}

func dashboardFrom(t dashboardTally) models.DashboardMetrics {
	rate := 0.0
	if t.Files > 0 {
		rate = roundTo(100*float64(t.CompletedFiles)/float64(t.Files), 1)
	}
	return models.DashboardMetrics{
		TotalAnomalies:   t.Anomalies,
		SessionsAnalyzed: t.Sessions,
		DetectionRate:    rate,
		FilesProcessed:   t.Files,
	}
}

func changesFrom(current, previous models.DashboardMetrics) models.DashboardMetricsWithChanges {
	return models.DashboardMetricsWithChanges{
		DashboardMetrics: current,
		Changes: models.MetricChanges{
			TotalAnomalies:   roundTo(utils.PercentChange(float64(previous.TotalAnomalies), float64(current.TotalAnomalies)), 1),
			SessionsAnalyzed: roundTo(utils.PercentChange(float64(previous.SessionsAnalyzed), float64(current.SessionsAnalyzed)), 1),
			DetectionRate:    roundTo(utils.PercentChange(previous.DetectionRate, current.DetectionRate), 1),
			FilesProcessed:   roundTo(utils.PercentChange(float64(previous.FilesProcessed), float64(current.FilesProcessed)), 1),
		},
	}
}

// trendFrom zero-fills counts keyed by utils.DayKey over the trailing days.
func trendFrom(now time.Time, days int, counts map[string]int) []models.TrendPoint {
	window := utils.TrailingDays(now, normaliseDays(days))
	out := make([]models.TrendPoint, 0, len(window))
	for _, day := range window {
		key := utils.DayKey(day)
		out = append(out, models.TrendPoint{Date: key, Count: counts[key]})
	}
	return out
}

type hourKey struct {
	Day  string
	Hour int
}

// heatmapFrom zero-fills every hour of every day in the trailing window.
func heatmapFrom(now time.Time, days int, counts map[hourKey]int) []models.HeatmapCell {
	window := utils.TrailingDays(now, normaliseDays(days))
	out := make([]models.HeatmapCell, 0, len(window)*24)
	for _, day := range window {
		key := utils.DayKey(day)
		label := day.Weekday().String()[:3]
		for hour := 0; hour < 24; hour++ {
			out = append(out, models.HeatmapCell{
				Hour:  hour,
				Day:   label,
				Date:  key,
				Count: counts[hourKey{Day: key, Hour: hour}],
			})
		}
	}
	return out
}

// labelCount is one group of a breakdown. Rank orders ties; lower ranks first.
type labelCount struct {
	Label string
	Count int
	Rank  int
}

// breakdownFrom orders groups by count descending (ties by rank, then label) and assigns
// one-decimal percentages that sum to exactly 100.
func breakdownFrom(groups []labelCount) []models.Breakdown {
	groups = slices.DeleteFunc(slices.Clone(groups), func(g labelCount) bool { return g.Count <= 0 })
	if len(groups) == 0 {
		return []models.Breakdown{}
	}
	slices.SortStableFunc(groups, func(a, b labelCount) int {
		if c := cmp.Compare(b.Count, a.Count); c != 0 {
			return c
		}
		if c := cmp.Compare(a.Rank, b.Rank); c != 0 {
			return c
		}
		return cmp.Compare(a.Label, b.Label)
	})

	counts := make([]int, len(groups))
	for i, g := range groups {
		counts[i] = g.Count
	}
	shares := shareTenths(counts)

	out := make([]models.Breakdown, len(groups))
	for i, g := range groups {
		out[i] = models.Breakdown{Label: g.Label, Count: g.Count, Percentage: float64(shares[i]) / 10}
	}
	return out
}

// shareTenths splits 1000 tenths of a percent across counts with the largest remainder method.
func shareTenths(counts []int) []int {
	total := 0
	for _, c := range counts {
		total += c
	}
	shares := make([]int, len(counts))
	if total == 0 {
		return shares
	}
	type remainder struct {
		idx  int
		frac float64
	}
	rems := make([]remainder, len(counts))
	assigned := 0
	for i, c := range counts {
		exact := float64(c) * 1000 / float64(total)
		shares[i] = int(math.Floor(exact))
		assigned += shares[i]
		rems[i] = remainder{idx: i, frac: exact - math.Floor(exact)}
	}
	slices.SortStableFunc(rems, func(a, b remainder) int { return cmp.Compare(b.frac, a.frac) })
	for i := 0; assigned < 1000; i++ {
		shares[rems[i%len(rems)].idx]++
		assigned++
	}
	return shares
}

func typeRank(label string) int {
	if i := slices.Index(models.AnomalyTypes, models.AnomalyType(label)); i >= 0 {
		return i
	}
	return len(models.AnomalyTypes)
}

func severityRank(label string) int {
	if i := slices.Index(models.Severities, models.Severity(label)); i >= 0 {
		return i
	}
	return len(models.Severities)
}

func algorithmSharesFrom(groups []labelCount) []models.AlgorithmShare {
	for i := range groups {
		if groups[i].Label == "" {
			groups[i].Label = unknownAlgorithm
		}
	}
	breakdown := breakdownFrom(mergeLabels(groups))
	out := make([]models.AlgorithmShare, len(breakdown))
	for i, b := range breakdown {
		out[i] = models.AlgorithmShare{Algorithm: b.Label, Count: b.Count, Percentage: b.Percentage}
	}
	return out
}

func mergeLabels(groups []labelCount) []labelCount {
	merged := make([]labelCount, 0, len(groups))
	index := make(map[string]int, len(groups))
	for _, g := range groups {
		if i, ok := index[g.Label]; ok {
			merged[i].Count += g.Count
			merged[i].Rank = min(merged[i].Rank, g.Rank)
			continue
		}
		index[g.Label] = len(merged)
		merged = append(merged, g)
	}
	return merged
}

// sourceTally counts anomalies per source; Order is the position of the source's first
// anomaly (insertion index in memory, first-seen time in the columnar store).
type sourceTally struct {
	Source string
	Count  int
	Order  int64
}

func topSourcesFrom(tallies []sourceTally, limit int) []models.SourceCount {
	tallies = slices.Clone(tallies)
	slices.SortStableFunc(tallies, func(a, b sourceTally) int {
		if c := cmp.Compare(b.Count, a.Count); c != 0 {
			return c
		}
		return cmp.Compare(a.Order, b.Order)
	})
	limit = normaliseLimit(limit, 10)
	if len(tallies) > limit {
		tallies = tallies[:limit]
	}
	out := make([]models.SourceCount, len(tallies))
	for i, t := range tallies {
		out[i] = models.SourceCount{Source: t.Source, Count: t.Count}
	}
	return out
}

// healthTally holds counters behind NetworkHealth. Recent/Prior count critical anomalies in
// the last seven days and the seven days before that.
type healthTally struct {
	Total          int
	Critical       int
	Resolved       int
	CriticalRecent int
	CriticalPrior  int
}

func healthFrom(t healthTally) models.NetworkHealth {
	criticalRate := 0.0
	resolutionRate := 100.0
	if t.Total > 0 {
		criticalRate = 100 * float64(t.Critical) / float64(t.Total)
		resolutionRate = 100 * float64(t.Resolved) / float64(t.Total)
	}
	score := int(math.Round(100 - 0.6*criticalRate - 0.4*(100-resolutionRate)))
	score = max(0, min(100, score))

	status := models.HealthCritical
	switch {
	case score >= 80:
		status = models.HealthHealthy
	case score >= 50:
		status = models.HealthWarning
	}

	trend := models.TrendStable
	switch {
	case t.CriticalRecent < t.CriticalPrior:
		trend = models.TrendImproving
	case t.CriticalRecent > t.CriticalPrior:
		trend = models.TrendDeclining
	}

	return models.NetworkHealth{
		Score:  score,
		Status: status,
		Trend:  trend,
		Factors: models.HealthFactors{
			CriticalRate:   roundTo(criticalRate, 1),
			ResolutionRate: roundTo(resolutionRate, 1),
			TotalAnomalies: t.Total,
			CriticalCount:  t.Critical,
			ResolvedCount:  t.Resolved,
		},
	}
}

func roundTo(v float64, places int) float64 {
	p := math.Pow(10, float64(places))
	return math.Round(v*p) / p
}

// In-memory tallies over a dataset, used by the Ephemeral backend and the sample fallback.

func filterAnomalies(all []models.Anomaly, q models.AnomalyQuery) []models.Anomaly {
	q = q.Normalise()
	matched := make([]models.Anomaly, 0, len(all))
	for _, a := range all {
		if q.Matches(a) {
			matched = append(matched, a)
		}
	}
	slices.SortStableFunc(matched, func(a, b models.Anomaly) int {
		return b.Timestamp.Compare(a.Timestamp)
	})
	if q.Offset >= len(matched) {
		return []models.Anomaly{}
	}
	end := min(q.Offset+q.Limit, len(matched))
	out := make([]models.Anomaly, 0, end-q.Offset)
	for _, a := range matched[q.Offset:end] {
		out = append(out, a.Clone())
	}
	return out
}

// tallyDashboard counts records created at or before cutoff. A zero cutoff counts everything.
func tallyDashboard(anomalies []models.Anomaly, files []models.ProcessedFile, sessions []models.Session, cutoff time.Time) dashboardTally {
	within := func(t time.Time) bool { return cutoff.IsZero() || !t.After(cutoff) }
	var t dashboardTally
	for _, a := range anomalies {
		if within(a.Timestamp) {
			t.Anomalies++
		}
	}
	for _, s := range sessions {
		if within(s.StartTime) {
			t.Sessions++
		}
	}
	for _, f := range files {
		if within(f.UploadDate) {
			t.Files++
			if f.ProcessingStatus == models.ProcessingCompleted {
				t.CompletedFiles++
			}
		}
	}
	return t
}

func tallyDays(anomalies []models.Anomaly) map[string]int {
	counts := make(map[string]int)
	for _, a := range anomalies {
		counts[utils.DayKey(a.Timestamp)]++
	}
	return counts
}

func tallyHours(anomalies []models.Anomaly) map[hourKey]int {
	counts := make(map[hourKey]int)
	for _, a := range anomalies {
		counts[hourKey{Day: utils.DayKey(a.Timestamp), Hour: a.Timestamp.UTC().Hour()}]++
	}
	return counts
}

func tallyLabels(anomalies []models.Anomaly, label func(models.Anomaly) string, rank func(string) int) []labelCount {
	groups := make([]labelCount, 0)
	index := make(map[string]int)
	for _, a := range anomalies {
		l := label(a)
		if i, ok := index[l]; ok {
			groups[i].Count++
			continue
		}
		index[l] = len(groups)
		groups = append(groups, labelCount{Label: l, Count: 1, Rank: rank(l)})
	}
	return groups
}

func tallySources(anomalies []models.Anomaly) []sourceTally {
	tallies := make([]sourceTally, 0)
	index := make(map[string]int)
	for i, a := range anomalies {
		if j, ok := index[a.SourceFile]; ok {
			tallies[j].Count++
			continue
		}
		index[a.SourceFile] = len(tallies)
		tallies = append(tallies, sourceTally{Source: a.SourceFile, Count: 1, Order: int64(i)})
	}
	return tallies
}

func tallyHealth(anomalies []models.Anomaly, now time.Time) healthTally {
	recentFrom := now.Add(-changeWindow)
	priorFrom := now.Add(-2 * changeWindow)
	var t healthTally
	for _, a := range anomalies {
		t.Total++
		if a.Status == models.StatusResolved {
			t.Resolved++
		}
		if a.Severity != models.SeverityCritical {
			continue
		}
		t.Critical++
		switch {
		case !a.Timestamp.Before(recentFrom):
			t.CriticalRecent++
		case !a.Timestamp.Before(priorFrom):
			t.CriticalPrior++
		}
	}
	return t
}

func algorithmLabel(a models.Anomaly) string {
	if a.DetectionAlgorithm == nil || *a.DetectionAlgorithm == "" {
		return unknownAlgorithm
	}
	return *a.DetectionAlgorithm
}
