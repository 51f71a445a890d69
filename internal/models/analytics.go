package models

// View wraps a read result with the provenance of the data that served it. Degraded is true
// when the data came from the sample dataset instead of the live backend.
type View[T any] struct {
	Data     T    `json:"data"`
	Degraded bool `json:"degraded"`
}

// Live wraps data served by the backend.
func Live[T any](data T) View[T] { return View[T]{Data: data} }

// Fallback wraps data served from the sample dataset.
func Fallback[T any](data T) View[T] { return View[T]{Data: data, Degraded: true} }

// DashboardMetrics are the headline counters of the operator dashboard.
type DashboardMetrics struct {
	TotalAnomalies   int     `json:"totalAnomalies"`
	SessionsAnalyzed int     `json:"sessionsAnalyzed"`
	DetectionRate    float64 `json:"detectionRate"`
	FilesProcessed   int     `json:"filesProcessed"`
}

// MetricChanges holds the percentage delta of each dashboard counter over the previous week.
type MetricChanges struct {
	TotalAnomalies   float64 `json:"totalAnomalies"`
	SessionsAnalyzed float64 `json:"sessionsAnalyzed"`
	DetectionRate    float64 `json:"detectionRate"`
	FilesProcessed   float64 `json:"filesProcessed"`
}

// DashboardMetricsWithChanges pairs the current counters with their weekly deltas.
type DashboardMetricsWithChanges struct {
	DashboardMetrics
	Changes MetricChanges `json:"changes"`
}

// TrendPoint is the anomaly count for one calendar day (YYYY-MM-DD, UTC).
type TrendPoint struct {
	Date  string `json:"date"`
	Count int    `json:"count"`
}

// Breakdown is a labelled share of the anomaly set.
type Breakdown struct {
	Label      string  `json:"label"`
	Count      int     `json:"count"`
	Percentage float64 `json:"percentage"`
}

// HeatmapCell is the anomaly count for one hour of one day.
type HeatmapCell struct {
	Hour  int    `json:"hour"`
	Day   string `json:"day"`
	Date  string `json:"date"`
	Count int    `json:"count"`
}

// SourceCount is the number of anomalies attributed to a source file.
type SourceCount struct {
	Source string `json:"source"`
	Count  int    `json:"count"`
}

// Health status labels.
const (
	HealthHealthy  = "healthy"
	HealthWarning  = "warning"
	HealthCritical = "critical"
)

// Health trend labels.
const (
	TrendImproving = "improving"
	TrendStable    = "stable"
	TrendDeclining = "declining"
)

// NetworkHealth is the composite health score and the inputs it was derived from.
type NetworkHealth struct {
	Score   int           `json:"score"`
	Status  string        `json:"status"`
	Trend   string        `json:"trend"`
	Factors HealthFactors `json:"factors"`
}

// HealthFactors exposes the rates behind a health score.
type HealthFactors struct {
	CriticalRate   float64 `json:"criticalRate"`
	ResolutionRate float64 `json:"resolutionRate"`
	TotalAnomalies int     `json:"totalAnomalies"`
	CriticalCount  int     `json:"criticalCount"`
	ResolvedCount  int     `json:"resolvedCount"`
}

// AlgorithmShare is the number and share of anomalies attributed to a detection algorithm.
type AlgorithmShare struct {
	Algorithm  string  `json:"algorithm"`
	Count      int     `json:"count"`
	Percentage float64 `json:"percentage"`
}

// Inventory summarises how many records a backend currently holds.
type Inventory struct {
	Backend   string `json:"backend"`
	Anomalies int    `json:"anomalies"`
	Files     int    `json:"files"`
	Sessions  int    `json:"sessions"`
	Metrics   int    `json:"metrics"`
}
