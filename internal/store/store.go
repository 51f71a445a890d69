package store

import (
	"context"

	"github.com/miradorstack/anomaly-hub/internal/models"
)

// Backend names reported by Store.Backend.
const (
	BackendMemory     = "memory"
	BackendClickHouse = "clickhouse"
)

// Store is the analytics capability set shared by the memory and columnar backends. Reads
// never fail: a backend that cannot serve a read returns sample data flagged as degraded.
// Writes return an error when they cannot be applied.
type Store interface {
	Backend() string

	ListAnomalies(ctx context.Context, q models.AnomalyQuery) models.View[[]models.Anomaly]
	GetAnomaly(ctx context.Context, id string) (models.View[models.Anomaly], bool)
	CreateAnomaly(ctx context.Context, draft models.AnomalyDraft) (models.Anomaly, error)
	SetAnomalyStatus(ctx context.Context, id string, status models.Status) (models.Anomaly, bool, error)
	SetRecommendation(ctx context.Context, id, text string) error

	DashboardMetrics(ctx context.Context) models.View[models.DashboardMetrics]
	DashboardMetricsWithChanges(ctx context.Context) models.View[models.DashboardMetricsWithChanges]
	AnomalyTrends(ctx context.Context, days int) models.View[[]models.TrendPoint]
	AnomalyTypeBreakdown(ctx context.Context) models.View[[]models.Breakdown]
	SeverityBreakdown(ctx context.Context) models.View[[]models.Breakdown]
	HourlyHeatmap(ctx context.Context, days int) models.View[[]models.HeatmapCell]
	TopAffectedSources(ctx context.Context, limit int) models.View[[]models.SourceCount]
	NetworkHealthScore(ctx context.Context) models.View[models.NetworkHealth]
	AlgorithmPerformance(ctx context.Context) models.View[[]models.AlgorithmShare]

	ListFiles(ctx context.Context, limit, offset int) models.View[[]models.ProcessedFile]
	GetFile(ctx context.Context, id string) (models.View[models.ProcessedFile], bool)
	CreateFile(ctx context.Context, draft models.FileDraft) (models.ProcessedFile, error)
	UpdateFile(ctx context.Context, id string, update models.FileUpdate) (models.ProcessedFile, bool, error)

	ListSessions(ctx context.Context, limit, offset int) models.View[[]models.Session]
	GetSession(ctx context.Context, id string) (models.View[models.Session], bool)
	CreateSession(ctx context.Context, draft models.SessionDraft) (models.Session, error)
	CloseSession(ctx context.Context, id string, final models.SessionClose) (models.Session, bool, error)

	RecordMetric(ctx context.Context, draft models.MetricDraft) (models.Metric, error)
	ListMetrics(ctx context.Context, category string, limit int) models.View[[]models.Metric]

	Ping(ctx context.Context) error
	Inventory(ctx context.Context) (models.Inventory, error)
	Close() error
}
