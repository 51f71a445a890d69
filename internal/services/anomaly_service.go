package services

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/miradorstack/anomaly-hub/internal/explain"
	"github.com/miradorstack/anomaly-hub/internal/models"
	"github.com/miradorstack/anomaly-hub/internal/store"
	"github.com/miradorstack/anomaly-hub/internal/utils"
)

// AnomalyService is the facade the HTTP API uses over the analytics store and the
// explanation synthesizer.
type AnomalyService struct {
	logger    *slog.Logger
	store     store.Store
	latencies *utils.LatencyTracker
}

// NewAnomalyService constructs the service facade.
func NewAnomalyService(logger *slog.Logger, s store.Store) *AnomalyService {
	if logger == nil {
		logger = slog.Default()
	}
	return &AnomalyService{
		logger:    logger,
		store:     s,
		latencies: utils.NewLatencyTracker(1024),
	}
}

// Backend names the store serving requests.
func (s *AnomalyService) Backend() string { return s.store.Backend() }

// ListAnomalies returns one page of anomalies, newest first.
func (s *AnomalyService) ListAnomalies(ctx context.Context, q models.AnomalyQuery) (models.View[[]models.Anomaly], error) {
	if q.Type != "" && !q.Type.Valid() {
		return models.View[[]models.Anomaly]{}, utils.KindError(utils.ErrMalformedRequest, "service.ListAnomalies", fmt.Sprintf("unknown anomaly type %q", q.Type), nil)
	}
	if q.Severity != "" && !q.Severity.Valid() {
		return models.View[[]models.Anomaly]{}, utils.KindError(utils.ErrMalformedRequest, "service.ListAnomalies", fmt.Sprintf("unknown severity %q", q.Severity), nil)
	}
	defer s.observe(time.Now())
	return s.store.ListAnomalies(ctx, q.Normalise()), nil
}

// GetAnomaly returns the anomaly with id or an ErrNotFound error.
func (s *AnomalyService) GetAnomaly(ctx context.Context, id string) (models.View[models.Anomaly], error) {
	defer s.observe(time.Now())
	view, ok := s.store.GetAnomaly(ctx, id)
	if !ok {
		return view, notFound("service.GetAnomaly", "anomaly", id)
	}
	return view, nil
}

// CreateAnomaly ingests a new anomaly.
func (s *AnomalyService) CreateAnomaly(ctx context.Context, draft models.AnomalyDraft) (models.Anomaly, error) {
	a, err := s.store.CreateAnomaly(ctx, draft)
	if err != nil {
		s.logger.Error("create anomaly failed", slog.Any("error", err))
		return models.Anomaly{}, err
	}
	s.logger.Info("anomaly ingested", slog.String("id", a.ID), slog.String("type", string(a.Type)), slog.String("severity", string(a.Severity)))
	return a, nil
}

// UpdateAnomalyStatus moves an anomaly through its lifecycle.
func (s *AnomalyService) UpdateAnomalyStatus(ctx context.Context, id string, status models.Status) (models.Anomaly, error) {
	if !status.Valid() {
		return models.Anomaly{}, utils.KindError(utils.ErrMalformedRequest, "service.UpdateAnomalyStatus", fmt.Sprintf("unknown status %q", status), nil)
	}
	a, ok, err := s.store.SetAnomalyStatus(ctx, id, status)
	if err != nil {
		return models.Anomaly{}, err
	}
	if !ok {
		return models.Anomaly{}, notFound("service.UpdateAnomalyStatus", "anomaly", id)
	}
	return a, nil
}

// ExplainAnomaly synthesizes the detector evidence recorded for an anomaly.
func (s *AnomalyService) ExplainAnomaly(ctx context.Context, id string) (models.View[explain.Explanation], error) {
	view, err := s.GetAnomaly(ctx, id)
	if err != nil {
		return models.View[explain.Explanation]{}, err
	}
	var detection models.DetectionContext
	if view.Data.Context != nil {
		detection = *view.Data.Context
	}
	return models.View[explain.Explanation]{Data: explain.Synthesize(detection), Degraded: view.Degraded}, nil
}

// DashboardMetrics returns the headline counters.
func (s *AnomalyService) DashboardMetrics(ctx context.Context) models.View[models.DashboardMetrics] {
	defer s.observe(time.Now())
	return s.store.DashboardMetrics(ctx)
}

// DashboardMetricsWithChanges returns the counters with their weekly deltas.
func (s *AnomalyService) DashboardMetricsWithChanges(ctx context.Context) models.View[models.DashboardMetricsWithChanges] {
	defer s.observe(time.Now())
	return s.store.DashboardMetricsWithChanges(ctx)
}

// AnomalyTrends returns daily counts over the trailing window.
func (s *AnomalyService) AnomalyTrends(ctx context.Context, days int) models.View[[]models.TrendPoint] {
	defer s.observe(time.Now())
	return s.store.AnomalyTrends(ctx, days)
}

// AnomalyTypeBreakdown returns the share of each category.
func (s *AnomalyService) AnomalyTypeBreakdown(ctx context.Context) models.View[[]models.Breakdown] {
	defer s.observe(time.Now())
	return s.store.AnomalyTypeBreakdown(ctx)
}

// SeverityBreakdown returns the share of each severity.
func (s *AnomalyService) SeverityBreakdown(ctx context.Context) models.View[[]models.Breakdown] {
	defer s.observe(time.Now())
	return s.store.SeverityBreakdown(ctx)
}

// HourlyHeatmap returns per-hour counts over the trailing window.
func (s *AnomalyService) HourlyHeatmap(ctx context.Context, days int) models.View[[]models.HeatmapCell] {
	defer s.observe(time.Now())
	return s.store.HourlyHeatmap(ctx, days)
}

// TopAffectedSources returns the noisiest source files.
func (s *AnomalyService) TopAffectedSources(ctx context.Context, limit int) models.View[[]models.SourceCount] {
	defer s.observe(time.Now())
	return s.store.TopAffectedSources(ctx, limit)
}

// NetworkHealthScore returns the composite health score.
func (s *AnomalyService) NetworkHealthScore(ctx context.Context) models.View[models.NetworkHealth] {
	defer s.observe(time.Now())
	return s.store.NetworkHealthScore(ctx)
}

// AlgorithmPerformance returns the share of anomalies per detection algorithm.
func (s *AnomalyService) AlgorithmPerformance(ctx context.Context) models.View[[]models.AlgorithmShare] {
	defer s.observe(time.Now())
	return s.store.AlgorithmPerformance(ctx)
}

// ListFiles returns processed files, newest upload first.
func (s *AnomalyService) ListFiles(ctx context.Context, limit, offset int) models.View[[]models.ProcessedFile] {
	return s.store.ListFiles(ctx, limit, offset)
}

// GetFile returns the file with id or an ErrNotFound error.
func (s *AnomalyService) GetFile(ctx context.Context, id string) (models.View[models.ProcessedFile], error) {
	view, ok := s.store.GetFile(ctx, id)
	if !ok {
		return view, notFound("service.GetFile", "file", id)
	}
	return view, nil
}

// RegisterFile records a newly uploaded file as pending.
func (s *AnomalyService) RegisterFile(ctx context.Context, draft models.FileDraft) (models.ProcessedFile, error) {
	f, err := s.store.CreateFile(ctx, draft)
	if err != nil {
		return models.ProcessedFile{}, err
	}
	s.logger.Info("file registered", slog.String("id", f.ID), slog.String("filename", f.Filename))
	return f, nil
}

// UpdateFile advances a file's processing state.
func (s *AnomalyService) UpdateFile(ctx context.Context, id string, update models.FileUpdate) (models.ProcessedFile, error) {
	f, ok, err := s.store.UpdateFile(ctx, id, update)
	if err != nil {
		return models.ProcessedFile{}, err
	}
	if !ok {
		return models.ProcessedFile{}, notFound("service.UpdateFile", "file", id)
	}
	return f, nil
}

// ListSessions returns analysis sessions, newest first.
func (s *AnomalyService) ListSessions(ctx context.Context, limit, offset int) models.View[[]models.Session] {
	return s.store.ListSessions(ctx, limit, offset)
}

// GetSession returns the session with id or an ErrNotFound error.
func (s *AnomalyService) GetSession(ctx context.Context, id string) (models.View[models.Session], error) {
	view, ok := s.store.GetSession(ctx, id)
	if !ok {
		return view, notFound("service.GetSession", "session", id)
	}
	return view, nil
}

// OpenSession starts a new analysis session.
func (s *AnomalyService) OpenSession(ctx context.Context, draft models.SessionDraft) (models.Session, error) {
	return s.store.CreateSession(ctx, draft)
}

// CloseSession completes a session with its final counters.
func (s *AnomalyService) CloseSession(ctx context.Context, id string, final models.SessionClose) (models.Session, error) {
	sess, ok, err := s.store.CloseSession(ctx, id, final)
	if err != nil {
		return models.Session{}, err
	}
	if !ok {
		return models.Session{}, notFound("service.CloseSession", "session", id)
	}
	return sess, nil
}

// RecordMetric appends a measurement.
func (s *AnomalyService) RecordMetric(ctx context.Context, draft models.MetricDraft) (models.Metric, error) {
	return s.store.RecordMetric(ctx, draft)
}

// ListMetrics returns recent measurements, optionally for one category.
func (s *AnomalyService) ListMetrics(ctx context.Context, category string, limit int) models.View[[]models.Metric] {
	return s.store.ListMetrics(ctx, category, limit)
}

// LatencyP95 returns the current p95 read latency.
func (s *AnomalyService) LatencyP95() time.Duration {
	if s.latencies == nil {
		return 0
	}
	return s.latencies.Percentile(95)
}

func (s *AnomalyService) observe(start time.Time) {
	s.latencies.Observe(time.Since(start))
	if count := s.latencies.Count(); count >= 100 && count%100 == 0 {
		s.logger.Debug("analytics read latency", slog.Duration("p95", s.latencies.Percentile(95)), slog.Int("samples", count))
	}
}

func notFound(op, entity, id string) error {
	return utils.KindError(utils.ErrNotFound, op, fmt.Sprintf("%s %s not found", entity, id), nil)
}
