package store

import (
	"context"
	"fmt"
	"log/slog"
	"slices"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/miradorstack/anomaly-hub/internal/models"
	"github.com/miradorstack/anomaly-hub/internal/utils"
)

// Ephemeral is the process-local backend. Records live in insertion order so tie-breaking in
// aggregate views follows the order in which anomalies were added.
type Ephemeral struct {
	mu        sync.RWMutex
	anomalies []models.Anomaly
	index     map[string]int
	files     []models.ProcessedFile
	sessions  []models.Session
	metrics   []models.Metric

	now    func() time.Time
	newID  func() string
	logger *slog.Logger
}

// EphemeralOption customises an Ephemeral store.
type EphemeralOption func(*Ephemeral)

// WithClock overrides the time source.
func WithClock(now func() time.Time) EphemeralOption {
	return func(e *Ephemeral) { e.now = now }
}

// WithIDGenerator overrides identifier generation.
func WithIDGenerator(newID func() string) EphemeralOption {
	return func(e *Ephemeral) { e.newID = newID }
}

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) EphemeralOption {
	return func(e *Ephemeral) { e.logger = logger }
}

// WithDataset seeds the store with ds.
func WithDataset(ds Dataset) EphemeralOption {
	return func(e *Ephemeral) { e.load(ds) }
}

// NewEphemeral builds an empty memory store and applies opts.
func NewEphemeral(opts ...EphemeralOption) *Ephemeral {
	e := &Ephemeral{
		index:  make(map[string]int),
		now:    time.Now,
		newID:  uuid.NewString,
		logger: slog.Default(),
	}
	for _, opt := range opts {
		opt(e)
	}
	if e.logger == nil {
		e.logger = slog.Default()
	}
	return e
}

func (e *Ephemeral) load(ds Dataset) {
	for _, a := range ds.Anomalies {
		e.index[a.ID] = len(e.anomalies)
		e.anomalies = append(e.anomalies, a.Clone())
	}
	e.files = append(e.files, ds.Files...)
	e.sessions = append(e.sessions, ds.Sessions...)
	e.metrics = append(e.metrics, ds.Metrics...)
}

// Backend reports the backend name.
func (e *Ephemeral) Backend() string { return BackendMemory }

// ListAnomalies returns a newest-first page of anomalies matching q.
func (e *Ephemeral) ListAnomalies(_ context.Context, q models.AnomalyQuery) models.View[[]models.Anomaly] {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return models.Live(filterAnomalies(e.anomalies, q))
}

// GetAnomaly looks up an anomaly by id.
func (e *Ephemeral) GetAnomaly(_ context.Context, id string) (models.View[models.Anomaly], bool) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	i, ok := e.index[id]
	if !ok {
		return models.View[models.Anomaly]{}, false
	}
	return models.Live(e.anomalies[i].Clone()), true
}

// CreateAnomaly validates draft and appends the resulting anomaly.
func (e *Ephemeral) CreateAnomaly(_ context.Context, draft models.AnomalyDraft) (models.Anomaly, error) {
	if err := draft.Validate(); err != nil {
		return models.Anomaly{}, utils.KindError(utils.ErrMalformedRequest, "memory.CreateAnomaly", err.Error(), err)
	}
	e.mu.Lock()
	defer e.mu.Unlock()

	id := draft.ID
	if id == "" {
		id = e.newID()
	}
	if _, exists := e.index[id]; exists {
		return models.Anomaly{}, utils.KindError(utils.ErrMalformedRequest, "memory.CreateAnomaly", fmt.Sprintf("anomaly %s already exists", id), nil)
	}
	a := draft.Build(id, e.now())
	e.index[id] = len(e.anomalies)
	e.anomalies = append(e.anomalies, a)
	e.logger.Debug("anomaly created", slog.String("id", id), slog.String("type", string(a.Type)), slog.String("severity", string(a.Severity)))
	return a.Clone(), nil
}

// SetAnomalyStatus applies a monotonic lifecycle transition.
func (e *Ephemeral) SetAnomalyStatus(_ context.Context, id string, status models.Status) (models.Anomaly, bool, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	i, ok := e.index[id]
	if !ok {
		return models.Anomaly{}, false, nil
	}
	current := e.anomalies[i].Status
	if !current.CanTransition(status) {
		return models.Anomaly{}, true, utils.KindError(utils.ErrInvalidTransition, "memory.SetAnomalyStatus",
			fmt.Sprintf("cannot move anomaly %s from %s to %s", id, current, status), nil)
	}
	e.anomalies[i].Status = status
	return e.anomalies[i].Clone(), true, nil
}

// SetRecommendation stores the recommendation text produced for an anomaly.
func (e *Ephemeral) SetRecommendation(_ context.Context, id, text string) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	i, ok := e.index[id]
	if !ok {
		return utils.KindError(utils.ErrNotFound, "memory.SetRecommendation", fmt.Sprintf("anomaly %s not found", id), nil)
	}
	e.anomalies[i].Recommendation = &text
	return nil
}

// DashboardMetrics returns the headline counters.
func (e *Ephemeral) DashboardMetrics(_ context.Context) models.View[models.DashboardMetrics] {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return models.Live(dashboardFrom(tallyDashboard(e.anomalies, e.files, e.sessions, time.Time{})))
}

// DashboardMetricsWithChanges compares the counters with their values one week ago.
func (e *Ephemeral) DashboardMetricsWithChanges(_ context.Context) models.View[models.DashboardMetricsWithChanges] {
	e.mu.RLock()
	defer e.mu.RUnlock()
	current := dashboardFrom(tallyDashboard(e.anomalies, e.files, e.sessions, time.Time{}))
	previous := dashboardFrom(tallyDashboard(e.anomalies, e.files, e.sessions, e.now().Add(-changeWindow)))
	return models.Live(changesFrom(current, previous))
}

// AnomalyTrends returns zero-filled daily counts over the trailing days.
func (e *Ephemeral) AnomalyTrends(_ context.Context, days int) models.View[[]models.TrendPoint] {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return models.Live(trendFrom(e.now(), days, tallyDays(e.anomalies)))
}

// AnomalyTypeBreakdown returns the share of each category.
func (e *Ephemeral) AnomalyTypeBreakdown(_ context.Context) models.View[[]models.Breakdown] {
	e.mu.RLock()
	defer e.mu.RUnlock()
	groups := tallyLabels(e.anomalies, func(a models.Anomaly) string { return string(a.Type) }, typeRank)
	return models.Live(breakdownFrom(groups))
}

// SeverityBreakdown returns the share of each severity.
func (e *Ephemeral) SeverityBreakdown(_ context.Context) models.View[[]models.Breakdown] {
	e.mu.RLock()
	defer e.mu.RUnlock()
	groups := tallyLabels(e.anomalies, func(a models.Anomaly) string { return string(a.Severity) }, severityRank)
	return models.Live(breakdownFrom(groups))
}

// HourlyHeatmap returns zero-filled hourly counts over the trailing days.
func (e *Ephemeral) HourlyHeatmap(_ context.Context, days int) models.View[[]models.HeatmapCell] {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return models.Live(heatmapFrom(e.now(), days, tallyHours(e.anomalies)))
}

// TopAffectedSources returns the sources with the most anomalies.
func (e *Ephemeral) TopAffectedSources(_ context.Context, limit int) models.View[[]models.SourceCount] {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return models.Live(topSourcesFrom(tallySources(e.anomalies), limit))
}

// NetworkHealthScore returns the composite health score.
func (e *Ephemeral) NetworkHealthScore(_ context.Context) models.View[models.NetworkHealth] {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return models.Live(healthFrom(tallyHealth(e.anomalies, e.now())))
}

// AlgorithmPerformance returns the share of anomalies per detection algorithm.
func (e *Ephemeral) AlgorithmPerformance(_ context.Context) models.View[[]models.AlgorithmShare] {
	e.mu.RLock()
	defer e.mu.RUnlock()
	groups := tallyLabels(e.anomalies, algorithmLabel, func(string) int { return 0 })
	return models.Live(algorithmSharesFrom(groups))
}

// ListFiles returns files, most recently uploaded first.
func (e *Ephemeral) ListFiles(_ context.Context, limit, offset int) models.View[[]models.ProcessedFile] {
	e.mu.RLock()
	defer e.mu.RUnlock()
	sorted := slices.Clone(e.files)
	slices.SortStableFunc(sorted, func(a, b models.ProcessedFile) int { return b.UploadDate.Compare(a.UploadDate) })
	return models.Live(page(sorted, limit, offset))
}

// GetFile looks up a file by id.
func (e *Ephemeral) GetFile(_ context.Context, id string) (models.View[models.ProcessedFile], bool) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	for _, f := range e.files {
		if f.ID == id {
			return models.Live(f), true
		}
	}
	return models.View[models.ProcessedFile]{}, false
}

// CreateFile registers a newly ingested file in pending state.
func (e *Ephemeral) CreateFile(_ context.Context, draft models.FileDraft) (models.ProcessedFile, error) {
	if err := draft.Validate(); err != nil {
		return models.ProcessedFile{}, utils.KindError(utils.ErrMalformedRequest, "memory.CreateFile", err.Error(), err)
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	f := models.ProcessedFile{
		ID:               e.newID(),
		Filename:         draft.Filename,
		FileType:         draft.FileType,
		FileSize:         draft.FileSize,
		UploadDate:       e.now().UTC(),
		ProcessingStatus: models.ProcessingPending,
		SessionID:        draft.SessionID,
	}
	e.files = append(e.files, f)
	return f, nil
}

// UpdateFile advances a file's processing state. Terminal files are immutable.
func (e *Ephemeral) UpdateFile(_ context.Context, id string, update models.FileUpdate) (models.ProcessedFile, bool, error) {
	if err := update.Validate(); err != nil {
		return models.ProcessedFile{}, false, utils.KindError(utils.ErrMalformedRequest, "memory.UpdateFile", err.Error(), err)
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	for i, f := range e.files {
		if f.ID != id {
			continue
		}
		updated, ok := update.Apply(f)
		if !ok {
			return f, true, utils.KindError(utils.ErrInvalidTransition, "memory.UpdateFile",
				fmt.Sprintf("cannot move file %s from %s to %s", id, f.ProcessingStatus, update.Status), nil)
		}
		e.files[i] = updated
		return updated, true, nil
	}
	return models.ProcessedFile{}, false, nil
}

// ListSessions returns sessions, most recent first.
func (e *Ephemeral) ListSessions(_ context.Context, limit, offset int) models.View[[]models.Session] {
	e.mu.RLock()
	defer e.mu.RUnlock()
	sorted := slices.Clone(e.sessions)
	slices.SortStableFunc(sorted, func(a, b models.Session) int { return b.StartTime.Compare(a.StartTime) })
	return models.Live(page(sorted, limit, offset))
}

// GetSession looks up a session by id.
func (e *Ephemeral) GetSession(_ context.Context, id string) (models.View[models.Session], bool) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	for _, s := range e.sessions {
		if s.ID == id {
			return models.Live(s), true
		}
	}
	return models.View[models.Session]{}, false
}

// CreateSession opens a new analysis session.
func (e *Ephemeral) CreateSession(_ context.Context, draft models.SessionDraft) (models.Session, error) {
	if err := draft.Validate(); err != nil {
		return models.Session{}, utils.KindError(utils.ErrMalformedRequest, "memory.CreateSession", err.Error(), err)
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	s := models.Session{
		ID:         e.newID(),
		Name:       draft.Name,
		StartTime:  e.now().UTC(),
		SourceFile: draft.SourceFile,
		Status:     models.SessionActive,
	}
	e.sessions = append(e.sessions, s)
	return s, nil
}

// CloseSession records final counters and the end time.
func (e *Ephemeral) CloseSession(_ context.Context, id string, final models.SessionClose) (models.Session, bool, error) {
	if err := final.Validate(); err != nil {
		return models.Session{}, false, utils.KindError(utils.ErrMalformedRequest, "memory.CloseSession", err.Error(), err)
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	for i, s := range e.sessions {
		if s.ID != id {
			continue
		}
		if s.Status == models.SessionCompleted {
			return s, true, utils.KindError(utils.ErrInvalidTransition, "memory.CloseSession", fmt.Sprintf("session %s already closed", id), nil)
		}
		end := e.now().UTC()
		s.EndTime = &end
		s.Status = models.SessionCompleted
		s.PacketsAnalyzed = final.PacketsAnalyzed
		s.AnomaliesDetected = final.AnomaliesDetected
		e.sessions[i] = s
		return s, true, nil
	}
	return models.Session{}, false, nil
}

// RecordMetric appends a measurement.
func (e *Ephemeral) RecordMetric(_ context.Context, draft models.MetricDraft) (models.Metric, error) {
	if err := draft.Validate(); err != nil {
		return models.Metric{}, utils.KindError(utils.ErrMalformedRequest, "memory.RecordMetric", err.Error(), err)
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	e.metrics = append(e.metrics, buildMetric(e.newID(), draft, e.now()))
	return e.metrics[len(e.metrics)-1], nil
}

// ListMetrics returns the newest measurements, optionally restricted to a category.
func (e *Ephemeral) ListMetrics(_ context.Context, category string, limit int) models.View[[]models.Metric] {
	e.mu.RLock()
	defer e.mu.RUnlock()
	matched := make([]models.Metric, 0, len(e.metrics))
	for _, m := range e.metrics {
		if category == "" || m.Category == category {
			matched = append(matched, m)
		}
	}
	slices.SortStableFunc(matched, func(a, b models.Metric) int { return b.Timestamp.Compare(a.Timestamp) })
	return models.Live(page(matched, limit, 0))
}

// Ping always succeeds.
func (e *Ephemeral) Ping(context.Context) error { return nil }

// Inventory counts the records held in memory.
func (e *Ephemeral) Inventory(context.Context) (models.Inventory, error) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return models.Inventory{
		Backend:   BackendMemory,
		Anomalies: len(e.anomalies),
		Files:     len(e.files),
		Sessions:  len(e.sessions),
		Metrics:   len(e.metrics),
	}, nil
}

// Close is a no-op.
func (e *Ephemeral) Close() error { return nil }

func buildMetric(id string, draft models.MetricDraft, now time.Time) models.Metric {
	ts := now.UTC()
	if draft.Timestamp != nil && !draft.Timestamp.IsZero() {
		ts = draft.Timestamp.UTC()
	}
	return models.Metric{
		ID:         id,
		Category:   draft.Category,
		Name:       draft.Name,
		Value:      draft.Value,
		Timestamp:  ts,
		SessionID:  draft.SessionID,
		SourceFile: draft.SourceFile,
	}
}

func page[T any](items []T, limit, offset int) []T {
	limit = normaliseLimit(limit, models.DefaultListLimit)
	offset = max(offset, 0)
	if offset >= len(items) {
		return []T{}
	}
	end := min(offset+limit, len(items))
	return slices.Clone(items[offset:end])
}

var _ Store = (*Ephemeral)(nil)
