package store

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/miradorstack/anomaly-hub/internal/cache"
	"github.com/miradorstack/anomaly-hub/internal/metrics"
	"github.com/miradorstack/anomaly-hub/internal/models"
	"github.com/miradorstack/anomaly-hub/internal/utils"
)

const anomalyColumns = "id, timestamp, anomaly_type, description, severity, source_file, packet_number, ue_id, " +
	"mac_address, details, status, recommendation, error_context, packet_context, confidence_score, " +
	"detection_algorithm, context"

const fileColumns = "id, filename, file_type, file_size, upload_date, processing_status, anomalies_found, " +
	"processing_time_ms, error_message, session_id"

const sessionColumns = "id, session_name, start_time, end_time, packets_analyzed, anomalies_detected, source_file, status"

const metricColumns = "id, category, metric_name, metric_value, timestamp, session_id, source_file"

// Columnar serves the Store from ClickHouse. Reads that fail are answered from the embedded
// sample dataset and flagged as degraded; writes that fail return ErrBackendUnavailable.
type Columnar struct {
	conn         Conn
	db           string
	queryTimeout time.Duration

	sample *Ephemeral

	cache      cache.Provider
	cacheTTL   time.Duration
	generation atomic.Uint64

	now    func() time.Time
	newID  func() string
	logger *slog.Logger
}

// ColumnarOptions configures a Columnar store.
type ColumnarOptions struct {
	Database     string
	QueryTimeout time.Duration
	Cache        cache.Provider
	CacheTTL     time.Duration
	Now          func() time.Time
	NewID        func() string
	Logger       *slog.Logger
}

// NewColumnar wraps conn. The sample fallback dataset is materialised relative to the clock at
// construction time.
func NewColumnar(conn Conn, opts ColumnarOptions) (*Columnar, error) {
	if conn == nil {
		return nil, fmt.Errorf("columnar store requires a connection")
	}
	if opts.Database == "" {
		opts.Database = "l1_anomaly_detection"
	}
	if opts.QueryTimeout <= 0 {
		opts.QueryTimeout = 10 * time.Second
	}
	if opts.Cache == nil {
		opts.Cache = cache.NoopProvider{}
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	if opts.NewID == nil {
		opts.NewID = uuid.NewString
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}

	ds, err := SampleDataset(opts.Now())
	if err != nil {
		return nil, err
	}
	return &Columnar{
		conn:         conn,
		db:           opts.Database,
		queryTimeout: opts.QueryTimeout,
		sample:       NewEphemeral(WithClock(opts.Now), WithLogger(opts.Logger), WithDataset(ds)),
		cache:        opts.Cache,
		cacheTTL:     opts.CacheTTL,
		now:          opts.Now,
		newID:        opts.NewID,
		logger:       opts.Logger,
	}, nil
}

// Backend reports the backend name.
func (c *Columnar) Backend() string { return BackendClickHouse }

func (c *Columnar) table(name string) string { return c.db + "." + name }

// read runs load under the query timeout and records its outcome. A non-empty key caches the
// result until the next write bumps the generation.
func read[T any](ctx context.Context, c *Columnar, op, key string, load func(context.Context) (T, error)) (T, error) {
	cacheable := key != "" && c.cacheTTL > 0
	cacheKey := fmt.Sprintf("agg:%d:%s", c.generation.Load(), key)
	if cacheable {
		var cached T
		if err := cache.GetJSON(ctx, c.cache, cacheKey, &cached); err == nil {
			metrics.ObserveCacheLookup(true)
			return cached, nil
		}
		metrics.ObserveCacheLookup(false)
	}

	qctx, cancel := context.WithTimeout(ctx, c.queryTimeout)
	defer cancel()
	start := time.Now()
	data, err := load(qctx)
	outcome := metrics.OutcomeSuccess
	if err != nil {
		outcome = metrics.OutcomeError
	}
	metrics.ObserveStoreQuery(BackendClickHouse, op, time.Since(start), outcome)
	if err != nil {
		return data, err
	}

	if cacheable {
		if err := cache.SetJSON(ctx, c.cache, cacheKey, data, c.cacheTTL); err != nil {
			c.logger.Debug("aggregate cache write failed", slog.String("op", op), slog.Any("error", err))
		}
	}
	return data, nil
}

func (c *Columnar) fallback(op string, err error) {
	metrics.ObserveFallback(op)
	c.logger.Warn("columnar read failed, serving sample data", slog.String("op", op), slog.Any("error", err))
}

// exec applies a write and invalidates cached aggregates.
func (c *Columnar) exec(ctx context.Context, op, query string, args ...any) error {
	qctx, cancel := context.WithTimeout(ctx, c.queryTimeout)
	defer cancel()
	start := time.Now()
	err := c.conn.Exec(qctx, query, args...)
	outcome := metrics.OutcomeSuccess
	if err != nil {
		outcome = metrics.OutcomeError
	}
	metrics.ObserveStoreQuery(BackendClickHouse, op, time.Since(start), outcome)
	if err != nil {
		c.logger.Error("columnar write failed", slog.String("op", op), slog.String("query", compact(query)), slog.Any("error", err))
		return utils.KindError(utils.ErrBackendUnavailable, "clickhouse."+op, "analytics store unavailable", err)
	}
	c.generation.Add(1)
	return nil
}

// scan iterates the rows of query, calling each for every row.
func (c *Columnar) scan(ctx context.Context, query string, args []any, each func(Rows) error) error {
	rows, err := c.conn.Query(ctx, query, args...)
	if err != nil {
		return fmt.Errorf("query %q: %w", compact(query), err)
	}
	defer rows.Close()
	for rows.Next() {
		if err := each(rows); err != nil {
			return fmt.Errorf("scan %q: %w", compact(query), err)
		}
	}
	if err := rows.Err(); err != nil {
		return fmt.Errorf("query %q: %w", compact(query), err)
	}
	return nil
}

func (c *Columnar) count(ctx context.Context, query string, args ...any) (int, error) {
	var n uint64
	err := c.scan(ctx, query, args, func(r Rows) error { return r.Scan(&n) })
	return int(n), err
}

func compact(query string) string {
	return strings.Join(strings.Fields(query), " ")
}

// ListAnomalies returns a newest-first page of anomalies matching q.
func (c *Columnar) ListAnomalies(ctx context.Context, q models.AnomalyQuery) models.View[[]models.Anomaly] {
	q = q.Normalise()
	list, err := read(ctx, c, "list_anomalies", "", func(ctx context.Context) ([]models.Anomaly, error) {
		var (
			where []string
			args  []any
		)
		if q.Type != "" {
			where = append(where, "anomaly_type = ?")
			args = append(args, string(q.Type))
		}
		if q.Severity != "" {
			where = append(where, "severity = ?")
			args = append(args, string(q.Severity))
		}
		query := "SELECT " + anomalyColumns + " FROM " + c.table("anomalies")
		if len(where) > 0 {
			query += " WHERE " + strings.Join(where, " AND ")
		}
		query += " ORDER BY timestamp DESC LIMIT ? OFFSET ?"
		args = append(args, q.Limit, q.Offset)
		return c.queryAnomalies(ctx, query, args...)
	})
	if err != nil {
		c.fallback("list_anomalies", err)
		return models.Fallback(c.sample.ListAnomalies(ctx, q).Data)
	}
	return models.Live(list)
}

// GetAnomaly looks up an anomaly by id.
func (c *Columnar) GetAnomaly(ctx context.Context, id string) (models.View[models.Anomaly], bool) {
	found, err := read(ctx, c, "get_anomaly", "", func(ctx context.Context) ([]models.Anomaly, error) {
		return c.lookupAnomaly(ctx, id)
	})
	if err != nil {
		c.fallback("get_anomaly", err)
		view, ok := c.sample.GetAnomaly(ctx, id)
		return models.Fallback(view.Data), ok
	}
	if len(found) == 0 {
		return models.View[models.Anomaly]{}, false
	}
	return models.Live(found[0]), true
}

func (c *Columnar) lookupAnomaly(ctx context.Context, id string) ([]models.Anomaly, error) {
	query := "SELECT " + anomalyColumns + " FROM " + c.table("anomalies") + " WHERE id = ? LIMIT 1"
	return c.queryAnomalies(ctx, query, id)
}

// liveAnomaly reads an anomaly for a write path, where failures must surface.
func (c *Columnar) liveAnomaly(ctx context.Context, op, id string) (models.Anomaly, bool, error) {
	found, err := read(ctx, c, op, "", func(ctx context.Context) ([]models.Anomaly, error) {
		return c.lookupAnomaly(ctx, id)
	})
	if err != nil {
		return models.Anomaly{}, false, utils.KindError(utils.ErrBackendUnavailable, "clickhouse."+op, "analytics store unavailable", err)
	}
	if len(found) == 0 {
		return models.Anomaly{}, false, nil
	}
	return found[0], true, nil
}

func (c *Columnar) queryAnomalies(ctx context.Context, query string, args ...any) ([]models.Anomaly, error) {
	out := make([]models.Anomaly, 0)
	err := c.scan(ctx, query, args, func(r Rows) error {
		a, err := c.scanAnomaly(r)
		if err != nil {
			return err
		}
		out = append(out, a)
		return nil
	})
	return out, err
}

func (c *Columnar) scanAnomaly(r Rows) (models.Anomaly, error) {
	var a models.Anomaly
	var typ, severity, status, details, detectionContext string
	err := r.Scan(&a.ID, &a.Timestamp, &typ, &a.Description, &severity, &a.SourceFile, &a.PacketNumber,
		&a.UEID, &a.MACAddress, &details, &status, &a.Recommendation, &a.ErrorContext, &a.PacketContext,
		&a.ConfidenceScore, &a.DetectionAlgorithm, &detectionContext)
	if err != nil {
		return models.Anomaly{}, err
	}
	a.Timestamp = a.Timestamp.UTC()
	a.Type = c.anomalyType(a.ID, typ)
	a.Severity = c.severity(a.ID, severity)
	a.Status = c.status(a.ID, status)

	if details != "" && details != "{}" {
		if err := json.Unmarshal([]byte(details), &a.Details); err != nil {
			c.logger.Warn("dropping unreadable anomaly details", slog.String("id", a.ID), slog.Any("error", err))
			a.Details = nil
		}
	}
	if detectionContext != "" {
		var dc models.DetectionContext
		switch err := json.Unmarshal([]byte(detectionContext), &dc); {
		case err != nil:
			c.logger.Warn("dropping unreadable detection context", slog.String("id", a.ID), slog.Any("error", err))
		case dc.Validate() != nil:
			c.logger.Warn("dropping invalid detection context", slog.String("id", a.ID), slog.Any("error", dc.Validate()))
		default:
			a.Context = &dc
		}
	}
	return a, nil
}

func (c *Columnar) anomalyType(id, raw string) models.AnomalyType {
	t := models.AnomalyType(raw)
	if t.Valid() {
		return t
	}
	c.logger.Warn("unknown anomaly type in store", slog.String("id", id), slog.String("value", raw))
	return models.AnomalyTypeProtocol
}

func (c *Columnar) severity(id, raw string) models.Severity {
	s := models.Severity(strings.ToLower(raw))
	if s.Valid() {
		return s
	}
	c.logger.Warn("unknown severity in store", slog.String("id", id), slog.String("value", raw))
	return models.SeverityLow
}

func (c *Columnar) status(id, raw string) models.Status {
	s := models.Status(raw)
	if s.Valid() {
		return s
	}
	// Older rows record open anomalies as "active".
	if raw != "active" {
		c.logger.Warn("unknown anomaly status in store", slog.String("id", id), slog.String("value", raw))
	}
	return models.StatusOpen
}

// CreateAnomaly validates draft and inserts the resulting anomaly.
func (c *Columnar) CreateAnomaly(ctx context.Context, draft models.AnomalyDraft) (models.Anomaly, error) {
	if err := draft.Validate(); err != nil {
		return models.Anomaly{}, utils.KindError(utils.ErrMalformedRequest, "clickhouse.CreateAnomaly", err.Error(), err)
	}
	id := draft.ID
	if id == "" {
		id = c.newID()
	} else {
		_, exists, err := c.liveAnomaly(ctx, "create_anomaly", id)
		if err != nil {
			return models.Anomaly{}, err
		}
		if exists {
			return models.Anomaly{}, utils.KindError(utils.ErrMalformedRequest, "clickhouse.CreateAnomaly", fmt.Sprintf("anomaly %s already exists", id), nil)
		}
	}
	a := draft.Build(id, c.now())

	details := "{}"
	if a.Details != nil {
		raw, err := json.Marshal(a.Details)
		if err != nil {
			return models.Anomaly{}, utils.KindError(utils.ErrMalformedRequest, "clickhouse.CreateAnomaly", "details are not serialisable", err)
		}
		details = string(raw)
	}
	detectionContext := ""
	if a.Context != nil {
		raw, err := json.Marshal(a.Context)
		if err != nil {
			return models.Anomaly{}, utils.KindError(utils.ErrMalformedRequest, "clickhouse.CreateAnomaly", "context is not serialisable", err)
		}
		detectionContext = string(raw)
	}

	query := "INSERT INTO " + c.table("anomalies") + " (" + anomalyColumns + ") VALUES (" + placeholders(17) + ")"
	err := c.exec(ctx, "create_anomaly", query,
		a.ID, a.Timestamp, string(a.Type), a.Description, string(a.Severity), a.SourceFile,
		nullable(a.PacketNumber), nullable(a.UEID), nullable(a.MACAddress), details, string(a.Status),
		nullable(a.Recommendation), nullable(a.ErrorContext), nullable(a.PacketContext),
		nullable(a.ConfidenceScore), nullable(a.DetectionAlgorithm), detectionContext)
	if err != nil {
		return models.Anomaly{}, err
	}
	return a, nil
}

// SetAnomalyStatus applies a monotonic lifecycle transition.
func (c *Columnar) SetAnomalyStatus(ctx context.Context, id string, status models.Status) (models.Anomaly, bool, error) {
	a, ok, err := c.liveAnomaly(ctx, "set_status", id)
	if err != nil || !ok {
		return models.Anomaly{}, ok, err
	}
	if !a.Status.CanTransition(status) {
		return models.Anomaly{}, true, utils.KindError(utils.ErrInvalidTransition, "clickhouse.SetAnomalyStatus",
			fmt.Sprintf("cannot move anomaly %s from %s to %s", id, a.Status, status), nil)
	}
	if a.Status == status {
		return a, true, nil
	}
	query := "ALTER TABLE " + c.table("anomalies") + " UPDATE status = ? WHERE id = ?"
	if err := c.exec(mutationContext(ctx), "set_status", query, string(status), id); err != nil {
		return models.Anomaly{}, true, err
	}
	a.Status = status
	return a, true, nil
}

// SetRecommendation stores the recommendation text produced for an anomaly.
func (c *Columnar) SetRecommendation(ctx context.Context, id, text string) error {
	_, ok, err := c.liveAnomaly(ctx, "set_recommendation", id)
	if err != nil {
		return err
	}
	if !ok {
		return utils.KindError(utils.ErrNotFound, "clickhouse.SetRecommendation", fmt.Sprintf("anomaly %s not found", id), nil)
	}
	query := "ALTER TABLE " + c.table("anomalies") + " UPDATE recommendation = ? WHERE id = ?"
	return c.exec(mutationContext(ctx), "set_recommendation", query, text, id)
}

// DashboardMetrics returns the headline counters.
func (c *Columnar) DashboardMetrics(ctx context.Context) models.View[models.DashboardMetrics] {
	out, err := read(ctx, c, "dashboard", "dashboard", func(ctx context.Context) (models.DashboardMetrics, error) {
		t, err := c.dashboardTally(ctx, time.Time{})
		return dashboardFrom(t), err
	})
	if err != nil {
		c.fallback("dashboard", err)
		return models.Fallback(c.sample.DashboardMetrics(ctx).Data)
	}
	return models.Live(out)
}

// DashboardMetricsWithChanges compares the counters with their values one week ago.
func (c *Columnar) DashboardMetricsWithChanges(ctx context.Context) models.View[models.DashboardMetricsWithChanges] {
	out, err := read(ctx, c, "dashboard_changes", "dashboard_changes", func(ctx context.Context) (models.DashboardMetricsWithChanges, error) {
		current, err := c.dashboardTally(ctx, time.Time{})
		if err != nil {
			return models.DashboardMetricsWithChanges{}, err
		}
		previous, err := c.dashboardTally(ctx, c.now().Add(-changeWindow))
		if err != nil {
			return models.DashboardMetricsWithChanges{}, err
		}
		return changesFrom(dashboardFrom(current), dashboardFrom(previous)), nil
	})
	if err != nil {
		c.fallback("dashboard_changes", err)
		return models.Fallback(c.sample.DashboardMetricsWithChanges(ctx).Data)
	}
	return models.Live(out)
}

func (c *Columnar) dashboardTally(ctx context.Context, cutoff time.Time) (dashboardTally, error) {
	within := func(column string) (string, []any) {
		if cutoff.IsZero() {
			return "", nil
		}
		return " WHERE " + column + " <= ?", []any{cutoff.UTC()}
	}

	var t dashboardTally
	clause, args := within("timestamp")
	n, err := c.count(ctx, "SELECT count() FROM "+c.table("anomalies")+clause, args...)
	if err != nil {
		return t, err
	}
	t.Anomalies = n

	clause, args = within("start_time")
	if t.Sessions, err = c.count(ctx, "SELECT count() FROM "+c.table("sessions")+clause, args...); err != nil {
		return t, err
	}

	clause, args = within("upload_date")
	query := "SELECT count(), countIf(processing_status = 'completed') FROM " + c.table("processed_files") + clause
	err = c.scan(ctx, query, args, func(r Rows) error {
		var files, completed uint64
		if err := r.Scan(&files, &completed); err != nil {
			return err
		}
		t.Files, t.CompletedFiles = int(files), int(completed)
		return nil
	})
	return t, err
}

// AnomalyTrends returns zero-filled daily counts over the trailing days.
func (c *Columnar) AnomalyTrends(ctx context.Context, days int) models.View[[]models.TrendPoint] {
	days = normaliseDays(days)
	now := c.now()
	out, err := read(ctx, c, "trends", fmt.Sprintf("trends:%d:%s", days, utils.DayKey(now)), func(ctx context.Context) ([]models.TrendPoint, error) {
		from := utils.TrailingDays(now, days)[0]
		query := "SELECT toDate(timestamp) AS day, count() FROM " + c.table("anomalies") +
			" WHERE timestamp >= ? GROUP BY day"
		counts := make(map[string]int)
		err := c.scan(ctx, query, []any{from}, func(r Rows) error {
			var (
				day time.Time
				n   uint64
			)
			if err := r.Scan(&day, &n); err != nil {
				return err
			}
			counts[utils.DayKey(day)] = int(n)
			return nil
		})
		return trendFrom(now, days, counts), err
	})
	if err != nil {
		c.fallback("trends", err)
		return models.Fallback(c.sample.AnomalyTrends(ctx, days).Data)
	}
	return models.Live(out)
}

// AnomalyTypeBreakdown returns the share of each category.
func (c *Columnar) AnomalyTypeBreakdown(ctx context.Context) models.View[[]models.Breakdown] {
	out, err := read(ctx, c, "type_breakdown", "type_breakdown", func(ctx context.Context) ([]models.Breakdown, error) {
		groups, err := c.labelCounts(ctx, "anomaly_type", typeRank)
		return breakdownFrom(groups), err
	})
	if err != nil {
		c.fallback("type_breakdown", err)
		return models.Fallback(c.sample.AnomalyTypeBreakdown(ctx).Data)
	}
	return models.Live(out)
}

// SeverityBreakdown returns the share of each severity.
func (c *Columnar) SeverityBreakdown(ctx context.Context) models.View[[]models.Breakdown] {
	out, err := read(ctx, c, "severity_breakdown", "severity_breakdown", func(ctx context.Context) ([]models.Breakdown, error) {
		groups, err := c.labelCounts(ctx, "severity", severityRank)
		return breakdownFrom(groups), err
	})
	if err != nil {
		c.fallback("severity_breakdown", err)
		return models.Fallback(c.sample.SeverityBreakdown(ctx).Data)
	}
	return models.Live(out)
}

func (c *Columnar) labelCounts(ctx context.Context, column string, rank func(string) int) ([]labelCount, error) {
	query := "SELECT " + column + " AS label, count() FROM " + c.table("anomalies") + " GROUP BY label"
	groups := make([]labelCount, 0)
	err := c.scan(ctx, query, nil, func(r Rows) error {
		var (
			label string
			n     uint64
		)
		if err := r.Scan(&label, &n); err != nil {
			return err
		}
		groups = append(groups, labelCount{Label: label, Count: int(n), Rank: rank(label)})
		return nil
	})
	return groups, err
}

// HourlyHeatmap returns zero-filled hourly counts over the trailing days.
func (c *Columnar) HourlyHeatmap(ctx context.Context, days int) models.View[[]models.HeatmapCell] {
	days = normaliseDays(days)
	now := c.now()
	out, err := read(ctx, c, "heatmap", fmt.Sprintf("heatmap:%d:%s", days, utils.DayKey(now)), func(ctx context.Context) ([]models.HeatmapCell, error) {
		from := utils.TrailingDays(now, days)[0]
		query := "SELECT toDate(timestamp) AS day, toHour(timestamp) AS hour, count() FROM " + c.table("anomalies") +
			" WHERE timestamp >= ? GROUP BY day, hour"
		counts := make(map[hourKey]int)
		err := c.scan(ctx, query, []any{from}, func(r Rows) error {
			var (
				day  time.Time
				hour uint8
				n    uint64
			)
			if err := r.Scan(&day, &hour, &n); err != nil {
				return err
			}
			counts[hourKey{Day: utils.DayKey(day), Hour: int(hour)}] = int(n)
			return nil
		})
		return heatmapFrom(now, days, counts), err
	})
	if err != nil {
		c.fallback("heatmap", err)
		return models.Fallback(c.sample.HourlyHeatmap(ctx, days).Data)
	}
	return models.Live(out)
}

// TopAffectedSources returns the sources with the most anomalies. The table has no insertion
// sequence, so ties go to the source with the earliest anomaly timestamp, then by name.
func (c *Columnar) TopAffectedSources(ctx context.Context, limit int) models.View[[]models.SourceCount] {
	limit = normaliseLimit(limit, 10)
	out, err := read(ctx, c, "top_sources", fmt.Sprintf("top_sources:%d", limit), func(ctx context.Context) ([]models.SourceCount, error) {
		query := "SELECT source_file, count() AS n, min(timestamp) AS first_seen FROM " + c.table("anomalies") +
			" GROUP BY source_file ORDER BY n DESC, first_seen ASC, source_file ASC LIMIT ?"
		tallies := make([]sourceTally, 0)
		err := c.scan(ctx, query, []any{limit}, func(r Rows) error {
			var (
				source    string
				n         uint64
				firstSeen time.Time
			)
			if err := r.Scan(&source, &n, &firstSeen); err != nil {
				return err
			}
			tallies = append(tallies, sourceTally{Source: source, Count: int(n), Order: firstSeen.UnixNano()})
			return nil
		})
		return topSourcesFrom(tallies, limit), err
	})
	if err != nil {
		c.fallback("top_sources", err)
		return models.Fallback(c.sample.TopAffectedSources(ctx, limit).Data)
	}
	return models.Live(out)
}

// NetworkHealthScore returns the composite health score.
func (c *Columnar) NetworkHealthScore(ctx context.Context) models.View[models.NetworkHealth] {
	now := c.now()
	out, err := read(ctx, c, "health", "health", func(ctx context.Context) (models.NetworkHealth, error) {
		recentFrom := now.Add(-changeWindow).UTC()
		priorFrom := now.Add(-2 * changeWindow).UTC()
		query := "SELECT count(), countIf(severity = 'critical'), countIf(status = 'resolved'), " +
			"countIf(severity = 'critical' AND timestamp >= ?), " +
			"countIf(severity = 'critical' AND timestamp >= ? AND timestamp < ?) FROM " + c.table("anomalies")
		var t healthTally
		err := c.scan(ctx, query, []any{recentFrom, priorFrom, recentFrom}, func(r Rows) error {
			var total, critical, resolved, recent, prior uint64
			if err := r.Scan(&total, &critical, &resolved, &recent, &prior); err != nil {
				return err
			}
			t = healthTally{
				Total:          int(total),
				Critical:       int(critical),
				Resolved:       int(resolved),
				CriticalRecent: int(recent),
				CriticalPrior:  int(prior),
			}
			return nil
		})
		return healthFrom(t), err
	})
	if err != nil {
		c.fallback("health", err)
		return models.Fallback(c.sample.NetworkHealthScore(ctx).Data)
	}
	return models.Live(out)
}

// AlgorithmPerformance returns the share of anomalies per detection algorithm.
func (c *Columnar) AlgorithmPerformance(ctx context.Context) models.View[[]models.AlgorithmShare] {
	out, err := read(ctx, c, "algorithms", "algorithms", func(ctx context.Context) ([]models.AlgorithmShare, error) {
		groups, err := c.labelCounts(ctx, "ifNull(detection_algorithm, '')", func(string) int { return 0 })
		return algorithmSharesFrom(groups), err
	})
	if err != nil {
		c.fallback("algorithms", err)
		return models.Fallback(c.sample.AlgorithmPerformance(ctx).Data)
	}
	return models.Live(out)
}

// ListFiles returns files, most recently uploaded first.
func (c *Columnar) ListFiles(ctx context.Context, limit, offset int) models.View[[]models.ProcessedFile] {
	limit = normaliseLimit(limit, models.DefaultListLimit)
	offset = max(offset, 0)
	out, err := read(ctx, c, "list_files", "", func(ctx context.Context) ([]models.ProcessedFile, error) {
		query := "SELECT " + fileColumns + " FROM " + c.table("processed_files") + " ORDER BY upload_date DESC LIMIT ? OFFSET ?"
		return c.queryFiles(ctx, query, limit, offset)
	})
	if err != nil {
		c.fallback("list_files", err)
		return models.Fallback(c.sample.ListFiles(ctx, limit, offset).Data)
	}
	return models.Live(out)
}

// GetFile looks up a file by id.
func (c *Columnar) GetFile(ctx context.Context, id string) (models.View[models.ProcessedFile], bool) {
	found, err := read(ctx, c, "get_file", "", func(ctx context.Context) ([]models.ProcessedFile, error) {
		return c.lookupFile(ctx, id)
	})
	if err != nil {
		c.fallback("get_file", err)
		view, ok := c.sample.GetFile(ctx, id)
		return models.Fallback(view.Data), ok
	}
	if len(found) == 0 {
		return models.View[models.ProcessedFile]{}, false
	}
	return models.Live(found[0]), true
}

func (c *Columnar) lookupFile(ctx context.Context, id string) ([]models.ProcessedFile, error) {
	query := "SELECT " + fileColumns + " FROM " + c.table("processed_files") + " WHERE id = ? LIMIT 1"
	return c.queryFiles(ctx, query, id)
}

func (c *Columnar) queryFiles(ctx context.Context, query string, args ...any) ([]models.ProcessedFile, error) {
	out := make([]models.ProcessedFile, 0)
	err := c.scan(ctx, query, args, func(r Rows) error {
		var (
			f       models.ProcessedFile
			status  string
			anomaly int64
		)
		if err := r.Scan(&f.ID, &f.Filename, &f.FileType, &f.FileSize, &f.UploadDate, &status, &anomaly,
			&f.ProcessingTimeMs, &f.ErrorMessage, &f.SessionID); err != nil {
			return err
		}
		f.UploadDate = f.UploadDate.UTC()
		f.ProcessingStatus = models.ProcessingStatus(status)
		if !f.ProcessingStatus.Valid() {
			c.logger.Warn("unknown processing status in store", slog.String("id", f.ID), slog.String("value", status))
			f.ProcessingStatus = models.ProcessingPending
		}
		f.AnomaliesFound = int(anomaly)
		out = append(out, f)
		return nil
	})
	return out, err
}

// CreateFile registers a newly ingested file in pending state.
func (c *Columnar) CreateFile(ctx context.Context, draft models.FileDraft) (models.ProcessedFile, error) {
	if err := draft.Validate(); err != nil {
		return models.ProcessedFile{}, utils.KindError(utils.ErrMalformedRequest, "clickhouse.CreateFile", err.Error(), err)
	}
	f := models.ProcessedFile{
		ID:               c.newID(),
		Filename:         draft.Filename,
		FileType:         draft.FileType,
		FileSize:         draft.FileSize,
		UploadDate:       c.now().UTC(),
		ProcessingStatus: models.ProcessingPending,
		SessionID:        draft.SessionID,
	}
	query := "INSERT INTO " + c.table("processed_files") + " (" + fileColumns + ") VALUES (" + placeholders(10) + ")"
	err := c.exec(ctx, "create_file", query, f.ID, f.Filename, f.FileType, f.FileSize, f.UploadDate,
		string(f.ProcessingStatus), int64(f.AnomaliesFound), nullable(f.ProcessingTimeMs), nullable(f.ErrorMessage),
		nullable(f.SessionID))
	if err != nil {
		return models.ProcessedFile{}, err
	}
	return f, nil
}

// UpdateFile advances a file's processing state. Terminal files are immutable.
func (c *Columnar) UpdateFile(ctx context.Context, id string, update models.FileUpdate) (models.ProcessedFile, bool, error) {
	if err := update.Validate(); err != nil {
		return models.ProcessedFile{}, false, utils.KindError(utils.ErrMalformedRequest, "clickhouse.UpdateFile", err.Error(), err)
	}
	found, err := read(ctx, c, "update_file", "", func(ctx context.Context) ([]models.ProcessedFile, error) {
		return c.lookupFile(ctx, id)
	})
	if err != nil {
		return models.ProcessedFile{}, false, utils.KindError(utils.ErrBackendUnavailable, "clickhouse.UpdateFile", "analytics store unavailable", err)
	}
	if len(found) == 0 {
		return models.ProcessedFile{}, false, nil
	}
	current := found[0]
	updated, ok := update.Apply(current)
	if !ok {
		return current, true, utils.KindError(utils.ErrInvalidTransition, "clickhouse.UpdateFile",
			fmt.Sprintf("cannot move file %s from %s to %s", id, current.ProcessingStatus, update.Status), nil)
	}
	query := "ALTER TABLE " + c.table("processed_files") +
		" UPDATE processing_status = ?, anomalies_found = ?, processing_time_ms = ?, error_message = ? WHERE id = ?"
	err = c.exec(mutationContext(ctx), "update_file", query, string(updated.ProcessingStatus), int64(updated.AnomaliesFound),
		nullable(updated.ProcessingTimeMs), nullable(updated.ErrorMessage), id)
	if err != nil {
		return models.ProcessedFile{}, true, err
	}
	return updated, true, nil
}

// ListSessions returns sessions, most recent first.
func (c *Columnar) ListSessions(ctx context.Context, limit, offset int) models.View[[]models.Session] {
	limit = normaliseLimit(limit, models.DefaultListLimit)
	offset = max(offset, 0)
	out, err := read(ctx, c, "list_sessions", "", func(ctx context.Context) ([]models.Session, error) {
		query := "SELECT " + sessionColumns + " FROM " + c.table("sessions") + " ORDER BY start_time DESC LIMIT ? OFFSET ?"
		return c.querySessions(ctx, query, limit, offset)
	})
	if err != nil {
		c.fallback("list_sessions", err)
		return models.Fallback(c.sample.ListSessions(ctx, limit, offset).Data)
	}
	return models.Live(out)
}

// GetSession looks up a session by id.
func (c *Columnar) GetSession(ctx context.Context, id string) (models.View[models.Session], bool) {
	found, err := read(ctx, c, "get_session", "", func(ctx context.Context) ([]models.Session, error) {
		return c.lookupSession(ctx, id)
	})
	if err != nil {
		c.fallback("get_session", err)
		view, ok := c.sample.GetSession(ctx, id)
		return models.Fallback(view.Data), ok
	}
	if len(found) == 0 {
		return models.View[models.Session]{}, false
	}
	return models.Live(found[0]), true
}

func (c *Columnar) lookupSession(ctx context.Context, id string) ([]models.Session, error) {
	query := "SELECT " + sessionColumns + " FROM " + c.table("sessions") + " WHERE id = ? LIMIT 1"
	return c.querySessions(ctx, query, id)
}

func (c *Columnar) querySessions(ctx context.Context, query string, args ...any) ([]models.Session, error) {
	out := make([]models.Session, 0)
	err := c.scan(ctx, query, args, func(r Rows) error {
		var (
			s      models.Session
			status string
		)
		if err := r.Scan(&s.ID, &s.Name, &s.StartTime, &s.EndTime, &s.PacketsAnalyzed, &s.AnomaliesDetected,
			&s.SourceFile, &status); err != nil {
			return err
		}
		s.StartTime = s.StartTime.UTC()
		s.Status = models.SessionActive
		if status == string(models.SessionCompleted) {
			s.Status = models.SessionCompleted
		}
		out = append(out, s)
		return nil
	})
	return out, err
}

// CreateSession opens a new analysis session.
func (c *Columnar) CreateSession(ctx context.Context, draft models.SessionDraft) (models.Session, error) {
	if err := draft.Validate(); err != nil {
		return models.Session{}, utils.KindError(utils.ErrMalformedRequest, "clickhouse.CreateSession", err.Error(), err)
	}
	s := models.Session{
		ID:         c.newID(),
		Name:       draft.Name,
		StartTime:  c.now().UTC(),
		SourceFile: draft.SourceFile,
		Status:     models.SessionActive,
	}
	query := "INSERT INTO " + c.table("sessions") + " (" + sessionColumns + ") VALUES (" + placeholders(8) + ")"
	err := c.exec(ctx, "create_session", query, s.ID, s.Name, s.StartTime, nil, s.PacketsAnalyzed,
		s.AnomaliesDetected, s.SourceFile, string(s.Status))
	if err != nil {
		return models.Session{}, err
	}
	return s, nil
}

// CloseSession records final counters and the end time.
func (c *Columnar) CloseSession(ctx context.Context, id string, final models.SessionClose) (models.Session, bool, error) {
	if err := final.Validate(); err != nil {
		return models.Session{}, false, utils.KindError(utils.ErrMalformedRequest, "clickhouse.CloseSession", err.Error(), err)
	}
	found, err := read(ctx, c, "close_session", "", func(ctx context.Context) ([]models.Session, error) {
		return c.lookupSession(ctx, id)
	})
	if err != nil {
		return models.Session{}, false, utils.KindError(utils.ErrBackendUnavailable, "clickhouse.CloseSession", "analytics store unavailable", err)
	}
	if len(found) == 0 {
		return models.Session{}, false, nil
	}
	s := found[0]
	if s.Status == models.SessionCompleted {
		return s, true, utils.KindError(utils.ErrInvalidTransition, "clickhouse.CloseSession", fmt.Sprintf("session %s already closed", id), nil)
	}
	end := c.now().UTC()
	query := "ALTER TABLE " + c.table("sessions") +
		" UPDATE end_time = ?, status = ?, packets_analyzed = ?, anomalies_detected = ? WHERE id = ?"
	err = c.exec(mutationContext(ctx), "close_session", query, end, string(models.SessionCompleted),
		final.PacketsAnalyzed, final.AnomaliesDetected, id)
	if err != nil {
		return models.Session{}, true, err
	}
	s.EndTime = &end
	s.Status = models.SessionCompleted
	s.PacketsAnalyzed = final.PacketsAnalyzed
	s.AnomaliesDetected = final.AnomaliesDetected
	return s, true, nil
}

// RecordMetric appends a measurement.
func (c *Columnar) RecordMetric(ctx context.Context, draft models.MetricDraft) (models.Metric, error) {
	if err := draft.Validate(); err != nil {
		return models.Metric{}, utils.KindError(utils.ErrMalformedRequest, "clickhouse.RecordMetric", err.Error(), err)
	}
	m := buildMetric(c.newID(), draft, c.now())
	query := "INSERT INTO " + c.table("metrics") + " (" + metricColumns + ") VALUES (" + placeholders(7) + ")"
	err := c.exec(ctx, "record_metric", query, m.ID, m.Category, m.Name, m.Value, m.Timestamp,
		nullable(m.SessionID), nullable(m.SourceFile))
	if err != nil {
		return models.Metric{}, err
	}
	return m, nil
}

// ListMetrics returns the newest measurements, optionally restricted to a category.
func (c *Columnar) ListMetrics(ctx context.Context, category string, limit int) models.View[[]models.Metric] {
	limit = normaliseLimit(limit, models.DefaultListLimit)
	out, err := read(ctx, c, "list_metrics", "", func(ctx context.Context) ([]models.Metric, error) {
		query := "SELECT " + metricColumns + " FROM " + c.table("metrics")
		var args []any
		if category != "" {
			query += " WHERE category = ?"
			args = append(args, category)
		}
		query += " ORDER BY timestamp DESC LIMIT ?"
		args = append(args, limit)

		metricsOut := make([]models.Metric, 0)
		err := c.scan(ctx, query, args, func(r Rows) error {
			var m models.Metric
			if err := r.Scan(&m.ID, &m.Category, &m.Name, &m.Value, &m.Timestamp, &m.SessionID, &m.SourceFile); err != nil {
				return err
			}
			m.Timestamp = m.Timestamp.UTC()
			metricsOut = append(metricsOut, m)
			return nil
		})
		return metricsOut, err
	})
	if err != nil {
		c.fallback("list_metrics", err)
		return models.Fallback(c.sample.ListMetrics(ctx, category, limit).Data)
	}
	return models.Live(out)
}

// Ping checks connectivity.
func (c *Columnar) Ping(ctx context.Context) error {
	qctx, cancel := context.WithTimeout(ctx, c.queryTimeout)
	defer cancel()
	if err := c.conn.Ping(qctx); err != nil {
		return utils.KindError(utils.ErrBackendUnavailable, "clickhouse.Ping", "analytics store unreachable", err)
	}
	return nil
}

// Inventory counts the rows of every table. Unlike the views it fails loudly.
func (c *Columnar) Inventory(ctx context.Context) (models.Inventory, error) {
	inv := models.Inventory{Backend: BackendClickHouse}
	targets := []struct {
		table string
		dst   *int
	}{
		{"anomalies", &inv.Anomalies},
		{"processed_files", &inv.Files},
		{"sessions", &inv.Sessions},
		{"metrics", &inv.Metrics},
	}
	for _, target := range targets {
		n, err := read(ctx, c, "inventory", "", func(ctx context.Context) (int, error) {
			return c.count(ctx, "SELECT count() FROM "+c.table(target.table))
		})
		if err != nil {
			return inv, utils.KindError(utils.ErrBackendUnavailable, "clickhouse.Inventory", "count "+target.table, err)
		}
		*target.dst = n
	}
	return inv, nil
}

// Close releases the connection.
func (c *Columnar) Close() error { return c.conn.Close() }

func placeholders(n int) string {
	return strings.TrimSuffix(strings.Repeat("?, ", n), ", ")
}

// nullable unwraps optional values so the driver binds NULL for absent ones.
func nullable[T any](v *T) any {
	if v == nil {
		return nil
	}
	return *v
}

var _ Store = (*Columnar)(nil)
