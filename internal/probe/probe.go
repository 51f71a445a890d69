package probe

import (
	"context"
	"log/slog"
	"time"

	"github.com/cenkalti/backoff"

	"github.com/miradorstack/anomaly-hub/internal/models"
)

// Target is the store surface the probe exercises.
type Target interface {
	Backend() string
	Ping(ctx context.Context) error
	Inventory(ctx context.Context) (models.Inventory, error)
}

// Options bounds the retry loop.
type Options struct {
	InitialInterval time.Duration
	MaxElapsed      time.Duration
	Logger          *slog.Logger
}

// Report is the outcome of a probe run.
type Report struct {
	Backend   string           `json:"backend"`
	Reachable bool             `json:"reachable"`
	Inventory models.Inventory `json:"inventory"`
	Attempts  int              `json:"attempts"`
	Error     string           `json:"error,omitempty"`
}

// Run pings target with exponential backoff until it answers, MaxElapsed passes, or ctx ends,
// then logs what the backend holds.
func Run(ctx context.Context, target Target, opts Options) Report {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	report := Report{Backend: target.Backend()}

	bo := backoff.NewExponentialBackOff()
	if opts.InitialInterval > 0 {
		bo.InitialInterval = opts.InitialInterval
	}
	bo.MaxInterval = 5 * time.Second
	bo.MaxElapsedTime = opts.MaxElapsed

	err := backoff.RetryNotify(func() error {
		report.Attempts++
		return target.Ping(ctx)
	}, backoff.WithContext(bo, ctx), func(err error, wait time.Duration) {
		logger.Warn("store not reachable, retrying",
			slog.String("backend", report.Backend),
			slog.Int("attempt", report.Attempts),
			slog.Duration("wait", wait),
			slog.Any("error", err),
		)
	})
	if err != nil {
		report.Error = err.Error()
		logger.Error("store unreachable", slog.String("backend", report.Backend), slog.Int("attempts", report.Attempts), slog.Any("error", err))
		return report
	}
	report.Reachable = true

	inv, err := target.Inventory(ctx)
	if err != nil {
		logger.Warn("store inventory unavailable", slog.String("backend", report.Backend), slog.Any("error", err))
		return report
	}
	report.Inventory = inv
	logger.Info("store reachable",
		slog.String("backend", report.Backend),
		slog.Int("attempts", report.Attempts),
		slog.Int("anomalies", inv.Anomalies),
		slog.Int("files", inv.Files),
		slog.Int("sessions", inv.Sessions),
		slog.Int("metrics", inv.Metrics),
	)
	return report
}
