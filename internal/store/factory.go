package store

import (
	"context"
	"log/slog"
	"time"

	"github.com/miradorstack/anomaly-hub/internal/cache"
	"github.com/miradorstack/anomaly-hub/internal/config"
)

// Options carries the collaborators shared by both backends.
type Options struct {
	Logger   *slog.Logger
	Cache    cache.Provider
	CacheTTL time.Duration
	Now      func() time.Time
}

// New builds the backend selected by cfg. An unreachable columnar store is not fatal: its
// reads degrade to sample data until it comes back.
func New(ctx context.Context, cfg config.StoreConfig, opts Options) (Store, error) {
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}

	if !cfg.UseClickHouse() {
		ephemeralOpts := []EphemeralOption{WithClock(opts.Now), WithLogger(opts.Logger)}
		if cfg.SeedFixtures {
			ds, err := SampleDataset(opts.Now())
			if err != nil {
				return nil, err
			}
			ephemeralOpts = append(ephemeralOpts, WithDataset(ds))
		}
		opts.Logger.Info("analytics store ready", slog.String("backend", BackendMemory), slog.Bool("seeded", cfg.SeedFixtures))
		return NewEphemeral(ephemeralOpts...), nil
	}

	ch := cfg.ClickHouse
	conn, err := OpenClickHouse(ch)
	if err != nil {
		return nil, err
	}
	columnar, err := NewColumnar(conn, ColumnarOptions{
		Database:     ch.Database,
		QueryTimeout: ch.QueryTimeout,
		Cache:        opts.Cache,
		CacheTTL:     opts.CacheTTL,
		Now:          opts.Now,
		Logger:       opts.Logger,
	})
	if err != nil {
		_ = conn.Close()
		return nil, err
	}

	if err := columnar.Ping(ctx); err != nil {
		opts.Logger.Warn("columnar store unreachable, reads will serve sample data",
			slog.String("addr", ch.Addr()), slog.Any("error", err))
	} else if ch.AutoMigrate {
		if err := columnar.EnsureSchema(ctx); err != nil {
			opts.Logger.Warn("columnar schema migration failed", slog.Any("error", err))
		}
	}
	opts.Logger.Info("analytics store ready", slog.String("backend", BackendClickHouse), slog.String("addr", ch.Addr()))
	return columnar, nil
}
