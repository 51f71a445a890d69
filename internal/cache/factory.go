package cache

import (
	"context"
	"log/slog"

	"github.com/miradorstack/anomaly-hub/internal/config"
)

// New builds the Provider selected by cfg. An unreachable Valkey degrades to the in-memory
// provider when memory caching is allowed, otherwise to NoopProvider.
func New(ctx context.Context, cfg config.CacheConfig, logger *slog.Logger) Provider {
	if logger == nil {
		logger = slog.Default()
	}
	if !cfg.Enabled {
		return NoopProvider{}
	}
	if cfg.Addr != "" {
		provider, err := NewValkeyProvider(ctx, ValkeyConfig{
			Addr:         cfg.Addr,
			Username:     cfg.Username,
			Password:     cfg.Password,
			DB:           cfg.DB,
			DialTimeout:  cfg.DialTimeout,
			ReadTimeout:  cfg.ReadTimeout,
			WriteTimeout: cfg.WriteTimeout,
			MaxRetries:   cfg.MaxRetries,
			TLS:          cfg.TLS,
		})
		if err == nil {
			logger.Info("valkey cache enabled", slog.String("addr", cfg.Addr))
			return provider
		}
		logger.Warn("valkey cache unavailable", slog.Any("error", err))
	}
	if cfg.Memory {
		logger.Info("in-memory cache enabled")
		return NewMemoryProvider()
	}
	return NoopProvider{}
}
