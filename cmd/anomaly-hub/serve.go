package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/miradorstack/anomaly-hub/internal/api"
	"github.com/miradorstack/anomaly-hub/internal/cache"
	"github.com/miradorstack/anomaly-hub/internal/config"
	"github.com/miradorstack/anomaly-hub/internal/gateway"
	"github.com/miradorstack/anomaly-hub/internal/inference"
	"github.com/miradorstack/anomaly-hub/internal/metrics"
	"github.com/miradorstack/anomaly-hub/internal/probe"
	"github.com/miradorstack/anomaly-hub/internal/services"
	"github.com/miradorstack/anomaly-hub/internal/store"
)

func newServeCommand(load loader) *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the HTTP API, recommendation socket, gRPC health and metrics servers",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, logger, err := load()
			if err != nil {
				return err
			}
			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()
			if err := serve(ctx, cfg, logger); err != nil {
				logger.Error("anomaly-hub exited", slog.Any("error", err))
				return err
			}
			return nil
		},
	}
}

func serve(ctx context.Context, cfg *config.Config, logger *slog.Logger) error {
	logger.Info("starting anomaly-hub",
		slog.String("http", cfg.Server.HTTPAddress),
		slog.String("grpc", cfg.Server.GRPCAddress),
		slog.String("store", cfg.Store.Driver),
		slog.String("inference", cfg.Inference.Provider),
	)

	if err := metrics.Register(prometheus.DefaultRegisterer); err != nil {
		return fmt.Errorf("register metrics: %w", err)
	}

	cacheProvider := cache.New(ctx, cfg.Cache, logger)
	defer cacheProvider.Close()

	st, err := store.New(ctx, cfg.Store, store.Options{Logger: logger, Cache: cacheProvider, CacheTTL: cfg.Cache.AggregateTTL})
	if err != nil {
		return fmt.Errorf("open store: %w", err)
	}
	defer st.Close()

	streamer, err := inference.New(cfg.Inference, logger)
	if err != nil {
		return fmt.Errorf("build inference streamer: %w", err)
	}

	svc := services.NewAnomalyService(logger, st)
	gw := gateway.New(st, streamer, gateway.Options{
		Config:       cfg.Gateway,
		SystemPrompt: cfg.Inference.SystemPrompt,
		Logger:       logger,
	})

	router := api.NewRouter(api.RouterOptions{
		Service: svc,
		Gateway: gw,
		Health: api.HealthInfo{
			ClickHouseConfigured: cfg.Store.ClickHouse.Configured(),
			InferenceConfigured:  cfg.Inference.Configured(),
			InferenceProvider:    cfg.Inference.Provider,
			CacheEnabled:         cfg.Cache.Enabled,
		},
		Socket:      cfg.Gateway,
		CORSOrigins: cfg.Server.CORSOrigins,
		ServiceName: cfg.Tracing.ServiceName,
		Logger:      logger,
	})

	grpcServer, err := api.NewGRPCServer(cfg.Server)
	if err != nil {
		return fmt.Errorf("create gRPC server: %w", err)
	}

	httpServer := &http.Server{
		Addr:              cfg.Server.HTTPAddress,
		Handler:           router,
		ReadHeaderTimeout: 10 * time.Second,
		BaseContext:       func(net.Listener) context.Context { return ctx },
	}

	var metricsServer *http.Server
	if cfg.Server.MetricsAddress != "" {
		mux := http.NewServeMux()
		mux.Handle("/metrics", promhttp.Handler())
		metricsServer = &http.Server{
			Addr:         cfg.Server.MetricsAddress,
			Handler:      mux,
			ReadTimeout:  5 * time.Second,
			WriteTimeout: 15 * time.Second,
		}
	}

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		report := probe.Run(gctx, st, probe.Options{
			InitialInterval: cfg.Probe.InitialInterval,
			MaxElapsed:      cfg.Probe.MaxElapsed,
			Logger:          logger,
		})
		grpcServer.SetServing(report.Reachable)
		return nil
	})

	g.Go(func() error {
		logger.Info("http server listening", slog.String("address", cfg.Server.HTTPAddress))
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("http server: %w", err)
		}
		return nil
	})

	g.Go(func() error {
		logger.Info("gRPC server listening", slog.String("address", grpcServer.Address()))
		if err := grpcServer.Start(); err != nil {
			return fmt.Errorf("gRPC server: %w", err)
		}
		return nil
	})

	if metricsServer != nil {
		g.Go(func() error {
			logger.Info("metrics server listening", slog.String("address", cfg.Server.MetricsAddress))
			if err := metricsServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				return fmt.Errorf("metrics server: %w", err)
			}
			return nil
		})
	}

	g.Go(func() error {
		<-gctx.Done()
		logger.Info("shutdown signal received")

		shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.GracefulTimeout)
		defer cancel()
		if err := httpServer.Shutdown(shutdownCtx); err != nil {
			logger.Warn("http server shutdown", slog.Any("error", err))
		}
		grpcServer.Shutdown(shutdownCtx)
		if metricsServer != nil {
			if err := metricsServer.Shutdown(shutdownCtx); err != nil {
				logger.Warn("metrics server shutdown", slog.Any("error", err))
			}
		}
		return nil
	})

	err = g.Wait()
	logger.Info("anomaly-hub stopped")
	return err
}
