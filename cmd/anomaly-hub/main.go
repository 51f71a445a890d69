package main

import (
	"log/slog"
	"os"

	"github.com/spf13/cobra"

	"github.com/miradorstack/anomaly-hub/internal/config"
	"github.com/miradorstack/anomaly-hub/internal/utils"
)

func main() {
	if err := newRootCommand().Execute(); err != nil {
		os.Exit(1)
	}
}

func newRootCommand() *cobra.Command {
	var configPath string
	root := &cobra.Command{
		Use:           "anomaly-hub",
		Short:         "Network anomaly analytics and recommendation service",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.PersistentFlags().StringVar(&configPath, "config", "", "Path to configuration file")

	load := func() (*config.Config, *slog.Logger, error) {
		cfg, err := config.Load(configPath)
		if err != nil {
			slog.Error("failed to load config", slog.String("path", configPath), slog.Any("error", err))
			return nil, nil, err
		}
		logger := utils.NewFileLogger(cfg.Logging.Level, cfg.Logging.JSON, utils.LogFile{
			Path:       cfg.Logging.File,
			MaxSizeMB:  cfg.Logging.MaxSizeMB,
			MaxBackups: cfg.Logging.MaxBackups,
			MaxAgeDays: cfg.Logging.MaxAgeDays,
		})
		slog.SetDefault(logger)
		return cfg, logger, nil
	}

	root.AddCommand(newServeCommand(load), newProbeCommand(load))
	return root
}

type loader func() (*config.Config, *slog.Logger, error)
