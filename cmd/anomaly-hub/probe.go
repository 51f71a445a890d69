package main

import (
	"encoding/json"
	"errors"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/miradorstack/anomaly-hub/internal/cache"
	"github.com/miradorstack/anomaly-hub/internal/probe"
	"github.com/miradorstack/anomaly-hub/internal/store"
)

func newProbeCommand(load loader) *cobra.Command {
	return &cobra.Command{
		Use:   "probe",
		Short: "Check that the configured store is reachable and print its inventory",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, logger, err := load()
			if err != nil {
				return err
			}
			ctx := cmd.Context()

			cacheProvider := cache.New(ctx, cfg.Cache, logger)
			defer cacheProvider.Close()

			st, err := store.New(ctx, cfg.Store, store.Options{Logger: logger, Cache: cacheProvider, CacheTTL: cfg.Cache.AggregateTTL})
			if err != nil {
				return fmt.Errorf("open store: %w", err)
			}
			defer st.Close()

			report := probe.Run(ctx, st, probe.Options{
				InitialInterval: cfg.Probe.InitialInterval,
				MaxElapsed:      cfg.Probe.MaxElapsed,
				Logger:          logger,
			})
			enc := json.NewEncoder(cmd.OutOrStdout())
			enc.SetIndent("", "  ")
			if err := enc.Encode(report); err != nil {
				return err
			}
			if !report.Reachable {
				return errors.New("store unreachable")
			}
			return nil
		},
	}
}
