package main

import (
	"fmt"

	"rentescrow/internal/config"
	"rentescrow/internal/idempotency"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
)

var migrateCmd = &cobra.Command{
	Use:   "migrate",
	Short: "Create the projection and idempotency tables",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := config.Load()
		if err != nil {
			return err
		}
		if cfg.Database.DSN == "" {
			return fmt.Errorf("migrate: database.dsn is not configured")
		}
		logger, err := buildLogger(cfg.Log)
		if err != nil {
			return err
		}
		defer func() { _ = logger.Sync() }()

		ctx := cmd.Context()
		a, err := newSinks(ctx, cfg, logger)
		if err != nil {
			return err
		}
		defer a.close()

		if err := a.projection.Migrate(ctx); err != nil {
			return err
		}
		if _, err := idempotency.NewPostgresStore(ctx, a.pool); err != nil {
			return err
		}
		logger.Info("migrations applied")
		return nil
	},
}

var redriveCmd = &cobra.Command{
	Use:   "redrive-dlq",
	Short: "Redeliver parked event batches once",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := config.Load()
		if err != nil {
			return err
		}
		logger, err := buildLogger(cfg.Log)
		if err != nil {
			return err
		}
		defer func() { _ = logger.Sync() }()

		a, err := newSinks(cmd.Context(), cfg, logger)
		if err != nil {
			return err
		}
		defer a.close()

		n, err := a.relay.Redrive(cmd.Context())
		if err != nil {
			return err
		}
		logger.Info("dlq redrive finished", zap.Int("delivered", n), zap.Int("remaining", a.relay.UpdateDLQDepth()))
		return nil
	},
}
